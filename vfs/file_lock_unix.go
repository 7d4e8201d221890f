// Copyright 2025 The Mica Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd

package vfs

import (
	"io"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// lockedFiles tracks the files locked by this process, since flock(2) does
// not protect against the same process re-locking a file.
var lockedFiles struct {
	sync.Mutex
	names map[string]bool
}

func (defaultFS) Lock(name string) (io.Closer, error) {
	lockedFiles.Lock()
	defer lockedFiles.Unlock()
	if lockedFiles.names == nil {
		lockedFiles.names = map[string]bool{}
	}
	if lockedFiles.names[name] {
		return nil, errors.Newf("mica/vfs: file %q already locked by this process", name)
	}

	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "mica/vfs: could not lock %q", name)
	}
	lockedFiles.names[name] = true
	return unlocker{f: f, name: name}, nil
}

type unlocker struct {
	f    *os.File
	name string
}

func (u unlocker) Close() error {
	lockedFiles.Lock()
	delete(lockedFiles.names, u.name)
	lockedFiles.Unlock()
	return u.f.Close()
}
