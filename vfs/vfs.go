// Copyright 2025 The Mica Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package vfs provides a pluggable abstraction over the filesystem
// operations mica performs, so that databases can be hosted on the
// operating system's filesystem, in memory (for tests), or anywhere else a
// conforming implementation exists.
package vfs // import "github.com/cockroachdb/mica/vfs"

import (
	"io"
	"os"
	"path/filepath"
)

// File is a readable, writable sequence of bytes.
//
// Typically, it will be an *os.File, but test code may choose to substitute
// memory-backed implementations.
type File interface {
	io.Closer
	io.Reader
	io.ReaderAt
	io.Writer
	Stat() (os.FileInfo, error)
	Sync() error
}

// FS is a namespace for files.
//
// The names are filepath names: they may be / separated or \ separated,
// depending on the underlying operating system.
type FS interface {
	// Create creates the named file for writing (the default FS also allows
	// reading it). If a file already exists at the provided name, its
	// contents are discarded.
	Create(name string) (File, error)

	// Open opens the named file for reading.
	Open(name string) (File, error)

	// OpenForAppend opens the named file for appending. Writes land at the
	// end of the file's existing contents.
	OpenForAppend(name string) (File, error)

	// Remove removes the named file or directory.
	Remove(name string) error

	// Rename renames a file. It overwrites the file at newname if one
	// exists, the same as os.Rename.
	Rename(oldname, newname string) error

	// MkdirAll creates a directory and all necessary parents. The
	// permission bits perm have the same semantics as in os.MkdirAll. If
	// the directory already exists, MkdirAll does nothing and returns nil.
	MkdirAll(dir string, perm os.FileMode) error

	// Lock locks the given file, creating the file if necessary. The lock
	// is an exclusive lock (a write lock), but locked files should neither
	// be read from nor written to. Such files should have zero size and
	// only exist to co-ordinate ownership across processes.
	//
	// A nil Closer is returned if an error occurred. Otherwise, close that
	// Closer to release the lock.
	//
	// On Unix systems, the default FS takes an flock(2) advisory lock on a
	// file descriptor that Lock opens itself; the lock is held until the
	// returned Closer is closed.
	//
	// Attempting to lock a file that is already locked by the current
	// process returns an error and leaves the existing lock intact.
	Lock(name string) (io.Closer, error)

	// List returns a listing of the given directory. The names returned
	// are relative to dir.
	List(dir string) ([]string, error)

	// Stat returns an os.FileInfo describing the named file.
	Stat(name string) (os.FileInfo, error)

	// PathBase returns the last element of path. Trailing path separators
	// are removed before extracting the last element. If the path is
	// empty, PathBase returns ".". If the path consists entirely of
	// separators, PathBase returns a single separator.
	PathBase(path string) string

	// PathJoin joins any number of path elements into a single path,
	// adding a separator if necessary.
	PathJoin(elem ...string) string
}

// Default is a FS implementation backed by the underlying operating
// system's file system.
var Default FS = defaultFS{}

type defaultFS struct{}

func (defaultFS) Create(name string) (File, error) {
	return os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
}

func (defaultFS) Open(name string) (File, error) {
	return os.Open(name)
}

func (defaultFS) OpenForAppend(name string) (File, error) {
	// O_APPEND is deliberately not used: callers probe the write offset
	// with Seek(0, io.SeekCurrent), which reports 0 for O_APPEND files.
	f, err := os.OpenFile(name, os.O_RDWR, 0666)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func (defaultFS) Remove(name string) error {
	return os.Remove(name)
}

func (defaultFS) Rename(oldname, newname string) error {
	return os.Rename(oldname, newname)
}

func (defaultFS) MkdirAll(dir string, perm os.FileMode) error {
	return os.MkdirAll(dir, perm)
}

func (defaultFS) List(dir string) ([]string, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Readdirnames(-1)
}

func (defaultFS) Stat(name string) (os.FileInfo, error) {
	return os.Stat(name)
}

func (defaultFS) PathBase(path string) string {
	return filepath.Base(path)
}

func (defaultFS) PathJoin(elem ...string) string {
	return filepath.Join(elem...)
}
