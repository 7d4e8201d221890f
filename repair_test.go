// Copyright 2025 The Mica Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package mica

import (
	"fmt"
	"testing"

	"github.com/cockroachdb/mica/vfs"
	"github.com/stretchr/testify/require"
)

func TestRepairDBRebuildsManifest(t *testing.T) {
	fs := vfs.NewMem()
	d, err := Open("db", testOptions(fs))
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		require.NoError(t, d.Set([]byte(fmt.Sprintf("flushed%03d", i)), []byte("on-disk"), nil))
	}
	require.NoError(t, d.Flush())
	// These land only in the WAL.
	for i := 0; i < 50; i++ {
		require.NoError(t, d.Set([]byte(fmt.Sprintf("walonly%03d", i)), []byte("in-log"), Sync))
	}
	require.NoError(t, d.Close())

	// Lose the manifest and CURRENT: the database no longer opens.
	names, err := fs.List("db")
	require.NoError(t, err)
	for _, name := range names {
		if ft, _, ok := parseDBFilename(name); ok &&
			(ft == fileTypeManifest || ft == fileTypeCurrent) {
			require.NoError(t, fs.Remove(fs.PathJoin("db", name)))
		}
	}
	_, err = Open("db", &Options{FS: fs})
	require.Error(t, err)

	require.NoError(t, RepairDB("db", &Options{FS: fs}))

	d, err = Open("db", &Options{FS: fs})
	require.NoError(t, err)
	defer d.Close()
	for i := 0; i < 100; i++ {
		v, err := d.Get([]byte(fmt.Sprintf("flushed%03d", i)), nil)
		require.NoError(t, err)
		require.Equal(t, "on-disk", string(v))
	}
	for i := 0; i < 50; i++ {
		v, err := d.Get([]byte(fmt.Sprintf("walonly%03d", i)), nil)
		require.NoError(t, err)
		require.Equal(t, "in-log", string(v))
	}
}

func TestRepairDBLockedByLiveDB(t *testing.T) {
	fs := vfs.NewMem()
	d, err := Open("db", testOptions(fs))
	require.NoError(t, err)
	defer d.Close()

	require.Error(t, RepairDB("db", &Options{FS: fs}))
}

func TestBlockCacheEndToEnd(t *testing.T) {
	fs := vfs.NewMem()
	opts := testOptions(fs)
	opts.BlockCache = NewCache(8 << 20)
	d, err := Open("db", opts)
	require.NoError(t, err)
	defer d.Close()

	for i := 0; i < 500; i++ {
		require.NoError(t, d.Set([]byte(fmt.Sprintf("key%04d", i)), []byte("cached"), nil))
	}
	require.NoError(t, d.Flush())

	// The first read populates the cache; repeats are served from it.
	for pass := 0; pass < 2; pass++ {
		for i := 0; i < 500; i++ {
			v, err := d.Get([]byte(fmt.Sprintf("key%04d", i)), nil)
			require.NoError(t, err)
			require.Equal(t, "cached", string(v))
		}
	}
	require.Greater(t, opts.BlockCache.Count(), 0)
}
