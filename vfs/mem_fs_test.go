// Copyright 2025 The Mica Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package vfs

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemFSBasics(t *testing.T) {
	fs := NewMem()
	require.NoError(t, fs.MkdirAll("/db", 0755))

	f, err := fs.Create("/db/000001.log")
	require.NoError(t, err)
	_, err = f.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	names, err := fs.List("/db")
	require.NoError(t, err)
	require.Equal(t, []string{"000001.log"}, names)

	g, err := fs.Open("/db/000001.log")
	require.NoError(t, err)
	data, err := io.ReadAll(g)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))

	stat, err := g.Stat()
	require.NoError(t, err)
	require.Equal(t, int64(5), stat.Size())
	require.Equal(t, "000001.log", stat.Name())
	require.NoError(t, g.Close())
}

func TestMemFSReadAt(t *testing.T) {
	fs := NewMem()
	require.NoError(t, fs.MkdirAll("/d", 0755))
	f, err := fs.Create("/d/f")
	require.NoError(t, err)
	_, err = f.Write([]byte("0123456789"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	g, err := fs.Open("/d/f")
	require.NoError(t, err)
	buf := make([]byte, 4)
	n, err := g.ReadAt(buf, 3)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, "3456", string(buf))

	// Short read at the tail returns io.EOF.
	n, err = g.ReadAt(buf, 8)
	require.Equal(t, io.EOF, err)
	require.Equal(t, 2, n)
}

func TestMemFSCreateTruncates(t *testing.T) {
	fs := NewMem()
	f, err := fs.Create("x")
	require.NoError(t, err)
	_, err = f.Write([]byte("long old contents"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f, err = fs.Create("x")
	require.NoError(t, err)
	_, err = f.Write([]byte("new"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	stat, err := fs.Stat("x")
	require.NoError(t, err)
	require.Equal(t, int64(3), stat.Size())
}

func TestMemFSOpenForAppend(t *testing.T) {
	fs := NewMem()
	f, err := fs.Create("x")
	require.NoError(t, err)
	_, err = f.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f, err = fs.OpenForAppend("x")
	require.NoError(t, err)
	_, err = f.Write([]byte("def"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	stat, err := fs.Stat("x")
	require.NoError(t, err)
	require.Equal(t, int64(6), stat.Size())
}

func TestMemFSRenameAndRemove(t *testing.T) {
	fs := NewMem()
	f, err := fs.Create("a")
	require.NoError(t, err)
	_, err = f.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, fs.Rename("a", "b"))
	_, err = fs.Open("a")
	require.Error(t, err)
	stat, err := fs.Stat("b")
	require.NoError(t, err)
	require.Equal(t, int64(7), stat.Size())

	require.NoError(t, fs.Remove("b"))
	require.Error(t, fs.Remove("b"))
}

func TestMemFSLock(t *testing.T) {
	fs := NewMem()
	l, err := fs.Lock("LOCK")
	require.NoError(t, err)

	_, err = fs.Lock("LOCK")
	require.Error(t, err)

	require.NoError(t, l.Close())
	l2, err := fs.Lock("LOCK")
	require.NoError(t, err)
	require.NoError(t, l2.Close())

	// Closing twice is harmless.
	require.NoError(t, l.Close())
}

func TestMemFSPathHelpers(t *testing.T) {
	fs := NewMem()
	require.Equal(t, "c", fs.PathBase("/a/b/c"))
	require.Equal(t, "a/b/c", fs.PathJoin("a", "b", "c"))
}
