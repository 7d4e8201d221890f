// Copyright 2025 The Mica Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package mica

import (
	"testing"

	"github.com/cockroachdb/mica/vfs"
	"github.com/stretchr/testify/require"
)

func TestDBFilenames(t *testing.T) {
	fs := vfs.NewMem()
	testCases := []struct {
		ft   fileType
		num  uint64
		want string
	}{
		{fileTypeLog, 7, "db/000007.log"},
		{fileTypeTable, 123456, "db/123456.sst"},
		{fileTypeManifest, 3, "db/MANIFEST-000003"},
		{fileTypeCurrent, 0, "db/CURRENT"},
		{fileTypeLock, 0, "db/LOCK"},
		{fileTypeTemp, 9, "db/000009.dbtmp"},
	}
	for _, c := range testCases {
		require.Equal(t, c.want, dbFilename(fs, "db", c.ft, c.num))
	}
}

func TestParseDBFilename(t *testing.T) {
	testCases := []struct {
		name string
		ft   fileType
		num  uint64
		ok   bool
	}{
		{"000007.log", fileTypeLog, 7, true},
		{"123456.sst", fileTypeTable, 123456, true},
		{"MANIFEST-000003", fileTypeManifest, 3, true},
		{"CURRENT", fileTypeCurrent, 0, true},
		{"LOCK", fileTypeLock, 0, true},
		{"000009.dbtmp", fileTypeTemp, 9, true},
		{"MANIFEST-", 0, 0, false},
		{"MANIFEST-abc", 0, 0, false},
		{"abc.log", 0, 0, false},
		{"000007.xyz", 0, 0, false},
		{"LOG", 0, 0, false},
		{"", 0, 0, false},
	}
	for _, c := range testCases {
		ft, num, ok := parseDBFilename(c.name)
		require.Equalf(t, c.ok, ok, "name=%q", c.name)
		if c.ok {
			require.Equal(t, c.ft, ft)
			require.Equal(t, c.num, num)
		}
	}
}

func TestSetCurrentFile(t *testing.T) {
	fs := vfs.NewMem()
	require.NoError(t, fs.MkdirAll("db", 0755))
	require.NoError(t, setCurrentFile("db", fs, 42))

	f, err := fs.Open("db/CURRENT")
	require.NoError(t, err)
	defer f.Close()
	buf := make([]byte, 64)
	n, _ := f.Read(buf)
	require.Equal(t, "MANIFEST-000042\n", string(buf[:n]))

	// The temp file is renamed away.
	names, err := fs.List("db")
	require.NoError(t, err)
	require.Equal(t, []string{"CURRENT"}, names)
}
