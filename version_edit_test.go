// Copyright 2025 The Mica Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package mica

import (
	"bytes"
	"testing"

	"github.com/cockroachdb/mica/internal/base"
	"github.com/stretchr/testify/require"
)

func ikey(ukey string, seq base.SeqNum, kind base.InternalKeyKind) base.InternalKey {
	return base.MakeInternalKey([]byte(ukey), seq, kind)
}

func TestVersionEditRoundTrip(t *testing.T) {
	ve := &versionEdit{
		comparatorName: "leveldb.BytewiseComparator",
		logNumber:      5,
		prevLogNumber:  4,
		nextFileNumber: 9,
		lastSequence:   1234,
		compactPointers: []compactPointerEntry{
			{1, base.AppendInternalKey(nil, ikey("pointer", 99, base.InternalKeyKindSet))},
		},
		newFiles: []newFileEntry{
			{
				level: 0,
				meta: newFileMetadata(6, 4096,
					ikey("a", 3, base.InternalKeyKindSet),
					ikey("m", 1, base.InternalKeyKindDelete)),
			},
			{
				level: 2,
				meta: newFileMetadata(7, 8192,
					ikey("n", 9, base.InternalKeyKindSet),
					ikey("z", 2, base.InternalKeyKindSet)),
			},
		},
	}
	ve.deleteFile(1, 3)
	ve.deleteFile(3, 8)

	var buf bytes.Buffer
	require.NoError(t, ve.encode(&buf))

	var got versionEdit
	require.NoError(t, got.decode(bytes.NewReader(buf.Bytes())))

	require.Equal(t, ve.comparatorName, got.comparatorName)
	require.Equal(t, ve.logNumber, got.logNumber)
	require.Equal(t, ve.prevLogNumber, got.prevLogNumber)
	require.Equal(t, ve.nextFileNumber, got.nextFileNumber)
	require.Equal(t, ve.lastSequence, got.lastSequence)
	require.Equal(t, ve.deletedFiles, got.deletedFiles)
	require.Len(t, got.compactPointers, 1)
	require.Equal(t, ve.compactPointers[0].key, got.compactPointers[0].key)
	require.Len(t, got.newFiles, 2)
	for i := range got.newFiles {
		require.Equal(t, ve.newFiles[i].level, got.newFiles[i].level)
		require.Equal(t, ve.newFiles[i].meta.fileNum, got.newFiles[i].meta.fileNum)
		require.Equal(t, ve.newFiles[i].meta.size, got.newFiles[i].meta.size)
		require.Equal(t, ve.newFiles[i].meta.smallest, got.newFiles[i].meta.smallest)
		require.Equal(t, ve.newFiles[i].meta.largest, got.newFiles[i].meta.largest)
	}
}

func TestVersionEditDecodeBadTag(t *testing.T) {
	var got versionEdit
	err := got.decode(bytes.NewReader([]byte{200}))
	require.Error(t, err)
	require.True(t, base.IsCorruptionError(err))
}

func TestBulkVersionEditApply(t *testing.T) {
	ucmp := base.DefaultComparer.Compare

	base0 := &version{}
	base0.files[1] = []*fileMetadata{
		newFileMetadata(1, 100, ikey("a", 1, 1), ikey("f", 1, 1)),
		newFileMetadata(2, 100, ikey("g", 1, 1), ikey("m", 1, 1)),
	}

	var ve versionEdit
	ve.deleteFile(1, 1)
	ve.newFiles = []newFileEntry{
		{level: 1, meta: newFileMetadata(3, 100, ikey("n", 1, 1), ikey("z", 1, 1))},
		{level: 0, meta: newFileMetadata(5, 100, ikey("c", 1, 1), ikey("d", 1, 1))},
		{level: 0, meta: newFileMetadata(4, 100, ikey("b", 1, 1), ikey("e", 1, 1))},
	}

	var bve bulkVersionEdit
	bve.accumulate(&ve)
	v, err := bve.apply(base0, ucmp)
	require.NoError(t, err)

	// Level 0 sorted by increasing fileNum.
	require.Len(t, v.files[0], 2)
	require.Equal(t, uint64(4), v.files[0][0].fileNum)
	require.Equal(t, uint64(5), v.files[0][1].fileNum)

	// Level 1: file 1 deleted, file 3 added, sorted by smallest key.
	require.Len(t, v.files[1], 2)
	require.Equal(t, uint64(2), v.files[1][0].fileNum)
	require.Equal(t, uint64(3), v.files[1][1].fileNum)
}

func TestBulkVersionEditApplyRejectsOverlap(t *testing.T) {
	ucmp := base.DefaultComparer.Compare

	var ve versionEdit
	ve.newFiles = []newFileEntry{
		{level: 1, meta: newFileMetadata(1, 100, ikey("a", 1, 1), ikey("m", 1, 1))},
		{level: 1, meta: newFileMetadata(2, 100, ikey("g", 1, 1), ikey("z", 1, 1))},
	}
	var bve bulkVersionEdit
	bve.accumulate(&ve)
	_, err := bve.apply(nil, ucmp)
	require.Error(t, err)
}
