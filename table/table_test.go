// Copyright 2025 The Mica Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package table

import (
	"fmt"
	"sort"
	"testing"

	"github.com/cockroachdb/mica/bloom"
	"github.com/cockroachdb/mica/internal/base"
	"github.com/cockroachdb/mica/vfs"
	"github.com/stretchr/testify/require"
)

// buildTable writes the given sorted key/value pairs to a table in the
// memory filesystem and returns a reader for it.
func buildTable(
	t *testing.T, fs *vfs.MemFS, wo WriterOptions, ro ReaderOptions, kvs map[string]string,
) *Reader {
	t.Helper()

	keys := make([]string, 0, len(kvs))
	for k := range kvs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	f, err := fs.Create("test.sst")
	require.NoError(t, err)
	w := NewWriter(f, wo)
	for _, k := range keys {
		require.NoError(t, w.Add([]byte(k), []byte(kvs[k])))
	}
	require.NoError(t, w.Close())
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	rf, err := fs.Open("test.sst")
	require.NoError(t, err)
	r, err := NewReader(rf, ro)
	require.NoError(t, err)
	return r
}

func testKVs(n int) map[string]string {
	kvs := make(map[string]string, n)
	for i := 0; i < n; i++ {
		kvs[fmt.Sprintf("key%06d", i*2)] = fmt.Sprintf("value%06d", i*2)
	}
	return kvs
}

func testRoundTrip(t *testing.T, wo WriterOptions, ro ReaderOptions, n int) {
	kvs := testKVs(n)
	r := buildTable(t, vfs.NewMem(), wo, ro, kvs)
	defer r.Close()

	// Full scan yields every pair in order.
	iter := r.NewIter()
	count := 0
	prev := ""
	for iter.Next() {
		k, v := string(iter.Key()), string(iter.Value())
		require.Equal(t, kvs[k], v)
		require.Greater(t, k, prev)
		prev = k
		count++
	}
	require.NoError(t, iter.Close())
	require.Equal(t, len(kvs), count)

	// Point lookups.
	for k, v := range kvs {
		got, err := r.Get([]byte(k))
		require.NoError(t, err)
		require.Equal(t, v, string(got))
	}

	// Absent keys fall between present ones (even keys only).
	_, err := r.Get([]byte("key000001"))
	require.Equal(t, base.ErrNotFound, err)
	_, err = r.Get([]byte("zzz"))
	require.Equal(t, base.ErrNotFound, err)
}

func TestBasicRoundTrip(t *testing.T) {
	testRoundTrip(t, WriterOptions{}, ReaderOptions{}, 1000)
}

func TestNoCompression(t *testing.T) {
	testRoundTrip(t, WriterOptions{Compression: base.NoCompression}, ReaderOptions{}, 1000)
}

func TestVerifyChecksums(t *testing.T) {
	testRoundTrip(t, WriterOptions{}, ReaderOptions{VerifyChecksums: true}, 1000)
}

func TestSmallBlocks(t *testing.T) {
	// Force many blocks, exercising the index.
	testRoundTrip(t, WriterOptions{BlockSize: 128}, ReaderOptions{}, 2000)
}

func TestBloomFilter(t *testing.T) {
	wo := WriterOptions{FilterPolicy: bloom.FilterPolicy(10)}
	ro := ReaderOptions{FilterPolicy: bloom.FilterPolicy(10)}
	testRoundTrip(t, wo, ro, 1000)
}

func TestFilterPolicyMismatchIgnored(t *testing.T) {
	// A reader with no filter policy still reads a filtered table.
	wo := WriterOptions{FilterPolicy: bloom.FilterPolicy(10)}
	testRoundTrip(t, wo, ReaderOptions{}, 500)
}

func TestSeek(t *testing.T) {
	kvs := testKVs(1000)
	r := buildTable(t, vfs.NewMem(), WriterOptions{BlockSize: 256}, ReaderOptions{}, kvs)
	defer r.Close()

	// Seek to a key between two present keys: iteration starts at the next
	// present key.
	iter := r.Find([]byte("key000101"))
	require.True(t, iter.Next())
	require.Equal(t, "key000102", string(iter.Key()))
	require.NoError(t, iter.Close())

	// Seek past the end.
	iter = r.Find([]byte("zzz"))
	require.False(t, iter.Next())
	require.NoError(t, iter.Close())
}

func TestEmptyTable(t *testing.T) {
	r := buildTable(t, vfs.NewMem(), WriterOptions{}, ReaderOptions{}, nil)
	defer r.Close()

	iter := r.NewIter()
	require.False(t, iter.Next())
	require.NoError(t, iter.Close())

	_, err := r.Get([]byte("any"))
	require.Equal(t, base.ErrNotFound, err)
}

func TestApproximateOffset(t *testing.T) {
	kvs := testKVs(4000)
	r := buildTable(t, vfs.NewMem(), WriterOptions{BlockSize: 512, Compression: base.NoCompression},
		ReaderOptions{}, kvs)
	defer r.Close()

	early, err := r.ApproximateOffset([]byte("key000010"))
	require.NoError(t, err)
	mid, err := r.ApproximateOffset([]byte("key004000"))
	require.NoError(t, err)
	late, err := r.ApproximateOffset([]byte("zzz"))
	require.NoError(t, err)

	require.LessOrEqual(t, early, mid)
	require.Less(t, mid, late)
	require.Greater(t, late, uint64(0))
}

func TestCorruptMagic(t *testing.T) {
	fs := vfs.NewMem()
	r := buildTable(t, fs, WriterOptions{}, ReaderOptions{}, testKVs(10))
	require.NoError(t, r.Close())

	f, err := fs.OpenForAppend("test.sst")
	require.NoError(t, err)
	_, err = f.Write([]byte("garbage"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	rf, err := fs.Open("test.sst")
	require.NoError(t, err)
	_, err = NewReader(rf, ReaderOptions{})
	require.Error(t, err)
	require.True(t, base.IsCorruptionError(err))
}

func TestWriterRejectsUnorderedKeys(t *testing.T) {
	fs := vfs.NewMem()
	f, err := fs.Create("bad.sst")
	require.NoError(t, err)
	w := NewWriter(f, WriterOptions{})
	require.NoError(t, w.Add([]byte("b"), nil))
	require.Error(t, w.Add([]byte("a"), nil))
	require.Error(t, w.Add([]byte("b"), nil))
}

func TestEstimatedSizeGrows(t *testing.T) {
	fs := vfs.NewMem()
	f, err := fs.Create("grow.sst")
	require.NoError(t, err)
	w := NewWriter(f, WriterOptions{BlockSize: 256, Compression: base.NoCompression})
	last := w.EstimatedSize()
	for i := 0; i < 1000; i++ {
		require.NoError(t, w.Add([]byte(fmt.Sprintf("key%06d", i)), []byte("value")))
		cur := w.EstimatedSize()
		require.GreaterOrEqual(t, cur, last)
		last = cur
	}
	require.NoError(t, w.Close())
}
