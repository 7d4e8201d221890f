// Copyright 2025 The Mica Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package mica

import (
	"testing"

	"github.com/cockroachdb/mica/internal/base"
	"github.com/cockroachdb/mica/memdb"
	"github.com/stretchr/testify/require"
)

func TestBatchBasics(t *testing.T) {
	var b Batch
	require.True(t, b.Empty())
	require.Equal(t, uint32(0), b.Count())

	b.Set([]byte("apple"), []byte("red"))
	b.Set([]byte("banana"), []byte("yellow"))
	b.Delete([]byte("apple"))

	require.False(t, b.Empty())
	require.Equal(t, uint32(3), b.Count())

	var ops []string
	iter := b.iter()
	for {
		kind, key, value, ok := iter.next()
		if !ok {
			break
		}
		switch kind {
		case base.InternalKeyKindSet:
			ops = append(ops, "set:"+string(key)+"="+string(value))
		case base.InternalKeyKindDelete:
			ops = append(ops, "del:"+string(key))
		}
	}
	require.Equal(t, []string{"set:apple=red", "set:banana=yellow", "del:apple"}, ops)
}

func TestBatchSeqNum(t *testing.T) {
	var b Batch
	b.Set([]byte("k"), []byte("v"))
	require.Equal(t, base.SeqNum(0), b.seqNum())
	b.setSeqNum(42)
	require.Equal(t, base.SeqNum(42), b.seqNum())
	require.Equal(t, uint32(1), b.Count())
}

func TestBatchReprRoundTrip(t *testing.T) {
	var b Batch
	b.Set([]byte("k1"), []byte("v1"))
	b.Delete([]byte("k2"))
	b.setSeqNum(7)

	var c Batch
	require.NoError(t, c.SetRepr(append([]byte(nil), b.Repr()...)))
	require.Equal(t, uint32(2), c.Count())
	require.Equal(t, base.SeqNum(7), c.seqNum())

	require.Error(t, new(Batch).SetRepr([]byte("short")))
}

func TestBatchAppend(t *testing.T) {
	var b, c Batch
	b.Set([]byte("a"), []byte("1"))
	c.Set([]byte("b"), []byte("2"))
	c.Delete([]byte("c"))

	b.append(&c)
	require.Equal(t, uint32(3), b.Count())

	// The appended batch is unchanged.
	require.Equal(t, uint32(2), c.Count())

	var keys []string
	iter := b.iter()
	for {
		_, key, _, ok := iter.next()
		if !ok {
			break
		}
		keys = append(keys, string(key))
	}
	require.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestBatchApply(t *testing.T) {
	var b Batch
	b.Set([]byte("x"), []byte("1"))
	b.Delete([]byte("x"))
	b.Set([]byte("y"), []byte("2"))

	icmp := base.MakeInternalComparer(base.DefaultComparer)
	mem := memdb.New(icmp.Compare)
	require.NoError(t, b.apply(mem, 10))

	// Sequence numbers are assigned per-operation.
	ucmp := base.DefaultComparer.Compare
	v, conclusive, err := mem.Get(ucmp, []byte("x"), 10)
	require.True(t, conclusive)
	require.NoError(t, err)
	require.Equal(t, "1", string(v))

	_, conclusive, err = mem.Get(ucmp, []byte("x"), 11)
	require.True(t, conclusive)
	require.Equal(t, base.ErrNotFound, err)

	v, conclusive, err = mem.Get(ucmp, []byte("y"), 12)
	require.True(t, conclusive)
	require.NoError(t, err)
	require.Equal(t, "2", string(v))
}

func TestBatchReset(t *testing.T) {
	var b Batch
	b.Set([]byte("k"), []byte("v"))
	b.setSeqNum(9)
	b.Reset()
	require.True(t, b.Empty())
	require.Equal(t, uint32(0), b.Count())
	require.Equal(t, base.SeqNum(0), b.seqNum())
}
