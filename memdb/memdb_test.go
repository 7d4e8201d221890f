// Copyright 2025 The Mica Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package memdb

import (
	"fmt"
	"sync"
	"testing"

	"github.com/cockroachdb/mica/internal/base"
	"github.com/stretchr/testify/require"
)

func newTestMemDB() *MemDB {
	return New(base.MakeInternalComparer(base.DefaultComparer).Compare)
}

func TestAddAndGet(t *testing.T) {
	m := newTestMemDB()
	ucmp := base.DefaultComparer.Compare

	m.Add(base.MakeInternalKey([]byte("cherry"), 1, base.InternalKeyKindSet), []byte("red"))
	m.Add(base.MakeInternalKey([]byte("peach"), 2, base.InternalKeyKindSet), []byte("yellow"))
	m.Add(base.MakeInternalKey([]byte("grape"), 3, base.InternalKeyKindSet), []byte("purple"))

	v, conclusive, err := m.Get(ucmp, []byte("cherry"), 100)
	require.True(t, conclusive)
	require.NoError(t, err)
	require.Equal(t, "red", string(v))

	_, conclusive, _ = m.Get(ucmp, []byte("apple"), 100)
	require.False(t, conclusive)

	require.Equal(t, 3, m.Count())
	require.True(t, m.DebugCheckOrdering())
}

func TestNewerEntryShadowsOlder(t *testing.T) {
	m := newTestMemDB()
	ucmp := base.DefaultComparer.Compare

	m.Add(base.MakeInternalKey([]byte("k"), 1, base.InternalKeyKindSet), []byte("v1"))
	m.Add(base.MakeInternalKey([]byte("k"), 2, base.InternalKeyKindSet), []byte("v2"))
	m.Add(base.MakeInternalKey([]byte("k"), 3, base.InternalKeyKindDelete), nil)

	// At sequence 1 and 2, the sets are visible.
	v, conclusive, err := m.Get(ucmp, []byte("k"), 1)
	require.True(t, conclusive)
	require.NoError(t, err)
	require.Equal(t, "v1", string(v))

	v, conclusive, err = m.Get(ucmp, []byte("k"), 2)
	require.True(t, conclusive)
	require.NoError(t, err)
	require.Equal(t, "v2", string(v))

	// At sequence 3 and beyond, the tombstone wins.
	_, conclusive, err = m.Get(ucmp, []byte("k"), 3)
	require.True(t, conclusive)
	require.Equal(t, base.ErrNotFound, err)
}

func TestIterOrdering(t *testing.T) {
	m := newTestMemDB()
	// Insert in a scrambled order.
	for _, i := range []int{5, 1, 9, 0, 3, 7, 2, 8, 6, 4} {
		k := []byte(fmt.Sprintf("key%02d", i))
		m.Add(base.MakeInternalKey(k, base.SeqNum(i+1), base.InternalKeyKindSet),
			[]byte(fmt.Sprintf("val%02d", i)))
	}

	iter := m.NewIter()
	defer iter.Close()
	var got []string
	for valid := iter.First(); valid; valid = iter.Next() {
		got = append(got, string(base.DecodeInternalKey(iter.Key()).UserKey))
	}
	require.Len(t, got, 10)
	for i, k := range got {
		require.Equal(t, fmt.Sprintf("key%02d", i), k)
	}
}

func TestIterSeekGE(t *testing.T) {
	m := newTestMemDB()
	for i := 0; i < 10; i += 2 {
		k := []byte(fmt.Sprintf("k%d", i))
		m.Add(base.MakeInternalKey(k, base.SeqNum(i+1), base.InternalKeyKindSet), nil)
	}

	iter := m.NewIter()
	defer iter.Close()

	search := base.MakeSearchKey([]byte("k3"), base.SeqNumMax)
	require.True(t, iter.SeekGE(base.AppendInternalKey(nil, search)))
	require.Equal(t, "k4", string(base.DecodeInternalKey(iter.Key()).UserKey))

	search = base.MakeSearchKey([]byte("k9"), base.SeqNumMax)
	require.False(t, iter.SeekGE(base.AppendInternalKey(nil, search)))
}

func TestApproximateMemoryUsage(t *testing.T) {
	m := newTestMemDB()
	require.True(t, m.Empty())
	before := m.ApproximateMemoryUsage()
	m.Add(base.MakeInternalKey([]byte("some key"), 1, base.InternalKeyKindSet),
		make([]byte, 1024))
	after := m.ApproximateMemoryUsage()
	require.Greater(t, after, before)
	require.GreaterOrEqual(t, after, uint64(1024))
	require.False(t, m.Empty())
}

func TestConcurrentAddAndIterate(t *testing.T) {
	m := newTestMemDB()
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				k := []byte(fmt.Sprintf("w%d-%04d", g, i))
				m.Add(base.MakeInternalKey(k, base.SeqNum(g*1000+i+1), base.InternalKeyKindSet), k)
			}
		}(g)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			iter := m.NewIter()
			prev := []byte(nil)
			for valid := iter.First(); valid; valid = iter.Next() {
				k := append([]byte(nil), iter.Key()...)
				if prev != nil {
					require.Negative(t, m.cmp(prev, k))
				}
				prev = k
			}
			iter.Close()
		}
	}()
	wg.Wait()

	require.Equal(t, 1000, m.Count())
	require.True(t, m.DebugCheckOrdering())
}
