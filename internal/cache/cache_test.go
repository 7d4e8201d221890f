// Copyright 2025 The Mica Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package cache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCacheGetSet(t *testing.T) {
	c := New(1 << 20)
	id := c.NewID()

	require.Nil(t, c.Get(id, 0))
	c.Set(id, 0, []byte("block zero"))
	require.Equal(t, "block zero", string(c.Get(id, 0)))
	require.Nil(t, c.Get(id, 4096))

	// Distinct ids do not alias.
	id2 := c.NewID()
	require.NotEqual(t, id, id2)
	require.Nil(t, c.Get(id2, 0))
}

func TestCacheOverwrite(t *testing.T) {
	c := New(1 << 20)
	id := c.NewID()
	c.Set(id, 0, []byte("aaaa"))
	c.Set(id, 0, []byte("bb"))
	require.Equal(t, "bb", string(c.Get(id, 0)))
	require.Equal(t, int64(2), c.Size())
	require.Equal(t, 1, c.Count())
}

func TestCacheEvictsLRU(t *testing.T) {
	c := New(100)
	id := c.NewID()
	for i := 0; i < 10; i++ {
		c.Set(id, uint64(i), make([]byte, 30))
	}
	// Capacity only admits 3 blocks of 30 bytes: the oldest are gone.
	require.LessOrEqual(t, c.Size(), int64(100))
	require.Nil(t, c.Get(id, 0))
	require.NotNil(t, c.Get(id, 9))

	// Touching a block protects it from the next eviction round.
	require.NotNil(t, c.Get(id, 7))
	c.Set(id, 100, make([]byte, 30))
	require.NotNil(t, c.Get(id, 7))
}

func TestCacheEvictFile(t *testing.T) {
	c := New(1 << 20)
	id1, id2 := c.NewID(), c.NewID()
	for i := 0; i < 5; i++ {
		c.Set(id1, uint64(i), []byte(fmt.Sprintf("one-%d", i)))
		c.Set(id2, uint64(i), []byte(fmt.Sprintf("two-%d", i)))
	}
	c.EvictFile(id1)
	for i := 0; i < 5; i++ {
		require.Nil(t, c.Get(id1, uint64(i)))
		require.NotNil(t, c.Get(id2, uint64(i)))
	}
	require.Equal(t, 5, c.Count())
}

func TestCacheOversizedEntry(t *testing.T) {
	// A single entry larger than the capacity is admitted but evicted as
	// soon as anything else arrives.
	c := New(10)
	id := c.NewID()
	c.Set(id, 0, make([]byte, 100))
	require.NotNil(t, c.Get(id, 0))
	c.Set(id, 1, make([]byte, 5))
	require.Nil(t, c.Get(id, 0))
	require.NotNil(t, c.Get(id, 1))
}
