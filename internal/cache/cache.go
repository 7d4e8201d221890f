// Copyright 2025 The Mica Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package cache implements the block cache: a byte-bounded LRU mapping from
// (file id, block offset) to decompressed block contents. A single cache
// can be shared by every table reader of a database, or across databases.
package cache // import "github.com/cockroachdb/mica/internal/cache"

import (
	"container/list"
	"sync"
	"sync/atomic"
)

type key struct {
	id     uint64
	offset uint64
}

type entry struct {
	key   key
	value []byte
}

// Cache is a byte-bounded LRU block cache. It is safe for concurrent use.
type Cache struct {
	capacity int64

	idAlloc atomic.Uint64

	mu    sync.Mutex
	used  int64
	table map[key]*list.Element
	lru   *list.List // front is most recently used
}

// New returns a cache that holds up to capacity bytes of block data.
func New(capacity int64) *Cache {
	return &Cache{
		capacity: capacity,
		table:    make(map[key]*list.Element),
		lru:      list.New(),
	}
}

// NewID returns an id that is distinct from the id of every other file
// whose blocks are stored in the cache. Table readers allocate one id each,
// so that blocks of deleted-then-recreated file numbers cannot alias.
func (c *Cache) NewID() uint64 {
	return c.idAlloc.Add(1)
}

// Get returns the cached block for the given file id and offset, or nil.
// The returned slice must not be modified.
func (c *Cache) Get(id, offset uint64) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.table[key{id, offset}]
	if !ok {
		return nil
	}
	c.lru.MoveToFront(e)
	return e.Value.(*entry).value
}

// Set stores the block for the given file id and offset, evicting the least
// recently used blocks to stay within capacity. The cache takes ownership
// of value; callers must not modify it afterwards.
func (c *Cache) Set(id, offset uint64, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{id, offset}
	if e, ok := c.table[k]; ok {
		c.used += int64(len(value)) - int64(len(e.Value.(*entry).value))
		e.Value.(*entry).value = value
		c.lru.MoveToFront(e)
	} else {
		c.table[k] = c.lru.PushFront(&entry{key: k, value: value})
		c.used += int64(len(value))
	}

	for c.used > c.capacity && c.lru.Len() > 1 {
		tail := c.lru.Back()
		ev := tail.Value.(*entry)
		c.lru.Remove(tail)
		delete(c.table, ev.key)
		c.used -= int64(len(ev.value))
	}
}

// EvictFile drops every cached block belonging to the given file id. It is
// called when a table file is deleted.
func (c *Cache) EvictFile(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for e := c.lru.Front(); e != nil; {
		next := e.Next()
		ent := e.Value.(*entry)
		if ent.key.id == id {
			c.lru.Remove(e)
			delete(c.table, ent.key)
			c.used -= int64(len(ent.value))
		}
		e = next
	}
}

// Size returns the number of bytes of block data currently held.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// Count returns the number of blocks currently held.
func (c *Cache) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
