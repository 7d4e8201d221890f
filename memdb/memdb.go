// Copyright 2025 The Mica Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package memdb provides a memory-backed ordered multiset of internal keys.
// It is the in-memory write buffer (memtable) of a mica DB: fresh writes are
// inserted here and periodically drained to an on-disk table.
//
// A MemDB's memory consumption increases monotonically; deleting a user key
// inserts a tombstone rather than reclaiming space. Callers are responsible
// for compacting a MemDB into an on-disk table when it grows too large.
//
// It is safe to call Add and NewIter concurrently. Iterators observe all
// entries added before their creation and possibly some added after.
package memdb // import "github.com/cockroachdb/mica/memdb"

import (
	"math/rand"
	"sync"

	"github.com/cockroachdb/mica/internal/base"
)

const maxHeight = 12

// node is a node in the skiplist. It holds offsets into the MemDB's data
// arena for its key and value, and a variable-length tower of next
// pointers.
type node struct {
	// kOff and kLen frame the encoded internal key in the arena.
	kOff, kLen int
	// vOff and vLen frame the value in the arena.
	vOff, vLen int
	// next[i] is the next node in the linked list at height i. Only the
	// first `height` entries are meaningful.
	next [maxHeight]*node
}

// MemDB is a memory-backed ordered multiset of internal keys. Entries are
// ordered by the internal key comparer: ascending by user key, descending
// by sequence number.
type MemDB struct {
	cmp base.Compare // ordering over encoded internal keys

	mu sync.RWMutex
	// head is an artificial node that holds the start of each level of the
	// skiplist.
	head node
	// height is the number of levels currently in use.
	height int
	// data is an append-only arena holding keys and values.
	data []byte
	// rng drives the height of inserted nodes.
	rng rand.Source
	// count is the number of entries.
	count int
}

// New returns a new MemDB ordered by the given comparison function over
// encoded internal keys.
func New(cmp base.Compare) *MemDB {
	return &MemDB{
		cmp:    cmp,
		height: 1,
		data:   make([]byte, 0, 4096),
		rng:    rand.NewSource(0xdb5eed),
	}
}

// save appends b to the arena and returns its offset.
func (m *MemDB) save(b []byte) (offset, length int) {
	offset = len(m.data)
	m.data = append(m.data, b...)
	return offset, len(b)
}

func (m *MemDB) loadKey(n *node) []byte {
	return m.data[n.kOff : n.kOff+n.kLen : n.kOff+n.kLen]
}

func (m *MemDB) loadValue(n *node) []byte {
	return m.data[n.vOff : n.vOff+n.vLen : n.vOff+n.vLen]
}

// findNode returns the first node whose key is >= the given encoded
// internal key, or nil if there is no such node. If prev is non-nil, it
// also sets the first m.height elements of prev to the preceding node at
// each height.
//
// m.mu must be held (for reading suffices when prev is nil).
func (m *MemDB) findNode(key []byte, prev *[maxHeight]*node) *node {
	var n *node
	for h, p := m.height-1, &m.head; h >= 0; h-- {
		// Walk the list at height h until we find a nil node or one whose
		// key is >= the sought key.
		for n = p.next[h]; n != nil; p, n = n, n.next[h] {
			if m.cmp(m.loadKey(n), key) >= 0 {
				break
			}
		}
		if prev != nil {
			(*prev)[h] = p
		}
	}
	return n
}

// Add inserts the encoded internal key and value. Duplicate internal keys
// are never produced by the write path (each mutation consumes a fresh
// sequence number), so Add always inserts a new node.
func (m *MemDB) Add(key base.InternalKey, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ekey := base.AppendInternalKey(make([]byte, 0, key.Size()), key)

	var prev [maxHeight]*node
	m.findNode(ekey, &prev)

	// Choose the new node's height, branching with 25% probability.
	h := 1
	for h < maxHeight && m.rng.Int63()%4 == 0 {
		h++
	}
	if m.height < h {
		for i := m.height; i < h; i++ {
			prev[i] = &m.head
		}
		m.height = h
	}

	n := &node{}
	n.kOff, n.kLen = m.save(ekey)
	n.vOff, n.vLen = m.save(value)
	for i := 0; i < h; i++ {
		n.next[i] = prev[i].next[i]
		prev[i].next[i] = n
	}
	m.count++
}

// Empty returns whether the MemDB has no entries.
func (m *MemDB) Empty() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count == 0
}

// Count returns the number of entries.
func (m *MemDB) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}

// ApproximateMemoryUsage returns the approximate memory usage of the MemDB.
func (m *MemDB) ApproximateMemoryUsage() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	const nodeSize = 16*4 + maxHeight*8
	return uint64(len(m.data)) + uint64(m.count)*nodeSize
}

// Get looks up the newest entry for the given user key that is visible at
// the given sequence number. It returns the value of that entry, or
// base.ErrNotFound if the newest visible entry is a tombstone. conclusive
// reports whether any entry for the user key was found at all.
func (m *MemDB) Get(
	ucmp base.Compare, userKey []byte, seqNum base.SeqNum,
) (value []byte, conclusive bool, err error) {
	search := base.MakeSearchKey(userKey, seqNum)
	iter := m.NewIter()
	defer iter.Close()
	if !iter.SeekGE(base.AppendInternalKey(nil, search)) {
		return nil, false, nil
	}
	ik := base.DecodeInternalKey(iter.Key())
	if !ik.Valid() || ucmp(ik.UserKey, userKey) != 0 {
		return nil, false, nil
	}
	if ik.Kind() == base.InternalKeyKindDelete {
		return nil, true, base.ErrNotFound
	}
	return iter.Value(), true, nil
}

// Iter is an iterator over a MemDB. Entries inserted after the iterator's
// current position become visible to it; entries inserted behind it do not.
// Nodes are immutable once inserted, so an iterator never observes a
// half-written entry.
type Iter struct {
	m *MemDB
	n *node
	// eof marks a released or exhausted iterator.
	eof bool
}

// NewIter returns an iterator positioned before the first entry. Call
// SeekGE or First to position it.
func (m *MemDB) NewIter() *Iter {
	return &Iter{m: m}
}

// SeekGE positions the iterator at the first entry whose encoded internal
// key is >= the given key, returning whether such an entry exists.
func (i *Iter) SeekGE(key []byte) bool {
	i.m.mu.RLock()
	i.n = i.m.findNode(key, nil)
	i.m.mu.RUnlock()
	i.eof = i.n == nil
	return !i.eof
}

// First positions the iterator at the first entry, returning whether the
// MemDB is non-empty.
func (i *Iter) First() bool {
	i.m.mu.RLock()
	i.n = i.m.head.next[0]
	i.m.mu.RUnlock()
	i.eof = i.n == nil
	return !i.eof
}

// Next advances to the next entry, returning whether such an entry exists.
func (i *Iter) Next() bool {
	if i.eof || i.n == nil {
		return false
	}
	i.m.mu.RLock()
	i.n = i.n.next[0]
	i.m.mu.RUnlock()
	i.eof = i.n == nil
	return !i.eof
}

// Valid returns whether the iterator is positioned at an entry.
func (i *Iter) Valid() bool {
	return !i.eof && i.n != nil
}

// Key returns the encoded internal key at the current position.
func (i *Iter) Key() []byte {
	i.m.mu.RLock()
	defer i.m.mu.RUnlock()
	return i.m.loadKey(i.n)
}

// Value returns the value at the current position.
func (i *Iter) Value() []byte {
	i.m.mu.RLock()
	defer i.m.mu.RUnlock()
	return i.m.loadValue(i.n)
}

// Close releases the iterator.
func (i *Iter) Close() error {
	i.n = nil
	i.eof = true
	return nil
}

// DebugCheckOrdering verifies that entries are in strictly increasing order
// per the MemDB's comparer. It is intended for tests.
func (m *MemDB) DebugCheckOrdering() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	prev := []byte(nil)
	for n := m.head.next[0]; n != nil; n = n.next[0] {
		k := m.loadKey(n)
		if prev != nil && m.cmp(prev, k) >= 0 {
			return false
		}
		prev = k
	}
	return true
}
