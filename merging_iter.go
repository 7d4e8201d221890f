// Copyright 2025 The Mica Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package mica

import (
	"github.com/cockroachdb/mica/internal/base"
)

// internalIterator iterates over a DB's internal key/value pairs in
// internal key order: the keys returned are encoded internal keys.
//
// Internal iterators follow the "next first" convention: after construction
// the iterator is positioned before its first entry (which may reflect a
// seek performed at construction), and Next must be called to advance onto
// it. Key and Value are only valid after a Next call that returned true.
//
// Close releases any resources held by the iterator and returns any
// accumulated error.
type internalIterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Close() error
}

// mergingIter merges a set of internal iterators into one iterator yielding
// the union of their entries in ascending internal key order. When two
// children hold equal internal keys, the child with the lower index wins;
// callers order children newest-first so that fresher sources shadow staler
// ones.
type mergingIter struct {
	cmp   base.Compare // ordering over encoded internal keys
	iters []internalIterator
	// keys[i] is the cached current key of iters[i], or nil if that child
	// is exhausted.
	keys [][]byte
	// cur is the index of the child whose entry is current, or -1 before
	// the first Next call.
	cur int
	err error
}

func newMergingIter(cmp base.Compare, iters ...internalIterator) *mergingIter {
	return &mergingIter{
		cmp:   cmp,
		iters: iters,
		keys:  make([][]byte, len(iters)),
		cur:   -1,
	}
}

// Next implements internalIterator.Next. The number of children is small (a
// handful of memtables and L0 tables plus one concatenated iterator per
// non-zero level), so a linear minimum scan is used rather than a heap.
func (m *mergingIter) Next() bool {
	if m.err != nil {
		return false
	}
	if m.cur < 0 {
		// First call: prime every child.
		for i, it := range m.iters {
			if it.Next() {
				m.keys[i] = it.Key()
			} else {
				m.keys[i] = nil
			}
		}
	} else {
		// Advance the child that produced the current entry.
		if m.iters[m.cur].Next() {
			m.keys[m.cur] = m.iters[m.cur].Key()
		} else {
			m.keys[m.cur] = nil
		}
	}

	m.cur = -1
	for i, k := range m.keys {
		if k == nil {
			continue
		}
		if m.cur < 0 || m.cmp(k, m.keys[m.cur]) < 0 {
			m.cur = i
		}
	}
	return m.cur >= 0
}

// Key implements internalIterator.Key.
func (m *mergingIter) Key() []byte {
	if m.cur < 0 {
		return nil
	}
	return m.keys[m.cur]
}

// Value implements internalIterator.Value.
func (m *mergingIter) Value() []byte {
	if m.cur < 0 {
		return nil
	}
	return m.iters[m.cur].Value()
}

// Close implements internalIterator.Close.
func (m *mergingIter) Close() error {
	err := m.err
	for _, it := range m.iters {
		err = firstError(err, it.Close())
	}
	m.iters = nil
	m.keys = nil
	m.cur = -1
	return err
}
