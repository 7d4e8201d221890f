// Copyright 2025 The Mica Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package mica

import (
	"github.com/cockroachdb/mica/internal/base"
	"github.com/cockroachdb/mica/memdb"
)

// memdbIter adapts a memdb iterator, which is positioned directly at an
// entry by SeekGE/First, to the "next first" internalIterator convention.
type memdbIter struct {
	iter       *memdb.Iter
	positioned bool
	valid      bool
}

// newMemdbIter returns an internal iterator over mem, positioned before the
// first entry whose encoded internal key is >= seekKey (or before the first
// entry if seekKey is nil).
func newMemdbIter(mem *memdb.MemDB, seekKey []byte) *memdbIter {
	it := mem.NewIter()
	var valid bool
	if seekKey == nil {
		valid = it.First()
	} else {
		valid = it.SeekGE(seekKey)
	}
	return &memdbIter{iter: it, valid: valid}
}

func (i *memdbIter) Next() bool {
	if !i.positioned {
		i.positioned = true
		return i.valid
	}
	i.valid = i.iter.Next()
	return i.valid
}

func (i *memdbIter) Key() []byte {
	return i.iter.Key()
}

func (i *memdbIter) Value() []byte {
	return i.iter.Value()
}

func (i *memdbIter) Close() error {
	return i.iter.Close()
}

// newInternalIter builds a merging iterator over every source of internal
// keys: the mutable memtable, the immutable memtable (if any), each level 0
// table individually (they may overlap), and one concatenating iterator per
// non-empty level >= 1. Sources are ordered newest first so that on equal
// internal keys the freshest source wins.
//
// The returned iterator is positioned before the first entry >= seekKey
// (nil seeks to the start). The caller is responsible for holding
// references on v and the memtables for the iterator's lifetime.
func (d *DB) newInternalIter(
	v *version, mem, imm *memdb.MemDB, seekKey []byte,
) internalIterator {
	iters := make([]internalIterator, 0, 2+len(v.files[0])+numLevels)
	iters = append(iters, newMemdbIter(mem, seekKey))
	if imm != nil {
		iters = append(iters, newMemdbIter(imm, seekKey))
	}
	// Level 0 files in decreasing fileNum order: newest first.
	for i := len(v.files[0]) - 1; i >= 0; i-- {
		f := v.files[0][i]
		iter, err := d.tableCache.find(f.fileNum, seekKey)
		if err != nil {
			iters = append(iters, &errorIter{err: err})
			continue
		}
		iters = append(iters, iter)
	}
	for level := 1; level < numLevels; level++ {
		if len(v.files[level]) == 0 {
			continue
		}
		iters = append(iters, newLevelIter(&d.tableCache, d.ucmp.Compare, v.files[level], seekKey))
	}
	return newMergingIter(d.icmp.Compare, iters...)
}

// errorIter is an internal iterator that yields no entries and reports the
// given error on Close.
type errorIter struct {
	err error
}

func (i *errorIter) Next() bool    { return false }
func (i *errorIter) Key() []byte   { return nil }
func (i *errorIter) Value() []byte { return nil }
func (i *errorIter) Close() error  { return i.err }

// Iterator iterates over a DB's user key/value pairs in ascending key
// order, as of a fixed sequence number: entries newer than the iterator's
// snapshot are invisible, older entries shadowed by newer visible ones are
// collapsed away, and deletion tombstones hide what lies beneath them.
//
// An iterator must be closed after use, but it is not necessary to read an
// iterator until exhaustion.
//
// An iterator is not goroutine-safe, but it is safe to use multiple
// iterators concurrently, with each in a different goroutine, as well as to
// use an iterator concurrently with writes to the DB.
type Iterator struct {
	d      *DB
	seqNum base.SeqNum
	mem    *memdb.MemDB
	imm    *memdb.MemDB
	// version is the version pinned at iterator creation. Its reference is
	// dropped on Close.
	version *version

	iter internalIterator
	err  error

	// keyBuf and valueBuf hold copies of the current entry: the underlying
	// block buffers are recycled as the internal iterator advances.
	keyBuf   []byte
	valueBuf []byte
	valid    bool
	closed   bool
}

// First positions the iterator at the first key in the database, returning
// whether such a key exists.
func (i *Iterator) First() bool {
	return i.seek(nil)
}

// SeekGE positions the iterator at the first key >= the given user key,
// returning whether such a key exists.
func (i *Iterator) SeekGE(userKey []byte) bool {
	search := base.MakeSearchKey(userKey, i.seqNum)
	return i.seek(base.AppendInternalKey(make([]byte, 0, search.Size()), search))
}

func (i *Iterator) seek(seekKey []byte) bool {
	if i.closed {
		i.err = errClosedIterator
		return false
	}
	if i.iter != nil {
		i.err = firstError(i.err, i.iter.Close())
	}
	if i.err != nil {
		return false
	}
	i.iter = i.d.newInternalIter(i.version, i.mem, i.imm, seekKey)
	return i.findNextUserEntry(nil)
}

// Next advances to the next user key, returning whether such a key exists.
func (i *Iterator) Next() bool {
	if !i.valid || i.err != nil {
		return false
	}
	// Skip any remaining (older) entries of the current user key.
	return i.findNextUserEntry(i.keyBuf)
}

// findNextUserEntry advances the internal iterator until it finds the
// newest visible entry of a user key greater than skipKey (if non-nil) that
// is not a deletion tombstone.
func (i *Iterator) findNextUserEntry(skipKey []byte) bool {
	i.valid = false
	ucmp := i.d.ucmp.Compare
	for i.iter.Next() {
		ikey := base.DecodeInternalKey(i.iter.Key())
		if !ikey.Valid() {
			i.err = base.CorruptionErrorf("mica: corrupt internal key in iteration")
			return false
		}
		if !ikey.Visible(i.seqNum) {
			continue
		}
		if skipKey != nil && ucmp(ikey.UserKey, skipKey) <= 0 {
			// An older entry of a user key we have already yielded or
			// deleted.
			continue
		}
		if ikey.Kind() == base.InternalKeyKindDelete {
			// The newest visible entry for this user key is a tombstone:
			// hide every older entry beneath it.
			skipKey = append(i.keyBuf[:0], ikey.UserKey...)
			i.keyBuf = skipKey
			continue
		}
		i.keyBuf = append(i.keyBuf[:0], ikey.UserKey...)
		i.valueBuf = append(i.valueBuf[:0], i.iter.Value()...)
		i.valid = true
		return true
	}
	i.err = firstError(i.err, i.iter.Close())
	i.iter = nil
	return false
}

// Valid returns whether the iterator is positioned at a key/value pair.
func (i *Iterator) Valid() bool {
	return i.valid && i.err == nil
}

// Key returns the user key at the current position.
func (i *Iterator) Key() []byte {
	if !i.valid {
		return nil
	}
	return i.keyBuf
}

// Value returns the value at the current position.
func (i *Iterator) Value() []byte {
	if !i.valid {
		return nil
	}
	return i.valueBuf
}

// Error returns any accumulated error.
func (i *Iterator) Error() error {
	return i.err
}

// Close closes the iterator and returns any accumulated error. It is valid
// to call Close multiple times.
func (i *Iterator) Close() error {
	if i.closed {
		return i.err
	}
	i.closed = true
	i.valid = false
	if i.iter != nil {
		i.err = firstError(i.err, i.iter.Close())
		i.iter = nil
	}
	i.d.mu.Lock()
	i.version.unref()
	i.d.mu.Unlock()
	i.version = nil
	i.mem, i.imm = nil, nil
	return i.err
}
