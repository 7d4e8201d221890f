// Copyright 2025 The Mica Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package mica

import (
	"sort"

	"github.com/cockroachdb/mica/internal/base"
)

// levelIter concatenates the tables of a level >= 1 into a single iterator.
// The level's files are non-overlapping and sorted by smallest key, so the
// concatenation yields entries in internal key order. Table iterators are
// opened lazily, one at a time, through the table cache.
type levelIter struct {
	tc    *tableCache
	ucmp  base.Compare
	files []*fileMetadata
	// index is the position in files of the next table to open.
	index int
	// seekKey is the encoded internal key to seek the first opened table
	// to. It is cleared after use; subsequent tables iterate from their
	// start.
	seekKey []byte
	iter    internalIterator
	err     error
}

// newLevelIter returns an iterator over the given non-overlapping files,
// positioned before the first entry whose encoded internal key is >=
// seekKey. A nil seekKey positions it before the level's first entry.
func newLevelIter(
	tc *tableCache, ucmp base.Compare, files []*fileMetadata, seekKey []byte,
) *levelIter {
	l := &levelIter{tc: tc, ucmp: ucmp, files: files, seekKey: seekKey}
	if seekKey != nil {
		ikey := base.DecodeInternalKey(seekKey)
		l.index = sort.Search(len(files), func(i int) bool {
			return base.InternalCompare(ucmp, files[i].largest, ikey) >= 0
		})
	}
	return l
}

// Next implements internalIterator.Next.
func (l *levelIter) Next() bool {
	if l.err != nil {
		return false
	}
	for {
		if l.iter == nil {
			if l.index >= len(l.files) {
				return false
			}
			iter, err := l.tc.find(l.files[l.index].fileNum, l.seekKey)
			if err != nil {
				l.err = err
				return false
			}
			l.iter = iter
			l.index++
			l.seekKey = nil
		}
		if l.iter.Next() {
			return true
		}
		if err := l.iter.Close(); err != nil {
			l.err = err
			l.iter = nil
			return false
		}
		l.iter = nil
	}
}

// Key implements internalIterator.Key.
func (l *levelIter) Key() []byte {
	if l.iter == nil {
		return nil
	}
	return l.iter.Key()
}

// Value implements internalIterator.Value.
func (l *levelIter) Value() []byte {
	if l.iter == nil {
		return nil
	}
	return l.iter.Value()
}

// Close implements internalIterator.Close.
func (l *levelIter) Close() error {
	err := l.err
	if l.iter != nil {
		err = firstError(err, l.iter.Close())
		l.iter = nil
	}
	l.files = nil
	return err
}
