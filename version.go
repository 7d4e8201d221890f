// Copyright 2025 The Mica Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package mica

import (
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/mica/internal/base"
)

const numLevels = 7

// fileMetadata holds the metadata for an on-disk table.
type fileMetadata struct {
	// fileNum is the file number. File numbers are dense and never reused
	// within the lifetime of a database.
	fileNum uint64
	// size is the size of the file, in bytes.
	size uint64
	// smallest and largest are the inclusive bounds for the internal keys
	// stored in the table.
	smallest, largest base.InternalKey
	// allowedSeeks is the seek budget that remains before the file becomes
	// a seek-triggered compaction candidate. It is decremented by reads
	// that had to search this file before finding their key elsewhere.
	// Protected by DB.mu.
	allowedSeeks int64
}

// newFileMetadata constructs a fileMetadata with its seek budget
// initialized from the file size: one seek per 16KiB of data, but at least
// 100 seeks. The rationale: a seek costs about 10ms, reading or writing
// 1MiB costs about 10ms, and compacting 1MiB does about 25MiB of IO, so one
// seek is worth roughly 40KiB of compaction work; we are a little
// conservative.
func newFileMetadata(fileNum, size uint64, smallest, largest base.InternalKey) *fileMetadata {
	m := &fileMetadata{
		fileNum:  fileNum,
		size:     size,
		smallest: smallest,
		largest:  largest,
	}
	m.allowedSeeks = int64(size / 16384)
	if m.allowedSeeks < 100 {
		m.allowedSeeks = 100
	}
	return m
}

// totalSize returns the total size of all the files in f.
func totalSize(f []*fileMetadata) (size uint64) {
	for _, x := range f {
		size += x.size
	}
	return size
}

// ikeyRange returns the minimum smallest and maximum largest internalKey
// for all the fileMetadata in f0 and f1.
func ikeyRange(ucmp base.Compare, f0, f1 []*fileMetadata) (smallest, largest base.InternalKey) {
	first := true
	for _, f := range [2][]*fileMetadata{f0, f1} {
		for _, meta := range f {
			if first {
				first = false
				smallest, largest = meta.smallest, meta.largest
				continue
			}
			if base.InternalCompare(ucmp, meta.smallest, smallest) < 0 {
				smallest = meta.smallest
			}
			if base.InternalCompare(ucmp, meta.largest, largest) > 0 {
				largest = meta.largest
			}
		}
	}
	return smallest, largest
}

func sortByFileNum(files []*fileMetadata) {
	sort.Slice(files, func(i, j int) bool {
		return files[i].fileNum < files[j].fileNum
	})
}

func sortBySmallest(files []*fileMetadata, ucmp base.Compare) {
	sort.Slice(files, func(i, j int) bool {
		return base.InternalCompare(ucmp, files[i].smallest, files[j].smallest) < 0
	})
}

// version is a collection of file metadata for on-disk tables at various
// levels. In-memory DBs are written to level-0 tables, and compactions
// migrate data from level N to level N+1. The tables map internal keys
// (which are a user key, a kind and a sequence number) to user values.
//
// The tables at level 0 are sorted by increasing fileNum. If two level 0
// tables have fileNums i and j and i < j, then the sequence numbers of
// every internal key in table i are all less than those for table j. The
// range of internal keys [smallest, largest] in each level 0 table may
// overlap.
//
// The tables at any non-0 level are sorted by their internal key range and
// any two tables at the same non-0 level do not overlap.
//
// The internal key ranges of two tables at different levels X and Y may
// overlap, for any X != Y.
//
// Finally, for every internal key in a table at level X, there is no
// internal key in a higher level table that has both the same user key and
// a higher sequence number.
type version struct {
	files [numLevels][]*fileMetadata

	// Every version is part of a circular doubly-linked list of versions
	// headed by versionSet.dummyVersion. The list is ordered oldest to
	// newest: dummyVersion.prev is the current version.
	prev, next *version

	// refs counts the iterators, readers and the version set that refer to
	// this version. Protected by DB.mu.
	refs int32

	// These fields hold the level that should be compacted next and its
	// compaction score. A score < 1 means that compaction is not strictly
	// needed. Computed by updateCompactionScore.
	compactionScore float64
	compactionLevel int

	// fileToCompact holds the next seek-triggered compaction candidate, if
	// any. Protected by DB.mu.
	fileToCompact      *fileMetadata
	fileToCompactLevel int
}

func (v *version) ref() {
	v.refs++
}

// unref releases a reference. When the last reference is dropped, the
// version is removed from the version list; the files it referenced become
// candidates for deletion if no other version holds them.
func (v *version) unref() {
	v.refs--
	if v.refs <= 0 && v.prev != nil {
		v.prev.next = v.next
		v.next.prev = v.prev
		v.prev = nil
		v.next = nil
	}
}

// updateCompactionScore updates v's compaction score and level, per the
// size-triggered heuristic: level 0 is scored by file count against its
// trigger, every other level by total byte size against its geometrically
// growing capacity.
func (v *version) updateCompactionScore() {
	// We treat level-0 specially by bounding the number of files instead of
	// number of bytes for two reasons:
	//
	// (1) With larger write-buffer sizes, it is nice not to do too many
	// level-0 compactions.
	//
	// (2) The files in level-0 are merged on every read and therefore we
	// wish to avoid too many files when the individual file size is small
	// (perhaps because of a small write-buffer setting, or very high
	// compression ratios, or lots of overwrites/deletions).
	v.compactionScore = float64(len(v.files[0])) / l0CompactionTrigger
	v.compactionLevel = 0

	maxBytes := float64(10 * 1024 * 1024)
	for level := 1; level < numLevels-1; level++ {
		score := float64(totalSize(v.files[level])) / maxBytes
		if score > v.compactionScore {
			v.compactionScore = score
			v.compactionLevel = level
		}
		maxBytes *= 10
	}
}

// overlaps returns all elements of v.files[level] whose user key range
// intersects the inclusive range [ukey0, ukey1]. If level is non-zero then
// the user key ranges of v.files[level] do not overlap (although they may
// touch). If level is zero then that assumption cannot be made, and the
// [ukey0, ukey1] range is expanded to the union of those matching ranges so
// far and the computation is repeated until [ukey0, ukey1] stabilizes.
func (v *version) overlaps(level int, ucmp base.Compare, ukey0, ukey1 []byte) (ret []*fileMetadata) {
loop:
	for {
		for _, meta := range v.files[level] {
			m0 := meta.smallest.UserKey
			m1 := meta.largest.UserKey
			if ucmp(m1, ukey0) < 0 {
				// meta is completely before the specified range; skip it.
				continue
			}
			if ucmp(m0, ukey1) > 0 {
				// meta is completely after the specified range; skip it.
				continue
			}
			ret = append(ret, meta)

			// If level == 0, check if the newly added fileMetadata has
			// expanded the range. If so, restart the search.
			if level != 0 {
				continue
			}
			restart := false
			if ucmp(m0, ukey0) < 0 {
				ukey0 = m0
				restart = true
			}
			if ucmp(m1, ukey1) > 0 {
				ukey1 = m1
				restart = true
			}
			if restart {
				ret = ret[:0]
				continue loop
			}
		}
		return ret
	}
}

// overlapInLevel returns whether any file in v.files[level] intersects the
// inclusive user key range [ukey0, ukey1].
func (v *version) overlapInLevel(level int, ucmp base.Compare, ukey0, ukey1 []byte) bool {
	return len(v.overlaps(level, ucmp, ukey0, ukey1)) > 0
}

// pickLevelForMemTableOutput picks the level to place a fresh memtable
// flush at. Normally that is level 0, but if the new table does not overlap
// level 0 or level 1, it can be pushed up to avoid accumulating small L0
// files when the database is being loaded with disjoint key ranges. The
// push stops before a level whose grandparent overlap would make a later
// compaction of the table too expensive.
func (v *version) pickLevelForMemTableOutput(
	ucmp base.Compare, maxGrandParentOverlapBytes uint64, smallest, largest []byte,
) int {
	level := 0
	if !v.overlapInLevel(0, ucmp, smallest, largest) {
		for ; level < maxMemCompactLevel; level++ {
			if v.overlapInLevel(level+1, ucmp, smallest, largest) {
				break
			}
			if level+2 < numLevels {
				grandparents := v.overlaps(level+2, ucmp, smallest, largest)
				if totalSize(grandparents) > maxGrandParentOverlapBytes {
					break
				}
			}
		}
	}
	return level
}

// checkOrdering checks that the files are consistent with respect to
// increasing file numbers (for level 0 files) and increasing and
// non-overlapping internal key ranges (for level non-0 files).
func (v *version) checkOrdering(ucmp base.Compare) error {
	for level, ff := range v.files {
		if level == 0 {
			prevFileNum := uint64(0)
			for i, f := range ff {
				if i != 0 && prevFileNum >= f.fileNum {
					return errors.Newf(
						"mica: level 0 files are not in increasing fileNum order: %d, %d",
						prevFileNum, f.fileNum)
				}
				prevFileNum = f.fileNum
			}
		} else {
			var prevLargest base.InternalKey
			for i, f := range ff {
				if i != 0 && base.InternalCompare(ucmp, prevLargest, f.smallest) >= 0 {
					return errors.Newf(
						"mica: level %d files are not in increasing ikey order: %s, %s",
						level, prevLargest, f.smallest)
				}
				if base.InternalCompare(ucmp, f.smallest, f.largest) > 0 {
					return errors.Newf(
						"mica: level %d file %d has inconsistent bounds: %s, %s",
						level, f.fileNum, f.smallest, f.largest)
				}
				prevLargest = f.largest
			}
		}
	}
	return nil
}

// get looks up the given user key in v's tables, as of the given sequence
// number. If the lookup had to search a file without finding its answer
// there before moving on, the first such file is returned in chargedFile so
// that the caller can debit its seek budget.
func (v *version) get(
	tc *tableCache, ucmp base.Compare, userKey []byte, seqNum base.SeqNum,
) (value []byte, chargedFile *fileMetadata, chargedLevel int, err error) {
	ikey := base.MakeSearchKey(userKey, seqNum)
	ekey := base.AppendInternalKey(make([]byte, 0, ikey.Size()), ikey)

	var lastFileRead *fileMetadata
	var lastFileReadLevel int

	search := func(f *fileMetadata, level int) (done bool, value []byte, err error) {
		if chargedFile == nil && lastFileRead != nil {
			// This is the second file searched: charge the first.
			chargedFile = lastFileRead
			chargedLevel = lastFileReadLevel
		}
		lastFileRead = f
		lastFileReadLevel = level

		iter, err := tc.findPoint(f.fileNum, ekey)
		if err != nil {
			return true, nil, errors.Wrapf(err, "mica: could not open table %06d", f.fileNum)
		}
		value, conclusive, err := internalGet(iter, ucmp, userKey)
		return conclusive, value, err
	}

	// Search the level 0 files in decreasing fileNum order, which is also
	// decreasing sequence number order.
	for i := len(v.files[0]) - 1; i >= 0; i-- {
		f := v.files[0][i]
		// We compare user keys on the low end, as we do not want to reject
		// a table whose smallest internal key may have the same user key
		// and a lower sequence number. The internal key comparer sorts
		// increasing by user key but then descending by sequence number.
		if ucmp(userKey, f.smallest.UserKey) < 0 {
			continue
		}
		// We compare internal keys on the high end. It gives a tighter
		// bound than comparing user keys.
		if base.InternalCompare(ucmp, ikey, f.largest) > 0 {
			continue
		}
		done, val, err := search(f, 0)
		if done {
			return val, chargedFile, chargedLevel, err
		}
	}

	// Search the remaining levels. Files within a level do not overlap, so
	// at most one file per level can contain the key.
	for level := 1; level < numLevels; level++ {
		n := len(v.files[level])
		if n == 0 {
			continue
		}
		// Find the earliest file at that level whose largest key is >=
		// ikey.
		index := sort.Search(n, func(i int) bool {
			return base.InternalCompare(ucmp, v.files[level][i].largest, ikey) >= 0
		})
		if index == n {
			continue
		}
		f := v.files[level][index]
		if ucmp(userKey, f.smallest.UserKey) < 0 {
			continue
		}
		done, val, err := search(f, level)
		if done {
			return val, chargedFile, chargedLevel, err
		}
	}
	return nil, chargedFile, chargedLevel, base.ErrNotFound
}

// internalGet looks at the first entry yielded by the iterator, which is
// expected to have been positioned with a search key for userKey. It
// reports whether that entry conclusively answers the lookup.
//
// If there is no entry, or the entry's user key does not match, conclusive
// is false and the caller should continue searching older sources; if
// closing the iterator then fails, conclusive is true and the error is
// returned.
// Otherwise conclusive is true and:
//   - if the entry is a set, its value is returned,
//   - if the entry is a deletion tombstone, base.ErrNotFound is returned.
func internalGet(
	iter internalIterator, ucmp base.Compare, userKey []byte,
) (value []byte, conclusive bool, err error) {
	if !iter.Next() {
		err = iter.Close()
		return nil, err != nil, err
	}
	ikey := base.DecodeInternalKey(iter.Key())
	if !ikey.Valid() {
		iter.Close()
		return nil, true, base.CorruptionErrorf("mica: corrupt table: invalid internal key")
	}
	if ucmp(ikey.UserKey, userKey) != 0 {
		err = iter.Close()
		return nil, err != nil, err
	}
	if ikey.Kind() == base.InternalKeyKindDelete {
		iter.Close()
		return nil, true, base.ErrNotFound
	}
	value = append([]byte(nil), iter.Value()...)
	return value, true, iter.Close()
}
