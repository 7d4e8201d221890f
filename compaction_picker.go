// Copyright 2025 The Mica Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package mica

import (
	"github.com/cockroachdb/mica/internal/base"
)

const (
	// l0CompactionTrigger is the number of level-0 files at which a level-0
	// compaction is scheduled.
	l0CompactionTrigger = 4

	// l0SlowdownWritesTrigger is the soft limit on the number of level-0
	// files. Writes are delayed by one millisecond, once each, at this
	// point.
	l0SlowdownWritesTrigger = 8

	// l0StopWritesTrigger is the maximum number of level-0 files. Writes
	// wait on the background worker at this point.
	l0StopWritesTrigger = 12

	// maxMemCompactLevel is the maximum level to which a new memtable flush
	// can be pushed if it does not create overlap.
	maxMemCompactLevel = 2
)

// compaction describes a table compaction from one level to the next,
// relative to a fixed version.
type compaction struct {
	version *version

	// level is the level that is being compacted. Inputs from level and
	// level+1 will be merged to produce a set of level+1 files.
	level int

	// inputs[0] holds the level inputs, inputs[1] the level+1 inputs.
	inputs [2][]*fileMetadata

	// grandparents are the files at level+2 overlapping the compaction's
	// key range. Output files are split so that no output overlaps too
	// much grandparent data, which would make a future compaction of that
	// output unboundedly large.
	grandparents []*fileMetadata

	// maxOutputFileSize is the size at which the current output file is
	// closed and a new one started.
	maxOutputFileSize uint64

	// maxGrandParentOverlapBytes bounds the grandparent data a single
	// output file may overlap.
	maxGrandParentOverlapBytes uint64

	// Output-splitting state for shouldStopBefore.
	grandparentIndex int
	seenKey          bool
	overlappedBytes  uint64
}

func newCompaction(opts *Options, cur *version, level int) *compaction {
	return &compaction{
		version:                    cur,
		level:                      level,
		maxOutputFileSize:          uint64(opts.MaxFileSize),
		maxGrandParentOverlapBytes: 10 * uint64(opts.MaxFileSize),
	}
}

// pickCompaction picks the best compaction for vs' current version, if any.
//
// DB.mu must be held.
func pickCompaction(opts *Options, vs *versionSet) (c *compaction) {
	cur := vs.currentVersion()
	ucmp := vs.ucmp.Compare

	// Pick a compaction based on size. If none exists, pick one based on
	// seeks: size has precedence because an over-full level degrades every
	// read and write, while a seek-worn file only degrades reads of its
	// range.
	if cur.compactionScore >= 1 {
		level := cur.compactionLevel
		c = newCompaction(opts, cur, level)
		// Pick the first file that comes after the compaction pointer for
		// this level, wrapping to the first file if the pointer is past
		// every file.
		ptr := vs.compactPointer[level]
		for _, f := range cur.files[level] {
			if ptr == nil || vs.icmp.Compare(base.AppendInternalKey(nil, f.largest), ptr) > 0 {
				c.inputs[0] = []*fileMetadata{f}
				break
			}
		}
		if len(c.inputs[0]) == 0 {
			c.inputs[0] = []*fileMetadata{cur.files[level][0]}
		}
	} else if cur.fileToCompact != nil {
		c = newCompaction(opts, cur, cur.fileToCompactLevel)
		c.inputs[0] = []*fileMetadata{cur.fileToCompact}
	} else {
		return nil
	}

	// Files in level 0 may overlap each other, so pick up all overlapping
	// ones.
	if c.level == 0 {
		smallest, largest := ikeyRange(ucmp, c.inputs[0], nil)
		c.inputs[0] = cur.overlaps(0, ucmp, smallest.UserKey, largest.UserKey)
		if len(c.inputs[0]) == 0 {
			panic("mica: empty compaction")
		}
	}

	c.setupOtherInputs(vs)
	return c
}

// pickManualCompaction returns a compaction of the given level covering the
// inclusive user key range [begin, end], or nil if the level has no
// overlapping files. A nil begin or end means unbounded on that side.
//
// DB.mu must be held.
func pickManualCompaction(
	opts *Options, vs *versionSet, level int, begin, end []byte,
) *compaction {
	cur := vs.currentVersion()
	ucmp := vs.ucmp.Compare

	var inputs []*fileMetadata
	if begin == nil || end == nil {
		// Unbounded ranges cover the whole level.
		lo, hi := begin, end
		if len(cur.files[level]) == 0 {
			return nil
		}
		if lo == nil {
			smallest, _ := ikeyRange(ucmp, cur.files[level], nil)
			lo = smallest.UserKey
		}
		if hi == nil {
			_, largest := ikeyRange(ucmp, cur.files[level], nil)
			hi = largest.UserKey
		}
		inputs = cur.overlaps(level, ucmp, lo, hi)
	} else {
		inputs = cur.overlaps(level, ucmp, begin, end)
	}
	if len(inputs) == 0 {
		return nil
	}

	// Avoid compacting too much of a non-zero level in one shot: trim the
	// input list once it covers more than the expansion limit.
	if level > 0 {
		limit := expandedCompactionByteSizeLimit(opts)
		var total uint64
		for i, f := range inputs {
			total += f.size
			if total >= limit {
				inputs = inputs[:i+1]
				break
			}
		}
	}

	c := newCompaction(opts, cur, level)
	c.inputs[0] = inputs
	c.setupOtherInputs(vs)
	return c
}

func expandedCompactionByteSizeLimit(opts *Options) uint64 {
	return 25 * uint64(opts.MaxFileSize)
}

// setupOtherInputs fills in the rest of the compaction inputs, regardless
// of whether the compaction was automatically scheduled or user initiated:
// the overlapping level+1 files, the input expansion at the compacting
// level, the grandparents, and the compaction pointer update.
func (c *compaction) setupOtherInputs(vs *versionSet) {
	ucmp := vs.ucmp.Compare

	smallest0, largest0 := ikeyRange(ucmp, c.inputs[0], nil)
	c.inputs[1] = c.version.overlaps(c.level+1, ucmp, smallest0.UserKey, largest0.UserKey)
	smallest01, largest01 := ikeyRange(ucmp, c.inputs[0], c.inputs[1])

	// Grow the inputs if it doesn't affect the number of level+1 files.
	if c.grow(vs, smallest01, largest01) {
		smallest01, largest01 = ikeyRange(ucmp, c.inputs[0], c.inputs[1])
	}

	// Compute the set of level+2 files that overlap this compaction.
	if c.level+2 < numLevels {
		c.grandparents = c.version.overlaps(c.level+2, ucmp, smallest01.UserKey, largest01.UserKey)
	}

	// Update the compaction pointer: the next compaction at this level
	// starts after the largest key being compacted now. The pointer is
	// updated in-memory immediately and persisted with the compaction's
	// version edit, which is also correct if the compaction fails: we will
	// try a different key range next time, spreading the wear.
	vs.compactPointer[c.level] = base.AppendInternalKey(nil, largest01)
}

// grow grows the number of inputs at c.level without changing the number of
// c.level+1 files in the compaction, and returns whether the inputs grew.
// sm and la are the smallest and largest internal keys in all of the
// inputs.
func (c *compaction) grow(vs *versionSet, sm, la base.InternalKey) bool {
	if len(c.inputs[1]) == 0 {
		return false
	}
	ucmp := vs.ucmp.Compare
	grow0 := c.version.overlaps(c.level, ucmp, sm.UserKey, la.UserKey)
	if len(grow0) <= len(c.inputs[0]) {
		return false
	}
	if totalSize(grow0)+totalSize(c.inputs[1]) >= expandedCompactionByteSizeLimit(vs.opts) {
		return false
	}
	sm1, la1 := ikeyRange(ucmp, grow0, nil)
	grow1 := c.version.overlaps(c.level+1, ucmp, sm1.UserKey, la1.UserKey)
	if len(grow1) != len(c.inputs[1]) {
		return false
	}
	c.inputs[0] = grow0
	c.inputs[1] = grow1
	return true
}

// isTrivialMove reports whether the compaction can be implemented by moving
// the single input file to the next level without rewriting it: one input,
// nothing to merge with at level+1, and not too much grandparent overlap
// (which would make the moved file expensive to compact later).
func (c *compaction) isTrivialMove() bool {
	return len(c.inputs[0]) == 1 &&
		len(c.inputs[1]) == 0 &&
		totalSize(c.grandparents) <= c.maxGrandParentOverlapBytes
}

// isBaseLevelForUkey reports whether it is guaranteed that there are no
// key/value pairs at c.level+2 or higher that have the given user key. When
// true, a tombstone for that key that is visible to every live snapshot can
// be elided entirely: there is nothing older left to shadow.
func (c *compaction) isBaseLevelForUkey(ucmp base.Compare, ukey []byte) bool {
	// TODO: this can be faster if ukey is always increasing between
	// successive calls and we can keep some state in between calls.
	for level := c.level + 2; level < numLevels; level++ {
		for _, f := range c.version.files[level] {
			if ucmp(ukey, f.largest.UserKey) <= 0 {
				if ucmp(ukey, f.smallest.UserKey) >= 0 {
					return false
				}
				// For levels above level 0, the files within a level are
				// in increasing ikey order, so we can break early.
				break
			}
		}
	}
	return true
}

// shouldStopBefore reports whether the current output file should be closed
// before emitting the given encoded internal key, because the output's
// range would otherwise overlap too many bytes of grandparent data.
func (c *compaction) shouldStopBefore(vs *versionSet, ekey []byte) bool {
	ikey := base.DecodeInternalKey(ekey)
	ucmp := vs.ucmp.Compare
	// Scan to find the earliest grandparent file that contains the key.
	for c.grandparentIndex < len(c.grandparents) &&
		base.InternalCompare(ucmp, ikey, c.grandparents[c.grandparentIndex].largest) > 0 {
		if c.seenKey {
			c.overlappedBytes += c.grandparents[c.grandparentIndex].size
		}
		c.grandparentIndex++
	}
	c.seenKey = true
	if c.overlappedBytes > c.maxGrandParentOverlapBytes {
		// Too much overlap for the current output; start a new one.
		c.overlappedBytes = 0
		return true
	}
	return false
}
