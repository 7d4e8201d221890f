// Copyright 2025 The Mica Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package mica

import (
	"testing"

	"github.com/cockroachdb/mica/internal/base"
	"github.com/stretchr/testify/require"
)

func meta(fileNum uint64, size uint64, smallest, largest string) *fileMetadata {
	return newFileMetadata(fileNum, size,
		ikey(smallest, 1, base.InternalKeyKindSet),
		ikey(largest, 1, base.InternalKeyKindSet))
}

func fileNums(files []*fileMetadata) []uint64 {
	var nums []uint64
	for _, f := range files {
		nums = append(nums, f.fileNum)
	}
	return nums
}

func TestOverlapsNonZeroLevel(t *testing.T) {
	ucmp := base.DefaultComparer.Compare
	v := &version{}
	v.files[1] = []*fileMetadata{
		meta(1, 100, "a", "c"),
		meta(2, 100, "e", "g"),
		meta(3, 100, "i", "k"),
	}

	require.Equal(t, []uint64{1}, fileNums(v.overlaps(1, ucmp, []byte("b"), []byte("c"))))
	require.Equal(t, []uint64{1, 2}, fileNums(v.overlaps(1, ucmp, []byte("c"), []byte("e"))))
	require.Equal(t, []uint64(nil), fileNums(v.overlaps(1, ucmp, []byte("x"), []byte("z"))))
	require.Equal(t, []uint64{1, 2, 3}, fileNums(v.overlaps(1, ucmp, []byte("a"), []byte("z"))))
}

func TestOverlapsLevelZeroExpands(t *testing.T) {
	ucmp := base.DefaultComparer.Compare
	v := &version{}
	v.files[0] = []*fileMetadata{
		meta(1, 100, "a", "c"),
		meta(2, 100, "b", "f"),
		meta(3, 100, "e", "h"),
		meta(4, 100, "x", "z"),
	}

	// Asking for [a, b] pulls in file 2 (overlaps a-c), which extends the
	// range to f, which pulls in file 3.
	got := fileNums(v.overlaps(0, ucmp, []byte("a"), []byte("b")))
	require.Equal(t, []uint64{1, 2, 3}, got)

	require.Equal(t, []uint64{4}, fileNums(v.overlaps(0, ucmp, []byte("y"), []byte("y"))))
}

func TestUpdateCompactionScore(t *testing.T) {
	v := &version{}
	for i := 0; i < 5; i++ {
		v.files[0] = append(v.files[0], meta(uint64(i+1), 100, "a", "z"))
	}
	v.updateCompactionScore()
	require.Equal(t, 0, v.compactionLevel)
	require.GreaterOrEqual(t, v.compactionScore, 1.0)

	// A grossly oversized level 1 outscores level 0.
	v.files[1] = []*fileMetadata{meta(9, 100 << 20, "a", "m")}
	v.updateCompactionScore()
	require.Equal(t, 1, v.compactionLevel)
	require.Greater(t, v.compactionScore, 9.0)
}

func TestPickLevelForMemTableOutput(t *testing.T) {
	ucmp := base.DefaultComparer.Compare
	const maxOverlap = 10 * (2 << 20)

	// Empty version: pushed to maxMemCompactLevel.
	v := &version{}
	require.Equal(t, maxMemCompactLevel,
		v.pickLevelForMemTableOutput(ucmp, maxOverlap, []byte("a"), []byte("b")))

	// Overlap with L0 pins the flush at L0.
	v = &version{}
	v.files[0] = []*fileMetadata{meta(1, 100, "a", "c")}
	require.Equal(t, 0, v.pickLevelForMemTableOutput(ucmp, maxOverlap, []byte("b"), []byte("d")))

	// Overlap with L1 stops the push at L0.
	v = &version{}
	v.files[1] = []*fileMetadata{meta(1, 100, "a", "c")}
	require.Equal(t, 0, v.pickLevelForMemTableOutput(ucmp, maxOverlap, []byte("b"), []byte("d")))

	// Overlap with L2 stops the push at L1.
	v = &version{}
	v.files[2] = []*fileMetadata{meta(1, 100, "a", "c")}
	require.Equal(t, 1, v.pickLevelForMemTableOutput(ucmp, maxOverlap, []byte("b"), []byte("d")))

	// Heavy grandparent overlap stops the push early.
	v = &version{}
	v.files[2] = []*fileMetadata{meta(1, maxOverlap+1, "a", "z")}
	require.Equal(t, 0, v.pickLevelForMemTableOutput(ucmp, maxOverlap, []byte("b"), []byte("d")))
}

func newTestVersionSet(opts *Options) *versionSet {
	opts = opts.EnsureDefaults()
	vs := &versionSet{}
	vs.init("test", opts)
	return vs
}

func TestPickCompactionSizeTriggered(t *testing.T) {
	vs := newTestVersionSet(nil)
	v := &version{}
	v.files[0] = []*fileMetadata{
		meta(1, 100, "a", "c"),
		meta(2, 100, "b", "d"),
		meta(3, 100, "c", "e"),
		meta(4, 100, "q", "s"),
	}
	v.files[1] = []*fileMetadata{
		meta(5, 100, "a", "d"),
		meta(6, 100, "m", "p"),
	}
	v.updateCompactionScore()
	vs.append(v)
	require.True(t, vs.needsCompaction())

	c := pickCompaction(vs.opts, vs)
	require.NotNil(t, c)
	require.Equal(t, 0, c.level)
	// All overlapping L0 files are pulled in, plus the overlapping L1 file.
	require.Equal(t, []uint64{1, 2, 3}, fileNums(c.inputs[0]))
	require.Equal(t, []uint64{5}, fileNums(c.inputs[1]))
	// The compaction pointer records where this compaction ends.
	require.NotNil(t, vs.compactPointer[0])
}

func TestPickCompactionSeekTriggered(t *testing.T) {
	vs := newTestVersionSet(nil)
	v := &version{}
	v.files[1] = []*fileMetadata{meta(1, 100, "a", "c")}
	v.files[2] = []*fileMetadata{meta(2, 100, "b", "x")}
	v.updateCompactionScore()
	v.fileToCompact = v.files[1][0]
	v.fileToCompactLevel = 1
	vs.append(v)
	require.True(t, vs.needsCompaction())

	c := pickCompaction(vs.opts, vs)
	require.NotNil(t, c)
	require.Equal(t, 1, c.level)
	require.Equal(t, []uint64{1}, fileNums(c.inputs[0]))
	require.Equal(t, []uint64{2}, fileNums(c.inputs[1]))
}

func TestPickCompactionNone(t *testing.T) {
	vs := newTestVersionSet(nil)
	v := &version{}
	v.files[1] = []*fileMetadata{meta(1, 100, "a", "c")}
	v.updateCompactionScore()
	vs.append(v)
	require.False(t, vs.needsCompaction())
	require.Nil(t, pickCompaction(vs.opts, vs))
}

func TestTrivialMove(t *testing.T) {
	vs := newTestVersionSet(nil)
	v := &version{}
	// One oversized file at level 1 with nothing at level 2.
	v.files[1] = []*fileMetadata{meta(1, 20<<20, "a", "c")}
	v.updateCompactionScore()
	vs.append(v)

	c := pickCompaction(vs.opts, vs)
	require.NotNil(t, c)
	require.True(t, c.isTrivialMove())

	// Overlap at the next level defeats the move.
	vs2 := newTestVersionSet(nil)
	v2 := &version{}
	v2.files[1] = []*fileMetadata{meta(1, 20<<20, "a", "c")}
	v2.files[2] = []*fileMetadata{meta(2, 100, "b", "d")}
	v2.updateCompactionScore()
	vs2.append(v2)

	c2 := pickCompaction(vs2.opts, vs2)
	require.NotNil(t, c2)
	require.False(t, c2.isTrivialMove())
}

func TestCompactionPointerRotates(t *testing.T) {
	vs := newTestVersionSet(nil)
	v := &version{}
	v.files[1] = []*fileMetadata{
		meta(1, 6<<20, "a", "c"),
		meta(2, 6<<20, "e", "g"),
	}
	v.updateCompactionScore()
	vs.append(v)

	c := pickCompaction(vs.opts, vs)
	require.Equal(t, []uint64{1}, fileNums(c.inputs[0]))

	// With the pointer now past file 1, the next pick starts at file 2.
	c = pickCompaction(vs.opts, vs)
	require.Equal(t, []uint64{2}, fileNums(c.inputs[0]))

	// And wraps around at the end.
	c = pickCompaction(vs.opts, vs)
	require.Equal(t, []uint64{1}, fileNums(c.inputs[0]))
}

func TestIsBaseLevelForUkey(t *testing.T) {
	ucmp := base.DefaultComparer.Compare
	v := &version{}
	v.files[3] = []*fileMetadata{meta(1, 100, "d", "f")}

	c := &compaction{version: v, level: 1}
	require.False(t, c.isBaseLevelForUkey(ucmp, []byte("e")))
	require.True(t, c.isBaseLevelForUkey(ucmp, []byte("a")))
	require.True(t, c.isBaseLevelForUkey(ucmp, []byte("z")))

	// Files at the output level don't matter: a level 2 compaction's
	// outputs land at level 3, so the level 3 file is not consulted.
	c2 := &compaction{version: v, level: 2}
	require.True(t, c2.isBaseLevelForUkey(ucmp, []byte("e")))
	c3 := &compaction{version: v, level: 3}
	require.True(t, c3.isBaseLevelForUkey(ucmp, []byte("e")))
}

func TestVersionRefCounting(t *testing.T) {
	vs := newTestVersionSet(nil)
	v1 := &version{}
	v1.files[1] = []*fileMetadata{meta(1, 100, "a", "c")}
	vs.append(v1)

	// Simulate a reader pinning v1 across a version installation.
	v1.ref()

	v2 := &version{}
	v2.files[1] = []*fileMetadata{meta(2, 100, "a", "c")}
	vs.append(v2)
	v1.unref() // drop the version set's reference

	live := make(map[uint64]bool)
	vs.addLiveFileNums(live)
	require.True(t, live[1], "pinned version's file must stay live")
	require.True(t, live[2])

	// Once the reader releases it, only v2's files remain live.
	v1.unref()
	live = make(map[uint64]bool)
	vs.addLiveFileNums(live)
	require.False(t, live[1])
	require.True(t, live[2])
}
