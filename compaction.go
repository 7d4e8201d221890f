// Copyright 2025 The Mica Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package mica

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/mica/internal/base"
	"github.com/cockroachdb/mica/memdb"
	"github.com/cockroachdb/mica/table"
	"github.com/cockroachdb/mica/vfs"
)

// manualCompaction describes a user-initiated compaction of a key range at
// one level.
type manualCompaction struct {
	level int
	done  bool
	err   error
	// begin and end are the inclusive user key bounds; nil means unbounded.
	begin, end []byte
	// cv is signalled when done becomes true.
	cv chan struct{}
}

// maybeScheduleCompaction starts the background worker if there is work to
// do and no worker is running. It is idempotent.
//
// d.mu must be held.
func (d *DB) maybeScheduleCompaction() {
	if d.mu.compactionScheduled {
		return
	}
	if d.shuttingDown.Load() || d.mu.bgError != nil {
		return
	}
	if d.mu.imm == nil && d.mu.manualCompaction == nil && !d.mu.versions.needsCompaction() {
		// No work to be done.
		return
	}
	d.mu.compactionScheduled = true
	go d.backgroundCall()
}

// backgroundCall is the body of the background worker goroutine. Exactly
// one instance runs at a time.
func (d *DB) backgroundCall() {
	d.mu.Lock()
	if !d.shuttingDown.Load() && d.mu.bgError == nil {
		if err := d.backgroundCompaction(); err != nil && !errors.Is(err, ErrClosed) {
			// The error is latched: every later write fails with it, and
			// maybeScheduleCompaction schedules no further background work.
			d.recordBackgroundError(err)
		}
	}
	d.mu.compactionScheduled = false

	// Previous compaction may have produced too many files in a level, so
	// reschedule another compaction if needed.
	d.maybeScheduleCompaction()
	d.mu.backgroundWorkFinished.Broadcast()
	d.mu.Unlock()
}

// backgroundCompaction performs one unit of background work: a memtable
// flush if one is pending, else one compaction (manual, size-triggered or
// seek-triggered).
//
// d.mu must be held, and may be released and reacquired.
func (d *DB) backgroundCompaction() error {
	if d.mu.imm != nil {
		return d.flushMemTable()
	}

	var c *compaction
	manual := d.mu.manualCompaction
	if manual != nil {
		c = pickManualCompaction(d.opts, &d.mu.versions, manual.level, manual.begin, manual.end)
		if c == nil {
			// Nothing at this level overlaps the range: the manual
			// compaction is complete.
			d.finishManualCompaction(nil)
			return nil
		}
	} else {
		c = pickCompaction(d.opts, &d.mu.versions)
	}
	if c == nil {
		return nil
	}

	if manual == nil && c.isTrivialMove() {
		// Move the file into the next level without rewriting it.
		meta := c.inputs[0][0]
		ve := &versionEdit{}
		ve.deleteFile(c.level, meta.fileNum)
		ve.newFiles = []newFileEntry{{level: c.level + 1, meta: meta}}
		ve.compactPointers = []compactPointerEntry{
			{c.level, d.mu.versions.compactPointer[c.level]},
		}
		err := d.mu.versions.logAndApply(ve, &d.mu.Mutex)
		if err == nil {
			d.opts.Logger.Infof("mica: moved %06d (%s) from level %d to level %d\n",
				meta.fileNum, humanizeBytes(meta.size), c.level, c.level+1)
			d.deleteObsoleteFiles()
		}
		return err
	}

	err := d.compactDiskTables(c)
	if manual != nil {
		d.finishManualCompaction(err)
	}
	return err
}

// finishManualCompaction marks the current manual compaction done and wakes
// its waiter.
//
// d.mu must be held.
func (d *DB) finishManualCompaction(err error) {
	m := d.mu.manualCompaction
	m.done = true
	m.err = err
	d.mu.manualCompaction = nil
	close(m.cv)
}

// flushMemTable flushes the sealed memtable to a table file and installs it
// into a new version. On success the WAL that covered the memtable becomes
// obsolete.
//
// d.mu must be held, and may be released and reacquired.
func (d *DB) flushMemTable() error {
	imm := d.mu.imm
	if imm.Empty() {
		// A forced rotation sealed an empty memtable. There is nothing to
		// write, but the WAL switch must still be made durable so that the
		// old log can be reclaimed.
		ve := &versionEdit{logNumber: d.mu.logNumber}
		if err := d.mu.versions.logAndApply(ve, &d.mu.Mutex); err != nil {
			return err
		}
		d.mu.imm = nil
		d.hasImm.Store(false)
		d.deleteObsoleteFiles()
		return nil
	}
	base_ := d.mu.versions.currentVersion()
	base_.ref()
	defer base_.unref()

	bt, err := d.writeLevel0Table(imm, base_, true /* allowHigherLevel */)
	if err != nil {
		return err
	}
	d.mu.stats[bt.targetLevel].bytesWritten += bt.meta.size
	d.mu.stats[bt.targetLevel].duration += bt.elapsed

	ve := &versionEdit{
		logNumber: d.mu.logNumber,
		newFiles:  []newFileEntry{{level: bt.targetLevel, meta: bt.meta}},
	}
	err = d.mu.versions.logAndApply(ve, &d.mu.Mutex)
	delete(d.mu.pendingOutputs, bt.meta.fileNum)
	if err != nil {
		return err
	}

	d.mu.imm = nil
	d.hasImm.Store(false)
	d.deleteObsoleteFiles()
	return nil
}

// builtTable describes the output of writeLevel0Table.
type builtTable struct {
	meta        *fileMetadata
	targetLevel int
	elapsed     time.Duration
}

// writeLevel0Table writes the contents of the given memtable to a new
// table file, choosing a target level per the push-up heuristic when
// allowHigherLevel is set (fresh flushes) and pinning level 0 otherwise.
//
// If no error is returned, it adds the file number of the new table to
// d.mu.pendingOutputs. It is the caller's responsibility to remove that
// entry once the file has been applied to d.mu.versions.
//
// d.mu must be held when calling this, but the mutex is released while
// doing I/O.
func (d *DB) writeLevel0Table(
	mem *memdb.MemDB, base_ *version, allowHigherLevel bool,
) (bt *builtTable, err error) {
	fileNum := d.mu.versions.nextFileNum()
	d.mu.pendingOutputs[fileNum] = true
	defer func() {
		if err != nil {
			delete(d.mu.pendingOutputs, fileNum)
		}
	}()

	startTime := time.Now()

	// Release the d.mu lock while doing I/O.
	// Note the unusual order: Unlock and then Lock.
	d.mu.Unlock()
	defer d.mu.Lock()

	fs := d.opts.FS
	filename := dbFilename(fs, d.dirname, fileTypeTable, fileNum)

	var (
		file vfs.File
		tw   *table.Writer
		size uint64
	)
	var smallest, largest base.InternalKey
	cleanup := func(err error) error {
		if file != nil {
			file.Close()
		}
		fs.Remove(filename)
		return err
	}

	file, err = fs.Create(filename)
	if err != nil {
		return nil, err
	}
	tw = table.NewWriter(file, table.WriterOptions{
		Comparer:             d.icmp,
		BlockSize:            d.opts.BlockSize,
		BlockRestartInterval: d.opts.BlockRestartInterval,
		Compression:          d.opts.Compression,
		FilterPolicy:         d.internalFilterPolicy(),
	})

	iter := mem.NewIter()
	defer iter.Close()
	first := true
	for valid := iter.First(); valid; valid = iter.Next() {
		if first {
			smallest = base.DecodeInternalKey(iter.Key()).Clone()
			first = false
		}
		largest = base.DecodeInternalKey(iter.Key())
		if err := tw.Add(iter.Key(), iter.Value()); err != nil {
			return nil, cleanup(err)
		}
	}
	largest = largest.Clone()

	if err := tw.Close(); err != nil {
		return nil, cleanup(err)
	}
	if err := file.Sync(); err != nil {
		return nil, cleanup(err)
	}
	stat, err := file.Stat()
	if err != nil {
		return nil, cleanup(err)
	}
	size = uint64(stat.Size())
	if err := file.Close(); err != nil {
		file = nil
		return nil, cleanup(err)
	}
	file = nil

	// Verify that the table is usable: open it through the table cache,
	// which reads its footer and index block.
	validate := d.tableCache.withReader(fileNum, func(*table.Reader) error { return nil })
	if validate != nil {
		return nil, cleanup(validate)
	}

	meta := newFileMetadata(fileNum, size, smallest, largest)
	level := 0
	if allowHigherLevel {
		level = base_.pickLevelForMemTableOutput(
			d.ucmp.Compare, 10*uint64(d.opts.MaxFileSize), smallest.UserKey, largest.UserKey)
	}

	elapsed := time.Since(startTime)
	d.opts.Logger.Infof("mica: flushed memtable to %06d (%s) at level %d in %.1fs\n",
		fileNum, humanizeBytes(size), level, elapsed.Seconds())

	return &builtTable{meta: meta, targetLevel: level, elapsed: elapsed}, nil
}

// compactionState holds the mutable state of one disk compaction: the
// outputs built so far and the smallest snapshot the compaction must
// preserve.
type compactionState struct {
	c *compaction

	// smallestSnapshot is the sequence number of the oldest snapshot that
	// was live when the compaction started; record versions visible at or
	// below it for an already-emitted user key can be dropped.
	smallestSnapshot base.SeqNum

	outputs []*fileMetadata

	// Current output.
	builder   *table.Writer
	buildFile vfs.File
	buildNum  uint64

	currentSmallest base.InternalKey
	// largestBuf holds a copy of the encoded key most recently added to
	// the current output: the merge iterator reuses its key buffer, so the
	// bytes must be captured before the iterator advances.
	largestBuf  []byte
	haveCurrent bool

	bytesRead    uint64
	bytesWritten uint64
}

// compactDiskTables runs a full merge compaction: it merges the input
// tables, drops shadowed and dead entries, splits outputs on size and
// grandparent overlap, and atomically installs the result.
//
// d.mu must be held, and is released for the duration of the merge loop.
func (d *DB) compactDiskTables(c *compaction) (retErr error) {
	defer func() {
		if retErr != nil {
			d.opts.Logger.Errorf("mica: compaction of level %d failed: %v\n", c.level, retErr)
		}
	}()

	cs := &compactionState{c: c}
	if d.mu.snapshots.empty() {
		cs.smallestSnapshot = d.mu.versions.lastSequence
	} else {
		cs.smallestSnapshot = d.mu.snapshots.oldest()
	}

	d.opts.Logger.Infof("mica: compacting %d files at level %d with %d files at level %d\n",
		len(c.inputs[0]), c.level, len(c.inputs[1]), c.level+1)
	startTime := time.Now()

	// Release the d.mu lock while doing I/O.
	d.mu.Unlock()

	err := d.runCompactionMerge(cs)

	d.mu.Lock()

	if err == nil && d.shuttingDown.Load() {
		err = ErrClosed
	}
	if err != nil {
		d.cleanupCompaction(cs)
		return err
	}

	// Record statistics against the output level.
	elapsed := time.Since(startTime)
	outLevel := c.level + 1
	d.mu.stats[outLevel].bytesRead += cs.bytesRead
	d.mu.stats[outLevel].bytesWritten += cs.bytesWritten
	d.mu.stats[outLevel].duration += elapsed

	if err := d.installCompactionResults(cs); err != nil {
		d.cleanupCompaction(cs)
		return err
	}
	d.opts.Logger.Infof("mica: compacted to %d output files (%s) in %.1fs\n",
		len(cs.outputs), humanizeBytes(cs.bytesWritten), elapsed.Seconds())
	d.deleteObsoleteFiles()
	return nil
}

// runCompactionMerge is the compaction merge loop. It runs without the
// mutex held, reacquiring it only to open outputs, to flush a sealed
// memtable that showed up mid-compaction, and at the end.
func (d *DB) runCompactionMerge(cs *compactionState) error {
	c := cs.c
	ucmp := d.ucmp.Compare

	iter := d.newCompactionIter(c)
	defer iter.Close()

	var currentUserKey []byte
	haveCurrentUserKey := false
	lastSequenceForKey := base.SeqNumMax

	for iter.Next() {
		if d.shuttingDown.Load() {
			return ErrClosed
		}

		// Prioritize a pending memtable flush over the compaction: a
		// stalled flush backs up the write path, while a stalled
		// compaction only defers read amplification work.
		if d.hasImm.Load() {
			d.mu.Lock()
			if d.mu.imm != nil {
				if err := d.flushMemTable(); err != nil {
					d.mu.Unlock()
					return err
				}
				d.mu.backgroundWorkFinished.Broadcast()
			}
			d.mu.Unlock()
		}

		ekey := iter.Key()
		ikey := base.DecodeInternalKey(ekey)
		cs.bytesRead += uint64(len(ekey) + len(iter.Value()))

		drop := false
		if !ikey.Valid() {
			// Do not hide error keys behind dedup: emit them so that
			// readers (and the next compaction) surface the corruption.
			currentUserKey = nil
			haveCurrentUserKey = false
			lastSequenceForKey = base.SeqNumMax
		} else {
			if !haveCurrentUserKey || ucmp(ikey.UserKey, currentUserKey) != 0 {
				// First occurrence of this user key.
				currentUserKey = append(currentUserKey[:0], ikey.UserKey...)
				haveCurrentUserKey = true
				lastSequenceForKey = base.SeqNumMax
			}
			switch {
			case lastSequenceForKey <= cs.smallestSnapshot:
				// A newer entry of this user key was already emitted and
				// is visible to every live snapshot: this one is shadowed.
				drop = true
			case ikey.Kind() == base.InternalKeyKindDelete &&
				ikey.SeqNum() <= cs.smallestSnapshot &&
				c.isBaseLevelForUkey(ucmp, ikey.UserKey):
				// This deletion marker is visible to every live snapshot,
				// and there is no entry for the same user key in any lower
				// level: the tombstone has nothing left to shadow and can
				// itself be dropped.
				drop = true
			}
			lastSequenceForKey = ikey.SeqNum()
		}

		if drop {
			continue
		}

		// Close the current output if the next key would overlap too much
		// grandparent data.
		if cs.haveCurrent && c.shouldStopBefore(&d.mu.versions, ekey) {
			if err := d.finishCompactionOutput(cs); err != nil {
				return err
			}
		}

		if cs.builder == nil {
			if err := d.openCompactionOutput(cs); err != nil {
				return err
			}
		}
		if !cs.haveCurrent {
			cs.currentSmallest = base.DecodeInternalKey(ekey).Clone()
			cs.haveCurrent = true
		}
		cs.largestBuf = append(cs.largestBuf[:0], ekey...)
		if err := cs.builder.Add(ekey, iter.Value()); err != nil {
			return err
		}

		if cs.builder.EstimatedSize() >= cs.c.maxOutputFileSize {
			if err := d.finishCompactionOutput(cs); err != nil {
				return err
			}
		}
	}

	if cs.builder != nil {
		if err := d.finishCompactionOutput(cs); err != nil {
			return err
		}
	}
	return iter.Close()
}

// newCompactionIter constructs the merging iterator over the compaction's
// inputs: every level 0 input contributes its own table iterator; each
// non-zero input level contributes one concatenating iterator.
func (d *DB) newCompactionIter(c *compaction) internalIterator {
	var iters []internalIterator
	if c.level == 0 {
		for i := len(c.inputs[0]) - 1; i >= 0; i-- {
			f := c.inputs[0][i]
			iter, err := d.tableCache.find(f.fileNum, nil)
			if err != nil {
				iters = append(iters, &errorIter{err: err})
				continue
			}
			iters = append(iters, iter)
		}
	} else {
		iters = append(iters, newLevelIter(&d.tableCache, d.ucmp.Compare, c.inputs[0], nil))
	}
	iters = append(iters, newLevelIter(&d.tableCache, d.ucmp.Compare, c.inputs[1], nil))
	return newMergingIter(d.icmp.Compare, iters...)
}

// openCompactionOutput allocates a file number under the mutex, registers
// it as a pending output, and opens the output table writer.
func (d *DB) openCompactionOutput(cs *compactionState) error {
	d.mu.Lock()
	fileNum := d.mu.versions.nextFileNum()
	d.mu.pendingOutputs[fileNum] = true
	d.mu.Unlock()

	fs := d.opts.FS
	file, err := fs.Create(dbFilename(fs, d.dirname, fileTypeTable, fileNum))
	if err != nil {
		return err
	}
	cs.buildFile = file
	cs.buildNum = fileNum
	cs.builder = table.NewWriter(file, table.WriterOptions{
		Comparer:             d.icmp,
		BlockSize:            d.opts.BlockSize,
		BlockRestartInterval: d.opts.BlockRestartInterval,
		Compression:          d.opts.Compression,
		FilterPolicy:         d.internalFilterPolicy(),
	})
	cs.haveCurrent = false
	return nil
}

// finishCompactionOutput closes and syncs the current output, validates it
// through the table cache, and records its metadata.
func (d *DB) finishCompactionOutput(cs *compactionState) error {
	if err := cs.builder.Close(); err != nil {
		cs.builder = nil
		return err
	}
	cs.builder = nil
	if err := cs.buildFile.Sync(); err != nil {
		return err
	}
	stat, err := cs.buildFile.Stat()
	if err != nil {
		return err
	}
	if err := cs.buildFile.Close(); err != nil {
		cs.buildFile = nil
		return err
	}
	cs.buildFile = nil

	size := uint64(stat.Size())
	cs.bytesWritten += size

	// Verify that the table is usable.
	if err := d.tableCache.withReader(cs.buildNum, func(*table.Reader) error { return nil }); err != nil {
		return err
	}

	cs.outputs = append(cs.outputs,
		newFileMetadata(cs.buildNum, size, cs.currentSmallest,
			base.DecodeInternalKey(cs.largestBuf).Clone()))
	cs.haveCurrent = false
	return nil
}

// installCompactionResults applies the compaction's version edit: the
// inputs are deleted, the outputs are added at the next level, and the
// compaction pointer is persisted.
//
// d.mu must be held.
func (d *DB) installCompactionResults(cs *compactionState) error {
	c := cs.c
	ve := &versionEdit{}
	for i := 0; i < 2; i++ {
		for _, f := range c.inputs[i] {
			ve.deleteFile(c.level+i, f.fileNum)
		}
	}
	for _, meta := range cs.outputs {
		ve.newFiles = append(ve.newFiles, newFileEntry{level: c.level + 1, meta: meta})
	}
	ve.compactPointers = []compactPointerEntry{
		{c.level, d.mu.versions.compactPointer[c.level]},
	}
	if err := d.mu.versions.logAndApply(ve, &d.mu.Mutex); err != nil {
		return err
	}
	for _, meta := range cs.outputs {
		delete(d.mu.pendingOutputs, meta.fileNum)
	}
	return nil
}

// cleanupCompaction releases the pending outputs of a failed compaction.
// The output files themselves are removed by the next deleteObsoleteFiles
// pass once their numbers leave the pending set.
//
// d.mu must be held.
func (d *DB) cleanupCompaction(cs *compactionState) {
	if cs.builder != nil {
		cs.builder = nil
	}
	if cs.buildFile != nil {
		cs.buildFile.Close()
		cs.buildFile = nil
	}
	if cs.buildNum != 0 {
		delete(d.mu.pendingOutputs, cs.buildNum)
	}
	for _, meta := range cs.outputs {
		delete(d.mu.pendingOutputs, meta.fileNum)
	}
	d.deleteObsoleteFiles()
}

// CompactRange compacts the underlying storage for the user key range
// [begin, end]. A nil begin or end means unbounded on that side. In
// particular, deleted and overwritten versions within the range are
// discarded, and the data is rearranged to reduce the cost of operations
// needed to access the data.
func (d *DB) CompactRange(begin, end []byte) error {
	// Flush the memtable first so that everything within the range is in
	// table files.
	if err := d.Flush(); err != nil {
		return err
	}

	// Find the highest level with any file overlapping the range, and
	// compact the range down level by level.
	d.mu.Lock()
	maxLevel := 1
	cur := d.mu.versions.currentVersion()
	ucmp := d.ucmp.Compare
	for level := 1; level < numLevels; level++ {
		overlap := false
		if begin == nil && end == nil {
			overlap = len(cur.files[level]) > 0
		} else {
			lo, hi := begin, end
			if lo == nil && len(cur.files[level]) > 0 {
				lo = cur.files[level][0].smallest.UserKey
			}
			if hi == nil && len(cur.files[level]) > 0 {
				hi = cur.files[level][len(cur.files[level])-1].largest.UserKey
			}
			if lo != nil && hi != nil {
				overlap = cur.overlapInLevel(level, ucmp, lo, hi)
			}
		}
		if overlap {
			maxLevel = level
		}
	}
	d.mu.Unlock()

	for level := 0; level < maxLevel; level++ {
		if err := d.compactRangeLevel(level, begin, end); err != nil {
			return err
		}
	}
	return nil
}

// compactRangeLevel runs manual compactions at the given level until the
// whole [begin, end] range has been compacted into level+1.
func (d *DB) compactRangeLevel(level int, begin, end []byte) error {
	for {
		d.mu.Lock()
		if d.mu.bgError != nil {
			err := d.mu.bgError
			d.mu.Unlock()
			return err
		}
		if d.shuttingDown.Load() {
			d.mu.Unlock()
			return ErrClosed
		}
		if d.mu.manualCompaction != nil {
			// Another manual compaction is in flight; wait for it.
			d.mu.backgroundWorkFinished.Wait()
			d.mu.Unlock()
			continue
		}
		m := &manualCompaction{
			level: level,
			begin: begin,
			end:   end,
			cv:    make(chan struct{}),
		}
		d.mu.manualCompaction = m
		d.maybeScheduleCompaction()
		d.mu.Unlock()

		<-m.cv
		if m.err != nil {
			return m.err
		}
		// One manual compaction step compacts at most a bounded byte size
		// of the level; re-check whether any overlap remains.
		d.mu.Lock()
		remaining := len(pickManualCompactionInputs(&d.mu.versions, level, begin, end)) > 0
		d.mu.Unlock()
		if !remaining {
			return nil
		}
	}
}

// pickManualCompactionInputs returns the files at the given level still
// overlapping the manual compaction range.
func pickManualCompactionInputs(
	vs *versionSet, level int, begin, end []byte,
) []*fileMetadata {
	cur := vs.currentVersion()
	ucmp := vs.ucmp.Compare
	if len(cur.files[level]) == 0 {
		return nil
	}
	lo, hi := begin, end
	if lo == nil {
		smallest, _ := ikeyRange(ucmp, cur.files[level], nil)
		lo = smallest.UserKey
	}
	if hi == nil {
		_, largest := ikeyRange(ucmp, cur.files[level], nil)
		hi = largest.UserKey
	}
	return cur.overlaps(level, ucmp, lo, hi)
}

// deleteObsoleteFiles deletes those files that are no longer needed: table
// files referenced by no live version and not pending, WALs older than the
// current log, and manifests older than the current one.
//
// d.mu must be held when calling this, but the mutex may be dropped and
// re-acquired during the course of this method.
func (d *DB) deleteObsoleteFiles() {
	liveFileNums := make(map[uint64]bool)
	for fileNum := range d.mu.pendingOutputs {
		liveFileNums[fileNum] = true
	}
	d.mu.versions.addLiveFileNums(liveFileNums)
	logNumber := d.mu.versions.logNumber
	prevLogNumber := d.mu.versions.prevLogNumber
	manifestFileNumber := d.mu.versions.manifestFileNumber

	// Release the d.mu lock while doing I/O.
	// Note the unusual order: Unlock and then Lock.
	d.mu.Unlock()
	defer d.mu.Lock()

	fs := d.opts.FS
	list, err := fs.List(d.dirname)
	if err != nil {
		// Ignore any filesystem errors.
		return
	}
	for _, filename := range list {
		fileType, fileNum, ok := parseDBFilename(filename)
		if !ok {
			continue
		}
		keep := true
		switch fileType {
		case fileTypeLog:
			keep = fileNum >= logNumber || fileNum == prevLogNumber
		case fileTypeManifest:
			keep = fileNum >= manifestFileNumber
		case fileTypeTable:
			keep = liveFileNums[fileNum]
		case fileTypeTemp:
			keep = false
		}
		if keep {
			continue
		}
		if fileType == fileTypeTable {
			d.tableCache.evict(fileNum)
		}
		d.opts.Logger.Infof("mica: deleting obsolete file %s\n", filename)
		// Ignore any filesystem errors.
		fs.Remove(fs.PathJoin(d.dirname, filename))
	}
}
