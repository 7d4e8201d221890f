// Copyright 2025 The Mica Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package mica provides an ordered key/value store built on a
// log-structured merge tree.
//
// The store maps opaque byte-string keys to opaque byte-string values,
// preserves a user-defined total order over keys, and supports point
// lookups, ordered range scans, snapshots, and atomic batched mutation.
// Data is persisted durably on a local filesystem: fresh writes land in a
// write-ahead log plus an in-memory sorted buffer, buffers are flushed to
// immutable sorted files, and background compactions merge those files
// across levels while preserving snapshot visibility.
package mica // import "github.com/cockroachdb/mica"

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/mica/internal/base"
	"github.com/cockroachdb/mica/memdb"
	"github.com/cockroachdb/mica/record"
	"github.com/cockroachdb/mica/vfs"
)

// ErrNotFound means that a get call did not find the requested key.
var ErrNotFound = base.ErrNotFound

// ErrClosed is returned for operations on a closed DB.
var ErrClosed = errors.New("mica: closed")

var errClosedIterator = errors.New("mica: closed iterator")

// IsCorruptionError reports whether the error indicates on-disk corruption.
func IsCorruptionError(err error) bool {
	return base.IsCorruptionError(err)
}

// writer is one queued write: a batch, the durability its caller asked for,
// and the condition variable its caller waits on. The writer at the head of
// the queue is the leader; it commits a group of writers in one shot and
// hands each of them the shared outcome.
type writer struct {
	// batch is nil for a forced memtable rotation (Flush).
	batch *Batch
	sync  bool

	done bool
	err  error
	cv   *sync.Cond
}

// DB is the database coordinator: it serializes incoming writes into the
// write-ahead log and the memtable, decides when to seal and flush
// memtables, schedules background compactions, and mediates reader/writer
// concurrency under a single mutex and one background worker.
type DB struct {
	dirname string
	opts    *Options
	ucmp    *base.Comparer
	icmp    *base.Comparer

	// tableCache provides its own synchronization.
	tableCache tableCache

	// fileLock holds the filesystem lock on the database directory for the
	// lifetime of the open DB.
	fileLock io.Closer

	// hasImm mirrors mu.imm != nil so that the compaction merge loop can
	// poll for pending flush work without taking the mutex.
	hasImm atomic.Bool
	// shuttingDown is set by Close; the background worker polls it between
	// output files.
	shuttingDown atomic.Bool

	// mu guards every field of the inner struct. The write path and the
	// background worker release it around file I/O; the commented
	// invariants below say which transitions are legal at those suspension
	// points.
	mu struct {
		sync.Mutex

		// backgroundWorkFinished is broadcast when the background worker
		// finishes a unit of work: imm has been flushed, or a compaction
		// has completed, or the worker has exited.
		backgroundWorkFinished *sync.Cond

		// mem is the mutable memtable, never nil while the DB is open. imm
		// is the sealed memtable being flushed, or nil. mem's sequence
		// numbers are all higher than imm's, and imm's sequence numbers
		// are all higher than those of the on-disk tables.
		mem *memdb.MemDB
		imm *memdb.MemDB

		// log is the write-ahead log for mem. Only the head of the writer
		// queue appends to it, with the mutex released.
		log       *record.Writer
		logFile   vfs.File
		logNumber uint64

		versions  versionSet
		snapshots snapshotList

		// writers is the FIFO queue of pending writes. writers[0] is the
		// leader: the only writer that may hold the log and memtable
		// outside the mutex.
		writers []*writer
		// tmpBatch is the reusable scratch batch that group commit merges
		// follower batches into.
		tmpBatch Batch

		// pendingOutputs holds file numbers that have been handed to an
		// in-flight flush or compaction but are not yet referenced by any
		// version. Files in this set must not be deleted.
		pendingOutputs map[uint64]bool

		// compactionScheduled is whether the background worker is running
		// or scheduled. At most one background worker exists at a time.
		compactionScheduled bool

		// manualCompaction is the in-progress manual compaction request,
		// if any.
		manualCompaction *manualCompaction

		// bgError is the first error encountered by background work. Once
		// set, every subsequent write fails with it: retrying against a
		// half-flushed state could persist inconsistent data.
		bgError error

		// stats[level] accumulates the compaction statistics for data
		// produced at that level.
		stats [numLevels]levelStats

		closed bool
	}
}

// Set sets the value for the given key. It is equivalent to applying a
// one-element batch.
func (d *DB) Set(key, value []byte, opts *WriteOptions) error {
	b := new(Batch)
	b.Set(key, value)
	return d.Apply(b, opts)
}

// Delete deletes the value for the given key. Deleting a key that has no
// value is not an error.
func (d *DB) Delete(key []byte, opts *WriteOptions) error {
	b := new(Batch)
	b.Delete(key)
	return d.Apply(b, opts)
}

// Apply atomically applies the batch to the DB. The batch's operations
// become durable per opts.Sync before Apply returns.
func (d *DB) Apply(batch *Batch, opts *WriteOptions) error {
	if batch == nil || batch.Empty() {
		return nil
	}
	if batch.Count() == invalidBatchCount {
		return ErrInvalidBatch
	}
	return d.commitWrite(batch, opts.getSync())
}

// commitWrite runs the queued-group-commit protocol. A nil batch forces a
// memtable rotation without writing anything (see Flush).
func (d *DB) commitWrite(batch *Batch, sync bool) error {
	w := &writer{batch: batch, sync: sync}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.mu.closed || d.shuttingDown.Load() {
		return ErrClosed
	}

	w.cv = d.newWriterCond()
	d.mu.writers = append(d.mu.writers, w)
	for !w.done && d.mu.writers[0] != w {
		w.cv.Wait()
	}
	if w.done {
		// A previous leader committed this batch as part of its group.
		return w.err
	}

	// This writer is the leader.
	err := d.makeRoomForWrite(batch == nil)
	lastWriter := w
	if err == nil && batch != nil {
		group := d.buildBatchGroup(&lastWriter)
		seqNum := d.mu.versions.lastSequence + 1
		group.setSeqNum(seqNum)
		count := group.Count()
		d.mu.versions.lastSequence += base.SeqNum(count)

		// Add the record to the log and apply it to the memtable. We can
		// release the lock during this phase since the leader is the only
		// writer that may touch the log and mem.
		mem := d.mu.mem
		log := d.mu.log
		logFile := d.mu.logFile
		d.mu.Unlock()

		if _, err = log.WriteRecord(group.Repr()); err == nil {
			if group.sync() {
				if err = log.Flush(); err == nil {
					err = logFile.Sync()
				}
			}
			if err == nil {
				err = group.apply(mem, seqNum)
			}
		}

		d.mu.Lock()
		if err != nil {
			// The state of the log is now unknown: a partially appended
			// record would corrupt replay ordering if we kept going, so
			// latch the error and fail all future writes.
			d.recordBackgroundError(err)
		}
		if group.Batch == &d.mu.tmpBatch {
			d.mu.tmpBatch.Reset()
		}
	}

	// Pop the committed group off the queue and hand each member the
	// shared outcome.
	for {
		ready := d.mu.writers[0]
		d.mu.writers = d.mu.writers[1:]
		if ready != w {
			ready.err = err
			ready.done = true
			ready.cv.Signal()
		}
		if ready == lastWriter {
			break
		}
	}
	// Notify the new head of the write queue.
	if len(d.mu.writers) > 0 {
		d.mu.writers[0].cv.Signal()
	}
	return err
}

func (d *DB) newWriterCond() *sync.Cond {
	return sync.NewCond(&d.mu.Mutex)
}

// groupBatch is the merged batch a leader commits, remembering whether any
// member asked for sync.
type groupBatch struct {
	*Batch
	syncWanted bool
}

func (g groupBatch) sync() bool { return g.syncWanted }

// buildBatchGroup merges the leader's batch with as many queued followers
// as fit under the group size cap. It never upgrades a non-sync leader to
// sync: a follower that wants sync ends the group instead, so that the
// durability a caller asked for is paid for by a leader that shares it.
//
// d.mu must be held. The returned batch is either the leader's own batch or
// d.mu.tmpBatch.
func (d *DB) buildBatchGroup(lastWriter **writer) groupBatch {
	first := d.mu.writers[0]
	result := first.batch
	size := first.batch.size()
	syncWanted := first.sync

	// Allow the group to grow up to a maximum size, but if the original
	// write is small, limit the growth so we do not slow down the small
	// write too much.
	maxSize := 1 << 20
	if size <= 128<<10 {
		maxSize = size + (128 << 10)
	}

	*lastWriter = first
	for _, w := range d.mu.writers[1:] {
		if w.batch == nil {
			// A forced memtable rotation (see Flush) leads its own group.
			break
		}
		if w.sync && !first.sync {
			// Do not include a sync write into a batch handled by a
			// non-sync write.
			break
		}
		if w.batch != nil {
			size += w.batch.size()
			if size > maxSize {
				// Do not make batch too big.
				break
			}
			if result == first.batch {
				// Switch to the temporary batch instead of disturbing the
				// caller's batch.
				d.mu.tmpBatch.append(first.batch)
				result = &d.mu.tmpBatch
			}
			d.mu.tmpBatch.append(w.batch)
		}
		*lastWriter = w
	}
	return groupBatch{Batch: result, syncWanted: syncWanted}
}

// makeRoomForWrite ensures that there is room in d.mu.mem for the next
// write, rotating the WAL and memtable when the buffer fills, throttling
// the writer when level 0 backs up, and surfacing any latched background
// error. force requests a rotation even if the memtable has room.
//
// d.mu must be held when calling this, but the mutex may be dropped and
// re-acquired during the course of this method. The caller must be the
// head of the writer queue.
func (d *DB) makeRoomForWrite(force bool) error {
	allowDelay := !force
	for {
		if d.mu.bgError != nil {
			// Yield previous background work error.
			return d.mu.bgError
		}

		if allowDelay && len(d.mu.versions.currentVersion().files[0]) >= l0SlowdownWritesTrigger {
			// We are getting close to hitting a hard limit on the number
			// of L0 files. Rather than delaying a single write by several
			// seconds when we hit the hard limit, start delaying each
			// individual write by 1ms to reduce latency variance. Also,
			// this delay hands over some CPU to the compaction thread in
			// case it is sharing the same core as the writer.
			d.mu.Unlock()
			time.Sleep(1 * time.Millisecond)
			d.mu.Lock()
			// Do not delay a single write more than once.
			allowDelay = false
			continue
		}

		if !force && d.mu.mem.ApproximateMemoryUsage() <= uint64(d.opts.WriteBufferSize) {
			// There is room in the current memtable.
			return nil
		}

		if d.mu.imm != nil {
			// We have filled up the current memtable, but the previous one
			// is still being flushed, so we wait.
			d.opts.Logger.Infof("mica: waiting for memtable flush\n")
			d.mu.backgroundWorkFinished.Wait()
			continue
		}

		if len(d.mu.versions.currentVersion().files[0]) >= l0StopWritesTrigger {
			// There are too many level-0 files.
			d.opts.Logger.Infof("mica: waiting, too many level-0 files\n")
			d.mu.backgroundWorkFinished.Wait()
			continue
		}

		// Attempt to switch to a new memtable and trigger flush of old.
		newLogNumber := d.mu.versions.nextFileNum()
		newLogFile, err := d.opts.FS.Create(dbFilename(d.opts.FS, d.dirname, fileTypeLog, newLogNumber))
		if err != nil {
			return err
		}
		newLog := record.NewWriter(newLogFile)
		if err := d.mu.log.Close(); err != nil {
			newLogFile.Close()
			return err
		}
		if err := d.mu.logFile.Close(); err != nil {
			newLogFile.Close()
			return err
		}
		d.mu.logNumber, d.mu.logFile, d.mu.log = newLogNumber, newLogFile, newLog
		d.mu.imm, d.mu.mem = d.mu.mem, memdb.New(d.icmp.Compare)
		d.hasImm.Store(true)
		force = false
		d.maybeScheduleCompaction()
	}
}

// recordBackgroundError latches the first background error. Every write
// after this point fails with it.
//
// d.mu must be held.
func (d *DB) recordBackgroundError(err error) {
	if d.mu.bgError == nil {
		d.mu.bgError = err
		d.opts.Logger.Errorf("mica: background error: %v\n", err)
		d.mu.backgroundWorkFinished.Broadcast()
	}
}

// Get gets the value for the given key. It returns ErrNotFound if the DB
// does not contain the key.
func (d *DB) Get(key []byte, opts *ReadOptions) ([]byte, error) {
	d.mu.Lock()
	if d.mu.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	seqNum := d.mu.versions.lastSequence
	if opts != nil && opts.Snapshot != nil {
		if opts.Snapshot.db != d {
			d.mu.Unlock()
			return nil, errors.New("mica: snapshot does not belong to this DB")
		}
		seqNum = opts.Snapshot.seqNum
	}
	current := d.mu.versions.currentVersion()
	current.ref()
	mem, imm := d.mu.mem, d.mu.imm
	d.mu.Unlock()

	value, chargedFile, chargedLevel, err := d.getImpl(current, mem, imm, key, seqNum)

	d.mu.Lock()
	if chargedFile != nil {
		chargedFile.allowedSeeks--
		if chargedFile.allowedSeeks <= 0 && current.fileToCompact == nil {
			current.fileToCompact = chargedFile
			current.fileToCompactLevel = chargedLevel
			d.maybeScheduleCompaction()
		}
	}
	current.unref()
	d.mu.Unlock()
	return value, err
}

func (d *DB) getImpl(
	current *version, mem, imm *memdb.MemDB, key []byte, seqNum base.SeqNum,
) (value []byte, chargedFile *fileMetadata, chargedLevel int, err error) {
	// Look in the memtables before going to the on-disk current version:
	// their entries are newer than anything on disk.
	for _, m := range [2]*memdb.MemDB{mem, imm} {
		if m == nil {
			continue
		}
		value, conclusive, err := m.Get(d.ucmp.Compare, key, seqNum)
		if conclusive {
			return value, nil, 0, err
		}
	}
	return current.get(&d.tableCache, d.ucmp.Compare, key, seqNum)
}

// NewIter returns an iterator over the DB's contents, pinned to the state
// visible when NewIter was called (or to opts.Snapshot if one is given).
// The iterator is initially unpositioned: call First or SeekGE.
func (d *DB) NewIter(opts *ReadOptions) *Iterator {
	d.mu.Lock()
	defer d.mu.Unlock()
	seqNum := d.mu.versions.lastSequence
	if opts != nil && opts.Snapshot != nil {
		seqNum = opts.Snapshot.seqNum
	}
	current := d.mu.versions.currentVersion()
	current.ref()
	return &Iterator{
		d:       d,
		seqNum:  seqNum,
		mem:     d.mu.mem,
		imm:     d.mu.imm,
		version: current,
	}
}

// NewSnapshot returns a point-in-time view of the current DB state. Callers
// must call Close on the returned snapshot when done.
func (d *DB) NewSnapshot() *Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mu.snapshots.pushBack(d, d.mu.versions.lastSequence)
}

// Flush forces the current memtable contents to be written to a table file.
// It blocks until the flush completes.
func (d *DB) Flush() error {
	// Passing a nil batch through the write queue forces a memtable
	// rotation once every prior queued write has committed.
	if err := d.commitWrite(nil, false); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.mu.imm != nil && d.mu.bgError == nil {
		d.mu.backgroundWorkFinished.Wait()
	}
	return d.mu.bgError
}

// Close closes the DB: it sets the shutdown flag, waits for the background
// worker to finish, closes the WAL and table cache, and releases the
// filesystem lock. It is an error to use the DB after Close.
//
// Close does not flush the memtable: its contents are in the WAL and will
// be recovered by the next Open.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mu.closed {
		return nil
	}
	d.shuttingDown.Store(true)
	for d.mu.compactionScheduled {
		d.mu.backgroundWorkFinished.Wait()
	}
	d.mu.closed = true

	var err error
	if d.mu.log != nil {
		err = firstError(err, d.mu.log.Close())
		d.mu.log = nil
	}
	if d.mu.logFile != nil {
		err = firstError(err, d.mu.logFile.Close())
		d.mu.logFile = nil
	}
	err = firstError(err, d.mu.versions.close())
	err = firstError(err, d.tableCache.Close())
	if d.fileLock != nil {
		err = firstError(err, d.fileLock.Close())
		d.fileLock = nil
	}
	return err
}

// firstError returns the first non-nil error of err0 and err1, or nil if
// both are nil.
func firstError(err0, err1 error) error {
	if err0 != nil {
		return err0
	}
	return err1
}
