// Copyright 2025 The Mica Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package mica

import (
	"bytes"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/mica/internal/base"
	"github.com/cockroachdb/mica/memdb"
	"github.com/cockroachdb/mica/record"
	"github.com/cockroachdb/mica/table"
)

// ErrDBDoesNotExist is returned by Open when CreateIfMissing is false and
// the database does not exist.
var ErrDBDoesNotExist = errors.New("mica: database does not exist")

// ErrDBAlreadyExists is returned by Open when ErrorIfExists is set and the
// database already exists.
var ErrDBAlreadyExists = errors.New("mica: database already exists")

// internalFilterPolicy wraps the user-supplied filter policy so that it
// operates on the user key portion of encoded internal keys: the trailer
// bytes would otherwise defeat the filter, since the same user key is
// stored under many trailers.
type internalFilterPolicy struct {
	userPolicy base.FilterPolicy
}

func (p internalFilterPolicy) Name() string {
	return p.userPolicy.Name()
}

func (p internalFilterPolicy) AppendFilter(dst []byte, keys [][]byte) []byte {
	ukeys := make([][]byte, len(keys))
	for i, k := range keys {
		ukeys[i] = base.DecodeInternalKey(k).UserKey
	}
	return p.userPolicy.AppendFilter(dst, ukeys)
}

func (p internalFilterPolicy) MayContain(filter, key []byte) bool {
	return p.userPolicy.MayContain(filter, base.DecodeInternalKey(key).UserKey)
}

// internalFilterPolicy returns the filter policy to hand to table writers
// and readers, or nil if filtering is disabled.
func (d *DB) internalFilterPolicy() base.FilterPolicy {
	if d.opts.FilterPolicy == nil {
		return nil
	}
	return internalFilterPolicy{userPolicy: d.opts.FilterPolicy}
}

// Open opens a DB whose files live in the given directory.
func Open(dirname string, opts *Options) (db *DB, retErr error) {
	opts = opts.EnsureDefaults()
	d := &DB{
		dirname: dirname,
		opts:    opts,
		ucmp:    opts.Comparer,
		icmp:    base.MakeInternalComparer(opts.Comparer),
	}
	fs := opts.FS
	d.mu.backgroundWorkFinished = sync.NewCond(&d.mu.Mutex)
	d.mu.mem = memdb.New(d.icmp.Compare)
	d.mu.pendingOutputs = make(map[uint64]bool)
	d.mu.snapshots.init()
	d.mu.versions.init(dirname, opts)

	tableCacheSize := opts.MaxOpenFiles - numNonTableCacheFiles
	if tableCacheSize < minTableCacheSize {
		tableCacheSize = minTableCacheSize
	}
	d.tableCache.init(dirname, fs, table.ReaderOptions{
		Comparer:        d.icmp,
		FilterPolicy:    d.internalFilterPolicy(),
		VerifyChecksums: opts.ParanoidChecks,
		Cache:           opts.BlockCache,
	}, tableCacheSize)

	d.mu.Lock()
	defer d.mu.Unlock()

	// Lock the database directory.
	if err := fs.MkdirAll(dirname, 0755); err != nil {
		return nil, err
	}
	fileLock, err := fs.Lock(dbFilename(fs, dirname, fileTypeLock, 0))
	if err != nil {
		return nil, err
	}
	defer func() {
		if fileLock != nil {
			fileLock.Close()
		}
	}()

	if _, err := fs.Stat(dbFilename(fs, dirname, fileTypeCurrent, 0)); os.IsNotExist(err) {
		// Create the DB if it did not already exist.
		if !opts.CreateIfMissing {
			return nil, errors.Wrapf(ErrDBDoesNotExist, "dirname=%q", dirname)
		}
		if err := d.mu.versions.create(); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, errors.Wrapf(err, "mica: database %q", dirname)
	} else if opts.ErrorIfExists {
		return nil, errors.Wrapf(ErrDBAlreadyExists, "dirname=%q", dirname)
	} else {
		// Load the version set.
		if err := d.mu.versions.load(); err != nil {
			return nil, err
		}
	}

	// Replay any newer log files than the ones named in the manifest.
	type fileNumAndName struct {
		num  uint64
		name string
	}
	var logFiles []fileNumAndName
	ls, err := fs.List(dirname)
	if err != nil {
		return nil, err
	}
	for _, filename := range ls {
		ft, fn, ok := parseDBFilename(filename)
		if ok && ft == fileTypeLog &&
			(fn >= d.mu.versions.logNumber || fn == d.mu.versions.prevLogNumber) {
			logFiles = append(logFiles, fileNumAndName{fn, filename})
		}
	}
	sort.Slice(logFiles, func(i, j int) bool {
		return logFiles[i].num < logFiles[j].num
	})

	var ve versionEdit
	var replayedMem *memdb.MemDB
	var reuseLogNumber uint64
	for i, lf := range logFiles {
		lastLog := i == len(logFiles)-1
		maxSeqNum, mem, clean, err := d.replayLogFile(&ve, lf.num, fs.PathJoin(dirname, lf.name))
		if err != nil {
			return nil, err
		}
		d.mu.versions.markFileNumUsed(lf.num)
		if d.mu.versions.lastSequence < maxSeqNum {
			d.mu.versions.lastSequence = maxSeqNum
		}
		if lastLog && clean && opts.ReuseLogs {
			// The final WAL replayed cleanly: adopt its surviving memtable
			// and keep appending to the same file.
			replayedMem = mem
			reuseLogNumber = lf.num
		} else if mem != nil && !mem.Empty() {
			bt, err := d.writeLevel0Table(mem, d.mu.versions.currentVersion(), true)
			if err != nil {
				return nil, err
			}
			ve.newFiles = append(ve.newFiles, newFileEntry{level: bt.targetLevel, meta: bt.meta})
			// Strictly speaking, it's too early to delete the file number
			// from pendingOutputs, but replay happens before Open returns,
			// so no deleteObsoleteFiles call can race with it.
			delete(d.mu.pendingOutputs, bt.meta.fileNum)
		}
	}

	if reuseLogNumber != 0 {
		// Reuse the tail WAL. The record framing resynchronizes only at
		// block boundaries, so pad the existing tail out to one: replay
		// treats the zeroed remainder of a block as padding and skips it.
		logFile, err := fs.OpenForAppend(dbFilename(fs, dirname, fileTypeLog, reuseLogNumber))
		if err != nil {
			return nil, err
		}
		if stat, err := logFile.Stat(); err != nil {
			logFile.Close()
			return nil, err
		} else if rem := stat.Size() % record.BlockSize; rem != 0 {
			if _, err := logFile.Write(make([]byte, record.BlockSize-rem)); err != nil {
				logFile.Close()
				return nil, err
			}
		}
		d.mu.logNumber = reuseLogNumber
		d.mu.logFile = logFile
		d.mu.log = record.NewWriter(logFile)
		if replayedMem != nil {
			d.mu.mem = replayedMem
		}
		ve.logNumber = reuseLogNumber
	} else {
		// Create an empty fresh WAL.
		newLogNumber := d.mu.versions.nextFileNum()
		logFile, err := fs.Create(dbFilename(fs, dirname, fileTypeLog, newLogNumber))
		if err != nil {
			return nil, err
		}
		d.mu.logNumber = newLogNumber
		d.mu.logFile = logFile
		d.mu.log = record.NewWriter(logFile)
		ve.logNumber = newLogNumber
	}

	// Write a new manifest to disk, making the replayed state durable.
	if err := d.mu.versions.logAndApply(&ve, &d.mu.Mutex); err != nil {
		return nil, err
	}

	d.deleteObsoleteFiles()
	d.maybeScheduleCompaction()

	d.fileLock, fileLock = fileLock, nil
	return d, nil
}

// replayLogFile replays the batches in the named log file into a fresh
// memtable, flushing to level-0 tables whenever the memtable fills. It
// returns the maximum sequence number observed, the final (possibly
// non-empty) memtable, and whether the log was read to a clean end.
//
// d.mu must be held, but may be dropped and re-acquired while flushing.
func (d *DB) replayLogFile(
	ve *versionEdit, logNum uint64, filename string,
) (maxSeqNum base.SeqNum, mem *memdb.MemDB, clean bool, err error) {
	d.opts.Logger.Infof("mica: replaying WAL %06d\n", logNum)
	file, err := d.opts.FS.Open(filename)
	if err != nil {
		return 0, nil, false, err
	}
	defer file.Close()

	var (
		b        Batch
		buf      bytes.Buffer
		rr       = record.NewReader(file)
	)
	clean = true
	for {
		r, err := rr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if record.IsInvalidRecord(err) && !d.opts.ParanoidChecks {
				// A torn record at the tail of the WAL is the expected
				// remnant of a crash mid-write: everything before it was
				// durable, and nothing after it was acknowledged.
				d.opts.Logger.Infof("mica: WAL %s: truncating at torn record: %v\n", filename, err)
				clean = false
				break
			}
			return 0, nil, false, base.MarkCorruptionError(err)
		}
		buf.Reset()
		if _, err := io.Copy(&buf, r); err != nil {
			if record.IsInvalidRecord(err) && !d.opts.ParanoidChecks {
				d.opts.Logger.Infof("mica: WAL %s: truncating at torn record: %v\n", filename, err)
				clean = false
				break
			}
			return 0, nil, false, base.MarkCorruptionError(err)
		}

		if buf.Len() < batchHeaderLen {
			return 0, nil, false, base.CorruptionErrorf("mica: corrupt WAL %s (short batch)", filename)
		}
		if err := b.SetRepr(append([]byte(nil), buf.Bytes()...)); err != nil {
			return 0, nil, false, err
		}
		seqNum := b.seqNum()
		seqNum1 := seqNum + base.SeqNum(b.Count())
		if maxSeqNum < seqNum1 {
			maxSeqNum = seqNum1
		}

		if mem == nil {
			mem = memdb.New(d.icmp.Compare)
		}
		if err := b.apply(mem, seqNum); err != nil {
			return 0, nil, false, base.CorruptionErrorf("mica: corrupt WAL %s: %v", filename, err)
		}

		if mem.ApproximateMemoryUsage() > uint64(d.opts.WriteBufferSize) {
			bt, err := d.writeLevel0Table(mem, d.mu.versions.currentVersion(), true)
			if err != nil {
				return 0, nil, false, err
			}
			ve.newFiles = append(ve.newFiles, newFileEntry{level: bt.targetLevel, meta: bt.meta})
			delete(d.mu.pendingOutputs, bt.meta.fileNum)
			mem = nil
		}
	}

	return maxSeqNum, mem, clean, nil
}

// DestroyDB removes all files belonging to the database in the given
// directory. It does nothing to files that the database would not have
// created, and removes the directory itself only if that leaves it empty.
func DestroyDB(dirname string, opts *Options) error {
	opts = opts.EnsureDefaults()
	fs := opts.FS

	list, err := fs.List(dirname)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	// Hold the lock while deleting, so that a live DB cannot be destroyed
	// out from under itself.
	fileLock, err := fs.Lock(dbFilename(fs, dirname, fileTypeLock, 0))
	if err != nil {
		return err
	}

	var firstErr error
	for _, filename := range list {
		ft, _, ok := parseDBFilename(filename)
		if !ok || ft == fileTypeLock {
			// The lock file is deleted last, and unknown files not at all.
			continue
		}
		if err := fs.Remove(fs.PathJoin(dirname, filename)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	fileLock.Close()
	if err := fs.Remove(dbFilename(fs, dirname, fileTypeLock, 0)); err != nil && firstErr == nil {
		firstErr = err
	}
	// Removing the directory fails if foreign files remain in it; ignore.
	fs.Remove(dirname)
	return firstErr
}

const (
	// minTableCacheSize is the minimum size of the table cache.
	minTableCacheSize = 64

	// numNonTableCacheFiles is an approximation of the number of open file
	// descriptors the DB uses for purposes other than table reading: the
	// WAL, the manifest, the lock file and the operational log.
	numNonTableCacheFiles = 10
)
