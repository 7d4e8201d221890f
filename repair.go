// Copyright 2025 The Mica Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package mica

import (
	"bytes"
	"io"
	"sort"

	"github.com/cockroachdb/mica/internal/base"
	"github.com/cockroachdb/mica/memdb"
	"github.com/cockroachdb/mica/record"
	"github.com/cockroachdb/mica/table"
	"github.com/cockroachdb/mica/vfs"
)

// RepairDB attempts to salvage as much data as possible from a database
// whose manifest is missing or corrupt. It rebuilds the database state from
// the raw files in the directory: every readable table file is kept, every
// WAL is converted into a table, and a fresh manifest describing them is
// written.
//
// All recovered tables are registered at level 0, since their original
// levels are unknown. Some data may be lost (unreadable tables or records)
// and some previously deleted or overwritten data may resurface: a
// tombstone that lived in a lost table no longer shadows what lies beneath
// it.
func RepairDB(dirname string, opts *Options) (retErr error) {
	opts = opts.EnsureDefaults()
	fs := opts.FS
	icmp := base.MakeInternalComparer(opts.Comparer)

	fileLock, err := fs.Lock(dbFilename(fs, dirname, fileTypeLock, 0))
	if err != nil {
		return err
	}
	defer func() {
		retErr = firstError(retErr, fileLock.Close())
	}()

	list, err := fs.List(dirname)
	if err != nil {
		return err
	}
	var tableNums, logNums, manifestNums []uint64
	nextFileNumber := uint64(2)
	for _, filename := range list {
		ft, fn, ok := parseDBFilename(filename)
		if !ok {
			continue
		}
		if fn >= nextFileNumber {
			nextFileNumber = fn + 1
		}
		switch ft {
		case fileTypeTable:
			tableNums = append(tableNums, fn)
		case fileTypeLog:
			logNums = append(logNums, fn)
		case fileTypeManifest:
			manifestNums = append(manifestNums, fn)
		}
	}
	sort.Slice(logNums, func(i, j int) bool { return logNums[i] < logNums[j] })

	ve := versionEdit{comparatorName: opts.Comparer.Name}
	var maxSeqNum base.SeqNum

	// Keep every table whose bounds can be recovered by scanning it.
	for _, fn := range tableNums {
		meta, err := scanTable(fs, dirname, fn, icmp)
		if err != nil {
			opts.Logger.Errorf("mica: repair: dropping unreadable table %06d: %v\n", fn, err)
			continue
		}
		if meta == nil {
			// Empty table: nothing worth keeping.
			fs.Remove(dbFilename(fs, dirname, fileTypeTable, fn))
			continue
		}
		if s := meta.largest.SeqNum(); s > maxSeqNum {
			maxSeqNum = s
		}
		ve.newFiles = append(ve.newFiles, newFileEntry{level: 0, meta: meta})
	}

	// Convert every WAL into a table, stopping each at the first
	// unreadable record.
	for _, fn := range logNums {
		meta, seqNum, err := convertLogToTable(fs, dirname, fn, &nextFileNumber, icmp, opts)
		if err != nil {
			opts.Logger.Errorf("mica: repair: dropping unreadable WAL %06d: %v\n", fn, err)
		}
		if meta != nil {
			if seqNum > maxSeqNum {
				maxSeqNum = seqNum
			}
			ve.newFiles = append(ve.newFiles, newFileEntry{level: 0, meta: meta})
		}
		fs.Remove(dbFilename(fs, dirname, fileTypeLog, fn))
	}

	// Level 0 tables may overlap freely, but their fileNum order must
	// agree with their sequence number order for reads to prefer newer
	// data. Scanned tables carry their original numbers and converted WALs
	// get fresh, higher ones, so sorting by fileNum preserves recency.
	sort.Slice(ve.newFiles, func(i, j int) bool {
		return ve.newFiles[i].meta.fileNum < ve.newFiles[j].meta.fileNum
	})

	// Write the new manifest and point CURRENT at it.
	manifestNum := nextFileNumber
	nextFileNumber++
	ve.nextFileNumber = nextFileNumber
	ve.lastSequence = maxSeqNum

	manifestName := dbFilename(fs, dirname, fileTypeManifest, manifestNum)
	f, err := fs.Create(manifestName)
	if err != nil {
		return err
	}
	m := record.NewWriter(f)
	w, err := m.Next()
	if err != nil {
		return err
	}
	if err := ve.encode(w); err != nil {
		return err
	}
	if err := m.Close(); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := setCurrentFile(dirname, fs, manifestNum); err != nil {
		return err
	}

	// The old manifests are superseded.
	for _, fn := range manifestNums {
		fs.Remove(dbFilename(fs, dirname, fileTypeManifest, fn))
	}
	return nil
}

// scanTable iterates the whole table to recover its key bounds. It returns
// a nil fileMetadata for an empty table.
func scanTable(
	fs vfs.FS, dirname string, fileNum uint64, icmp *base.Comparer,
) (*fileMetadata, error) {
	filename := dbFilename(fs, dirname, fileTypeTable, fileNum)
	f, err := fs.Open(filename)
	if err != nil {
		return nil, err
	}
	r, err := table.NewReader(f, table.ReaderOptions{
		Comparer:        icmp,
		VerifyChecksums: true,
	})
	if err != nil {
		f.Close()
		return nil, err
	}
	defer r.Close()

	stat, err := fs.Stat(filename)
	if err != nil {
		return nil, err
	}

	iter := r.NewIter()
	var smallest, largest base.InternalKey
	var largestBuf []byte
	n := 0
	for iter.Next() {
		if n == 0 {
			smallest = base.DecodeInternalKey(iter.Key()).Clone()
		}
		largestBuf = append(largestBuf[:0], iter.Key()...)
		n++
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	largest = base.DecodeInternalKey(largestBuf).Clone()
	return newFileMetadata(fileNum, uint64(stat.Size()), smallest, largest), nil
}

// convertLogToTable replays the readable prefix of a WAL into a memtable
// and writes that memtable out as a table file. It returns a nil
// fileMetadata if the WAL held no recoverable entries.
func convertLogToTable(
	fs vfs.FS, dirname string, logNum uint64, nextFileNumber *uint64,
	icmp *base.Comparer, opts *Options,
) (*fileMetadata, base.SeqNum, error) {
	f, err := fs.Open(dbFilename(fs, dirname, fileTypeLog, logNum))
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	mem := memdb.New(icmp.Compare)
	var maxSeqNum base.SeqNum
	var buf bytes.Buffer
	var b Batch
	rr := record.NewReader(f)
	for {
		r, err := rr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Salvage what was read so far.
			break
		}
		buf.Reset()
		if _, err := io.Copy(&buf, r); err != nil {
			break
		}
		if buf.Len() < batchHeaderLen {
			break
		}
		if err := b.SetRepr(append([]byte(nil), buf.Bytes()...)); err != nil {
			break
		}
		seqNum := b.seqNum()
		if err := b.apply(mem, seqNum); err != nil {
			break
		}
		if end := seqNum + base.SeqNum(b.Count()); end > maxSeqNum {
			maxSeqNum = end
		}
	}
	if mem.Empty() {
		return nil, 0, nil
	}

	fileNum := *nextFileNumber
	*nextFileNumber++
	filename := dbFilename(fs, dirname, fileTypeTable, fileNum)
	out, err := fs.Create(filename)
	if err != nil {
		return nil, 0, err
	}
	tw := table.NewWriter(out, table.WriterOptions{
		Comparer:             icmp,
		BlockSize:            opts.BlockSize,
		BlockRestartInterval: opts.BlockRestartInterval,
		Compression:          opts.Compression,
	})
	iter := mem.NewIter()
	defer iter.Close()
	var smallest, largest base.InternalKey
	first := true
	for valid := iter.First(); valid; valid = iter.Next() {
		if first {
			smallest = base.DecodeInternalKey(iter.Key()).Clone()
			first = false
		}
		largest = base.DecodeInternalKey(iter.Key())
		if err := tw.Add(iter.Key(), iter.Value()); err != nil {
			out.Close()
			fs.Remove(filename)
			return nil, 0, err
		}
	}
	largest = largest.Clone()
	if err := tw.Close(); err != nil {
		out.Close()
		fs.Remove(filename)
		return nil, 0, err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		fs.Remove(filename)
		return nil, 0, err
	}
	stat, err := out.Stat()
	if err != nil {
		out.Close()
		return nil, 0, err
	}
	if err := out.Close(); err != nil {
		return nil, 0, err
	}
	return newFileMetadata(fileNum, uint64(stat.Size()), smallest, largest), maxSeqNum, nil
}
