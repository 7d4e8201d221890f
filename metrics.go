// Copyright 2025 The Mica Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package mica

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/mica/internal/base"
	"github.com/cockroachdb/mica/table"
)

// levelStats accumulates the background-work statistics for one level.
// stats[level] records the work of flushes and compactions that produced
// data at that level. Protected by DB.mu.
type levelStats struct {
	duration     time.Duration
	bytesRead    uint64
	bytesWritten uint64
}

// LevelMetrics holds the per-level metrics reported by Metrics.
type LevelMetrics struct {
	// NumFiles is the number of table files at the level.
	NumFiles int
	// Size is the total size of the table files at the level, in bytes.
	Size uint64
	// BytesRead is the cumulative number of bytes read by compactions that
	// produced data for the level.
	BytesRead uint64
	// BytesWritten is the cumulative number of bytes written to the level
	// by flushes and compactions.
	BytesWritten uint64
	// Duration is the cumulative time spent by flushes and compactions
	// producing data for the level.
	Duration time.Duration
}

// Metrics holds the metrics for the DB.
type Metrics struct {
	Levels [numLevels]LevelMetrics
	// ApproximateMemoryUsage is the memory held by the memtables.
	ApproximateMemoryUsage uint64
}

// String formats the metrics as the classic compaction stats table.
func (m *Metrics) String() string {
	var sb strings.Builder
	sb.WriteString("                               Compactions\n")
	sb.WriteString("Level  Files Size(MB) Time(sec) Read(MB) Write(MB)\n")
	sb.WriteString("--------------------------------------------------\n")
	for level, lm := range m.Levels {
		if lm.NumFiles == 0 && lm.Duration == 0 {
			continue
		}
		fmt.Fprintf(&sb, "%3d %8d %8.0f %9.0f %8.0f %9.0f\n",
			level,
			lm.NumFiles,
			float64(lm.Size)/1048576.0,
			lm.Duration.Seconds(),
			float64(lm.BytesRead)/1048576.0,
			float64(lm.BytesWritten)/1048576.0)
	}
	return sb.String()
}

// Metrics returns the current metrics for the DB.
func (d *DB) Metrics() *Metrics {
	d.mu.Lock()
	defer d.mu.Unlock()

	m := &Metrics{}
	cur := d.mu.versions.currentVersion()
	for level := range m.Levels {
		m.Levels[level] = LevelMetrics{
			NumFiles:     len(cur.files[level]),
			Size:         totalSize(cur.files[level]),
			BytesRead:    d.mu.stats[level].bytesRead,
			BytesWritten: d.mu.stats[level].bytesWritten,
			Duration:     d.mu.stats[level].duration,
		}
	}
	m.ApproximateMemoryUsage = d.mu.mem.ApproximateMemoryUsage()
	if d.mu.imm != nil {
		m.ApproximateMemoryUsage += d.mu.imm.ApproximateMemoryUsage()
	}
	return m
}

const propertyPrefix = "mica."

// GetProperty returns the value of the named DB property, and whether the
// property name was recognized. The supported properties are:
//
//   - "mica.num-files-at-level<N>": the number of table files at level N,
//     as an ASCII number.
//   - "mica.stats": a multi-line summary of compaction statistics.
//   - "mica.sstables": a per-level listing of the live table files.
//   - "mica.approximate-memory-usage": the bytes of memory held by the
//     memtables, as an ASCII number.
func (d *DB) GetProperty(name string) (value string, ok bool) {
	if !strings.HasPrefix(name, propertyPrefix) {
		return "", false
	}
	prop := name[len(propertyPrefix):]

	if rest, found := strings.CutPrefix(prop, "num-files-at-level"); found {
		level, err := strconv.Atoi(rest)
		if err != nil || level < 0 || level >= numLevels {
			return "", false
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		return strconv.Itoa(d.mu.versions.numLevelFiles(level)), true
	}

	switch prop {
	case "stats":
		return d.Metrics().String(), true

	case "sstables":
		d.mu.Lock()
		defer d.mu.Unlock()
		var sb strings.Builder
		cur := d.mu.versions.currentVersion()
		for level, files := range cur.files {
			if len(files) == 0 {
				continue
			}
			fmt.Fprintf(&sb, "--- level %d ---\n", level)
			for _, f := range files {
				fmt.Fprintf(&sb, " %06d:%d[%s .. %s]\n", f.fileNum, f.size, f.smallest, f.largest)
			}
		}
		return sb.String(), true

	case "approximate-memory-usage":
		d.mu.Lock()
		defer d.mu.Unlock()
		usage := d.mu.mem.ApproximateMemoryUsage()
		if d.mu.imm != nil {
			usage += d.mu.imm.ApproximateMemoryUsage()
		}
		return strconv.FormatUint(usage, 10), true
	}
	return "", false
}

// Range is a key range used by GetApproximateSizes.
type Range struct {
	// Start is the inclusive lower bound of the range.
	Start []byte
	// Limit is the exclusive upper bound of the range.
	Limit []byte
}

// GetApproximateSizes returns, for each given range, the approximate number
// of bytes of file system space used by keys within that range. The result
// only accounts for data in table files: recent writes still in the
// memtable are not counted, and compression means the result may be smaller
// than the user data size.
func (d *DB) GetApproximateSizes(ranges []Range) ([]uint64, error) {
	d.mu.Lock()
	current := d.mu.versions.currentVersion()
	current.ref()
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		current.unref()
		d.mu.Unlock()
	}()

	sizes := make([]uint64, len(ranges))
	for i, r := range ranges {
		start, err := d.approximateOffset(current, r.Start)
		if err != nil {
			return nil, err
		}
		limit, err := d.approximateOffset(current, r.Limit)
		if err != nil {
			return nil, err
		}
		if limit > start {
			sizes[i] = limit - start
		}
	}
	return sizes, nil
}

// approximateOffset sums, across every live table, the approximate offset
// of the given user key within that table. Tables entirely before the key
// contribute their full size; tables entirely after it contribute nothing.
func (d *DB) approximateOffset(v *version, userKey []byte) (uint64, error) {
	ikey := base.MakeSearchKey(userKey, base.SeqNumMax)
	ekey := base.AppendInternalKey(nil, ikey)
	ucmp := d.ucmp.Compare

	var total uint64
	for _, files := range v.files {
		for _, f := range files {
			switch {
			case ucmp(f.largest.UserKey, userKey) < 0:
				// Entirely before the key.
				total += f.size
			case ucmp(f.smallest.UserKey, userKey) > 0:
				// Entirely after the key.
			default:
				err := d.tableCache.withReader(f.fileNum, func(r *table.Reader) error {
					off, err := r.ApproximateOffset(ekey)
					if err != nil {
						return err
					}
					total += off
					return nil
				})
				if err != nil {
					return 0, err
				}
			}
		}
	}
	return total, nil
}

// humanizeBytes formats a byte count with a binary-prefix unit suffix.
func humanizeBytes(n uint64) string {
	const (
		kib = 1 << 10
		mib = 1 << 20
		gib = 1 << 30
	)
	switch {
	case n >= gib:
		return fmt.Sprintf("%.1fGB", float64(n)/gib)
	case n >= mib:
		return fmt.Sprintf("%.1fMB", float64(n)/mib)
	case n >= kib:
		return fmt.Sprintf("%.1fKB", float64(n)/kib)
	}
	return fmt.Sprintf("%dB", n)
}
