// Copyright 2025 The Mica Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package mica

import (
	"github.com/cockroachdb/mica/internal/base"
	"github.com/cockroachdb/mica/internal/cache"
	"github.com/cockroachdb/mica/vfs"
)

// Cache exports the internal block cache type. A single cache may be shared
// by multiple databases.
type Cache = cache.Cache

// NewCache returns a block cache that holds up to capacity bytes of
// decompressed table blocks.
func NewCache(capacity int64) *Cache {
	return cache.New(capacity)
}

// Compression exports the base package's Compression type.
type Compression = base.Compression

// Exported Compression constants.
const (
	DefaultCompression = base.DefaultCompression
	NoCompression      = base.NoCompression
	SnappyCompression  = base.SnappyCompression
)

// Comparer exports the base package's Comparer type.
type Comparer = base.Comparer

// DefaultComparer exports the base package's DefaultComparer.
var DefaultComparer = base.DefaultComparer

// FilterPolicy exports the base package's FilterPolicy type.
type FilterPolicy = base.FilterPolicy

// Logger exports the base package's Logger type.
type Logger = base.Logger

// Options holds the optional parameters for mica DBs, including all options
// consumed by the coordinator. The zero value of every field means "use the
// default".
type Options struct {
	// Comparer defines a total ordering over the space of []byte keys. The
	// same comparer must be used for reads and writes over the lifetime of
	// the DB.
	//
	// The default value uses the same ordering as bytes.Compare.
	Comparer *Comparer

	// FS provides the interface for persistent file storage.
	//
	// The default value uses the underlying operating system's file system.
	FS vfs.FS

	// Logger is used to write log messages.
	//
	// The default logger uses the Go stdlib log package.
	Logger Logger

	// CreateIfMissing causes Open to initialize a new database in the given
	// directory if one does not already exist. If it is false and the
	// database does not exist, Open fails.
	CreateIfMissing bool

	// ErrorIfExists causes Open to fail if the database already exists.
	ErrorIfExists bool

	// ParanoidChecks escalates detected corruption to errors: torn tail
	// records found during recovery fail Open instead of truncating, and
	// table blocks are verified against their checksums on every read.
	ParanoidChecks bool

	// WriteBufferSize is the amount of data to build up in memory (backed
	// by an unsorted log on disk) before converting to a sorted on-disk
	// file. The default is 4MiB.
	WriteBufferSize int

	// MaxOpenFiles is a soft limit on the number of open files that can be
	// used by the DB, and bounds the table cache. The default is 1000.
	MaxOpenFiles int

	// BlockCache, if non-nil, caches decompressed table blocks across
	// reads. By default no block cache is used: the operating system's
	// buffer cache still absorbs repeated reads of hot files.
	BlockCache *Cache

	// BlockSize is the target uncompressed size in bytes of each table
	// block. The default is 4096.
	BlockSize int

	// BlockRestartInterval is the number of keys between restart points for
	// delta encoding of keys within a table block. The default is 16.
	BlockRestartInterval int

	// MaxFileSize is the soft limit on the size of a table file, and the
	// granularity at which compaction outputs are split. The default is
	// 2MiB.
	MaxFileSize int64

	// Compression defines the per-block compression to use. The default is
	// SnappyCompression.
	Compression Compression

	// ReuseLogs allows Open to append to the final WAL of the previous
	// incarnation if its tail replayed cleanly, instead of always starting
	// a fresh WAL.
	ReuseLogs bool

	// FilterPolicy, if non-nil, is used to summarize the keys of each table
	// block so that most point reads can skip blocks that cannot contain
	// their key. A typical value is bloom.FilterPolicy(10).
	FilterPolicy FilterPolicy
}

// EnsureDefaults ensures that the default values for all options are set if
// a valid value was not already specified. Returns the new options.
func (o *Options) EnsureDefaults() *Options {
	if o == nil {
		o = &Options{}
	}
	if o.Comparer == nil {
		o.Comparer = DefaultComparer
	}
	if o.FS == nil {
		o.FS = vfs.Default
	}
	if o.Logger == nil {
		o.Logger = base.DefaultLogger
	}
	if o.WriteBufferSize <= 0 {
		o.WriteBufferSize = 4 << 20
	}
	if o.MaxOpenFiles <= 0 {
		o.MaxOpenFiles = 1000
	}
	if o.BlockSize <= 0 {
		o.BlockSize = 4096
	}
	if o.BlockRestartInterval <= 0 {
		o.BlockRestartInterval = 16
	}
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = 2 << 20
	}
	if o.Compression == DefaultCompression {
		o.Compression = SnappyCompression
	}
	return o
}

// ReadOptions hold the optional per-query parameters for Get and NewIter
// operations.
type ReadOptions struct {
	// VerifyChecksums is accepted but not consulted by Get or NewIter:
	// table blocks are verified against their checksums only when the DB
	// was opened with Options.ParanoidChecks.
	VerifyChecksums bool

	// Snapshot provides a consistent view of the database as of the
	// snapshot's sequence number. If nil, the read observes the most
	// recently committed state.
	Snapshot *Snapshot
}

// WriteOptions hold the optional per-query parameters for Set, Delete and
// Apply operations.
type WriteOptions struct {
	// Sync is whether to sync underlying writes from the OS buffer cache
	// through to actual disk, if applicable. Setting Sync is required for
	// durability of individual write operations but can result in slower
	// writes.
	//
	// If false, and the process or machine crashes, then a recent write may
	// be lost. This is due to the recently written data being buffered
	// inside the process running mica. This differs from the semantics of a
	// write system call in which the data is buffered in the OS buffer
	// cache and would thus survive a process crash.
	Sync bool
}

// Sync specifies the default write options for writes which synchronize to
// disk.
var Sync = &WriteOptions{Sync: true}

// NoSync specifies the default write options for writes which do not
// synchronize to disk.
var NoSync = &WriteOptions{Sync: false}

func (o *WriteOptions) getSync() bool {
	return o == nil || o.Sync
}
