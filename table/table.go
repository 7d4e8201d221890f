// Copyright 2025 The Mica Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package table implements readers and writers of mica tables.
//
// Tables are either opened for reading or created for writing but not both.
//
// A reader can create iterators, which allow seeking and forward (Next)
// iteration. A table consists of a sequence of entries, sorted by key, where
// each entry is a key/value pair. The keys are typically encoded internal
// keys, but the table format is agnostic: ordering is delegated entirely to
// the configured Comparer.
//
// A table is a series of data blocks, each holding prefix-compressed
// key/value pairs and a set of restart points, followed by an optional
// filter block, a metaindex block, an index block and a footer. Each block,
// except the footer, is followed by a one byte compression type and a four
// byte checksum trailer.
package table // import "github.com/cockroachdb/mica/table"

import (
	"github.com/cockroachdb/mica/internal/base"
	"github.com/cockroachdb/mica/internal/cache"
)

const (
	blockTrailerLen = 5
	footerLen       = 48

	magic = "\xf7\xcf\xc3\x89\x8b\x45\xd9\xbd"

	noCompressionBlockType     = 0
	snappyCompressionBlockType = 1
)

// WriterOptions holds the parameters for creating a table writer.
type WriterOptions struct {
	// Comparer defines the ordering of keys in the table, and provides the
	// Separator and Successor used to build shortened index keys. It must
	// match the comparer used by any reader of the table.
	Comparer *base.Comparer

	// BlockSize is the target uncompressed size in bytes of each data
	// block. The default is 4096.
	BlockSize int

	// BlockRestartInterval is the number of keys between restart points for
	// delta encoding of keys. The default is 16.
	BlockRestartInterval int

	// Compression is the per-block compression to use.
	Compression base.Compression

	// FilterPolicy, if non-nil, produces the filter block.
	FilterPolicy base.FilterPolicy
}

func (o WriterOptions) ensureDefaults() WriterOptions {
	if o.Comparer == nil {
		o.Comparer = base.DefaultComparer
	}
	if o.BlockSize <= 0 {
		o.BlockSize = 4096
	}
	if o.BlockRestartInterval <= 0 {
		o.BlockRestartInterval = 16
	}
	if o.Compression == base.DefaultCompression {
		o.Compression = base.SnappyCompression
	}
	return o
}

// ReaderOptions holds the parameters for opening a table reader.
type ReaderOptions struct {
	// Comparer must match the comparer the table was written with.
	Comparer *base.Comparer

	// FilterPolicy, if non-nil and matching the policy the table was
	// written with, enables filter-guided reads.
	FilterPolicy base.FilterPolicy

	// VerifyChecksums enables per-block checksum verification.
	VerifyChecksums bool

	// Cache, if non-nil, caches every decompressed block the reader reads
	// (data, index and meta blocks) across reads. The
	// reader allocates its own file id within the cache.
	Cache *cache.Cache
}

func (o ReaderOptions) ensureDefaults() ReaderOptions {
	if o.Comparer == nil {
		o.Comparer = base.DefaultComparer
	}
	return o
}
