// Copyright 2025 The Mica Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base

// Compression is the per-block compression algorithm to use when writing a
// table.
type Compression int

// The available compression types. These numeric values are not written to
// disk: a table records each block's compression in its own block type byte.
const (
	// DefaultCompression resolves to SnappyCompression.
	DefaultCompression Compression = iota
	NoCompression
	SnappyCompression
)

func (c Compression) String() string {
	switch c {
	case DefaultCompression:
		return "Default"
	case NoCompression:
		return "NoCompression"
	case SnappyCompression:
		return "Snappy"
	default:
		return "Unknown"
	}
}
