// Copyright 2025 The Mica Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// Compare returns -1, 0, or +1 depending on whether a is 'less than', 'equal
// to' or 'greater than' b. The empty slice must be 'less than' any non-empty
// slice.
type Compare func(a, b []byte) int

// Equal returns true if a and b are equivalent. For a given Compare,
// Equal(a, b) must return true iff Compare(a, b) returns zero, but it may be
// faster to compute.
type Equal func(a, b []byte) bool

// Separator appends a sequence of bytes x to dst such that a <= x && x < b,
// where 'less than' is consistent with Compare. It returns the enlarged
// slice, like the built-in append function.
//
// Separator is used to construct shorter keys for the index block of a
// table. A trivial implementation is `return append(dst, a...)`, but
// appending fewer bytes leads to smaller tables.
type Separator func(dst, a, b []byte) []byte

// Successor appends a sequence of bytes x to dst such that x >= a, where
// 'less than or equal to' is consistent with Compare. It returns the
// enlarged slice. A trivial implementation is `return append(dst, a...)`.
type Successor func(dst, a []byte) []byte

// Comparer defines a total ordering over the space of []byte keys: a 'less
// than' relationship.
type Comparer struct {
	Compare   Compare
	Equal     Equal
	Separator Separator
	Successor Successor

	// Name is the name of the comparer.
	//
	// The on-disk format stores the comparer name, and opening a database
	// with a different comparer from the one it was created with will result
	// in an error.
	Name string
}

// DefaultComparer is the default implementation of the Comparer interface.
// It uses the natural ordering, consistent with bytes.Compare.
var DefaultComparer = &Comparer{
	Compare: bytes.Compare,
	Equal:   bytes.Equal,

	Separator: func(dst, a, b []byte) []byte {
		i, n := SharedPrefixLen(a, b), len(dst)
		dst = append(dst, a...)
		if len(b) > 0 && i < len(a) && i < len(b) {
			// Shorten a to one byte past the shared prefix, bumping that
			// byte, provided the result still sorts strictly before b.
			if c := a[i]; c < 0xff && c+1 < b[i] {
				dst[n+i]++
				return dst[:n+i+1]
			}
		}
		return dst
	},

	Successor: func(dst, a []byte) (ret []byte) {
		for i := 0; i < len(a); i++ {
			if a[i] != 0xff {
				dst = append(dst, a[:i+1]...)
				dst[len(dst)-1]++
				return dst
			}
		}
		// a is a run of 0xffs: leave it alone.
		return append(dst, a...)
	},

	// This name is part of the C++ Level-DB implementation's default file
	// format, and should not be changed.
	Name: "leveldb.BytewiseComparator",
}

// SharedPrefixLen returns the largest i such that a[:i] equals b[:i].
// This function can be useful in implementing the Comparer interface.
func SharedPrefixLen(a, b []byte) int {
	i, n := 0, len(a)
	if n > len(b) {
		n = len(b)
	}
	asUint64 := func(c []byte, i int) uint64 {
		return binary.LittleEndian.Uint64(c[i:])
	}
	for i < n-7 && asUint64(a, i) == asUint64(b, i) {
		i += 8
	}
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// MakeInternalComparer exposes the ordering over encoded internal keys
// induced by a user key comparer: increasing by user key, then decreasing by
// sequence number, then decreasing by kind.
//
// The returned Comparer's Separator and Successor shorten the user key
// portion of an encoded internal key where possible, appending a maximal
// trailer so that the result still sorts before the original successor.
func MakeInternalComparer(ucmp *Comparer) *Comparer {
	maxTrailer := func(dst []byte) []byte {
		var buf [InternalKeyTrailerLen]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(MakeTrailer(SeqNumMax, InternalKeyKindMax)))
		return append(dst, buf[:]...)
	}
	cmp := func(a, b []byte) int {
		return InternalCompare(ucmp.Compare, DecodeInternalKey(a), DecodeInternalKey(b))
	}
	return &Comparer{
		Compare: cmp,
		Equal: func(a, b []byte) bool {
			return cmp(a, b) == 0
		},
		Separator: func(dst, a, b []byte) []byte {
			ak, bk := DecodeInternalKey(a), DecodeInternalKey(b)
			n := len(dst)
			dst = ucmp.Separator(dst, ak.UserKey, bk.UserKey)
			if len(dst)-n < len(ak.UserKey) && ucmp.Compare(ak.UserKey, dst[n:]) < 0 {
				// The user key portion was shortened to a key greater than
				// ak's. Grab the maximum trailer so that the result sorts
				// first among the entries with that shortened user key.
				return maxTrailer(dst)
			}
			return AppendInternalKey(dst[:n], ak)
		},
		Successor: func(dst, a []byte) []byte {
			ak := DecodeInternalKey(a)
			n := len(dst)
			dst = ucmp.Successor(dst, ak.UserKey)
			if len(dst)-n < len(ak.UserKey) && ucmp.Compare(ak.UserKey, dst[n:]) < 0 {
				return maxTrailer(dst)
			}
			return AppendInternalKey(dst[:n], ak)
		},
		Name: "mica.InternalKeyComparer(" + ucmp.Name + ")",
	}
}

// FormatBytes formats a byte slice using hexadecimal escapes for
// non-printable data.
type FormatBytes []byte

const lowerhex = "0123456789abcdef"

// Format implements the fmt.Formatter interface.
func (p FormatBytes) Format(s fmt.State, c rune) {
	buf := make([]byte, 0, len(p))
	for _, b := range p {
		if b < utf8.RuneSelf && strconvIsPrint(b) {
			buf = append(buf, b)
			continue
		}
		buf = append(buf, `\x`...)
		buf = append(buf, lowerhex[b>>4], lowerhex[b&0xf])
	}
	s.Write(buf)
}

func strconvIsPrint(b byte) bool {
	return b >= 0x20 && b < 0x7f
}
