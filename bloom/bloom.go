// Copyright 2025 The Mica Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package bloom implements Bloom filters.
package bloom // import "github.com/cockroachdb/mica/bloom"

import (
	"fmt"

	"github.com/cockroachdb/mica/internal/base"
)

// hash implements a hashing algorithm similar to the Murmur hash.
func hash(b []byte) uint32 {
	const (
		seed = 0xbc9f1d34
		m    = 0xc6a4a793
	)
	h := uint32(seed) ^ (uint32(len(b)) * m)
	for ; len(b) >= 4; b = b[4:] {
		h += uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
		h *= m
		h ^= h >> 16
	}

	// The code below first casts each byte to a signed 8-bit integer. What
	// is the difference between casting a signed 8-bit value vs an unsigned
	// 8-bit value into an unsigned 32-bit value? Sign-extension. Consider
	// the value 250 which has the bit pattern 11111010:
	//
	//   uint32(250)       = 00000000000000000000000011111010
	//   uint32(int8(250)) = 11111111111111111111111111111010
	//
	// The filter format requires the sign-extending variant.
	switch len(b) {
	case 3:
		h += uint32(int8(b[2])) << 16
		fallthrough
	case 2:
		h += uint32(int8(b[1])) << 8
		fallthrough
	case 1:
		h += uint32(int8(b[0]))
		h *= m
		h ^= h >> 24
	}
	return h
}

type filterPolicy int

var _ base.FilterPolicy = filterPolicy(0)

// FilterPolicy returns a filter policy that creates Bloom filters with the
// given number of bits per key (approximately). A good value is 10, which
// yields a filter with ~1% false positive rate.
func FilterPolicy(bitsPerKey int) base.FilterPolicy {
	if bitsPerKey < 1 {
		panic(fmt.Sprintf("mica/bloom: invalid bitsPerKey %d", bitsPerKey))
	}
	return filterPolicy(bitsPerKey)
}

// Name implements the base.FilterPolicy interface.
func (p filterPolicy) Name() string {
	return "mica.BuiltinBloomFilter"
}

// AppendFilter implements the base.FilterPolicy interface.
//
// The encoding is a bitmap followed by one byte holding the number of
// probes. Each key is double-hashed into the bitmap: a base hash selects
// the starting bit and a rotated delta advances it probe by probe.
func (p filterPolicy) AppendFilter(dst []byte, keys [][]byte) []byte {
	// We intentionally round down to reduce probing cost a little bit.
	k := uint32(float64(p) * 0.69) // 0.69 =~ ln(2)
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}

	nBits := len(keys) * int(p)
	// For small len(keys), we see a very high false positive rate. Fix it
	// by enforcing a minimum bloom filter length.
	if nBits < 64 {
		nBits = 64
	}
	nBytes := (nBits + 7) / 8
	nBits = nBytes * 8

	base0 := len(dst)
	for i := 0; i < nBytes; i++ {
		dst = append(dst, 0)
	}
	filter := dst[base0:]
	for _, key := range keys {
		h := hash(key)
		delta := h>>17 | h<<15
		for j := uint32(0); j < k; j++ {
			bitPos := h % uint32(nBits)
			filter[bitPos/8] |= 1 << (bitPos % 8)
			h += delta
		}
	}
	return append(dst, byte(k))
}

// MayContain implements the base.FilterPolicy interface.
func (p filterPolicy) MayContain(filter, key []byte) bool {
	if len(filter) < 2 {
		return false
	}
	k := filter[len(filter)-1]
	if k > 30 {
		// Reserved for potentially new encodings for short bloom filters.
		// Consider it a match.
		return true
	}
	nBits := uint32(8 * (len(filter) - 1))
	h := hash(key)
	delta := h>>17 | h<<15
	for j := byte(0); j < k; j++ {
		bitPos := h % nBits
		if filter[bitPos/8]&(1<<(bitPos%8)) == 0 {
			return false
		}
		h += delta
	}
	return true
}
