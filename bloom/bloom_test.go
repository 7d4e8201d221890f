// Copyright 2025 The Mica Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package bloom

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSmallFilter(t *testing.T) {
	p := FilterPolicy(10)
	filter := p.AppendFilter(nil, [][]byte{[]byte("hello"), []byte("world")})

	// 64 bits minimum plus the trailing probe count.
	require.Equal(t, 9, len(filter))
	require.True(t, p.MayContain(filter, []byte("hello")))
	require.True(t, p.MayContain(filter, []byte("world")))
	require.False(t, p.MayContain(filter, []byte("x")))
	require.False(t, p.MayContain(filter, []byte("foo")))
}

func TestEmptyAndShortFilters(t *testing.T) {
	p := FilterPolicy(10)
	require.False(t, p.MayContain(nil, []byte("hello")))
	require.False(t, p.MayContain([]byte{0}, []byte("hello")))
	// A probe count above 30 is reserved and reads as a match.
	require.True(t, p.MayContain([]byte{0, 0, 31}, []byte("hello")))
}

func TestNoFalseNegatives(t *testing.T) {
	p := FilterPolicy(10)
	var keys [][]byte
	for i := 0; i < 10000; i++ {
		keys = append(keys, []byte(fmt.Sprintf("key-%08d", i)))
	}
	filter := p.AppendFilter(nil, keys)
	for _, k := range keys {
		require.True(t, p.MayContain(filter, k), "false negative for %s", k)
	}
}

func TestFalsePositiveRate(t *testing.T) {
	p := FilterPolicy(10)
	var keys [][]byte
	for i := 0; i < 10000; i++ {
		keys = append(keys, []byte(fmt.Sprintf("key-%08d", i)))
	}
	filter := p.AppendFilter(nil, keys)

	fp := 0
	const probes = 10000
	for i := 0; i < probes; i++ {
		if p.MayContain(filter, []byte(fmt.Sprintf("absent-%08d", i))) {
			fp++
		}
	}
	// 10 bits per key yields roughly a 1% false positive rate; allow a
	// generous margin.
	require.Less(t, fp, probes/25, "false positive rate too high: %d/%d", fp, probes)
}

func TestProbeCountEncoding(t *testing.T) {
	// k = bitsPerKey * ln(2), clamped to [1, 30].
	testCases := []struct {
		bitsPerKey int
		probes     byte
	}{
		{1, 1},
		{2, 1},
		{10, 6},
		{20, 13},
		{100, 30},
	}
	for _, c := range testCases {
		p := FilterPolicy(c.bitsPerKey)
		filter := p.AppendFilter(nil, [][]byte{[]byte("k")})
		require.Equal(t, c.probes, filter[len(filter)-1], "bitsPerKey=%d", c.bitsPerKey)
	}
}

func TestAppendPreservesPrefix(t *testing.T) {
	p := FilterPolicy(10)
	prefix := []byte("existing data")
	filter := p.AppendFilter(append([]byte(nil), prefix...), [][]byte{[]byte("a")})
	require.Equal(t, string(prefix), string(filter[:len(prefix)]))
	require.True(t, p.MayContain(filter[len(prefix):], []byte("a")))
}

func TestName(t *testing.T) {
	require.Equal(t, "mica.BuiltinBloomFilter", FilterPolicy(10).Name())
}
