// Copyright 2025 The Mica Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package record

import (
	"bytes"
	"io"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func testGenerator(t *testing.T, reset func(), gen func() (string, bool)) {
	buf := new(bytes.Buffer)

	reset()
	w := NewWriter(buf)
	for {
		s, ok := gen()
		if !ok {
			break
		}
		ww, err := w.Next()
		require.NoError(t, err)
		_, err = ww.Write([]byte(s))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	reset()
	r := NewReader(buf)
	for {
		s, ok := gen()
		if !ok {
			break
		}
		rr, err := r.Next()
		require.NoError(t, err)
		x, err := io.ReadAll(rr)
		require.NoError(t, err)
		require.Equal(t, s, string(x))
	}
	_, err := r.Next()
	require.Equal(t, io.EOF, err)
}

func testLiterals(t *testing.T, s []string) {
	var i int
	reset := func() { i = 0 }
	gen := func() (string, bool) {
		if i == len(s) {
			return "", false
		}
		i++
		return s[i-1], true
	}
	testGenerator(t, reset, gen)
}

func TestEmpty(t *testing.T) {
	testGenerator(t, func() {}, func() (string, bool) { return "", false })
}

func TestLiterals(t *testing.T) {
	testLiterals(t, []string{
		strings.Repeat("a", 1000),
		strings.Repeat("b", 97270),
		strings.Repeat("c", 8000),
	})
}

func TestBoundary(t *testing.T) {
	for i := blockSize - 16; i < blockSize+16; i++ {
		s0 := strings.Repeat("x", i)
		for j := blockSize - 16; j < blockSize+16; j += 8 {
			s1 := strings.Repeat("y", j)
			testLiterals(t, []string{s0, s1})
		}
	}
}

func TestRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	var n int
	reset := func() {
		rng = rand.New(rand.NewSource(1))
		n = 0
	}
	gen := func() (string, bool) {
		if n == 100 {
			return "", false
		}
		n++
		return strings.Repeat(string(rune('a'+n%26)), rng.Intn(2*blockSize)), true
	}
	testGenerator(t, reset, gen)
}

func TestSizes(t *testing.T) {
	buf := new(bytes.Buffer)
	w := NewWriter(buf)
	_, err := w.WriteRecord([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	// One chunk header plus the payload.
	require.Equal(t, headerSize+5, buf.Len())
}

func TestTornRecordTail(t *testing.T) {
	buf := new(bytes.Buffer)
	w := NewWriter(buf)
	for i := 0; i < 3; i++ {
		_, err := w.WriteRecord(bytes.Repeat([]byte{byte('a' + i)}, 100))
		require.NoError(t, err)
	}
	require.NoError(t, w.Flush())

	// Truncate mid-way through the final record's payload.
	data := buf.Bytes()
	truncated := data[:len(data)-50]

	r := NewReader(bytes.NewReader(truncated))
	for i := 0; i < 2; i++ {
		rr, err := r.Next()
		require.NoError(t, err)
		x, err := io.ReadAll(rr)
		require.NoError(t, err)
		require.Len(t, x, 100)
	}
	_, err := r.Next()
	require.Error(t, err)
	require.True(t, IsInvalidRecord(err), "expected invalid record, got %v", err)
}

func TestCorruptChunkChecksum(t *testing.T) {
	buf := new(bytes.Buffer)
	w := NewWriter(buf)
	_, err := w.WriteRecord([]byte("precious"))
	require.NoError(t, err)
	require.NoError(t, w.Flush())

	data := append([]byte(nil), buf.Bytes()...)
	data[headerSize+2] ^= 0xff // flip a payload byte

	r := NewReader(bytes.NewReader(data))
	_, err = r.Next()
	require.True(t, IsInvalidRecord(err), "expected invalid record, got %v", err)
}

func TestZeroedTailSkipped(t *testing.T) {
	// A block whose tail is zeroed (as happens when a reused WAL is padded
	// out to a block boundary) reads as a clean EOF.
	buf := new(bytes.Buffer)
	w := NewWriter(buf)
	_, err := w.WriteRecord([]byte("only"))
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	buf.Write(make([]byte, blockSize-buf.Len()))

	r := NewReader(buf)
	rr, err := r.Next()
	require.NoError(t, err)
	x, err := io.ReadAll(rr)
	require.NoError(t, err)
	require.Equal(t, "only", string(x))
	_, err = r.Next()
	require.Equal(t, io.EOF, err)
}

func TestWriterSizeAndLastRecordOffset(t *testing.T) {
	buf := new(bytes.Buffer)
	w := NewWriter(buf)
	_, err := w.LastRecordOffset()
	require.Equal(t, ErrNoLastRecord, err)

	_, err = w.WriteRecord(bytes.Repeat([]byte("z"), 10))
	require.NoError(t, err)
	off, err := w.LastRecordOffset()
	require.NoError(t, err)
	require.Equal(t, int64(0), off)
	require.Equal(t, int64(headerSize+10), w.Size())

	_, err = w.WriteRecord([]byte("q"))
	require.NoError(t, err)
	off, err = w.LastRecordOffset()
	require.NoError(t, err)
	require.Equal(t, int64(headerSize+10), off)
}
