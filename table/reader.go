// Copyright 2025 The Mica Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package table

import (
	"encoding/binary"
	"io"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/mica/internal/base"
	"github.com/cockroachdb/mica/internal/cache"
	"github.com/cockroachdb/mica/internal/crc"
	"github.com/cockroachdb/mica/vfs"
	"github.com/golang/snappy"
)

// blockHandle is the file offset and length of a block.
type blockHandle struct {
	offset, length uint64
}

// decodeBlockHandle returns the block handle encoded at the start of src,
// as well as the number of bytes it occupies. It returns zero if given
// invalid input.
func decodeBlockHandle(src []byte) (blockHandle, int) {
	offset, n := binary.Uvarint(src)
	length, m := binary.Uvarint(src[n:])
	if n == 0 || m == 0 {
		return blockHandle{}, 0
	}
	return blockHandle{offset, length}, n + m
}

func encodeBlockHandle(dst []byte, b blockHandle) int {
	n := binary.PutUvarint(dst, b.offset)
	m := binary.PutUvarint(dst[n:], b.length)
	return n + m
}

// block is a []byte that holds a sequence of key/value pairs plus an index
// over those pairs.
type block []byte

// seek returns a blockIter positioned such that the first call to Next
// returns the first key/value pair whose key is >= the given key. If there
// is no such key, the blockIter returned is exhausted.
func (b block) seek(cmp base.Compare, key []byte) (*blockIter, error) {
	if len(b) < 4 {
		return nil, base.CorruptionErrorf("mica/table: invalid block (too short)")
	}
	numRestarts := int(binary.LittleEndian.Uint32(b[len(b)-4:]))
	if numRestarts == 0 {
		return nil, base.CorruptionErrorf("mica/table: invalid block (no restart points)")
	}
	n := len(b) - 4*(1+numRestarts)
	if n < 0 {
		return nil, base.CorruptionErrorf("mica/table: invalid block (bad restart count)")
	}
	var offset int
	if len(key) > 0 {
		// Find the index of the smallest restart point whose key is > the
		// key sought; index will be numRestarts if there is no such restart
		// point.
		index := sort.Search(numRestarts, func(i int) bool {
			o := int(binary.LittleEndian.Uint32(b[n+4*i:]))
			// For a restart point, there are 0 bytes shared with the
			// previous key. The varint encoding of 0 occupies 1 byte.
			o++
			// Decode the key at that restart point, and compare it to the
			// key sought.
			v1, n1 := binary.Uvarint(b[o:])
			_, n2 := binary.Uvarint(b[o+n1:])
			m := o + n1 + n2
			s := b[m : m+int(v1)]
			return cmp(s, key) > 0
		})
		// Since keys are strictly increasing, if index > 0 then the restart
		// point at index-1 will be the largest whose key is <= the key
		// sought. If index == 0, then all keys in this block are larger
		// than the key sought, and offset remains at zero.
		if index > 0 {
			offset = int(binary.LittleEndian.Uint32(b[n+4*(index-1):]))
		}
	}
	// Initialize the blockIter to the restart point.
	i := &blockIter{
		cmp:  cmp,
		data: b[offset:n],
		key:  make([]byte, 0, 256),
	}
	// Iterate from that restart point to somewhere >= the key sought.
	for i.Next() && cmp(i.key, key) < 0 {
	}
	if i.err != nil {
		return nil, i.err
	}
	i.soi = !i.eoi
	return i, nil
}

// blockIter is an iterator over a single block of data.
type blockIter struct {
	cmp      base.Compare
	data     []byte
	key, val []byte
	err      error
	// soi and eoi mark the start and end of iteration. Both cannot
	// simultaneously be true.
	soi, eoi bool
}

// Next advances to the next key/value pair, returning whether such a pair
// exists.
func (i *blockIter) Next() bool {
	if i.eoi || i.err != nil {
		return false
	}
	if i.soi {
		i.soi = false
		return true
	}
	if len(i.data) == 0 {
		i.Close()
		return false
	}
	v0, n0 := binary.Uvarint(i.data)
	v1, n1 := binary.Uvarint(i.data[n0:])
	v2, n2 := binary.Uvarint(i.data[n0+n1:])
	if n0 <= 0 || n1 <= 0 || n2 <= 0 || uint64(v0) > uint64(len(i.key)) {
		i.err = base.CorruptionErrorf("mica/table: corrupt block entry")
		return false
	}
	n := n0 + n1 + n2
	if uint64(n)+v1+v2 > uint64(len(i.data)) {
		i.err = base.CorruptionErrorf("mica/table: corrupt block entry")
		return false
	}
	i.key = append(i.key[:v0], i.data[n:n+int(v1)]...)
	i.val = i.data[n+int(v1) : n+int(v1+v2)]
	i.data = i.data[n+int(v1+v2):]
	return true
}

// Key returns the key at the current position.
func (i *blockIter) Key() []byte {
	if i.soi {
		return nil
	}
	return i.key[:len(i.key):len(i.key)]
}

// Value returns the value at the current position.
func (i *blockIter) Value() []byte {
	if i.soi {
		return nil
	}
	return i.val[:len(i.val):len(i.val)]
}

// Close ends the iteration, returning any accumulated error.
func (i *blockIter) Close() error {
	i.key = nil
	i.val = nil
	i.eoi = true
	return i.err
}

// Iter is an iterator over an entire table of data. It is a two-level
// iterator: to seek for a given key, it first looks in the index for the
// block that contains that key, and then looks inside that block.
//
// An Iter follows the "next first" convention: after construction the
// iterator is positioned before the first relevant entry, and Next must be
// called to advance to it.
type Iter struct {
	reader *Reader
	data   *blockIter
	index  *blockIter
	err    error
}

// nextBlock loads the next block and positions i.data at the first key in
// that block which is >= the given key. If unsuccessful, it sets i.err to
// any error encountered, which may be nil if we have simply exhausted the
// entire table.
func (i *Iter) nextBlock(key []byte, f *filterReader) bool {
	if !i.index.Next() {
		i.err = i.index.err
		return false
	}
	// Load the next block.
	v := i.index.Value()
	h, n := decodeBlockHandle(v)
	if n == 0 || n != len(v) {
		i.err = base.CorruptionErrorf("mica/table: corrupt index entry")
		return false
	}
	if f != nil && !f.mayContain(h.offset, key) {
		// The filter excludes the key from this block, and the iterator is
		// only being used for a point lookup: there is nothing to yield.
		return false
	}
	k, err := i.reader.readBlock(h)
	if err != nil {
		i.err = err
		return false
	}
	// Look for the key inside that block.
	data, err := k.seek(i.reader.cmp.Compare, key)
	if err != nil {
		i.err = err
		return false
	}
	i.data = data
	return true
}

// Next advances to the next entry, returning whether such an entry exists.
func (i *Iter) Next() bool {
	if i.data == nil {
		return false
	}
	for {
		if i.data.Next() {
			return true
		}
		if i.data.err != nil {
			i.err = i.data.err
			break
		}
		if !i.nextBlock(nil, nil) {
			break
		}
	}
	i.Close()
	return false
}

// Key returns the key at the current position.
func (i *Iter) Key() []byte {
	if i.data == nil {
		return nil
	}
	return i.data.Key()
}

// Value returns the value at the current position.
func (i *Iter) Value() []byte {
	if i.data == nil {
		return nil
	}
	return i.data.Value()
}

// Close ends the iteration, returning any accumulated error.
func (i *Iter) Close() error {
	i.data = nil
	return i.err
}

type filterReader struct {
	data    []byte
	offsets []byte // len(offsets) must be a multiple of 4.
	policy  base.FilterPolicy
	shift   uint32
}

func (f *filterReader) valid() bool {
	return f.data != nil
}

func (f *filterReader) init(data []byte, policy base.FilterPolicy) (ok bool) {
	if len(data) < 5 {
		return false
	}
	lastOffset := binary.LittleEndian.Uint32(data[len(data)-5:])
	if uint64(lastOffset) > uint64(len(data)-5) {
		return false
	}
	data, offsets, shift := data[:lastOffset], data[lastOffset:len(data)-1], uint32(data[len(data)-1])
	if len(offsets)&3 != 0 {
		return false
	}
	f.data = data
	f.offsets = offsets
	f.policy = policy
	f.shift = shift
	return true
}

func (f *filterReader) mayContain(blockOffset uint64, key []byte) bool {
	index := blockOffset >> f.shift
	if index >= uint64(len(f.offsets)/4-1) {
		return true
	}
	i := binary.LittleEndian.Uint32(f.offsets[4*index+0:])
	j := binary.LittleEndian.Uint32(f.offsets[4*index+4:])
	if i >= j || uint64(j) > uint64(len(f.data)) {
		return true
	}
	return f.policy.MayContain(f.data[i:j], key)
}

// Reader is a table reader.
type Reader struct {
	file            vfs.File
	err             error
	index           block
	cmp             *base.Comparer
	filter          filterReader
	verifyChecksums bool
	cache           *cache.Cache
	cacheID         uint64
}

// NewReader returns a new table reader for the file. Closing the reader
// will close the file.
func NewReader(f vfs.File, o ReaderOptions) (*Reader, error) {
	o = o.ensureDefaults()
	r := &Reader{
		file:            f,
		cmp:             o.Comparer,
		verifyChecksums: o.VerifyChecksums,
		cache:           o.Cache,
	}
	if r.cache != nil {
		r.cacheID = r.cache.NewID()
	}
	if f == nil {
		return nil, errors.New("mica/table: nil file")
	}
	stat, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "mica/table: could not stat file")
	}
	var footer [footerLen]byte
	if stat.Size() < int64(len(footer)) {
		return nil, base.CorruptionErrorf("mica/table: invalid table (file size is too small)")
	}
	_, err = f.ReadAt(footer[:], stat.Size()-int64(len(footer)))
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "mica/table: could not read footer")
	}
	if string(footer[footerLen-len(magic):footerLen]) != magic {
		return nil, base.CorruptionErrorf("mica/table: invalid table (bad magic number)")
	}

	// Read the metaindex.
	metaindexBH, n := decodeBlockHandle(footer[:])
	if n == 0 {
		return nil, base.CorruptionErrorf("mica/table: invalid table (bad metaindex block handle)")
	}
	if err := r.readMetaindex(metaindexBH, o); err != nil {
		return nil, err
	}

	// Read the index into memory.
	indexBH, n := decodeBlockHandle(footer[n:])
	if n == 0 {
		return nil, base.CorruptionErrorf("mica/table: invalid table (bad index block handle)")
	}
	r.index, err = r.readBlock(indexBH)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Close implements closes the reader and the underlying file.
func (r *Reader) Close() error {
	if r.err != nil {
		if r.file != nil {
			r.file.Close()
			r.file = nil
		}
		return r.err
	}
	if r.file != nil {
		r.err = r.file.Close()
		r.file = nil
		if r.err != nil {
			return r.err
		}
	}
	// Make any future calls to Get, Find or Close return an error.
	r.err = errors.New("mica/table: reader is closed")
	return nil
}

// Get returns the value for the given key. It returns base.ErrNotFound if
// the table does not contain the key.
func (r *Reader) Get(key []byte) (value []byte, err error) {
	if r.err != nil {
		return nil, r.err
	}
	i := r.FindPoint(key)
	if !i.Next() || r.cmp.Compare(key, i.Key()) != 0 {
		err := i.Close()
		if err == nil {
			err = base.ErrNotFound
		}
		return nil, err
	}
	return i.Value(), i.Close()
}

// Find returns an iterator positioned before the first key/value pair whose
// key is >= the given key. A nil key positions the iterator before the
// first entry in the table. The filter block is not consulted: iteration
// must yield keys past an absent seek key.
func (r *Reader) Find(key []byte) *Iter {
	return r.find(key, nil)
}

// FindPoint is Find for point lookups: if the table has a filter block and
// it excludes the key, the returned iterator is exhausted without touching
// any data block.
func (r *Reader) FindPoint(key []byte) *Iter {
	f := (*filterReader)(nil)
	if len(key) > 0 && r.filter.valid() {
		f = &r.filter
	}
	return r.find(key, f)
}

// NewIter returns an iterator over the entire table, positioned before the
// first entry.
func (r *Reader) NewIter() *Iter {
	return r.find(nil, nil)
}

func (r *Reader) find(key []byte, f *filterReader) *Iter {
	if r.err != nil {
		return &Iter{err: r.err}
	}
	index, err := r.index.seek(r.cmp.Compare, key)
	if err != nil {
		return &Iter{err: err}
	}
	i := &Iter{
		reader: r,
		index:  index,
	}
	i.nextBlock(key, f)
	return i
}

// ApproximateOffset returns the approximate offset within the table's file
// at which the given key would reside. It is computed from the index block
// alone, so its granularity is a data block.
func (r *Reader) ApproximateOffset(key []byte) (uint64, error) {
	if r.err != nil {
		return 0, r.err
	}
	index, err := r.index.seek(r.cmp.Compare, key)
	if err != nil {
		return 0, err
	}
	defer index.Close()
	if !index.Next() {
		// The key is past the end of the last data block: approximate with
		// the file size.
		stat, err := r.file.Stat()
		if err != nil {
			return 0, err
		}
		return uint64(stat.Size()), nil
	}
	h, n := decodeBlockHandle(index.Value())
	if n == 0 {
		return 0, base.CorruptionErrorf("mica/table: corrupt index entry")
	}
	return h.offset, nil
}

// readBlock reads and decompresses a block, consulting the block cache
// first and populating it on a miss.
func (r *Reader) readBlock(bh blockHandle) (block, error) {
	if r.cache != nil {
		if b := r.cache.Get(r.cacheID, bh.offset); b != nil {
			return b, nil
		}
	}
	b := make([]byte, bh.length+blockTrailerLen)
	if _, err := r.file.ReadAt(b, int64(bh.offset)); err != nil {
		return nil, err
	}
	if r.verifyChecksums {
		checksum0 := binary.LittleEndian.Uint32(b[bh.length+1:])
		checksum1 := crc.New(b[:bh.length+1]).Value()
		if checksum0 != checksum1 {
			return nil, base.CorruptionErrorf("mica/table: invalid table (checksum mismatch)")
		}
	}
	var decoded []byte
	switch b[bh.length] {
	case noCompressionBlockType:
		decoded = b[:bh.length:bh.length]
	case snappyCompressionBlockType:
		var err error
		decoded, err = snappy.Decode(nil, b[:bh.length])
		if err != nil {
			return nil, base.MarkCorruptionError(err)
		}
	default:
		return nil, base.CorruptionErrorf("mica/table: unknown block compression: %d", b[bh.length])
	}
	if r.cache != nil {
		r.cache.Set(r.cacheID, bh.offset, decoded)
	}
	return decoded, nil
}

func (r *Reader) readMetaindex(metaindexBH blockHandle, o ReaderOptions) error {
	fp := o.FilterPolicy
	if fp == nil {
		// The only metaindex entry we care about is the filter. If o
		// doesn't specify a filter policy, we can ignore the entire
		// metaindex block.
		return nil
	}

	b, err := r.readBlock(metaindexBH)
	if err != nil {
		return err
	}
	i, err := b.seek(base.DefaultComparer.Compare, nil)
	if err != nil {
		return err
	}
	filterName := "filter." + fp.Name()
	filterBH := blockHandle{}
	for i.Next() {
		if filterName != string(i.Key()) {
			continue
		}
		var n int
		filterBH, n = decodeBlockHandle(i.Value())
		if n == 0 {
			return base.CorruptionErrorf("mica/table: invalid table (bad filter block handle)")
		}
		break
	}
	if err := i.Close(); err != nil {
		return err
	}

	if filterBH != (blockHandle{}) {
		b, err = r.readBlock(filterBH)
		if err != nil {
			return err
		}
		if !r.filter.init(b, fp) {
			return base.CorruptionErrorf("mica/table: invalid table (bad filter block)")
		}
	}
	return nil
}
