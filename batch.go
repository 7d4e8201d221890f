// Copyright 2025 The Mica Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package mica

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/mica/internal/base"
)

const (
	batchHeaderLen    = 12
	invalidBatchCount = 1<<32 - 1
)

// ErrInvalidBatch indicates that a batch is invalid or otherwise corrupted.
var ErrInvalidBatch = errors.New("mica: invalid batch")

// Batch is a sequence of Sets and/or Deletes that are applied atomically.
type Batch struct {
	// data is the wire format of a batch's log entry:
	//   - 8 bytes for a sequence number of the first batch element, or
	//     zeroes if the batch has not yet been applied,
	//   - 4 bytes for the count: the number of elements in the batch,
	//   - count elements, being:
	//     - one byte for the kind: delete (0) or set (1),
	//     - the varint-string user key,
	//     - the varint-string value (if kind == set).
	// The sequence number and count are stored in little-endian order.
	data []byte
}

func (b *Batch) init(cap int) {
	n := 256
	for n < cap {
		n *= 2
	}
	b.data = make([]byte, batchHeaderLen, n)
}

// Reset clears the underlying byte slice for reuse.
func (b *Batch) Reset() {
	if b.data != nil {
		b.data = b.data[:batchHeaderLen]
		clear(b.data)
	}
}

// Set adds an action to the batch that sets the key to map to the value.
func (b *Batch) Set(key, value []byte) {
	if len(b.data) == 0 {
		b.init(len(key) + len(value) + 2*binary.MaxVarintLen64 + batchHeaderLen)
	}
	if b.increment() {
		b.data = append(b.data, byte(base.InternalKeyKindSet))
		b.appendStr(key)
		b.appendStr(value)
	}
}

// Delete adds an action to the batch that deletes the entry for key.
func (b *Batch) Delete(key []byte) {
	if len(b.data) == 0 {
		b.init(len(key) + binary.MaxVarintLen64 + batchHeaderLen)
	}
	if b.increment() {
		b.data = append(b.data, byte(base.InternalKeyKindDelete))
		b.appendStr(key)
	}
}

// Repr returns the underlying batch representation. It is not a copy; it is
// only valid until the next batch operation.
func (b *Batch) Repr() []byte {
	if len(b.data) == 0 {
		b.init(batchHeaderLen)
	}
	return b.data
}

// SetRepr sets the underlying batch representation, as returned by Repr.
// The batch takes ownership of the slice.
func (b *Batch) SetRepr(data []byte) error {
	if len(data) < batchHeaderLen {
		return ErrInvalidBatch
	}
	b.data = data
	return nil
}

// Count returns the number of operations in the batch, or invalidBatchCount
// if the count is corrupted.
func (b *Batch) Count() uint32 {
	if len(b.data) < batchHeaderLen {
		return 0
	}
	return binary.LittleEndian.Uint32(b.data[8:12])
}

// Empty returns whether the batch contains no operations.
func (b *Batch) Empty() bool {
	return len(b.data) <= batchHeaderLen
}

// size returns the wire-format size of the batch in bytes.
func (b *Batch) size() int {
	if len(b.data) == 0 {
		return batchHeaderLen
	}
	return len(b.data)
}

// seqNum returns the sequence number assigned to the first operation.
func (b *Batch) seqNum() base.SeqNum {
	if len(b.data) < batchHeaderLen {
		return 0
	}
	return base.SeqNum(binary.LittleEndian.Uint64(b.data[:8]))
}

// setSeqNum stores the sequence number assigned to the first operation.
func (b *Batch) setSeqNum(seqNum base.SeqNum) {
	binary.LittleEndian.PutUint64(b.data[:8], uint64(seqNum))
}

// increment bumps the operation count, returning false if the count has
// overflowed and the batch is now poisoned.
func (b *Batch) increment() bool {
	p := b.data[8:12]
	for i := range p {
		p[i]++
		if p[i] != 0x00 {
			return true
		}
	}
	// The countdown-to-overflow above rolled over: the count was
	// 0xffffffff, which marks an invalid batch.
	p[0] = 0xff
	p[1] = 0xff
	p[2] = 0xff
	p[3] = 0xff
	return false
}

func (b *Batch) appendStr(s []byte) {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], uint64(len(s)))
	b.data = append(b.data, buf[:n]...)
	b.data = append(b.data, s...)
}

// append appends the operations of other to b, summing the counts. It is
// used by group commit to merge queued batches into a single WAL record.
func (b *Batch) append(other *Batch) {
	if other.Empty() {
		return
	}
	if len(b.data) == 0 {
		b.init(len(other.data))
	}
	count := b.Count() + other.Count()
	b.data = append(b.data, other.data[batchHeaderLen:]...)
	binary.LittleEndian.PutUint32(b.data[8:12], count)
}

// iter returns an iterator over the batch's operations.
func (b *Batch) iter() batchIter {
	if len(b.data) < batchHeaderLen {
		return nil
	}
	return batchIter(b.data[batchHeaderLen:])
}

// apply replays the batch's operations into the given memtable, assigning
// one sequence number per operation starting at seqNum. It returns an error
// if the batch is corrupt.
func (b *Batch) apply(mem memTable, seqNum base.SeqNum) error {
	for iter := b.iter(); ; seqNum++ {
		kind, ukey, value, ok := iter.next()
		if !ok {
			if len(iter) != 0 {
				return ErrInvalidBatch
			}
			break
		}
		mem.Add(base.MakeInternalKey(ukey, seqNum, kind), value)
	}
	return nil
}

// memTable is the subset of the memdb.MemDB interface that batch replay
// needs.
type memTable interface {
	Add(key base.InternalKey, value []byte)
}

type batchIter []byte

// next returns the next operation in this batch. The final return value is
// false both at the end of iteration and if the batch is corrupt; a corrupt
// batch leaves the iterator non-empty.
func (t *batchIter) next() (kind base.InternalKeyKind, key []byte, value []byte, ok bool) {
	p := *t
	if len(p) == 0 {
		return 0, nil, nil, false
	}
	kind, rest := base.InternalKeyKind(p[0]), batchIter(p[1:])
	if kind > base.InternalKeyKindMax {
		return 0, nil, nil, false
	}
	key, ok = rest.nextStr()
	if !ok {
		return 0, nil, nil, false
	}
	if kind != base.InternalKeyKindDelete {
		value, ok = rest.nextStr()
		if !ok {
			return 0, nil, nil, false
		}
	}
	*t = rest
	return kind, key, value, true
}

func (t *batchIter) nextStr() (s []byte, ok bool) {
	p := *t
	u, numBytes := binary.Uvarint(p)
	if numBytes <= 0 {
		return nil, false
	}
	p = p[numBytes:]
	if u > uint64(len(p)) {
		return nil, false
	}
	s, *t = p[:u], p[u:]
	return s, true
}
