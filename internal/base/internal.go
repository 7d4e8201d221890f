// Copyright 2025 The Mica Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base // import "github.com/cockroachdb/mica/internal/base"

import (
	"encoding/binary"
	"fmt"
)

// SeqNum is a sequence number defining precedence among identical user keys.
// A key with a higher sequence number takes precedence over a key with an
// equal user key and a lower sequence number. Sequence numbers are stored
// durably within the internal key "trailer" as a 7-byte (uint56) integer, so
// the maximum sequence number is 2^56-1. As keys are committed to the
// database they are assigned increasing sequence numbers. Readers use
// sequence numbers to observe a consistent database state, ignoring keys
// with sequence numbers larger than the reader's "visible sequence number".
type SeqNum uint64

const (
	// SeqNumZero is the zero sequence number.
	SeqNumZero SeqNum = 0
	// SeqNumMax is the largest valid sequence number.
	SeqNumMax SeqNum = 1<<56 - 1
)

func (s SeqNum) String() string {
	if s == SeqNumMax {
		return "inf"
	}
	return fmt.Sprintf("%d", uint64(s))
}

// InternalKeyKind enumerates the kind of key: a deletion tombstone or a set
// value.
type InternalKeyKind uint8

// These constants are part of the file format, and should not be changed.
const (
	InternalKeyKindDelete InternalKeyKind = 0
	InternalKeyKindSet    InternalKeyKind = 1

	// InternalKeyKindMax is the largest valid key kind. When constructing an
	// internal key for a seek, the internal key comparer sorts decreasing by
	// kind (after sorting increasing by user key and decreasing by sequence
	// number), so InternalKeyKindMax sorts before any other kind with the
	// same user key and sequence number.
	InternalKeyKindMax InternalKeyKind = 1

	// InternalKeyKindInvalid marks a key that failed to decode.
	InternalKeyKindInvalid InternalKeyKind = 255
)

func (k InternalKeyKind) String() string {
	switch k {
	case InternalKeyKindDelete:
		return "DEL"
	case InternalKeyKindSet:
		return "SET"
	default:
		return fmt.Sprintf("UNKNOWN:%d", uint8(k))
	}
}

// InternalKeyTrailer encodes a SeqNum and an InternalKeyKind as
// (seqNum << 8) | kind.
type InternalKeyTrailer uint64

// MakeTrailer constructs an internal key trailer from the specified sequence
// number and kind.
func MakeTrailer(seqNum SeqNum, kind InternalKeyKind) InternalKeyTrailer {
	return (InternalKeyTrailer(seqNum) << 8) | InternalKeyTrailer(kind)
}

// SeqNum returns the sequence number component of the trailer.
func (t InternalKeyTrailer) SeqNum() SeqNum {
	return SeqNum(t >> 8)
}

// Kind returns the key kind component of the trailer.
func (t InternalKeyTrailer) Kind() InternalKeyKind {
	return InternalKeyKind(t & 0xff)
}

func (t InternalKeyTrailer) String() string {
	return fmt.Sprintf("%s,%s", t.SeqNum(), t.Kind())
}

// InternalKey is a key used for the in-memory and on-disk partial DBs that
// make up a mica DB.
//
// It consists of the user key (as given by the code that uses package mica)
// followed by an 8-byte trailer:
//   - 1 byte for the type of internal key: delete or set,
//   - 7 bytes for a uint56 sequence number, in little-endian format.
type InternalKey struct {
	UserKey []byte
	Trailer InternalKeyTrailer
}

// InvalidInternalKey is an invalid internal key for which Valid() will return
// false.
var InvalidInternalKey = InternalKey{Trailer: InternalKeyTrailer(InternalKeyKindInvalid)}

// MakeInternalKey constructs an internal key from a specified user key,
// sequence number and kind.
func MakeInternalKey(userKey []byte, seqNum SeqNum, kind InternalKeyKind) InternalKey {
	return InternalKey{UserKey: userKey, Trailer: MakeTrailer(seqNum, kind)}
}

// MakeSearchKey constructs an internal key that is appropriate for searching
// for the given user key as of the given sequence number. The search key
// sorts before any internal key with the same user key that is visible at
// that sequence number.
func MakeSearchKey(userKey []byte, seqNum SeqNum) InternalKey {
	return MakeInternalKey(userKey, seqNum, InternalKeyKindMax)
}

// InternalKeyTrailerLen is the number of bytes the trailer occupies in an
// encoded internal key.
const InternalKeyTrailerLen = 8

// DecodeInternalKey decodes an encoded internal key. See InternalKey.Encode.
func DecodeInternalKey(encodedKey []byte) InternalKey {
	n := len(encodedKey) - InternalKeyTrailerLen
	var trailer InternalKeyTrailer
	if n >= 0 {
		trailer = InternalKeyTrailer(binary.LittleEndian.Uint64(encodedKey[n:]))
		encodedKey = encodedKey[:n:n]
	} else {
		trailer = InternalKeyTrailer(InternalKeyKindInvalid)
		encodedKey = nil
	}
	return InternalKey{UserKey: encodedKey, Trailer: trailer}
}

// InternalCompare compares two internal keys using the specified comparison
// function. For equal user keys, internal keys compare in descending
// sequence number order. For equal user keys and sequence numbers, internal
// keys compare in descending kind order.
func InternalCompare(userCmp Compare, a, b InternalKey) int {
	if x := userCmp(a.UserKey, b.UserKey); x != 0 {
		return x
	}
	switch {
	case a.Trailer > b.Trailer:
		return -1
	case a.Trailer < b.Trailer:
		return 1
	default:
		return 0
	}
}

// Encode encodes the receiver into the buffer. The buffer must be large
// enough to hold the encoded data. See InternalKey.Size.
func (k InternalKey) Encode(buf []byte) {
	i := copy(buf, k.UserKey)
	binary.LittleEndian.PutUint64(buf[i:], uint64(k.Trailer))
}

// AppendInternalKey appends the encoding of the key to dst and returns the
// extended slice.
func AppendInternalKey(dst []byte, k InternalKey) []byte {
	dst = append(dst, k.UserKey...)
	var buf [InternalKeyTrailerLen]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(k.Trailer))
	return append(dst, buf[:]...)
}

// Size returns the encoded size of the key.
func (k InternalKey) Size() int {
	return len(k.UserKey) + InternalKeyTrailerLen
}

// SetSeqNum sets the sequence number component of the key.
func (k *InternalKey) SetSeqNum(seqNum SeqNum) {
	k.Trailer = (InternalKeyTrailer(seqNum) << 8) | (k.Trailer & 0xff)
}

// SeqNum returns the sequence number component of the key.
func (k InternalKey) SeqNum() SeqNum {
	return SeqNum(k.Trailer >> 8)
}

// Kind returns the kind component of the key.
func (k InternalKey) Kind() InternalKeyKind {
	return InternalKeyKind(k.Trailer & 0xff)
}

// Visible returns true if the key is visible at the specified snapshot
// sequence number.
func (k InternalKey) Visible(snapshot SeqNum) bool {
	return k.SeqNum() <= snapshot
}

// Valid returns true if the key has a valid kind.
func (k InternalKey) Valid() bool {
	return k.Kind() <= InternalKeyKindMax
}

// Clone clones the storage for the UserKey of the key.
func (k InternalKey) Clone() InternalKey {
	if len(k.UserKey) == 0 {
		return InternalKey{Trailer: k.Trailer}
	}
	return InternalKey{
		UserKey: append([]byte(nil), k.UserKey...),
		Trailer: k.Trailer,
	}
}

func (k InternalKey) String() string {
	return fmt.Sprintf("%s#%s,%s", FormatBytes(k.UserKey), k.SeqNum(), k.Kind())
}
