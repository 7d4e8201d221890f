// Copyright 2025 The Mica Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrailer(t *testing.T) {
	tr := MakeTrailer(7, InternalKeyKindSet)
	require.Equal(t, SeqNum(7), tr.SeqNum())
	require.Equal(t, InternalKeyKindSet, tr.Kind())

	tr = MakeTrailer(SeqNumMax, InternalKeyKindDelete)
	require.Equal(t, SeqNumMax, tr.SeqNum())
	require.Equal(t, InternalKeyKindDelete, tr.Kind())
}

func TestInternalKeyEncodeDecode(t *testing.T) {
	testCases := []InternalKey{
		MakeInternalKey([]byte("foo"), 1, InternalKeyKindSet),
		MakeInternalKey([]byte(""), 0, InternalKeyKindDelete),
		MakeInternalKey([]byte("bar"), SeqNumMax, InternalKeyKindSet),
	}
	for _, k := range testCases {
		e := AppendInternalKey(nil, k)
		require.Equal(t, k.Size(), len(e))
		d := DecodeInternalKey(e)
		require.Equal(t, string(k.UserKey), string(d.UserKey))
		require.Equal(t, k.Trailer, d.Trailer)
		require.True(t, d.Valid())
	}

	// A short encoding decodes as invalid.
	require.False(t, DecodeInternalKey([]byte("abc")).Valid())
}

func TestInternalCompare(t *testing.T) {
	cmp := DefaultComparer.Compare
	// Increasing user key, decreasing sequence number, decreasing kind.
	keys := []InternalKey{
		MakeInternalKey([]byte("a"), 9, InternalKeyKindSet),
		MakeInternalKey([]byte("a"), 2, InternalKeyKindSet),
		MakeInternalKey([]byte("a"), 2, InternalKeyKindDelete),
		MakeInternalKey([]byte("b"), 1, InternalKeyKindDelete),
		MakeInternalKey([]byte("b"), 1, InternalKeyKindDelete),
		MakeInternalKey([]byte("c"), 7, InternalKeyKindSet),
	}
	for i := range keys {
		for j := range keys {
			got := InternalCompare(cmp, keys[i], keys[j])
			want := 0
			if i < j {
				want = -1
			} else if i > j {
				want = 1
			}
			if keys[i].Trailer == keys[j].Trailer &&
				string(keys[i].UserKey) == string(keys[j].UserKey) {
				want = 0
			}
			require.Equalf(t, want, got, "compare(%s, %s)", keys[i], keys[j])
		}
	}
}

func TestSearchKeySortsFirst(t *testing.T) {
	cmp := DefaultComparer.Compare
	search := MakeSearchKey([]byte("k"), 5)
	for _, k := range []InternalKey{
		MakeInternalKey([]byte("k"), 5, InternalKeyKindSet),
		MakeInternalKey([]byte("k"), 5, InternalKeyKindDelete),
		MakeInternalKey([]byte("k"), 4, InternalKeyKindSet),
	} {
		require.LessOrEqual(t, InternalCompare(cmp, search, k), 0)
	}
	// But it sorts after entries invisible at sequence 5.
	newer := MakeInternalKey([]byte("k"), 6, InternalKeyKindSet)
	require.Greater(t, InternalCompare(cmp, search, newer), 0)
}

func TestInternalComparerOrdersEncodedKeys(t *testing.T) {
	icmp := MakeInternalComparer(DefaultComparer)
	keys := [][]byte{
		AppendInternalKey(nil, MakeInternalKey([]byte("a"), 3, InternalKeyKindSet)),
		AppendInternalKey(nil, MakeInternalKey([]byte("c"), 1, InternalKeyKindDelete)),
		AppendInternalKey(nil, MakeInternalKey([]byte("a"), 1, InternalKeyKindSet)),
		AppendInternalKey(nil, MakeInternalKey([]byte("b"), 9, InternalKeyKindSet)),
		AppendInternalKey(nil, MakeInternalKey([]byte("a"), 2, InternalKeyKindDelete)),
	}
	sort.Slice(keys, func(i, j int) bool {
		return icmp.Compare(keys[i], keys[j]) < 0
	})
	var got []string
	for _, k := range keys {
		got = append(got, DecodeInternalKey(k).String())
	}
	require.Equal(t, []string{
		"a#3,SET", "a#2,DEL", "a#1,SET", "b#9,SET", "c#1,DEL",
	}, got)
}

func TestInternalComparerSeparator(t *testing.T) {
	icmp := MakeInternalComparer(DefaultComparer)
	a := AppendInternalKey(nil, MakeInternalKey([]byte("black"), 7, InternalKeyKindSet))
	b := AppendInternalKey(nil, MakeInternalKey([]byte("blue"), 2, InternalKeyKindSet))
	sep := icmp.Separator(nil, a, b)
	// The separator must satisfy a <= sep < b.
	require.LessOrEqual(t, icmp.Compare(a, sep), 0)
	require.Less(t, icmp.Compare(sep, b), 0)
	// And it should be shorter than a full copy of a.
	require.Less(t, len(sep), len(a))
}

func TestSharedPrefixLen(t *testing.T) {
	require.Equal(t, 0, SharedPrefixLen([]byte("abc"), []byte("xyz")))
	require.Equal(t, 3, SharedPrefixLen([]byte("abc"), []byte("abc")))
	require.Equal(t, 2, SharedPrefixLen([]byte("abc"), []byte("abd")))
	require.Equal(t, 0, SharedPrefixLen(nil, []byte("a")))
	require.Equal(t, 9, SharedPrefixLen([]byte("123456789a"), []byte("123456789b")))
}
