// Copyright 2025 The Mica Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base

// FilterPolicy is an algorithm for probabilistically encoding a set of keys.
// The canonical implementation is a Bloom filter.
//
// Every FilterPolicy has a name. This names the algorithm itself, not any
// one particular instance. Aspects specific to a particular instance, such
// as the set of keys or any other parameters, will be encoded in the filter
// data returned by AppendFilter.
//
// The name may be written to files on disk, along with the filter data. To
// read such files, a FilterPolicy with the same name must be passed to
// Options.FilterPolicy when opening the database. If the written and read
// names do not match, the filter data is ignored.
type FilterPolicy interface {
	// Name names the filter policy.
	Name() string

	// AppendFilter appends to dst an encoded filter that holds a set of
	// []byte keys and returns the enlarged slice.
	AppendFilter(dst []byte, keys [][]byte) []byte

	// MayContain returns whether the encoded filter may contain given key.
	// False positives are possible, where it returns true for keys not in
	// the original set.
	MayContain(filter, key []byte) bool
}
