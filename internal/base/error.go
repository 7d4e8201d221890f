// Copyright 2025 The Mica Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base

import (
	"github.com/cockroachdb/errors"
)

// ErrNotFound means that a get call did not find the requested key.
var ErrNotFound = errors.New("mica: not found")

// ErrCorruption is a marker error for on-disk corruption. Errors produced by
// CorruptionErrorf are marked with it; use IsCorruptionError to test.
var ErrCorruption = errors.New("mica: corruption")

// CorruptionErrorf formats according to a format specifier and returns the
// resulting error, marked as a corruption error.
func CorruptionErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrCorruption)
}

// MarkCorruptionError marks the given error as a corruption error.
func MarkCorruptionError(err error) error {
	if IsCorruptionError(err) {
		return err
	}
	return errors.Mark(err, ErrCorruption)
}

// IsCorruptionError returns true if the given error indicates database
// corruption.
func IsCorruptionError(err error) bool {
	return errors.Is(err, ErrCorruption)
}
