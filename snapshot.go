// Copyright 2025 The Mica Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package mica

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/mica/internal/base"
)

// Snapshot provides a read-only point-in-time view of the DB state: a
// reader using a snapshot observes exactly the mutations committed before
// the snapshot was taken.
type Snapshot struct {
	// The sequence number at which the snapshot was created.
	seqNum base.SeqNum

	db *DB
	// Snapshots form a doubly-linked list, ordered oldest to newest,
	// headed by snapshotList.dummy. Protected by DB.mu.
	prev, next *Snapshot
}

// Close closes the snapshot, releasing its resources. Compactions are then
// free to drop record versions that were retained only for this snapshot.
// Close must be called exactly once on every snapshot.
func (s *Snapshot) Close() error {
	if s.db == nil {
		return errors.New("mica: closing unopened snapshot")
	}
	s.db.mu.Lock()
	s.db.mu.snapshots.remove(s)
	s.db.mu.Unlock()
	s.db = nil
	return nil
}

// snapshotList is the set of open snapshots, ordered oldest first. The
// oldest entry bounds what compactions may drop.
type snapshotList struct {
	dummy Snapshot
}

func (l *snapshotList) init() {
	l.dummy.prev = &l.dummy
	l.dummy.next = &l.dummy
}

func (l *snapshotList) empty() bool {
	return l.dummy.next == &l.dummy
}

// oldest returns the sequence number of the oldest open snapshot. The list
// must be non-empty.
func (l *snapshotList) oldest() base.SeqNum {
	return l.dummy.next.seqNum
}

// pushBack appends a new snapshot at the given sequence number. Snapshots
// are acquired at the current last sequence, so append order is oldest to
// newest.
func (l *snapshotList) pushBack(db *DB, seqNum base.SeqNum) *Snapshot {
	s := &Snapshot{
		seqNum: seqNum,
		db:     db,
		prev:   l.dummy.prev,
		next:   &l.dummy,
	}
	s.prev.next = s
	s.next.prev = s
	return s
}

func (l *snapshotList) remove(s *Snapshot) {
	s.prev.next = s.next
	s.next.prev = s.prev
	s.prev, s.next = nil, nil
}
