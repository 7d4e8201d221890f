// Copyright 2025 The Mica Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package mica

import (
	"io"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/mica/internal/base"
	"github.com/cockroachdb/mica/record"
	"github.com/cockroachdb/mica/vfs"
)

// maxManifestFileSize bounds the growth of a manifest file. When an edit
// would push the manifest past this size, the version set rolls to a new
// manifest whose first record is a snapshot of the current version.
const maxManifestFileSize = 1 << 20

// versionSet manages the logical contents of the database as a sequence of
// versions: which table files are live at which levels, plus the manifest
// log recording the delta between successive versions.
//
// All fields are protected by DB.mu, except that the manifest file I/O in
// logAndApply happens with the mutex released.
type versionSet struct {
	dirname string
	opts    *Options
	fs      vfs.FS
	ucmp    *base.Comparer
	icmp    *base.Comparer

	// dummyVersion is the head of a circular doubly-linked list of
	// versions. dummyVersion.prev is the current version.
	dummyVersion version

	logNumber          uint64
	prevLogNumber      uint64
	nextFileNumber     uint64
	manifestFileNumber uint64
	lastSequence       base.SeqNum

	manifestFile vfs.File
	manifest     *record.Writer

	// compactPointer records, per level, the largest key of the most
	// recent compaction at that level. The next compaction at that level
	// starts after this cursor, so that compactions rotate through the key
	// space instead of repeatedly grinding the same range.
	compactPointer [numLevels][]byte
}

func (vs *versionSet) init(dirname string, opts *Options) {
	vs.dirname = dirname
	vs.opts = opts
	vs.fs = opts.FS
	vs.ucmp = opts.Comparer
	vs.icmp = base.MakeInternalComparer(opts.Comparer)
	vs.dummyVersion.prev = &vs.dummyVersion
	vs.dummyVersion.next = &vs.dummyVersion
	vs.nextFileNumber = 1
}

// create writes an initial manifest for a fresh database and points CURRENT
// at it.
func (vs *versionSet) create() (retErr error) {
	vs.manifestFileNumber = vs.nextFileNum()
	ve := versionEdit{
		comparatorName: vs.ucmp.Name,
		nextFileNumber: vs.nextFileNumber,
	}

	manifestFilename := dbFilename(vs.fs, vs.dirname, fileTypeManifest, vs.manifestFileNumber)
	f, err := vs.fs.Create(manifestFilename)
	if err != nil {
		return errors.Wrapf(err, "mica: could not create %q", manifestFilename)
	}
	defer func() {
		if retErr != nil {
			vs.fs.Remove(manifestFilename)
		}
	}()

	rw := record.NewWriter(f)
	w, err := rw.Next()
	if err != nil {
		return err
	}
	if err := ve.encode(w); err != nil {
		return err
	}
	if err := rw.Close(); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if err := setCurrentFile(vs.dirname, vs.fs, vs.manifestFileNumber); err != nil {
		return err
	}
	vs.append(&version{})
	return nil
}

// load reads the CURRENT file and replays the manifest it names to
// reconstruct the current version.
func (vs *versionSet) load() error {
	fs := vs.fs

	// Read the CURRENT file to find the current manifest file.
	current, err := fs.Open(dbFilename(fs, vs.dirname, fileTypeCurrent, 0))
	if err != nil {
		return errors.Wrapf(err, "mica: could not open CURRENT file for DB %q", vs.dirname)
	}
	defer current.Close()
	stat, err := current.Stat()
	if err != nil {
		return err
	}
	n := stat.Size()
	if n == 0 {
		return base.CorruptionErrorf("mica: CURRENT file for DB %q is empty", vs.dirname)
	}
	if n > 4096 {
		return base.CorruptionErrorf("mica: CURRENT file for DB %q is too large", vs.dirname)
	}
	b := make([]byte, n)
	if _, err := current.ReadAt(b, 0); err != nil && err != io.EOF {
		return err
	}
	if b[n-1] != '\n' {
		return base.CorruptionErrorf("mica: CURRENT file for DB %q is malformed", vs.dirname)
	}
	b = b[:n-1]

	if _, manifestNum, ok := parseDBFilename(string(b)); ok {
		vs.manifestFileNumber = manifestNum
	} else {
		return base.CorruptionErrorf("mica: CURRENT file for DB %q names invalid file %q",
			vs.dirname, b)
	}

	// Read the versionEdits in the manifest file.
	var bve bulkVersionEdit
	manifest, err := fs.Open(fs.PathJoin(vs.dirname, string(b)))
	if err != nil {
		return errors.Wrapf(err, "mica: could not open manifest file %q for DB %q", b, vs.dirname)
	}
	defer manifest.Close()
	rr := record.NewReader(manifest)
	for {
		r, err := rr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return base.MarkCorruptionError(err)
		}
		var ve versionEdit
		if err := ve.decode(r); err != nil {
			return err
		}
		if ve.comparatorName != "" {
			if ve.comparatorName != vs.ucmp.Name {
				return errors.Newf(
					"mica: manifest file %q for DB %q: comparer name from file %q != comparer name from Options %q",
					b, vs.dirname, ve.comparatorName, vs.ucmp.Name)
			}
		}
		bve.accumulate(&ve)
		if ve.logNumber != 0 {
			vs.logNumber = ve.logNumber
		}
		if ve.prevLogNumber != 0 {
			vs.prevLogNumber = ve.prevLogNumber
		}
		if ve.nextFileNumber != 0 {
			vs.nextFileNumber = ve.nextFileNumber
		}
		if ve.lastSequence != 0 {
			vs.lastSequence = ve.lastSequence
		}
		for _, cp := range ve.compactPointers {
			vs.compactPointer[cp.level] = cp.key
		}
	}

	newVersion, err := bve.apply(nil, vs.ucmp.Compare)
	if err != nil {
		return err
	}
	newVersion.updateCompactionScore()
	vs.append(newVersion)
	vs.markFileNumUsed(vs.logNumber)
	vs.markFileNumUsed(vs.prevLogNumber)
	vs.markFileNumUsed(vs.manifestFileNumber)
	return nil
}

func (vs *versionSet) currentVersion() *version {
	return vs.dummyVersion.prev
}

// append makes v the current version. The caller must not hold a reference
// to v; the version set takes one.
func (vs *versionSet) append(v *version) {
	if v.refs != 0 {
		panic("mica: version should be unreferenced")
	}
	if v.prev != nil || v.next != nil {
		panic("mica: version list is inconsistent")
	}
	v.ref()
	v.prev = vs.dummyVersion.prev
	v.prev.next = v
	v.next = &vs.dummyVersion
	v.next.prev = v
}

func (vs *versionSet) nextFileNum() uint64 {
	x := vs.nextFileNumber
	vs.nextFileNumber++
	return x
}

func (vs *versionSet) markFileNumUsed(fileNum uint64) {
	if vs.nextFileNumber <= fileNum {
		vs.nextFileNumber = fileNum + 1
	}
}

// needsCompaction reports whether the current version has size- or
// seek-triggered compaction work available.
func (vs *versionSet) needsCompaction() bool {
	v := vs.currentVersion()
	return v.compactionScore >= 1 || v.fileToCompact != nil
}

// logAndApply applies a version edit: it logs the edit to the manifest
// (rolling the manifest and swapping CURRENT if needed), and on success
// installs the resulting version as current.
//
// DB.mu must be held when calling this. The mutex is released while writing
// to the manifest and reacquired before returning; per-field invariants are
// maintained because only one logAndApply can be in flight at a time (it is
// only called from Open, the write path's flush and the single background
// worker).
func (vs *versionSet) logAndApply(ve *versionEdit, mu *sync.Mutex) error {
	if ve.logNumber != 0 {
		if ve.logNumber < vs.logNumber || vs.nextFileNumber <= ve.logNumber {
			panic("mica: inconsistent versionEdit logNumber")
		}
	} else {
		ve.logNumber = vs.logNumber
	}
	ve.nextFileNumber = vs.nextFileNumber
	ve.lastSequence = vs.lastSequence

	var bve bulkVersionEdit
	bve.accumulate(ve)
	newVersion, err := bve.apply(vs.currentVersion(), vs.ucmp.Compare)
	if err != nil {
		return err
	}

	// Decide whether to roll the manifest before releasing the mutex, so
	// that concurrent readers of vs fields observe a consistent state.
	newManifest := vs.manifest == nil || vs.manifest.Size() >= maxManifestFileSize
	var newManifestFileNumber uint64
	if newManifest {
		newManifestFileNumber = vs.nextFileNum()
	}
	snapshot := vs.snapshotEdit()

	mu.Unlock()
	err = func() error {
		if newManifest {
			if err := vs.createManifest(newManifestFileNumber, snapshot); err != nil {
				return err
			}
		}
		w, err := vs.manifest.Next()
		if err != nil {
			return err
		}
		if err := ve.encode(w); err != nil {
			return err
		}
		if err := vs.manifest.Flush(); err != nil {
			return err
		}
		if err := vs.manifestFile.Sync(); err != nil {
			return err
		}
		if newManifest {
			if err := setCurrentFile(vs.dirname, vs.fs, newManifestFileNumber); err != nil {
				return err
			}
		}
		return nil
	}()
	mu.Lock()

	if err != nil {
		return err
	}

	if newManifest {
		vs.manifestFileNumber = newManifestFileNumber
	}
	vs.logNumber = ve.logNumber
	vs.prevLogNumber = ve.prevLogNumber
	for _, cp := range ve.compactPointers {
		vs.compactPointer[cp.level] = cp.key
	}

	// Install the new version.
	newVersion.updateCompactionScore()
	vs.append(newVersion)
	cur := newVersion.prev
	if cur != &vs.dummyVersion {
		// Drop the version set's reference to the previous current version.
		cur.unref()
	}
	return nil
}

// snapshotEdit returns a version edit describing the entire current
// version, suitable as the first record of a new manifest.
func (vs *versionSet) snapshotEdit() *versionEdit {
	snapshot := &versionEdit{
		comparatorName: vs.ucmp.Name,
		logNumber:      vs.logNumber,
		prevLogNumber:  vs.prevLogNumber,
		lastSequence:   vs.lastSequence,
	}
	for level, key := range vs.compactPointer {
		if key != nil {
			snapshot.compactPointers = append(snapshot.compactPointers,
				compactPointerEntry{level, key})
		}
	}
	for level, files := range vs.currentVersion().files {
		for _, meta := range files {
			snapshot.newFiles = append(snapshot.newFiles, newFileEntry{level, meta})
		}
	}
	return snapshot
}

// createManifest creates a new manifest file whose first record is the
// given snapshot of the current version.
func (vs *versionSet) createManifest(fileNum uint64, snapshot *versionEdit) (retErr error) {
	filename := dbFilename(vs.fs, vs.dirname, fileTypeManifest, fileNum)
	f, err := vs.fs.Create(filename)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			f.Close()
			vs.fs.Remove(filename)
		}
	}()

	m := record.NewWriter(f)
	w, err := m.Next()
	if err != nil {
		return err
	}
	if err := snapshot.encode(w); err != nil {
		return err
	}
	if err := m.Flush(); err != nil {
		return err
	}

	if vs.manifest != nil {
		vs.manifest.Close()
		vs.manifest = nil
	}
	if vs.manifestFile != nil {
		vs.manifestFile.Close()
		vs.manifestFile = nil
	}
	vs.manifest = m
	vs.manifestFile = f
	return nil
}

// addLiveFileNums adds the file numbers referenced by any live version to
// the given set.
func (vs *versionSet) addLiveFileNums(m map[uint64]bool) {
	for v := vs.dummyVersion.next; v != &vs.dummyVersion; v = v.next {
		for _, files := range v.files {
			for _, f := range files {
				m[f.fileNum] = true
			}
		}
	}
}

// numLevelFiles returns the number of files at the given level of the
// current version.
func (vs *versionSet) numLevelFiles(level int) int {
	return len(vs.currentVersion().files[level])
}

// close releases the manifest writer and file.
func (vs *versionSet) close() error {
	var err error
	if vs.manifest != nil {
		err = firstError(err, vs.manifest.Close())
		vs.manifest = nil
	}
	if vs.manifestFile != nil {
		err = firstError(err, vs.manifestFile.Close())
		vs.manifestFile = nil
	}
	return err
}
