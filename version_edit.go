// Copyright 2025 The Mica Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package mica

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"

	"github.com/cockroachdb/mica/internal/base"
)

// The manifest file holds a log of versionEdit records: the first record of
// a manifest is a snapshot of the version current when the manifest was
// created, and every subsequent record describes the delta from one version
// to the next.

// Tags for the versionEdit disk format.
const (
	tagComparator     = 1
	tagLogNumber      = 2
	tagNextFileNumber = 3
	tagLastSequence   = 4
	tagCompactPointer = 5
	tagDeletedFile    = 6
	tagNewFile        = 7
	tagPrevLogNumber  = 9
)

type compactPointerEntry struct {
	level int
	// key is an encoded internal key.
	key []byte
}

type deletedFileEntry struct {
	level   int
	fileNum uint64
}

type newFileEntry struct {
	level int
	meta  *fileMetadata
}

type versionEdit struct {
	comparatorName  string
	logNumber       uint64
	prevLogNumber   uint64
	nextFileNumber  uint64
	lastSequence    base.SeqNum
	compactPointers []compactPointerEntry
	deletedFiles    map[deletedFileEntry]bool
	newFiles        []newFileEntry
}

func (v *versionEdit) deleteFile(level int, fileNum uint64) {
	if v.deletedFiles == nil {
		v.deletedFiles = make(map[deletedFileEntry]bool)
	}
	v.deletedFiles[deletedFileEntry{level, fileNum}] = true
}

type byteReader interface {
	io.ByteReader
	io.Reader
}

func (v *versionEdit) decode(r io.Reader) error {
	br, ok := r.(byteReader)
	if !ok {
		br = bufio.NewReader(r)
	}
	d := versionEditDecoder{br}
	for {
		tag, err := binary.ReadUvarint(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			if err == io.ErrUnexpectedEOF {
				return base.CorruptionErrorf("mica: corrupt manifest (truncated record)")
			}
			return err
		}
		switch tag {
		case tagComparator:
			s, err := d.readBytes()
			if err != nil {
				return err
			}
			v.comparatorName = string(s)

		case tagLogNumber:
			n, err := d.readUvarint()
			if err != nil {
				return err
			}
			v.logNumber = n

		case tagNextFileNumber:
			n, err := d.readUvarint()
			if err != nil {
				return err
			}
			v.nextFileNumber = n

		case tagLastSequence:
			n, err := d.readUvarint()
			if err != nil {
				return err
			}
			v.lastSequence = base.SeqNum(n)

		case tagCompactPointer:
			level, err := d.readLevel()
			if err != nil {
				return err
			}
			key, err := d.readBytes()
			if err != nil {
				return err
			}
			v.compactPointers = append(v.compactPointers, compactPointerEntry{level, key})

		case tagDeletedFile:
			level, err := d.readLevel()
			if err != nil {
				return err
			}
			fileNum, err := d.readUvarint()
			if err != nil {
				return err
			}
			v.deleteFile(level, fileNum)

		case tagNewFile:
			level, err := d.readLevel()
			if err != nil {
				return err
			}
			fileNum, err := d.readUvarint()
			if err != nil {
				return err
			}
			size, err := d.readUvarint()
			if err != nil {
				return err
			}
			smallest, err := d.readBytes()
			if err != nil {
				return err
			}
			largest, err := d.readBytes()
			if err != nil {
				return err
			}
			v.newFiles = append(v.newFiles, newFileEntry{
				level: level,
				meta: newFileMetadata(
					fileNum,
					size,
					base.DecodeInternalKey(smallest),
					base.DecodeInternalKey(largest),
				),
			})

		case tagPrevLogNumber:
			n, err := d.readUvarint()
			if err != nil {
				return err
			}
			v.prevLogNumber = n

		default:
			return base.CorruptionErrorf("mica: corrupt manifest (unknown tag %d)", tag)
		}
	}
	return nil
}

func (v *versionEdit) encode(w io.Writer) error {
	e := versionEditEncoder{new(bytes.Buffer)}
	if v.comparatorName != "" {
		e.writeUvarint(tagComparator)
		e.writeString(v.comparatorName)
	}
	if v.logNumber != 0 {
		e.writeUvarint(tagLogNumber)
		e.writeUvarint(v.logNumber)
	}
	if v.prevLogNumber != 0 {
		e.writeUvarint(tagPrevLogNumber)
		e.writeUvarint(v.prevLogNumber)
	}
	if v.nextFileNumber != 0 {
		e.writeUvarint(tagNextFileNumber)
		e.writeUvarint(v.nextFileNumber)
	}
	if v.lastSequence != 0 {
		e.writeUvarint(tagLastSequence)
		e.writeUvarint(uint64(v.lastSequence))
	}
	for _, x := range v.compactPointers {
		e.writeUvarint(tagCompactPointer)
		e.writeUvarint(uint64(x.level))
		e.writeBytes(x.key)
	}
	for x := range v.deletedFiles {
		e.writeUvarint(tagDeletedFile)
		e.writeUvarint(uint64(x.level))
		e.writeUvarint(x.fileNum)
	}
	for _, x := range v.newFiles {
		e.writeUvarint(tagNewFile)
		e.writeUvarint(uint64(x.level))
		e.writeUvarint(x.meta.fileNum)
		e.writeUvarint(x.meta.size)
		e.writeBytes(base.AppendInternalKey(nil, x.meta.smallest))
		e.writeBytes(base.AppendInternalKey(nil, x.meta.largest))
	}
	_, err := w.Write(e.Bytes())
	return err
}

type versionEditDecoder struct {
	byteReader
}

func (d versionEditDecoder) readBytes() ([]byte, error) {
	n, err := d.readUvarint()
	if err != nil {
		return nil, err
	}
	s := make([]byte, n)
	_, err = io.ReadFull(d, s)
	if err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, base.CorruptionErrorf("mica: corrupt manifest (truncated record)")
		}
		return nil, err
	}
	return s, nil
}

func (d versionEditDecoder) readLevel() (int, error) {
	u, err := d.readUvarint()
	if err != nil {
		return 0, err
	}
	if u >= numLevels {
		return 0, base.CorruptionErrorf("mica: corrupt manifest (level %d out of range)", u)
	}
	return int(u), nil
}

func (d versionEditDecoder) readUvarint() (uint64, error) {
	u, err := binary.ReadUvarint(d)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return 0, base.CorruptionErrorf("mica: corrupt manifest (truncated record)")
		}
		return 0, err
	}
	return u, nil
}

type versionEditEncoder struct {
	*bytes.Buffer
}

func (e versionEditEncoder) writeBytes(p []byte) {
	e.writeUvarint(uint64(len(p)))
	e.Write(p)
}

func (e versionEditEncoder) writeString(s string) {
	e.writeUvarint(uint64(len(s)))
	e.WriteString(s)
}

func (e versionEditEncoder) writeUvarint(u uint64) {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], u)
	e.Write(buf[:n])
}

// bulkVersionEdit accumulates the changes from a sequence of versionEdits,
// and then applies them all at once to produce a new version from a base
// version.
type bulkVersionEdit struct {
	added   [numLevels][]*fileMetadata
	deleted [numLevels]map[uint64]bool
}

func (b *bulkVersionEdit) accumulate(ve *versionEdit) {
	for df := range ve.deletedFiles {
		if b.deleted[df.level] == nil {
			b.deleted[df.level] = make(map[uint64]bool)
		}
		b.deleted[df.level][df.fileNum] = true
	}
	for _, nf := range ve.newFiles {
		if b.deleted[nf.level] != nil {
			delete(b.deleted[nf.level], nf.meta.fileNum)
		}
		b.added[nf.level] = append(b.added[nf.level], nf.meta)
	}
}

// apply applies the accumulated edits to the base version, producing a new
// version. The new version is consistency-checked: level 0 files must be
// ordered by increasing fileNum, and every other level must hold
// non-overlapping files ordered by smallest key.
func (b *bulkVersionEdit) apply(base_ *version, ucmp base.Compare) (*version, error) {
	v := &version{}
	for level := range v.files {
		combined := [2][]*fileMetadata{nil, b.added[level]}
		if base_ != nil {
			combined[0] = base_.files[level]
		}
		n := len(combined[0]) + len(combined[1])
		if n == 0 {
			continue
		}
		v.files[level] = make([]*fileMetadata, 0, n)
		for _, ff := range combined {
			for _, f := range ff {
				if b.deleted[level] != nil && b.deleted[level][f.fileNum] {
					continue
				}
				v.files[level] = append(v.files[level], f)
			}
		}
		if level == 0 {
			sortByFileNum(v.files[level])
		} else {
			sortBySmallest(v.files[level], ucmp)
		}
	}
	if err := v.checkOrdering(ucmp); err != nil {
		return nil, base.MarkCorruptionError(err)
	}
	return v, nil
}
