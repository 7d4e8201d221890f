// Copyright 2025 The Mica Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package mica

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/mica/vfs"
)

type fileType int

const (
	fileTypeLog fileType = iota
	fileTypeLock
	fileTypeTable
	fileTypeManifest
	fileTypeCurrent
	fileTypeTemp
)

// dbFilename returns the filename for the given file type and number within
// the database directory.
func dbFilename(fs vfs.FS, dirname string, fileType fileType, fileNum uint64) string {
	switch fileType {
	case fileTypeLog:
		return fs.PathJoin(dirname, fmt.Sprintf("%06d.log", fileNum))
	case fileTypeLock:
		return fs.PathJoin(dirname, "LOCK")
	case fileTypeTable:
		return fs.PathJoin(dirname, fmt.Sprintf("%06d.sst", fileNum))
	case fileTypeManifest:
		return fs.PathJoin(dirname, fmt.Sprintf("MANIFEST-%06d", fileNum))
	case fileTypeCurrent:
		return fs.PathJoin(dirname, "CURRENT")
	case fileTypeTemp:
		return fs.PathJoin(dirname, fmt.Sprintf("%06d.dbtmp", fileNum))
	}
	panic("unreachable")
}

// parseDBFilename parses the file type and number from a name within the
// database directory. It returns ok=false for names it does not recognize,
// which callers treat as foreign files to be left alone.
func parseDBFilename(filename string) (fileType fileType, fileNum uint64, ok bool) {
	switch {
	case filename == "CURRENT":
		return fileTypeCurrent, 0, true
	case filename == "LOCK":
		return fileTypeLock, 0, true
	case strings.HasPrefix(filename, "MANIFEST-"):
		u, err := strconv.ParseUint(filename[len("MANIFEST-"):], 10, 64)
		if err != nil {
			break
		}
		return fileTypeManifest, u, true
	default:
		i := strings.IndexByte(filename, '.')
		if i < 0 {
			break
		}
		u, err := strconv.ParseUint(filename[:i], 10, 64)
		if err != nil {
			break
		}
		switch filename[i+1:] {
		case "log":
			return fileTypeLog, u, true
		case "sst":
			return fileTypeTable, u, true
		case "dbtmp":
			return fileTypeTemp, u, true
		}
	}
	return 0, 0, false
}

// setCurrentFile points the CURRENT file at the given manifest. The write
// happens via a temp file and an atomic rename.
func setCurrentFile(dirname string, fs vfs.FS, manifestFileNum uint64) error {
	newFilename := dbFilename(fs, dirname, fileTypeCurrent, manifestFileNum)
	tmpFilename := dbFilename(fs, dirname, fileTypeTemp, manifestFileNum)
	fs.Remove(tmpFilename)
	f, err := fs.Create(tmpFilename)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "MANIFEST-%06d\n", manifestFileNum); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return fs.Rename(tmpFilename, newFilename)
}
