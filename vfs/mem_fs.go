// Copyright 2025 The Mica Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package vfs

import (
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

const sep = "/"

// NewMem returns a new memory-backed FS implementation. It is useful for
// tests, and for databases that should never touch persistent storage.
//
// The FS is safe for concurrent use, and its contents survive closing and
// re-opening files, which makes it suitable for crash-restart tests: reuse
// the same FS across an Open / Close / Open cycle.
func NewMem() *MemFS {
	return &MemFS{
		root: &memNode{
			children: make(map[string]*memNode),
			isDir:    true,
		},
	}
}

// MemFS implements FS.
type MemFS struct {
	mu   sync.Mutex
	root *memNode
}

var _ FS = (*MemFS)(nil)

// String renders the tree, for debugging.
func (y *MemFS) String() string {
	y.mu.Lock()
	defer y.mu.Unlock()

	var sb strings.Builder
	y.root.dump(&sb, 0)
	return sb.String()
}

// walk walks the directory tree for the fullname, calling f at each step.
// If f returns an error, the walk will be aborted and return that same
// error.
//
// Each walk is atomic: y's mutex is held for the entire operation,
// including all calls to f.
//
// dir is the directory at that step, frag is the name fragment, and final
// is whether it is the final step. For example, walking "/foo/bar/x" will
// result in 3 calls to f:
//   - "/", "foo", false
//   - "/foo/", "bar", false
//   - "/foo/bar/", "x", true
func (y *MemFS) walk(fullname string, f func(dir *memNode, frag string, final bool) error) error {
	y.mu.Lock()
	defer y.mu.Unlock()

	// For memfs, the current working directory is the same as the root
	// directory, so strip off any leading "/"s to make fullname a relative
	// path, and the walk starts at y.root. A trailing "/" walks into the
	// named directory with an empty final fragment, which is how List
	// addresses a directory's contents.
	fullname = strings.TrimLeft(fullname, sep)
	dir := y.root

	for {
		frag, remaining := fullname, ""
		i := strings.IndexRune(fullname, '/')
		final := i < 0
		if !final {
			frag, remaining = fullname[:i], strings.TrimLeft(fullname[i+1:], sep)
		}
		if err := f(dir, frag, final); err != nil {
			return err
		}
		if final {
			break
		}
		child := dir.children[frag]
		if child == nil {
			return &os.PathError{Op: "walk", Path: fullname, Err: os.ErrNotExist}
		}
		if !child.isDir {
			return errors.Newf("mica/vfs: %q is not a directory", frag)
		}
		dir, fullname = child, remaining
	}
	return nil
}

// Create implements FS.Create. The returned file is write-only: reads
// through it fail, and the file must be reopened with Open to be read.
func (y *MemFS) Create(fullname string) (File, error) {
	var ret *memFile
	err := y.walk(fullname, func(dir *memNode, frag string, final bool) error {
		if final {
			if frag == "" {
				return errors.New("mica/vfs: empty file name")
			}
			n := &memNode{name: frag, modTime: time.Now()}
			dir.children[frag] = n
			ret = &memFile{n: n, write: true}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

// Open implements FS.Open.
func (y *MemFS) Open(fullname string) (File, error) {
	return y.open(fullname, false)
}

// OpenForAppend implements FS.OpenForAppend.
func (y *MemFS) OpenForAppend(fullname string) (File, error) {
	return y.open(fullname, true)
}

func (y *MemFS) open(fullname string, appendTo bool) (File, error) {
	var ret *memFile
	err := y.walk(fullname, func(dir *memNode, frag string, final bool) error {
		if final {
			if n := dir.children[frag]; n != nil {
				ret = &memFile{n: n, write: appendTo, wpos: len(n.data)}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if ret == nil {
		return nil, &os.PathError{Op: "open", Path: fullname, Err: os.ErrNotExist}
	}
	return ret, nil
}

// Remove implements FS.Remove.
func (y *MemFS) Remove(fullname string) error {
	return y.walk(fullname, func(dir *memNode, frag string, final bool) error {
		if final {
			if _, ok := dir.children[frag]; !ok {
				return &os.PathError{Op: "remove", Path: fullname, Err: os.ErrNotExist}
			}
			delete(dir.children, frag)
		}
		return nil
	})
}

// Rename implements FS.Rename.
func (y *MemFS) Rename(oldname, newname string) error {
	var n *memNode
	err := y.walk(oldname, func(dir *memNode, frag string, final bool) error {
		if final {
			n = dir.children[frag]
			delete(dir.children, frag)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if n == nil {
		return &os.PathError{Op: "rename", Path: oldname, Err: os.ErrNotExist}
	}
	return y.walk(newname, func(dir *memNode, frag string, final bool) error {
		if final {
			if frag == "" {
				return errors.New("mica/vfs: empty file name")
			}
			n.name = frag
			dir.children[frag] = n
		}
		return nil
	})
}

// MkdirAll implements FS.MkdirAll.
func (y *MemFS) MkdirAll(dirname string, perm os.FileMode) error {
	return y.walk(dirname, func(dir *memNode, frag string, final bool) error {
		if frag == "" {
			if final {
				return nil
			}
			return errors.New("mica/vfs: empty directory name")
		}
		child := dir.children[frag]
		if child == nil {
			dir.children[frag] = &memNode{
				name:     frag,
				children: make(map[string]*memNode),
				isDir:    true,
				modTime:  time.Now(),
			}
			return nil
		}
		if !child.isDir {
			return errors.Newf("mica/vfs: %q is a file, not a directory", frag)
		}
		return nil
	})
}

// Lock implements FS.Lock.
func (y *MemFS) Lock(fullname string) (io.Closer, error) {
	// FS.Lock excludes other processes, but other processes cannot see this
	// process' memory. A process cannot double-lock, which we enforce with
	// the locked flag on the node.
	var ret io.Closer
	err := y.walk(fullname, func(dir *memNode, frag string, final bool) error {
		if final {
			n := dir.children[frag]
			if n == nil {
				n = &memNode{name: frag, modTime: time.Now()}
				dir.children[frag] = n
			}
			if n.locked {
				return errors.Newf("mica/vfs: file %q already locked", fullname)
			}
			n.locked = true
			ret = &memUnlocker{n: n}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

// List implements FS.List.
func (y *MemFS) List(dirname string) ([]string, error) {
	if !strings.HasSuffix(dirname, sep) {
		dirname += sep
	}
	var ret []string
	err := y.walk(dirname, func(dir *memNode, frag string, final bool) error {
		if final {
			if frag != "" {
				panic("unreachable")
			}
			ret = make([]string, 0, len(dir.children))
			for name := range dir.children {
				ret = append(ret, name)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(ret)
	return ret, nil
}

// Stat implements FS.Stat.
func (y *MemFS) Stat(name string) (os.FileInfo, error) {
	f, err := y.Open(name)
	if err != nil {
		if pe, ok := err.(*os.PathError); ok {
			pe.Op = "stat"
		}
		return nil, err
	}
	defer f.Close()
	return f.Stat()
}

// PathBase implements FS.PathBase.
func (*MemFS) PathBase(p string) string {
	// Note that MemFS uses forward slashes for its separator, hence the use
	// of path.Base, not filepath.Base.
	return path.Base(p)
}

// PathJoin implements FS.PathJoin.
func (*MemFS) PathJoin(elem ...string) string {
	return path.Join(elem...)
}

// memNode holds a file's data or a directory's children.
type memNode struct {
	name    string
	isDir   bool
	modTime time.Time

	// The fields below are protected by the owning MemFS' mutex, which is
	// good enough for the coarse-grained access patterns of a database's
	// files.
	data     []byte
	children map[string]*memNode
	locked   bool
}

func (n *memNode) dump(sb *strings.Builder, depth int) {
	sb.WriteString(strings.Repeat("  ", depth))
	sb.WriteString(n.name)
	if n.isDir {
		sb.WriteString(sep)
		sb.WriteString("\n")
		names := make([]string, 0, len(n.children))
		for name := range n.children {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			n.children[name].dump(sb, depth+1)
		}
		return
	}
	sb.WriteString("\n")
}

// memFile is a reader or writer of a node's data.
type memFile struct {
	n     *memNode
	rpos  int
	wpos  int
	write bool
}

var _ File = (*memFile)(nil)

func (f *memFile) Close() error {
	return nil
}

func (f *memFile) Read(p []byte) (int, error) {
	if f.write {
		return 0, errors.New("mica/vfs: file was opened for writing")
	}
	if f.rpos >= len(f.n.data) {
		return 0, io.EOF
	}
	n := copy(p, f.n.data[f.rpos:])
	f.rpos += n
	return n, nil
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	if f.write {
		return 0, errors.New("mica/vfs: file was opened for writing")
	}
	if off >= int64(len(f.n.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.n.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) Write(p []byte) (int, error) {
	if !f.write {
		return 0, errors.New("mica/vfs: file was not opened for writing")
	}
	f.n.data = append(f.n.data[:f.wpos], p...)
	f.wpos = len(f.n.data)
	f.n.modTime = time.Now()
	return len(p), nil
}

// Seek partially implements io.Seeker: only querying the current write
// position (Seek(0, io.SeekCurrent)) is supported. That is sufficient for
// resuming a record.Writer at the tail of an existing log.
func (f *memFile) Seek(offset int64, whence int) (int64, error) {
	if offset == 0 && whence == io.SeekCurrent {
		return int64(f.wpos), nil
	}
	return 0, errors.New("mica/vfs: unsupported seek")
}

func (f *memFile) Stat() (os.FileInfo, error) {
	return memFileInfo{n: f.n}, nil
}

func (f *memFile) Sync() error {
	return nil
}

// memFileInfo implements os.FileInfo for a memFile.
type memFileInfo struct {
	n *memNode
}

func (i memFileInfo) Name() string       { return i.n.name }
func (i memFileInfo) Size() int64        { return int64(len(i.n.data)) }
func (i memFileInfo) Mode() os.FileMode  { return os.FileMode(0644) }
func (i memFileInfo) ModTime() time.Time { return i.n.modTime }
func (i memFileInfo) IsDir() bool        { return i.n.isDir }
func (i memFileInfo) Sys() interface{}   { return nil }

// memUnlocker releases a lock acquired with MemFS.Lock.
type memUnlocker struct {
	n    *memNode
	once sync.Once
}

func (u *memUnlocker) Close() error {
	u.once.Do(func() { u.n.locked = false })
	return nil
}
