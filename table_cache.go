// Copyright 2025 The Mica Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package mica

import (
	"sync"

	"github.com/cockroachdb/mica/table"
	"github.com/cockroachdb/mica/vfs"
)

// tableCache is a bounded cache from file number to open table readers. It
// is internally synchronized and shared by the read path, the compaction
// merge loop and table validation after builds.
type tableCache struct {
	dirname string
	fs      vfs.FS
	opts    table.ReaderOptions
	size    int

	mu    sync.Mutex
	nodes map[uint64]*tableCacheNode
	dummy tableCacheNode
}

func (c *tableCache) init(dirname string, fs vfs.FS, opts table.ReaderOptions, size int) {
	c.dirname = dirname
	c.fs = fs
	c.opts = opts
	c.size = size
	c.nodes = make(map[uint64]*tableCacheNode)
	c.dummy.next = &c.dummy
	c.dummy.prev = &c.dummy
}

// find returns an iterator positioned before the first entry of the given
// table whose key is >= ekey. A nil ekey positions the iterator before the
// first entry of the table.
func (c *tableCache) find(fileNum uint64, ekey []byte) (internalIterator, error) {
	return c.findInternal(fileNum, ekey, false)
}

// findPoint is find for point lookups: the table's filter block, if any,
// may rule out the key without touching data blocks.
func (c *tableCache) findPoint(fileNum uint64, ekey []byte) (internalIterator, error) {
	return c.findInternal(fileNum, ekey, true)
}

// findInternal opens the table through the cache and seeks it.
//
// Calling findNode gives us the responsibility of decrementing the node's
// refCount. If opening the underlying table resulted in error, we decrement
// straight away. Otherwise, the responsibility passes to the
// tableCacheIter, which decrements when it is closed.
func (c *tableCache) findInternal(
	fileNum uint64, ekey []byte, point bool,
) (internalIterator, error) {
	n := c.findNode(fileNum)
	x := <-n.result
	if x.err != nil {
		c.mu.Lock()
		n.refCount--
		if n.refCount == 0 {
			go n.release()
		}
		c.mu.Unlock()

		// Try loading the table again; the error may be transient.
		go n.load(c)
		return nil, x.err
	}
	n.result <- x
	var iter *table.Iter
	switch {
	case ekey == nil:
		iter = x.reader.NewIter()
	case point:
		iter = x.reader.FindPoint(ekey)
	default:
		iter = x.reader.Find(ekey)
	}
	return &tableCacheIter{
		Iter:  iter,
		cache: c,
		node:  n,
	}, nil
}

// withReader invokes fn with the open reader for the given table.
func (c *tableCache) withReader(fileNum uint64, fn func(*table.Reader) error) error {
	n := c.findNode(fileNum)
	x := <-n.result
	if x.err == nil {
		n.result <- x
	}
	defer func() {
		c.mu.Lock()
		n.refCount--
		if n.refCount == 0 {
			go n.release()
		}
		c.mu.Unlock()
	}()
	if x.err != nil {
		go n.load(c)
		return x.err
	}
	return fn(x.reader)
}

// releaseNode releases a node from the tableCache.
//
// c.mu must be held when calling this.
func (c *tableCache) releaseNode(n *tableCacheNode) {
	delete(c.nodes, n.fileNum)
	n.next.prev = n.prev
	n.prev.next = n.next
	n.refCount--
	if n.refCount == 0 {
		go n.release()
	}
}

// findNode returns the node for the table with the given file number,
// creating that node if it didn't already exist. The caller is responsible
// for decrementing the returned node's refCount.
func (c *tableCache) findNode(fileNum uint64) *tableCacheNode {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.nodes[fileNum]
	if n == nil {
		n = &tableCacheNode{
			fileNum:  fileNum,
			refCount: 1,
			result:   make(chan tableReaderOrError, 1),
		}
		c.nodes[fileNum] = n
		if len(c.nodes) > c.size {
			// Release the least recently used node.
			c.releaseNode(c.dummy.prev)
		}
		go n.load(c)
	} else {
		// Remove n from the doubly-linked list.
		n.next.prev = n.prev
		n.prev.next = n.next
	}
	// Insert n at the front of the doubly-linked list.
	n.next = c.dummy.next
	n.prev = &c.dummy
	n.next.prev = n
	n.prev.next = n
	// The caller is responsible for decrementing the refCount.
	n.refCount++
	return n
}

// evict drops any cached reader for the given file number. It is called
// when the file is about to be deleted.
func (c *tableCache) evict(fileNum uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n := c.nodes[fileNum]; n != nil {
		c.releaseNode(n)
	}
}

func (c *tableCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for n := c.dummy.next; n != &c.dummy; n = n.next {
		n.refCount--
		if n.refCount == 0 {
			go n.release()
		}
	}
	c.nodes = nil
	c.dummy.next = nil
	c.dummy.prev = nil
	return nil
}

type tableReaderOrError struct {
	reader *table.Reader
	err    error
}

type tableCacheNode struct {
	fileNum uint64
	result  chan tableReaderOrError

	// The remaining fields are protected by the tableCache mutex.
	next, prev *tableCacheNode
	refCount   int
}

func (n *tableCacheNode) load(c *tableCache) {
	f, err := c.fs.Open(dbFilename(c.fs, c.dirname, fileTypeTable, n.fileNum))
	if err != nil {
		n.result <- tableReaderOrError{err: err}
		return
	}
	r, err := table.NewReader(f, c.opts)
	if err != nil {
		n.result <- tableReaderOrError{err: err}
		return
	}
	n.result <- tableReaderOrError{reader: r}
}

func (n *tableCacheNode) release() {
	x := <-n.result
	if x.err != nil {
		return
	}
	x.reader.Close()
}

// tableCacheIter wraps a table iterator and releases the cache node when
// closed.
type tableCacheIter struct {
	*table.Iter
	cache    *tableCache
	node     *tableCacheNode
	closeErr error
	closed   bool
}

func (i *tableCacheIter) Close() error {
	if i.closed {
		return i.closeErr
	}
	i.closed = true

	i.cache.mu.Lock()
	i.node.refCount--
	if i.node.refCount == 0 {
		go i.node.release()
	}
	i.cache.mu.Unlock()

	i.closeErr = i.Iter.Close()
	return i.closeErr
}
