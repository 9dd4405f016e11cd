// Copyright 2024 The rv64os Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fs declares the narrow filesystem boundary the memory core
// depends on: locked inode reads and writes, the journal transaction
// bracket, and refcounted file handles. The full filesystem lives
// elsewhere; this package only carries the contract plus an in-memory
// implementation used by tests and the demo CLI.
package fs

import (
	"sync/atomic"
)

// Inode is the slice of the inode layer visible to the memory core.
// Lock must be held across ReadAt and WriteAt, mirroring the
// ilock/readi/iunlock discipline.
type Inode interface {
	Lock()
	Unlock()

	// ReadAt copies file bytes at off into dst and returns the number
	// copied. A read past the end of the file returns a short (possibly
	// zero) count and no error.
	ReadAt(dst []byte, off uint64) (int, error)

	// WriteAt copies src into the file at off, extending it as needed.
	WriteAt(src []byte, off uint64) (int, error)
}

// Journal brackets filesystem mutations in a transaction, the begin_op /
// end_op discipline. Writes that touch the filesystem (mmap write-back)
// must happen inside a Begin/End pair.
type Journal interface {
	Begin()
	End()
}

// NopJournal is a Journal that does nothing, for callers whose backing
// store has no transaction log.
type NopJournal struct{}

// Begin implements Journal.Begin.
func (NopJournal) Begin() {}

// End implements Journal.End.
func (NopJournal) End() {}

// File is a refcounted open-file handle.
type File struct {
	Inode    Inode
	Readable bool
	Writable bool

	refs atomic.Int64
}

// NewFile returns a handle with one reference.
func NewFile(ip Inode, readable, writable bool) *File {
	f := &File{
		Inode:    ip,
		Readable: readable,
		Writable: writable,
	}
	f.refs.Store(1)
	return f
}

// Dup adds a reference and returns f.
func (f *File) Dup() *File {
	f.refs.Add(1)
	return f
}

// Drop removes a reference.
func (f *File) Drop() {
	if f.refs.Add(-1) < 0 {
		panic("fs: drop of unreferenced file")
	}
}

// Refs returns the current reference count.
func (f *File) Refs() int64 {
	return f.refs.Load()
}
