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

package fs

import (
	"sync"
	"sync/atomic"
)

// MemInode is an in-memory Inode.
type MemInode struct {
	mu   sync.Mutex
	data []byte
}

// NewMemInode returns an inode holding a copy of data.
func NewMemInode(data []byte) *MemInode {
	ip := &MemInode{}
	ip.data = append(ip.data, data...)
	return ip
}

// Lock implements Inode.Lock.
func (ip *MemInode) Lock() { ip.mu.Lock() }

// Unlock implements Inode.Unlock.
func (ip *MemInode) Unlock() { ip.mu.Unlock() }

// ReadAt implements Inode.ReadAt.
func (ip *MemInode) ReadAt(dst []byte, off uint64) (int, error) {
	if off >= uint64(len(ip.data)) {
		return 0, nil
	}
	return copy(dst, ip.data[off:]), nil
}

// WriteAt implements Inode.WriteAt.
func (ip *MemInode) WriteAt(src []byte, off uint64) (int, error) {
	if end := off + uint64(len(src)); end > uint64(len(ip.data)) {
		grown := make([]byte, end)
		copy(grown, ip.data)
		ip.data = grown
	}
	return copy(ip.data[off:], src), nil
}

// Size returns the current file length.
func (ip *MemInode) Size() int {
	return len(ip.data)
}

// Bytes returns a copy of the file contents.
func (ip *MemInode) Bytes() []byte {
	return append([]byte(nil), ip.data...)
}

// CountingJournal is a Journal that counts its transaction brackets, so
// tests can assert that every filesystem write happened inside one.
type CountingJournal struct {
	begins atomic.Int64
	ends   atomic.Int64
}

// Begin implements Journal.Begin.
func (j *CountingJournal) Begin() { j.begins.Add(1) }

// End implements Journal.End.
func (j *CountingJournal) End() { j.ends.Add(1) }

// Begins returns the number of Begin calls.
func (j *CountingJournal) Begins() int64 { return j.begins.Load() }

// Ends returns the number of End calls.
func (j *CountingJournal) Ends() int64 { return j.ends.Load() }
