//
// Copyright 2024 Scratchbox2 Project.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package ruletree implements SB2's rule-tree store (spec.md C3): a
// compact, pointer-free, memory-mapped, append-only object database.
// Every object begins with a header carrying a magic number and a type
// tag; every internal reference is a 32-bit byte offset from the start
// of the file, because the file may be mapped at different addresses in
// different processes (absolute pointers can't survive that).
//
// A single writer process (see package writerd) opens the store for
// append; every other process attaches it read-only and never takes a
// lock — see spec.md §5 for the concurrency argument.
package ruletree

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Magic identifies a valid rule-tree object header.
const Magic uint32 = 0xE7A801FF

// Version is the on-disk format version this package reads and writes.
// A mismatch at attach time is fatal: no conversion is attempted
// (sessions are short-lived and rebuilt on upgrade — spec.md §4.3).
const Version uint32 = 4

// Object type tags, stored in every object header.
const (
	TypeFileHdr           uint32 = 1
	TypeCatalog           uint32 = 2
	TypeFsRule            uint32 = 3
	TypeString            uint32 = 4
	TypeObjectList        uint32 = 5
	TypeBintree           uint32 = 6
	TypeInodeStat         uint32 = 7
	TypeUint32            uint32 = 8
	TypeBoolean           uint32 = 9
	TypeExecPreprocRule   uint32 = 10
	TypeExecPolicySelRule uint32 = 11
	TypeNetRule           uint32 = 12
)

// headerSize is the byte layout described in spec.md §6:
//
//	0  magic              u32
//	4  type               u32
//	8  version            u32
//	12 file_size          u32
//	16 max_size           u32
//	20 min_mmap_addr      u64
//	28 min_client_fd      u32
//	32 root_catalog_offs  u32
const headerSize = 36

// objHdrSize is the 8-byte {magic,type} prefix shared by every object.
const objHdrSize = 8

// Offset is a 32-bit byte offset from the start of the rule-tree file.
// Zero means "null reference".
type Offset uint32

// Store is an attached rule-tree file, either in writer (read-write,
// append-only) or reader (read-only) mode.
type Store struct {
	mu       sync.Mutex // guards appends; only meaningful for the writer
	file     *os.File
	data     []byte // mmap'd region, length == MaxSize()
	isWriter bool
	path     string
}

// CreateOpts configures a freshly created rule tree.
type CreateOpts struct {
	MaxSize           uint32
	PreferredMmapAddr uint64
	MinClientSocketFd uint32
}

// Create makes a new rule-tree file at path, writes the file header,
// and mmaps it for read-write access. The caller (the writer daemon)
// keeps the returned Store open for the life of the session; Append*
// calls are not safe to call concurrently from more than one goroutine
// without external synchronization matching "single writer" (spec.md
// §4.3/§5), though Store itself serializes its own append path with an
// internal mutex as a convenience.
func Create(path string, opts CreateOpts) (*Store, error) {
	if opts.MaxSize < headerSize {
		return nil, fmt.Errorf("ruletree: max size %d too small", opts.MaxSize)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, errors.Wrap(err, "ruletree: create")
	}

	if err := f.Truncate(int64(opts.MaxSize)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, errors.Wrap(err, "ruletree: truncate")
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(opts.MaxSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, errors.Wrap(err, "ruletree: mmap")
	}

	s := &Store{file: f, data: data, isWriter: true, path: path}

	binary.LittleEndian.PutUint32(data[0:4], Magic)
	binary.LittleEndian.PutUint32(data[4:8], TypeFileHdr)
	binary.LittleEndian.PutUint32(data[8:12], Version)
	binary.LittleEndian.PutUint32(data[12:16], headerSize) // file_size: header itself is the first object
	binary.LittleEndian.PutUint32(data[16:20], opts.MaxSize)
	binary.LittleEndian.PutUint64(data[20:28], opts.PreferredMmapAddr)
	binary.LittleEndian.PutUint32(data[28:32], opts.MinClientSocketFd)
	binary.LittleEndian.PutUint32(data[32:36], 0) // root catalog, set later

	return s, nil
}

// Attach opens an existing rule tree for reading (or, if keepFd is
// true, retains the fd — used by the writer daemon itself; ordinary
// clients pass keepFd=false and the fd is closed right after mmap,
// since the mapping itself keeps the pages resident).
func Attach(path string, keepFd bool) (*Store, error) {
	flag, prot := os.O_RDONLY, unix.PROT_READ
	if keepFd {
		flag, prot = os.O_RDWR, unix.PROT_READ|unix.PROT_WRITE
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, errors.Wrap(err, "ruletree: open")
	}

	hdrBuf := make([]byte, headerSize)
	if _, err := f.ReadAt(hdrBuf, 0); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "ruletree: read header")
	}

	if binary.LittleEndian.Uint32(hdrBuf[0:4]) != Magic {
		f.Close()
		return nil, fmt.Errorf("ruletree: bad magic in %s", path)
	}
	if binary.LittleEndian.Uint32(hdrBuf[4:8]) != TypeFileHdr {
		f.Close()
		return nil, fmt.Errorf("ruletree: bad file header type in %s", path)
	}
	version := binary.LittleEndian.Uint32(hdrBuf[8:12])
	if version != Version {
		f.Close()
		return nil, fmt.Errorf("ruletree: version mismatch: file has %d, we need %d", version, Version)
	}

	maxSize := binary.LittleEndian.Uint32(hdrBuf[16:20])

	data, err := unix.Mmap(int(f.Fd()), 0, int(maxSize), prot, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "ruletree: mmap")
	}

	s := &Store{file: f, data: data, isWriter: keepFd, path: path}

	if !keepFd {
		f.Close()
		s.file = nil
	}

	return s, nil
}

// Close unmaps the store and, if the fd was kept open, closes it.
func (s *Store) Close() error {
	err := unix.Munmap(s.data)
	if s.file != nil {
		if cerr := s.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// FileSize returns the header's logical file_size field: the byte
// offset one past the last appended object.
func (s *Store) FileSize() uint32 {
	return s.loadU32(12)
}

// MaxSize returns the preallocated maximum mappable size.
func (s *Store) MaxSize() uint32 {
	return binary.LittleEndian.Uint32(s.data[16:20])
}

// MinClientSocketFd returns the floor fd value RPC clients should dup
// their datagram socket above (spec.md §4.6/§6).
func (s *Store) MinClientSocketFd() uint32 {
	return binary.LittleEndian.Uint32(s.data[28:32])
}

// RootCatalog returns the offset of the root catalog, or 0 if it has
// not yet been published.
func (s *Store) RootCatalog() Offset {
	return Offset(s.loadU32(32))
}

// SetRootCatalog publishes the root catalog offset. Per spec.md's
// invariant 3, this must be called exactly once, before any client is
// allowed to observe the file; callers (session bring-up) are
// responsible for sequencing.
func (s *Store) SetRootCatalog(offs Offset) error {
	if !s.isWriter {
		return fmt.Errorf("ruletree: SetRootCatalog called on a read-only store")
	}
	s.storeU32(32, uint32(offs))
	return nil
}

// loadU32/storeU32 perform an atomic single-word access at a byte
// offset into the mapped region — the only form of in-place mutation
// spec.md's invariant 2 permits (besides the fields of an inode-stat
// record, written by the SetInodeStat*/SetDevNode methods in
// objects.go). offset must be 4-byte aligned; Append*
// always rounds objects up to a 4-byte boundary to guarantee this.
func (s *Store) loadU32(offset uint32) uint32 {
	ptr := (*uint32)(unsafe.Pointer(&s.data[offset]))
	return atomic.LoadUint32(ptr)
}

func (s *Store) storeU32(offset uint32, v uint32) {
	ptr := (*uint32)(unsafe.Pointer(&s.data[offset]))
	atomic.StoreUint32(ptr, v)
}

func (s *Store) loadU64(offset uint32) uint64 {
	ptr := (*uint64)(unsafe.Pointer(&s.data[offset]))
	return atomic.LoadUint64(ptr)
}

func (s *Store) storeU64(offset uint32, v uint64) {
	ptr := (*uint64)(unsafe.Pointer(&s.data[offset]))
	atomic.StoreUint64(ptr, v)
}

// align4 rounds n up to the next multiple of 4.
func align4(n uint32) uint32 {
	return (n + 3) &^ 3
}

// appendRaw is the single append primitive: it grows file_size by
// len(buf) (rounded to a 4-byte boundary) and copies buf into the
// newly claimed region, after stamping the object header with Magic
// and objType. Only the writer may call this; it is not reentrant
// (spec.md §4.3), so it takes the store's mutex.
func (s *Store) appendRaw(buf []byte, objType uint32) (Offset, error) {
	if !s.isWriter {
		return 0, fmt.Errorf("ruletree: append called on a read-only store")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint32(buf[4:8], objType)

	cur := s.loadU32(12)
	size := align4(uint32(len(buf)))

	if uint64(cur)+uint64(size) > uint64(s.MaxSize()) {
		return 0, fmt.Errorf("ruletree: out of space (cur=%d, need=%d, max=%d)", cur, size, s.MaxSize())
	}

	copy(s.data[cur:cur+uint32(len(buf))], buf)

	// file_size is advanced only after the bytes are in place, so a
	// reader that notices the new size (it doesn't rely on it — see
	// spec.md §5 — but the ordering still matters for appendRaw's own
	// bookkeeping) never observes a half-written object.
	s.storeU32(12, cur+size)

	return Offset(cur), nil
}

// resolveHeader validates and returns the {magic,type} header at
// offset, or an error if the offset is out of range or the magic
// doesn't match. required, if non-zero, must match the object's type.
func (s *Store) resolveHeader(offs Offset, required uint32) error {
	o := uint32(offs)
	if offs == 0 {
		return fmt.Errorf("ruletree: null offset")
	}
	if uint64(o)+objHdrSize > uint64(s.FileSize()) {
		return fmt.Errorf("ruletree: offset %d out of range", o)
	}
	magic := binary.LittleEndian.Uint32(s.data[o : o+4])
	if magic != Magic {
		return fmt.Errorf("ruletree: bad magic at offset %d", o)
	}
	if required != 0 {
		typ := binary.LittleEndian.Uint32(s.data[o+4 : o+8])
		if typ != required {
			return fmt.Errorf("ruletree: wrong type at offset %d (want %d, got %d)", o, required, typ)
		}
	}
	return nil
}

// Resolve translates offs into a byte slice view of the object's full
// extent, validating magic/type first. Returns nil on any failure
// (invariant 1: a bad offset yields a null reference, never a crash).
func (s *Store) Resolve(offs Offset, required uint32, size uint32) []byte {
	if err := s.resolveHeader(offs, required); err != nil {
		return nil
	}
	o := uint32(offs)
	if uint64(o)+uint64(size) > uint64(s.FileSize()) {
		return nil
	}
	return s.data[o : o+size]
}

// ObjectType returns the type tag stored at offs, or 0 if offs does
// not resolve to a valid object header.
func (s *Store) ObjectType(offs Offset) uint32 {
	if err := s.resolveHeader(offs, 0); err != nil {
		return 0
	}
	o := uint32(offs)
	return binary.LittleEndian.Uint32(s.data[o+4 : o+8])
}

// Path returns the filesystem path the store was created or attached
// from.
func (s *Store) Path() string { return s.path }
