// Copyright 2025 The Quiver Authors.
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

// Package spte defines the encoding of a single page table entry word
// ("SPTE") and the scalar types shared by the TDP MMU packages.
//
// An SPTE is one of:
//
//   - non-present: no permission bits set. The all-zero word is the
//     canonical empty entry.
//   - present leaf: permission bits plus a physical frame number. At levels
//     above the lowest the huge bit marks the entry as a large-page leaf.
//   - present non-leaf: permission bits plus the arena handle of a child
//     table in the frame field. Non-leaf entries never carry the huge bit.
//   - removed: a fixed sentinel value written while a multi-step transition
//     is in flight. It is bit-distinguishable from every legal encoding so
//     concurrent readers can detect the in-flight state and retry.
//   - private-zapped: a non-present value that retains the original frame of
//     a private leaf whose mapping was temporarily revoked ("blocked") in
//     the external trust module. The frame must match the one the module
//     still holds.
//
// All functions here are pure; the atomic access discipline lives in
// package tdp.
package spte

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/hostarch"
)

// GFN is a guest physical frame number.
type GFN uint64

// PFN is a host physical frame number.
type PFN uint64

// Level is a page table level. Level 1 entries map 4KiB pages; each level
// above maps a range 512 times larger. Level 4 is the root table.
type Level int

// Tree geometry.
const (
	BitsPerLevel   = 9
	EntriesPerPage = 1 << BitsPerLevel

	MinLevel Level = 1
	MaxLevel Level = 4
)

// SPTE is a single page table entry word.
type SPTE uint64

const (
	readMask  SPTE = 1 << 0
	writeMask SPTE = 1 << 1
	execMask  SPTE = 1 << 2

	presentMask = readMask | writeMask | execMask

	memTypeShift      = 3
	memTypeMask  SPTE = 0x7 << memTypeShift

	hugeMask     SPTE = 1 << 7
	accessedMask SPTE = 1 << 8
	dirtyMask    SPTE = 1 << 9

	pfnShift      = 12
	pfnMask  SPTE = ((1 << 40) - 1) << pfnShift

	// Software bits, ignored by hardware walkers.
	removedMask       SPTE = 1 << 59
	privateZappedMask SPTE = 1 << 60
)

// Removed is the freeze sentinel. It is a dedicated software bit with no
// permission bits, so it can never collide with a present encoding, and no
// legal non-present encoding sets it.
const Removed SPTE = removedMask

// Opts describes the software-visible attributes of a leaf mapping. The
// memory type is encoded in bits 3-5 of a leaf; the zero value selects
// write-back caching.
type Opts struct {
	Access     hostarch.AccessType
	MemoryType hostarch.MemoryType
}

// PagesPerLevel returns the number of 4KiB frames covered by one entry at
// the given level.
func PagesPerLevel(level Level) GFN {
	return GFN(1) << (BitsPerLevel * (level - 1))
}

// BaseGFN rounds gfn down to the base of the entry covering it at level.
func BaseGFN(gfn GFN, level Level) GFN {
	return gfn &^ (PagesPerLevel(level) - 1)
}

// IndexAt returns the slot index of gfn within a table whose entries are at
// the given level.
func IndexAt(gfn GFN, level Level) int {
	return int((gfn >> (BitsPerLevel * (level - 1))) & (EntriesPerPage - 1))
}

// IsPresent returns true if s is a present mapping or table pointer.
func (s SPTE) IsPresent() bool {
	return s&presentMask != 0
}

// IsLeaf returns true if s is a terminal mapping at the given level.
func (s SPTE) IsLeaf(level Level) bool {
	return s.IsPresent() && (level == MinLevel || s&hugeMask != 0)
}

// IsHuge returns true if s carries the large-page bit.
func (s SPTE) IsHuge() bool {
	return s&hugeMask != 0
}

// IsRemoved returns true if s is the freeze sentinel.
func (s SPTE) IsRemoved() bool {
	return s == Removed
}

// IsPrivateZapped returns true if s is a temporarily revoked private leaf.
func (s SPTE) IsPrivateZapped() bool {
	return !s.IsPresent() && s&privateZappedMask != 0
}

// PFN extracts the frame field. For a present non-leaf this is the arena
// handle of the child table; for a private-zapped entry it is the retained
// frame.
func (s SPTE) PFN() PFN {
	return PFN((s & pfnMask) >> pfnShift)
}

// Writable returns true if s permits writes.
func (s SPTE) Writable() bool {
	return s&writeMask != 0
}

// Accessed returns true if the accessed bit is set.
func (s SPTE) Accessed() bool {
	return s&accessedMask != 0
}

// Dirty returns true if the dirty bit is set.
func (s SPTE) Dirty() bool {
	return s&dirtyMask != 0
}

// Access returns the permission bits as an AccessType.
func (s SPTE) Access() hostarch.AccessType {
	return hostarch.AccessType{
		Read:    s&readMask != 0,
		Write:   s&writeMask != 0,
		Execute: s&execMask != 0,
	}
}

// Opts returns the leaf attributes of s.
func (s SPTE) Opts() Opts {
	return Opts{
		Access:     s.Access(),
		MemoryType: hostarch.MemoryType((s & memTypeMask) >> memTypeShift),
	}
}

func encodeAccess(at hostarch.AccessType) SPTE {
	var s SPTE
	if at.Read {
		s |= readMask
	}
	if at.Write {
		s |= writeMask
	}
	if at.Execute {
		s |= execMask
	}
	return s
}

// MakeLeaf encodes a present leaf mapping pfn at the given level. The
// accessed bit is set unconditionally; the dirty bit is set iff the mapping
// is writable, matching the behavior of hardware-assisted A/D tracking on
// install.
func MakeLeaf(pfn PFN, level Level, opts Opts) SPTE {
	s := encodeAccess(opts.Access)
	s |= SPTE(opts.MemoryType) << memTypeShift
	s |= SPTE(pfn) << pfnShift
	s |= accessedMask
	if level > MinLevel {
		s |= hugeMask
	}
	if opts.Access.Write {
		s |= dirtyMask
	}
	return s
}

// MakeNonLeaf encodes a table pointer. The frame field holds the child
// table's arena handle, keeping parent-to-child links valid across node
// reclamation (handles are stable until the arena slot is recycled).
func MakeNonLeaf(child PFN) SPTE {
	return presentMask | accessedMask | (SPTE(child) << pfnShift)
}

// MakePrivateZapped encodes the temporarily revoked form of the present
// private leaf old. The frame and the huge bit are retained so the mapping
// can be restored, and so teardown can still find the frame the trust
// module holds.
func MakePrivateZapped(old SPTE) SPTE {
	return privateZappedMask | (old & (pfnMask | hugeMask))
}

// MakeSplitChild derives the i'th child leaf of the huge leaf s, one level
// below hugeLevel. Permissions and attributes are inherited; the frame is
// offset by i child-sized strides.
func MakeSplitChild(s SPTE, hugeLevel Level, i int) SPTE {
	childLevel := hugeLevel - 1
	pfn := s.PFN() + PFN(GFN(i)*PagesPerLevel(childLevel))
	return MakeLeaf(pfn, childLevel, s.Opts())
}

// ClearWritable returns s with write permission and the dirty bit removed.
func (s SPTE) ClearWritable() SPTE {
	return s &^ (writeMask | dirtyMask)
}

// ClearAccessed returns s with the accessed bit removed.
func (s SPTE) ClearAccessed() SPTE {
	return s &^ accessedMask
}

// ClearDirty returns s with the dirty bit removed.
func (s SPTE) ClearDirty() SPTE {
	return s &^ dirtyMask
}

// String implements fmt.Stringer.
func (s SPTE) String() string {
	switch {
	case s == 0:
		return "SPTE{empty}"
	case s.IsRemoved():
		return "SPTE{removed}"
	case s.IsPrivateZapped():
		return fmt.Sprintf("SPTE{private-zapped pfn:%#x huge:%t}", s.PFN(), s.IsHuge())
	case !s.IsPresent():
		return fmt.Sprintf("SPTE{non-present %#x}", uint64(s))
	default:
		return fmt.Sprintf("SPTE{pfn:%#x %s huge:%t a:%t d:%t}",
			s.PFN(), s.Access(), s.IsHuge(), s.Accessed(), s.Dirty())
	}
}
