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

package tdp

import (
	"errors"
	"fmt"

	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/quiverhv/tdpmmu/pkg/sept"
	"github.com/quiverhv/tdpmmu/pkg/spte"
)

// FaultStatus is the disposition of a page fault.
type FaultStatus int

const (
	// FaultFixed: the mapping was installed; the vCPU may re-execute.
	FaultFixed FaultStatus = iota

	// FaultRetry: the fault lost a race; the vCPU must re-execute and, if
	// it faults again, re-enter the handler.
	FaultRetry

	// FaultSpurious: the desired mapping was already present.
	FaultSpurious
)

func (s FaultStatus) String() string {
	switch s {
	case FaultFixed:
		return "fixed"
	case FaultRetry:
		return "retry"
	case FaultSpurious:
		return "spurious"
	default:
		return fmt.Sprintf("FaultStatus(%d)", int(s))
	}
}

// Fault describes one guest page fault.
type Fault struct {
	// GFN is the faulting guest frame.
	GFN spte.GFN

	// Level is the desired mapping level; zero means the smallest.
	Level spte.Level

	// AddressSpace selects the root set.
	AddressSpace uint8

	// Access is the access that faulted.
	Access hostarch.AccessType

	// Write requests a writable mapping even if Access does not include
	// write, pre-dirtying the frame.
	Write bool

	// Private selects the private memory class.
	Private bool
}

func (f *Fault) opts() spte.Opts {
	a := f.Access
	if f.Write {
		a.Write = true
	}
	return spte.Opts{Access: a}
}

// restoreOpts is applied when a blocked private mapping is brought back
// live; blocked entries retain only the frame, not the attributes.
var restoreOpts = spte.Opts{Access: hostarch.AnyAccess}

// errCannotMerge aborts a huge merge attempt in favor of mapping at the
// next smaller level.
var errCannotMerge = fmt.Errorf("merge not possible")

// HandleFault resolves f against the tree, installing page table pages
// and the final leaf as needed. It runs in shared mode: any number of
// faults proceed concurrently under the tree read lock.
func (m *MMU) HandleFault(f *Fault) (FaultStatus, error) {
	if m.dead.Load() {
		return FaultRetry, m.Err()
	}
	goal := f.Level
	if goal == 0 {
		goal = spte.MinLevel
	}
	root, err := m.GetOrCreateRoot(f.AddressSpace, f.Private)
	if err != nil {
		return FaultRetry, err
	}
	defer m.PutRoot(root)
	if f.GFN >= spte.PagesPerLevel(root.level)*spte.EntriesPerPage {
		return FaultRetry, fmt.Errorf("gfn %#x beyond guest physical range", f.GFN)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	g := m.grace.readEnter()
	defer m.grace.readExit(g)

	var it iter
	for it.init(m, root, goal, f.GFN); ; it.next() {
		if !it.valid || it.gfn != spte.BaseGFN(f.GFN, it.level) {
			// The walk slid off the faulting frame: a concurrent
			// mutation replaced an entry mid-descent and the iterator
			// stepped to a neighbor. Installing here would map the
			// wrong guest frame.
			return FaultRetry, nil
		}
		old := it.oldSPTE
		if old.IsRemoved() {
			// Another thread holds this entry frozen mid-transition.
			return FaultRetry, nil
		}
		if it.level == goal {
			break
		}
		if old.IsPresent() && !old.IsLeaf(it.level) {
			continue
		}
		if old.IsPrivateZapped() {
			// A blocked huge mapping covers the range above the goal.
			// Bring it back live, then split it on the next pass.
			if err := m.setEntryAtomic(&it, spte.MakeLeaf(old.PFN(), it.level, restoreOpts)); err != nil {
				return m.faultErr(err)
			}
			old = it.oldSPTE
		}
		// Materialize a child table: split a huge leaf, or link a fresh
		// table into an empty slot.
		child, err := m.newTable(&it)
		if err != nil {
			return FaultRetry, err
		}
		if old.IsLeaf(it.level) {
			err = m.splitHugePage(&it, child)
		} else {
			err = m.installTable(&it, child)
		}
		if err != nil {
			m.arena.recycle(child) // never published
			return m.faultErr(err)
		}
	}

	for {
		old := it.oldSPTE
		if old.IsRemoved() {
			return FaultRetry, nil
		}
		if !old.IsPresent() || old.IsLeaf(it.level) {
			break
		}
		// A table occupies the slot where a huge leaf was requested.
		if f.Private {
			status, err := m.mergePrivateHuge(&it)
			if err != errCannotMerge {
				return status, err
			}
		}
		// Map at the next smaller level instead.
		goal--
		it.minLevel = goal
		it.next()
		if !it.valid || it.level != goal || it.gfn != spte.BaseGFN(f.GFN, goal) {
			return FaultRetry, nil
		}
	}

	old := it.oldSPTE
	var pfn spte.PFN
	fresh := false
	if old.IsPrivateZapped() {
		// The blocked entry's retained frame must be reused.
		pfn = old.PFN()
	} else if f.Private && old.IsLeaf(it.level) {
		// Attribute change on a live private leaf; the frame is already
		// pinned and must not be pinned again.
		pfn = old.PFN()
	} else {
		pfn, err = m.backing.Frame(spte.BaseGFN(f.GFN, it.level), it.level, f.Private)
		if err != nil {
			return FaultRetry, err
		}
		fresh = f.Private
	}
	new := spte.MakeLeaf(pfn, it.level, f.opts())
	if new == old {
		return FaultSpurious, nil
	}
	if err := m.setEntryAtomic(&it, new); err != nil {
		if fresh {
			m.backing.Unpin(pfn, it.level)
		}
		return m.faultErr(err)
	}
	return FaultFixed, nil
}

// faultErr maps a mutation error to a fault disposition: races retry,
// anything else surfaces.
func (m *MMU) faultErr(err error) (FaultStatus, error) {
	if err == ErrRetry {
		return FaultRetry, nil
	}
	return FaultRetry, err
}

// newTable allocates a page table page for the slot below the iterator's
// position. The page is private to the caller until installed.
func (m *MMU) newTable(it *iter) (*Page, error) {
	parent := it.pts[it.level]
	child, err := m.arena.alloc()
	if err != nil {
		return nil, ErrNoMemory
	}
	child.level = it.level - 1
	child.gfn = spte.BaseGFN(it.gfn, it.level)
	child.as = parent.as
	child.private = parent.private
	child.parent = parent.id
	child.parentIndex = spte.IndexAt(it.gfn, it.level)
	if child.private {
		child.mirror = sept.Handle(child.id)
	}
	return child, nil
}

// installTable links child into the empty slot at the iterator's position.
func (m *MMU) installTable(it *iter, child *Page) error {
	if err := m.setEntryAtomic(it, spte.MakeNonLeaf(spte.PFN(child.id))); err != nil {
		return err
	}
	m.accountTable(child)
	return nil
}

// splitHugePage replaces the huge leaf at the iterator's position with
// child, whose entries map the same range one level down with identical
// attributes. The installed non-leaf commits via the frozen sentinel, so
// no access through the range is ever lost: readers see either the huge
// leaf or the fully populated table.
func (m *MMU) splitHugePage(it *iter, child *Page) error {
	old := it.oldSPTE
	for i := 0; i < spte.EntriesPerPage; i++ {
		child.entries[i].Store(uint64(spte.MakeSplitChild(old, it.level, i)))
	}
	if err := m.setEntryAtomic(it, spte.MakeNonLeaf(spte.PFN(child.id))); err != nil {
		return err
	}
	m.accountTable(child)
	// handleChanged debited the huge leaf; the pieces appear here.
	m.adjustLeaves(child.level, spte.EntriesPerPage)
	return nil
}

// mergePrivateHuge collapses the fully populated table at the iterator's
// position back into a huge leaf, promoting the mirror accordingly. The
// parent entry stays frozen for the duration; concurrent faults within
// the range back off and retry. Returns errCannotMerge when the table's
// contents cannot form the huge frame, in which case the caller maps at a
// smaller level.
func (m *MMU) mergePrivateHuge(it *iter) (FaultStatus, error) {
	old := it.oldSPTE
	child := m.arena.get(handle(old.PFN()))
	if child == nil {
		return FaultRetry, nil
	}

	// Freeze the parent slot; all faults below it now spin out.
	if !it.sptep.CompareAndSwap(uint64(old), uint64(spte.Removed)) {
		it.oldSPTE = spte.SPTE(it.sptep.Load())
		return FaultRetry, nil
	}
	revert := func() {
		it.sptep.Store(uint64(old))
		it.oldSPTE = old
	}

	// The huge frame is defined by the first present piece; every other
	// piece must be its contiguous continuation. Missing pieces are
	// filled in before promotion.
	base := spte.BaseGFN(it.gfn, it.level)
	hugePFN, ok := m.findMergeFrame(child)
	if !ok {
		revert()
		return FaultRetry, errCannotMerge
	}
	hugeLeaf := spte.MakeLeaf(hugePFN, it.level, restoreOpts)

	ci := *it
	ci.nextLastLevelGFN = base
	ci.minLevel = it.level - 1
	ci.stepDown(child)
	for i := 0; ; i++ {
		co := ci.oldSPTE
		want := spte.MakeSplitChild(hugeLeaf, it.level, i)
		switch {
		case co.IsRemoved():
			revert()
			return FaultRetry, nil
		case co.IsPresent():
			if !co.IsLeaf(ci.level) || co.PFN() != want.PFN() {
				revert()
				return FaultRetry, errCannotMerge
			}
		default:
			// Absent or blocked piece: install it so the table is
			// complete before promotion.
			if co.IsPrivateZapped() && co.PFN() != want.PFN() {
				revert()
				return FaultRetry, errCannotMerge
			}
			fresh := false
			if !co.IsPrivateZapped() {
				// An absent piece has no pinned frame yet. Pin it now;
				// the huge unpin covers its range once absorbed.
				pfn, err := m.backing.Frame(ci.gfn, ci.level, true)
				if err != nil {
					revert()
					return FaultRetry, err
				}
				if pfn != want.PFN() {
					m.backing.Unpin(pfn, ci.level)
					revert()
					return FaultRetry, errCannotMerge
				}
				fresh = true
			}
			if err := m.setEntryAtomic(&ci, want); err != nil {
				if fresh {
					m.backing.Unpin(want.PFN(), ci.level)
				}
				revert()
				return m.faultErr(err)
			}
		}
		if !ci.stepSideRaw() {
			break
		}
	}

	if err := m.module.Block(base, it.level); err != nil && !errors.Is(err, sept.ErrAlreadyBlocked) {
		revert()
		return m.faultErr(m.moduleCallErr("block for merge", base, it.level, err))
	}
	if err := m.advanceModuleEpoch(); err != nil {
		revert()
		return m.faultErr(err)
	}
	if err := m.module.Merge(base, it.level, child.mirror); err != nil {
		// Pending guest-side flushes make the promote transiently
		// impossible. Unblocking must succeed; the range cannot be
		// left inaccessible behind a live entry.
		if uerr := m.module.Unblock(base, it.level); uerr != nil {
			revert()
			return FaultRetry, m.fatalf("unblock after failed merge: gfn:%#x level:%d: %v", base, it.level, uerr)
		}
		revert()
		return m.faultErr(m.moduleCallErr("merge", base, it.level, err))
	}

	// Commit. The pieces' frames are absorbed by the huge mapping; the
	// table page goes back to the arena after a grace period, and its
	// mirror was consumed by the promote.
	it.sptep.Store(uint64(hugeLeaf))
	it.oldSPTE = hugeLeaf
	m.adjustLeaves(child.level, -spte.EntriesPerPage)
	m.adjustLeaves(it.level, 1)
	m.unaccountTable(child)
	m.deferFree(child)
	return FaultFixed, nil
}

// findMergeFrame derives the huge frame from the first present or blocked
// piece in child. Reports false if the table is empty.
func (m *MMU) findMergeFrame(child *Page) (spte.PFN, bool) {
	step := spte.PagesPerLevel(child.level)
	for i := 0; i < spte.EntriesPerPage; i++ {
		e := child.loadEntry(i)
		if e.IsLeaf(child.level) || e.IsPrivateZapped() {
			return e.PFN() - spte.PFN(spte.GFN(i)*step), true
		}
	}
	return 0, false
}
