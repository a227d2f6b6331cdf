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
	"github.com/quiverhv/tdpmmu/pkg/spte"
)

// setEntry stores new at the iterator's position in exclusive mode. The
// caller holds the tree write lock, so no freeze is needed; the entry is
// swapped directly and bookkeeping runs on the observed old value.
//
// Private side effects that the trust module reports as transiently busy
// are retried in place: exclusive mode cannot return ErrRetry to a vCPU,
// and the write lock guarantees the conflicting operation is not another
// tree mutator.
func (m *MMU) setEntry(it *iter, new spte.SPTE) {
	p := it.pts[it.level]
	old := spte.SPTE(it.sptep.Swap(uint64(new)))
	if p.private {
		for {
			err := m.propagatePrivate(p, it.gfn, it.level, old, new)
			if err != ErrRetry {
				// Either done, or fatal and already recorded; a dead
				// MMU keeps the entry as swapped.
				break
			}
		}
	}
	m.handleChanged(p, it.gfn, it.level, old, new, false /* shared */)
	it.oldSPTE = new
}

// setEntryAtomic installs new at the iterator's position in shared mode.
// The caller holds the tree read lock. Returns ErrRetry if the entry no
// longer matches the iterator's snapshot, in which case the snapshot is
// refreshed so the caller can re-examine it.
//
// Every transition on a private page uses the frozen sentinel: the entry
// is first CASed to the removal marker, which no other shared-mode mutator
// will touch, then the trust module calls for the transition run, in
// either direction, and only then is the final value stored. On module
// failure the snapshot value is restored and the slot is live again, so a
// transient refusal never strands the local tree ahead of the mirror.
func (m *MMU) setEntryAtomic(it *iter, new spte.SPTE) error {
	p := it.pts[it.level]
	old := it.oldSPTE
	if old.IsRemoved() {
		// The snapshot is another thread's freeze; a CAS from it would
		// steal the slot mid-transition.
		it.oldSPTE = spte.SPTE(it.sptep.Load())
		return ErrRetry
	}

	if !p.private || new.IsRemoved() {
		// Shared class, or an explicit freeze: a bare CAS suffices.
		if !it.sptep.CompareAndSwap(uint64(old), uint64(new)) {
			it.oldSPTE = spte.SPTE(it.sptep.Load())
			return ErrRetry
		}
		if !new.IsRemoved() {
			m.handleChanged(p, it.gfn, it.level, old, new, true /* shared */)
		}
		it.oldSPTE = new
		return nil
	}

	// Private class: freeze, mirror, commit.
	if !it.sptep.CompareAndSwap(uint64(old), uint64(spte.Removed)) {
		it.oldSPTE = spte.SPTE(it.sptep.Load())
		return ErrRetry
	}
	if err := m.propagatePrivate(p, it.gfn, it.level, old, new); err != nil {
		it.sptep.Store(uint64(old))
		it.oldSPTE = old
		return err
	}
	it.sptep.Store(uint64(new))
	m.handleChanged(p, it.gfn, it.level, old, new, true /* shared */)
	it.oldSPTE = new
	return nil
}

// handleChanged performs the local bookkeeping for an observed old -> new
// entry transition at gfn/level within p: statistics, backing
// accessed/dirty propagation, deferred frame release, and dismantling of
// removed child tables. Trust module traffic for the transition has
// already run (propagatePrivate, before the commit). It must be called
// exactly once per committed transition, by the mutator that performed it.
func (m *MMU) handleChanged(p *Page, gfn spte.GFN, level spte.Level, old, new spte.SPTE, shared bool) {
	if old == new {
		return
	}
	wasLeaf := old.IsLeaf(level)
	isLeaf := new.IsLeaf(level)
	if wasLeaf && isLeaf && old.PFN() != new.PFN() {
		// A leaf's frame is immutable while present; it must be
		// removed and reinstalled to change. Seeing otherwise means a
		// mutator bypassed the protocol.
		m.fatalf("leaf frame changed in place: gfn:%#x level:%d %v -> %v", gfn, level, old, new)
		return
	}

	if p.private && (wasLeaf || old.IsPrivateZapped()) && !new.IsPresent() && !new.IsPrivateZapped() {
		// The mapping is gone from the mirror too; release the frame
		// once every vCPU has observed the removal.
		m.deferUnpin(old.PFN(), level)
	}
	if !old.IsPresent() && !new.IsPresent() {
		return
	}

	if wasLeaf && !isLeaf {
		m.adjustLeaves(level, -1)
	} else if !wasLeaf && isLeaf {
		m.adjustLeaves(level, 1)
	}

	if wasLeaf && old.Dirty() && (!isLeaf || !new.Dirty()) {
		m.backing.MarkDirty(old.PFN())
	}
	if wasLeaf && old.Accessed() && (!isLeaf || !new.Accessed()) {
		m.backing.MarkAccessed(old.PFN())
	}

	if old.IsPresent() && !old.IsLeaf(level) && (!new.IsPresent() || new.IsLeaf(level)) {
		// A child table was disconnected; dismantle it.
		if child := m.arena.get(handle(old.PFN())); child != nil {
			m.handleRemovedTable(child, shared)
		}
	}
}

// handleRemovedTable dismantles a page that has just been disconnected
// from the tree. Each entry is frozen to the removal marker so that a
// concurrent shared-mode mutator racing on a stale pointer backs off, then
// processed as a removal. Runs recursively for nested tables, children
// first, mirroring the install order in reverse.
func (m *MMU) handleRemovedTable(child *Page, shared bool) {
	m.unaccountTable(child)
	level := child.level
	for i := 0; i < spte.EntriesPerPage; i++ {
		var old spte.SPTE
		if shared {
			// A racing mutator may itself have frozen the slot; spin
			// until we observe the real value it commits or restores.
			for {
				old = spte.SPTE(child.entries[i].Swap(uint64(spte.Removed)))
				if !old.IsRemoved() {
					break
				}
			}
		} else {
			old = spte.SPTE(child.entries[i].Load())
			if !old.IsPresent() && !old.IsPrivateZapped() {
				continue
			}
			child.entries[i].Store(uint64(spte.Removed))
		}
		gfn := child.entryGFN(i)
		if child.private {
			// Mid-dismantle there is no prior value to restore, so
			// transient module refusals are retried until they clear.
			for {
				if m.propagatePrivate(child, gfn, level, old, 0) != ErrRetry {
					break
				}
			}
		}
		m.handleChanged(child, gfn, level, old, 0, shared)
	}
	if child.private {
		if err := m.module.UnlinkTable(child.gfn, level+1, child.mirror); err != nil {
			// The mirror table is stuck; leak the page rather than
			// recycle a frame the module still references.
			m.moduleCallErr("unlink table", child.gfn, level+1, err)
			return
		}
	}
	m.deferFree(child)
}
