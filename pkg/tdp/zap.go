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

// ZapPolicy selects what happens to private leaves in a zapped range.
// Shared leaves are always removed outright.
type ZapPolicy int

const (
	// ZapPrivateSkip leaves private mappings in place.
	ZapPrivateSkip ZapPolicy = iota

	// ZapPrivateBlock converts private leaves to the blocked state: the
	// trust module revokes access but the frame stays pinned, so the
	// mapping can be restored without re-adding contents.
	ZapPrivateBlock

	// ZapPrivateRemove removes private leaves outright, releasing their
	// frames after the next epoch advance.
	ZapPrivateRemove
)

// ZapLeafs removes the leaf mappings in [start, end) from every valid root
// of the address space, treating private leaves per policy. The epoch is
// advanced afterwards if anything changed, so returning implies no vCPU
// retains a translation into the zapped range.
//
// Private removal runs in two phases: every live leaf is first blocked,
// the epoch advances, and only then are the blocked entries removed. The
// trust module refuses removal of a mapping that a vCPU could still hold
// a cached translation for.
func (m *MMU) ZapLeafs(as uint8, start, end spte.GFN, policy ZapPolicy) error {
	if m.dead.Load() {
		return m.Err()
	}
	m.mu.Lock()
	if m.blockLeafsLocked(as, start, end, policy) {
		m.track()
	}
	if policy == ZapPrivateRemove {
		if m.removeBlockedLocked(as, start, end) {
			m.track()
		}
	}
	m.mu.Unlock()
	return m.Err()
}

// blockLeafsLocked is the first zap phase: shared leaves are cleared,
// private leaves are blocked. Returns true if anything changed.
func (m *MMU) blockLeafsLocked(as uint8, start, end spte.GFN, policy ZapPolicy) bool {
	changed := false
	m.forEachRoot(as, true /* onlyValid */, func(root *Page) {
		if root.private && policy == ZapPrivateSkip {
			return
		}
		var it iter
		for it.init(m, root, spte.MinLevel, start); it.valid && it.gfn < end; it.next() {
			if it.condResched(changed, false /* shared */) {
				continue
			}
			old := it.oldSPTE
			if !old.IsLeaf(it.level) {
				continue
			}
			if spte.BaseGFN(it.gfn, it.level) < start || it.gfn+spte.PagesPerLevel(it.level) > end {
				// A huge leaf straddling the range boundary is left
				// alone; callers split first if they need precision.
				continue
			}
			var new spte.SPTE
			if root.private {
				new = spte.MakePrivateZapped(old)
			}
			m.setEntry(&it, new)
			changed = true
		}
	})
	return changed
}

// removeBlockedLocked is the second zap phase: blocked private entries in
// the range are removed outright, queueing their frames for release at the
// next epoch drain.
func (m *MMU) removeBlockedLocked(as uint8, start, end spte.GFN) bool {
	changed := false
	m.forEachRoot(as, true /* onlyValid */, func(root *Page) {
		if !root.private {
			return
		}
		var it iter
		for it.init(m, root, spte.MinLevel, start); it.valid && it.gfn < end; it.next() {
			if it.condResched(changed, false /* shared */) {
				continue
			}
			old := it.oldSPTE
			if !old.IsPrivateZapped() {
				continue
			}
			if spte.BaseGFN(it.gfn, it.level) < start || it.gfn+spte.PagesPerLevel(it.level) > end {
				continue
			}
			m.setEntry(&it, 0)
			changed = true
		}
	})
	return changed
}

// ZapAll removes every mapping in the address space, including those under
// invalidated roots still awaiting reclamation, and advances the epoch.
func (m *MMU) ZapAll(as uint8) error {
	if m.dead.Load() {
		return m.Err()
	}
	m.mu.Lock()
	m.forEachRoot(as, false /* onlyValid */, func(root *Page) {
		m.zapRoot(root, false /* shared */)
	})
	m.track()
	m.mu.Unlock()
	return m.Err()
}

// zapRoot removes every entry under root. It runs in two passes: the first
// detaches subtrees of bounded size so that no single dismantle holds
// concurrent faulters frozen for long, the second clears the root level.
func (m *MMU) zapRoot(root *Page, shared bool) {
	if shared {
		g := m.grace.readEnter()
		defer m.grace.readExit(g)
	}
	bound := spte.MaxLevel - 1
	if bound < spte.MinLevel {
		bound = spte.MinLevel
	}
	m.zapRootLevel(root, bound, shared)
	m.zapRootLevel(root, root.level, shared)
}

func (m *MMU) zapRootLevel(root *Page, zapLevel spte.Level, shared bool) {
	var it iter
	for it.init(m, root, zapLevel, 0); it.valid; it.next() {
		if it.condResched(false, shared) {
			continue
		}
		if it.level > zapLevel {
			continue
		}
		old := it.oldSPTE
		if !old.IsPresent() && !old.IsPrivateZapped() {
			continue
		}
		if shared {
			for {
				if it.oldSPTE.IsRemoved() {
					// Another thread holds the slot frozen; it
					// will commit or restore shortly.
					it.refresh()
					continue
				}
				if !it.oldSPTE.IsPresent() && !it.oldSPTE.IsPrivateZapped() {
					break
				}
				if m.setEntryAtomic(&it, 0) != ErrRetry {
					break
				}
			}
		} else {
			m.setEntry(&it, 0)
		}
	}
}

// ZapCollapsible removes small-leaf tables in [start, end) of the shared
// class whose contents could be one contiguous huge mapping, so that the
// next fault maps them huge. Private tables are left alone; collapsing
// them requires the merge protocol on the fault path.
func (m *MMU) ZapCollapsible(as uint8, start, end spte.GFN) error {
	if m.dead.Load() {
		return m.Err()
	}
	m.mu.Lock()
	changed := false
	m.forEachRoot(as, true /* onlyValid */, func(root *Page) {
		if root.private {
			return
		}
		var it iter
		for it.init(m, root, spte.MinLevel+1, start); it.valid && it.gfn < end; it.next() {
			if it.condResched(changed, false /* shared */) {
				continue
			}
			old := it.oldSPTE
			if !old.IsPresent() || old.IsLeaf(it.level) {
				continue
			}
			if spte.BaseGFN(it.gfn, it.level) < start || it.gfn+spte.PagesPerLevel(it.level) > end {
				continue
			}
			child := m.arena.get(handle(old.PFN()))
			if child == nil || !collapsible(child) {
				continue
			}
			m.setEntry(&it, 0)
			changed = true
		}
	})
	if changed {
		m.track()
	}
	m.mu.Unlock()
	return m.Err()
}

// collapsible reports whether child's entries form one contiguous run of
// present leaves.
func collapsible(child *Page) bool {
	first := child.loadEntry(0)
	if !first.IsLeaf(child.level) {
		return false
	}
	step := spte.PagesPerLevel(child.level)
	for i := 1; i < spte.EntriesPerPage; i++ {
		e := child.loadEntry(i)
		if !e.IsLeaf(child.level) || e.PFN() != first.PFN()+spte.PFN(spte.GFN(i)*step) {
			return false
		}
	}
	return true
}

// WriteProtect removes write access from leaves of [start, end) at levels
// at or above minLevel. Shared leaves lose the write bit; private leaves,
// which the trust module cannot map read-only, are blocked instead and
// must be brought back with RestorePrivatePages. Used to start dirty
// tracking over a range.
func (m *MMU) WriteProtect(as uint8, start, end spte.GFN, minLevel spte.Level) error {
	if m.dead.Load() {
		return m.Err()
	}
	if minLevel == 0 {
		minLevel = spte.MinLevel
	}
	m.mu.Lock()
	changed := false
	m.forEachRoot(as, true /* onlyValid */, func(root *Page) {
		var it iter
		for it.init(m, root, minLevel, start); it.valid && it.gfn < end; it.next() {
			if it.condResched(changed, false /* shared */) {
				continue
			}
			old := it.oldSPTE
			if !old.IsLeaf(it.level) || !old.Writable() {
				continue
			}
			if root.private {
				m.setEntry(&it, spte.MakePrivateZapped(old))
			} else {
				m.setEntry(&it, old.ClearWritable())
			}
			changed = true
		}
	})
	if changed {
		m.track()
	}
	m.mu.Unlock()
	return m.Err()
}

// RestorePrivatePages brings every blocked private mapping in the address
// space back live with full access, undoing WriteProtect and
// ZapPrivateBlock. Frames were retained while blocked, so no contents move.
func (m *MMU) RestorePrivatePages(as uint8) error {
	if m.dead.Load() {
		return m.Err()
	}
	m.mu.Lock()
	m.forEachRoot(as, true /* onlyValid */, func(root *Page) {
		if !root.private {
			return
		}
		var it iter
		for it.init(m, root, spte.MinLevel, 0); it.valid; it.next() {
			if it.condResched(false, false /* shared */) {
				continue
			}
			old := it.oldSPTE
			if !old.IsPrivateZapped() {
				continue
			}
			m.setEntry(&it, spte.MakeLeaf(old.PFN(), it.level, restoreOpts))
		}
	})
	m.mu.Unlock()
	return m.Err()
}

// AgeRange clears the accessed bit on leaves in [start, end) and returns
// how many were set, propagating each to the backing.
func (m *MMU) AgeRange(as uint8, start, end spte.GFN) (int, error) {
	if m.dead.Load() {
		return 0, m.Err()
	}
	n := 0
	m.mu.Lock()
	m.forEachRoot(as, true /* onlyValid */, func(root *Page) {
		var it iter
		for it.init(m, root, spte.MinLevel, start); it.valid && it.gfn < end; it.next() {
			if it.condResched(false, false /* shared */) {
				continue
			}
			old := it.oldSPTE
			if !old.IsLeaf(it.level) || !old.Accessed() {
				continue
			}
			m.setEntry(&it, old.ClearAccessed())
			n++
		}
	})
	m.mu.Unlock()
	return n, m.Err()
}

// TestAgeRange reports whether any leaf in [start, end) has been accessed,
// without clearing anything.
func (m *MMU) TestAgeRange(as uint8, start, end spte.GFN) bool {
	found := false
	m.mu.RLock()
	g := m.grace.readEnter()
	m.forEachRoot(as, true /* onlyValid */, func(root *Page) {
		if found {
			return
		}
		var it iter
		for it.init(m, root, spte.MinLevel, start); it.valid && it.gfn < end; it.next() {
			if it.oldSPTE.IsLeaf(it.level) && it.oldSPTE.Accessed() {
				found = true
				return
			}
		}
	})
	m.grace.readExit(g)
	m.mu.RUnlock()
	return found
}

// ClearDirtyRange clears the dirty bit on leaves in [start, end) and
// returns how many were set. Each cleared frame is reported dirty to the
// backing, so no write is lost to the tracker.
func (m *MMU) ClearDirtyRange(as uint8, start, end spte.GFN) (int, error) {
	if m.dead.Load() {
		return 0, m.Err()
	}
	n := 0
	m.mu.Lock()
	changed := false
	m.forEachRoot(as, true /* onlyValid */, func(root *Page) {
		var it iter
		for it.init(m, root, spte.MinLevel, start); it.valid && it.gfn < end; it.next() {
			if it.condResched(changed, false /* shared */) {
				continue
			}
			old := it.oldSPTE
			if !old.IsLeaf(it.level) || !old.Dirty() {
				continue
			}
			m.setEntry(&it, old.ClearDirty())
			n++
			changed = true
		}
	})
	if changed {
		m.track()
	}
	m.mu.Unlock()
	return n, m.Err()
}

// SplitHugePages demotes every leaf in [start, end) above target to target
// level, so that a following ZapLeafs or WriteProtect acts at fine grain
// without losing the surrounding mapping.
func (m *MMU) SplitHugePages(as uint8, start, end spte.GFN, target spte.Level) error {
	if m.dead.Load() {
		return m.Err()
	}
	if target == 0 {
		target = spte.MinLevel
	}
	var ret error
	m.mu.Lock()
	m.forEachRoot(as, true /* onlyValid */, func(root *Page) {
		if ret != nil {
			return
		}
		var it iter
		for it.init(m, root, target, start); it.valid && it.gfn < end; it.next() {
			if it.condResched(false, false /* shared */) {
				continue
			}
			if it.level <= target || !it.oldSPTE.IsLeaf(it.level) {
				continue
			}
			child, err := m.newTable(&it)
			if err != nil {
				ret = err
				return
			}
			old := it.oldSPTE
			for i := 0; i < spte.EntriesPerPage; i++ {
				child.entries[i].Store(uint64(spte.MakeSplitChild(old, it.level, i)))
			}
			m.setEntry(&it, spte.MakeNonLeaf(spte.PFN(child.id)))
			m.accountTable(child)
			m.adjustLeaves(child.level, spte.EntriesPerPage)
			// Descend so pieces above target keep splitting.
		}
	})
	m.mu.Unlock()
	if ret != nil {
		return ret
	}
	return m.Err()
}
