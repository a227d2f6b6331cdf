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
	"runtime"

	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/quiverhv/tdpmmu/pkg/spte"
)

// iter walks a subtree in guest frame order, pre-order: a non-leaf entry
// is visited before its children. It holds no locks of its own; the caller
// holds the tree lock in either mode and a grace period reference. Entry
// values observed through oldSPTE are snapshots and may be stale the
// moment they are read; mutation through setEntryAtomic detects staleness.
type iter struct {
	m    *MMU
	root *Page

	// minLevel bounds descent; entries below it are never visited.
	minLevel spte.Level

	// nextLastLevelGFN is the iteration cursor: the next minLevel-sized
	// frame to visit. yieldedGFN is its value at the last yield; equality
	// means no forward progress since, and the next yield is refused.
	nextLastLevelGFN spte.GFN
	yieldedGFN       spte.GFN

	level spte.Level
	gfn   spte.GFN
	// pts[l] is the page holding the current position's entry at level l.
	pts     [spte.MaxLevel + 1]*Page
	sptep   *atomicbitops.Uint64
	oldSPTE spte.SPTE

	valid   bool
	yielded bool
}

func (it *iter) init(m *MMU, root *Page, minLevel spte.Level, start spte.GFN) {
	it.m = m
	it.root = root
	it.minLevel = minLevel
	it.nextLastLevelGFN = start
	it.yieldedGFN = 0
	it.yielded = false
	it.restart()
}

// restart repositions at the root entry covering the cursor. Used at init
// and after a yield, when pages cached in pts may have been detached.
func (it *iter) restart() {
	it.level = it.root.level
	it.pts[it.level] = it.root
	it.gfn = spte.BaseGFN(it.nextLastLevelGFN, it.level)
	it.valid = true
	it.refresh()
}

// refresh points sptep at the current entry and snapshots it.
func (it *iter) refresh() {
	it.sptep = &it.pts[it.level].entries[spte.IndexAt(it.gfn, it.level)]
	it.oldSPTE = spte.SPTE(it.sptep.Load())
}

// tryStepDown descends into the current entry's child table, if the entry
// is a present non-leaf above minLevel and the child is still live.
func (it *iter) tryStepDown() bool {
	if it.level <= it.minLevel {
		return false
	}
	// Re-read: a concurrent mutator may have replaced the entry since the
	// snapshot, and descending through a stale value would walk a detached
	// subtree.
	it.oldSPTE = spte.SPTE(it.sptep.Load())
	if !it.oldSPTE.IsPresent() || it.oldSPTE.IsLeaf(it.level) {
		return false
	}
	child := it.m.arena.get(handle(it.oldSPTE.PFN()))
	if child == nil {
		return false
	}
	it.stepDown(child)
	return true
}

// stepDown descends into child without consulting the current entry. The
// merge path uses it directly while the parent entry is frozen.
func (it *iter) stepDown(child *Page) {
	it.level--
	it.pts[it.level] = child
	it.gfn = spte.BaseGFN(it.nextLastLevelGFN, it.level)
	it.refresh()
}

// tryStepSide advances to the next entry in the current page.
func (it *iter) tryStepSide() bool {
	if spte.IndexAt(it.gfn, it.level) == spte.EntriesPerPage-1 {
		return false
	}
	it.gfn += spte.PagesPerLevel(it.level)
	it.nextLastLevelGFN = it.gfn
	it.refresh()
	return true
}

// stepSideRaw is tryStepSide without cursor maintenance, for fixed-span
// child scans during merge.
func (it *iter) stepSideRaw() bool {
	if spte.IndexAt(it.gfn, it.level) == spte.EntriesPerPage-1 {
		return false
	}
	it.gfn += spte.PagesPerLevel(it.level)
	it.refresh()
	return true
}

func (it *iter) tryStepUp() bool {
	if it.level == it.root.level {
		return false
	}
	it.level++
	it.gfn = spte.BaseGFN(it.gfn, it.level)
	it.refresh()
	return true
}

// next advances to the next entry in pre-order. After a yield it restarts
// from the root instead, since cached parent pages may be stale.
func (it *iter) next() {
	if it.yielded {
		it.yielded = false
		it.yieldedGFN = it.nextLastLevelGFN
		it.restart()
		return
	}
	if it.tryStepDown() {
		return
	}
	for {
		if it.tryStepSide() {
			return
		}
		if !it.tryStepUp() {
			it.valid = false
			return
		}
	}
}

// condResched yields the tree lock mid-walk if the scheduler asks for it,
// but only when the walk has advanced since the last yield, guaranteeing
// forward progress. If flush is set, pending removals are made globally
// visible before dropping the lock. Returns true if it yielded; the caller
// must then let next() restart the walk before touching the entry.
func (it *iter) condResched(flush, shared bool) bool {
	if !it.m.needResched() {
		return false
	}
	if it.nextLastLevelGFN == it.yieldedGFN {
		return false
	}
	if flush {
		it.m.track()
	}
	if shared {
		it.m.mu.RUnlock()
	} else {
		it.m.mu.Unlock()
	}
	runtime.Gosched()
	if shared {
		it.m.mu.RLock()
	} else {
		it.m.mu.Lock()
	}
	it.yielded = true
	return true
}
