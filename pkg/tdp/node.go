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
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/sync"

	"github.com/quiverhv/tdpmmu/pkg/sept"
	"github.com/quiverhv/tdpmmu/pkg/spte"
)

// handle identifies a Page in the arena. Handles are stable: a handle
// resolves to the same Page until the slot is recycled, which happens only
// after a grace period with no walkers. The zero handle is never allocated.
//
// Non-leaf SPTEs carry the child's handle in their frame field, so
// parent-to-child links are handle-based rather than pointer-based.
type handle uint32

// Page is one node of the paging structure: a table of child slots plus the
// descriptor state that in the original hardware layout lives beside the
// table ("struct kvm_mmu_page").
type Page struct {
	// id is this page's arena handle. Immutable.
	id handle

	// level is the level of the entries contained in this table. A leaf
	// installed in this table maps PagesPerLevel(level) frames. Roots have
	// level == spte.MaxLevel. Immutable.
	level spte.Level

	// gfn is the base of the guest-frame range this table covers.
	// Immutable.
	gfn spte.GFN

	// as is the address space this page belongs to. Immutable.
	as uint8

	// private is the memory class. Immutable.
	private bool

	// root is true for top-level tables. Immutable.
	root bool

	// parent/parentIndex locate the slot pointing at this page. Roots have
	// parent == 0. Immutable after linking.
	parent      handle
	parentIndex int

	// mirror is the trust module's token for the mirrored copy of this
	// table. Non-zero only for private tables. Its lifecycle is driven
	// one-to-one with this page's link/unlink (or split/merge).
	mirror sept.Handle

	// refs is the reference count. Only roots are refcounted; the count
	// starts at 2 (creator + the MMU itself) and the MMU's reference is
	// dropped by invalidation.
	refs atomicbitops.Int64

	// invalid marks a root as unusable; set under the exclusive lock (or
	// during teardown when no other users exist).
	invalid atomicbitops.Bool

	// entries are the child slots. Mutated only through the entry mutation
	// protocol in mutate.go.
	entries [spte.EntriesPerPage]atomicbitops.Uint64
}

// Level returns the level of the entries contained in this table.
func (p *Page) Level() spte.Level { return p.level }

// GFN returns the base of the covered guest-frame range.
func (p *Page) GFN() spte.GFN { return p.gfn }

// AddressSpace returns the address space this page belongs to.
func (p *Page) AddressSpace() uint8 { return p.as }

// Private returns the memory class.
func (p *Page) Private() bool { return p.private }

// Invalid returns true once the root has been invalidated.
func (p *Page) Invalid() bool { return p.invalid.Load() }

// loadEntry returns the current value of slot i.
func (p *Page) loadEntry(i int) spte.SPTE {
	return spte.SPTE(p.entries[i].Load())
}

// covered returns the number of frames one entry of this table maps.
func (p *Page) covered() spte.GFN {
	return spte.PagesPerLevel(p.level)
}

// entryGFN returns the base guest frame mapped by slot i.
func (p *Page) entryGFN(i int) spte.GFN {
	return p.gfn + spte.GFN(i)*p.covered()
}

// arena owns the storage of all Pages of one MMU. Slot indices are handles;
// slot 0 is reserved so that the zero handle stays invalid.
type arena struct {
	mu    sync.Mutex
	slots []*Page
	free  []handle
	live  int
	limit int
}

func newArena(limit int) *arena {
	return &arena{
		slots: make([]*Page, 1, 64),
		limit: limit,
	}
}

// alloc returns a zeroed Page with a fresh (or recycled) handle, or
// ErrNoMemory if the arena is at capacity.
func (a *arena) alloc() (*Page, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.live >= a.limit {
		return nil, ErrNoMemory
	}
	var p *Page
	if n := len(a.free); n > 0 {
		h := a.free[n-1]
		a.free = a.free[:n-1]
		p = &Page{id: h}
		a.slots[h] = p
	} else {
		p = &Page{id: handle(len(a.slots))}
		a.slots = append(a.slots, p)
	}
	a.live++
	return p, nil
}

// get resolves a handle. Returns nil if the slot has been recycled; callers
// inside a read-side critical section never observe that for a handle they
// loaded from a reachable entry.
func (a *arena) get(h handle) *Page {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(h) >= len(a.slots) {
		return nil
	}
	return a.slots[h]
}

// recycle returns p's slot to the free list. Must only be called after a
// grace period has expired since p became unreachable.
func (a *arena) recycle(p *Page) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.slots[p.id] = nil
	a.free = append(a.free, p.id)
	a.live--
}

// inUse returns the number of live pages.
func (a *arena) inUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}
