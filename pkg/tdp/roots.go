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
	"github.com/quiverhv/tdpmmu/pkg/sept"
	"github.com/quiverhv/tdpmmu/pkg/spte"
)

// rootLess orders roots by (address space, class, identity) in the root
// collection.
func rootLess(a, b *Page) bool {
	if a.as != b.as {
		return a.as < b.as
	}
	if a.private != b.private {
		return b.private
	}
	return a.id < b.id
}

// tryGetRoot takes a reference on root unless its count has already hit
// zero, in which case the root is being torn down and must not be revived.
func tryGetRoot(root *Page) bool {
	for {
		r := root.refs.Load()
		if r == 0 {
			return false
		}
		if root.refs.CompareAndSwap(r, r+1) {
			return true
		}
	}
}

// GetOrCreateRoot returns the valid root for (as, private), creating it if
// none exists, with a reference held. The caller releases it with PutRoot.
// At most one valid root per (as, private) pair exists at a time.
func (m *MMU) GetOrCreateRoot(as uint8, private bool) (*Page, error) {
	if m.dead.Load() {
		return nil, m.Err()
	}
	m.pagesMu.Lock()
	defer m.pagesMu.Unlock()

	var found *Page
	probe := &Page{as: as, private: private}
	m.roots.AscendGreaterOrEqual(probe, func(p *Page) bool {
		if p.as != as || p.private != private {
			return false
		}
		if !p.invalid.Load() && tryGetRoot(p) {
			found = p
			return false
		}
		return true
	})
	if found != nil {
		return found, nil
	}

	root, err := m.arena.alloc()
	if err != nil {
		return nil, ErrNoMemory
	}
	root.level = spte.MaxLevel
	root.as = as
	root.private = private
	root.root = true
	if private {
		root.mirror = sept.Handle(root.id)
	}
	// One reference for the collection, one for the caller. The
	// collection's reference is dropped at invalidation.
	root.refs.Store(2)
	m.roots.ReplaceOrInsert(root)
	return root, nil
}

// PutRoot releases a reference taken by GetOrCreateRoot or forEachRoot.
func (m *MMU) PutRoot(root *Page) {
	m.putRoot(root)
}

func (m *MMU) putRoot(root *Page) {
	r := root.refs.Add(-1)
	if r > 0 {
		return
	}
	if r < 0 || !root.invalid.Load() {
		panic("tdp: root released to zero while still valid")
	}
	m.pagesMu.Lock()
	m.roots.Delete(root)
	m.pagesMu.Unlock()
	m.deferFree(root)
}

// InvalidateAllRoots marks every valid root invalid and queues each for
// asynchronous dismantling. New faults create fresh roots; vCPUs already
// faulting on an old root finish against it harmlessly, since its memory
// stays live until its references drain. If skipPrivate is set, private
// roots are left valid, preserving mappings whose teardown the trust
// module would make expensive to rebuild.
func (m *MMU) InvalidateAllRoots(skipPrivate bool) {
	m.pagesMu.Lock()
	var stale []*Page
	m.roots.Ascend(func(p *Page) bool {
		if p.invalid.Load() || (skipPrivate && p.private) {
			return true
		}
		p.invalid.Store(true)
		stale = append(stale, p)
		return true
	})
	m.pagesMu.Unlock()

	for _, p := range stale {
		// The collection's reference transfers to the reclaim worker,
		// which drops it after zapping.
		m.deferZapRoot(p)
	}
}

// forEachRoot calls fn for each root in address space as, both classes,
// with a reference held across the call. fn runs without pagesMu held, so
// it may mutate the tree.
func (m *MMU) forEachRoot(as uint8, onlyValid bool, fn func(root *Page)) {
	m.pagesMu.Lock()
	var snapshot []*Page
	m.roots.Ascend(func(p *Page) bool {
		if p.as != as {
			return true
		}
		if onlyValid && p.invalid.Load() {
			return true
		}
		if tryGetRoot(p) {
			snapshot = append(snapshot, p)
		}
		return true
	})
	m.pagesMu.Unlock()

	for _, p := range snapshot {
		fn(p)
		m.putRoot(p)
	}
}
