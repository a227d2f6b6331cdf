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
	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/quiverhv/tdpmmu/pkg/spte"
)

// Mapping is one present leaf observed by WalkReadonly.
type Mapping struct {
	GFN     spte.GFN
	Level   spte.Level
	PFN     spte.PFN
	Access  hostarch.AccessType
	Private bool
}

// WalkReadonly calls fn for each present leaf in [start, end) across both
// classes of the address space, in ascending guest frame order within each
// class, shared class first. fn returning false stops the walk. The walk
// is a point-in-time observation under concurrent faults: a mapping
// installed or removed while walking may or may not be seen.
func (m *MMU) WalkReadonly(as uint8, start, end spte.GFN, fn func(Mapping) bool) {
	m.mu.RLock()
	g := m.grace.readEnter()
	defer func() {
		m.grace.readExit(g)
		m.mu.RUnlock()
	}()

	stop := false
	m.forEachRoot(as, true /* onlyValid */, func(root *Page) {
		if stop {
			return
		}
		var it iter
		for it.init(m, root, spte.MinLevel, start); it.valid && it.gfn < end; it.next() {
			e := it.oldSPTE
			if !e.IsLeaf(it.level) {
				continue
			}
			if !fn(Mapping{
				GFN:     it.gfn,
				Level:   it.level,
				PFN:     e.PFN(),
				Access:  e.Access(),
				Private: root.private,
			}) {
				stop = true
				return
			}
		}
	})
}

// IsPagePrivate reports whether gfn is currently backed by the private
// class: a live or blocked private mapping covers it.
func (m *MMU) IsPagePrivate(as uint8, gfn spte.GFN) bool {
	private := false
	m.mu.RLock()
	g := m.grace.readEnter()
	m.forEachRoot(as, true /* onlyValid */, func(root *Page) {
		if !root.private || private {
			return
		}
		var it iter
		for it.init(m, root, spte.MinLevel, gfn); it.valid && it.gfn <= gfn; it.next() {
			e := it.oldSPTE
			if e.IsLeaf(it.level) || e.IsPrivateZapped() {
				private = true
				return
			}
			if !e.IsPresent() {
				return
			}
		}
	})
	m.grace.readExit(g)
	m.mu.RUnlock()
	return private
}
