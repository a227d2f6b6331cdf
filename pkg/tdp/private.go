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

	"github.com/quiverhv/tdpmmu/pkg/sept"
	"github.com/quiverhv/tdpmmu/pkg/spte"
)

// propagatePrivate mirrors an old -> new transition at gfn/level into the
// trust module, before the local commit. The caller has frozen the entry
// (or holds the tree write lock). Returns ErrRetry for transient module
// contention, leaving the entry restorable; a fatal error poisons the MMU.
//
// Removal of a non-leaf carries no call of its own: the mirror table is
// unlinked by the dismantle in handleRemovedTable after its leaves are
// gone.
func (m *MMU) propagatePrivate(p *Page, gfn spte.GFN, level spte.Level, old, new spte.SPTE) error {
	switch {
	case new.IsPresent():
		return m.propagatePrivatePresent(p, gfn, old, new, level)
	case old.IsLeaf(level) || old.IsPrivateZapped():
		return m.propagatePrivateAbsent(gfn, level, old, new)
	default:
		return nil
	}
}

// propagatePrivatePresent mirrors an old -> new transition to a present
// value into the trust module. The caller has frozen the entry (or holds
// the tree write lock); new is present. Returns ErrRetry for transient
// module contention, or a fatal error for state disagreements.
func (m *MMU) propagatePrivatePresent(p *Page, gfn spte.GFN, old, new spte.SPTE, level spte.Level) error {
	switch {
	case old.IsPrivateZapped():
		// Reinstalling a blocked mapping. The retained frame must
		// match; the blocked entry is the sole record of the pinned
		// frame.
		if !new.IsLeaf(level) || old.PFN() != new.PFN() {
			return m.fatalf("blocked leaf reinstall mismatch: gfn:%#x level:%d %v -> %v", gfn, level, old, new)
		}
		err := m.module.Unblock(gfn, level)
		if err != nil && errors.Is(err, sept.ErrAlreadyPresent) {
			err = nil
		}
		return m.moduleCallErr("unblock", gfn, level, err)

	case old.IsLeaf(level) && !new.IsLeaf(level):
		// Huge leaf being split into a table. The module demotes in
		// three steps: block the huge mapping, retire stale cached
		// translations, then split it onto the prepared child table.
		child := m.arena.get(handle(new.PFN()))
		if child == nil {
			return m.fatalf("split into recycled table: gfn:%#x level:%d", gfn, level)
		}
		if err := m.module.Block(gfn, level); err != nil && !errors.Is(err, sept.ErrAlreadyBlocked) {
			return m.moduleCallErr("block for split", gfn, level, err)
		}
		if err := m.advanceModuleEpoch(); err != nil {
			return err
		}
		return m.moduleCallErr("split", gfn, level, m.module.Split(gfn, level, child.mirror))

	case new.IsLeaf(level) && !old.IsPresent():
		// Fresh leaf install. Before finalization frames carry initial
		// guest contents and are added; afterwards they are augmented
		// zero-filled.
		var err error
		if m.finalized.Load() {
			err = m.module.AugmentLeaf(gfn, level, new.PFN())
		} else {
			err = m.module.AddLeaf(gfn, level, new.PFN())
		}
		if err != nil && errors.Is(err, sept.ErrAlreadyPresent) {
			err = nil
		}
		return m.moduleCallErr("install leaf", gfn, level, err)

	case new.IsLeaf(level) && old.IsLeaf(level):
		if old.PFN() != new.PFN() {
			return m.fatalf("private leaf frame changed: gfn:%#x level:%d %v -> %v", gfn, level, old, new)
		}
		// Permission or attribute bits only; the mirror tracks
		// presence, not attributes.
		return nil

	case !new.IsLeaf(level) && !old.IsPresent():
		// Fresh non-leaf: link the child's mirror table.
		child := m.arena.get(handle(new.PFN()))
		if child == nil {
			return m.fatalf("link of recycled table: gfn:%#x level:%d", gfn, level)
		}
		return m.moduleCallErr("link table", gfn, level, m.module.LinkTable(gfn, level, child.mirror))

	default:
		return m.fatalf("unexpected private transition: gfn:%#x level:%d %v -> %v", gfn, level, old, new)
	}
}

// propagatePrivateAbsent mirrors the removal of a private leaf, live or
// blocked. A transition to the blocked state retains the frame; a
// transition to the empty state removes the mirror entry. Runs before the
// local commit, so ErrRetry leaves both sides consistent whether the
// caller restores the entry or retries in place.
func (m *MMU) propagatePrivateAbsent(gfn spte.GFN, level spte.Level, old, new spte.SPTE) error {
	if new.IsPrivateZapped() {
		if old.PFN() != new.PFN() {
			return m.fatalf("blocked leaf frame mismatch: gfn:%#x level:%d %v -> %v", gfn, level, old, new)
		}
		err := m.module.Block(gfn, level)
		if err != nil && errors.Is(err, sept.ErrAlreadyBlocked) {
			err = nil
		}
		return m.moduleCallErr("block", gfn, level, err)
	}
	// Full removal.
	if old.IsLeaf(level) {
		if err := m.module.Block(gfn, level); err != nil && !errors.Is(err, sept.ErrAlreadyBlocked) {
			return m.moduleCallErr("block for remove", gfn, level, err)
		}
	}
	if err := m.module.RemoveLeaf(gfn, level, old.PFN()); err != nil {
		cerr := m.moduleCallErr("remove leaf", gfn, level, err)
		if cerr == ErrRetry && old.IsLeaf(level) {
			// The range must not stay blocked behind a live entry if
			// the caller restores it.
			if uerr := m.module.Unblock(gfn, level); uerr != nil && !errors.Is(uerr, sept.ErrAlreadyPresent) {
				return m.fatalf("unblock after failed remove: gfn:%#x level:%d: %v", gfn, level, uerr)
			}
		}
		return cerr
	}
	return nil
}

// advanceModuleEpoch retires stale cached translations in the trust
// module without waiting on vCPUs; the MMU-level epoch wait happens in
// track(). Used mid-protocol where only the module's ordering requirement
// applies.
func (m *MMU) advanceModuleEpoch() error {
	if err := m.module.AdvanceEpoch(); err != nil {
		return m.moduleCallErr("advance epoch", 0, 0, err)
	}
	return nil
}
