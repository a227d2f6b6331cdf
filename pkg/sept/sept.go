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

// Package sept defines the interface to the external trust module that
// independently maintains the mirrored ("secure") page tables for private
// guest memory.
//
// The module is the ultimate authority over private frame ownership. Every
// call here is paired one-to-one with a local entry transition in package
// tdp, under the same freeze/commit discipline, so the two views never
// observably diverge. Calls are fallible and possibly slow; transient
// statuses are modeled as retryable errors, disagreements about state as
// fatal ones.
package sept

import (
	"errors"

	"github.com/quiverhv/tdpmmu/pkg/spte"
)

// Handle is an opaque token for the module's view of one mirrored page
// table page. It is created by LinkTable (or Split) and destroyed by
// UnlinkTable (or Merge), never independently of the corresponding node.
type Handle uint64

// NilHandle is the zero Handle.
const NilHandle Handle = 0

// Transient statuses. Callers treat these as benign races: another thread
// already performed, or is still performing, the conflicting operation.
var (
	// ErrBusy indicates the module-side entry is locked by a concurrent
	// operation.
	ErrBusy = errors.New("mirrored entry busy")

	// ErrRetryPending indicates partial acceptance: some constituent
	// sub-pages are still pending on the guest side (merge, unblock).
	ErrRetryPending = errors.New("mirrored operation pending")

	// ErrAlreadyBlocked indicates a block call found the range already
	// blocked.
	ErrAlreadyBlocked = errors.New("mirrored range already blocked")

	// ErrAlreadyPresent indicates an add/augment/link call found an
	// identical mapping already installed.
	ErrAlreadyPresent = errors.New("mirrored entry already present")
)

// ErrInvalid indicates an invalid-operand or protocol violation: the
// hypervisor and the module disagree about state in a way that cannot be a
// benign race. This must never be retried.
var ErrInvalid = errors.New("mirrored entry state violation")

// IsRetryable returns true if err is a transient status that the caller
// may recover from by retrying the surrounding operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBusy) ||
		errors.Is(err, ErrRetryPending) ||
		errors.Is(err, ErrAlreadyBlocked) ||
		errors.Is(err, ErrAlreadyPresent)
}

// Module is the narrow interface the trust module exposes for private
// mappings. gfn arguments are aligned to the base of the level-sized range.
//
// Implementations must be safe for concurrent use; the MMU serializes only
// operations on the same entry, not the module as a whole.
type Module interface {
	// AddLeaf installs a private leaf during guest build, before
	// measurement is finalized.
	AddLeaf(gfn spte.GFN, level spte.Level, pfn spte.PFN) error

	// AugmentLeaf installs a private leaf at run time.
	AugmentLeaf(gfn spte.GFN, level spte.Level, pfn spte.PFN) error

	// RemoveLeaf removes a private leaf. The range must have been blocked
	// and the epoch advanced first.
	RemoveLeaf(gfn spte.GFN, level spte.Level, pfn spte.PFN) error

	// LinkTable links a mirrored child table under the entry covering gfn
	// at level.
	LinkTable(gfn spte.GFN, level spte.Level, child Handle) error

	// UnlinkTable removes an empty mirrored child table.
	UnlinkTable(gfn spte.GFN, level spte.Level, child Handle) error

	// Split demotes the huge leaf covering gfn at level into child leaves
	// held by the given mirrored table.
	Split(gfn spte.GFN, level spte.Level, child Handle) error

	// Merge promotes the child leaves held by the mirrored table into one
	// huge leaf at level. Returns ErrRetryPending if only some sub-pages
	// were accepted by the guest.
	Merge(gfn spte.GFN, level spte.Level, child Handle) error

	// Block temporarily revokes the leaf covering gfn at level. The frame
	// is retained by the module.
	Block(gfn spte.GFN, level spte.Level) error

	// Unblock restores a previously blocked leaf.
	Unblock(gfn spte.GFN, level spte.Level) error

	// AdvanceEpoch advances the module's TLB tracking epoch. Entries
	// re-entering the guest after this call observe the new epoch.
	AdvanceEpoch() error
}

// None is the backend for non-confidential VMs: every operation succeeds
// without side effects. Selected once at VM creation.
type None struct{}

// AddLeaf implements Module.AddLeaf.
func (None) AddLeaf(spte.GFN, spte.Level, spte.PFN) error { return nil }

// AugmentLeaf implements Module.AugmentLeaf.
func (None) AugmentLeaf(spte.GFN, spte.Level, spte.PFN) error { return nil }

// RemoveLeaf implements Module.RemoveLeaf.
func (None) RemoveLeaf(spte.GFN, spte.Level, spte.PFN) error { return nil }

// LinkTable implements Module.LinkTable.
func (None) LinkTable(spte.GFN, spte.Level, Handle) error { return nil }

// UnlinkTable implements Module.UnlinkTable.
func (None) UnlinkTable(spte.GFN, spte.Level, Handle) error { return nil }

// Split implements Module.Split.
func (None) Split(spte.GFN, spte.Level, Handle) error { return nil }

// Merge implements Module.Merge.
func (None) Merge(spte.GFN, spte.Level, Handle) error { return nil }

// Block implements Module.Block.
func (None) Block(spte.GFN, spte.Level) error { return nil }

// Unblock implements Module.Unblock.
func (None) Unblock(spte.GFN, spte.Level) error { return nil }

// AdvanceEpoch implements Module.AdvanceEpoch.
func (None) AdvanceEpoch() error { return nil }
