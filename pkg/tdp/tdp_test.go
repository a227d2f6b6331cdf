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
	"fmt"
	"testing"

	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/sync"

	"github.com/quiverhv/tdpmmu/pkg/sept"
	"github.com/quiverhv/tdpmmu/pkg/spte"
)

// harness bundles the fake trust module and backing behind one lock and a
// shared event log, so tests can assert cross-component ordering.
type harness struct {
	mu     sync.Mutex
	events []string

	// Trust module state.
	leaves map[septKey]*septLeaf
	tables map[sept.Handle]bool
	epochs int

	// One-shot error injection, keyed by operation name.
	failNext map[string]error

	// installHook, if set, runs during leaf installs with mu released,
	// after the event is recorded and before module state changes. Lets
	// tests hold an entry frozen.
	installHook func(op string)

	// Backing state.
	pins      map[spte.PFN]int
	unpins    int
	dirty     map[spte.PFN]bool
	accessed  map[spte.PFN]bool
	frameHook func(gfn spte.GFN, level spte.Level) (spte.PFN, error)
}

type septKey struct {
	gfn   spte.GFN
	level spte.Level
}

type septLeaf struct {
	pfn     spte.PFN
	blocked bool
}

func newHarness() *harness {
	return &harness{
		leaves:   make(map[septKey]*septLeaf),
		tables:   make(map[sept.Handle]bool),
		failNext: make(map[string]error),
		pins:     make(map[spte.PFN]int),
		dirty:    make(map[spte.PFN]bool),
		accessed: make(map[spte.PFN]bool),
	}
}

func (h *harness) record(format string, args ...any) {
	h.events = append(h.events, fmt.Sprintf(format, args...))
}

func (h *harness) injected(op string) error {
	if err, ok := h.failNext[op]; ok {
		delete(h.failNext, op)
		return err
	}
	return nil
}

// failOn arms a one-shot error for the named module operation.
func (h *harness) failOn(op string, err error) {
	h.mu.Lock()
	h.failNext[op] = err
	h.mu.Unlock()
}

// eventIndex returns the index of the first event equal to s at or after
// from, or -1.
func (h *harness) eventIndex(s string, from int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := from; i < len(h.events); i++ {
		if h.events[i] == s {
			return i
		}
	}
	return -1
}

func (h *harness) lastEventIndex(s string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.events) - 1; i >= 0; i-- {
		if h.events[i] == s {
			return i
		}
	}
	return -1
}

// testModule is the fake trust module. It validates the call protocol: a
// state disagreement returns sept.ErrInvalid, which the MMU treats as
// fatal, so a protocol bug fails the test through MMU.Err.
type testModule struct {
	h *harness
}

func (tm *testModule) install(op string, gfn spte.GFN, level spte.Level, pfn spte.PFN) error {
	h := tm.h
	h.mu.Lock()
	h.record("%s(%#x,%d)", op, gfn, level)
	err := h.injected(op)
	hook := h.installHook
	h.mu.Unlock()
	if hook != nil {
		hook(op)
	}
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	k := septKey{gfn, level}
	if l, ok := h.leaves[k]; ok {
		if l.pfn == pfn && !l.blocked {
			return sept.ErrAlreadyPresent
		}
		return fmt.Errorf("%w: %s over existing leaf at %#x/%d", sept.ErrInvalid, op, gfn, level)
	}
	h.leaves[k] = &septLeaf{pfn: pfn}
	return nil
}

func (tm *testModule) AddLeaf(gfn spte.GFN, level spte.Level, pfn spte.PFN) error {
	return tm.install("AddLeaf", gfn, level, pfn)
}

func (tm *testModule) AugmentLeaf(gfn spte.GFN, level spte.Level, pfn spte.PFN) error {
	return tm.install("AugmentLeaf", gfn, level, pfn)
}

func (tm *testModule) RemoveLeaf(gfn spte.GFN, level spte.Level, pfn spte.PFN) error {
	h := tm.h
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("RemoveLeaf(%#x,%d)", gfn, level)
	if err := h.injected("RemoveLeaf"); err != nil {
		return err
	}
	k := septKey{gfn, level}
	l, ok := h.leaves[k]
	if !ok {
		return fmt.Errorf("%w: remove of absent leaf %#x/%d", sept.ErrInvalid, gfn, level)
	}
	if !l.blocked {
		return fmt.Errorf("%w: remove of unblocked leaf %#x/%d", sept.ErrInvalid, gfn, level)
	}
	if l.pfn != pfn {
		return fmt.Errorf("%w: remove pfn mismatch at %#x/%d", sept.ErrInvalid, gfn, level)
	}
	delete(h.leaves, k)
	return nil
}

func (tm *testModule) LinkTable(gfn spte.GFN, level spte.Level, child sept.Handle) error {
	h := tm.h
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("LinkTable(%#x,%d)", gfn, level)
	if err := h.injected("LinkTable"); err != nil {
		return err
	}
	if h.tables[child] {
		return fmt.Errorf("%w: double link of table %d", sept.ErrInvalid, child)
	}
	h.tables[child] = true
	return nil
}

func (tm *testModule) UnlinkTable(gfn spte.GFN, level spte.Level, child sept.Handle) error {
	h := tm.h
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("UnlinkTable(%#x,%d)", gfn, level)
	if err := h.injected("UnlinkTable"); err != nil {
		return err
	}
	if !h.tables[child] {
		return fmt.Errorf("%w: unlink of unknown table %d", sept.ErrInvalid, child)
	}
	delete(h.tables, child)
	return nil
}

// rangeLeaves returns the leaves fully inside [gfn, gfn+span(level)).
func (h *harness) rangeLeaves(gfn spte.GFN, level spte.Level) []septKey {
	span := spte.PagesPerLevel(level)
	var keys []septKey
	for k := range h.leaves {
		if k.gfn >= gfn && k.gfn+spte.PagesPerLevel(k.level) <= gfn+span {
			keys = append(keys, k)
		}
	}
	return keys
}

func (tm *testModule) Block(gfn spte.GFN, level spte.Level) error {
	h := tm.h
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("Block(%#x,%d)", gfn, level)
	if err := h.injected("Block"); err != nil {
		return err
	}
	keys := h.rangeLeaves(gfn, level)
	if len(keys) == 0 {
		return fmt.Errorf("%w: block of unmapped range %#x/%d", sept.ErrInvalid, gfn, level)
	}
	all := true
	for _, k := range keys {
		if !h.leaves[k].blocked {
			all = false
			h.leaves[k].blocked = true
		}
	}
	if all {
		return sept.ErrAlreadyBlocked
	}
	return nil
}

func (tm *testModule) Unblock(gfn spte.GFN, level spte.Level) error {
	h := tm.h
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("Unblock(%#x,%d)", gfn, level)
	if err := h.injected("Unblock"); err != nil {
		return err
	}
	keys := h.rangeLeaves(gfn, level)
	if len(keys) == 0 {
		return fmt.Errorf("%w: unblock of unmapped range %#x/%d", sept.ErrInvalid, gfn, level)
	}
	all := true
	for _, k := range keys {
		if h.leaves[k].blocked {
			all = false
			h.leaves[k].blocked = false
		}
	}
	if all {
		return sept.ErrAlreadyPresent
	}
	return nil
}

func (tm *testModule) Split(gfn spte.GFN, level spte.Level, child sept.Handle) error {
	h := tm.h
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("Split(%#x,%d)", gfn, level)
	if err := h.injected("Split"); err != nil {
		return err
	}
	k := septKey{gfn, level}
	l, ok := h.leaves[k]
	if !ok || !l.blocked {
		return fmt.Errorf("%w: split of absent or unblocked leaf %#x/%d", sept.ErrInvalid, gfn, level)
	}
	if h.tables[child] {
		return fmt.Errorf("%w: split onto live table %d", sept.ErrInvalid, child)
	}
	delete(h.leaves, k)
	h.tables[child] = true
	step := spte.PagesPerLevel(level - 1)
	for i := spte.GFN(0); i < spte.EntriesPerPage; i++ {
		h.leaves[septKey{gfn + i*step, level - 1}] = &septLeaf{pfn: l.pfn + spte.PFN(i*step)}
	}
	return nil
}

func (tm *testModule) Merge(gfn spte.GFN, level spte.Level, child sept.Handle) error {
	h := tm.h
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("Merge(%#x,%d)", gfn, level)
	if err := h.injected("Merge"); err != nil {
		return err
	}
	if !h.tables[child] {
		return fmt.Errorf("%w: merge of unknown table %d", sept.ErrInvalid, child)
	}
	step := spte.PagesPerLevel(level - 1)
	var base spte.PFN
	for i := spte.GFN(0); i < spte.EntriesPerPage; i++ {
		l, ok := h.leaves[septKey{gfn + i*step, level - 1}]
		if !ok {
			return fmt.Errorf("%w: merge with missing piece %d", sept.ErrInvalid, i)
		}
		if i == 0 {
			base = l.pfn
		} else if l.pfn != base+spte.PFN(i*step) {
			return fmt.Errorf("%w: merge with discontiguous piece %d", sept.ErrInvalid, i)
		}
	}
	for i := spte.GFN(0); i < spte.EntriesPerPage; i++ {
		delete(h.leaves, septKey{gfn + i*step, level - 1})
	}
	delete(h.tables, child)
	h.leaves[septKey{gfn, level}] = &septLeaf{pfn: base}
	return nil
}

func (tm *testModule) AdvanceEpoch() error {
	h := tm.h
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("AdvanceEpoch")
	if err := h.injected("AdvanceEpoch"); err != nil {
		return err
	}
	h.epochs++
	return nil
}

// testBacking identity-maps frames and records pin and bookkeeping
// traffic.
type testBacking struct {
	h *harness
}

func (tb *testBacking) Frame(gfn spte.GFN, level spte.Level, private bool) (spte.PFN, error) {
	h := tb.h
	h.mu.Lock()
	defer h.mu.Unlock()
	pfn := spte.PFN(gfn)
	if h.frameHook != nil {
		var err error
		pfn, err = h.frameHook(gfn, level)
		if err != nil {
			return 0, err
		}
	}
	if private {
		h.record("Pin(%#x,%d)", pfn, level)
		// Per the Backing contract, a level-L pin covers the whole
		// range; account each smallest frame so splits and merges
		// must balance exactly.
		for i := spte.PFN(0); i < spte.PFN(spte.PagesPerLevel(level)); i++ {
			h.pins[pfn+i]++
		}
	}
	return pfn, nil
}

func (tb *testBacking) Unpin(pfn spte.PFN, level spte.Level) {
	h := tb.h
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("Unpin(%#x,%d)", pfn, level)
	for i := spte.PFN(0); i < spte.PFN(spte.PagesPerLevel(level)); i++ {
		h.pins[pfn+i]--
	}
	h.unpins++
}

func (tb *testBacking) MarkAccessed(pfn spte.PFN) {
	h := tb.h
	h.mu.Lock()
	defer h.mu.Unlock()
	h.accessed[pfn] = true
}

func (tb *testBacking) MarkDirty(pfn spte.PFN) {
	h := tb.h
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dirty[pfn] = true
}

func (h *harness) pinCount(pfn spte.PFN) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pins[pfn]
}

func (h *harness) moduleLeaf(gfn spte.GFN, level spte.Level) (septLeaf, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.leaves[septKey{gfn, level}]
	if !ok {
		return septLeaf{}, false
	}
	return *l, true
}

func (h *harness) moduleLeafCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.leaves)
}

// newTestMMU returns an MMU wired to a fresh harness, torn down with the
// test.
func newTestMMU(t *testing.T) (*MMU, *harness) {
	t.Helper()
	h := newHarness()
	m := New(Config{
		Module:  &testModule{h: h},
		Backing: &testBacking{h: h},
	})
	t.Cleanup(func() {
		m.Close()
		if err := m.Err(); err != nil {
			t.Errorf("MMU poisoned: %v", err)
		}
	})
	return m, h
}

// mustFault resolves a fault, retrying transient losses, and fails the
// test on anything else.
func mustFault(t *testing.T, m *MMU, f Fault) FaultStatus {
	t.Helper()
	for i := 0; i < 100; i++ {
		status, err := m.HandleFault(&f)
		if err != nil {
			t.Fatalf("HandleFault(%+v): %v", f, err)
		}
		if status != FaultRetry {
			return status
		}
	}
	t.Fatalf("HandleFault(%+v): stuck in retry", f)
	return FaultRetry
}

func rwFault(gfn spte.GFN, level spte.Level, private bool) Fault {
	return Fault{
		GFN:     gfn,
		Level:   level,
		Access:  hostarch.AccessType{Read: true, Write: true},
		Private: private,
	}
}
