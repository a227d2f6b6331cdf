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
	"testing"
	"time"

	"github.com/quiverhv/tdpmmu/pkg/sept"
	"github.com/quiverhv/tdpmmu/pkg/spte"
)

// TestFrozenEntryForcesRetry holds a private install inside the trust
// module, leaving the entry frozen, and checks that a racing fault on the
// same frame backs off instead of observing the sentinel as a mapping.
func TestFrozenEntryForcesRetry(t *testing.T) {
	m, h := newTestMMU(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	h.mu.Lock()
	h.installHook = func(op string) {
		h.mu.Lock()
		h.installHook = nil
		h.mu.Unlock()
		close(entered)
		<-release
	}
	h.mu.Unlock()

	done := make(chan FaultStatus, 1)
	go func() {
		f := rwFault(50, 1, true)
		status, err := m.HandleFault(&f)
		if err != nil {
			t.Errorf("frozen install fault: %v", err)
		}
		done <- status
	}()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("install never reached the module")
	}

	// The entry is frozen now; a concurrent fault must retry, and a
	// walker must not see a mapping.
	f := rwFault(50, 1, true)
	status, err := m.HandleFault(&f)
	if err != nil {
		t.Fatalf("racing fault: %v", err)
	}
	if status != FaultRetry {
		t.Errorf("racing fault: got %v, wanted %v", status, FaultRetry)
	}
	n := 0
	m.WalkReadonly(0, 50, 51, func(Mapping) bool { n++; return true })
	if n != 0 {
		t.Errorf("walk over frozen entry: got %d mappings, wanted 0", n)
	}

	close(release)
	select {
	case status := <-done:
		if status != FaultFixed {
			t.Errorf("frozen install fault: got %v, wanted %v", status, FaultFixed)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("frozen install never completed")
	}
	if got := mustFault(t, m, rwFault(50, 1, true)); got != FaultSpurious {
		t.Errorf("fault after install: got %v, wanted %v", got, FaultSpurious)
	}
}

// TestLeafFrameChangeIsFatal maps a frame, then makes the backing return a
// different frame for the same guest page. The in-place frame change must
// poison the MMU rather than silently remap.
func TestLeafFrameChangeIsFatal(t *testing.T) {
	h := newHarness()
	pfn := spte.PFN(100)
	h.frameHook = func(gfn spte.GFN, level spte.Level) (spte.PFN, error) {
		return pfn, nil
	}
	m := New(Config{
		Module:  &testModule{h: h},
		Backing: &testBacking{h: h},
	})
	defer m.Close()

	mustFault(t, m, rwFault(0, 1, false))
	h.mu.Lock()
	pfn = 200
	h.mu.Unlock()
	f := rwFault(0, 1, false)
	m.HandleFault(&f)

	if err := m.Err(); !errors.Is(err, ErrVMDead) {
		t.Fatalf("Err after frame change: got %v, wanted %v", err, ErrVMDead)
	}
	// Every further operation refuses.
	if _, err := m.HandleFault(&f); !errors.Is(err, ErrVMDead) {
		t.Errorf("fault on dead MMU: got err %v, wanted %v", err, ErrVMDead)
	}
	if err := m.ZapLeafs(0, 0, 1, ZapPrivateSkip); !errors.Is(err, ErrVMDead) {
		t.Errorf("zap on dead MMU: got err %v, wanted %v", err, ErrVMDead)
	}
}

// TestModuleErrorSeverity injects a transient busy status on a private
// install; the fault must retry without poisoning the MMU.
func TestModuleErrorSeverity(t *testing.T) {
	h := newHarness()
	m := New(Config{
		Module:  &testModule{h: h},
		Backing: &testBacking{h: h},
	})
	defer m.Close()

	h.failOn("AddLeaf", sept.ErrBusy)
	f := rwFault(1, 1, true)
	status, err := m.HandleFault(&f)
	if err != nil {
		t.Fatalf("busy install: %v", err)
	}
	if status != FaultRetry {
		t.Errorf("busy install: got %v, wanted %v", status, FaultRetry)
	}
	if err := m.Err(); err != nil {
		t.Fatalf("busy status poisoned the MMU: %v", err)
	}
	// The retry lands.
	if got := mustFault(t, m, rwFault(1, 1, true)); got != FaultFixed {
		t.Errorf("retried install: got %v, wanted %v", got, FaultFixed)
	}
}
