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

// Package tdp implements a concurrent multi-level page table ("TDP MMU")
// mapping guest physical frames to host physical frames, with an optional
// private memory class whose mappings are mirrored in an external trust
// module (package sept).
//
// Two lock disciplines coexist on the tree. Exclusive mode holds the tree
// write lock and may store entries directly. Shared mode, the page fault hot
// path, holds only the read lock; entries are mutated exclusively through
// per-entry compare-and-swap, and transitions with external side effects
// freeze the entry to a sentinel first (see mutate.go). Node pages freed in
// shared mode are recycled only after a grace period with no walkers (see
// reclaim.go).
package tdp

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/btree"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"

	"github.com/quiverhv/tdpmmu/pkg/sept"
	"github.com/quiverhv/tdpmmu/pkg/spte"
)

// Errors returned by MMU operations.
var (
	// ErrRetry indicates the operation lost a race with a concurrent
	// mutator and should be retried by the caller. It is never the sign of
	// a bug.
	ErrRetry = errors.New("tdp: entry changed, retry")

	// ErrNoMemory indicates a page table page could not be allocated. The
	// caller may yield and retry.
	ErrNoMemory = errors.New("tdp: out of page table pages")

	// ErrVMDead indicates the MMU recorded an unrecoverable consistency
	// violation and the whole VM must be terminated.
	ErrVMDead = errors.New("tdp: MMU state is unrecoverable")
)

// Backing provides the host frames behind guest mappings and receives the
// accessed/dirty bookkeeping for them. Implementations must be safe for
// concurrent use.
type Backing interface {
	// Frame translates an aligned guest frame to the backing host frame,
	// pinning the covered range if private. Pins are accounted at the
	// smallest frame granularity: a level-L call pins the PagesPerLevel(L)
	// contiguous frames the mapping covers, and Unpin at any level
	// releases exactly the range it names. A huge pin may therefore be
	// released piecewise after the mapping is split, and piece pins are
	// absorbed into the single huge release after a merge.
	Frame(gfn spte.GFN, level spte.Level, private bool) (spte.PFN, error)

	// Unpin releases a private range previously pinned by Frame. The MMU
	// guarantees Unpin is not called before every attached vCPU has
	// observed the epoch advanced after the range's removal.
	Unpin(pfn spte.PFN, level spte.Level)

	// MarkAccessed records that the frame was accessed through a mapping
	// that is now being removed or downgraded.
	MarkAccessed(pfn spte.PFN)

	// MarkDirty records that the frame may have been written through a
	// mapping that is now being removed or downgraded.
	MarkDirty(pfn spte.PFN)
}

// directBacking is the default Backing: frames are identity mapped and the
// bookkeeping is dropped.
type directBacking struct{}

func (directBacking) Frame(gfn spte.GFN, level spte.Level, private bool) (spte.PFN, error) {
	return spte.PFN(gfn), nil
}
func (directBacking) Unpin(spte.PFN, spte.Level) {}
func (directBacking) MarkAccessed(spte.PFN)      {}
func (directBacking) MarkDirty(spte.PFN)         {}

// Config configures an MMU instance.
type Config struct {
	// Module mirrors private mappings. Nil selects sept.None, the backend
	// for non-confidential VMs.
	Module sept.Module

	// Backing provides host frames. Nil selects an identity mapping.
	Backing Backing

	// MaxNodes caps the number of page table pages. Zero selects a default.
	MaxNodes int

	// Kick forces the vCPU out of guest mode so that it observes a new
	// epoch. It must not block. Nil means vCPUs are only waited for, i.e.
	// epoch waits complete as vCPUs exit on their own schedule.
	Kick func(*VCPU)

	// NeedResched reports that a bulk walk should yield the tree lock.
	// Nil means walks never yield.
	NeedResched func() bool
}

const defaultMaxNodes = 1 << 16

// pendingUnpin is a private frame whose removal has not yet been observed
// by all vCPUs.
type pendingUnpin struct {
	pfn   spte.PFN
	level spte.Level
}

// MMU is one virtual machine's TDP MMU instance. All counters and epochs
// are scoped to the instance; nothing here is process global.
type MMU struct {
	module  sept.Module
	backing Backing
	kick    func(*VCPU)
	resched func() bool

	// mu is the tree lock: write for exclusive mode, read for shared mode.
	mu sync.RWMutex

	// pagesMu guards roots and pendingUnpins. It nests inside mu and is
	// never held across entry mutations.
	pagesMu       sync.Mutex
	roots         *btree.BTreeG[*Page]
	pendingUnpins []pendingUnpin

	arena *arena
	grace gracePeriod

	// epoch is the TLB consistency epoch.
	epoch     atomicbitops.Uint64
	epochMu   sync.Mutex
	epochCond *sync.Cond
	vcpus     []*VCPU
	nextVCPU  int

	// finalized flips once guest build completes; it selects the trust
	// module's add vs. augment call for private leaf installs.
	finalized atomicbitops.Bool

	// dead latches the first fatal consistency violation.
	dead    atomicbitops.Bool
	deadMu  sync.Mutex
	deadErr error

	// Reclamation queue, consumed by the reclaim goroutine.
	reclaimMu     sync.Mutex
	reclaimCond   *sync.Cond
	reclaimQueue  []reclaimWork
	reclaimClosed bool
	reclaimWG     sync.WaitGroup
	pending       sync.WaitGroup

	// Per-class table counts and per-level leaf counts.
	nTables [2]atomicbitops.Int64
	nLeaves [spte.MaxLevel + 1]atomicbitops.Int64

	busyLog log.Logger
}

// New returns a ready MMU.
func New(cfg Config) *MMU {
	m := &MMU{
		module:  cfg.Module,
		backing: cfg.Backing,
		kick:    cfg.Kick,
		resched: cfg.NeedResched,
		roots:   btree.NewG[*Page](8, rootLess),
		busyLog: log.BasicRateLimitedLogger(time.Second),
	}
	if m.module == nil {
		m.module = sept.None{}
	}
	if m.backing == nil {
		m.backing = directBacking{}
	}
	limit := cfg.MaxNodes
	if limit == 0 {
		limit = defaultMaxNodes
	}
	m.arena = newArena(limit)
	m.grace.init()
	m.epochCond = sync.NewCond(&m.epochMu)
	m.reclaimCond = sync.NewCond(&m.reclaimMu)
	m.reclaimWG.Add(1)
	go m.reclaimLoop() // exits once Close closes the work queue
	return m
}

// Close tears the MMU down: every root is invalidated and zapped, pending
// reclamation is flushed, and the reclaim goroutine exits. The MMU must not
// be used afterwards.
func (m *MMU) Close() {
	m.InvalidateAllRoots(false)
	m.pending.Wait()
	m.drainUnpins()

	m.reclaimMu.Lock()
	m.reclaimClosed = true
	m.reclaimCond.Broadcast()
	m.reclaimMu.Unlock()
	m.reclaimWG.Wait()

	if n := m.arena.inUse(); n != 0 {
		log.Warningf("tdp: %d page table pages leaked at teardown", n)
	}
}

// Finalize marks guest build complete. Private leaf installs switch from
// the trust module's build-time add to the run-time augment call.
func (m *MMU) Finalize() {
	m.finalized.Store(true)
}

// Err returns the recorded fatal error, or nil.
func (m *MMU) Err() error {
	if !m.dead.Load() {
		return nil
	}
	m.deadMu.Lock()
	defer m.deadMu.Unlock()
	return m.deadErr
}

// fatalf records an unrecoverable consistency violation. All further
// operations fail with the recorded error; the caller must terminate the
// VM. The first report wins.
func (m *MMU) fatalf(format string, args ...any) error {
	err := fmt.Errorf("%w: %s", ErrVMDead, fmt.Sprintf(format, args...))
	m.deadMu.Lock()
	if m.deadErr == nil {
		m.deadErr = err
		m.dead.Store(true)
		log.Warningf("tdp: fatal: %v", err)
	} else {
		err = m.deadErr
	}
	m.deadMu.Unlock()
	return err
}

// moduleCallErr classifies a trust module failure: transient statuses
// become ErrRetry, anything else is a protocol violation and poisons the
// MMU.
func (m *MMU) moduleCallErr(op string, gfn spte.GFN, level spte.Level, err error) error {
	if err == nil {
		return nil
	}
	if sept.IsRetryable(err) {
		m.busyLog.Debugf("tdp: %s gfn:%#x level:%d: %v", op, gfn, level, err)
		return ErrRetry
	}
	return m.fatalf("%s gfn:%#x level:%d: %v", op, gfn, level, err)
}

// Stats is a point-in-time snapshot of MMU counters.
type Stats struct {
	// SharedTables and PrivateTables count live page table pages per
	// class, excluding roots.
	SharedTables  int64
	PrivateTables int64

	// Leaves counts present leaf entries by level.
	Leaves [spte.MaxLevel + 1]int64

	// Epoch is the current TLB consistency epoch.
	Epoch uint64
}

// Stats returns a snapshot of the MMU counters.
func (m *MMU) Stats() Stats {
	var s Stats
	s.SharedTables = m.nTables[0].Load()
	s.PrivateTables = m.nTables[1].Load()
	for i := range s.Leaves {
		s.Leaves[i] = m.nLeaves[i].Load()
	}
	s.Epoch = m.epoch.Load()
	return s
}

func classIndex(private bool) int {
	if private {
		return 1
	}
	return 0
}

func (m *MMU) accountTable(p *Page) {
	m.nTables[classIndex(p.private)].Add(1)
}

func (m *MMU) unaccountTable(p *Page) {
	m.nTables[classIndex(p.private)].Add(-1)
}

func (m *MMU) adjustLeaves(level spte.Level, delta int64) {
	m.nLeaves[level].Add(delta)
}

// deferUnpin queues a private frame for release once every vCPU has
// observed the next epoch advance.
func (m *MMU) deferUnpin(pfn spte.PFN, level spte.Level) {
	m.pagesMu.Lock()
	m.pendingUnpins = append(m.pendingUnpins, pendingUnpin{pfn, level})
	m.pagesMu.Unlock()
}

// drainUnpins releases frames whose removal has been globally observed.
// Called only after an epoch advance completes (or at teardown).
func (m *MMU) drainUnpins() {
	m.pagesMu.Lock()
	pins := m.pendingUnpins
	m.pendingUnpins = nil
	m.pagesMu.Unlock()
	for _, u := range pins {
		m.backing.Unpin(u.pfn, u.level)
	}
}

func (m *MMU) needResched() bool {
	return m.resched != nil && m.resched()
}
