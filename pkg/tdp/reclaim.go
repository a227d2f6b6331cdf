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
)

// gracePeriod tracks lock-free tree walkers in two epoch buckets so that a
// detached page can be recycled once no walker that might still reference
// it remains. Walkers enter the bucket selected by the current sequence;
// synchronize flips the sequence and waits for the previous bucket to
// drain. Walkers that entered after the flip land in the new bucket and do
// not delay the caller.
type gracePeriod struct {
	mu      sync.Mutex
	cond    *sync.Cond
	seq     atomicbitops.Uint64
	readers [2]atomicbitops.Int64
}

func (g *gracePeriod) init() {
	g.cond = sync.NewCond(&g.mu)
}

// readEnter registers a walker and returns its bucket token for readExit.
func (g *gracePeriod) readEnter() uint64 {
	for {
		e := g.seq.Load()
		g.readers[e&1].Add(1)
		if g.seq.Load() == e {
			return e
		}
		// Raced with a flip; move to the new bucket so synchronize
		// does not wait on us.
		g.readExit(e)
	}
}

func (g *gracePeriod) readExit(e uint64) {
	if g.readers[e&1].Add(-1) == 0 {
		g.mu.Lock()
		g.cond.Broadcast()
		g.mu.Unlock()
	}
}

// synchronize returns once every walker present at entry has exited.
func (g *gracePeriod) synchronize() {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.seq.Add(1) - 1
	for g.readers[e&1].Load() != 0 {
		g.cond.Wait()
	}
}

// reclaimWork is one unit for the reclaim goroutine: either an invalidated
// root to zap and release, or a detached page awaiting a grace period.
type reclaimWork struct {
	root *Page
	free *Page
}

// deferFree hands a detached page to the reclaim goroutine. The page must
// already be unreachable from any valid root; walkers loaded before the
// detach may still hold it until a grace period elapses.
func (m *MMU) deferFree(p *Page) {
	m.enqueueReclaim(reclaimWork{free: p})
}

// deferZapRoot hands an invalidated root to the reclaim goroutine, which
// dismantles it without blocking the invalidator.
func (m *MMU) deferZapRoot(root *Page) {
	m.enqueueReclaim(reclaimWork{root: root})
}

func (m *MMU) enqueueReclaim(w reclaimWork) {
	m.pending.Add(1)
	m.reclaimMu.Lock()
	m.reclaimQueue = append(m.reclaimQueue, w)
	m.reclaimCond.Broadcast()
	m.reclaimMu.Unlock()
}

func (m *MMU) reclaimLoop() {
	defer m.reclaimWG.Done()
	for {
		m.reclaimMu.Lock()
		for len(m.reclaimQueue) == 0 && !m.reclaimClosed {
			m.reclaimCond.Wait()
		}
		if len(m.reclaimQueue) == 0 {
			m.reclaimMu.Unlock()
			return
		}
		w := m.reclaimQueue[0]
		m.reclaimQueue = m.reclaimQueue[1:]
		m.reclaimMu.Unlock()
		m.processReclaim(w)
		m.pending.Done()
	}
}

func (m *MMU) processReclaim(w reclaimWork) {
	if w.root != nil {
		// Dismantle under the read lock so vCPU faults on other roots
		// proceed. The root is invalid, so no new reader can pick it
		// up; the reference taken at invalidation keeps it alive.
		m.mu.RLock()
		m.zapRoot(w.root, true /* shared */)
		m.putRoot(w.root)
		m.mu.RUnlock()
		return
	}
	// Recycle only after any walker that might have loaded a pointer to
	// the page has exited.
	m.grace.synchronize()
	m.arena.recycle(w.free)
}

// WaitForPendingReclamation blocks until all queued root zaps and page
// frees have completed. Intended for tests and teardown barriers.
func (m *MMU) WaitForPendingReclamation() {
	m.pending.Wait()
}
