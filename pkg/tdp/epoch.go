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

// VCPU is one virtual CPU's view of the TLB consistency epoch. A vCPU in
// guest mode may hold cached translations from the epoch it entered with;
// it sheds them at the next exit or explicit acknowledgment.
type VCPU struct {
	m  *MMU
	id int

	// Guarded by m.epochMu.
	inGuest bool
	seen    uint64
}

// NewVCPU registers a vCPU with the MMU. vCPUs are never unregistered; a
// vCPU that stops running simply stays out of guest mode.
func (m *MMU) NewVCPU() *VCPU {
	m.epochMu.Lock()
	defer m.epochMu.Unlock()
	c := &VCPU{m: m, id: m.nextVCPU, seen: m.epoch.Load()}
	m.nextVCPU++
	m.vcpus = append(m.vcpus, c)
	return c
}

// EnterGuest marks the vCPU as running guest code. Translations cached
// from this point belong to the current epoch.
func (c *VCPU) EnterGuest() {
	m := c.m
	m.epochMu.Lock()
	c.seen = m.epoch.Load()
	c.inGuest = true
	m.epochMu.Unlock()
}

// ExitGuest marks the vCPU as out of guest mode with all cached
// translations shed, releasing any epoch waiter.
func (c *VCPU) ExitGuest() {
	m := c.m
	m.epochMu.Lock()
	c.inGuest = false
	c.seen = m.epoch.Load()
	m.epochCond.Broadcast()
	m.epochMu.Unlock()
}

// ObserveEpoch acknowledges the current epoch without leaving guest mode,
// for vCPUs that flush their cached translations in response to a kick.
func (c *VCPU) ObserveEpoch() {
	m := c.m
	m.epochMu.Lock()
	c.seen = m.epoch.Load()
	m.epochCond.Broadcast()
	m.epochMu.Unlock()
}

// Track advances the TLB consistency epoch and returns once every vCPU
// has shed translations cached under the previous epoch. Frames whose
// removal was pending on the advance are released afterwards.
func (m *MMU) Track() error {
	if m.dead.Load() {
		return m.Err()
	}
	m.track()
	return m.Err()
}

// track is the internal form, usable mid-operation.
func (m *MMU) track() {
	e := m.epoch.Add(1)
	if err := m.module.AdvanceEpoch(); err != nil {
		m.moduleCallErr("advance epoch", 0, 0, err)
	}

	m.epochMu.Lock()
	var stale []*VCPU
	for _, c := range m.vcpus {
		if c.inGuest && c.seen < e {
			stale = append(stale, c)
		}
	}
	m.epochMu.Unlock()

	if m.kick != nil {
		for _, c := range stale {
			m.kick(c)
		}
	}

	m.epochMu.Lock()
	for _, c := range stale {
		for c.inGuest && c.seen < e {
			m.epochCond.Wait()
		}
	}
	m.epochMu.Unlock()

	m.drainUnpins()
}

// Epoch returns the current TLB consistency epoch.
func (m *MMU) Epoch() uint64 {
	return m.epoch.Load()
}
