// Copyright 2026 The Sensormux Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sensormux/sensormux/hal"
)

// fakeDevice is an instrumented hal.Device. It records every Activate
// and SetDelay call in order, serves a fixed sparse inventory, and
// returns poll batches pushed by the test.
type fakeDevice struct {
	descriptors []hal.Descriptor

	mu          sync.Mutex
	callLog     []string
	activateErr error
	setDelayErr error

	polls     chan pollResult
	closed    chan struct{}
	closeOnce sync.Once
}

type pollResult struct {
	samples []hal.Sample
	err     error
}

// newFakeDevice builds a device with handles 0, 1, 2, 3, 5. The gap
// at 4 keeps tests honest about handles being identities, not indexes.
func newFakeDevice() *fakeDevice {
	var descriptors []hal.Descriptor
	for _, handle := range []int32{0, 1, 2, 3, 5} {
		descriptors = append(descriptors, hal.Descriptor{
			Name:       fmt.Sprintf("fake sensor %d", handle),
			Vendor:     "fakeco",
			Version:    1,
			Handle:     handle,
			Type:       hal.TypeAccelerometer,
			MaxRange:   100,
			Resolution: 0.5,
			Power:      1.5,
			MinDelay:   10000,
		})
	}
	return &fakeDevice{
		descriptors: descriptors,
		polls:       make(chan pollResult, 16),
		closed:      make(chan struct{}),
	}
}

func (d *fakeDevice) List() []hal.Descriptor { return d.descriptors }

func (d *fakeDevice) Activate(handle int32, enable bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callLog = append(d.callLog, fmt.Sprintf("activate %d %t", handle, enable))
	return d.activateErr
}

func (d *fakeDevice) SetDelay(handle int32, delayNs int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callLog = append(d.callLog, fmt.Sprintf("setdelay %d %d", handle, delayNs))
	return d.setDelayErr
}

func (d *fakeDevice) Poll() ([]hal.Sample, error) {
	select {
	case result := <-d.polls:
		return result.samples, result.err
	case <-d.closed:
		return nil, hal.ErrClosed
	}
}

func (d *fakeDevice) Close() error {
	d.closeOnce.Do(func() { close(d.closed) })
	return nil
}

// push queues one poll batch.
func (d *fakeDevice) push(samples ...hal.Sample) {
	d.polls <- pollResult{samples: samples}
}

// pushError queues one poll failure.
func (d *fakeDevice) pushError(err error) {
	d.polls <- pollResult{err: err}
}

// calls returns a snapshot of the recorded hardware calls.
func (d *fakeDevice) calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.callLog...)
}

// clearCalls resets the recorded call log.
func (d *fakeDevice) clearCalls() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callLog = nil
}

// waitForCall polls until the given call appears in the log, or fails
// the test. Commands travel through the server asynchronously, so
// tests synchronize on the resulting hardware call.
func (d *fakeDevice) waitForCall(t *testing.T, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, call := range d.calls() {
			if call == want {
				return
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("hardware call %q never happened; log: %v", want, d.calls())
}

// requireCalls asserts the exact recorded call sequence.
func requireCalls(t *testing.T, d *fakeDevice, want ...string) {
	t.Helper()
	got := d.calls()
	if len(got) != len(want) {
		t.Fatalf("hardware calls: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("hardware call %d: got %q, want %q (full log %v)", i, got[i], want[i], got)
		}
	}
}

// testCore wires a registry and arbiter over a fake device for unit
// tests that bypass the socket layer.
type testCore struct {
	mu       sync.Mutex
	registry *Registry
	arbiter  *Arbiter
	device   *fakeDevice
}

func newTestCore(t *testing.T) *testCore {
	t.Helper()
	core := &testCore{device: newFakeDevice()}
	handleLast := hal.HandleLast(core.device.List())
	core.registry = NewRegistry(&core.mu, DefaultMaxClients)
	core.arbiter = NewArbiter(&core.mu, core.registry, core.device, handleLast, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return core
}

// addSession registers a fresh active session with no connection; unit
// tests never write to it.
func (c *testCore) addSession(t *testing.T) *Session {
	t.Helper()
	handleLast := hal.HandleLast(c.device.List())
	session := newSession(nil, handleLast, time.Unix(0, 0))
	if err := c.registry.Add(session); err != nil {
		t.Fatalf("adding session: %v", err)
	}
	c.mu.Lock()
	session.state = stateActive
	c.mu.Unlock()
	return session
}

// clearCalls resets the device call log between test phases.
func (c *testCore) clearCalls(t *testing.T) {
	t.Helper()
	c.device.clearCalls()
}

// checkRefcountInvariant verifies that for every handle the refcount
// equals the number of live sessions with that handle enabled.
func (c *testCore) checkRefcountInvariant(t *testing.T) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for handle := range c.arbiter.refcount {
		count := 0
		c.registry.forEachLocked(func(s *Session) {
			if s.enabled[handle] {
				count++
			}
		})
		if c.arbiter.refcount[handle] != count {
			t.Errorf("refcount[%d] = %d, but %d live sessions have it enabled",
				handle, c.arbiter.refcount[handle], count)
		}
	}
}
