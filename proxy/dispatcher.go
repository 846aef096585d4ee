// Copyright 2026 The Sensormux Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sensormux/sensormux/hal"
	"github.com/sensormux/sensormux/lib/clock"
)

// pollRetryDelay is the pause after a failed poll before retrying, so
// a wedged backend does not spin the dispatcher.
const pollRetryDelay = 10 * time.Millisecond

// Dispatcher runs the event loop: it drains Device.Poll and fans each
// sample out to the sessions subscribed to its sensor. One dispatcher
// goroutine exists per server.
type Dispatcher struct {
	mu       *sync.Mutex
	registry *Registry
	device   hal.Device
	logger   *slog.Logger
	clock    clock.Clock

	handleLast int32

	// terminate tears down a session after a write failure. Wired to
	// the server's termination path.
	terminate func(*Session, error)

	stopping atomic.Bool
	done     chan struct{}
}

// NewDispatcher creates the dispatcher over the shared mutex mu.
func NewDispatcher(mu *sync.Mutex, registry *Registry, device hal.Device, handleLast int32,
	terminate func(*Session, error), clk clock.Clock, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		mu:         mu,
		registry:   registry,
		device:     device,
		logger:     logger,
		clock:      clk,
		handleLast: handleLast,
		terminate:  terminate,
		done:       make(chan struct{}),
	}
}

// Run loops on Device.Poll until Stop is called or the device reports
// closed. A failed or empty poll is logged and retried, never fatal:
// the loop outlives any transient backend trouble.
func (d *Dispatcher) Run() {
	defer close(d.done)
	d.logger.Info("event dispatcher started")

	for !d.stopping.Load() {
		samples, err := d.device.Poll()
		if err != nil {
			if errors.Is(err, hal.ErrClosed) {
				d.logger.Info("event dispatcher stopping: device closed")
				return
			}
			d.logger.Error("sensor poll failed", "error", err)
			d.clock.Sleep(pollRetryDelay)
			continue
		}
		if len(samples) == 0 {
			d.logger.Error("sensor poll returned no samples")
			continue
		}
		d.fanOut(samples)
	}
	d.logger.Info("event dispatcher stopped")
}

// Stop requests a cooperative stop and waits for Run to return. The
// stop flag is only checked between poll iterations: unless the caller
// also closes the device to unblock Poll, shutdown latency is bounded
// by one poll cycle.
func (d *Dispatcher) Stop() {
	d.stopping.Store(true)
	<-d.done
}

// fanOut delivers a poll batch. The subscriber snapshot is computed
// under the shared mutex; the socket writes happen after it is
// released, so a stalled client cannot hold the lock against command
// processing. A write failure terminates only that session.
func (d *Dispatcher) fanOut(samples []hal.Sample) {
	payloads := make([][]byte, len(samples))
	for i, sample := range samples {
		payloads[i] = MarshalSample(sample)
	}

	type delivery struct {
		session *Session
		payload []byte
	}
	var deliveries []delivery

	d.mu.Lock()
	for i, sample := range samples {
		if sample.Handle < 0 || sample.Handle > d.handleLast {
			d.logger.Warn("dropping sample with out-of-range handle", "handle", sample.Handle)
			continue
		}
		payload := payloads[i]
		d.registry.forEachLocked(func(s *Session) {
			if s.state != stateActive || s.enabledCount <= 0 {
				return
			}
			if s.enabled[sample.Handle] {
				deliveries = append(deliveries, delivery{session: s, payload: payload})
			}
		})
	}
	d.mu.Unlock()

	failed := make(map[*Session]bool)
	for _, del := range deliveries {
		if failed[del.session] {
			continue
		}
		if _, err := del.session.conn.Write(del.payload); err != nil {
			failed[del.session] = true
			d.terminate(del.session, fmt.Errorf("event write: %w", err))
		}
	}
}
