// Copyright 2026 The Sensormux Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sensormux/sensormux/hal"
)

// ErrInvalidHandle is returned for a handle outside [0, handleLast].
// The server treats it as a protocol error on the offending session.
var ErrInvalidHandle = errors.New("proxy: invalid sensor handle")

// Arbiter owns the aggregate per-sensor state derived from all live
// sessions and is the only component that calls the device's Activate
// and SetDelay.
//
// Every mutation is split into a locked compute-and-apply step that
// returns a decision and an unlocked act-on-decision step that makes
// the hardware call. The aggregate read that produced a decision may
// be stale by the time the call executes; that window is an accepted
// property of the design (see the package comment), and hardware
// failures are logged diagnostics that never unwind the software
// state.
type Arbiter struct {
	mu       *sync.Mutex
	registry *Registry
	device   hal.Device
	logger   *slog.Logger

	handleLast int32

	// refcount[h] is the number of live sessions with sensor h
	// enabled. Hardware is active iff the count is nonzero.
	refcount []int

	// effectiveDelay[h] is the interval last programmed into the
	// hardware for h in nanoseconds, 0 if never set. Retained while
	// the sensor is inactive so reactivation resumes at the negotiated
	// rate instead of the power-on default.
	effectiveDelay []int64
}

// NewArbiter creates the arbiter over the shared mutex mu. handleLast
// is the highest handle in the device inventory.
func NewArbiter(mu *sync.Mutex, registry *Registry, device hal.Device, handleLast int32, logger *slog.Logger) *Arbiter {
	return &Arbiter{
		mu:             mu,
		registry:       registry,
		device:         device,
		logger:         logger,
		handleLast:     handleLast,
		refcount:       make([]int, handleLast+1),
		effectiveDelay: make([]int64, handleLast+1),
	}
}

func (a *Arbiter) checkHandle(handle int32) error {
	if handle < 0 || handle > a.handleLast {
		return fmt.Errorf("%w: %d (last handle %d)", ErrInvalidHandle, handle, a.handleLast)
	}
	return nil
}

// OnEnableChanged applies one session's enable request for a sensor.
// Re-requesting the current state is a no-op. The hardware Activate is
// issued exactly on 0→1 and →0 refcount transitions; on reactivation
// with a recorded effective delay, the delay is reissued so the device
// does not fall back to its power-on rate.
func (a *Arbiter) OnEnableChanged(s *Session, handle int32, enable bool) error {
	if err := a.checkHandle(handle); err != nil {
		return err
	}

	a.mu.Lock()
	if s.enabled[handle] == enable {
		a.mu.Unlock()
		return nil
	}
	s.enabled[handle] = enable

	toggleHardware := false
	var restoreDelay int64
	if enable {
		s.enabledCount++
		if a.refcount[handle] == 0 {
			toggleHardware = true
			restoreDelay = a.effectiveDelay[handle]
		}
		a.refcount[handle]++
	} else {
		s.enabledCount--
		a.refcount[handle]--
		if a.refcount[handle] == 0 {
			toggleHardware = true
		}
	}
	a.mu.Unlock()

	if !toggleHardware {
		return nil
	}

	if err := a.device.Activate(handle, enable); err != nil {
		a.logger.Warn("hardware activate failed",
			"handle", handle,
			"enable", enable,
			"error", err,
		)
	}
	if enable && restoreDelay != 0 {
		if err := a.device.SetDelay(handle, restoreDelay); err != nil {
			a.logger.Warn("hardware delay restore failed",
				"handle", handle,
				"delay_ns", restoreDelay,
				"error", err,
			)
		}
	}
	return nil
}

// OnDelayRequested stores one session's desired interval for a sensor
// and re-evaluates the aggregate delay.
func (a *Arbiter) OnDelayRequested(s *Session, handle int32, delayNs int64) error {
	if err := a.checkHandle(handle); err != nil {
		return err
	}

	a.mu.Lock()
	s.requestedDelay[handle] = delayNs
	a.mu.Unlock()

	return a.EvaluateDelay(handle)
}

// EvaluateDelay recomputes the minimum positive requested delay among
// sessions that currently have the sensor enabled, and programs the
// hardware only when that minimum differs from the effective delay.
// Zero or negative requests count as "no preference". When no enabled
// session has a preference, nothing is programmed; the previous
// effective delay stays recorded for the reactivation path.
//
// Called after every SET_DELAY, and also after every ACTIVATE: an
// enable change can change which requests participate in the minimum.
func (a *Arbiter) EvaluateDelay(handle int32) error {
	if err := a.checkHandle(handle); err != nil {
		return err
	}

	a.mu.Lock()
	var min int64
	a.registry.forEachLocked(func(c *Session) {
		if !c.enabled[handle] {
			return
		}
		if d := c.requestedDelay[handle]; d > 0 && (min == 0 || d < min) {
			min = d
		}
	})
	if min == 0 {
		a.mu.Unlock()
		return nil
	}
	program := a.effectiveDelay[handle] == 0 || min != a.effectiveDelay[handle]
	if program {
		a.effectiveDelay[handle] = min
	}
	a.mu.Unlock()

	if !program {
		return nil
	}

	a.logger.Info("programming sensor delay", "handle", handle, "delay_ns", min)
	if err := a.device.SetDelay(handle, min); err != nil {
		a.logger.Warn("hardware set delay failed",
			"handle", handle,
			"delay_ns", min,
			"error", err,
		)
	}
	return nil
}

// releaseSession synthesizes a disable for every sensor the session
// still has enabled, through the normal enable path, so aggregate
// counts (and therefore real hardware state) never leak past a
// disconnected client.
func (a *Arbiter) releaseSession(s *Session) {
	a.mu.Lock()
	var held []int32
	for h, on := range s.enabled {
		if on {
			held = append(held, int32(h))
		}
	}
	a.mu.Unlock()

	for _, h := range held {
		if err := a.OnEnableChanged(s, h, false); err != nil {
			a.logger.Warn("disable on session teardown failed", "handle", h, "error", err)
		}
	}
}

// Refcount returns the enable refcount for a handle.
func (a *Arbiter) Refcount(handle int32) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refcount[handle]
}

// EffectiveDelay returns the delay last programmed for a handle, 0 if
// never set.
func (a *Arbiter) EffectiveDelay(handle int32) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.effectiveDelay[handle]
}
