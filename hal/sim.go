// Copyright 2026 The Sensormux Authors
// SPDX-License-Identifier: Apache-2.0

package hal

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sensormux/sensormux/lib/clock"
)

// defaultSimDelay is the sampling interval for a sensor that was
// activated before any delay was programmed.
const defaultSimDelay = 200 * time.Millisecond

// Sim is a synthetic sensor backend. Each enabled sensor emits a
// deterministic waveform at its programmed delay, driven entirely by
// the injected clock so tests can step time without sleeping.
//
// The inventory deliberately leaves a gap in the handle space: handles
// are stable identities, not indexes, and consumers must not assume
// density.
type Sim struct {
	clock       clock.Clock
	start       time.Time
	descriptors []Descriptor
	byHandle    map[int32]Descriptor

	mu      sync.Mutex
	enabled map[int32]bool
	delay   map[int32]time.Duration
	nextDue map[int32]time.Time

	// wake is signalled (capacity 1) whenever enable or delay state
	// changes, so an in-flight Poll recomputes its deadline.
	wake      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// NewSim returns a Sim with the standard four-sensor inventory.
func NewSim(clk clock.Clock) *Sim {
	descriptors := []Descriptor{
		{Name: "sim accelerometer", Vendor: "sensormux", Version: 1, Handle: 0,
			Type: TypeAccelerometer, MaxRange: 39.2, Resolution: 0.01, Power: 0.23, MinDelay: 10000},
		{Name: "sim gyroscope", Vendor: "sensormux", Version: 1, Handle: 1,
			Type: TypeGyroscope, MaxRange: 8.7, Resolution: 0.001, Power: 6.1, MinDelay: 10000},
		{Name: "sim magnetometer", Vendor: "sensormux", Version: 1, Handle: 2,
			Type: TypeMagneticField, MaxRange: 2000, Resolution: 0.1, Power: 0.5, MinDelay: 20000},
		// Handle 3 is intentionally unassigned.
		{Name: "sim ambient light", Vendor: "sensormux", Version: 1, Handle: 4,
			Type: TypeLight, MaxRange: 10000, Resolution: 1, Power: 0.75, MinDelay: 100000},
	}

	sim := &Sim{
		clock:       clk,
		start:       clk.Now(),
		descriptors: descriptors,
		byHandle:    make(map[int32]Descriptor, len(descriptors)),
		enabled:     make(map[int32]bool),
		delay:       make(map[int32]time.Duration),
		nextDue:     make(map[int32]time.Time),
		wake:        make(chan struct{}, 1),
		closed:      make(chan struct{}),
	}
	for _, d := range descriptors {
		sim.byHandle[d.Handle] = d
	}
	return sim
}

// List returns the sensor inventory.
func (s *Sim) List() []Descriptor {
	return s.descriptors
}

// Activate enables or disables a sensor.
func (s *Sim) Activate(handle int32, enable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byHandle[handle]; !ok {
		return fmt.Errorf("sim: no sensor with handle %d", handle)
	}
	s.enabled[handle] = enable
	if enable {
		s.nextDue[handle] = s.clock.Now().Add(s.delayLocked(handle))
	} else {
		delete(s.nextDue, handle)
	}
	s.signal()
	return nil
}

// SetDelay programs the sampling interval for a sensor.
func (s *Sim) SetDelay(handle int32, delayNs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byHandle[handle]; !ok {
		return fmt.Errorf("sim: no sensor with handle %d", handle)
	}
	if delayNs <= 0 {
		return fmt.Errorf("sim: non-positive delay %d for handle %d", delayNs, handle)
	}
	s.delay[handle] = time.Duration(delayNs)
	if s.enabled[handle] {
		s.nextDue[handle] = s.clock.Now().Add(s.delay[handle])
	}
	s.signal()
	return nil
}

// Poll blocks until at least one enabled sensor is due, then returns
// all due samples. Returns ErrClosed after Close.
func (s *Sim) Poll() ([]Sample, error) {
	for {
		select {
		case <-s.closed:
			return nil, ErrClosed
		default:
		}

		s.mu.Lock()
		now := s.clock.Now()
		var samples []Sample
		var earliest time.Time
		for handle, due := range s.nextDue {
			if !due.After(now) {
				samples = append(samples, s.sampleLocked(handle, now))
				due = now.Add(s.delayLocked(handle))
				s.nextDue[handle] = due
			}
			if earliest.IsZero() || due.Before(earliest) {
				earliest = due
			}
		}
		s.mu.Unlock()

		if len(samples) > 0 {
			return samples, nil
		}

		if earliest.IsZero() {
			// Nothing enabled: wait for a state change.
			select {
			case <-s.wake:
			case <-s.closed:
				return nil, ErrClosed
			}
			continue
		}

		select {
		case <-s.clock.After(earliest.Sub(now)):
		case <-s.wake:
		case <-s.closed:
			return nil, ErrClosed
		}
	}
}

// Close shuts the backend down and unblocks any in-flight Poll.
func (s *Sim) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *Sim) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// delayLocked returns the effective interval for handle, falling back
// to the default when none has been programmed.
func (s *Sim) delayLocked(handle int32) time.Duration {
	if d := s.delay[handle]; d > 0 {
		return d
	}
	return defaultSimDelay
}

// sampleLocked synthesizes a reading: a sine waveform scaled to half
// the sensor's range, with the handle offsetting the phase so sensors
// are distinguishable.
func (s *Sim) sampleLocked(handle int32, now time.Time) Sample {
	descriptor := s.byHandle[handle]
	elapsed := now.Sub(s.start).Seconds()
	phase := float64(handle) * math.Pi / 4
	value := float32(math.Sin(2*math.Pi*elapsed/10+phase)) * descriptor.MaxRange / 2

	sample := Sample{
		Handle:    handle,
		Type:      descriptor.Type,
		Timestamp: now.UnixNano(),
	}
	sample.Values[0] = value
	return sample
}
