// Copyright 2026 The Sensormux Authors
// SPDX-License-Identifier: Apache-2.0

package hal

import (
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/sensormux/sensormux/lib/clock"
)

// Host exposes the machine's thermal sensors as a sensor backend. The
// inventory is probed once at construction; each enabled sensor is
// re-read at its programmed delay.
type Host struct {
	clock        clock.Clock
	read         func() ([]host.TemperatureStat, error)
	defaultDelay time.Duration

	descriptors []Descriptor
	keyByHandle map[int32]string

	mu      sync.Mutex
	enabled map[int32]bool
	delay   map[int32]time.Duration
	nextDue map[int32]time.Time

	wake      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// NewHost probes the host's thermal sensors and returns a backend over
// them. Fails when the host exposes none: there would be nothing to
// proxy.
func NewHost(clk clock.Clock, defaultDelay time.Duration) (*Host, error) {
	return newHost(clk, defaultDelay, host.SensorsTemperatures)
}

// newHost takes the probe function as a parameter so tests can supply
// deterministic readings.
func newHost(clk clock.Clock, defaultDelay time.Duration, read func() ([]host.TemperatureStat, error)) (*Host, error) {
	if defaultDelay <= 0 {
		defaultDelay = time.Second
	}
	stats, err := read()
	if err != nil {
		return nil, fmt.Errorf("probing host thermal sensors: %w", err)
	}
	if len(stats) == 0 {
		return nil, fmt.Errorf("host exposes no thermal sensors")
	}

	h := &Host{
		clock:        clk,
		read:         read,
		defaultDelay: defaultDelay,
		keyByHandle:  make(map[int32]string, len(stats)),
		enabled:      make(map[int32]bool),
		delay:        make(map[int32]time.Duration),
		nextDue:      make(map[int32]time.Time),
		wake:         make(chan struct{}, 1),
		closed:       make(chan struct{}),
	}
	for i, stat := range stats {
		handle := int32(i)
		maxRange := float32(stat.Critical)
		if maxRange <= 0 {
			maxRange = 150
		}
		h.descriptors = append(h.descriptors, Descriptor{
			Name:       stat.SensorKey,
			Vendor:     "host",
			Version:    1,
			Handle:     handle,
			Type:       TypeTemperature,
			MaxRange:   maxRange,
			Resolution: 0.1,
			Power:      0,
			MinDelay:   int32(100 * time.Millisecond / time.Microsecond),
		})
		h.keyByHandle[handle] = stat.SensorKey
	}
	return h, nil
}

// List returns the probed inventory.
func (h *Host) List() []Descriptor {
	return h.descriptors
}

// Activate enables or disables periodic reads of one sensor.
func (h *Host) Activate(handle int32, enable bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.keyByHandle[handle]; !ok {
		return fmt.Errorf("host: no sensor with handle %d", handle)
	}
	h.enabled[handle] = enable
	if enable {
		h.nextDue[handle] = h.clock.Now().Add(h.delayLocked(handle))
	} else {
		delete(h.nextDue, handle)
	}
	h.signal()
	return nil
}

// SetDelay programs the read interval for one sensor.
func (h *Host) SetDelay(handle int32, delayNs int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.keyByHandle[handle]; !ok {
		return fmt.Errorf("host: no sensor with handle %d", handle)
	}
	if delayNs <= 0 {
		return fmt.Errorf("host: non-positive delay %d for handle %d", delayNs, handle)
	}
	h.delay[handle] = time.Duration(delayNs)
	if h.enabled[handle] {
		h.nextDue[handle] = h.clock.Now().Add(h.delay[handle])
	}
	h.signal()
	return nil
}

// Poll blocks until at least one enabled sensor is due, reads the
// thermal state once, and returns the due samples. Returns ErrClosed
// after Close.
func (h *Host) Poll() ([]Sample, error) {
	for {
		select {
		case <-h.closed:
			return nil, ErrClosed
		default:
		}

		h.mu.Lock()
		now := h.clock.Now()
		var due []int32
		var earliest time.Time
		for handle, deadline := range h.nextDue {
			if !deadline.After(now) {
				due = append(due, handle)
				deadline = now.Add(h.delayLocked(handle))
				h.nextDue[handle] = deadline
			}
			if earliest.IsZero() || deadline.Before(earliest) {
				earliest = deadline
			}
		}
		h.mu.Unlock()

		if len(due) > 0 {
			samples, err := h.sampleSensors(due, now)
			if err != nil {
				return nil, err
			}
			if len(samples) > 0 {
				return samples, nil
			}
			continue
		}

		if earliest.IsZero() {
			select {
			case <-h.wake:
			case <-h.closed:
				return nil, ErrClosed
			}
			continue
		}

		select {
		case <-h.clock.After(earliest.Sub(now)):
		case <-h.wake:
		case <-h.closed:
			return nil, ErrClosed
		}
	}
}

// Close shuts the backend down and unblocks any in-flight Poll.
func (h *Host) Close() error {
	h.closeOnce.Do(func() { close(h.closed) })
	return nil
}

func (h *Host) signal() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *Host) delayLocked(handle int32) time.Duration {
	if d := h.delay[handle]; d > 0 {
		return d
	}
	return h.defaultDelay
}

// sampleSensors reads the thermal state once and builds samples for
// the due handles. Sensors that disappeared from the probe since
// startup are skipped; if that leaves the batch empty, the poll loop
// simply runs another cycle.
func (h *Host) sampleSensors(due []int32, now time.Time) ([]Sample, error) {
	stats, err := h.read()
	if err != nil {
		return nil, fmt.Errorf("reading host thermal sensors: %w", err)
	}
	byKey := make(map[string]float64, len(stats))
	for _, stat := range stats {
		if _, seen := byKey[stat.SensorKey]; !seen {
			byKey[stat.SensorKey] = stat.Temperature
		}
	}

	var samples []Sample
	for _, handle := range due {
		temperature, ok := byKey[h.keyByHandle[handle]]
		if !ok {
			continue
		}
		sample := Sample{
			Handle:    handle,
			Type:      TypeTemperature,
			Timestamp: now.UnixNano(),
		}
		sample.Values[0] = float32(temperature)
		samples = append(samples, sample)
	}
	return samples, nil
}
