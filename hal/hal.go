// Copyright 2026 The Sensormux Authors
// SPDX-License-Identifier: Apache-2.0

package hal

import "errors"

// Sensor type codes carried in descriptors and samples. Values follow
// the conventional sensor HAL numbering so existing consumers can
// interpret them without a translation table.
const (
	TypeAccelerometer int32 = 1
	TypeMagneticField int32 = 2
	TypeGyroscope     int32 = 4
	TypeLight         int32 = 5
	TypeTemperature   int32 = 13
)

// ErrClosed is returned by Poll after Close has been called. The event
// dispatcher treats it as the shutdown signal rather than a poll
// failure.
var ErrClosed = errors.New("hal: device closed")

// Descriptor describes one physical sensor. Descriptors are supplied
// once by the backend at startup and are immutable for the process
// lifetime.
type Descriptor struct {
	// Name and Vendor are human-readable identification, truncated to
	// 64 bytes on the wire.
	Name   string
	Vendor string

	Version int32

	// Handle is the stable integer identity used in all protocol
	// messages. Handles are non-negative and bounded, but not
	// necessarily dense.
	Handle int32

	Type int32

	MaxRange   float32
	Resolution float32

	// Power is the current draw in mA while the sensor is active.
	Power float32

	// MinDelay is the shortest supported sampling interval in
	// microseconds.
	MinDelay int32
}

// Sample is one sensor reading.
type Sample struct {
	Handle    int32
	Type      int32
	Timestamp int64 // nanoseconds
	Values    [6]float32
}

// Device is the adapter around one physical sensor backend. The proxy's
// arbitration engine is the only caller of Activate and SetDelay; the
// event dispatcher is the only caller of Poll.
type Device interface {
	// List returns the sensor inventory. The result is stable across
	// calls.
	List() []Descriptor

	// Activate enables or disables the sensor identified by handle.
	Activate(handle int32, enable bool) error

	// SetDelay programs the sampling interval for handle in
	// nanoseconds.
	SetDelay(handle int32, delayNs int64) error

	// Poll blocks until at least one sample is ready and returns the
	// batch. Returns ErrClosed after Close.
	Poll() ([]Sample, error)

	// Close releases the backend and unblocks any in-flight Poll.
	Close() error
}

// HandleLast returns the highest handle in the inventory, or -1 for an
// empty inventory. Per-handle state arrays are sized HandleLast+1.
func HandleLast(list []Descriptor) int32 {
	last := int32(-1)
	for _, d := range list {
		if d.Handle > last {
			last = d.Handle
		}
	}
	return last
}
