// Copyright 2026 The Sensormux Authors
// SPDX-License-Identifier: Apache-2.0

// Package hal defines the hardware boundary of sensormux: the Device
// interface the proxy arbitrates over, plus the sensor descriptor and
// sample types shared between backends and the wire protocol.
//
// Exactly one Device is proxied per daemon instance. Two backends are
// provided: Sim (synthetic, clock-driven waveforms for development and
// testing) and Host (real host thermal sensors via gopsutil).
package hal
