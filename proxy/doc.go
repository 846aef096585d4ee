// Copyright 2026 The Sensormux Authors
// SPDX-License-Identifier: Apache-2.0

// Package proxy implements the sensormux server: the multi-client
// arbitration and event-fan-out engine that lets one physical sensor
// device be shared transparently among independent clients.
//
// The package is organized around the data flow:
//
//   - protocol.go: fixed-size wire records (handshake, commands, events)
//   - session.go: per-connection subscription state
//   - registry.go: the bounded set of live sessions
//   - arbiter.go: refcounted enable and minimum-delay aggregation, the
//     only caller of the device's Activate/SetDelay
//   - dispatcher.go: the poll loop that fans samples out to subscribers
//   - server.go: accept loop, handshake, and per-session command reader
//   - control.go: the CBOR control socket (status, eviction)
//   - client.go: the client-side stub (marshaling only, no policy)
//
// Concurrency model: a single mutex serializes all bookkeeping (session
// vectors, refcounts, effective delays, registry membership). The mutex
// is released before every device call and before every client socket
// write, so hardware and I/O latency never block unrelated bookkeeping.
// Consequently the aggregate state that decided a hardware call may be
// stale by the time the call executes; hardware calls are not strictly
// serialized against each other, only the bookkeeping is.
package proxy
