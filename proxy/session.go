// Copyright 2026 The Sensormux Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// sessionState is the lifecycle of one connection:
// handshaking → active → terminated (terminal).
type sessionState int

const (
	stateHandshaking sessionState = iota
	stateActive
	stateTerminated
)

// Session is the server-side state for one connected peer: which
// sensors it has requested enabled and at what interval. All fields
// below the connection handle are guarded by the server's shared
// mutex; the per-handle slices are sized handleLast+1, allocated once
// at accept, and owned by the session until termination.
type Session struct {
	// ID is the stable registry key. External references (eviction,
	// status output) use it, so removal never disturbs other sessions'
	// identities.
	ID uuid.UUID

	conn        net.Conn
	connectedAt time.Time

	// state transitions are guarded by the shared mutex. The
	// dispatcher checks it when building delivery snapshots.
	state sessionState

	// enabled[h] reports whether this session has sensor h enabled.
	enabled []bool

	// requestedDelay[h] is this session's desired interval in
	// nanoseconds, 0 = no preference. Retained across disable so a
	// re-enabled sensor resumes at the last requested rate.
	requestedDelay []int64

	// enabledCount caches the number of true entries in enabled; the
	// dispatcher skips sessions with zero enabled sensors outright.
	enabledCount int

	// terminateOnce makes termination idempotent: the command reader,
	// the dispatcher, and the control socket can all race to terminate
	// the same session.
	terminateOnce sync.Once
}

func newSession(conn net.Conn, handleLast int32, now time.Time) *Session {
	return &Session{
		ID:             uuid.New(),
		conn:           conn,
		connectedAt:    now,
		state:          stateHandshaking,
		enabled:        make([]bool, handleLast+1),
		requestedDelay: make([]int64, handleLast+1),
	}
}
