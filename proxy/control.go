// Copyright 2026 The Sensormux Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sensormux/sensormux/lib/codec"
)

// Control protocol timeouts. A well-behaved client sends its request
// immediately after connecting.
const (
	controlReadTimeout  = 30 * time.Second
	controlWriteTimeout = 10 * time.Second
)

// maxControlRequestSize bounds a single CBOR control request.
const maxControlRequestSize = 64 * 1024

// ControlRequest is the wire format of a control socket request. Each
// connection carries exactly one request/response cycle.
type ControlRequest struct {
	// Action is "status" or "evict".
	Action string `cbor:"action"`

	// SessionID selects the session for "evict".
	SessionID string `cbor:"session_id,omitempty"`
}

// ControlResponse is the envelope for all control responses.
type ControlResponse struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

// Status is the "status" action payload.
type Status struct {
	UptimeSeconds float64         `cbor:"uptime_seconds"`
	Backend       string          `cbor:"backend"`
	SensorCount   int             `cbor:"sensor_count"`
	Sensors       []SensorStatus  `cbor:"sensors"`
	Sessions      []SessionStatus `cbor:"sessions"`
}

// SensorStatus reports aggregate arbitration state for one sensor that
// at least one session has enabled.
type SensorStatus struct {
	Handle           int32  `cbor:"handle"`
	Name             string `cbor:"name"`
	Refcount         int    `cbor:"refcount"`
	EffectiveDelayNs int64  `cbor:"effective_delay_ns"`
}

// SessionStatus reports one live session.
type SessionStatus struct {
	ID              string `cbor:"id"`
	EnabledCount    int    `cbor:"enabled_count"`
	ConnectedAtUnix int64  `cbor:"connected_at_unix"`
}

// Status snapshots the arbitration state for the control socket.
func (s *Server) Status() Status {
	s.mu.Lock()
	status := Status{
		UptimeSeconds: s.clock.Now().Sub(s.startedAt).Seconds(),
		Backend:       s.backend,
		SensorCount:   len(s.inventory),
	}
	for handle := int32(0); handle <= s.handleLast; handle++ {
		if s.arbiter.refcount[handle] == 0 {
			continue
		}
		status.Sensors = append(status.Sensors, SensorStatus{
			Handle:           handle,
			Name:             s.byHandle[handle].Name,
			Refcount:         s.arbiter.refcount[handle],
			EffectiveDelayNs: s.arbiter.effectiveDelay[handle],
		})
	}
	s.registry.forEachLocked(func(session *Session) {
		status.Sessions = append(status.Sessions, SessionStatus{
			ID:              session.ID.String(),
			EnabledCount:    session.enabledCount,
			ConnectedAtUnix: session.connectedAt.Unix(),
		})
	})
	s.mu.Unlock()

	sort.Slice(status.Sessions, func(i, j int) bool {
		return status.Sessions[i].ID < status.Sessions[j].ID
	})
	return status
}

// ControlServer serves the one-shot CBOR request/response protocol on
// a second Unix socket next to the data plane.
type ControlServer struct {
	socketPath string
	server     *Server
	logger     *slog.Logger

	// active tracks in-flight handlers so Serve can drain before
	// returning.
	active sync.WaitGroup
}

// NewControlServer creates a control server for the given proxy.
func NewControlServer(socketPath string, server *Server, logger *slog.Logger) *ControlServer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ControlServer{
		socketPath: socketPath,
		server:     server,
		logger:     logger,
	}
}

// Serve accepts control connections until ctx is cancelled, then waits
// for in-flight handlers. Stale socket files are removed before
// listening and the socket file is removed on return.
func (c *ControlServer) Serve(ctx context.Context) error {
	if err := os.Remove(c.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale control socket %s: %w", c.socketPath, err)
	}

	listener, err := net.Listen("unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", c.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(c.socketPath)
	}()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	c.logger.Info("control socket listening", "path", c.socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			c.logger.Error("control accept failed", "error", err)
			continue
		}
		c.active.Add(1)
		go func() {
			defer c.active.Done()
			c.handleConnection(conn)
		}()
	}

	c.active.Wait()
	return nil
}

// handleConnection processes one request/response cycle.
func (c *ControlServer) handleConnection(conn net.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(controlReadTimeout))

	var request ControlRequest
	if err := codec.NewDecoder(io.LimitReader(conn, maxControlRequestSize)).Decode(&request); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		c.writeResponse(conn, ControlResponse{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}

	switch request.Action {
	case "status":
		data, err := codec.Marshal(c.server.Status())
		if err != nil {
			c.writeResponse(conn, ControlResponse{Error: fmt.Sprintf("internal: %v", err)})
			return
		}
		c.writeResponse(conn, ControlResponse{OK: true, Data: data})

	case "evict":
		id, err := uuid.Parse(request.SessionID)
		if err != nil {
			c.writeResponse(conn, ControlResponse{Error: fmt.Sprintf("invalid session_id: %v", err)})
			return
		}
		if err := c.server.Evict(id); err != nil {
			c.writeResponse(conn, ControlResponse{Error: err.Error()})
			return
		}
		c.logger.Info("session evicted via control socket", "session", id)
		c.writeResponse(conn, ControlResponse{OK: true})

	default:
		c.writeResponse(conn, ControlResponse{Error: fmt.Sprintf("unknown action %q", request.Action)})
	}
}

func (c *ControlServer) writeResponse(conn net.Conn, response ControlResponse) {
	conn.SetWriteDeadline(time.Now().Add(controlWriteTimeout))
	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		c.logger.Debug("failed to write control response", "error", err)
	}
}

// CallControl performs one request/response cycle against a control
// socket. Used by the sensormux-ctl command and tests.
func CallControl(socketPath string, request ControlRequest) (*ControlResponse, error) {
	conn, err := net.DialTimeout("unix", socketPath, controlWriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to control socket %s: %w", socketPath, err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(controlReadTimeout))
	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return nil, fmt.Errorf("sending control request: %w", err)
	}
	var response ControlResponse
	if err := codec.NewDecoder(conn).Decode(&response); err != nil {
		return nil, fmt.Errorf("reading control response: %w", err)
	}
	return &response, nil
}
