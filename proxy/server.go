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
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/sensormux/sensormux/hal"
	"github.com/sensormux/sensormux/lib/clock"
	"github.com/sensormux/sensormux/lib/netutil"
)

// DefaultMaxClients bounds the registry when Config.MaxClients is
// unset.
const DefaultMaxClients = 8

// ErrSessionNotFound is returned by Evict for an unknown session ID.
var ErrSessionNotFound = errors.New("proxy: no such session")

// errEvicted marks a termination requested through the control socket.
var errEvicted = errors.New("administrative eviction")

// Config assembles a Server.
type Config struct {
	// SocketPath is where the data-plane unixpacket socket is bound.
	SocketPath string

	// MaxClients bounds simultaneous sessions; DefaultMaxClients when
	// zero.
	MaxClients int

	// Backend names the device implementation for logs and status
	// output.
	Backend string

	// Device is the one hardware backend this server proxies.
	Device hal.Device

	// Logger defaults to a discarding logger.
	Logger *slog.Logger

	// Clock defaults to the real clock.
	Clock clock.Clock
}

// Server proxies one hal.Device to any number of local clients. See
// the package comment for the concurrency model.
type Server struct {
	socketPath string
	backend    string
	device     hal.Device
	logger     *slog.Logger
	clock      clock.Clock

	inventory  []hal.Descriptor
	byHandle   map[int32]hal.Descriptor
	handleLast int32
	startedAt  time.Time

	// mu is the single shared bookkeeping lock described in the
	// package comment. Registry and arbiter share it.
	mu         sync.Mutex
	registry   *Registry
	arbiter    *Arbiter
	dispatcher *Dispatcher

	readers sync.WaitGroup
}

// NewServer queries the device inventory and assembles the server. An
// empty inventory is a startup error: there is nothing to proxy.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Device == nil {
		return nil, fmt.Errorf("proxy: no device configured")
	}
	if cfg.SocketPath == "" {
		return nil, fmt.Errorf("proxy: no socket path configured")
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = DefaultMaxClients
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	inventory := cfg.Device.List()
	if len(inventory) == 0 {
		return nil, fmt.Errorf("proxy: device reports no sensors")
	}
	handleLast := hal.HandleLast(inventory)
	byHandle := make(map[int32]hal.Descriptor, len(inventory))
	for _, d := range inventory {
		byHandle[d.Handle] = d
	}

	server := &Server{
		socketPath: cfg.SocketPath,
		backend:    cfg.Backend,
		device:     cfg.Device,
		logger:     cfg.Logger,
		clock:      cfg.Clock,
		inventory:  inventory,
		byHandle:   byHandle,
		handleLast: handleLast,
		startedAt:  cfg.Clock.Now(),
	}
	server.registry = NewRegistry(&server.mu, cfg.MaxClients)
	server.arbiter = NewArbiter(&server.mu, server.registry, cfg.Device, handleLast, cfg.Logger)
	server.dispatcher = NewDispatcher(&server.mu, server.registry, cfg.Device, handleLast,
		server.terminateSession, cfg.Clock, cfg.Logger)

	for _, d := range inventory {
		cfg.Logger.Info("sensor",
			"handle", d.Handle,
			"name", d.Name,
			"vendor", d.Vendor,
			"type", d.Type,
			"min_delay_us", d.MinDelay,
		)
	}
	cfg.Logger.Info("sensor inventory loaded", "count", len(inventory), "handle_last", handleLast)
	return server, nil
}

// Serve binds the unixpacket socket, starts the event dispatcher, and
// accepts clients until ctx is cancelled. On return the device is
// closed, the dispatcher joined, and every session terminated.
//
// Bind or listen failures are returned to the caller before any client
// is accepted; the daemon treats them as fatal.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	address, err := net.ResolveUnixAddr("unixpacket", s.socketPath)
	if err != nil {
		return fmt.Errorf("resolving socket address %s: %w", s.socketPath, err)
	}
	listener, err := net.ListenUnix("unixpacket", address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()

	go s.dispatcher.Run()

	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("sensor proxy listening", "path", s.socketPath, "backend", s.backend)

	for {
		conn, err := listener.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}
		s.handleAccept(conn)
	}

	// Shutdown: close the device to unblock the poll, join the
	// dispatcher, then tear down the remaining sessions.
	if err := s.device.Close(); err != nil {
		s.logger.Warn("device close failed", "error", err)
	}
	s.dispatcher.Stop()

	s.mu.Lock()
	var live []*Session
	s.registry.forEachLocked(func(sess *Session) { live = append(live, sess) })
	s.mu.Unlock()
	for _, sess := range live {
		s.terminateSession(sess, nil)
	}
	s.readers.Wait()

	s.logger.Info("sensor proxy stopped")
	return nil
}

// handleAccept performs the inventory handshake and registers the new
// session. A registry at capacity rejects the connection before the
// handshake; a handshake failure discards it before it ever becomes
// active.
func (s *Server) handleAccept(conn *net.UnixConn) {
	pid, uid, credErr := peerCredentials(conn)
	if credErr != nil {
		s.logger.Debug("peer credentials unavailable", "error", credErr)
	}

	if s.registry.Full() {
		s.logger.Warn("rejecting connection: registry at capacity",
			"capacity", s.registry.capacity,
			"peer_pid", pid,
		)
		conn.Close()
		return
	}

	session := newSession(conn, s.handleLast, s.clock.Now())

	if err := WriteInventory(conn, s.inventory); err != nil {
		s.logger.Warn("handshake failed", "peer_pid", pid, "error", err)
		conn.Close()
		return
	}
	if err := s.registry.Add(session); err != nil {
		// Lost the race for the last slot to a concurrent accept.
		s.logger.Warn("rejecting connection: registry at capacity", "peer_pid", pid)
		conn.Close()
		return
	}
	s.mu.Lock()
	session.state = stateActive
	s.mu.Unlock()

	s.logger.Info("client connected",
		"session", session.ID,
		"peer_pid", pid,
		"peer_uid", uid,
		"clients", s.registry.Len(),
	)

	s.readers.Add(1)
	go s.readLoop(session)
}

// readLoop decodes fixed-size command records from one session until
// the connection fails or a protocol error terminates it.
func (s *Server) readLoop(session *Session) {
	defer s.readers.Done()
	for {
		cmd, err := ReadCommand(session.conn)
		if err != nil {
			s.terminateSession(session, err)
			return
		}
		if err := s.applyCommand(session, cmd); err != nil {
			s.terminateSession(session, err)
			return
		}
	}
}

// applyCommand routes one decoded command. An out-of-range handle is a
// protocol error (non-nil return terminates the session); an unknown
// command code is ignored for forward compatibility.
func (s *Server) applyCommand(session *Session, cmd Command) error {
	switch cmd.Cmd {
	case CmdActivate:
		enable := cmd.EnableFlag != 0
		s.logger.Debug("activate", "session", session.ID, "handle", cmd.Handle, "enable", enable)
		if err := s.arbiter.OnEnableChanged(session, cmd.Handle, enable); err != nil {
			return err
		}
		// An enable change can change which requests participate in
		// the minimum-delay computation.
		return s.arbiter.EvaluateDelay(cmd.Handle)

	case CmdSetDelay:
		s.logger.Debug("set delay", "session", session.ID, "handle", cmd.Handle, "delay_ns", cmd.DelayNs)
		return s.arbiter.OnDelayRequested(session, cmd.Handle, cmd.DelayNs)

	case CmdBatch, CmdFlush:
		// Reserved.
		return nil

	default:
		return nil
	}
}

// terminateSession moves a session to its terminal state: mark it
// terminated so the dispatcher stops delivering to it, release its
// enabled sensors through the normal arbitration path, drop it from
// the registry, and close the connection. Idempotent: the command
// reader, the dispatcher, and the control socket may race here.
func (s *Server) terminateSession(session *Session, cause error) {
	session.terminateOnce.Do(func() {
		s.mu.Lock()
		session.state = stateTerminated
		s.mu.Unlock()

		s.arbiter.releaseSession(session)
		s.registry.Remove(session.ID)
		session.conn.Close()

		switch {
		case cause == nil || netutil.IsExpectedCloseError(cause):
			s.logger.Info("client disconnected", "session", session.ID, "clients", s.registry.Len())
		default:
			s.logger.Warn("session terminated",
				"session", session.ID,
				"clients", s.registry.Len(),
				"error", cause,
			)
		}
	})
}

// Evict terminates a session by ID through the normal teardown path.
// Used by the control socket.
func (s *Server) Evict(id uuid.UUID) error {
	session := s.registry.Get(id)
	if session == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.terminateSession(session, errEvicted)
	return nil
}

// peerCredentials returns the PID and UID of the connecting process
// via SO_PEERCRED. Diagnostic only: authorization is assumed to be
// enforced by whoever controls access to the socket path.
func peerCredentials(conn *net.UnixConn) (pid, uid int32, err error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, 0, err
	}
	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return 0, 0, err
	}
	if credErr != nil {
		return 0, 0, credErr
	}
	return cred.Pid, int32(cred.Uid), nil
}
