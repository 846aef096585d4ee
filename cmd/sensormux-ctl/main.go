// Copyright 2026 The Sensormux Authors
// SPDX-License-Identifier: Apache-2.0

// sensormux-ctl talks to a running sensormuxd over its control
// socket.
//
//	sensormux-ctl [--control-socket path] status
//	sensormux-ctl [--control-socket path] evict <session-id>
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sensormux/sensormux/lib/codec"
	"github.com/sensormux/sensormux/proxy"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sensormux-ctl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	controlSocket := flag.String("control-socket", "/run/sensormux/sensormux.sock.ctl", "sensormuxd control socket")
	flag.Parse()

	switch flag.Arg(0) {
	case "status":
		return showStatus(*controlSocket)
	case "evict":
		if flag.NArg() != 2 {
			return fmt.Errorf("usage: sensormux-ctl evict <session-id>")
		}
		return evict(*controlSocket, flag.Arg(1))
	case "":
		return fmt.Errorf("usage: sensormux-ctl [flags] status|evict")
	default:
		return fmt.Errorf("unknown command %q", flag.Arg(0))
	}
}

func showStatus(socketPath string) error {
	response, err := proxy.CallControl(socketPath, proxy.ControlRequest{Action: "status"})
	if err != nil {
		return err
	}
	if !response.OK {
		return fmt.Errorf("server error: %s", response.Error)
	}
	var status proxy.Status
	if err := codec.Unmarshal(response.Data, &status); err != nil {
		return fmt.Errorf("decoding status: %w", err)
	}

	fmt.Printf("backend:  %s\n", status.Backend)
	fmt.Printf("uptime:   %s\n", time.Duration(status.UptimeSeconds*float64(time.Second)).Round(time.Second))
	fmt.Printf("sensors:  %d in inventory, %d active\n", status.SensorCount, len(status.Sensors))
	for _, sensor := range status.Sensors {
		fmt.Printf("  handle %-4d %-28s refcount=%d delay=%s\n",
			sensor.Handle, sensor.Name, sensor.Refcount,
			time.Duration(sensor.EffectiveDelayNs))
	}
	fmt.Printf("sessions: %d\n", len(status.Sessions))
	for _, session := range status.Sessions {
		fmt.Printf("  %s enabled=%d connected=%s\n",
			session.ID, session.EnabledCount,
			time.Unix(session.ConnectedAtUnix, 0).Format(time.RFC3339))
	}
	return nil
}

func evict(socketPath, sessionID string) error {
	response, err := proxy.CallControl(socketPath, proxy.ControlRequest{
		Action:    "evict",
		SessionID: sessionID,
	})
	if err != nil {
		return err
	}
	if !response.OK {
		return fmt.Errorf("server error: %s", response.Error)
	}
	fmt.Printf("session %s evicted\n", sessionID)
	return nil
}
