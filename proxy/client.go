// Copyright 2026 The Sensormux Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"fmt"
	"net"

	"github.com/sensormux/sensormux/hal"
)

// Client is the client-side stub: it forwards sensor calls 1:1 over
// the wire and holds no policy. Consumers that want to look like they
// own the hardware wrap a Client behind their own hal.Device-shaped
// surface.
//
// Client is not safe for concurrent use; callers serialize commands
// and event reads themselves (typically one reader goroutine and one
// command path).
type Client struct {
	conn      net.Conn
	inventory []hal.Descriptor
}

// Dial connects to a sensormux server and performs the inventory
// handshake.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unixpacket", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", socketPath, err)
	}
	inventory, err := ReadInventory(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading sensor inventory: %w", err)
	}
	return &Client{conn: conn, inventory: inventory}, nil
}

// Inventory returns the sensor list received during the handshake.
func (c *Client) Inventory() []hal.Descriptor {
	return c.inventory
}

// Activate requests the sensor identified by handle be enabled or
// disabled for this client.
func (c *Client) Activate(handle int32, enable bool) error {
	flag := int32(0)
	if enable {
		flag = 1
	}
	cmd := Command{Cmd: CmdActivate, Handle: handle, EnableFlag: flag}
	if _, err := c.conn.Write(MarshalCommand(cmd)); err != nil {
		return fmt.Errorf("sending activate: %w", err)
	}
	return nil
}

// SetDelay requests a sampling interval in nanoseconds for handle.
func (c *Client) SetDelay(handle int32, delayNs int64) error {
	cmd := Command{Cmd: CmdSetDelay, Handle: handle, DelayNs: delayNs}
	if _, err := c.conn.Write(MarshalCommand(cmd)); err != nil {
		return fmt.Errorf("sending set delay: %w", err)
	}
	return nil
}

// ReadSample blocks until the server delivers the next sensor event.
// Only events for sensors this client has enabled arrive.
func (c *Client) ReadSample() (hal.Sample, error) {
	return ReadSample(c.conn)
}

// Close tears down the connection. The server releases every sensor
// this client still had enabled.
func (c *Client) Close() error {
	return c.conn.Close()
}
