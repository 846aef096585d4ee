// Copyright 2026 The Sensormux Authors
// SPDX-License-Identifier: Apache-2.0

// sensormux-watch is a diagnostic client for sensormuxd. It connects
// to the data-plane socket and prints the sensor inventory. When
// sensors are selected it enables them and streams their samples to
// stdout until interrupted.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sensormux/sensormux/proxy"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sensormux-watch: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	socketPath := flag.String("socket", "/run/sensormux/sensormux.sock", "sensormuxd data-plane socket")
	handles := flag.String("handles", "", "comma-separated sensor handles to enable (empty: list inventory and exit)")
	delay := flag.Duration("delay", 200*time.Millisecond, "requested sampling interval")
	flag.Parse()

	client, err := proxy.Dial(*socketPath)
	if err != nil {
		return err
	}
	defer client.Close()

	fmt.Printf("%-8s %-28s %-16s %-6s %-12s\n", "HANDLE", "NAME", "VENDOR", "TYPE", "MIN DELAY")
	for _, d := range client.Inventory() {
		fmt.Printf("%-8d %-28s %-16s %-6d %-12s\n",
			d.Handle, d.Name, d.Vendor, d.Type,
			time.Duration(d.MinDelay)*time.Microsecond)
	}
	if *handles == "" {
		return nil
	}

	selected, err := parseHandles(*handles)
	if err != nil {
		return err
	}
	for _, handle := range selected {
		if err := client.Activate(handle, true); err != nil {
			return err
		}
		if err := client.SetDelay(handle, int64(*delay)); err != nil {
			return err
		}
	}

	// Close the connection on SIGINT/SIGTERM; the server then releases
	// everything this client enabled.
	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, syscall.SIGINT, syscall.SIGTERM)
	stopped := make(chan struct{})
	go func() {
		<-interrupted
		close(stopped)
		client.Close()
	}()

	fmt.Printf("\nstreaming samples for handles %v (interrupt to stop)\n", selected)
	for {
		sample, err := client.ReadSample()
		if err != nil {
			select {
			case <-stopped:
				return nil
			default:
			}
			return fmt.Errorf("reading sample: %w", err)
		}
		fmt.Printf("%s handle=%d type=%d value=%.3f\n",
			time.Unix(0, sample.Timestamp).Format(time.RFC3339Nano),
			sample.Handle, sample.Type, sample.Values[0])
	}
}

func parseHandles(list string) ([]int32, error) {
	var handles []int32
	for _, field := range strings.Split(list, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		value, err := strconv.ParseInt(field, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid handle %q: %w", field, err)
		}
		handles = append(handles, int32(value))
	}
	if len(handles) == 0 {
		return nil, fmt.Errorf("no valid handles in %q", list)
	}
	return handles, nil
}
