// Copyright 2026 The Sensormux Authors
// SPDX-License-Identifier: Apache-2.0

// sensormuxd is the sensor proxy daemon. It owns one hardware sensor
// backend and shares it over a local unixpacket socket among any
// number of client processes, each of which sees the full sensor
// interface as if it had exclusive access.
package main
