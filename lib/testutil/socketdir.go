// Copyright 2026 The Sensormux Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"os"
	"testing"
)

// SocketDir creates a temporary directory suitable for Unix domain
// sockets.
//
// Unix socket paths are limited to 108 bytes (sun_path in sockaddr_un).
// Test runners often set TMPDIR to deeply nested paths that exceed this
// limit, making t.TempDir() unsuitable for socket files. This creates a
// short-named directory directly in /tmp instead.
//
// The directory is removed when the test completes.
func SocketDir(t *testing.T) string {
	t.Helper()
	directory, err := os.MkdirTemp("/tmp", "sensormux-test-*")
	if err != nil {
		t.Fatalf("creating socket directory: %v", err)
	}
	t.Cleanup(func() {
		_ = os.RemoveAll(directory)
	})
	return directory
}
