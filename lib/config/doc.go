// Copyright 2026 The Sensormux Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the sensormuxd configuration file.
//
// Configuration comes from a single YAML file passed via --config.
// Every field has a default, so the daemon also runs with no file at
// all; command-line flags override file values. There is no automatic
// discovery or layered override chain: one file, deterministic result.
package config
