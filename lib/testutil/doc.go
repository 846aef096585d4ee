// Copyright 2026 The Sensormux Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for sensormux packages.
package testutil
