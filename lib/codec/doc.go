// Copyright 2026 The Sensormux Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec centralizes sensormux's CBOR configuration. The control
// socket protocol is CBOR; consumers import this package rather than
// fxamacker/cbor directly so that encoder and decoder settings stay
// uniform across the tree.
package codec
