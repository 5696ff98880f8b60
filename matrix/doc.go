// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

// Package matrix holds the protocol-level event model: the PDU
// structure, typed event contents, room version capability rules, and
// the federation wire format conversions. Everything here is pure
// data manipulation; persistence and transport live in the service
// and api trees.
package matrix
