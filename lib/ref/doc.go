// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides strongly typed, immutable Matrix identifiers:
// user IDs, room IDs, event IDs, room aliases, server names, device
// IDs, and signing key IDs.
//
// Every constructor validates the structural grammar of its identifier
// and the common 255-byte size limit; once constructed a ref is
// immutable. The zero value of every type is invalid — use IsZero to
// check. Accessors that decompose an identifier (Localpart, Server)
// panic when called on a zero value, which always indicates a caller
// bug rather than bad input: invalid input is rejected at Parse time.
//
// Parsing is deliberately lenient about localpart contents because a
// homeserver must accept historical and remote identifiers that predate
// the strict grammar. Strict localpart checking for locally created
// users lives in ValidateUserLocalpart.
//
// JSON marshaling uses the canonical string form via
// encoding.TextMarshaler.
package ref
