// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the command-line framework for the tuwunel binary.
//
// The central type is [Command]: a named command with an optional
// [pflag.FlagSet] factory, nested subcommands, and a Run function
// that receives the process context. [Command.Execute] handles flag
// parsing, subcommand routing, and structured help output with
// examples.
//
// Unknown subcommands and flags are answered with the closest known
// name by Levenshtein edit distance (threshold 3), implemented in
// suggest.go. Commands that have already written their own output
// signal a bare exit status with [ExitError].
package cli
