// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides homeserver configuration loading.
//
// Configuration layers in ascending precedence: built-in defaults, one
// config file, environment variables, and -O command-line overrides.
// The file is YAML by default; .json and .jsonc files (JSON with
// comments and trailing commas) parse through the same field tags.
// The file path comes from the --config flag or the TUWUNEL_CONFIG
// environment variable (legacy CONDUWUIT_CONFIG and CONDUIT_CONFIG
// spellings are honored); with neither, the server runs on defaults
// plus environment alone, which is the containerized deployment shape.
//
// Environment variables use the TUWUNEL_ prefix with double
// underscores for nesting: TUWUNEL_SERVER_NAME, or
// TUWUNEL_DATABASE__RECOVERY_MODE for database.recovery_mode. The
// legacy CONDUWUIT_ and CONDUIT_ prefixes are consulted in that order
// below TUWUNEL_, and a handful of legacy flat option names
// (database_path, rocksdb_recovery_mode, turn_secret) are aliased to
// their current paths. A ./.env file is autoloaded first without
// overriding variables already set.
//
// -O overrides address fields by dotted path and parse their values
// as YAML, so -O database.recovery_mode=2 sets an integer and
// -O 'trusted_servers=["example.org"]' sets a list.
//
// After loading, ${VAR} and ${VAR:-default} patterns are expanded in
// path fields (DATA_DIR refers to the configured data directory),
// unset paths are derived from the data directory, and the
// registration_token_file and turn.secret_file indirections are read.
//
// Key exports:
//
//   - [Config] -- the homeserver configuration tree
//   - [Default] -- defaults used below every other layer
//   - [Load] -- the single loading entry point
//   - [Config.Validate] -- all problems reported at once
//   - [MaximizeFileDescriptors] -- RLIMIT_NOFILE startup check
//
// This package depends on no other server packages; the room version
// in default_room_version is checked against the supported set at
// service startup, not here.
package config
