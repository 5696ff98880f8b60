// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

var compressionCodecs = []string{"none", "lz4", "zstd"}
var logLevels = []string{"debug", "info", "warn", "error"}
var logFormats = []string{"text", "json"}

// Validate checks the configuration for errors. All problems are
// reported at once.
func (c *Config) Validate() error {
	var errs []error

	if c.ServerName == "" {
		errs = append(errs, fmt.Errorf("server_name is required"))
	} else if strings.ContainsAny(c.ServerName, " \t/\\") {
		errs = append(errs, fmt.Errorf("server_name %q is not a valid server name", c.ServerName))
	}

	if len(c.Listen) == 0 {
		errs = append(errs, fmt.Errorf("at least one listener is required"))
	}
	for i, listener := range c.Listen {
		errs = append(errs, validateListener(i, listener)...)
	}
	if c.AdminListen != "" {
		if _, _, err := net.SplitHostPort(c.AdminListen); err != nil {
			errs = append(errs, fmt.Errorf("admin_listen: %w", err))
		}
	}

	if c.MaxRequestSize <= 0 {
		errs = append(errs, fmt.Errorf("max_request_size must be positive"))
	}
	if c.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("max_connections cannot be negative"))
	}
	if c.DefaultRoomVersion == "" {
		errs = append(errs, fmt.Errorf("default_room_version is required"))
	}

	for _, pattern := range c.ForbiddenUsernames {
		if _, err := regexp.Compile(pattern); err != nil {
			errs = append(errs, fmt.Errorf("forbidden_usernames: %w", err))
		}
	}
	for _, pattern := range c.ForbiddenAliasNames {
		if _, err := regexp.Compile(pattern); err != nil {
			errs = append(errs, fmt.Errorf("forbidden_alias_names: %w", err))
		}
	}

	if !contains(compressionCodecs, c.Database.Compression) && c.Database.Compression != "" {
		errs = append(errs, fmt.Errorf("database.compression must be one of: %v", compressionCodecs))
	}
	for name, codec := range c.Database.CompressionOverride {
		if !contains(compressionCodecs, codec) && codec != "" {
			errs = append(errs, fmt.Errorf("database.compression_override.%s must be one of: %v", name, compressionCodecs))
		}
	}
	if c.Database.RecoveryMode < 0 || c.Database.RecoveryMode > 2 {
		errs = append(errs, fmt.Errorf("database.recovery_mode must be 0, 1, or 2"))
	}
	if c.Database.PoolSize < 1 {
		errs = append(errs, fmt.Errorf("database.pool_size must be at least 1"))
	}
	if c.Database.CheckpointInterval < 1 {
		errs = append(errs, fmt.Errorf("database.checkpoint_interval must be positive"))
	}
	if c.Database.Backup.KeepCount < 0 {
		errs = append(errs, fmt.Errorf("database.backup.keep_count cannot be negative"))
	}

	if c.Media.RetentionDays < 0 {
		errs = append(errs, fmt.Errorf("media.retention_days cannot be negative"))
	}
	if c.Media.RemoteQuota < 0 {
		errs = append(errs, fmt.Errorf("media.remote_quota cannot be negative"))
	}

	if len(c.Turn.URIs) > 0 && c.Turn.Secret == "" && c.Turn.SecretFile == "" && c.Turn.Username == "" {
		errs = append(errs, fmt.Errorf("turn.uris requires turn.secret or turn.username/turn.password"))
	}
	if c.Turn.TTL < 1 {
		errs = append(errs, fmt.Errorf("turn.ttl must be positive"))
	}

	if c.Federation.RequestTimeout < 1 {
		errs = append(errs, fmt.Errorf("federation.request_timeout must be positive"))
	}

	if !contains(logLevels, c.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level must be one of: %v", logLevels))
	}
	if !contains(logFormats, c.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format must be one of: %v", logFormats))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func validateListener(i int, listener Listener) []error {
	var errs []error

	hasAddress := listener.Address != ""
	hasSocket := listener.UnixSocketPath != ""
	switch {
	case hasAddress && hasSocket:
		errs = append(errs, fmt.Errorf("listen[%d]: address and unix_socket_path are mutually exclusive", i))
	case !hasAddress && !hasSocket:
		errs = append(errs, fmt.Errorf("listen[%d]: address or unix_socket_path is required", i))
	case hasAddress:
		if _, _, err := net.SplitHostPort(listener.Address); err != nil {
			errs = append(errs, fmt.Errorf("listen[%d]: %w", i, err))
		}
	}

	if listener.UnixSocketPerms != "" {
		if !hasSocket {
			errs = append(errs, fmt.Errorf("listen[%d]: unix_socket_perms without unix_socket_path", i))
		} else if _, err := strconv.ParseUint(listener.UnixSocketPerms, 8, 32); err != nil {
			errs = append(errs, fmt.Errorf("listen[%d]: unix_socket_perms %q is not octal", i, listener.UnixSocketPerms))
		}
	}

	return errs
}

// SocketPerms returns the unix socket file mode for the listener,
// defaulting to 0660.
func (l Listener) SocketPerms() uint32 {
	if l.UnixSocketPerms == "" {
		return 0o660
	}
	perms, err := strconv.ParseUint(l.UnixSocketPerms, 8, 32)
	if err != nil {
		return 0o660
	}
	return uint32(perms)
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}
