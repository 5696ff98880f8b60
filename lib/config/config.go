// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Config is the homeserver configuration.
type Config struct {
	// ServerName is the authority part of user IDs, room aliases, and
	// event origins minted by this server (for example "example.org").
	// It is baked into every signed event and cannot be changed once
	// the database holds data. Required.
	ServerName string `yaml:"server_name"`

	// DataDir is the base directory for server state. The database
	// file, media store, and backup directory default to paths under
	// it. Default: /var/lib/tuwunel
	DataDir string `yaml:"data_dir"`

	// Listen is the set of listeners serving the client and federation
	// APIs. Each listener is TCP or a unix socket, not both.
	// Default: one TCP listener on 127.0.0.1:8008
	Listen []Listener `yaml:"listen"`

	// AdminListen is a TCP address serving /metrics and nothing else.
	// Empty disables the admin listener. Default: disabled
	AdminListen string `yaml:"admin_listen"`

	// MaxRequestSize caps request bodies in bytes, which also caps
	// media uploads. Default: 20 MiB
	MaxRequestSize int64 `yaml:"max_request_size"`

	// MaxConnections caps concurrently accepted connections per
	// listener. Zero means no cap. Default: 0
	MaxConnections int `yaml:"max_connections"`

	// AllowRegistration opens /register to the public. With a
	// registration token set, registration additionally requires the
	// token. Default: false
	AllowRegistration bool `yaml:"allow_registration"`

	// RegistrationToken is the shared secret for token-gated
	// registration. Empty means no token is required.
	RegistrationToken string `yaml:"registration_token"`

	// RegistrationTokenFile reads the registration token from a file
	// instead of the config. Mutually exclusive with RegistrationToken.
	RegistrationTokenFile string `yaml:"registration_token_file"`

	// AllowFederation enables talking to other homeservers. When
	// false the federation API is not served and nothing is sent.
	// Default: true
	AllowFederation bool `yaml:"allow_federation"`

	// TrustedServers are consulted for missing server signing keys
	// before asking the origin directly. Default: [matrix.org]
	TrustedServers []string `yaml:"trusted_servers"`

	// AllowRoomCreation lets local users create rooms. Default: true
	AllowRoomCreation bool `yaml:"allow_room_creation"`

	// AllowUnstableRoomVersions additionally advertises and accepts
	// the unstable room versions. Default: false
	AllowUnstableRoomVersions bool `yaml:"allow_unstable_room_versions"`

	// DefaultRoomVersion is the room version for newly created rooms
	// when the client does not ask for one. Default: "11"
	DefaultRoomVersion string `yaml:"default_room_version"`

	// NewUserDisplaynameSuffix is appended to the displayname of
	// freshly registered users. Default: empty
	NewUserDisplaynameSuffix string `yaml:"new_user_displayname_suffix"`

	// AutoJoinRooms are room aliases or IDs every new local user is
	// joined to after registration. Default: empty
	AutoJoinRooms []string `yaml:"auto_join_rooms"`

	// ForbiddenUsernames are regular expressions matched against the
	// localpart of registering users. A match rejects the registration.
	// Default: empty
	ForbiddenUsernames []string `yaml:"forbidden_usernames"`

	// ForbiddenAliasNames are regular expressions matched against the
	// localpart of newly created room aliases. A match rejects the
	// alias. Default: empty
	ForbiddenAliasNames []string `yaml:"forbidden_alias_names"`

	// AdminCommandPrefix is the prefix that marks admin room messages
	// as commands. Default: "!admin"
	AdminCommandPrefix string `yaml:"admin_command_prefix"`

	// Console starts the interactive admin console on the controlling
	// terminal at startup. The --console flag does the same.
	// Default: false
	Console bool `yaml:"console"`

	// EmergencyPassword, when set, is applied to the server user
	// account at startup so an operator can log in and recover a
	// locked-out server. Default: empty
	EmergencyPassword string `yaml:"emergency_password"`

	// WellKnown configures the /.well-known/matrix documents.
	WellKnown WellKnown `yaml:"well_known"`

	// Database configures the SQLite keyspace engine.
	Database Database `yaml:"database"`

	// Media configures the content-addressed media store.
	Media Media `yaml:"media"`

	// Turn configures TURN server credential handout.
	Turn Turn `yaml:"turn"`

	// Appservice configures application service registrations.
	Appservice Appservice `yaml:"appservice"`

	// Federation configures outbound federation behavior.
	Federation Federation `yaml:"federation"`

	// Log configures structured logging.
	Log Log `yaml:"log"`
}

// Listener is one client+federation API listener.
type Listener struct {
	// Address is a TCP host:port to bind.
	Address string `yaml:"address"`

	// UnixSocketPath is a unix socket path to bind instead of TCP.
	UnixSocketPath string `yaml:"unix_socket_path"`

	// UnixSocketPerms is the octal permission string for the socket
	// file (for example "660"). Default: "660"
	UnixSocketPerms string `yaml:"unix_socket_perms"`
}

// WellKnown configures the discovery documents served under
// /.well-known/matrix.
type WellKnown struct {
	// Client is the base URL advertised to clients
	// (https://matrix.example.org). Empty disables the client
	// document.
	Client string `yaml:"client"`

	// Server is the host:port advertised for federation delegation.
	// Empty disables the server document.
	Server string `yaml:"server"`
}

// Database configures the SQLite keyspace engine.
type Database struct {
	// Path is the database file. Default: <data_dir>/tuwunel.db
	Path string `yaml:"path"`

	// PoolSize is the SQLite connection pool size. Default: 16
	PoolSize int `yaml:"pool_size"`

	// Compression is the value codec for stored values: none, lz4, or
	// zstd. Default: zstd
	Compression string `yaml:"compression"`

	// CompressionOverride pins individual maps to a codec, keyed by
	// map name. Default: empty
	CompressionOverride map[string]string `yaml:"compression_override"`

	// RecoveryMode selects startup recovery: 0 opens normally, 1 runs
	// an integrity check and continues, 2 salvages readable rows into
	// a rebuilt database. Default: 0
	RecoveryMode int `yaml:"recovery_mode"`

	// CheckpointInterval is the WAL checkpoint interval in seconds.
	// Default: 3600
	CheckpointInterval int `yaml:"checkpoint_interval"`

	// Backup configures database backups.
	Backup Backup `yaml:"backup"`
}

// Backup configures database backups.
type Backup struct {
	// Directory receives backup payloads and manifests.
	// Default: <data_dir>/backups
	Directory string `yaml:"directory"`

	// KeepCount is how many backups to retain; older ones are pruned
	// after each new backup. Zero keeps everything. Default: 1
	KeepCount int `yaml:"keep_count"`

	// Recipient is an age public key. When set, backup payloads are
	// encrypted to it. Default: empty
	Recipient string `yaml:"recipient"`
}

// Media configures the content-addressed media store.
type Media struct {
	// Path is the media file directory. Default: <data_dir>/media
	Path string `yaml:"path"`

	// RetentionDays deletes cached remote media not accessed for this
	// many days during the daily maintenance sweep. Local uploads are
	// never retired. Zero keeps everything. Default: 0
	RetentionDays int `yaml:"retention_days"`

	// RemoteQuota caps the bytes of cached remote media. Zero means
	// no cap. Default: 0
	RemoteQuota int64 `yaml:"remote_quota"`
}

// Turn configures TURN server credential handout for VoIP.
type Turn struct {
	// URIs are the TURN URIs handed to clients. Empty disables the
	// endpoint.
	URIs []string `yaml:"uris"`

	// Secret is the shared secret for HMAC ephemeral credentials.
	Secret string `yaml:"secret"`

	// SecretFile reads the shared secret from a file instead of the
	// config. Mutually exclusive with Secret.
	SecretFile string `yaml:"secret_file"`

	// Username and Password are static credentials, used when no
	// shared secret is configured.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// TTL is the ephemeral credential lifetime in seconds.
	// Default: 86400
	TTL int `yaml:"ttl"`
}

// Appservice configures application service registrations.
type Appservice struct {
	// RegistrationDir holds registration YAML files, watched for
	// changes at runtime. Empty disables appservices.
	RegistrationDir string `yaml:"registration_dir"`
}

// Federation configures outbound federation behavior.
type Federation struct {
	// RequestTimeout bounds each outbound federation request in
	// seconds. Default: 30
	RequestTimeout int `yaml:"request_timeout"`

	// MaxFetchPrevEvents caps how many missing predecessor events a
	// single incoming PDU may pull in over federation. Default: 100
	MaxFetchPrevEvents int `yaml:"max_fetch_prev_events"`

	// ForgetForcedUponLeave removes a room from a local user's room
	// list as soon as they leave or are banned. Default: false
	ForgetForcedUponLeave bool `yaml:"forget_forced_upon_leave"`
}

// Log configures structured logging.
type Log struct {
	// Level is the minimum level: debug, info, warn, or error.
	// Default: info
	Level string `yaml:"level"`

	// Format is the handler format: text or json. Default: text
	Format string `yaml:"format"`
}

// Default returns the default configuration. ServerName has no default
// and must come from the config file, environment, or an override.
func Default() *Config {
	return &Config{
		DataDir: "/var/lib/tuwunel",
		Listen: []Listener{
			{Address: "127.0.0.1:8008"},
		},
		MaxRequestSize:     20 * 1024 * 1024,
		AllowFederation:    true,
		TrustedServers:     []string{"matrix.org"},
		AllowRoomCreation:  true,
		DefaultRoomVersion: "11",
		AdminCommandPrefix: "!admin",
		Database: Database{
			PoolSize:           16,
			Compression:        "zstd",
			CheckpointInterval: 3600,
			Backup: Backup{
				KeepCount: 1,
			},
		},
		Turn: Turn{
			TTL: 86400,
		},
		Federation: Federation{
			RequestTimeout:     30,
			MaxFetchPrevEvents: 100,
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

// SlogLevel returns the configured minimum level for slog handlers.
// Unknown levels fall back to info; Validate rejects them first.
func (l Log) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// EnsurePaths creates the data, media, and backup directories if they
// do not exist. Server state is private, so directories are 0700.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{
		c.DataDir,
		c.Media.Path,
		c.Database.Backup.Directory,
		filepath.Dir(c.Database.Path),
	} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return fmt.Errorf("config: creating %s: %w", path, err)
		}
	}
	return nil
}
