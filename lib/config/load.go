// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// configPathVariables name the config file itself, highest precedence
// first. They are skipped when the rest of the environment is applied.
var configPathVariables = []string{"TUWUNEL_CONFIG", "CONDUWUIT_CONFIG", "CONDUIT_CONFIG"}

// envPrefixes in ascending precedence: a TUWUNEL_ variable beats the
// legacy CONDUWUIT_ and CONDUIT_ spellings of the same key.
var envPrefixes = []string{"CONDUIT_", "CONDUWUIT_", "TUWUNEL_"}

// optionAliases maps legacy flat option names from earlier servers to
// their current paths, so existing deployment scripts and muscle
// memory keep working.
var optionAliases = map[string]string{
	"log":                      "log.level",
	"database_path":            "database.path",
	"database_backup_path":     "database.backup.directory",
	"database_backups_to_keep": "database.backup.keep_count",
	"rocksdb_recovery_mode":    "database.recovery_mode",
	"turn_uris":                "turn.uris",
	"turn_secret":              "turn.secret",
	"turn_secret_file":         "turn.secret_file",
	"turn_username":            "turn.username",
	"turn_password":            "turn.password",
	"turn_ttl":                 "turn.ttl",
}

// Load builds the configuration from, in ascending precedence:
// defaults, the config file, environment variables, and -O overrides.
//
// An empty path falls back to the TUWUNEL_CONFIG environment variable
// (or its legacy spellings); if none is set, no file is read and the
// server runs on defaults plus environment, which is how containerized
// deployments configure it.
func Load(path string, overrides []string) (*Config, error) {
	// A ./.env file supplies environment variables without
	// overriding ones already set.
	_ = godotenv.Load()

	cfg := Default()

	if path == "" {
		for _, name := range configPathVariables {
			if value := os.Getenv(name); value != "" {
				path = value
				break
			}
		}
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnvironment(); err != nil {
		return nil, err
	}
	for _, option := range overrides {
		if err := cfg.SetOption(option); err != nil {
			return nil, err
		}
	}

	cfg.expandVariables()
	cfg.applyDerivedDefaults()
	if err := cfg.loadSecretFiles(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFile merges one configuration file into the current config.
// YAML by default; .json and .jsonc files have comments and trailing
// commas stripped first and then parse through the same field tags,
// JSON being a YAML subset.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}

	if err := c.merge(data, false); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}

// applyEnvironment applies TUWUNEL_*, CONDUWUIT_*, and CONDUIT_*
// variables. Nested fields are addressed with double underscores:
// TUWUNEL_DATABASE__RECOVERY_MODE sets database.recovery_mode.
// Variables that address no known field are ignored; values that do
// not fit their field's type are errors.
func (c *Config) applyEnvironment() error {
	for _, prefix := range envPrefixes {
		for _, entry := range os.Environ() {
			name, value, _ := strings.Cut(entry, "=")
			if !strings.HasPrefix(name, prefix) {
				continue
			}
			if isConfigPathVariable(name) {
				continue
			}
			key := strings.ToLower(strings.TrimPrefix(name, prefix))
			if key == "" {
				continue
			}
			path := strings.ReplaceAll(key, "__", ".")
			if err := c.set(path, value, false); err != nil {
				return fmt.Errorf("config: environment variable %s: %w", name, err)
			}
		}
	}
	return nil
}

func isConfigPathVariable(name string) bool {
	for _, candidate := range configPathVariables {
		if name == candidate {
			return true
		}
	}
	return false
}

// SetOption applies one -O key=value override. The key is a dotted
// field path (database.recovery_mode); the value is parsed as YAML, so
// numbers, booleans, and [a, b] lists all type correctly. Unknown keys
// are errors.
func (c *Config) SetOption(option string) error {
	key, value, ok := strings.Cut(option, "=")
	if !ok {
		return fmt.Errorf("config: option %q is not key=value", option)
	}
	return c.set(strings.TrimSpace(key), value, true)
}

// set writes one field addressed by a dotted path. The value is tried
// with YAML type inference first and retried as a plain string, which
// is what lets numeric-looking tokens land in string fields.
func (c *Config) set(path, value string, strict bool) error {
	if alias, ok := optionAliases[path]; ok {
		path = alias
	}

	var typed any
	if err := yaml.Unmarshal([]byte(value), &typed); err != nil {
		typed = value
	}

	doc, err := overrideDocument(path, typed)
	if err != nil {
		return err
	}
	mergeErr := c.merge(doc, strict)
	if mergeErr == nil {
		return nil
	}

	if _, isString := typed.(string); !isString {
		doc, err = overrideDocument(path, value)
		if err != nil {
			return err
		}
		if err := c.merge(doc, strict); err == nil {
			return nil
		}
	}
	return fmt.Errorf("config: setting %s: %w", path, mergeErr)
}

// overrideDocument builds a one-leaf YAML document for a dotted path,
// ready to merge into the config.
func overrideDocument(path string, leaf any) ([]byte, error) {
	segments := strings.Split(path, ".")
	root := make(map[string]any)
	node := root
	for i, segment := range segments {
		if segment == "" {
			return nil, fmt.Errorf("config: empty segment in option path %q", path)
		}
		if i == len(segments)-1 {
			node[segment] = leaf
			break
		}
		child := make(map[string]any)
		node[segment] = child
		node = child
	}
	doc, err := yaml.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("config: encoding option %s: %w", path, err)
	}
	return doc, nil
}

// merge decodes a YAML document over the current config. Fields absent
// from the document keep their values. Strict mode rejects unknown
// fields.
func (c *Config) merge(doc []byte, strict bool) error {
	decoder := yaml.NewDecoder(bytes.NewReader(doc))
	decoder.KnownFields(strict)
	if err := decoder.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in path
// and secret-file fields. DATA_DIR refers to the configured data
// directory.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.DataDir = expandVars(c.DataDir, vars)
	vars["DATA_DIR"] = c.DataDir

	c.Database.Path = expandVars(c.Database.Path, vars)
	c.Database.Backup.Directory = expandVars(c.Database.Backup.Directory, vars)
	c.Media.Path = expandVars(c.Media.Path, vars)
	c.Appservice.RegistrationDir = expandVars(c.Appservice.RegistrationDir, vars)
	c.RegistrationTokenFile = expandVars(c.RegistrationTokenFile, vars)
	c.Turn.SecretFile = expandVars(c.Turn.SecretFile, vars)
	for i := range c.Listen {
		c.Listen[i].UnixSocketPath = expandVars(c.Listen[i].UnixSocketPath, vars)
	}
}

// varPattern matches ${VAR} and ${VAR:-default}.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then the environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// applyDerivedDefaults fills the paths that default to locations under
// the data directory.
func (c *Config) applyDerivedDefaults() {
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.DataDir, "tuwunel.db")
	}
	if c.Media.Path == "" {
		c.Media.Path = filepath.Join(c.DataDir, "media")
	}
	if c.Database.Backup.Directory == "" {
		c.Database.Backup.Directory = filepath.Join(c.DataDir, "backups")
	}
}

// loadSecretFiles resolves the _file indirections. Keeping secrets out
// of the config file suits systemd credentials and container secret
// mounts.
func (c *Config) loadSecretFiles() error {
	if c.RegistrationTokenFile != "" {
		if c.RegistrationToken != "" {
			return fmt.Errorf("config: registration_token and registration_token_file are both set")
		}
		token, err := readSecretFile(c.RegistrationTokenFile)
		if err != nil {
			return fmt.Errorf("config: registration_token_file: %w", err)
		}
		c.RegistrationToken = token
	}

	if c.Turn.SecretFile != "" {
		if c.Turn.Secret != "" {
			return fmt.Errorf("config: turn.secret and turn.secret_file are both set")
		}
		secret, err := readSecretFile(c.Turn.SecretFile)
		if err != nil {
			return fmt.Errorf("config: turn.secret_file: %w", err)
		}
		c.Turn.Secret = secret
	}

	return nil
}

func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return "", fmt.Errorf("%s is empty", path)
	}
	return secret, nil
}
