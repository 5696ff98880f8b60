// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

// Package appservice manages application service registrations:
// parsing the registration YAML, compiling namespace patterns, and
// answering interest and exclusivity queries for the rest of the
// server. Registrations come from two places, the admin interface
// (persisted in the database) and an optional directory of YAML files
// reloaded when they change on disk.
package appservice

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/tototomate123/tuwunel/database"
	"github.com/tototomate123/tuwunel/lib/config"
	"github.com/tototomate123/tuwunel/lib/ref"
	"github.com/tototomate123/tuwunel/service/globals"
)

// Namespace is one pattern entry in a registration. The regex applies
// to the full ID; exclusive entries reserve the matched IDs for the
// appservice alone.
type Namespace struct {
	Exclusive bool   `yaml:"exclusive" json:"exclusive"`
	Regex     string `yaml:"regex" json:"regex"`
}

// Namespaces groups the pattern lists of a registration.
type Namespaces struct {
	Users   []Namespace `yaml:"users,omitempty" json:"users,omitempty"`
	Aliases []Namespace `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	Rooms   []Namespace `yaml:"rooms,omitempty" json:"rooms,omitempty"`
}

// Registration is the appservice registration document.
type Registration struct {
	ID              string     `yaml:"id" json:"id"`
	URL             string     `yaml:"url" json:"url"`
	ASToken         string     `yaml:"as_token" json:"as_token"`
	HSToken         string     `yaml:"hs_token" json:"hs_token"`
	SenderLocalpart string     `yaml:"sender_localpart" json:"sender_localpart"`
	Namespaces      Namespaces `yaml:"namespaces" json:"namespaces"`
	RateLimited     *bool      `yaml:"rate_limited,omitempty" json:"rate_limited,omitempty"`
	Protocols       []string   `yaml:"protocols,omitempty" json:"protocols,omitempty"`
}

// NamespaceSet holds the compiled patterns of one namespace kind.
type NamespaceSet struct {
	exclusive []*regexp.Regexp
	inclusive []*regexp.Regexp
}

// Match reports whether any pattern, exclusive or not, matches.
func (n *NamespaceSet) Match(s string) bool {
	return n.MatchExclusive(s) || anyMatch(n.inclusive, s)
}

// MatchExclusive reports whether an exclusive pattern matches.
func (n *NamespaceSet) MatchExclusive(s string) bool {
	return anyMatch(n.exclusive, s)
}

func anyMatch(patterns []*regexp.Regexp, s string) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// Info is a registration with its patterns compiled and its sender
// user resolved against the local server name.
type Info struct {
	Registration

	// Sender is the appservice's own user, formed from
	// sender_localpart.
	Sender ref.UserID

	Users   NamespaceSet
	Aliases NamespaceSet
	Rooms   NamespaceSet

	// fromFile marks registrations loaded from the registration
	// directory. They cannot be unregistered through the admin
	// interface, only by removing the file.
	fromFile bool
}

// MatchesUser reports whether the appservice manages or observes the
// user. The sender user always matches.
func (i *Info) MatchesUser(user ref.UserID) bool {
	return user == i.Sender || i.Users.Match(user.String())
}

// MatchesUserExclusively reports whether the user falls in an
// exclusive users namespace. The sender user counts as exclusive.
func (i *Info) MatchesUserExclusively(user ref.UserID) bool {
	return user == i.Sender || i.Users.MatchExclusive(user.String())
}

// MatchesAlias reports whether the alias falls in the aliases
// namespaces.
func (i *Info) MatchesAlias(alias ref.RoomAlias) bool {
	return i.Aliases.Match(alias.String())
}

// MatchesAliasExclusively reports whether the alias falls in an
// exclusive aliases namespace.
func (i *Info) MatchesAliasExclusively(alias ref.RoomAlias) bool {
	return i.Aliases.MatchExclusive(alias.String())
}

// MatchesRoom reports whether the room ID falls in the rooms
// namespaces.
func (i *Info) MatchesRoom(room ref.RoomID) bool {
	return i.Rooms.Match(room.String())
}

// MatchesRoomExclusively reports whether the room ID falls in an
// exclusive rooms namespace.
func (i *Info) MatchesRoomExclusively(room ref.RoomID) bool {
	return i.Rooms.MatchExclusive(room.String())
}

// RemovalHook runs after a registration is unregistered. The sending
// service uses it to drop the appservice's queued transactions.
type RemovalHook func(ctx context.Context, id string)

// Config configures the appservice service.
type Config struct {
	// DB is the opened database engine. Required.
	DB *database.Engine

	// Server is the server configuration. Required.
	Server *config.Config

	// Globals provides the server name. Required.
	Globals *globals.Service

	// Logger receives service logs. Required.
	Logger *slog.Logger
}

// Service holds the loaded registrations.
type Service struct {
	logger  *slog.Logger
	server  *config.Config
	globals *globals.Service

	store *database.Map

	mu   sync.RWMutex
	regs map[string]*Info

	removalHooks []RemovalHook
}

// New wires the appservice service. Registrations are loaded by
// Start.
func New(cfg Config) *Service {
	if cfg.DB == nil {
		panic("appservice: Config.DB is required")
	}
	if cfg.Server == nil {
		panic("appservice: Config.Server is required")
	}
	if cfg.Globals == nil {
		panic("appservice: Config.Globals is required")
	}
	if cfg.Logger == nil {
		panic("appservice: Config.Logger is required")
	}
	return &Service{
		logger:  cfg.Logger,
		server:  cfg.Server,
		globals: cfg.Globals,
		store:   cfg.DB.Map("id_appserviceregistrations"),
		regs:    make(map[string]*Info),
	}
}

// RegisterRemovalHook adds a hook that observes unregistrations.
// Hooks must be registered before Start.
func (s *Service) RegisterRemovalHook(hook RemovalHook) {
	s.removalHooks = append(s.removalHooks, hook)
}

// Start loads all registrations and, when a registration directory is
// configured, begins watching it for changes. The watcher stops when
// ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	if err := s.reload(ctx); err != nil {
		return err
	}
	dir := s.server.Appservice.RegistrationDir
	if dir == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("appservice: creating directory watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("appservice: watching %s: %w", dir, err)
	}

	// Change notifications are squashed through a one-slot channel so
	// a burst of writes triggers a single reload.
	reloadChan := make(chan struct{}, 1)
	go s.watchLoop(ctx, watcher, reloadChan)
	go s.reloadLoop(ctx, reloadChan)
	s.logger.Info("watching appservice registration directory", "dir", dir)
	return nil
}

func (s *Service) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, reloadChan chan<- struct{}) {
	defer watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isRegistrationFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			select {
			case reloadChan <- struct{}{}:
			default:
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("appservice directory watch error", "error", err)
		}
	}
}

func (s *Service) reloadLoop(ctx context.Context, reloadChan <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-reloadChan:
		}
		// Editors write registration files in several steps. A short
		// settle delay keeps us from reading half a file.
		timer := time.NewTimer(100 * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if err := s.reload(ctx); err != nil {
			s.logger.Error("reloading appservice registrations", "error", err)
		}
	}
}

func isRegistrationFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// reload rebuilds the registration map from the database and the
// registration directory. Directory files shadow database entries
// with the same id.
func (s *Service) reload(ctx context.Context) error {
	regs := make(map[string]*Info)

	err := s.store.ScanPrefix(ctx, nil, func(key, value []byte) error {
		info, err := s.compile(value, false)
		if err != nil {
			s.logger.Error("skipping stored appservice registration",
				"id", string(key), "error", err)
			return nil
		}
		regs[info.ID] = info
		return nil
	})
	if err != nil {
		return fmt.Errorf("appservice: loading stored registrations: %w", err)
	}

	if dir := s.server.Appservice.RegistrationDir; dir != "" {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("appservice: reading %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !isRegistrationFile(entry.Name()) {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			body, err := os.ReadFile(path)
			if err != nil {
				s.logger.Error("skipping appservice registration file",
					"path", path, "error", err)
				continue
			}
			info, err := s.compile(body, true)
			if err != nil {
				s.logger.Error("skipping appservice registration file",
					"path", path, "error", err)
				continue
			}
			if prev, ok := regs[info.ID]; ok && !prev.fromFile {
				s.logger.Warn("registration file shadows stored registration",
					"id", info.ID, "path", path)
			}
			regs[info.ID] = info
		}
	}

	if err := checkTokenCollisions(regs); err != nil {
		return err
	}

	s.mu.Lock()
	s.regs = regs
	s.mu.Unlock()
	s.logger.Info("appservice registrations loaded", "count", len(regs))
	return nil
}

func checkTokenCollisions(regs map[string]*Info) error {
	byToken := make(map[string]string, len(regs))
	for id, info := range regs {
		if other, ok := byToken[info.ASToken]; ok {
			return fmt.Errorf("appservice: registrations %q and %q share an as_token", other, id)
		}
		byToken[info.ASToken] = id
	}
	return nil
}

// compile parses and validates a registration body.
func (s *Service) compile(body []byte, fromFile bool) (*Info, error) {
	var reg Registration
	if err := yaml.Unmarshal(body, &reg); err != nil {
		return nil, fmt.Errorf("parsing registration: %w", err)
	}
	if reg.ID == "" {
		return nil, fmt.Errorf("registration has no id")
	}
	if reg.ASToken == "" || reg.HSToken == "" {
		return nil, fmt.Errorf("registration %q is missing tokens", reg.ID)
	}
	if reg.SenderLocalpart == "" {
		return nil, fmt.Errorf("registration %q has no sender_localpart", reg.ID)
	}
	sender, err := ref.NewUserID(reg.SenderLocalpart, s.globals.ServerName())
	if err != nil {
		return nil, fmt.Errorf("registration %q sender_localpart: %w", reg.ID, err)
	}

	info := &Info{Registration: reg, Sender: sender, fromFile: fromFile}
	if err := compileSet(&info.Users, reg.Namespaces.Users); err != nil {
		return nil, fmt.Errorf("registration %q users namespace: %w", reg.ID, err)
	}
	if err := compileSet(&info.Aliases, reg.Namespaces.Aliases); err != nil {
		return nil, fmt.Errorf("registration %q aliases namespace: %w", reg.ID, err)
	}
	if err := compileSet(&info.Rooms, reg.Namespaces.Rooms); err != nil {
		return nil, fmt.Errorf("registration %q rooms namespace: %w", reg.ID, err)
	}
	return info, nil
}

func compileSet(set *NamespaceSet, entries []Namespace) error {
	for _, entry := range entries {
		pattern, err := regexp.Compile(entry.Regex)
		if err != nil {
			return fmt.Errorf("pattern %q: %w", entry.Regex, err)
		}
		if entry.Exclusive {
			set.exclusive = append(set.exclusive, pattern)
		} else {
			set.inclusive = append(set.inclusive, pattern)
		}
	}
	return nil
}

// Register validates a registration body and persists it. The id and
// the as_token must not collide with any loaded registration.
func (s *Service) Register(ctx context.Context, body []byte) (*Info, error) {
	info, err := s.compile(body, false)
	if err != nil {
		return nil, fmt.Errorf("appservice: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.regs[info.ID]; ok {
		return nil, fmt.Errorf("appservice: registration %q already exists", info.ID)
	}
	for id, existing := range s.regs {
		if existing.ASToken == info.ASToken {
			return nil, fmt.Errorf("appservice: registration %q already uses that as_token", id)
		}
	}
	if err := s.store.Put(ctx, []byte(info.ID), body); err != nil {
		return nil, fmt.Errorf("appservice: storing registration %q: %w", info.ID, err)
	}
	s.regs[info.ID] = info
	s.logger.Info("appservice registered", "id", info.ID, "sender", info.Sender.String())
	return info, nil
}

// Unregister removes a stored registration and fires the removal
// hooks. Registrations loaded from the registration directory cannot
// be removed here.
func (s *Service) Unregister(ctx context.Context, id string) error {
	s.mu.Lock()
	info, ok := s.regs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("appservice: registration %q does not exist", id)
	}
	if info.fromFile {
		s.mu.Unlock()
		return fmt.Errorf("appservice: registration %q is managed by a registration file", id)
	}
	if err := s.store.Del(ctx, []byte(id)); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("appservice: deleting registration %q: %w", id, err)
	}
	delete(s.regs, id)
	s.mu.Unlock()

	for _, hook := range s.removalHooks {
		hook(ctx, id)
	}
	s.logger.Info("appservice unregistered", "id", id)
	return nil
}

// Get returns the registration with the given id.
func (s *Service) Get(id string) (*Info, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.regs[id]
	return info, ok
}

// ByASToken returns the registration authenticating with the given
// as_token.
func (s *Service) ByASToken(token string) (*Info, bool) {
	if token == "" {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, info := range s.regs {
		if info.ASToken == token {
			return info, true
		}
	}
	return nil, false
}

// All returns every loaded registration, ordered by id.
func (s *Service) All() []*Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]*Info, 0, len(s.regs))
	for _, info := range s.regs {
		all = append(all, info)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}

// Count returns the number of loaded registrations.
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.regs)
}

// IsExclusiveUser reports whether any appservice exclusively claims
// the user ID. Account registration refuses these localparts unless
// the appservice itself is registering.
func (s *Service) IsExclusiveUser(user ref.UserID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, info := range s.regs {
		if info.MatchesUserExclusively(user) {
			return true
		}
	}
	return false
}

// IsExclusiveAlias reports whether any appservice exclusively claims
// the alias.
func (s *Service) IsExclusiveAlias(alias ref.RoomAlias) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, info := range s.regs {
		if info.MatchesAliasExclusively(alias) {
			return true
		}
	}
	return false
}

// IsExclusiveRoom reports whether any appservice exclusively claims
// the room ID.
func (s *Service) IsExclusiveRoom(room ref.RoomID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, info := range s.regs {
		if info.MatchesRoomExclusively(room) {
			return true
		}
	}
	return false
}
