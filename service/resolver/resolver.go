// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

// Package resolver turns Matrix server names into connection targets
// following the server discovery rules: literal IPs and explicit
// ports first, then .well-known delegation, then SRV records, then
// the default federation port.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/tototomate123/tuwunel/database"
	"github.com/tototomate123/tuwunel/lib/clock"
	"github.com/tototomate123/tuwunel/lib/ref"
)

const (
	defaultFederationPort = 8448

	wellKnownTimeout  = 10 * time.Second
	wellKnownMaxBytes = 4096

	positiveTTL = 24 * time.Hour
	negativeTTL = 5 * time.Minute
)

// ErrResolutionFailed wraps a cached resolution failure.
var ErrResolutionFailed = errors.New("resolver: resolution failed")

// Destination is where federation requests for a server name go.
type Destination struct {
	// Addr is the host:port to dial.
	Addr string `json:"addr"`

	// Name goes into the Host header and, without its port, the TLS
	// server name. It is the delegated server name when .well-known
	// redirected us.
	Name string `json:"name"`

	// ExpiresAt bounds how long the entry may be reused, in unix
	// seconds.
	ExpiresAt int64 `json:"expires_at"`

	// Failure records why resolution failed, for negative entries.
	Failure string `json:"failure,omitempty"`
}

// TLSName returns the hostname to verify the peer certificate
// against.
func (d *Destination) TLSName() string {
	if host, _, err := net.SplitHostPort(d.Name); err == nil {
		return host
	}
	return d.Name
}

// Config configures the resolver service.
type Config struct {
	// DB is the opened database engine. Required.
	DB *database.Engine

	// Logger receives service logs. Required.
	Logger *slog.Logger

	// LookupSRV overrides SRV resolution, for tests. Defaults to the
	// system resolver.
	LookupSRV func(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)

	// LookupWellKnown overrides .well-known fetching, for tests. It
	// returns the m.server value or an error. Defaults to an HTTPS
	// GET against the server.
	LookupWellKnown func(ctx context.Context, server string) (string, error)

	// LookupIP overrides address resolution, for tests. Defaults to
	// the system resolver.
	LookupIP func(ctx context.Context, host string) ([]net.IPAddr, error)

	// Clock abstracts time for cache expiry. Defaults to the real
	// clock.
	Clock clock.Clock
}

// Service is the resolver service.
type Service struct {
	logger *slog.Logger
	cache  *database.Map

	lookupSRV       func(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
	lookupWellKnown func(ctx context.Context, server string) (string, error)
	lookupIP        func(ctx context.Context, host string) ([]net.IPAddr, error)
	clock           clock.Clock
}

// New builds the resolver service.
func New(cfg Config) *Service {
	if cfg.DB == nil {
		panic("resolver: Config.DB is required")
	}
	if cfg.Logger == nil {
		panic("resolver: Config.Logger is required")
	}

	s := &Service{
		logger:          cfg.Logger,
		cache:           cfg.DB.Map("servername_destination"),
		lookupSRV:       cfg.LookupSRV,
		lookupWellKnown: cfg.LookupWellKnown,
		lookupIP:        cfg.LookupIP,
		clock:           cfg.Clock,
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.lookupSRV == nil {
		s.lookupSRV = net.DefaultResolver.LookupSRV
	}
	if s.lookupIP == nil {
		s.lookupIP = net.DefaultResolver.LookupIPAddr
	}
	if s.lookupWellKnown == nil {
		client := &http.Client{Timeout: wellKnownTimeout}
		s.lookupWellKnown = func(ctx context.Context, server string) (string, error) {
			return fetchWellKnown(ctx, client, server)
		}
	}
	return s
}

// Resolve returns the connection target for a server name, consulting
// the cache first. Failed resolutions are cached briefly so a dead
// server is not rediscovered on every request.
func (s *Service) Resolve(ctx context.Context, server ref.ServerName) (*Destination, error) {
	key := []byte(server.String())

	if cached, err := s.cached(ctx, key); err != nil {
		return nil, err
	} else if cached != nil {
		if cached.Failure != "" {
			return nil, fmt.Errorf("%w: %s: %s", ErrResolutionFailed, server, cached.Failure)
		}
		return cached, nil
	}

	dest, err := s.resolve(ctx, server)
	if err != nil {
		s.store(ctx, key, &Destination{
			Failure:   err.Error(),
			ExpiresAt: s.clock.Now().Add(negativeTTL).Unix(),
		})
		return nil, err
	}

	dest.ExpiresAt = s.clock.Now().Add(positiveTTL).Unix()
	s.store(ctx, key, dest)
	s.logger.Debug("resolved federation destination",
		"server", server.String(), "addr", dest.Addr, "name", dest.Name)
	return dest, nil
}

// Forget drops the cached destination for a server, forcing the next
// request to rediscover it.
func (s *Service) Forget(ctx context.Context, server ref.ServerName) error {
	return s.cache.Del(ctx, []byte(server.String()))
}

func (s *Service) cached(ctx context.Context, key []byte) (*Destination, error) {
	raw, err := s.cache.Get(ctx, key)
	if err != nil || raw == nil {
		return nil, err
	}
	var dest Destination
	if err := json.Unmarshal(raw, &dest); err != nil {
		return nil, nil
	}
	if s.clock.Now().Unix() >= dest.ExpiresAt {
		return nil, nil
	}
	return &dest, nil
}

func (s *Service) store(ctx context.Context, key []byte, dest *Destination) {
	value, err := json.Marshal(dest)
	if err == nil {
		err = s.cache.Put(ctx, key, value)
	}
	if err != nil {
		s.logger.Warn("storing resolver cache entry", "error", err)
	}
}

// resolve walks the discovery ladder and verifies the chosen target
// actually resolves, so dead names land in the negative cache.
func (s *Service) resolve(ctx context.Context, server ref.ServerName) (*Destination, error) {
	dest := s.discover(ctx, server)

	host, _, err := net.SplitHostPort(dest.Addr)
	if err != nil {
		return nil, fmt.Errorf("resolver: bad destination %q: %w", dest.Addr, err)
	}
	if net.ParseIP(host) == nil {
		if _, err := s.lookupIP(ctx, host); err != nil {
			return nil, fmt.Errorf("resolver: looking up %s: %w", host, err)
		}
	}
	return dest, nil
}

func (s *Service) discover(ctx context.Context, server ref.ServerName) *Destination {
	host := bareHost(server)
	port := server.Port()

	// Literal IPs and explicit ports skip discovery entirely.
	if net.ParseIP(host) != nil {
		return &Destination{
			Addr: hostPort(host, portOr(port, defaultFederationPort)),
			Name: server.String(),
		}
	}
	if port != 0 {
		return &Destination{
			Addr: hostPort(host, port),
			Name: server.String(),
		}
	}

	if delegated, err := s.lookupWellKnown(ctx, server.String()); err == nil && delegated != "" {
		if dest := s.resolveDelegated(ctx, delegated); dest != nil {
			return dest
		}
	}

	if target, srvPort, ok := s.srv(ctx, host); ok {
		return &Destination{
			Addr: hostPort(target, srvPort),
			Name: server.String(),
		}
	}

	return &Destination{
		Addr: hostPort(host, defaultFederationPort),
		Name: server.String(),
	}
}

// resolveDelegated applies the same ladder to the m.server value from
// .well-known. A malformed value is ignored and discovery continues
// with the original name.
func (s *Service) resolveDelegated(ctx context.Context, delegated string) *Destination {
	server, err := ref.ParseServerName(delegated)
	if err != nil {
		return nil
	}
	host := bareHost(server)
	port := server.Port()

	if net.ParseIP(host) != nil {
		return &Destination{
			Addr: hostPort(host, portOr(port, defaultFederationPort)),
			Name: server.String(),
		}
	}
	if port != 0 {
		return &Destination{
			Addr: hostPort(host, port),
			Name: server.String(),
		}
	}
	if target, srvPort, ok := s.srv(ctx, host); ok {
		return &Destination{
			Addr: hostPort(target, srvPort),
			Name: server.String(),
		}
	}
	return &Destination{
		Addr: hostPort(host, defaultFederationPort),
		Name: server.String(),
	}
}

// srv looks up _matrix-fed._tcp records, falling back to the
// deprecated _matrix._tcp name.
func (s *Service) srv(ctx context.Context, host string) (string, int, bool) {
	for _, service := range []string{"matrix-fed", "matrix"} {
		_, records, err := s.lookupSRV(ctx, service, "tcp", host)
		if err != nil || len(records) == 0 {
			continue
		}
		target := records[0].Target
		if len(target) > 0 && target[len(target)-1] == '.' {
			target = target[:len(target)-1]
		}
		return target, int(records[0].Port), true
	}
	return "", 0, false
}

func fetchWellKnown(ctx context.Context, client *http.Client, server string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		"https://"+server+"/.well-known/matrix/server", nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("resolver: well-known returned %d", resp.StatusCode)
	}

	var doc struct {
		Server string `json:"m.server"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, wellKnownMaxBytes)).Decode(&doc); err != nil {
		return "", fmt.Errorf("resolver: decoding well-known: %w", err)
	}
	return doc.Server, nil
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// bareHost returns the hostname without IPv6 brackets, the form
// net.ParseIP and net.JoinHostPort expect.
func bareHost(server ref.ServerName) string {
	host := server.Host()
	if len(host) > 1 && host[0] == '[' && host[len(host)-1] == ']' {
		return host[1 : len(host)-1]
	}
	return host
}

func portOr(port, fallback int) int {
	if port != 0 {
		return port
	}
	return fallback
}
