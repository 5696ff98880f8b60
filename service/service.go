// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

// Package service assembles the homeserver. New opens the database
// and constructs every service in dependency order; Run performs the
// startup bootstrap and then serves the Matrix APIs, outbound
// delivery, scheduled maintenance, and the optional admin console as
// one unit until the context is cancelled.
package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/tototomate123/tuwunel/api/client"
	"github.com/tototomate123/tuwunel/api/router"
	"github.com/tototomate123/tuwunel/api/server"
	"github.com/tototomate123/tuwunel/database"
	"github.com/tototomate123/tuwunel/lib/clock"
	"github.com/tototomate123/tuwunel/lib/config"
	"github.com/tototomate123/tuwunel/matrix"
	"github.com/tototomate123/tuwunel/service/admin"
	"github.com/tototomate123/tuwunel/service/appservice"
	"github.com/tototomate123/tuwunel/service/console"
	"github.com/tototomate123/tuwunel/service/federation"
	"github.com/tototomate123/tuwunel/service/globals"
	"github.com/tototomate123/tuwunel/service/media"
	"github.com/tototomate123/tuwunel/service/resolver"
	"github.com/tototomate123/tuwunel/service/rooms"
	"github.com/tototomate123/tuwunel/service/sending"
	"github.com/tototomate123/tuwunel/service/serverkeys"
	"github.com/tototomate123/tuwunel/service/sync"
	"github.com/tototomate123/tuwunel/service/uiaa"
	"github.com/tototomate123/tuwunel/service/users"
)

// Config carries the parameters for New.
type Config struct {
	// Server is the loaded and validated server configuration.
	// Required.
	Server *config.Config

	// Logger is the root logger; every component derives its own
	// from it. Required.
	Logger *slog.Logger

	// Clock abstracts time for every component. Defaults to the
	// real clock.
	Clock clock.Clock

	// Maintenance starts no listeners, no outbound delivery, and no
	// scheduled jobs, and raises the database recovery mode to at
	// least an integrity check. The bootstrap, startup commands,
	// and console still run.
	Maintenance bool

	// Execute holds admin commands to run once the server is ready,
	// in order. Replies are posted to the admin room.
	Execute []string

	// ConsoleInput and ConsoleOutput override the admin console
	// streams. Defaults are os.Stdin and os.Stdout.
	ConsoleInput  io.Reader
	ConsoleOutput io.Writer
}

// Services is the assembled homeserver. The exported fields are the
// constructed services, wired and ready; nothing runs until Run.
type Services struct {
	Server     *config.Config
	DB         *database.Engine
	Globals    *globals.Service
	Users      *users.Service
	Resolver   *resolver.Service
	Federation *federation.Client
	Keys       *serverkeys.Service
	Rooms      *rooms.Service
	Appservice *appservice.Service
	Media      *media.Service
	UIAA       *uiaa.Service
	Sync       *sync.Service
	Admin      *admin.Service
	Sending    *sending.Service
	Console    *console.Service

	logger      *slog.Logger
	maintenance bool
	execute     []string

	registry    *prometheus.Registry
	apiServer   *router.Server
	adminServer *router.Server
	scheduler   gocron.Scheduler
	ready       chan struct{}
}

// New opens the database and constructs every service, the HTTP
// handler chain, the metrics registry, and the maintenance schedule.
// Nothing is started; call Run. The caller owns the engine and must
// Close the container once Run returns.
func New(ctx context.Context, cfg Config) (*Services, error) {
	if cfg.Server == nil {
		panic("service: Config.Server is required")
	}
	if cfg.Logger == nil {
		panic("service: Config.Logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	if err := cfg.Server.EnsurePaths(); err != nil {
		return nil, fmt.Errorf("service: %w", err)
	}
	engine, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*Services, error) {
		engine.Close()
		return nil, err
	}

	logger := cfg.Logger
	g, err := globals.New(ctx, globals.Config{
		DB:     engine,
		Server: cfg.Server,
		Logger: logger,
	})
	if err != nil {
		return fail(fmt.Errorf("service: globals: %w", err))
	}
	u := users.New(users.Config{DB: engine, Globals: g, Logger: logger})
	res := resolver.New(resolver.Config{DB: engine, Logger: logger})
	fed := federation.New(federation.Config{
		Server:   cfg.Server,
		Globals:  g,
		Resolver: res,
		Logger:   logger,
	})
	keys, err := serverkeys.New(serverkeys.Config{
		DB:         engine,
		Server:     cfg.Server,
		Globals:    g,
		Federation: fed,
		Logger:     logger,
		Clock:      cfg.Clock,
	})
	if err != nil {
		return fail(fmt.Errorf("service: serverkeys: %w", err))
	}
	r := rooms.New(rooms.Config{
		DB:         engine,
		Server:     cfg.Server,
		Globals:    g,
		Users:      u,
		Keys:       keys,
		Federation: fed,
		Logger:     logger,
		Clock:      cfg.Clock,
	})
	asvc := appservice.New(appservice.Config{
		DB:      engine,
		Server:  cfg.Server,
		Globals: g,
		Logger:  logger,
	})
	med := media.New(media.Config{
		DB:         engine,
		Server:     cfg.Server,
		Globals:    g,
		Federation: fed,
		Logger:     logger,
		Clock:      cfg.Clock,
	})
	ui := uiaa.New(uiaa.Config{Users: u, Globals: g, Logger: logger})
	sy := sync.New(sync.Config{
		DB:      engine,
		Globals: g,
		Rooms:   r,
		Users:   u,
		Logger:  logger,
		Clock:   cfg.Clock,
	})
	adm := admin.New(admin.Config{
		DB:         engine,
		Server:     cfg.Server,
		Globals:    g,
		Users:      u,
		Rooms:      r,
		Appservice: asvc,
		Keys:       keys,
		Federation: fed,
		Logger:     logger,
		Clock:      cfg.Clock,
	})
	snd := sending.New(sending.Config{
		DB:         engine,
		Server:     cfg.Server,
		Globals:    g,
		Rooms:      r,
		Appservice: asvc,
		Federation: fed,
		Logger:     logger,
		Clock:      cfg.Clock,
	})

	s := &Services{
		Server:      cfg.Server,
		DB:          engine,
		Globals:     g,
		Users:       u,
		Resolver:    res,
		Federation:  fed,
		Keys:        keys,
		Rooms:       r,
		Appservice:  asvc,
		Media:       med,
		UIAA:        ui,
		Sync:        sy,
		Admin:       adm,
		Sending:     snd,
		logger:      logger.With("component", "service"),
		maintenance: cfg.Maintenance,
		execute:     cfg.Execute,
		ready:       make(chan struct{}),
	}
	if cfg.Server.Console || cfg.ConsoleInput != nil {
		s.Console = console.New(console.Config{
			Admin:  adm,
			Server: cfg.Server,
			Logger: logger,
			Input:  cfg.ConsoleInput,
			Output: cfg.ConsoleOutput,
		})
	}

	httpMetrics := s.setupMetrics()

	handlers := client.New(client.Config{
		Server:      cfg.Server,
		Globals:     g,
		Users:       u,
		UIAA:        ui,
		Rooms:       r,
		Sync:        sy,
		Media:       med,
		Admin:       adm,
		Appservices: asvc,
		Federation:  fed,
		Keys:        keys,
		Logger:      logger,
		Clock:       cfg.Clock,
	})
	fedAPI := server.New(server.Config{
		Server:  cfg.Server,
		Globals: g,
		Users:   u,
		Rooms:   r,
		Keys:    keys,
		Logger:  logger,
		Clock:   cfg.Clock,
	})
	auth := router.NewAuth(router.AuthConfig{
		Server:      cfg.Server,
		Globals:     g,
		Users:       u,
		Appservices: asvc,
		Keys:        keys,
		Logger:      logger,
	})
	mux := http.NewServeMux()
	handlers.Register(mux, auth)
	fedAPI.Register(mux, auth)

	var handler http.Handler = mux
	handler = router.MaxBytes(cfg.Server.MaxRequestSize)(handler)
	handler = httpMetrics.Middleware(handler)
	handler = router.CORS(handler)
	handler = router.Log(logger)(handler)
	handler = router.Recover(logger)(handler)

	if !cfg.Maintenance {
		s.apiServer = router.NewServer(router.ServerConfig{
			Listeners:      cfg.Server.Listen,
			Handler:        handler,
			MaxConnections: cfg.Server.MaxConnections,
			Logger:         logger,
		})
		if cfg.Server.AdminListen != "" {
			adminMux := http.NewServeMux()
			adminMux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
				EnableOpenMetrics: true,
			}))
			s.adminServer = router.NewServer(router.ServerConfig{
				Listeners: []config.Listener{{Address: cfg.Server.AdminListen}},
				Handler:   adminMux,
				Logger:    logger,
			})
		}
		if err := s.setupSchedule(); err != nil {
			return fail(err)
		}
	}

	return s, nil
}

// openDatabase maps the database section of the server configuration
// onto the engine. Maintenance mode never opens without at least an
// integrity check.
func openDatabase(ctx context.Context, cfg Config) (*database.Engine, error) {
	dbCfg := cfg.Server.Database
	codec, err := database.ParseCompression(dbCfg.Compression)
	if err != nil {
		return nil, fmt.Errorf("service: compression: %w", err)
	}
	var overrides map[string]database.Compression
	for name, val := range dbCfg.CompressionOverride {
		c, err := database.ParseCompression(val)
		if err != nil {
			return nil, fmt.Errorf("service: compression override %q: %w", name, err)
		}
		if overrides == nil {
			overrides = make(map[string]database.Compression)
		}
		overrides[name] = c
	}
	recovery := dbCfg.RecoveryMode
	if cfg.Maintenance && recovery < database.RecoveryCheck {
		recovery = database.RecoveryCheck
	}
	return database.Open(ctx, database.Config{
		Path:                dbCfg.Path,
		PoolSize:            dbCfg.PoolSize,
		RecoveryMode:        recovery,
		Compression:         codec,
		CompressionOverride: overrides,
		Logger:              cfg.Logger,
	})
}

// setupMetrics builds the prometheus registry: runtime collectors,
// the HTTP route metrics, and gauges bridging the service counters.
func (s *Services) setupMetrics() *router.Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	httpMetrics := router.NewMetrics(reg)

	appended := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tuwunel",
		Subsystem: "rooms",
		Name:      "events_appended_total",
		Help:      "Events appended to room timelines.",
	})
	reg.MustRegister(appended)
	s.Rooms.RegisterAppendHook(func(ctx context.Context, pdu *matrix.PDU) {
		appended.Inc()
	})

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "tuwunel",
		Name:      "sequence_counter",
		Help:      "Current value of the global event sequence counter.",
	}, func() float64 {
		return float64(s.Globals.Current())
	}))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "tuwunel",
		Name:      "database_size_bytes",
		Help:      "Size of the database file including WAL and spill files.",
	}, func() float64 {
		size, err := s.DB.Size(context.Background())
		if err != nil {
			return 0
		}
		return float64(size)
	}))

	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "tuwunel",
		Subsystem: "sending",
		Name:      "transactions_total",
		Help:      "Outbound transactions delivered to federation and appservice destinations.",
	}, func() float64 {
		delivered, _, _ := s.Sending.Stats()
		return float64(delivered)
	}))
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "tuwunel",
		Subsystem: "sending",
		Name:      "failures_total",
		Help:      "Outbound transaction attempts that failed and will be retried.",
	}, func() float64 {
		_, failures, _ := s.Sending.Stats()
		return float64(failures)
	}))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "tuwunel",
		Subsystem: "sending",
		Name:      "workers",
		Help:      "Live outbound delivery workers, one per destination.",
	}, func() float64 {
		_, _, workers := s.Sending.Stats()
		return float64(workers)
	}))

	s.registry = reg
	return httpMetrics
}

// setupSchedule creates the periodic maintenance jobs: WAL
// checkpoints on the configured interval and, when media retention
// or the remote quota is enabled, a daily media sweep. The scheduler
// starts in Run.
func (s *Services) setupSchedule() error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("service: scheduler: %w", err)
	}
	if secs := s.Server.Database.CheckpointInterval; secs > 0 {
		_, err := sched.NewJob(
			gocron.DurationJob(time.Duration(secs)*time.Second),
			gocron.NewTask(s.checkpointJob),
			gocron.WithName("db-checkpoint"),
		)
		if err != nil {
			return fmt.Errorf("service: checkpoint job: %w", err)
		}
	}
	if s.Server.Media.RetentionDays > 0 || s.Server.Media.RemoteQuota > 0 {
		_, err := sched.NewJob(
			gocron.DurationJob(24*time.Hour),
			gocron.NewTask(s.mediaSweepJob),
			gocron.WithName("media-retention"),
		)
		if err != nil {
			return fmt.Errorf("service: media sweep job: %w", err)
		}
	}
	s.scheduler = sched
	return nil
}

func (s *Services) checkpointJob() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := s.DB.Checkpoint(ctx); err != nil {
		s.logger.Warn("scheduled checkpoint failed", "error", err)
	}
}

func (s *Services) mediaSweepJob() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	if _, err := s.Media.SweepRetention(ctx); err != nil {
		s.logger.Warn("media retention sweep failed", "error", err)
	}
}

// Ready is closed once every listener is bound; in maintenance mode,
// once the bootstrap has finished. Startup commands run after this
// point.
func (s *Services) Ready() <-chan struct{} {
	return s.ready
}

// Addrs returns the bound API listener addresses. Empty before Ready
// and in maintenance mode.
func (s *Services) Addrs() []net.Addr {
	if s.apiServer == nil {
		return nil
	}
	return s.apiServer.Addrs()
}

// AdminAddrs returns the bound admin listener addresses. Empty before
// Ready and when no admin listener is configured.
func (s *Services) AdminAddrs() []net.Addr {
	if s.adminServer == nil {
		return nil
	}
	return s.adminServer.Addrs()
}

// Run performs the startup bootstrap and serves until ctx is
// cancelled or a component fails. Run returns nil on a clean
// shutdown; it may be called once.
func (s *Services) Run(ctx context.Context) error {
	if err := s.bootstrap(ctx); err != nil {
		return err
	}

	group, gctx := errgroup.WithContext(ctx)

	if !s.maintenance {
		if err := s.Appservice.Start(gctx); err != nil {
			return fmt.Errorf("service: appservice: %w", err)
		}
		if err := s.Sending.Start(gctx); err != nil {
			return fmt.Errorf("service: sending: %w", err)
		}
		defer s.Sending.Stop()
		if s.scheduler != nil {
			s.scheduler.Start()
			defer func() {
				if err := s.scheduler.Shutdown(); err != nil {
					s.logger.Warn("scheduler shutdown", "error", err)
				}
			}()
		}
	}

	if s.apiServer != nil {
		group.Go(func() error { return s.apiServer.Serve(gctx) })
	}
	if s.adminServer != nil {
		group.Go(func() error { return s.adminServer.Serve(gctx) })
	}
	if s.Console != nil {
		group.Go(func() error { return s.Console.Run(gctx) })
	}
	group.Go(func() error {
		for _, srv := range []*router.Server{s.apiServer, s.adminServer} {
			if srv == nil {
				continue
			}
			select {
			case <-srv.Ready():
			case <-gctx.Done():
				return nil
			}
		}
		close(s.ready)
		if s.apiServer != nil {
			addrs := make([]string, 0, len(s.apiServer.Addrs()))
			for _, addr := range s.apiServer.Addrs() {
				addrs = append(addrs, addr.String())
			}
			s.logger.Info("server ready", "listening", addrs)
		}
		s.runStartupCommands(gctx)
		return nil
	})

	return group.Wait()
}

// bootstrap runs the startup tasks that need the full container:
// ensuring the admin room exists and applying the emergency password
// to the server account. An unset emergency password clears any
// previously applied one, closing the login path again.
func (s *Services) bootstrap(ctx context.Context) error {
	if err := s.Admin.EnsureAdminRoom(ctx); err != nil {
		return fmt.Errorf("service: admin room: %w", err)
	}
	serverUser := s.Globals.ServerUser()
	if pw := s.Server.EmergencyPassword; pw != "" {
		if err := s.Users.SetPassword(ctx, serverUser, pw); err != nil {
			return fmt.Errorf("service: emergency password: %w", err)
		}
		s.logger.Warn("emergency password is set, the server account accepts logins",
			"user", serverUser.String())
	} else if err := s.Users.SetPassword(ctx, serverUser, ""); err != nil {
		return fmt.Errorf("service: emergency password: %w", err)
	}
	return nil
}

// runStartupCommands executes the --execute commands in order.
// Replies go to the admin room, as if the command had been typed
// there.
func (s *Services) runStartupCommands(ctx context.Context) {
	for _, command := range s.execute {
		s.logger.Info("startup command", "command", command)
		reply := s.Admin.Process(ctx, command)
		if err := s.Admin.Notice(ctx, reply); err != nil {
			s.logger.Warn("startup command reply", "command", command, "error", err)
		}
	}
}

// Close releases the database. Call it after Run has returned.
func (s *Services) Close() error {
	return s.DB.Close()
}
