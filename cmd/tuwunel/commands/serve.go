// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/spf13/pflag"

	"github.com/tototomate123/tuwunel/cmd/tuwunel/cli"
	"github.com/tototomate123/tuwunel/lib/config"
	"github.com/tototomate123/tuwunel/lib/version"
	"github.com/tototomate123/tuwunel/service"
)

// serveOptions carries the root command's flag values between the
// flag set factory and run.
type serveOptions struct {
	configPath  string
	overrides   []string
	execute     []string
	console     bool
	maintenance bool
	version     bool
}

func (o *serveOptions) flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("tuwunel", pflag.ContinueOnError)
	fs.StringVarP(&o.configPath, "config", "c", "",
		"path to the configuration file (or TUWUNEL_CONFIG)")
	fs.StringArrayVarP(&o.overrides, "option", "O", nil,
		"set a configuration option as key=value (repeatable)")
	fs.StringArrayVar(&o.execute, "execute", nil,
		"run an admin command once the server is ready (repeatable)")
	fs.BoolVar(&o.console, "console", false,
		"open the interactive admin console on the terminal")
	fs.BoolVar(&o.maintenance, "maintenance", false,
		"start no listeners; check database integrity and run admin commands only")
	fs.BoolVar(&o.version, "version", false,
		"print version information and exit")
	return fs
}

func (o *serveOptions) run(ctx context.Context, args []string) error {
	if o.version {
		fmt.Printf("tuwunel %s\n", version.Info())
		return nil
	}
	if len(args) > 0 {
		return fmt.Errorf("unexpected argument %q", args[0])
	}

	cfg, err := config.Load(o.configPath, o.overrides)
	if err != nil {
		return err
	}
	if o.console {
		cfg.Console = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)
	if err := config.MaximizeFileDescriptors(logger); err != nil {
		logger.Warn("file descriptor limit", "error", err)
	}

	logger.Info("starting tuwunel",
		"version", version.Info(),
		"server_name", cfg.ServerName,
		"database", cfg.Database.Path)

	svc, err := service.New(ctx, service.Config{
		Server:      cfg,
		Logger:      logger,
		Maintenance: o.maintenance,
		Execute:     o.execute,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Error("closing database", "error", err)
		}
	}()

	if o.maintenance {
		problems, err := svc.DB.IntegrityCheck(ctx)
		if err != nil {
			return fmt.Errorf("integrity check: %w", err)
		}
		if len(problems) > 0 {
			for _, problem := range problems {
				logger.Error("integrity problem", "detail", problem)
			}
			return &cli.ExitError{Code: 1}
		}
		logger.Info("database integrity verified")
	}

	go func() {
		select {
		case <-svc.Ready():
			notifySystemd("READY=1")
		case <-ctx.Done():
		}
	}()
	defer notifySystemd("STOPPING=1")

	return svc.Run(ctx)
}

// newLogger builds the process logger from the log configuration.
// Output goes to stderr; stdout belongs to the admin console.
func newLogger(logCfg config.Log) *slog.Logger {
	options := &slog.HandlerOptions{Level: logCfg.SlogLevel()}
	var handler slog.Handler
	if logCfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, options)
	} else {
		handler = slog.NewTextHandler(os.Stderr, options)
	}
	return slog.New(handler)
}

// notifySystemd sends a state string to the systemd notify socket.
// Does nothing when NOTIFY_SOCKET is not set.
func notifySystemd(state string) {
	socketPath := os.Getenv("NOTIFY_SOCKET")
	if socketPath == "" {
		return
	}
	conn, err := net.Dial("unixgram", socketPath)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.Write([]byte(state))
}
