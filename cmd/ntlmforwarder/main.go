// Copyright 2023 Sauce Labs Inc., all rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command ntlmforwarder runs a local forwarding proxy that authenticates
// against an upstream corporate NTLM proxy on behalf of its clients.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	forwarder "github.com/kpax/ntlmforwarder"
	"github.com/kpax/ntlmforwarder/header"
	"github.com/kpax/ntlmforwarder/internal/version"
	"github.com/kpax/ntlmforwarder/log"
	"github.com/kpax/ntlmforwarder/log/slog"
	"github.com/kpax/ntlmforwarder/log/stdlog"
	"github.com/kpax/ntlmforwarder/runctx"
)

const envPrefix = "NTLMFORWARDER"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:     "ntlmforwarder",
		Short:   "Forward HTTP/HTTPS traffic through an NTLM-authenticated upstream proxy",
		Version: version.Get().Version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return bindFlags(cmd, v)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), v)
		},
		SilenceUsage: true,
	}

	fs := cmd.Flags()
	fs.String("username", "", "username for the upstream NTLM proxy")
	fs.String("password", "", "password for the upstream NTLM proxy")
	fs.String("domain", "", "NTLM domain of the upstream proxy account")
	fs.String("proxy-host", "", "hostname or IP of the upstream NTLM proxy")
	fs.Int("proxy-port", 0, "port of the upstream NTLM proxy")
	fs.Int("local-port", 3128, "local port this proxy listens on")

	fs.Int("max-connections", 0, "maximum total pooled upstream connections (0 = unbounded)")
	fs.Int("max-connections-per-route", 0, "maximum pooled upstream connections per route (0 = unbounded)")
	fs.Duration("eviction-period", forwarder.DefaultSystemConfig().EvictionPeriod, "idle-connection eviction sweep period")
	fs.Duration("max-connection-idle", forwarder.DefaultSystemConfig().MaxConnectionIdle, "maximum idle time for a pooled upstream connection")
	fs.Duration("shutdown-timeout", forwarder.DefaultShutdownTimeout, "grace period for in-flight connections to drain on shutdown")
	fs.Bool("retries", forwarder.DefaultSystemConfig().Retries, "automatically retry an idempotent relayed request once against a fresh connection on transport failure")

	fs.String("log-level", "info", "log level: error, warn, info, debug")
	fs.String("log-format", "text", "log format: text, json")
	fs.String("log-file", "", "write logs to this file instead of stdout; reopened on SIGHUP")
	fs.String("metrics-addr", "127.0.0.1:9090", "address for the ops HTTP surface (/healthz, /readyz, /metrics, /version)")

	fs.StringArray("header", nil, "header rule applied to every relayed request, repeatable (see header.ParseHeader syntax)")
	fs.StringArray("response-header", nil, "header rule applied to every relayed response, repeatable")

	fs.String("config-file", "", "path to a YAML/JSON/TOML config file")

	return cmd
}

// bindFlags wires viper's precedence chain: explicit flags win over
// NTLMFORWARDER_* environment variables, which win over the config file, which
// wins over the flag defaults above.
func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	if cfgFile, _ := cmd.Flags().GetString("config-file"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return v.BindPFlags(cmd.Flags())
}

func run(ctx context.Context, v *viper.Viper) error {
	userCfg := &forwarder.UserConfig{
		Username:  v.GetString("username"),
		Password:  v.GetString("password"),
		Domain:    v.GetString("domain"),
		ProxyHost: v.GetString("proxy-host"),
		ProxyPort: v.GetInt("proxy-port"),
		LocalPort: v.GetInt("local-port"),
	}

	sysCfg := forwarder.DefaultSystemConfig()
	sysCfg.MetricsAddr = v.GetString("metrics-addr")
	sysCfg.EvictionPeriod = v.GetDuration("eviction-period")
	sysCfg.MaxConnectionIdle = v.GetDuration("max-connection-idle")
	sysCfg.ShutdownTimeout = v.GetDuration("shutdown-timeout")
	sysCfg.Retries = v.GetBool("retries")
	if n := v.GetInt("max-connections"); n > 0 {
		sysCfg.MaxConnections = &n
	}
	if n := v.GetInt("max-connections-per-route"); n > 0 {
		sysCfg.MaxConnectionsPerRoute = &n
	}

	logLevel, err := parseLogLevel(v.GetString("log-level"))
	if err != nil {
		return err
	}
	sysCfg.LogLevel = logLevel
	logFormat, err := parseLogFormat(v.GetString("log-format"))
	if err != nil {
		return err
	}
	sysCfg.LogFormat = logFormat

	if sysCfg.RequestHeaders, err = parseHeaderRules(v.GetStringSlice("header")); err != nil {
		return fmt.Errorf("--header: %w", err)
	}
	if sysCfg.ResponseHeaders, err = parseHeaderRules(v.GetStringSlice("response-header")); err != nil {
		return fmt.Errorf("--response-header: %w", err)
	}

	var logFile *os.File
	if path := v.GetString("log-file"); path != "" {
		logFile, err = os.OpenFile(path, log.DefaultFileFlags, log.DefaultFileMode)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
	}

	logger, closeLogger := newLogger(sysCfg.LogFormat, sysCfg.LogLevel, logFile)
	defer func() {
		if err := closeLogger(); err != nil {
			fmt.Fprintf(os.Stderr, "close logger: %s\n", err)
		}
	}()
	logger.Infof("ntlmforwarder %s starting", version.Get().Version)

	// Per SPEC_FULL.md §4.13: construct and validate dependencies (credentials,
	// connection pool, eviction ticker, metrics registry) before binding either
	// listener, so a configuration error never leaks a bound port.
	srv, err := forwarder.NewServer(userCfg, sysCfg, logger)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}

	api := forwarder.NewAPIHandler(srv.Registry(), srv.Ready)

	g := runctx.NewGroup()
	g.Add(func(ctx context.Context) error {
		addr := fmt.Sprintf("127.0.0.1:%d", userCfg.LocalPort)
		logger.Infof("[proxy] listening on %s", addr)
		return srv.Serve(ctx, addr)
	})
	g.Add(func(ctx context.Context) error {
		if sysCfg.MetricsAddr == "" {
			return nil
		}
		logger.Infof("[api] listening on %s", sysCfg.MetricsAddr)
		return api.Run(ctx, sysCfg.MetricsAddr, sysCfg.ShutdownTimeout)
	})
	g.Add(func(ctx context.Context) error {
		<-ctx.Done()
		timeout := sysCfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = forwarder.DefaultShutdownTimeout
		}
		drainCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		logger.Infof("draining in-flight connections (timeout %s)", timeout)
		return srv.Shutdown(drainCtx)
	})

	return g.RunContext(ctx)
}

// newLogger picks the stdlog or slog backend per C10's interchangeable-logger
// design: both satisfy log.Logger, so the core never sees which one is active.
func newLogger(format log.Format, level log.Level, file *os.File) (log.Logger, func() error) {
	cfg := &log.Config{Level: level, Format: format, File: file}
	if format == log.JSONFormat {
		l := slog.New(cfg)
		return log.NewLoggerAdapter(l), l.Close
	}
	l := stdlog.New(cfg)
	return l, l.Close
}

func parseLogLevel(s string) (log.Level, error) {
	switch strings.ToLower(s) {
	case "error":
		return log.ErrorLevel, nil
	case "warn":
		return log.WarnLevel, nil
	case "info":
		return log.InfoLevel, nil
	case "debug":
		return log.DebugLevel, nil
	default:
		return 0, fmt.Errorf("invalid --log-level %q", s)
	}
}

func parseLogFormat(s string) (log.Format, error) {
	switch strings.ToLower(s) {
	case "text":
		return log.TextFormat, nil
	case "json":
		return log.JSONFormat, nil
	default:
		return 0, fmt.Errorf("invalid --log-format %q", s)
	}
}

func parseHeaderRules(vals []string) (header.Headers, error) {
	if len(vals) == 0 {
		return nil, nil
	}
	hs := make(header.Headers, 0, len(vals))
	for _, v := range vals {
		h, err := header.ParseHeader(v)
		if err != nil {
			return nil, err
		}
		hs = append(hs, h)
	}
	return hs, nil
}
