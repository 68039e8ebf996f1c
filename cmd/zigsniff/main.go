// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Command zigsniff captures IEEE 802.15.4 traffic from local radios into a
// pcapng file and forwards it to a remote Wireshark over ZEP.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mbeema/zigsniff/pkg/config"
	"github.com/mbeema/zigsniff/pkg/device"
	"github.com/mbeema/zigsniff/pkg/health"
	"github.com/mbeema/zigsniff/pkg/node"
	"github.com/mbeema/zigsniff/pkg/sniffer"
	"github.com/mbeema/zigsniff/pkg/zep"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const shutdownTimeout = 30 * time.Second

const usage = `usage: zigsniff <command> [flags]

commands:
  run       capture from the configured radios (default)
  inspect   list the packets of a capture file
  listen    print ZEP datagrams received on a UDP port
  version   print version information
`

func main() {
	args := os.Args[1:]
	cmd := "run"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "run":
		err = runCmd(args)
	case "inspect":
		err = inspectCmd(args, os.Stdout)
	case "listen":
		err = listenCmd(args, os.Stdout)
	case "version":
		fmt.Printf("zigsniff %s (commit: %s, built: %s)\n", version, commit, buildDate)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "zigsniff %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

// intListFlag collects comma-separated integers; it may be repeated.
type intListFlag []int

func (f *intListFlag) String() string { return fmt.Sprint([]int(*f)) }

func (f *intListFlag) Set(s string) error {
	list, err := config.ParseIntList(s)
	if err != nil {
		return err
	}
	*f = append(*f, list...)
	return nil
}

type runOptions struct {
	configPath string
	logLevel   string
	output     string
	nodes      intListFlag
	channels   intListFlag
}

func parseRunFlags(args []string, stderr io.Writer) (*runOptions, error) {
	opts := &runOptions{}
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "", "path to configuration file")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	fs.StringVar(&opts.output, "output", "", "capture file path")
	fs.Var(&opts.nodes, "node", "comma-separated node ids")
	fs.Var(&opts.channels, "chnl", "comma-separated channels, one per node")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments %v", fs.Args())
	}
	return opts, nil
}

// resolveConfig loads the config and applies the command line on top.
func resolveConfig(opts *runOptions) (*config.Config, string, error) {
	cfg, path, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, "", err
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.output != "" {
		cfg.Output = opts.output
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func loadConfig(path string) (*config.Config, string, error) {
	if path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}

	// Try default locations
	defaults := []string{
		"configs/zigsniff.yaml",
		"/etc/zigsniff/zigsniff.yaml",
		"/etc/zigsniff.yaml",
	}
	for _, p := range defaults {
		if _, err := os.Stat(p); err == nil {
			cfg, err := config.Load(p)
			return cfg, p, err
		}
	}

	cfg := config.DefaultConfig()
	cfg.ApplyEnvOverrides()
	return cfg, "", nil
}

func snifferConfig(cfg *config.Config) sniffer.Config {
	return sniffer.Config{
		Output:         cfg.Output,
		PollTimeout:    cfg.Device.PollTimeout,
		MaxDrain:       cfg.Device.MaxDrain,
		ForwardEnabled: cfg.Forward.Enabled,
		Forward: zep.Config{
			Address:     cfg.Forward.Address,
			Port:        cfg.Forward.Port,
			Interface:   cfg.Forward.Interface,
			SuppressFCS: cfg.Forward.SuppressFCS,
			FCSLength:   cfg.Forward.FCSLength,
		},
	}
}

// reloader applies configuration changes that are safe while capturing.
type reloader struct {
	mu      sync.Mutex
	current *config.Config
	cli     *runOptions
	level   zap.AtomicLevel
	logger  *zap.Logger
}

func (r *reloader) apply(next *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cli.logLevel != "" {
		next.LogLevel = r.cli.logLevel
	}
	if r.cli.output != "" {
		next.Output = r.cli.output
	}
	if lvl, err := zapcore.ParseLevel(next.LogLevel); err == nil && lvl != r.level.Level() {
		r.level.SetLevel(lvl)
		r.logger.Info("log level changed", zap.Stringer("level", lvl))
	}
	if changed := r.current.RestartRequired(next); len(changed) > 0 {
		r.logger.Warn("configuration changes require a restart", zap.Strings("sections", changed))
	}
	r.current = next
}

func runCmd(args []string) error {
	opts, err := parseRunFlags(args, os.Stderr)
	if err != nil {
		return err
	}
	cfg, cfgPath, err := resolveConfig(opts)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, level, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting zigsniff",
		zap.String("version", version),
		zap.String("commit", commit),
	)

	ids, channels, err := cfg.ResolveNodeLists(opts.nodes, opts.channels)
	if err != nil {
		return fmt.Errorf("resolve nodes: %w", err)
	}
	reg, err := node.Build(ids, channels)
	if err != nil {
		return fmt.Errorf("build node registry: %w", err)
	}
	if reg.Len() < len(ids) || reg.Len() < len(channels) {
		logger.Warn("node and channel lists differ in length, extra entries ignored",
			zap.Ints("nodes", ids),
			zap.Ints("channels", channels),
		)
	}

	stats := health.NewStats()
	opener := device.CharDevOpener{PathPrefix: cfg.Device.PathPrefix, Ioctls: cfg.Device.Ioctls}
	sn := sniffer.New(snifferConfig(cfg), reg, opener, stats, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var healthServer *health.Server
	if cfg.Health.Enabled {
		healthServer = health.NewServer(cfg.Health.Port, version, stats, logger)
		healthServer.Attach(func() string { return sn.State().String() })
		if err := healthServer.Start(ctx); err != nil {
			logger.Warn("health server start error", zap.Error(err))
			healthServer = nil
		}
	}
	defer func() {
		if healthServer != nil {
			healthServer.Stop()
		}
	}()

	if err := sn.Start(ctx); err != nil {
		return fmt.Errorf("start sniffer: %w", err)
	}

	r := &reloader{current: cfg, cli: opts, level: level, logger: logger}
	var watcher *config.Watcher
	if cfgPath != "" {
		watcher = config.NewWatcher(cfgPath, r.apply, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("config watcher start error", zap.Error(err))
			watcher = nil
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)

	for {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			if watcher != nil {
				watcher.Stop()
			}

			shutdownDone := make(chan error, 1)
			go func() { shutdownDone <- sn.Stop() }()

			select {
			case err := <-shutdownDone:
				if err != nil {
					logger.Error("error during shutdown", zap.Error(err))
				}
				logger.Info("zigsniff stopped")
				return nil
			case <-time.After(shutdownTimeout):
				logger.Error("shutdown timed out, forcing exit", zap.Duration("timeout", shutdownTimeout))
				os.Exit(1)
			}

		case <-hupCh:
			logger.Info("received SIGHUP, reloading configuration")
			if cfgPath == "" {
				logger.Info("no config file in use, nothing to reload")
				continue
			}
			newCfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Error("failed to reload config", zap.Error(err))
				continue
			}
			r.apply(newCfg)

		case <-sn.Done():
			if watcher != nil {
				watcher.Stop()
			}
			return sn.Wait()
		}
	}
}
