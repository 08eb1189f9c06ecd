package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/pflag"

	"github.com/mohit83k/gatekeeper/internal/cache"
	"github.com/mohit83k/gatekeeper/internal/config"
	"github.com/mohit83k/gatekeeper/internal/device"
	"github.com/mohit83k/gatekeeper/internal/fetcher"
	"github.com/mohit83k/gatekeeper/internal/guard"
	"github.com/mohit83k/gatekeeper/internal/logger"
	"github.com/mohit83k/gatekeeper/internal/publish"
	"github.com/mohit83k/gatekeeper/internal/runner"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("gatekeeper", pflag.ContinueOnError)
	confPath := flags.String("conf", config.DefaultPath, "config file")
	logLevel := flags.String("log-level", "", "log level (default: debug on a terminal, error otherwise)")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	cfg, err := config.Load(*confPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "gatekeeper:", err)
		return 1
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	log, err := logger.NewLogrusLogger(cfg.LogFilePath, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "gatekeeper: failed to initialize logger:", err)
		return 1
	}

	dialer, err := device.NewSSHDialer(device.Config{
		Host:           cfg.DeviceHostname,
		Port:           cfg.DevicePort,
		Username:       cfg.DeviceUser,
		Password:       cfg.DevicePassword,
		KnownHostsFile: cfg.KnownHostsFile,
		ConnectTimeout: cfg.ConnectTimeout,
		CommandTimeout: cfg.CommandTimeout,
	})
	if err != nil {
		log.WithFields(map[string]any{"device": cfg.DeviceHostname}).Error(err)
		return 1
	}
	if cfg.KnownHostsFile == "" {
		log.Debug("known_hosts_file not set, device host key is not verified")
	}

	store, closeStore := newCache(cfg)
	defer closeStore()

	r := &runner.Runner{
		Device:      cfg.DeviceHostname,
		MaxAttempts: cfg.MaxAttempts,
		Locker:      runner.GuardLocker{Guard: guard.New(cfg.LockFile, cfg.LockRetries, cfg.LockRetryDelay)},
		Fetcher:     fetcher.NewFetcher(dialer, cfg.DeviceEnable, log),
		Publisher:   publish.NewHTTPPublisher(cfg.ServerEndpoint, cfg.PublishTimeout),
		Cache:       store,
		Logger:      log,
		Out:         os.Stdout,
	}
	if cfg.NotifyEnabled {
		r.Notifier = publish.NewNotifier(cfg.NotifyURL, nil)
	}

	err = r.Run(ctx)
	runner.Report(log, cfg.DeviceHostname, cfg.LockFile, err)
	return runner.ExitCode(err)
}

func newCache(cfg config.Config) (cache.Store, func()) {
	switch cfg.CacheBackend {
	case config.CacheRedis:
		store := cache.NewRedisStore(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB, cfg.DeviceHostname, cfg.CacheTTL)
		return store, func() { _ = store.Close() }
	case config.CacheNone:
		return cache.Nop{}, func() {}
	default:
		return cache.NewFileStore(cfg.CacheFile), func() {}
	}
}
