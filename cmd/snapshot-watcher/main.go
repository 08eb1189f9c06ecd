package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/mohit83k/gatekeeper/internal/cache"
	"github.com/mohit83k/gatekeeper/internal/config"
	"github.com/mohit83k/gatekeeper/internal/logger"
	"github.com/mohit83k/gatekeeper/internal/model"
)

// Follows session snapshots written by gatekeeper's redis cache backend.
// The server needs notify-keyspace-events to include "E$".
func main() {
	flags := pflag.NewFlagSet("snapshot-watcher", pflag.ExitOnError)
	confPath := flags.String("conf", config.DefaultPath, "config file")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Read(*confPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	log, err := logger.NewLogrusLogger(cfg.LogFilePath, "info")
	if err != nil {
		panic("failed to init logger: " + err.Error())
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:            cfg.RedisAddr,
		Password:        cfg.RedisPass,
		DB:              cfg.RedisDB,
		MaxRetries:      5,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 1 * time.Second,
	})
	defer rdb.Close()

	pubsub := rdb.Subscribe(ctx, fmt.Sprintf("__keyevent@%d__:set", cfg.RedisDB))
	log.Info("Started Redis subscriber for session snapshots")

	for {
		select {
		case <-ctx.Done():
			log.Info("Shutting down Redis subscriber")
			_ = pubsub.Close()
			return

		case msg := <-pubsub.Channel():
			if !strings.HasPrefix(msg.Payload, cache.KeyPrefix) {
				continue
			}

			fields := map[string]any{
				"device": strings.TrimPrefix(msg.Payload, cache.KeyPrefix),
				"key":    msg.Payload,
			}
			if value, err := rdb.Get(ctx, msg.Payload).Result(); err == nil {
				var sessions model.Sessions
				if json.Unmarshal([]byte(value), &sessions) == nil {
					fields["sessions"] = len(sessions)
				}
			}
			log.WithFields(fields).Info("Received session snapshot update")
		}
	}
}
