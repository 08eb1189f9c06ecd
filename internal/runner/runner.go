// Package runner sequences one run: lock, fetch, publish, release.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/mohit83k/gatekeeper/internal/cache"
	"github.com/mohit83k/gatekeeper/internal/fetcher"
	"github.com/mohit83k/gatekeeper/internal/guard"
	"github.com/mohit83k/gatekeeper/internal/logger"
	"github.com/mohit83k/gatekeeper/internal/model"
)

// Lock is a held execution lock.
type Lock interface {
	Release() error
	Path() string
}

// Locker acquires the execution lock.
type Locker interface {
	Acquire(ctx context.Context) (Lock, error)
}

// SessionFetcher fetches the device's sessions within budget.
type SessionFetcher interface {
	Fetch(ctx context.Context, budget *fetcher.RetryBudget) (model.Sessions, error)
}

// Publisher delivers sessions downstream and returns the response body.
type Publisher interface {
	Publish(ctx context.Context, sessions model.Sessions) (string, error)
}

// Notifier announces a successful run.
type Notifier interface {
	Notify(device string, count int) error
}

// Runner wires the components of a run.
type Runner struct {
	Device      string
	MaxAttempts int

	Locker    Locker
	Fetcher   SessionFetcher
	Publisher Publisher
	Notifier  Notifier    // optional
	Cache     cache.Store // optional
	Logger    logger.Logger
	Out       io.Writer
}

// Run performs one run. The lock, once acquired, is released on every path.
func (r *Runner) Run(ctx context.Context) (err error) {
	log := r.Logger.WithFields(map[string]any{
		"run_id": uuid.NewString(),
		"device": r.Device,
	})

	log.Debug("grabbing lock")
	lock, err := r.Locker.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		log.Debug("releasing lock")
		if rerr := lock.Release(); rerr != nil {
			log.WithFields(map[string]any{"lock": lock.Path()}).Error(fmt.Errorf("failed to release lock: %w", rerr))
			err = errors.Join(err, rerr)
		}
	}()

	previous := r.readCache(ctx, log)

	log.Info("connecting to device, getting sessions")
	sessions, err := r.Fetcher.Fetch(ctx, fetcher.NewRetryBudget(r.MaxAttempts))
	if err != nil {
		return err
	}

	joined, left := sessions.Diff(previous)
	log.WithFields(map[string]any{
		"sessions": len(sessions),
		"joined":   strings.Join(joined, ","),
		"left":     strings.Join(left, ","),
	}).Debug("fetched session list")

	if r.Cache != nil {
		if cerr := r.Cache.Save(ctx, sessions); cerr != nil {
			log.WithFields(map[string]any{"err": cerr.Error()}).Warn("could not update session cache")
		}
	}

	body, err := r.Publisher.Publish(ctx, sessions)
	if body != "" && r.Out != nil {
		fmt.Fprintln(r.Out, body)
	}
	if err != nil {
		return err
	}

	if r.Notifier != nil {
		if nerr := r.Notifier.Notify(r.Device, len(sessions)); nerr != nil {
			log.WithFields(map[string]any{"err": nerr.Error()}).Warn("could not send notification")
		}
	}

	log.Info("operation complete")
	return nil
}

// readCache loads the previous snapshot. Any failure means starting empty.
func (r *Runner) readCache(ctx context.Context, log logger.Logger) model.Sessions {
	if r.Cache == nil {
		return model.Sessions{}
	}
	previous, err := r.Cache.Load(ctx)
	if err != nil {
		log.WithFields(map[string]any{"err": err.Error()}).Debug("session cache unavailable, starting from empty")
		return model.Sessions{}
	}
	log.Debug(fmt.Sprintf("cache contains %d entries", len(previous)))
	return previous
}

// GuardLocker adapts a guard.Guard to Locker.
type GuardLocker struct {
	Guard *guard.Guard
}

func (g GuardLocker) Acquire(ctx context.Context) (Lock, error) {
	lock, err := g.Guard.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return lock, nil
}
