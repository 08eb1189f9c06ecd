// Package cache keeps the last fetched session list between runs. It is
// best-effort: callers treat every error as "nothing cached".
package cache

import (
	"context"

	"github.com/mohit83k/gatekeeper/internal/model"
)

// Store defines the interface for loading and saving session snapshots.
type Store interface {
	Load(ctx context.Context) (model.Sessions, error)
	Save(ctx context.Context, sessions model.Sessions) error
}

// Nop is a Store that remembers nothing.
type Nop struct{}

func (Nop) Load(context.Context) (model.Sessions, error) { return model.Sessions{}, nil }

func (Nop) Save(context.Context, model.Sessions) error { return nil }
