// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"

	"github.com/opbenesh/bindery/internal/model"
)

// Storage is the interface for all persistence operations: destination
// email addresses, bind history, and the user whitelist.
type Storage interface {
	SetKindleEmail(ctx context.Context, chatID int64, email string) error
	// GetKindleEmail returns "" when no address is configured.
	GetKindleEmail(ctx context.Context, chatID int64) (string, error)
	ClearKindleEmail(ctx context.Context, chatID int64) error

	// AddBind records a completed send, populating entry.ID, and trims the
	// conversation's history to the newest MaxBinds entries.
	AddBind(ctx context.Context, chatID int64, entry *model.BindEntry) error
	// ListBinds returns the history most-recent-first.
	ListBinds(ctx context.Context, chatID int64) ([]model.BindEntry, error)
	GetBind(ctx context.Context, chatID int64, id string) (*model.BindEntry, error)

	Allow(ctx context.Context, userID int64) error
	Disallow(ctx context.Context, userID int64) error
	ListAllowed(ctx context.Context) ([]int64, error)
	IsAllowed(ctx context.Context, userID int64) (bool, error)

	Close() error
}

// MaxBinds caps the per-conversation bind history.
const MaxBinds = 20
