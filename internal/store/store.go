package store

import (
	"context"
	"errors"
	"time"

	"virtual-settlement-go/internal/models"
)

// Sentinel errors shared across the engine and all backend implementations.
var (
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrAlreadyPending         = errors.New("operation already pending")
	ErrAccountFrozen          = errors.New("account frozen pending invariant review")
	ErrInvalidAmount          = errors.New("amount must be positive")
	ErrSubscriptionNotFound   = errors.New("subscription not found")
	ErrSubscriptionCancelled  = errors.New("subscription cancelled")
	ErrNotSubscriptionPayer   = errors.New("only the payer may resume a subscription")
	ErrInvalidSubscription    = errors.New("invalid subscription")
	ErrDepositNotConfirmed    = errors.New("deposit not confirmed by external ledger")
	ErrEngineStopped          = errors.New("engine stopped")
	ErrNoSnapshot             = errors.New("no snapshot stored")
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// SnapshotStore persists engine snapshots and the event log. Every backend (SQLite, Postgres, ...)
// must satisfy it.
type SnapshotStore interface {
	// --- Snapshots ---

	// SaveSnapshot replaces the stored state with snap. snap.Version must equal the stored
	// version, otherwise ErrConcurrentModification is returned. On success snap.Version is
	// incremented.
	SaveSnapshot(ctx context.Context, snap *models.Snapshot) error
	// LoadSnapshot returns ErrNoSnapshot when nothing has been saved yet.
	LoadSnapshot(ctx context.Context) (*models.Snapshot, error)

	// --- Event log ---
	ListEvents(ctx context.Context, since time.Time, limit int) ([]models.EventLogEntry, error)

	// --- Lifecycle ---
	Close()
}
