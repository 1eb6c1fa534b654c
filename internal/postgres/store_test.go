package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"virtual-settlement-go/internal/models"
	"virtual-settlement-go/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs against a disposable database named by POSTGRES_TEST_URL; skipped otherwise.
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("POSTGRES_TEST_URL")
	if url == "" {
		t.Skip("POSTGRES_TEST_URL not set")
	}

	s, err := NewStore(context.Background(), models.DatabaseConfig{PostgresUrl: url, PingTimeout: 5 * time.Second})
	require.NoError(t, err)
	_, err = s.Db.Exec(context.Background(), "TRUNCATE snapshot_meta, accounts, subscriptions, pending_operations, idempotency_memos, event_log")
	require.NoError(t, err)
	_, err = s.Db.Exec(context.Background(), querySeedMeta)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestStore_SaveLoadAndVersionCheck(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.LoadSnapshot(ctx)
	require.True(t, errors.Is(err, store.ErrNoSnapshot))

	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	snap := &models.Snapshot{
		TakenAt:       now,
		Accounts:      []models.AccountState{{Account: "alice", Balance: 10, NetExternal: 10}},
		TotalDeposits: 10,
		Events:        []models.EventLogEntry{{Seq: 1, Timestamp: now, Kind: models.EventDepositConfirmed, Accounts: []models.Account{"alice"}, Amount: 10}},
		NextEventSeq:  2,
	}
	require.NoError(t, s.SaveSnapshot(ctx, snap))
	assert.Equal(t, int64(1), snap.Version)

	stale := *snap
	stale.Version = 0
	assert.True(t, errors.Is(s.SaveSnapshot(ctx, &stale), store.ErrConcurrentModification))

	loaded, err := s.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap.Accounts, loaded.Accounts)
	require.Len(t, loaded.Events, 1)
	assert.Equal(t, []models.Account{"alice"}, loaded.Events[0].Accounts)
	assert.True(t, loaded.TakenAt.Equal(now))
}

func TestStore_ConcurrentFirstSavesAllowOneWinner(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.SaveSnapshot(ctx, &models.Snapshot{TakenAt: now, NextEventSeq: 1})
		}(i)
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
			assert.True(t, errors.Is(err, store.ErrConcurrentModification), "got %v", err)
		}
	}
	assert.Equal(t, 1, failed)

	loaded, err := s.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), loaded.Version)
}
