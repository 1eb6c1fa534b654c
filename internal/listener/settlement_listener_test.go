package listener

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"virtual-settlement-go/internal/database"
	"virtual-settlement-go/internal/engine"
	"virtual-settlement-go/internal/gateway"
	"virtual-settlement-go/internal/models"
	"virtual-settlement-go/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, path string) *database.Service {
	t.Helper()

	db, err := database.NewService(context.Background(), models.DatabaseConfig{
		Backend:      "sqlite",
		Path:         path,
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		PingTimeout:  time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func startEngine(t *testing.T, sb *gateway.Sandbox) *engine.Engine {
	t.Helper()

	e := engine.New(models.EngineConfig{AssetSymbol: "USDC", PendingTtl: time.Hour}, sb)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		e.Wait()
	})
	return e
}

func newListener(e Engine, snapshots store.SnapshotStore, interval time.Duration) *SettlementListener {
	return NewSettlementListener(SettlementListenerConfig{
		Engine:            e,
		Store:             snapshots,
		PageLimit:         10,
		SchedulerInterval: interval,
		ReconcileInterval: interval,
		SnapshotInterval:  0,
	})
}

func TestStartupRecovery_EmptyStoreStartsFresh(t *testing.T) {
	snapshots := openStore(t, filepath.Join(t.TempDir(), "settlement.db"))
	e := startEngine(t, gateway.NewSandbox())

	l := newListener(e, snapshots, 0)
	require.NoError(t, l.Start(context.Background()))
	assert.Equal(t, int64(0), l.SnapshotVersion())

	require.NoError(t, l.Stop(context.Background()))
	assert.Equal(t, int64(1), l.SnapshotVersion())
}

func TestStartupRecovery_RestoresLastSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settlement.db")
	sb := gateway.NewSandbox()

	first := startEngine(t, sb)
	sb.Fund("users:alice", 80)
	_, err := first.NotifyDeposit(context.Background(), "alice", 80)
	require.NoError(t, err)
	_, err = first.Subscribe(context.Background(), "alice", "bob", 10, 24*time.Hour)
	require.NoError(t, err)

	firstStore := openStore(t, path)
	l := newListener(first, firstStore, 0)
	require.NoError(t, l.Start(context.Background()))
	require.NoError(t, l.SaveSnapshot(context.Background()))
	require.NoError(t, l.Stop(context.Background()))
	assert.Equal(t, int64(2), l.SnapshotVersion())

	second := startEngine(t, sb)
	restored := newListener(second, openStore(t, path), 0)
	require.NoError(t, restored.Start(context.Background()))
	defer func() { _ = restored.Stop(context.Background()) }()

	assert.Equal(t, int64(2), restored.SnapshotVersion())
	balance, err := second.Balance(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(80), balance)

	subs, err := second.Subscriptions(context.Background(), "alice")
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}

func TestSchedulerLoopChargesAndPersists(t *testing.T) {
	snapshots := openStore(t, filepath.Join(t.TempDir(), "settlement.db"))
	sb := gateway.NewSandbox()
	e := startEngine(t, sb)

	sb.Fund("users:alice", 50)
	_, err := e.NotifyDeposit(context.Background(), "alice", 50)
	require.NoError(t, err)
	_, err = e.Subscribe(context.Background(), "alice", "bob", 20, 24*time.Hour)
	require.NoError(t, err)

	l := newListener(e, snapshots, 10*time.Millisecond)
	require.NoError(t, l.Start(context.Background()))

	require.Eventually(t, func() bool {
		balance, err := e.Balance(context.Background(), "bob")
		return err == nil && balance == 20
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return l.SnapshotVersion() > 0 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		report, err := e.ReconciliationReport(context.Background())
		return err == nil && report != nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, l.Stop(context.Background()))

	snap, err := snapshots.LoadSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, l.SnapshotVersion(), snap.Version)
	require.Len(t, snap.Subscriptions, 1)
	assert.Equal(t, int64(1), snap.Subscriptions[0].ChargeCount)

	report, err := e.ReconciliationReport(context.Background())
	require.NoError(t, err)
	assert.True(t, report.ConservationOk)
}

func TestSaveSnapshot_RejectsSecondWriter(t *testing.T) {
	snapshots := openStore(t, filepath.Join(t.TempDir(), "settlement.db"))
	e := startEngine(t, gateway.NewSandbox())

	a := newListener(e, snapshots, 0)
	b := newListener(e, snapshots, 0)

	require.NoError(t, a.SaveSnapshot(context.Background()))
	err := b.SaveSnapshot(context.Background())
	assert.True(t, errors.Is(err, store.ErrConcurrentModification))
	assert.Equal(t, int64(0), b.SnapshotVersion())
}
