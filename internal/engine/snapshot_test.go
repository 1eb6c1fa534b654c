package engine

import (
	"context"
	"testing"
	"time"

	"virtual-settlement-go/internal/gateway"
	"virtual-settlement-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportImport_RestoresStateAndResubmitsPendingHold(t *testing.T) {
	sb := gateway.NewSandbox()
	e, _ := startEngine(t, sb, testConfig())
	fund(t, e, sb, "alice", 100)

	sub, err := e.Subscribe(context.Background(), "alice", "bob", 10, month)
	require.NoError(t, err)

	sb.InjectFaults(gateway.FaultLostAck)
	res, err := e.Withdraw(context.Background(), "alice", 30, "0xdest")
	require.NoError(t, err)
	require.Equal(t, models.WithdrawalPending, res.Outcome)

	snap, err := e.Export(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.PendingOperations, 1)
	assert.False(t, snap.PendingOperations[0].InFlight)
	assert.Equal(t, int64(100), snap.TotalDeposits)

	restored, clock := startEngine(t, sb, testConfig())
	require.NoError(t, restored.Import(context.Background(), snap))

	balance, err := restored.Balance(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(70), balance)

	got, err := restored.Subscription(context.Background(), sub.Id)
	require.NoError(t, err)
	assert.Equal(t, sub.NextChargeTime, got.NextChargeTime)

	ops, err := restored.PendingOperations(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, res.Memo, ops[0].Memo)

	clock.Advance(2 * time.Second)
	report, err := restored.Process(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retried)
	assert.Equal(t, 1, report.Charges)

	require.Eventually(t, func() bool {
		ops, err := restored.PendingOperations(context.Background(), "alice")
		return err == nil && len(ops) == 0
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, sb.Transfers())
	assert.Equal(t, int64(70), sb.Balance("users:alice"))
	requireConservation(t, restored)

	// Sequence numbers continue after the restored tail.
	entries, err := restored.EventLog(context.Background(), time.Time{})
	require.NoError(t, err)
	for i := 1; i < len(entries); i++ {
		assert.Greater(t, entries[i].Seq, entries[i-1].Seq)
	}
}

func TestExport_FrozenAccountSurvivesRestore(t *testing.T) {
	sb := gateway.NewSandbox()
	e, _ := startEngine(t, sb, testConfig())
	fund(t, e, sb, "alice", 10)
	require.NoError(t, e.do(context.Background(), func() { e.freeze("alice", "review") }))

	snap, err := e.Export(context.Background())
	require.NoError(t, err)

	restored, _ := startEngine(t, sb, testConfig())
	require.NoError(t, restored.Import(context.Background(), snap))

	state, err := restored.Account(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "review", state.FrozenReason)
	assert.Equal(t, int64(10), state.NetExternal)
}

func TestExport_KeepsEventsUntilStored(t *testing.T) {
	sb := gateway.NewSandbox()
	cfg := testConfig()
	cfg.EventLogCapacity = 5
	e, clock := startEngine(t, sb, cfg)
	fund(t, e, sb, "alice", 100)

	_, err := e.Subscribe(context.Background(), "alice", "bob", 1, time.Hour)
	require.NoError(t, err)
	clock.Advance(19 * time.Hour)
	report, err := e.Process(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 20, report.Charges)

	// deposit, created, due, 20 charges
	snap, err := e.Export(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Events, 23)
	assert.Equal(t, int64(1), snap.Events[0].Seq)
	assert.Equal(t, int64(24), snap.NextEventSeq)

	require.NoError(t, e.MarkEventsPersisted(context.Background(), snap.NextEventSeq-1))
	snap, err = e.Export(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Events, 5)
	assert.Equal(t, int64(19), snap.Events[0].Seq)
	assert.Equal(t, int64(24), snap.NextEventSeq)
}
