package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"virtual-settlement-go/internal/gateway"
	"virtual-settlement-go/internal/models"
	"virtual-settlement-go/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifyDeposit(t *testing.T) {
	sb := gateway.NewSandbox()
	e, _ := startEngine(t, sb, testConfig())

	_, err := e.NotifyDeposit(context.Background(), "alice", 50)
	assert.True(t, errors.Is(err, store.ErrDepositNotConfirmed))

	sb.Fund("users:alice", 50)
	res, err := e.NotifyDeposit(context.Background(), "alice", 80)
	require.NoError(t, err)
	assert.Equal(t, int64(50), res.Credited)
	assert.Equal(t, int64(50), res.NewBalance)

	// The same external funds cannot be claimed twice.
	_, err = e.NotifyDeposit(context.Background(), "alice", 50)
	assert.True(t, errors.Is(err, store.ErrDepositNotConfirmed))

	sb.Fund("users:alice", 30)
	res, err = e.NotifyDeposit(context.Background(), "alice", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.Credited)
	assert.Equal(t, int64(60), res.NewBalance)

	assert.Len(t, eventsOfKind(t, e, models.EventDepositConfirmed), 2)
	assert.Len(t, eventsOfKind(t, e, models.EventDepositRejected), 2)
}

func TestNotifyDeposit_UsesConfiguredIdentity(t *testing.T) {
	sb := gateway.NewSandbox()
	cfg := testConfig()
	cfg.SettlementIdentities = map[models.Account]string{"alice": "treasury:alice-wallet"}
	e, _ := startEngine(t, sb, cfg)

	sb.Fund("treasury:alice-wallet", 40)
	res, err := e.NotifyDeposit(context.Background(), "alice", 40)
	require.NoError(t, err)
	assert.Equal(t, int64(40), res.Credited)
}

// pausingGateway parks the next armed QueryBalance after it has read the balance.
type pausingGateway struct {
	*gateway.Sandbox
	armed   atomic.Bool
	read    chan struct{}
	release chan struct{}
}

func (g *pausingGateway) QueryBalance(ctx context.Context, identity string) (int64, error) {
	balance, err := g.Sandbox.QueryBalance(ctx, identity)
	if g.armed.CompareAndSwap(true, false) {
		close(g.read)
		<-g.release
	}
	return balance, err
}

func TestNotifyDeposit_WithdrawalConfirmedDuringQuery(t *testing.T) {
	sb := gateway.NewSandbox()
	gw := &pausingGateway{Sandbox: sb, read: make(chan struct{}), release: make(chan struct{})}
	e, _ := startEngine(t, gw, testConfig())
	fund(t, e, sb, "alice", 100)

	gw.armed.Store(true)
	type outcome struct {
		res *models.DepositResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := e.NotifyDeposit(context.Background(), "alice", 60)
		done <- outcome{res, err}
	}()
	<-gw.read

	res, err := e.Withdraw(context.Background(), "alice", 60, "0xdest")
	require.NoError(t, err)
	require.Equal(t, models.WithdrawalConfirmed, res.Outcome)
	close(gw.release)

	out := <-done
	assert.True(t, errors.Is(out.err, store.ErrDepositNotConfirmed), "credited a stale balance: %+v", out.res)

	balance, err := e.Balance(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(40), balance)
	assert.Equal(t, int64(40), sb.Balance("users:alice"))

	report, err := e.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.DriftCount)
	assert.True(t, report.ConservationOk)
}

func TestReconcile_ReportsDriftWithoutCorrecting(t *testing.T) {
	sb := gateway.NewSandbox()
	e, _ := startEngine(t, sb, testConfig())
	fund(t, e, sb, "alice", 100)
	fund(t, e, sb, "bob", 20)

	// Funds arrive externally but are never notified.
	sb.Fund("users:bob", 15)

	for run := 0; run < 2; run++ {
		report, err := e.Reconcile(context.Background())
		require.NoError(t, err)

		assert.Equal(t, 1, report.DriftCount)
		assert.True(t, report.ConservationOk)
		require.Len(t, report.Entries, 2)
		assert.True(t, report.Entries[0].Ok)
		assert.Equal(t, models.Account("bob"), report.Entries[1].Account)
		assert.Equal(t, int64(15), report.Entries[1].Drift)
	}

	bob, err := e.Balance(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(20), bob)
	assert.Len(t, eventsOfKind(t, e, models.EventReconciliationDrift), 2)

	last, err := e.ReconciliationReport(context.Background())
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, 1, last.DriftCount)
}

func TestReconcile_InFlightWithdrawalIsNotDrift(t *testing.T) {
	sb := gateway.NewSandbox()
	e, _ := startEngine(t, sb, testConfig())
	fund(t, e, sb, "alice", 100)

	// Applied externally, acknowledgement lost: the hold is still open.
	sb.InjectFaults(gateway.FaultLostAck)
	res, err := e.Withdraw(context.Background(), "alice", 30, "0xdest")
	require.NoError(t, err)
	require.Equal(t, models.WithdrawalPending, res.Outcome)

	report, err := e.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Entries, 1)
	assert.True(t, report.Entries[0].Ok)
	assert.Equal(t, int64(30), report.Entries[0].InFlight)
	assert.Equal(t, int64(70), report.Entries[0].External)
	assert.Equal(t, int64(30), report.TotalHeld)
	assert.True(t, report.ConservationOk)
}

func TestReconciliationReport_NilBeforeFirstRun(t *testing.T) {
	e, _ := startEngine(t, gateway.NewSandbox(), testConfig())

	report, err := e.ReconciliationReport(context.Background())
	require.NoError(t, err)
	assert.Nil(t, report)
}

func TestConservationAcrossMixedOperations(t *testing.T) {
	sb := gateway.NewSandbox()
	e, clock := startEngine(t, sb, testConfig())
	fund(t, e, sb, "alice", 500)
	fund(t, e, sb, "bob", 200)

	_, err := e.Subscribe(context.Background(), "alice", "carol", 40, month)
	require.NoError(t, err)
	_, err = e.Subscribe(context.Background(), "bob", "alice", 25, month)
	require.NoError(t, err)

	sb.InjectFaults(gateway.FaultFatal, gateway.FaultRetryable)
	for step := 0; step < 6; step++ {
		_, err := e.Process(context.Background(), 10)
		require.NoError(t, err)
		_, err = e.Withdraw(context.Background(), "alice", 35, "0xalice")
		if err != nil {
			require.True(t, errors.Is(err, store.ErrInsufficientFunds))
		}
		_, err = e.Withdraw(context.Background(), "carol", 15, "0xcarol")
		if err != nil {
			require.True(t, errors.Is(err, store.ErrInsufficientFunds))
		}
		requireConservation(t, e)
		clock.Advance(month / 2)
	}

	sweepAll(t, e, clock)
	requireConservation(t, e)
}

func sweepAll(t *testing.T, e *Engine, clock *fakeClock) {
	t.Helper()
	clock.Advance(2 * time.Hour)
	_, err := e.Sweep(context.Background())
	require.NoError(t, err)
}
