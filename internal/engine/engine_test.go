package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"virtual-settlement-go/internal/gateway"
	"virtual-settlement-go/internal/models"

	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: testEpoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() models.EngineConfig {
	return models.EngineConfig{
		AssetSymbol:  "USDC",
		PendingTtl:   time.Hour,
		RetryBackoff: time.Second,
		PageLimit:    100,
	}
}

// startEngine runs an engine against gw until the test ends.
func startEngine(t *testing.T, gw gateway.Gateway, cfg models.EngineConfig) (*Engine, *fakeClock) {
	t.Helper()

	clock := newFakeClock()
	e := New(cfg, gw, WithClock(clock))

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
	return e, clock
}

// fund credits account through the deposit path backed by the sandbox.
func fund(t *testing.T, e *Engine, sb *gateway.Sandbox, account models.Account, amount int64) {
	t.Helper()

	sb.Fund("users:"+string(account), amount)
	res, err := e.NotifyDeposit(context.Background(), account, amount)
	require.NoError(t, err)
	require.Equal(t, amount, res.Credited)
}

func requireConservation(t *testing.T, e *Engine) {
	t.Helper()

	report, err := e.Reconcile(context.Background())
	require.NoError(t, err)
	require.True(t, report.ConservationOk,
		"balances=%d held=%d deposits=%d withdrawals=%d",
		report.TotalBalances, report.TotalHeld, report.TotalDeposits, report.TotalWithdrawals)
}

func eventsOfKind(t *testing.T, e *Engine, kind models.EventKind) []models.EventLogEntry {
	t.Helper()

	entries, err := e.EventLog(context.Background(), time.Time{})
	require.NoError(t, err)

	out := make([]models.EventLogEntry, 0)
	for _, entry := range entries {
		if entry.Kind == kind {
			out = append(out, entry)
		}
	}
	return out
}
