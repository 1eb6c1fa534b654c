package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"virtual-settlement-go/internal/gateway"
	"virtual-settlement-go/internal/models"
	"virtual-settlement-go/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const month = 30 * 24 * time.Hour

func TestScheduler_SuspendsWhenBalanceRunsOut(t *testing.T) {
	sb := gateway.NewSandbox()
	e, clock := startEngine(t, sb, testConfig())
	fund(t, e, sb, "alice", 25)

	sub, err := e.Subscribe(context.Background(), "alice", "bob", 10, month)
	require.NoError(t, err)

	clock.Advance(90 * 24 * time.Hour)
	report, err := e.Process(context.Background(), 10)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Visited)
	assert.Equal(t, 2, report.Charges)
	assert.Equal(t, 1, report.Suspended)

	alice, err := e.Balance(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(5), alice)
	bob, err := e.Balance(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(20), bob)

	got, err := e.Subscription(context.Background(), sub.Id)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionSuspended, got.State)
	assert.Equal(t, int64(2), got.ChargeCount)
	assert.Equal(t, testEpoch.Add(2*month), got.NextChargeTime)

	// Suspended subscriptions are not charged by later passes.
	report, err = e.Process(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Visited)
	requireConservation(t, e)
}

func TestScheduler_ChargeBudgetBoundsOnePass(t *testing.T) {
	sb := gateway.NewSandbox()
	cfg := testConfig()
	cfg.MaxChargesPerPass = 10
	e, clock := startEngine(t, sb, cfg)
	fund(t, e, sb, "alice", 1000)

	frequent, err := e.Subscribe(context.Background(), "alice", "bob", 1, time.Minute)
	require.NoError(t, err)
	_, err = e.Subscribe(context.Background(), "alice", "dave", 1, time.Hour)
	require.NoError(t, err)
	clock.Advance(time.Hour)

	for pass := 1; pass <= 6; pass++ {
		report, err := e.Process(context.Background(), 1)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Visited)
		assert.Equal(t, 10, report.Charges, "pass %d", pass)
		assert.True(t, report.Deferred)
		assert.False(t, report.Wrapped)
	}

	got, err := e.Subscription(context.Background(), frequent.Id)
	require.NoError(t, err)
	assert.Equal(t, int64(60), got.ChargeCount)
	assert.Equal(t, testEpoch.Add(60*time.Minute), got.NextChargeTime)

	// The last owed period, then the cursor moves on to the hourly subscription.
	report, err := e.Process(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Charges)
	assert.False(t, report.Deferred)
	assert.Equal(t, frequent.Id, report.Cursor.Position)

	report, err = e.Process(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Charges)
	assert.True(t, report.Wrapped)

	bob, err := e.Balance(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(61), bob)
	dave, err := e.Balance(context.Background(), "dave")
	require.NoError(t, err)
	assert.Equal(t, int64(2), dave)
	requireConservation(t, e)
}

func TestScheduler_CatchUpChargesEveryElapsedPeriod(t *testing.T) {
	for k := 1; k <= 4; k++ {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			sb := gateway.NewSandbox()
			e, clock := startEngine(t, sb, testConfig())
			fund(t, e, sb, "alice", 1000)

			sub, err := e.Subscribe(context.Background(), "alice", "bob", 10, month)
			require.NoError(t, err)

			// First period is due at creation.
			report, err := e.Process(context.Background(), 10)
			require.NoError(t, err)
			require.Equal(t, 1, report.Charges)

			before, err := e.Subscription(context.Background(), sub.Id)
			require.NoError(t, err)

			clock.Advance(time.Duration(k) * month)
			report, err = e.Process(context.Background(), 10)
			require.NoError(t, err)
			assert.Equal(t, k, report.Charges)

			after, err := e.Subscription(context.Background(), sub.Id)
			require.NoError(t, err)
			assert.Equal(t, before.NextChargeTime.Add(time.Duration(k)*month), after.NextChargeTime)
			assert.Equal(t, models.SubscriptionActive, after.State)

			bob, err := e.Balance(context.Background(), "bob")
			require.NoError(t, err)
			assert.Equal(t, int64(10*(k+1)), bob)
		})
	}
}

func TestScheduler_RepeatedInvocationDoesNotDoubleCharge(t *testing.T) {
	sb := gateway.NewSandbox()
	e, clock := startEngine(t, sb, testConfig())
	fund(t, e, sb, "alice", 100)

	_, err := e.Subscribe(context.Background(), "alice", "bob", 10, month)
	require.NoError(t, err)
	clock.Advance(time.Hour)

	first, err := e.Process(context.Background(), 10)
	require.NoError(t, err)
	second, err := e.Process(context.Background(), 10)
	require.NoError(t, err)

	assert.Equal(t, 1, first.Charges)
	assert.Equal(t, 0, second.Charges)

	bob, err := e.Balance(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(10), bob)
}

func TestScheduler_CursorBoundsWorkPerPass(t *testing.T) {
	sb := gateway.NewSandbox()
	e, _ := startEngine(t, sb, testConfig())
	fund(t, e, sb, "alice", 1000)

	for i := 0; i < 5; i++ {
		_, err := e.Subscribe(context.Background(), "alice", models.Account(fmt.Sprintf("payee-%d", i)), 10, month)
		require.NoError(t, err)
	}

	visited := []int{}
	for pass := 0; pass < 3; pass++ {
		report, err := e.Process(context.Background(), 2)
		require.NoError(t, err)
		visited = append(visited, report.Visited)
		if pass < 2 {
			assert.False(t, report.Wrapped)
			assert.NotEmpty(t, report.Cursor.Position)
		} else {
			assert.True(t, report.Wrapped)
			assert.Empty(t, report.Cursor.Position)
		}
	}
	assert.Equal(t, []int{2, 2, 1}, visited)

	for i := 0; i < 5; i++ {
		balance, err := e.Balance(context.Background(), models.Account(fmt.Sprintf("payee-%d", i)))
		require.NoError(t, err)
		assert.Equal(t, int64(10), balance)
	}

	cursor, err := e.BillingCursor(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testEpoch, cursor.LastRunAt)
}

func TestScheduler_SkipsFrozenAccounts(t *testing.T) {
	sb := gateway.NewSandbox()
	e, _ := startEngine(t, sb, testConfig())
	fund(t, e, sb, "alice", 100)

	_, err := e.Subscribe(context.Background(), "alice", "bob", 10, month)
	require.NoError(t, err)

	require.NoError(t, e.do(context.Background(), func() { e.freeze("bob", "test") }))

	report, err := e.Process(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, report.Charges)

	alice, err := e.Balance(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(100), alice)
}

func TestSubscriptionLifecycle(t *testing.T) {
	sb := gateway.NewSandbox()
	e, clock := startEngine(t, sb, testConfig())
	fund(t, e, sb, "alice", 5)

	sub, err := e.Subscribe(context.Background(), "alice", "bob", 10, month)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionActive, sub.State)

	_, err = e.ResumeSubscription(context.Background(), sub.Id, "alice")
	assert.True(t, errors.Is(err, store.ErrInvalidSubscription), "active subscription cannot be resumed")

	_, err = e.Process(context.Background(), 10)
	require.NoError(t, err)

	_, err = e.ResumeSubscription(context.Background(), sub.Id, "bob")
	assert.True(t, errors.Is(err, store.ErrNotSubscriptionPayer))

	fund(t, e, sb, "alice", 20)
	resumed, err := e.ResumeSubscription(context.Background(), sub.Id, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionActive, resumed.State)

	clock.Advance(time.Minute)
	report, err := e.Process(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Charges)

	cancelled, err := e.CancelSubscription(context.Background(), sub.Id)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionCancelled, cancelled.State)

	_, err = e.CancelSubscription(context.Background(), sub.Id)
	assert.True(t, errors.Is(err, store.ErrSubscriptionCancelled))
	_, err = e.ResumeSubscription(context.Background(), sub.Id, "alice")
	assert.True(t, errors.Is(err, store.ErrSubscriptionCancelled))

	clock.Advance(3 * month)
	report, err = e.Process(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Visited)

	_, err = e.CancelSubscription(context.Background(), "missing")
	assert.True(t, errors.Is(err, store.ErrSubscriptionNotFound))
}

func TestSubscribe_Validation(t *testing.T) {
	e, _ := startEngine(t, gateway.NewSandbox(), testConfig())

	testCases := []struct {
		name    string
		payer   models.Account
		payee   models.Account
		amount  int64
		cadence time.Duration
		want    error
	}{
		{"zero amount", "alice", "bob", 0, month, store.ErrInvalidAmount},
		{"zero cadence", "alice", "bob", 10, 0, store.ErrInvalidSubscription},
		{"sub-minute cadence", "alice", "bob", 10, time.Millisecond, store.ErrInvalidSubscription},
		{"self payment", "alice", "alice", 10, month, store.ErrInvalidSubscription},
		{"missing payee", "alice", "", 10, month, store.ErrInvalidSubscription},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Subscribe(context.Background(), tc.payer, tc.payee, tc.amount, tc.cadence)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}
