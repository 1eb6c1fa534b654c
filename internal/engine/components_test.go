package engine

import (
	"errors"
	"testing"
	"time"

	"virtual-settlement-go/internal/models"
	"virtual-settlement-go/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestMailbox(t *testing.T) {
	m := newMailbox()
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		require.True(t, m.Enqueue(func() { order = append(order, i) }))
	}
	assert.Equal(t, 3, m.Len())

	<-m.Wait()
	for {
		msg, ok := m.TryDequeue()
		if !ok {
			break
		}
		msg()
	}
	assert.Equal(t, []int{0, 1, 2}, order)

	m.Close()
	assert.False(t, m.Enqueue(func() {}))
	_, open := <-m.Wait()
	assert.False(t, open)
}

func TestBalanceLedger(t *testing.T) {
	l := newBalanceLedger()
	l.Credit("alice", 50)
	l.Credit("bob", 0)

	assert.True(t, errors.Is(l.Debit("alice", 60), store.ErrInsufficientFunds))
	assert.True(t, errors.Is(l.Debit("alice", -1), store.ErrInvalidAmount))
	assert.Equal(t, int64(50), l.Balance("alice"))

	require.NoError(t, l.Debit("alice", 50))
	assert.Empty(t, l.Accounts())
	assert.Equal(t, int64(0), l.Total())
}

func TestMemoStore(t *testing.T) {
	s := newMemoStore()

	first, created := s.Record("alice", "n1", 10, testEpoch)
	require.True(t, created)
	assert.Equal(t, MemoKey("alice", "n1", 10), first.Key)
	assert.NotEqual(t, MemoKey("alice", "n1", 11), first.Key)

	s.SetStatus(first.Key, models.MemoConfirmed, "", testEpoch)
	s.SetStatus(first.Key, models.MemoFailed, "hold expired", testEpoch)

	again, created := s.Record("alice", "n1", 10, testEpoch.Add(time.Hour))
	assert.False(t, created)
	assert.Same(t, first, again)
	assert.Equal(t, models.MemoConfirmed, again.Status)

	s.Record("bob", "n2", 5, testEpoch)
	assert.Equal(t, 1, s.Prune(testEpoch.Add(time.Minute)))
	_, ok := s.Get(MemoKey("bob", "n2", 5))
	assert.True(t, ok, "pending memos are kept")
}

func TestPendingGuard(t *testing.T) {
	clock := newFakeClock()
	l := newBalanceLedger()
	memos := newMemoStore()
	g := newPendingGuard(l, memos, newEventLog(clock, 0))

	op, err := g.Begin("alice", "n1", 40, models.PurposeWithdrawal, time.Minute, testEpoch)
	require.NoError(t, err)
	memo, _ := memos.Record("alice", "n1", 40, testEpoch)
	op.Memo = memo.Key

	_, err = g.Begin("alice", "n1", 40, models.PurposeWithdrawal, time.Minute, testEpoch)
	assert.True(t, errors.Is(err, store.ErrAlreadyPending))

	_, err = g.Begin("alice", "n2", 5, models.PurposeSubscriptionCharge, time.Minute, testEpoch)
	require.NoError(t, err)
	assert.Equal(t, int64(45), g.Held("alice", ""))
	assert.Equal(t, int64(40), g.Held("", models.PurposeWithdrawal))
	require.True(t, g.Resolve("alice", "n2"))
	assert.False(t, g.Resolve("alice", "n2"))

	assert.Equal(t, 0, g.Sweep(testEpoch.Add(30*time.Second)))
	assert.Equal(t, 1, g.Sweep(testEpoch.Add(time.Minute)))
	assert.Equal(t, 0, g.Sweep(testEpoch.Add(time.Hour)))

	assert.Equal(t, int64(40), l.Balance("alice"))
	got, _ := memos.Get(memo.Key)
	assert.Equal(t, models.MemoFailed, got.Status)
}

func TestEventLog(t *testing.T) {
	clock := newFakeClock()
	log := newEventLog(clock, 3)

	for i := 0; i < 5; i++ {
		log.Append(models.EventDepositConfirmed, []models.Account{"alice"}, int64(i), "CREDITED", "", "")
		clock.Advance(time.Minute)
	}

	// Nothing is stored yet, so nothing is released.
	entries := log.list()
	require.Len(t, entries, 5)
	assert.Equal(t, int64(1), entries[0].Seq)
	assert.Equal(t, int64(6), log.nextSeq)

	since := log.Since(testEpoch.Add(4 * time.Minute))
	require.Len(t, since, 1)
	assert.Equal(t, int64(5), since[0].Seq)

	log.restore(entries[2:3], 0)
	assert.Equal(t, int64(4), log.nextSeq)
	assert.Equal(t, int64(3), log.persisted)
}

func TestEventLog_ReleasesOnlyStoredEntries(t *testing.T) {
	log := newEventLog(newFakeClock(), 5)
	appendN := func(n int) {
		for i := 0; i < n; i++ {
			log.Append(models.EventSubscriptionCharged, []models.Account{"alice", "bob"}, 1, "CHARGED", "sub", "")
		}
	}

	appendN(24)
	require.Len(t, log.list(), 24)

	// Stored up to 7: at least capacity entries must be releasable before a copy happens.
	log.MarkPersisted(7)
	assert.Len(t, log.list(), 17)
	assert.Equal(t, int64(8), log.list()[0].Seq)

	log.MarkPersisted(24)
	entries := log.list()
	require.Len(t, entries, 5)
	assert.Equal(t, int64(20), entries[0].Seq)

	// Below twice capacity nothing is copied even when everything is stored.
	appendN(4)
	log.MarkPersisted(28)
	assert.Len(t, log.list(), 9)
	assert.Equal(t, int64(29), log.nextSeq)
}

func TestEventLog_MirrorsToLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()

	log := newEventLog(newFakeClock(), 10)
	log.Append(models.EventDepositConfirmed, []models.Account{"alice"}, 5, "CREDITED", "", "")
	log.Append(models.EventInvariantViolation, []models.Account{"alice"}, 40, "FROZEN", "memo-1", "late confirmation")

	entries := logs.FilterMessage("Settlement event").All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)

	fields := entries[1].ContextMap()
	assert.Equal(t, "INVARIANT_VIOLATION", fields["kind"])
	assert.Equal(t, "memo-1", fields["reference"])
	assert.Equal(t, int64(2), fields["seq"])
}

func TestSubscriptionRegistryDue(t *testing.T) {
	r := newSubscriptionRegistry(time.Minute)
	ids := make([]string, 0, 4)
	for _, payee := range []models.Account{"p1", "p2", "p3", "p4"} {
		sub, err := r.Create("alice", payee, 10, time.Hour, testEpoch)
		require.NoError(t, err)
		ids = append(ids, sub.Id)
	}
	_, err := r.Cancel(ids[1], testEpoch)
	require.NoError(t, err)

	due, next := r.Due("", testEpoch, 2)
	require.Len(t, due, 2)
	assert.Equal(t, ids[0], due[0].Id)
	assert.Equal(t, ids[2], due[1].Id)
	assert.Equal(t, ids[2], next)

	due, next = r.Due(next, testEpoch, 2)
	require.Len(t, due, 1)
	assert.Equal(t, ids[3], due[0].Id)
	assert.Empty(t, next)

	due, _ = r.Due("", testEpoch.Add(-time.Second), 10)
	assert.Empty(t, due)
}
