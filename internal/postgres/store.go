package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"virtual-settlement-go/internal/models"
	"virtual-settlement-go/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var _ store.SnapshotStore = (*Store)(nil)

const eventTailLimit = 10000

const schema = `
CREATE TABLE IF NOT EXISTS snapshot_meta (
	id INT PRIMARY KEY CHECK (id = 1),
	version BIGINT NOT NULL,
	taken_at BIGINT NOT NULL,
	total_deposits BIGINT NOT NULL DEFAULT 0,
	total_withdrawals BIGINT NOT NULL DEFAULT 0,
	next_event_seq BIGINT NOT NULL DEFAULT 1,
	cursor_position TEXT NOT NULL DEFAULT '',
	cursor_last_run_at BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS accounts (
	account TEXT PRIMARY KEY,
	balance BIGINT NOT NULL CHECK (balance >= 0),
	net_external BIGINT NOT NULL,
	frozen_reason TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS subscriptions (
	id TEXT PRIMARY KEY,
	payer TEXT NOT NULL,
	payee TEXT NOT NULL,
	amount BIGINT NOT NULL CHECK (amount > 0),
	cadence_ns BIGINT NOT NULL,
	next_charge_time BIGINT NOT NULL,
	state TEXT NOT NULL,
	charge_count BIGINT NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_operations (
	account TEXT NOT NULL,
	nonce TEXT NOT NULL,
	amount BIGINT NOT NULL,
	purpose TEXT NOT NULL,
	counterparty TEXT NOT NULL,
	memo TEXT NOT NULL,
	attempts INT NOT NULL,
	next_attempt_at BIGINT NOT NULL,
	expires_at BIGINT NOT NULL,
	created_at BIGINT NOT NULL,
	PRIMARY KEY (account, nonce)
);

CREATE TABLE IF NOT EXISTS idempotency_memos (
	key TEXT PRIMARY KEY,
	account TEXT NOT NULL,
	nonce TEXT NOT NULL,
	amount BIGINT NOT NULL,
	status TEXT NOT NULL,
	attempts INT NOT NULL,
	last_error TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS event_log (
	seq BIGINT PRIMARY KEY,
	timestamp BIGINT NOT NULL,
	kind TEXT NOT NULL,
	accounts JSONB NOT NULL,
	amount BIGINT NOT NULL,
	outcome TEXT NOT NULL,
	reference TEXT NOT NULL,
	detail TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_event_log_timestamp ON event_log(timestamp);
`

// Version 0 marks an empty store. The row always exists so savers have something to lock.
const querySeedMeta = `INSERT INTO snapshot_meta (id, version, taken_at) VALUES (1, 0, 0) ON CONFLICT (id) DO NOTHING`

const pgSerializationFailure = "40001"

// Store is a store.SnapshotStore on PostgreSQL.
type Store struct {
	Db *pgxpool.Pool
}

func NewStore(ctx context.Context, cfg models.DatabaseConfig) (*Store, error) {
	if cfg.PostgresUrl == "" {
		return nil, fmt.Errorf("postgres url cannot be empty")
	}
	config, err := pgxpool.ParseConfig(cfg.PostgresUrl)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		config.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		config.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	if cfg.ConnMaxIdleTime > 0 {
		config.MaxConnIdleTime = cfg.ConnMaxIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to initialize schema: %w", err)
	}
	if _, err := pool.Exec(ctx, querySeedMeta); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to seed snapshot header: %w", err)
	}

	zap.L().Info("Postgres snapshot store initialized", zap.Int32("max_conns", config.MaxConns))
	return &Store{Db: pool}, nil
}

func (s *Store) Close() {
	s.Db.Close()
}

func (s *Store) SaveSnapshot(ctx context.Context, snap *models.Snapshot) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var stored int64
	err = tx.QueryRow(ctx, "SELECT version FROM snapshot_meta WHERE id = 1 FOR UPDATE").Scan(&stored)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgSerializationFailure {
		return fmt.Errorf("%w: header changed by a concurrent save", store.ErrConcurrentModification)
	}
	if err != nil {
		return fmt.Errorf("failed to read snapshot version: %w", err)
	}
	if stored != snap.Version {
		return fmt.Errorf("%w: stored version %d, snapshot version %d", store.ErrConcurrentModification, stored, snap.Version)
	}

	_, err = tx.Exec(ctx, `
		UPDATE snapshot_meta SET
			version = $1, taken_at = $2, total_deposits = $3, total_withdrawals = $4,
			next_event_seq = $5, cursor_position = $6, cursor_last_run_at = $7
		WHERE id = 1`,
		stored+1, nanos(snap.TakenAt), snap.TotalDeposits, snap.TotalWithdrawals, snap.NextEventSeq,
		snap.Cursor.Position, nanos(snap.Cursor.LastRunAt))
	if err != nil {
		return fmt.Errorf("failed to write snapshot header: %w", err)
	}

	if _, err := tx.Exec(ctx, "TRUNCATE accounts, subscriptions, pending_operations, idempotency_memos"); err != nil {
		return fmt.Errorf("failed to clear snapshot state: %w", err)
	}
	if err := copyState(ctx, tx, snap); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, e := range snap.Events {
		accounts, err := json.Marshal(e.Accounts)
		if err != nil {
			return fmt.Errorf("failed to encode event %d accounts: %w", e.Seq, err)
		}
		batch.Queue(`
			INSERT INTO event_log (seq, timestamp, kind, accounts, amount, outcome, reference, detail)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (seq) DO NOTHING`,
			e.Seq, nanos(e.Timestamp), string(e.Kind), accounts, e.Amount, e.Outcome, e.Reference, e.Detail)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to append events: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	snap.Version = stored + 1
	return nil
}

func copyState(ctx context.Context, tx pgx.Tx, snap *models.Snapshot) error {
	accounts := make([][]any, 0, len(snap.Accounts))
	for _, a := range snap.Accounts {
		accounts = append(accounts, []any{string(a.Account), a.Balance, a.NetExternal, a.FrozenReason})
	}
	subs := make([][]any, 0, len(snap.Subscriptions))
	for _, sub := range snap.Subscriptions {
		subs = append(subs, []any{sub.Id, string(sub.Payer), string(sub.Payee), sub.Amount, int64(sub.Cadence),
			nanos(sub.NextChargeTime), string(sub.State), sub.ChargeCount, nanos(sub.CreatedAt), nanos(sub.UpdatedAt)})
	}
	ops := make([][]any, 0, len(snap.PendingOperations))
	for _, op := range snap.PendingOperations {
		ops = append(ops, []any{string(op.Account), op.Nonce, op.Amount, op.Purpose, op.Counterparty, op.Memo,
			int32(op.Attempts), nanos(op.NextAttemptAt), nanos(op.ExpiresAt), nanos(op.CreatedAt)})
	}
	memos := make([][]any, 0, len(snap.Memos))
	for _, m := range snap.Memos {
		memos = append(memos, []any{m.Key, string(m.Account), m.Nonce, m.Amount, string(m.Status), int32(m.Attempts),
			m.LastError, nanos(m.CreatedAt), nanos(m.UpdatedAt)})
	}

	tables := []struct {
		name    string
		columns []string
		rows    [][]any
	}{
		{"accounts", []string{"account", "balance", "net_external", "frozen_reason"}, accounts},
		{"subscriptions", []string{"id", "payer", "payee", "amount", "cadence_ns", "next_charge_time", "state", "charge_count", "created_at", "updated_at"}, subs},
		{"pending_operations", []string{"account", "nonce", "amount", "purpose", "counterparty", "memo", "attempts", "next_attempt_at", "expires_at", "created_at"}, ops},
		{"idempotency_memos", []string{"key", "account", "nonce", "amount", "status", "attempts", "last_error", "created_at", "updated_at"}, memos},
	}
	for _, t := range tables {
		if len(t.rows) == 0 {
			continue
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{t.name}, t.columns, pgx.CopyFromRows(t.rows)); err != nil {
			return fmt.Errorf("failed to copy %s: %w", t.name, err)
		}
	}
	return nil
}

func (s *Store) LoadSnapshot(ctx context.Context) (*models.Snapshot, error) {
	snap := &models.Snapshot{}
	var takenAt, lastRunAt int64
	err := s.Db.QueryRow(ctx, `
		SELECT version, taken_at, total_deposits, total_withdrawals, next_event_seq, cursor_position, cursor_last_run_at
		FROM snapshot_meta WHERE id = 1`).Scan(
		&snap.Version, &takenAt, &snap.TotalDeposits, &snap.TotalWithdrawals, &snap.NextEventSeq,
		&snap.Cursor.Position, &lastRunAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot header: %w", err)
	}
	if snap.Version == 0 {
		return nil, store.ErrNoSnapshot
	}
	snap.TakenAt = fromNanos(takenAt)
	snap.Cursor.LastRunAt = fromNanos(lastRunAt)

	rows, err := s.Db.Query(ctx, "SELECT account, balance, net_external, frozen_reason FROM accounts ORDER BY account")
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	snap.Accounts, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.AccountState, error) {
		var a models.AccountState
		var account string
		err := row.Scan(&account, &a.Balance, &a.NetExternal, &a.FrozenReason)
		a.Account = models.Account(account)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan accounts: %w", err)
	}

	rows, err = s.Db.Query(ctx, `
		SELECT id, payer, payee, amount, cadence_ns, next_charge_time, state, charge_count, created_at, updated_at
		FROM subscriptions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	snap.Subscriptions, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Subscription, error) {
		var (
			sub                                 models.Subscription
			payer, payee, state                 string
			cadence, next, createdAt, updatedAt int64
		)
		err := row.Scan(&sub.Id, &payer, &payee, &sub.Amount, &cadence, &next, &state, &sub.ChargeCount, &createdAt, &updatedAt)
		sub.Payer, sub.Payee, sub.State = models.Account(payer), models.Account(payee), models.SubscriptionState(state)
		sub.Cadence = time.Duration(cadence)
		sub.NextChargeTime, sub.CreatedAt, sub.UpdatedAt = fromNanos(next), fromNanos(createdAt), fromNanos(updatedAt)
		return sub, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan subscriptions: %w", err)
	}

	rows, err = s.Db.Query(ctx, `
		SELECT account, nonce, amount, purpose, counterparty, memo, attempts, next_attempt_at, expires_at, created_at
		FROM pending_operations ORDER BY created_at, account, nonce`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending operations: %w", err)
	}
	snap.PendingOperations, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.PendingOperation, error) {
		var (
			op                            models.PendingOperation
			account                       string
			attempts                      int32
			nextAttempt, expires, created int64
		)
		err := row.Scan(&account, &op.Nonce, &op.Amount, &op.Purpose, &op.Counterparty, &op.Memo, &attempts, &nextAttempt, &expires, &created)
		op.Account, op.Attempts = models.Account(account), int(attempts)
		op.NextAttemptAt, op.ExpiresAt, op.CreatedAt = fromNanos(nextAttempt), fromNanos(expires), fromNanos(created)
		return op, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan pending operations: %w", err)
	}

	rows, err = s.Db.Query(ctx, `
		SELECT key, account, nonce, amount, status, attempts, last_error, created_at, updated_at
		FROM idempotency_memos ORDER BY created_at, key`)
	if err != nil {
		return nil, fmt.Errorf("failed to query memos: %w", err)
	}
	snap.Memos, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.IdempotencyMemo, error) {
		var (
			m                  models.IdempotencyMemo
			account, status    string
			attempts           int32
			createdAt, updated int64
		)
		err := row.Scan(&m.Key, &account, &m.Nonce, &m.Amount, &status, &attempts, &m.LastError, &createdAt, &updated)
		m.Account, m.Status, m.Attempts = models.Account(account), models.MemoStatus(status), int(attempts)
		m.CreatedAt, m.UpdatedAt = fromNanos(createdAt), fromNanos(updated)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan memos: %w", err)
	}

	rows, err = s.Db.Query(ctx, `
		SELECT seq, timestamp, kind, accounts, amount, outcome, reference, detail
		FROM (SELECT * FROM event_log ORDER BY seq DESC LIMIT $1) tail
		ORDER BY seq`, eventTailLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to query event tail: %w", err)
	}
	if snap.Events, err = pgx.CollectRows(rows, scanEvent); err != nil {
		return nil, fmt.Errorf("failed to scan events: %w", err)
	}

	zap.L().Info("Snapshot loaded", zap.Int64("version", snap.Version), zap.Int("accounts", len(snap.Accounts)))
	return snap, nil
}

func (s *Store) ListEvents(ctx context.Context, since time.Time, limit int) ([]models.EventLogEntry, error) {
	if limit <= 0 {
		limit = eventTailLimit
	}
	rows, err := s.Db.Query(ctx, `
		SELECT seq, timestamp, kind, accounts, amount, outcome, reference, detail
		FROM event_log WHERE timestamp >= $1 ORDER BY seq LIMIT $2`, nanos(since), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return pgx.CollectRows(rows, scanEvent)
}

func scanEvent(row pgx.CollectableRow) (models.EventLogEntry, error) {
	var (
		e        models.EventLogEntry
		kind     string
		ts       int64
		accounts []byte
	)
	if err := row.Scan(&e.Seq, &ts, &kind, &accounts, &e.Amount, &e.Outcome, &e.Reference, &e.Detail); err != nil {
		return e, err
	}
	e.Kind = models.EventKind(kind)
	e.Timestamp = fromNanos(ts)
	if err := json.Unmarshal(accounts, &e.Accounts); err != nil {
		return e, fmt.Errorf("event %d accounts: %w", e.Seq, err)
	}
	return e, nil
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
