package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/vitalsmarket/exchange/internal/model"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Prices and balances are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) LatestPriceTimestamp(ctx context.Context, symbol string) (time.Time, bool, error) {
	var ts *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(ts) FROM price_points WHERE symbol = $1`, symbol).Scan(&ts)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("latest price %s: %w", symbol, err)
	}
	if ts == nil {
		return time.Time{}, false, nil
	}
	return ts.UTC(), true, nil
}

// AppendPrices sends all inserts in one batch inside one transaction.
// ON CONFLICT DO NOTHING keeps re-sent buckets from erroring or changing.
func (s *PostgresStore) AppendPrices(ctx context.Context, points []model.PricePoint) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, p := range points {
		batch.Queue(
			`INSERT INTO price_points (symbol, ts, value)
			 VALUES ($1, $2, $3::NUMERIC)
			 ON CONFLICT (symbol, ts) DO NOTHING`,
			p.Symbol, p.Timestamp.UTC(), p.Value.String(),
		)
	}

	results := tx.SendBatch(ctx, batch)
	inserted := 0
	for range points {
		tag, err := results.Exec()
		if err != nil {
			results.Close()
			return 0, fmt.Errorf("append prices: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := results.Close(); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return inserted, nil
}

func (s *PostgresStore) PriceAt(ctx context.Context, symbol string, ts time.Time) (decimal.Decimal, error) {
	return priceAt(ctx, s.pool, symbol, ts)
}

func (s *PostgresStore) PricesBetween(ctx context.Context, symbol string, from, to time.Time) ([]model.PricePoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT symbol, ts, value::TEXT
		 FROM price_points
		 WHERE symbol = $1 AND ts >= $2 AND ts <= $3
		 ORDER BY ts`, symbol, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []model.PricePoint
	for rows.Next() {
		var p model.PricePoint
		var valueS string
		if err := rows.Scan(&p.Symbol, &p.Timestamp, &valueS); err != nil {
			return nil, err
		}
		p.Timestamp = p.Timestamp.UTC()
		if p.Value, err = decimal.NewFromString(valueS); err != nil {
			return nil, fmt.Errorf("parse price: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// UpsertPendingOrder relies on the conflict guard: a settled row is never
// updated, so zero affected rows means the bucket is already settled.
func (s *PostgresStore) UpsertPendingOrder(ctx context.Context, o model.PendingOrder) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO pending_orders (user_id, symbol, ts, action, quantity, settled, updated_at)
		 VALUES ($1, $2, $3, $4, $5, FALSE, now())
		 ON CONFLICT (user_id, symbol, ts) DO UPDATE
		 SET action = EXCLUDED.action, quantity = EXCLUDED.quantity, updated_at = now()
		 WHERE pending_orders.settled = FALSE`,
		o.User, o.Symbol, o.Timestamp.UTC(), string(o.Action), o.Quantity,
	)
	if err != nil {
		return fmt.Errorf("upsert order %s: %w", o.Key(), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", model.ErrOrderSettled, o.Key())
	}
	return nil
}

func (s *PostgresStore) OpenOrders(ctx context.Context, userID, symbol string) ([]model.PendingOrder, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, symbol, ts, action, quantity, settled
		 FROM pending_orders
		 WHERE user_id = $1 AND symbol = $2 AND NOT settled
		 ORDER BY ts`, userID, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

func (s *PostgresStore) NetOrderQuantity(ctx context.Context, userID, symbol string, filter OrderFilter) (int64, error) {
	var net int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(CASE WHEN action = 'BUY' THEN quantity ELSE -quantity END), 0)
		 FROM pending_orders
		 WHERE user_id = $1 AND symbol = $2
		   AND ($3 = FALSE OR NOT settled)
		   AND ($4::TIMESTAMPTZ IS NULL OR ts <> $4)`,
		userID, symbol, filter.UnsettledOnly, nullableTime(filter.ExcludeTimestamp),
	).Scan(&net)
	if err != nil {
		return 0, fmt.Errorf("net order quantity %s/%s: %w", userID, symbol, err)
	}
	return net, nil
}

func (s *PostgresStore) GetPortfolio(ctx context.Context, userID, symbol string) (model.Portfolio, error) {
	var p model.Portfolio
	var balanceS string
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, symbol, shares, balance::TEXT
		 FROM portfolios WHERE user_id = $1 AND symbol = $2`, userID, symbol).
		Scan(&p.User, &p.Symbol, &p.Shares, &balanceS)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Portfolio{}, fmt.Errorf("%w: portfolio %s/%s", model.ErrNotFound, userID, symbol)
	}
	if err != nil {
		return model.Portfolio{}, fmt.Errorf("get portfolio %s/%s: %w", userID, symbol, err)
	}
	if p.Balance, err = parseBalance(balanceS); err != nil {
		return model.Portfolio{}, err
	}
	return p, nil
}

func (s *PostgresStore) ListPortfolios(ctx context.Context, symbol string) ([]model.Portfolio, error) {
	return listPortfolios(ctx, s.pool, symbol, false)
}

// WithSettlementTx opens a transaction, takes a transaction-scoped advisory
// lock keyed by symbol and hands fn a tx-bound view. Due orders are also
// row-locked, so submissions for those buckets wait for the commit.
func (s *PostgresStore) WithSettlementTx(ctx context.Context, symbol string, fn func(tx SettlementTx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "settle:"+symbol); err != nil {
		return fmt.Errorf("settlement lock %s: %w", symbol, err)
	}

	if err := fn(&postgresTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

// postgresTx implements SettlementTx on an open pgx transaction.
type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) DueOrders(ctx context.Context, symbol string, end time.Time, limit int) ([]model.PendingOrder, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT user_id, symbol, ts, action, quantity, settled
		 FROM pending_orders
		 WHERE symbol = $1 AND NOT settled AND ts <= $2
		 ORDER BY ts, user_id
		 LIMIT $3
		 FOR UPDATE`, symbol, end.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

func (t *postgresTx) Portfolios(ctx context.Context, symbol string) (map[string]model.Portfolio, error) {
	list, err := listPortfolios(ctx, t.tx, symbol, true)
	if err != nil {
		return nil, err
	}
	byUser := make(map[string]model.Portfolio, len(list))
	for _, p := range list {
		byUser[p.User] = p
	}
	return byUser, nil
}

func (t *postgresTx) PriceAt(ctx context.Context, symbol string, ts time.Time) (decimal.Decimal, error) {
	return priceAt(ctx, t.tx, symbol, ts)
}

// MarkSettled re-checks settled = FALSE inside the transaction; the caller
// compares the returned count with the number of orders it consumed.
func (t *postgresTx) MarkSettled(ctx context.Context, keys []model.OrderKey) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	users := make([]string, len(keys))
	symbols := make([]string, len(keys))
	stamps := make([]time.Time, len(keys))
	for i, k := range keys {
		users[i], symbols[i], stamps[i] = k.User, k.Symbol, k.Timestamp.UTC()
	}

	tag, err := t.tx.Exec(ctx,
		`UPDATE pending_orders o
		 SET settled = TRUE, updated_at = now()
		 FROM unnest($1::TEXT[], $2::TEXT[], $3::TIMESTAMPTZ[]) AS k(user_id, symbol, ts)
		 WHERE o.user_id = k.user_id AND o.symbol = k.symbol AND o.ts = k.ts
		   AND o.settled = FALSE`,
		users, symbols, stamps)
	if err != nil {
		return 0, fmt.Errorf("mark settled: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (t *postgresTx) UpsertPortfolios(ctx context.Context, portfolios []model.Portfolio) error {
	if len(portfolios) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, p := range portfolios {
		batch.Queue(
			`INSERT INTO portfolios (user_id, symbol, shares, balance, updated_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, now())
			 ON CONFLICT (user_id, symbol) DO UPDATE
			 SET shares = EXCLUDED.shares, balance = EXCLUDED.balance, updated_at = now()`,
			p.User, p.Symbol, p.Shares, p.Balance.String(),
		)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert portfolios: %w", err)
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func priceAt(ctx context.Context, q querier, symbol string, ts time.Time) (decimal.Decimal, error) {
	var valueS string
	err := q.QueryRow(ctx,
		`SELECT value::TEXT FROM price_points WHERE symbol = $1 AND ts = $2`,
		symbol, ts.UTC()).Scan(&valueS)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("%w: price %s at %s", model.ErrNotFound, symbol, ts.UTC().Format(time.RFC3339))
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("price %s at %s: %w", symbol, ts, err)
	}
	return decimal.NewFromString(valueS)
}

func listPortfolios(ctx context.Context, q querier, symbol string, forUpdate bool) ([]model.Portfolio, error) {
	sql := `SELECT user_id, symbol, shares, balance::TEXT FROM portfolios WHERE symbol = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	rows, err := q.Query(ctx, sql, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	portfolios := make([]model.Portfolio, 0)
	for rows.Next() {
		var p model.Portfolio
		var balanceS string
		if err := rows.Scan(&p.User, &p.Symbol, &p.Shares, &balanceS); err != nil {
			return nil, err
		}
		if p.Balance, err = parseBalance(balanceS); err != nil {
			return nil, err
		}
		portfolios = append(portfolios, p)
	}
	return portfolios, rows.Err()
}

// scanOrders reads pgx rows into PendingOrder slices.
func scanOrders(rows pgx.Rows) ([]model.PendingOrder, error) {
	var orders []model.PendingOrder
	for rows.Next() {
		var o model.PendingOrder
		var action string
		if err := rows.Scan(&o.User, &o.Symbol, &o.Timestamp, &action, &o.Quantity, &o.Settled); err != nil {
			return nil, err
		}
		o.Timestamp = o.Timestamp.UTC()
		o.Action = model.Action(action)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func parseBalance(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse balance: %w", err)
	}
	return d, nil
}
