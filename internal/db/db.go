package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/xtrntr/matchbook/internal/models"
	"github.com/xtrntr/matchbook/internal/num"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrations embed.FS

const orderColumns = "id, user_id, symbol, side, price::text, amount::text, status, created_at"

const tradeColumns = "id, buy_order_id, sell_order_id, buyer_id, seller_id, symbol, price::text, amount::text, commission::text, created_at"

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool

	// LockTimeout is applied to every transaction as lock_timeout. Zero
	// leaves the server default.
	LockTimeout time.Duration
}

var _ Store = (*DB)(nil)

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// Ping checks the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Migrate applies the embedded schema files in name order
func (db *DB) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		sql, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := db.Pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", name, err)
		}
	}
	return nil
}

// InTx runs fn inside a transaction. A lock wait that exceeds LockTimeout
// surfaces as ErrLockTimeout.
func (db *DB) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if db.LockTimeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", db.LockTimeout.Milliseconds())); err != nil {
			return fmt.Errorf("failed to set lock timeout: %w", err)
		}
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		if isLockNotAvailable(err) {
			return fmt.Errorf("%w: %v", ErrLockTimeout, err)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CreateUser inserts a new user with an opening balance
func (db *DB) CreateUser(ctx context.Context, username, passwordHash string, balance num.Decimal) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO users (username, password_hash, balance) VALUES ($1, $2, $3) RETURNING id, username, password_hash, created_at",
		username, passwordHash, num.Truncate(balance).String()).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("failed to create user: %w", ErrUserExists)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, created_at FROM users WHERE lower(username) = lower($1)",
		username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("failed to get user: %w", ErrUserNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// SetHolding upserts a holding row
func (db *DB) SetHolding(ctx context.Context, h models.Holding) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO assets (user_id, symbol, amount, locked_amount)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, symbol) DO UPDATE
		SET amount = EXCLUDED.amount, locked_amount = EXCLUDED.locked_amount, updated_at = NOW()
	`, h.UserID, h.Symbol, h.Amount.String(), h.LockedAmount.String())
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("failed to set holding: %w: %d", ErrUserNotFound, h.UserID)
		}
		return fmt.Errorf("failed to set holding: %w", err)
	}
	return nil
}

// GetOrder retrieves an order by id
func (db *DB) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	o, err := scanOrder(db.Pool.QueryRow(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

// UserOrders retrieves all orders for a user, newest first
func (db *DB) UserOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	return db.queryOrders(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id DESC",
		userID)
}

// OpenOrders retrieves all open orders, oldest first
func (db *DB) OpenOrders(ctx context.Context) ([]models.Order, error) {
	return db.queryOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = $1
		ORDER BY created_at ASC, id ASC
	`, models.StatusOpen)
}

// ListOpenOrders retrieves open orders for display, best bid first
func (db *DB) ListOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	return db.queryOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = $1 AND ($2 = '' OR symbol = $2)
		ORDER BY price DESC, created_at ASC, id ASC
	`, models.StatusOpen, symbol)
}

func (db *DB) queryOrders(ctx context.Context, sql string, args ...any) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

// UserTrades retrieves all trades for a user, newest first
func (db *DB) UserTrades(ctx context.Context, userID int64) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+tradeColumns+" FROM trades WHERE buyer_id = $1 OR seller_id = $1 ORDER BY created_at DESC, id DESC",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return trades, nil
}

// GetTrade retrieves a trade by id
func (db *DB) GetTrade(ctx context.Context, id int64) (*models.Trade, error) {
	t, err := scanTrade(db.Pool.QueryRow(ctx, "SELECT "+tradeColumns+" FROM trades WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrTradeNotFound, id)
		}
		return nil, fmt.Errorf("failed to get trade: %w", err)
	}
	return t, nil
}

// Snapshot reads the user's balance and holdings in one snapshot
func (db *DB) Snapshot(ctx context.Context, userID int64) (*models.Snapshot, error) {
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var balance string
	if err := tx.QueryRow(ctx, "SELECT balance::text FROM users WHERE id = $1", userID).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrUserNotFound, userID)
		}
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	acct := models.Account{UserID: userID}
	if acct.Balance, err = num.Parse(balance); err != nil {
		return nil, fmt.Errorf("failed to parse balance: %w", err)
	}

	rows, err := tx.Query(ctx,
		"SELECT user_id, symbol, amount::text, locked_amount::text FROM assets WHERE user_id = $1 ORDER BY symbol",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get assets: %w", err)
	}
	defer rows.Close()

	var holdings []models.Holding
	for rows.Next() {
		h, err := scanHolding(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		holdings = append(holdings, *h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return models.NewSnapshot(acct, holdings), nil
}

// pgTx implements Tx on a pgx transaction
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockOrder(ctx context.Context, id int64) (*models.Order, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR NO KEY UPDATE", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
		}
		return nil, fmt.Errorf("failed to lock order: %w", err)
	}
	return o, nil
}

func (t *pgTx) FindCounterparty(ctx context.Context, aggressor *models.Order) (*models.Order, error) {
	priceCond, priceOrder := "price <= $3", "price ASC"
	if aggressor.Side == models.SideSell {
		priceCond, priceOrder = "price >= $3", "price DESC"
	}
	sql := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE symbol = $1 AND side = $2 AND status = $4 AND ` + priceCond + `
		  AND amount = $5 AND user_id <> $6 AND id <> $7
		ORDER BY ` + priceOrder + `, created_at ASC, id ASC
		LIMIT 1
		FOR NO KEY UPDATE SKIP LOCKED`

	o, err := scanOrder(t.tx.QueryRow(ctx, sql,
		aggressor.Symbol, string(aggressor.Side.Opposite()), aggressor.Price.String(),
		models.StatusOpen, aggressor.Amount.String(), aggressor.UserID, aggressor.ID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find counterparty: %w", err)
	}
	return o, nil
}

func (t *pgTx) LockAccounts(ctx context.Context, userIDs ...int64) (map[int64]*models.Account, error) {
	out := make(map[int64]*models.Account, len(userIDs))
	for _, id := range sortedUserIDs(userIDs) {
		var balance string
		err := t.tx.QueryRow(ctx, "SELECT balance::text FROM users WHERE id = $1 FOR NO KEY UPDATE", id).Scan(&balance)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, fmt.Errorf("%w: %d", ErrUserNotFound, id)
			}
			return nil, fmt.Errorf("failed to lock account: %w", err)
		}
		b, err := num.Parse(balance)
		if err != nil {
			return nil, fmt.Errorf("failed to parse balance: %w", err)
		}
		out[id] = &models.Account{UserID: id, Balance: b}
	}
	return out, nil
}

func (t *pgTx) LockHoldings(ctx context.Context, keys ...HoldingKey) (map[HoldingKey]*models.Holding, error) {
	out := make(map[HoldingKey]*models.Holding, len(keys))
	for _, k := range sortedHoldingKeys(keys) {
		_, err := t.tx.Exec(ctx, `
			INSERT INTO assets (user_id, symbol, amount, locked_amount)
			VALUES ($1, $2, 0, 0)
			ON CONFLICT (user_id, symbol) DO NOTHING
		`, k.UserID, k.Symbol)
		if err != nil {
			if isForeignKeyViolation(err) {
				return nil, fmt.Errorf("%w: %d", ErrUserNotFound, k.UserID)
			}
			return nil, fmt.Errorf("failed to create asset row: %w", err)
		}
		h, err := scanHolding(t.tx.QueryRow(ctx,
			"SELECT user_id, symbol, amount::text, locked_amount::text FROM assets WHERE user_id = $1 AND symbol = $2 FOR NO KEY UPDATE",
			k.UserID, k.Symbol))
		if err != nil {
			return nil, fmt.Errorf("failed to lock asset %s: %w", k, err)
		}
		out[k] = h
	}
	return out, nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o models.Order) error {
	_, err := t.tx.Exec(ctx,
		"INSERT INTO orders (id, user_id, symbol, side, price, amount, status, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
		o.ID, o.UserID, o.Symbol, string(o.Side), o.Price.String(), o.Amount.String(), o.Status, o.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("failed to create order: %w: %d", ErrDuplicateID, o.ID)
		}
		if isForeignKeyViolation(err) {
			return fmt.Errorf("failed to create order: %w: %d", ErrUserNotFound, o.UserID)
		}
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateOrder(ctx context.Context, o models.Order) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE orders SET status = $1, amount = $2, updated_at = NOW() WHERE id = $3",
		o.Status, o.Amount.String(), o.ID)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrOrderNotFound, o.ID)
	}
	return nil
}

func (t *pgTx) UpdateAccount(ctx context.Context, a models.Account) error {
	_, err := t.tx.Exec(ctx,
		"UPDATE users SET balance = $1, updated_at = NOW() WHERE id = $2",
		a.Balance.String(), a.UserID)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateHolding(ctx context.Context, h models.Holding) error {
	_, err := t.tx.Exec(ctx,
		"UPDATE assets SET amount = $1, locked_amount = $2, updated_at = NOW() WHERE user_id = $3 AND symbol = $4",
		h.Amount.String(), h.LockedAmount.String(), h.UserID, h.Symbol)
	if err != nil {
		return fmt.Errorf("failed to update asset: %w", err)
	}
	return nil
}

func (t *pgTx) InsertTrade(ctx context.Context, tr models.Trade) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO trades (id, buy_order_id, sell_order_id, buyer_id, seller_id, symbol, price, amount, commission, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, tr.ID, tr.BuyOrderID, tr.SellOrderID, tr.BuyerID, tr.SellerID, tr.Symbol,
		tr.Price.String(), tr.Amount.String(), tr.Commission.String(), tr.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("failed to create trade: %w: %d", ErrDuplicateID, tr.ID)
		}
		return fmt.Errorf("failed to create trade: %w", err)
	}
	return nil
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	var (
		o             models.Order
		side          string
		price, amount string
	)
	if err := row.Scan(&o.ID, &o.UserID, &o.Symbol, &side, &price, &amount, &o.Status, &o.CreatedAt); err != nil {
		return nil, err
	}
	o.Side = models.Side(side)
	var err error
	if o.Price, err = num.Parse(price); err != nil {
		return nil, fmt.Errorf("parse price: %w", err)
	}
	if o.Amount, err = num.Parse(amount); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	return &o, nil
}

func scanTrade(row pgx.Row) (*models.Trade, error) {
	var (
		t                         models.Trade
		price, amount, commission string
	)
	if err := row.Scan(&t.ID, &t.BuyOrderID, &t.SellOrderID, &t.BuyerID, &t.SellerID, &t.Symbol,
		&price, &amount, &commission, &t.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if t.Price, err = num.Parse(price); err != nil {
		return nil, fmt.Errorf("parse price: %w", err)
	}
	if t.Amount, err = num.Parse(amount); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	if t.Commission, err = num.Parse(commission); err != nil {
		return nil, fmt.Errorf("parse commission: %w", err)
	}
	return &t, nil
}

func scanHolding(row pgx.Row) (*models.Holding, error) {
	var (
		h              models.Holding
		amount, locked string
	)
	if err := row.Scan(&h.UserID, &h.Symbol, &amount, &locked); err != nil {
		return nil, err
	}
	var err error
	if h.Amount, err = num.Parse(amount); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	if h.LockedAmount, err = num.Parse(locked); err != nil {
		return nil, fmt.Errorf("parse locked amount: %w", err)
	}
	return &h, nil
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isUniqueViolation(err error) bool {
	return pgErrorCode(err) == "23505"
}

func isForeignKeyViolation(err error) bool {
	return pgErrorCode(err) == "23503"
}

// isLockNotAvailable matches lock_timeout expiry
func isLockNotAvailable(err error) bool {
	return pgErrorCode(err) == "55P03"
}
