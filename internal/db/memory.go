package db

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xtrntr/matchbook/internal/models"
	"github.com/xtrntr/matchbook/internal/num"
)

// MemDB is an in-process Store with the same locking behaviour as DB.
// Writes of a unit are buffered and applied when it commits; readers outside
// a unit only ever see committed state.
type MemDB struct {
	// LockTimeout bounds every row lock wait. Zero waits until the context
	// is done.
	LockTimeout time.Duration

	locks *rowLocks

	mu         sync.RWMutex
	nextUserID int64
	users      map[int64]models.User
	usernames  map[string]int64
	accounts   map[int64]models.Account
	holdings   map[HoldingKey]models.Holding
	orders     map[int64]models.Order
	trades     map[int64]models.Trade
}

var _ Store = (*MemDB)(nil)

// NewMemDB creates an empty in-memory store
func NewMemDB() *MemDB {
	return &MemDB{
		locks:     newRowLocks(),
		users:     make(map[int64]models.User),
		usernames: make(map[string]int64),
		accounts:  make(map[int64]models.Account),
		holdings:  make(map[HoldingKey]models.Holding),
		orders:    make(map[int64]models.Order),
		trades:    make(map[int64]models.Trade),
	}
}

// InTx runs fn as one atomic unit
func (m *MemDB) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memTx{
		db:       m,
		held:     make(map[string]struct{}),
		orders:   make(map[int64]models.Order),
		inserted: make(map[int64]struct{}),
		accounts: make(map[int64]models.Account),
		holdings: make(map[HoldingKey]models.Holding),
	}
	defer tx.releaseAll()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx.commit()
	return nil
}

// OpenOrders returns every open order, oldest first
func (m *MemDB) OpenOrders(ctx context.Context) ([]models.Order, error) {
	m.mu.RLock()
	var orders []models.Order
	for _, o := range m.orders {
		if o.IsOpen() {
			orders = append(orders, o)
		}
	}
	m.mu.RUnlock()

	models.SortByAge(orders)
	return orders, nil
}

// ListOpenOrders returns open orders sorted for display
func (m *MemDB) ListOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	m.mu.RLock()
	var orders []models.Order
	for _, o := range m.orders {
		if o.IsOpen() && (symbol == "" || o.Symbol == symbol) {
			orders = append(orders, o)
		}
	}
	m.mu.RUnlock()

	sort.Slice(orders, func(i, j int) bool { return models.BookLess(&orders[i], &orders[j]) })
	return orders, nil
}

// GetOrder returns a committed order
func (m *MemDB) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	return &o, nil
}

// UserOrders returns all of a user's orders, newest first
func (m *MemDB) UserOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	m.mu.RLock()
	var orders []models.Order
	for _, o := range m.orders {
		if o.UserID == userID {
			orders = append(orders, o)
		}
	}
	m.mu.RUnlock()

	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.After(orders[j].CreatedAt)
		}
		return orders[i].ID > orders[j].ID
	})
	return orders, nil
}

// UserTrades returns the user's trades, newest first
func (m *MemDB) UserTrades(ctx context.Context, userID int64) ([]models.Trade, error) {
	m.mu.RLock()
	var trades []models.Trade
	for _, t := range m.trades {
		if t.Involves(userID) {
			trades = append(trades, t)
		}
	}
	m.mu.RUnlock()

	sort.Slice(trades, func(i, j int) bool {
		if !trades[i].CreatedAt.Equal(trades[j].CreatedAt) {
			return trades[i].CreatedAt.After(trades[j].CreatedAt)
		}
		return trades[i].ID > trades[j].ID
	})
	return trades, nil
}

// GetTrade returns a trade by id
func (m *MemDB) GetTrade(ctx context.Context, id int64) (*models.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trades[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrTradeNotFound, id)
	}
	return &t, nil
}

// Snapshot returns the user's balance and holdings
func (m *MemDB) Snapshot(ctx context.Context, userID int64) (*models.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUserNotFound, userID)
	}
	var holdings []models.Holding
	for k, h := range m.holdings {
		if k.UserID == userID {
			holdings = append(holdings, h)
		}
	}
	return models.NewSnapshot(acct, holdings), nil
}

// CreateUser registers a user with an opening balance
func (m *MemDB) CreateUser(ctx context.Context, username, passwordHash string, balance num.Decimal) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(username)
	if _, ok := m.usernames[key]; ok {
		return nil, fmt.Errorf("failed to create user: %w", ErrUserExists)
	}
	m.nextUserID++
	user := models.User{
		ID:           m.nextUserID,
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	m.users[user.ID] = user
	m.usernames[key] = user.ID
	m.accounts[user.ID] = models.Account{UserID: user.ID, Balance: num.Truncate(balance)}
	return &user, nil
}

// GetUserByUsername retrieves a user by username
func (m *MemDB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.usernames[strings.ToLower(username)]
	if !ok {
		return nil, fmt.Errorf("failed to get user: %w", ErrUserNotFound)
	}
	u := m.users[id]
	return &u, nil
}

// SetHolding overwrites a holding row under its row lock
func (m *MemDB) SetHolding(ctx context.Context, h models.Holding) error {
	m.mu.RLock()
	_, ok := m.accounts[h.UserID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUserNotFound, h.UserID)
	}
	return m.InTx(ctx, func(tx Tx) error {
		if _, err := tx.LockHoldings(ctx, HoldingKey{UserID: h.UserID, Symbol: h.Symbol}); err != nil {
			return err
		}
		return tx.UpdateHolding(ctx, h)
	})
}

// Close is a no-op
func (m *MemDB) Close(ctx context.Context) error {
	return nil
}

type memTx struct {
	db *MemDB

	held     map[string]struct{}
	heldKeys []string

	orders   map[int64]models.Order
	inserted map[int64]struct{}
	accounts map[int64]models.Account
	holdings map[HoldingKey]models.Holding
	trades   []models.Trade
}

func (tx *memTx) acquire(ctx context.Context, key string) error {
	if _, ok := tx.held[key]; ok {
		return nil
	}
	if err := tx.db.locks.lock(ctx, key, tx.db.LockTimeout); err != nil {
		return err
	}
	tx.hold(key)
	return nil
}

func (tx *memTx) hold(key string) {
	tx.held[key] = struct{}{}
	tx.heldKeys = append(tx.heldKeys, key)
}

func (tx *memTx) release(key string) {
	if _, ok := tx.held[key]; !ok {
		return
	}
	delete(tx.held, key)
	for i, k := range tx.heldKeys {
		if k == key {
			tx.heldKeys = append(tx.heldKeys[:i], tx.heldKeys[i+1:]...)
			break
		}
	}
	tx.db.locks.unlock(key)
}

func (tx *memTx) releaseAll() {
	for i := len(tx.heldKeys) - 1; i >= 0; i-- {
		tx.db.locks.unlock(tx.heldKeys[i])
	}
	tx.held = nil
	tx.heldKeys = nil
}

func (tx *memTx) commit() {
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	for id, o := range tx.orders {
		tx.db.orders[id] = o
	}
	for id, a := range tx.accounts {
		tx.db.accounts[id] = a
	}
	for k, h := range tx.holdings {
		tx.db.holdings[k] = h
	}
	for _, t := range tx.trades {
		tx.db.trades[t.ID] = t
	}
}

func (tx *memTx) readOrder(id int64) (models.Order, bool) {
	if o, ok := tx.orders[id]; ok {
		return o, true
	}
	tx.db.mu.RLock()
	defer tx.db.mu.RUnlock()
	o, ok := tx.db.orders[id]
	return o, ok
}

func (tx *memTx) LockOrder(ctx context.Context, id int64) (*models.Order, error) {
	if err := tx.acquire(ctx, orderLockKey(id)); err != nil {
		return nil, err
	}
	o, ok := tx.readOrder(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	return &o, nil
}

func (tx *memTx) FindCounterparty(ctx context.Context, aggressor *models.Order) (*models.Order, error) {
	tx.db.mu.RLock()
	var candidates []*models.Order
	for _, o := range tx.db.orders {
		o := o
		if aggressor.CanMatch(&o) {
			candidates = append(candidates, &o)
		}
	}
	tx.db.mu.RUnlock()

	less := models.CounterpartyLess(aggressor.Side)
	sort.Slice(candidates, func(i, j int) bool { return less(candidates[i], candidates[j]) })

	for _, c := range candidates {
		key := orderLockKey(c.ID)
		if _, mine := tx.held[key]; !mine {
			if !tx.db.locks.tryLock(key) {
				continue
			}
			tx.hold(key)
		}
		current, ok := tx.readOrder(c.ID)
		if ok && aggressor.CanMatch(&current) {
			return &current, nil
		}
		tx.release(key)
	}
	return nil, nil
}

func (tx *memTx) LockAccounts(ctx context.Context, userIDs ...int64) (map[int64]*models.Account, error) {
	out := make(map[int64]*models.Account, len(userIDs))
	for _, id := range sortedUserIDs(userIDs) {
		if err := tx.acquire(ctx, accountLockKey(id)); err != nil {
			return nil, err
		}
		acct, ok := tx.accounts[id]
		if !ok {
			tx.db.mu.RLock()
			acct, ok = tx.db.accounts[id]
			tx.db.mu.RUnlock()
		}
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrUserNotFound, id)
		}
		out[id] = &acct
	}
	return out, nil
}

func (tx *memTx) LockHoldings(ctx context.Context, keys ...HoldingKey) (map[HoldingKey]*models.Holding, error) {
	out := make(map[HoldingKey]*models.Holding, len(keys))
	for _, k := range sortedHoldingKeys(keys) {
		if err := tx.acquire(ctx, holdingLockKey(k)); err != nil {
			return nil, err
		}
		h, ok := tx.holdings[k]
		if !ok {
			tx.db.mu.RLock()
			h, ok = tx.db.holdings[k]
			tx.db.mu.RUnlock()
		}
		if !ok {
			h = models.Holding{UserID: k.UserID, Symbol: k.Symbol, Amount: num.Zero, LockedAmount: num.Zero}
		}
		out[k] = &h
	}
	return out, nil
}

func (tx *memTx) InsertOrder(ctx context.Context, order models.Order) error {
	if _, ok := tx.readOrder(order.ID); ok {
		return fmt.Errorf("failed to create order: %w: %d", ErrDuplicateID, order.ID)
	}
	tx.db.mu.RLock()
	_, ok := tx.db.accounts[order.UserID]
	tx.db.mu.RUnlock()
	if !ok {
		return fmt.Errorf("failed to create order: %w: %d", ErrUserNotFound, order.UserID)
	}
	tx.orders[order.ID] = order
	tx.inserted[order.ID] = struct{}{}
	return nil
}

func (tx *memTx) UpdateOrder(ctx context.Context, order models.Order) error {
	_, fresh := tx.inserted[order.ID]
	if _, ok := tx.held[orderLockKey(order.ID)]; !ok && !fresh {
		return fmt.Errorf("failed to update order %d: row not locked", order.ID)
	}
	tx.orders[order.ID] = order
	return nil
}

func (tx *memTx) UpdateAccount(ctx context.Context, acct models.Account) error {
	if _, ok := tx.held[accountLockKey(acct.UserID)]; !ok {
		return fmt.Errorf("failed to update account %d: row not locked", acct.UserID)
	}
	tx.accounts[acct.UserID] = acct
	return nil
}

func (tx *memTx) UpdateHolding(ctx context.Context, h models.Holding) error {
	k := HoldingKey{UserID: h.UserID, Symbol: h.Symbol}
	if _, ok := tx.held[holdingLockKey(k)]; !ok {
		return fmt.Errorf("failed to update holding %s: row not locked", k)
	}
	tx.holdings[k] = h
	return nil
}

func (tx *memTx) InsertTrade(ctx context.Context, trade models.Trade) error {
	tx.db.mu.RLock()
	_, exists := tx.db.trades[trade.ID]
	tx.db.mu.RUnlock()
	for _, t := range tx.trades {
		if t.ID == trade.ID {
			exists = true
		}
	}
	if exists {
		return fmt.Errorf("failed to create trade: %w: %d", ErrDuplicateID, trade.ID)
	}
	tx.trades = append(tx.trades, trade)
	return nil
}
