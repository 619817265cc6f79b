package db

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/xtrntr/matchbook/internal/models"
	"github.com/xtrntr/matchbook/internal/num"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrTradeNotFound = errors.New("trade not found")
	ErrUserNotFound  = errors.New("user not found")
	ErrUserExists    = errors.New("username already taken")
	ErrDuplicateID   = errors.New("duplicate id")
	ErrLockTimeout   = errors.New("timed out waiting for row lock")
)

// HoldingKey identifies a holding row
type HoldingKey struct {
	UserID int64
	Symbol string
}

func (k HoldingKey) String() string {
	return fmt.Sprintf("%d/%s", k.UserID, k.Symbol)
}

// Store is the persistence layer of the exchange. Every mutation of orders,
// accounts, holdings and trades goes through InTx; the remaining methods are
// plain reads that take no locks.
type Store interface {
	// InTx runs fn as one atomic unit. Locks taken through the Tx are held
	// until the unit commits or rolls back. A non-nil error from fn rolls
	// everything back.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// OpenOrders returns every open order, oldest first
	OpenOrders(ctx context.Context) ([]models.Order, error)
	// ListOpenOrders returns open orders, optionally for one symbol, sorted
	// by price descending then oldest first
	ListOpenOrders(ctx context.Context, symbol string) ([]models.Order, error)
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	// UserOrders returns all of a user's orders, newest first
	UserOrders(ctx context.Context, userID int64) ([]models.Order, error)
	// UserTrades returns trades where the user is buyer or seller, newest first
	UserTrades(ctx context.Context, userID int64) ([]models.Trade, error)
	GetTrade(ctx context.Context, id int64) (*models.Trade, error)
	// Snapshot returns the user's balance and all holdings
	Snapshot(ctx context.Context, userID int64) (*models.Snapshot, error)

	CreateUser(ctx context.Context, username, passwordHash string, balance num.Decimal) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	// SetHolding overwrites a holding row; used for seeding and funding
	SetHolding(ctx context.Context, h models.Holding) error

	Close(ctx context.Context) error
}

// Tx is the unit of work handed to Store.InTx.
//
// Locks are taken in a fixed order across every unit: orders first, then
// accounts by ascending user id, then holdings by ascending (user id,
// symbol). A unit only ever waits for an order lock while it holds nothing
// else; FindCounterparty skips rows another unit holds. Lock waits are
// bounded by the store's lock timeout and fail with ErrLockTimeout.
//
// Row locks leave key columns alone, so inserting a row that references a
// locked user or order never waits for that lock.
type Tx interface {
	// LockOrder locks and returns the order, or ErrOrderNotFound
	LockOrder(ctx context.Context, id int64) (*models.Order, error)
	// FindCounterparty locks and returns the best eligible counterparty for
	// the aggressor, skipping rows locked by other units. It returns nil
	// when there is none.
	FindCounterparty(ctx context.Context, aggressor *models.Order) (*models.Order, error)
	// LockAccounts locks the accounts of the given users in ascending id order
	LockAccounts(ctx context.Context, userIDs ...int64) (map[int64]*models.Account, error)
	// LockHoldings locks the given holdings in ascending key order, creating
	// empty rows for missing keys
	LockHoldings(ctx context.Context, keys ...HoldingKey) (map[HoldingKey]*models.Holding, error)

	InsertOrder(ctx context.Context, order models.Order) error
	UpdateOrder(ctx context.Context, order models.Order) error
	UpdateAccount(ctx context.Context, acct models.Account) error
	UpdateHolding(ctx context.Context, h models.Holding) error
	InsertTrade(ctx context.Context, trade models.Trade) error
}

// sortedUserIDs returns the distinct ids in ascending order
func sortedUserIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// sortedHoldingKeys returns the distinct keys ordered by user id, then symbol
func sortedHoldingKeys(keys []HoldingKey) []HoldingKey {
	seen := make(map[HoldingKey]struct{}, len(keys))
	out := make([]HoldingKey, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}
