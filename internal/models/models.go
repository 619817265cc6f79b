package models

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/xtrntr/matchbook/internal/num"
)

// MaxSymbolLength bounds the asset symbol of an order.
const MaxSymbolLength = 10

// Side is the direction of an order
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide validates a side coming from the outside world
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	}
	return "", fmt.Errorf("side must be 'buy' or 'sell', got %q", s)
}

// Opposite returns the side an order of this side trades against
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Status is the lifecycle state of an order. Filled and Cancelled are
// terminal.
type Status int

const (
	StatusOpen      Status = 1
	StatusFilled    Status = 2
	StatusCancelled Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusFilled:
		return "filled"
	case StatusCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Terminal reports whether no further transition is allowed
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled
}

// CanTransition reports whether an order may move from one status to another
func CanTransition(from, to Status) bool {
	return from == StatusOpen && (to == StatusFilled || to == StatusCancelled)
}

// User represents a registered user
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Account holds a user's quote currency balance
type Account struct {
	UserID  int64       `json:"user_id"`
	Balance num.Decimal `json:"balance"`
}

// Holding is a user's position in one asset. LockedAmount is the part
// reserved by open sell orders and never exceeds Amount.
type Holding struct {
	UserID       int64       `json:"user_id"`
	Symbol       string      `json:"symbol"`
	Amount       num.Decimal `json:"amount"`
	LockedAmount num.Decimal `json:"locked_amount"`
}

// Available is the part of the holding free to back a new sell order
func (h Holding) Available() num.Decimal {
	return num.Sub(h.Amount, h.LockedAmount)
}

// Order represents a limit order
type Order struct {
	ID        int64       `json:"id,string"`
	UserID    int64       `json:"user_id"`
	Symbol    string      `json:"symbol"`
	Side      Side        `json:"side"`
	Price     num.Decimal `json:"price"`
	Amount    num.Decimal `json:"amount"`
	Status    Status      `json:"status"`
	CreatedAt time.Time   `json:"created_at"` // Used for time priority
}

// IsOpen reports whether the order can still trade or be cancelled
func (o *Order) IsOpen() bool {
	return o.Status == StatusOpen
}

// Fill closes the order as fully consumed
func (o *Order) Fill() error {
	if !CanTransition(o.Status, StatusFilled) {
		return fmt.Errorf("order %d cannot be filled from status %s", o.ID, o.Status)
	}
	o.Status = StatusFilled
	o.Amount = num.Zero
	return nil
}

// Cancel closes the order without trading
func (o *Order) Cancel() error {
	if !CanTransition(o.Status, StatusCancelled) {
		return fmt.Errorf("order %d cannot be cancelled from status %s", o.ID, o.Status)
	}
	o.Status = StatusCancelled
	return nil
}

// CanMatch reports whether the resting order c is an eligible counterparty
// for aggressor o: opposite side, same symbol, open, crossing price, exactly
// the same amount and a different owner.
func (o *Order) CanMatch(c *Order) bool {
	if c.ID == o.ID || c.Side != o.Side.Opposite() || c.Symbol != o.Symbol || !c.IsOpen() {
		return false
	}
	if c.UserID == o.UserID || !c.Amount.Equal(o.Amount) {
		return false
	}
	if o.Side == SideBuy {
		return c.Price.LessThanOrEqual(o.Price)
	}
	return c.Price.GreaterThanOrEqual(o.Price)
}

// timeLess is the FIFO tie-break shared by every ordering
func timeLess(a, b *Order) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// CounterpartyLess orders candidates for an aggressor of the given side:
// best price first (lowest sell for a buy, highest buy for a sell), then
// earliest created.
func CounterpartyLess(aggressor Side) func(a, b *Order) bool {
	return func(a, b *Order) bool {
		if !a.Price.Equal(b.Price) {
			if aggressor == SideBuy {
				return a.Price.LessThan(b.Price)
			}
			return a.Price.GreaterThan(b.Price)
		}
		return timeLess(a, b)
	}
}

// BookLess is the display order of the open order list: price descending,
// then earliest created.
func BookLess(a, b *Order) bool {
	if !a.Price.Equal(b.Price) {
		return a.Price.GreaterThan(b.Price)
	}
	return timeLess(a, b)
}

// SortByAge sorts orders oldest first
func SortByAge(orders []Order) {
	sort.Slice(orders, func(i, j int) bool {
		return timeLess(&orders[i], &orders[j])
	})
}

// Trade represents an executed match. Trades are never updated or deleted.
type Trade struct {
	ID          int64       `json:"id,string"`
	BuyOrderID  int64       `json:"buy_order_id,string"`
	SellOrderID int64       `json:"sell_order_id,string"`
	BuyerID     int64       `json:"buyer_id"`
	SellerID    int64       `json:"seller_id"`
	Symbol      string      `json:"symbol"`
	Price       num.Decimal `json:"price"`
	Amount      num.Decimal `json:"amount"`
	Commission  num.Decimal `json:"commission"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Involves reports whether the user is the buyer or the seller
func (t *Trade) Involves(userID int64) bool {
	return t.BuyerID == userID || t.SellerID == userID
}

// AssetBalance is one line of a Snapshot
type AssetBalance struct {
	Symbol       string      `json:"symbol"`
	Amount       num.Decimal `json:"amount"`
	LockedAmount num.Decimal `json:"locked_amount"`
	Available    num.Decimal `json:"available"`
}

// Snapshot is a user's balance and holdings at one point in time
type Snapshot struct {
	UserID  int64          `json:"id"`
	Balance num.Decimal    `json:"balance"`
	Assets  []AssetBalance `json:"assets"`
}

// NewSnapshot builds a snapshot with assets sorted by symbol
func NewSnapshot(acct Account, holdings []Holding) *Snapshot {
	s := &Snapshot{UserID: acct.UserID, Balance: acct.Balance, Assets: make([]AssetBalance, 0, len(holdings))}
	for _, h := range holdings {
		s.Assets = append(s.Assets, AssetBalance{
			Symbol:       h.Symbol,
			Amount:       h.Amount,
			LockedAmount: h.LockedAmount,
			Available:    h.Available(),
		})
	}
	sort.Slice(s.Assets, func(i, j int) bool { return s.Assets[i].Symbol < s.Assets[j].Symbol })
	return s
}
