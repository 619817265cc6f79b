package exchange

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xtrntr/matchbook/internal/db"
	"github.com/xtrntr/matchbook/internal/ledger"
	"github.com/xtrntr/matchbook/internal/models"
	"github.com/xtrntr/matchbook/internal/notify"
	"github.com/xtrntr/matchbook/internal/num"
)

// PlaceOrderRequest is a limit order as submitted by a user
type PlaceOrderRequest struct {
	UserID int64
	Symbol string
	Side   models.Side
	Price  num.Decimal
	Amount num.Decimal
}

// Validate normalises the symbol and checks every field
func (r *PlaceOrderRequest) Validate() error {
	r.Symbol = NormalizeSymbol(r.Symbol)
	if r.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidOrder)
	}
	if len(r.Symbol) > models.MaxSymbolLength {
		return fmt.Errorf("%w: symbol must be at most %d characters", ErrInvalidOrder, models.MaxSymbolLength)
	}
	for _, c := range r.Symbol {
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return fmt.Errorf("%w: symbol must be alphanumeric", ErrInvalidOrder)
		}
	}
	side, err := models.ParseSide(string(r.Side))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	r.Side = side
	if err := checkQuantity("price", r.Price); err != nil {
		return err
	}
	return checkQuantity("amount", r.Amount)
}

func checkQuantity(field string, d num.Decimal) error {
	if !d.IsPositive() {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidOrder, field)
	}
	if !num.Truncate(d).Equal(d) {
		return fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidOrder, field, num.Scale)
	}
	return nil
}

// NormalizeSymbol upper-cases and trims an asset symbol
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// PlaceOrder reserves the funds backing the order and stores it as Open.
// Buys debit price*amount from the balance; sells lock amount of the
// holding. When matching on placement is enabled the order is then matched
// once; a failure there is logged and does not fail the placement.
func (e *Exchange) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*models.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	order := models.Order{
		ID:        e.ids.Next(),
		UserID:    req.UserID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Price:     req.Price,
		Amount:    req.Amount,
		Status:    models.StatusOpen,
		CreatedAt: e.timestamp(),
	}

	err := e.store.InTx(ctx, func(tx db.Tx) error {
		if err := e.reserve(ctx, tx, &order); err != nil {
			return err
		}
		return tx.InsertOrder(ctx, order)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to place order: %w", err)
	}

	e.metrics.OrderPlaced(string(order.Side))
	e.events.Publish(notify.OrderPlaced{Order: order})
	e.log.Info("order placed",
		zap.Int64("order_id", order.ID),
		zap.Int64("user_id", order.UserID),
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.String("price", order.Price.String()),
		zap.String("amount", order.Amount.String()),
	)

	if e.matchOnPlace {
		trade, err := e.MatchOrder(ctx, order.ID)
		if err != nil {
			e.log.Warn("match after placement failed", zap.Int64("order_id", order.ID), zap.Error(err))
		} else if trade != nil {
			order.Fill()
		}
	}
	return &order, nil
}

func (e *Exchange) reserve(ctx context.Context, tx db.Tx, order *models.Order) error {
	if order.Side == models.SideBuy {
		accts, err := tx.LockAccounts(ctx, order.UserID)
		if err != nil {
			return err
		}
		acct := accts[order.UserID]
		if err := ledger.ReserveBuy(acct, order.Price, order.Amount); err != nil {
			return err
		}
		return tx.UpdateAccount(ctx, *acct)
	}

	key := db.HoldingKey{UserID: order.UserID, Symbol: order.Symbol}
	holdings, err := tx.LockHoldings(ctx, key)
	if err != nil {
		return err
	}
	h := holdings[key]
	if err := ledger.ReserveSell(h, order.Amount); err != nil {
		return err
	}
	return tx.UpdateHolding(ctx, *h)
}
