package exchange

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xtrntr/matchbook/internal/db"
	"github.com/xtrntr/matchbook/internal/ledger"
	"github.com/xtrntr/matchbook/internal/models"
	"github.com/xtrntr/matchbook/internal/notify"
)

// CancelOrder closes an open order of userID and releases its reservation
func (e *Exchange) CancelOrder(ctx context.Context, userID, orderID int64) (*models.Order, error) {
	var cancelled models.Order
	err := e.store.InTx(ctx, func(tx db.Tx) error {
		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.UserID != userID {
			return fmt.Errorf("%w: order %d belongs to another user", ErrUnauthorized, orderID)
		}
		if !order.IsOpen() {
			return fmt.Errorf("%w: order %d is %s", ErrOrderNotOpen, orderID, order.Status)
		}

		if err := e.release(ctx, tx, order); err != nil {
			return err
		}
		if err := order.Cancel(); err != nil {
			return err
		}
		if err := tx.UpdateOrder(ctx, *order); err != nil {
			return err
		}
		cancelled = *order
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to cancel order: %w", err)
	}

	e.metrics.OrderCancelled()
	e.events.Publish(notify.OrderCancelled{Order: cancelled})
	e.log.Info("order cancelled", zap.Int64("order_id", cancelled.ID), zap.Int64("user_id", userID))
	return &cancelled, nil
}

func (e *Exchange) release(ctx context.Context, tx db.Tx, order *models.Order) error {
	if order.Side == models.SideBuy {
		accts, err := tx.LockAccounts(ctx, order.UserID)
		if err != nil {
			return err
		}
		acct := accts[order.UserID]
		ledger.ReleaseBuy(acct, order.Price, order.Amount)
		return tx.UpdateAccount(ctx, *acct)
	}

	key := db.HoldingKey{UserID: order.UserID, Symbol: order.Symbol}
	holdings, err := tx.LockHoldings(ctx, key)
	if err != nil {
		return err
	}
	h := holdings[key]
	ledger.ReleaseSell(h, order.Amount)
	return tx.UpdateHolding(ctx, *h)
}
