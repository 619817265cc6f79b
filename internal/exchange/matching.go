package exchange

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xtrntr/matchbook/internal/db"
	"github.com/xtrntr/matchbook/internal/models"
)

// MatchOrder tries to trade the order against exactly one resting
// counterparty. A closed order or the absence of an eligible counterparty
// is not an error: both return a nil trade.
func (e *Exchange) MatchOrder(ctx context.Context, orderID int64) (*models.Trade, error) {
	defer e.metrics.MatchTimer()()

	var result *settlement
	err := e.store.InTx(ctx, func(tx db.Tx) error {
		aggressor, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !aggressor.IsOpen() {
			return nil
		}

		counterparty, err := tx.FindCounterparty(ctx, aggressor)
		if err != nil {
			return err
		}
		if counterparty == nil {
			return nil
		}

		buy, sell := aggressor, counterparty
		if aggressor.Side == models.SideSell {
			buy, sell = counterparty, aggressor
		}
		result, err = e.settle(ctx, tx, buy, sell, aggressor.ID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to match order %d: %w", orderID, err)
	}
	if result == nil {
		return nil, nil
	}

	e.metrics.TradeExecuted(result.trade.Commission.InexactFloat64())
	e.log.Info("trade executed",
		zap.Int64("trade_id", result.trade.ID),
		zap.Int64("buy_order_id", result.trade.BuyOrderID),
		zap.Int64("sell_order_id", result.trade.SellOrderID),
		zap.Int64("aggressor_id", orderID),
		zap.String("price", result.trade.Price.String()),
		zap.String("amount", result.trade.Amount.String()),
		zap.String("commission", result.trade.Commission.String()),
	)
	e.publishMatched(ctx, result)
	return &result.trade, nil
}

// SweepResult summarises one pass over the open orders
type SweepResult struct {
	Checked int `json:"checked"`
	Matched int `json:"matched"`
	Failed  int `json:"failed"`
}

// SweepAllOpen tries to match every open order, oldest first. Each attempt
// is its own unit of work; a failing attempt is logged and counted and the
// sweep moves on. Only a failure to list the open orders, or ctx ending, is
// returned.
func (e *Exchange) SweepAllOpen(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	orders, err := e.store.OpenOrders(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to list open orders: %w", err)
	}

	for _, o := range orders {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		current, err := e.store.GetOrder(ctx, o.ID)
		if err != nil {
			res.Failed++
			e.metrics.SweepFailure()
			e.log.Warn("failed to reload order", zap.Int64("order_id", o.ID), zap.Error(err))
			continue
		}
		if !current.IsOpen() {
			continue
		}

		res.Checked++
		trade, err := e.MatchOrder(ctx, o.ID)
		if err != nil {
			res.Failed++
			e.metrics.SweepFailure()
			e.log.Warn("failed to match order", zap.Int64("order_id", o.ID), zap.Error(err))
			continue
		}
		if trade != nil {
			res.Matched++
		}
	}
	return res, nil
}

// RunSweeper sweeps every interval until ctx is done
func (e *Exchange) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := e.SweepAllOpen(ctx)
			if err != nil {
				if ctx.Err() == nil {
					e.log.Error("sweep failed", zap.Error(err))
				}
				continue
			}
			if res.Matched > 0 || res.Failed > 0 {
				e.log.Info("sweep finished",
					zap.Int("checked", res.Checked),
					zap.Int("matched", res.Matched),
					zap.Int("failed", res.Failed),
				)
			}
		}
	}
}
