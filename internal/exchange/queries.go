package exchange

import (
	"context"
	"fmt"
	"sort"

	"github.com/xtrntr/matchbook/internal/models"
)

// OrderBook is the open interest of one symbol
type OrderBook struct {
	Symbol string         `json:"symbol,omitempty"`
	Bids   []models.Order `json:"bids"`
	Asks   []models.Order `json:"asks"`
}

// ListOpenOrders returns open orders, optionally of one symbol, highest
// price first and oldest first within a price
func (e *Exchange) ListOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	orders, err := e.store.ListOpenOrders(ctx, NormalizeSymbol(symbol))
	if err != nil {
		return nil, fmt.Errorf("failed to list open orders: %w", err)
	}
	if orders == nil {
		orders = []models.Order{}
	}
	return orders, nil
}

// GetOrderBook splits the open orders into bids, best (highest) first, and
// asks, best (lowest) first
func (e *Exchange) GetOrderBook(ctx context.Context, symbol string) (OrderBook, error) {
	orders, err := e.ListOpenOrders(ctx, symbol)
	if err != nil {
		return OrderBook{}, err
	}

	book := OrderBook{Symbol: NormalizeSymbol(symbol), Bids: []models.Order{}, Asks: []models.Order{}}
	for _, o := range orders {
		if o.Side == models.SideBuy {
			book.Bids = append(book.Bids, o)
		} else {
			book.Asks = append(book.Asks, o)
		}
	}
	less := models.CounterpartyLess(models.SideBuy)
	sort.SliceStable(book.Asks, func(i, j int) bool { return less(&book.Asks[i], &book.Asks[j]) })
	return book, nil
}

// Profile returns the user's balance and holdings
func (e *Exchange) Profile(ctx context.Context, userID int64) (*models.Snapshot, error) {
	snap, err := e.store.Snapshot(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	return snap, nil
}

// UserOrders returns all of the user's orders, newest first
func (e *Exchange) UserOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	orders, err := e.store.UserOrders(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user orders: %w", err)
	}
	if orders == nil {
		orders = []models.Order{}
	}
	return orders, nil
}

// UserTrades returns the trades the user took part in, newest first
func (e *Exchange) UserTrades(ctx context.Context, userID int64) ([]models.Trade, error) {
	trades, err := e.store.UserTrades(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user trades: %w", err)
	}
	if trades == nil {
		trades = []models.Trade{}
	}
	return trades, nil
}

// GetTrade returns a trade visible to userID, who must be its buyer or seller
func (e *Exchange) GetTrade(ctx context.Context, userID, tradeID int64) (*models.Trade, error) {
	trade, err := e.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !trade.Involves(userID) {
		return nil, fmt.Errorf("%w: trade %d", ErrUnauthorized, tradeID)
	}
	return trade, nil
}
