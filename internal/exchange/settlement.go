package exchange

import (
	"context"

	"go.uber.org/zap"

	"github.com/xtrntr/matchbook/internal/db"
	"github.com/xtrntr/matchbook/internal/ledger"
	"github.com/xtrntr/matchbook/internal/models"
	"github.com/xtrntr/matchbook/internal/notify"
)

// settlement is what a committed match hands to the publishing step
type settlement struct {
	trade         models.Trade
	buy           models.Order
	sell          models.Order
	buyer         models.Account
	seller        models.Account
	buyerHolding  models.Holding
	sellerHolding models.Holding
}

// settle executes the trade between two locked orders inside tx. The
// aggressor decides the price: the trade always executes at the maker's
// limit.
func (e *Exchange) settle(ctx context.Context, tx db.Tx, buy, sell *models.Order, aggressorID int64) (*settlement, error) {
	s, err := ledger.Compute(buy, sell, aggressorID)
	if err != nil {
		return nil, err
	}

	accts, err := tx.LockAccounts(ctx, buy.UserID, sell.UserID)
	if err != nil {
		return nil, err
	}
	buyerKey := db.HoldingKey{UserID: buy.UserID, Symbol: buy.Symbol}
	sellerKey := db.HoldingKey{UserID: sell.UserID, Symbol: sell.Symbol}
	holdings, err := tx.LockHoldings(ctx, buyerKey, sellerKey)
	if err != nil {
		return nil, err
	}

	buyer, seller := accts[buy.UserID], accts[sell.UserID]
	buyerHolding, sellerHolding := holdings[buyerKey], holdings[sellerKey]
	ledger.Settle(s, buyer, buyerHolding, seller, sellerHolding)

	trade := models.Trade{
		ID:          e.ids.Next(),
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		BuyerID:     buy.UserID,
		SellerID:    sell.UserID,
		Symbol:      buy.Symbol,
		Price:       s.Price,
		Amount:      s.Amount,
		Commission:  s.Commission,
		CreatedAt:   e.timestamp(),
	}
	if err := buy.Fill(); err != nil {
		return nil, err
	}
	if err := sell.Fill(); err != nil {
		return nil, err
	}

	for _, o := range []*models.Order{buy, sell} {
		if err := tx.UpdateOrder(ctx, *o); err != nil {
			return nil, err
		}
	}
	for _, a := range []*models.Account{buyer, seller} {
		if err := tx.UpdateAccount(ctx, *a); err != nil {
			return nil, err
		}
	}
	for _, h := range []*models.Holding{buyerHolding, sellerHolding} {
		if err := tx.UpdateHolding(ctx, *h); err != nil {
			return nil, err
		}
	}
	if err := tx.InsertTrade(ctx, trade); err != nil {
		return nil, err
	}
	return &settlement{
		trade:         trade,
		buy:           *buy,
		sell:          *sell,
		buyer:         *buyer,
		seller:        *seller,
		buyerHolding:  *buyerHolding,
		sellerHolding: *sellerHolding,
	}, nil
}

// publishMatched announces a committed trade with both parties' balances.
// Balance and traded asset come from the rows the unit wrote; other assets
// are read after commit.
func (e *Exchange) publishMatched(ctx context.Context, s *settlement) {
	e.events.Publish(notify.OrderMatched{
		Trade:     s.trade,
		BuyOrder:  s.buy,
		SellOrder: s.sell,
		Buyer:     e.postTradeSnapshot(ctx, s.buyer, s.buyerHolding),
		Seller:    e.postTradeSnapshot(ctx, s.seller, s.sellerHolding),
	})
}

func (e *Exchange) postTradeSnapshot(ctx context.Context, acct models.Account, traded models.Holding) *models.Snapshot {
	holdings := []models.Holding{traded}
	live, err := e.store.Snapshot(ctx, acct.UserID)
	if err != nil {
		e.log.Warn("failed to read snapshot", zap.Int64("user_id", acct.UserID), zap.Error(err))
		return models.NewSnapshot(acct, holdings)
	}
	for _, a := range live.Assets {
		if a.Symbol == traded.Symbol {
			continue
		}
		holdings = append(holdings, models.Holding{
			UserID:       acct.UserID,
			Symbol:       a.Symbol,
			Amount:       a.Amount,
			LockedAmount: a.LockedAmount,
		})
	}
	return models.NewSnapshot(acct, holdings)
}
