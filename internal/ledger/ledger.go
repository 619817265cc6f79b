// Package ledger holds the balance and holding arithmetic of the exchange.
// Every function here mutates rows the caller has already locked inside a
// transaction; none of them touch storage.
package ledger

import (
	"errors"
	"fmt"

	"github.com/xtrntr/matchbook/internal/models"
	"github.com/xtrntr/matchbook/internal/num"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientAsset   = errors.New("insufficient asset balance")
)

// ReserveBuy debits the full limit value of a buy order from the account
func ReserveBuy(acct *models.Account, price, amount num.Decimal) error {
	required := num.Mul(price, amount)
	if acct.Balance.LessThan(required) {
		return fmt.Errorf("%w: need %s, have %s", ErrInsufficientBalance, required, acct.Balance)
	}
	acct.Balance = num.Sub(acct.Balance, required)
	return nil
}

// ReleaseBuy credits back what ReserveBuy took for an order that will not trade
func ReleaseBuy(acct *models.Account, price, amount num.Decimal) {
	acct.Balance = num.Add(acct.Balance, num.Mul(price, amount))
}

// ReserveSell locks amount of the holding. Total ownership is unchanged.
func ReserveSell(h *models.Holding, amount num.Decimal) error {
	if h == nil {
		return fmt.Errorf("%w: no holding", ErrInsufficientAsset)
	}
	if available := h.Available(); available.LessThan(amount) {
		return fmt.Errorf("%w: need %s %s, have %s", ErrInsufficientAsset, amount, h.Symbol, available)
	}
	h.LockedAmount = num.Add(h.LockedAmount, amount)
	return nil
}

// ReleaseSell unlocks amount of the holding, never going below zero
func ReleaseSell(h *models.Holding, amount num.Decimal) {
	h.LockedAmount = num.ClampZero(num.Sub(h.LockedAmount, amount))
}

// Settlement is the money movement of one trade
type Settlement struct {
	AggressorID    int64
	Price          num.Decimal
	Amount         num.Decimal
	Value          num.Decimal
	Commission     num.Decimal
	SellerReceives num.Decimal
	BuyerRefund    num.Decimal
}

// Compute prices a match between buy and sell. The trade executes at the
// maker's price: the sell's when the buy is the aggressor, the buy's when
// the sell is.
func Compute(buy, sell *models.Order, aggressorID int64) (Settlement, error) {
	if buy.Side != models.SideBuy || sell.Side != models.SideSell {
		return Settlement{}, fmt.Errorf("orders %d and %d are not a buy/sell pair", buy.ID, sell.ID)
	}
	if !buy.Amount.Equal(sell.Amount) {
		return Settlement{}, fmt.Errorf("amount mismatch between orders %d (%s) and %d (%s)", buy.ID, buy.Amount, sell.ID, sell.Amount)
	}

	var price num.Decimal
	switch aggressorID {
	case buy.ID:
		price = sell.Price
	case sell.ID:
		price = buy.Price
	default:
		return Settlement{}, fmt.Errorf("aggressor %d is neither order %d nor %d", aggressorID, buy.ID, sell.ID)
	}

	amount := buy.Amount
	value := num.Mul(price, amount)
	commission := num.Mul(value, num.CommissionRate)
	reserved := num.Mul(buy.Price, amount)

	return Settlement{
		AggressorID:    aggressorID,
		Price:          price,
		Amount:         amount,
		Value:          value,
		Commission:     commission,
		SellerReceives: num.Sub(value, commission),
		BuyerRefund:    num.ClampZero(num.Sub(reserved, value)),
	}, nil
}

// Settle applies s to the buyer's and seller's account and holding in the
// traded symbol. buyerHolding may be a fresh zero row.
func Settle(s Settlement, buyer *models.Account, buyerHolding *models.Holding, seller *models.Account, sellerHolding *models.Holding) {
	buyerHolding.Amount = num.Add(buyerHolding.Amount, s.Amount)
	if s.BuyerRefund.IsPositive() {
		buyer.Balance = num.Add(buyer.Balance, s.BuyerRefund)
	}

	seller.Balance = num.Add(seller.Balance, s.SellerReceives)
	sellerHolding.LockedAmount = num.ClampZero(num.Sub(sellerHolding.LockedAmount, s.Amount))
	sellerHolding.Amount = num.ClampZero(num.Sub(sellerHolding.Amount, s.Amount))
}
