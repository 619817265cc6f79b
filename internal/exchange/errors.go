package exchange

import (
	"errors"

	"github.com/xtrntr/matchbook/internal/db"
	"github.com/xtrntr/matchbook/internal/ledger"
)

var (
	ErrInvalidOrder = errors.New("invalid order")
	ErrOrderNotOpen = errors.New("order is not open")
	ErrUnauthorized = errors.New("unauthorized")

	ErrInsufficientBalance = ledger.ErrInsufficientBalance
	ErrInsufficientAsset   = ledger.ErrInsufficientAsset
	ErrOrderNotFound       = db.ErrOrderNotFound
	ErrTradeNotFound       = db.ErrTradeNotFound
	ErrLockTimeout         = db.ErrLockTimeout
)
