package api

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xtrntr/matchbook/internal/exchange"
	"github.com/xtrntr/matchbook/internal/logging"
	"github.com/xtrntr/matchbook/internal/notify"
)

func broadcastBook(ctx context.Context, ex *exchange.Exchange, hub *notify.WSHub, log *logging.Logger, symbol string) {
	book, err := ex.GetOrderBook(ctx, symbol)
	if err != nil {
		log.Warn("failed to load order book", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	if err := hub.Broadcast(ctx, notify.EventOrderBook, notify.OrderbookChannel(book.Symbol), book); err != nil {
		log.Warn("failed to broadcast order book", zap.String("symbol", symbol), zap.Error(err))
	}
}

// BroadcastOrderBooks pushes the current book to every order book channel
// with a subscriber
func BroadcastOrderBooks(ctx context.Context, ex *exchange.Exchange, hub *notify.WSHub, log *logging.Logger) {
	for _, ch := range hub.Channels() {
		if symbol, ok := strings.CutPrefix(ch, "orderbook."); ok {
			broadcastBook(ctx, ex, hub, log, symbol)
		}
	}
}

// RunBroadcaster calls BroadcastOrderBooks every interval until ctx is done
func RunBroadcaster(ctx context.Context, ex *exchange.Exchange, hub *notify.WSHub, log *logging.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			BroadcastOrderBooks(ctx, ex, hub, log)
		}
	}
}
