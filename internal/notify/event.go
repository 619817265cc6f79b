package notify

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xtrntr/matchbook/internal/models"
)

const (
	EventOrderPlaced    = "order.placed"
	EventOrderCancelled = "order.cancelled"
	EventOrderMatched   = "order.matched"
	EventOrderBook      = "orderbook.snapshot"
)

const userChannelPrefix = "private-user."

// Event is a state change announced to subscribers after it committed
type Event interface {
	Name() string
	// Channels lists every channel the event is delivered on
	Channels() []string
}

// OrderbookChannel is the public channel of one symbol
func OrderbookChannel(symbol string) string {
	return "orderbook." + symbol
}

// UserChannel is the private channel of one user
func UserChannel(userID int64) string {
	return userChannelPrefix + strconv.FormatInt(userID, 10)
}

// ParseUserChannel extracts the user id of a private channel
func ParseUserChannel(channel string) (int64, bool) {
	rest, ok := strings.CutPrefix(channel, userChannelPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

type OrderPlaced struct {
	Order models.Order `json:"order"`
}

func (e OrderPlaced) Name() string { return EventOrderPlaced }

func (e OrderPlaced) Channels() []string {
	return []string{OrderbookChannel(e.Order.Symbol)}
}

type OrderCancelled struct {
	Order models.Order `json:"order"`
}

func (e OrderCancelled) Name() string { return EventOrderCancelled }

func (e OrderCancelled) Channels() []string {
	return []string{OrderbookChannel(e.Order.Symbol)}
}

// OrderMatched carries the trade, both filled orders and the post-trade
// balances of both parties
type OrderMatched struct {
	Trade     models.Trade     `json:"trade"`
	BuyOrder  models.Order     `json:"buy_order"`
	SellOrder models.Order     `json:"sell_order"`
	Buyer     *models.Snapshot `json:"buyer"`
	Seller    *models.Snapshot `json:"seller"`
}

func (e OrderMatched) Name() string { return EventOrderMatched }

func (e OrderMatched) Channels() []string {
	return []string{
		UserChannel(e.Trade.BuyerID),
		UserChannel(e.Trade.SellerID),
		OrderbookChannel(e.Trade.Symbol),
	}
}

// Envelope is the wire form of one event on one channel
type Envelope struct {
	ID      string          `json:"id"`
	Event   string          `json:"event"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
	SentAt  time.Time       `json:"sent_at"`
}

// NewEnvelope wraps an arbitrary payload for one channel
func NewEnvelope(event, channel string, payload any, now time.Time) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode %s: %w", event, err)
	}
	return Envelope{
		ID:      uuid.NewString(),
		Event:   event,
		Channel: channel,
		Data:    data,
		SentAt:  now.UTC(),
	}, nil
}

// Envelopes expands an event into one envelope per channel
func Envelopes(e Event, now time.Time) ([]Envelope, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", e.Name(), err)
	}
	channels := e.Channels()
	out := make([]Envelope, 0, len(channels))
	for _, ch := range channels {
		out = append(out, Envelope{
			ID:      uuid.NewString(),
			Event:   e.Name(),
			Channel: ch,
			Data:    data,
			SentAt:  now.UTC(),
		})
	}
	return out, nil
}
