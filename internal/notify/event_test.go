package notify

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/matchbook/internal/models"
	"github.com/xtrntr/matchbook/internal/num"
)

func sampleOrder(id, userID int64, side models.Side) models.Order {
	return models.Order{
		ID:        id,
		UserID:    userID,
		Symbol:    "BTC",
		Side:      side,
		Price:     num.MustFromString("50000"),
		Amount:    num.MustFromString("1"),
		Status:    models.StatusOpen,
		CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestChannels(t *testing.T) {
	buy := sampleOrder(1, 10, models.SideBuy)
	sell := sampleOrder(2, 20, models.SideSell)
	trade := models.Trade{ID: 3, BuyOrderID: 1, SellOrderID: 2, BuyerID: 10, SellerID: 20, Symbol: "BTC"}

	tests := []struct {
		name     string
		event    Event
		expected []string
		eventKey string
	}{
		{
			name:     "OrderPlaced",
			event:    OrderPlaced{Order: buy},
			expected: []string{"orderbook.BTC"},
			eventKey: "order.placed",
		},
		{
			name:     "OrderCancelled",
			event:    OrderCancelled{Order: sell},
			expected: []string{"orderbook.BTC"},
			eventKey: "order.cancelled",
		},
		{
			name:     "OrderMatched",
			event:    OrderMatched{Trade: trade, BuyOrder: buy, SellOrder: sell},
			expected: []string{"private-user.10", "private-user.20", "orderbook.BTC"},
			eventKey: "order.matched",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.event.Channels())
			assert.Equal(t, tt.eventKey, tt.event.Name())
		})
	}
}

func TestParseUserChannel(t *testing.T) {
	tests := []struct {
		channel string
		id      int64
		ok      bool
	}{
		{channel: "private-user.42", id: 42, ok: true},
		{channel: UserChannel(7), id: 7, ok: true},
		{channel: "private-user.", ok: false},
		{channel: "private-user.abc", ok: false},
		{channel: "orderbook.BTC", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.channel, func(t *testing.T) {
			id, ok := ParseUserChannel(tt.channel)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.id, id)
		})
	}
}

func TestEnvelopes(t *testing.T) {
	buy := sampleOrder(1, 10, models.SideBuy)
	sell := sampleOrder(2, 20, models.SideSell)
	e := OrderMatched{
		Trade:     models.Trade{ID: 3, BuyOrderID: 1, SellOrderID: 2, BuyerID: 10, SellerID: 20, Symbol: "BTC", Price: num.MustFromString("49000")},
		BuyOrder:  buy,
		SellOrder: sell,
		Buyer:     &models.Snapshot{UserID: 10, Balance: num.MustFromString("1000"), Assets: []models.AssetBalance{}},
		Seller:    &models.Snapshot{UserID: 20, Balance: num.MustFromString("48265"), Assets: []models.AssetBalance{}},
	}
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.FixedZone("X", 3600))

	envs, err := Envelopes(e, now)
	require.NoError(t, err)
	require.Len(t, envs, 3)

	ids := map[string]bool{}
	for i, env := range envs {
		assert.Equal(t, "order.matched", env.Event)
		assert.Equal(t, e.Channels()[i], env.Channel)
		assert.Equal(t, now.UTC(), env.SentAt)
		assert.JSONEq(t, string(envs[0].Data), string(env.Data))
		ids[env.ID] = true
	}
	assert.Len(t, ids, 3, "each envelope carries its own id")

	var payload struct {
		Trade struct {
			ID          string `json:"id"`
			BuyOrderID  string `json:"buy_order_id"`
			SellOrderID string `json:"sell_order_id"`
			Price       string `json:"price"`
		} `json:"trade"`
		Buyer struct {
			ID      int64  `json:"id"`
			Balance string `json:"balance"`
		} `json:"buyer"`
		Seller struct {
			Balance string `json:"balance"`
		} `json:"seller"`
	}
	require.NoError(t, json.Unmarshal(envs[0].Data, &payload))
	assert.Equal(t, "3", payload.Trade.ID)
	assert.Equal(t, "1", payload.Trade.BuyOrderID)
	assert.Equal(t, "49000", payload.Trade.Price)
	assert.Equal(t, int64(10), payload.Buyer.ID)
	assert.Equal(t, "48265", payload.Seller.Balance)
}
