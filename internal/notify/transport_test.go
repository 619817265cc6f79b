package notify

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/matchbook/internal/logging"
	"github.com/xtrntr/matchbook/internal/models"
)

func TestRedisSink(t *testing.T) {
	addr := os.Getenv("MATCHBOOK_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := NewRedisClient(ctx, addr, "", 0)
	if err != nil {
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}
	sink := NewRedisSink(client, "matchbook:")
	defer sink.Close()

	sub := client.Subscribe(ctx, "matchbook:orderbook.BTC")
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	envs, err := Envelopes(OrderPlaced{Order: sampleOrder(1, 10, models.SideBuy)}, time.Now())
	require.NoError(t, err)
	require.NoError(t, sink.Send(ctx, envs[0]))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var got Envelope
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, envs[0].ID, got.ID)
}

func TestNATSSink(t *testing.T) {
	url := os.Getenv("MATCHBOOK_TEST_NATS_URL")
	if url == "" {
		url = nats.DefaultURL
	}
	sink, err := NewNATSSink(url, "matchbook.")
	if err != nil {
		t.Skipf("nats not reachable at %s: %v", url, err)
	}
	defer sink.Close()

	sub, err := sink.conn.SubscribeSync("matchbook.private-user.*")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	envs, err := Envelopes(OrderMatched{
		Trade:     models.Trade{ID: 1, BuyerID: 10, SellerID: 20, Symbol: "BTC"},
		BuyOrder:  sampleOrder(1, 10, models.SideBuy),
		SellOrder: sampleOrder(2, 20, models.SideSell),
	}, time.Now())
	require.NoError(t, err)
	for _, env := range envs {
		require.NoError(t, sink.Send(context.Background(), env))
	}

	for _, want := range envs[:2] {
		msg, err := sub.NextMsg(2 * time.Second)
		require.NoError(t, err)
		assert.Equal(t, "matchbook."+want.Channel, msg.Subject)
	}
}

func TestLogSink(t *testing.T) {
	sink := NewLogSink(logging.NewNop())
	assert.Equal(t, "log", sink.Name())
	assert.NoError(t, sink.Send(context.Background(), Envelope{ID: "x", Event: EventOrderPlaced}))
	assert.NoError(t, sink.Close())
}
