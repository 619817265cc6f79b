package exchange

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xtrntr/matchbook/internal/db"
	"github.com/xtrntr/matchbook/internal/models"
	"github.com/xtrntr/matchbook/internal/notify"
	"github.com/xtrntr/matchbook/internal/num"
)

// recorder is a Publisher keeping every event
type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Publish(e notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.Name())
	}
	return out
}

func (r *recorder) matched() []notify.OrderMatched {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.OrderMatched
	for _, e := range r.events {
		if m, ok := e.(notify.OrderMatched); ok {
			out = append(out, m)
		}
	}
	return out
}

// stepClock hands out strictly increasing timestamps
func stepClock() func() time.Time {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var n atomic.Int64
	return func() time.Time {
		return base.Add(time.Duration(n.Add(1)) * time.Millisecond)
	}
}

type fixture struct {
	t      require.TestingT
	ctx    context.Context
	store  db.Store
	ex     *Exchange
	events *recorder
}

func newFixture(t require.TestingT, store db.Store, opts ...Option) *fixture {
	events := &recorder{}
	opts = append([]Option{WithPublisher(events), WithClock(stepClock()), WithMatchOnPlace(false)}, opts...)
	return &fixture{
		t:      t,
		ctx:    context.Background(),
		store:  store,
		ex:     NewExchange(store, opts...),
		events: events,
	}
}

func newMemFixture(t require.TestingT, opts ...Option) *fixture {
	mem := db.NewMemDB()
	mem.LockTimeout = 5 * time.Second
	return newFixture(t, mem, opts...)
}

// forEachStore runs fn on a MemDB and, when MATCHBOOK_TEST_DATABASE_URL is
// set, on a freshly truncated PostgreSQL database
func forEachStore(t *testing.T, fn func(t *testing.T, f *fixture), opts ...Option) {
	t.Run("memory", func(t *testing.T) {
		fn(t, newMemFixture(t, opts...))
	})
	t.Run("postgres", func(t *testing.T) {
		url := os.Getenv("MATCHBOOK_TEST_DATABASE_URL")
		if url == "" {
			t.Skip("MATCHBOOK_TEST_DATABASE_URL not set")
		}
		ctx := context.Background()
		pg, err := db.NewDB(ctx, url)
		require.NoError(t, err)
		t.Cleanup(func() { pg.Close(ctx) })
		pg.LockTimeout = 5 * time.Second
		require.NoError(t, pg.Migrate(ctx))
		_, err = pg.Pool.Exec(ctx, "TRUNCATE TABLE trades, orders, assets, users RESTART IDENTITY CASCADE")
		require.NoError(t, err)
		fn(t, newFixture(t, pg, opts...))
	})
}

func dec(s string) num.Decimal {
	return num.MustFromString(s)
}

// user creates a trader with a balance and holdings given as symbol, amount
// pairs
func (f *fixture) user(name, balance string, holdings ...string) int64 {
	u, err := f.store.CreateUser(f.ctx, name, "hash", dec(balance))
	require.NoError(f.t, err)
	for i := 0; i+1 < len(holdings); i += 2 {
		require.NoError(f.t, f.store.SetHolding(f.ctx, models.Holding{
			UserID:       u.ID,
			Symbol:       holdings[i],
			Amount:       dec(holdings[i+1]),
			LockedAmount: num.Zero,
		}))
	}
	return u.ID
}

func (f *fixture) place(userID int64, side models.Side, symbol, price, amount string) *models.Order {
	o, err := f.ex.PlaceOrder(f.ctx, PlaceOrderRequest{
		UserID: userID,
		Symbol: symbol,
		Side:   side,
		Price:  dec(price),
		Amount: dec(amount),
	})
	require.NoError(f.t, err)
	return o
}

func (f *fixture) snapshot(userID int64) *models.Snapshot {
	s, err := f.store.Snapshot(f.ctx, userID)
	require.NoError(f.t, err)
	return s
}

func (f *fixture) balance(userID int64) string {
	return f.snapshot(userID).Balance.String()
}

// holding returns amount and locked amount of one asset, zero when missing
func (f *fixture) holding(userID int64, symbol string) (string, string) {
	for _, a := range f.snapshot(userID).Assets {
		if a.Symbol == symbol {
			return a.Amount.String(), a.LockedAmount.String()
		}
	}
	return "0", "0"
}

func (f *fixture) order(id int64) *models.Order {
	o, err := f.store.GetOrder(f.ctx, id)
	require.NoError(f.t, err)
	return o
}
