package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/matchbook/internal/models"
	"github.com/xtrntr/matchbook/internal/num"
)

var testDB *DB

func TestMain(m *testing.M) {
	if url := os.Getenv("MATCHBOOK_TEST_DATABASE_URL"); url != "" {
		pg, err := NewDB(context.Background(), url)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Unable to connect to database: %v\n", err)
			os.Exit(1)
		}
		if err := pg.Migrate(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "Unable to apply migration: %v\n", err)
			os.Exit(1)
		}
		testDB = pg
	}

	code := m.Run()
	if testDB != nil {
		testDB.Close(context.Background())
	}
	os.Exit(code)
}

// forEachStore runs fn against a fresh MemDB and, when configured, a freshly
// truncated PostgreSQL database.
func forEachStore(t *testing.T, lockTimeout time.Duration, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		mem := NewMemDB()
		mem.LockTimeout = lockTimeout
		fn(t, mem)
	})
	t.Run("postgres", func(t *testing.T) {
		if testDB == nil {
			t.Skip("MATCHBOOK_TEST_DATABASE_URL not set")
		}
		_, err := testDB.Pool.Exec(context.Background(), "TRUNCATE TABLE trades, orders, assets, users RESTART IDENTITY CASCADE")
		require.NoError(t, err)
		testDB.LockTimeout = lockTimeout
		fn(t, testDB)
	})
}

var baseTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func newOrder(id, userID int64, side models.Side, price, amount string, age int) models.Order {
	return models.Order{
		ID:        id,
		UserID:    userID,
		Symbol:    "BTC",
		Side:      side,
		Price:     num.MustFromString(price),
		Amount:    num.MustFromString(amount),
		Status:    models.StatusOpen,
		CreatedAt: baseTime.Add(time.Duration(age) * time.Second),
	}
}

func mustUser(t *testing.T, s Store, name, balance string) int64 {
	t.Helper()
	u, err := s.CreateUser(context.Background(), name, "hash", num.MustFromString(balance))
	require.NoError(t, err)
	return u.ID
}

func mustInsert(t *testing.T, s Store, orders ...models.Order) {
	t.Helper()
	err := s.InTx(context.Background(), func(tx Tx) error {
		for _, o := range orders {
			if err := tx.InsertOrder(context.Background(), o); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestStore_Users(t *testing.T) {
	forEachStore(t, time.Second, func(t *testing.T, s Store) {
		ctx := context.Background()
		alice := mustUser(t, s, "alice", "1000")

		_, err := s.CreateUser(ctx, "alice", "hash", num.Zero)
		assert.ErrorIs(t, err, ErrUserExists)

		u, err := s.GetUserByUsername(ctx, "ALICE")
		require.NoError(t, err)
		assert.Equal(t, alice, u.ID)
		assert.Equal(t, "hash", u.PasswordHash)

		_, err = s.GetUserByUsername(ctx, "nobody")
		assert.ErrorIs(t, err, ErrUserNotFound)

		snap, err := s.Snapshot(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, "1000", snap.Balance.String())
		assert.Empty(t, snap.Assets)

		_, err = s.Snapshot(ctx, 999)
		assert.ErrorIs(t, err, ErrUserNotFound)
	})
}

func TestStore_SetHolding(t *testing.T) {
	forEachStore(t, time.Second, func(t *testing.T, s Store) {
		ctx := context.Background()
		alice := mustUser(t, s, "alice", "0")

		require.NoError(t, s.SetHolding(ctx, models.Holding{
			UserID: alice, Symbol: "ETH",
			Amount: num.MustFromString("2.5"), LockedAmount: num.MustFromString("0.5"),
		}))
		require.NoError(t, s.SetHolding(ctx, models.Holding{
			UserID: alice, Symbol: "BTC",
			Amount: num.MustFromString("1"), LockedAmount: num.Zero,
		}))

		snap, err := s.Snapshot(ctx, alice)
		require.NoError(t, err)
		require.Len(t, snap.Assets, 2)
		assert.Equal(t, "BTC", snap.Assets[0].Symbol)
		assert.Equal(t, "ETH", snap.Assets[1].Symbol)
		assert.Equal(t, "2", snap.Assets[1].Available.String())

		err = s.SetHolding(ctx, models.Holding{UserID: 999, Symbol: "BTC", Amount: num.Zero, LockedAmount: num.Zero})
		assert.ErrorIs(t, err, ErrUserNotFound)
	})
}

func TestStore_InTxRollback(t *testing.T) {
	forEachStore(t, time.Second, func(t *testing.T, s Store) {
		ctx := context.Background()
		alice := mustUser(t, s, "alice", "1000")
		boom := errors.New("boom")

		err := s.InTx(ctx, func(tx Tx) error {
			accts, err := tx.LockAccounts(ctx, alice)
			if err != nil {
				return err
			}
			a := accts[alice]
			a.Balance = num.Zero
			if err := tx.UpdateAccount(ctx, *a); err != nil {
				return err
			}
			if err := tx.InsertOrder(ctx, newOrder(1, alice, models.SideBuy, "10", "1", 0)); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		snap, err := s.Snapshot(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, "1000", snap.Balance.String())

		_, err = s.GetOrder(ctx, 1)
		assert.ErrorIs(t, err, ErrOrderNotFound)
	})
}

func TestStore_InsertOrder(t *testing.T) {
	forEachStore(t, time.Second, func(t *testing.T, s Store) {
		ctx := context.Background()
		alice := mustUser(t, s, "alice", "1000")
		mustInsert(t, s, newOrder(1, alice, models.SideSell, "50000", "0.1", 0))

		tests := []struct {
			name      string
			order     models.Order
			expectErr error
		}{
			{
				name:      "DuplicateID",
				order:     newOrder(1, alice, models.SideSell, "50000", "0.1", 1),
				expectErr: ErrDuplicateID,
			},
			{
				name:      "NonExistentUser",
				order:     newOrder(2, 999, models.SideSell, "50000", "0.1", 1),
				expectErr: ErrUserNotFound,
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				err := s.InTx(ctx, func(tx Tx) error {
					return tx.InsertOrder(ctx, tt.order)
				})
				assert.ErrorIs(t, err, tt.expectErr)
			})
		}

		o, err := s.GetOrder(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, models.SideSell, o.Side)
		assert.True(t, o.Price.Equal(num.MustFromString("50000")))
		assert.True(t, o.Amount.Equal(num.MustFromString("0.1")))
		assert.Equal(t, models.StatusOpen, o.Status)
		assert.True(t, o.CreatedAt.Equal(baseTime))
	})
}

func TestStore_OrderQueries(t *testing.T) {
	forEachStore(t, time.Second, func(t *testing.T, s Store) {
		ctx := context.Background()
		alice := mustUser(t, s, "alice", "1000")
		bob := mustUser(t, s, "bob", "1000")

		filled := newOrder(3, alice, models.SideBuy, "49000", "0", 2)
		filled.Status = models.StatusFilled
		cancelled := newOrder(4, alice, models.SideSell, "48000", "0.3", 3)
		cancelled.Status = models.StatusCancelled
		eth := newOrder(5, bob, models.SideBuy, "3000", "1", 4)
		eth.Symbol = "ETH"
		mustInsert(t, s,
			newOrder(1, alice, models.SideSell, "50000", "0.1", 0),
			newOrder(2, bob, models.SideBuy, "51000", "0.05", 1),
			filled,
			cancelled,
			eth,
			newOrder(6, bob, models.SideBuy, "50000", "0.2", 5),
		)

		tests := []struct {
			name     string
			query    func() ([]models.Order, error)
			expected []int64
		}{
			{
				name:     "OpenOrdersOldestFirst",
				query:    func() ([]models.Order, error) { return s.OpenOrders(ctx) },
				expected: []int64{1, 2, 5, 6},
			},
			{
				name:     "ListOpenOrdersBySymbol",
				query:    func() ([]models.Order, error) { return s.ListOpenOrders(ctx, "BTC") },
				expected: []int64{2, 1, 6},
			},
			{
				name:     "ListOpenOrdersAllSymbols",
				query:    func() ([]models.Order, error) { return s.ListOpenOrders(ctx, "") },
				expected: []int64{2, 1, 6, 5},
			},
			{
				name:     "UserWithOrders",
				query:    func() ([]models.Order, error) { return s.UserOrders(ctx, alice) },
				expected: []int64{4, 3, 1},
			},
			{
				name:     "UserWithNoOrders",
				query:    func() ([]models.Order, error) { return s.UserOrders(ctx, 999) },
				expected: nil,
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				orders, err := tt.query()
				require.NoError(t, err)
				var ids []int64
				for _, o := range orders {
					ids = append(ids, o.ID)
				}
				assert.Equal(t, tt.expected, ids)
			})
		}
	})
}

func TestStore_FindCounterparty(t *testing.T) {
	forEachStore(t, time.Second, func(t *testing.T, s Store) {
		ctx := context.Background()
		alice := mustUser(t, s, "alice", "0")
		bob := mustUser(t, s, "bob", "0")
		carol := mustUser(t, s, "carol", "0")

		mustInsert(t, s,
			newOrder(10, bob, models.SideSell, "50000", "1", 0),
			newOrder(11, carol, models.SideSell, "49000", "1", 2),
			newOrder(12, bob, models.SideSell, "49000", "1", 1),
			newOrder(13, alice, models.SideSell, "48000", "1", 0),
			newOrder(14, carol, models.SideSell, "47000", "2", 0),
			newOrder(15, carol, models.SideSell, "51000", "1", 0),
		)

		tests := []struct {
			name      string
			aggressor models.Order
			expected  int64
		}{
			{
				name:      "OwnOrdersSkippedThenBestPriceOldest",
				aggressor: newOrder(1, alice, models.SideBuy, "50000", "1", 5),
				expected:  12,
			},
			{
				name:      "NoCrossingPrice",
				aggressor: newOrder(2, carol, models.SideBuy, "46000", "1", 5),
				expected:  0,
			},
			{
				name:      "DifferentAmountIgnored",
				aggressor: newOrder(3, bob, models.SideBuy, "47000", "1", 5),
				expected:  0,
			},
			{
				name:      "LowestAskWins",
				aggressor: newOrder(4, carol, models.SideBuy, "50000", "1", 5),
				expected:  13,
			},
			{
				name:      "NoBidsForSellAggressor",
				aggressor: newOrder(5, alice, models.SideSell, "45000", "1", 5),
				expected:  0,
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				var found *models.Order
				err := s.InTx(ctx, func(tx Tx) error {
					var err error
					found, err = tx.FindCounterparty(ctx, &tt.aggressor)
					return err
				})
				require.NoError(t, err)
				if tt.expected == 0 {
					assert.Nil(t, found)
					return
				}
				require.NotNil(t, found)
				assert.Equal(t, tt.expected, found.ID)
			})
		}
	})
}

func TestStore_FindCounterpartySkipsLockedRows(t *testing.T) {
	forEachStore(t, 2*time.Second, func(t *testing.T, s Store) {
		ctx := context.Background()
		alice := mustUser(t, s, "alice", "0")
		bob := mustUser(t, s, "bob", "0")
		mustInsert(t, s,
			newOrder(10, bob, models.SideSell, "49000", "1", 0),
			newOrder(11, bob, models.SideSell, "50000", "1", 1),
		)

		locked := make(chan struct{})
		done := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.InTx(ctx, func(tx Tx) error {
				if _, err := tx.LockOrder(ctx, 10); err != nil {
					return err
				}
				close(locked)
				<-done
				return nil
			})
		}()
		<-locked

		aggressor := newOrder(1, alice, models.SideBuy, "50000", "1", 5)
		var found *models.Order
		err := s.InTx(ctx, func(tx Tx) error {
			var err error
			found, err = tx.FindCounterparty(ctx, &aggressor)
			return err
		})
		close(done)
		wg.Wait()

		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, int64(11), found.ID)
	})
}

func TestStore_LockTimeout(t *testing.T) {
	forEachStore(t, 100*time.Millisecond, func(t *testing.T, s Store) {
		ctx := context.Background()
		bob := mustUser(t, s, "bob", "0")
		mustInsert(t, s, newOrder(10, bob, models.SideSell, "49000", "1", 0))

		locked := make(chan struct{})
		done := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.InTx(ctx, func(tx Tx) error {
				if _, err := tx.LockOrder(ctx, 10); err != nil {
					return err
				}
				close(locked)
				<-done
				return nil
			})
		}()
		<-locked

		err := s.InTx(ctx, func(tx Tx) error {
			_, err := tx.LockOrder(ctx, 10)
			return err
		})
		close(done)
		wg.Wait()

		assert.ErrorIs(t, err, ErrLockTimeout)
	})
}

func TestStore_CancelOrder_Concurrent(t *testing.T) {
	forEachStore(t, 5*time.Second, func(t *testing.T, s Store) {
		ctx := context.Background()
		alice := mustUser(t, s, "alice", "0")
		mustInsert(t, s, newOrder(1, alice, models.SideSell, "50000", "0.1", 0))

		var wg sync.WaitGroup
		n := 10
		wg.Add(n)
		successCount := 0
		mu := sync.Mutex{}

		for i := 0; i < n; i++ {
			go func() {
				defer wg.Done()
				err := s.InTx(ctx, func(tx Tx) error {
					o, err := tx.LockOrder(ctx, 1)
					if err != nil {
						return err
					}
					if err := o.Cancel(); err != nil {
						return err
					}
					return tx.UpdateOrder(ctx, *o)
				})
				if err == nil {
					mu.Lock()
					successCount++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, successCount, "expected exactly 1 successful cancellation")

		o, err := s.GetOrder(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelled, o.Status)
	})
}

// A placement holding (U, BTC) inserts an order referencing U while a
// settlement holds U's account and waits for (U, BTC). The insert must not
// wait for the account lock.
func TestStore_InsertOrderWhileAccountLocked(t *testing.T) {
	forEachStore(t, 5*time.Second, func(t *testing.T, s Store) {
		ctx := context.Background()
		alice := mustUser(t, s, "alice", "100")
		key := HoldingKey{UserID: alice, Symbol: "BTC"}
		require.NoError(t, s.SetHolding(ctx, models.Holding{
			UserID:       alice,
			Symbol:       "BTC",
			Amount:       num.MustFromString("2"),
			LockedAmount: num.Zero,
		}))

		holdingHeld := make(chan struct{})
		accountHeld := make(chan struct{})
		var wg sync.WaitGroup
		var placeErr, settleErr error
		wg.Add(2)

		go func() {
			defer wg.Done()
			placeErr = s.InTx(ctx, func(tx Tx) error {
				holdings, err := tx.LockHoldings(ctx, key)
				if err != nil {
					return err
				}
				close(holdingHeld)
				<-accountHeld

				h := holdings[key]
				h.LockedAmount = num.MustFromString("1")
				if err := tx.UpdateHolding(ctx, *h); err != nil {
					return err
				}
				return tx.InsertOrder(ctx, newOrder(1, alice, models.SideSell, "10", "1", 0))
			})
		}()

		go func() {
			defer wg.Done()
			<-holdingHeld
			settleErr = s.InTx(ctx, func(tx Tx) error {
				accts, err := tx.LockAccounts(ctx, alice)
				if err != nil {
					return err
				}
				close(accountHeld)
				if _, err := tx.LockHoldings(ctx, key); err != nil {
					return err
				}
				a := accts[alice]
				a.Balance = num.MustFromString("90")
				return tx.UpdateAccount(ctx, *a)
			})
		}()
		wg.Wait()

		require.NoError(t, placeErr)
		require.NoError(t, settleErr)

		o, err := s.GetOrder(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, models.StatusOpen, o.Status)
		snap, err := s.Snapshot(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, "90", snap.Balance.String())
		require.Len(t, snap.Assets, 1)
		assert.Equal(t, "1", snap.Assets[0].LockedAmount.String())
	})
}

func TestStore_Trades(t *testing.T) {
	forEachStore(t, time.Second, func(t *testing.T, s Store) {
		ctx := context.Background()
		alice := mustUser(t, s, "alice", "0")
		bob := mustUser(t, s, "bob", "0")
		carol := mustUser(t, s, "carol", "0")

		buy := newOrder(1, alice, models.SideBuy, "50000", "0", 0)
		buy.Status = models.StatusFilled
		sell := newOrder(2, bob, models.SideSell, "49000", "0", 1)
		sell.Status = models.StatusFilled
		mustInsert(t, s, buy, sell)

		trade := models.Trade{
			ID:          100,
			BuyOrderID:  1,
			SellOrderID: 2,
			BuyerID:     alice,
			SellerID:    bob,
			Symbol:      "BTC",
			Price:       num.MustFromString("49000"),
			Amount:      num.MustFromString("1"),
			Commission:  num.MustFromString("735"),
			CreatedAt:   baseTime.Add(time.Minute),
		}
		require.NoError(t, s.InTx(ctx, func(tx Tx) error { return tx.InsertTrade(ctx, trade) }))

		err := s.InTx(ctx, func(tx Tx) error { return tx.InsertTrade(ctx, trade) })
		assert.ErrorIs(t, err, ErrDuplicateID)

		got, err := s.GetTrade(ctx, 100)
		require.NoError(t, err)
		assert.True(t, got.Commission.Equal(trade.Commission))
		assert.Equal(t, alice, got.BuyerID)

		_, err = s.GetTrade(ctx, 999)
		assert.ErrorIs(t, err, ErrTradeNotFound)

		for _, id := range []int64{alice, bob} {
			trades, err := s.UserTrades(ctx, id)
			require.NoError(t, err)
			assert.Len(t, trades, 1)
		}
		trades, err := s.UserTrades(ctx, carol)
		require.NoError(t, err)
		assert.Empty(t, trades)
	})
}

func TestStore_LockHoldingsCreatesEmptyRows(t *testing.T) {
	forEachStore(t, time.Second, func(t *testing.T, s Store) {
		ctx := context.Background()
		alice := mustUser(t, s, "alice", "0")
		key := HoldingKey{UserID: alice, Symbol: "DOGE"}

		err := s.InTx(ctx, func(tx Tx) error {
			hs, err := tx.LockHoldings(ctx, key, key)
			if err != nil {
				return err
			}
			require.Len(t, hs, 1)
			assert.True(t, hs[key].Amount.IsZero())
			assert.True(t, hs[key].LockedAmount.IsZero())
			return nil
		})
		require.NoError(t, err)
	})
}

func TestMemDB_UpdateRequiresLock(t *testing.T) {
	ctx := context.Background()
	mem := NewMemDB()
	alice := mustUser(t, mem, "alice", "10")
	mustInsert(t, mem, newOrder(1, alice, models.SideBuy, "10", "1", 0))

	err := mem.InTx(ctx, func(tx Tx) error {
		return tx.UpdateAccount(ctx, models.Account{UserID: alice, Balance: num.Zero})
	})
	assert.Error(t, err)

	err = mem.InTx(ctx, func(tx Tx) error {
		return tx.UpdateHolding(ctx, models.Holding{UserID: alice, Symbol: "BTC"})
	})
	assert.Error(t, err)

	err = mem.InTx(ctx, func(tx Tx) error {
		o := newOrder(1, alice, models.SideBuy, "10", "1", 0)
		o.Status = models.StatusCancelled
		return tx.UpdateOrder(ctx, o)
	})
	assert.Error(t, err)
}

func TestSortedKeys(t *testing.T) {
	assert.Equal(t, []int64{1, 3, 7}, sortedUserIDs([]int64{7, 1, 3, 7, 1}))
	assert.Equal(t,
		[]HoldingKey{{1, "BTC"}, {1, "ETH"}, {2, "AAA"}},
		sortedHoldingKeys([]HoldingKey{{2, "AAA"}, {1, "ETH"}, {1, "BTC"}, {1, "ETH"}}),
	)
}
