package db

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/p2pexchange/internal/models"
)

// TestDSNEnv names the variable holding the connection string of a disposable test database
const TestDSNEnv = "EXCHANGE_TEST_DATABASE_URL"

var testDB *DB

func TestMain(m *testing.M) {
	dsn := os.Getenv(TestDSNEnv)
	if dsn == "" {
		// Postgres tests skip themselves
		os.Exit(m.Run())
	}

	ctx := context.Background()
	var err error
	testDB, err = NewDB(ctx, dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to connect to database: %v\n", err)
		os.Exit(1)
	}

	// Apply migration if not already applied
	if err := testDB.Migrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Unable to apply migration: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close(ctx)
	os.Exit(code)
}

func setup(t *testing.T) *DB {
	t.Helper()
	if testDB == nil {
		t.Skipf("%s not set", TestDSNEnv)
	}
	_, err := testDB.Pool.Exec(context.Background(), "TRUNCATE TABLE trades, orders, accounts, users RESTART IDENTITY")
	require.NoError(t, err)
	return testDB
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestDB_Users(t *testing.T) {
	db := setup(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		userID  string
		wantErr error
	}{
		{name: "Success", userID: "alice"},
		{name: "Duplicate", userID: "alice", wantErr: ErrDuplicate},
		{name: "Another", userID: "bob"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, err := db.CreateUser(ctx, tt.userID, "hash")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.userID, user.ID)
			assert.False(t, user.CreatedAt.IsZero())
		})
	}

	user, err := db.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "hash", user.PasswordHash)

	_, err = db.GetUser(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDB_AccountRoundTrip(t *testing.T) {
	db := setup(t)
	ctx := context.Background()

	err := db.InTx(ctx, func(tx Tx) error {
		acct, err := tx.Account(ctx, "alice")
		if err != nil {
			return err
		}
		assert.True(t, acct.Quote.IsZero())
		acct.Quote = d("100.123456789")
		acct.Asset = d("0.5")
		return tx.SaveAccount(ctx, acct)
	})
	require.NoError(t, err)

	var acct models.Account
	err = db.InTx(ctx, func(tx Tx) error {
		var err error
		acct, err = tx.Account(ctx, "alice")
		return err
	})
	require.NoError(t, err)
	// NUMERIC keeps every digit
	assert.Equal(t, "100.123456789", acct.Quote.String())
	assert.Equal(t, "0.5", acct.Asset.String())
}

func TestDB_RollbackOnError(t *testing.T) {
	db := setup(t)
	ctx := context.Background()

	err := db.InTx(ctx, func(tx Tx) error {
		acct, err := tx.Account(ctx, "alice")
		if err != nil {
			return err
		}
		acct.Quote = d("50")
		if err := tx.SaveAccount(ctx, acct); err != nil {
			return err
		}
		return fmt.Errorf("abort")
	})
	require.Error(t, err)

	holdings, err := db.Leaderboard(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, holdings)

	var count int
	require.NoError(t, db.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM accounts").Scan(&count))
	assert.Zero(t, count)
}

func TestDB_NegativeBalanceRejected(t *testing.T) {
	db := setup(t)
	ctx := context.Background()

	err := db.InTx(ctx, func(tx Tx) error {
		acct, err := tx.Account(ctx, "alice")
		if err != nil {
			return err
		}
		acct.Quote = d("-1")
		return tx.SaveAccount(ctx, acct)
	})
	assert.ErrorIs(t, err, ErrNegativeBalance)
}

func TestDB_Orders(t *testing.T) {
	db := setup(t)
	ctx := context.Background()

	insert := func(userID string, side models.Side, price string) models.Order {
		o := models.Order{
			UserID: userID, Side: side, Amount: d("10"), Price: d(price), Total: d("10").Mul(d(price)),
			Status: models.StatusActive,
		}
		require.NoError(t, db.InTx(ctx, func(tx Tx) error { return tx.InsertOrder(ctx, &o) }))
		return o
	}

	low := insert("alice", models.SideSell, "1.5")
	high := insert("bob", models.SideBuy, "3")
	mid := insert("alice", models.SideSell, "2")

	assert.Equal(t, int64(1), low.ID)
	assert.Equal(t, "15", low.Total.String())

	require.NoError(t, db.InTx(ctx, func(tx Tx) error {
		o, err := tx.Order(ctx, mid.ID)
		if err != nil {
			return err
		}
		o.Amount = d("4")
		return tx.SaveOrder(ctx, o)
	}))

	active, err := db.ActiveOrders(ctx)
	require.NoError(t, err)
	require.Len(t, active, 3)
	assert.Equal(t, []int64{high.ID, mid.ID, low.ID}, []int64{active[0].ID, active[1].ID, active[2].ID})
	assert.Equal(t, "4", active[1].Amount.String())

	require.NoError(t, db.InTx(ctx, func(tx Tx) error {
		o, err := tx.Order(ctx, low.ID)
		if err != nil {
			return err
		}
		o.Status = models.StatusCancelled
		return tx.SaveOrder(ctx, o)
	}))

	active, err = db.ActiveOrders(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	mine, err := db.UserOrders(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, mid.ID, mine[0].ID)
	assert.Equal(t, models.StatusCancelled, mine[1].Status)

	_, err = db.GetOrder(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDB_Trades(t *testing.T) {
	db := setup(t)
	ctx := context.Background()

	order := models.Order{UserID: "alice", Side: models.SideSell, Amount: d("10"), Price: d("2"), Total: d("20"), Status: models.StatusActive}
	require.NoError(t, db.InTx(ctx, func(tx Tx) error { return tx.InsertOrder(ctx, &order) }))

	for _, requester := range []string{"bob", "carol"} {
		trade := models.Trade{
			OrderID: order.ID, Side: models.SideSell,
			RequesterID: requester, CounterpartyID: "alice", BuyerID: requester, SellerID: "alice",
			Amount: d("1"), Price: d("2"), Total: d("2"), Commission: d("0.04"), CommissionCurrency: models.Quote,
		}
		require.NoError(t, db.InTx(ctx, func(tx Tx) error { return tx.InsertTrade(ctx, &trade) }))
		assert.NotZero(t, trade.ID)
		assert.False(t, trade.ExecutedAt.IsZero())
	}

	trades, err := db.OrderTrades(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "0.04", trades[0].Commission.String())
	assert.Equal(t, models.Quote, trades[0].CommissionCurrency)

	bobs, err := db.UserTrades(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, bobs, 1)

	alices, err := db.UserTrades(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, alices, 2)
}

func TestDB_Leaderboard(t *testing.T) {
	db := setup(t)
	ctx := context.Background()

	for user, asset := range map[string]string{"alice": "5", "bob": "5", "carol": "7", "dave": "0"} {
		asset := asset
		user := user
		require.NoError(t, db.InTx(ctx, func(tx Tx) error {
			acct, err := tx.Account(ctx, user)
			if err != nil {
				return err
			}
			acct.Asset = d(asset)
			return tx.SaveAccount(ctx, acct)
		}))
	}

	holdings, err := db.Leaderboard(ctx, 10)
	require.NoError(t, err)
	require.Len(t, holdings, 3)
	assert.Equal(t, []string{"carol", "alice", "bob"}, []string{holdings[0].UserID, holdings[1].UserID, holdings[2].UserID})

	holdings, err = db.Leaderboard(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, holdings, 2)
}

// Row locks serialize concurrent read-modify-write cycles on one account
func TestDB_ConcurrentAccountUpdates(t *testing.T) {
	db := setup(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := db.InTx(ctx, func(tx Tx) error {
				acct, err := tx.Account(ctx, "alice")
				if err != nil {
					return err
				}
				acct.Quote = acct.Quote.Add(d("1"))
				return tx.SaveAccount(ctx, acct)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var acct models.Account
	require.NoError(t, db.InTx(ctx, func(tx Tx) error {
		var err error
		acct, err = tx.Account(ctx, "alice")
		return err
	}))
	assert.Equal(t, "20", acct.Quote.String())
}
