package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xtrntr/matchbook/internal/auth"
	"github.com/xtrntr/matchbook/internal/config"
	"github.com/xtrntr/matchbook/internal/db"
	"github.com/xtrntr/matchbook/internal/logging"
	"github.com/xtrntr/matchbook/internal/models"
	"github.com/xtrntr/matchbook/internal/num"
)

type seedHolding struct {
	symbol, amount, locked string
}

type seedUser struct {
	username, password, balance string
	holdings                    []seedHolding
}

var seedUsers = []seedUser{
	{
		username: "test@example.com",
		password: "password",
		balance:  "1000",
		holdings: []seedHolding{
			{"BTC", "0.5", "0.1"},
			{"ETH", "2.5", "0.5"},
			{"USDT", "5000", "1000"},
			{"BNB", "10", "2"},
		},
	},
	{
		username: "trader@example.com",
		password: "password",
		balance:  "100000",
		holdings: []seedHolding{
			{"BTC", "2", "0"},
			{"ETH", "20", "0"},
		},
	},
}

// Seed the database with demo traders
func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:          "seed",
		Short:        "Create the demo traders and their holdings",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer log.AtExit()

	if cfg.Database.Driver == "memory" {
		return errors.New("seeding needs database.driver postgres")
	}
	database, err := db.NewDB(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close(ctx)

	if err := database.Migrate(ctx); err != nil {
		return err
	}
	return seed(ctx, database, log)
}

// seed creates every missing demo user and any missing demo holding.
// Existing rows are left untouched so running it twice changes nothing, and a
// run that failed half way is completed by the next one.
func seed(ctx context.Context, store db.Store, log *logging.Logger) error {
	for _, su := range seedUsers {
		user, err := store.GetUserByUsername(ctx, su.username)
		switch {
		case err == nil:
			log.Info("user already seeded", zap.String("username", su.username))
		case errors.Is(err, db.ErrUserNotFound):
			hashed, err := auth.HashPassword(su.password)
			if err != nil {
				return err
			}
			user, err = store.CreateUser(ctx, su.username, hashed, num.MustFromString(su.balance))
			if err != nil {
				return err
			}
			log.Info("user seeded", zap.String("username", su.username), zap.Int64("user_id", user.ID))
		default:
			return err
		}

		if err := seedHoldings(ctx, store, user.ID, su); err != nil {
			return err
		}
	}
	return nil
}

func seedHoldings(ctx context.Context, store db.Store, userID int64, su seedUser) error {
	snap, err := store.Snapshot(ctx, userID)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(snap.Assets))
	for _, a := range snap.Assets {
		have[a.Symbol] = true
	}
	for _, h := range su.holdings {
		if have[h.symbol] {
			continue
		}
		err := store.SetHolding(ctx, models.Holding{
			UserID:       userID,
			Symbol:       h.symbol,
			Amount:       num.MustFromString(h.amount),
			LockedAmount: num.MustFromString(h.locked),
		})
		if err != nil {
			return fmt.Errorf("failed to seed %s for %s: %w", h.symbol, su.username, err)
		}
	}
	return nil
}
