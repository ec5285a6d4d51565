// Package main provides a CLI for settling pending round-ups outside the
// server: one entry, one user, or every user with pending entries.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/coffee-change/internal/adapter"
	"github.com/coffee-change/internal/config"
	"github.com/coffee-change/internal/logging"
	"github.com/coffee-change/internal/roundup"
	"github.com/coffee-change/internal/service"
	"github.com/coffee-change/internal/storage"
)

func main() {
	var (
		entry = flag.String("entry", "", "Ledger entry id to settle")
		user  = flag.String("user", "", "Settle every pending round-up of this wallet")
		all   = flag.Bool("all", false, "Settle every user with pending round-ups")
	)
	flag.Parse()

	if countSet(*entry != "", *user != "", *all) != 1 {
		fmt.Fprintln(os.Stderr, "usage: settle -entry <id> | -user <address> | -all")
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	broadcaster, err := adapter.NewStakingBroadcaster(cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize staking broadcaster")
	}

	rates, err := roundup.NewFixedRateProvider(cfg.Settlement.ConversionRate)
	if err != nil {
		logger.WithError(err).Fatal("Invalid ETH_USD_RATE")
	}

	ledgerRepo := storage.NewLedgerRepository(postgres)
	registry := service.NewRegistryService(storage.NewAddressRepository(postgres), nil)
	settlement := service.NewSettlementService(service.NewSettlementConfig(&cfg.Settlement),
		ledgerRepo, storage.NewSettlementRepository(postgres), registry, rates, broadcaster)

	var out interface{}
	switch {
	case *entry != "":
		out, err = settlement.Settle(ctx, *entry)
	case *user != "":
		out, err = settlement.SettleAllPending(ctx, *user)
	default:
		var users int
		users, err = settlement.SettleAllUsers(ctx)
		out = map[string]int{"users": users}
	}
	if err != nil {
		logger.WithError(err).Fatal("Settlement failed")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatalf("Failed to write result: %v", err)
	}
}

func countSet(flags ...bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}
