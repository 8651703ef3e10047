package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"crashcore/internal/balance"
	"crashcore/internal/cache"
	"crashcore/internal/config"
	"crashcore/internal/database"
	"crashcore/internal/eventbus"
	"crashcore/internal/indexer"
	"crashcore/internal/ledger"
	"crashcore/internal/round"
	"crashcore/internal/server"
	"crashcore/internal/solvency"
)

func main() {
	cfg := config.Load()

	db := database.New()
	cacheSvc := cache.New()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbURL := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable&search_path=%s",
		cfg.DBUsername, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBDatabase, cfg.DBSchema)

	store, err := ledger.NewPostgresStore(ctx, dbURL)
	if err != nil {
		log.Fatalf("[SERVER] failed to open ledger store: %v", err)
	}
	defer store.Close()

	balanceEngine := balance.New(store)
	bus := eventbus.New(cfg.RingBufferSize)
	scheduler := round.New(cfg, store, balanceEngine, bus)

	var watchdog *solvency.Watchdog
	var ix *indexer.Indexer

	if cfg.ChainRPCURL != "" && cfg.HotWalletAddress != "" {
		client, err := indexer.Dial(ctx, cfg.ChainRPCURL)
		if err != nil {
			log.Printf("[SERVER] chain dial failed, running without an indexer: %v", err)
		} else {
			hotWallet, err := indexer.ParseHotWallet(cfg.HotWalletAddress)
			if err != nil {
				log.Printf("[SERVER] invalid hot wallet address, running without an indexer: %v", err)
			} else {
				ix = indexer.New(client, store, balanceEngine, hotWallet, cfg.Confirmations, cfg.ReorgBuffer, cfg.PollingInterval)
				balanceReader := indexer.NewHotWalletBalanceReader(client, hotWallet)
				watchdog = solvency.New(store, balanceReader, scheduler, cfg.SolvencyInterval, cfg.LiabilityKillRatio)
			}
		}
	}
	if watchdog == nil {
		// No chain configured: still run the drift leg of the watchdog
		// against the ledger, with the liability-ratio leg disabled.
		watchdog = solvency.New(store, nil, scheduler, cfg.SolvencyInterval, cfg.LiabilityKillRatio)
	}

	fiberServer := server.New(cfg, db, cacheSvc, store, balanceEngine, scheduler, bus, watchdog)
	adminWS := server.NewAdminWSServer(cfg, fiberServer, bus)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()

	if ix != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ix.Run(ctx)
		}()
		defer ix.Stop()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		watchdog.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := adminWS.ListenAndServe(ctx); err != nil {
			log.Printf("[ADMIN-WS] stopped: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		log.Println("[SERVER] shutdown signal received, stopping the scheduler")
		scheduler.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.TSettle+5*time.Second)
		defer cancel()
		if err := fiberServer.ShutdownWithContext(shutdownCtx); err != nil {
			log.Printf("[SERVER] fiber shutdown error: %v", err)
		}
	}()

	log.Printf("[SERVER] listening on %s (admin on %s)", cfg.ListenAddr, cfg.AdminListenAddr)
	if err := fiberServer.Listen(cfg.ListenAddr); err != nil {
		log.Printf("[SERVER] fiber listener stopped: %v", err)
	}

	stop()
	wg.Wait()
	os.Exit(0)
}
