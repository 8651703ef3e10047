// Package server implements the C10 transport of spec.md §6: a player-
// facing Fiber app (REST + fasthttp/websocket via gofiber/contrib) and a
// separate gorilla/websocket admin channel, wired to the round
// scheduler, event bus, ledger and balance engine built by the rest of
// this module. Grounded on the teacher's internal/server/server.go
// FiberServer shape, generalized to hold the new dependencies instead
// of the teacher's gameManager/gameHub/gameFactory.
package server

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"crashcore/internal/balance"
	"crashcore/internal/cache"
	"crashcore/internal/config"
	"crashcore/internal/database"
	"crashcore/internal/eventbus"
	"crashcore/internal/fairness"
	"crashcore/internal/ledger"
	"crashcore/internal/round"
	"crashcore/internal/solvency"
)

// FiberServer is the player-facing HTTP/WS app plus every dependency
// its handlers need. db is exported-shaped like the teacher's; the
// rest are package-private, same convention.
type FiberServer struct {
	*fiber.App

	cfg            *config.Config
	db             database.Service
	cache          cache.Service
	store          ledger.Store
	balance        *balance.Engine
	scheduler      *round.Scheduler
	bus            *eventbus.Bus
	watchdog       *solvency.Watchdog
	fairnessParams fairness.Params
	startedAt      time.Time

	// indexerLag is set through SetIndexerLagFunc; while it is nil the
	// health handler omits indexer_lag_blocks rather than reporting zero
	// (which would read as "perfectly caught up").
	indexerLag func() (blocksBehind int64, ok bool)
}

// New constructs the player-facing app and registers every route.
// cacheSvc may be nil (internal/cache.New returns nil when Redis is
// unreachable); internal/database.New exits the process on failure
// rather than returning nil.
func New(cfg *config.Config, db database.Service, cacheSvc cache.Service, store ledger.Store, balanceEngine *balance.Engine, sched *round.Scheduler, bus *eventbus.Bus, watchdog *solvency.Watchdog) *FiberServer {
	app := fiber.New(fiber.Config{
		ServerHeader: "crashcore",
		AppName:      "crashcore",
	})

	s := &FiberServer{
		App:       app,
		cfg:       cfg,
		db:        db,
		cache:     cacheSvc,
		store:     store,
		balance:   balanceEngine,
		scheduler: sched,
		bus:       bus,
		watchdog:  watchdog,
		fairnessParams: fairness.Params{
			HouseEdge:           cfg.HouseEdge,
			InstantCrashDivisor: cfg.InstantCrashDivisor,
			MaxMultiplier:       cfg.MaxMultiplier,
		},
		startedAt: time.Now(),
	}
	s.RegisterFiberRoutes()
	return s
}

// SetIndexerLagFunc wires the indexer's checkpoint-vs-chain-head lag
// into the health endpoint. cmd/server does not call it, so the health
// response there carries no indexer_lag_blocks field.
func (s *FiberServer) SetIndexerLagFunc(fn func() (int64, bool)) {
	s.indexerLag = fn
}
