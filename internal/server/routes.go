package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"

	"crashcore/internal/apperr"
	"crashcore/internal/fairness"
	"crashcore/internal/ledger"
)

// historyCacheTTL bounds how stale a cached /game/history response can
// be; rounds settle on the order of T_bet+T_settle seconds apart, so a
// couple of seconds of staleness never hides a completed round for
// long while still sparing Postgres the bulk of read traffic from
// players polling this endpoint between websocket reconnects.
const historyCacheTTL = 2 * time.Second

// RegisterFiberRoutes wires the REST surface and the player websocket
// route, grounded on the teacher's RegisterFiberRoutes/RegisterGameRoutes
// pair (same CORS config, same /health + /ws shape) collapsed into one
// file since this repo's route set is one cohesive surface rather than
// the teacher's aviator/mines/plinko/dice split.
func (s *FiberServer) RegisterFiberRoutes() {
	s.App.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH",
		AllowHeaders:     "Accept,Authorization,Content-Type",
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.App.Get("/health", s.healthHandler)

	api := s.App.Group("/api/v1")
	api.Get("/game/state", s.getGameStateHandler)
	api.Get("/game/history", s.getGameHistoryHandler)
	api.Get("/fairness/:round_id", s.getFairnessHandler)
	api.Get("/user/:wallet/balance", s.getUserBalanceHandler)

	s.App.Get("/ws", websocket.New(s.playerWebSocketHandler))

	admin := s.App.Group("/admin", s.adminAuthMiddleware)
	admin.Post("/freeze/:userId", s.freezeUserHandler)
	admin.Post("/unfreeze/:userId", s.unfreezeUserHandler)
	admin.Post("/kill_switch", s.setKillSwitchHandler)
	admin.Post("/rotate_seed", s.rotateClientSeedHandler)
	admin.Get("/health", s.healthHandler)
}

// adminAuthMiddleware guards the operational surface with a static
// bearer token (SPEC_FULL §3's operational surface), simpler than the
// player websocket's signature-based auth since this endpoint is meant
// for a trusted operator, not an end user's wallet.
func (s *FiberServer) adminAuthMiddleware(c *fiber.Ctx) error {
	const prefix = "Bearer "
	auth := c.Get("Authorization")
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix || auth[len(prefix):] != s.cfg.AdminToken {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"code": string(apperr.CodeUnauthenticated), "message": "invalid admin token"})
	}
	return c.Next()
}

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	phase, roundID := s.scheduler.CurrentPhase()

	resp := fiber.Map{
		"status":              "ok",
		"uptime_s":            time.Since(s.startedAt).Seconds(),
		"phase":               phase,
		"round_id":            roundID,
		"kill_switch_engaged": s.scheduler.KillSwitchEngaged(),
		"ledger_snapshot_drift": s.watchdog.LastDrift(),
		"onchain_liability_ratio": s.watchdog.LastLiabilityRatio(),
	}
	if s.indexerLag != nil {
		if lag, ok := s.indexerLag(); ok {
			resp["indexer_lag_blocks"] = lag
		}
	}
	if s.db != nil {
		resp["database"] = s.db.Health()
	}
	if s.cache != nil {
		resp["cache"] = s.cache.Health()
	}
	return c.JSON(resp)
}

func (s *FiberServer) getGameStateHandler(c *fiber.Ctx) error {
	phase, roundID := s.scheduler.CurrentPhase()
	resp := fiber.Map{"phase": phase, "round_id": roundID}
	if roundID != "" {
		if round, err := s.store.GetRound(c.Context(), roundID); err == nil {
			resp["commit_hash"] = round.CommitHash
			if round.Phase == ledger.PhaseRevealed {
				resp["crash_point"] = round.CrashPoint
				resp["server_seed"] = round.ServerSeed
			}
		}
	}
	return c.JSON(resp)
}

// getGameHistoryHandler serves spec.md's round-history read path
// through a short-lived Redis cache (this is the one read path the
// module runs through the cache rather than straight to Postgres;
// every write to the ledger remains authoritative and uncached).
func (s *FiberServer) getGameHistoryHandler(c *fiber.Ctx) error {
	limit := 50
	if q := c.Query("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	cacheKey := fmt.Sprintf("crashcore:history:%d", limit)
	if s.cache != nil {
		if raw, err := s.cache.GetClient().Get(c.Context(), cacheKey).Bytes(); err == nil {
			c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
			return c.Send(raw)
		}
	}

	rounds, err := s.store.RecentRounds(c.Context(), limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": err.Error()})
	}

	body, err := json.Marshal(fiber.Map{"rounds": rounds})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": err.Error()})
	}
	if s.cache != nil {
		s.cache.GetClient().Set(c.Context(), cacheKey, body, historyCacheTTL)
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Send(body)
}

// getFairnessHandler recomputes a revealed round's crash point from its
// published seeds and reports whether it matches, per spec.md §4.2's
// Verify and property P4.
func (s *FiberServer) getFairnessHandler(c *fiber.Ctx) error {
	roundID := c.Params("round_id")
	round, err := s.store.GetRound(c.Context(), roundID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"message": "round not found"})
	}
	if round.Phase != ledger.PhaseRevealed {
		return c.JSON(fiber.Map{
			"round_id":    roundID,
			"commit_hash": round.CommitHash,
			"revealed":    false,
		})
	}

	verifyErr := fairness.Verify(round.ServerSeed, round.ClientSeed, round.Nonce, round.CrashPoint, s.fairnessParams)
	return c.JSON(fiber.Map{
		"round_id":    roundID,
		"commit_hash": round.CommitHash,
		"server_seed": round.ServerSeed,
		"client_seed": round.ClientSeed,
		"nonce":       round.Nonce,
		"crash_point": round.CrashPoint,
		"revealed":    true,
		"verified":    verifyErr == nil,
	})
}

func (s *FiberServer) getUserBalanceHandler(c *fiber.Ctx) error {
	wallet := c.Params("wallet")
	acc, err := s.store.GetAccount(c.Context(), wallet)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": err.Error()})
	}
	return c.JSON(fiber.Map{"available": acc.Available, "locked": acc.Locked, "version": acc.Version, "frozen": acc.Frozen})
}

func (s *FiberServer) freezeUserHandler(c *fiber.Ctx) error {
	userID := c.Params("userId")
	if err := s.store.SetFrozen(context.Background(), userID, true); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": err.Error()})
	}
	return c.JSON(fiber.Map{"user_id": userID, "frozen": true})
}

func (s *FiberServer) unfreezeUserHandler(c *fiber.Ctx) error {
	userID := c.Params("userId")
	if err := s.store.SetFrozen(context.Background(), userID, false); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": err.Error()})
	}
	return c.JSON(fiber.Map{"user_id": userID, "frozen": false})
}

func (s *FiberServer) setKillSwitchHandler(c *fiber.Ctx) error {
	var body struct {
		On bool `json:"on"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"message": "expected {\"on\": bool}"})
	}
	s.scheduler.SetKillSwitch(body.On)
	return c.JSON(fiber.Map{"kill_switch_engaged": body.On})
}

func (s *FiberServer) rotateClientSeedHandler(c *fiber.Ctx) error {
	var body struct {
		Seed string `json:"seed"`
	}
	if err := c.BodyParser(&body); err != nil || body.Seed == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"message": "expected {\"seed\": string}"})
	}
	s.scheduler.RotateClientSeed(body.Seed)
	return c.JSON(fiber.Map{"rotated": true})
}
