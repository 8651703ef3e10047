package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"crashcore/internal/config"
	"crashcore/internal/eventbus"
)

// AdminWSServer is the operator-only websocket surface of SPEC_FULL
// §2: kill-switch state and solvency metrics, pushed over
// gorilla/websocket instead of gofiber/contrib/websocket so it never
// shares fasthttp's request pool with player traffic. It runs its own
// net/http server on cfg.AdminListenAddr, separate from the player
// FiberServer's fasthttp listener.
type AdminWSServer struct {
	cfg      *config.Config
	fs       *FiberServer
	bus      *eventbus.Bus
	upgrader websocket.Upgrader
}

func NewAdminWSServer(cfg *config.Config, fs *FiberServer, bus *eventbus.Bus) *AdminWSServer {
	return &AdminWSServer{
		cfg: cfg,
		fs:  fs,
		bus: bus,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ListenAndServe blocks serving the admin socket on cfg.AdminListenAddr
// until ctx is cancelled.
func (a *AdminWSServer) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/ws", a.handle)

	srv := &http.Server{Addr: a.cfg.AdminListenAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (a *AdminWSServer) handle(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token != a.cfg.AdminToken {
		http.Error(w, "invalid admin token", http.StatusUnauthorized)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ADMIN-WS] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		phase, roundID := a.fs.scheduler.CurrentPhase()
		snapshot := map[string]any{
			"phase":                   phase,
			"round_id":                roundID,
			"kill_switch_engaged":     a.fs.scheduler.KillSwitchEngaged(),
			"ledger_snapshot_drift":   a.fs.watchdog.LastDrift(),
			"onchain_liability_ratio": a.fs.watchdog.LastLiabilityRatio(),
		}
		payload, err := json.Marshal(snapshot)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}
