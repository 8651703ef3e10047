package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gofiber/contrib/websocket"

	"crashcore/internal/apperr"
	"crashcore/internal/eventbus"
	"crashcore/internal/ledger"
	"crashcore/internal/money"
)

// inboundEnvelope/outboundEnvelope carry spec.md §6's {type, data}
// message shape; every outbound envelope also carries the event_id of
// the eventbus.Event it was translated from (0 for events that
// originate directly from a request/response, not a bus publish).
type inboundEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type outboundEnvelope struct {
	Type    string `json:"type"`
	EventID int64  `json:"event_id"`
	Data    any    `json:"data"`
}

type authPayload struct {
	Wallet    string `json:"wallet"`
	Signature string `json:"signature"`
}

type placeBetPayload struct {
	Amount          string   `json:"amount"`
	AutoCashout     *float64 `json:"auto_cashout"`
	ClientID        string   `json:"client_id"`
	ExpectedVersion int64    `json:"expected_version"`
}

type cashOutPayload struct {
	ClientID string `json:"client_id"`
}

type resumePayload struct {
	LastEventID int64 `json:"last_event_id"`
}

type chatPayload struct {
	Message string `json:"message"`
}

const requestTimeout = 5 * time.Second

// playerSession is one websocket connection, authenticated or not.
// Grounded on the teacher's Hub/Client register-unregister shape in
// internal/game/hub.go, generalized so each connection owns its own
// read loop, write pump and bus fan-in instead of routing through one
// shared broadcast goroutine — this repo's per-topic eventbus already
// does the fan-out the teacher's Hub did by hand.
type playerSession struct {
	srv    *FiberServer
	conn   *websocket.Conn
	userID string // empty until a successful "auth" message

	send chan outboundEnvelope
	stop chan struct{}

	globalSub *eventbus.Subscription
	userSub   *eventbus.Subscription
}

// playerWebSocketHandler is installed on GET /ws via
// gofiber/contrib/websocket, the fasthttp/websocket adapter the
// teacher also used for its player-facing socket (kept separate from
// the gorilla/websocket admin channel in admin_ws.go).
func (s *FiberServer) playerWebSocketHandler(c *websocket.Conn) {
	sess := &playerSession{
		srv:  s,
		conn: c,
		send: make(chan outboundEnvelope, 256),
		stop: make(chan struct{}),
	}

	sess.globalSub = s.bus.Subscribe("global")
	defer sess.globalSub.Unsubscribe()
	defer func() {
		if sess.userSub != nil {
			sess.userSub.Unsubscribe()
		}
	}()
	defer close(sess.stop)

	go sess.writePump()
	go sess.fanIn(sess.globalSub)
	go sess.roomWatcher()

	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			return
		}
		sess.handleInbound(raw)
	}
}

func (sess *playerSession) writePump() {
	for {
		select {
		case env := <-sess.send:
			if err := sess.conn.WriteJSON(env); err != nil {
				return
			}
		case <-sess.stop:
			return
		}
	}
}

// fanIn relays one subscription's events to the connection, translated
// to the wire shape, until the subscription is unsubscribed (its
// channel closes) or the session stops.
func (sess *playerSession) fanIn(sub *eventbus.Subscription) {
	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			sess.relay(ev)
		case <-sess.stop:
			return
		}
	}
}

func (sess *playerSession) relay(ev eventbus.Event) {
	typ, payload, ok := translateEvent(ev)
	if !ok {
		return
	}
	select {
	case sess.send <- outboundEnvelope{Type: typ, EventID: ev.ID, Data: payload}:
	case <-sess.stop:
	}
}

// roomWatcher follows the scheduler's current round id and keeps the
// connection subscribed to that round's "room:<round_id>" topic (ticks
// and cashout broadcasts), swapping the subscription as rounds turn
// over. Polling the scheduler is simpler than plumbing a "round
// changed" signal through the event bus for a single-writer scheduler
// that only ever has one round live at a time.
func (sess *playerSession) roomWatcher() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var lastRoundID string
	var sub *eventbus.Subscription

	for {
		select {
		case <-ticker.C:
			_, roundID := sess.srv.scheduler.CurrentPhase()
			if roundID == "" || roundID == lastRoundID {
				continue
			}
			if sub != nil {
				sub.Unsubscribe()
			}
			sub = sess.srv.bus.Subscribe("room:" + roundID)
			lastRoundID = roundID
			go sess.fanIn(sub)
		case <-sess.stop:
			if sub != nil {
				sub.Unsubscribe()
			}
			return
		}
	}
}

func (sess *playerSession) handleInbound(raw []byte) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		sess.sendErr(apperr.ErrInvalidAmount)
		return
	}

	switch env.Type {
	case "auth":
		sess.handleAuth(env.Data)
	case "place_bet":
		sess.requireAuth(func() { sess.handlePlaceBet(env.Data) })
	case "cash_out":
		sess.requireAuth(func() { sess.handleCashOut(env.Data) })
	case "resume":
		sess.requireAuth(func() { sess.handleResume(env.Data) })
	case "chat":
		sess.requireAuth(func() { sess.handleChat(env.Data) })
	case "ping":
		select {
		case sess.send <- outboundEnvelope{Type: "pong", Data: map[string]any{}}:
		case <-sess.stop:
		}
	default:
		log.Printf("[WS] unknown inbound message type %q", env.Type)
		sess.sendErr(apperr.ErrInvalidAmount)
	}
}

func (sess *playerSession) requireAuth(fn func()) {
	if sess.userID == "" {
		sess.sendErr(apperr.ErrUnauthenticated)
		return
	}
	fn()
}

func (sess *playerSession) sendErr(err error) {
	if errors.Is(err, eventbus.ErrResyncRequired) {
		err = apperr.ErrResyncRequired
	}
	code := apperr.CodeOf(err)
	if code == "" {
		code = "Internal"
	}
	select {
	case sess.send <- outboundEnvelope{Type: "error", Data: map[string]any{"code": string(code), "message": err.Error()}}:
	case <-sess.stop:
	}
}

func (sess *playerSession) handleAuth(raw json.RawMessage) {
	var p authPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		sess.sendErr(apperr.ErrUnauthenticated)
		return
	}
	userID, err := verifyWalletAuth(p.Wallet, p.Signature)
	if err != nil {
		sess.sendErr(err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	acc, err := sess.srv.store.GetAccount(ctx, userID)
	cancel()
	if err != nil {
		sess.sendErr(fmt.Errorf("%w: %v", apperr.ErrTransientIO, err))
		return
	}

	sess.userID = userID
	sess.userSub = sess.srv.bus.Subscribe("user:" + userID)
	go sess.fanIn(sess.userSub)

	select {
	case sess.send <- outboundEnvelope{Type: "authenticated", Data: map[string]any{
		"user_id": userID,
		"balance": map[string]any{"available": acc.Available, "locked": acc.Locked, "version": acc.Version},
	}}:
	case <-sess.stop:
	}
}

func (sess *playerSession) handlePlaceBet(raw json.RawMessage) {
	var p placeBetPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ClientID == "" {
		sess.sendErr(apperr.ErrInvalidAmount)
		return
	}
	stake, err := money.Parse(p.Amount, 0)
	if err != nil {
		sess.sendErr(apperr.ErrInvalidAmount)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if acc, err := sess.srv.store.GetAccount(ctx, sess.userID); err == nil && acc.Version != p.ExpectedVersion {
		sess.sendErr(apperr.ErrVersionConflict)
		return
	}

	// client_id doubles as the bet's id: the client mints one
	// identifier per bet and spec.md §6's cash_out references it back
	// by the same field, so there is no separate bet_id to reconcile.
	acc, _, err := sess.srv.scheduler.PlaceBet(ctx, sess.userID, p.ClientID, p.ClientID, stake, p.AutoCashout)
	if err != nil {
		sess.sendErr(err)
		return
	}
	sess.sendBalance(acc)
}

func (sess *playerSession) handleCashOut(raw json.RawMessage) {
	var p cashOutPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ClientID == "" {
		sess.sendErr(apperr.ErrInvalidAmount)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	acc, _, _, err := sess.srv.scheduler.CashOut(ctx, sess.userID, p.ClientID)
	if err != nil {
		sess.sendErr(err)
		return
	}
	sess.sendBalance(acc)
}

func (sess *playerSession) sendBalance(acc ledger.Account) {
	select {
	case sess.send <- outboundEnvelope{Type: "balance_update", Data: map[string]any{
		"available": acc.Available,
		"locked":    acc.Locked,
		"version":   acc.Version,
	}}:
	case <-sess.stop:
	}
}

func (sess *playerSession) handleResume(raw json.RawMessage) {
	var p resumePayload
	_ = json.Unmarshal(raw, &p)

	events, err := sess.srv.bus.Replay("global", p.LastEventID)
	if err != nil {
		sess.sendErr(err)
		return
	}

	if _, roundID := sess.srv.scheduler.CurrentPhase(); roundID != "" {
		if roomEvents, err := sess.srv.bus.Replay("room:"+roundID, 0); err == nil {
			events = append(events, roomEvents...)
		}
	}

	for _, ev := range events {
		sess.relay(ev)
	}
}

func (sess *playerSession) handleChat(raw json.RawMessage) {
	var p chatPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Message == "" || len(p.Message) > 200 {
		sess.sendErr(apperr.ErrInvalidAmount)
		return
	}
	// Chat rides the room topic alongside ticks and the aggregate bet
	// list (spec.md §4.7), not global: a message said during one round
	// shouldn't replay into the next round's fresh subscribers.
	_, roundID := sess.srv.scheduler.CurrentPhase()
	if roundID == "" {
		return
	}
	sess.srv.bus.Publish("room:"+roundID, "chat", map[string]any{
		"user_id": sess.userID,
		"message": p.Message,
	})
}
