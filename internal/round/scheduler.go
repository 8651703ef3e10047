// Package round implements the C5 round scheduler of spec.md §4.5: a
// single-writer state machine cycling Idle -> Betting -> Running ->
// Settling -> Idle, broadcasting every transition and tick over
// internal/eventbus, and settling bets through internal/balance.
// Grounded on the teacher's internal/game/manager.go gameLoop/runRound
// (the select-on-channels loop, the request/response-channel
// PlaceBet/Cashout API, the stateMutex-guarded current round pointer),
// retargeted at spec.md's exponential multiplier formula, precomputed
// t_crash, and the cashout safety margin — none of which the teacher
// has, since it trusts live ticks for settlement instead.
package round

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"crashcore/internal/apperr"
	"crashcore/internal/balance"
	"crashcore/internal/betbook"
	"crashcore/internal/config"
	"crashcore/internal/eventbus"
	"crashcore/internal/fairness"
	"crashcore/internal/ledger"
	"crashcore/internal/money"
)

const tickInterval = 50 * time.Millisecond // 20 Hz, spec.md §4.5 "ticks at >=20 Hz"

// Phase mirrors ledger.RoundPhase. PhaseIdle is declared but never
// assigned: the phase is the empty string before the first round and
// stays PhaseSettling through the pause between rounds.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseBetting  Phase = "betting"
	PhaseRunning  Phase = "running"
	PhaseSettling Phase = "settling"
)

// BetRequest is a place_bet submitted to the scheduler's single
// writer goroutine, mirroring the teacher's BetRequest/response-
// channel shape.
type BetRequest struct {
	UserID      string
	ClientID    string
	BetID       string
	Stake       money.BaseUnits
	AutoCashout *float64
	resp        chan betResult
}

type betResult struct {
	Account ledger.Account
	RoundID string
	Err     error
}

// CashoutRequest is a cash_out submitted to the scheduler.
type CashoutRequest struct {
	UserID string
	BetID  string
	resp   chan cashoutResult
}

type cashoutResult struct {
	Account    ledger.Account
	Multiplier float64
	Payout     money.BaseUnits
	Err        error
}

type currentRound struct {
	RoundID    string
	CommitHash string
	ServerSeed string
	ClientSeed string
	Nonce      int64
	CrashPoint float64
	StartedAt  time.Time
	TCrash     time.Duration // duration of the Running phase, precomputed at entry
	Phase      Phase
}

// Scheduler is the C5 round scheduler.
type Scheduler struct {
	cfg     *config.Config
	store   ledger.Store
	balance *balance.Engine
	bus     *eventbus.Bus
	params  fairness.Params

	mu         sync.RWMutex
	current    currentRound
	book       *betbook.Book
	clientSeed string

	nonce int64

	killSwitch atomic.Bool

	betCh    chan BetRequest
	cashCh   chan CashoutRequest
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func New(cfg *config.Config, store ledger.Store, balanceEngine *balance.Engine, bus *eventbus.Bus) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		store:   store,
		balance: balanceEngine,
		bus:     bus,
		params: fairness.Params{
			HouseEdge:           cfg.HouseEdge,
			InstantCrashDivisor: cfg.InstantCrashDivisor,
			MaxMultiplier:       cfg.MaxMultiplier,
		},
		clientSeed: fairness.GenerateServerSeed(),
		book:       betbook.New(),
		betCh:      make(chan BetRequest, 1000),
		cashCh:     make(chan CashoutRequest, 1000),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// SetKillSwitch engages or releases the admin kill switch (spec.md
// §5/§6 set_kill_switch). While engaged the scheduler refuses to open
// new rounds and rejects place_bet with ErrKillSwitch, and the balance
// engine refuses ProcessWin credits (spec.md §4.9); deposits keep
// crediting.
func (s *Scheduler) SetKillSwitch(on bool) {
	s.killSwitch.Store(on)
	s.balance.SetKillSwitch(on)
}

// KillSwitchEngaged reports the current kill-switch state, for the
// health endpoint and internal/solvency.
func (s *Scheduler) KillSwitchEngaged() bool {
	return s.killSwitch.Load()
}

// RotateClientSeed replaces the seed mixed into future rounds' crash
// point derivation (spec.md §6 rotate_client_seed).
func (s *Scheduler) RotateClientSeed(seed string) {
	s.mu.Lock()
	s.clientSeed = seed
	s.mu.Unlock()
}

// CurrentPhase returns the live round's phase and id, for the health
// endpoint.
func (s *Scheduler) CurrentPhase() (Phase, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Phase, s.current.RoundID
}

// Run drives the scheduler until ctx is cancelled or Stop is called.
// It does not wait for the in-flight round to settle: once Stop is
// called, a round still in Betting or Running is abandoned unsettled
// and the stakes locked in it stay locked.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		if s.killSwitch.Load() {
			s.bus.Publish("global", "paused", map[string]any{"reason": "kill_switch"})
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			}
			continue
		}

		s.runRound(ctx)
	}
}

// Stop signals Run to return and waits until it has; see Run for what
// happens to the in-flight round.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.done
}

func (s *Scheduler) runRound(ctx context.Context) {
	s.nonce++

	s.mu.Lock()
	clientSeed := s.clientSeed
	nonce := s.nonce
	s.mu.Unlock()

	serverSeed := fairness.GenerateServerSeed()
	commitHash := fairness.CommitHash(serverSeed)
	crashPoint := fairness.CrashPoint(serverSeed, clientSeed, nonce, s.params)
	roundID := fmt.Sprintf("R%d-%d", time.Now().Unix(), nonce)
	tCrash := tCrashDuration(crashPoint, s.cfg.MultiplierA, s.cfg.MultiplierB)

	book := betbook.New()

	s.mu.Lock()
	s.book = book
	s.current = currentRound{
		RoundID:    roundID,
		CommitHash: commitHash,
		ClientSeed: clientSeed,
		Nonce:      nonce,
		CrashPoint: crashPoint,
		Phase:      PhaseBetting,
	}
	s.mu.Unlock()

	if err := s.store.PutRound(ctx, ledger.Round{
		RoundID:    roundID,
		CommitHash: commitHash,
		ClientSeed: clientSeed,
		Nonce:      nonce,
		CrashPoint: crashPoint,
		StartedAt:  time.Now(),
		Phase:      ledger.PhaseBetting,
		HouseEdge:  s.cfg.HouseEdge,
	}); err != nil {
		log.Printf("[ROUND] failed to persist round %s: %v", roundID, err)
	}

	log.Printf("[ROUND] %s opened, commit=%s", roundID, commitHash[:16]+"...")
	s.bus.Publish("global", "round_opened", map[string]any{
		"round_id":    roundID,
		"commit_hash": commitHash,
		"time_left_s": s.cfg.TBet.Seconds(),
	})

	s.runBetting(ctx, book)
	if s.stopping() {
		return
	}

	startedAt := time.Now()
	s.mu.Lock()
	s.current.Phase = PhaseRunning
	s.current.StartedAt = startedAt
	s.current.TCrash = tCrash
	s.mu.Unlock()

	log.Printf("[ROUND] %s running, crash in %v (hidden)", roundID, tCrash)
	s.bus.Publish("global", "round_started", map[string]any{"round_id": roundID})

	s.runRunning(ctx, book, roundID, startedAt, tCrash)
	if s.stopping() {
		return
	}

	s.runSettling(ctx, book, roundID, serverSeed, crashPoint)
}

func (s *Scheduler) stopping() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *Scheduler) runBetting(ctx context.Context, book *betbook.Book) {
	timer := time.NewTimer(s.cfg.TBet)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return
		case req := <-s.betCh:
			s.processBet(ctx, book, req)
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) runRunning(ctx context.Context, book *betbook.Book, roundID string, startedAt time.Time, tCrash time.Duration) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			elapsed := time.Since(startedAt)
			if elapsed >= tCrash {
				return
			}
			m := currentMultiplier(elapsed.Seconds(), s.cfg.MultiplierA, s.cfg.MultiplierB)
			s.bus.Publish("room:"+roundID, "multiplier_tick", map[string]any{
				"round_id":   roundID,
				"multiplier": m,
			})
			s.settleAutoCashouts(ctx, book, roundID, m, startedAt, tCrash)

		case req := <-s.cashCh:
			s.processCashout(ctx, book, roundID, startedAt, tCrash, req)

		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) runSettling(ctx context.Context, book *betbook.Book, roundID, serverSeed string, crashPoint float64) {
	s.mu.Lock()
	s.current.Phase = PhaseSettling
	s.current.ServerSeed = serverSeed
	clientSeed := s.current.ClientSeed
	nonce := s.current.Nonce
	s.mu.Unlock()

	for _, bet := range book.StillOpen() {
		if _, err := s.balance.ProcessLoss(ctx, bet.UserID, roundID, bet.BetID, bet.ClientID); err != nil {
			log.Printf("[ROUND] %s settle loss bet=%s: %v", roundID, bet.BetID, err)
			continue
		}
		book.MarkCashedOut(bet.BetID) // evict from the still-open scan; state is "lost", not cashed out
	}

	now := time.Now()
	if err := s.store.UpdateRound(ctx, ledger.Round{
		RoundID:    roundID,
		ServerSeed: serverSeed,
		CrashPoint: crashPoint,
		CrashedAt:  &now,
		Phase:      ledger.PhaseRevealed,
	}); err != nil {
		log.Printf("[ROUND] %s failed to persist settlement: %v", roundID, err)
	}

	log.Printf("[ROUND] %s crashed at %.2fx", roundID, crashPoint)
	s.bus.Publish("global", "round_crashed", map[string]any{
		"round_id":    roundID,
		"crash_point": crashPoint,
	})
	s.bus.Publish("global", "round_revealed", map[string]any{
		"round_id":    roundID,
		"server_seed": serverSeed,
		"client_seed": clientSeed,
		"nonce":       nonce,
		"crash_point": crashPoint,
	})

	select {
	case <-time.After(s.cfg.TSettle):
	case <-ctx.Done():
	case <-s.stopCh:
	}
}

func (s *Scheduler) settleAutoCashouts(ctx context.Context, book *betbook.Book, roundID string, m float64, startedAt time.Time, tCrash time.Duration) {
	deadline := startedAt.Add(tCrash - s.cfg.CashoutSafety)
	if time.Now().After(deadline) {
		return
	}
	for _, bet := range book.DueForAutoCashout(m) {
		s.settleCashout(ctx, book, roundID, bet.BetID, bet.UserID, bet.ClientID, m)
	}
}

func (s *Scheduler) settleCashout(ctx context.Context, book *betbook.Book, roundID, betID, userID, clientID string, multiplier float64) {
	if !book.MarkCashedOut(betID) {
		return // already settled by a racing auto-cashout tick or manual cashout
	}
	bet, ok := book.Get(betID)
	if !ok {
		return
	}
	ratio := money.RatioFromFloat(multiplier, 2)
	payout, err := money.MulByRatio(bet.Stake, ratio)
	if err != nil {
		log.Printf("[ROUND] %s payout calc bet=%s: %v", roundID, betID, err)
		return
	}
	if _, err := s.balance.ProcessWin(ctx, userID, roundID, betID, clientID, payout, multiplier); err != nil {
		log.Printf("[ROUND] %s settle win bet=%s: %v", roundID, betID, err)
		return
	}
	s.bus.Publish("room:"+roundID, "player_cashed_out", map[string]any{
		"round_id":   roundID,
		"user_id":    userID,
		"bet_id":     betID,
		"multiplier": multiplier,
		"payout":     payout.String(),
	})
}

func (s *Scheduler) processBet(ctx context.Context, book *betbook.Book, req BetRequest) {
	s.mu.RLock()
	phase := s.current.Phase
	roundID := s.current.RoundID
	s.mu.RUnlock()

	if s.killSwitch.Load() {
		req.resp <- betResult{Err: apperr.ErrKillSwitch}
		return
	}
	if phase != PhaseBetting {
		req.resp <- betResult{Err: apperr.ErrBettingClosed}
		return
	}

	minBet, _ := money.Parse(s.cfg.MinBet, 0)
	maxBet, _ := money.Parse(s.cfg.MaxBet, 0)
	if req.Stake.Cmp(minBet) < 0 || req.Stake.Cmp(maxBet) > 0 {
		req.resp <- betResult{Err: apperr.ErrInvalidAmount}
		return
	}

	acc, err := s.balance.PlaceBet(ctx, req.UserID, roundID, req.ClientID, req.BetID, req.Stake, req.AutoCashout)
	if err != nil {
		req.resp <- betResult{Err: err}
		return
	}

	book.Place(betbook.Entry{
		BetID:       req.BetID,
		UserID:      req.UserID,
		ClientID:    req.ClientID,
		Stake:       req.Stake,
		AutoCashout: req.AutoCashout,
	})

	s.bus.Publish("room:"+roundID, "bet_placed", map[string]any{
		"round_id": roundID,
		"user_id":  req.UserID,
		"bet_id":   req.BetID,
		"stake":    req.Stake.String(),
	})

	req.resp <- betResult{Account: acc, RoundID: roundID}
}

func (s *Scheduler) processCashout(ctx context.Context, book *betbook.Book, roundID string, startedAt time.Time, tCrash time.Duration, req CashoutRequest) {
	s.mu.RLock()
	phase := s.current.Phase
	s.mu.RUnlock()
	if phase != PhaseRunning {
		req.resp <- cashoutResult{Err: apperr.ErrNoActiveBet}
		return
	}

	deadline := startedAt.Add(tCrash - s.cfg.CashoutSafety)
	if time.Now().After(deadline) {
		req.resp <- cashoutResult{Err: apperr.ErrTooLate}
		return
	}

	bet, ok := book.Get(req.BetID)
	if !ok || bet.UserID != req.UserID {
		req.resp <- cashoutResult{Err: apperr.ErrNoActiveBet}
		return
	}
	if bet.CashedOut {
		req.resp <- cashoutResult{Err: apperr.ErrDuplicate}
		return
	}

	elapsed := time.Since(startedAt).Seconds()
	multiplier := currentMultiplier(elapsed, s.cfg.MultiplierA, s.cfg.MultiplierB)

	if !book.MarkCashedOut(req.BetID) {
		req.resp <- cashoutResult{Err: apperr.ErrDuplicate}
		return
	}
	ratio := money.RatioFromFloat(multiplier, 2)
	payout, err := money.MulByRatio(bet.Stake, ratio)
	if err != nil {
		req.resp <- cashoutResult{Err: err}
		return
	}
	acc, err := s.balance.ProcessWin(ctx, req.UserID, roundID, req.BetID, bet.ClientID, payout, multiplier)
	if err != nil {
		req.resp <- cashoutResult{Err: err}
		return
	}

	s.bus.Publish("room:"+roundID, "player_cashed_out", map[string]any{
		"round_id":   roundID,
		"user_id":    req.UserID,
		"bet_id":     req.BetID,
		"multiplier": multiplier,
		"payout":     payout.String(),
	})

	req.resp <- cashoutResult{Account: acc, Multiplier: multiplier, Payout: payout}
}

// PlaceBet submits a bet to the scheduler's single-writer loop and
// waits for it to be processed, mirroring the teacher's
// Manager.PlaceBet request/response-channel shape.
func (s *Scheduler) PlaceBet(ctx context.Context, userID, clientID, betID string, stake money.BaseUnits, autoCashout *float64) (ledger.Account, string, error) {
	resp := make(chan betResult, 1)
	req := BetRequest{UserID: userID, ClientID: clientID, BetID: betID, Stake: stake, AutoCashout: autoCashout, resp: resp}

	select {
	case s.betCh <- req:
	default:
		return ledger.Account{}, "", apperr.ErrTransientIO
	}

	select {
	case r := <-resp:
		return r.Account, r.RoundID, r.Err
	case <-ctx.Done():
		return ledger.Account{}, "", ctx.Err()
	}
}

// CashOut submits a cash_out to the scheduler's single-writer loop.
func (s *Scheduler) CashOut(ctx context.Context, userID, betID string) (ledger.Account, float64, money.BaseUnits, error) {
	resp := make(chan cashoutResult, 1)
	req := CashoutRequest{UserID: userID, BetID: betID, resp: resp}

	select {
	case s.cashCh <- req:
	default:
		return ledger.Account{}, 0, money.Zero(), apperr.ErrTransientIO
	}

	select {
	case r := <-resp:
		return r.Account, r.Multiplier, r.Payout, r.Err
	case <-ctx.Done():
		return ledger.Account{}, 0, money.Zero(), ctx.Err()
	}
}

// currentMultiplier computes spec.md §4.5's m(t) = round2(a * b^t).
func currentMultiplier(elapsedSeconds, a, b float64) float64 {
	m := a * math.Pow(b, elapsedSeconds)
	return math.Round(m*100) / 100
}

// tCrashDuration inverts the multiplier formula to find the wall-clock
// instant a given crash_point is reached: t_crash = log(c/a) / log(b).
func tCrashDuration(crashPoint, a, b float64) time.Duration {
	if crashPoint <= a {
		return 0
	}
	seconds := math.Log(crashPoint/a) / math.Log(b)
	if seconds < 0 {
		seconds = 0
	}
	return time.Duration(seconds * float64(time.Second))
}
