package balance

import (
	"context"
	"sync"
	"testing"

	"crashcore/internal/apperr"
	"crashcore/internal/ledger"
	"crashcore/internal/money"
)

// fakeStore is a minimal in-memory ledger.Store good enough to drive
// the engine's transaction shape without a database. It applies the
// same "insert then conditionally mutate" idempotency rule pgx would
// enforce via the unique indexes in migrations/000001_init.up.sql.
type fakeStore struct {
	mu       sync.Mutex
	accounts map[string]ledger.Account
	entries  map[string]ledger.Entry // keyed by dedupe key
	bets     map[string]ledger.Bet
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts: make(map[string]ledger.Account),
		entries:  make(map[string]ledger.Entry),
		bets:     make(map[string]ledger.Bet),
	}
}

func dedupeKey(e ledger.Entry) string {
	if e.Ref.TxHash != "" {
		idx := int64(-1)
		if e.Ref.LogIndex != nil {
			idx = *e.Ref.LogIndex
		}
		return "tx:" + e.Ref.TxHash + "#" + string(rune(idx))
	}
	return string(e.OpType) + "|" + e.UserID + "|" + e.Ref.ClientID
}

func (f *fakeStore) Tx(ctx context.Context, fn ledger.TxFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fn(ctx, f)
}

func (f *fakeStore) GetAccountForUpdate(ctx context.Context, userID string) (ledger.Account, error) {
	if a, ok := f.accounts[userID]; ok {
		return a, nil
	}
	return ledger.Account{UserID: userID, Available: "0", Locked: "0"}, nil
}

func (f *fakeStore) GetAccount(ctx context.Context, userID string) (ledger.Account, error) {
	return f.GetAccountForUpdate(ctx, userID)
}

func (f *fakeStore) Append(ctx context.Context, e ledger.Entry) (bool, error) {
	key := dedupeKey(e)
	if _, exists := f.entries[key]; exists {
		return false, nil
	}
	f.entries[key] = e
	return true, nil
}

func (f *fakeStore) SetAccount(ctx context.Context, a ledger.Account) error {
	f.accounts[a.UserID] = a
	return nil
}

func (f *fakeStore) GetBet(ctx context.Context, betID string) (ledger.Bet, error) {
	if b, ok := f.bets[betID]; ok {
		return b, nil
	}
	return ledger.Bet{}, ledger.ErrNotFound
}

func (f *fakeStore) UpsertBet(ctx context.Context, b ledger.Bet) error {
	f.bets[b.BetID] = b
	return nil
}

func (f *fakeStore) FindOpenLock(ctx context.Context, userID, roundID, betClientID string) (ledger.Entry, error) {
	key := string(ledger.OpBetLock) + "|" + userID + "|" + betClientID
	if e, ok := f.entries[key]; ok && e.Ref.RoundID == roundID {
		return e, nil
	}
	return ledger.Entry{}, ledger.ErrNotFound
}

func (f *fakeStore) CheckpointGet(ctx context.Context) (int64, error)        { return 0, nil }
func (f *fakeStore) CheckpointSet(ctx context.Context, h int64) error        { return nil }
func (f *fakeStore) PutRound(ctx context.Context, r ledger.Round) error      { return nil }
func (f *fakeStore) UpdateRound(ctx context.Context, r ledger.Round) error   { return nil }
func (f *fakeStore) GetRound(ctx context.Context, id string) (ledger.Round, error) {
	return ledger.Round{}, ledger.ErrNotFound
}
func (f *fakeStore) RecentRounds(ctx context.Context, limit int) ([]ledger.Round, error) {
	return nil, nil
}
func (f *fakeStore) SumLedger(ctx context.Context, userID string) (string, string, error) {
	return "0", "0", nil
}
func (f *fakeStore) TotalSnapshotBalances(ctx context.Context) (string, error) { return "0", nil }
func (f *fakeStore) TotalLedgerBalance(ctx context.Context) (string, error)    { return "0", nil }
func (f *fakeStore) SetFrozen(ctx context.Context, userID string, frozen bool) error {
	a := f.accounts[userID]
	a.UserID = userID
	a.Frozen = frozen
	f.accounts[userID] = a
	return nil
}
func (f *fakeStore) PutDepositObservation(ctx context.Context, obs ledger.DepositObservation) error {
	return nil
}
func (f *fakeStore) ListDepositObservations(ctx context.Context, fromBlock, toBlock int64) ([]ledger.DepositObservation, error) {
	return nil, nil
}
func (f *fakeStore) Close() {}

func seedAccount(f *fakeStore, userID, available string) {
	f.accounts[userID] = ledger.Account{UserID: userID, Available: available, Locked: "0"}
}

func TestPlaceBet_LocksStakeAndAdvancesVersion(t *testing.T) {
	f := newFakeStore()
	seedAccount(f, "u1", "1000")
	e := New(f)

	acc, err := e.PlaceBet(context.Background(), "u1", "round-1", "client-1", "bet-1", money.FromInt64(300), nil)
	if err != nil {
		t.Fatalf("PlaceBet: %v", err)
	}
	if acc.Available != "700" || acc.Locked != "300" {
		t.Fatalf("unexpected account state: %+v", acc)
	}
	if acc.Version != 1 {
		t.Fatalf("expected version 1, got %d", acc.Version)
	}
}

func TestPlaceBet_InsufficientFunds(t *testing.T) {
	f := newFakeStore()
	seedAccount(f, "u1", "100")
	e := New(f)

	_, err := e.PlaceBet(context.Background(), "u1", "round-1", "client-1", "bet-1", money.FromInt64(300), nil)
	if apperr.CodeOf(err) != apperr.CodeInsufficientFunds {
		t.Fatalf("expected InsufficientFunds, got %v", err)
	}
}

func TestPlaceBet_Frozen(t *testing.T) {
	f := newFakeStore()
	seedAccount(f, "u1", "1000")
	f.SetFrozen(context.Background(), "u1", true)
	e := New(f)

	_, err := e.PlaceBet(context.Background(), "u1", "round-1", "client-1", "bet-1", money.FromInt64(100), nil)
	if apperr.CodeOf(err) != apperr.CodeFrozen {
		t.Fatalf("expected Frozen, got %v", err)
	}
}

// TestPlaceBet_DuplicateClientIDIsIdempotent mirrors the OCC/retry
// naming idiom used for version-conflict coverage elsewhere in the
// pack: a retried place_bet with the same client_id must not double
// lock funds.
func TestPlaceBet_DuplicateClientIDIsIdempotent(t *testing.T) {
	f := newFakeStore()
	seedAccount(f, "u1", "1000")
	e := New(f)
	ctx := context.Background()

	if _, err := e.PlaceBet(ctx, "u1", "round-1", "client-1", "bet-1", money.FromInt64(300), nil); err != nil {
		t.Fatalf("first PlaceBet: %v", err)
	}

	_, err := e.PlaceBet(ctx, "u1", "round-1", "client-1", "bet-1", money.FromInt64(300), nil)
	if !apperr.Silent(err) {
		t.Fatalf("expected a silent duplicate, got %v", err)
	}

	acc, _ := f.GetAccount(ctx, "u1")
	if acc.Available != "700" || acc.Locked != "300" {
		t.Fatalf("duplicate retry must not mutate balance twice, got %+v", acc)
	}
}

func TestProcessWin_ReleasesLockAndCreditsPayout(t *testing.T) {
	f := newFakeStore()
	seedAccount(f, "u1", "1000")
	e := New(f)
	ctx := context.Background()

	if _, err := e.PlaceBet(ctx, "u1", "round-1", "client-1", "bet-1", money.FromInt64(300), nil); err != nil {
		t.Fatalf("PlaceBet: %v", err)
	}

	payout := money.FromInt64(450) // 1.5x
	acc, err := e.ProcessWin(ctx, "u1", "round-1", "bet-1", "client-1", payout, 1.5)
	if err != nil {
		t.Fatalf("ProcessWin: %v", err)
	}
	if acc.Locked != "0" {
		t.Fatalf("expected lock released, got locked=%s", acc.Locked)
	}
	if acc.Available != "1150" { // 700 + 450
		t.Fatalf("expected available 1150, got %s", acc.Available)
	}

	bet, err := f.GetBet(ctx, "bet-1")
	if err != nil {
		t.Fatalf("GetBet: %v", err)
	}
	if bet.State != ledger.BetCashedOut {
		t.Fatalf("expected bet state cashed_out, got %s", bet.State)
	}
}

func TestProcessWin_NoMatchingLock(t *testing.T) {
	f := newFakeStore()
	seedAccount(f, "u1", "1000")
	e := New(f)

	_, err := e.ProcessWin(context.Background(), "u1", "round-1", "bet-1", "never-placed", money.FromInt64(100), 2.0)
	if apperr.CodeOf(err) != apperr.CodeNoMatchingLock {
		t.Fatalf("expected NoMatchingLock, got %v", err)
	}
}

func TestProcessWin_BlockedByKillSwitch(t *testing.T) {
	f := newFakeStore()
	seedAccount(f, "u1", "1000")
	e := New(f)
	ctx := context.Background()

	if _, err := e.PlaceBet(ctx, "u1", "round-1", "client-1", "bet-1", money.FromInt64(300), nil); err != nil {
		t.Fatalf("PlaceBet: %v", err)
	}

	e.SetKillSwitch(true)
	_, err := e.ProcessWin(ctx, "u1", "round-1", "bet-1", "client-1", money.FromInt64(450), 1.5)
	if apperr.CodeOf(err) != apperr.CodeSolvencyBlocked {
		t.Fatalf("expected SolvencyBlocked while kill switch engaged, got %v", err)
	}

	e.SetKillSwitch(false)
	if _, err := e.ProcessWin(ctx, "u1", "round-1", "bet-1", "client-1", money.FromInt64(450), 1.5); err != nil {
		t.Fatalf("expected ProcessWin to succeed once the kill switch releases, got %v", err)
	}
}

func TestProcessLoss_ReleasesLockWithoutCredit(t *testing.T) {
	f := newFakeStore()
	seedAccount(f, "u1", "1000")
	e := New(f)
	ctx := context.Background()

	if _, err := e.PlaceBet(ctx, "u1", "round-1", "client-1", "bet-1", money.FromInt64(300), nil); err != nil {
		t.Fatalf("PlaceBet: %v", err)
	}

	acc, err := e.ProcessLoss(ctx, "u1", "round-1", "bet-1", "client-1")
	if err != nil {
		t.Fatalf("ProcessLoss: %v", err)
	}
	if acc.Locked != "0" || acc.Available != "700" {
		t.Fatalf("unexpected post-loss state: %+v", acc)
	}

	bet, _ := f.GetBet(ctx, "bet-1")
	if bet.State != ledger.BetLost {
		t.Fatalf("expected bet state lost, got %s", bet.State)
	}
}

func TestRecordDeposit_CreditsOnceForDuplicateTxLog(t *testing.T) {
	f := newFakeStore()
	e := New(f)
	ctx := context.Background()

	acc1, inserted1, err := e.RecordDeposit(ctx, "u1", "0xdead", 3, money.FromInt64(5000))
	if err != nil || !inserted1 {
		t.Fatalf("first RecordDeposit: acc=%+v inserted=%v err=%v", acc1, inserted1, err)
	}

	acc2, inserted2, err := e.RecordDeposit(ctx, "u1", "0xdead", 3, money.FromInt64(5000))
	if err != nil {
		t.Fatalf("second RecordDeposit: %v", err)
	}
	if inserted2 {
		t.Fatalf("expected duplicate (tx_hash, log_index) to be a no-op")
	}
	if acc2.Available != "5000" {
		t.Fatalf("expected single credit of 5000, got %s", acc2.Available)
	}
}
