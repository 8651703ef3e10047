package solvency

import (
	"context"
	"math/big"
	"testing"

	"crashcore/internal/ledger"
)

type fakeStore struct {
	ledgerTotal   string
	snapshotTotal string
}

func (f *fakeStore) Tx(ctx context.Context, fn ledger.TxFunc) error { return nil }
func (f *fakeStore) GetAccountForUpdate(ctx context.Context, userID string) (ledger.Account, error) {
	return ledger.Account{}, nil
}
func (f *fakeStore) GetAccount(ctx context.Context, userID string) (ledger.Account, error) {
	return ledger.Account{}, nil
}
func (f *fakeStore) Append(ctx context.Context, e ledger.Entry) (bool, error) { return true, nil }
func (f *fakeStore) SetAccount(ctx context.Context, a ledger.Account) error   { return nil }
func (f *fakeStore) GetBet(ctx context.Context, betID string) (ledger.Bet, error) {
	return ledger.Bet{}, ledger.ErrNotFound
}
func (f *fakeStore) UpsertBet(ctx context.Context, b ledger.Bet) error { return nil }
func (f *fakeStore) FindOpenLock(ctx context.Context, userID, roundID, betClientID string) (ledger.Entry, error) {
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
func (f *fakeStore) TotalSnapshotBalances(ctx context.Context) (string, error) {
	return f.snapshotTotal, nil
}
func (f *fakeStore) TotalLedgerBalance(ctx context.Context) (string, error) {
	return f.ledgerTotal, nil
}
func (f *fakeStore) SetFrozen(ctx context.Context, userID string, frozen bool) error { return nil }
func (f *fakeStore) PutDepositObservation(ctx context.Context, obs ledger.DepositObservation) error {
	return nil
}
func (f *fakeStore) ListDepositObservations(ctx context.Context, fromBlock, toBlock int64) ([]ledger.DepositObservation, error) {
	return nil, nil
}
func (f *fakeStore) Close() {}

type fakeChain struct {
	balance *big.Int
	err     error
}

func (f *fakeChain) HotWalletBalance(ctx context.Context) (*big.Int, error) {
	return f.balance, f.err
}

type fakeKillSwitch struct {
	engaged bool
}

func (f *fakeKillSwitch) SetKillSwitch(on bool)   { f.engaged = on }
func (f *fakeKillSwitch) KillSwitchEngaged() bool { return f.engaged }

func TestCheckNoDriftLeavesKillSwitchDisengaged(t *testing.T) {
	store := &fakeStore{ledgerTotal: "1000", snapshotTotal: "1000"}
	sched := &fakeKillSwitch{}
	w := New(store, nil, sched, 0, 0.9)

	if err := w.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if sched.KillSwitchEngaged() {
		t.Fatal("expected kill switch to remain disengaged when ledger and snapshot agree")
	}
	if w.LastDrift() != "0" {
		t.Fatalf("expected zero drift, got %q", w.LastDrift())
	}
}

func TestCheckDriftEngagesKillSwitch(t *testing.T) {
	store := &fakeStore{ledgerTotal: "1200", snapshotTotal: "1000"}
	sched := &fakeKillSwitch{}
	w := New(store, nil, sched, 0, 0.9)

	if err := w.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !sched.KillSwitchEngaged() {
		t.Fatal("expected kill switch to engage on nonzero drift")
	}
	if w.LastDrift() != "200" {
		t.Fatalf("expected drift 200, got %q", w.LastDrift())
	}
}

func TestCheckLiabilityRatioWithinThresholdLeavesKillSwitchDisengaged(t *testing.T) {
	store := &fakeStore{ledgerTotal: "1000", snapshotTotal: "1000"}
	chain := &fakeChain{balance: big.NewInt(2000)}
	sched := &fakeKillSwitch{}
	w := New(store, chain, sched, 0, 0.9)

	if err := w.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if sched.KillSwitchEngaged() {
		t.Fatal("expected kill switch to remain disengaged when liabilities are well covered")
	}
}

func TestCheckLiabilityRatioExceedingThresholdEngagesKillSwitch(t *testing.T) {
	store := &fakeStore{ledgerTotal: "1000", snapshotTotal: "1000"}
	chain := &fakeChain{balance: big.NewInt(1001)} // ratio ~0.999 > 0.9 threshold
	sched := &fakeKillSwitch{}
	w := New(store, chain, sched, 0, 0.9)

	if err := w.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !sched.KillSwitchEngaged() {
		t.Fatal("expected kill switch to engage when liabilities / hot wallet balance exceeds the threshold")
	}
}

func TestCheckZeroOnchainBalanceAgainstLiabilitiesEngagesKillSwitch(t *testing.T) {
	store := &fakeStore{ledgerTotal: "1000", snapshotTotal: "1000"}
	chain := &fakeChain{balance: big.NewInt(0)}
	sched := &fakeKillSwitch{}
	w := New(store, chain, sched, 0, 0.9)

	if err := w.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !sched.KillSwitchEngaged() {
		t.Fatal("expected kill switch to engage when the hot wallet is empty against outstanding liabilities")
	}
}
