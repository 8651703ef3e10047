// Package balance implements the engine of spec.md §4.4: the single
// choke point through which every stake, payout and deposit mutates
// an account. It speaks only in internal/money.BaseUnits and delegates
// all durability and locking to internal/ledger.Store, grounded on the
// teacher's processBet/processCashout pair in internal/game/manager.go
// (same responsibilities — validate, mutate, broadcast — but every
// mutation now goes through a serializable transaction with an
// idempotent journal insert, instead of a bare Redis IncrByFloat).
package balance

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"

	"crashcore/internal/apperr"
	"crashcore/internal/ledger"
	"crashcore/internal/money"
)

// Engine is the C4 balance/ledger engine.
type Engine struct {
	store      ledger.Store
	killSwitch atomic.Bool
}

func New(store ledger.Store) *Engine {
	return &Engine{store: store}
}

// SetKillSwitch engages or releases the solvency watchdog's kill
// switch (spec.md §4.9): engaged, ProcessWin refuses to credit new
// wins while deposits still flow in freely through RecordDeposit.
func (e *Engine) SetKillSwitch(on bool) {
	e.killSwitch.Store(on)
}

// PlaceBet locks stake out of userID's available balance into locked,
// keyed by clientID for idempotent retries (spec.md §4.4 place_bet),
// and writes the durable Bet record (betID, autoCashout) in the same
// transaction as the lock so the two can never diverge.
func (e *Engine) PlaceBet(ctx context.Context, userID, roundID, clientID, betID string, stake money.BaseUnits, autoCashout *float64) (ledger.Account, error) {
	var acc ledger.Account
	err := e.store.Tx(ctx, func(ctx context.Context, tx ledger.TxStore) error {
		var err error
		acc, err = tx.GetAccountForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if acc.Frozen {
			return apperr.ErrFrozen
		}

		avail, err := money.Parse(acc.Available, 0)
		if err != nil {
			return fmt.Errorf("balance: parse available: %w", err)
		}
		if avail.Cmp(stake) < 0 {
			return apperr.ErrInsufficientFunds
		}

		inserted, err := tx.Append(ctx, ledger.Entry{
			UserID: userID,
			OpType: ledger.OpBetLock,
			Amount: stake.String(),
			Ref:    ledger.Ref{ClientID: clientID, RoundID: roundID},
		})
		if err != nil {
			return fmt.Errorf("balance: append bet_lock: %w", err)
		}
		if !inserted {
			// Idempotent replay: the lock already landed, leave the
			// snapshot untouched and report the duplicate to the caller.
			return apperr.ErrDuplicate
		}

		locked, err := money.Parse(acc.Locked, 0)
		if err != nil {
			return fmt.Errorf("balance: parse locked: %w", err)
		}
		newAvail, err := money.Sub(avail, stake)
		if err != nil {
			return apperr.ErrInsufficientFunds
		}
		acc.Available = newAvail.String()
		acc.Locked = money.Add(locked, stake).String()
		acc.Version++

		if err := tx.SetAccount(ctx, acc); err != nil {
			return fmt.Errorf("balance: set account: %w", err)
		}

		if err := tx.UpsertBet(ctx, ledger.Bet{
			BetID:       betID,
			RoundID:     roundID,
			UserID:      userID,
			Stake:       stake.String(),
			AutoCashout: autoCashout,
			State:       ledger.BetPlaced,
			ClientID:    clientID,
		}); err != nil {
			return fmt.Errorf("balance: upsert bet: %w", err)
		}
		return nil
	})
	if err != nil {
		return ledger.Account{}, err
	}
	log.Printf("[BALANCE] user=%s locked=%s round=%s client=%s bet=%s", userID, stake.String(), roundID, clientID, betID)
	return acc, nil
}

// ProcessWin releases betID's lock and credits payout, keyed by betID
// for idempotent retries. betClientID is the client_id the original
// place_bet used; it identifies which bet_lock entry to release.
func (e *Engine) ProcessWin(ctx context.Context, userID, roundID, betID, betClientID string, payout money.BaseUnits, cashoutMultiplier float64) (ledger.Account, error) {
	if e.killSwitch.Load() {
		return ledger.Account{}, apperr.ErrSolvencyBlocked
	}

	var acc ledger.Account
	err := e.store.Tx(ctx, func(ctx context.Context, tx ledger.TxStore) error {
		lock, err := tx.FindOpenLock(ctx, userID, roundID, betClientID)
		if err != nil {
			if err == ledger.ErrNotFound {
				return apperr.ErrNoMatchingLock
			}
			return fmt.Errorf("balance: find open lock: %w", err)
		}
		stake, err := money.Parse(lock.Amount, 0)
		if err != nil {
			return fmt.Errorf("balance: parse lock amount: %w", err)
		}

		acc, err = tx.GetAccountForUpdate(ctx, userID)
		if err != nil {
			return err
		}

		inserted, err := tx.Append(ctx, ledger.Entry{
			UserID: userID,
			OpType: ledger.OpBetWin,
			Amount: payout.String(),
			Ref:    ledger.Ref{ClientID: betID, RoundID: roundID, BetAmount: stake.String()},
		})
		if err != nil {
			return fmt.Errorf("balance: append bet_win: %w", err)
		}
		if !inserted {
			return apperr.ErrDuplicate
		}

		locked, err := money.Parse(acc.Locked, 0)
		if err != nil {
			return fmt.Errorf("balance: parse locked: %w", err)
		}
		avail, err := money.Parse(acc.Available, 0)
		if err != nil {
			return fmt.Errorf("balance: parse available: %w", err)
		}
		newLocked, err := money.Sub(locked, stake)
		if err != nil {
			return fmt.Errorf("balance: release lock: %w", err)
		}
		acc.Locked = newLocked.String()
		acc.Available = money.Add(avail, payout).String()
		acc.Version++

		if err := tx.SetAccount(ctx, acc); err != nil {
			return fmt.Errorf("balance: set account: %w", err)
		}

		bet, err := tx.GetBet(ctx, betID)
		if err != nil && err != ledger.ErrNotFound {
			return fmt.Errorf("balance: get bet: %w", err)
		}
		mult := cashoutMultiplier
		bet.BetID = betID
		bet.State = ledger.BetCashedOut
		bet.CashoutMultiplier = &mult
		if err := tx.UpsertBet(ctx, bet); err != nil {
			return fmt.Errorf("balance: upsert bet: %w", err)
		}
		return nil
	})
	if err != nil {
		return ledger.Account{}, err
	}
	log.Printf("[BALANCE] user=%s won=%s round=%s bet=%s mult=%.2f", userID, payout.String(), roundID, betID, cashoutMultiplier)
	return acc, nil
}

// ProcessLoss releases betID's lock without any credit: the locked
// stake is simply removed from the user's locked bucket.
func (e *Engine) ProcessLoss(ctx context.Context, userID, roundID, betID, betClientID string) (ledger.Account, error) {
	var acc ledger.Account
	var lockedAmount string
	err := e.store.Tx(ctx, func(ctx context.Context, tx ledger.TxStore) error {
		lock, err := tx.FindOpenLock(ctx, userID, roundID, betClientID)
		if err != nil {
			if err == ledger.ErrNotFound {
				return apperr.ErrNoMatchingLock
			}
			return fmt.Errorf("balance: find open lock: %w", err)
		}
		stake, err := money.Parse(lock.Amount, 0)
		if err != nil {
			return fmt.Errorf("balance: parse lock amount: %w", err)
		}
		lockedAmount = stake.String()

		acc, err = tx.GetAccountForUpdate(ctx, userID)
		if err != nil {
			return err
		}

		inserted, err := tx.Append(ctx, ledger.Entry{
			UserID: userID,
			OpType: ledger.OpBetLose,
			Amount: stake.String(),
			Ref:    ledger.Ref{ClientID: betID, RoundID: roundID},
		})
		if err != nil {
			return fmt.Errorf("balance: append bet_lose: %w", err)
		}
		if !inserted {
			return apperr.ErrDuplicate
		}

		locked, err := money.Parse(acc.Locked, 0)
		if err != nil {
			return fmt.Errorf("balance: parse locked: %w", err)
		}
		newLocked, err := money.Sub(locked, stake)
		if err != nil {
			return fmt.Errorf("balance: release lock: %w", err)
		}
		acc.Locked = newLocked.String()
		acc.Version++

		if err := tx.SetAccount(ctx, acc); err != nil {
			return fmt.Errorf("balance: set account: %w", err)
		}

		bet, err := tx.GetBet(ctx, betID)
		if err != nil && err != ledger.ErrNotFound {
			return fmt.Errorf("balance: get bet: %w", err)
		}
		bet.BetID = betID
		bet.State = ledger.BetLost
		if err := tx.UpsertBet(ctx, bet); err != nil {
			return fmt.Errorf("balance: upsert bet: %w", err)
		}
		return nil
	})
	if err != nil {
		return ledger.Account{}, err
	}
	log.Printf("[BALANCE] user=%s lost=%s round=%s bet=%s", userID, lockedAmount, roundID, betID)
	return acc, nil
}

// RecordDeposit credits a confirmed on-chain transfer, idempotent on
// (txHash, logIndex) via the ledger's unique index (spec.md §4.8).
func (e *Engine) RecordDeposit(ctx context.Context, userID, txHash string, logIndex int64, amount money.BaseUnits) (ledger.Account, bool, error) {
	var acc ledger.Account
	inserted := false
	err := e.store.Tx(ctx, func(ctx context.Context, tx ledger.TxStore) error {
		var err error
		acc, err = tx.GetAccountForUpdate(ctx, userID)
		if err != nil {
			return err
		}

		logIdx := logIndex
		inserted, err = tx.Append(ctx, ledger.Entry{
			UserID: userID,
			OpType: ledger.OpDeposit,
			Amount: amount.String(),
			Ref:    ledger.Ref{TxHash: txHash, LogIndex: &logIdx},
		})
		if err != nil {
			return fmt.Errorf("balance: append deposit: %w", err)
		}
		if !inserted {
			return nil
		}

		avail, err := money.Parse(acc.Available, 0)
		if err != nil {
			return fmt.Errorf("balance: parse available: %w", err)
		}
		acc.Available = money.Add(avail, amount).String()
		acc.Version++
		return tx.SetAccount(ctx, acc)
	})
	if err != nil {
		return ledger.Account{}, false, err
	}
	if inserted {
		log.Printf("[BALANCE] user=%s deposit=%s tx=%s#%d", userID, amount.String(), txHash, logIndex)
	}
	return acc, inserted, nil
}
