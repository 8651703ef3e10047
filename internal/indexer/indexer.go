package indexer

import (
	"context"
	"log"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"crashcore/internal/balance"
	"crashcore/internal/ledger"
	"crashcore/internal/money"
)

// Indexer is the C8 deposit watcher. It runs two loops against the
// chain: streamHints, which only logs how far ahead the chain head is
// (a latency signal, never authoritative), and pollLoop, which is the
// sole writer of confirmed deposits, walking block-by-block from the
// persisted checkpoint up to head-confirmations.
type Indexer struct {
	client        ChainClient
	store         ledger.Store
	balanceEngine *balance.Engine
	hotWallet     common.Address
	confirmations int64
	reorgBuffer   int64
	pollInterval  time.Duration

	stopCh chan struct{}
	done   chan struct{}
}

func New(client ChainClient, store ledger.Store, balanceEngine *balance.Engine, hotWallet common.Address, confirmations, reorgBuffer int, pollInterval time.Duration) *Indexer {
	return &Indexer{
		client:        client,
		store:         store,
		balanceEngine: balanceEngine,
		hotWallet:     hotWallet,
		confirmations: int64(confirmations),
		reorgBuffer:   int64(reorgBuffer),
		pollInterval:  pollInterval,
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled or Stop is called.
func (ix *Indexer) Run(ctx context.Context) {
	defer close(ix.done)
	go ix.streamHints(ctx)
	ix.pollLoop(ctx)
}

func (ix *Indexer) Stop() {
	select {
	case <-ix.stopCh:
	default:
		close(ix.stopCh)
	}
	<-ix.done
}

// streamHints subscribes to new chain heads purely to log how far
// ahead of our last confirmed checkpoint the chain tip is; it never
// drives a credit, since a head that later gets reorged out must never
// have caused money to move (spec.md §4.8's confirmation requirement).
func (ix *Indexer) streamHints(ctx context.Context) {
	heads := make(chan *types.Header, 16)
	sub, err := ix.client.SubscribeNewHead(ctx, heads)
	if err != nil {
		log.Printf("[INDEXER] streaming hint subscription unavailable, polling only: %v", err)
		return
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ix.stopCh:
			return
		case err := <-sub.Err():
			log.Printf("[INDEXER] head subscription error: %v", err)
			return
		case h := <-heads:
			log.Printf("[INDEXER] hint: chain head now %d", h.Number.Int64())
		}
	}
}

// pollLoop is the source of truth: it never trusts streamHints. Each
// pass re-walks only the last reorgBuffer blocks it has already
// checkpointed past (see pollOnce); nothing older is reprocessed.
func (ix *Indexer) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(ix.pollInterval)
	defer ticker.Stop()

	bo := newBackoff(500*time.Millisecond, 2*time.Minute, 5*time.Minute)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ix.stopCh:
			return
		case <-ticker.C:
			if err := ix.pollOnce(ctx); err != nil {
				delay, alert := bo.next()
				if alert {
					log.Printf("[INDEXER] chain RPC has been failing for 5+ minutes, still retrying: %v", err)
				} else {
					log.Printf("[INDEXER] poll failed, retrying in %v: %v", delay, err)
				}
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				case <-ix.stopCh:
					return
				}
				continue
			}
			bo.reset()
		}
	}
}

func (ix *Indexer) pollOnce(ctx context.Context) error {
	head, err := ix.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return err
	}
	target := new(big.Int).Sub(head.Number, big.NewInt(ix.confirmations))

	checkpoint, err := ix.store.CheckpointGet(ctx)
	if err != nil {
		return err
	}

	// reorgBuffer re-walks the last N already-checkpointed blocks on
	// every pass instead of trusting the prior scan was final, so a
	// shallow reorg that swapped a block's transactions after it first
	// cleared `confirmations` still gets re-observed. RecordDeposit's
	// (tx_hash, log_index) idempotency makes the re-walk a no-op for
	// blocks whose transactions didn't change.
	start := checkpoint - ix.reorgBuffer + 1
	if start < 1 {
		start = 1
	}

	prior, err := ix.store.ListDepositObservations(ctx, start, target.Int64())
	if err != nil {
		return err
	}

	seen := make(map[observationKey]bool)
	for n := start; n <= target.Int64(); n++ {
		if err := ix.scanBlock(ctx, n, seen); err != nil {
			return err
		}
		if n > checkpoint {
			if err := ix.store.CheckpointSet(ctx, n); err != nil {
				return err
			}
		}
	}

	for _, missing := range missingObservations(prior, seen) {
		log.Printf("[INDEXER] ALERT: deposit tx=%s log_index=%d user=%s block=%d observed on a prior pass is absent from canonical chain on this rescan (likely reorg); no ledger rollback needed since credits only land after the confirmation threshold",
			missing.TxHash, missing.LogIndex, missing.UserID, missing.BlockHeight)
	}
	return nil
}

// observationKey identifies one deposit_observations row the same way
// its unique index does.
type observationKey struct {
	TxHash   string
	LogIndex int64
}

// missingObservations returns every entry of prior whose key is absent
// from seen: rows this pass's rescan should have re-confirmed (they
// fall inside the re-walked range) but didn't find on chain again.
func missingObservations(prior []ledger.DepositObservation, seen map[observationKey]bool) []ledger.DepositObservation {
	var out []ledger.DepositObservation
	for _, obs := range prior {
		if !seen[observationKey{TxHash: obs.TxHash, LogIndex: obs.LogIndex}] {
			out = append(out, obs)
		}
	}
	return out
}

func (ix *Indexer) scanBlock(ctx context.Context, blockNum int64, seen map[observationKey]bool) error {
	block, err := ix.client.BlockByNumber(ctx, big.NewInt(blockNum))
	if err != nil {
		return err
	}

	for _, tx := range block.Transactions() {
		to := tx.To()
		if to == nil || *to != ix.hotWallet {
			continue
		}
		if tx.Value() == nil || tx.Value().Sign() <= 0 {
			continue
		}

		userID, ok := decodeMemo(tx.Data())
		tag := memoTag(tx.Data())
		if !ok {
			log.Printf("[INDEXER] unattributed deposit tx=%s tag=%s block=%d, skipping", tx.Hash().Hex(), tag, blockNum)
			continue
		}

		amount, err := money.Parse(tx.Value().String(), 0)
		if err != nil {
			log.Printf("[INDEXER] unparseable deposit amount tx=%s: %v", tx.Hash().Hex(), err)
			continue
		}

		seen[observationKey{TxHash: tx.Hash().Hex(), LogIndex: 0}] = true

		if err := ix.store.PutDepositObservation(ctx, ledger.DepositObservation{
			TxHash:        tx.Hash().Hex(),
			LogIndex:      0,
			UserID:        userID,
			Amount:        amount.String(),
			BlockHeight:   blockNum,
			Confirmations: ix.confirmations,
		}); err != nil {
			log.Printf("[INDEXER] failed to record deposit observation tx=%s: %v", tx.Hash().Hex(), err)
		}

		_, inserted, err := ix.balanceEngine.RecordDeposit(ctx, userID, tx.Hash().Hex(), 0, amount)
		if err != nil {
			return err
		}
		if inserted {
			log.Printf("[INDEXER] credited deposit user=%s amount=%s tx=%s tag=%s block=%d",
				userID, amount.String(), tx.Hash().Hex(), tag, blockNum)
		}
	}
	return nil
}
