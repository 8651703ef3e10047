// Package ledger implements the append-only journal and snapshot
// account store of spec.md §3/§4.3: a relational engine exposing
// append(), get_account(), tx() and checkpoint_get/set(), with the
// unique indexes that make every client-initiated and chain-initiated
// operation idempotent.
package ledger

import "time"

// OpType is the discriminator of a ledger entry, spec.md §3.
type OpType string

const (
	OpDeposit    OpType = "deposit"
	OpWithdraw   OpType = "withdraw"
	OpBetLock    OpType = "bet_lock"
	OpBetWin     OpType = "bet_win"
	OpBetLose    OpType = "bet_lose"
	OpAdjustment OpType = "adjustment"
)

// Ref is the structured reference carried by every ledger entry.
// Exactly which fields are populated depends on OpType: client-
// initiated operations set ClientID; chain-initiated deposits set
// TxHash/LogIndex instead.
type Ref struct {
	ClientID  string `json:"client_id,omitempty"`
	RoundID   string `json:"round_id,omitempty"`
	TxHash    string `json:"tx_hash,omitempty"`
	LogIndex  *int64 `json:"log_index,omitempty"`
	BetAmount string `json:"bet_amount,omitempty"` // decimal string, base units
}

// Entry is one immutable row of the append-only journal.
type Entry struct {
	ID        int64
	UserID    string
	OpType    OpType
	Amount    string // decimal string, base units, always >= 0
	Ref       Ref
	CreatedAt time.Time
}

// Account is the snapshot balance row for one user.
type Account struct {
	UserID    string
	Available string // decimal string, base units
	Locked    string // decimal string, base units
	Version   int64
	Frozen    bool
}

// RoundPhase mirrors spec.md §3's Round.phase enum.
type RoundPhase string

const (
	PhaseBetting  RoundPhase = "betting"
	PhaseRunning  RoundPhase = "running"
	PhaseSettling RoundPhase = "settling"
	PhaseRevealed RoundPhase = "revealed"
)

// Round is the persisted record of one round, written once at
// creation and updated (not append-only, unlike Entry) as it moves
// through its phases.
type Round struct {
	RoundID     string
	CommitHash  string
	ServerSeed  string // empty until revealed
	ClientSeed  string
	Nonce       int64
	CrashPoint  float64
	StartedAt   time.Time
	CrashedAt   *time.Time
	Phase       RoundPhase
	HouseEdge   float64
}

// BetState mirrors spec.md §3's Bet.state enum.
type BetState string

const (
	BetPlaced    BetState = "placed"
	BetCashedOut BetState = "cashed_out"
	BetLost      BetState = "lost"
	BetCancelled BetState = "cancelled"
)

// Bet is the persisted record of one bet; the authoritative in-round
// working copy lives in internal/betbook, this is the durable record
// written on placement and updated at settlement/cashout.
type Bet struct {
	BetID             string
	RoundID           string
	UserID            string
	Stake             string // decimal string, base units
	AutoCashout       *float64
	State             BetState
	CashoutMultiplier *float64
	ClientID          string
}

// DepositObservation is one attributed, confirmed on-chain transfer.
type DepositObservation struct {
	TxHash        string
	LogIndex      int64
	UserID        string
	Amount        string // decimal string, base units
	BlockHeight   int64
	Confirmations int64
}
