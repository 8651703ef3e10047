package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the spec.md §4.3 ledger store backed by a
// connection pool, grounded on the teacher's go-blueprint-style
// internal/database package (pgx, a Health()-shaped status surface)
// and other_examples' WizardBeardStudio wagering_postgres.go for the
// ON CONFLICT idempotency-insert idiom.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore dials url (a "postgres://..." DSN) and returns a
// ready Store. Callers should run migrations (internal/database)
// before constructing this.
func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("ledger: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger: ping: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	log.Println("[LEDGER] closing connection pool")
	s.pool.Close()
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (Account, error) {
	var a Account
	a.UserID = userID
	err := s.pool.QueryRow(ctx, `
		SELECT available::text, locked::text, version, frozen
		FROM accounts WHERE user_id = $1`, userID).
		Scan(&a.Available, &a.Locked, &a.Version, &a.Frozen)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{UserID: userID, Available: "0", Locked: "0", Version: 0, Frozen: false}, nil
	}
	if err != nil {
		return Account{}, fmt.Errorf("ledger: get account: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) Tx(ctx context.Context, fn TxFunc) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op once committed

	txs := &txStore{tx: tx}
	if err := fn(ctx, txs); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: commit: %w", err)
	}
	return nil
}

// txStore implements TxStore over a live pgx.Tx.
type txStore struct {
	tx pgx.Tx
}

func (t *txStore) GetAccountForUpdate(ctx context.Context, userID string) (Account, error) {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO accounts (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING`, userID)
	if err != nil {
		return Account{}, fmt.Errorf("ledger: ensure account row: %w", err)
	}

	var a Account
	a.UserID = userID
	err = t.tx.QueryRow(ctx, `
		SELECT available::text, locked::text, version, frozen
		FROM accounts WHERE user_id = $1 FOR UPDATE`, userID).
		Scan(&a.Available, &a.Locked, &a.Version, &a.Frozen)
	if err != nil {
		return Account{}, fmt.Errorf("ledger: lock account: %w", err)
	}
	return a, nil
}

func (t *txStore) SetAccount(ctx context.Context, a Account) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE accounts
		SET available = $2::numeric, locked = $3::numeric, version = $4, frozen = $5
		WHERE user_id = $1`,
		a.UserID, a.Available, a.Locked, a.Version, a.Frozen)
	if err != nil {
		return fmt.Errorf("ledger: set account: %w", err)
	}
	return nil
}

func (t *txStore) Append(ctx context.Context, e Entry) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO ledger_entries
			(user_id, op_type, amount, ref_client_id, ref_round_id, ref_tx_hash, ref_log_index, ref_bet_amount)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8::numeric)
		ON CONFLICT DO NOTHING`,
		e.UserID, string(e.OpType), e.Amount, e.Ref.ClientID, e.Ref.RoundID, e.Ref.TxHash,
		e.Ref.LogIndex, nullableNumeric(e.Ref.BetAmount))
	if err != nil {
		return false, fmt.Errorf("ledger: append entry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func nullableNumeric(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (t *txStore) GetBet(ctx context.Context, betID string) (Bet, error) {
	var b Bet
	b.BetID = betID
	err := t.tx.QueryRow(ctx, `
		SELECT round_id, user_id, stake::text, auto_cashout, state, cashout_multiplier, client_id
		FROM bets WHERE bet_id = $1`, betID).
		Scan(&b.RoundID, &b.UserID, &b.Stake, &b.AutoCashout, &b.State, &b.CashoutMultiplier, &b.ClientID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Bet{}, ErrNotFound
	}
	if err != nil {
		return Bet{}, fmt.Errorf("ledger: get bet: %w", err)
	}
	return b, nil
}

func (t *txStore) UpsertBet(ctx context.Context, b Bet) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO bets (bet_id, round_id, user_id, stake, auto_cashout, state, cashout_multiplier, client_id)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8)
		ON CONFLICT (bet_id) DO UPDATE SET
			state = EXCLUDED.state,
			cashout_multiplier = EXCLUDED.cashout_multiplier`,
		b.BetID, b.RoundID, b.UserID, b.Stake, b.AutoCashout, string(b.State), b.CashoutMultiplier, b.ClientID)
	if err != nil {
		return fmt.Errorf("ledger: upsert bet: %w", err)
	}
	return nil
}

func (t *txStore) FindOpenLock(ctx context.Context, userID, roundID, betClientID string) (Entry, error) {
	var e Entry
	e.UserID = userID
	e.OpType = OpBetLock
	e.Ref.RoundID = roundID
	e.Ref.ClientID = betClientID
	err := t.tx.QueryRow(ctx, `
		SELECT id, amount::text, created_at
		FROM ledger_entries
		WHERE user_id = $1 AND op_type = 'bet_lock' AND ref_round_id = $2 AND ref_client_id = $3`,
		userID, roundID, betClientID).
		Scan(&e.ID, &e.Amount, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: find open lock: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) CheckpointGet(ctx context.Context) (int64, error) {
	var v int64
	err := s.pool.QueryRow(ctx, `SELECT last_scanned_block FROM indexer_checkpoint WHERE id = 1`).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ledger: checkpoint get: %w", err)
	}
	return v, nil
}

func (s *PostgresStore) CheckpointSet(ctx context.Context, blockHeight int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO indexer_checkpoint (id, last_scanned_block) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET last_scanned_block = EXCLUDED.last_scanned_block`, blockHeight)
	if err != nil {
		return fmt.Errorf("ledger: checkpoint set: %w", err)
	}
	return nil
}

func (s *PostgresStore) PutRound(ctx context.Context, r Round) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rounds (round_id, commit_hash, server_seed, client_seed, nonce, crash_point, started_at, crashed_at, phase, house_edge)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		r.RoundID, r.CommitHash, r.ServerSeed, r.ClientSeed, r.Nonce, r.CrashPoint, r.StartedAt, r.CrashedAt, string(r.Phase), r.HouseEdge)
	if err != nil {
		return fmt.Errorf("ledger: put round: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateRound(ctx context.Context, r Round) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE rounds SET
			server_seed = $2, crash_point = $3, crashed_at = $4, phase = $5
		WHERE round_id = $1`,
		r.RoundID, r.ServerSeed, r.CrashPoint, r.CrashedAt, string(r.Phase))
	if err != nil {
		return fmt.Errorf("ledger: update round: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRound(ctx context.Context, roundID string) (Round, error) {
	var r Round
	var phase string
	r.RoundID = roundID
	err := s.pool.QueryRow(ctx, `
		SELECT commit_hash, server_seed, client_seed, nonce, crash_point, started_at, crashed_at, phase, house_edge
		FROM rounds WHERE round_id = $1`, roundID).
		Scan(&r.CommitHash, &r.ServerSeed, &r.ClientSeed, &r.Nonce, &r.CrashPoint, &r.StartedAt, &r.CrashedAt, &phase, &r.HouseEdge)
	if errors.Is(err, pgx.ErrNoRows) {
		return Round{}, ErrNotFound
	}
	if err != nil {
		return Round{}, fmt.Errorf("ledger: get round: %w", err)
	}
	r.Phase = RoundPhase(phase)
	return r, nil
}

func (s *PostgresStore) RecentRounds(ctx context.Context, limit int) ([]Round, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT round_id, commit_hash, server_seed, client_seed, nonce, crash_point, started_at, crashed_at, phase, house_edge
		FROM rounds ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: recent rounds: %w", err)
	}
	defer rows.Close()

	var out []Round
	for rows.Next() {
		var r Round
		var phase string
		if err := rows.Scan(&r.RoundID, &r.CommitHash, &r.ServerSeed, &r.ClientSeed, &r.Nonce, &r.CrashPoint, &r.StartedAt, &r.CrashedAt, &phase, &r.HouseEdge); err != nil {
			return nil, fmt.Errorf("ledger: scan round: %w", err)
		}
		r.Phase = RoundPhase(phase)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SumLedger(ctx context.Context, userID string) (string, string, error) {
	var available, locked string
	err := s.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN op_type IN ('deposit','bet_win','adjustment') THEN amount
			                  WHEN op_type IN ('withdraw','bet_lock') THEN -amount
			                  ELSE 0 END), 0)::text,
			COALESCE(SUM(CASE WHEN op_type = 'bet_lock' THEN amount
			                  WHEN op_type = 'bet_win' THEN -COALESCE(ref_bet_amount, 0)
			                  WHEN op_type = 'bet_lose' THEN -amount
			                  ELSE 0 END), 0)::text
		FROM ledger_entries WHERE user_id = $1`, userID).
		Scan(&available, &locked)
	if err != nil {
		return "", "", fmt.Errorf("ledger: sum ledger: %w", err)
	}
	return available, locked, nil
}

// TotalLedgerBalance sums each entry's effect on available+locked
// combined, which nets out the pass-through bet_lock leg entirely:
// a bet_lock moves money from available to locked with no combined
// change; a bet_win credits its payout and releases the matching
// ref_bet_amount lock; a bet_lose simply removes its amount (the
// stake never returns to the user); deposit/withdraw/adjustment move
// the combined total directly.
func (s *PostgresStore) TotalLedgerBalance(ctx context.Context) (string, error) {
	var total string
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(
			CASE WHEN op_type IN ('deposit','adjustment') THEN amount
			     WHEN op_type = 'withdraw' THEN -amount
			     WHEN op_type = 'bet_lock' THEN 0
			     WHEN op_type = 'bet_win' THEN amount - COALESCE(ref_bet_amount, 0)
			     WHEN op_type = 'bet_lose' THEN -amount
			     ELSE 0 END), 0)::text
		FROM ledger_entries`).Scan(&total)
	if err != nil {
		return "", fmt.Errorf("ledger: total ledger balance: %w", err)
	}
	return total, nil
}

func (s *PostgresStore) TotalSnapshotBalances(ctx context.Context) (string, error) {
	var total string
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(available + locked), 0)::text FROM accounts`).Scan(&total)
	if err != nil {
		return "", fmt.Errorf("ledger: total snapshot balances: %w", err)
	}
	return total, nil
}

func (s *PostgresStore) SetFrozen(ctx context.Context, userID string, frozen bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (user_id, frozen) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET frozen = EXCLUDED.frozen`, userID, frozen)
	if err != nil {
		return fmt.Errorf("ledger: set frozen: %w", err)
	}
	return nil
}

func (s *PostgresStore) PutDepositObservation(ctx context.Context, obs DepositObservation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO deposit_observations (tx_hash, log_index, user_id, amount, block_height, confirmations)
		VALUES ($1, $2, $3, $4::numeric, $5, $6)
		ON CONFLICT (tx_hash, log_index) DO UPDATE SET confirmations = EXCLUDED.confirmations`,
		obs.TxHash, obs.LogIndex, obs.UserID, obs.Amount, obs.BlockHeight, obs.Confirmations)
	if err != nil {
		return fmt.Errorf("ledger: put deposit observation: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDepositObservations(ctx context.Context, fromBlock, toBlock int64) ([]DepositObservation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tx_hash, log_index, user_id, amount, block_height, confirmations
		FROM deposit_observations WHERE block_height BETWEEN $1 AND $2`, fromBlock, toBlock)
	if err != nil {
		return nil, fmt.Errorf("ledger: list deposit observations: %w", err)
	}
	defer rows.Close()

	var out []DepositObservation
	for rows.Next() {
		var obs DepositObservation
		if err := rows.Scan(&obs.TxHash, &obs.LogIndex, &obs.UserID, &obs.Amount, &obs.BlockHeight, &obs.Confirmations); err != nil {
			return nil, fmt.Errorf("ledger: scan deposit observation: %w", err)
		}
		out = append(out, obs)
	}
	return out, rows.Err()
}

// The top-level PostgresStore must also satisfy TxStore. Only GetBet
// works outside a transaction (the same SQL as the Tx path); the other
// TxStore methods return an error saying they must run inside Tx.

func (s *PostgresStore) Append(ctx context.Context, e Entry) (bool, error) {
	return false, fmt.Errorf("ledger: Append must run inside Tx")
}

func (s *PostgresStore) SetAccount(ctx context.Context, a Account) error {
	return fmt.Errorf("ledger: SetAccount must run inside Tx")
}

func (s *PostgresStore) GetAccountForUpdate(ctx context.Context, userID string) (Account, error) {
	return Account{}, fmt.Errorf("ledger: GetAccountForUpdate must run inside Tx")
}

func (s *PostgresStore) GetBet(ctx context.Context, betID string) (Bet, error) {
	var b Bet
	b.BetID = betID
	err := s.pool.QueryRow(ctx, `
		SELECT round_id, user_id, stake::text, auto_cashout, state, cashout_multiplier, client_id
		FROM bets WHERE bet_id = $1`, betID).
		Scan(&b.RoundID, &b.UserID, &b.Stake, &b.AutoCashout, &b.State, &b.CashoutMultiplier, &b.ClientID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Bet{}, ErrNotFound
	}
	if err != nil {
		return Bet{}, fmt.Errorf("ledger: get bet: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) UpsertBet(ctx context.Context, b Bet) error {
	return fmt.Errorf("ledger: UpsertBet must run inside Tx")
}

func (s *PostgresStore) FindOpenLock(ctx context.Context, userID, roundID, betClientID string) (Entry, error) {
	return Entry{}, fmt.Errorf("ledger: FindOpenLock must run inside Tx")
}
