package ledger

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"crashcore/internal/database"
)

var integrationDSN string

func mustStartPostgresContainer() (func(context.Context, ...testcontainers.TerminateOption) error, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := tcpostgres.Run(
		ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("ledger"),
		tcpostgres.WithUsername("ledger"),
		tcpostgres.WithPassword("ledger"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		return nil, err
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return container.Terminate, err
	}
	integrationDSN = dsn

	return container.Terminate, nil
}

func isDockerAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		return false
	}
	defer provider.Close()

	_, err = provider.DaemonHost(ctx)
	return err == nil
}

func TestMain(m *testing.M) {
	if os.Getenv("SKIP_INTEGRATION") != "" {
		os.Exit(0)
	}
	if os.Getenv("CI") == "" && !isDockerAvailable() {
		os.Exit(0)
	}

	teardown, err := mustStartPostgresContainer()
	if err != nil {
		os.Exit(0)
	}

	if err := runMigrationsForTest(); err != nil {
		teardown(context.Background())
		os.Exit(1)
	}

	code := m.Run()

	teardown(context.Background())
	os.Exit(code)
}

func runMigrationsForTest() error {
	db, err := sql.Open("pgx", integrationDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	return database.RunMigrations(db, "../../migrations")
}

func newTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	store, err := NewPostgresStore(context.Background(), integrationDSN)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestAppendIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := Entry{
		UserID: "user-append-idem",
		OpType: OpDeposit,
		Amount: "1000000000000000000",
		Ref:    Ref{TxHash: "0xabc", LogIndex: int64Ptr(0)},
	}

	var firstInserted, secondInserted bool
	err := store.Tx(ctx, func(ctx context.Context, tx TxStore) error {
		inserted, err := tx.Append(ctx, entry)
		firstInserted = inserted
		return err
	})
	if err != nil {
		t.Fatalf("first append: %v", err)
	}
	if !firstInserted {
		t.Fatalf("expected first append to insert")
	}

	err = store.Tx(ctx, func(ctx context.Context, tx TxStore) error {
		inserted, err := tx.Append(ctx, entry)
		secondInserted = inserted
		return err
	})
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if secondInserted {
		t.Fatalf("expected duplicate append to be a no-op")
	}
}

func TestGetAccountForUpdateCreatesZeroRow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var acc Account
	err := store.Tx(ctx, func(ctx context.Context, tx TxStore) error {
		var err error
		acc, err = tx.GetAccountForUpdate(ctx, "user-new-account")
		return err
	})
	if err != nil {
		t.Fatalf("GetAccountForUpdate: %v", err)
	}
	if acc.Available != "0" || acc.Locked != "0" || acc.Version != 0 || acc.Frozen {
		t.Fatalf("expected zeroed account, got %+v", acc)
	}
}

func TestSetAccountPersistsAcrossTransactions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.Tx(ctx, func(ctx context.Context, tx TxStore) error {
		acc, err := tx.GetAccountForUpdate(ctx, "user-persist")
		if err != nil {
			return err
		}
		acc.Available = "500"
		acc.Version++
		return tx.SetAccount(ctx, acc)
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	acc, err := store.GetAccount(ctx, "user-persist")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acc.Available != "500" || acc.Version != 1 {
		t.Fatalf("expected persisted balance, got %+v", acc)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CheckpointSet(ctx, 12345); err != nil {
		t.Fatalf("CheckpointSet: %v", err)
	}
	got, err := store.CheckpointGet(ctx)
	if err != nil {
		t.Fatalf("CheckpointGet: %v", err)
	}
	if got != 12345 {
		t.Fatalf("CheckpointGet = %d, want 12345", got)
	}
}

func int64Ptr(v int64) *int64 { return &v }
