package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"VaultLedger/internal/persistence"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// RequireIntegration skips the test if not running integration tests.
func RequireIntegration(t *testing.T) {
	t.Helper()
	if os.Getenv("INTEGRATION_TEST") == "" {
		t.Skip("skipping integration test (set INTEGRATION_TEST=1 to run)")
	}
}

// SetupPostgres returns a migrated database. TEST_POSTGRES_DSN points at an
// existing server; otherwise a throwaway container is started.
func SetupPostgres(t *testing.T) *sql.DB {
	t.Helper()
	RequireIntegration(t)

	ctx := context.Background()
	dsn := os.Getenv("TEST_POSTGRES_DSN")

	if dsn == "" {
		container, err := postgres.Run(ctx, "postgres:15-alpine",
			postgres.WithDatabase("vaultledger_test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second),
			),
		)
		require.NoError(t, err, "failed to start postgres container")
		t.Cleanup(func() {
			if err := container.Terminate(context.Background()); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		dsn, err = container.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err, "failed to get connection string")
	}

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, db.PingContext(pingCtx), "postgres not reachable")

	require.NoError(t, persistence.NewMigrator(db, persistence.DefaultMigrations()).Up(ctx))

	t.Cleanup(func() {
		for _, table := range []string{
			"vault_ledger.events",
			"vault_ledger.allocations",
			"vault_ledger.vaults",
			"vault_ledger.assets",
			"vault_ledger.users",
			"vault_ledger.flows",
			"vault_ledger.user_vault_balances",
			"vault_ledger.user_stats",
			"vault_ledger.snapshots",
			"vault_ledger.checkpoint",
		} {
			db.Exec("TRUNCATE " + table + " CASCADE")
		}
	})
	return db
}
