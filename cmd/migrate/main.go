package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	"VaultLedger/internal/observability"
	"VaultLedger/internal/persistence"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down|status>")
		fmt.Println("  up     - apply all pending migrations")
		fmt.Println("  down   - roll back the last migration")
		fmt.Println("  status - list pending migrations")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  VAULT_POSTGRES_DSN    - Postgres connection string")
		fmt.Println("  VAULT_MIGRATIONS_DIR  - migrations directory (default: embedded)")
		os.Exit(1)
	}

	_ = godotenv.Load()
	logger := observability.NewLogger("migrate")

	pgURL := os.Getenv("VAULT_POSTGRES_DSN")
	if pgURL == "" {
		pgURL = "postgres://localhost:5432/vaultledger?sslmode=disable"
	}

	db, err := sql.Open("postgres", pgURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	files := persistence.DefaultMigrations()
	if dir := os.Getenv("VAULT_MIGRATIONS_DIR"); dir != "" {
		files = os.DirFS(dir)
	}

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, files)

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	case "status":
		pending, err := migrator.Pending(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("list pending")
		}
		if len(pending) == 0 {
			fmt.Println("up to date")
			return
		}
		fmt.Println("pending: " + strings.Join(pending, ", "))

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'status')\n", os.Args[1])
		os.Exit(1)
	}
}
