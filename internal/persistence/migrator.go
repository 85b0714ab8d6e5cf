package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"

	"VaultLedger/internal/observability"

	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// ErrMigrationDrift means an applied migration file changed on disk.
var ErrMigrationDrift = errors.New("applied migration was modified")

// migrationLockID serializes concurrent migrators (pg_advisory_xact_lock).
const migrationLockID = 0x7661756c74 // "vault"

// DefaultMigrations returns the migrations compiled into the binary.
func DefaultMigrations() fs.FS {
	sub, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		panic(fmt.Sprintf("embedded migrations: %v", err))
	}
	return sub
}

// Migrator applies {version}_{name}.up.sql / .down.sql files in version
// order and records each in vault_ledger.schema_migrations with a checksum.
type Migrator struct {
	db     *sql.DB
	files  fs.FS
	logger zerolog.Logger
}

// NewMigrator reads migrations from files. Pass DefaultMigrations() for the
// embedded set or os.DirFS(dir) for an external directory.
func NewMigrator(db *sql.DB, files fs.FS) *Migrator {
	return &Migrator{db: db, files: files, logger: observability.NewLogger("migrator")}
}

type migration struct {
	version  string
	upFile   string
	checksum string
}

// Up applies every pending migration. Each runs in its own transaction
// under an advisory lock, so two instances starting together apply it once.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	pending, err := m.plan(ctx)
	if err != nil {
		return err
	}

	for _, mig := range pending {
		script, err := fs.ReadFile(m.files, mig.upFile)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", mig.upFile, err)
		}
		applied, err := m.runLocked(ctx, func(tx *sql.Tx) (bool, error) {
			var exists bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM vault_ledger.schema_migrations WHERE version = $1)`,
				mig.version,
			).Scan(&exists); err != nil {
				return false, err
			}
			if exists {
				return false, nil
			}
			if _, err := tx.ExecContext(ctx, string(script)); err != nil {
				return false, fmt.Errorf("exec: %w", err)
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO vault_ledger.schema_migrations (version, filename, checksum) VALUES ($1, $2, $3)`,
				mig.version, mig.upFile, mig.checksum,
			)
			return true, err
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", mig.upFile, err)
		}
		if applied {
			m.logger.Info().Str("file", mig.upFile).Msg("applied migration")
		}
	}
	return nil
}

// Down rolls back the latest applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return err
	}

	var version, filename string
	err := m.db.QueryRowContext(ctx,
		`SELECT version, filename FROM vault_ledger.schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version, &filename)
	if errors.Is(err, sql.ErrNoRows) {
		m.logger.Info().Msg("nothing to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("latest migration: %w", err)
	}

	downFile := strings.TrimSuffix(filename, ".up.sql") + ".down.sql"
	script, err := fs.ReadFile(m.files, downFile)
	if err != nil {
		return fmt.Errorf("read down migration %s: %w", downFile, err)
	}

	_, err = m.runLocked(ctx, func(tx *sql.Tx) (bool, error) {
		if _, err := tx.ExecContext(ctx, string(script)); err != nil {
			return false, fmt.Errorf("exec: %w", err)
		}
		// The down script may drop the schema along with the tracking table.
		var tracked bool
		if err := tx.QueryRowContext(ctx,
			`SELECT to_regclass('vault_ledger.schema_migrations') IS NOT NULL`,
		).Scan(&tracked); err != nil || !tracked {
			return true, err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM vault_ledger.schema_migrations WHERE version = $1`, version)
		return true, err
	})
	if err != nil {
		return fmt.Errorf("down migration %s: %w", downFile, err)
	}
	m.logger.Info().Str("file", downFile).Msg("rolled back migration")
	return nil
}

// Pending lists the up files not applied yet.
func (m *Migrator) Pending(ctx context.Context) ([]string, error) {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return nil, err
	}
	plan, err := m.plan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(plan))
	for _, mig := range plan {
		out = append(out, mig.upFile)
	}
	return out, nil
}

// plan returns the unapplied migrations and fails on checksum drift.
func (m *Migrator) plan(ctx context.Context) ([]migration, error) {
	available, err := m.readMigrations()
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	applied, err := m.appliedChecksums(ctx)
	if err != nil {
		return nil, fmt.Errorf("applied migrations: %w", err)
	}

	var pending []migration
	for _, mig := range available {
		sum, ok := applied[mig.version]
		switch {
		case !ok:
			pending = append(pending, mig)
		case sum != "" && sum != mig.checksum:
			return nil, fmt.Errorf("%w: %s", ErrMigrationDrift, mig.upFile)
		}
	}
	return pending, nil
}

func (m *Migrator) runLocked(ctx context.Context, fn func(tx *sql.Tx) (bool, error)) (bool, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockID); err != nil {
		return false, fmt.Errorf("advisory lock: %w", err)
	}
	done, err := fn(tx)
	if err != nil {
		return false, err
	}
	return done, tx.Commit()
}

func (m *Migrator) ensureMigrationTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE SCHEMA IF NOT EXISTS vault_ledger;
		CREATE TABLE IF NOT EXISTS vault_ledger.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			checksum   TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (m *Migrator) appliedChecksums(ctx context.Context) (map[string]string, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version, checksum FROM vault_ledger.schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var v, sum string
		if err := rows.Scan(&v, &sum); err != nil {
			return nil, err
		}
		applied[v] = sum
	}
	return applied, rows.Err()
}

// readMigrations loads every up file sorted by version.
func (m *Migrator) readMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(m.files, ".")
	if err != nil {
		return nil, err
	}

	var out []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".up.sql") {
			continue
		}
		content, err := fs.ReadFile(m.files, e.Name())
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(content)
		out = append(out, migration{
			version:  migrationVersion(e.Name()),
			upFile:   e.Name(),
			checksum: hex.EncodeToString(sum[:]),
		})
	}
	slices.SortFunc(out, func(a, b migration) int { return strings.Compare(a.version, b.version) })
	return out, nil
}

// migrationVersion returns the prefix before the first underscore:
// "000001_vault_ledger.up.sql" -> "000001".
func migrationVersion(filename string) string {
	version, _, _ := strings.Cut(filename, "_")
	return version
}
