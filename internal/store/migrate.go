package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"blueshot/api/internal/logger"
)

// migrationLockKey is the advisory lock that keeps replicas booting at the
// same time from applying the same migration twice.
const migrationLockKey = 720_011

var migrationName = regexp.MustCompile(`^(\d+)_[a-z0-9_]+\.(up|down)\.sql$`)

// migration is one numbered schema step. Version is the up file's base name,
// which is what schema_migrations records.
type migration struct {
	Number  string
	Version string
	Up      string
	Down    string
}

// loadMigrations pairs the up and down files in dir, ordered by number.
func loadMigrations(dir string) ([]migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	byNumber := map[string]*migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationName.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		m := byNumber[match[1]]
		if m == nil {
			m = &migration{Number: match[1]}
			byNumber[match[1]] = m
		}
		path := filepath.Join(dir, entry.Name())
		switch match[2] {
		case "up":
			if m.Up != "" {
				return nil, fmt.Errorf("migration %s: duplicate up file", m.Number)
			}
			m.Up, m.Version = path, entry.Name()
		case "down":
			if m.Down != "" {
				return nil, fmt.Errorf("migration %s: duplicate down file", m.Number)
			}
			m.Down = path
		}
	}

	out := make([]migration, 0, len(byNumber))
	for _, m := range byNumber {
		if m.Up == "" || m.Down == "" {
			return nil, fmt.Errorf("migration %s: needs both up and down files", m.Number)
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// ApplyMigrations runs every pending up migration in dir, one transaction
// per step, under a session advisory lock.
func ApplyMigrations(ctx context.Context, db *sql.DB, dir string) error {
	migrations, err := loadMigrations(dir)
	if err != nil {
		return err
	}
	return withMigrationLock(ctx, db, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS schema_migrations (
				version TEXT PRIMARY KEY,
				applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`); err != nil {
			return fmt.Errorf("ensure schema_migrations: %w", err)
		}

		applied, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}
		log := logger.With("store")
		for _, m := range migrations {
			if applied[m.Version] {
				continue
			}
			err := runStep(ctx, conn, m.Up, func(tx *sql.Tx) error {
				_, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, m.Version)
				return err
			})
			if err != nil {
				return fmt.Errorf("apply migration %s: %w", m.Version, err)
			}
			log.Info().Str("version", m.Version).Msg("migration applied")
		}
		return nil
	})
}

// RollbackMigrations reverts the most recent steps applied migrations,
// newest first. steps <= 0 reverts all of them.
func RollbackMigrations(ctx context.Context, db *sql.DB, dir string, steps int) error {
	migrations, err := loadMigrations(dir)
	if err != nil {
		return err
	}
	return withMigrationLock(ctx, db, func(conn *sql.Conn) error {
		applied, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}
		log := logger.With("store")
		reverted := 0
		for i := len(migrations) - 1; i >= 0; i-- {
			if steps > 0 && reverted == steps {
				break
			}
			m := migrations[i]
			if !applied[m.Version] {
				continue
			}
			err := runStep(ctx, conn, m.Down, func(tx *sql.Tx) error {
				_, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version=$1`, m.Version)
				return err
			})
			if err != nil {
				return fmt.Errorf("revert migration %s: %w", m.Version, err)
			}
			reverted++
			log.Info().Str("version", m.Version).Msg("migration reverted")
		}
		return nil
	})
}

func withMigrationLock(ctx context.Context, db *sql.DB, fn func(*sql.Conn) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("migration conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockKey)
	}()
	return fn(conn)
}

func appliedVersions(ctx context.Context, conn *sql.Conn) (map[string]bool, error) {
	applied := map[string]bool{}
	rows, err := conn.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		// Nothing applied yet when the bookkeeping table does not exist.
		if exists, checkErr := tableExists(ctx, conn, "schema_migrations"); checkErr == nil && !exists {
			return applied, nil
		}
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func tableExists(ctx context.Context, conn *sql.Conn, table string) (bool, error) {
	var exists bool
	err := conn.QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, table).Scan(&exists)
	return exists, err
}

// runStep executes the SQL file at path and the bookkeeping in one transaction.
func runStep(ctx context.Context, conn *sql.Conn, path string, record func(*sql.Tx) error) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, string(contents)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := record(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
