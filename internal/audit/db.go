// Package audit implements the AuditSink: a batched, durable append-only
// log backed by sqlite, queryable with filters and pagination.
//
// The storage layer — migration embedding, the busy-timeout/foreign-keys
// pragma DSN, single-connection pooling, and the cross-process flock around
// migration application — follows the reference gateway's pkg/db/db.go
// pattern directly.
package audit

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/gofrs/flock"
	"github.com/jmoiron/sqlx"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// openDB opens (and migrates) the sqlite database at dbFile, serializing
// concurrent-process migration attempts with a filesystem lock exactly as
// the reference gateway's db package does.
func openDB(dbFile string) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", dbFile)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := runMigrations(dbFile, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func runMigrations(dbFile string, db *sqlx.DB) error {
	lockFile := dbFile + ".migrate.lock"
	fl := flock.New(lockFile)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	locked, err := fl.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("acquiring migration lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("timed out acquiring migration lock %s", lockFile)
	}
	defer fl.Unlock()

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}

	driver, err := msqlite.WithInstance(db.DB, &msqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}

	if err := m.Up(); err != nil {
		switch {
		case errors.Is(err, migrate.ErrNilVersion):
			// Fresh database; migrations applied from scratch, nothing to do.
		case errors.Is(err, migrate.ErrNoChange):
			// Already at latest version.
		case isDirty(err):
			return fmt.Errorf("audit database is in a dirty migration state and requires manual intervention: %w", err)
		case errors.Is(err, os.ErrNotExist):
			return fmt.Errorf("audit database version is ahead of the migrations available in this build: %w", err)
		default:
			return fmt.Errorf("applying migrations: %w", err)
		}
	}
	return nil
}

func isDirty(err error) bool {
	var dirty migrate.ErrDirty
	return errors.As(err, &dirty)
}

// dataFile is the default path of the sqlite database under a data directory.
func dataFile(dataDir string) string {
	return filepath.Join(dataDir, "audit.db")
}
