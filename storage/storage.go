package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"loyaltyd/models"
)

// ErrDSNRequired is returned when the database DSN is missing.
var ErrDSNRequired = errors.New("storage: database DSN must be configured")

// DB wraps the relational store shared by every worker.
type DB struct {
	gorm *gorm.DB

	// rowLocks is false for single-writer deployments and for dialects
	// without SELECT ... FOR UPDATE SKIP LOCKED support.
	rowLocks bool
}

// Option customises the store handle.
type Option func(*DB)

// WithoutRowLocks disables the SKIP LOCKED selection clause. Used by
// single-writer test builds.
func WithoutRowLocks() Option {
	return func(db *DB) { db.rowLocks = false }
}

// Open connects to PostgreSQL using the provided DSN and applies migrations.
func Open(dsn string, opts ...Option) (*DB, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrDSNRequired
	}
	gdb, err := gorm.Open(postgres.Open(trimmed), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := models.AutoMigrate(gdb); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	db := &DB{gorm: gdb, rowLocks: true}
	for _, opt := range opts {
		opt(db)
	}
	return db, nil
}

// OpenSQLite connects to a sqlite database. Intended for tests and local
// development; sqlite is a single-writer store so row locking is disabled.
func OpenSQLite(path string, opts ...Option) (*DB, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		trimmed = "file::memory:?cache=shared"
	}
	gdb, err := gorm.Open(sqlite.Open(trimmed), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := models.AutoMigrate(gdb); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	db := &DB{gorm: gdb, rowLocks: false}
	for _, opt := range opts {
		opt(db)
	}
	return db, nil
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// Gorm exposes the underlying handle for query construction.
func (d *DB) Gorm() *gorm.DB {
	if d == nil {
		return nil
	}
	return d.gorm
}

// RowLocks reports whether pessimistic row locking is in effect.
func (d *DB) RowLocks() bool {
	return d != nil && d.rowLocks
}

// Transaction runs fn inside one database transaction.
func (d *DB) Transaction(fn func(tx *gorm.DB) error) error {
	if d == nil || d.gorm == nil {
		return fmt.Errorf("storage not configured")
	}
	return d.gorm.Transaction(fn)
}

// LockClause returns the locking clause used when claiming work rows. Under
// single-writer builds the clause is omitted entirely.
func (d *DB) LockClause(tx *gorm.DB) *gorm.DB {
	if d == nil || !d.rowLocks {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
}

// Close releases database resources.
func (d *DB) Close() error {
	if d == nil || d.gorm == nil {
		return nil
	}
	sqlDB, err := d.gorm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
