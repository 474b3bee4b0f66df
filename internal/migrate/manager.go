// Package migrate applies the embedded Postgres schema with goose.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"

	"ridehub.io/internal/store/pg/migrations"
)

const defaultDialect = "postgres"

// goose keeps its base filesystem and dialect in package state; these seams
// let tests run without a database.
var (
	gooseUp      = goose.UpContext
	gooseDown    = goose.DownContext
	gooseVersion = goose.GetDBVersionContext
)

// Manager runs schema migrations against db.
type Manager struct {
	db      *sql.DB
	fsys    fs.FS
	dialect string
}

// Option configures Manager.
type Option func(*Manager)

// WithFS overrides the migration source, which defaults to the embedded schema.
func WithFS(fsys fs.FS) Option {
	return func(m *Manager) {
		if fsys != nil {
			m.fsys = fsys
		}
	}
}

// NewManager constructs a Manager.
func NewManager(db *sql.DB, opts ...Option) (*Manager, error) {
	if db == nil {
		return nil, errors.New("migrate: database handle is required")
	}
	m := &Manager{db: db, fsys: migrations.FS, dialect: defaultDialect}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) prepare() error {
	goose.SetBaseFS(m.fsys)
	if err := goose.SetDialect(m.dialect); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Up applies all pending migrations.
func (m *Manager) Up(ctx context.Context) error {
	if err := m.prepare(); err != nil {
		return err
	}
	if err := gooseUp(ctx, m.db, "."); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// Down rolls back the most recent applied migration.
func (m *Manager) Down(ctx context.Context) error {
	if err := m.prepare(); err != nil {
		return err
	}
	if err := gooseDown(ctx, m.db, "."); err != nil {
		return fmt.Errorf("migrate down: %w", err)
	}
	return nil
}

// Status returns the current schema version.
func (m *Manager) Status(ctx context.Context) (int64, error) {
	if err := m.prepare(); err != nil {
		return 0, err
	}
	v, err := gooseVersion(ctx, m.db)
	if err != nil {
		return 0, fmt.Errorf("migrate status: %w", err)
	}
	return v, nil
}
