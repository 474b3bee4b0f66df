package migrate

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridehub.io/internal/store/pg/migrations"
)

func newDB(t *testing.T) *sql.DB {
	t.Helper()
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestEmbeddedMigrationsPresent(t *testing.T) {
	names, err := fs.Glob(migrations.FS, "*.sql")
	require.NoError(t, err)
	assert.Contains(t, names, "00001_accounts.sql")
}

func TestUpUsesEmbeddedRoot(t *testing.T) {
	orig := gooseUp
	defer func() { gooseUp = orig }()
	var gotDir string
	gooseUp = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		gotDir = dir
		return nil
	}

	m, err := NewManager(newDB(t))
	require.NoError(t, err)
	require.NoError(t, m.Up(context.Background()))
	assert.Equal(t, ".", gotDir)
}

func TestDownWrapsError(t *testing.T) {
	orig := gooseDown
	defer func() { gooseDown = orig }()
	gooseDown = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		return errors.New("boom")
	}

	m, err := NewManager(newDB(t))
	require.NoError(t, err)
	err = m.Down(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestStatus(t *testing.T) {
	orig := gooseVersion
	defer func() { gooseVersion = orig }()
	gooseVersion = func(ctx context.Context, db *sql.DB) (int64, error) { return 1, nil }

	m, err := NewManager(newDB(t))
	require.NoError(t, err)
	v, err := m.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestNewManagerRequiresDB(t *testing.T) {
	_, err := NewManager(nil)
	assert.Error(t, err)
}
