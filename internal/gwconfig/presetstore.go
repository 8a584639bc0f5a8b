package gwconfig

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Preset is a named, independently-writable tag filter a client can
// select by name instead of sending raw tags.
type Preset struct {
	ID         int64     `db:"id"`
	Name       string    `db:"name"`
	FilterMode string    `db:"filter_mode"` // "or" | "and" | "expr"
	Tags       string    `db:"tags"`        // normalized tags (or boolean expression source) joined with ","
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// PresetStore is the SQLite-backed preset store, independently writable
// from the main JSON config.
type PresetStore struct {
	db *sqlx.DB
}

// OpenPresetStore opens (creating if necessary) the SQLite database at
// dbFile and applies pending migrations.
func OpenPresetStore(dbFile string) (*PresetStore, error) {
	if dir := filepath.Dir(dbFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating preset store directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite", "file:"+dbFile+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("opening preset store: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	migDriver, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, err
	}
	dbDriver, err := msqlite.WithInstance(sqlDB, &msqlite.Config{})
	if err != nil {
		return nil, err
	}
	mig, err := migrate.NewWithInstance("iofs", migDriver, "sqlite", dbDriver)
	if err != nil {
		return nil, err
	}
	if err := mig.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return nil, fmt.Errorf("running preset store migrations: %w", err)
	}

	return &PresetStore{db: sqlx.NewDb(sqlDB, "sqlite")}, nil
}

func (s *PresetStore) Close() error { return s.db.Close() }

// Upsert creates or updates a preset by name.
func (s *PresetStore) Upsert(ctx context.Context, name, filterMode, tags string) error {
	const query = `
INSERT INTO presets (name, filter_mode, tags, created_at, updated_at)
VALUES (:name, :filter_mode, :tags, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
ON CONFLICT(name) DO UPDATE SET filter_mode = excluded.filter_mode, tags = excluded.tags, updated_at = CURRENT_TIMESTAMP`
	_, err := s.db.NamedExecContext(ctx, query, Preset{Name: name, FilterMode: filterMode, Tags: tags})
	return err
}

// Get returns the preset named name.
func (s *PresetStore) Get(ctx context.Context, name string) (*Preset, error) {
	const query = `SELECT id, name, filter_mode, tags, created_at, updated_at FROM presets WHERE name = $1`
	var p Preset
	if err := s.db.GetContext(ctx, &p, query, name); err != nil {
		return nil, err
	}
	return &p, nil
}

// Delete removes a preset by name.
func (s *PresetStore) Delete(ctx context.Context, name string) error {
	const query = `DELETE FROM presets WHERE name = $1`
	_, err := s.db.ExecContext(ctx, query, name)
	return err
}

// List returns every stored preset, ordered by name.
func (s *PresetStore) List(ctx context.Context) ([]Preset, error) {
	const query = `SELECT id, name, filter_mode, tags, created_at, updated_at FROM presets ORDER BY name`
	var presets []Preset
	if err := s.db.SelectContext(ctx, &presets, query); err != nil {
		return nil, err
	}
	return presets, nil
}
