// Package storage provides namespaced key/value persistence with
// best-effort durability, backed by GORM over SQLite or PostgreSQL.
//
// The critical primitive is AtomicMerge: a per-key chain that serializes
// concurrent read-merge-write cycles for one key while letting different
// keys proceed in parallel, so interleaved writers never lose an update.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Well-known key layout.
const (
	KeyLegacyConfig  = "bot_config"
	KeyLegacyState   = "bot_state"
	KeyLegacyLogs    = "bot_logs"
	KeyRegistry      = "bot_config_registry"
	KeyEmergencyStop = "bot_emergency_stop"
)

// ConfigKey returns the per-server config key.
func ConfigKey(serverKey string) string { return "bot_config__" + serverKey }

// StateKey returns the per-server run-state key.
func StateKey(serverKey string) string { return "bot_state__" + serverKey }

// LogsKey returns the per-server log-ring key.
func LogsKey(serverKey string) string { return "bot_logs__" + serverKey }

// kvRow is the single table backing every namespaced key. Value is stored
// as raw JSON text; GORM/SQLite don't need a native JSON column type for
// this to round-trip correctly.
type kvRow struct {
	Key       string `gorm:"primaryKey"`
	Value     string `gorm:"type:text;not null"`
	UpdatedAt time.Time
}

func (kvRow) TableName() string { return "kv_entries" }

// Config holds the configuration required to open a Store.
type Config struct {
	Driver string // "sqlite" (default) or "postgres"
	DSN    string
	Logger *zap.Logger
}

// Store is the namespaced KV persistence layer. The zero value is not
// usable; create instances with Open.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger

	// keyLocks holds one mutex per key that has been merged. Entries are
	// created on first use and kept for the Store's lifetime.
	mu       sync.Mutex
	keyLocks map[string]*sync.Mutex
}

// Open opens the database connection, applies pending migrations, and
// returns a ready-to-use Store.
func Open(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("storage: logger is required")
	}
	gormCfg := &gorm.Config{}

	var (
		database *gorm.DB
		sqlDB    *sql.DB
		err      error
		drvName  string
	)

	switch cfg.Driver {
	case "sqlite", "":
		sqlDB, err = sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("storage: failed to open sqlite: %w", err)
		}
		sqlDB.SetMaxOpenConns(1) // sqlite supports a single writer
		database, err = gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, gormCfg)
		if err != nil {
			return nil, fmt.Errorf("storage: failed to initialize gorm with sqlite: %w", err)
		}
		drvName = "sqlite"

	case "postgres":
		database, err = gorm.Open(gormpostgres.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("storage: failed to open postgres: %w", err)
		}
		sqlDB, err = database.DB()
		if err != nil {
			return nil, fmt.Errorf("storage: failed to get sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
		drvName = "postgres"

	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", cfg.Driver)
	}

	if err := runMigrations(sqlDB, drvName); err != nil {
		return nil, fmt.Errorf("storage: migrations failed: %w", err)
	}

	return &Store{
		db:       database,
		logger:   cfg.Logger.Named("storage"),
		keyLocks: make(map[string]*sync.Mutex),
	}, nil
}

func runMigrations(sqlDB *sql.DB, driver string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	var m *migrate.Migrate
	switch driver {
	case "sqlite":
		target, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
		if err != nil {
			return err
		}
		m, err = migrate.NewWithInstance("iofs", src, "sqlite", target)
		if err != nil {
			return err
		}
	case "postgres":
		target, err := migratepg.WithInstance(sqlDB, &migratepg.Config{})
		if err != nil {
			return err
		}
		m, err = migrate.NewWithInstance("iofs", src, "postgres", target)
		if err != nil {
			return err
		}
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// lockFor returns the mutex guarding key, creating it on first use.
func (s *Store) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.keyLocks[key] = l
	}
	return l
}

// Get loads key and unmarshals it into out. If the key does not exist, out
// is left untouched and found is false.
func (s *Store) Get(ctx context.Context, key string, out any) (found bool, err error) {
	var row kvRow
	err = s.db.WithContext(ctx).Where("key = ?", key).First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return false, nil
		}
		return false, fmt.Errorf("storage: get %q: %w", key, err)
	}
	if err := json.Unmarshal([]byte(row.Value), out); err != nil {
		return true, fmt.Errorf("storage: get %q: unmarshal: %w", key, err)
	}
	return true, nil
}

// Set writes value to key unconditionally, overwriting whatever was there.
// Prefer AtomicMerge when the new value depends on the old one.
func (s *Store) Set(ctx context.Context, key string, value any) error {
	_, err := s.AtomicMerge(ctx, key, func(json.RawMessage) (any, error) {
		return value, nil
	})
	return err
}

// MergeFunc receives the raw current value for a key (nil if absent) and
// returns the new value to store. It must be pure: atomicMerge may not
// retry it, but correctness depends on it not mutating shared state.
type MergeFunc func(current json.RawMessage) (any, error)

// AtomicMerge serializes concurrent writers for a single key: it reads the
// current value, applies fn, and writes the result back, all while holding
// that key's mutex so interleaved callers never lose an update. Different
// keys proceed fully in parallel.
//
// If fn returns an error, the write is skipped and the error is returned to
// the caller; the key's lock is still released so later writers are never
// blocked by a failed merge.
func (s *Store) AtomicMerge(ctx context.Context, key string, fn MergeFunc) (any, error) {
	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	var row kvRow
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&row).Error
	var current json.RawMessage
	switch {
	case err == nil:
		current = json.RawMessage(row.Value)
	case err == gorm.ErrRecordNotFound:
		current = nil
	default:
		return nil, fmt.Errorf("storage: atomicMerge %q: read: %w", key, err)
	}

	updated, err := fn(current)
	if err != nil {
		return nil, fmt.Errorf("storage: atomicMerge %q: mergeFn: %w", key, err)
	}

	encoded, err := json.Marshal(updated)
	if err != nil {
		return nil, fmt.Errorf("storage: atomicMerge %q: marshal: %w", key, err)
	}

	newRow := kvRow{Key: key, Value: string(encoded), UpdatedAt: time.Now().UTC()}
	if err := s.db.WithContext(ctx).Save(&newRow).Error; err != nil {
		return nil, fmt.Errorf("storage: atomicMerge %q: write: %w", key, err)
	}
	return updated, nil
}

// Delete removes key entirely. The legacy migration does not call it; it
// leaves the legacy keys in place.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("key = ?", key).Delete(&kvRow{}).Error; err != nil {
		return fmt.Errorf("storage: delete %q: %w", key, err)
	}
	return nil
}

// Has reports whether key currently exists, without decoding its value.
func (s *Store) Has(ctx context.Context, key string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&kvRow{}).Where("key = ?", key).Count(&count).Error; err != nil {
		return false, fmt.Errorf("storage: has %q: %w", key, err)
	}
	return count > 0, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
