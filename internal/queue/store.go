// Package queue persists scheduled command records.
//
// Every backend provides the two atomic primitives the claim protocol needs:
// delete-if-present (Remove) and a conditional update keyed on the record's
// version (CompareAndSwap). Schedulers sharing a backend hold no lock of
// their own and coordinate only through these calls.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"cmdsched/internal/domain"
)

var ErrNotFound = errors.New("queue: record not found")

// Update is the new content written by CompareAndSwap.
type Update struct {
	State     domain.FiniteState
	ClaimedAt int64
	Command   []byte
}

type Collection interface {
	// Insert stores a new record and returns its generated id.
	Insert(ctx context.Context, rec domain.Record) (string, error)
	// FindDue returns pending records with timestamp <= now (unix seconds).
	FindDue(ctx context.Context, now int64) ([]domain.Record, error)
	// Remove deletes the record and reports whether this call removed it.
	Remove(ctx context.Context, id string) (bool, error)
	// CompareAndSwap applies next only when the stored version equals expect.
	CompareAndSwap(ctx context.Context, id string, expect domain.Version, next Update) (bool, error)
	// DeleteVersion deletes the record only when its version equals expect.
	DeleteVersion(ctx context.Context, id string, expect domain.Version) (bool, error)
	// FindStale returns executing records claimed before cutoff (unix nanos).
	FindStale(ctx context.Context, cutoff int64) ([]domain.Record, error)
	Get(ctx context.Context, id string) (domain.Record, error)
	Delete(ctx context.Context, id string) error
	// List returns the most recently created records first.
	List(ctx context.Context, limit int) ([]domain.Record, error)
	Ping(ctx context.Context) error
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Driver string       `yaml:"driver"`
	SQLite SQLiteConfig `yaml:"sqlite"`
	Mongo  MongoConfig  `yaml:"mongo"`
	Redis  RedisConfig  `yaml:"redis"`
}

type SQLiteConfig struct {
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

type MongoConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
	DriverRedis  = "redis"
)

// NormalizeDriver maps driver aliases to their canonical name. An empty
// driver selects SQLite.
func NormalizeDriver(driver string) string {
	switch d := strings.ToLower(strings.TrimSpace(driver)); d {
	case "", "sqlite3":
		return DriverSQLite
	default:
		return d
	}
}

// Open connects the configured backend and prepares its schema.
func Open(ctx context.Context, cfg Config) (Collection, error) {
	switch NormalizeDriver(cfg.Driver) {
	case DriverMemory:
		return NewMemory(), nil
	case DriverSQLite:
		return OpenSQLite(ctx, cfg.SQLite)
	case DriverMongo:
		return OpenMongo(ctx, cfg.Mongo)
	case DriverRedis:
		return OpenRedis(ctx, cfg.Redis)
	default:
		return nil, fmt.Errorf("queue: unknown driver %q", cfg.Driver)
	}
}

func newID() string {
	return "cmd_" + uuid.NewString()
}
