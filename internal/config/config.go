// Package config loads the cmdsched YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"cmdsched/internal/codec"
	"cmdsched/internal/logging"
	"cmdsched/internal/queue"
	"cmdsched/internal/scheduler"
)

type Config struct {
	Log       logging.Config        `yaml:"log"`
	HTTP      HTTPConfig            `yaml:"http"`
	Store     queue.Config          `yaml:"store"`
	Codec     string                `yaml:"codec"`
	Worker    WorkerConfig          `yaml:"worker"`
	Recovery  RecoveryConfig        `yaml:"recovery"`
	Recurring []scheduler.Recurring `yaml:"recurring"`
}

type HTTPConfig struct {
	Addr  string `yaml:"addr"`
	Debug bool   `yaml:"debug"`
}

type WorkerConfig struct {
	Concurrency int           `yaml:"concurrency"`
	Poll        time.Duration `yaml:"poll"`
	// Rate caps dispatches per second; 0 disables the limit.
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

type RecoveryConfig struct {
	// StaleAfter releases executing commands claimed longer ago; 0 disables.
	StaleAfter time.Duration `yaml:"stale_after"`
	Sweep      string        `yaml:"sweep"`
}

func Default() Config {
	return Config{
		Log:   logging.Config{Level: "info", Format: logging.FormatConsole},
		HTTP:  HTTPConfig{Addr: ":8080"},
		Store: queue.Config{Driver: queue.DriverSQLite, SQLite: queue.SQLiteConfig{Path: "cmdsched.db", BusyTimeout: 5 * time.Second}},
		Codec: codec.NameJSON,
		Worker: WorkerConfig{
			Concurrency: 8,
			Poll:        250 * time.Millisecond,
		},
		Recovery: RecoveryConfig{Sweep: "@every 30s"},
	}
}

// Load reads path over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	switch queue.NormalizeDriver(c.Store.Driver) {
	case queue.DriverSQLite:
		if c.Store.SQLite.Path == "" {
			errs = append(errs, errors.New("store.sqlite.path is required"))
		}
	case queue.DriverMongo:
		if c.Store.Mongo.URI == "" {
			errs = append(errs, errors.New("store.mongo.uri is required"))
		}
	case queue.DriverRedis:
		if c.Store.Redis.Addr == "" {
			errs = append(errs, errors.New("store.redis.addr is required"))
		}
	case queue.DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver))
	}
	if c.Codec != codec.NameJSON && c.Codec != codec.NameMsgpack {
		errs = append(errs, fmt.Errorf("codec: unsupported codec %q", c.Codec))
	}
	if c.Worker.Concurrency <= 0 {
		errs = append(errs, errors.New("worker.concurrency must be > 0"))
	}
	if c.Worker.Poll <= 0 {
		errs = append(errs, errors.New("worker.poll must be > 0"))
	}
	if c.Worker.Rate < 0 {
		errs = append(errs, errors.New("worker.rate must be >= 0"))
	}
	if c.Recovery.StaleAfter < 0 {
		errs = append(errs, errors.New("recovery.stale_after must be >= 0"))
	}
	for i, r := range c.Recurring {
		if r.Name == "" || r.Command == "" {
			errs = append(errs, fmt.Errorf("recurring[%d]: name and command are required", i))
		}
		if err := scheduler.ValidateCronExpression(r.CronExpr); err != nil {
			errs = append(errs, fmt.Errorf("recurring[%d] %q: invalid cron expression: %w", i, r.Name, err))
		}
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
