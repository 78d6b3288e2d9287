package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"cmdsched/internal/codec"
	"cmdsched/internal/domain"
)

// Recurring produces a command every time its cron expression fires.
type Recurring struct {
	Name     string         `yaml:"name"`
	CronExpr string         `yaml:"cron"`
	Command  string         `yaml:"command"`
	Payload  map[string]any `yaml:"payload"`
}

// Service runs the cron-driven background work around a Scheduler: the
// stale claim sweep and recurring producers.
type Service struct {
	sched      *Scheduler
	reg        *codec.Registry
	cron       *cron.Cron
	staleAfter time.Duration
	sweepSpec  string
	recurring  []Recurring
}

type ServiceConfig struct {
	// StaleAfter enables the sweep when > 0.
	StaleAfter time.Duration
	// SweepSpec is a cron spec, e.g. "@every 30s".
	SweepSpec string
	Recurring []Recurring
}

func NewService(sched *Scheduler, reg *codec.Registry, cfg ServiceConfig) *Service {
	if cfg.SweepSpec == "" {
		cfg.SweepSpec = "@every 30s"
	}
	return &Service{
		sched:      sched,
		reg:        reg,
		cron:       cron.New(),
		staleAfter: cfg.StaleAfter,
		sweepSpec:  cfg.SweepSpec,
		recurring:  cfg.Recurring,
	}
}

// Start registers the jobs and runs them until ctx is done.
func (s *Service) Start(ctx context.Context) error {
	if s.staleAfter > 0 {
		if _, err := s.cron.AddFunc(s.sweepSpec, func() { s.sweep(ctx) }); err != nil {
			return fmt.Errorf("sweep spec %q: %w", s.sweepSpec, err)
		}
	}
	for _, r := range s.recurring {
		r := r
		if _, err := s.reg.New(r.Command); err != nil {
			return fmt.Errorf("recurring %q: %w", r.Name, err)
		}
		if _, err := s.cron.AddFunc(r.CronExpr, func() { s.produce(ctx, r, time.Now()) }); err != nil {
			return fmt.Errorf("recurring %q: invalid cron expression: %w", r.Name, err)
		}
	}

	s.cron.Start()
	log.Info().
		Dur("stale_after", s.staleAfter).
		Str("sweep", s.sweepSpec).
		Int("recurring", len(s.recurring)).
		Msg("schedule service started")

	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

func (s *Service) sweep(ctx context.Context) {
	n, err := s.sched.RecoverStale(ctx, s.staleAfter)
	if err != nil {
		log.Error().Err(err).Msg("failed to recover stale claims")
		return
	}
	if n > 0 {
		log.Info().Int("recovered", n).Msg("recovered stale executing commands")
	}
}

func (s *Service) produce(ctx context.Context, r Recurring, now time.Time) {
	cmd, err := BuildCommand(s.reg, r.Command, r.Payload)
	if err != nil {
		log.Error().Err(err).Str("recurring", r.Name).Msg("failed to build recurring command")
		return
	}
	cmd.SetTimestamp(now.Unix())
	id, err := s.sched.Schedule(ctx, cmd)
	if err != nil {
		log.Error().Err(err).Str("recurring", r.Name).Msg("failed to schedule recurring command")
		return
	}
	log.Info().
		Str("recurring", r.Name).
		Str("command", r.Command).
		Str("id", id).
		Msg("recurring command scheduled")
}

// BuildCommand creates a command by name and fills it from a generic payload.
func BuildCommand(reg *codec.Registry, name string, payload any) (domain.Command, error) {
	cmd, err := reg.New(name)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return cmd, nil
	}
	var raw []byte
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		if raw, err = json.Marshal(p); err != nil {
			return nil, fmt.Errorf("%s payload: %w", name, err)
		}
	}
	if len(raw) == 0 || string(raw) == "null" {
		return cmd, nil
	}
	if err := json.Unmarshal(raw, cmd); err != nil {
		return nil, fmt.Errorf("%s payload: %w", name, err)
	}
	return cmd, nil
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}
