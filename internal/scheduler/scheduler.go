// Package scheduler implements durable at-most-once claiming of due commands.
//
// Schedule persists a command as a record keyed by a store-assigned id.
// GetCommands finds due records and claims each one with a single atomic
// store operation: stateless records are deleted, stateful records are
// rewritten to executing through a compare-and-swap on the record version.
// Whoever loses either race skips the record. No in-process lock is involved,
// so any number of schedulers may poll the same collection.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"cmdsched/internal/codec"
	"cmdsched/internal/domain"
	"cmdsched/internal/queue"
)

var (
	// ErrPersistence wraps every failure of the underlying collection.
	ErrPersistence = errors.New("scheduler: persistence failure")
	// ErrSerialization wraps payloads that cannot be encoded or decoded.
	ErrSerialization = errors.New("scheduler: serialization failure")
	ErrNoTimestamp   = errors.New("scheduler: command has no timestamp")
	ErrNilCommand    = errors.New("scheduler: nil command")
	ErrNotFound      = errors.New("scheduler: command not found")
	// ErrClaimLost reports that the record was released or reclaimed after
	// this caller claimed it. The record is left alone.
	ErrClaimLost = errors.New("scheduler: claim lost")
)

// Claimed is a command won by this caller. ClaimedAt is zero for stateless
// commands, whose record no longer exists.
type Claimed struct {
	ID        string
	Command   domain.Command
	ClaimedAt time.Time
}

func (c Claimed) Stateful() bool { return domain.IsStateful(c.Command) }

func (c Claimed) version() domain.Version {
	return domain.Version{State: domain.StateExecuting, ClaimedAt: c.ClaimedAt.UnixNano()}
}

// Entry is a stored record together with its decoded command.
type Entry struct {
	Record  domain.Record
	Command domain.Command
}

type Scheduler struct {
	store queue.Collection
	codec codec.Codec
	now   func() time.Time
	log   zerolog.Logger
}

type Option func(*Scheduler)

// WithClock overrides the time source used for due checks and claim stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

func New(store queue.Collection, c codec.Codec, opts ...Option) *Scheduler {
	s := &Scheduler{
		store: store,
		codec: c,
		now:   time.Now,
		log:   log.With().Str("component", "scheduler").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule persists cmd and returns the record id. The command's timestamp
// must already be set.
func (s *Scheduler) Schedule(ctx context.Context, cmd domain.Command) (string, error) {
	if cmd == nil {
		return "", ErrNilCommand
	}
	if cmd.Timestamp() <= 0 {
		return "", fmt.Errorf("%w: %s", ErrNoTimestamp, cmd.CommandName())
	}
	payload, err := s.codec.Encode(cmd)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	id, err := s.store.Insert(ctx, domain.Record{
		Timestamp: cmd.Timestamp(),
		Command:   payload,
		State:     domain.StatePending,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("%w: schedule: %w", ErrPersistence, err)
	}
	s.log.Debug().Str("id", id).Str("command", cmd.CommandName()).Int64("timestamp", cmd.Timestamp()).Msg("command scheduled")
	return id, nil
}

// GetCommands claims every due command it can win and returns them in no
// particular order. Records already claimed by a concurrent caller are
// skipped, and so are records whose payload cannot be decoded.
//
// If the collection fails partway through, the commands claimed so far are
// returned along with the error. Stateless ones are already gone from the
// store, so callers must still execute them.
func (s *Scheduler) GetCommands(ctx context.Context) ([]Claimed, error) {
	now := s.now()
	recs, err := s.store.FindDue(ctx, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("%w: find due: %w", ErrPersistence, err)
	}

	claimed := make([]Claimed, 0, len(recs))
	for _, rec := range recs {
		c, ok, err := s.claim(ctx, rec, now)
		if err != nil {
			return claimed, err
		}
		if ok {
			claimed = append(claimed, c)
		}
	}
	return claimed, nil
}

func (s *Scheduler) claim(ctx context.Context, rec domain.Record, now time.Time) (Claimed, bool, error) {
	cmd, err := s.codec.Decode(rec.Command)
	if err != nil {
		s.log.Warn().Err(err).Str("id", rec.ID).Msg("skipping undecodable record")
		return Claimed{}, false, nil
	}

	sc, stateful := cmd.(domain.StatefulCommand)
	if !stateful {
		ok, err := s.store.Remove(ctx, rec.ID)
		if err != nil {
			return Claimed{}, false, fmt.Errorf("%w: remove %s: %w", ErrPersistence, rec.ID, err)
		}
		if !ok {
			s.log.Debug().Str("id", rec.ID).Msg("record claimed elsewhere")
			return Claimed{}, false, nil
		}
		return Claimed{ID: rec.ID, Command: cmd}, true, nil
	}

	sc.SetFiniteState(domain.StateExecuting)
	payload, err := s.codec.Encode(sc)
	if err != nil {
		s.log.Warn().Err(err).Str("id", rec.ID).Msg("skipping record that cannot be re-encoded")
		return Claimed{}, false, nil
	}
	claimedAt := now.UnixNano()
	ok, err := s.store.CompareAndSwap(ctx, rec.ID, rec.Version(), queue.Update{
		State:     domain.StateExecuting,
		ClaimedAt: claimedAt,
		Command:   payload,
	})
	if err != nil {
		return Claimed{}, false, fmt.Errorf("%w: claim %s: %w", ErrPersistence, rec.ID, err)
	}
	if !ok {
		s.log.Debug().Str("id", rec.ID).Msg("record claimed elsewhere")
		return Claimed{}, false, nil
	}
	return Claimed{ID: rec.ID, Command: sc, ClaimedAt: time.Unix(0, claimedAt)}, true, nil
}

// Complete removes the record of a finished stateful command. Stateless
// records are already gone. It returns ErrClaimLost when the record no longer
// carries this claim.
func (s *Scheduler) Complete(ctx context.Context, c Claimed) error {
	if !c.Stateful() {
		return nil
	}
	ok, err := s.store.DeleteVersion(ctx, c.ID, c.version())
	if err != nil {
		return fmt.Errorf("%w: complete %s: %w", ErrPersistence, c.ID, err)
	}
	if !ok {
		s.log.Warn().Str("id", c.ID).Msg("claim lost before completion was recorded")
		return fmt.Errorf("%w: %s", ErrClaimLost, c.ID)
	}
	return nil
}

// Fail marks a claimed stateful command failed and keeps its record for
// inspection. It is a no-op for stateless commands. A record released or
// finalized since the claim is left alone.
func (s *Scheduler) Fail(ctx context.Context, c Claimed) error {
	sc, ok := c.Command.(domain.StatefulCommand)
	if !ok {
		return nil
	}
	sc.SetFiniteState(domain.StateFailed)
	payload, err := s.codec.Encode(sc)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	swapped, err := s.store.CompareAndSwap(ctx, c.ID, c.version(), queue.Update{
		State:     domain.StateFailed,
		ClaimedAt: c.ClaimedAt.UnixNano(),
		Command:   payload,
	})
	if err != nil {
		return fmt.Errorf("%w: fail %s: %w", ErrPersistence, c.ID, err)
	}
	if !swapped {
		s.log.Warn().Str("id", c.ID).Msg("claim lost before failure was recorded")
	}
	return nil
}

// RecoverStale returns executing records claimed more than staleAfter ago
// to pending so the next poll can claim them again.
func (s *Scheduler) RecoverStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	cutoff := s.now().Add(-staleAfter).UnixNano()
	recs, err := s.store.FindStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: find stale: %w", ErrPersistence, err)
	}

	recovered := 0
	for _, rec := range recs {
		cmd, err := s.codec.Decode(rec.Command)
		if err != nil {
			s.log.Warn().Err(err).Str("id", rec.ID).Msg("skipping undecodable stale record")
			continue
		}
		if sc, ok := cmd.(domain.StatefulCommand); ok {
			sc.SetFiniteState(domain.StatePending)
		}
		payload, err := s.codec.Encode(cmd)
		if err != nil {
			s.log.Warn().Err(err).Str("id", rec.ID).Msg("skipping stale record that cannot be re-encoded")
			continue
		}
		ok, err := s.store.CompareAndSwap(ctx, rec.ID, rec.Version(), queue.Update{
			State:   domain.StatePending,
			Command: payload,
		})
		if err != nil {
			return recovered, fmt.Errorf("%w: release %s: %w", ErrPersistence, rec.ID, err)
		}
		if ok {
			recovered++
			s.log.Info().Str("id", rec.ID).Time("claimed_at", time.Unix(0, rec.ClaimedAt)).Msg("released stale claim")
		}
	}
	return recovered, nil
}

// Lookup loads a record by id and decodes its command.
func (s *Scheduler) Lookup(ctx context.Context, id string) (Entry, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("%w: lookup %s: %w", ErrPersistence, id, err)
	}
	cmd, err := s.codec.Decode(rec.Command)
	if err != nil {
		return Entry{Record: rec}, fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	return Entry{Record: rec, Command: cmd}, nil
}

// Finalize deletes a record regardless of its state.
func (s *Scheduler) Finalize(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: finalize %s: %w", ErrPersistence, id, err)
	}
	return nil
}

// List returns up to limit of the most recently scheduled entries. Entries
// whose payload cannot be decoded carry a nil Command.
func (s *Scheduler) List(ctx context.Context, limit int) ([]Entry, error) {
	recs, err := s.store.List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list: %w", ErrPersistence, err)
	}
	entries := make([]Entry, 0, len(recs))
	for _, rec := range recs {
		cmd, _ := s.codec.Decode(rec.Command)
		entries = append(entries, Entry{Record: rec, Command: cmd})
	}
	return entries, nil
}
