package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"cmdsched/internal/codec"
	"cmdsched/internal/domain"
	"cmdsched/internal/queue"
)

func testRegistry() *codec.Registry {
	reg := codec.NewRegistry()
	reg.Register(func() domain.Command { return &pingCommand{} })
	reg.Register(func() domain.Command { return &reportCommand{} })
	return reg
}

func TestBuildCommand(t *testing.T) {
	reg := testRegistry()
	tests := []struct {
		name    string
		command string
		payload any
		want    domain.Command
		wantErr error
	}{
		{name: "map payload", command: "ping", payload: map[string]any{"target": "db"}, want: &pingCommand{Target: "db"}},
		{name: "raw payload", command: "report", payload: json.RawMessage(`{"report":"daily"}`), want: &reportCommand{Report: "daily"}},
		{name: "nil payload", command: "ping", payload: nil, want: &pingCommand{}},
		{name: "unknown", command: "nope", payload: nil, wantErr: codec.ErrUnknownCommand},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildCommand(reg, tt.command, tt.payload)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("BuildCommand: %v", err)
			}
			gotJSON, _ := json.Marshal(got)
			wantJSON, _ := json.Marshal(tt.want)
			if string(gotJSON) != string(wantJSON) {
				t.Fatalf("BuildCommand = %s, want %s", gotJSON, wantJSON)
			}
		})
	}
}

func TestBuildCommandRejectsBadPayload(t *testing.T) {
	if _, err := BuildCommand(testRegistry(), "ping", json.RawMessage(`{"target":5}`)); err == nil {
		t.Fatal("expected error for mistyped payload")
	}
}

func TestCronHelpers(t *testing.T) {
	if err := ValidateCronExpression("*/5 * * * *"); err != nil {
		t.Fatalf("ValidateCronExpression: %v", err)
	}
	if err := ValidateCronExpression("every tuesday"); err == nil {
		t.Fatal("expected error for invalid expression")
	}
	from := time.Date(2026, 1, 1, 10, 2, 0, 0, time.UTC)
	next, err := NextRunTime("*/5 * * * *", from)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	if want := time.Date(2026, 1, 1, 10, 5, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("NextRunTime = %v, want %v", next, want)
	}
}

func TestServiceProducesRecurringCommand(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	sched := newTestScheduler(queue.NewMemory(), clock)
	svc := NewService(sched, testRegistry(), ServiceConfig{})

	svc.produce(ctx, Recurring{Name: "heartbeat", CronExpr: "@every 1m", Command: "ping", Payload: map[string]any{"target": "api"}}, clock.Now())

	got := mustPoll(t, sched)
	if len(got) != 1 {
		t.Fatalf("claimed %d, want 1", len(got))
	}
	p, ok := got[0].Command.(*pingCommand)
	if !ok || p.Target != "api" || p.Timestamp() != clock.Now().Unix() {
		t.Fatalf("unexpected recurring command: %+v", got[0].Command)
	}
}

func TestServiceSweepReleasesStaleClaims(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := queue.NewMemory()
	sched := newTestScheduler(store, clock)
	svc := NewService(sched, testRegistry(), ServiceConfig{StaleAfter: time.Minute})

	cmd := &reportCommand{Report: "r"}
	cmd.SetTimestamp(clock.Now().Unix())
	if _, err := sched.Schedule(ctx, cmd); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if got := mustPoll(t, sched); len(got) != 1 {
		t.Fatalf("claimed %d, want 1", len(got))
	}
	clock.Advance(2 * time.Minute)
	svc.sweep(ctx)
	if got := mustPoll(t, sched); len(got) != 1 {
		t.Fatalf("reclaimed %d after sweep, want 1", len(got))
	}
}

func TestServiceStartRejectsBadConfig(t *testing.T) {
	sched := newTestScheduler(queue.NewMemory(), newFakeClock())
	tests := []struct {
		name string
		cfg  ServiceConfig
	}{
		{"bad sweep", ServiceConfig{StaleAfter: time.Minute, SweepSpec: "sometimes"}},
		{"bad cron", ServiceConfig{Recurring: []Recurring{{Name: "x", CronExpr: "nope", Command: "ping"}}}},
		{"unknown command", ServiceConfig{Recurring: []Recurring{{Name: "x", CronExpr: "@every 1m", Command: "nope"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(sched, testRegistry(), tt.cfg)
			if err := svc.Start(context.Background()); err == nil {
				t.Fatal("expected Start to fail")
			}
		})
	}
}
