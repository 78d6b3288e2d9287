package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cmdsched/internal/domain"
)

// runConformance exercises the Collection contract the scheduler relies on.
func runConformance(t *testing.T, open func(t *testing.T) Collection) {
	t.Run("InsertGet", func(t *testing.T) {
		c := open(t)
		ctx := context.Background()
		id, err := c.Insert(ctx, domain.Record{Timestamp: 100, Command: []byte("payload")})
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if id == "" {
			t.Fatal("Insert returned empty id")
		}
		rec, err := c.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if rec.ID != id || rec.Timestamp != 100 || string(rec.Command) != "payload" {
			t.Fatalf("unexpected record: %+v", rec)
		}
		if rec.State != domain.StatePending || rec.ClaimedAt != 0 {
			t.Fatalf("new record should be pending and unclaimed: %+v", rec)
		}
		if rec.CreatedAt.IsZero() {
			t.Fatal("CreatedAt not set")
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		c := open(t)
		if _, err := c.Get(context.Background(), "cmd_missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Get err = %v, want ErrNotFound", err)
		}
		if err := c.Delete(context.Background(), "cmd_missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Delete err = %v, want ErrNotFound", err)
		}
	})

	t.Run("FindDue", func(t *testing.T) {
		c := open(t)
		ctx := context.Background()
		past := mustInsert(t, c, 90)
		exact := mustInsert(t, c, 100)
		mustInsert(t, c, 101)

		recs, err := c.FindDue(ctx, 100)
		if err != nil {
			t.Fatalf("FindDue: %v", err)
		}
		got := ids(recs)
		if len(got) != 2 || !got[past] || !got[exact] {
			t.Fatalf("FindDue(100) = %v, want %s and %s", got, past, exact)
		}
	})

	t.Run("RemoveOnce", func(t *testing.T) {
		c := open(t)
		ctx := context.Background()
		id := mustInsert(t, c, 1)
		ok, err := c.Remove(ctx, id)
		if err != nil || !ok {
			t.Fatalf("first Remove = %v, %v; want true", ok, err)
		}
		ok, err = c.Remove(ctx, id)
		if err != nil || ok {
			t.Fatalf("second Remove = %v, %v; want false", ok, err)
		}
		if _, err := c.Get(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Get after Remove err = %v, want ErrNotFound", err)
		}
		recs, _ := c.FindDue(ctx, 10)
		if len(recs) != 0 {
			t.Fatalf("removed record still due: %+v", recs)
		}
	})

	t.Run("CompareAndSwapClaim", func(t *testing.T) {
		c := open(t)
		ctx := context.Background()
		id := mustInsert(t, c, 1)
		claimedAt := time.Now().UnixNano()
		pending := domain.Version{State: domain.StatePending}
		next := Update{State: domain.StateExecuting, ClaimedAt: claimedAt, Command: []byte("executing")}

		ok, err := c.CompareAndSwap(ctx, id, pending, next)
		if err != nil || !ok {
			t.Fatalf("first CompareAndSwap = %v, %v; want true", ok, err)
		}
		ok, err = c.CompareAndSwap(ctx, id, pending, next)
		if err != nil || ok {
			t.Fatalf("second CompareAndSwap = %v, %v; want false", ok, err)
		}

		rec, err := c.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if rec.State != domain.StateExecuting || rec.ClaimedAt != claimedAt || string(rec.Command) != "executing" {
			t.Fatalf("unexpected record after claim: %+v", rec)
		}
		recs, _ := c.FindDue(ctx, 10)
		if len(recs) != 0 {
			t.Fatalf("executing record still due: %+v", recs)
		}
	})

	t.Run("CompareAndSwapMissing", func(t *testing.T) {
		c := open(t)
		ok, err := c.CompareAndSwap(context.Background(), "cmd_missing", domain.Version{State: domain.StatePending},
			Update{State: domain.StateExecuting, ClaimedAt: 1, Command: []byte("x")})
		if err != nil || ok {
			t.Fatalf("CompareAndSwap on missing = %v, %v; want false", ok, err)
		}
	})

	t.Run("DeleteVersion", func(t *testing.T) {
		c := open(t)
		ctx := context.Background()
		id := mustInsert(t, c, 1)
		claimedAt := time.Now().UnixNano()
		claim(t, c, id, claimedAt)

		stale := domain.Version{State: domain.StateExecuting, ClaimedAt: claimedAt - 1}
		ok, err := c.DeleteVersion(ctx, id, stale)
		if err != nil || ok {
			t.Fatalf("DeleteVersion with stale version = %v, %v; want false", ok, err)
		}
		if _, err := c.Get(ctx, id); err != nil {
			t.Fatalf("record deleted by stale version: %v", err)
		}

		current := domain.Version{State: domain.StateExecuting, ClaimedAt: claimedAt}
		ok, err = c.DeleteVersion(ctx, id, current)
		if err != nil || !ok {
			t.Fatalf("DeleteVersion = %v, %v; want true", ok, err)
		}
		if _, err := c.Get(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Get after DeleteVersion err = %v, want ErrNotFound", err)
		}
		ok, err = c.DeleteVersion(ctx, id, current)
		if err != nil || ok {
			t.Fatalf("second DeleteVersion = %v, %v; want false", ok, err)
		}
		stale2, _ := c.FindStale(ctx, claimedAt+1)
		if len(stale2) != 0 {
			t.Fatalf("deleted record still indexed as executing: %+v", stale2)
		}
	})

	t.Run("FindStaleAndRelease", func(t *testing.T) {
		c := open(t)
		ctx := context.Background()
		old := mustInsert(t, c, 1)
		fresh := mustInsert(t, c, 1)
		base := time.Now().Add(-time.Hour).UnixNano()
		claim(t, c, old, base)
		claim(t, c, fresh, base+int64(30*time.Minute))

		stale, err := c.FindStale(ctx, base+int64(time.Minute))
		if err != nil {
			t.Fatalf("FindStale: %v", err)
		}
		if got := ids(stale); len(got) != 1 || !got[old] {
			t.Fatalf("FindStale = %v, want only %s", got, old)
		}

		ok, err := c.CompareAndSwap(ctx, old, stale[0].Version(),
			Update{State: domain.StatePending, Command: []byte("pending")})
		if err != nil || !ok {
			t.Fatalf("release = %v, %v; want true", ok, err)
		}
		due, _ := c.FindDue(ctx, 10)
		if got := ids(due); len(got) != 1 || !got[old] {
			t.Fatalf("FindDue after release = %v, want %s", got, old)
		}
	})

	t.Run("List", func(t *testing.T) {
		c := open(t)
		ctx := context.Background()
		now := time.Now().UTC()
		var last string
		for i := 0; i < 3; i++ {
			id, err := c.Insert(ctx, domain.Record{
				Timestamp: int64(i),
				Command:   []byte("x"),
				CreatedAt: now.Add(time.Duration(i) * time.Second),
			})
			if err != nil {
				t.Fatalf("Insert: %v", err)
			}
			last = id
		}
		recs, err := c.List(ctx, 2)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(recs) != 2 {
			t.Fatalf("List(2) returned %d records", len(recs))
		}
		if recs[0].ID != last {
			t.Fatalf("List()[0] = %s, want newest %s", recs[0].ID, last)
		}
	})

	t.Run("ConcurrentRemove", func(t *testing.T) {
		c := open(t)
		id := mustInsert(t, c, 1)
		if wins := race(t, 16, func() (bool, error) { return c.Remove(context.Background(), id) }); wins != 1 {
			t.Fatalf("%d callers removed the record, want 1", wins)
		}
	})

	t.Run("ConcurrentCompareAndSwap", func(t *testing.T) {
		c := open(t)
		id := mustInsert(t, c, 1)
		var n atomic.Int64
		wins := race(t, 16, func() (bool, error) {
			return c.CompareAndSwap(context.Background(), id, domain.Version{State: domain.StatePending},
				Update{State: domain.StateExecuting, ClaimedAt: time.Now().UnixNano() + n.Add(1), Command: []byte("x")})
		})
		if wins != 1 {
			t.Fatalf("%d callers claimed the record, want 1", wins)
		}
	})
}

func mustInsert(t *testing.T, c Collection, ts int64) string {
	t.Helper()
	id, err := c.Insert(context.Background(), domain.Record{Timestamp: ts, Command: []byte("payload")})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	return id
}

func claim(t *testing.T, c Collection, id string, at int64) {
	t.Helper()
	ok, err := c.CompareAndSwap(context.Background(), id, domain.Version{State: domain.StatePending},
		Update{State: domain.StateExecuting, ClaimedAt: at, Command: []byte("executing")})
	if err != nil || !ok {
		t.Fatalf("claim %s = %v, %v", id, ok, err)
	}
}

func ids(recs []domain.Record) map[string]bool {
	out := make(map[string]bool, len(recs))
	for _, r := range recs {
		out[r.ID] = true
	}
	return out
}

func race(t *testing.T, n int, fn func() (bool, error)) int {
	t.Helper()
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		wins  atomic.Int64
		errs  = make(chan error, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := fn()
			if err != nil {
				errs <- err
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent call failed: %v", err)
	}
	return int(wins.Load())
}
