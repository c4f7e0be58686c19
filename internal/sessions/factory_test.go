package sessions

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/codefionn/streamgate/internal/execctx"
)

func newTestFactory(t *testing.T, maxPerUser int, ttl time.Duration) *Factory {
	t.Helper()
	f := NewFactory(FactoryOptions{
		MaxManagersPerUser: maxPerUser,
		ManagerTTL:         ttl,
		// No background sweep in tests; Sweep() is driven explicitly.
	}, nil, nil)
	t.Cleanup(f.Close)
	return f
}

func keyedContext(t *testing.T, user, conn string) execctx.Context {
	t.Helper()
	ctx, err := execctx.New(user, "t1", "r1", "req1", conn)
	if err != nil {
		t.Fatalf("execctx.New: %v", err)
	}
	return ctx
}

func TestCreateOrGetReturnsSameManagerForSameKey(t *testing.T) {
	f := newTestFactory(t, 5, time.Minute)

	ctx := keyedContext(t, "u1", "")
	m1, err := f.CreateOrGet(ctx)
	if err != nil {
		t.Fatal(err)
	}
	m2, err := f.CreateOrGet(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if m1 != m2 {
		t.Fatal("same isolation key must yield the same manager instance")
	}
	if f.GetStats().Created != 1 {
		t.Fatal("second lookup must not count as a creation")
	}
}

func TestManagersForDistinctUsersAreIsolated(t *testing.T) {
	f := newTestFactory(t, 5, time.Minute)

	mA, err := f.CreateOrGet(keyedContext(t, "userA", ""))
	if err != nil {
		t.Fatal(err)
	}
	mB, err := f.CreateOrGet(keyedContext(t, "userB", ""))
	if err != nil {
		t.Fatal(err)
	}
	if mA == mB {
		t.Fatal("distinct users must never share a manager instance")
	}

	connA, _ := activeConn(t, "cA", "userA")
	if err := mA.AddConnection(connA); err != nil {
		t.Fatal(err)
	}
	if err := mB.AddConnection(connA); !errors.Is(err, ErrOwnershipMismatch) {
		t.Fatalf("userB's manager accepted userA's connection: %v", err)
	}
	if mB.ConnectionCount() != 0 {
		t.Fatal("userB's manager must not contain userA's connection")
	}
}

func TestPerUserManagerLimit(t *testing.T) {
	const max = 3
	f := newTestFactory(t, max, time.Minute)

	// The max-th creation succeeds.
	for i := 0; i < max; i++ {
		if _, err := f.CreateOrGet(keyedContext(t, "u1", fmt.Sprintf("conn%d", i))); err != nil {
			t.Fatalf("creation %d should succeed: %v", i+1, err)
		}
	}

	// The (max+1)-th fails with the typed error naming the limit.
	_, err := f.CreateOrGet(keyedContext(t, "u1", "overflow"))
	if !errors.Is(err, ErrResourceLimitExceeded) {
		t.Fatalf("expected ErrResourceLimitExceeded, got %v", err)
	}

	stats := f.GetStats()
	if stats.LimitHits != 1 {
		t.Fatalf("expected 1 limit hit, got %d", stats.LimitHits)
	}
	if stats.PerUser["u1"] != max {
		t.Fatalf("expected %d managers for u1, got %d", max, stats.PerUser["u1"])
	}

	// Another user is unaffected.
	if _, err := f.CreateOrGet(keyedContext(t, "u2", "")); err != nil {
		t.Fatalf("other user must not be limited: %v", err)
	}

	// Retryable after cleanup.
	if !f.Cleanup("u1/conn0") {
		t.Fatal("cleanup of existing manager returned false")
	}
	if _, err := f.CreateOrGet(keyedContext(t, "u1", "overflow")); err != nil {
		t.Fatalf("creation after cleanup should succeed: %v", err)
	}
}

func TestCleanupIdempotent(t *testing.T) {
	f := newTestFactory(t, 5, time.Minute)

	if _, err := f.CreateOrGet(keyedContext(t, "u1", "")); err != nil {
		t.Fatal(err)
	}
	if !f.Cleanup("u1") {
		t.Fatal("first cleanup should report removal")
	}
	if f.Cleanup("u1") {
		t.Fatal("second cleanup must be a no-op")
	}
	if got := f.GetStats().CleanedUp; got != 1 {
		t.Fatalf("expected 1 cleanup counted, got %d", got)
	}
}

func TestSweepEvictsExpiredManagers(t *testing.T) {
	f := newTestFactory(t, 5, 60*time.Second)

	if _, err := f.CreateOrGet(keyedContext(t, "u1", "")); err != nil {
		t.Fatal(err)
	}
	if got := f.GetStats().ActiveManagers; got != 1 {
		t.Fatalf("expected 1 active manager, got %d", got)
	}

	// No activity for 61 simulated seconds.
	f.SetClock(func() time.Time { return time.Now().Add(61 * time.Second) })

	if removed := f.Sweep(); removed != 1 {
		t.Fatalf("expected sweep to remove 1 manager, removed %d", removed)
	}
	if got := f.GetStats().ActiveManagers; got != 0 {
		t.Fatalf("expected 0 active managers after sweep, got %d", got)
	}
}

func TestSweepSparesActiveManagers(t *testing.T) {
	f := newTestFactory(t, 5, 60*time.Second)

	mgr, err := f.CreateOrGet(keyedContext(t, "u1", ""))
	if err != nil {
		t.Fatal(err)
	}

	f.SetClock(func() time.Time { return time.Now().Add(61 * time.Second) })
	// Fresh activity resets the TTL window relative to real time, but the
	// simulated clock is 61s ahead, so only a touch within the window at
	// the simulated time spares the manager.
	mgr.Touch()
	if removed := f.Sweep(); removed != 1 {
		t.Fatalf("touch at real time is still outside the simulated window; removed=%d", removed)
	}

	// Recreate and keep activity inside the window.
	f.SetClock(time.Now)
	if _, err := f.CreateOrGet(keyedContext(t, "u1", "")); err != nil {
		t.Fatal(err)
	}
	if removed := f.Sweep(); removed != 0 {
		t.Fatalf("fresh manager must survive sweep, removed=%d", removed)
	}
}

type recordingStore struct {
	mu        sync.Mutex
	summaries []SessionSummary
}

func (r *recordingStore) RecordSessionSummary(s SessionSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summaries = append(r.summaries, s)
	return nil
}

func TestCleanupRecordsSessionSummary(t *testing.T) {
	store := &recordingStore{}
	f := NewFactory(FactoryOptions{
		MaxManagersPerUser: 5,
		ManagerTTL:         time.Minute,
	}, store, nil)
	t.Cleanup(f.Close)

	mgr, err := f.CreateOrGet(keyedContext(t, "u1", ""))
	if err != nil {
		t.Fatal(err)
	}
	conn, _ := activeConn(t, "c1", "u1")
	if err := mgr.AddConnection(conn); err != nil {
		t.Fatal(err)
	}

	f.Cleanup("u1")

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.summaries) != 1 {
		t.Fatalf("expected 1 summary, got %d", len(store.summaries))
	}
	s := store.summaries[0]
	if s.UserID != "u1" || s.ConnectionsTotal != 1 || s.Reason != "explicit" {
		t.Fatalf("unexpected summary: %+v", s)
	}
}

func TestConcurrentCreateOrGetSingleManager(t *testing.T) {
	f := newTestFactory(t, 5, time.Minute)
	ctx := keyedContext(t, "u1", "")

	const goroutines = 32
	managers := make([]*Manager, goroutines)
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(i int) {
			defer wg.Done()
			m, err := f.CreateOrGet(ctx)
			if err != nil {
				t.Errorf("CreateOrGet: %v", err)
				return
			}
			managers[i] = m
		}(i)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		if managers[i] != managers[0] {
			t.Fatal("concurrent lookups returned different manager instances")
		}
	}
	if f.GetStats().Created != 1 {
		t.Fatalf("expected exactly 1 creation, got %d", f.GetStats().Created)
	}
}

func TestCloseDeactivatesEverything(t *testing.T) {
	f := NewFactory(FactoryOptions{
		MaxManagersPerUser: 5,
		ManagerTTL:         time.Minute,
		SweepInterval:      10 * time.Millisecond,
	}, nil, nil)

	mgr, err := f.CreateOrGet(keyedContext(t, "u1", ""))
	if err != nil {
		t.Fatal(err)
	}

	f.Close()
	f.Close() // idempotent

	if mgr.Active() {
		t.Fatal("manager still active after factory close")
	}
	if got := f.GetStats().ActiveManagers; got != 0 {
		t.Fatalf("expected empty registry after close, got %d", got)
	}
}
