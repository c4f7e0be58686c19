package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/codefionn/streamgate/internal/events"
	"github.com/codefionn/streamgate/internal/sessions"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return store
}

func TestRecordSessionSummary(t *testing.T) {
	store := newTestStore(t)

	now := time.Now()
	summary := sessions.SessionSummary{
		IsolationKey:     "u1/c1",
		UserID:           "u1",
		ThreadID:         "t1",
		RunID:            "r1",
		CreatedAt:        now.Add(-time.Minute),
		ClosedAt:         now,
		ConnectionsTotal: 3,
		Reason:           "ttl_expired",
	}
	if err := store.RecordSessionSummary(summary); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.RecordSessionSummary(summary); err != nil {
		t.Fatalf("second record: %v", err)
	}

	count, err := store.SummaryCountForUser("u1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("expected 2 summaries, got %d", count)
	}

	count, err = store.SummaryCountForUser("other")
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("expected 0 summaries for other user, got %d", count)
	}
}

func TestRecordAndLoadSequenceReport(t *testing.T) {
	store := newTestStore(t)

	report := events.SequenceReport{
		RunID:           "r1",
		Score:           80,
		RequiredCount:   5,
		PresentCount:    4,
		MissingCritical: []string{events.EventAgentCompleted},
		Impact:          events.ImpactHigh,
	}
	if err := store.RecordSequenceReport(report); err != nil {
		t.Fatalf("record: %v", err)
	}

	loaded, err := store.LatestSequenceReport("r1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Score != 80 || loaded.Impact != events.ImpactHigh {
		t.Fatalf("unexpected report: %+v", loaded)
	}
	if len(loaded.MissingCritical) != 1 || loaded.MissingCritical[0] != events.EventAgentCompleted {
		t.Fatalf("missing list lost in round trip: %+v", loaded.MissingCritical)
	}
}

func TestLatestSequenceReportPicksMostRecent(t *testing.T) {
	store := newTestStore(t)

	first := events.SequenceReport{RunID: "r1", Score: 40, RequiredCount: 5, PresentCount: 2, Impact: events.ImpactCritical}
	second := events.SequenceReport{RunID: "r1", Score: 100, RequiredCount: 5, PresentCount: 5, Impact: events.ImpactNone}
	if err := store.RecordSequenceReport(first); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordSequenceReport(second); err != nil {
		t.Fatal(err)
	}

	loaded, err := store.LatestSequenceReport("r1")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Score != 100 {
		t.Fatalf("expected latest report, got score %f", loaded.Score)
	}
}

func TestLatestSequenceReportMissingRun(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.LatestSequenceReport("absent"); err == nil {
		t.Fatal("expected error for unknown run")
	}
}
