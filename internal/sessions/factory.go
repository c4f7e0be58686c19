package sessions

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/codefionn/streamgate/internal/events"
	"github.com/codefionn/streamgate/internal/execctx"
	"github.com/codefionn/streamgate/internal/logger"
)

// ErrResourceLimitExceeded is returned when a user already holds the maximum
// number of live managers. Retryable after cleanup.
var ErrResourceLimitExceeded = errors.New("resource limit exceeded")

const shardCount = 16

// SessionSummary is the opaque record handed to the persistence collaborator
// when a manager is cleaned up.
type SessionSummary struct {
	IsolationKey     string    `json:"isolation_key"`
	UserID           string    `json:"user_id"`
	ThreadID         string    `json:"thread_id"`
	RunID            string    `json:"run_id"`
	CreatedAt        time.Time `json:"created_at"`
	ClosedAt         time.Time `json:"closed_at"`
	ConnectionsTotal int       `json:"connections_total"`
	Reason           string    `json:"reason"`
}

// SummaryRecorder receives session summaries. Implementations must not block
// for long; the factory calls them outside its registry locks.
type SummaryRecorder interface {
	RecordSessionSummary(summary SessionSummary) error
}

// FactoryStats is the observability snapshot exposed by the factory.
type FactoryStats struct {
	ActiveManagers int            `json:"active_managers"`
	PerUser        map[string]int `json:"per_user"`
	Created        uint64         `json:"created"`
	CleanedUp      uint64         `json:"cleaned_up"`
	LimitHits      uint64         `json:"limit_hits"`
	SweepRuns      uint64         `json:"sweep_runs"`
}

type registryEntry struct {
	manager   *Manager
	createdAt time.Time
}

// shard holds the registry slice for users hashing into it. The critical
// section around each shard is map mutation only; no I/O runs inside it.
type shard struct {
	mu       sync.Mutex
	managers map[string]*registryEntry
	perUser  map[string]int
}

// FactoryOptions bound the factory's resource usage.
type FactoryOptions struct {
	MaxManagersPerUser  int
	ManagerTTL          time.Duration
	SweepInterval       time.Duration
	DegradedFailureRate float64
}

// Factory is the process-wide registry of isolation key -> Manager. It is
// constructed explicitly and torn down with Close; there is no implicit
// global.
type Factory struct {
	opts      FactoryOptions
	validator *events.Validator
	log       *logger.Logger
	recorder  SummaryRecorder
	shards    [shardCount]*shard
	now       func() time.Time

	countersMu sync.Mutex
	created    uint64
	cleaned    uint64
	limitHits  uint64
	sweepRuns  uint64

	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewFactory creates a factory and starts its background sweep. recorder may
// be nil when no persistence collaborator is attached.
func NewFactory(opts FactoryOptions, recorder SummaryRecorder, log *logger.Logger) *Factory {
	if log == nil {
		log = logger.Global()
	}
	if opts.MaxManagersPerUser < 1 {
		opts.MaxManagersPerUser = 1
	}
	if opts.ManagerTTL <= 0 {
		opts.ManagerTTL = 5 * time.Minute
	}

	f := &Factory{
		opts:      opts,
		validator: events.NewValidator(log),
		log:       log.WithPrefix("factory"),
		recorder:  recorder,
		now:       time.Now,
		quit:      make(chan struct{}),
	}
	for i := range f.shards {
		f.shards[i] = &shard{
			managers: make(map[string]*registryEntry),
			perUser:  make(map[string]int),
		}
	}

	if opts.SweepInterval > 0 {
		f.wg.Add(1)
		go f.sweepLoop()
	}
	return f
}

// SetClock overrides the factory's time source. Test use only.
func (f *Factory) SetClock(now func() time.Time) {
	f.now = now
}

func (f *Factory) shardFor(userID string) *shard {
	return f.shards[xxhash.Sum64String(userID)%shardCount]
}

// CreateOrGet returns the manager for the context's isolation key, creating
// it if absent. Creation is rejected with ErrResourceLimitExceeded when the
// user already holds the configured maximum of live managers.
func (f *Factory) CreateOrGet(ctx execctx.Context) (*Manager, error) {
	key := ctx.IsolationKey()
	s := f.shardFor(ctx.UserID)

	s.mu.Lock()
	if entry, ok := s.managers[key]; ok {
		s.mu.Unlock()
		entry.manager.Touch()
		return entry.manager, nil
	}

	if s.perUser[ctx.UserID] >= f.opts.MaxManagersPerUser {
		s.mu.Unlock()
		f.countersMu.Lock()
		f.limitHits++
		f.countersMu.Unlock()
		f.log.Warn("manager limit hit for user %s (max %d)", ctx.UserID, f.opts.MaxManagersPerUser)
		return nil, fmt.Errorf("%w: user %s already holds %d managers (max_managers_per_user=%d)",
			ErrResourceLimitExceeded, ctx.UserID, f.opts.MaxManagersPerUser, f.opts.MaxManagersPerUser)
	}

	mgr := NewManager(ctx, f.validator, f.log)
	s.managers[key] = &registryEntry{manager: mgr, createdAt: f.now()}
	s.perUser[ctx.UserID]++
	s.mu.Unlock()

	f.countersMu.Lock()
	f.created++
	f.countersMu.Unlock()

	f.log.Info("created manager for %s", key)
	return mgr, nil
}

// Get returns the manager for an isolation key without creating one.
func (f *Factory) Get(isolationKey string) (*Manager, bool) {
	s := f.shardFor(userOf(isolationKey))
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.managers[isolationKey]
	if !ok {
		return nil, false
	}
	return entry.manager, true
}

// Cleanup deactivates and removes the manager for an isolation key
// immediately. Returns false when no such manager exists; cleaning an
// already-cleaned manager is a safe no-op.
func (f *Factory) Cleanup(isolationKey string) bool {
	return f.cleanup(isolationKey, "explicit")
}

func (f *Factory) cleanup(isolationKey, reason string) bool {
	user := userOf(isolationKey)
	s := f.shardFor(user)

	s.mu.Lock()
	entry, ok := s.managers[isolationKey]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.managers, isolationKey)
	if s.perUser[user] <= 1 {
		delete(s.perUser, user)
	} else {
		s.perUser[user]--
	}
	s.mu.Unlock()

	// Deactivation closes transports; keep it outside the registry lock.
	entry.manager.Deactivate()

	f.countersMu.Lock()
	f.cleaned++
	f.countersMu.Unlock()

	if f.recorder != nil {
		summary := SessionSummary{
			IsolationKey:     isolationKey,
			UserID:           entry.manager.Context().UserID,
			ThreadID:         entry.manager.Context().ThreadID,
			RunID:            entry.manager.Context().RunID,
			CreatedAt:        entry.manager.CreatedAt(),
			ClosedAt:         f.now(),
			ConnectionsTotal: entry.manager.TotalConnectionsAdded(),
			Reason:           reason,
		}
		if err := f.recorder.RecordSessionSummary(summary); err != nil {
			f.log.Warn("failed to record session summary for %s: %v", isolationKey, err)
		}
	}

	f.log.Info("cleaned up manager for %s (reason: %s)", isolationKey, reason)
	return true
}

// Sweep removes every manager whose last activity is older than the TTL.
// Safe to call concurrently with the background loop.
func (f *Factory) Sweep() int {
	deadline := f.now().Add(-f.opts.ManagerTTL)

	var expired []string
	for _, s := range f.shards {
		s.mu.Lock()
		for key, entry := range s.managers {
			if entry.manager.LastActivity().Before(deadline) {
				expired = append(expired, key)
			}
		}
		s.mu.Unlock()
	}

	removed := 0
	for _, key := range expired {
		if f.cleanup(key, "ttl_expired") {
			removed++
		}
	}

	f.countersMu.Lock()
	f.sweepRuns++
	f.countersMu.Unlock()

	if removed > 0 {
		f.log.Info("sweep evicted %d expired managers", removed)
	}
	return removed
}

func (f *Factory) sweepLoop() {
	defer f.wg.Done()
	ticker := time.NewTicker(f.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.Sweep()
		case <-f.quit:
			return
		}
	}
}

// GetStats returns the factory's observability snapshot.
func (f *Factory) GetStats() FactoryStats {
	stats := FactoryStats{PerUser: make(map[string]int)}

	for _, s := range f.shards {
		s.mu.Lock()
		stats.ActiveManagers += len(s.managers)
		for user, count := range s.perUser {
			stats.PerUser[user] += count
		}
		s.mu.Unlock()
	}

	f.countersMu.Lock()
	stats.Created = f.created
	stats.CleanedUp = f.cleaned
	stats.LimitHits = f.limitHits
	stats.SweepRuns = f.sweepRuns
	f.countersMu.Unlock()

	return stats
}

// Close stops the sweep loop and deactivates every live manager. Idempotent.
func (f *Factory) Close() {
	f.closeOnce.Do(func() {
		close(f.quit)
		f.wg.Wait()

		var keys []string
		for _, s := range f.shards {
			s.mu.Lock()
			for key := range s.managers {
				keys = append(keys, key)
			}
			s.mu.Unlock()
		}
		for _, key := range keys {
			f.cleanup(key, "shutdown")
		}
	})
}

func userOf(isolationKey string) string {
	if i := strings.IndexByte(isolationKey, '/'); i >= 0 {
		return isolationKey[:i]
	}
	return isolationKey
}
