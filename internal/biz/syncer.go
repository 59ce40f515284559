package biz

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"Breakwater/internal/conf"
	"Breakwater/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// SyncStatus describes the health of the state syncer for diagnostics.
type SyncStatus struct {
	InstanceID      string    `json:"instanceId"`
	LastReconcileAt time.Time `json:"lastReconcileAt"`
	LastError       string    `json:"lastError,omitempty"`
	Degraded        bool      `json:"degraded"`
}

// StateSyncer keeps the shared store's view of breaker state approximately
// consistent with local observations without ever sitting on the call path.
//
// Local transitions are pushed to the store fire-and-forget with set-if-newer
// semantics; a background loop reconciles on a fixed interval, adopting
// peer-observed open states and refreshing this replica's records so their
// TTL stays alive. Every store operation carries a bounded timeout and fails
// open: a store outage degrades distributed consistency, never availability.
type StateSyncer struct {
	store      StateStore
	mgr        *ResilienceManager
	instanceID string

	interval  time.Duration
	opTimeout time.Duration
	recordTTL time.Duration

	mu            sync.Mutex
	lastReconcile time.Time
	lastErr       error

	stop chan struct{}
	done chan struct{}

	logger *log.Helper
}

// NewStateSyncer creates the syncer, subscribes it to the manager's
// transitions and starts the reconciliation loop. The returned cleanup
// stops the loop.
func NewStateSyncer(store StateStore, mgr *ResilienceManager, c *conf.Resilience, logger log.Logger) (*StateSyncer, func()) {
	interval := 5 * time.Second
	opTimeout := 300 * time.Millisecond
	recordTTL := 2 * time.Minute
	if c != nil && c.Sync != nil {
		if d := c.Sync.Interval.AsDuration(); d > 0 {
			interval = d
		}
		if d := c.Sync.OpTimeout.AsDuration(); d > 0 {
			opTimeout = d
		}
		if d := c.Sync.RecordTtl.AsDuration(); d > 0 {
			recordTTL = d
		}
	}

	hostname, _ := os.Hostname()
	s := &StateSyncer{
		store:      store,
		mgr:        mgr,
		instanceID: fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		interval:   interval,
		opTimeout:  opTimeout,
		recordTTL:  recordTTL,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		logger:     log.NewHelper(logger),
	}

	mgr.OnTransition(s.publish)
	go s.run()

	cleanup := func() {
		s.logger.Info("stopping state syncer")
		close(s.stop)
		<-s.done
	}
	return s, cleanup
}

// InstanceID returns the identifier written as the record owner.
func (s *StateSyncer) InstanceID() string {
	return s.instanceID
}

// Status returns the syncer health snapshot.
func (s *StateSyncer) Status() SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := SyncStatus{
		InstanceID:      s.instanceID,
		LastReconcileAt: s.lastReconcile,
		Degraded:        s.lastErr != nil,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// publish pushes a local transition to the shared store. Remote-applied
// transitions are not echoed back. The write happens on its own goroutine
// so outcome reporting never waits on the store.
func (s *StateSyncer) publish(ev model.TransitionEvent) {
	if ev.Remote {
		return
	}
	rec := &model.BreakerRecord{
		State:            ev.ToState,
		FailureCount:     ev.FailureCount,
		LastTransitionAt: ev.TransitionAt.UnixMilli(),
		InstanceID:       s.instanceID,
		TTLSeconds:       int(s.recordTTL.Seconds()),
	}
	go s.write(ev.Dependency, rec)
}

// write performs one bounded set-if-newer against the store.
func (s *StateSyncer) write(dependency string, rec *model.BreakerRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
	defer cancel()

	applied, err := s.store.SetBreakerRecordIfNewer(ctx, dependency, rec, s.recordTTL)
	s.noteResult(err)
	if err != nil {
		s.logger.Warnw("shared store write failed (degraded mode: local state remains authoritative)",
			"dependency", dependency,
			"error", err)
		return
	}
	if !applied {
		s.logger.Debugw("shared store already holds a newer record",
			"dependency", dependency,
			"state", rec.State)
	}
}

// run is the reconciliation loop.
func (s *StateSyncer) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.reconcile()
		case <-s.stop:
			return
		}
	}
}

// reconcile pulls each registered dependency's record, adopts newer remote
// open states, and refreshes the store with the local snapshot.
func (s *StateSyncer) reconcile() {
	for _, name := range s.mgr.Names() {
		local, ok := s.mgr.StatsFor(name)
		if !ok {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
		rec, err := s.store.GetBreakerRecord(ctx, name)
		cancel()
		s.noteResult(err)
		if err != nil {
			s.logger.Warnw("shared store read failed (degraded mode: skipping reconciliation)",
				"dependency", name,
				"error", err)
			continue
		}

		if rec != nil && rec.State == model.StateOpen && rec.InstanceID != s.instanceID {
			remoteAt := time.UnixMilli(rec.LastTransitionAt)
			if s.mgr.ForceOpen(name, remoteAt, rec.FailureCount) {
				s.logger.Infow("adopted peer-observed open state",
					"dependency", name,
					"peer", rec.InstanceID,
					"remote_transition_at", remoteAt)
				// The peer's record is already the newest; writing our
				// pre-adoption snapshot back would be stale.
				continue
			}
		}
		// Remote closed/half-open or stale records are ignored: local
		// state is authoritative between reconciliations.

		// Refresh our view so the record's TTL survives while any
		// replica is alive.
		refresh := &model.BreakerRecord{
			State:            local.State,
			FailureCount:     local.FailureCount,
			LastTransitionAt: local.LastTransitionAt.UnixMilli(),
			InstanceID:       s.instanceID,
			TTLSeconds:       int(s.recordTTL.Seconds()),
		}
		s.write(name, refresh)
	}

	s.mu.Lock()
	s.lastReconcile = time.Now()
	s.mu.Unlock()
}

// noteResult tracks the last store error for Status.
func (s *StateSyncer) noteResult(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}
