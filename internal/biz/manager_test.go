package biz

import (
	"context"
	"errors"
	"testing"
	"time"

	"Breakwater/internal/conf"
	"Breakwater/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/durationpb"
)

// mockTransitionLogger records audit calls.
type mockTransitionLogger struct {
	mock.Mock
}

func (m *mockTransitionLogger) LogTransition(ctx context.Context, ev *model.TransitionEvent) {
	m.Called(ctx, ev)
}

func testResilienceConf() *conf.Resilience {
	return &conf.Resilience{
		Breaker: &conf.Resilience_Breaker{
			WindowSize:       5,
			MinVolume:        5,
			FailureThreshold: 0.5,
			OpenDuration:     durationpb.New(100 * time.Millisecond),
			ProbeCount:       2,
		},
		Bulkhead: &conf.Resilience_Bulkhead{
			MaxConcurrency: 2,
			MaxQueue:       1,
			QueueWait:      durationpb.New(50 * time.Millisecond),
		},
		Sync: &conf.Resilience_Sync{
			Interval:        durationpb.New(5 * time.Second),
			OpTimeout:       durationpb.New(300 * time.Millisecond),
			RecordTtl:       durationpb.New(2 * time.Minute),
			PreferOpenOnTie: true,
		},
	}
}

func newTestManager() *ResilienceManager {
	return NewResilienceManager(testResilienceConf(), nil, log.DefaultLogger)
}

func TestResilienceManager_ExecuteSuccess(t *testing.T) {
	m := newTestManager()

	invoked := false
	err := m.Execute(context.Background(), "payments", func(ctx context.Context) error {
		invoked = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, invoked)

	stats, ok := m.StatsFor("payments")
	require.True(t, ok)
	assert.Equal(t, model.StateClosed, stats.State)
	assert.Equal(t, 1, stats.SampleCount)
	assert.Equal(t, 0, stats.FailureCount)
}

func TestResilienceManager_ExecuteWrapsWorkError(t *testing.T) {
	m := newTestManager()
	cause := errors.New("connection refused")

	err := m.Execute(context.Background(), "payments", func(ctx context.Context) error {
		return cause
	})

	var callErr *UnderlyingCallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, "payments", callErr.Dependency)
	assert.ErrorIs(t, err, cause, "the original failure must stay reachable through Unwrap")

	stats, _ := m.StatsFor("payments")
	assert.Equal(t, 1, stats.FailureCount)
}

func TestResilienceManager_PanicInWorkCountsAsFailure(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	executePanicking := func() (recovered any) {
		defer func() { recovered = recover() }()
		_ = m.Execute(ctx, "payments", func(ctx context.Context) error {
			panic("dependency blew up")
		})
		return nil
	}

	// Panics are failures: five of them trip the breaker.
	for i := 0; i < 5; i++ {
		require.Equal(t, "dependency blew up", executePanicking(), "the panic must propagate to the caller")
	}
	stats, _ := m.StatsFor("payments")
	require.Equal(t, model.StateOpen, stats.State)

	// A panicking half-open probe must return its slot by reopening the
	// breaker rather than leaving it stuck waiting for a report.
	time.Sleep(120 * time.Millisecond)
	require.Equal(t, "dependency blew up", executePanicking())
	stats, _ = m.StatsFor("payments")
	assert.Equal(t, model.StateOpen, stats.State)

	// The dependency recovers: probes succeed and the breaker closes.
	time.Sleep(120 * time.Millisecond)
	for i := 0; i < 2; i++ {
		require.NoError(t, m.Execute(ctx, "payments", func(ctx context.Context) error { return nil }))
	}
	stats, _ = m.StatsFor("payments")
	assert.Equal(t, model.StateClosed, stats.State)

	// The bulkhead slot was released through the panic as well.
	for _, s := range m.GetAllBulkheadStats() {
		if s.Resource == "payments" {
			assert.Equal(t, 0, s.InFlight)
		}
	}
}

func TestResilienceManager_OpenBreakerRejectsWithoutInvokingWork(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	cause := errors.New("boom")

	for i := 0; i < 5; i++ {
		_ = m.Execute(ctx, "payments", func(ctx context.Context) error { return cause })
	}
	stats, _ := m.StatsFor("payments")
	require.Equal(t, model.StateOpen, stats.State)

	invoked := false
	err := m.Execute(ctx, "payments", func(ctx context.Context) error {
		invoked = true
		return nil
	})
	var openErr *CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.False(t, invoked, "rejected calls must never reach the dependency")

	// A fast rejection is not an outcome sample.
	stats, _ = m.StatsFor("payments")
	assert.Equal(t, model.StateOpen, stats.State)
}

func TestResilienceManager_BulkheadRejectionSurfaces(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	// Occupy both slots and the single queue position.
	blocker := make(chan struct{})
	started := make(chan struct{})
	for i := 0; i < 2; i++ {
		go func() {
			_ = m.Execute(ctx, "payments", func(ctx context.Context) error {
				started <- struct{}{}
				<-blocker
				return nil
			})
		}()
	}
	<-started
	<-started

	queued := make(chan error, 1)
	go func() {
		queued <- m.Execute(ctx, "payments", func(ctx context.Context) error { return nil })
	}()
	require.Eventually(t, func() bool {
		for _, s := range m.GetAllBulkheadStats() {
			if s.Resource == "payments" && s.Queued == 1 {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	err := m.Execute(ctx, "payments", func(ctx context.Context) error { return nil })
	var fullErr *BulkheadFullError
	assert.ErrorAs(t, err, &fullErr)

	// The queued caller times out with the distinct timeout error.
	var timeoutErr *BulkheadTimeoutError
	assert.ErrorAs(t, <-queued, &timeoutErr)

	close(blocker)
}

func TestResilienceManager_RegisterOverridesDefaults(t *testing.T) {
	m := newTestManager()
	m.Register("search", DependencyConfig{
		Breaker: BreakerConfig{
			WindowSize:       10,
			MinVolume:        2,
			FailureThreshold: 0.5,
			OpenDuration:     time.Minute,
			ProbeCount:       1,
		},
		Bulkhead: BulkheadConfig{MaxConcurrency: 1, MaxQueue: 0, QueueWait: time.Second},
	})

	ctx := context.Background()
	cause := errors.New("boom")
	for i := 0; i < 2; i++ {
		_ = m.Execute(ctx, "search", func(ctx context.Context) error { return cause })
	}

	// Default min volume is 5; the override's 2 must be in effect.
	stats, ok := m.StatsFor("search")
	require.True(t, ok)
	assert.Equal(t, model.StateOpen, stats.State)
}

func TestResilienceManager_RegisterAfterInstantiationIgnored(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Execute(context.Background(), "payments", func(ctx context.Context) error { return nil }))

	m.Register("payments", DependencyConfig{
		Breaker: BreakerConfig{WindowSize: 2, MinVolume: 1, FailureThreshold: 0.1, OpenDuration: time.Hour, ProbeCount: 1},
	})

	// The live pair keeps the defaults: a single failure must not trip.
	_ = m.Execute(context.Background(), "payments", func(ctx context.Context) error { return errors.New("boom") })
	stats, _ := m.StatsFor("payments")
	assert.Equal(t, model.StateClosed, stats.State)
}

func TestResilienceManager_LazyPairCreation(t *testing.T) {
	m := newTestManager()
	assert.Empty(t, m.Names())

	_, ok := m.StatsFor("payments")
	assert.False(t, ok, "stats lookup must not instantiate a pair")

	require.NoError(t, m.Execute(context.Background(), "payments", func(ctx context.Context) error { return nil }))
	assert.Equal(t, []string{"payments"}, m.Names())
}

func TestResilienceManager_GetAllStatsSorted(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	for _, name := range []string{"search", "payments", "inventory"} {
		require.NoError(t, m.Execute(ctx, name, func(ctx context.Context) error { return nil }))
	}

	stats := m.GetAllStats()
	require.Len(t, stats, 3)
	assert.Equal(t, "inventory", stats[0].Dependency)
	assert.Equal(t, "payments", stats[1].Dependency)
	assert.Equal(t, "search", stats[2].Dependency)

	bulkheads := m.GetAllBulkheadStats()
	require.Len(t, bulkheads, 3)
	assert.Equal(t, "inventory", bulkheads[0].Resource)
	assert.Equal(t, 2, bulkheads[0].MaxConcurrency)
}

func TestResilienceManager_Reset(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	cause := errors.New("boom")
	for i := 0; i < 5; i++ {
		_ = m.Execute(ctx, "payments", func(ctx context.Context) error { return cause })
	}
	stats, _ := m.StatsFor("payments")
	require.Equal(t, model.StateOpen, stats.State)

	m.Reset("payments")
	stats, _ = m.StatsFor("payments")
	assert.Equal(t, model.StateClosed, stats.State)

	// Unknown names are a no-op.
	m.Reset("nope")
}

func TestResilienceManager_ForceOpenUnknownDependency(t *testing.T) {
	m := newTestManager()
	assert.False(t, m.ForceOpen("ghost", time.Now(), 1))
}

func TestResilienceManager_TransitionsReachAuditLog(t *testing.T) {
	audit := &mockTransitionLogger{}
	audit.On("LogTransition", mock.Anything, mock.AnythingOfType("*model.TransitionEvent")).Return()

	m := NewResilienceManager(testResilienceConf(), audit, log.DefaultLogger)
	ctx := context.Background()
	cause := errors.New("boom")
	for i := 0; i < 5; i++ {
		_ = m.Execute(ctx, "payments", func(ctx context.Context) error { return cause })
	}

	audit.AssertCalled(t, "LogTransition", mock.Anything, mock.MatchedBy(func(ev *model.TransitionEvent) bool {
		return ev.Dependency == "payments" && ev.ToState == model.StateOpen
	}))
}

func TestResilienceManager_OnTransitionHook(t *testing.T) {
	m := newTestManager()
	rec := &eventRecorder{}
	m.OnTransition(rec.record)

	ctx := context.Background()
	cause := errors.New("boom")
	for i := 0; i < 5; i++ {
		_ = m.Execute(ctx, "payments", func(ctx context.Context) error { return cause })
	}

	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, model.StateOpen, events[0].ToState)
	assert.Equal(t, "payments", events[0].Dependency)
}
