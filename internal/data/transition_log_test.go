package data

import (
	"context"
	"testing"
	"time"

	"Breakwater/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
)

func TestTransitionLog_NoDatabaseDegradesGracefully(t *testing.T) {
	tl, cleanup := NewTransitionLog(nil, log.DefaultLogger)

	// Queue a few events; with no database they are drained by the
	// background goroutine without blocking or panicking.
	for i := 0; i < 10; i++ {
		tl.LogTransition(context.Background(), &model.TransitionEvent{
			Dependency:   "payments",
			FromState:    model.StateClosed,
			ToState:      model.StateOpen,
			FailureCount: 5,
			TransitionAt: time.Now(),
		})
	}

	// Cleanup drains the channel and stops the writer.
	cleanup()
}

func TestTransitionLog_FullChannelDropsInsteadOfBlocking(t *testing.T) {
	tl := &TransitionLog{
		db:      nil,
		logChan: make(chan *BreakerTransition, 1), // No consumer attached
		stop:    make(chan struct{}),
		logger:  log.NewHelper(log.DefaultLogger),
	}

	ev := &model.TransitionEvent{
		Dependency:   "payments",
		FromState:    model.StateClosed,
		ToState:      model.StateOpen,
		TransitionAt: time.Now(),
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		tl.LogTransition(context.Background(), ev)
		tl.LogTransition(context.Background(), ev) // Channel full: must drop
	}()

	select {
	case <-done:
		// Non-blocking as required.
	case <-time.After(time.Second):
		t.Fatal("LogTransition blocked on a full channel")
	}

	assert.Len(t, tl.logChan, 1)
}

func TestTransitionLog_LogAfterCleanupDoesNotPanic(t *testing.T) {
	tl, cleanup := NewTransitionLog(nil, log.DefaultLogger)

	ev := &model.TransitionEvent{
		Dependency:   "payments",
		FromState:    model.StateClosed,
		ToState:      model.StateOpen,
		TransitionAt: time.Now(),
	}
	tl.LogTransition(context.Background(), ev)

	// A transition racing shutdown is dropped, never a panic. Interleave
	// sends with cleanup from another goroutine to exercise the race.
	racing := make(chan struct{})
	go func() {
		defer close(racing)
		for i := 0; i < 100; i++ {
			tl.LogTransition(context.Background(), ev)
		}
	}()
	cleanup()
	<-racing

	tl.LogTransition(context.Background(), ev)
	assert.NotPanics(t, func() {
		tl.LogTransition(context.Background(), ev)
	})
}
