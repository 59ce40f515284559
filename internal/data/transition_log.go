package data

import (
	"context"
	"time"

	"Breakwater/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// BreakerTransition is the GORM model for the breaker_transitions table.
type BreakerTransition struct {
	ID           int64     `gorm:"primaryKey;column:id"`
	Dependency   string    `gorm:"column:dependency;type:varchar(128);not null;index"`
	FromState    string    `gorm:"column:from_state;type:varchar(16);not null"`
	ToState      string    `gorm:"column:to_state;type:varchar(16);not null"`
	FailureCount int       `gorm:"column:failure_count;not null"`
	Remote       bool      `gorm:"column:remote;not null"`
	TransitionAt time.Time `gorm:"column:transition_at;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the table name for GORM.
func (BreakerTransition) TableName() string {
	return "breaker_transitions"
}

// TransitionLog implements biz.TransitionLogger with an async channel
// writer, so audit persistence never blocks outcome reporting. With no
// database configured it degrades to debug logging only.
//
// Shutdown is signalled through the stop channel; logChan itself is never
// closed, so a transition firing concurrently with cleanup is dropped
// instead of panicking on a closed channel.
type TransitionLog struct {
	db      *gorm.DB
	logChan chan *BreakerTransition
	stop    chan struct{}
	done    chan struct{}
	logger  *log.Helper
}

// NewTransitionLog creates the audit writer. The returned cleanup drains
// the queue and stops the background goroutine.
func NewTransitionLog(db *gorm.DB, logger log.Logger) (*TransitionLog, func()) {
	tl := &TransitionLog{
		db:      db,
		logChan: make(chan *BreakerTransition, 1000), // Buffer to prevent blocking
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		logger:  log.NewHelper(logger),
	}

	go tl.start()

	cleanup := func() {
		close(tl.stop)
		<-tl.done
	}
	return tl, cleanup
}

// start processes transition events until stopped, then drains the queue.
func (t *TransitionLog) start() {
	defer close(t.done)
	for {
		select {
		case event := <-t.logChan:
			t.write(event)
		case <-t.stop:
			for {
				select {
				case event := <-t.logChan:
					t.write(event)
				default:
					return
				}
			}
		}
	}
}

// write persists one event, or logs it when no database is configured.
func (t *TransitionLog) write(event *BreakerTransition) {
	if t.db == nil {
		t.logger.Debugw("transition audit (no database configured)",
			"dependency", event.Dependency,
			"from", event.FromState,
			"to", event.ToState)
		return
	}
	if err := t.db.WithContext(context.Background()).Create(event).Error; err != nil {
		t.logger.Errorw("failed to write transition audit",
			"dependency", event.Dependency,
			"to", event.ToState,
			"error", err)
		return
	}
	t.logger.Debugw("transition audit written",
		"dependency", event.Dependency,
		"to", event.ToState)
}

// LogTransition queues a transition event for persistence (non-blocking).
func (t *TransitionLog) LogTransition(ctx context.Context, ev *model.TransitionEvent) {
	select {
	case <-t.stop:
		t.logger.Debugw("transition audit stopped, dropping event",
			"dependency", ev.Dependency,
			"to", ev.ToState)
		return
	default:
	}

	event := &BreakerTransition{
		Dependency:   ev.Dependency,
		FromState:    ev.FromState,
		ToState:      ev.ToState,
		FailureCount: ev.FailureCount,
		Remote:       ev.Remote,
		TransitionAt: ev.TransitionAt,
	}

	select {
	case t.logChan <- event:
		// Successfully queued
	default:
		t.logger.Warnw("transition audit channel full, dropping event",
			"dependency", ev.Dependency,
			"to", ev.ToState)
	}
}
