// Package aggregator serializes usage event persistence. All writers
// enqueue onto one bounded channel and a single consumer goroutine
// applies events to the store in arrival order, so the event log and the
// daily rollup never race.
//
// Enqueue never blocks a request path: when the queue is full the event
// is dropped and counted, trading a gap in analytics for proxy latency.
package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codexusage/codexusage/pkg/eventstream"
	"github.com/codexusage/codexusage/pkg/store"
	"github.com/codexusage/codexusage/pkg/usage"
)

// DefaultQueueSize bounds the event channel.
const DefaultQueueSize = 1024

// Aggregator owns the single consumer over the event queue.
type Aggregator struct {
	store     *store.Store
	publisher eventstream.Publisher
	logger    *zap.Logger

	events chan usage.Event
	done   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once

	mu      sync.Mutex
	dropped uint64
}

// New starts the consumer. publisher may be nil when mirroring is
// disabled. queueSize <= 0 uses DefaultQueueSize.
func New(st *store.Store, publisher eventstream.Publisher, logger *zap.Logger, queueSize int) *Aggregator {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Aggregator{
		store:     st,
		publisher: publisher,
		logger:    logger,
		events:    make(chan usage.Event, queueSize),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	go a.consume()
	return a
}

// Enqueue offers an event to the queue without blocking. Returns false
// when the queue is full and the event was dropped.
func (a *Aggregator) Enqueue(ev usage.Event) bool {
	select {
	case a.events <- ev:
		return true
	default:
		a.mu.Lock()
		a.dropped++
		dropped := a.dropped
		a.mu.Unlock()
		a.logger.Warn("event queue full, dropping usage event",
			zap.String("model", ev.Model),
			zap.Uint64("dropped_total", dropped),
		)
		return false
	}
}

// Dropped reports how many events were discarded on a full queue.
func (a *Aggregator) Dropped() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Close stops accepting events, drains what is queued, and waits for the
// consumer to finish. Safe to call more than once.
func (a *Aggregator) Close() {
	a.closeOnce.Do(func() {
		close(a.events)
	})
	<-a.done
}

// Abort cancels in-flight store writes so Close returns promptly during
// a forced shutdown.
func (a *Aggregator) Abort() {
	a.cancel()
}

func (a *Aggregator) consume() {
	defer close(a.done)
	for ev := range a.events {
		a.persist(ev)
	}
}

// persist applies one event: always into the event log, and into the
// daily rollup only when the upstream actually reported usage. A store
// error loses that one event and moves on; ingestion must survive a
// transiently locked database.
func (a *Aggregator) persist(ev usage.Event) {
	ev.Normalize()

	if err := a.store.RecordEvent(a.ctx, ev); err != nil {
		a.logger.Error("failed to record usage event",
			zap.String("model", ev.Model),
			zap.Error(err),
		)
		return
	}

	if ev.UsageIncluded {
		date := ev.Timestamp.UTC().Format(time.DateOnly)
		if err := a.store.RecordDailyStat(a.ctx, date, ev); err != nil {
			a.logger.Error("failed to update daily stats",
				zap.String("date", date),
				zap.String("model", ev.Model),
				zap.Error(err),
			)
		}
	}

	a.publish(ev)
}

func (a *Aggregator) publish(ev usage.Event) {
	if a.publisher == nil {
		return
	}
	event := &eventstream.UsageRecordedEvent{
		SchemaVersion: eventstream.SchemaVersionV1,
		EventType:     eventstream.EventTypeUsageRecorded,
		EventID:       uuid.NewString(),
		EmittedAt:     time.Now().UTC(),
		Usage:         ev,
	}
	if err := a.publisher.PublishUsage(a.ctx, event); err != nil {
		a.logger.Warn("failed to publish usage event",
			zap.String("event_id", event.EventID),
			zap.Error(err),
		)
	}
}
