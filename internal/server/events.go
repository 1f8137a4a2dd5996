package server

import (
	"context"
	"strings"
	"sync"
	"time"

	"metawsm/internal/model"
	"metawsm/internal/serviceapi"
)

type runEventSubscriber struct {
	id    int64
	runID string
	ch    chan model.RunEvent
}

// RunEventBroker fans a run's events out to whoever is watching it over the
// live event stream endpoint, keyed on run id.
type RunEventBroker struct {
	mu          sync.RWMutex
	closed      bool
	nextID      int64
	bufferSize  int
	subscribers map[int64]runEventSubscriber
}

// NewRunEventBroker builds a broker whose per-subscriber channel holds up
// to bufferSize undelivered events before the oldest is dropped.
func NewRunEventBroker(bufferSize int) *RunEventBroker {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &RunEventBroker{bufferSize: bufferSize, subscribers: make(map[int64]runEventSubscriber)}
}

// Subscribe returns a channel of events for runID (or every run, when
// runID is empty) and an unsubscribe func the caller must invoke when done.
func (b *RunEventBroker) Subscribe(runID string) (<-chan model.RunEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan model.RunEvent, b.bufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.nextID++
	sub := runEventSubscriber{id: b.nextID, runID: strings.TrimSpace(runID), ch: ch}
	b.subscribers[sub.id] = sub
	return ch, func() { b.unsubscribe(sub.id) }
}

// Publish fans event out to every matching subscriber, dropping the oldest
// buffered event for a slow subscriber rather than blocking the pump.
func (b *RunEventBroker) Publish(event model.RunEvent) int {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return 0
	}
	snapshot := make([]runEventSubscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		snapshot = append(snapshot, sub)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, sub := range snapshot {
		if sub.runID != "" && !strings.EqualFold(sub.runID, event.RunID) {
			continue
		}
		if tryPublishRunEvent(sub.ch, event) {
			delivered++
		}
	}
	return delivered
}

// Close drains and closes every subscriber channel; further Subscribe calls
// return an already-closed channel.
func (b *RunEventBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}

func (b *RunEventBroker) unsubscribe(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subscribers[id]
	if !ok {
		return
	}
	delete(b.subscribers, id)
	close(sub.ch)
}

func tryPublishRunEvent(ch chan model.RunEvent, event model.RunEvent) bool {
	select {
	case ch <- event:
		return true
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- event:
			return true
		default:
			return false
		}
	}
}

// EventPump polls the store for newly-appended run events and republishes
// them onto a RunEventBroker, the in-process counterpart to eventbus.Runtime
// draining the same rows out to Redis; the two consumers never interfere
// with each other since neither one deletes a row, only the outbox rows
// eventbus.Runtime marks published.
type EventPump struct {
	core      serviceapi.Core
	broker    *RunEventBroker
	batchSize int

	mu      sync.Mutex
	lastID  int64
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewEventPump builds a pump that will fan out events with id > afterID.
func NewEventPump(core serviceapi.Core, broker *RunEventBroker, batchSize int, afterID int64) *EventPump {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &EventPump{core: core, broker: broker, batchSize: batchSize, lastID: afterID}
}

// Run polls every interval until ctx is canceled or Stop is called.
func (p *EventPump) Run(ctx context.Context, interval time.Duration) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	p.mu.Unlock()

	defer close(p.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *EventPump) tick(ctx context.Context) {
	p.mu.Lock()
	afterID := p.lastID
	p.mu.Unlock()

	events, err := p.core.ListEventsSince(ctx, afterID, p.batchSize)
	if err != nil || len(events) == 0 {
		return
	}
	for _, e := range events {
		p.broker.Publish(e)
	}
	p.mu.Lock()
	p.lastID = events[len(events)-1].ID
	p.mu.Unlock()
}

// Stop signals Run to exit and waits for it to return.
func (p *EventPump) Stop() {
	p.mu.Lock()
	running := p.running
	stop := p.stop
	done := p.done
	p.mu.Unlock()
	if !running {
		return
	}
	close(stop)
	<-done
}
