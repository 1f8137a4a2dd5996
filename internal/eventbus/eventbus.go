// Package eventbus drains the store's event_publish_outbox table and
// republishes each row onto a Redis Stream via watermill, so external
// subscribers (the live event stream in internal/server, or any other
// consumer) never have to poll the control plane's own database. This
// package gives the watermill/redisstream dependency pair (watermill,
// watermill-redisstream) a real publisher.
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/redis/go-redis/v9"

	"metawsm/internal/store"
)

// Publisher is the narrow interface eventbus needs from watermill, so tests
// can substitute an in-memory fake instead of a real Redis stream.
type Publisher interface {
	Publish(topic string, messages ...*message.Message) error
	Close() error
}

// Runtime drains the outbox into a Publisher on a fixed interval.
type Runtime struct {
	store     *store.Store
	publisher Publisher
	batchSize int

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewRedisPublisher builds a watermill redisstream.Publisher against
// redisURL.
func NewRedisPublisher(redisURL string) (Publisher, error) {
	client := redis.NewClient(&redis.Options{Addr: redisURL})
	logger := watermill.NewStdLogger(false, false)
	publisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{
		Client: client,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("new redis stream publisher: %w", err)
	}
	return publisher, nil
}

// NewRuntime builds a Runtime. batchSize bounds how many outbox rows are
// claimed per drain cycle.
func NewRuntime(s *store.Store, publisher Publisher, batchSize int) *Runtime {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Runtime{store: s, publisher: publisher, batchSize: batchSize, stop: make(chan struct{}), done: make(chan struct{})}
}

// DrainOnce publishes every currently-pending outbox row and marks it
// published, returning how many rows were sent. A publish failure for one
// row does not prevent the rest of the batch from being attempted; it is
// simply left pending for the next cycle.
func (r *Runtime) DrainOnce(ctx context.Context) (int, error) {
	var rows []store.OutboxRow
	err := r.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		rows, err = tx.PendingOutboxEvents(r.batchSize)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("load pending outbox events: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	var published []int64
	for _, row := range rows {
		msg := message.NewMessage(watermill.NewUUID(), []byte(row.PayloadJSON))
		msg.Metadata.Set("run_event_id", fmt.Sprintf("%d", row.RunEventID))
		if err := r.publisher.Publish(row.Topic, msg); err != nil {
			continue
		}
		published = append(published, row.ID)
	}
	if len(published) == 0 {
		return 0, nil
	}

	err = r.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.MarkOutboxPublished(published)
	})
	if err != nil {
		return 0, fmt.Errorf("mark outbox published: %w", err)
	}
	return len(published), nil
}

// Run drains the outbox every interval until ctx is canceled or Stop is
// called. It is safe to call once per Runtime.
func (r *Runtime) Run(ctx context.Context, interval time.Duration) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	defer close(r.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			_, _ = r.DrainOnce(ctx)
		}
	}
}

// Stop signals Run to exit and, if Run is already running, waits for it to
// return; a Run that starts after Stop returns immediately.
func (r *Runtime) Stop() {
	r.mu.Lock()
	running := r.running
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	r.mu.Unlock()
	if running {
		<-r.done
	}
}
