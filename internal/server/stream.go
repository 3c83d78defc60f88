package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/eventlog/internal/eventlog"
	"github.com/MarcoPoloResearchLab/eventlog/internal/invoices"
)

const (
	StreamEventBatch     = "batch"
	streamEventHeartbeat = "heartbeat"
	streamSourceBackend  = "eventlog-api"
	streamBufferSize     = 16
)

// StreamMessage announces one committed batch of an aggregate.
type StreamMessage struct {
	AggregateKey  string    `json:"aggregate_key"`
	BatchID       string    `json:"batch_id"`
	FirstSequence string    `json:"first_sequence"`
	LastSequence  string    `json:"last_sequence"`
	Kinds         []string  `json:"kinds"`
	Timestamp     time.Time `json:"timestamp"`
}

// StreamDispatcher fans committed batches out to subscribers of the same aggregate.
// Slow subscribers miss messages instead of blocking publishers.
type StreamDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*streamSubscriber
	nextID      int64
	bufferSize  int
}

type streamSubscriber struct {
	id     int64
	stream chan StreamMessage
}

func NewStreamDispatcher() *StreamDispatcher {
	return &StreamDispatcher{
		subscribers: make(map[string]map[int64]*streamSubscriber),
		bufferSize:  streamBufferSize,
	}
}

// Subscribe registers a subscriber for aggregateKey until ctx is done or cleanup is called.
func (d *StreamDispatcher) Subscribe(ctx context.Context, aggregateKey string) (<-chan StreamMessage, func()) {
	if aggregateKey == "" {
		ch := make(chan StreamMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &streamSubscriber{
		id:     d.nextSequence(),
		stream: make(chan StreamMessage, d.bufferSize),
	}
	d.registerSubscriber(aggregateKey, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(aggregateKey, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *StreamDispatcher) Publish(message StreamMessage) {
	if message.AggregateKey == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.AggregateKey]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*streamSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// BatchCommitted publishes a committed invoice batch.
func (d *StreamDispatcher) BatchCommitted(batch eventlog.Batch[invoices.Event]) {
	kinds := make([]string, 0, batch.Len())
	for _, event := range batch.Events {
		kinds = append(kinds, event.Kind())
	}
	d.Publish(StreamMessage{
		AggregateKey:  batch.Root.Key(),
		BatchID:       batch.ID,
		FirstSequence: batch.First.String(),
		LastSequence:  batch.Last.String(),
		Kinds:         kinds,
		Timestamp:     batch.CreatedAt,
	})
}

func (d *StreamDispatcher) subscriberCount(aggregateKey string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[aggregateKey])
}

func (d *StreamDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *StreamDispatcher) registerSubscriber(aggregateKey string, subscriber *streamSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[aggregateKey]; !ok {
		d.subscribers[aggregateKey] = make(map[int64]*streamSubscriber)
	}
	d.subscribers[aggregateKey][subscriber.id] = subscriber
}

func (d *StreamDispatcher) unregisterSubscriber(aggregateKey string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[aggregateKey]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, aggregateKey)
		}
	}
	d.mu.Unlock()
}
