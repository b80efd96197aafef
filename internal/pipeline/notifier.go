package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type Notification struct {
	ID              string    `json:"id"`
	ScopeKey        string    `json:"scope_key"`
	Topic           string    `json:"topic"`
	CollectionID    string    `json:"collection_id"`
	CollectionLabel string    `json:"collection_label"`
	Summary         string    `json:"summary"`
	EventID         string    `json:"event_id"`
	ActorID         string    `json:"actor_id,omitempty"`
	CreatedAt       time.Time `json:"created_at,omitempty"`
	EmittedAt       time.Time `json:"emitted_at"`
}

func newNotification(scopeKey string, topic *Topic, ev LeafEvent, res Resolution) Notification {
	return Notification{
		ID:              uuid.NewString(),
		ScopeKey:        scopeKey,
		Topic:           topic.Name,
		CollectionID:    res.CollectionID,
		CollectionLabel: res.CollectionLabel,
		Summary:         topic.Summarize(res.CollectionLabel, ev),
		EventID:         ev.ID,
		ActorID:         ev.ActorID,
		CreatedAt:       ev.CreatedAt,
		EmittedAt:       time.Now().UTC(),
	}
}

// Notifier delivers a notification. It must not block for long: it runs on
// the event handling path.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

type NotifierFunc func(ctx context.Context, n Notification)

func (f NotifierFunc) Notify(ctx context.Context, n Notification) {
	f(ctx, n)
}

type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, n Notification) {
	for _, notifier := range m {
		if notifier != nil {
			notifier.Notify(ctx, n)
		}
	}
}

type LogNotifier struct {
	Logger Logger
}

func (l LogNotifier) Notify(_ context.Context, n Notification) {
	logf(l.Logger, "notify scope=%s topic=%s collection=%q event=%s: %s", n.ScopeKey, n.Topic, n.CollectionLabel, n.EventID, n.Summary)
}

const defaultBroadcastBuffer = 32

// Broadcaster fans notifications out to per-scope listeners. A listener whose
// buffer is full misses the notification rather than stalling the pipeline.
type Broadcaster struct {
	mu        sync.RWMutex
	listeners map[string]map[*listener]struct{}
	buffer    int
	closed    bool
	dropped   atomic.Uint64
	metrics   *Metrics
}

type listener struct {
	ch     chan Notification
	topics map[string]struct{}
}

func NewBroadcaster(buffer int, metrics *Metrics) *Broadcaster {
	if buffer <= 0 {
		buffer = defaultBroadcastBuffer
	}
	return &Broadcaster{
		listeners: map[string]map[*listener]struct{}{},
		buffer:    buffer,
		metrics:   metrics,
	}
}

// Subscribe registers a listener for scopeKey, limited to topics when any are
// given. The returned func unregisters it and closes the channel.
func (b *Broadcaster) Subscribe(scopeKey string, topics ...string) (<-chan Notification, func()) {
	l := &listener{ch: make(chan Notification, b.buffer)}
	if len(topics) > 0 {
		l.topics = map[string]struct{}{}
		for _, topic := range topics {
			l.topics[topic] = struct{}{}
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(l.ch)
		return l.ch, func() {}
	}
	if b.listeners[scopeKey] == nil {
		b.listeners[scopeKey] = map[*listener]struct{}{}
	}
	b.listeners[scopeKey][l] = struct{}{}
	var once sync.Once
	return l.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.listeners[scopeKey][l]; !ok {
				return
			}
			delete(b.listeners[scopeKey], l)
			if len(b.listeners[scopeKey]) == 0 {
				delete(b.listeners, scopeKey)
			}
			close(l.ch)
		})
	}
}

func (b *Broadcaster) Notify(_ context.Context, n Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for l := range b.listeners[n.ScopeKey] {
		if l.topics != nil {
			if _, ok := l.topics[n.Topic]; !ok {
				continue
			}
		}
		select {
		case l.ch <- n:
		default:
			b.dropped.Add(1)
			b.metrics.notificationDropped()
		}
	}
}

func (b *Broadcaster) Listeners(scopeKey string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[scopeKey])
}

func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for scope, listeners := range b.listeners {
		for l := range listeners {
			close(l.ch)
		}
		delete(b.listeners, scope)
	}
}
