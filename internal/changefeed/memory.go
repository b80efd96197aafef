package changefeed

import (
	"context"
	"sync"
	"time"
)

// MemoryTransport is an in-process change stream. Publish delivers
// synchronously to every live subscription on the table, in subscription order.
type MemoryTransport struct {
	mu       sync.Mutex
	subs     map[string][]*memorySubscription
	failNext []error
	closed   bool
	now      func() time.Time
}

type memorySubscription struct {
	*subscription
	req     SubscribeRequest
	handler Handler
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		subs: map[string][]*memorySubscription{},
		now:  time.Now,
	}
}

func (t *MemoryTransport) Subscribe(ctx context.Context, req SubscribeRequest, handler Handler) (Subscription, error) {
	if err := validateRequest(req, handler); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if len(t.failNext) > 0 {
		err := t.failNext[0]
		t.failNext = t.failNext[1:]
		return nil, err
	}
	sub := &memorySubscription{req: req, handler: handler}
	sub.subscription = newSubscription(func() { t.remove(sub) })
	t.subs[req.Table] = append(t.subs[req.Table], sub)
	return sub, nil
}

func (t *MemoryTransport) remove(target *memorySubscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	subs := t.subs[target.req.Table]
	for i, sub := range subs {
		if sub == target {
			t.subs[target.req.Table] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(t.subs[target.req.Table]) == 0 {
		delete(t.subs, target.req.Table)
	}
}

// Publish returns the number of subscriptions the record was delivered to.
func (t *MemoryTransport) Publish(table string, record map[string]any) int {
	t.mu.Lock()
	targets := append([]*memorySubscription(nil), t.subs[table]...)
	now := t.now()
	t.mu.Unlock()

	delivered := 0
	for _, sub := range targets {
		if !sub.live() {
			continue
		}
		sub.handler(RawEvent{Table: table, Record: cloneRecord(record), ReceivedAt: now})
		delivered++
	}
	return delivered
}

// FailNextSubscribe queues errors returned by the next Subscribe calls, in order.
func (t *MemoryTransport) FailNextSubscribe(errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failNext = append(t.failNext, errs...)
}

// Disconnect ends every live subscription on table as if the connection dropped.
func (t *MemoryTransport) Disconnect(table string, cause error) {
	if cause == nil {
		cause = ErrSubscriptionLost
	}
	t.mu.Lock()
	targets := append([]*memorySubscription(nil), t.subs[table]...)
	t.mu.Unlock()
	for _, sub := range targets {
		sub.end(cause)
	}
}

func (t *MemoryTransport) Subscribers(table string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs[table])
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	var all []*memorySubscription
	for _, subs := range t.subs {
		all = append(all, subs...)
	}
	t.mu.Unlock()
	for _, sub := range all {
		sub.end(ErrClosed)
	}
	return nil
}
