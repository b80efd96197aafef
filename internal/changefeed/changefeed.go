// Package changefeed is the consumer side of a row-insert change stream. A
// Transport opens one Subscription per (table, scope key) and calls the
// registered Handler once per inserted row, at least once, in best-effort
// FIFO order for that table.
package changefeed

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"time"
)

var (
	ErrClosed           = errors.New("transport closed")
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotImplemented   = errors.New("not implemented")
	ErrSubscriptionLost = errors.New("subscription lost")
)

type RawEvent struct {
	Table      string
	Record     map[string]any
	ReceivedAt time.Time
}

type Handler func(RawEvent)

type SubscribeRequest struct {
	Table    string
	ScopeKey string
}

type Subscription interface {
	// Done is closed once the subscription has ended, by Close or by the
	// transport losing it.
	Done() <-chan struct{}
	// Err reports why the transport ended the subscription; nil after Close.
	Err() error
	Close() error
}

// Transport returns from Subscribe only once the backend has confirmed the
// subscription.
type Transport interface {
	Subscribe(ctx context.Context, req SubscribeRequest, handler Handler) (Subscription, error)
	Close() error
}

type Logger interface {
	Printf(format string, args ...any)
}

var tablePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

func validateRequest(req SubscribeRequest, handler Handler) error {
	if handler == nil || !tablePattern.MatchString(req.Table) {
		return ErrInvalidInput
	}
	return nil
}

type subscription struct {
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	err     error
	release func()
}

func newSubscription(release func()) *subscription {
	return &subscription{
		done:    make(chan struct{}),
		release: release,
	}
}

func (s *subscription) Done() <-chan struct{} {
	return s.done
}

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	s.end(nil)
	return nil
}

func (s *subscription) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		if s.release != nil {
			s.release()
		}
		close(s.done)
	})
}

func (s *subscription) live() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func cloneRecord(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}
