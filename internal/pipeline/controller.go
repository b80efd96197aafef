package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/igorms-pro/onelink-sub002/internal/changefeed"
	"github.com/igorms-pro/onelink-sub002/internal/store"
)

type State int

const (
	StateUnsubscribed State = iota
	StateSubscribing
	StateActive
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnsubscribed:
		return "unsubscribed"
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

const (
	defaultReconnectBaseDelay = 500 * time.Millisecond
	defaultReconnectMaxDelay  = 30 * time.Second
)

type ControllerOptions struct {
	Transport changefeed.Transport
	Store     store.Store
	Notifier  Notifier
	// SelfFilter is shared between controllers when set; otherwise each
	// controller builds one from Store and FailPolicy.
	SelfFilter    *SelfActionFilter
	FailPolicy    FailPolicy
	LookupTimeout time.Duration
	Coalesce      bool

	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	// MaxReconnectAttempts bounds consecutive failed re-subscribes before the
	// controller gives up in StateUnsubscribed. 0 means unlimited; a negative
	// value disables reconnecting altogether.
	MaxReconnectAttempts int

	Logger  Logger
	Metrics *Metrics
}

type Status struct {
	ScopeKey        string    `json:"scope_key"`
	Topic           string    `json:"topic"`
	State           State     `json:"state"`
	Since           time.Time `json:"since"`
	Events          uint64    `json:"events"`
	Accepted        uint64    `json:"accepted"`
	OutOfScope      uint64    `json:"out_of_scope"`
	Indeterminate   uint64    `json:"indeterminate"`
	SelfActions     uint64    `json:"self_actions"`
	Invalid         uint64    `json:"invalid"`
	Notified        uint64    `json:"notified"`
	Reconciles      uint64    `json:"reconciles"`
	ReconcileErrors uint64    `json:"reconcile_errors"`
	Reconnects      uint64    `json:"reconnects"`
	ViewVersion     uint64    `json:"view_version"`
	LastError       string    `json:"last_error,omitempty"`
}

type controllerCounters struct {
	events        atomic.Uint64
	accepted      atomic.Uint64
	outOfScope    atomic.Uint64
	indeterminate atomic.Uint64
	selfActions   atomic.Uint64
	invalid       atomic.Uint64
	notified      atomic.Uint64
	reconnects    atomic.Uint64
}

// Controller runs the pipeline for one (scope key, topic). Each delivered
// event is handled on its own goroutine; handlers are not serialized, which
// is safe because lookups are read-only and the view is only ever replaced
// wholesale.
type Controller struct {
	scopeKey   string
	topic      *Topic
	opts       ControllerOptions
	logger     Logger
	view       *ReconciledView
	resolver   *Resolver
	self       *SelfActionFilter
	reconciler *Reconciler

	mu      sync.Mutex
	state   State
	since   time.Time
	started bool
	sub     changefeed.Subscription
	lastErr error

	// guard orders late handlers against Close: once closed is set no
	// handler starts, publishes or notifies.
	guard  sync.RWMutex
	closed bool

	counters  controllerCounters
	handlers  sync.WaitGroup
	runCtx    context.Context
	cancel    context.CancelFunc
	loopDone  chan struct{}
	closeOnce sync.Once
}

func NewController(scopeKey string, topic *Topic, opts ControllerOptions) (*Controller, error) {
	scopeKey = strings.TrimSpace(scopeKey)
	if scopeKey == "" || opts.Transport == nil || opts.Store == nil {
		return nil, ErrInvalidInput
	}
	if !topic.compiled() {
		return nil, fmt.Errorf("%w: topic must be compiled", ErrInvalidTopic)
	}
	if opts.ReconnectBaseDelay <= 0 {
		opts.ReconnectBaseDelay = defaultReconnectBaseDelay
	}
	if opts.ReconnectMaxDelay < opts.ReconnectBaseDelay {
		opts.ReconnectMaxDelay = defaultReconnectMaxDelay
		if opts.ReconnectMaxDelay < opts.ReconnectBaseDelay {
			opts.ReconnectMaxDelay = opts.ReconnectBaseDelay
		}
	}
	if opts.Notifier == nil {
		opts.Notifier = LogNotifier{Logger: opts.Logger}
	}
	self := opts.SelfFilter
	if self == nil {
		self = NewSelfActionFilter(opts.Store, SelfActionOptions{
			Policy:        opts.FailPolicy,
			LookupTimeout: opts.LookupTimeout,
			Logger:        opts.Logger,
		})
	}
	view := NewReconciledView()
	reconciler := NewReconciler(opts.Store, topic.View, view, ReconcilerOptions{
		Coalesce:     opts.Coalesce,
		FetchTimeout: opts.LookupTimeout,
		Topic:        topic.Name,
		Logger:       opts.Logger,
		Metrics:      opts.Metrics,
	})
	runCtx, cancel := context.WithCancel(context.Background())
	return &Controller{
		scopeKey:   scopeKey,
		topic:      topic,
		opts:       opts,
		logger:     opts.Logger,
		view:       view,
		resolver:   NewResolver(topic, opts.Store, ResolverOptions{LookupTimeout: opts.LookupTimeout, Logger: opts.Logger}),
		self:       self,
		reconciler: reconciler,
		state:      StateUnsubscribed,
		since:      time.Now().UTC(),
		runCtx:     runCtx,
		cancel:     cancel,
		loopDone:   make(chan struct{}),
	}, nil
}

func (c *Controller) ScopeKey() string      { return c.scopeKey }
func (c *Controller) Topic() *Topic         { return c.topic }
func (c *Controller) View() *ReconciledView { return c.view }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start subscribes and performs the initial load. Transport failures do not
// fail Start: they move the controller to StateReconnecting (or
// StateUnsubscribed when reconnecting is disabled).
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.setStateLocked(StateSubscribing)
	c.mu.Unlock()

	sub, err := c.subscribe(ctx)
	if err != nil {
		c.recordError(fmt.Errorf("subscribe %s: %w", c.topic.LeafTable, err))
		logf(c.logger, "pipeline %s/%s: subscribe failed: %v", c.scopeKey, c.topic.Name, err)
		sub = nil
	} else if !c.install(sub) {
		sub = nil
	}
	go c.supervise(sub)

	if err := c.reconciler.Load(ctx, c.scopeKey); err != nil {
		c.recordError(fmt.Errorf("initial load: %w", err))
	}
	if c.isClosed() {
		return ErrClosed
	}
	return nil
}

func (c *Controller) subscribe(ctx context.Context) (changefeed.Subscription, error) {
	return c.opts.Transport.Subscribe(ctx, changefeed.SubscribeRequest{
		Table:    c.topic.LeafTable,
		ScopeKey: c.scopeKey,
	}, c.onEvent)
}

func (c *Controller) install(sub changefeed.Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		_ = sub.Close()
		return false
	}
	c.sub = sub
	c.setStateLocked(StateActive)
	return true
}

func (c *Controller) supervise(sub changefeed.Subscription) {
	defer close(c.loopDone)
	attempt := 0
	for {
		if sub != nil {
			select {
			case <-c.runCtx.Done():
				return
			case <-sub.Done():
			}
			if c.runCtx.Err() != nil {
				return
			}
			cause := sub.Err()
			if cause == nil {
				cause = changefeed.ErrSubscriptionLost
			}
			c.recordError(fmt.Errorf("subscription ended: %w", cause))
			logf(c.logger, "pipeline %s/%s: subscription ended: %v", c.scopeKey, c.topic.Name, cause)
			c.mu.Lock()
			if c.sub == sub {
				c.sub = nil
			}
			c.mu.Unlock()
			sub = nil
			attempt = 0
		}

		attempt++
		if limit := c.opts.MaxReconnectAttempts; limit < 0 || (limit > 0 && attempt > limit) {
			c.setState(StateUnsubscribed)
			logf(c.logger, "pipeline %s/%s: giving up after %d attempt(s)", c.scopeKey, c.topic.Name, attempt-1)
			return
		}
		c.setState(StateReconnecting)
		if !sleepContext(c.runCtx, c.backoff(attempt)) {
			return
		}
		c.setState(StateSubscribing)
		next, err := c.subscribe(c.runCtx)
		c.opts.Metrics.reconnect(c.topic.Name, err)
		if err != nil {
			if c.runCtx.Err() != nil {
				return
			}
			c.recordError(fmt.Errorf("resubscribe %s: %w", c.topic.LeafTable, err))
			continue
		}
		if !c.install(next) {
			return
		}
		c.counters.reconnects.Add(1)
		sub = next

		// Inserts made while disconnected were never delivered; refetch
		// without notifying.
		if err := c.reconciler.Reconcile(c.runCtx, c.scopeKey); err != nil {
			c.recordError(fmt.Errorf("catch-up reconcile: %w", err))
		}
	}
}

func (c *Controller) backoff(attempt int) time.Duration {
	delay := c.opts.ReconnectBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.opts.ReconnectMaxDelay {
			return c.opts.ReconnectMaxDelay
		}
	}
	if delay > c.opts.ReconnectMaxDelay {
		return c.opts.ReconnectMaxDelay
	}
	return delay
}

func (c *Controller) onEvent(raw changefeed.RawEvent) {
	c.guard.RLock()
	if c.closed {
		c.guard.RUnlock()
		return
	}
	c.handlers.Add(1)
	c.guard.RUnlock()
	go func() {
		defer c.handlers.Done()
		c.handle(context.Background(), raw)
	}()
}

func (c *Controller) handle(ctx context.Context, raw changefeed.RawEvent) {
	c.counters.events.Add(1)
	ev, err := c.topic.Parse(raw)
	if err != nil {
		c.counters.invalid.Add(1)
		c.opts.Metrics.event(c.topic.Name, "invalid")
		logf(c.logger, "pipeline %s/%s: dropping event: %v", c.scopeKey, c.topic.Name, err)
		return
	}

	res := c.resolver.Resolve(ctx, ev, c.scopeKey)
	switch res.Outcome {
	case OutcomeOutOfScope:
		c.counters.outOfScope.Add(1)
		c.opts.Metrics.event(c.topic.Name, res.Outcome.String())
		return
	case OutcomeIndeterminate:
		c.counters.indeterminate.Add(1)
		c.opts.Metrics.event(c.topic.Name, res.Outcome.String())
		if res.Err != nil {
			c.recordError(fmt.Errorf("resolve event %s: %w", ev.ID, res.Err))
		}
		return
	}

	if c.self.IsSelfAction(ctx, c.scopeKey, ev.ActorID) {
		c.counters.selfActions.Add(1)
		c.opts.Metrics.event(c.topic.Name, "self_action")
		return
	}
	c.counters.accepted.Add(1)
	c.opts.Metrics.event(c.topic.Name, "accepted")

	// The notification does not wait on the refetch, and a failed refetch
	// does not take it back.
	if !c.publish(ctx, newNotification(c.scopeKey, c.topic, ev, res)) {
		return
	}
	if err := c.reconciler.Reconcile(ctx, c.scopeKey); err != nil {
		c.recordError(fmt.Errorf("reconcile after event %s: %w", ev.ID, err))
	}
}

func (c *Controller) publish(ctx context.Context, n Notification) bool {
	c.guard.RLock()
	defer c.guard.RUnlock()
	if c.closed {
		return false
	}
	c.opts.Notifier.Notify(ctx, n)
	c.counters.notified.Add(1)
	c.opts.Metrics.notification(c.topic.Name)
	return true
}

func (c *Controller) isClosed() bool {
	c.guard.RLock()
	defer c.guard.RUnlock()
	return c.closed
}

func (c *Controller) setState(state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(state)
}

func (c *Controller) setStateLocked(state State) {
	if c.state == StateClosed || c.state == state {
		return
	}
	c.state = state
	c.since = time.Now().UTC()
}

func (c *Controller) recordError(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
}

// Close releases the subscription and seals the view. Handlers already
// running finish, but can no longer notify or change the view.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.guard.Lock()
		c.closed = true
		c.guard.Unlock()

		c.mu.Lock()
		c.state = StateClosed
		c.since = time.Now().UTC()
		sub := c.sub
		c.sub = nil
		started := c.started
		c.mu.Unlock()

		c.cancel()
		if sub != nil {
			if err := sub.Close(); err != nil && !errors.Is(err, changefeed.ErrClosed) {
				logf(c.logger, "pipeline %s/%s: close subscription: %v", c.scopeKey, c.topic.Name, err)
			}
		}
		c.view.Seal()
		if started {
			<-c.loopDone
		}
	})
	return nil
}

// Wait blocks until every handler started so far has returned.
func (c *Controller) Wait() {
	c.handlers.Wait()
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	state, since, lastErr := c.state, c.since, c.lastErr
	c.mu.Unlock()
	fetched, failed := c.reconciler.Fetches()
	status := Status{
		ScopeKey:        c.scopeKey,
		Topic:           c.topic.Name,
		State:           state,
		Since:           since,
		Events:          c.counters.events.Load(),
		Accepted:        c.counters.accepted.Load(),
		OutOfScope:      c.counters.outOfScope.Load(),
		Indeterminate:   c.counters.indeterminate.Load(),
		SelfActions:     c.counters.selfActions.Load(),
		Invalid:         c.counters.invalid.Load(),
		Notified:        c.counters.notified.Load(),
		Reconciles:      fetched,
		ReconcileErrors: failed,
		Reconnects:      c.counters.reconnects.Load(),
		ViewVersion:     c.view.Snapshot().Version,
	}
	if lastErr != nil {
		status.LastError = lastErr.Error()
	}
	return status
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
