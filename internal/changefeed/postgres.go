package changefeed

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresChannelPrefix      = "onelink_"
	postgresMinReconnect       = 500 * time.Millisecond
	postgresMaxReconnect       = 30 * time.Second
	postgresNotifyFunctionName = "onelink_notify_insert"
)

type PostgresOptions struct {
	MinReconnectInterval time.Duration
	MaxReconnectInterval time.Duration
	Logger               Logger
}

// PostgresTransport consumes insert notifications published by the trigger
// installed with InstallNotifyTrigger. All subscriptions share one pq.Listener;
// when the listener reconnects every subscription is ended with
// ErrSubscriptionLost because notifications sent while disconnected are gone.
type PostgresTransport struct {
	dsn    string
	opts   PostgresOptions
	logger Logger

	listenMu sync.Mutex
	mu       sync.Mutex
	listener *pq.Listener
	subs     map[string]map[*postgresSubscription]struct{}
	closed   bool
	stop     chan struct{}
	loopDone chan struct{}
}

type postgresSubscription struct {
	*subscription
	channel string
	handler Handler
}

func NewPostgresTransport(dsn string, opts PostgresOptions) (*PostgresTransport, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if opts.MinReconnectInterval <= 0 {
		opts.MinReconnectInterval = postgresMinReconnect
	}
	if opts.MaxReconnectInterval < opts.MinReconnectInterval {
		opts.MaxReconnectInterval = postgresMaxReconnect
	}
	return &PostgresTransport{
		dsn:    dsn,
		opts:   opts,
		logger: opts.Logger,
		subs:   map[string]map[*postgresSubscription]struct{}{},
		stop:   make(chan struct{}),
	}, nil
}

func (t *PostgresTransport) Subscribe(ctx context.Context, req SubscribeRequest, handler Handler) (Subscription, error) {
	if err := validateRequest(req, handler); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	channel := postgresChannel(req.Table)

	t.listenMu.Lock()
	defer t.listenMu.Unlock()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if t.listener == nil {
		t.listener = pq.NewListener(t.dsn, t.opts.MinReconnectInterval, t.opts.MaxReconnectInterval, t.onListenerEvent)
		t.loopDone = make(chan struct{})
		go t.loop(t.listener)
	}
	listener := t.listener
	listening := len(t.subs[channel]) > 0
	t.mu.Unlock()

	// t.mu is not held across Listen: the loop must keep draining Notify
	// while pq waits for the server's reply.
	if !listening {
		if err := listener.Listen(channel); err != nil && !errors.Is(err, pq.ErrChannelAlreadyOpen) {
			return nil, fmt.Errorf("listen %s: %w", channel, err)
		}
	}

	sub := &postgresSubscription{channel: channel, handler: handler}
	sub.subscription = newSubscription(func() { t.remove(sub) })
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if t.subs[channel] == nil {
		t.subs[channel] = map[*postgresSubscription]struct{}{}
	}
	t.subs[channel][sub] = struct{}{}
	return sub, nil
}

func (t *PostgresTransport) remove(target *postgresSubscription) {
	t.listenMu.Lock()
	defer t.listenMu.Unlock()

	t.mu.Lock()
	subs := t.subs[target.channel]
	delete(subs, target)
	empty := len(subs) == 0
	if empty {
		delete(t.subs, target.channel)
	}
	listener, closed := t.listener, t.closed
	t.mu.Unlock()

	if !empty || listener == nil || closed {
		return
	}
	if err := listener.Unlisten(target.channel); err != nil && !errors.Is(err, pq.ErrChannelNotOpen) {
		logf(t.logger, "unlisten %s failed: %v", target.channel, err)
	}
}

func (t *PostgresTransport) loop(listener *pq.Listener) {
	defer close(t.loopDone)
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-t.stop:
			return
		case n, ok := <-listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// pq sends nil after re-establishing the connection.
				go t.endAll(ErrSubscriptionLost)
				continue
			}
			event, err := decodeNotification(n.Channel, n.Extra)
			if err != nil {
				logf(t.logger, "dropping undecodable notification on %s: %v", n.Channel, err)
				continue
			}
			t.deliver(n.Channel, event)
		case <-ping.C:
			go func() {
				if err := listener.Ping(); err != nil {
					logf(t.logger, "listener ping failed: %v", err)
				}
			}()
		}
	}
}

func (t *PostgresTransport) deliver(channel string, event RawEvent) {
	t.mu.Lock()
	targets := make([]*postgresSubscription, 0, len(t.subs[channel]))
	for sub := range t.subs[channel] {
		targets = append(targets, sub)
	}
	t.mu.Unlock()
	for _, sub := range targets {
		if !sub.live() {
			continue
		}
		sub.handler(RawEvent{Table: event.Table, Record: cloneRecord(event.Record), ReceivedAt: event.ReceivedAt})
	}
}

func (t *PostgresTransport) endAll(cause error) {
	t.mu.Lock()
	var all []*postgresSubscription
	for _, subs := range t.subs {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	t.mu.Unlock()
	for _, sub := range all {
		sub.end(cause)
	}
}

func (t *PostgresTransport) onListenerEvent(event pq.ListenerEventType, err error) {
	switch event {
	case pq.ListenerEventDisconnected:
		logf(t.logger, "postgres listener disconnected: %v", err)
	case pq.ListenerEventConnectionAttemptFailed:
		logf(t.logger, "postgres listener connection attempt failed: %v", err)
	case pq.ListenerEventReconnected:
		logf(t.logger, "postgres listener reconnected")
	}
}

func (t *PostgresTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	listener := t.listener
	loopDone := t.loopDone
	close(t.stop)
	t.mu.Unlock()

	t.endAll(ErrClosed)
	if listener == nil {
		return nil
	}
	err := listener.Close()
	<-loopDone
	return err
}

type notificationPayload struct {
	Table  string         `json:"table"`
	Record map[string]any `json:"record"`
}

func decodeNotification(channel, payload string) (RawEvent, error) {
	var decoded notificationPayload
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return RawEvent{}, err
	}
	if decoded.Table == "" {
		decoded.Table = strings.TrimPrefix(channel, postgresChannelPrefix)
	}
	if postgresChannel(decoded.Table) != channel {
		return RawEvent{}, fmt.Errorf("table %q does not match channel %q", decoded.Table, channel)
	}
	if decoded.Record == nil {
		return RawEvent{}, errors.New("notification has no record")
	}
	return RawEvent{Table: decoded.Table, Record: decoded.Record, ReceivedAt: time.Now()}, nil
}

func postgresChannel(table string) string {
	return postgresChannelPrefix + strings.ToLower(table)
}

// InstallNotifyTrigger makes every insert into table publish its new row on
// the channel PostgresTransport listens to.
func InstallNotifyTrigger(ctx context.Context, db *sql.DB, table string) error {
	if db == nil || !tablePattern.MatchString(table) {
		return ErrInvalidInput
	}
	statements := []string{
		fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('%s' || lower(TG_TABLE_NAME), json_build_object('table', TG_TABLE_NAME, 'record', row_to_json(NEW))::text);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql`, postgresNotifyFunctionName, postgresChannelPrefix),
		fmt.Sprintf(`DROP TRIGGER IF EXISTS %s ON "%s"`, postgresNotifyFunctionName, table),
		fmt.Sprintf(`CREATE TRIGGER %s AFTER INSERT ON "%s" FOR EACH ROW EXECUTE FUNCTION %s()`,
			postgresNotifyFunctionName, table, postgresNotifyFunctionName),
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("install notify trigger on %s: %w", table, err)
		}
	}
	return nil
}
