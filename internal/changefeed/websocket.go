package changefeed

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	frameSubscribed = "subscribed"
	frameInsert     = "insert"
	frameError      = "error"

	defaultAckTimeout = 10 * time.Second
	defaultReadLimit  = 1 << 20
)

type WebsocketOptions struct {
	Token      string
	Header     http.Header
	HTTPClient *http.Client
	AckTimeout time.Duration
	ReadLimit  int64
	Logger     Logger
}

// Frame is the wire format of the realtime endpoint. The server answers a
// subscription with one "subscribed" (or "error") frame, then streams
// "insert" frames.
type Frame struct {
	Type   string         `json:"type"`
	Table  string         `json:"table,omitempty"`
	Record map[string]any `json:"record,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// WebsocketTransport opens one realtime connection per subscription.
type WebsocketTransport struct {
	base   *url.URL
	opts   WebsocketOptions
	logger Logger

	mu     sync.Mutex
	subs   map[*websocketSubscription]struct{}
	closed bool
}

type websocketSubscription struct {
	*subscription
	table   string
	conn    *websocket.Conn
	handler Handler
}

func NewWebsocketTransport(rawURL string, opts WebsocketOptions) (*WebsocketTransport, error) {
	base, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, err
	}
	switch base.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("%w: websocket url scheme %q", ErrInvalidInput, base.Scheme)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("%w: websocket url has no host", ErrInvalidInput)
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = defaultAckTimeout
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	return &WebsocketTransport{
		base:   base,
		opts:   opts,
		logger: opts.Logger,
		subs:   map[*websocketSubscription]struct{}{},
	}, nil
}

func (t *WebsocketTransport) subscribeURL(req SubscribeRequest) string {
	u := *t.base
	q := u.Query()
	q.Set("table", req.Table)
	if req.ScopeKey != "" {
		q.Set("scope", req.ScopeKey)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (t *WebsocketTransport) Subscribe(ctx context.Context, req SubscribeRequest, handler Handler) (Subscription, error) {
	if err := validateRequest(req, handler); err != nil {
		return nil, err
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	header := http.Header{}
	for k, values := range t.opts.Header {
		for _, v := range values {
			header.Add(k, v)
		}
	}
	if t.opts.Token != "" {
		header.Set("Authorization", "Bearer "+t.opts.Token)
	}

	ackCtx, cancel := context.WithTimeout(ctx, t.opts.AckTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(ackCtx, t.subscribeURL(req), &websocket.DialOptions{
		HTTPClient: t.opts.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("dial realtime: %w", err)
	}
	conn.SetReadLimit(t.opts.ReadLimit)

	success := false
	defer func() {
		if !success {
			_ = conn.Close(websocket.StatusPolicyViolation, "subscribe failed")
		}
	}()

	var ack Frame
	if err := wsjson.Read(ackCtx, conn, &ack); err != nil {
		return nil, fmt.Errorf("await subscribe ack: %w", err)
	}
	switch ack.Type {
	case frameSubscribed:
	case frameError:
		return nil, fmt.Errorf("subscribe %s rejected: %s", req.Table, ack.Error)
	default:
		return nil, fmt.Errorf("unexpected frame %q before subscribe ack", ack.Type)
	}

	readCtx, readCancel := context.WithCancel(context.Background())
	sub := &websocketSubscription{table: req.Table, conn: conn, handler: handler}
	sub.subscription = newSubscription(func() {
		readCancel()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		t.remove(sub)
	})

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		readCancel()
		return nil, ErrClosed
	}
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	success = true
	go t.readLoop(readCtx, sub)
	return sub, nil
}

func (t *WebsocketTransport) readLoop(ctx context.Context, sub *websocketSubscription) {
	for {
		var frame Frame
		if err := wsjson.Read(ctx, sub.conn, &frame); err != nil {
			if ctx.Err() != nil {
				return
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				sub.end(ErrSubscriptionLost)
				return
			}
			sub.end(fmt.Errorf("%w: %v", ErrSubscriptionLost, err))
			return
		}
		switch frame.Type {
		case frameInsert:
		case frameError:
			sub.end(fmt.Errorf("%w: %s", ErrSubscriptionLost, frame.Error))
			return
		default:
			continue
		}
		table := frame.Table
		if table == "" {
			table = sub.table
		}
		if table != sub.table || frame.Record == nil {
			logf(t.logger, "dropping malformed insert frame for %s", sub.table)
			continue
		}
		if !sub.live() {
			return
		}
		sub.handler(RawEvent{Table: table, Record: frame.Record, ReceivedAt: time.Now()})
	}
}

func (t *WebsocketTransport) remove(target *websocketSubscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, target)
}

func (t *WebsocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	all := make([]*websocketSubscription, 0, len(t.subs))
	for sub := range t.subs {
		all = append(all, sub)
	}
	t.mu.Unlock()
	for _, sub := range all {
		sub.end(ErrClosed)
	}
	return nil
}
