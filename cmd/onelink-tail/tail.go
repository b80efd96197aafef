package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/igorms-pro/onelink-sub002/internal/httpapi"
)

const streamReadLimit = 4 << 20

type Logger interface {
	Printf(format string, args ...any)
}

type followOptions struct {
	BaseURL     string
	Token       string
	ScopeKey    string
	Topics      []string
	JSON        bool
	Views       bool
	Once        bool
	DialTimeout time.Duration
	Retry       time.Duration
	RetryJitter float64
	Out         io.Writer
	Logger      Logger
}

// errRejected marks handshake failures that retrying cannot fix.
var errRejected = errors.New("stream rejected")

func follow(ctx context.Context, opts followOptions) error {
	target, err := streamURL(opts.BaseURL, opts.ScopeKey, opts.Topics)
	if err != nil {
		return err
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		err := tailOnce(ctx, target, opts)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, errRejected) {
			return err
		}
		if opts.Once {
			return err
		}
		delay := jitteredIntervalWithSample(opts.Retry, opts.RetryJitter, rng.Float64())
		if err != nil {
			logf(opts.Logger, "notification stream ended: %v; reconnecting in %s", err, delay)
		} else {
			logf(opts.Logger, "notification stream closed; reconnecting in %s", delay)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// tailOnce holds one stream connection until it ends. A normal closure
// returns nil.
func tailOnce(ctx context.Context, target string, opts followOptions) error {
	dialCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	conn, resp, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + opts.Token}},
	})
	cancel()
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return fmt.Errorf("%w: %s", errRejected, resp.Status)
		}
		return err
	}
	defer conn.CloseNow()
	conn.SetReadLimit(streamReadLimit)

	for {
		var frame httpapi.StreamFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return err
		}
		if err := printFrame(opts.Out, frame, opts.JSON, opts.Views); err != nil {
			return err
		}
	}
}

func printFrame(out io.Writer, frame httpapi.StreamFrame, asJSON, views bool) error {
	if frame.Type == httpapi.FrameView && !views {
		return nil
	}
	if asJSON {
		data, err := json.Marshal(frame)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "%s\n", data)
		return err
	}
	var err error
	switch frame.Type {
	case httpapi.FrameReady:
		_, err = fmt.Fprintf(out, "following %s: %s\n", frame.ScopeKey, strings.Join(frame.Topics, ", "))
	case httpapi.FrameNotification:
		if frame.Notification == nil {
			return nil
		}
		n := frame.Notification
		_, err = fmt.Fprintf(out, "%s [%s] %s (event %s)\n", n.EmittedAt.Local().Format(time.TimeOnly), n.Topic, n.Summary, n.EventID)
	case httpapi.FrameView:
		if frame.View == nil {
			return nil
		}
		_, err = fmt.Fprintf(out, "view %s v%d: %d rows\n", frame.Topic, frame.View.Version, len(frame.View.Rows))
	}
	return err
}

func streamURL(baseURL, scopeKey string, topics []string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http", "ws":
		parsed.Scheme = "ws"
	case "https", "wss":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base URL scheme: %q", parsed.Scheme)
	}
	// Path holds the decoded form; RawPath keeps an escaped scope key intact.
	rawPath := strings.TrimRight(parsed.EscapedPath(), "/") + "/v1/scopes/" + url.PathEscape(scopeKey) + "/notifications"
	decoded, err := url.PathUnescape(rawPath)
	if err != nil {
		return "", err
	}
	parsed.Path = decoded
	parsed.RawPath = rawPath
	query := url.Values{}
	if len(topics) > 0 {
		query.Set("topics", strings.Join(topics, ","))
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	delay := time.Duration(float64(base) * (1 + ((sample*2)-1)*jitterRatio))
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
