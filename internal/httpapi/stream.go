package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/igorms-pro/onelink-sub002/internal/pipeline"
)

const (
	FrameReady        = "ready"
	FrameNotification = "notification"
	FrameView         = "view"
)

// StreamFrame is one JSON message on the notification stream. A ready frame
// is sent once every requested pipeline is set up; view frames follow each
// reconcile of a topic's view.
type StreamFrame struct {
	Type         string                 `json:"type"`
	ScopeKey     string                 `json:"scope_key,omitempty"`
	Topic        string                 `json:"topic,omitempty"`
	Topics       []string               `json:"topics,omitempty"`
	Notification *pipeline.Notification `json:"notification,omitempty"`
	View         *pipeline.ViewSnapshot `json:"view,omitempty"`
}

// handleNotifications holds one pipeline reference per requested topic for as
// long as the websocket stays open.
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request, scopeKey, correlationID string) {
	topics, err := s.requestedTopics(r.URL.Query().Get("topics"))
	if err != nil {
		writePipelineError(w, err, correlationID)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		logf(s.cfg.Logger, "notification stream %s: accept failed: %v", scopeKey, err)
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	err = s.stream(ctx, conn, scopeKey, topics)
	switch {
	case ctx.Err() != nil:
	case errors.Is(err, pipeline.ErrClosed):
		_ = conn.Close(websocket.StatusGoingAway, "pipelines stopped")
	case err != nil:
		logf(s.cfg.Logger, "notification stream %s (%s): %v", scopeKey, correlationID, err)
		_ = conn.Close(websocket.StatusInternalError, "stream failed")
	default:
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}

func (s *Server) stream(ctx context.Context, conn *websocket.Conn, scopeKey string, topics []string) error {
	// Listen before setting up so the first notification cannot slip past.
	notes, unsubscribe := s.hub.Subscribe(scopeKey, topics...)
	defer unsubscribe()

	watchCtx, cancel := context.WithCancel(ctx)
	var watchers sync.WaitGroup
	defer func() {
		cancel()
		watchers.Wait()
	}()
	views := make(chan StreamFrame, len(topics))
	sealed := make(chan string, len(topics))

	for _, topic := range topics {
		teardown, err := s.manager.Setup(ctx, scopeKey, topic)
		if err != nil {
			return err
		}
		defer teardown()
		view, ok := s.manager.View(scopeKey, topic)
		if !ok {
			return pipeline.ErrClosed
		}
		snaps, stop := view.Watch()
		watchers.Add(1)
		go func(topic string) {
			defer watchers.Done()
			defer stop()
			for {
				select {
				case <-watchCtx.Done():
					return
				case snap, ok := <-snaps:
					if !ok {
						sealed <- topic
						return
					}
					select {
					case views <- StreamFrame{Type: FrameView, Topic: topic, View: &snap}:
					case <-watchCtx.Done():
						return
					}
				}
			}
		}(topic)
	}

	if err := s.writeFrame(ctx, conn, StreamFrame{Type: FrameReady, ScopeKey: scopeKey, Topics: topics}); err != nil {
		return err
	}
	ping := time.NewTicker(s.cfg.StreamPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-notes:
			if !ok {
				return pipeline.ErrClosed
			}
			if err := s.writeFrame(ctx, conn, StreamFrame{Type: FrameNotification, Topic: n.Topic, Notification: &n}); err != nil {
				return err
			}
		case frame := <-views:
			if err := s.writeFrame(ctx, conn, frame); err != nil {
				return err
			}
		case <-sealed:
			return pipeline.ErrClosed
		case <-ping.C:
			pingCtx, cancelPing := context.WithTimeout(ctx, s.cfg.StreamWriteTimeout)
			err := conn.Ping(pingCtx)
			cancelPing()
			if err != nil {
				return err
			}
		}
	}
}

func (s *Server) writeFrame(ctx context.Context, conn *websocket.Conn, frame StreamFrame) error {
	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.StreamWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, frame)
}
