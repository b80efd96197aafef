// Package pipeline turns raw row-insert events into scoped notifications and
// refreshed views. One Controller runs per (scope key, topic): it parses each
// event against the topic descriptor, walks the ownership chain up to the
// collection, drops events the scope owner caused, notifies, and refetches
// the scope's aggregate view wholesale.
package pipeline

import (
	"errors"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidTopic   = errors.New("invalid topic descriptor")
	ErrInvalidEvent   = errors.New("invalid event")
	ErrUnknownTopic   = errors.New("unknown topic")
	ErrClosed         = errors.New("pipeline closed")
	ErrAlreadyStarted = errors.New("controller already started")
)

type Logger interface {
	Printf(format string, args ...any)
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}
