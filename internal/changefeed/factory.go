package changefeed

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Factory func(dsn string, opts Options) (Transport, error)

type Options struct {
	Logger Logger
	// Token is sent as a bearer token by network transports that accept one.
	Token                string
	MinReconnectInterval time.Duration
	MaxReconnectInterval time.Duration
}

var factoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{
	factories: map[string]Factory{},
}

func RegisterFactory(scheme string, factory Factory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.factories[scheme] = factory
}

func lookupFactory(scheme string) (Factory, bool) {
	scheme = normalizeScheme(scheme)
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.factories[scheme]
	return factory, ok
}

func BuildFromDSN(dsn string, opts Options) (Transport, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupFactory(scheme); ok {
		return factory(dsn, opts)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryTransport(), nil
	case "postgres", "postgresql":
		return NewPostgresTransport(dsn, PostgresOptions{
			MinReconnectInterval: opts.MinReconnectInterval,
			MaxReconnectInterval: opts.MaxReconnectInterval,
			Logger:               opts.Logger,
		})
	case "ws", "wss":
		return NewWebsocketTransport(dsn, WebsocketOptions{Token: opts.Token, Logger: opts.Logger})
	case "spool":
		dir := strings.TrimSpace(parsed.Host + parsed.Path)
		if parsed.Opaque != "" {
			dir = parsed.Opaque
		}
		if dir == "" {
			return nil, fmt.Errorf("%w: no spool dir in %s", ErrInvalidInput, dsn)
		}
		keep, _ := strconv.ParseBool(parsed.Query().Get("keep"))
		return NewSpoolTransport(dir, SpoolOptions{Keep: keep, Logger: opts.Logger})
	case "nats", "kafka", "redis", "rediss":
		return nil, fmt.Errorf("%w: change transport %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported change transport scheme: %s", scheme)
	}
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
