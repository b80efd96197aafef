package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/igorms-pro/onelink-sub002/internal/changefeed"
	"github.com/igorms-pro/onelink-sub002/internal/httpapi"
	"github.com/igorms-pro/onelink-sub002/internal/pipeline"
	"github.com/igorms-pro/onelink-sub002/internal/store"
)

type config struct {
	Addr               string
	StoreDSN           string
	StoreAPIKey        string
	StoreBootstrap     bool
	InstallTriggers    bool
	TransportDSN       string
	TransportToken     string
	TopicsFile         string
	JWTSecret          string
	InternalHMACSecret string
	FailPolicy         pipeline.FailPolicy
	LookupTimeout      time.Duration
	Coalesce           bool
	ReconnectBase      time.Duration
	ReconnectMax       time.Duration
	ReconnectAttempts  int
	StreamBuffer       int
	RateLimitMax       int
	RateLimitWindow    time.Duration
	ShutdownTimeout    time.Duration
	LogLevel           string
	LogFormat          string
}

func loadConfig() (config, error) {
	cfg := config{
		Addr:               envOrDefault("ONELINK_ADDR", ":8080"),
		StoreDSN:           envOrDefault("ONELINK_STORE_DSN", "memory://"),
		StoreAPIKey:        strings.TrimSpace(os.Getenv("ONELINK_STORE_API_KEY")),
		StoreBootstrap:     boolEnv("ONELINK_STORE_BOOTSTRAP", false),
		TransportDSN:       envOrDefault("ONELINK_TRANSPORT_DSN", "memory://"),
		TransportToken:     strings.TrimSpace(os.Getenv("ONELINK_TRANSPORT_TOKEN")),
		TopicsFile:         strings.TrimSpace(os.Getenv("ONELINK_TOPICS_FILE")),
		JWTSecret:          os.Getenv("ONELINK_JWT_SECRET"),
		InternalHMACSecret: os.Getenv("ONELINK_INTERNAL_HMAC_SECRET"),
		LookupTimeout:      durationEnv("ONELINK_LOOKUP_TIMEOUT", 5*time.Second),
		Coalesce:           boolEnv("ONELINK_RECONCILE_COALESCE", false),
		ReconnectBase:      durationEnv("ONELINK_RECONNECT_BASE_DELAY", 500*time.Millisecond),
		ReconnectMax:       durationEnv("ONELINK_RECONNECT_MAX_DELAY", 30*time.Second),
		ReconnectAttempts:  intEnv("ONELINK_RECONNECT_MAX_ATTEMPTS", 0),
		StreamBuffer:       intEnv("ONELINK_STREAM_BUFFER", 32),
		RateLimitMax:       intEnv("ONELINK_RATE_LIMIT_MAX", 0),
		RateLimitWindow:    durationEnv("ONELINK_RATE_LIMIT_WINDOW", time.Minute),
		ShutdownTimeout:    durationEnv("ONELINK_SHUTDOWN_TIMEOUT", 10*time.Second),
		LogLevel:           envOrDefault("ONELINK_LOG_LEVEL", "info"),
		LogFormat:          envOrDefault("ONELINK_LOG_FORMAT", "text"),
	}
	// Bootstrapping the schema also wires its inserts to the change feed
	// unless told otherwise.
	cfg.InstallTriggers = boolEnv("ONELINK_TRANSPORT_INSTALL_TRIGGERS", cfg.StoreBootstrap)
	switch strings.ToLower(envOrDefault("ONELINK_SELF_ACTION_FAIL_POLICY", "open")) {
	case "open", "fail_open":
		cfg.FailPolicy = pipeline.FailOpen
	case "closed", "fail_closed":
		cfg.FailPolicy = pipeline.FailClosed
	default:
		return config{}, fmt.Errorf("unsupported ONELINK_SELF_ACTION_FAIL_POLICY: %s", os.Getenv("ONELINK_SELF_ACTION_FAIL_POLICY"))
	}
	return cfg, nil
}

func newLogger(level, format string) (*logrus.Logger, error) {
	logger := logrus.New()
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(parsed)
	switch strings.ToLower(format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unsupported log format: %s", format)
	}
	return logger, nil
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		logrus.Fatalf("invalid configuration: %v", err)
	}
	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logrus.Fatalf("invalid logging configuration: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatalf("onelink-notifyd failed: %v", err)
	}
}

func run(ctx context.Context, cfg config, logger *logrus.Logger) error {
	base := logger.WithField("service", "onelink-notifyd")
	if cfg.JWTSecret == "" {
		base.Warn("ONELINK_JWT_SECRET is not set; tokens are checked against the development secret")
	}

	st, err := store.BuildFromDSN(cfg.StoreDSN, store.FactoryOptions{
		Bootstrap: cfg.StoreBootstrap,
		APIKey:    cfg.StoreAPIKey,
	})
	if err != nil {
		return fmt.Errorf("build store: %w", err)
	}
	defer closeQuietly(base, "store", st)

	transport, err := changefeed.BuildFromDSN(cfg.TransportDSN, changefeed.Options{
		Logger:               base.WithField("component", "changefeed"),
		Token:                cfg.TransportToken,
		MinReconnectInterval: cfg.ReconnectBase,
		MaxReconnectInterval: cfg.ReconnectMax,
	})
	if err != nil {
		return fmt.Errorf("build change transport: %w", err)
	}
	defer closeQuietly(base, "transport", transport)

	topics := pipeline.BuiltinTopics()
	if cfg.TopicsFile != "" {
		topics, err = pipeline.LoadTopicsFile(cfg.TopicsFile)
		if err != nil {
			return fmt.Errorf("load topics: %w", err)
		}
	}

	if cfg.InstallTriggers {
		installed, err := installNotifyTriggers(ctx, st, transport, topics)
		if err != nil {
			return err
		}
		if installed > 0 {
			base.WithField("tables", installed).Info("installed insert notify triggers")
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := pipeline.NewMetrics(reg)
	hub := pipeline.NewBroadcaster(cfg.StreamBuffer, metrics)
	defer hub.Close()

	pipelineLog := base.WithField("component", "pipeline")
	manager, err := pipeline.NewManager(pipeline.ManagerOptions{
		Topics: topics,
		Controller: pipeline.ControllerOptions{
			Transport:            transport,
			Store:                st,
			Notifier:             pipeline.MultiNotifier{hub, pipeline.LogNotifier{Logger: pipelineLog}},
			FailPolicy:           cfg.FailPolicy,
			LookupTimeout:        cfg.LookupTimeout,
			Coalesce:             cfg.Coalesce,
			ReconnectBaseDelay:   cfg.ReconnectBase,
			ReconnectMaxDelay:    cfg.ReconnectMax,
			MaxReconnectAttempts: cfg.ReconnectAttempts,
			Logger:               pipelineLog,
			Metrics:              metrics,
		},
	})
	if err != nil {
		return fmt.Errorf("build pipeline manager: %w", err)
	}
	defer manager.Close()

	handler := httpapi.NewServerWithConfig(manager, hub, httpapi.ServerConfig{
		JWTSecret:          cfg.JWTSecret,
		InternalHMACSecret: cfg.InternalHMACSecret,
		RateLimitMax:       cfg.RateLimitMax,
		RateLimitWindow:    cfg.RateLimitWindow,
		Gatherer:           reg,
		Ingest:             ingestFor(st, transport),
		Logger:             base.WithField("component", "httpapi"),
	})
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		base.WithFields(logrus.Fields{
			"addr":      cfg.Addr,
			"store":     redactDSN(cfg.StoreDSN),
			"transport": redactDSN(cfg.TransportDSN),
			"topics":    manager.Topics(),
		}).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		base.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		// Closing the pipelines first ends open notification streams.
		_ = manager.Close()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// ingestFor wires the webhook endpoint to transports that have no upstream
// source of their own. Network transports return nil, disabling the endpoint.
func ingestFor(st store.Store, transport changefeed.Transport) httpapi.IngestFunc {
	switch t := transport.(type) {
	case *changefeed.MemoryTransport:
		mem, _ := st.(*store.MemoryStore)
		return func(_ context.Context, table string, record map[string]any) error {
			if mem != nil {
				if err := mem.Put(table, store.Row(record)); err != nil {
					return err
				}
			}
			t.Publish(table, record)
			return nil
		}
	case *changefeed.SpoolTransport:
		return func(_ context.Context, table string, record map[string]any) error {
			_, err := changefeed.WriteSpoolRecord(t.Dir(), table, record)
			return err
		}
	default:
		return nil
	}
}

// installNotifyTriggers makes inserts into every topic's leaf table reach a
// Postgres change feed. Other transports need no triggers.
func installNotifyTriggers(ctx context.Context, st store.Store, transport changefeed.Transport, topics []*pipeline.Topic) (int, error) {
	if _, ok := transport.(*changefeed.PostgresTransport); !ok {
		return 0, nil
	}
	sqlStore, ok := st.(*store.SQLStore)
	if !ok || sqlStore.Dialect() != store.DialectPostgres {
		return 0, fmt.Errorf("install notify triggers: the postgres change feed needs a postgres store, got %T", st)
	}
	db, err := sqlStore.DB()
	if err != nil {
		return 0, fmt.Errorf("install notify triggers: %w", err)
	}
	seen := map[string]struct{}{}
	for _, topic := range topics {
		if _, dup := seen[topic.LeafTable]; dup {
			continue
		}
		seen[topic.LeafTable] = struct{}{}
		if err := changefeed.InstallNotifyTrigger(ctx, db, topic.LeafTable); err != nil {
			return len(seen) - 1, err
		}
	}
	return len(seen), nil
}

func closeQuietly(logger logrus.FieldLogger, what string, value any) {
	closer, ok := value.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		logger.WithError(err).Warnf("close %s", what)
	}
}

// redactDSN drops credentials before a DSN reaches the logs.
func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	return dsn[:scheme+3] + "***" + dsn[at:]
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logrus.Warnf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logrus.Warnf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		logrus.Warnf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}
