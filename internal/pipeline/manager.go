package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Teardown releases one Setup. Calling it more than once is harmless.
type Teardown func()

type ManagerOptions struct {
	Controller ControllerOptions
	// Topics defaults to BuiltinTopics.
	Topics []*Topic
}

type pipelineKey struct {
	scope string
	topic string
}

type managedPipeline struct {
	ctrl  *Controller
	refs  int
	ready chan struct{}
}

// Manager shares one Controller per (scope key, topic) between every caller
// that set it up, and closes it when the last one tears down.
type Manager struct {
	opts   ManagerOptions
	topics map[string]*Topic

	mu        sync.Mutex
	pipelines map[pipelineKey]*managedPipeline
	closed    bool
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Controller.Transport == nil || opts.Controller.Store == nil {
		return nil, ErrInvalidInput
	}
	topics := opts.Topics
	if len(topics) == 0 {
		topics = BuiltinTopics()
	}
	byName := make(map[string]*Topic, len(topics))
	for _, topic := range topics {
		if !topic.compiled() {
			if err := topic.Compile(); err != nil {
				return nil, err
			}
		}
		if _, dup := byName[topic.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate topic %q", ErrInvalidTopic, topic.Name)
		}
		byName[topic.Name] = topic
	}
	if opts.Controller.SelfFilter == nil {
		opts.Controller.SelfFilter = NewSelfActionFilter(opts.Controller.Store, SelfActionOptions{
			Policy:        opts.Controller.FailPolicy,
			LookupTimeout: opts.Controller.LookupTimeout,
			Logger:        opts.Controller.Logger,
		})
	}
	return &Manager{
		opts:      opts,
		topics:    byName,
		pipelines: map[pipelineKey]*managedPipeline{},
	}, nil
}

func (m *Manager) Topics() []string {
	names := make([]string, 0, len(m.topics))
	for name := range m.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) Topic(name string) (*Topic, bool) {
	topic, ok := m.topics[name]
	return topic, ok
}

// Setup starts (or joins) the pipeline for scopeKey and topicName. It returns
// once the initial view load has completed.
func (m *Manager) Setup(ctx context.Context, scopeKey, topicName string) (Teardown, error) {
	scopeKey = strings.TrimSpace(scopeKey)
	if scopeKey == "" {
		return nil, ErrInvalidInput
	}
	topic, ok := m.topics[topicName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, topicName)
	}
	key := pipelineKey{scope: scopeKey, topic: topicName}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	entry, exists := m.pipelines[key]
	if exists {
		entry.refs++
		m.mu.Unlock()
		teardown := m.teardown(key, entry)
		select {
		case <-entry.ready:
			return teardown, nil
		case <-ctx.Done():
			teardown()
			return nil, ctx.Err()
		}
	}
	ctrl, err := NewController(scopeKey, topic, m.opts.Controller)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	entry = &managedPipeline{ctrl: ctrl, refs: 1, ready: make(chan struct{})}
	m.pipelines[key] = entry
	m.mu.Unlock()

	m.opts.Controller.Metrics.controllerStarted(topicName)
	err = ctrl.Start(ctx)
	close(entry.ready)
	if err != nil {
		m.teardown(key, entry)()
		return nil, err
	}
	return m.teardown(key, entry), nil
}

func (m *Manager) teardown(key pipelineKey, entry *managedPipeline) Teardown {
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			entry.refs--
			// After Manager.Close the entry is no longer registered and
			// has already been stopped.
			last := entry.refs <= 0 && m.pipelines[key] == entry
			if last {
				delete(m.pipelines, key)
			}
			m.mu.Unlock()
			if last {
				m.stop(entry)
			}
		})
	}
}

func (m *Manager) stop(entry *managedPipeline) {
	if err := entry.ctrl.Close(); err != nil {
		logf(m.opts.Controller.Logger, "close pipeline %s/%s: %v", entry.ctrl.ScopeKey(), entry.ctrl.Topic().Name, err)
	}
	m.opts.Controller.Metrics.controllerStopped(entry.ctrl.Topic().Name)
}

func (m *Manager) Controller(scopeKey, topicName string) (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.pipelines[pipelineKey{scope: scopeKey, topic: topicName}]
	if !ok {
		return nil, false
	}
	return entry.ctrl, true
}

func (m *Manager) View(scopeKey, topicName string) (*ReconciledView, bool) {
	ctrl, ok := m.Controller(scopeKey, topicName)
	if !ok {
		return nil, false
	}
	return ctrl.View(), true
}

func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	ctrls := make([]*Controller, 0, len(m.pipelines))
	for _, entry := range m.pipelines {
		ctrls = append(ctrls, entry.ctrl)
	}
	m.mu.Unlock()
	out := make([]Status, 0, len(ctrls))
	for _, ctrl := range ctrls {
		out = append(out, ctrl.Status())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScopeKey != out[j].ScopeKey {
			return out[i].ScopeKey < out[j].ScopeKey
		}
		return out[i].Topic < out[j].Topic
	})
	return out
}

// Close stops every pipeline. Outstanding teardowns become no-ops.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	entries := make([]*managedPipeline, 0, len(m.pipelines))
	for key, entry := range m.pipelines {
		entries = append(entries, entry)
		delete(m.pipelines, key)
	}
	m.mu.Unlock()
	for _, entry := range entries {
		m.stop(entry)
	}
	return nil
}
