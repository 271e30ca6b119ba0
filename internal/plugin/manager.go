package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"

	"github.com/mattjoyce/hybridshell/internal/events"
	"github.com/mattjoyce/hybridshell/internal/log"
	"github.com/mattjoyce/hybridshell/internal/protocol"
)

// Deps are the collaborators shared by every plugin.
type Deps struct {
	State  StateStore
	Host   Host
	Events events.Publisher
}

// Info describes a loaded plugin.
type Info struct {
	Service string   `json:"service"`
	Type    string   `json:"type"`
	Actions []string `json:"actions,omitempty"`
}

type entry struct {
	spec   Spec
	plugin Plugin
}

// Manager owns the configured plugin instances and routes calls to them.
// The dispatch table is filled once by Init and never changes afterwards.
type Manager struct {
	catalog *Catalog
	sender  Sender
	deps    Deps
	logger  *slog.Logger

	mu          sync.RWMutex
	initialized bool
	byService   map[string]*entry
	order       []*entry
}

// NewManager creates a manager that forwards results to sender.
func NewManager(catalog *Catalog, sender Sender, deps Deps) *Manager {
	if deps.Events == nil {
		deps.Events = events.Discard
	}
	return &Manager{
		catalog:   catalog,
		sender:    sender,
		deps:      deps,
		logger:    log.WithComponent("plugin-manager"),
		byService: make(map[string]*entry),
	}
}

// Init instantiates specs in order. Invalid declarations are logged and
// skipped; duplicate services keep the first declaration.
func (m *Manager) Init(ctx context.Context, specs []Spec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return ErrAlreadyInitialized
	}
	m.initialized = true

	for _, spec := range specs {
		p, err := m.instantiate(ctx, spec)
		if err != nil {
			m.logger.Warn("skipping plugin", "service", spec.Service, "type", spec.Type, "error", err)
			m.deps.Events.Publish(events.TypePluginSkipped, map[string]any{
				"service": spec.Service,
				"type":    spec.Type,
				"error":   err.Error(),
			})
			continue
		}

		e := &entry{spec: spec, plugin: p}
		m.byService[spec.Service] = e
		m.order = append(m.order, e)
		m.logger.Info("plugin loaded", "service", spec.Service, "type", spec.Type)
		m.deps.Events.Publish(events.TypePluginLoaded, map[string]any{"service": spec.Service, "type": spec.Type})
	}

	return nil
}

func (m *Manager) instantiate(ctx context.Context, spec Spec) (p Plugin, err error) {
	if spec.Service == "" {
		return nil, fmt.Errorf("service name is empty")
	}
	if _, exists := m.byService[spec.Service]; exists {
		return nil, fmt.Errorf("service %q already registered", spec.Service)
	}
	factory, ok := m.catalog.Lookup(spec.Type)
	if !ok {
		return nil, fmt.Errorf("unknown plugin type %q", spec.Type)
	}

	defer func() {
		if r := recover(); r != nil {
			p, err = nil, fmt.Errorf("panic during init: %v", r)
		}
	}()

	p, err = factory(spec)
	if err != nil {
		return nil, fmt.Errorf("create plugin: %w", err)
	}
	if p == nil {
		return nil, fmt.Errorf("factory returned nil plugin")
	}

	if in, ok := p.(Initializer); ok {
		env := Env{
			Service: spec.Service,
			Logger:  log.WithPlugin(spec.Service),
			State:   m.deps.State,
			Host:    m.deps.Host,
		}
		if err := in.Initialize(ctx, env); err != nil {
			return nil, fmt.Errorf("initialize: %w", err)
		}
	}
	return p, nil
}

// Exec routes one bridge call. Results flow to the manager's sender tagged
// with callbackID. When the call fails before or inside the plugin, the error
// result is delivered and also returned; otherwise Exec returns nil.
func (m *Manager) Exec(ctx context.Context, service, action, callbackID, rawArgs string) *protocol.Result {
	return m.exec(ctx, m.sender, service, action, callbackID, rawArgs)
}

// Invoke dispatches a call outside the script bridge and returns the
// generated callback id and a channel of its results. Results are never
// dropped while ctx is live; the channel is closed after the final result or
// once ctx is done.
func (m *Manager) Invoke(ctx context.Context, service, action, rawArgs string) (string, <-chan *protocol.Result) {
	callbackID := "native-" + uuid.NewString()
	s := newChanSender()
	go s.pump(ctx)
	m.exec(ctx, s, service, action, callbackID, rawArgs)
	return callbackID, s.out
}

func (m *Manager) exec(ctx context.Context, sender Sender, service, action, callbackID, rawArgs string) *protocol.Result {
	logger := log.WithCallback(service, action, callbackID)
	cb := newCallbackContext(callbackID, sender, logger)

	m.mu.RLock()
	e, ok := m.byService[service]
	m.mu.RUnlock()

	if !ok {
		logger.Warn("unknown service")
		return m.fail(cb, protocol.Failure(protocol.KindUnknownService, fmt.Sprintf("service %q not found", service)))
	}

	args, err := protocol.DecodeArgs(rawArgs)
	if err != nil {
		logger.Warn("invalid arguments", "error", err)
		return m.fail(cb, protocol.Failure(protocol.KindInvalidArguments, err.Error()))
	}

	logger.Debug("executing action", "args_bytes", len(args.Raw()))
	err = safeExecute(ctx, e.plugin, action, args, cb)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNoSuchAction):
		logger.Warn("no such action")
		return m.fail(cb, protocol.Failure(protocol.KindNoSuchAction, fmt.Sprintf("action %q not found on service %q", action, service)))
	case errors.Is(err, ErrInvalidArguments):
		logger.Warn("action rejected arguments", "error", err)
		return m.fail(cb, protocol.Failure(protocol.KindInvalidArguments, err.Error()))
	default:
		logger.Error("plugin action failed", "error", err)
		return m.fail(cb, protocol.Failure(protocol.KindPluginExecution, err.Error()))
	}
}

func (m *Manager) fail(cb *CallbackContext, r *protocol.Result) *protocol.Result {
	cb.SendResult(r)
	return r
}

func safeExecute(ctx context.Context, p Plugin, action string, args protocol.Args, cb *CallbackContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.WithComponent("plugin-manager").Error("plugin panic", "callback_id", cb.CallbackID(), "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("plugin panic: %v", r)
		}
	}()
	return p.Execute(ctx, action, args, cb)
}

// Services returns the loaded service names in declaration order.
func (m *Manager) Services() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.order))
	for _, e := range m.order {
		out = append(out, e.spec.Service)
	}
	return out
}

// Plugins describes the loaded plugins in declaration order.
func (m *Manager) Plugins() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.order))
	for _, e := range m.order {
		info := Info{Service: e.spec.Service, Type: e.spec.Type}
		if l, ok := e.plugin.(ActionLister); ok {
			info.Actions = l.Actions()
		}
		out = append(out, info)
	}
	return out
}

// Pause notifies every PauseHandler in declaration order.
func (m *Manager) Pause() {
	m.each(false, func(e *entry) {
		if h, ok := e.plugin.(PauseHandler); ok {
			h.OnPause()
		}
	})
}

// Resume notifies every ResumeHandler in declaration order.
func (m *Manager) Resume() {
	m.each(false, func(e *entry) {
		if h, ok := e.plugin.(ResumeHandler); ok {
			h.OnResume()
		}
	})
}

// Destroy notifies every Destroyer in reverse declaration order.
func (m *Manager) Destroy() {
	m.each(true, func(e *entry) {
		if h, ok := e.plugin.(Destroyer); ok {
			h.OnDestroy()
		}
	})
}

func (m *Manager) each(reverse bool, fn func(*entry)) {
	m.mu.RLock()
	entries := append([]*entry(nil), m.order...)
	m.mu.RUnlock()

	if reverse {
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
	}
	for _, e := range entries {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("lifecycle hook panic", "service", e.spec.Service, "panic", r)
				}
			}()
			fn(e)
		}()
	}
}

// chanSender buffers results without bound and forwards them to out in order.
type chanSender struct {
	out  chan *protocol.Result
	wake chan struct{}

	mu      sync.Mutex
	pending []*protocol.Result
	final   bool
}

func newChanSender() *chanSender {
	return &chanSender{
		out:  make(chan *protocol.Result),
		wake: make(chan struct{}, 1),
	}
}

func (s *chanSender) SendPluginResult(r *protocol.Result, _ string) {
	s.mu.Lock()
	if s.final {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, r)
	s.final = !r.KeepsCallback()
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *chanSender) pump(ctx context.Context) {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		final := s.final
		s.mu.Unlock()

		for _, r := range batch {
			select {
			case s.out <- r:
			case <-ctx.Done():
				return
			}
		}
		if final {
			return
		}

		select {
		case <-s.wake:
		case <-ctx.Done():
			return
		}
	}
}
