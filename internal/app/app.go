// Package app is the composition root of the shell: it owns the plugin
// manager and the message queue and turns host lifecycle callbacks into
// bridge state transitions.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mattjoyce/hybridshell/internal/config"
	"github.com/mattjoyce/hybridshell/internal/events"
	"github.com/mattjoyce/hybridshell/internal/log"
	"github.com/mattjoyce/hybridshell/internal/plugin"
	"github.com/mattjoyce/hybridshell/internal/protocol"
	"github.com/mattjoyce/hybridshell/internal/queue"
	"github.com/mattjoyce/hybridshell/internal/script"
)

const (
	// BridgeObject is the global installed into every script context.
	BridgeObject = "_cordovaNative"
	// BridgeFunction is the only function the bridge object exposes.
	BridgeFunction = "exec"
)

// State is the bridge lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateContextCreated
	StateContextReleased
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateContextCreated:
		return "context_created"
	case StateContextReleased:
		return "context_released"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Deps are optional collaborators.
type Deps struct {
	State  plugin.StateStore
	Events events.Publisher
	// OnExit is called once when a plugin requests the application to exit.
	OnExit func()
}

// Application bridges a script host to the native plugins.
type Application struct {
	cfg     *config.Config
	queue   *queue.MessageQueue
	manager *plugin.Manager
	pub     events.Publisher
	logger  *slog.Logger
	onExit  func()

	mu             sync.Mutex
	state          State
	sc             script.Context
	gen            uint64 // bumped per created context
	ctx            context.Context
	startupURL     string
	initialized    bool
	browserCreated bool

	exitOnce     sync.Once
	shutdownOnce sync.Once
}

// New wires an Application from configuration and a plugin catalog.
func New(cfg *config.Config, catalog *plugin.Catalog, deps Deps) *Application {
	pub := deps.Events
	if pub == nil {
		pub = events.Discard
	}
	a := &Application{
		cfg:    cfg,
		queue:  queue.New(pub),
		pub:    pub,
		logger: log.WithComponent("app"),
		onExit: deps.OnExit,
		ctx:    context.Background(),
	}
	a.manager = plugin.NewManager(catalog, a, plugin.Deps{
		State:  deps.State,
		Host:   a,
		Events: pub,
	})
	return a
}

// OnContextInitialized resolves the startup URL and loads the configured
// plugins. ctx is used for every later plugin call.
func (a *Application) OnContextInitialized(ctx context.Context) error {
	a.mu.Lock()
	if a.initialized {
		a.mu.Unlock()
		return plugin.ErrAlreadyInitialized
	}
	startup, err := BuildStartupURL(a.cfg.WWWDir(), a.cfg.App.StartDocument)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	a.initialized = true
	a.startupURL = startup
	a.ctx = ctx
	a.mu.Unlock()

	specs := make([]plugin.Spec, 0, len(a.cfg.Plugins))
	for _, p := range a.cfg.Plugins {
		specs = append(specs, plugin.Spec{Service: p.Service, Type: p.Type, Config: p.Config})
	}
	if err := a.manager.Init(ctx, specs); err != nil {
		return fmt.Errorf("init plugins: %w", err)
	}

	a.logger.Info("context initialized", "startup_url", startup, "plugins", len(a.manager.Services()))
	a.pub.Publish(events.TypeLifecycle, map[string]any{"event": "context_initialized", "startup_url": startup})
	return nil
}

// OnBrowserCreated records that the host created its browser.
func (a *Application) OnBrowserCreated() {
	a.mu.Lock()
	a.browserCreated = true
	a.mu.Unlock()

	a.logger.Debug("browser created")
	a.pub.Publish(events.TypeLifecycle, map[string]any{"event": "browser_created"})
}

// OnContextCreated installs the bridge into sc and makes it the flush target.
// A context that is still attached is detached first.
func (a *Application) OnContextCreated(sc script.Context) error {
	if sc == nil {
		return errors.New("script context is nil")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sc != nil && a.sc != sc {
		if err := a.sc.Revoke(BridgeObject); err != nil && !errors.Is(err, script.ErrUnavailable) {
			a.logger.Warn("revoke bridge on replaced context", "error", err)
		}
	}
	gen := a.gen + 1
	exec := func(name string, args []any) bool { return a.execute(gen, name, args) }
	if err := sc.Expose(BridgeObject, BridgeFunction, exec); err != nil {
		return fmt.Errorf("install bridge: %w", err)
	}

	prev := a.state
	a.gen = gen
	a.sc = sc
	a.state = StateContextCreated
	a.logger.Info("context created", "previous", prev.String(), "pending", a.queue.Len())
	a.pub.Publish(events.TypeLifecycle, map[string]any{"event": "context_created", "previous": prev.String()})
	return nil
}

// OnContextReleased revokes the bridge and detaches the context. Statements
// keep accumulating until the next context is created.
func (a *Application) OnContextReleased() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateContextCreated {
		return
	}
	if err := a.sc.Revoke(BridgeObject); err != nil && !errors.Is(err, script.ErrUnavailable) {
		a.logger.Warn("revoke bridge", "error", err)
	}
	a.sc = nil
	a.state = StateContextReleased
	a.logger.Info("context released")
	a.pub.Publish(events.TypeLifecycle, map[string]any{"event": "context_released"})
}

// Execute is the bridge entry point for the current context. It reports
// whether the call was recognized; unrecognized calls are never errors.
func (a *Application) Execute(name string, args []any) bool {
	return a.execute(0, name, args)
}

// execute runs a call made through the function installed in context
// generation gen. Calls through a function kept from an earlier context are
// rejected. gen 0 means the current context.
func (a *Application) execute(gen uint64, name string, args []any) bool {
	a.mu.Lock()
	state, ctx, current := a.state, a.ctx, a.gen
	a.mu.Unlock()

	if state != StateContextCreated {
		return a.reject("context not created", name, len(args))
	}
	if gen != 0 && gen != current {
		return a.reject("stale context", name, len(args))
	}
	if name != BridgeFunction {
		return a.reject("unknown function", name, len(args))
	}
	if len(args) != 4 {
		return a.reject("wrong arity", name, len(args))
	}
	strs := make([]string, 4)
	for i, v := range args {
		s, ok := v.(string)
		if !ok {
			return a.reject(fmt.Sprintf("argument %d is %T, not string", i, v), name, len(args))
		}
		strs[i] = s
	}

	req := protocol.Request{Service: strs[0], Action: strs[1], CallbackID: strs[2], RawArgs: strs[3]}
	a.pub.Publish(events.TypeBridgeCall, req)
	a.manager.Exec(ctx, req.Service, req.Action, req.CallbackID, req.RawArgs)
	return true
}

func (a *Application) reject(reason, name string, arity int) bool {
	a.logger.Debug("bridge call rejected", "reason", reason, "name", name, "arity", arity)
	a.pub.Publish(events.TypeBridgeRejected, map[string]any{
		"kind":   string(protocol.KindUnrecognizedCall),
		"reason": reason,
		"name":   name,
		"arity":  arity,
	})
	return false
}

// SendJavascript queues a raw statement for the script context.
func (a *Application) SendJavascript(statement string) {
	a.queue.AddJavaScript(statement)
}

// SendPluginResult queues delivery of r to callbackID.
func (a *Application) SendPluginResult(r *protocol.Result, callbackID string) {
	a.queue.AddPluginResult(r, callbackID)
}

// Flush delivers pending statements into the current context. It must only
// be called from the goroutine that owns the context.
func (a *Application) Flush() (int, error) {
	a.mu.Lock()
	sc := a.sc
	a.mu.Unlock()
	return a.queue.Flush(sc)
}

// Ready is signalled whenever something is queued.
func (a *Application) Ready() <-chan struct{} { return a.queue.Ready() }

// Pending reports the queue depth.
func (a *Application) Pending() int { return a.queue.Len() }

// HandlePause fires the document pause event and notifies plugins.
func (a *Application) HandlePause() {
	a.queue.AddJavaScript(protocol.FireDocumentEvent("pause"))
	a.manager.Pause()
	a.pub.Publish(events.TypeLifecycle, map[string]any{"event": "pause"})
}

// HandleResume fires the document resume event and notifies plugins.
func (a *Application) HandleResume() {
	a.queue.AddJavaScript(protocol.FireDocumentEvent("resume"))
	a.manager.Resume()
	a.pub.Publish(events.TypeLifecycle, map[string]any{"event": "resume"})
}

// Shutdown destroys every plugin once.
func (a *Application) Shutdown() {
	a.shutdownOnce.Do(func() {
		a.manager.Destroy()
		a.logger.Info("application shut down")
		a.pub.Publish(events.TypeLifecycle, map[string]any{"event": "shutdown"})
	})
}

// RequestExit asks the host to exit. Only the first request is honoured.
func (a *Application) RequestExit() {
	a.exitOnce.Do(func() {
		a.logger.Info("exit requested")
		a.pub.Publish(events.TypeLifecycle, map[string]any{"event": "exit_requested"})
		if a.onExit != nil {
			a.onExit()
		}
	})
}

// StartupURL returns the resolved start page, or "" before initialization.
func (a *Application) StartupURL() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.startupURL
}

// State returns the current lifecycle state.
func (a *Application) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// BrowserCreated reports whether OnBrowserCreated has been called.
func (a *Application) BrowserCreated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.browserCreated
}

// Config returns the application configuration.
func (a *Application) Config() *config.Config { return a.cfg }

// Plugins exposes the plugin manager.
func (a *Application) Plugins() *plugin.Manager { return a.manager }

// BuildStartupURL returns the URL of the start document. Absolute http(s)
// and file URLs are used as-is; anything else is a file under wwwDir.
func BuildStartupURL(wwwDir, startDocument string) (string, error) {
	if startDocument == "" {
		return "", errors.New("start document is empty")
	}
	if u, err := url.Parse(startDocument); err == nil {
		switch strings.ToLower(u.Scheme) {
		case "http", "https", "file":
			return startDocument, nil
		}
	}

	absDir, err := filepath.Abs(wwwDir)
	if err != nil {
		return "", fmt.Errorf("resolve www dir: %w", err)
	}
	p := filepath.ToSlash(filepath.Join(absDir, startDocument))
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	u := url.URL{Scheme: "file", Path: p}
	return u.String(), nil
}
