// Package chrome hosts the application in a Chromium page driven over the
// DevTools protocol.
package chrome

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/mattjoyce/hybridshell/internal/app"
	"github.com/mattjoyce/hybridshell/internal/config"
	"github.com/mattjoyce/hybridshell/internal/host"
	"github.com/mattjoyce/hybridshell/internal/log"
	"github.com/mattjoyce/hybridshell/internal/script"
)

// Options configures the browser.
type Options struct {
	Headless      bool
	ExecPath      string
	Width         int
	Height        int
	Flags         map[string]any
	FlushInterval time.Duration
	// WatchDir reloads the page when files under it change.
	WatchDir string
}

// OptionsFromConfig derives browser options from the shell configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		Headless:      cfg.Browser.Headless,
		ExecPath:      cfg.Browser.ExecPath,
		Width:         cfg.Browser.Width,
		Height:        cfg.Browser.Height,
		Flags:         cfg.Browser.Flags,
		FlushInterval: cfg.Service.FlushInterval,
	}
	if cfg.Browser.LiveReload {
		opts.WatchDir = cfg.WWWDir()
	}
	return opts
}

func (o Options) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", o.Headless),
		chromedp.Flag("allow-file-access-from-files", true),
	)
	if o.Width > 0 && o.Height > 0 {
		opts = append(opts, chromedp.WindowSize(o.Width, o.Height))
	}
	if o.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(o.ExecPath))
	}
	for name, value := range o.Flags {
		opts = append(opts, chromedp.Flag(name, value))
	}
	return opts
}

// Host runs one browser tab. The tab's main-world execution context is the
// script context handed to the application.
type Host struct {
	app    host.Application
	opts   Options
	logger *slog.Logger

	events *eventBuffer
	reload chan struct{}

	// loop goroutine only
	browserCtx context.Context
	topFrame   string
	current    *pageContext
	installed  map[string]bool
}

func New(app host.Application, opts Options) *Host {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 50 * time.Millisecond
	}
	return &Host{
		app:       app,
		opts:      opts,
		logger:    log.WithComponent("chrome"),
		events:    newEventBuffer(),
		reload:    make(chan struct{}, 1),
		installed: make(map[string]bool),
	}
}

// Reload reloads the page. The old context is released and a new one created.
func (h *Host) Reload() {
	select {
	case h.reload <- struct{}{}:
	default:
	}
}

// Run starts the browser, loads the startup URL and drives the bridge until
// ctx is done or the browser goes away.
func (h *Host) Run(ctx context.Context) error {
	if err := h.app.OnContextInitialized(ctx); err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}
	defer h.app.Shutdown()

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, h.opts.allocatorOptions()...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) { h.logger.Debug(fmt.Sprintf(format, args...)) }),
		chromedp.WithErrorf(func(format string, args ...any) { h.logger.Warn(fmt.Sprintf(format, args...)) }),
	)
	defer cancelBrowser()
	h.browserCtx = browserCtx

	chromedp.ListenTarget(browserCtx, func(ev any) {
		switch ev.(type) {
		case *runtime.EventExecutionContextCreated,
			*runtime.EventExecutionContextDestroyed,
			*runtime.EventExecutionContextsCleared,
			*runtime.EventBindingCalled,
			*inspector.EventDetached:
			h.events.push(ev)
		}
	})

	// The first Run allocates the browser and the tab. The bridge is
	// registered for new documents before navigating so the start document's
	// scripts already see it.
	if err := chromedp.Run(browserCtx,
		runtime.Enable(),
		runtime.AddBinding(BindingName),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(installerScript(app.BridgeObject, app.BridgeFunction)).Do(ctx)
			return err
		}),
	); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	h.installed[app.BridgeObject+"."+app.BridgeFunction] = true
	if c := chromedp.FromContext(browserCtx); c != nil && c.Target != nil {
		h.topFrame = string(c.Target.TargetID)
	}
	h.app.OnBrowserCreated()

	startURL := h.app.StartupURL()
	h.logger.Info("browser started", "startup_url", startURL, "headless", h.opts.Headless)
	if err := chromedp.Run(browserCtx, chromedp.Navigate(startURL)); err != nil {
		return fmt.Errorf("navigate to %s: %w", startURL, err)
	}

	if h.opts.WatchDir != "" {
		go func() {
			if err := host.WatchDir(ctx, h.opts.WatchDir, host.DefaultDebounce, h.logger, h.Reload); err != nil {
				h.logger.Warn("live reload disabled", "error", err)
			}
		}()
	}

	ticker := time.NewTicker(h.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.release()
			return nil

		case <-browserCtx.Done():
			h.release()
			h.logger.Info("browser closed")
			return nil

		case <-h.events.notify:
			for _, ev := range liveEvents(h.events.drain()) {
				if done := h.handle(ev); done {
					h.release()
					h.logger.Info("browser detached")
					return nil
				}
			}
			h.flush()

		case <-h.app.Ready():
			h.flush()

		case <-ticker.C:
			h.flush()

		case <-h.reload:
			h.logger.Info("reloading page")
			if err := chromedp.Run(browserCtx, chromedp.Reload()); err != nil {
				h.logger.Warn("reload failed", "error", err)
			}
		}
	}
}

// liveEvents drops context creations that a later event in the same batch
// already destroyed or cleared, such as the about:blank context of a new tab.
func liveEvents(evs []any) []any {
	out := make([]any, 0, len(evs))
	for i, ev := range evs {
		created, ok := ev.(*runtime.EventExecutionContextCreated)
		if ok && created.Context != nil && contextGoneLater(evs[i+1:], created.Context.ID) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func contextGoneLater(evs []any, id runtime.ExecutionContextID) bool {
	for _, ev := range evs {
		switch e := ev.(type) {
		case *runtime.EventExecutionContextDestroyed:
			if e.ExecutionContextID == id {
				return true
			}
		case *runtime.EventExecutionContextsCleared:
			return true
		}
	}
	return false
}

// handle processes one CDP event. It reports true when the browser is gone.
func (h *Host) handle(ev any) bool {
	switch e := ev.(type) {
	case *runtime.EventExecutionContextCreated:
		if e.Context == nil || !isMainContext([]byte(e.Context.AuxData), h.topFrame) {
			return false
		}
		h.release()
		pc := newPageContext(h, e.Context.ID)
		if err := h.app.OnContextCreated(pc); err != nil {
			h.logger.Error("install bridge", "error", err, "context_id", int64(e.Context.ID))
			return false
		}
		h.current = pc
		h.logger.Debug("context created", "context_id", int64(e.Context.ID), "origin", e.Context.Origin)

	case *runtime.EventExecutionContextDestroyed:
		if h.current != nil && h.current.id == e.ExecutionContextID {
			h.release()
		}

	case *runtime.EventExecutionContextsCleared:
		h.release()

	case *runtime.EventBindingCalled:
		if e.Name != BindingName {
			return false
		}
		h.dispatch(e.ExecutionContextID, e.Payload)

	case *inspector.EventDetached:
		return true
	}
	return false
}

func (h *Host) dispatch(id runtime.ExecutionContextID, payload string) {
	pc := h.current
	if pc == nil || pc.id != id {
		h.logger.Debug("binding call from stale context", "context_id", int64(id))
		return
	}
	call, err := decodeBindingPayload(payload)
	if err != nil {
		h.logger.Warn("bad binding payload", "error", err)
		return
	}
	f, ok := pc.handlers[call.Object]
	if !ok {
		h.logger.Debug("binding call for unknown object", "object", call.Object)
		return
	}
	if !f(call.Name, call.Args) {
		h.logger.Debug("binding call rejected", "object", call.Object, "name", call.Name)
	}
}

func (h *Host) release() {
	if h.current == nil {
		return
	}
	h.current.gone = true
	h.app.OnContextReleased()
	h.current = nil
}

func (h *Host) flush() {
	n, err := h.app.Flush()
	switch {
	case errors.Is(err, script.ErrUnavailable):
		h.logger.Debug("flush deferred", "error", err)
	case err != nil:
		h.logger.Warn("flush reported script error", "statements", n, "error", err)
	}
}

// registerOnNewDocument makes future documents install object before any
// page script runs.
func (h *Host) registerOnNewDocument(object, fn string) {
	key := object + "." + fn
	if h.installed[key] {
		return
	}
	err := chromedp.Run(h.browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(installerScript(object, fn)).Do(ctx)
		return err
	}))
	if err != nil {
		h.logger.Warn("register bridge for new documents", "error", err)
		return
	}
	h.installed[key] = true
}

// pageContext is a script.Context bound to one execution context id.
type pageContext struct {
	host     *Host
	id       runtime.ExecutionContextID
	handlers map[string]script.Func
	gone     bool
}

func newPageContext(h *Host, id runtime.ExecutionContextID) *pageContext {
	return &pageContext{host: h, id: id, handlers: make(map[string]script.Func)}
}

func (c *pageContext) Eval(src string) error {
	if c.gone {
		return script.ErrUnavailable
	}
	err := chromedp.Run(c.host.browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, exc, err := runtime.Evaluate(src).WithContextID(c.id).Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return fmt.Errorf("script exception: %s", exceptionText(exc))
		}
		return nil
	}))
	if err != nil && isContextGone(err) {
		c.gone = true
		return fmt.Errorf("%w: %v", script.ErrUnavailable, err)
	}
	return err
}

func (c *pageContext) Expose(object, fn string, f script.Func) error {
	if c.gone {
		return script.ErrUnavailable
	}
	c.handlers[object] = f
	c.host.registerOnNewDocument(object, fn)
	return c.Eval(installerScript(object, fn))
}

func (c *pageContext) Revoke(object string) error {
	delete(c.handlers, object)
	if c.gone {
		return script.ErrUnavailable
	}
	return c.Eval(revokeScript(object))
}

func exceptionText(exc *runtime.ExceptionDetails) string {
	if exc.Exception != nil && exc.Exception.Description != "" {
		return exc.Exception.Description
	}
	return exc.Text
}

func isContextGone(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "Cannot find context") ||
		strings.Contains(msg, "Execution context was destroyed") ||
		strings.Contains(msg, "Inspected target navigated or closed")
}
