// Package headless runs an application script in an embedded goja runtime
// with a small cordova shim, without a browser.
package headless

import (
	"context"
	_ "embed"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/mattjoyce/hybridshell/internal/config"
	"github.com/mattjoyce/hybridshell/internal/host"
	"github.com/mattjoyce/hybridshell/internal/log"
	"github.com/mattjoyce/hybridshell/internal/protocol"
	"github.com/mattjoyce/hybridshell/internal/script"
)

//go:embed shim.js
var shim string

// Version is reported to script code as cordova.version.
const Version = "1.0.0"

const hostObject = "__hybridshellHost"

// Options configures a Host.
type Options struct {
	// Script is the application script evaluated after the bridge is up.
	Script string
	// FlushInterval bounds how long a queued statement can wait.
	FlushInterval time.Duration
	// WatchDir enables live reload of the runtime when files change.
	WatchDir string
}

// OptionsFromConfig derives host options from the shell configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{FlushInterval: cfg.Service.FlushInterval}
	if s := cfg.Headless.Script; s != "" {
		if filepath.IsAbs(s) {
			opts.Script = s
		} else {
			opts.Script = filepath.Join(cfg.WWWDir(), s)
		}
	}
	if cfg.Browser.LiveReload {
		opts.WatchDir = cfg.WWWDir()
	}
	return opts
}

type task struct {
	gen uint64 // 0 runs against any runtime
	fn  func()
}

// Host owns one goja runtime at a time. Everything touching the runtime runs
// on the goroutine inside Run.
type Host struct {
	app    host.Application
	opts   Options
	logger *slog.Logger

	tasks  chan task
	reload chan struct{}
	done   chan struct{}

	// loop goroutine only
	sc        *script.GojaContext
	gen       uint64
	timers    map[int64]*time.Timer
	nextTimer int64
}

func New(app host.Application, opts Options) *Host {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 50 * time.Millisecond
	}
	return &Host{
		app:    app,
		opts:   opts,
		logger: log.WithComponent("headless"),
		tasks:  make(chan task, 64),
		reload: make(chan struct{}, 1),
		done:   make(chan struct{}),
		timers: make(map[int64]*time.Timer),
	}
}

// Run drives the application until ctx is done.
func (h *Host) Run(ctx context.Context) error {
	defer close(h.done)

	if err := h.app.OnContextInitialized(ctx); err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}
	h.app.OnBrowserCreated()

	if err := h.load(); err != nil {
		h.unload()
		h.app.Shutdown()
		return err
	}
	h.logger.Info("headless host started", "startup_url", h.app.StartupURL(), "script", h.opts.Script)

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
			h.unload()
			h.app.Shutdown()
			h.logger.Info("headless host stopped")
			return nil

		case <-h.app.Ready():
			h.flush()

		case <-ticker.C:
			h.flush()

		case t := <-h.tasks:
			if t.gen == 0 || t.gen == h.gen {
				t.fn()
			}
			h.flush()

		case <-h.reload:
			h.logger.Info("reloading runtime")
			h.unload()
			if err := h.load(); err != nil {
				h.logger.Error("reload failed", "error", err)
			}
		}
	}
}

// Reload replaces the runtime with a fresh one running the same script.
func (h *Host) Reload() {
	select {
	case h.reload <- struct{}{}:
	default:
	}
}

// Eval evaluates src on the host loop and returns the exported result.
func (h *Host) Eval(ctx context.Context, src string) (any, error) {
	type reply struct {
		v   any
		err error
	}
	ch := make(chan reply, 1)
	t := task{fn: func() {
		if h.sc == nil {
			ch <- reply{err: script.ErrUnavailable}
			return
		}
		v, err := h.sc.EvalValue(src)
		ch <- reply{v, err}
	}}

	select {
	case h.tasks <- t:
	case <-h.done:
		return nil, script.ErrUnavailable
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-ch:
		return r.v, r.err
	case <-h.done:
		return nil, script.ErrUnavailable
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Host) load() error {
	sc := script.NewGojaContext()
	h.gen++
	if err := h.installGlobals(sc, h.gen); err != nil {
		return err
	}
	if err := sc.Eval(shim); err != nil {
		return fmt.Errorf("load cordova shim: %w", err)
	}
	if err := h.app.OnContextCreated(sc); err != nil {
		return fmt.Errorf("create context: %w", err)
	}
	h.sc = sc

	if h.opts.Script != "" {
		src, err := os.ReadFile(h.opts.Script)
		if err != nil {
			return fmt.Errorf("read app script: %w", err)
		}
		if err := sc.Eval(string(src)); err != nil {
			h.logger.Error("app script failed", "script", h.opts.Script, "error", err)
		}
	}
	h.app.SendJavascript(protocol.FireDocumentEvent("deviceready"))
	h.flush()
	return nil
}

func (h *Host) unload() {
	if h.sc == nil {
		return
	}
	h.app.OnContextReleased()
	h.sc.Close()
	h.sc = nil
	for id, t := range h.timers {
		t.Stop()
		delete(h.timers, id)
	}
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

func (h *Host) installGlobals(sc *script.GojaContext, gen uint64) error {
	vm := sc.Runtime()

	console := vm.NewObject()
	for name, level := range map[string]slog.Level{
		"log":   slog.LevelInfo,
		"info":  slog.LevelInfo,
		"debug": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		lvl := level
		if err := console.Set(name, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, a := range call.Arguments {
				parts[i] = a.String()
			}
			h.logger.Log(context.Background(), lvl, strings.Join(parts, " "), "source", "script")
			return goja.Undefined()
		}); err != nil {
			return err
		}
	}
	if err := vm.Set("console", console); err != nil {
		return err
	}

	if err := vm.Set("setTimeout", func(fn goja.Callable, ms int64) int64 {
		return h.setTimer(vm, gen, fn, ms)
	}); err != nil {
		return err
	}
	if err := vm.Set("clearTimeout", func(id int64) {
		if t, ok := h.timers[id]; ok {
			t.Stop()
			delete(h.timers, id)
		}
	}); err != nil {
		return err
	}

	hostObj := vm.NewObject()
	if err := hostObj.Set("version", Version); err != nil {
		return err
	}
	if err := hostObj.Set("toArrayBuffer", func(s string) (goja.Value, error) {
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, err
		}
		return vm.ToValue(vm.NewArrayBuffer(b)), nil
	}); err != nil {
		return err
	}
	if err := hostObj.Set("fromArrayBuffer", func(buf goja.ArrayBuffer) string {
		return base64.StdEncoding.EncodeToString(buf.Bytes())
	}); err != nil {
		return err
	}
	return vm.Set(hostObject, hostObj)
}

func (h *Host) setTimer(vm *goja.Runtime, gen uint64, fn goja.Callable, ms int64) int64 {
	h.nextTimer++
	id := h.nextTimer
	if ms < 0 {
		ms = 0
	}
	h.timers[id] = time.AfterFunc(time.Duration(ms)*time.Millisecond, func() {
		t := task{gen: gen, fn: func() {
			if _, ok := h.timers[id]; !ok {
				return
			}
			delete(h.timers, id)
			if _, err := fn(goja.Undefined()); err != nil {
				h.logger.Warn("timer callback failed", "error", err)
			}
		}}
		select {
		case h.tasks <- t:
		case <-h.done:
		}
	})
	return id
}
