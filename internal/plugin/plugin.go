// Package plugin defines native plugins and the manager that routes bridge
// calls to them.
package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/mattjoyce/hybridshell/internal/protocol"
)

var (
	// ErrNoSuchAction is returned by a plugin that does not implement the
	// requested action.
	ErrNoSuchAction = errors.New("no such action")

	// ErrInvalidArguments marks an action error caused by the call's
	// arguments rather than by the plugin.
	ErrInvalidArguments = errors.New("invalid arguments")

	// ErrAlreadyInitialized is returned by a second Manager.Init.
	ErrAlreadyInitialized = errors.New("plugin manager already initialized")
)

// Plugin is a native capability exposed to script code under a service name.
//
// Execute may deliver results synchronously through cb before returning, or
// keep cb and deliver later from any goroutine. A returned error is turned into
// an error result for the call.
type Plugin interface {
	Execute(ctx context.Context, action string, args protocol.Args, cb *CallbackContext) error
}

// Spec declares one configured plugin instance.
type Spec struct {
	Service string
	Type    string
	Config  map[string]any
}

// Factory builds a plugin instance from its declaration.
type Factory func(spec Spec) (Plugin, error)

// StateStore is the per-service JSON state a plugin may persist.
type StateStore interface {
	Get(ctx context.Context, plugin string) (json.RawMessage, error)
	ShallowMerge(ctx context.Context, plugin string, updates json.RawMessage) (json.RawMessage, error)
	DeleteKeys(ctx context.Context, plugin string, keys ...string) (json.RawMessage, error)
}

// Host is the part of the application a plugin may call back into.
type Host interface {
	SendJavascript(statement string)
	StartupURL() string
	RequestExit()
}

// Env is handed to Initializer hooks.
type Env struct {
	Service string
	Logger  *slog.Logger
	State   StateStore
	Host    Host
}

// Initializer is implemented by plugins that need startup work.
type Initializer interface {
	Initialize(ctx context.Context, env Env) error
}

// PauseHandler is notified when the application is paused.
type PauseHandler interface {
	OnPause()
}

// ResumeHandler is notified when the application is resumed.
type ResumeHandler interface {
	OnResume()
}

// Destroyer is notified once on shutdown.
type Destroyer interface {
	OnDestroy()
}

// ActionLister reports the actions a plugin understands.
type ActionLister interface {
	Actions() []string
}

// InvalidArgs wraps err as ErrInvalidArguments.
func InvalidArgs(err error) error {
	return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
}

// ActionFunc handles one action.
type ActionFunc func(ctx context.Context, args protocol.Args, cb *CallbackContext) error

// ActionSet implements Plugin over a map of action handlers.
type ActionSet map[string]ActionFunc

func (s ActionSet) Execute(ctx context.Context, action string, args protocol.Args, cb *CallbackContext) error {
	f, ok := s[action]
	if !ok {
		return ErrNoSuchAction
	}
	return f(ctx, args, cb)
}

func (s ActionSet) Actions() []string {
	out := make([]string, 0, len(s))
	for name := range s {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
