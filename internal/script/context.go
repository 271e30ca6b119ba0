// Package script defines the contract between the bridge core and a live
// script environment, and ships an embedded goja implementation of it.
package script

import "errors"

//go:generate mockgen -destination=mock_context.go -package=script github.com/mattjoyce/hybridshell/internal/script Context

// ErrUnavailable is returned by Context implementations when the underlying
// environment is gone (page navigated away, engine torn down). Callers keep
// their work and retry against the next context.
var ErrUnavailable = errors.New("script context unavailable")

// Func is a native function exposed to script code. It receives the function
// name and the call arguments converted to Go values, and reports whether the
// call was handled.
type Func func(name string, args []any) bool

// Context is one live script environment.
//
// Implementations are not required to be safe for concurrent use: the host
// loop that owns the environment is the only caller.
type Context interface {
	// Eval evaluates script source in the global scope.
	Eval(src string) error
	// Expose installs a read-only global object named object with a single
	// function property fn that forwards to f.
	Expose(object, fn string, f Func) error
	// Revoke removes a global object previously installed by Expose.
	Revoke(object string) error
}
