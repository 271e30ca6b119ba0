package script

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dop251/goja"
)

// GojaContext is a Context backed by an in-process goja runtime.
type GojaContext struct {
	vm     *goja.Runtime
	closed atomic.Bool
}

// NewGojaContext creates a fresh runtime with no globals beyond the ECMAScript
// built-ins.
func NewGojaContext() *GojaContext {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	return &GojaContext{vm: vm}
}

// Runtime exposes the underlying runtime for hosts that install extra globals.
func (c *GojaContext) Runtime() *goja.Runtime { return c.vm }

// Close marks the context unavailable. Later calls fail with ErrUnavailable.
func (c *GojaContext) Close() {
	c.closed.Store(true)
	c.vm.Interrupt("context closed")
}

// Eval implements Context.
func (c *GojaContext) Eval(src string) error {
	if c.closed.Load() {
		return ErrUnavailable
	}
	if _, err := c.vm.RunString(src); err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return ErrUnavailable
		}
		return fmt.Errorf("eval: %w", err)
	}
	return nil
}

// EvalValue evaluates src and exports the result to a Go value.
func (c *GojaContext) EvalValue(src string) (any, error) {
	if c.closed.Load() {
		return nil, ErrUnavailable
	}
	v, err := c.vm.RunString(src)
	if err != nil {
		return nil, fmt.Errorf("eval: %w", err)
	}
	return v.Export(), nil
}

// Expose implements Context.
func (c *GojaContext) Expose(object, fn string, f Func) error {
	if c.closed.Load() {
		return ErrUnavailable
	}
	obj := c.vm.NewObject()
	native := func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, a := range call.Arguments {
			args[i] = a.Export()
		}
		return c.vm.ToValue(f(fn, args))
	}
	if err := obj.DefineDataProperty(fn, c.vm.ToValue(native), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
		return fmt.Errorf("define %s.%s: %w", object, fn, err)
	}
	// Configurable so that Revoke can delete it again.
	if err := c.vm.GlobalObject().DefineDataProperty(object, obj, goja.FLAG_FALSE, goja.FLAG_TRUE, goja.FLAG_TRUE); err != nil {
		return fmt.Errorf("define %s: %w", object, err)
	}
	return nil
}

// Revoke implements Context.
func (c *GojaContext) Revoke(object string) error {
	if c.closed.Load() {
		return ErrUnavailable
	}
	if err := c.vm.GlobalObject().Delete(object); err != nil {
		return fmt.Errorf("delete %s: %w", object, err)
	}
	return nil
}
