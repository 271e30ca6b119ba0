// Package echo is a diagnostic plugin that hands its arguments back to script
// code in every delivery style the bridge supports.
package echo

import (
	"context"
	"errors"
	"time"

	"github.com/mattjoyce/hybridshell/internal/plugin"
	"github.com/mattjoyce/hybridshell/internal/protocol"
)

const Type = "echo"

// maxMultiple caps echoMultiple so a script cannot flood the queue.
const maxMultiple = 1000

type Echo struct {
	plugin.ActionSet
	asyncDelay time.Duration
}

// New builds an echo plugin. config.async_delay_ms delays echoAsync.
func New(spec plugin.Spec) (plugin.Plugin, error) {
	e := &Echo{}
	if v, ok := spec.Config["async_delay_ms"]; ok {
		ms, ok := v.(int)
		if !ok || ms < 0 {
			return nil, errors.New("async_delay_ms must be a non-negative integer")
		}
		e.asyncDelay = time.Duration(ms) * time.Millisecond
	}
	e.ActionSet = plugin.ActionSet{
		"echo":            e.echo,
		"echoAsync":       e.echoAsync,
		"echoArrayBuffer": e.echoArrayBuffer,
		"echoMultiple":    e.echoMultiple,
		"fail":            e.fail,
		"panic":           e.panic,
	}
	return e, nil
}

func (e *Echo) echo(_ context.Context, args protocol.Args, cb *plugin.CallbackContext) error {
	v, err := args.JSON(0)
	if err != nil {
		return plugin.InvalidArgs(err)
	}
	cb.SendResult(protocol.OK(v))
	return nil
}

func (e *Echo) echoAsync(_ context.Context, args protocol.Args, cb *plugin.CallbackContext) error {
	v, err := args.JSON(0)
	if err != nil {
		return plugin.InvalidArgs(err)
	}
	go func() {
		if e.asyncDelay > 0 {
			time.Sleep(e.asyncDelay)
		}
		cb.SendResult(protocol.OK(v))
	}()
	return nil
}

func (e *Echo) echoArrayBuffer(_ context.Context, args protocol.Args, cb *plugin.CallbackContext) error {
	b, err := args.Bytes(0)
	if err != nil {
		return plugin.InvalidArgs(err)
	}
	cb.SendResult(protocol.OK(b))
	return nil
}

// echoMultiple delivers args[0] args[1] times; all but the last keep the
// callback alive.
func (e *Echo) echoMultiple(_ context.Context, args protocol.Args, cb *plugin.CallbackContext) error {
	v, err := args.JSON(0)
	if err != nil {
		return plugin.InvalidArgs(err)
	}
	n, err := args.Int(1)
	if err != nil {
		return plugin.InvalidArgs(err)
	}
	if n < 1 || n > maxMultiple {
		return plugin.InvalidArgs(errors.New("count out of range"))
	}
	for i := int64(1); i < n; i++ {
		cb.SendResult(protocol.OK(v).KeepCallback())
	}
	cb.SendResult(protocol.OK(v))
	return nil
}

func (e *Echo) fail(_ context.Context, args protocol.Args, _ *plugin.CallbackContext) error {
	return errors.New(args.OptString(0, "echo failure"))
}

func (e *Echo) panic(_ context.Context, args protocol.Args, _ *plugin.CallbackContext) error {
	panic(args.OptString(0, "echo panic"))
}
