// Package app exposes application control to script code.
package app

import (
	"context"
	"errors"

	"github.com/mattjoyce/hybridshell/internal/plugin"
	"github.com/mattjoyce/hybridshell/internal/protocol"
)

const Type = "app"

var errNoHost = errors.New("app plugin requires a host")

type App struct {
	plugin.ActionSet
	host plugin.Host
}

func New(plugin.Spec) (plugin.Plugin, error) {
	a := &App{}
	a.ActionSet = plugin.ActionSet{
		"exitApp":       a.exitApp,
		"getStartupURL": a.getStartupURL,
		"fireEvent":     a.fireEvent,
	}
	return a, nil
}

func (a *App) Initialize(_ context.Context, env plugin.Env) error {
	if env.Host == nil {
		return errNoHost
	}
	a.host = env.Host
	return nil
}

func (a *App) exitApp(_ context.Context, _ protocol.Args, cb *plugin.CallbackContext) error {
	cb.SendResult(protocol.NoResult())
	a.host.RequestExit()
	return nil
}

func (a *App) getStartupURL(_ context.Context, _ protocol.Args, cb *plugin.CallbackContext) error {
	cb.SendResult(protocol.OK(a.host.StartupURL()))
	return nil
}

// fireEvent(name) dispatches a document event in the page.
func (a *App) fireEvent(_ context.Context, args protocol.Args, cb *plugin.CallbackContext) error {
	name, err := args.String(0)
	if err != nil {
		return plugin.InvalidArgs(err)
	}
	if name == "" {
		return plugin.InvalidArgs(errors.New("event name is empty"))
	}
	a.host.SendJavascript(protocol.FireDocumentEvent(name))
	cb.SendResult(protocol.OK(true))
	return nil
}
