// Package console routes script console output into the shell's log.
package console

import (
	"context"
	"log/slog"
	"strings"

	"github.com/mattjoyce/hybridshell/internal/log"
	"github.com/mattjoyce/hybridshell/internal/plugin"
	"github.com/mattjoyce/hybridshell/internal/protocol"
)

const Type = "console"

type Console struct {
	plugin.ActionSet
	logger *slog.Logger
}

func New(spec plugin.Spec) (plugin.Plugin, error) {
	c := &Console{logger: log.WithPlugin(spec.Service)}
	c.ActionSet = plugin.ActionSet{"log": c.log}
	return c, nil
}

func (c *Console) Initialize(_ context.Context, env plugin.Env) error {
	if env.Logger != nil {
		c.logger = env.Logger
	}
	return nil
}

// log handles log(level, message). Unknown levels log at INFO.
func (c *Console) log(ctx context.Context, args protocol.Args, cb *plugin.CallbackContext) error {
	level := args.OptString(0, "log")
	msg, err := args.String(1)
	if err != nil {
		return plugin.InvalidArgs(err)
	}
	c.logger.Log(ctx, parseLevel(level), msg, "source", "script", "callback_id", cb.CallbackID())
	cb.SendResult(protocol.NoResult())
	return nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
