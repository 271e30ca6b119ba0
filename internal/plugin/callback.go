package plugin

import (
	"log/slog"
	"sync"

	"github.com/mattjoyce/hybridshell/internal/protocol"
)

// Sender receives results tagged with the callback they belong to.
type Sender interface {
	SendPluginResult(r *protocol.Result, callbackID string)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(r *protocol.Result, callbackID string)

func (f SenderFunc) SendPluginResult(r *protocol.Result, callbackID string) { f(r, callbackID) }

// CallbackContext is the handle a plugin uses to deliver results for one call.
// It is safe for concurrent use. Once a result without keepCallback has been
// sent, further results are dropped.
type CallbackContext struct {
	id     string
	sender Sender
	logger *slog.Logger

	mu       sync.Mutex
	finished bool
}

func newCallbackContext(id string, sender Sender, logger *slog.Logger) *CallbackContext {
	return &CallbackContext{id: id, sender: sender, logger: logger}
}

// CallbackID returns the script-side callback token.
func (c *CallbackContext) CallbackID() string { return c.id }

// SendResult delivers r. It reports false if the callback was already finished.
func (c *CallbackContext) SendResult(r *protocol.Result) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.finished {
		c.logger.Warn("result dropped, callback already finished", "status", r.Status().String())
		return false
	}
	if !r.KeepsCallback() {
		c.finished = true
	}
	// Held across the send so results for one callback keep emission order.
	c.sender.SendPluginResult(r, c.id)
	return true
}

// Success delivers a final OK result carrying v.
func (c *CallbackContext) Success(v any) bool {
	return c.SendResult(protocol.OK(v))
}

// Error delivers a final plugin execution error.
func (c *CallbackContext) Error(msg string) bool {
	return c.SendResult(protocol.Failure(protocol.KindPluginExecution, msg))
}

// Finished reports whether a final result has been delivered.
func (c *CallbackContext) Finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}
