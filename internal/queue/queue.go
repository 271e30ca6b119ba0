// Package queue holds the JavaScript statements waiting to be evaluated in
// the page's script context.
package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/mattjoyce/hybridshell/internal/events"
	"github.com/mattjoyce/hybridshell/internal/log"
	"github.com/mattjoyce/hybridshell/internal/protocol"
	"github.com/mattjoyce/hybridshell/internal/script"
)

// MessageQueue is a FIFO of pending statements. Producers may append from any
// goroutine; Flush is called by the host loop that owns the script context.
type MessageQueue struct {
	// flushMu keeps concurrent flushers from reordering batches.
	flushMu sync.Mutex

	mu      sync.Mutex
	pending []string

	ready  chan struct{}
	pub    events.Publisher
	logger *slog.Logger
}

func New(pub events.Publisher) *MessageQueue {
	if pub == nil {
		pub = events.Discard
	}
	return &MessageQueue{
		ready:  make(chan struct{}, 1),
		pub:    pub,
		logger: log.WithComponent("queue"),
	}
}

// AddJavaScript appends a raw statement.
func (q *MessageQueue) AddJavaScript(statement string) {
	if statement == "" {
		return
	}
	q.push(statement)
	q.pub.Publish(events.TypeScriptQueued, map[string]any{"bytes": len(statement)})
}

// AddPluginResult renders r as a callbackFromNative statement for callbackID
// and appends it. Keep-alive results render nothing and are not queued.
func (q *MessageQueue) AddPluginResult(r *protocol.Result, callbackID string) {
	stmt := protocol.RenderCallback(r, callbackID)
	if stmt == "" {
		q.logger.Debug("keep-alive result not queued", "callback_id", callbackID)
		return
	}
	q.push(stmt)
	q.pub.Publish(events.TypeResultQueued, map[string]any{
		"callback_id":   callbackID,
		"status":        r.Status().String(),
		"keep_callback": r.KeepsCallback(),
		"kind":          string(r.Kind()),
	})
}

func (q *MessageQueue) push(stmt string) {
	q.mu.Lock()
	q.pending = append(q.pending, stmt)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Flush evaluates every pending statement in sc and returns how many were
// delivered. Statements run in one batch, each inside its own try block, so an
// exception in one statement is logged and the rest still run. If the batch
// does not parse, statements are evaluated one at a time. If sc is nil or
// unavailable the undelivered statements go back to the head of the queue and
// script.ErrUnavailable is returned.
func (q *MessageQueue) Flush(sc script.Context) (int, error) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}

	if sc == nil {
		q.restore(batch)
		return 0, script.ErrUnavailable
	}

	err := sc.Eval(wrapBatch(batch))
	switch {
	case errors.Is(err, script.ErrUnavailable):
		q.restore(batch)
		return 0, err
	case err == nil:
	default:
		if failures, ok := statementErrors(err); ok {
			failures.ForEach(func(_, f gjson.Result) bool {
				q.logger.Error("script exception during flush", "statement", f.Get("0").Int(), "error", f.Get("1").String())
				return true
			})
			break
		}
		q.logger.Warn("flush batch rejected, evaluating statements one by one", "statements", len(batch), "error", err)
		n, serr := q.flushEach(sc, batch)
		if serr != nil {
			return n, serr
		}
	}

	q.pub.Publish(events.TypeQueueFlushed, map[string]any{"statements": len(batch), "error": errString(err)})
	return len(batch), nil
}

// flushEach evaluates statements separately. Only the statements that were
// not reached are restored when the context goes away.
func (q *MessageQueue) flushEach(sc script.Context, batch []string) (int, error) {
	for i, stmt := range batch {
		err := sc.Eval(stmt)
		if errors.Is(err, script.ErrUnavailable) {
			q.restore(batch[i:])
			return i, err
		}
		if err != nil {
			q.logger.Error("script exception during flush", "statement", i, "error", err)
		}
	}
	return len(batch), nil
}

const flushErrorsVar = "__hybridshellFlushErrors"

// flushErrorsMarker brackets the JSON list of [index, message] pairs thrown at
// the end of a batch in which some statements failed.
const flushErrorsMarker = "@@hybridshell-flush-errors@@"

func wrapBatch(batch []string) string {
	var b strings.Builder
	b.WriteString("var " + flushErrorsVar + " = [];\n")
	for i, stmt := range batch {
		fmt.Fprintf(&b, "try {\n%s\n} catch (e) { %s.push([%d, String(e)]); }\n", stmt, flushErrorsVar, i)
	}
	fmt.Fprintf(&b, "if (%[1]s.length) { throw new Error(%[2]q + JSON.stringify(%[1]s) + %[2]q); }", flushErrorsVar, flushErrorsMarker)
	return b.String()
}

func statementErrors(err error) (gjson.Result, bool) {
	msg := err.Error()
	i := strings.Index(msg, flushErrorsMarker)
	if i < 0 {
		return gjson.Result{}, false
	}
	rest := msg[i+len(flushErrorsMarker):]
	j := strings.Index(rest, flushErrorsMarker)
	if j < 0 || !gjson.Valid(rest[:j]) {
		return gjson.Result{}, false
	}
	return gjson.Parse(rest[:j]), true
}

func (q *MessageQueue) restore(batch []string) {
	q.mu.Lock()
	q.pending = append(batch, q.pending...)
	depth := len(q.pending)
	q.mu.Unlock()

	q.logger.Debug("script context unavailable, batch deferred", "statements", len(batch), "depth", depth)
	q.pub.Publish(events.TypeQueueDeferred, map[string]any{"statements": len(batch), "depth": depth})
}

// Len reports the number of pending statements.
func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Ready is signalled after every append. It is buffered by one, so a slow
// reader sees at most one pending wake-up.
func (q *MessageQueue) Ready() <-chan struct{} {
	return q.ready
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
