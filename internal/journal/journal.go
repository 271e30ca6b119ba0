// Package journal persists delivered plugin results to the bridge_log table.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/tidwall/gjson"

	"github.com/mattjoyce/hybridshell/internal/events"
	"github.com/mattjoyce/hybridshell/internal/log"
)

// maxOpenCalls bounds how many unresolved calls are remembered for
// correlating later results. The least recently active call is forgotten
// first.
const maxOpenCalls = 4096

// Entry is one journaled result.
type Entry struct {
	ID           string    `json:"id"`
	CallbackID   string    `json:"callback_id"`
	Service      string    `json:"service"`
	Action       string    `json:"action"`
	Status       string    `json:"status"`
	Kind         string    `json:"kind,omitempty"`
	KeepCallback bool      `json:"keep_callback"`
	CreatedAt    time.Time `json:"created_at"`
}

type call struct {
	service string
	action  string
}

type Journal struct {
	db     *sql.DB
	logger *slog.Logger

	// consumer goroutine only
	open *simplelru.LRU
}

func New(db *sql.DB) *Journal {
	return newJournal(db, maxOpenCalls)
}

func newJournal(db *sql.DB, openLimit int) *Journal {
	open, err := simplelru.NewLRU(openLimit, nil)
	if err != nil {
		panic(fmt.Sprintf("journal: %v", err))
	}
	return &Journal{
		db:     db,
		logger: log.WithComponent("journal"),
		open:   open,
	}
}

// Record inserts e, assigning an ID and timestamp when missing.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var kind any
	if e.Kind != "" {
		kind = e.Kind
	}
	_, err := j.db.ExecContext(ctx, `
INSERT INTO bridge_log(id, callback_id, service, action, status, kind, keep_callback, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);
`, e.ID, e.CallbackID, e.Service, e.Action, e.Status, kind, e.KeepCallback, e.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert bridge_log: %w", err)
	}
	return nil
}

// List returns the most recent entries, newest first.
func (j *Journal) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT id, callback_id, service, action, status, kind, keep_callback, created_at
FROM bridge_log
ORDER BY created_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query bridge_log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e        Entry
			kind     sql.NullString
			createdS string
		)
		if err := rows.Scan(&e.ID, &e.CallbackID, &e.Service, &e.Action, &e.Status, &kind, &e.KeepCallback, &createdS); err != nil {
			return nil, fmt.Errorf("scan bridge_log: %w", err)
		}
		e.Kind = kind.String
		if t, err := time.Parse(time.RFC3339Nano, createdS); err == nil {
			e.CreatedAt = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Run subscribes to hub and consumes its events until ctx is done.
func (j *Journal) Run(ctx context.Context, hub *events.Hub) error {
	ch, cancel := hub.Subscribe()
	defer cancel()
	return j.Consume(ctx, ch)
}

// Consume journals every queued result from ch with the service and action
// of the call that produced it.
func (j *Journal) Consume(ctx context.Context, ch <-chan events.Event) error {
	j.logger.Info("journal started")
	defer j.logger.Info("journal stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := j.handle(ctx, ev); err != nil {
				j.logger.Error("journal event", "event_id", ev.ID, "error", err)
			}
		}
	}
}

func (j *Journal) handle(ctx context.Context, ev events.Event) error {
	data := gjson.ParseBytes(ev.Data)
	switch ev.Type {
	case events.TypeBridgeCall:
		id := data.Get("callback_id").String()
		if j.open.Add(id, call{service: data.Get("service").String(), action: data.Get("action").String()}) {
			j.logger.Debug("open call limit reached, oldest unresolved call forgotten", "callback_id", id)
		}
		return nil

	case events.TypeResultQueued:
		id := data.Get("callback_id").String()
		keep := data.Get("keep_callback").Bool()
		var c call
		if v, ok := j.open.Get(id); ok {
			c = v.(call)
		}
		if !keep {
			j.open.Remove(id)
		}
		return j.Record(ctx, Entry{
			CallbackID:   id,
			Service:      c.service,
			Action:       c.action,
			Status:       data.Get("status").String(),
			Kind:         data.Get("kind").String(),
			KeepCallback: keep,
			CreatedAt:    ev.At,
		})
	}
	return nil
}
