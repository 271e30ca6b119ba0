// Package plugintest runs a single plugin behind a real Manager for tests.
package plugintest

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/hybridshell/internal/plugin"
	"github.com/mattjoyce/hybridshell/internal/protocol"
	"github.com/mattjoyce/hybridshell/internal/state"
	"github.com/mattjoyce/hybridshell/internal/storage"
)

// Delivery is one result handed to the sender.
type Delivery struct {
	CallbackID string
	Result     *protocol.Result
}

// Recorder is a plugin.Sender that keeps every delivery.
type Recorder struct {
	mu  sync.Mutex
	got []Delivery
}

func (r *Recorder) SendPluginResult(res *protocol.Result, callbackID string) {
	r.mu.Lock()
	r.got = append(r.got, Delivery{CallbackID: callbackID, Result: res})
	r.mu.Unlock()
}

// Deliveries returns a snapshot.
func (r *Recorder) Deliveries() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Delivery(nil), r.got...)
}

// Wait blocks until at least n deliveries arrived.
func (r *Recorder) Wait(t *testing.T, n int) []Delivery {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.Deliveries()) >= n }, 2*time.Second, 5*time.Millisecond)
	return r.Deliveries()
}

// Host is a plugin.Host that records what plugins asked for.
type Host struct {
	URL string

	mu      sync.Mutex
	scripts []string
	exits   int
}

func (h *Host) SendJavascript(statement string) {
	h.mu.Lock()
	h.scripts = append(h.scripts, statement)
	h.mu.Unlock()
}

func (h *Host) StartupURL() string { return h.URL }

func (h *Host) RequestExit() {
	h.mu.Lock()
	h.exits++
	h.mu.Unlock()
}

func (h *Host) Scripts() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.scripts...)
}

func (h *Host) Exits() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exits
}

// NewStateStore returns a state store on a fresh database in t.TempDir().
func NewStateStore(t *testing.T) *state.Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return state.NewStore(db)
}

// Harness is one plugin loaded under a service name.
type Harness struct {
	Service  string
	Manager  *plugin.Manager
	Recorder *Recorder
	nextID   int
}

// New loads spec through factory. The plugin must load successfully.
func New(t *testing.T, factory plugin.Factory, spec plugin.Spec, deps plugin.Deps) *Harness {
	t.Helper()
	cat := plugin.NewCatalog()
	require.NoError(t, cat.Register(spec.Type, factory))
	rec := &Recorder{}
	m := plugin.NewManager(cat, rec, deps)
	require.NoError(t, m.Init(context.Background(), []plugin.Spec{spec}))
	require.Equal(t, []string{spec.Service}, m.Services(), "plugin was skipped during init")
	return &Harness{Service: spec.Service, Manager: m, Recorder: rec}
}

// Exec calls action with rawArgs under a fresh callback id and returns it.
func (h *Harness) Exec(action, rawArgs string) string {
	h.nextID++
	id := fmt.Sprintf("cb%d", h.nextID)
	h.Manager.Exec(context.Background(), h.Service, action, id, rawArgs)
	return id
}

// Results returns the results delivered to callbackID in order.
func (h *Harness) Results(callbackID string) []*protocol.Result {
	var out []*protocol.Result
	for _, d := range h.Recorder.Deliveries() {
		if d.CallbackID == callbackID {
			out = append(out, d.Result)
		}
	}
	return out
}

// Last waits for a result for callbackID and returns the newest one.
func (h *Harness) Last(t *testing.T, callbackID string) *protocol.Result {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.Results(callbackID)) > 0 }, 2*time.Second, 5*time.Millisecond)
	res := h.Results(callbackID)
	return res[len(res)-1]
}
