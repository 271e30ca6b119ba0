package api

import (
	"encoding/json"

	"github.com/mattjoyce/hybridshell/internal/plugin"
	"github.com/mattjoyce/hybridshell/internal/protocol"
)

// ExecRequest is the JSON body for POST /exec/{service}/{action}.
type ExecRequest struct {
	Args json.RawMessage `json:"args,omitempty"`
}

// ResultView is the JSON form of one plugin result.
type ResultView struct {
	Status       string          `json:"status"`
	StatusCode   int             `json:"status_code"`
	OK           bool            `json:"ok"`
	Kind         string          `json:"kind,omitempty"`
	KeepCallback bool            `json:"keep_callback"`
	PayloadKind  string          `json:"payload_kind"`
	Message      json.RawMessage `json:"message,omitempty"`
}

func newResultView(r *protocol.Result) ResultView {
	v := ResultView{
		Status:       r.Status().String(),
		StatusCode:   int(r.Status()),
		OK:           r.Status().Success(),
		Kind:         string(r.Kind()),
		KeepCallback: r.KeepsCallback(),
		PayloadKind:  r.PayloadKind().String(),
	}
	if m := r.Message(); m != "" {
		v.Message = json.RawMessage(m)
	}
	return v
}

// ExecResponse is returned by POST /exec/{service}/{action}.
type ExecResponse struct {
	CallbackID string       `json:"callback_id"`
	Service    string       `json:"service"`
	Action     string       `json:"action"`
	Complete   bool         `json:"complete"`
	Results    []ResultView `json:"results"`
}

// PluginListResponse is returned by GET /plugins.
type PluginListResponse struct {
	Plugins []plugin.Info `json:"plugins"`
}

// LifecycleResponse is returned by POST /lifecycle/{event}.
type LifecycleResponse struct {
	Event   string `json:"event"`
	Pending int    `json:"pending"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueueDepth    int    `json:"queue_depth"`
	PluginsLoaded int    `json:"plugins_loaded"`
}
