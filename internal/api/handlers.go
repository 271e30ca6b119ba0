package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/hybridshell/internal/protocol"
)

const maxExecBody = 1 << 20

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:    s.lifecycle.Pending(),
		PluginsLoaded: len(s.invoker.Plugins()),
	})
}

// handleListPlugins handles GET /plugins.
func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, PluginListResponse{Plugins: s.invoker.Plugins()})
}

// handleExec handles POST /exec/{service}/{action}. It waits for the final
// result, or returns what arrived so far once ExecTimeout elapses.
func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	action := chi.URLParam(r, "action")

	var req ExecRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxExecBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	rawArgs := "[]"
	if len(req.Args) > 0 {
		rawArgs = string(req.Args)
	}

	callbackID, results := s.invoker.Invoke(r.Context(), service, action, rawArgs)
	resp := ExecResponse{
		CallbackID: callbackID,
		Service:    service,
		Action:     action,
		Results:    []ResultView{},
	}

	timer := time.NewTimer(s.config.ExecTimeout)
	defer timer.Stop()

	var first *protocol.Result
collect:
	for {
		select {
		case res, ok := <-results:
			if !ok {
				resp.Complete = true
				break collect
			}
			if first == nil {
				first = res
			}
			resp.Results = append(resp.Results, newResultView(res))
		case <-timer.C:
			break collect
		case <-r.Context().Done():
			return
		}
	}

	respondJSON(w, execStatus(first), resp)
}

func execStatus(first *protocol.Result) int {
	if first == nil {
		return http.StatusAccepted
	}
	switch first.Kind() {
	case protocol.KindUnknownService, protocol.KindNoSuchAction:
		return http.StatusNotFound
	case protocol.KindInvalidArguments:
		return http.StatusBadRequest
	default:
		return http.StatusOK
	}
}

// handleLifecycle handles POST /lifecycle/{event}.
func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	event := chi.URLParam(r, "event")
	switch event {
	case "pause":
		s.lifecycle.HandlePause()
	case "resume":
		s.lifecycle.HandleResume()
	default:
		s.writeError(w, http.StatusBadRequest, "unknown lifecycle event (want pause or resume)")
		return
	}
	respondJSON(w, http.StatusAccepted, LifecycleResponse{Event: event, Pending: s.lifecycle.Pending()})
}

// handleOpenAPI handles GET /openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.invoker.Plugins()))
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

var errStreamingUnsupported = errors.New("streaming unsupported")
