package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nparley/prefect/internal/events"
	"github.com/nparley/prefect/internal/model"
	"github.com/nparley/prefect/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// listFlowRunsResponse wraps the paginated list response.
type listFlowRunsResponse struct {
	FlowRuns []*model.FlowRun `json:"flow_runs"`
	Total    int              `json:"total"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

func (s *Server) handleListFlowRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	runs, total, err := s.store.ListFlowRuns(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list flow runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list flow runs")
		return
	}

	if runs == nil {
		runs = []*model.FlowRun{}
	}

	s.writeJSON(w, http.StatusOK, listFlowRunsResponse{
		FlowRuns: runs,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	})
}

func (s *Server) handleGetFlowRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	fr, err := s.store.GetFlowRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "flow run not found")
		return
	}
	if err != nil {
		s.logger.Error("get flow run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get flow run")
		return
	}

	s.writeJSON(w, http.StatusOK, fr)
}

func (s *Server) handleCancelFlowRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetFlowRun(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "flow run not found")
		return
	} else if err != nil {
		s.logger.Error("get flow run for cancel", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get flow run")
		return
	}

	// A finished flow run has no active runner; the kill is a no-op then.
	delivered := s.engine.Cancel(id)
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"flow_run_id": id,
		"delivered":   delivered,
	})
}

// handleStreamEvents streams a flow run's state transitions over SSE.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	fr, err := s.store.GetFlowRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "flow run not found")
		return
	}
	if err != nil {
		s.logger.Error("get flow run for events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get flow run")
		return
	}

	// Set SSE headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// If already in a terminal state, return empty stream immediately.
	if fr.StateType.IsTerminal() {
		w.WriteHeader(http.StatusOK)
		return
	}

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Subscribe to the event stream. This is safe even if the flow run
	// finished between the state check above and this call — Subscribe on a
	// closed topic returns a closed channel, causing the loop below to exit
	// immediately.
	ch, unsub := s.events.Subscribe(id)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				// Flow run finished; send explicit done event before closing.
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if err := writeSSEJSON(w, ev); err != nil {
				return // Write failed (e.g. client gone).
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// writeSSEJSON writes one event as a JSON-encoded SSE data frame.
func writeSSEJSON(w http.ResponseWriter, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
