package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vyvo/appbuild/backend/pkg/auth"
	"github.com/vyvo/appbuild/backend/pkg/builder"
)

const maxBodyBytes = 64 << 10

func (s *server) handleStartBuild(w http.ResponseWriter, r *http.Request) {
	var req builder.StartRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.log, fmt.Errorf("%w: invalid JSON payload", builder.ErrValidation))
		return
	}

	job, err := s.svc.StartBuild(r.Context(), auth.CallerID(r.Context()), req)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	respondJSON(w, builder.StartResponse{BuildID: job.ID, Status: job.Status}, http.StatusOK)
}

func (s *server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.GetStatus(r.Context(), chi.URLParam(r, "buildID"), auth.CallerID(r.Context()))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	respondJSON(w, job.Response(), http.StatusOK)
}

func (s *server) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.svc.ListBuilds(r.Context(), auth.CallerID(r.Context()))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	out := make([]builder.StatusResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, job.Response())
	}
	respondJSON(w, map[string]any{"builds": out}, http.StatusOK)
}

// handleStreamStatus sends the current snapshot and then every change as
// server-sent events until the build finishes or the client goes away.
func (s *server) handleStreamStatus(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, s.log, errors.New("streaming unsupported"))
		return
	}

	id := chi.URLParam(r, "buildID")
	caller := auth.CallerID(r.Context())

	// Subscribe before reading so no change between the read and the
	// subscription is lost.
	updates, cancel := s.events.Subscribe(id)
	defer cancel()

	job, err := s.svc.GetStatus(r.Context(), id, caller)
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent(w, job)
	flusher.Flush()
	if job.Status.Terminal() {
		return
	}
	last := job.Version

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case next, ok := <-updates:
			if !ok {
				// The terminal snapshot may have been dropped for a slow reader.
				if final, err := s.svc.GetStatus(r.Context(), id, caller); err == nil && final.Version > last {
					writeEvent(w, final)
					flusher.Flush()
				}
				return
			}
			if next.Version <= last {
				continue
			}
			last = next.Version
			writeEvent(w, next)
			flusher.Flush()
			if next.Status.Terminal() {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, job builder.Job) {
	data, err := json.Marshal(job.Response())
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
}
