package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/onexay/notepub/internal/post"
	"github.com/onexay/notepub/internal/remote"
	"github.com/onexay/notepub/internal/storage"
	"github.com/onexay/notepub/internal/types"
)

// Handler builds the REST routes for the service, relative to /api/v1.
func Handler(svc *Service) http.Handler {
	r := chi.NewRouter()

	r.Route("/targets", func(r chi.Router) {
		r.Get("/", svc.handleListTargets)
		r.Post("/", svc.handleAddTarget)
		r.Route("/{id}", func(r chi.Router) {
			r.Put("/", svc.handleUpdateTarget)
			r.Delete("/", svc.handleRemoveTarget)
			r.Get("/remote-posts", svc.handleRemotePosts)
			r.Get("/diff", svc.handleDiff)
		})
	})
	r.Post("/import", svc.handleImport)
	r.Post("/publish", svc.handlePublish)
	r.Route("/jobs/{id}", func(r chi.Router) {
		r.Get("/", svc.handleGetJob)
		r.Get("/events", svc.handleJobEvents)
		r.Delete("/subscribers", svc.handleUnsubscribe)
	})
	r.Get("/posts", svc.handlePosts)
	r.Get("/preview", svc.handlePreview)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeFailure(w, http.StatusNotFound, "unknown endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeFailure(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

func (s *Service) handleListTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.Targets(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"targets": targets})
}

func (s *Service) handleAddTarget(w http.ResponseWriter, r *http.Request) {
	var target types.PublishTarget
	if err := json.NewDecoder(r.Body).Decode(&target); err != nil {
		writeFailure(w, http.StatusBadRequest, "invalid payload")
		return
	}
	saved, err := s.AddTarget(r.Context(), target)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"target": saved})
}

func (s *Service) handleUpdateTarget(w http.ResponseWriter, r *http.Request) {
	var target types.PublishTarget
	if err := json.NewDecoder(r.Body).Decode(&target); err != nil {
		writeFailure(w, http.StatusBadRequest, "invalid payload")
		return
	}
	saved, err := s.UpdateTarget(r.Context(), chi.URLParam(r, "id"), target)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"target": saved})
}

func (s *Service) handleRemoveTarget(w http.ResponseWriter, r *http.Request) {
	if err := s.RemoveTarget(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Service) handleImport(w http.ResponseWriter, r *http.Request) {
	summary, err := s.Import(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"imported": summary.Imported,
		"skipped":  summary.Skipped,
		"errors":   summary.Errors,
	})
}

func (s *Service) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetID string `json:"targetId"`
		PostKey  string `json:"postKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.TargetID == "" || req.PostKey == "" {
		writeFailure(w, http.StatusBadRequest, "targetId and postKey are required")
		return
	}
	id, err := s.Publish(r.Context(), req.TargetID, req.PostKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"jobId": id})
}

func (s *Service) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.Job(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

// handleJobEvents streams one server-sent event per job state change and
// ends after the terminal state. The job is never held up by a slow reader.
func (s *Service) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeFailure(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	var (
		mu      sync.Mutex
		pending []types.PublishJob
		wake    = make(chan struct{}, 1)
	)
	jobID := chi.URLParam(r, "id")
	handle, err := s.Subscribe(jobID, func(job types.PublishJob) {
		mu.Lock()
		pending = append(pending, job)
		mu.Unlock()
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	if err != nil {
		writeError(w, err)
		return
	}
	defer s.Unsubscribe(jobID, handle)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-wake:
		}

		mu.Lock()
		batch := pending
		pending = nil
		mu.Unlock()

		for _, job := range batch {
			data, err := json.Marshal(map[string]any{"success": true, "job": job})
			if err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "event: job\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
			if job.Status.Terminal() {
				return
			}
		}
	}
}

func (s *Service) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	s.Unsubscribe(chi.URLParam(r, "id"), r.URL.Query()["handle"]...)
	writeJSON(w, http.StatusOK, nil)
}

func (s *Service) handlePosts(w http.ResponseWriter, r *http.Request) {
	note := r.URL.Query().Get("note")
	if note == "" {
		writeFailure(w, http.StatusBadRequest, "note query parameter required")
		return
	}
	posts, err := s.Posts(r.Context(), note)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"posts": posts})
}

func (s *Service) handlePreview(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("postKey")
	if key == "" {
		writeFailure(w, http.StatusBadRequest, "postKey query parameter required")
		return
	}
	res, err := s.Preview(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"draft": res.Draft, "html": res.HTML})
}

func (s *Service) handleRemotePosts(w http.ResponseWriter, r *http.Request) {
	files, err := s.RemotePosts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"posts": files})
}

func (s *Service) handleDiff(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("postKey")
	if key == "" {
		writeFailure(w, http.StatusBadRequest, "postKey query parameter required")
		return
	}
	res, err := s.Diff(r.Context(), chi.URLParam(r, "id"), key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": res.Path, "exists": res.Exists, "diff": res.Diff})
}

func writeError(w http.ResponseWriter, err error) {
	var notFound *storage.NotFoundError
	if errors.As(err, &notFound) {
		writeFailure(w, http.StatusNotFound, notFound.Error())
		return
	}

	var conflict *storage.ConflictError
	if errors.As(err, &conflict) {
		writeFailure(w, http.StatusConflict, conflict.Error())
		return
	}
	var remoteConflict *remote.ConflictError
	if errors.As(err, &remoteConflict) {
		writeFailure(w, http.StatusConflict, err.Error())
		return
	}

	var validation *storage.ValidationError
	if errors.As(err, &validation) {
		writeFailure(w, http.StatusBadRequest, validation.Error())
		return
	}
	var invalidPost *post.ValidationError
	if errors.As(err, &invalidPost) {
		writeFailure(w, http.StatusBadRequest, invalidPost.Error())
		return
	}

	var protocol *remote.ProtocolError
	if errors.As(err, &protocol) {
		writeFailure(w, http.StatusBadGateway, protocol.Error())
		return
	}

	writeFailure(w, http.StatusInternalServerError, err.Error())
}

func writeFailure(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": message})
}

// writeJSON writes a success envelope with payload's keys merged in.
func writeJSON(w http.ResponseWriter, status int, payload map[string]any) {
	body := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	body["success"] = true

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
