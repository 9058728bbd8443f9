package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"

	"deployagent/internal/deployment"
	"deployagent/internal/jobs"
	"deployagent/internal/security"
)

const (
	// Maximum webhook payload size (1 MB)
	MaxPayloadSize = 1 << 20
)

type messageResponse struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func errorBody(msg string) messageResponse {
	return messageResponse{Error: msg}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

// respondError maps component errors onto status codes.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, deployment.ErrConflict), errors.Is(err, jobs.ErrConflict):
		s.respondJSON(w, http.StatusConflict, errorBody(err.Error()))
	case errors.Is(err, deployment.ErrNotFound), errors.Is(err, jobs.ErrNotFound):
		s.respondJSON(w, http.StatusNotFound, errorBody(err.Error()))
	default:
		s.logger.Error("request failed", zap.Error(err))
		s.respondJSON(w, http.StatusInternalServerError, errorBody("Internal server error"))
	}
}

type healthResponse struct {
	Status   string   `json:"status"`
	Version  string   `json:"version,omitempty"`
	Projects []string `json:"projects"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Version:  s.version,
		Projects: s.pool.Names(),
	})
}

// handleWebhook accepts GitHub push events for a site and queues a fetch of
// its branch.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "project")
	if err := security.ValidateProjectName(name); err != nil {
		s.respondJSON(w, http.StatusBadRequest, errorBody("Invalid project name"))
		return
	}
	a, ok := s.pool.Get(name)
	if !ok {
		s.respondJSON(w, http.StatusNotFound, errorBody("Unknown project"))
		return
	}
	p := a.Project()
	logger := s.logger.With(zap.String("project", name))

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		s.respondJSON(w, http.StatusUnsupportedMediaType, errorBody("Content-Type must be application/json"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxPayloadSize)
	payload, err := github.ValidatePayload(r, []byte(p.Secret))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.respondJSON(w, http.StatusRequestEntityTooLarge, errorBody("Payload too large"))
			return
		}
		logger.Warn("webhook signature rejected", zap.Error(err))
		s.respondJSON(w, http.StatusForbidden, errorBody("Invalid signature"))
		return
	}

	eventType := github.WebHookType(r)
	switch eventType {
	case "ping":
		s.respondJSON(w, http.StatusOK, messageResponse{Message: "pong"})
		return
	case "push":
	default:
		s.respondJSON(w, http.StatusOK, messageResponse{Message: fmt.Sprintf("Ignoring %q event", eventType)})
		return
	}

	event, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, errorBody("Invalid payload"))
		return
	}
	push, ok := event.(*github.PushEvent)
	if !ok {
		s.respondJSON(w, http.StatusBadRequest, errorBody("Invalid payload"))
		return
	}

	if !p.MatchesRef(push.GetRef()) {
		s.respondJSON(w, http.StatusOK, messageResponse{Message: fmt.Sprintf("Skipping push to %s", push.GetRef())})
		return
	}
	if push.GetDeleted() {
		s.respondJSON(w, http.StatusOK, messageResponse{Message: "Skipping branch deletion"})
		return
	}

	deployer := push.GetPusher().GetName()
	if deployer == "" {
		deployer = "GitHub"
	}

	// The fetch outlives the request.
	res, err := a.Deployments().Fetch(r.Context(), deployment.FetchRequest{
		Branch:   p.Branch,
		Deployer: deployer,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}

	logger.Info("push accepted",
		zap.String("after", push.GetAfter()),
		zap.String("deployer", deployer),
		zap.Bool("queued", res.Queued),
	)
	msg := "Deployment accepted"
	if res.Queued {
		msg = "Deployment queued"
	}
	s.respondJSON(w, http.StatusAccepted, messageResponse{Message: msg})
}
