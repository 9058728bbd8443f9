package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"deployagent/internal/history"
	"deployagent/internal/jobs"
	"deployagent/internal/scheduler"
	"deployagent/internal/security"
	"deployagent/internal/status"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
	maxRequestBody      = 64 << 10
)

// deploymentView is the JSON form of a deployment record.
type deploymentView struct {
	ID                 string     `json:"id"`
	Status             string     `json:"status"`
	StatusText         string     `json:"status_text,omitempty"`
	AuthorName         string     `json:"author,omitempty"`
	AuthorEmail        string     `json:"author_email,omitempty"`
	Message            string     `json:"message,omitempty"`
	Deployer           string     `json:"deployer,omitempty"`
	Progress           string     `json:"progress,omitempty"`
	ReceivedTime       *time.Time `json:"received_time,omitempty"`
	StartTime          *time.Time `json:"start_time,omitempty"`
	EndTime            *time.Time `json:"end_time,omitempty"`
	LastSuccessEndTime *time.Time `json:"last_success_end_time,omitempty"`
	Complete           bool       `json:"complete"`
	Active             bool       `json:"active"`
	IsTemporary        bool       `json:"is_temp"`
	IsReadOnly         bool       `json:"is_readonly"`
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func newDeploymentView(f *status.File, activeID string) deploymentView {
	return deploymentView{
		ID:                 f.ID,
		Status:             string(f.Status),
		StatusText:         f.StatusText,
		AuthorName:         f.AuthorName,
		AuthorEmail:        f.AuthorEmail,
		Message:            f.Message,
		Deployer:           f.Deployer,
		Progress:           f.Progress,
		ReceivedTime:       optionalTime(f.ReceivedTime),
		StartTime:          optionalTime(f.StartTime),
		EndTime:            optionalTime(f.EndTime),
		LastSuccessEndTime: optionalTime(f.LastSuccessEndTime),
		Complete:           f.Complete,
		Active:             f.ID == activeID,
		IsTemporary:        f.IsTemporary,
		IsReadOnly:         f.IsReadOnly,
	}
}

func activeID(f *status.File) string {
	if f == nil {
		return ""
	}
	return f.ID
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	dm := agentFrom(r).Deployments()
	records, err := dm.Deployments()
	if err != nil {
		s.respondError(w, err)
		return
	}
	active := activeID(dm.Active())
	out := make([]deploymentView, 0, len(records))
	for _, f := range records {
		out = append(out, newDeploymentView(f, active))
	}
	s.respondJSON(w, http.StatusOK, out)
}

// deploymentID reads and validates the {id} parameter, answering 400 itself
// when it is malformed.
func (s *Server) deploymentID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if err := security.ValidateDeploymentID(id); err != nil {
		s.respondJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return "", false
	}
	return id, true
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	id, ok := s.deploymentID(w, r)
	if !ok {
		return
	}
	dm := agentFrom(r).Deployments()
	f, err := dm.Get(id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, newDeploymentView(f, activeID(dm.Active())))
}

type redeployRequest struct {
	Clean    bool   `json:"clean"`
	Deployer string `json:"deployer"`
}

// handleRedeploy deploys an earlier deployment or any revision the site
// repository knows, full or abbreviated. An empty body is allowed.
func (s *Server) handleRedeploy(w http.ResponseWriter, r *http.Request) {
	id, ok := s.deploymentID(w, r)
	if !ok {
		return
	}

	var req redeployRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.respondJSON(w, http.StatusBadRequest, errorBody("Invalid request body"))
		return
	}
	if req.Deployer == "" {
		req.Deployer = "API"
	}

	if err := agentFrom(r).Deployments().RedeployAsync(r.Context(), id, req.Deployer, req.Clean); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, messageResponse{Message: "Deployment started"})
}

func (s *Server) handleDeleteDeployment(w http.ResponseWriter, r *http.Request) {
	id, ok := s.deploymentID(w, r)
	if !ok {
		return
	}
	if err := agentFrom(r).Deployments().Delete(r.Context(), id); err != nil {
		s.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeploymentLog(w http.ResponseWriter, r *http.Request) {
	id, ok := s.deploymentID(w, r)
	if !ok {
		return
	}
	entries, err := agentFrom(r).Deployments().Log(id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, entries)
}

type triggeredJobView struct {
	Name          string          `json:"name"`
	Script        string          `json:"script"`
	Schedule      string          `json:"schedule,omitempty"`
	SettingsError string          `json:"settings_error,omitempty"`
	NextRun       *time.Time      `json:"next_run,omitempty"`
	State         string          `json:"schedule_state,omitempty"`
	LatestRun     *history.JobRun `json:"latest_run,omitempty"`
}

func (s *Server) handleListTriggeredJobs(w http.ResponseWriter, r *http.Request) {
	a := agentFrom(r)
	list, err := a.Jobs().ListJobs()
	if err != nil {
		s.respondError(w, err)
		return
	}

	snaps := make(map[string]scheduler.Snapshot)
	for _, snap := range a.Scheduler().Schedules() {
		snaps[snap.Job] = snap
	}

	out := make([]triggeredJobView, 0, len(list))
	for _, job := range list {
		v := triggeredJobView{
			Name:     job.Name,
			Script:   job.Host.Name,
			Schedule: job.Settings.Schedule,
		}
		if job.SettingsErr != nil {
			v.SettingsError = job.SettingsErr.Error()
		}
		if snap, ok := snaps[job.Name]; ok {
			v.State = snap.State
			v.NextRun = optionalTime(snap.NextRun)
		}
		run, err := a.Jobs().LatestRun(r.Context(), job.Name)
		if err != nil {
			s.respondError(w, err)
			return
		}
		v.LatestRun = s.redact(run)
		out = append(out, v)
	}
	s.respondJSON(w, http.StatusOK, out)
}

// jobName reads the {job} parameter and checks the job exists.
func (s *Server) jobName(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := chi.URLParam(r, "job")
	if err := security.ValidateJobName(name); err != nil {
		s.respondJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return "", false
	}
	job, err := agentFrom(r).Jobs().GetJob(name)
	if err != nil {
		s.respondError(w, err)
		return "", false
	}
	if job == nil {
		s.respondError(w, jobs.ErrNotFound)
		return "", false
	}
	return name, true
}

func (s *Server) handleJobHistory(w http.ResponseWriter, r *http.Request) {
	name, ok := s.jobName(w, r)
	if !ok {
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.respondJSON(w, http.StatusBadRequest, errorBody("limit must be a positive integer"))
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	runs, err := agentFrom(r).Jobs().Runs(r.Context(), name, limit)
	if err != nil {
		s.respondError(w, err)
		return
	}
	out := make([]*history.JobRun, 0, len(runs))
	for i := range runs {
		out = append(out, s.redact(&runs[i]))
	}
	s.respondJSON(w, http.StatusOK, out)
}

type runJobRequest struct {
	Args []string `json:"args"`
}

type runJobResponse struct {
	RunID string `json:"run_id"`
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	name, ok := s.jobName(w, r)
	if !ok {
		return
	}

	var req runJobRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.respondJSON(w, http.StatusBadRequest, errorBody("Invalid request body"))
		return
	}

	id, err := agentFrom(r).Jobs().InvokeTriggeredJob(r.Context(), name, req.Args, jobs.TriggerAPI)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, runJobResponse{RunID: id})
}

func (s *Server) handleListContinuousJobs(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, agentFrom(r).Continuous().Status())
}

// redact drops job output unless the server was configured to expose it.
func (s *Server) redact(run *history.JobRun) *history.JobRun {
	if run == nil || s.exposeOutput {
		return run
	}
	cp := *run
	cp.Output = ""
	return &cp
}
