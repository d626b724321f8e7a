package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/rivalscope/rivalscope/internal/models"
	"github.com/rivalscope/rivalscope/internal/progress"
	"github.com/rivalscope/rivalscope/internal/store"
)

const defaultRunListLimit = 50

func (s *Server) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	var req models.ReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		RespondWithError(w, http.StatusBadRequest, "Report title is required")
		return
	}
	if len(req.CompetitorDomains) == 0 {
		RespondWithError(w, http.StatusBadRequest, "At least one competitor domain is required")
		return
	}

	user := getUserFromContext(r)
	jobID, err := s.app.Manager().Start(req, user.ID)
	if err != nil {
		RespondWithError(w, http.StatusInternalServerError, "Failed to start report job")
		return
	}

	RespondWithJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			RespondWithError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = parsed
	}

	runs, err := s.store.ListReportRuns(limit)
	if err != nil {
		RespondWithError(w, http.StatusInternalServerError, "Failed to list report runs")
		return
	}
	RespondWithJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	run, err := s.store.GetReportRun(jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			RespondWithError(w, http.StatusNotFound, "Report not found")
			return
		}
		RespondWithError(w, http.StatusInternalServerError, "Failed to fetch report run")
		return
	}

	response := struct {
		Run      *models.ReportRun  `json:"run"`
		Progress *progress.Snapshot `json:"progress,omitempty"`
	}{Run: run}
	if snap, ok := s.app.ProgressStore().Latest(jobID); ok {
		response.Progress = &snap
	}

	RespondWithJSON(w, http.StatusOK, response)
}

func (s *Server) handleCancelReport(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	if err := s.app.Manager().Cancel(jobID); err != nil {
		if errors.Is(err, progress.ErrNotFound) {
			RespondWithError(w, http.StatusNotFound, "No running job with that id")
			return
		}
		RespondWithError(w, http.StatusInternalServerError, "Failed to cancel report job")
		return
	}

	// Cancellation is a request; the runner reports the CANCELLED transition
	// through the progress channel when it takes effect.
	RespondWithJSON(w, http.StatusAccepted, map[string]string{"status": "cancellation requested"})
}

func (s *Server) handleProgressChannel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	subscriberID := r.URL.Query().Get("subscriber_id")
	if subscriberID == "" {
		subscriberID = uuid.NewString()
	}

	s.hub.ServeChannel(w, r, jobID, subscriberID)
}
