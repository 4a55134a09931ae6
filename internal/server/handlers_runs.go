package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/robopost/internal/db"
	"github.com/jonathan/robopost/internal/runs"
	"github.com/jonathan/robopost/internal/server/middleware"
	"github.com/jonathan/robopost/internal/types"
)

// ListRunsResponse is the body of GET /api/runs.
type ListRunsResponse struct {
	Runs []runs.Run `json:"runs"`
}

// ResultsError reports that results could not be read for a run.
type ResultsError struct {
	Message string `json:"message"`
}

// RunDetail is a run with everything recorded against it.
type RunDetail struct {
	runs.Run
	Results      []runs.Result        `json:"results"`
	ProgressLogs []runs.ProgressEntry `json:"progressLogs"`
	ResultsError *ResultsError        `json:"resultsError,omitempty"`
}

// RunDetailResponse is the body of GET /api/runs/{id}.
type RunDetailResponse struct {
	Run RunDetail `json:"run"`
}

// parseQueryInt parses an integer query parameter with default and max values
func parseQueryInt(r *http.Request, key string, defaultValue, maxValue int) int {
	valStr := r.URL.Query().Get(key)
	if valStr == "" {
		return defaultValue
	}
	val, err := strconv.Atoi(valStr)
	if err != nil || val < 0 {
		return defaultValue
	}
	if maxValue > 0 && val > maxValue {
		return maxValue
	}
	return val
}

// handleTriggerRun starts a run for the caller.
func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r)
	if err != nil {
		s.errorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req runs.TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := s.trigger.Trigger(r.Context(), userID, req)
	if err != nil {
		s.serviceError(w, err, "Failed to trigger agent run")
		return
	}
	s.jsonResponse(w, http.StatusCreated, result)
}

// handleListRuns lists the caller's runs, or every run for admins.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r)
	if err != nil {
		s.errorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	limit, offset := db.ClampPage(
		parseQueryInt(r, "limit", db.DefaultListLimit, db.MaxListLimit),
		parseQueryInt(r, "offset", 0, 0),
	)
	filter := runs.RunFilter{Limit: limit, Offset: offset}
	if middleware.GetRole(r) != types.RoleAdmin {
		filter.OwnerID = &userID
	}
	// Unknown statuses are ignored rather than rejected.
	if status := runs.Status(r.URL.Query().Get("status")); status.Valid() {
		filter.Status = status
	}

	list, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		s.log.WithError(err).Error("failed to list runs")
		s.errorResponse(w, http.StatusInternalServerError, "Failed to fetch runs")
		return
	}
	if list == nil {
		list = []runs.Run{}
	}
	s.jsonResponse(w, http.StatusOK, ListRunsResponse{Runs: list})
}

// handleGetRun returns one of the caller's runs with its progress and results.
// A failure to read results is reported in the body instead of failing the request.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r)
	if err != nil {
		s.errorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	runID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid run ID")
		return
	}

	log := s.log.WithField("run_id", runID)
	var (
		run        *runs.Run
		progress   []runs.ProgressEntry
		results    []runs.Result
		resultsErr error
	)
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		var err error
		run, err = s.store.GetRunForOwner(ctx, runID, userID)
		return err
	})
	g.Go(func() error {
		var err error
		if progress, err = s.store.ListProgress(ctx, runID); err != nil {
			log.WithError(err).Warn("failed to fetch progress logs")
			progress = nil
		}
		return nil
	})
	g.Go(func() error {
		results, resultsErr = s.store.ListResults(ctx, runID)
		return nil
	})
	if err := g.Wait(); err != nil {
		if runs.IsNotFound(err) {
			s.errorResponse(w, http.StatusNotFound, "Run not found")
			return
		}
		s.serviceError(w, err, "Failed to fetch run")
		return
	}

	detail := RunDetail{
		Run:          *run,
		Results:      results,
		ProgressLogs: progress,
	}
	if resultsErr != nil {
		log.WithError(resultsErr).Error("failed to fetch results")
		detail.Results = nil
		detail.ResultsError = &ResultsError{Message: resultsErr.Error()}
	}
	if detail.Results == nil {
		detail.Results = []runs.Result{}
	}
	if detail.ProgressLogs == nil {
		detail.ProgressLogs = []runs.ProgressEntry{}
	}
	s.jsonResponse(w, http.StatusOK, RunDetailResponse{Run: detail})
}

// handleStreamRun streams run status to the caller as Server-Sent Events.
func (s *Server) handleStreamRun(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r)
	if err != nil {
		s.errorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	runID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid run ID")
		return
	}

	sse := NewSSEWriter(w)
	if err := s.notifier.Stream(r.Context(), runID, userID, sse); err != nil {
		if !sse.Started() {
			if runs.IsNotFound(err) {
				s.errorResponse(w, http.StatusNotFound, "Run not found")
				return
			}
			s.serviceError(w, err, "Failed to open run stream")
			return
		}
		s.log.WithError(err).WithField("run_id", runID).Debug("run stream closed")
	}
}
