package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/jonathan/robopost/internal/db"
	"github.com/jonathan/robopost/internal/feeds"
	"github.com/jonathan/robopost/internal/fetch"
	"github.com/jonathan/robopost/internal/runs"
	"github.com/jonathan/robopost/internal/server/middleware"
)

// CreateSourceRequest subscribes the caller to a feed.
type CreateSourceRequest struct {
	URL        string     `json:"url"`
	Name       string     `json:"name,omitempty"`
	IndustryID *uuid.UUID `json:"industryId,omitempty"`
}

// UpdateSourceRequest changes a subscription. Omitted fields are left as they are.
type UpdateSourceRequest struct {
	Name     *string `json:"name,omitempty"`
	IsActive *bool   `json:"isActive,omitempty"`
}

// SourceResponse wraps a single subscription.
type SourceResponse struct {
	Source *db.Source `json:"source"`
}

// ListSourcesResponse is the body of GET /api/sources.
type ListSourcesResponse struct {
	Sources []db.Source `json:"sources"`
}

// ListIndustriesResponse is the body of GET /api/industries.
type ListIndustriesResponse struct {
	Industries []db.Industry `json:"industries"`
}

// handleListSources lists the caller's subscriptions, newest first.
func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r)
	if err != nil {
		s.errorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	limit, offset := db.ClampPage(
		parseQueryInt(r, "limit", db.DefaultListLimit, db.MaxListLimit),
		parseQueryInt(r, "offset", 0, 0),
	)
	sources, err := s.store.ListUserSources(r.Context(), userID, limit, offset)
	if err != nil {
		s.log.WithError(err).Error("failed to list sources")
		s.errorResponse(w, http.StatusInternalServerError, "Failed to fetch sources")
		return
	}
	if sources == nil {
		sources = []db.Source{}
	}
	s.jsonResponse(w, http.StatusOK, ListSourcesResponse{Sources: sources})
}

// handleCreateSource subscribes the caller to a feed URL. When no name is given
// the feed is fetched for its title. Reactivating an existing subscription
// answers 200 instead of 201.
func (s *Server) handleCreateSource(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r)
	if err != nil {
		s.errorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req CreateSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	req.Name = strings.TrimSpace(req.Name)
	if req.URL == "" {
		s.errorResponse(w, http.StatusBadRequest, "URL is required")
		return
	}
	if _, err := fetch.ValidateURL(req.URL); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid URL format")
		return
	}

	in := db.SubscribeInput{
		URL:        req.URL,
		CustomName: req.Name,
		FeedName:   req.Name,
		IndustryID: req.IndustryID,
	}
	if in.FeedName == "" {
		in.URL, in.FeedName = s.nameFeed(r, req.URL)
	}

	source, created, err := s.store.Subscribe(r.Context(), userID, in)
	if err != nil {
		if runs.IsConflict(err) {
			s.errorResponse(w, http.StatusConflict, "Source is already being added")
			return
		}
		s.log.WithError(err).WithField("url", in.URL).Error("failed to create source")
		s.errorResponse(w, http.StatusInternalServerError, "Failed to create source")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.jsonResponse(w, status, SourceResponse{Source: source})
}

// nameFeed discovers the feed behind rawURL. A page advertising a feed resolves
// to that feed. Discovery failures fall back to the URL host.
func (s *Server) nameFeed(r *http.Request, rawURL string) (feedURL, name string) {
	feed, err := s.discover(r.Context(), rawURL)
	if err != nil || feed == nil || feed.Title == "" {
		if err != nil {
			s.log.WithError(err).WithField("url", rawURL).Debug("feed discovery failed")
		}
		return rawURL, feeds.FallbackName(rawURL)
	}
	if feed.URL != "" {
		rawURL = feed.URL
	}
	return rawURL, feed.Title
}

// handleGetSource returns one of the caller's subscriptions.
func (s *Server) handleGetSource(w http.ResponseWriter, r *http.Request) {
	userID, sourceID, ok := s.sourceParams(w, r)
	if !ok {
		return
	}

	source, err := s.store.GetUserSource(r.Context(), sourceID, userID)
	if err != nil {
		s.log.WithError(err).Error("failed to fetch source")
		s.errorResponse(w, http.StatusInternalServerError, "Failed to fetch source")
		return
	}
	if source == nil {
		s.errorResponse(w, http.StatusNotFound, "Source not found")
		return
	}
	s.jsonResponse(w, http.StatusOK, SourceResponse{Source: source})
}

// handleUpdateSource renames or toggles one of the caller's subscriptions.
func (s *Server) handleUpdateSource(w http.ResponseWriter, r *http.Request) {
	userID, sourceID, ok := s.sourceParams(w, r)
	if !ok {
		return
	}

	var req UpdateSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	source, err := s.store.UpdateUserSource(r.Context(), sourceID, userID, db.SourceUpdate{
		CustomName: req.Name,
		IsActive:   req.IsActive,
	})
	if err != nil {
		s.log.WithError(err).Error("failed to update source")
		s.errorResponse(w, http.StatusInternalServerError, "Failed to update source")
		return
	}
	if source == nil {
		s.errorResponse(w, http.StatusNotFound, "Source not found")
		return
	}
	s.jsonResponse(w, http.StatusOK, SourceResponse{Source: source})
}

// handleDeleteSource deactivates one of the caller's subscriptions so that
// subscribing again restores it. ?purge=true removes it instead.
func (s *Server) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	userID, sourceID, ok := s.sourceParams(w, r)
	if !ok {
		return
	}

	var found bool
	var err error
	if r.URL.Query().Get("purge") == "true" {
		found, err = s.store.DeleteUserSource(r.Context(), sourceID, userID)
	} else {
		inactive := false
		var source *db.Source
		source, err = s.store.UpdateUserSource(r.Context(), sourceID, userID, db.SourceUpdate{IsActive: &inactive})
		found = source != nil
	}
	if err != nil {
		s.log.WithError(err).Error("failed to delete source")
		s.errorResponse(w, http.StatusInternalServerError, "Failed to delete source")
		return
	}
	if !found {
		s.errorResponse(w, http.StatusNotFound, "Source not found")
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]bool{"success": true})
}

// handleListIndustries lists every industry by name.
func (s *Server) handleListIndustries(w http.ResponseWriter, r *http.Request) {
	industries, err := s.store.ListIndustries(r.Context())
	if err != nil {
		s.log.WithError(err).Error("failed to list industries")
		s.errorResponse(w, http.StatusInternalServerError, "Failed to fetch industries")
		return
	}
	if industries == nil {
		industries = []db.Industry{}
	}
	s.jsonResponse(w, http.StatusOK, ListIndustriesResponse{Industries: industries})
}

func (s *Server) sourceParams(w http.ResponseWriter, r *http.Request) (userID, sourceID uuid.UUID, ok bool) {
	userID, err := middleware.GetUserID(r)
	if err != nil {
		s.errorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return uuid.Nil, uuid.Nil, false
	}
	sourceID, err = uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid source ID")
		return uuid.Nil, uuid.Nil, false
	}
	return userID, sourceID, true
}
