package server

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jonathan/robopost/internal/db"
	"github.com/jonathan/robopost/internal/fetch"
	"github.com/jonathan/robopost/internal/runs"
	"github.com/jonathan/robopost/internal/server/middleware"
	"github.com/jonathan/robopost/internal/types"
)

// maxImportSize bounds an uploaded CSV file.
const maxImportSize = 1 << 20

var (
	errFeedURLInvalid   = errors.New("invalid URL format")
	errUnknownIndustry  = errors.New("unknown industry")
	errIndustryLocked   = errors.New("industry preference is locked")
	errMissingURLOrName = errors.New("URL and name are required")
)

// ListUsersResponse is the body of GET /api/admin/users.
type ListUsersResponse struct {
	Users []*types.User `json:"users"`
}

// UserResponse wraps a single account.
type UserResponse struct {
	User *types.User `json:"user"`
}

// ProfileRequest changes the caller's industry preference. An empty ID clears it.
type ProfileRequest struct {
	IndustryPreferenceID *string `json:"industry_preference_id"`
}

// AdminUpdateUserRequest changes another user's industry preference and lock.
type AdminUpdateUserRequest struct {
	IndustryPreferenceID     *string `json:"industry_preference_id"`
	IndustryPreferenceLocked *bool   `json:"industry_preference_locked"`
}

// UpdateRoleRequest is the body of PATCH /api/admin/users/{id}/role.
type UpdateRoleRequest struct {
	Role types.Role `json:"role"`
}

// CreateFeedRequest adds a feed to the shared catalog.
type CreateFeedRequest struct {
	URL        string     `json:"url"`
	Name       string     `json:"name"`
	IndustryID *uuid.UUID `json:"industryId,omitempty"`
	IsPublic   bool       `json:"isPublic"`
}

// UpdateFeedRequest changes a catalog entry. An empty industryId clears it.
type UpdateFeedRequest struct {
	URL        *string `json:"url,omitempty"`
	Name       *string `json:"name,omitempty"`
	IndustryID *string `json:"industryId,omitempty"`
	IsPublic   *bool   `json:"isPublic,omitempty"`
}

// FeedResponse wraps a single catalog entry.
type FeedResponse struct {
	Source *db.Feed `json:"source"`
}

// ListFeedsResponse is the body of GET /api/admin/sources.
type ListFeedsResponse struct {
	Sources []db.Feed `json:"sources"`
}

// ImportFeedsResponse reports a CSV import. Errors name the rows that were skipped.
type ImportFeedsResponse struct {
	Success  bool     `json:"success"`
	Imported int      `json:"imported"`
	Errors   []string `json:"errors,omitempty"`
}

// requireAdmin re-reads the caller's account so that a demoted or deleted admin
// loses access before their token expires.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := middleware.GetUserID(r)
		if err != nil {
			s.errorResponse(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		user, err := s.store.GetUser(r.Context(), userID)
		if err != nil {
			s.log.WithError(err).Error("failed to load admin")
			s.errorResponse(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		if user == nil || user.Role != types.RoleAdmin {
			s.errorResponse(w, http.StatusForbidden, "Forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleAdminListUsers lists accounts, newest first.
func (s *Server) handleAdminListUsers(w http.ResponseWriter, r *http.Request) {
	limit, offset := db.ClampPage(
		parseQueryInt(r, "limit", db.DefaultListLimit, db.MaxListLimit),
		parseQueryInt(r, "offset", 0, 0),
	)
	users, err := s.store.ListUsers(r.Context(), limit, offset)
	if err != nil {
		s.log.WithError(err).Error("failed to list users")
		s.errorResponse(w, http.StatusInternalServerError, "Failed to fetch users")
		return
	}

	resp := ListUsersResponse{Users: make([]*types.User, len(users))}
	for i := range users {
		resp.Users[i] = users[i].ToAPI()
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

func (s *Server) handleAdminGetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "Invalid user ID")
	if !ok {
		return
	}
	user, err := s.store.GetUser(r.Context(), id)
	if err != nil {
		s.log.WithError(err).Error("failed to fetch user")
		s.errorResponse(w, http.StatusInternalServerError, "Failed to fetch user")
		return
	}
	if user == nil {
		s.errorResponse(w, http.StatusNotFound, "User not found")
		return
	}
	s.jsonResponse(w, http.StatusOK, UserResponse{User: user.ToAPI()})
}

// handleAdminUpdateUser sets a user's industry preference and whether they may
// change it themselves.
func (s *Server) handleAdminUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "Invalid user ID")
	if !ok {
		return
	}
	var req AdminUpdateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	update, err := s.profileUpdate(r.Context(), req.IndustryPreferenceID)
	if err != nil {
		s.profileError(w, err)
		return
	}
	update.Locked = req.IndustryPreferenceLocked
	s.applyProfile(w, r, id, update)
}

// handleAdminDeleteUser removes an account with its runs and subscriptions.
func (s *Server) handleAdminDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "Invalid user ID")
	if !ok {
		return
	}
	if callerID, _ := middleware.GetUserID(r); callerID == id {
		s.errorResponse(w, http.StatusBadRequest, "Cannot delete your own account")
		return
	}

	found, err := s.store.DeleteUser(r.Context(), id)
	if err != nil {
		s.log.WithError(err).WithField("user_id", id).Error("failed to delete user")
		s.errorResponse(w, http.StatusInternalServerError, "Failed to delete user")
		return
	}
	if !found {
		s.errorResponse(w, http.StatusNotFound, "User not found")
		return
	}
	s.log.WithField("user_id", id).Info("user deleted")
	s.jsonResponse(w, http.StatusOK, map[string]bool{"success": true})
}

// handleAdminSetRole promotes or demotes a user. Admins cannot change their own
// role, so at least one admin always remains.
func (s *Server) handleAdminSetRole(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "Invalid user ID")
	if !ok {
		return
	}
	var req UpdateRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !req.Role.Valid() {
		s.errorResponse(w, http.StatusBadRequest, "Role must be 'admin' or 'user'")
		return
	}
	if callerID, _ := middleware.GetUserID(r); callerID == id {
		s.errorResponse(w, http.StatusBadRequest, "Cannot change your own role")
		return
	}

	if err := s.store.UpdateUserRole(r.Context(), id, req.Role); err != nil {
		if runs.IsNotFound(err) {
			s.errorResponse(w, http.StatusNotFound, "User not found")
			return
		}
		s.log.WithError(err).WithField("user_id", id).Error("failed to set role")
		s.errorResponse(w, http.StatusInternalServerError, "Failed to update role")
		return
	}
	s.log.WithFields(logrus.Fields{"user_id": id, "role": req.Role}).Info("user role changed")
	s.handleAdminGetUser(w, r)
}

// handleAdminResetPassword sets a user's password without the current one.
func (s *Server) handleAdminResetPassword(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "Invalid user ID")
	if !ok {
		return
	}
	var req types.ResetPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.NewPassword == "" {
		s.errorResponse(w, http.StatusBadRequest, "New password is required")
		return
	}
	if err := req.Validate(); err != nil {
		s.errorResponse(w, http.StatusBadRequest, extractValidationErrors(err))
		return
	}

	if err := s.authHandler.userService.ResetPassword(r.Context(), id, req.NewPassword); err != nil {
		status := HTTPStatus(err)
		if status >= http.StatusInternalServerError {
			s.log.WithError(err).WithField("user_id", id).Error("failed to reset password")
			s.errorResponse(w, status, "Failed to reset password")
			return
		}
		s.errorResponse(w, status, "User not found")
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"message": "Password updated successfully"})
}

// handleGetProfile returns the caller's account with their industry preference.
func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r)
	if err != nil {
		s.errorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	user, err := s.store.GetUser(r.Context(), userID)
	if err != nil {
		s.log.WithError(err).Error("failed to fetch profile")
		s.errorResponse(w, http.StatusInternalServerError, "Failed to fetch profile")
		return
	}
	if user == nil {
		s.errorResponse(w, http.StatusNotFound, "User not found")
		return
	}
	s.jsonResponse(w, http.StatusOK, UserResponse{User: user.ToAPI()})
}

// handleUpdateProfile changes the caller's industry preference unless an admin
// has locked it.
func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r)
	if err != nil {
		s.errorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var req ProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	user, err := s.store.GetUser(r.Context(), userID)
	if err != nil {
		s.log.WithError(err).Error("failed to fetch profile")
		s.errorResponse(w, http.StatusInternalServerError, "Failed to update profile")
		return
	}
	if user == nil {
		s.errorResponse(w, http.StatusNotFound, "User not found")
		return
	}
	if user.IndustryPreferenceLocked && req.IndustryPreferenceID != nil {
		s.profileError(w, errIndustryLocked)
		return
	}

	update, err := s.profileUpdate(r.Context(), req.IndustryPreferenceID)
	if err != nil {
		s.profileError(w, err)
		return
	}
	s.applyProfile(w, r, userID, update)
}

func (s *Server) applyProfile(w http.ResponseWriter, r *http.Request, id uuid.UUID, update db.ProfileUpdate) {
	user, err := s.store.UpdateProfile(r.Context(), id, update)
	if err != nil {
		s.log.WithError(err).WithField("user_id", id).Error("failed to update profile")
		s.errorResponse(w, http.StatusInternalServerError, "Failed to update profile")
		return
	}
	if user == nil {
		s.errorResponse(w, http.StatusNotFound, "User not found")
		return
	}
	s.jsonResponse(w, http.StatusOK, UserResponse{User: user.ToAPI()})
}

func (s *Server) profileUpdate(ctx context.Context, industryRef *string) (db.ProfileUpdate, error) {
	id, clearIndustry, err := s.resolveIndustry(ctx, industryRef)
	if err != nil {
		return db.ProfileUpdate{}, err
	}
	return db.ProfileUpdate{IndustryID: id, ClearIndustry: clearIndustry}, nil
}

func (s *Server) profileError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errIndustryLocked):
		s.errorResponse(w, http.StatusForbidden, "Industry preference is locked")
	case errors.Is(err, errUnknownIndustry):
		s.errorResponse(w, http.StatusBadRequest, "Unknown industry")
	default:
		s.log.WithError(err).Error("failed to resolve industry")
		s.errorResponse(w, http.StatusInternalServerError, "Failed to update profile")
	}
}

// resolveIndustry reads an optional industry reference. Nil leaves the value
// unchanged and an empty string clears it.
func (s *Server) resolveIndustry(ctx context.Context, ref *string) (id *uuid.UUID, clearIndustry bool, err error) {
	if ref == nil {
		return nil, false, nil
	}
	raw := strings.TrimSpace(*ref)
	if raw == "" {
		return nil, true, nil
	}
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return nil, false, errUnknownIndustry
	}
	if err := s.checkIndustry(ctx, parsed); err != nil {
		return nil, false, err
	}
	return &parsed, false, nil
}

func (s *Server) checkIndustry(ctx context.Context, id uuid.UUID) error {
	slug, err := s.store.IndustrySlug(ctx, id)
	if err != nil {
		return err
	}
	if slug == "" {
		return errUnknownIndustry
	}
	return nil
}

// handleAdminListSources lists the feed catalog, newest first.
func (s *Server) handleAdminListSources(w http.ResponseWriter, r *http.Request) {
	limit, offset := db.ClampPage(
		parseQueryInt(r, "limit", db.DefaultListLimit, db.MaxListLimit),
		parseQueryInt(r, "offset", 0, 0),
	)
	feeds, err := s.store.ListFeeds(r.Context(), limit, offset)
	if err != nil {
		s.log.WithError(err).Error("failed to list feeds")
		s.errorResponse(w, http.StatusInternalServerError, "Failed to fetch sources")
		return
	}
	if feeds == nil {
		feeds = []db.Feed{}
	}
	s.jsonResponse(w, http.StatusOK, ListFeedsResponse{Sources: feeds})
}

func (s *Server) handleAdminGetSource(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "Invalid source ID")
	if !ok {
		return
	}
	feed, err := s.store.GetFeed(r.Context(), id)
	if err != nil {
		s.log.WithError(err).Error("failed to fetch feed")
		s.errorResponse(w, http.StatusInternalServerError, "Failed to fetch source")
		return
	}
	if feed == nil {
		s.errorResponse(w, http.StatusNotFound, "Source not found")
		return
	}
	s.jsonResponse(w, http.StatusOK, FeedResponse{Source: feed})
}

// handleAdminCreateSource adds a feed to the catalog.
func (s *Server) handleAdminCreateSource(w http.ResponseWriter, r *http.Request) {
	var req CreateFeedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	feed, err := s.createFeed(r.Context(), db.FeedInput{
		URL:        req.URL,
		Name:       req.Name,
		IndustryID: req.IndustryID,
		IsPublic:   req.IsPublic,
	})
	if err != nil {
		s.feedError(w, err, "Failed to create source")
		return
	}
	s.jsonResponse(w, http.StatusCreated, FeedResponse{Source: feed})
}

// createFeed validates and stores one catalog entry. Both single creates and
// CSV imports go through it.
func (s *Server) createFeed(ctx context.Context, in db.FeedInput) (*db.Feed, error) {
	in.URL = strings.TrimSpace(in.URL)
	in.Name = strings.TrimSpace(in.Name)
	if in.URL == "" || in.Name == "" {
		return nil, errMissingURLOrName
	}
	if _, err := fetch.ValidateURL(in.URL); err != nil {
		return nil, errFeedURLInvalid
	}
	if in.IndustryID != nil {
		if err := s.checkIndustry(ctx, *in.IndustryID); err != nil {
			return nil, err
		}
	}
	return s.store.CreateFeed(ctx, in)
}

func (s *Server) feedError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, errMissingURLOrName):
		s.errorResponse(w, http.StatusBadRequest, "URL and name are required")
	case errors.Is(err, errFeedURLInvalid):
		s.errorResponse(w, http.StatusBadRequest, "Invalid URL format")
	case errors.Is(err, errUnknownIndustry):
		s.errorResponse(w, http.StatusBadRequest, "Unknown industry")
	case runs.IsConflict(err):
		s.errorResponse(w, http.StatusConflict, "Source already exists")
	default:
		s.log.WithError(err).Error(strings.ToLower(msg))
		s.errorResponse(w, http.StatusInternalServerError, msg)
	}
}

// handleAdminUpdateSource edits a catalog entry. Every subscriber sees the change.
func (s *Server) handleAdminUpdateSource(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "Invalid source ID")
	if !ok {
		return
	}
	var req UpdateFeedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.URL != nil {
		if _, err := fetch.ValidateURL(strings.TrimSpace(*req.URL)); err != nil {
			s.feedError(w, errFeedURLInvalid, "")
			return
		}
	}
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		s.feedError(w, errMissingURLOrName, "")
		return
	}
	industryID, clearIndustry, err := s.resolveIndustry(r.Context(), req.IndustryID)
	if err != nil {
		s.feedError(w, err, "Failed to update source")
		return
	}

	feed, err := s.store.UpdateFeed(r.Context(), id, db.FeedUpdate{
		URL:           req.URL,
		Name:          req.Name,
		IndustryID:    industryID,
		ClearIndustry: clearIndustry,
		IsPublic:      req.IsPublic,
	})
	if err != nil {
		s.feedError(w, err, "Failed to update source")
		return
	}
	if feed == nil {
		s.errorResponse(w, http.StatusNotFound, "Source not found")
		return
	}
	s.jsonResponse(w, http.StatusOK, FeedResponse{Source: feed})
}

// handleAdminDeleteSource removes a catalog entry and every subscription to it.
func (s *Server) handleAdminDeleteSource(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "Invalid source ID")
	if !ok {
		return
	}
	found, err := s.store.DeleteFeed(r.Context(), id)
	if err != nil {
		s.log.WithError(err).WithField("feed_id", id).Error("failed to delete feed")
		s.errorResponse(w, http.StatusInternalServerError, "Failed to delete source")
		return
	}
	if !found {
		s.errorResponse(w, http.StatusNotFound, "Source not found")
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]bool{"success": true})
}

// handleAdminImportSources adds catalog entries from a CSV with url and name
// columns and an optional industry_slug column. The file comes as the "file"
// field of a multipart form, or as a text/csv body. Bad rows are skipped and
// reported.
func (s *Server) handleAdminImportSources(w http.ResponseWriter, r *http.Request) {
	body, err := importBody(w, r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "No file provided")
		return
	}
	defer func() { _ = body.Close() }()

	reader := csv.NewReader(body)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid CSV file")
		return
	}
	if len(records) < 2 {
		s.errorResponse(w, http.StatusBadRequest, "CSV file must have at least a header and one data row")
		return
	}

	cols := map[string]int{}
	for i, name := range records[0] {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	urlCol, hasURL := cols["url"]
	nameCol, hasName := cols["name"]
	if !hasURL || !hasName {
		s.errorResponse(w, http.StatusBadRequest, "CSV must have 'url' and 'name' columns")
		return
	}
	slugCol, hasSlug := cols["industry_slug"]

	industries, err := s.store.ListIndustries(r.Context())
	if err != nil {
		s.log.WithError(err).Error("failed to list industries")
		s.errorResponse(w, http.StatusInternalServerError, "Failed to import sources")
		return
	}
	bySlug := make(map[string]uuid.UUID, len(industries))
	for _, ind := range industries {
		bySlug[ind.Slug] = ind.ID
	}

	resp := ImportFeedsResponse{Success: true}
	for i, record := range records[1:] {
		row := i + 2 // the header is row 1
		in := db.FeedInput{URL: field(record, urlCol), Name: field(record, nameCol)}
		if hasSlug {
			if slug := strings.ToLower(field(record, slugCol)); slug != "" {
				id, ok := bySlug[slug]
				if !ok {
					resp.Errors = append(resp.Errors, fmt.Sprintf("Row %d: Unknown industry slug: %s", row, slug))
					continue
				}
				in.IndustryID = &id
			}
		}

		if _, err := s.createFeed(r.Context(), in); err != nil {
			resp.Errors = append(resp.Errors, importRowError(row, in.URL, err))
			if !errors.Is(err, errMissingURLOrName) && !errors.Is(err, errFeedURLInvalid) && !runs.IsConflict(err) {
				s.log.WithError(err).WithField("row", row).Warn("failed to import feed")
			}
			continue
		}
		resp.Imported++
	}

	if resp.Imported == 0 {
		s.jsonResponse(w, http.StatusBadRequest, map[string]any{
			"error":  "No valid sources to import",
			"errors": resp.Errors,
		})
		return
	}
	s.log.WithFields(logrus.Fields{"imported": resp.Imported, "skipped": len(resp.Errors)}).Info("feeds imported")
	s.jsonResponse(w, http.StatusOK, resp)
}

// importBody returns the uploaded CSV.
func importBody(w http.ResponseWriter, r *http.Request) (io.ReadCloser, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImportSize)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "text/csv") {
		return r.Body, nil
	}
	if err := r.ParseMultipartForm(maxImportSize); err != nil {
		return nil, err
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, err
	}
	return file, nil
}

func importRowError(row int, url string, err error) string {
	switch {
	case errors.Is(err, errMissingURLOrName):
		return fmt.Sprintf("Row %d: Missing url or name", row)
	case errors.Is(err, errFeedURLInvalid):
		return fmt.Sprintf("Row %d: Invalid URL format: %s", row, url)
	case runs.IsConflict(err):
		return fmt.Sprintf("Row %d: Source already exists: %s", row, url)
	default:
		return fmt.Sprintf("Row %d: Failed to import: %s", row, url)
	}
}

func field(record []string, i int) string {
	if i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request, msg string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, msg)
		return uuid.Nil, false
	}
	return id, true
}
