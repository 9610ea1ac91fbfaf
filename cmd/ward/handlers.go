package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/wardroom/internal/auth"
	"github.com/dreamware/wardroom/internal/ward"
)

const refreshCookie = "refreshToken"

type loginRequest struct {
	UserID string `json:"userId"`
}

type userResponse struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

type tokenResponse struct {
	AccessToken string       `json:"accessToken"`
	User        userResponse `json:"user"`
}

type createProblemRequest struct {
	Description string `json:"description"`
	Status      string `json:"status"`
	Kind        string `json:"kind"`
	Target      string `json:"target"`
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{ID: u.ID, FirstName: u.FirstName, LastName: u.LastName}
}

// handleLogin returns an access token for an existing or new user and sets
// the refresh token cookie.
func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	// An empty body logs in as a brand new user.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}

	user, pair, err := s.tokens.Login(req.UserID)
	if err != nil {
		s.logger.Error("login failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    pair.RefreshToken,
		Path:     "/",
		MaxAge:   int(s.tokens.RefreshTTL() / time.Second),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: pair.AccessToken, User: toUserResponse(user)})
}

// handleRefresh exchanges the refresh cookie for a new access token.
func (s *server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(refreshCookie)
	if err != nil || cookie.Value == "" {
		writeError(w, http.StatusUnauthorized, "refresh token required")
		return
	}

	user, access, err := s.tokens.Refresh(cookie.Value)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: access, User: toUserResponse(user)})
}

// handleMe restores a session from the refresh cookie alone: the current
// user plus a fresh access token. The refresh token is not rotated.
func (s *server) handleMe(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(refreshCookie)
	if err != nil || cookie.Value == "" {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	user, access, err := s.tokens.Refresh(cookie.Value)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: access, User: toUserResponse(user)})
}

// handleLogout revokes the refresh token and clears its cookie.
func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(refreshCookie); err == nil {
		s.tokens.Revoke(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// handleVerify reports the user behind a bearer access token.
func (s *server) handleVerify(w http.ResponseWriter, r *http.Request) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		writeError(w, http.StatusUnauthorized, "access token required")
		return
	}
	user, err := s.tokens.Authenticate(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid access token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]userResponse{"user": toUserResponse(user)})
}

// handleListPatients returns the current projection's patients, each with
// its overall status.
func (s *server) handleListPatients(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Projection().Patients)
}

// handleListCaregivers returns every caregiver seen since startup with their
// resolution history.
func (s *server) handleListCaregivers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Directory().All())
}

func (s *server) handleGetPatient(w http.ResponseWriter, r *http.Request) {
	p, ok := s.engine.Projection().Patient(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "patient not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleCreateProblem adds a problem to a patient and pushes the new state
// to every connected caregiver.
func (s *server) handleCreateProblem(w http.ResponseWriter, r *http.Request) {
	var req createProblemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	req.Description = strings.TrimSpace(req.Description)
	if req.Description == "" {
		writeError(w, http.StatusBadRequest, "description required")
		return
	}
	if req.Status == "" {
		req.Status = string(ward.StatusCritical)
	}
	status, err := ward.ParseStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	kind, err := ward.ParseKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if kind == ward.KindRemediation && req.Target == "" {
		writeError(w, http.StatusBadRequest, "target required for remediation problems")
		return
	}

	now := s.engine.Now()
	problem, err := s.store.AddProblem(r.PathValue("id"), ward.Problem{
		CreatedAt:   now,
		UpdatedAt:   now,
		ID:          uuid.NewString(),
		Description: req.Description,
		Kind:        kind,
		Status:      status,
		Target:      req.Target,
	})
	switch {
	case errors.Is(err, ward.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient not found")
		return
	case err != nil:
		s.logger.Error("create problem", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "create failed")
		return
	}

	s.logger.Info("problem created",
		zap.String("patient_id", problem.PatientID),
		zap.String("problem_id", problem.ID),
		zap.String("kind", string(kind)))
	s.gateway.BroadcastPatients()
	writeJSON(w, http.StatusCreated, problem)
}

// withCORS answers preflight requests and lets allowed browser origins send
// credentials (the refresh cookie).
func withCORS(allowed []string, next http.Handler) http.Handler {
	anyOrigin := len(allowed) == 0 || slices.Contains(allowed, "*")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (anyOrigin || slices.Contains(allowed, origin)) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
