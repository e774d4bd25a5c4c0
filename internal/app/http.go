package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wellspring/session/internal/invite"
	"wellspring/session/internal/resolve"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"preferences": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["preferences"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		promhttp.Handler().ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		sess, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "userId": sess.UserID, "userName": sess.UserName})
		return
	}

	// Everything below requires a valid bearer token.
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing bearer token", nil)
		return
	}
	sess, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid bearer token", nil)
		return
	}

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/accounts":
		s.handleListAccounts(w, r, sess)
	case r.Method == http.MethodGet && r.URL.Path == "/api/accounts/active":
		s.handleActiveAccount(w, r, sess)
	case r.Method == http.MethodPut && r.URL.Path == "/api/accounts/active":
		s.handleSelectAccount(w, r, sess)
	case r.Method == http.MethodGet && r.URL.Path == "/api/subjects":
		s.handleListSubjects(w, r, sess)
	case r.Method == http.MethodGet && r.URL.Path == "/api/projects/active":
		s.handleActiveProject(w, r, sess)
	case r.Method == http.MethodPut && r.URL.Path == "/api/projects/active":
		s.handleSelectProject(w, r, sess)
	case r.Method == http.MethodGet && r.URL.Path == "/api/invites/pending":
		writeJSON(w, http.StatusOK, s.service.PendingInvite())
	case r.Method == http.MethodPost && r.URL.Path == "/api/invites/pending":
		s.handleSetPendingInvite(w, r)
	case r.Method == http.MethodDelete && r.URL.Path == "/api/invites/pending":
		s.service.ClearPendingInvite()
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case r.Method == http.MethodPost && r.URL.Path == "/api/invites/accept":
		s.handleAcceptInvite(w, r, sess)
	case r.Method == http.MethodGet && r.URL.Path == "/api/session/aggregate":
		s.handleAggregatedSession(w, r, sess)
	case r.Method == http.MethodDelete && r.URL.Path == "/api/session/aggregate":
		s.handleClearAggregatedSession(w, r, sess)
	case r.Method == http.MethodPost && r.URL.Path == "/api/session/logout":
		s.handleLogout(w, r, sess)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown route", nil)
	}
}

func (s *HTTPServer) handleListAccounts(w http.ResponseWriter, r *http.Request, sess Session) {
	state, err := s.service.ActiveAccount(r.Context(), sess, "")
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": state.AccountsWithProduct,
	})
}

func (s *HTTPServer) handleActiveAccount(w http.ResponseWriter, r *http.Request, sess Session) {
	state, err := s.service.ActiveAccount(r.Context(), sess, r.URL.Query().Get("override"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeAccountState(w, state)
}

func (s *HTTPServer) handleSelectAccount(w http.ResponseWriter, r *http.Request, sess Session) {
	var body struct {
		AccountID string `json:"accountId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.AccountID) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "accountId is required", nil)
		return
	}
	state, err := s.service.SelectAccount(r.Context(), sess, strings.TrimSpace(body.AccountID))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeAccountState(w, state)
}

func (s *HTTPServer) handleListSubjects(w http.ResponseWriter, r *http.Request, sess Session) {
	pairs, err := s.service.Subjects(r.Context(), sess, r.URL.Query().Get("account"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if pairs == nil {
		pairs = []resolve.Pair{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": pairs})
}

func (s *HTTPServer) handleActiveProject(w http.ResponseWriter, r *http.Request, sess Session) {
	state, err := s.service.ActiveProject(r.Context(), sess, r.URL.Query().Get("account"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeProjectState(w, state)
}

func (s *HTTPServer) handleSelectProject(w http.ResponseWriter, r *http.Request, sess Session) {
	var body struct {
		AccountID string `json:"accountId"`
		ProjectID string `json:"projectId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.ProjectID) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "projectId is required", nil)
		return
	}
	state, err := s.service.SelectProject(r.Context(), sess, strings.TrimSpace(body.AccountID), strings.TrimSpace(body.ProjectID))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeProjectState(w, state)
}

func (s *HTTPServer) handleSetPendingInvite(w http.ResponseWriter, r *http.Request) {
	var body struct {
		InviteID string `json:"inviteId"`
		EVC      string `json:"evc"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.InviteID) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "inviteId is required", nil)
		return
	}
	s.service.SetPendingInvite(strings.TrimSpace(body.InviteID), strings.TrimSpace(body.EVC))
	writeJSON(w, http.StatusOK, s.service.PendingInvite())
}

func (s *HTTPServer) handleAcceptInvite(w http.ResponseWriter, r *http.Request, sess Session) {
	newToken, err := s.service.AcceptInvite(r.Context(), sess)
	if err != nil {
		switch {
		case errors.Is(err, invite.ErrNoPendingInvite):
			writeError(w, http.StatusBadRequest, "NO_PENDING_INVITE", "No pending invite to accept", nil)
		case errors.Is(err, invite.ErrAcceptInProgress):
			writeError(w, http.StatusConflict, "ACCEPT_IN_PROGRESS", "Invite acceptance already in progress", nil)
		default:
			writeError(w, http.StatusBadGateway, "INVITE_ACCEPT_FAILED", "Invite acceptance failed", nil)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "token": newToken})
}

func (s *HTTPServer) handleAggregatedSession(w http.ResponseWriter, r *http.Request, sess Session) {
	aggregated, err := s.service.AggregatedSession(r.Context(), sess)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, aggregated)
}

func (s *HTTPServer) handleClearAggregatedSession(w http.ResponseWriter, r *http.Request, sess Session) {
	if err := s.service.ClearAggregatedSession(r.Context(), sess); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request, sess Session) {
	if err := s.service.Logout(r.Context(), sess); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func writeAccountState(w http.ResponseWriter, state resolve.AccountState) {
	writeJSON(w, http.StatusOK, map[string]any{
		"account":             state.Account,
		"accountsWithProduct": state.AccountsWithProduct,
		"accountHeaders":      state.AccountHeaders,
		"invitationRequired":  state.Account == nil,
	})
}

func writeProjectState(w http.ResponseWriter, state resolve.ProjectState) {
	writeJSON(w, http.StatusOK, map[string]any{
		"activeProject":      state.ActiveProject,
		"activeSubjectId":    state.ActiveSubjectID,
		"activeSubject":      state.ActiveSubject,
		"invitationRequired": state.ActiveProject == nil,
	})
}

func writeServiceError(w http.ResponseWriter, err error) {
	var domain *DomainError
	if errors.As(err, &domain) {
		writeError(w, domain.Status, domain.Code, domain.Message, domain.Details)
		return
	}
	writeError(w, http.StatusBadGateway, "UPSTREAM_FAILED", err.Error(), nil)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
