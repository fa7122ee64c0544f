package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/choucavalier/zulip/internal/auth"
	"github.com/choucavalier/zulip/internal/narrow"
	"github.com/choucavalier/zulip/internal/search"
	"github.com/choucavalier/zulip/internal/store"
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
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/login" {
		var body struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Login(r.Context(), body.Email, body.Password)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(session, true))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(session, true))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Logout(r.Context(), body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userId":        session.UserID,
			"email":         session.Email,
			"fullName":      session.FullName,
			"role":          session.Role,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/v1/messages" {
		s.handleGetMessages(w, r)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodPost) && r.URL.Path == "/api/v1/messages/matches_narrow" {
		s.handleMatchesNarrow(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/v1/search" {
		s.handleSearch(w, r)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func sessionPayload(session Session, withRefresh bool) map[string]any {
	payload := map[string]any{
		"token":    session.Token,
		"userId":   session.UserID,
		"email":    session.Email,
		"fullName": session.FullName,
		"role":     session.Role,
	}
	if withRefresh {
		payload["refreshToken"] = session.RefreshToken
	}
	return payload
}

func (s *HTTPServer) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	viewer, err := s.optionalViewer(r)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	req, err := parseGetMessagesRequest(r)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	if len(req.Narrow) > 0 {
		log.Printf("narrow: %s", strings.Join(narrow.VerboseOperators(req.Narrow), " "))
	}

	resp, err := s.service.GetMessages(r.Context(), viewer, req)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleMatchesNarrow(w http.ResponseWriter, r *http.Request) {
	viewer, err := s.optionalViewer(r)
	if err != nil || viewer == nil {
		status, code, message, details := mapError(errAuthenticationRequired())
		writeError(w, status, code, message, details)
		return
	}

	msgIDs, err := parseIDListParam(r.FormValue("msg_ids"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Bad value for 'msg_ids'", nil)
		return
	}
	terms, err := narrow.Parse(r.FormValue("narrow"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Bad value for 'narrow'", nil)
		return
	}

	resp, err := s.service.MessagesMatchesNarrow(r.Context(), *viewer, msgIDs, terms)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	viewer, err := s.optionalViewer(r)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))

	resp := s.service.QuickSearch(search.Query{
		Text:      query.Get("q"),
		Stream:    query.Get("stream"),
		Limit:     limit,
		Offset:    offset,
		Spectator: viewer == nil,
	})
	writeJSON(w, http.StatusOK, resp)
}

// optionalViewer resolves the authenticated user, or nil when no
// credentials were sent. Credentials that are present but bad are an
// error, never a silent downgrade to spectator.
func (s *HTTPServer) optionalViewer(r *http.Request) (*store.User, error) {
	token := bearerToken(r)
	if token == "" {
		return nil, nil
	}
	user, err := s.service.UserFromToken(r.Context(), token)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func parseGetMessagesRequest(r *http.Request) (GetMessagesRequest, error) {
	query := r.URL.Query()
	req := GetMessagesRequest{
		Anchor:    query.Get("anchor"),
		AnchorSet: query.Has("anchor"),
	}

	var err error
	if req.NumBefore, err = parseCountParam(query.Get("num_before")); err != nil {
		return req, badParameter("num_before")
	}
	if req.NumAfter, err = parseCountParam(query.Get("num_after")); err != nil {
		return req, badParameter("num_after")
	}
	if req.IncludeAnchor, err = parseBoolParam(query.Get("include_anchor"), true); err != nil {
		return req, badParameter("include_anchor")
	}
	if req.UseFirstUnread, err = parseBoolParam(query.Get("use_first_unread_anchor"), false); err != nil {
		return req, badParameter("use_first_unread_anchor")
	}
	if req.ApplyMarkdown, err = parseBoolParam(query.Get("apply_markdown"), true); err != nil {
		return req, badParameter("apply_markdown")
	}
	if req.ClientGravatar, err = parseBoolParam(query.Get("client_gravatar"), true); err != nil {
		return req, badParameter("client_gravatar")
	}
	if req.AllowEmptyTopicName, err = parseBoolParam(query.Get("allow_empty_topic_name"), false); err != nil {
		return req, badParameter("allow_empty_topic_name")
	}

	if query.Has("message_ids") {
		req.MessageIDsSet = true
		if req.MessageIDs, err = parseIDListParam(query.Get("message_ids")); err != nil {
			return req, badParameter("message_ids")
		}
	}

	if req.Narrow, err = narrow.Parse(query.Get("narrow")); err != nil {
		return req, badParameter("narrow")
	}
	return req, nil
}

func badParameter(name string) *DomainError {
	return domainError(http.StatusBadRequest, "BAD_REQUEST",
		fmt.Sprintf("Bad value for '%s'", name), nil)
}

func parseCountParam(value string) (int, error) {
	if value == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("bad count %q", value)
	}
	return n, nil
}

func parseBoolParam(value string, fallback bool) (bool, error) {
	if value == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, err
	}
	return b, nil
}

// parseIDListParam decodes a JSON array of message ids.
func parseIDListParam(value string) ([]int64, error) {
	if strings.TrimSpace(value) == "" {
		return []int64{}, nil
	}
	var ids []int64
	if err := json.Unmarshal([]byte(value), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

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

type requestIDKey struct{}

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
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"result": "error",
		"code":   code,
		"msg":    message,
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
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
