package hub

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

	"signoff/hub/internal/protocol"
	"signoff/hub/internal/store"
)

type HTTPServer struct {
	service    *Service
	hub        *Hub
	corsOrigin string
	token      string
}

func NewHTTPServer(service *Service, hub *Hub, corsOrigin, token string) *HTTPServer {
	return &HTTPServer{service: service, hub: hub, corsOrigin: corsOrigin, token: token}
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
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":      status == "ready",
			"status":  status,
			"checks":  checks,
			"clients": s.hub.ClientCount(),
		})
		return
	}

	if r.URL.Path == "/ws" {
		if !s.authorized(r) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		s.hub.HandleWS(w, r)
		return
	}

	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch {
	// GET /api/channels/{id}/messages
	case r.Method == http.MethodGet && len(parts) == 4 && parts[1] == "channels" && parts[3] == "messages":
		channelID, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid channel id", nil)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		s.handleChannelHistory(w, r, channelID, limit)

	// GET /api/workflows/{id}/tasks
	case r.Method == http.MethodGet && len(parts) == 4 && parts[1] == "workflows" && parts[3] == "tasks":
		workflowID, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid workflow id", nil)
			return
		}
		s.handleWorkflowTasks(w, r, workflowID)

	// POST /api/tasks/{id}/transitions
	case r.Method == http.MethodPost && len(parts) == 4 && parts[1] == "tasks" && parts[3] == "transitions":
		taskID, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid task id", nil)
			return
		}
		s.handleTaskTransition(w, r, taskID)

	// POST /api/documents/{id}/versions/{n}/analysis
	case r.Method == http.MethodPost && len(parts) == 6 && parts[1] == "documents" && parts[3] == "versions" && parts[5] == "analysis":
		documentID, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid document id", nil)
			return
		}
		version, err := strconv.Atoi(parts[4])
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid version", nil)
			return
		}
		s.handleStartAnalysis(w, r, documentID, version)

	// GET /api/jobs/{id}
	case r.Method == http.MethodGet && len(parts) == 3 && parts[1] == "jobs":
		s.handleJobStatus(w, r, parts[2])

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleChannelHistory(w http.ResponseWriter, r *http.Request, channelID int64, limit int) {
	messages, err := s.service.ChannelHistory(r.Context(), channelID, limit)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	if messages == nil {
		messages = []protocol.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *HTTPServer) handleWorkflowTasks(w http.ResponseWriter, r *http.Request, workflowID int64) {
	tasks, err := s.service.WorkflowTasks(r.Context(), workflowID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, taskViewFrom(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": views})
}

func (s *HTTPServer) handleTaskTransition(w http.ResponseWriter, r *http.Request, taskID int64) {
	var body struct {
		Actor Actor  `json:"actor"`
		To    string `json:"to"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	task, err := s.service.TransitionTask(r.Context(), taskID, body.Actor, body.To)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": taskViewFrom(task)})
}

func (s *HTTPServer) handleStartAnalysis(w http.ResponseWriter, r *http.Request, documentID int64, version int) {
	job, err := s.service.StartAnalysis(r.Context(), documentID, version)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": jobViewFrom(job)})
}

func (s *HTTPServer) handleJobStatus(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := s.service.JobStatus(r.Context(), jobID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": jobViewFrom(job)})
}

func (s *HTTPServer) authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	if bearerToken(r) == s.token {
		return true
	}
	// Browsers cannot set headers on websocket dials; accept the token as a
	// query parameter there.
	return r.URL.Query().Get("token") == s.token
}

// taskView is the JSON shape of a task on the board.
type taskView struct {
	ID                int64     `json:"id"`
	WorkflowID        int64     `json:"workflowId"`
	Title             string    `json:"title"`
	Status            string    `json:"status"`
	RequiredRoleLevel int       `json:"requiredRoleLevel"`
	AssigneeID        *int64    `json:"assigneeId"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

func taskViewFrom(t store.Task) taskView {
	return taskView{
		ID:                t.ID,
		WorkflowID:        t.WorkflowID,
		Title:             t.Title,
		Status:            t.Status,
		RequiredRoleLevel: t.RequiredRoleLevel,
		AssigneeID:        t.AssigneeID,
		UpdatedAt:         t.UpdatedAt,
	}
}

// jobView is the JSON shape of an analysis job.
type jobView struct {
	ID         string          `json:"id"`
	JobKey     string          `json:"jobKey"`
	DocumentID int64           `json:"documentId"`
	Version    int             `json:"version"`
	Status     string          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

func jobViewFrom(j store.Job) jobView {
	return jobView{
		ID:         j.ID,
		JobKey:     j.JobKey,
		DocumentID: j.DocumentID,
		Version:    j.Version,
		Status:     j.Status,
		Result:     j.Result,
		Reason:     j.Reason,
		CreatedAt:  j.CreatedAt,
	}
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
	bytes := make([]byte, 8)
	_, _ = rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

func setCORSHeaders(header http.Header, origin string) {
	header.Set("Content-Type", "application/json")
	header.Set("Access-Control-Allow-Origin", origin)
	header.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	header.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
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

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, store.ErrConflict) {
		return http.StatusConflict, "CONFLICT", "Conflict", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
