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
	"strconv"
	"strings"
	"time"

	"quizdesk/api/internal/collab"
	"quizdesk/api/internal/store"
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
		s.handleReady(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "documents" {
		s.handleDocuments(w, r, parts[2:])
		return
	}
	if len(parts) == 4 && parts[0] == "api" && parts[1] == "conflicts" && parts[3] == "resolve" && r.Method == http.MethodPost {
		s.handleResolveConflict(w, r, parts[2])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
		"presence": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	if err := s.service.PingPresence(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["presence"] = map[string]any{"status": "error", "error": err.Error()}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// handleDocuments routes everything under /api/documents/{type}/...
func (s *HTTPServer) handleDocuments(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Document type required", nil)
		return
	}
	docType, err := parseDocType(parts[0])
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	rest := parts[1:]

	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		s.handleListDocuments(w, r, docType)
	case len(rest) == 0 && r.Method == http.MethodPost:
		s.handleCreateDocument(w, r, docType)
	case len(rest) == 1 && rest[0] == "batch-update" && r.Method == http.MethodPost:
		s.handleBatchUpdate(w, r, docType)
	case len(rest) == 1 && r.Method == http.MethodGet:
		s.handleGetDocument(w, r, docType, rest[0])
	case len(rest) == 2 && rest[1] == "update" && r.Method == http.MethodPost:
		s.handleUpdateDocument(w, r, docType, rest[0])
	case len(rest) == 2 && rest[1] == "presence":
		s.handlePresence(w, r, docType, rest[0])
	case len(rest) == 3 && rest[1] == "presence" && rest[2] == "sweep" && r.Method == http.MethodPost:
		s.handleSweepPresence(w, r, docType, rest[0])
	case len(rest) == 2 && rest[1] == "operations" && r.Method == http.MethodGet:
		s.handleListOperations(w, r, docType, rest[0])
	case len(rest) == 2 && rest[1] == "conflicts" && r.Method == http.MethodGet:
		s.handleListConflicts(w, r, docType, rest[0])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) handleListDocuments(w http.ResponseWriter, r *http.Request, docType store.DocType) {
	items, err := s.service.ListDocuments(r.Context(), docType)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": documentViews(items)})
}

func (s *HTTPServer) handleGetDocument(w http.ResponseWriter, r *http.Request, docType store.DocType, docID string) {
	item, err := s.service.GetDocument(r.Context(), docType, docID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, documentView(item))
}

func (s *HTTPServer) handleCreateDocument(w http.ResponseWriter, r *http.Request, docType store.DocType) {
	userID, ok := actingUser(w, r)
	if !ok {
		return
	}
	var body CreateDocumentInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	item, err := s.service.CreateDocument(r.Context(), docType, body, userID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, documentView(item))
}

func (s *HTTPServer) handleUpdateDocument(w http.ResponseWriter, r *http.Request, docType store.DocType, docID string) {
	userID, ok := actingUser(w, r)
	if !ok {
		return
	}
	var body UpdateDocumentInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.UpdateDocument(r.Context(), docType, docID, body, userID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeUpdateResult(w, result)
}

func (s *HTTPServer) handleBatchUpdate(w http.ResponseWriter, r *http.Request, docType store.DocType) {
	userID, ok := actingUser(w, r)
	if !ok {
		return
	}
	var body BatchUpdateInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.BatchUpdateDocuments(r.Context(), docType, body, userID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// writeUpdateResult maps the tagged coordinator result onto HTTP: success
// 200, conflict 409 with the structured record, error per taxonomy.
func writeUpdateResult(w http.ResponseWriter, result collab.Result) {
	switch result.Status {
	case collab.StatusSuccess:
		writeJSON(w, http.StatusOK, result)
	case collab.StatusConflict:
		writeJSON(w, http.StatusConflict, result)
	default:
		var domainErr *DomainError
		if errors.As(result.Err, &domainErr) {
			writeError(w, domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details)
			return
		}
		writeError(w, http.StatusInternalServerError, "UPDATE_FAILED", result.Err.Error(), nil)
	}
}

func (s *HTTPServer) handlePresence(w http.ResponseWriter, r *http.Request, docType store.DocType, docID string) {
	switch r.Method {
	case http.MethodGet:
		records, err := s.service.ListPresence(r.Context(), docType, docID)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"editors": records})
	case http.MethodPost:
		userID, ok := actingUser(w, r)
		if !ok {
			return
		}
		var body SetPresenceInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		record, err := s.service.SetPresence(r.Context(), docType, docID, userID, body)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, record)
	case http.MethodPut:
		userID, ok := actingUser(w, r)
		if !ok {
			return
		}
		var body struct {
			EditingSection string `json:"editingSection,omitempty"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.HeartbeatPresence(r.Context(), docType, docID, userID, body.EditingSection); err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case http.MethodDelete:
		userID, ok := actingUser(w, r)
		if !ok {
			return
		}
		if err := s.service.ClearPresence(r.Context(), docType, docID, userID); err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleSweepPresence(w http.ResponseWriter, r *http.Request, docType store.DocType, docID string) {
	swept, err := s.service.SweepPresence(r.Context(), docType, docID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"swept": swept})
}

func (s *HTTPServer) handleListOperations(w http.ResponseWriter, r *http.Request, docType store.DocType, docID string) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	ops, err := s.service.ListOperations(r.Context(), docType, docID, limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": ops})
}

func (s *HTTPServer) handleListConflicts(w http.ResponseWriter, r *http.Request, docType store.DocType, docID string) {
	onlyOpen := r.URL.Query().Get("open") == "true"
	records, err := s.service.ListConflicts(r.Context(), docType, docID, onlyOpen)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": records})
}

func (s *HTTPServer) handleResolveConflict(w http.ResponseWriter, r *http.Request, conflictID string) {
	userID, ok := actingUser(w, r)
	if !ok {
		return
	}
	var body ResolveConflictInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.ResolveConflict(r.Context(), conflictID, body, userID); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type documentPayload struct {
	DocType   string          `json:"docType"`
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Body      json.RawMessage `json:"body"`
	Version   int64           `json:"version"`
	UpdatedBy string          `json:"updatedBy"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

func documentView(item store.Document) documentPayload {
	return documentPayload{
		DocType:   string(item.DocType),
		ID:        item.ID,
		Title:     item.Title,
		Body:      item.Body,
		Version:   item.Version,
		UpdatedBy: item.UpdatedBy,
		CreatedAt: item.CreatedAt,
		UpdatedAt: item.UpdatedAt,
	}
}

func documentViews(items []store.Document) []documentPayload {
	views := make([]documentPayload, 0, len(items))
	for _, item := range items {
		views = append(views, documentView(item))
	}
	return views
}

// actingUser reads the authenticated user id forwarded by the gateway.
// Authentication itself happens upstream.
func actingUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "USER_REQUIRED", "X-User-ID header is required", nil)
		return "", false
	}
	return userID, true
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	return http.StatusInternalServerError, "INTERNAL", "Internal server error", nil
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
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-User-ID")
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
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
