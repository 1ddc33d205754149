package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"quizdesk/api/internal/collab"
	"quizdesk/api/internal/config"
	"quizdesk/api/internal/conflict"
	"quizdesk/api/internal/presence"
	"quizdesk/api/internal/store"
)

type fakeDataStore struct {
	pingFn                func(context.Context) error
	listDocumentsFn       func(context.Context, store.DocType) ([]store.Document, error)
	getDocumentFn         func(context.Context, store.DocType, string) (store.Document, error)
	insertDocumentFn      func(context.Context, store.Document) error
	getOrInitLockFn       func(context.Context, store.DocType, string, string) (store.DocumentLock, error)
	listOperationsFn      func(context.Context, store.DocType, string, int) ([]conflict.EditOperation, error)
	listConflictsFn       func(context.Context, store.DocType, string, bool) ([]conflict.EditConflict, error)
	resolveEditConflictFn func(context.Context, string, conflict.Resolution, time.Time) (bool, error)
}

func (f *fakeDataStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeDataStore) ListDocuments(ctx context.Context, docType store.DocType) ([]store.Document, error) {
	if f.listDocumentsFn != nil {
		return f.listDocumentsFn(ctx, docType)
	}
	return nil, nil
}

func (f *fakeDataStore) GetDocument(ctx context.Context, docType store.DocType, docID string) (store.Document, error) {
	if f.getDocumentFn != nil {
		return f.getDocumentFn(ctx, docType, docID)
	}
	return store.Document{}, sql.ErrNoRows
}

func (f *fakeDataStore) InsertDocument(ctx context.Context, item store.Document) error {
	if f.insertDocumentFn != nil {
		return f.insertDocumentFn(ctx, item)
	}
	return nil
}

func (f *fakeDataStore) GetOrInitLock(ctx context.Context, docType store.DocType, docID, userID string) (store.DocumentLock, error) {
	if f.getOrInitLockFn != nil {
		return f.getOrInitLockFn(ctx, docType, docID, userID)
	}
	return store.DocumentLock{DocType: docType, DocID: docID}, nil
}

func (f *fakeDataStore) ListEditOperations(ctx context.Context, docType store.DocType, docID string, limit int) ([]conflict.EditOperation, error) {
	if f.listOperationsFn != nil {
		return f.listOperationsFn(ctx, docType, docID, limit)
	}
	return nil, nil
}

func (f *fakeDataStore) ListEditConflicts(ctx context.Context, docType store.DocType, docID string, onlyOpen bool) ([]conflict.EditConflict, error) {
	if f.listConflictsFn != nil {
		return f.listConflictsFn(ctx, docType, docID, onlyOpen)
	}
	return nil, nil
}

func (f *fakeDataStore) ResolveEditConflict(ctx context.Context, conflictID string, resolution conflict.Resolution, resolvedAt time.Time) (bool, error) {
	if f.resolveEditConflictFn != nil {
		return f.resolveEditConflictFn(ctx, conflictID, resolution, resolvedAt)
	}
	return false, nil
}

type fakeTracker struct {
	pingFn  func(context.Context) error
	sweepFn func(context.Context, string, string, time.Duration) (int, error)
}

func (f *fakeTracker) Set(ctx context.Context, docType, docID, userID, userName string, opts presence.Options) (presence.EditorPresence, error) {
	return presence.EditorPresence{UserID: userID, UserName: userName, IsActive: true, Color: presence.ColorFor(userID)}, nil
}

func (f *fakeTracker) Heartbeat(ctx context.Context, docType, docID, userID string, update *presence.HeartbeatUpdate) error {
	return nil
}

func (f *fakeTracker) Clear(ctx context.Context, docType, docID, userID string) error {
	return nil
}

func (f *fakeTracker) ListActive(ctx context.Context, docType, docID string) ([]presence.EditorPresence, error) {
	return nil, nil
}

func (f *fakeTracker) SweepStale(ctx context.Context, docType, docID string, threshold time.Duration) (int, error) {
	if f.sweepFn != nil {
		return f.sweepFn(ctx, docType, docID, threshold)
	}
	return 0, nil
}

func (f *fakeTracker) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fakeCoordinator struct {
	updateFn func(ctx context.Context, docType store.DocType, docID string, payload json.RawMessage, userID string, mutate collab.MutateFunc, opts collab.UpdateOptions) collab.Result
	batchFn  func(ctx context.Context, docType store.DocType, items []collab.BatchItem, userID string, mutate collab.BatchMutateFunc, opts collab.UpdateOptions) collab.BatchResult
}

func (f *fakeCoordinator) Update(ctx context.Context, docType store.DocType, docID string, payload json.RawMessage, userID string, mutate collab.MutateFunc, opts collab.UpdateOptions) collab.Result {
	if f.updateFn != nil {
		return f.updateFn(ctx, docType, docID, payload, userID, mutate, opts)
	}
	return collab.Result{Status: collab.StatusSuccess, Data: &collab.VersionedPayload{Version: 1, Body: payload}}
}

func (f *fakeCoordinator) BatchUpdate(ctx context.Context, docType store.DocType, items []collab.BatchItem, userID string, mutate collab.BatchMutateFunc, opts collab.UpdateOptions) collab.BatchResult {
	if f.batchFn != nil {
		return f.batchFn(ctx, docType, items, userID, mutate, opts)
	}
	return collab.BatchResult{}
}

func newTestService(ds *fakeDataStore, tracker *fakeTracker, coordinator *fakeCoordinator) *Service {
	return New(config.Config{PresenceTTL: 5 * time.Minute}, ds, tracker, coordinator, zerolog.Nop())
}

func doRequest(t *testing.T, handler http.Handler, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestHealthEndpoint(t *testing.T) {
	svc := newTestService(&fakeDataStore{}, &fakeTracker{}, &fakeCoordinator{})
	server := NewHTTPServer(svc, "*")

	rr := doRequest(t, server.Handler(), http.MethodGet, "/api/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}

	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if ok, exists := response["ok"]; !exists || ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
}

func TestReadyEndpointReportsPresenceFailure(t *testing.T) {
	tracker := &fakeTracker{
		pingFn: func(context.Context) error { return errors.New("redis refused") },
	}
	svc := newTestService(&fakeDataStore{}, tracker, &fakeCoordinator{})
	server := NewHTTPServer(svc, "*")

	rr := doRequest(t, server.Handler(), http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when presence store is down, got %d", rr.Code)
	}
}

func TestUpdateDocumentSuccess(t *testing.T) {
	ds := &fakeDataStore{
		getDocumentFn: func(context.Context, store.DocType, string) (store.Document, error) {
			return store.Document{DocType: store.DocTypeQuiz, ID: "qz_1", Version: 3}, nil
		},
	}
	coordinator := &fakeCoordinator{
		updateFn: func(ctx context.Context, docType store.DocType, docID string, payload json.RawMessage, userID string, mutate collab.MutateFunc, opts collab.UpdateOptions) collab.Result {
			if opts.Strategy != collab.StrategyAutoMerge {
				t.Errorf("expected auto-merge strategy, got %s", opts.Strategy)
			}
			return collab.Result{Status: collab.StatusSuccess, Data: &collab.VersionedPayload{Version: 4, Body: payload}}
		},
	}
	svc := newTestService(ds, &fakeTracker{}, coordinator)
	server := NewHTTPServer(svc, "*")

	rr := doRequest(t, server.Handler(), http.MethodPost, "/api/documents/quiz/qz_1/update", "alice", map[string]any{
		"payload":  map[string]any{"title": "CCNA drills"},
		"strategy": "auto-merge",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var result collab.Result
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse result: %v", err)
	}
	if result.Status != collab.StatusSuccess || result.Data.Version != 4 {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestUpdateDocumentConflictReturns409(t *testing.T) {
	ds := &fakeDataStore{
		getDocumentFn: func(context.Context, store.DocType, string) (store.Document, error) {
			return store.Document{DocType: store.DocTypeQuiz, ID: "qz_1", Version: 7}, nil
		},
	}
	coordinator := &fakeCoordinator{
		updateFn: func(ctx context.Context, docType store.DocType, docID string, payload json.RawMessage, userID string, mutate collab.MutateFunc, opts collab.UpdateOptions) collab.Result {
			return collab.Result{Status: collab.StatusConflict, RequiresUserInput: true}
		},
	}
	svc := newTestService(ds, &fakeTracker{}, coordinator)
	server := NewHTTPServer(svc, "*")

	rr := doRequest(t, server.Handler(), http.MethodPost, "/api/documents/quiz/qz_1/update", "bob", map[string]any{
		"payload":         map[string]any{},
		"expectedVersion": 5,
	})
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}

	var result collab.Result
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse result: %v", err)
	}
	if !result.RequiresUserInput {
		t.Error("expected requiresUserInput in conflict response")
	}
}

func TestUpdateDocumentRequiresUser(t *testing.T) {
	svc := newTestService(&fakeDataStore{}, &fakeTracker{}, &fakeCoordinator{})
	server := NewHTTPServer(svc, "*")

	rr := doRequest(t, server.Handler(), http.MethodPost, "/api/documents/quiz/qz_1/update", "", map[string]any{})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without X-User-ID, got %d", rr.Code)
	}
}

func TestUpdateUnknownDocTypeRejected(t *testing.T) {
	svc := newTestService(&fakeDataStore{}, &fakeTracker{}, &fakeCoordinator{})
	server := NewHTTPServer(svc, "*")

	rr := doRequest(t, server.Handler(), http.MethodPost, "/api/documents/spreadsheet/x/update", "alice", map[string]any{})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown doc type, got %d", rr.Code)
	}
}

func TestUpdateMissingDocumentReturns404(t *testing.T) {
	svc := newTestService(&fakeDataStore{}, &fakeTracker{}, &fakeCoordinator{})
	server := NewHTTPServer(svc, "*")

	rr := doRequest(t, server.Handler(), http.MethodPost, "/api/documents/quiz/ghost/update", "alice", map[string]any{
		"payload": map[string]any{},
	})
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for missing document, got %d", rr.Code)
	}
}

func TestUpdateUnknownStrategyRejected(t *testing.T) {
	ds := &fakeDataStore{
		getDocumentFn: func(context.Context, store.DocType, string) (store.Document, error) {
			return store.Document{DocType: store.DocTypeQuiz, ID: "qz_1"}, nil
		},
	}
	svc := newTestService(ds, &fakeTracker{}, &fakeCoordinator{})
	server := NewHTTPServer(svc, "*")

	rr := doRequest(t, server.Handler(), http.MethodPost, "/api/documents/quiz/qz_1/update", "alice", map[string]any{
		"payload":  map[string]any{},
		"strategy": "clobber",
	})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown strategy, got %d", rr.Code)
	}
}

func TestBatchUpdateEmptyRejected(t *testing.T) {
	svc := newTestService(&fakeDataStore{}, &fakeTracker{}, &fakeCoordinator{})
	server := NewHTTPServer(svc, "*")

	rr := doRequest(t, server.Handler(), http.MethodPost, "/api/documents/quiz/batch-update", "alice", map[string]any{
		"updates": []any{},
	})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty batch, got %d", rr.Code)
	}
}

func TestSetPresenceEndpoint(t *testing.T) {
	svc := newTestService(&fakeDataStore{}, &fakeTracker{}, &fakeCoordinator{})
	server := NewHTTPServer(svc, "*")

	rr := doRequest(t, server.Handler(), http.MethodPost, "/api/documents/lecture/lc_1/presence", "alice", map[string]any{
		"userName": "Alice",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var record presence.EditorPresence
	if err := json.Unmarshal(rr.Body.Bytes(), &record); err != nil {
		t.Fatalf("failed to parse record: %v", err)
	}
	if !record.IsActive || record.Color == "" {
		t.Errorf("unexpected presence record: %+v", record)
	}
}

func TestSweepPresenceEndpoint(t *testing.T) {
	tracker := &fakeTracker{
		sweepFn: func(ctx context.Context, docType, docID string, threshold time.Duration) (int, error) {
			if threshold != 5*time.Minute {
				t.Errorf("expected configured threshold, got %v", threshold)
			}
			return 2, nil
		},
	}
	svc := newTestService(&fakeDataStore{}, tracker, &fakeCoordinator{})
	server := NewHTTPServer(svc, "*")

	rr := doRequest(t, server.Handler(), http.MethodPost, "/api/documents/quiz/qz_1/presence/sweep", "alice", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if response["swept"] != float64(2) {
		t.Errorf("expected 2 swept, got %v", response["swept"])
	}
}

func TestResolveConflictNotFound(t *testing.T) {
	svc := newTestService(&fakeDataStore{}, &fakeTracker{}, &fakeCoordinator{})
	server := NewHTTPServer(svc, "*")

	rr := doRequest(t, server.Handler(), http.MethodPost, "/api/conflicts/cfl_missing/resolve", "alice", map[string]any{
		"strategy": "last-write-wins",
	})
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown conflict, got %d", rr.Code)
	}
}

func TestResolveConflictSuccess(t *testing.T) {
	ds := &fakeDataStore{
		resolveEditConflictFn: func(ctx context.Context, conflictID string, resolution conflict.Resolution, resolvedAt time.Time) (bool, error) {
			if resolution.Strategy != conflict.ResolveLastWriteWins {
				t.Errorf("unexpected strategy %s", resolution.Strategy)
			}
			if resolution.ResolvedBy != "alice" {
				t.Errorf("unexpected resolver %s", resolution.ResolvedBy)
			}
			return true, nil
		},
	}
	svc := newTestService(ds, &fakeTracker{}, &fakeCoordinator{})
	server := NewHTTPServer(svc, "*")

	rr := doRequest(t, server.Handler(), http.MethodPost, "/api/conflicts/cfl_1/resolve", "alice", map[string]any{
		"strategy": "last-write-wins",
	})
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestCreateDocumentRequiresTitle(t *testing.T) {
	svc := newTestService(&fakeDataStore{}, &fakeTracker{}, &fakeCoordinator{})
	server := NewHTTPServer(svc, "*")

	rr := doRequest(t, server.Handler(), http.MethodPost, "/api/documents/quiz", "alice", map[string]any{
		"body": map[string]any{},
	})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing title, got %d", rr.Code)
	}
}

func TestCreateDocumentInitializesLock(t *testing.T) {
	lockInits := 0
	ds := &fakeDataStore{
		getOrInitLockFn: func(ctx context.Context, docType store.DocType, docID, userID string) (store.DocumentLock, error) {
			lockInits++
			return store.DocumentLock{DocType: docType, DocID: docID}, nil
		},
		getDocumentFn: func(ctx context.Context, docType store.DocType, docID string) (store.Document, error) {
			return store.Document{DocType: docType, ID: docID, Title: "ITIL foundations"}, nil
		},
	}
	svc := newTestService(ds, &fakeTracker{}, &fakeCoordinator{})
	server := NewHTTPServer(svc, "*")

	rr := doRequest(t, server.Handler(), http.MethodPost, "/api/documents/material", "alice", map[string]any{
		"title": "ITIL foundations",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if lockInits != 1 {
		t.Errorf("expected the lock to be initialized once, got %d", lockInits)
	}
}
