package app

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"quizdesk/api/internal/collab"
	"quizdesk/api/internal/config"
	"quizdesk/api/internal/conflict"
	"quizdesk/api/internal/presence"
	"quizdesk/api/internal/store"
	"quizdesk/api/internal/util"
)

type dataStore interface {
	Ping(context.Context) error
	ListDocuments(context.Context, store.DocType) ([]store.Document, error)
	GetDocument(context.Context, store.DocType, string) (store.Document, error)
	InsertDocument(context.Context, store.Document) error
	GetOrInitLock(context.Context, store.DocType, string, string) (store.DocumentLock, error)
	ListEditOperations(context.Context, store.DocType, string, int) ([]conflict.EditOperation, error)
	ListEditConflicts(context.Context, store.DocType, string, bool) ([]conflict.EditConflict, error)
	ResolveEditConflict(context.Context, string, conflict.Resolution, time.Time) (bool, error)
}

type presenceTracker interface {
	Set(ctx context.Context, docType, docID, userID, userName string, opts presence.Options) (presence.EditorPresence, error)
	Heartbeat(ctx context.Context, docType, docID, userID string, update *presence.HeartbeatUpdate) error
	Clear(ctx context.Context, docType, docID, userID string) error
	ListActive(ctx context.Context, docType, docID string) ([]presence.EditorPresence, error)
	SweepStale(ctx context.Context, docType, docID string, threshold time.Duration) (int, error)
	Ping(ctx context.Context) error
}

type updateCoordinator interface {
	Update(ctx context.Context, docType store.DocType, docID string, localPayload json.RawMessage, userID string, mutate collab.MutateFunc, opts collab.UpdateOptions) collab.Result
	BatchUpdate(ctx context.Context, docType store.DocType, items []collab.BatchItem, userID string, mutate collab.BatchMutateFunc, opts collab.UpdateOptions) collab.BatchResult
}

type Service struct {
	cfg         config.Config
	store       dataStore
	tracker     presenceTracker
	coordinator updateCoordinator
	log         zerolog.Logger
}

func New(cfg config.Config, dataStore dataStore, tracker presenceTracker, coordinator updateCoordinator, log zerolog.Logger) *Service {
	return &Service{
		cfg:         cfg,
		store:       dataStore,
		tracker:     tracker,
		coordinator: coordinator,
		log:         log,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingPresence(ctx context.Context) error {
	if s.tracker == nil {
		return nil
	}
	return s.tracker.Ping(ctx)
}

func parseDocType(raw string) (store.DocType, error) {
	docType := store.DocType(strings.TrimSpace(raw))
	if !docType.Valid() {
		return "", domainError(http.StatusBadRequest, "UNKNOWN_DOC_TYPE", "Unknown document type: "+raw, nil)
	}
	return docType, nil
}

func (s *Service) ListDocuments(ctx context.Context, docType store.DocType) ([]store.Document, error) {
	return s.store.ListDocuments(ctx, docType)
}

func (s *Service) GetDocument(ctx context.Context, docType store.DocType, docID string) (store.Document, error) {
	item, err := s.store.GetDocument(ctx, docType, docID)
	if store.ErrNotFound(err) {
		return store.Document{}, domainError(http.StatusNotFound, "DOCUMENT_NOT_FOUND", "Document not found", nil)
	}
	return item, err
}

type CreateDocumentInput struct {
	Title string          `json:"title"`
	Body  json.RawMessage `json:"body"`
}

func (s *Service) CreateDocument(ctx context.Context, docType store.DocType, input CreateDocumentInput, userID string) (store.Document, error) {
	item := store.Document{
		DocType:   docType,
		ID:        util.NewID(docIDPrefix(docType)),
		Title:     strings.TrimSpace(input.Title),
		Body:      input.Body,
		UpdatedBy: userID,
	}
	if item.Title == "" {
		return store.Document{}, domainError(http.StatusBadRequest, "TITLE_REQUIRED", "Document title is required", nil)
	}
	if err := s.store.InsertDocument(ctx, item); err != nil {
		return store.Document{}, err
	}
	// Initialize the lock eagerly so the first collaborative update does
	// not race on creation.
	if _, err := s.store.GetOrInitLock(ctx, docType, item.ID, userID); err != nil {
		return store.Document{}, err
	}
	return s.GetDocument(ctx, docType, item.ID)
}

func docIDPrefix(docType store.DocType) string {
	switch docType {
	case store.DocTypeQuiz:
		return "qz"
	case store.DocTypeQuizTemplate:
		return "qt"
	case store.DocTypeLecture:
		return "lc"
	case store.DocTypeMaterial:
		return "mt"
	}
	return "doc"
}

type UpdateDocumentInput struct {
	Payload         json.RawMessage          `json:"payload"`
	ExpectedVersion *int64                   `json:"expectedVersion,omitempty"`
	Strategy        string                   `json:"strategy,omitempty"`
	MaxRetries      int                      `json:"maxRetries,omitempty"`
	TrackPresence   bool                     `json:"trackPresence,omitempty"`
	UserName        string                   `json:"userName,omitempty"`
	Operations      []conflict.EditOperation `json:"operations,omitempty"`
}

// UpdateDocument runs the caller's payload through the conflict-aware
// coordinator. At this boundary the transform is replacement: the caller
// sends the full new body composed against the version it last saw.
func (s *Service) UpdateDocument(ctx context.Context, docType store.DocType, docID string, input UpdateDocumentInput, userID string) (collab.Result, error) {
	if _, err := s.GetDocument(ctx, docType, docID); err != nil {
		return collab.Result{}, err
	}

	opts, err := s.updateOptions(docType, docID, input, userID)
	if err != nil {
		return collab.Result{}, err
	}

	result := s.coordinator.Update(ctx, docType, docID, input.Payload, userID, func(p collab.VersionedPayload) (json.RawMessage, error) {
		return p.Body, nil
	}, opts)
	return result, nil
}

type BatchUpdateInput struct {
	Updates       []collab.BatchItem `json:"updates"`
	Strategy      string             `json:"strategy,omitempty"`
	MaxRetries    int                `json:"maxRetries,omitempty"`
	TrackPresence bool               `json:"trackPresence,omitempty"`
	UserName      string             `json:"userName,omitempty"`
}

func (s *Service) BatchUpdateDocuments(ctx context.Context, docType store.DocType, input BatchUpdateInput, userID string) (collab.BatchResult, error) {
	if len(input.Updates) == 0 {
		return collab.BatchResult{}, domainError(http.StatusBadRequest, "EMPTY_BATCH", "Batch update requires at least one item", nil)
	}
	opts, err := s.updateOptions(docType, "", UpdateDocumentInput{
		Strategy:      input.Strategy,
		MaxRetries:    input.MaxRetries,
		TrackPresence: input.TrackPresence,
		UserName:      input.UserName,
	}, userID)
	if err != nil {
		return collab.BatchResult{}, err
	}

	result := s.coordinator.BatchUpdate(ctx, docType, input.Updates, userID, func(itemID string, p collab.VersionedPayload) (json.RawMessage, error) {
		return p.Body, nil
	}, opts)
	return result, nil
}

func (s *Service) updateOptions(docType store.DocType, docID string, input UpdateDocumentInput, userID string) (collab.UpdateOptions, error) {
	strategy := collab.StrategyManual
	switch input.Strategy {
	case "", "manual":
	case "auto-merge":
		strategy = collab.StrategyAutoMerge
	default:
		return collab.UpdateOptions{}, domainError(http.StatusBadRequest, "UNKNOWN_STRATEGY", "Strategy must be manual or auto-merge", nil)
	}

	ops := input.Operations
	for i := range ops {
		if ops[i].ID == "" {
			ops[i].ID = util.NewAuditID("op")
		}
		if ops[i].UserID == "" {
			ops[i].UserID = userID
		}
		ops[i].DocType = string(docType)
		if docID != "" {
			ops[i].DocID = docID
		}
		if ops[i].CreatedAt.IsZero() {
			ops[i].CreatedAt = time.Now().UTC()
		}
	}

	return collab.UpdateOptions{
		Strategy:        strategy,
		ExpectedVersion: input.ExpectedVersion,
		TrackPresence:   input.TrackPresence,
		UserName:        input.UserName,
		MaxRetries:      input.MaxRetries,
		Operations:      ops,
	}, nil
}

type SetPresenceInput struct {
	UserName       string `json:"userName"`
	UserEmail      string `json:"userEmail,omitempty"`
	AvatarURL      string `json:"avatarUrl,omitempty"`
	EditingSection string `json:"editingSection,omitempty"`
}

func (s *Service) SetPresence(ctx context.Context, docType store.DocType, docID, userID string, input SetPresenceInput) (presence.EditorPresence, error) {
	userName := input.UserName
	if userName == "" {
		userName = userID
	}
	return s.tracker.Set(ctx, string(docType), docID, userID, userName, presence.Options{
		UserEmail:      input.UserEmail,
		AvatarURL:      input.AvatarURL,
		EditingSection: input.EditingSection,
	})
}

func (s *Service) HeartbeatPresence(ctx context.Context, docType store.DocType, docID, userID, editingSection string) error {
	var update *presence.HeartbeatUpdate
	if editingSection != "" {
		update = &presence.HeartbeatUpdate{EditingSection: editingSection}
	}
	return s.tracker.Heartbeat(ctx, string(docType), docID, userID, update)
}

func (s *Service) ClearPresence(ctx context.Context, docType store.DocType, docID, userID string) error {
	return s.tracker.Clear(ctx, string(docType), docID, userID)
}

func (s *Service) ListPresence(ctx context.Context, docType store.DocType, docID string) ([]presence.EditorPresence, error) {
	return s.tracker.ListActive(ctx, string(docType), docID)
}

func (s *Service) SweepPresence(ctx context.Context, docType store.DocType, docID string) (int, error) {
	return s.tracker.SweepStale(ctx, string(docType), docID, s.cfg.PresenceTTL)
}

func (s *Service) ListOperations(ctx context.Context, docType store.DocType, docID string, limit int) ([]conflict.EditOperation, error) {
	return s.store.ListEditOperations(ctx, docType, docID, limit)
}

func (s *Service) ListConflicts(ctx context.Context, docType store.DocType, docID string, onlyOpen bool) ([]conflict.EditConflict, error) {
	return s.store.ListEditConflicts(ctx, docType, docID, onlyOpen)
}

type ResolveConflictInput struct {
	Strategy        string `json:"strategy"`
	ChosenOperation string `json:"chosenOperation,omitempty"`
	MergedResult    string `json:"mergedResult,omitempty"`
}

func (s *Service) ResolveConflict(ctx context.Context, conflictID string, input ResolveConflictInput, userID string) error {
	strategy := conflict.ResolutionStrategy(input.Strategy)
	switch strategy {
	case conflict.ResolveManual, conflict.ResolveLastWriteWins, conflict.ResolveFirstWriteWins, conflict.ResolveMerge, conflict.ResolveReject:
	default:
		return domainError(http.StatusBadRequest, "UNKNOWN_RESOLUTION", "Unknown resolution strategy: "+input.Strategy, nil)
	}

	resolved, err := s.store.ResolveEditConflict(ctx, conflictID, conflict.Resolution{
		Strategy:        strategy,
		ResolvedBy:      userID,
		ChosenOperation: input.ChosenOperation,
		MergedResult:    input.MergedResult,
	}, time.Now().UTC())
	if err != nil {
		return err
	}
	if !resolved {
		return domainError(http.StatusNotFound, "CONFLICT_NOT_FOUND", "Conflict not found or already resolved", nil)
	}
	return nil
}
