// Package collab implements the conflict-aware update path for quizdesk
// documents: optimistic version checks against the lock store, bounded
// retries with backoff under the auto-merge strategy, and best-effort
// presence tracking around each update.
package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"quizdesk/api/internal/conflict"
	"quizdesk/api/internal/presence"
	"quizdesk/api/internal/retry"
	"quizdesk/api/internal/store"
)

type Status string

const (
	StatusSuccess  Status = "success"
	StatusConflict Status = "conflict"
	StatusError    Status = "error"
)

type Strategy string

const (
	StrategyAutoMerge Strategy = "auto-merge"
	StrategyManual    Strategy = "manual"
)

// VersionStore is the lock half of the document store. AdvanceVersion
// commits the winning body in the same transaction as the version
// increment; the coordinator never writes a body outside it.
type VersionStore interface {
	GetOrInitLock(ctx context.Context, docType store.DocType, docID, userID string) (store.DocumentLock, error)
	AdvanceVersion(ctx context.Context, docType store.DocType, docID, userID string, expected *int64, body json.RawMessage) (store.AdvanceResult, error)
}

// PresenceTracker is the slice of the presence API the coordinator needs.
type PresenceTracker interface {
	Set(ctx context.Context, docType, docID, userID, userName string, opts presence.Options) (presence.EditorPresence, error)
	Clear(ctx context.Context, docType, docID, userID string) error
}

// AuditLog records edit operations and detected conflicts. Writes are
// best-effort; a failed audit write never fails the update.
type AuditLog interface {
	InsertEditOperation(ctx context.Context, op conflict.EditOperation) error
	InsertEditConflict(ctx context.Context, record conflict.EditConflict) error
}

// VersionedPayload is the caller's document body annotated with the
// version the coordinator observed before mutating.
type VersionedPayload struct {
	Version int64           `json:"version"`
	Body    json.RawMessage `json:"body"`
}

// MutateFunc produces the new document body from the versioned payload.
// An error aborts the update immediately and is never retried.
type MutateFunc func(p VersionedPayload) (json.RawMessage, error)

type UpdateOptions struct {
	Strategy        Strategy
	ExpectedVersion *int64
	TrackPresence   bool
	UserName        string // display name for presence, defaults to the user id
	MaxRetries      int    // 0 means the coordinator default
	// Operations composing this update, recorded to the audit log and
	// used to build a conflict record when the update loses the race.
	Operations []conflict.EditOperation
}

type Result struct {
	Status            Status                 `json:"status"`
	Data              *VersionedPayload      `json:"data,omitempty"`
	Conflict          *conflict.EditConflict `json:"conflict,omitempty"`
	RequiresUserInput bool                   `json:"requiresUserInput,omitempty"`
	Err               error                  `json:"-"`
}

type Coordinator struct {
	versions VersionStore
	presence PresenceTracker
	audit    AuditLog
	backoff  retry.Config
	window   int
	log      zerolog.Logger
}

func NewCoordinator(versions VersionStore, tracker PresenceTracker, audit AuditLog, backoff retry.Config, batchWindow int, log zerolog.Logger) *Coordinator {
	if backoff.MaxAttempts < 1 {
		backoff = retry.DefaultConfig()
	}
	if batchWindow < 1 {
		batchWindow = 5
	}
	return &Coordinator{
		versions: versions,
		presence: tracker,
		audit:    audit,
		backoff:  backoff,
		window:   batchWindow,
		log:      log,
	}
}

// Update runs one conflict-aware update of a document. The flow per
// attempt: read (or init) the lock, compare the caller's expected version
// if any, run the mutation with the observed version, then advance the
// lock expecting the version just read, committing the mutated body in
// the same transaction. A conflicted advance under the
// auto-merge strategy re-reads and retries with exponential backoff; under
// manual it surfaces immediately. Store failures and mutation errors are
// never retried here.
func (c *Coordinator) Update(ctx context.Context, docType store.DocType, docID string, localPayload json.RawMessage, userID string, mutate MutateFunc, opts UpdateOptions) Result {
	if !docType.Valid() {
		return Result{Status: StatusError, Err: fmt.Errorf("unknown document type %q", docType)}
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyManual
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 1 {
		maxRetries = c.backoff.MaxAttempts
	}

	if opts.TrackPresence && c.presence != nil {
		userName := opts.UserName
		if userName == "" {
			userName = userID
		}
		if _, err := c.presence.Set(ctx, string(docType), docID, userID, userName, presence.Options{}); err != nil {
			c.log.Warn().Err(err).Str("doc", docID).Msg("presence set failed, continuing")
		}
		// Presence must be released on every exit path, including a
		// caller cancellation mid-update.
		defer func() {
			if err := c.presence.Clear(context.WithoutCancel(ctx), string(docType), docID, userID); err != nil {
				c.log.Warn().Err(err).Str("doc", docID).Msg("presence clear failed")
			}
		}()
	}

	c.recordOperations(ctx, opts.Operations)

	for attempt := 0; attempt < maxRetries; attempt++ {
		lock, err := c.versions.GetOrInitLock(ctx, docType, docID, userID)
		if err != nil {
			return Result{Status: StatusError, Err: fmt.Errorf("read lock: %w", err)}
		}

		conflicted := opts.ExpectedVersion != nil && *opts.ExpectedVersion != lock.Version
		if !conflicted {
			newBody, err := mutate(VersionedPayload{Version: lock.Version, Body: localPayload})
			if err != nil {
				// Application error from the caller's transform:
				// propagate unchanged, never retry.
				return Result{Status: StatusError, Err: err}
			}

			expected := lock.Version
			advance, err := c.versions.AdvanceVersion(ctx, docType, docID, userID, &expected, newBody)
			if err != nil {
				return Result{Status: StatusError, Err: fmt.Errorf("advance version: %w", err)}
			}
			if !advance.Conflicted {
				return Result{
					Status: StatusSuccess,
					Data:   &VersionedPayload{Version: advance.NewVersion, Body: newBody},
				}
			}
		}

		if opts.Strategy == StrategyManual || attempt == maxRetries-1 {
			return c.conflictResult(ctx, docType, docID, opts)
		}

		delay := retry.Delay(c.backoff, attempt)
		c.log.Debug().
			Str("doc", docID).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Msg("version conflict, retrying")
		select {
		case <-ctx.Done():
			return Result{Status: StatusError, Err: fmt.Errorf("update cancelled: %w", ctx.Err())}
		case <-time.After(delay):
		}
	}

	return c.conflictResult(ctx, docType, docID, opts)
}

// conflictResult builds the structured conflict outcome, recording a
// best-effort audit record when the caller supplied its operations. The
// remote state is unknown here; the caller follows up with a fresh read.
func (c *Coordinator) conflictResult(ctx context.Context, docType store.DocType, docID string, opts UpdateOptions) Result {
	result := Result{Status: StatusConflict, RequiresUserInput: true}
	if len(opts.Operations) == 0 {
		return result
	}
	record := conflict.BuildRecord(string(docType), docID, opts.Operations)
	if c.audit != nil {
		if err := c.audit.InsertEditConflict(ctx, record); err != nil {
			c.log.Warn().Err(err).Str("doc", docID).Msg("conflict audit write failed")
		}
	}
	result.Conflict = &record
	return result
}

func (c *Coordinator) recordOperations(ctx context.Context, ops []conflict.EditOperation) {
	if c.audit == nil {
		return
	}
	for _, op := range ops {
		if err := c.audit.InsertEditOperation(ctx, op); err != nil {
			c.log.Warn().Err(err).Str("op", op.ID).Msg("operation audit write failed")
		}
	}
}
