// Package conflict holds the append-only edit audit types and the pure
// rules that decide whether two edits against the same document collide.
package conflict

import (
	"time"

	"quizdesk/api/internal/util"
)

type OperationKind string

const (
	OpInsert  OperationKind = "insert"
	OpDelete  OperationKind = "delete"
	OpUpdate  OperationKind = "update"
	OpReplace OperationKind = "replace"
)

type ConflictStatus string

const (
	StatusDetected ConflictStatus = "detected"
	StatusResolved ConflictStatus = "resolved"
)

type ResolutionStrategy string

const (
	ResolveManual         ResolutionStrategy = "manual"
	ResolveLastWriteWins  ResolutionStrategy = "last-write-wins"
	ResolveFirstWriteWins ResolutionStrategy = "first-write-wins"
	ResolveMerge          ResolutionStrategy = "merge"
	ResolveReject         ResolutionStrategy = "reject"
)

// EditOperation records a single field-level mutation attempt. Records are
// written once and never mutated.
type EditOperation struct {
	ID          string        `json:"id"`
	SessionID   string        `json:"sessionId"`
	UserID      string        `json:"userId"`
	DocType     string        `json:"docType"`
	DocID       string        `json:"docId"`
	Kind        OperationKind `json:"kind"`
	FieldPath   string        `json:"fieldPath"`
	BaseVersion int64         `json:"baseVersion"`
	Position    *int          `json:"position,omitempty"`
	Length      *int          `json:"length,omitempty"`
	OldValue    string        `json:"oldValue,omitempty"`
	NewValue    string        `json:"newValue,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// Resolution describes how a conflict was settled, when it has been.
type Resolution struct {
	Strategy        ResolutionStrategy `json:"strategy"`
	ResolvedBy      string             `json:"resolvedBy"`
	ChosenOperation string             `json:"chosenOperation,omitempty"`
	MergedResult    string             `json:"mergedResult,omitempty"`
}

// EditConflict is the audit record produced when two operations collide.
type EditConflict struct {
	ID            string         `json:"id"`
	DocType       string         `json:"docType"`
	DocID         string         `json:"docId"`
	Status        ConflictStatus `json:"status"`
	OperationIDs  []string       `json:"operationIds"`
	AffectedUsers []string       `json:"affectedUsers"`
	DetectedAt    time.Time      `json:"detectedAt"`
	Resolution    *Resolution    `json:"resolution,omitempty"`
	ResolvedBy    string         `json:"resolvedBy,omitempty"`
	ResolvedAt    *time.Time     `json:"resolvedAt,omitempty"`
}

// Conflicts decides whether two operations against the same document can
// both apply without reconciliation. It is total, symmetric and consults
// nothing beyond its arguments.
//
// Rules, in order: edits to different fields never conflict; a user never
// conflicts with themselves; divergent base versions always conflict; when
// both operations carry a byte range, overlap of the half-open ranges
// decides; otherwise there is no conflict.
func Conflicts(a, b EditOperation) bool {
	if a.FieldPath != b.FieldPath {
		return false
	}
	if a.UserID == b.UserID {
		return false
	}
	if a.BaseVersion != b.BaseVersion {
		return true
	}
	if a.Position != nil && a.Length != nil && b.Position != nil && b.Length != nil {
		return rangesOverlap(*a.Position, *a.Length, *b.Position, *b.Length)
	}
	return false
}

// rangesOverlap reports whether [aPos, aPos+aLen) intersects [bPos, bPos+bLen).
// An empty range is an empty set and intersects nothing, even when its
// position falls inside the other range.
func rangesOverlap(aPos, aLen, bPos, bLen int) bool {
	if aLen <= 0 || bLen <= 0 {
		return false
	}
	return aPos < bPos+bLen && bPos < aPos+aLen
}

// BuildRecord constructs a detected-status audit record from a set of
// conflicting operations, deduplicating the involved users.
func BuildRecord(docType, docID string, ops []EditOperation) EditConflict {
	record := EditConflict{
		ID:         util.NewAuditID("cfl"),
		DocType:    docType,
		DocID:      docID,
		Status:     StatusDetected,
		DetectedAt: time.Now().UTC(),
	}
	seen := make(map[string]struct{}, len(ops))
	for _, op := range ops {
		record.OperationIDs = append(record.OperationIDs, op.ID)
		if _, ok := seen[op.UserID]; !ok {
			seen[op.UserID] = struct{}{}
			record.AffectedUsers = append(record.AffectedUsers, op.UserID)
		}
	}
	return record
}
