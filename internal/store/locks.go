package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// GetOrInitLock returns the lock row for (docType, docID), creating it at
// version 0 if absent. Concurrent first-writers race on the insert; the
// ON CONFLICT clause lets at most one creation win and every caller read
// the same row afterwards.
func (s *PostgresStore) GetOrInitLock(ctx context.Context, docType DocType, docID, userID string) (DocumentLock, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_locks (doc_type, doc_id, version, last_modified_by)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (doc_type, doc_id) DO NOTHING
	`, docType, docID, userID)
	if err != nil {
		return DocumentLock{}, fmt.Errorf("init document lock: %w", err)
	}

	var lock DocumentLock
	err = s.db.QueryRowContext(ctx, `
		SELECT doc_type, doc_id, version, last_modified_by, last_modified_at
		FROM document_locks
		WHERE doc_type=$1 AND doc_id=$2
	`, docType, docID).Scan(&lock.DocType, &lock.DocID, &lock.Version, &lock.LastModifiedBy, &lock.LastModifiedAt)
	if err != nil {
		return DocumentLock{}, fmt.Errorf("read document lock: %w", err)
	}
	return lock, nil
}

// AdvanceVersion performs the compare-and-increment on a document lock
// inside a single transaction. When expected is non-nil and does not match
// the stored version the row is left untouched and Conflicted is returned;
// a conflict is a normal outcome, not an error. The row lock taken by
// FOR UPDATE is the only serialization point for a document's version.
//
// A non-nil body is written to the documents row in the same transaction;
// the stored body only ever changes together with the version it won.
func (s *PostgresStore) AdvanceVersion(ctx context.Context, docType DocType, docID, userID string, expected *int64, body json.RawMessage) (AdvanceResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AdvanceResult{}, fmt.Errorf("begin advance tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	err = tx.QueryRowContext(ctx, `
		SELECT version FROM document_locks
		WHERE doc_type=$1 AND doc_id=$2
		FOR UPDATE
	`, docType, docID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return AdvanceResult{}, fmt.Errorf("advance version: lock not initialized for %s/%s", docType, docID)
	}
	if err != nil {
		return AdvanceResult{}, fmt.Errorf("read version for advance: %w", err)
	}

	if expected != nil && *expected != current {
		// Stale expectation. Commit the no-op so the row lock releases
		// promptly and report the conflict as a value.
		if err := tx.Commit(); err != nil {
			return AdvanceResult{}, fmt.Errorf("commit conflicted advance: %w", err)
		}
		return AdvanceResult{NewVersion: current, Conflicted: true}, nil
	}

	var next int64
	err = tx.QueryRowContext(ctx, `
		UPDATE document_locks
		SET version = version + 1, last_modified_by = $3, last_modified_at = NOW()
		WHERE doc_type=$1 AND doc_id=$2
		RETURNING version
	`, docType, docID, userID).Scan(&next)
	if err != nil {
		return AdvanceResult{}, fmt.Errorf("increment version: %w", err)
	}

	if body != nil {
		_, err = tx.ExecContext(ctx, `
			UPDATE documents
			SET body = $3, updated_by_name = $4, updated_at = NOW()
			WHERE doc_type=$1 AND id=$2
		`, docType, docID, []byte(body), userID)
		if err != nil {
			return AdvanceResult{}, fmt.Errorf("apply document body: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return AdvanceResult{}, fmt.Errorf("commit advance: %w", err)
	}
	return AdvanceResult{NewVersion: next}, nil
}
