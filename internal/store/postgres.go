package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"quizdesk/api/internal/conflict"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) ListDocuments(ctx context.Context, docType DocType) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.doc_type, d.id, d.title, d.body, COALESCE(l.version, 0), d.updated_by_name, d.created_at, d.updated_at
		FROM documents d
		LEFT JOIN document_locks l ON l.doc_type = d.doc_type AND l.doc_id = d.id
		WHERE d.doc_type = $1
		ORDER BY d.updated_at DESC
	`, docType)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		var item Document
		if err := rows.Scan(&item.DocType, &item.ID, &item.Title, &item.Body, &item.Version, &item.UpdatedBy, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, docType DocType, docID string) (Document, error) {
	var item Document
	err := s.db.QueryRowContext(ctx, `
		SELECT d.doc_type, d.id, d.title, d.body, COALESCE(l.version, 0), d.updated_by_name, d.created_at, d.updated_at
		FROM documents d
		LEFT JOIN document_locks l ON l.doc_type = d.doc_type AND l.doc_id = d.id
		WHERE d.doc_type=$1 AND d.id=$2
	`, docType, docID).Scan(&item.DocType, &item.ID, &item.Title, &item.Body, &item.Version, &item.UpdatedBy, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Document{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertDocument(ctx context.Context, item Document) error {
	body := item.Body
	if len(body) == 0 {
		body = json.RawMessage(`{}`)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (doc_type, id, title, body, updated_by_name)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (doc_type, id) DO NOTHING
	`, item.DocType, item.ID, item.Title, []byte(body), item.UpdatedBy)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateDocumentBody(ctx context.Context, docType DocType, docID, title string, body json.RawMessage, updatedBy string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET title=$3, body=$4, updated_by_name=$5, updated_at=NOW()
		WHERE doc_type=$1 AND id=$2
	`, docType, docID, title, []byte(body), updatedBy)
	if err != nil {
		return fmt.Errorf("update document body: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertEditOperation(ctx context.Context, op conflict.EditOperation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO edit_operations (id, session_id, user_id, doc_type, doc_id, kind, field_path, base_version, position, length, old_value, new_value, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), NULLIF($12, ''), $13)
	`, op.ID, op.SessionID, op.UserID, op.DocType, op.DocID, op.Kind, op.FieldPath, op.BaseVersion, op.Position, op.Length, op.OldValue, op.NewValue, op.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert edit operation: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEditOperations(ctx context.Context, docType DocType, docID string, limit int) ([]conflict.EditOperation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, user_id, doc_type, doc_id, kind, field_path, base_version, position, length,
		       COALESCE(old_value, ''), COALESCE(new_value, ''), created_at
		FROM edit_operations
		WHERE doc_type=$1 AND doc_id=$2
		ORDER BY created_at DESC
		LIMIT $3
	`, docType, docID, limit)
	if err != nil {
		return nil, fmt.Errorf("list edit operations: %w", err)
	}
	defer rows.Close()

	ops := make([]conflict.EditOperation, 0)
	for rows.Next() {
		var op conflict.EditOperation
		if err := rows.Scan(&op.ID, &op.SessionID, &op.UserID, &op.DocType, &op.DocID, &op.Kind, &op.FieldPath, &op.BaseVersion, &op.Position, &op.Length, &op.OldValue, &op.NewValue, &op.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan edit operation: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate edit operations: %w", err)
	}
	return ops, nil
}

func (s *PostgresStore) InsertEditConflict(ctx context.Context, record conflict.EditConflict) error {
	operationIDs, err := json.Marshal(record.OperationIDs)
	if err != nil {
		return fmt.Errorf("marshal operation ids: %w", err)
	}
	affectedUsers, err := json.Marshal(record.AffectedUsers)
	if err != nil {
		return fmt.Errorf("marshal affected users: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO edit_conflicts (id, doc_type, doc_id, status, operation_ids, affected_users, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, record.ID, record.DocType, record.DocID, record.Status, operationIDs, affectedUsers, record.DetectedAt)
	if err != nil {
		return fmt.Errorf("insert edit conflict: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEditConflicts(ctx context.Context, docType DocType, docID string, onlyOpen bool) ([]conflict.EditConflict, error) {
	query := `
		SELECT id, doc_type, doc_id, status, operation_ids, affected_users, detected_at,
		       COALESCE(resolution::text, ''), COALESCE(resolved_by, ''), resolved_at
		FROM edit_conflicts
		WHERE doc_type=$1 AND doc_id=$2
	`
	if onlyOpen {
		query += ` AND status='detected'`
	}
	query += ` ORDER BY detected_at DESC`

	rows, err := s.db.QueryContext(ctx, query, docType, docID)
	if err != nil {
		return nil, fmt.Errorf("list edit conflicts: %w", err)
	}
	defer rows.Close()

	records := make([]conflict.EditConflict, 0)
	for rows.Next() {
		record, err := scanEditConflict(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate edit conflicts: %w", err)
	}
	return records, nil
}

func scanEditConflict(rows *sql.Rows) (conflict.EditConflict, error) {
	var (
		record        conflict.EditConflict
		operationIDs  []byte
		affectedUsers []byte
		resolution    string
		resolvedAt    sql.NullTime
	)
	if err := rows.Scan(&record.ID, &record.DocType, &record.DocID, &record.Status, &operationIDs, &affectedUsers, &record.DetectedAt, &resolution, &record.ResolvedBy, &resolvedAt); err != nil {
		return conflict.EditConflict{}, fmt.Errorf("scan edit conflict: %w", err)
	}
	if err := json.Unmarshal(operationIDs, &record.OperationIDs); err != nil {
		return conflict.EditConflict{}, fmt.Errorf("unmarshal operation ids: %w", err)
	}
	if err := json.Unmarshal(affectedUsers, &record.AffectedUsers); err != nil {
		return conflict.EditConflict{}, fmt.Errorf("unmarshal affected users: %w", err)
	}
	if resolution != "" {
		var parsed conflict.Resolution
		if err := json.Unmarshal([]byte(resolution), &parsed); err != nil {
			return conflict.EditConflict{}, fmt.Errorf("unmarshal resolution: %w", err)
		}
		record.Resolution = &parsed
	}
	if resolvedAt.Valid {
		record.ResolvedAt = &resolvedAt.Time
	}
	return record, nil
}

// ResolveEditConflict records the outcome of operator review on a detected
// conflict. Returns false when the record does not exist or was already
// resolved.
func (s *PostgresStore) ResolveEditConflict(ctx context.Context, conflictID string, resolution conflict.Resolution, resolvedAt time.Time) (bool, error) {
	payload, err := json.Marshal(resolution)
	if err != nil {
		return false, fmt.Errorf("marshal resolution: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE edit_conflicts
		SET status='resolved', resolution=$2, resolved_by=$3, resolved_at=$4
		WHERE id=$1 AND status='detected'
	`, conflictID, payload, resolution.ResolvedBy, resolvedAt)
	if err != nil {
		return false, fmt.Errorf("resolve edit conflict: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolve edit conflict rows: %w", err)
	}
	return affected > 0, nil
}

// ErrNotFound reports whether err means the requested row does not exist.
func ErrNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
