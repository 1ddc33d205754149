// Package presence tracks which users are actively editing a document.
// Records live in Redis, one hash per document, and are soft state only:
// departure and staleness flip isActive, nothing is hard-deleted before
// the retention TTL on the hash runs out.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultStaleThreshold is how long a record may go without a heartbeat
// before a sweep marks it inactive.
const DefaultStaleThreshold = 5 * time.Minute

// retentionTTL bounds how long an abandoned document's presence hash
// survives in Redis.
const retentionTTL = 24 * time.Hour

// EditorPresence is one user's ephemeral editing state on one document.
type EditorPresence struct {
	UserID         string    `json:"userId"`
	UserName       string    `json:"userName"`
	UserEmail      string    `json:"userEmail,omitempty"`
	AvatarURL      string    `json:"avatarUrl,omitempty"`
	Color          string    `json:"color"`
	LastSeen       time.Time `json:"lastSeen"`
	IsActive       bool      `json:"isActive"`
	EditingSection string    `json:"editingSection,omitempty"`
}

// Options carries the optional fields of a presence record.
type Options struct {
	UserEmail      string
	AvatarURL      string
	EditingSection string
}

// HeartbeatUpdate is the optional metadata merged on a heartbeat.
type HeartbeatUpdate struct {
	EditingSection string
}

type Tracker struct {
	client *redis.Client
	prefix string
}

func NewTracker(redisURL string) (*Tracker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewTrackerWithClient(client), nil
}

func NewTrackerWithClient(client *redis.Client) *Tracker {
	return &Tracker{client: client, prefix: "presence:"}
}

func (t *Tracker) key(docType, docID string) string {
	return t.prefix + docType + ":" + docID
}

// Set upserts an active presence record with a fresh lastSeen and the
// user's deterministic display color.
func (t *Tracker) Set(ctx context.Context, docType, docID, userID, userName string, opts Options) (EditorPresence, error) {
	record := EditorPresence{
		UserID:         userID,
		UserName:       userName,
		UserEmail:      opts.UserEmail,
		AvatarURL:      opts.AvatarURL,
		Color:          ColorFor(userID),
		LastSeen:       time.Now().UTC(),
		IsActive:       true,
		EditingSection: opts.EditingSection,
	}
	if err := t.write(ctx, docType, docID, record); err != nil {
		return EditorPresence{}, err
	}
	return record, nil
}

// Heartbeat refreshes lastSeen and reactivates the record, merging any
// optional metadata. A heartbeat for an unknown record upserts a fresh one.
func (t *Tracker) Heartbeat(ctx context.Context, docType, docID, userID string, update *HeartbeatUpdate) error {
	record, found, err := t.read(ctx, docType, docID, userID)
	if err != nil {
		return err
	}
	if !found {
		record = EditorPresence{
			UserID:   userID,
			UserName: userID,
			Color:    ColorFor(userID),
		}
	}
	record.LastSeen = time.Now().UTC()
	record.IsActive = true
	if update != nil && update.EditingSection != "" {
		record.EditingSection = update.EditingSection
	}
	return t.write(ctx, docType, docID, record)
}

// Clear marks the record inactive. Clearing a missing record is a no-op;
// removing presence is always safe.
func (t *Tracker) Clear(ctx context.Context, docType, docID, userID string) error {
	record, found, err := t.read(ctx, docType, docID, userID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	record.IsActive = false
	record.LastSeen = time.Now().UTC()
	return t.write(ctx, docType, docID, record)
}

// ListActive returns every record on the document with isActive true.
func (t *Tracker) ListActive(ctx context.Context, docType, docID string) ([]EditorPresence, error) {
	all, err := t.readAll(ctx, docType, docID)
	if err != nil {
		return nil, err
	}
	active := make([]EditorPresence, 0, len(all))
	for _, record := range all {
		if record.IsActive {
			active = append(active, record)
		}
	}
	return active, nil
}

// SweepStale marks inactive every record whose lastSeen is older than the
// threshold, returning how many were swept. Concurrent heartbeats win or
// lose by last write, which is acceptable for soft state.
func (t *Tracker) SweepStale(ctx context.Context, docType, docID string, threshold time.Duration) (int, error) {
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	all, err := t.readAll(ctx, docType, docID)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-threshold)

	swept := 0
	for _, record := range all {
		if !record.IsActive || record.LastSeen.After(cutoff) {
			continue
		}
		record.IsActive = false
		if err := t.write(ctx, docType, docID, record); err != nil {
			return swept, err
		}
		swept++
	}
	return swept, nil
}

func (t *Tracker) write(ctx context.Context, docType, docID string, record EditorPresence) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	key := t.key(docType, docID)
	pipe := t.client.TxPipeline()
	pipe.HSet(ctx, key, record.UserID, payload)
	pipe.Expire(ctx, key, retentionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write presence: %w", err)
	}
	return nil
}

func (t *Tracker) read(ctx context.Context, docType, docID, userID string) (EditorPresence, bool, error) {
	payload, err := t.client.HGet(ctx, t.key(docType, docID), userID).Result()
	if err == redis.Nil {
		return EditorPresence{}, false, nil
	}
	if err != nil {
		return EditorPresence{}, false, fmt.Errorf("read presence: %w", err)
	}
	var record EditorPresence
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return EditorPresence{}, false, fmt.Errorf("unmarshal presence: %w", err)
	}
	return record, true, nil
}

func (t *Tracker) readAll(ctx context.Context, docType, docID string) ([]EditorPresence, error) {
	entries, err := t.client.HGetAll(ctx, t.key(docType, docID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read presence hash: %w", err)
	}
	records := make([]EditorPresence, 0, len(entries))
	for _, payload := range entries {
		var record EditorPresence
		if err := json.Unmarshal([]byte(payload), &record); err != nil {
			return nil, fmt.Errorf("unmarshal presence: %w", err)
		}
		records = append(records, record)
	}
	return records, nil
}

func (t *Tracker) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

func (t *Tracker) Close() error {
	return t.client.Close()
}
