package collab

import (
	"context"
	"encoding/json"
	"sync"

	"golang.org/x/sync/errgroup"

	"quizdesk/api/internal/store"
)

// BatchItem is one document in a batch update.
type BatchItem struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// BatchMutateFunc is the per-item transform for a batch update.
type BatchMutateFunc func(itemID string, p VersionedPayload) (json.RawMessage, error)

// BatchOutcome pairs an item id with its individual update result.
type BatchOutcome struct {
	ID     string `json:"id"`
	Result Result `json:"result"`
}

type BatchResult struct {
	Successful []BatchOutcome `json:"successful"`
	Failed     []BatchOutcome `json:"failed"`
	Conflicts  []BatchOutcome `json:"conflicts"`
}

// BatchUpdate runs Update for every item, at most the configured window
// of them concurrently. Each item succeeds or fails on its own; there is
// no cross-item transactionality, and one item's error never aborts its
// siblings.
func (c *Coordinator) BatchUpdate(ctx context.Context, docType store.DocType, items []BatchItem, userID string, mutate BatchMutateFunc, opts UpdateOptions) BatchResult {
	var (
		mu     sync.Mutex
		result BatchResult
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(c.window)

	for _, item := range items {
		item := item
		group.Go(func() error {
			itemResult := c.Update(groupCtx, docType, item.ID, item.Payload, userID, func(p VersionedPayload) (json.RawMessage, error) {
				return mutate(item.ID, p)
			}, opts)

			outcome := BatchOutcome{ID: item.ID, Result: itemResult}
			mu.Lock()
			switch itemResult.Status {
			case StatusSuccess:
				result.Successful = append(result.Successful, outcome)
			case StatusConflict:
				result.Conflicts = append(result.Conflicts, outcome)
			default:
				result.Failed = append(result.Failed, outcome)
			}
			mu.Unlock()
			return nil
		})
	}

	_ = group.Wait()
	return result
}
