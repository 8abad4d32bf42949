// ABOUTME: Optimistic edit/delete queue with reconciliation and rollback
// ABOUTME: Applies mutations locally first, then settles against the server response

package mutation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/chatsync/internal/store"
)

// Requester is the external collaborator that carries edit and delete
// requests to the server. Implementations map failures onto the store's
// error taxonomy.
type Requester interface {
	EditMessage(ctx context.Context, id string, patch store.Patch) (*store.Message, error)
	DeleteMessage(ctx context.Context, id string) error
}

// Kind distinguishes the two mutation flavors.
type Kind string

const (
	KindEdit   Kind = "edit"
	KindDelete Kind = "delete"
)

// PendingMutation describes an in-flight optimistic mutation.
type PendingMutation struct {
	MessageID   string
	Kind        Kind
	Patch       store.Patch
	SubmittedAt time.Time
}

type pendingEntry struct {
	PendingMutation
	seq uint64
}

// Queue applies local edits and deletes immediately and settles them
// against the server afterwards. At most one mutation is pending per
// message id; a new submission supersedes the prior one and the superseded
// response is discarded when it eventually lands.
type Queue struct {
	mu      sync.Mutex
	store   *store.Store
	client  Requester
	selfID  string
	pending map[string]*pendingEntry
	seq     uint64
	logger  *slog.Logger
}

// NewQueue creates a Queue acting on behalf of selfID. Only messages sent
// by selfID may be mutated.
func NewQueue(s *store.Store, client Requester, selfID string, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:   s,
		client:  client,
		selfID:  selfID,
		pending: make(map[string]*pendingEntry),
		logger:  logger.With("component", "mutation"),
	}
}

// SubmitEdit applies the patch optimistically, dispatches the edit request,
// and blocks until it settles. On success the store holds the
// server-confirmed content (Synced); on failure the pre-mutation snapshot
// is restored (Failed) and the typed error is returned so the caller can
// offer a retry. Run it in a goroutine when the caller must not block.
func (q *Queue) SubmitEdit(ctx context.Context, id string, patch store.Patch) error {
	snapshot, err := q.store.Get(id)
	if err != nil {
		return fmt.Errorf("edit %s: %w", id, err)
	}
	if snapshot.SenderID != q.selfID {
		return fmt.Errorf("edit %s: %w", id, store.ErrUnauthorized)
	}

	stamp := time.Now()
	if _, err := q.store.ApplyEdit(id, patch, stamp, store.LocalStatePending); err != nil {
		return fmt.Errorf("edit %s: %w", id, err)
	}

	seq := q.track(id, KindEdit, patch, stamp)
	q.logger.Debug("optimistic edit applied", "message_id", id)

	confirmed, reqErr := q.client.EditMessage(ctx, id, patch)

	if !q.settle(id, seq) {
		// Superseded while in flight; the newer submission owns the outcome
		q.logger.Debug("superseded edit response discarded", "message_id", id)
		return nil
	}

	if reqErr != nil {
		snapshot.LocalState = store.LocalStateFailed
		q.store.Restore(snapshot, &stamp)
		q.logger.Warn("edit failed, rolled back", "message_id", id, "error", reqErr)
		return fmt.Errorf("edit %s: %w", id, reqErr)
	}

	// Reconcile with the server-confirmed payload. The store's LWW rule
	// decides: an inbound edit that raced us and carries a newer stamp wins.
	confirmedPatch := store.Patch{Text: &confirmed.Text, Image: &confirmed.Image}
	editedAt := stamp
	if confirmed.EditedAt != nil {
		editedAt = *confirmed.EditedAt
	}
	if _, err := q.store.ApplyEdit(id, confirmedPatch, editedAt, store.LocalStateSynced); err != nil {
		return fmt.Errorf("reconciling edit %s: %w", id, err)
	}
	return nil
}

// SubmitDelete tombstones the message optimistically, dispatches the
// delete request, and blocks until it settles. On failure the message is
// re-inserted from its snapshot with LocalState Failed.
func (q *Queue) SubmitDelete(ctx context.Context, id string) error {
	snapshot, err := q.store.Get(id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	if snapshot.SenderID != q.selfID {
		return fmt.Errorf("delete %s: %w", id, store.ErrUnauthorized)
	}
	if snapshot.Deleted {
		return nil
	}

	if err := q.store.ApplyDelete(id); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}

	seq := q.track(id, KindDelete, store.Patch{}, time.Now())
	q.logger.Debug("optimistic delete applied", "message_id", id)

	reqErr := q.client.DeleteMessage(ctx, id)

	if !q.settle(id, seq) {
		q.logger.Debug("superseded delete response discarded", "message_id", id)
		return nil
	}

	if reqErr != nil {
		snapshot.LocalState = store.LocalStateFailed
		q.store.Restore(snapshot, snapshot.EditedAt)
		q.logger.Warn("delete failed, rolled back", "message_id", id, "error", reqErr)
		return fmt.Errorf("delete %s: %w", id, reqErr)
	}

	if err := q.store.SetLocalState(id, store.LocalStateSynced); err != nil {
		return fmt.Errorf("reconciling delete %s: %w", id, err)
	}
	return nil
}

// Pending reports the in-flight mutation for a message, if any.
func (q *Queue) Pending(id string) (PendingMutation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.pending[id]
	if !ok {
		return PendingMutation{}, false
	}
	return entry.PendingMutation, true
}

// track registers a pending mutation, superseding any prior one for the
// same id. Returns the sequence number identifying this submission.
func (q *Queue) track(id string, kind Kind, patch store.Patch, submittedAt time.Time) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	q.pending[id] = &pendingEntry{
		PendingMutation: PendingMutation{
			MessageID:   id,
			Kind:        kind,
			Patch:       patch,
			SubmittedAt: submittedAt,
		},
		seq: q.seq,
	}
	return q.seq
}

// settle clears the pending entry if it still belongs to this submission.
// Returns false when a newer mutation superseded it.
func (q *Queue) settle(id string, seq uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.pending[id]
	if !ok || entry.seq != seq {
		return false
	}
	delete(q.pending, id)
	return true
}
