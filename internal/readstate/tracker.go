// ABOUTME: Monotonic per-(conversation, user) read markers
// ABOUTME: Delegates the compare-and-write to the store so concurrent advances never regress

package readstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-chat/internal/store"
)

// ErrInvalidMarker is returned when a marker is missing its keys.
var ErrInvalidMarker = errors.New("invalid read marker")

// Store is the subset of store.Store the tracker needs.
type Store interface {
	AdvanceReadState(ctx context.Context, rs *store.ReadState) (bool, error)
	GetReadState(ctx context.Context, conversationID, userID string) (*store.ReadState, error)
}

// Tracker advances read markers. The stored timestamp for a key never decreases.
type Tracker struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

// NewTracker creates a read-state tracker. Pass nil logger for default.
func NewTracker(s Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:  s,
		now:    time.Now,
		logger: logger.With("component", "readstate"),
	}
}

// Advance moves the marker for (conversationID, userID) to messageID if readAt is
// strictly newer than the stored marker. An older or equal marker is not an error;
// it returns false and leaves the stored state unchanged.
func (t *Tracker) Advance(ctx context.Context, conversationID, userID, messageID string, readAt time.Time) (bool, error) {
	if conversationID == "" || userID == "" || messageID == "" {
		return false, ErrInvalidMarker
	}

	advanced, err := t.store.AdvanceReadState(ctx, &store.ReadState{
		ConversationID:    conversationID,
		UserID:            userID,
		LastReadMessageID: messageID,
		LastReadAt:        readAt,
		UpdatedAt:         t.now(),
	})
	if err != nil {
		return false, fmt.Errorf("advancing read state: %w", err)
	}

	if advanced {
		t.logger.Debug("read marker advanced",
			"conversation_id", conversationID,
			"user_id", userID,
			"message_id", messageID)
	}
	return advanced, nil
}

// Get returns the current marker, or store.ErrNotFound if the user has read nothing.
func (t *Tracker) Get(ctx context.Context, conversationID, userID string) (*store.ReadState, error) {
	return t.store.GetReadState(ctx, conversationID, userID)
}
