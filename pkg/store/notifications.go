package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"conversation-sla-engine/pkg/constants"
	"conversation-sla-engine/pkg/models"
)

// Enqueue appends a pending member notification to the delivery queue and to
// the conversation's notification list in one transaction. It does no
// de-duplication.
func (s *Store) Enqueue(ctx context.Context, n models.PendingMemberNotification) error {
	defer s.observe("enqueue_notification")()

	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Created.IsZero() {
		n.Created = s.now()
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, s.key(constants.PendingNotificationsKey), data)
		pipe.RPush(ctx, s.key("conversation", n.ConversationID, "notifications"), data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue notification for member %s: %w", n.MemberID, err)
	}
	return nil
}

// PendingForConversation returns the notifications enqueued for a conversation
// in creation order.
func (s *Store) PendingForConversation(ctx context.Context, conversationID string) ([]models.PendingMemberNotification, error) {
	defer s.observe("pending_for_conversation")()

	raw, err := s.rdb.LRange(ctx, s.key("conversation", conversationID, "notifications"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read notifications: %w", err)
	}
	notifications := make([]models.PendingMemberNotification, 0, len(raw))
	for _, item := range raw {
		var n models.PendingMemberNotification
		if err := json.Unmarshal([]byte(item), &n); err != nil {
			return nil, fmt.Errorf("failed to decode notification: %w", err)
		}
		notifications = append(notifications, n)
	}
	return notifications, nil
}

// PendingCount returns the length of the delivery queue.
func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	defer s.observe("pending_count")()

	count, err := s.rdb.LLen(ctx, s.key(constants.PendingNotificationsKey)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get pending notification count: %w", err)
	}
	return count, nil
}
