package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"conversation-sla-engine/pkg/models"
)

func (s *Store) conversationKey(id string) string {
	return s.key("conversation", id)
}

func (s *Store) breachKey(conversationID string) string {
	return s.key("conversation", conversationID, "breaches")
}

// SaveConversation creates or replaces a conversation and indexes it by room
// and first message. Index entries left behind by the previous version of the
// record are removed. Breach markers survive while the supportee is still
// waiting and are dropped once the wait is over.
func (s *Store) SaveConversation(ctx context.Context, conv *models.Conversation) error {
	defer s.observe("save_conversation")()

	key := s.conversationKey(conv.ID)
	txf := func(tx *redis.Tx) error {
		var previous models.Conversation
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == redis.Nil:
		case err != nil:
			return err
		default:
			// An undecodable previous record has no index entries worth keeping.
			_ = json.Unmarshal(data, &previous)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := s.setJSON(ctx, pipe, key, conv); err != nil {
				return err
			}
			if previous.RoomID != "" && previous.RoomID != conv.RoomID {
				pipe.SRem(ctx, s.key("room", previous.RoomID, "conversations"), conv.ID)
			}
			if previous.FirstMessageID != "" &&
				(previous.FirstMessageID != conv.FirstMessageID || previous.RoomID != conv.RoomID) {
				pipe.HDel(ctx, s.key("room", previous.RoomID, "first_messages"), previous.FirstMessageID)
			}
			pipe.SAdd(ctx, s.key("room", conv.RoomID, "conversations"), conv.ID)
			if conv.FirstMessageID != "" {
				pipe.HSet(ctx, s.key("room", conv.RoomID, "first_messages"), conv.FirstMessageID, conv.ID)
			}
			if !conv.IsAwaitingResponse() {
				pipe.Del(ctx, s.breachKey(conv.ID))
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to save conversation: %w", err)
		}
		return nil
	}
	return fmt.Errorf("failed to save conversation: too much contention on %s", key)
}

func (s *Store) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	defer s.observe("get_conversation")()

	var conv models.Conversation
	if err := s.getJSON(ctx, s.conversationKey(id), &conv); err != nil {
		return nil, err
	}
	markers, err := s.rdb.HGetAll(ctx, s.breachKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read breach markers: %w", err)
	}
	if err := applyMarkers(&conv, markers); err != nil {
		return nil, err
	}
	return &conv, nil
}

// UnreadableConversation is a conversation whose stored record could not be
// decoded.
type UnreadableConversation struct {
	ID  string
	Err error
}

// UnreadableConversationsError is returned by ListWaitingConversations next to
// the conversations that could be read.
type UnreadableConversationsError struct {
	RoomID  string
	Skipped []UnreadableConversation
}

func (e *UnreadableConversationsError) Error() string {
	ids := make([]string, len(e.Skipped))
	for i, skip := range e.Skipped {
		ids[i] = skip.ID
	}
	return fmt.Sprintf("unreadable conversations in room %s: %s", e.RoomID, strings.Join(ids, ", "))
}

// ListWaitingConversations returns the room's conversations that await a staff
// response, oldest wait first, with breach markers loaded. A conversation whose
// document or markers cannot be decoded is left out and reported through an
// *UnreadableConversationsError; the rest are still returned.
func (s *Store) ListWaitingConversations(ctx context.Context, roomID string) ([]*models.Conversation, error) {
	defer s.observe("list_waiting_conversations")()

	ids, err := s.members(ctx, s.key("room", roomID, "conversations"))
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.conversationKey(id)
	}

	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read conversations: %w", err)
	}

	var skipped []UnreadableConversation
	var loaded []*models.Conversation
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var conv models.Conversation
		if err := json.Unmarshal([]byte(raw), &conv); err != nil {
			skipped = append(skipped, UnreadableConversation{ID: ids[i], Err: fmt.Errorf("failed to decode conversation: %w", err)})
			continue
		}
		if conv.IsAwaitingResponse() {
			loaded = append(loaded, &conv)
		}
	}

	var convs []*models.Conversation
	if len(loaded) > 0 {
		pipe := s.rdb.Pipeline()
		cmds := make([]*redis.StringStringMapCmd, len(loaded))
		for i, conv := range loaded {
			cmds[i] = pipe.HGetAll(ctx, s.breachKey(conv.ID))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("failed to read breach markers: %w", err)
		}
		for i, conv := range loaded {
			if err := applyMarkers(conv, cmds[i].Val()); err != nil {
				skipped = append(skipped, UnreadableConversation{ID: conv.ID, Err: err})
				continue
			}
			convs = append(convs, conv)
		}
	}

	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].WaitingSince().Before(convs[j].WaitingSince())
	})

	if len(skipped) > 0 {
		return convs, &UnreadableConversationsError{RoomID: roomID, Skipped: skipped}
	}
	return convs, nil
}

// ConversationExists reports whether the room tracks a conversation started
// by firstMessageID.
func (s *Store) ConversationExists(ctx context.Context, roomID, firstMessageID string) (bool, error) {
	defer s.observe("conversation_exists")()

	ok, err := s.rdb.HExists(ctx, s.key("room", roomID, "first_messages"), firstMessageID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to look up conversation: %w", err)
	}
	return ok, nil
}

// ClaimBreach stamps the breach marker for kind unless one is already set. It
// returns true only for the caller that set it, so each breach is claimed once
// no matter how many scans observe it.
func (s *Store) ClaimBreach(ctx context.Context, conversationID string, kind models.BreachKind, at time.Time) (bool, error) {
	defer s.observe("claim_breach")()

	ok, err := s.rdb.HSetNX(ctx, s.breachKey(conversationID), string(kind), at.UTC().Format(time.RFC3339Nano)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim %s breach: %w", kind, err)
	}
	return ok, nil
}

// ClearBreachMarkers resets the markers once the supportee is no longer
// waiting, so the next wait can breach again.
func (s *Store) ClearBreachMarkers(ctx context.Context, conversationID string) error {
	defer s.observe("clear_breach_markers")()

	if err := s.rdb.Del(ctx, s.breachKey(conversationID)).Err(); err != nil {
		return fmt.Errorf("failed to clear breach markers: %w", err)
	}
	return nil
}

func applyMarkers(conv *models.Conversation, markers map[string]string) error {
	for field, value := range markers {
		at, err := time.Parse(time.RFC3339Nano, value)
		if err != nil {
			return fmt.Errorf("invalid %s marker on conversation %s: %w", field, conv.ID, err)
		}
		conv.SetMarker(models.BreachKind(field), at)
	}
	return nil
}
