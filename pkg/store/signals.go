package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"conversation-sla-engine/pkg/constants"
	"conversation-sla-engine/pkg/models"
)

// Raise publishes an automation signal to the signal stream.
func (s *Store) Raise(ctx context.Context, signal models.Signal) error {
	defer s.observe("raise_signal")()

	if signal.ID == "" {
		signal.ID = uuid.New().String()
	}
	if signal.Name == "" {
		signal.Name = models.SignalName(signal.Kind)
	}
	if signal.RaisedAt.IsZero() {
		signal.RaisedAt = s.now()
	}

	eventData, err := json.Marshal(signal)
	if err != nil {
		return fmt.Errorf("failed to marshal signal: %w", err)
	}

	messageID, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.key(constants.AutomationSignalsStream),
		Values: map[string]interface{}{
			"signal":          signal.Name,
			"conversation_id": signal.ConversationID,
			"kind":            string(signal.Kind),
			"raised_at":       signal.RaisedAt.UnixMilli(),
			"event_data":      string(eventData),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to add signal to stream: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"conversation_id": signal.ConversationID,
		"signal":          signal.Name,
		"message_id":      messageID,
	}).Debug("Published automation signal")

	return nil
}

// Signals returns every signal in the stream, oldest first.
func (s *Store) Signals(ctx context.Context) ([]models.Signal, error) {
	defer s.observe("read_signals")()

	messages, err := s.rdb.XRange(ctx, s.key(constants.AutomationSignalsStream), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read signal stream: %w", err)
	}
	signals := make([]models.Signal, 0, len(messages))
	for _, message := range messages {
		raw, ok := message.Values["event_data"].(string)
		if !ok {
			return nil, fmt.Errorf("missing event_data on stream message %s", message.ID)
		}
		var signal models.Signal
		if err := json.Unmarshal([]byte(raw), &signal); err != nil {
			return nil, fmt.Errorf("failed to decode signal %s: %w", message.ID, err)
		}
		signals = append(signals, signal)
	}
	return signals, nil
}
