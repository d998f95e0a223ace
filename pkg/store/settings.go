package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"conversation-sla-engine/pkg/constants"
	"conversation-sla-engine/pkg/models"
)

const maxWatchRetries = 5

func (s *Store) roomSettingsKey(roomID string) string {
	return s.key("settings", "room", roomID)
}

// GetLastVerifiedMessageID returns the room's reconciliation watermark, or ""
// when the room has never been reconciled.
func (s *Store) GetLastVerifiedMessageID(ctx context.Context, roomID string) (string, error) {
	defer s.observe("get_watermark")()

	value, err := s.rdb.HGet(ctx, s.roomSettingsKey(roomID), constants.SettingLastVerifiedMessageID).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get watermark: %w", err)
	}
	return value, nil
}

// SetLastVerifiedMessageID advances the room's watermark to value. The
// watermark never regresses: a value not newer than the stored one is ignored
// and false is returned.
func (s *Store) SetLastVerifiedMessageID(ctx context.Context, roomID, value, actor string) (bool, error) {
	defer s.observe("set_watermark")()

	key := s.roomSettingsKey(roomID)
	field := constants.SettingLastVerifiedMessageID
	advanced := false

	txf := func(tx *redis.Tx) error {
		advanced = false
		current, err := tx.HGet(ctx, key, field).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		if current != "" && models.CompareMessageIDs(value, current) <= 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				field, value,
				field+":actor", actor,
				field+":updated", s.now().UTC().Format(time.RFC3339Nano),
			)
			return nil
		})
		if err == nil {
			advanced = true
		}
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("failed to set watermark: %w", err)
		}
		return advanced, nil
	}
	return false, fmt.Errorf("failed to set watermark: too much contention on %s", key)
}
