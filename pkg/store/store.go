// Package store persists the records the engine reads and the markers,
// watermarks, notifications and signals it writes, in Redis.
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
	"github.com/sirupsen/logrus"

	"conversation-sla-engine/pkg/metrics"
)

// ErrNotFound is returned when a required record does not exist.
var ErrNotFound = errors.New("record not found")

type Store struct {
	rdb     *redis.Client
	prefix  string
	logger  *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(rdb *redis.Client, prefix string, logger *logrus.Logger, metrics *metrics.Metrics) *Store {
	return &Store{
		rdb:     rdb,
		prefix:  prefix,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

func (s *Store) key(parts ...string) string {
	return s.prefix + strings.Join(parts, ":")
}

func (s *Store) observe(operation string) func() {
	start := time.Now()
	return func() {
		s.metrics.RedisOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}

func (s *Store) setJSON(ctx context.Context, pipe redis.Pipeliner, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	pipe.Set(ctx, key, data, 0)
	return nil
}

func (s *Store) getJSON(ctx context.Context, key string, v interface{}) error {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

// members returns the sorted members of an index set.
func (s *Store) members(ctx context.Context, key string) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read index %s: %w", key, err)
	}
	sort.Strings(ids)
	return ids, nil
}

// loadAll fetches the JSON documents for ids with one MGET and decodes each
// with decode. Missing documents are skipped.
func (s *Store) loadAll(ctx context.Context, keys []string, decode func([]byte) error) error {
	if len(keys) == 0 {
		return nil
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return fmt.Errorf("failed to read documents: %w", err)
	}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		if err := decode([]byte(raw)); err != nil {
			return fmt.Errorf("failed to decode %s: %w", keys[i], err)
		}
	}
	return nil
}
