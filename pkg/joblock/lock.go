// Package joblock keeps two pods from running the same periodic job at once.
package joblock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"conversation-sla-engine/pkg/constants"
	"conversation-sla-engine/pkg/metrics"
)

const releaseScript = `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`

const extendScript = `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	else
		return 0
	end
`

// Lock is a Redis lease per job name, owned by a single pod until released
// or until the TTL lapses.
type Lock struct {
	rdb     *redis.Client
	prefix  string
	owner   string
	ttl     time.Duration
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func New(rdb *redis.Client, prefix, owner string, ttl time.Duration, logger *logrus.Logger, metrics *metrics.Metrics) *Lock {
	return &Lock{
		rdb:     rdb,
		prefix:  prefix,
		owner:   owner,
		ttl:     ttl,
		logger:  logger,
		metrics: metrics,
	}
}

func (l *Lock) key(job string) string {
	return l.prefix + constants.JobLockKeyPrefix + job
}

// Acquire takes the lease for job. It returns false when another owner holds it.
func (l *Lock) Acquire(ctx context.Context, job string) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key(job), l.owner, l.ttl).Result()
	if err != nil {
		l.metrics.JobLockAttempts.WithLabelValues(job, "error").Inc()
		return false, fmt.Errorf("failed to acquire lock for %s: %w", job, err)
	}

	if !ok {
		l.metrics.JobLockAttempts.WithLabelValues(job, "held").Inc()
		l.logger.WithFields(logrus.Fields{
			"job":   job,
			"owner": l.owner,
		}).Debug("Job lock held elsewhere")
		return false, nil
	}

	l.metrics.JobLockAttempts.WithLabelValues(job, "acquired").Inc()
	l.logger.WithFields(logrus.Fields{
		"job":   job,
		"owner": l.owner,
		"ttl":   l.ttl.String(),
	}).Debug("Acquired job lock")
	return true, nil
}

// Extend renews the lease if this owner still holds it.
func (l *Lock) Extend(ctx context.Context, job string) (bool, error) {
	result, err := l.rdb.Eval(ctx, extendScript, []string{l.key(job)}, l.owner, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to extend lock for %s: %w", job, err)
	}
	if result == 0 {
		l.logger.WithField("job", job).Warn("Job lock renewal failed - no longer held")
		return false, nil
	}
	return true, nil
}

// Release drops the lease, but only if this owner still holds it.
func (l *Lock) Release(ctx context.Context, job string) error {
	result, err := l.rdb.Eval(ctx, releaseScript, []string{l.key(job)}, l.owner).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock for %s: %w", job, err)
	}
	if result == 0 {
		l.logger.WithField("job", job).Warn("Job lock already expired or taken over")
	}
	return nil
}

// Holder returns the current owner of job's lease, or "" when it is free.
func (l *Lock) Holder(ctx context.Context, job string) (string, error) {
	owner, err := l.rdb.Get(ctx, l.key(job)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read lock for %s: %w", job, err)
	}
	return owner, nil
}
