// Package redis connects the engine to the Redis instance that holds its
// records, markers, watermarks and queues.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"conversation-sla-engine/pkg/metrics"
)

// ConnectionConfig describes how to reach Redis and how hard to try at startup.
type ConnectionConfig struct {
	URL string

	// ConnectAttempts bounds the startup pings; Redis often comes up after us.
	ConnectAttempts int
	ConnectBackoff  time.Duration

	Pool     PoolConfig
	Retry    RetryConfig
	Timeouts TimeoutConfig
}

type PoolConfig struct {
	Size               int
	MinIdle            int
	MaxConnAge         time.Duration
	Timeout            time.Duration
	IdleTimeout        time.Duration
	IdleCheckFrequency time.Duration
}

type RetryConfig struct {
	Max        int
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

type TimeoutConfig struct {
	Dial  time.Duration
	Read  time.Duration
	Write time.Duration
}

// DefaultConnectionConfig suits a single tracker pod running two sequential
// jobs and a small HTTP surface.
func DefaultConnectionConfig(url string) ConnectionConfig {
	return ConnectionConfig{
		URL:             url,
		ConnectAttempts: 5,
		ConnectBackoff:  time.Second,
		Pool: PoolConfig{
			Size:               10,
			MinIdle:            2,
			MaxConnAge:         30 * time.Minute,
			Timeout:            4 * time.Second,
			IdleTimeout:        5 * time.Minute,
			IdleCheckFrequency: time.Minute,
		},
		Retry: RetryConfig{
			Max:        3,
			MinBackoff: 8 * time.Millisecond,
			MaxBackoff: 512 * time.Millisecond,
		},
		Timeouts: TimeoutConfig{
			Dial:  5 * time.Second,
			Read:  3 * time.Second,
			Write: 3 * time.Second,
		},
	}
}

func (c ConnectionConfig) options() (*redis.Options, error) {
	opt, err := redis.ParseURL(c.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opt.PoolSize = c.Pool.Size
	opt.MinIdleConns = c.Pool.MinIdle
	opt.MaxConnAge = c.Pool.MaxConnAge
	opt.PoolTimeout = c.Pool.Timeout
	opt.IdleTimeout = c.Pool.IdleTimeout
	opt.IdleCheckFrequency = c.Pool.IdleCheckFrequency

	opt.MaxRetries = c.Retry.Max
	opt.MinRetryBackoff = c.Retry.MinBackoff
	opt.MaxRetryBackoff = c.Retry.MaxBackoff

	opt.DialTimeout = c.Timeouts.Dial
	opt.ReadTimeout = c.Timeouts.Read
	opt.WriteTimeout = c.Timeouts.Write
	return opt, nil
}

type Client struct {
	rdb    *redis.Client
	logger *logrus.Logger
}

// NewClient connects to Redis, pinging until it answers or the attempts run
// out. With metrics set, every command's latency and failures are recorded.
func NewClient(ctx context.Context, config ConnectionConfig, logger *logrus.Logger, m *metrics.Metrics) (*Client, error) {
	opt, err := config.options()
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(opt)
	if m != nil {
		rdb.AddHook(commandHook{metrics: m})
	}
	client := &Client{rdb: rdb, logger: logger}

	if err := client.connect(ctx, config); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.WithField("addr", opt.Addr).Info("Connected to Redis")
	return client, nil
}

func (c *Client) connect(ctx context.Context, config ConnectionConfig) error {
	attempts := config.ConnectAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, config.Timeouts.Dial)
		err = c.Ping(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		c.logger.WithError(err).WithFields(logrus.Fields{
			"attempt":  attempt,
			"attempts": attempts,
		}).Warn("Redis not reachable yet, retrying")

		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to connect to Redis: %w", ctx.Err())
		case <-time.After(config.ConnectBackoff):
		}
	}
	return fmt.Errorf("failed to connect to Redis after %d attempts: %w", attempts, err)
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) GetRedisClient() *redis.Client {
	return c.rdb
}

type commandStartKey struct{}

// commandHook times commands and pipelines. A redis.Nil reply is a miss, not
// a failure.
type commandHook struct {
	metrics *metrics.Metrics
}

func (h commandHook) BeforeProcess(ctx context.Context, cmd redis.Cmder) (context.Context, error) {
	return context.WithValue(ctx, commandStartKey{}, time.Now()), nil
}

func (h commandHook) AfterProcess(ctx context.Context, cmd redis.Cmder) error {
	h.observe(ctx, cmd.Name(), cmd.Err())
	return nil
}

func (h commandHook) BeforeProcessPipeline(ctx context.Context, cmds []redis.Cmder) (context.Context, error) {
	return context.WithValue(ctx, commandStartKey{}, time.Now()), nil
}

func (h commandHook) AfterProcessPipeline(ctx context.Context, cmds []redis.Cmder) error {
	var err error
	for _, cmd := range cmds {
		if cmdErr := cmd.Err(); cmdErr != nil && !errors.Is(cmdErr, redis.Nil) {
			err = cmdErr
			break
		}
	}
	h.observe(ctx, "pipeline", err)
	return nil
}

func (h commandHook) observe(ctx context.Context, command string, err error) {
	if start, ok := ctx.Value(commandStartKey{}).(time.Time); ok {
		h.metrics.RedisCommandDuration.WithLabelValues(command).Observe(time.Since(start).Seconds())
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		h.metrics.RedisCommandErrors.WithLabelValues(command).Inc()
	}
}
