package joblock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conversation-sla-engine/pkg/metrics"
)

func setupLocks(t *testing.T) (*miniredis.Miniredis, func(owner string) *Lock) {
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	m := metrics.NewMetrics(prometheus.NewRegistry())

	return s, func(owner string) *Lock {
		return New(rdb, "test:", owner, time.Minute, logger, m)
	}
}

func TestLock_SingleOwner(t *testing.T) {
	s, newLock := setupLocks(t)
	ctx := context.Background()
	podA, podB := newLock("pod-a"), newLock("pod-b")

	ok, err := podA.Acquire(ctx, "sla-scan")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = podB.Acquire(ctx, "sla-scan")
	require.NoError(t, err)
	assert.False(t, ok)

	// Different jobs do not contend.
	ok, err = podB.Acquire(ctx, "reconcile")
	require.NoError(t, err)
	assert.True(t, ok)

	holder, err := podB.Holder(ctx, "sla-scan")
	require.NoError(t, err)
	assert.Equal(t, "pod-a", holder)
	assert.Equal(t, time.Minute, s.TTL("test:job:lock:sla-scan"))
}

func TestLock_ReleaseOnlyByOwner(t *testing.T) {
	_, newLock := setupLocks(t)
	ctx := context.Background()
	podA, podB := newLock("pod-a"), newLock("pod-b")

	_, err := podA.Acquire(ctx, "reconcile")
	require.NoError(t, err)

	require.NoError(t, podB.Release(ctx, "reconcile"))
	holder, err := podA.Holder(ctx, "reconcile")
	require.NoError(t, err)
	assert.Equal(t, "pod-a", holder)

	require.NoError(t, podA.Release(ctx, "reconcile"))
	holder, err = podA.Holder(ctx, "reconcile")
	require.NoError(t, err)
	assert.Empty(t, holder)

	ok, err := podB.Acquire(ctx, "reconcile")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLock_ExpiresAndExtends(t *testing.T) {
	s, newLock := setupLocks(t)
	ctx := context.Background()
	podA, podB := newLock("pod-a"), newLock("pod-b")

	_, err := podA.Acquire(ctx, "sla-scan")
	require.NoError(t, err)

	s.FastForward(30 * time.Second)
	ok, err := podA.Extend(ctx, "sla-scan")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Minute, s.TTL("test:job:lock:sla-scan"))

	ok, err = podB.Extend(ctx, "sla-scan")
	require.NoError(t, err)
	assert.False(t, ok)

	s.FastForward(2 * time.Minute)
	ok, err = podB.Acquire(ctx, "sla-scan")
	require.NoError(t, err)
	assert.True(t, ok, "an expired lease is free to take")
}
