package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conversation-sla-engine/pkg/config"
	"conversation-sla-engine/pkg/joblock"
	"conversation-sla-engine/pkg/jobs"
	"conversation-sla-engine/pkg/metrics"
	"conversation-sla-engine/pkg/models"
	redisClient "conversation-sla-engine/pkg/redis"
	"conversation-sla-engine/pkg/store"
)

type fakeJob struct {
	name    string
	runs    int32
	block   bool
	started chan struct{}
	onRun   func(ctx context.Context)
}

func newFakeJob(name string) *fakeJob {
	return &fakeJob{name: name, started: make(chan struct{}, 1)}
}

func (j *fakeJob) Name() string {
	return j.name
}

func (j *fakeJob) Run(ctx context.Context) (jobs.Summary, error) {
	atomic.AddInt32(&j.runs, 1)
	if j.onRun != nil {
		j.onRun(ctx)
	}
	select {
	case j.started <- struct{}{}:
	default:
	}
	if j.block {
		<-ctx.Done()
		return jobs.Summary{Job: j.name, Completed: 1, Total: 2, Cancelled: true}, ctx.Err()
	}
	return jobs.Summary{Job: j.name, Completed: 2, Total: 2}, nil
}

type serviceFixture struct {
	redis   *miniredis.Miniredis
	client  *redisClient.Client
	store   *store.Store
	service *Service
	other   *joblock.Lock
}

func setupService(t *testing.T) *serviceFixture {
	return setupServiceWithTTL(t, time.Minute)
}

func setupServiceWithTTL(t *testing.T, ttl time.Duration) *serviceFixture {
	s := miniredis.RunT(t)
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	m := metrics.NewMetrics(prometheus.NewRegistry())

	client, err := redisClient.NewClient(context.Background(), redisClient.DefaultConnectionConfig("redis://"+s.Addr()), logger, m)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	cfg := &config.Config{PodID: "pod-a", Port: "0", JobLockTTL: ttl}
	lock := joblock.New(client.GetRedisClient(), "test:", cfg.PodID, ttl, logger, m)
	other := joblock.New(client.GetRedisClient(), "test:", "pod-b", ttl, logger, m)
	st := store.New(client.GetRedisClient(), "test:", logger, m)

	return &serviceFixture{
		redis:   s,
		client:  client,
		store:   st,
		service: NewService(cfg, lock, client, st, logger, m),
		other:   other,
	}
}

func TestService_RunJobHoldsLockWhileRunning(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	job := newFakeJob("sla-scan")
	job.onRun = func(ctx context.Context) {
		holder, err := f.other.Holder(ctx, "sla-scan")
		assert.NoError(t, err)
		assert.Equal(t, "pod-a", holder)
	}
	f.service.Register(job, time.Minute)

	summary, err := f.service.RunJob(ctx, "sla-scan")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Completed)
	assert.EqualValues(t, 1, atomic.LoadInt32(&job.runs))

	holder, err := f.other.Holder(ctx, "sla-scan")
	require.NoError(t, err)
	assert.Empty(t, holder, "lock is released after the run")

	statuses, err := f.service.Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	require.NotNil(t, statuses[0].LastRun)
	assert.Equal(t, 2, statuses[0].LastRun.Total)
	assert.False(t, statuses[0].Running)
}

func TestService_RunJobSkipsWhenLockedElsewhere(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	job := newFakeJob("reconcile")
	f.service.Register(job, time.Minute)

	ok, err := f.other.Acquire(ctx, "reconcile")
	require.NoError(t, err)
	require.True(t, ok)

	summary, err := f.service.RunJob(ctx, "reconcile")
	require.NoError(t, err)
	assert.True(t, summary.Skipped)
	assert.Zero(t, atomic.LoadInt32(&job.runs))

	holder, err := f.other.Holder(ctx, "reconcile")
	require.NoError(t, err)
	assert.Equal(t, "pod-b", holder, "a skipped run leaves the other lock alone")
}

func TestService_RunJobUnknown(t *testing.T) {
	f := setupService(t)

	_, err := f.service.RunJob(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestService_CancelJob(t *testing.T) {
	f := setupService(t)
	job := newFakeJob("reconcile")
	job.block = true
	f.service.Register(job, time.Minute)

	type outcome struct {
		summary jobs.Summary
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		summary, err := f.service.RunJob(context.Background(), "reconcile")
		done <- outcome{summary, err}
	}()

	select {
	case <-job.started:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not start")
	}

	_, err := f.service.RunJob(context.Background(), "reconcile")
	assert.ErrorIs(t, err, ErrJobRunning)

	assert.True(t, f.service.CancelJob("reconcile"))

	select {
	case res := <-done:
		assert.ErrorIs(t, res.err, context.Canceled)
		assert.True(t, res.summary.Cancelled)
		assert.Equal(t, 1, res.summary.Completed)
	case <-time.After(2 * time.Second):
		t.Fatal("job did not stop after cancellation")
	}

	assert.False(t, f.service.CancelJob("reconcile"))
	holder, err := f.other.Holder(context.Background(), "reconcile")
	require.NoError(t, err)
	assert.Empty(t, holder)
}

func TestService_LongRunKeepsItsLease(t *testing.T) {
	ttl := 300 * time.Millisecond
	f := setupServiceWithTTL(t, ttl)
	job := newFakeJob("reconcile")
	job.block = true
	f.service.Register(job, time.Minute)

	done := make(chan error, 1)
	go func() {
		_, err := f.service.RunJob(context.Background(), "reconcile")
		done <- err
	}()

	select {
	case <-job.started:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not start")
	}

	// Without renewal the lease would be gone after the second jump.
	key := "test:job:lock:reconcile"
	for i := 0; i < 3; i++ {
		require.Eventually(t, func() bool {
			return f.redis.TTL(key) == ttl
		}, 2*time.Second, 10*time.Millisecond, "lease renewed")
		f.redis.FastForward(200 * time.Millisecond)
	}

	holder, err := f.other.Holder(context.Background(), "reconcile")
	require.NoError(t, err)
	assert.Equal(t, "pod-a", holder)

	ok, err := f.other.Acquire(context.Background(), "reconcile")
	require.NoError(t, err)
	assert.False(t, ok)

	require.True(t, f.service.CancelJob("reconcile"))
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("job did not stop")
	}
}

func TestService_LostLeaseCancelsRun(t *testing.T) {
	f := setupServiceWithTTL(t, 300*time.Millisecond)
	job := newFakeJob("reconcile")
	job.block = true
	f.service.Register(job, time.Minute)

	type outcome struct {
		summary jobs.Summary
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		summary, err := f.service.RunJob(context.Background(), "reconcile")
		done <- outcome{summary, err}
	}()

	select {
	case <-job.started:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not start")
	}

	// Another pod takes the lease over.
	require.NoError(t, f.redis.Set("test:job:lock:reconcile", "pod-b"))

	select {
	case res := <-done:
		assert.ErrorIs(t, res.err, context.Canceled)
		assert.True(t, res.summary.Cancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("run was not cancelled after losing its lease")
	}

	holder, err := f.other.Holder(context.Background(), "reconcile")
	require.NoError(t, err)
	assert.Equal(t, "pod-b", holder, "the new owner keeps the lease")
}

func TestService_StartRunsJobsAndStopCancelsThem(t *testing.T) {
	f := setupService(t)
	quick := newFakeJob("sla-scan")
	slow := newFakeJob("reconcile")
	slow.block = true
	f.service.Register(quick, 20*time.Millisecond)
	f.service.Register(slow, 20*time.Millisecond)

	require.NoError(t, f.service.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&quick.runs) >= 2 && atomic.LoadInt32(&slow.runs) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.service.Stop(stopCtx))

	assert.EqualValues(t, 1, atomic.LoadInt32(&slow.runs))
}

func TestHTTP_Endpoints(t *testing.T) {
	f := setupService(t)
	f.service.Register(newFakeJob("sla-scan"), time.Minute)
	server := httptest.NewServer(f.service.Router())
	defer server.Close()

	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(server.URL+"/jobs/sla-scan/run?wait=true", "application/json", nil)
	require.NoError(t, err)
	var summary jobs.Summary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&summary))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "sla-scan", summary.Job)
	assert.Equal(t, 2, summary.Completed)

	require.NoError(t, f.store.Enqueue(context.Background(), models.PendingMemberNotification{
		ConversationID: "conv", MemberID: "m1", Kind: models.BreachOverdue, Role: models.RoleEscalationResponder,
	}))

	resp, err = http.Get(server.URL + "/status")
	require.NoError(t, err)
	var status struct {
		PodID   string      `json:"pod_id"`
		Jobs    []JobStatus `json:"jobs"`
		Pending int64       `json:"pending_notifications"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	assert.Equal(t, "pod-a", status.PodID)
	assert.EqualValues(t, 1, status.Pending)
	require.Len(t, status.Jobs, 1)
	require.NotNil(t, status.Jobs[0].LastRun)

	resp, err = http.Post(server.URL+"/jobs/nope/run", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(server.URL+"/jobs/sla-scan/cancel", "application/json", nil)
	require.NoError(t, err)
	var cancelled map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cancelled))
	resp.Body.Close()
	assert.Equal(t, false, cancelled["cancelled"])

	f.redis.Close()
	resp, err = http.Get(server.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHTTP_RunJobConflict(t *testing.T) {
	f := setupService(t)
	job := newFakeJob("reconcile")
	job.block = true
	f.service.Register(job, time.Minute)
	server := httptest.NewServer(f.service.Router())
	defer server.Close()

	resp, err := http.Post(server.URL+"/jobs/reconcile/run", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	select {
	case <-job.started:
	case <-time.After(2 * time.Second):
		t.Fatal("triggered job did not start")
	}

	resp, err = http.Post(server.URL+"/jobs/reconcile/run?wait=true", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	require.True(t, f.service.CancelJob("reconcile"))
	assert.Eventually(t, func() bool {
		return !f.service.CancelJob("reconcile")
	}, 2*time.Second, 10*time.Millisecond)
}
