package broadcast

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/delivery"
	"courier/internal/delivery/deliverytest"
	"courier/internal/jobs"
)

type senderFunc func(ctx context.Context, recipient int64, msg delivery.Message) (int64, error)

func (f senderFunc) Send(ctx context.Context, recipient int64, msg delivery.Message) (int64, error) {
	return f(ctx, recipient, msg)
}

func countTargets(ts []Target) map[TargetStatus]int {
	out := map[TargetStatus]int{}
	for _, t := range ts {
		out[t.Status]++
	}
	return out
}

func TestRunSendJobDrainsInBatches(t *testing.T) {
	sender := deliverytest.New().
		FailFor(4, errors.New("Forbidden: bot was blocked by the user")).
		FailFor(9, errors.New("context deadline exceeded"))
	f := newFixture(t, sender)
	ctx := context.Background()

	b, err := f.svc.Create(ctx, CreateInput{Recipients: recipients(12), Text: "hi"})
	require.NoError(t, err)

	var results []jobs.Result
	for i := 0; i < 3; i++ {
		res, err := f.svc.RunSendJob(ctx, b.ID)
		require.NoError(t, err)
		results = append(results, res)
	}
	assert.False(t, results[0].Done)
	assert.False(t, results[1].Done)
	assert.True(t, results[2].Done)
	for _, r := range results {
		assert.Zero(t, r.RetryAfter)
	}

	got, err := f.svc.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 10, got.SentCount)
	assert.Equal(t, 2, got.FailedCount)
	assert.Equal(t, 12, got.SentCount+got.FailedCount)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.FinishedAt)

	ts := f.targets(t, b.ID)
	assert.Equal(t, map[TargetStatus]int{TargetSent: 10, TargetFailed: 2}, countTargets(ts))
	for _, tg := range ts {
		if tg.Status == TargetSent {
			require.NotNil(t, tg.MessageID)
			assert.NotNil(t, tg.SentAt)
		}
	}
	assert.Equal(t, recipients(12), sender.Recipients(), "targets go out in ascending id order")

	blocked, err := f.reg.Get(ctx, 4)
	require.NoError(t, err)
	require.NotNil(t, blocked)
	assert.False(t, blocked.Deliverable)

	slow, err := f.reg.Get(ctx, 9)
	require.NoError(t, err)
	require.NotNil(t, slow)
	assert.True(t, slow.Deliverable)
	assert.Equal(t, 1, slow.FailCount)

	ok, err := f.reg.Get(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, ok)
	assert.NotNil(t, ok.LastOKAt)

	res, err := f.svc.RunSendJob(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.Len(t, sender.Calls(), 12)
}

func TestRunSendJobStopsBatchOnRateLimit(t *testing.T) {
	sender := deliverytest.New(nil, nil, delivery.RateLimited(7*time.Second, errors.New("Too Many Requests")))
	f := newFixture(t, sender)
	ctx := context.Background()

	b, err := f.svc.Create(ctx, CreateInput{Recipients: recipients(5), Text: "hi"})
	require.NoError(t, err)

	res, err := f.svc.RunSendJob(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, res.Done)
	assert.Equal(t, 7*time.Second, res.RetryAfter)
	assert.Equal(t, "retry_after=7", res.Detail)
	assert.Len(t, sender.Calls(), 3)

	ts := f.targets(t, b.ID)
	assert.Equal(t, TargetSent, ts[0].Status)
	assert.Equal(t, TargetSent, ts[1].Status)
	for _, tg := range ts[2:] {
		assert.Equal(t, TargetSending, tg.Status)
		assert.NotNil(t, tg.ClaimToken)
	}

	got, err := f.svc.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, 2, got.SentCount)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "retry_after=7", *got.LastError)

	// No pending targets are left, so the next run closes the broadcast even
	// though three targets are still out.
	res, err = f.svc.RunSendJob(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, res.Done)
	got, err = f.svc.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Len(t, sender.Calls(), 3)
}

func TestRunSendJobLeavesTargetsOutWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	sender := senderFunc(func(ctx context.Context, recipient int64, _ delivery.Message) (int64, error) {
		calls++
		if calls == 2 {
			// Shutdown while waiting for the outbound limiter.
			cancel()
			return 0, ctx.Err()
		}
		return int64(500 + calls), nil
	})
	f := newFixture(t, sender)

	b, err := f.svc.Create(context.Background(), CreateInput{Recipients: recipients(7), Text: "hi"})
	require.NoError(t, err)

	res, err := f.svc.RunSendJob(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, res.Done)
	assert.Equal(t, 2, calls)

	ts := f.targets(t, b.ID)
	assert.Equal(t, TargetSent, ts[0].Status)
	for _, tg := range ts[1:5] {
		assert.Equal(t, TargetSending, tg.Status)
		assert.Nil(t, tg.Error)
	}
	for _, tg := range ts[5:] {
		assert.Equal(t, TargetPending, tg.Status)
	}

	got, err := f.svc.Get(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.SentCount)
	assert.Zero(t, got.FailedCount)

	sub, err := f.reg.Get(context.Background(), ts[1].RecipientID)
	require.NoError(t, err)
	assert.Nil(t, sub, "an unsent target is not a delivery failure")
}

func TestReleaseStaleTargetsReopensBroadcast(t *testing.T) {
	sender := deliverytest.New(nil, nil, delivery.RateLimited(time.Second, nil))
	f := newFixture(t, sender)
	ctx := context.Background()

	b, err := f.svc.Create(ctx, CreateInput{Recipients: recipients(5), Text: "hi"})
	require.NoError(t, err)
	_, err = f.svc.RunSendJob(ctx, b.ID)
	require.NoError(t, err)
	res, err := f.svc.RunSendJob(ctx, b.ID)
	require.NoError(t, err)
	require.True(t, res.Done)

	n, err := f.svc.ReleaseStaleTargets(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh claims are left alone")

	later := time.Now().UTC().Add(11 * time.Minute)
	f.svc.now = func() time.Time { return later }
	n, err = f.svc.ReleaseStaleTargets(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	got, err := f.svc.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Nil(t, got.FinishedAt)
	assert.Len(t, f.sendJobs(t), 2, "reopened broadcast gets a new send job")

	f.svc.now = func() time.Time { return time.Now().UTC() }
	res, err = f.svc.RunSendJob(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, res.Done)

	got, err = f.svc.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 5, got.SentCount)
	assert.Equal(t, map[TargetStatus]int{TargetSent: 5}, countTargets(f.targets(t, b.ID)))
}

func TestReleaseStaleTargetsSkipsCancelled(t *testing.T) {
	sender := deliverytest.New(delivery.RateLimited(time.Second, nil))
	f := newFixture(t, sender)
	ctx := context.Background()

	b, err := f.svc.Create(ctx, CreateInput{Recipients: recipients(2), Text: "hi"})
	require.NoError(t, err)
	_, err = f.svc.RunSendJob(ctx, b.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.Cancel(ctx, b.ID))

	later := time.Now().UTC().Add(time.Hour)
	f.svc.now = func() time.Time { return later }
	n, err := f.svc.ReleaseStaleTargets(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, f.sendJobs(t), 1)
}

func TestRunSendJobSkipsTargetsReleasedMidBatch(t *testing.T) {
	var f *fixture
	calls := 0
	sender := senderFunc(func(ctx context.Context, recipient int64, msg delivery.Message) (int64, error) {
		calls++
		if calls == 1 {
			// Another process reclaims the whole batch while we are sending.
			require.NoError(t, f.db.Model(&Target{}).
				Where("status = ?", TargetSending).
				Updates(map[string]any{"status": TargetPending, "claim_token": nil, "claimed_at": nil}).Error)
		}
		return int64(500 + calls), nil
	})
	f = newFixture(t, sender)
	ctx := context.Background()

	b, err := f.svc.Create(ctx, CreateInput{Recipients: recipients(3), Text: "hi"})
	require.NoError(t, err)

	res, err := f.svc.RunSendJob(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, res.Done)
	assert.Equal(t, 1, calls)

	got, err := f.svc.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Zero(t, got.SentCount, "a lost claim is not settled")
	assert.Equal(t, map[TargetStatus]int{TargetPending: 3}, countTargets(f.targets(t, b.ID)))
}

func TestRunSendJobMissingBroadcast(t *testing.T) {
	f := newFixture(t, deliverytest.New())
	res, err := f.svc.RunSendJob(context.Background(), 12345)
	require.NoError(t, err)
	assert.True(t, res.Done)
}

func TestWorkerDrivesBroadcastToCompletion(t *testing.T) {
	f := newFixture(t, deliverytest.New())
	ctx := context.Background()

	b, err := f.svc.Create(ctx, CreateInput{Recipients: recipients(7), Text: "hi"})
	require.NoError(t, err)

	w := &jobs.Worker{Store: f.svc.Jobs, Broadcasts: f.svc, Log: zerolog.Nop(), ClaimLimit: 1}
	for i := 0; i < 3; i++ {
		_, err := w.Tick(ctx)
		require.NoError(t, err)
	}

	got, err := f.svc.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 7, got.SentCount)

	js := f.sendJobs(t)
	require.Len(t, js, 1)
	assert.Equal(t, jobs.StatusDone, js[0].Status)
}
