package sequence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"courier/internal/dbtest"
	"courier/internal/delivery"
	"courier/internal/delivery/deliverytest"
	"courier/internal/jobs"
	"courier/internal/subscribers"
)

const scope = int64(-1001)

type fixture struct {
	db     *gorm.DB
	svc    *Service
	sender *deliverytest.Sender
	reg    *subscribers.Registry
}

func newFixture(t *testing.T, sender *deliverytest.Sender) *fixture {
	t.Helper()
	db := dbtest.Open(t, &jobs.Job{}, &Sequence{}, &Step{}, &Run{}, &RunStep{}, &subscribers.Subscriber{})
	svc := New(db, jobs.NewStore(db, "worker-test"), sender, zerolog.Nop())
	reg := subscribers.NewRegistry(db)
	svc.Subscribers = reg
	return &fixture{db: db, svc: svc, sender: sender, reg: reg}
}

func (f *fixture) upsert(t *testing.T, enabled bool, delays ...time.Duration) *Definition {
	t.Helper()
	steps := make([]StepInput, 0, len(delays))
	for i, d := range delays {
		steps = append(steps, StepInput{Delay: d, Text: fmt.Sprintf("step %d", i+1)})
	}
	def, err := f.svc.Upsert(context.Background(), UpsertInput{
		ScopeID: scope,
		Key:     DefaultKey,
		Enabled: enabled,
		Steps:   steps,
	})
	require.NoError(t, err)
	return def
}

func (f *fixture) stepJobs(t *testing.T) []jobs.Job {
	t.Helper()
	var js []jobs.Job
	require.NoError(t, f.db.Where("type = ?", jobs.TypeSequenceStep).Order("id asc").Find(&js).Error)
	return js
}

func (f *fixture) start(t *testing.T, subject int64) *Run {
	t.Helper()
	run, started, err := f.svc.StartRun(context.Background(), StartInput{
		ScopeID: scope, Key: DefaultKey, SubjectID: subject, TriggerKey: "join:1",
	})
	require.NoError(t, err)
	require.True(t, started)
	return run
}

func TestUpsertValidation(t *testing.T) {
	f := newFixture(t, deliverytest.New())
	ctx := context.Background()

	tooMany := make([]StepInput, MaxSteps+1)
	for i := range tooMany {
		tooMany[i].Text = "x"
	}
	cases := []struct {
		name string
		in   UpsertInput
		want error
	}{
		{"missing key", UpsertInput{ScopeID: scope, Key: " "}, ErrKeyRequired},
		{"too many steps", UpsertInput{ScopeID: scope, Key: "k", Steps: tooMany}, ErrTooManySteps},
		{"enabled without first step", UpsertInput{ScopeID: scope, Key: "k", Enabled: true, Steps: []StepInput{{Text: " "}, {Text: "b"}}}, ErrFirstStepRequired},
		{"enabled without steps", UpsertInput{ScopeID: scope, Key: "k", Enabled: true}, ErrFirstStepRequired},
		{"text too long", UpsertInput{ScopeID: scope, Key: "k", Steps: []StepInput{{Text: strings.Repeat("a", delivery.MaxTextLen+1)}}}, ErrTextTooLong},
		{"bad parse mode", UpsertInput{ScopeID: scope, Key: "k", Steps: []StepInput{{Text: "a", ParseMode: "rtf"}}}, delivery.ErrInvalidFormat},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Upsert(ctx, tc.in)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	_, err := f.svc.Get(ctx, scope, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertBlanksDroppedSteps(t *testing.T) {
	f := newFixture(t, deliverytest.New())
	ctx := context.Background()

	first := f.upsert(t, true, 0, time.Minute, time.Hour)
	require.Len(t, first.Steps, 3)
	assert.Equal(t, TriggerUserVerified, first.Sequence.Trigger)
	assert.Equal(t, DefaultKey, first.Sequence.Name)

	second, err := f.svc.Upsert(ctx, UpsertInput{
		ScopeID: scope,
		Key:     DefaultKey,
		Name:    "Welcome",
		Enabled: true,
		Steps:   []StepInput{{Text: "hello again", ParseMode: "HTML", Delay: 30 * 24 * time.Hour}},
	})
	require.NoError(t, err)
	assert.Equal(t, first.Sequence.ID, second.Sequence.ID)
	assert.Equal(t, "Welcome", second.Sequence.Name)
	require.Len(t, second.Steps, 1)
	assert.Equal(t, first.Steps[0].ID, second.Steps[0].ID, "steps are matched by order")
	assert.Equal(t, "hello again", second.Steps[0].Text)
	assert.Equal(t, "HTML", second.Steps[0].ParseMode)
	assert.Equal(t, int(MaxDelay/time.Second), second.Steps[0].DelaySeconds)

	var all []Step
	require.NoError(t, f.db.Where("sequence_id = ?", second.Sequence.ID).Order("step_order").Find(&all).Error)
	require.Len(t, all, 3, "dropped steps are kept for old runs")
	assert.Empty(t, all[1].Text)
	assert.Empty(t, all[2].Text)
	assert.Zero(t, all[2].DelaySeconds)
}

func TestStartRunSchedulesEveryStep(t *testing.T) {
	f := newFixture(t, deliverytest.New())
	f.upsert(t, true, 0, 60*time.Second, 300*time.Second)

	run := f.start(t, 42)
	assert.Equal(t, RunRunning, run.Status)

	detail, err := f.svc.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, detail.Steps, 3)
	js := f.stepJobs(t)
	require.Len(t, js, 3)

	for i, delay := range []time.Duration{0, 60 * time.Second, 300 * time.Second} {
		rs := detail.Steps[i]
		assert.Equal(t, StepPending, rs.Status)
		assert.True(t, run.StartedAt.Add(delay).Equal(rs.RunAt), "step %d run_at", i+1)
		assert.JSONEq(t, fmt.Sprintf(`{"run_step_id":%d}`, rs.ID), string(js[i].Payload))
		assert.True(t, rs.RunAt.Equal(js[i].RunAt), "job %d run_at", i+1)
	}
}

func TestStartRunIsIdempotent(t *testing.T) {
	f := newFixture(t, deliverytest.New())
	f.upsert(t, true, 0, time.Minute)
	ctx := context.Background()

	first := f.start(t, 42)
	again, started, err := f.svc.StartRun(ctx, StartInput{ScopeID: scope, Key: DefaultKey, SubjectID: 42, TriggerKey: "join:1"})
	require.NoError(t, err)
	assert.False(t, started)
	require.NotNil(t, again)
	assert.Equal(t, first.ID, again.ID)

	var runs, steps int64
	require.NoError(t, f.db.Model(&Run{}).Count(&runs).Error)
	require.NoError(t, f.db.Model(&RunStep{}).Count(&steps).Error)
	assert.EqualValues(t, 1, runs)
	assert.EqualValues(t, 2, steps)
	assert.Len(t, f.stepJobs(t), 2)

	_, started, err = f.svc.StartRun(ctx, StartInput{ScopeID: scope, Key: DefaultKey, SubjectID: 42, TriggerKey: "join:2"})
	require.NoError(t, err)
	assert.True(t, started, "a new trigger key starts a new run")
}

func TestStartRunSkipsMissingOrDisabled(t *testing.T) {
	f := newFixture(t, deliverytest.New())
	ctx := context.Background()

	run, started, err := f.svc.StartRun(ctx, StartInput{ScopeID: scope, Key: DefaultKey, SubjectID: 1, TriggerKey: "t"})
	require.NoError(t, err)
	assert.False(t, started)
	assert.Nil(t, run)

	f.upsert(t, false, 0)
	_, started, err = f.svc.StartRun(ctx, StartInput{ScopeID: scope, Key: DefaultKey, SubjectID: 1, TriggerKey: "t"})
	require.NoError(t, err)
	assert.False(t, started)

	_, _, err = f.svc.StartRun(ctx, StartInput{ScopeID: scope, Key: DefaultKey, SubjectID: 1})
	assert.ErrorIs(t, err, ErrTriggerRequired)
	assert.Empty(t, f.stepJobs(t))
}

func TestStartRunWithoutStepsCompletes(t *testing.T) {
	f := newFixture(t, deliverytest.New())
	f.upsert(t, true, 0, time.Minute)

	// Blank the plan directly; an enabled upsert would refuse it.
	require.NoError(t, f.db.Model(&Step{}).Where("1 = 1").Update("text", "").Error)

	run := f.start(t, 7)
	assert.Equal(t, RunCompleted, run.Status)
	assert.NotNil(t, run.FinishedAt)
	assert.Empty(t, f.stepJobs(t))
}

func TestRunSucceedsWhenEveryStepSends(t *testing.T) {
	f := newFixture(t, deliverytest.New())
	f.upsert(t, true, 0, time.Minute)
	ctx := context.Background()
	run := f.start(t, 42)

	detail, err := f.svc.GetRun(ctx, run.ID)
	require.NoError(t, err)

	res, err := f.svc.RunStepJob(ctx, detail.Steps[0].ID)
	require.NoError(t, err)
	assert.True(t, res.Done)

	mid, err := f.svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunRunning, mid.Run.Status, "a pending step keeps the run open")

	res, err = f.svc.RunStepJob(ctx, detail.Steps[1].ID)
	require.NoError(t, err)
	assert.True(t, res.Done)

	done, err := f.svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, done.Run.Status)
	assert.NotNil(t, done.Run.FinishedAt)
	for _, rs := range done.Steps {
		assert.Equal(t, StepSent, rs.Status)
		assert.NotNil(t, rs.MessageID)
		assert.Equal(t, 1, rs.Attempts)
	}
	assert.Equal(t, []int64{42, 42}, f.sender.Recipients())
	assert.Equal(t, "step 1", f.sender.Calls()[0].Message.Text)

	sub, err := f.reg.Get(ctx, 42)
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.NotNil(t, sub.LastOKAt)

	res, err = f.svc.RunStepJob(ctx, detail.Steps[1].ID)
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.Len(t, f.sender.Calls(), 2, "a settled step is never sent again")
}

func TestConcurrentLastStepsFinalizeRun(t *testing.T) {
	f := newFixture(t, deliverytest.New())
	f.upsert(t, true, time.Minute, time.Minute)
	ctx := context.Background()
	run := f.start(t, 42)

	detail, err := f.svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, detail.Steps, 2)

	var wg sync.WaitGroup
	for _, rs := range detail.Steps {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			res, err := f.svc.RunStepJob(ctx, id)
			assert.NoError(t, err)
			assert.True(t, res.Done)
		}(rs.ID)
	}
	wg.Wait()

	done, err := f.svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, done.Run.Status)
}

type senderFunc func(ctx context.Context, recipient int64, msg delivery.Message) (int64, error)

func (f senderFunc) Send(ctx context.Context, recipient int64, msg delivery.Message) (int64, error) {
	return f(ctx, recipient, msg)
}

func TestRunStepLeftPendingWhenContextEnds(t *testing.T) {
	f := newFixture(t, deliverytest.New())
	f.upsert(t, true, 0)
	run := f.start(t, 42)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.svc.Sender = senderFunc(func(ctx context.Context, _ int64, _ delivery.Message) (int64, error) {
		cancel()
		return 0, ctx.Err()
	})

	detail, err := f.svc.GetRun(context.Background(), run.ID)
	require.NoError(t, err)

	_, err = f.svc.RunStepJob(ctx, detail.Steps[0].ID)
	require.ErrorIs(t, err, context.Canceled)

	after, err := f.svc.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, StepPending, after.Steps[0].Status)
	assert.Nil(t, after.Steps[0].Error)
	assert.Equal(t, RunRunning, after.Run.Status)

	sub, err := f.reg.Get(context.Background(), 42)
	require.NoError(t, err)
	assert.Nil(t, sub)
}

func TestLockRunSelectsForUpdate(t *testing.T) {
	pg, err := gorm.Open(postgres.New(postgres.Config{DSN: "host=localhost user=courier dbname=courier"}), &gorm.Config{
		DisableAutomaticPing: true,
	})
	require.NoError(t, err)

	sql := pg.ToSQL(func(tx *gorm.DB) *gorm.DB {
		var run Run
		return lockRun(tx, 7, &run)
	})
	assert.Contains(t, sql, `FROM "sequence_runs"`)
	assert.True(t, strings.HasSuffix(sql, "FOR UPDATE"), sql)
}

func TestRunFailsWhenAnyStepFails(t *testing.T) {
	f := newFixture(t, deliverytest.New(nil, errors.New("Forbidden: bot was blocked by the user")))
	f.upsert(t, true, 0, time.Minute, 2*time.Minute)
	ctx := context.Background()
	run := f.start(t, 42)

	detail, err := f.svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	for _, rs := range detail.Steps {
		res, err := f.svc.RunStepJob(ctx, rs.ID)
		require.NoError(t, err)
		assert.True(t, res.Done)
	}

	got, err := f.svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunFailed, got.Run.Status)
	require.NotNil(t, got.Run.LastError)
	assert.Contains(t, *got.Run.LastError, "blocked")
	assert.Equal(t, StepSent, got.Steps[0].Status)
	assert.Equal(t, StepFailed, got.Steps[1].Status)
	assert.Equal(t, StepSent, got.Steps[2].Status, "later steps do not wait on earlier ones")

	sub, err := f.reg.Get(ctx, 42)
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, 0, sub.FailCount, "the last step delivered")
	assert.True(t, sub.Deliverable)
}

func TestRunStepRateLimited(t *testing.T) {
	f := newFixture(t, deliverytest.New(delivery.RateLimited(3*time.Second, nil)))
	f.upsert(t, true, 0)
	ctx := context.Background()
	run := f.start(t, 42)

	detail, err := f.svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	id := detail.Steps[0].ID

	res, err := f.svc.RunStepJob(ctx, id)
	require.NoError(t, err)
	assert.False(t, res.Done)
	assert.Equal(t, 3*time.Second, res.RetryAfter)

	got, err := f.svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StepPending, got.Steps[0].Status)
	assert.Equal(t, RunRunning, got.Run.Status)

	res, err = f.svc.RunStepJob(ctx, id)
	require.NoError(t, err)
	assert.True(t, res.Done)
	got, err = f.svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Steps[0].Attempts)
	assert.Equal(t, RunCompleted, got.Run.Status)
}

func TestRunStepCancelledWhenSequenceDisabled(t *testing.T) {
	f := newFixture(t, deliverytest.New())
	f.upsert(t, true, 0, time.Minute)
	ctx := context.Background()
	run := f.start(t, 42)

	detail, err := f.svc.GetRun(ctx, run.ID)
	require.NoError(t, err)

	res, err := f.svc.RunStepJob(ctx, detail.Steps[0].ID)
	require.NoError(t, err)
	require.True(t, res.Done)

	f.upsert(t, false, 0, time.Minute)
	res, err = f.svc.RunStepJob(ctx, detail.Steps[1].ID)
	require.NoError(t, err)
	assert.True(t, res.Done)

	got, err := f.svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StepCancelled, got.Steps[1].Status)
	assert.Equal(t, RunCompleted, got.Run.Status, "a cancelled step still lets the run finish")
	assert.Len(t, f.sender.Calls(), 1)
}

func TestRunStepBlankedStepIsCancelled(t *testing.T) {
	f := newFixture(t, deliverytest.New())
	f.upsert(t, true, 0, time.Minute)
	ctx := context.Background()
	run := f.start(t, 42)

	f.upsert(t, true, 0)
	detail, err := f.svc.GetRun(ctx, run.ID)
	require.NoError(t, err)

	res, err := f.svc.RunStepJob(ctx, detail.Steps[1].ID)
	require.NoError(t, err)
	assert.True(t, res.Done)

	got, err := f.svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StepCancelled, got.Steps[1].Status)
	assert.Equal(t, RunRunning, got.Run.Status)
	assert.Empty(t, f.sender.Calls())
}

func TestRunStepOnFinishedRunIsCancelled(t *testing.T) {
	f := newFixture(t, deliverytest.New())
	f.upsert(t, true, 0, time.Minute)
	ctx := context.Background()
	run := f.start(t, 42)
	require.NoError(t, f.db.Model(&Run{}).Where("id = ?", run.ID).Update("status", RunFailed).Error)

	detail, err := f.svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	res, err := f.svc.RunStepJob(ctx, detail.Steps[0].ID)
	require.NoError(t, err)
	assert.True(t, res.Done)

	got, err := f.svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StepCancelled, got.Steps[0].Status)
	assert.Empty(t, f.sender.Calls())

	res, err = f.svc.RunStepJob(ctx, 9999)
	require.NoError(t, err)
	assert.True(t, res.Done)
}

func TestRunStepMissingStepFailsRun(t *testing.T) {
	f := newFixture(t, deliverytest.New())
	f.upsert(t, true, 0)
	ctx := context.Background()
	run := f.start(t, 42)

	detail, err := f.svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NoError(t, f.db.Delete(&Step{}, detail.Steps[0].StepID).Error)

	res, err := f.svc.RunStepJob(ctx, detail.Steps[0].ID)
	require.NoError(t, err)
	assert.True(t, res.Done)

	got, err := f.svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StepFailed, got.Steps[0].Status)
	assert.Equal(t, RunFailed, got.Run.Status)
}

func TestTriggerStartsBoundSequences(t *testing.T) {
	f := newFixture(t, deliverytest.New())
	ctx := context.Background()

	f.upsert(t, true, 0)
	_, err := f.svc.Upsert(ctx, UpsertInput{ScopeID: scope, Key: "rules", Enabled: true, Steps: []StepInput{{Text: "read the rules"}}})
	require.NoError(t, err)
	_, err = f.svc.Upsert(ctx, UpsertInput{ScopeID: scope, Key: "off", Enabled: false, Steps: []StepInput{{Text: "x"}}})
	require.NoError(t, err)
	_, err = f.svc.Upsert(ctx, UpsertInput{ScopeID: scope, Key: "other", Trigger: "keyword_hit", Enabled: true, Steps: []StepInput{{Text: "x"}}})
	require.NoError(t, err)

	runs, err := f.svc.SubjectVerified(ctx, scope, 42)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
	for _, r := range runs {
		assert.Equal(t, TriggerUserVerified, r.TriggerKey)
	}

	runs, err = f.svc.SubjectVerified(ctx, scope, 42)
	require.NoError(t, err)
	assert.Empty(t, runs, "verifying twice does not restart")
	assert.Len(t, f.stepJobs(t), 2)
}

func TestWorkerRunsDueSequenceSteps(t *testing.T) {
	f := newFixture(t, deliverytest.New())
	f.upsert(t, true, 0, time.Hour)
	ctx := context.Background()
	run := f.start(t, 42)

	w := &jobs.Worker{Store: f.svc.Jobs, Sequences: f.svc, Log: zerolog.Nop(), ClaimLimit: 10}
	n, err := w.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the immediate step is due")

	got, err := f.svc.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StepSent, got.Steps[0].Status)
	assert.Equal(t, StepPending, got.Steps[1].Status)
}
