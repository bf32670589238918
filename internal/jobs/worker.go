package jobs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Result is an executor's verdict on one claimed job.
type Result struct {
	Done bool
	// RetryAfter asks for the same job to run again no earlier than this.
	RetryAfter time.Duration
	Detail     string
}

func Done(detail string) Result { return Result{Done: true, Detail: detail} }

func Continue(detail string) Result { return Result{Detail: detail} }

func RetryAfter(d time.Duration, detail string) Result {
	if d <= 0 {
		d = time.Second
	}
	return Result{RetryAfter: d, Detail: detail}
}

type BroadcastRunner interface {
	RunSendJob(ctx context.Context, broadcastID uint64) (Result, error)
}

type SequenceRunner interface {
	RunStepJob(ctx context.Context, runStepID uint64) (Result, error)
}

type Worker struct {
	Store      *Store
	Broadcasts BroadcastRunner
	Sequences  SequenceRunner
	Log        zerolog.Logger

	PollInterval time.Duration
	ClaimLimit   int
	// LockTimeout is how long a job may stay running before the reaper
	// returns it to pending.
	LockTimeout  time.Duration
	ReapInterval time.Duration
	// ContinueDelay postpones a job that made progress but is not done yet.
	ContinueDelay time.Duration
	MaxBackoff    time.Duration
}

func (w *Worker) defaults() {
	if w.PollInterval <= 0 {
		w.PollInterval = time.Second
	}
	if w.ClaimLimit <= 0 {
		w.ClaimLimit = 5
	}
	if w.LockTimeout <= 0 {
		w.LockTimeout = 10 * time.Minute
	}
	if w.ReapInterval <= 0 {
		w.ReapInterval = time.Minute
	}
	if w.MaxBackoff <= 0 {
		w.MaxBackoff = 10 * time.Minute
	}
}

func (w *Worker) Run(ctx context.Context) {
	w.defaults()

	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()
	lastReap := time.Time{}

	w.Log.Info().Str("worker", w.Store.WorkerID()).Dur("poll", w.PollInterval).Int("claim_limit", w.ClaimLimit).Msg("worker started")
	defer func() {
		w.Log.Info().Str("worker", w.Store.WorkerID()).Msg("worker stopped")
	}()

	for {
		if time.Since(lastReap) >= w.ReapInterval {
			w.reap(ctx)
			lastReap = time.Now()
		}

		// Drain while full batches keep coming, then sleep.
		for ctx.Err() == nil {
			n, err := w.Tick(ctx)
			if err != nil {
				w.Log.Error().Err(err).Msg("worker claim error")
				break
			}
			if n < w.ClaimLimit {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) reap(ctx context.Context) {
	n, err := w.Store.ReleaseStaleLocks(ctx, w.LockTimeout)
	if err != nil {
		w.Log.Error().Err(err).Msg("stale lock reaper failed")
		return
	}
	if n > 0 {
		w.Log.Warn().Int64("count", n).Dur("max_age", w.LockTimeout).Msg("released stale job locks")
	}
}

// Tick claims one batch and handles every job in it. It returns how many
// jobs were claimed.
func (w *Worker) Tick(ctx context.Context) (int, error) {
	w.defaults()
	batch, err := w.Store.ClaimDue(ctx, w.ClaimLimit)
	if err != nil {
		return 0, err
	}
	for _, job := range batch {
		w.handle(ctx, job)
	}
	return len(batch), nil
}

func (w *Worker) handle(ctx context.Context, job Claimed) {
	log := w.Log.With().Uint64("job_id", job.ID).Str("type", string(job.Type)).Int("attempt", job.Attempts).Logger()

	if job.DecodeErr != nil {
		log.Error().Err(job.DecodeErr).Msg("bad job payload")
		w.report(log, w.Store.MarkFailed(ctx, job.ID, job.DecodeErr.Error()))
		return
	}

	start := time.Now()
	res, err := w.dispatch(ctx, job)
	dur := time.Since(start)

	switch {
	case err != nil:
		w.retry(ctx, log, job, err)
	case res.Done:
		log.Debug().Str("detail", res.Detail).Dur("dur", dur).Msg("job done")
		w.report(log, w.Store.MarkDone(ctx, job.ID))
	case res.RetryAfter > 0:
		log.Info().Str("detail", res.Detail).Dur("retry_after", res.RetryAfter).Msg("job throttled")
		w.report(log, w.Store.Reschedule(ctx, job.ID, time.Now().Add(res.RetryAfter), res.Detail, nil))
	default:
		log.Debug().Str("detail", res.Detail).Dur("dur", dur).Msg("job continues")
		w.report(log, w.Store.Reschedule(ctx, job.ID, time.Now().Add(w.ContinueDelay), res.Detail, nil))
	}
}

// dispatch routes a job to its executor. A panic becomes an error so one bad
// job never takes the loop down.
func (w *Worker) dispatch(ctx context.Context, job Claimed) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			w.Log.Error().Uint64("job_id", job.ID).Str("stack", string(debug.Stack())).Msg("job panicked")
		}
	}()

	switch p := job.Payload.(type) {
	case BroadcastSend:
		if w.Broadcasts == nil {
			return Result{}, errors.New("no broadcast runner configured")
		}
		return w.Broadcasts.RunSendJob(ctx, p.BroadcastID)
	case SequenceStep:
		if w.Sequences == nil {
			return Result{}, errors.New("no sequence runner configured")
		}
		return w.Sequences.RunStepJob(ctx, p.RunStepID)
	default:
		return Result{}, fmt.Errorf("unhandled payload %T", p)
	}
}

func (w *Worker) retry(ctx context.Context, log zerolog.Logger, job Claimed, cause error) {
	failures := job.Failures + 1
	if job.MaxFailures > 0 && failures >= job.MaxFailures {
		log.Error().Err(cause).Int("failures", failures).Msg("job failed permanently")
		w.report(log, w.Store.MarkFailed(ctx, job.ID, cause.Error()))
		return
	}
	delay := Backoff(failures, w.MaxBackoff)
	log.Warn().Err(cause).Int("failures", failures).Dur("backoff", delay).Msg("job error, retrying")
	w.report(log, w.Store.RetryLater(ctx, job.ID, time.Now().Add(delay), cause.Error()))
}

func (w *Worker) report(log zerolog.Logger, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, ErrLockLost) {
		log.Warn().Err(err).Msg("job verdict dropped")
		return
	}
	log.Error().Err(err).Msg("job verdict not stored")
}

// Backoff is 2^failures seconds, capped at max.
func Backoff(failures int, max time.Duration) time.Duration {
	sec := math.Min(math.Pow(2, float64(failures)), max.Seconds())
	return time.Duration(sec * float64(time.Second))
}
