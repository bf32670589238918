package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound = errors.New("job not found")
	// ErrLockLost means the job is no longer running under this worker, most
	// likely because the stale-lock reaper released it.
	ErrLockLost = errors.New("job lock lost")
)

const defaultMaxFailures = 8

// Store is the only way to read or write the jobs table.
type Store struct {
	db       *gorm.DB
	workerID string

	// MaxFailures is stamped on newly enqueued jobs.
	MaxFailures int
	now         func() time.Time
}

func NewStore(db *gorm.DB, workerID string) *Store {
	return &Store{
		db:          db,
		workerID:    workerID,
		MaxFailures: defaultMaxFailures,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithTx returns a Store bound to tx so callers can enqueue atomically with
// their own writes.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	cp := *s
	cp.db = tx
	return &cp
}

func (s *Store) WorkerID() string { return s.workerID }

func (s *Store) Enqueue(ctx context.Context, p Payload, runAt time.Time) (uint64, error) {
	if p == nil {
		return 0, errors.New("enqueue: nil payload")
	}
	body, err := json.Marshal(p)
	if err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	now := s.now()
	if runAt.IsZero() {
		runAt = now
	}
	maxFailures := s.MaxFailures
	if maxFailures <= 0 {
		maxFailures = defaultMaxFailures
	}
	j := Job{
		Type:        p.JobType(),
		Payload:     datatypes.JSON(body),
		RunAt:       runAt.UTC(),
		Status:      StatusPending,
		MaxFailures: maxFailures,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(&j).Error; err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", p.JobType(), err)
	}
	return j.ID, nil
}

// ClaimDue claims up to limit due jobs using SKIP LOCKED.
// Works on Postgres; on SQLite the locking clause is dropped and the
// status guard on the update keeps claims exclusive.
func (s *Store) ClaimDue(ctx context.Context, limit int) ([]Claimed, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := s.now()
	var claimed []Claimed

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var due []Job
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND run_at <= ?", StatusPending, now).
			Order("run_at asc").Order("id asc").
			Limit(limit).
			Find(&due).Error; err != nil {
			return err
		}

		for _, j := range due {
			res := tx.Model(&Job{}).
				Where("id = ? AND status = ?", j.ID, StatusPending).
				Updates(map[string]any{
					"status":     StatusRunning,
					"attempts":   gorm.Expr("attempts + 1"),
					"locked_at":  now,
					"locked_by":  s.workerID,
					"updated_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			c := Claimed{
				ID:          j.ID,
				Type:        j.Type,
				Attempts:    j.Attempts + 1,
				Failures:    j.Failures,
				MaxFailures: j.MaxFailures,
				RunAt:       j.RunAt,
			}
			c.Payload, c.DecodeErr = decodePayload(j.Type, j.Payload)
			claimed = append(claimed, c)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	return claimed, nil
}

// Reschedule hands a running job back to the queue at runAt. lastError is
// kept as-is when empty. patch, when non-empty, is merged into the payload.
// Failures is reset since the job ran without an executor error.
func (s *Store) Reschedule(ctx context.Context, id uint64, runAt time.Time, lastError string, patch map[string]any) error {
	return s.release(ctx, id, runAt, lastError, patch, false)
}

// RetryLater is Reschedule for an executor error: it also bumps failures.
func (s *Store) RetryLater(ctx context.Context, id uint64, runAt time.Time, lastError string) error {
	return s.release(ctx, id, runAt, lastError, nil, true)
}

func (s *Store) release(ctx context.Context, id uint64, runAt time.Time, lastError string, patch map[string]any, failed bool) error {
	now := s.now()
	updates := map[string]any{
		"status":     StatusPending,
		"run_at":     runAt.UTC(),
		"locked_at":  nil,
		"locked_by":  nil,
		"updated_at": now,
	}
	if lastError != "" {
		updates["last_error"] = truncate(lastError, maxErrorLen)
	}
	if failed {
		updates["failures"] = gorm.Expr("failures + 1")
	} else {
		updates["failures"] = 0
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(patch) > 0 {
			var j Job
			if err := tx.Select("id", "payload").Where("id = ?", id).First(&j).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrNotFound
				}
				return err
			}
			merged, err := mergePayload(j.Payload, patch)
			if err != nil {
				return fmt.Errorf("merge payload: %w", err)
			}
			updates["payload"] = datatypes.JSON(merged)
		}
		return s.finish(tx, id, updates)
	})
}

func (s *Store) MarkDone(ctx context.Context, id uint64) error {
	return s.finish(s.db.WithContext(ctx), id, map[string]any{
		"status":     StatusDone,
		"locked_at":  nil,
		"locked_by":  nil,
		"failures":   0,
		"updated_at": s.now(),
	})
}

func (s *Store) MarkFailed(ctx context.Context, id uint64, lastError string) error {
	return s.finish(s.db.WithContext(ctx), id, map[string]any{
		"status":     StatusFailed,
		"locked_at":  nil,
		"locked_by":  nil,
		"last_error": truncate(lastError, maxErrorLen),
		"updated_at": s.now(),
	})
}

// finish applies updates to a job this worker still holds.
func (s *Store) finish(db *gorm.DB, id uint64, updates map[string]any) error {
	res := db.Model(&Job{}).
		Where("id = ? AND status = ? AND locked_by = ?", id, StatusRunning, s.workerID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("job %d: %w", id, ErrLockLost)
	}
	return nil
}

// ReleaseStaleLocks returns running jobs locked longer than maxAge to pending.
// The staleness check lives in the UPDATE itself, so a worker that finishes
// in between is never overwritten.
func (s *Store) ReleaseStaleLocks(ctx context.Context, maxAge time.Duration) (int64, error) {
	now := s.now()
	cutoff := now.Add(-maxAge)
	res := s.db.WithContext(ctx).Model(&Job{}).
		Where("status = ? AND locked_at IS NOT NULL AND locked_at < ?", StatusRunning, cutoff).
		Updates(map[string]any{
			"status":     StatusPending,
			"locked_at":  nil,
			"locked_by":  nil,
			"updated_at": now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("release stale locks: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Store) Get(ctx context.Context, id uint64) (*Job, error) {
	var j Job
	if err := s.db.WithContext(ctx).First(&j, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &j, nil
}

func (s *Store) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Job{}).Where("status = ?", StatusPending).Count(&n).Error
	return n, err
}

// Stats counts jobs per status. Statuses with no rows are reported as zero.
func (s *Store) Stats(ctx context.Context) (map[Status]int64, error) {
	type row struct {
		Status Status
		N      int64
	}
	var rows []row
	if err := s.db.WithContext(ctx).Model(&Job{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := map[Status]int64{
		StatusPending: 0,
		StatusRunning: 0,
		StatusDone:    0,
		StatusFailed:  0,
	}
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

// PruneFinished deletes done and failed jobs last touched before now-olderThan.
func (s *Store) PruneFinished(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().Add(-olderThan)
	res := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []Status{StatusDone, StatusFailed}, cutoff).
		Delete(&Job{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune jobs: %w", res.Error)
	}
	return res.RowsAffected, nil
}
