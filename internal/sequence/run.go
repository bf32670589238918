package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"courier/internal/delivery"
	"courier/internal/jobs"
)

// stepWork is what the load phase hands to the send phase.
type stepWork struct {
	runStep RunStep
	subject int64
	msg     delivery.Message
	// done is set when nothing should be sent.
	done string
}

// RunStepJob delivers one scheduled step. The step is loaded and checked in
// one short transaction, sent with no transaction open, and settled in a
// second transaction that also finalizes the run once no step is pending.
func (s *Service) RunStepJob(ctx context.Context, runStepID uint64) (jobs.Result, error) {
	log := s.Log.With().Uint64("run_step_id", runStepID).Logger()

	w, err := s.loadStep(ctx, runStepID)
	if err != nil {
		return jobs.Result{}, err
	}
	if w.done != "" {
		return jobs.Done(w.done), nil
	}

	mid, sendErr := s.Sender.Send(ctx, w.subject, w.msg)
	if d, ok := delivery.AsRateLimit(sendErr); ok {
		log.Warn().Dur("retry_after", d).Int64("subject", w.subject).Msg("rate limited")
		return jobs.RetryAfter(d, fmt.Sprintf("retry_after=%d", delivery.RetryAfterSeconds(d))), nil
	}

	if sendErr != nil && ctx.Err() != nil {
		// The step stays pending; the job is picked up again after its lock expires.
		return jobs.Result{}, fmt.Errorf("run step %d: %w", runStepID, ctx.Err())
	}

	settleCtx := context.WithoutCancel(ctx)
	status, err := s.settleStep(settleCtx, w.runStep, mid, sendErr)
	if err != nil {
		return jobs.Result{}, err
	}
	s.recordDeliverability(settleCtx, w.subject, sendErr)

	if sendErr != nil {
		log.Warn().Err(sendErr).Int64("subject", w.subject).Msg("sequence step failed")
		return jobs.Done("step failed: " + truncate(sendErr.Error(), 200)), nil
	}
	return jobs.Done("step " + string(status)), nil
}

func (s *Service) loadStep(ctx context.Context, runStepID uint64) (stepWork, error) {
	var w stepWork
	now := s.now()

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rs := &w.runStep
		if err := tx.First(rs, runStepID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				w.done = "run step missing"
				return nil
			}
			return err
		}
		if rs.Status != StepPending {
			w.done = "run step already " + string(rs.Status)
			return nil
		}

		var run Run
		if err := lockRun(tx, rs.RunID, &run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				w.done = "run missing"
				return setStepStatus(tx, rs.ID, StepCancelled, "run missing", now)
			}
			return err
		}
		if run.Status != RunRunning {
			w.done = "run " + string(run.Status)
			return setStepStatus(tx, rs.ID, StepCancelled, "", now)
		}

		var step Step
		if err := tx.First(&step, rs.StepID).Error; err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			w.done = "step missing"
			if err := setStepStatus(tx, rs.ID, StepFailed, "step missing", now); err != nil {
				return err
			}
			return failRun(tx, run.ID, "step missing", now)
		}

		var seq Sequence
		err := tx.First(&seq, step.SequenceID).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err != nil || !seq.Enabled || blank(step.Text) {
			w.done = "step cancelled"
			if err := setStepStatus(tx, rs.ID, StepCancelled, "", now); err != nil {
				return err
			}
			return finalizeRun(tx, run.ID, now)
		}

		if err := tx.Model(&RunStep{}).Where("id = ?", rs.ID).Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": now,
		}).Error; err != nil {
			return err
		}
		w.subject = run.SubjectID
		w.msg = delivery.Message{
			Text:           step.Text,
			Format:         delivery.Format(step.ParseMode),
			DisablePreview: step.DisablePreview,
		}
		return nil
	})
	if err != nil {
		return stepWork{}, fmt.Errorf("load run step %d: %w", runStepID, err)
	}
	return w, nil
}

func (s *Service) settleStep(ctx context.Context, rs RunStep, messageID int64, sendErr error) (StepStatus, error) {
	now := s.now()
	status := StepSent
	if sendErr != nil {
		status = StepFailed
	}

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run Run
		if err := lockRun(tx, rs.RunID, &run).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		updates := map[string]any{
			"status":     status,
			"updated_at": now,
		}
		if sendErr == nil {
			updates["message_id"] = messageID
			updates["sent_at"] = now
			updates["error"] = nil
		} else {
			updates["error"] = truncate(sendErr.Error(), maxErrorLen)
		}
		res := tx.Model(&RunStep{}).
			Where("id = ? AND status = ?", rs.ID, StepPending).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		if sendErr != nil {
			if err := tx.Model(&Run{}).Where("id = ?", rs.RunID).Updates(map[string]any{
				"last_error": truncate(sendErr.Error(), maxErrorLen),
				"updated_at": now,
			}).Error; err != nil {
				return err
			}
		}
		return finalizeRun(tx, rs.RunID, now)
	})
	if err != nil {
		return "", fmt.Errorf("settle run step %d: %w", rs.ID, err)
	}
	return status, nil
}

// lockRun reads a run FOR UPDATE. Any transaction that settles a step of the
// run takes it first, so finalizeRun never counts a concurrently settled step
// as pending.
func lockRun(tx *gorm.DB, runID uint64, run *Run) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(run, runID)
}

func setStepStatus(tx *gorm.DB, id uint64, status StepStatus, errText string, now time.Time) error {
	updates := map[string]any{"status": status, "updated_at": now}
	if errText != "" {
		updates["error"] = errText
	}
	return tx.Model(&RunStep{}).
		Where("id = ? AND status = ?", id, StepPending).
		Updates(updates).Error
}

func failRun(tx *gorm.DB, runID uint64, reason string, now time.Time) error {
	return tx.Model(&Run{}).
		Where("id = ? AND status = ?", runID, RunRunning).
		Updates(map[string]any{
			"status":      RunFailed,
			"last_error":  reason,
			"finished_at": now,
			"updated_at":  now,
		}).Error
}

// finalizeRun closes a running run once none of its steps is pending:
// completed when no step failed, failed otherwise.
func finalizeRun(tx *gorm.DB, runID uint64, now time.Time) error {
	var pending, failed int64
	if err := tx.Model(&RunStep{}).
		Where("run_id = ? AND status = ?", runID, StepPending).
		Count(&pending).Error; err != nil {
		return err
	}
	if pending > 0 {
		return nil
	}
	if err := tx.Model(&RunStep{}).
		Where("run_id = ? AND status = ?", runID, StepFailed).
		Count(&failed).Error; err != nil {
		return err
	}
	status := RunCompleted
	if failed > 0 {
		status = RunFailed
	}
	return tx.Model(&Run{}).
		Where("id = ? AND status = ?", runID, RunRunning).
		Updates(map[string]any{
			"status":      status,
			"finished_at": now,
			"updated_at":  now,
		}).Error
}

func (s *Service) recordDeliverability(ctx context.Context, subject int64, sendErr error) {
	if s.Subscribers == nil || subject <= 0 {
		return
	}
	var err error
	if sendErr == nil {
		err = s.Subscribers.MarkDelivered(ctx, subject)
	} else {
		err = s.Subscribers.MarkFailed(ctx, subject, sendErr.Error(), delivery.IsPermanent(sendErr))
	}
	if err != nil {
		s.Log.Warn().Err(err).Int64("subject", subject).Msg("subscriber update failed")
	}
}
