package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"courier/internal/delivery"
	"courier/internal/jobs"
)

type outcome struct {
	target    Target
	messageID int64
	err       error
}

// RunSendJob delivers the next batch of a broadcast in three steps: claim
// pending targets in a short transaction, send with no transaction open, then
// settle the outcomes in a second short transaction.
//
// A rate limit or the end of ctx stops the batch. Targets of that batch not
// yet settled stay sending until ReleaseStaleTargets returns them to pending.
func (s *Service) RunSendJob(ctx context.Context, broadcastID uint64) (jobs.Result, error) {
	log := s.Log.With().Uint64("broadcast_id", broadcastID).Logger()

	c, err := s.claimBatch(ctx, broadcastID)
	if err != nil {
		return jobs.Result{}, err
	}
	if c.done != "" {
		return jobs.Done(c.done), nil
	}
	b, token := c.broadcast, c.token

	msg := delivery.Message{
		Text:           b.Text,
		Format:         delivery.Format(b.ParseMode),
		DisablePreview: b.DisablePreview,
		Unsubscribe:    b.Unsubscribe,
	}

	var (
		outcomes   []outcome
		retryAfter time.Duration
		limited    bool
	)
	for _, t := range c.targets {
		if ctx.Err() != nil {
			break
		}
		held, err := s.stillClaimed(ctx, t.ID, token)
		if err != nil {
			log.Warn().Err(err).Uint64("target_id", t.ID).Msg("claim check failed")
			break
		}
		if !held {
			continue
		}

		mid, sendErr := s.Sender.Send(ctx, t.RecipientID, msg)
		if d, ok := delivery.AsRateLimit(sendErr); ok {
			retryAfter, limited = d, true
			log.Warn().Dur("retry_after", d).Int64("recipient", t.RecipientID).Msg("rate limited, stopping batch")
			break
		}
		if sendErr != nil && ctx.Err() != nil {
			// The send never finished; the target stays sending for the reaper.
			log.Info().Err(sendErr).Int64("recipient", t.RecipientID).Msg("job context ended, stopping batch")
			break
		}
		outcomes = append(outcomes, outcome{target: t, messageID: mid, err: sendErr})
	}

	// Settle even when the job context is gone so finished sends are recorded.
	settleCtx := context.WithoutCancel(ctx)
	completed, sent, failed, err := s.settle(settleCtx, broadcastID, token, outcomes, limited, retryAfter)
	if err != nil {
		return jobs.Result{}, err
	}
	s.recordDeliverability(settleCtx, outcomes)

	detail := fmt.Sprintf("sent=%d failed=%d", sent, failed)
	switch {
	case limited:
		return jobs.RetryAfter(retryAfter, fmt.Sprintf("retry_after=%d", delivery.RetryAfterSeconds(retryAfter))), nil
	case completed:
		log.Info().Msg("broadcast completed")
		return jobs.Done(detail), nil
	default:
		return jobs.Continue(detail), nil
	}
}

type claim struct {
	broadcast Broadcast
	targets   []Target
	token     string
	// done is set when the job has nothing left to do.
	done string
}

func (s *Service) claimBatch(ctx context.Context, id uint64) (claim, error) {
	c := claim{token: uuid.NewString()}
	b := &c.broadcast
	now := s.now()
	batch := s.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(b, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.done = "broadcast missing"
				return nil
			}
			return err
		}
		if b.Status.Terminal() {
			c.done = "broadcast " + string(b.Status)
			return nil
		}
		if b.Status == StatusPending {
			if err := tx.Model(&Broadcast{}).
				Where("id = ? AND status = ?", id, StatusPending).
				Updates(map[string]any{
					"status":     StatusRunning,
					"started_at": now,
					"updated_at": now,
				}).Error; err != nil {
				return err
			}
			b.Status = StatusRunning
			b.StartedAt = &now
		}

		var ids []uint64
		if err := tx.Model(&Target{}).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("broadcast_id = ? AND status = ?", id, TargetPending).
			Order("id asc").
			Limit(batch).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			if err := markCompleted(tx, id, now); err != nil {
				return err
			}
			c.done = "no pending targets"
			return nil
		}

		if err := tx.Model(&Target{}).
			Where("id IN ? AND status = ?", ids, TargetPending).
			Updates(map[string]any{
				"status":      TargetSending,
				"claim_token": c.token,
				"claimed_at":  now,
				"updated_at":  now,
			}).Error; err != nil {
			return err
		}
		return tx.Where("claim_token = ?", c.token).Order("id asc").Find(&c.targets).Error
	})
	if err != nil {
		return claim{}, fmt.Errorf("claim broadcast %d targets: %w", id, err)
	}
	return c, nil
}

// stillClaimed re-reads a target right before sending so a target released by
// the reaper, or settled by someone else, is not sent twice by this batch.
func (s *Service) stillClaimed(ctx context.Context, targetID uint64, token string) (bool, error) {
	var n int64
	err := s.DB.WithContext(ctx).Model(&Target{}).
		Where("id = ? AND status = ? AND claim_token = ?", targetID, TargetSending, token).
		Count(&n).Error
	return n == 1, err
}

func (s *Service) settle(ctx context.Context, id uint64, token string, outcomes []outcome, limited bool, retryAfter time.Duration) (bool, int, int, error) {
	var (
		completed    bool
		sent, failed int
	)
	now := s.now()

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, o := range outcomes {
			updates := map[string]any{"updated_at": now}
			if o.err == nil {
				updates["status"] = TargetSent
				updates["message_id"] = o.messageID
				updates["sent_at"] = now
				updates["error"] = nil
			} else {
				updates["status"] = TargetFailed
				updates["error"] = truncate(o.err.Error(), maxErrorLen)
			}
			res := tx.Model(&Target{}).
				Where("id = ? AND status = ? AND claim_token = ?", o.target.ID, TargetSending, token).
				Updates(updates)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			if o.err == nil {
				sent++
			} else {
				failed++
			}
		}

		counters := map[string]any{
			"sent_count":   gorm.Expr("sent_count + ?", sent),
			"failed_count": gorm.Expr("failed_count + ?", failed),
			"updated_at":   now,
		}
		if limited {
			counters["last_error"] = fmt.Sprintf("retry_after=%d", delivery.RetryAfterSeconds(retryAfter))
		}
		if err := tx.Model(&Broadcast{}).Where("id = ?", id).Updates(counters).Error; err != nil {
			return err
		}
		if limited {
			return nil
		}

		var pending int64
		if err := tx.Model(&Target{}).
			Where("broadcast_id = ? AND status = ?", id, TargetPending).
			Count(&pending).Error; err != nil {
			return err
		}
		if pending > 0 {
			return nil
		}
		completed = true
		return markCompleted(tx, id, now)
	})
	if err != nil {
		return false, 0, 0, fmt.Errorf("settle broadcast %d: %w", id, err)
	}
	return completed, sent, failed, nil
}

func markCompleted(tx *gorm.DB, id uint64, now time.Time) error {
	return tx.Model(&Broadcast{}).
		Where("id = ? AND status = ?", id, StatusRunning).
		Updates(map[string]any{
			"status":      StatusCompleted,
			"finished_at": now,
			"updated_at":  now,
		}).Error
}

// recordDeliverability feeds outcomes for private chats to the subscriber
// registry. Group chats have negative ids and are skipped.
func (s *Service) recordDeliverability(ctx context.Context, outcomes []outcome) {
	if s.Subscribers == nil {
		return
	}
	for _, o := range outcomes {
		r := o.target.RecipientID
		if r <= 0 {
			continue
		}
		var err error
		if o.err == nil {
			err = s.Subscribers.MarkDelivered(ctx, r)
		} else {
			err = s.Subscribers.MarkFailed(ctx, r, o.err.Error(), delivery.IsPermanent(o.err))
		}
		if err != nil {
			s.Log.Warn().Err(err).Int64("recipient", r).Msg("subscriber update failed")
		}
	}
}

// ReleaseStaleTargets returns targets stuck in sending for longer than maxAge
// to pending. Broadcasts that were completed while such targets were still
// out are reopened and get a fresh send job.
func (s *Service) ReleaseStaleTargets(ctx context.Context, maxAge time.Duration) (int64, error) {
	now := s.now()
	cutoff := now.Add(-maxAge)
	var released int64
	var reopened []uint64

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stale := func() *gorm.DB {
			live := tx.Model(&Broadcast{}).Select("id").Where("status IN ?", []Status{StatusRunning, StatusCompleted})
			return tx.Model(&Target{}).
				Where("status = ? AND claimed_at IS NOT NULL AND claimed_at < ?", TargetSending, cutoff).
				Where("broadcast_id IN (?)", live)
		}

		var ids []uint64
		if err := stale().Distinct("broadcast_id").Pluck("broadcast_id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		res := stale().Updates(map[string]any{
			"status":      TargetPending,
			"claim_token": nil,
			"claimed_at":  nil,
			"updated_at":  now,
		})
		if res.Error != nil {
			return res.Error
		}
		released = res.RowsAffected

		if err := tx.Model(&Broadcast{}).
			Where("id IN ? AND status = ?", ids, StatusCompleted).
			Pluck("id", &reopened).Error; err != nil {
			return err
		}
		if len(reopened) == 0 {
			return nil
		}
		if err := tx.Model(&Broadcast{}).
			Where("id IN ? AND status = ?", reopened, StatusCompleted).
			Updates(map[string]any{
				"status":      StatusRunning,
				"finished_at": nil,
				"updated_at":  now,
			}).Error; err != nil {
			return err
		}
		store := s.Jobs.WithTx(tx)
		for _, id := range reopened {
			if _, err := store.Enqueue(ctx, jobs.BroadcastSend{BroadcastID: id}, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("release stale targets: %w", err)
	}
	if released > 0 {
		s.Log.Warn().Int64("targets", released).Int("reopened", len(reopened)).Dur("max_age", maxAge).Msg("released stale broadcast targets")
	}
	return released, nil
}
