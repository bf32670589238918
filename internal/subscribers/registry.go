package subscribers

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	maxErrorLen        = 2000
	defaultDeliverable = 5000
	maxDeliverable     = 20000
)

type Registry struct {
	DB *gorm.DB

	now func() time.Time
}

func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{DB: db, now: func() time.Time { return time.Now().UTC() }}
}

type Profile struct {
	Username  *string
	FirstName *string
	LastName  *string
}

// Touch records that the user talked to the bot, which makes them deliverable
// again.
func (r *Registry) Touch(ctx context.Context, recipient int64, p Profile) error {
	now := r.now()
	sub := Subscriber{
		RecipientID: recipient,
		Username:    p.Username,
		FirstName:   p.FirstName,
		LastName:    p.LastName,
		Deliverable: true,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
	updates := map[string]any{
		"last_seen_at": now,
		"deliverable":  true,
		"last_error":   nil,
	}
	if p.Username != nil {
		updates["username"] = *p.Username
	}
	if p.FirstName != nil {
		updates["first_name"] = *p.FirstName
	}
	if p.LastName != nil {
		updates["last_name"] = *p.LastName
	}
	return r.upsert(ctx, sub, updates)
}

func (r *Registry) SetOptOut(ctx context.Context, recipient int64, optedOut bool) error {
	now := r.now()
	sub := Subscriber{
		RecipientID: recipient,
		OptedOut:    optedOut,
		Deliverable: true,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
	return r.upsert(ctx, sub, map[string]any{
		"opted_out":    optedOut,
		"last_seen_at": now,
	})
}

func (r *Registry) MarkDelivered(ctx context.Context, recipient int64) error {
	now := r.now()
	sub := Subscriber{
		RecipientID: recipient,
		Deliverable: true,
		FirstSeenAt: now,
		LastSeenAt:  now,
		LastOKAt:    &now,
	}
	return r.upsert(ctx, sub, map[string]any{
		"deliverable": true,
		"last_ok_at":  now,
		"last_error":  nil,
		"fail_count":  0,
	})
}

// MarkFailed records a failed send. Only a permanent failure clears the
// deliverable flag.
func (r *Registry) MarkFailed(ctx context.Context, recipient int64, errText string, permanent bool) error {
	now := r.now()
	var lastErr *string
	if e := strings.TrimSpace(errText); e != "" {
		if len(e) > maxErrorLen {
			n := maxErrorLen
			for n > 0 && !utf8.RuneStart(e[n]) {
				n--
			}
			e = e[:n]
		}
		lastErr = &e
	}
	sub := Subscriber{
		RecipientID: recipient,
		Deliverable: !permanent,
		FailCount:   1,
		LastError:   lastErr,
		FirstSeenAt: now,
		LastSeenAt:  now,
		LastFailAt:  &now,
	}
	updates := map[string]any{
		"last_fail_at": now,
		"last_error":   lastErr,
		"fail_count":   gorm.Expr("subscribers.fail_count + 1"),
	}
	if permanent {
		updates["deliverable"] = false
	}
	return r.upsert(ctx, sub, updates)
}

func (r *Registry) upsert(ctx context.Context, sub Subscriber, updates map[string]any) error {
	return r.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "recipient_id"}},
		DoUpdates: clause.Assignments(updates),
	}).Create(&sub).Error
}

func (r *Registry) Get(ctx context.Context, recipient int64) (*Subscriber, error) {
	var sub Subscriber
	err := r.DB.WithContext(ctx).Where("recipient_id = ?", recipient).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// ListDeliverable returns reachable, not opted-out recipients, most recently
// seen first. limit is clamped to [1, 20000] with 5000 as the default.
func (r *Registry) ListDeliverable(ctx context.Context, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = defaultDeliverable
	}
	if limit > maxDeliverable {
		limit = maxDeliverable
	}
	var ids []int64
	err := r.DB.WithContext(ctx).Model(&Subscriber{}).
		Where("deliverable = ? AND opted_out = ?", true, false).
		Order("last_seen_at desc").
		Limit(limit).
		Pluck("recipient_id", &ids).Error
	return ids, err
}

func (r *Registry) CountDeliverable(ctx context.Context) (int64, error) {
	var n int64
	err := r.DB.WithContext(ctx).Model(&Subscriber{}).
		Where("deliverable = ? AND opted_out = ?", true, false).
		Count(&n).Error
	return n, err
}
