package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"courier/internal/delivery"
	"courier/internal/jobs"
)

var (
	ErrNotFound      = errors.New("broadcast not found")
	ErrEmptyText     = errors.New("broadcast text is empty")
	ErrTextTooLong   = fmt.Errorf("broadcast text exceeds %d characters", delivery.MaxTextLen)
	ErrNoRecipients  = errors.New("broadcast has no recipients")
	ErrNoSubscribers = errors.New("no deliverable subscribers")
	ErrFinished      = errors.New("broadcast already finished")
)

const (
	MaxDelay         = 7 * 24 * time.Hour
	DefaultBatchSize = 5

	defaultMaxTargets = 5000
	maxMaxTargets     = 20000
	defaultHistory    = 10
	maxHistory        = 50
	previewLen        = 140
	maxErrorLen       = 2000
)

// Deliverability receives per-recipient send outcomes.
type Deliverability interface {
	MarkDelivered(ctx context.Context, recipient int64) error
	MarkFailed(ctx context.Context, recipient int64, errText string, permanent bool) error
}

// Audience lists the private chats a subscriber broadcast goes to.
type Audience interface {
	ListDeliverable(ctx context.Context, limit int) ([]int64, error)
}

type Service struct {
	DB     *gorm.DB
	Jobs   *jobs.Store
	Sender delivery.Sender
	Log    zerolog.Logger

	// Subscribers and Audience are optional.
	Subscribers Deliverability
	Audience    Audience

	// BatchSize caps how many targets one send job claims per run.
	BatchSize int

	now func() time.Time
}

func New(db *gorm.DB, store *jobs.Store, sender delivery.Sender, log zerolog.Logger) *Service {
	return &Service{
		DB:        db,
		Jobs:      store,
		Sender:    sender,
		Log:       log,
		BatchSize: DefaultBatchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type CreateInput struct {
	CreatedBy      int64
	Recipients     []int64
	Text           string
	ParseMode      string
	DisablePreview bool
	Unsubscribe    bool
	Delay          time.Duration
}

type SubscriberInput struct {
	CreatedBy      int64
	Text           string
	ParseMode      string
	DisablePreview bool
	Delay          time.Duration
	// MaxTargets defaults to 5000 and is capped at 20000.
	MaxTargets int
}

// Create stores the broadcast header, one pending target per distinct
// recipient and the send job, all in one transaction.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Broadcast, error) {
	format, err := validateText(in.Text, in.ParseMode)
	if err != nil {
		return nil, err
	}
	recipients := dedupe(in.Recipients)
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	now := s.now()
	b := Broadcast{
		CreatedBy:      in.CreatedBy,
		Text:           in.Text,
		ParseMode:      string(format),
		DisablePreview: in.DisablePreview,
		Unsubscribe:    in.Unsubscribe,
		ScheduledAt:    now.Add(clampDelay(in.Delay)),
		Status:         StatusPending,
		TotalTargets:   len(recipients),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&b).Error; err != nil {
			return err
		}
		targets := make([]Target, 0, len(recipients))
		for _, r := range recipients {
			targets = append(targets, Target{
				BroadcastID: b.ID,
				RecipientID: r,
				Status:      TargetPending,
				CreatedAt:   now,
				UpdatedAt:   now,
			})
		}
		if err := tx.CreateInBatches(&targets, 500).Error; err != nil {
			return err
		}
		_, err := s.Jobs.WithTx(tx).Enqueue(ctx, jobs.BroadcastSend{BroadcastID: b.ID}, b.ScheduledAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create broadcast: %w", err)
	}

	s.Log.Info().
		Uint64("broadcast_id", b.ID).
		Int("targets", b.TotalTargets).
		Time("scheduled_at", b.ScheduledAt).
		Msg("broadcast created")
	return &b, nil
}

// CreateForSubscribers broadcasts to every deliverable, not opted-out private
// chat. Each message carries an unsubscribe button.
func (s *Service) CreateForSubscribers(ctx context.Context, in SubscriberInput) (*Broadcast, error) {
	if s.Audience == nil {
		return nil, errors.New("create broadcast: no subscriber audience configured")
	}
	if _, err := validateText(in.Text, in.ParseMode); err != nil {
		return nil, err
	}
	limit := in.MaxTargets
	if limit <= 0 {
		limit = defaultMaxTargets
	}
	if limit > maxMaxTargets {
		limit = maxMaxTargets
	}
	ids, err := s.Audience.ListDeliverable(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	if len(ids) == 0 {
		return nil, ErrNoSubscribers
	}
	return s.Create(ctx, CreateInput{
		CreatedBy:      in.CreatedBy,
		Recipients:     ids,
		Text:           in.Text,
		ParseMode:      in.ParseMode,
		DisablePreview: in.DisablePreview,
		Unsubscribe:    true,
		Delay:          in.Delay,
	})
}

func (s *Service) Get(ctx context.Context, id uint64) (*Broadcast, error) {
	var b Broadcast
	if err := s.DB.WithContext(ctx).First(&b, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

// Cancel stops a broadcast that has not finished. Targets already sent stay
// sent; pending ones are never delivered.
func (s *Service) Cancel(ctx context.Context, id uint64) error {
	now := s.now()
	res := s.DB.WithContext(ctx).Model(&Broadcast{}).
		Where("id = ? AND status IN ?", id, []Status{StatusPending, StatusRunning}).
		Updates(map[string]any{
			"status":      StatusCancelled,
			"finished_at": now,
			"updated_at":  now,
		})
	if res.Error != nil {
		return fmt.Errorf("cancel broadcast %d: %w", id, res.Error)
	}
	if res.RowsAffected == 1 {
		s.Log.Info().Uint64("broadcast_id", id).Msg("broadcast cancelled")
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrFinished
}

// Summary is one entry of a recipient's broadcast history.
type Summary struct {
	BroadcastID  uint64       `json:"broadcast_id"`
	Status       Status       `json:"status"`
	TargetStatus TargetStatus `json:"target_status"`
	Preview      string       `json:"preview"`
	CreatedAt    time.Time    `json:"created_at"`
	SentAt       *time.Time   `json:"sent_at,omitempty"`
}

// ListForRecipient returns the most recent broadcasts addressed to recipient,
// newest first. limit is clamped to [1, 50].
func (s *Service) ListForRecipient(ctx context.Context, recipient int64, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = defaultHistory
	}
	if limit > maxHistory {
		limit = maxHistory
	}
	type row struct {
		ID           uint64
		Status       Status
		TargetStatus TargetStatus
		Text         string
		CreatedAt    time.Time
		SentAt       *time.Time
	}
	var rows []row
	err := s.DB.WithContext(ctx).Table("broadcasts AS b").
		Select("b.id, b.status, t.status AS target_status, b.text, b.created_at, t.sent_at").
		Joins("JOIN broadcast_targets AS t ON t.broadcast_id = b.id").
		Where("t.recipient_id = ?", recipient).
		Order("b.id desc").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list broadcasts for %d: %w", recipient, err)
	}
	out := make([]Summary, 0, len(rows))
	for _, r := range rows {
		out = append(out, Summary{
			BroadcastID:  r.ID,
			Status:       r.Status,
			TargetStatus: r.TargetStatus,
			Preview:      preview(r.Text),
			CreatedAt:    r.CreatedAt,
			SentAt:       r.SentAt,
		})
	}
	return out, nil
}

func validateText(text, parseMode string) (delivery.Format, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyText
	}
	if utf8.RuneCountInString(text) > delivery.MaxTextLen {
		return "", ErrTextTooLong
	}
	return delivery.ParseFormat(parseMode)
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func clampDelay(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > MaxDelay {
		return MaxDelay
	}
	return d
}

func preview(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= previewLen {
		return text
	}
	r := []rune(text)
	return string(r[:previewLen-1]) + "…"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
