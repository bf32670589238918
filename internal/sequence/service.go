package sequence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"courier/internal/delivery"
	"courier/internal/jobs"
)

const (
	DefaultKey          = "onboarding_verified"
	TriggerUserVerified = "user_verified"

	MaxSteps = 10
	MaxDelay = 7 * 24 * time.Hour

	maxErrorLen = 2000
)

var (
	ErrNotFound          = errors.New("sequence not found")
	ErrKeyRequired       = errors.New("sequence key is required")
	ErrTriggerRequired   = errors.New("trigger key is required")
	ErrTooManySteps      = fmt.Errorf("a sequence has at most %d steps", MaxSteps)
	ErrFirstStepRequired = errors.New("an enabled sequence needs text in step 1")
	ErrTextTooLong       = fmt.Errorf("step text exceeds %d characters", delivery.MaxTextLen)
)

// Deliverability receives per-subject send outcomes.
type Deliverability interface {
	MarkDelivered(ctx context.Context, recipient int64) error
	MarkFailed(ctx context.Context, recipient int64, errText string, permanent bool) error
}

type Service struct {
	DB     *gorm.DB
	Jobs   *jobs.Store
	Sender delivery.Sender
	Log    zerolog.Logger

	// Subscribers is optional.
	Subscribers Deliverability

	now func() time.Time
}

func New(db *gorm.DB, store *jobs.Store, sender delivery.Sender, log zerolog.Logger) *Service {
	return &Service{
		DB:     db,
		Jobs:   store,
		Sender: sender,
		Log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type StepInput struct {
	Delay          time.Duration
	Text           string
	ParseMode      string
	DisablePreview bool
}

type UpsertInput struct {
	ScopeID   int64
	Key       string
	Name      string
	Trigger   string
	Enabled   bool
	CreatedBy int64
	Steps     []StepInput
}

// Definition is a sequence with its non-blank steps in order.
type Definition struct {
	Sequence Sequence `json:"sequence"`
	Steps    []Step   `json:"steps"`
}

// Upsert creates or replaces a sequence plan. Steps are matched by position;
// stored steps past the end of in.Steps are blanked.
func (s *Service) Upsert(ctx context.Context, in UpsertInput) (*Definition, error) {
	key := strings.TrimSpace(in.Key)
	if key == "" {
		return nil, ErrKeyRequired
	}
	trigger := strings.TrimSpace(in.Trigger)
	if trigger == "" {
		trigger = TriggerUserVerified
	}
	if len(in.Steps) > MaxSteps {
		return nil, ErrTooManySteps
	}
	formats := make([]delivery.Format, len(in.Steps))
	for i, st := range in.Steps {
		if utf8.RuneCountInString(st.Text) > delivery.MaxTextLen {
			return nil, fmt.Errorf("step %d: %w", i+1, ErrTextTooLong)
		}
		f, err := delivery.ParseFormat(st.ParseMode)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		formats[i] = f
	}
	if in.Enabled && (len(in.Steps) == 0 || blank(in.Steps[0].Text)) {
		return nil, ErrFirstStepRequired
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = key
	}

	now := s.now()
	var seq Sequence
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("scope_id = ? AND key = ?", in.ScopeID, key).First(&seq).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			seq = Sequence{
				ScopeID:   in.ScopeID,
				Key:       key,
				Name:      name,
				Trigger:   trigger,
				Enabled:   in.Enabled,
				CreatedBy: in.CreatedBy,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.Create(&seq).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if err := tx.Model(&seq).Updates(map[string]any{
				"name":         name,
				"trigger_name": trigger,
				"enabled":      in.Enabled,
				"updated_at":   now,
			}).Error; err != nil {
				return err
			}
		}

		var existing []Step
		if err := tx.Where("sequence_id = ?", seq.ID).Find(&existing).Error; err != nil {
			return err
		}
		byOrder := make(map[int]Step, len(existing))
		for _, st := range existing {
			byOrder[st.StepOrder] = st
		}

		for i, st := range in.Steps {
			order := i + 1
			text := st.Text
			if blank(text) {
				text = ""
			}
			fields := map[string]any{
				"delay_seconds":   int(clampDelay(st.Delay) / time.Second),
				"text":            text,
				"parse_mode":      string(formats[i]),
				"disable_preview": st.DisablePreview,
				"updated_at":      now,
			}
			if old, ok := byOrder[order]; ok {
				if err := tx.Model(&Step{}).Where("id = ?", old.ID).Updates(fields).Error; err != nil {
					return err
				}
				continue
			}
			row := Step{
				SequenceID:     seq.ID,
				StepOrder:      order,
				DelaySeconds:   fields["delay_seconds"].(int),
				Text:           text,
				ParseMode:      string(formats[i]),
				DisablePreview: st.DisablePreview,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}

		return tx.Model(&Step{}).
			Where("sequence_id = ? AND step_order > ?", seq.ID, len(in.Steps)).
			Updates(map[string]any{
				"text":          "",
				"delay_seconds": 0,
				"updated_at":    now,
			}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("upsert sequence %q: %w", key, err)
	}
	return s.Get(ctx, in.ScopeID, key)
}

func (s *Service) Get(ctx context.Context, scopeID int64, key string) (*Definition, error) {
	var d Definition
	db := s.DB.WithContext(ctx)
	if err := db.Where("scope_id = ? AND key = ?", scopeID, strings.TrimSpace(key)).First(&d.Sequence).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	steps, err := activeSteps(db, d.Sequence.ID)
	if err != nil {
		return nil, err
	}
	d.Steps = steps
	return &d, nil
}

func activeSteps(db *gorm.DB, sequenceID uint64) ([]Step, error) {
	var steps []Step
	err := db.Where("sequence_id = ? AND TRIM(text) <> ''", sequenceID).
		Order("step_order asc").
		Find(&steps).Error
	return steps, err
}

type StartInput struct {
	ScopeID    int64
	Key        string
	SubjectID  int64
	TriggerKey string
}

// StartRun starts the sequence for a subject. It reports started=false, with
// no error, when the sequence is missing or disabled, or when a run with the
// same trigger key already exists; in the last case the existing run is
// returned.
func (s *Service) StartRun(ctx context.Context, in StartInput) (*Run, bool, error) {
	key := strings.TrimSpace(in.Key)
	if key == "" {
		return nil, false, ErrKeyRequired
	}
	triggerKey := strings.TrimSpace(in.TriggerKey)
	if triggerKey == "" {
		return nil, false, ErrTriggerRequired
	}

	var seq Sequence
	err := s.DB.WithContext(ctx).Where("scope_id = ? AND key = ?", in.ScopeID, key).First(&seq).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if !seq.Enabled {
		return nil, false, nil
	}
	return s.start(ctx, seq, in.SubjectID, triggerKey)
}

func (s *Service) start(ctx context.Context, seq Sequence, subjectID int64, triggerKey string) (*Run, bool, error) {
	now := s.now()
	run := Run{
		SequenceID: seq.ID,
		SubjectID:  subjectID,
		TriggerKey: triggerKey,
		Status:     RunRunning,
		StartedAt:  now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	started := false

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&run)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return tx.Where("sequence_id = ? AND subject_id = ? AND trigger_key = ?", seq.ID, subjectID, triggerKey).
				First(&run).Error
		}
		started = true

		steps, err := activeSteps(tx, seq.ID)
		if err != nil {
			return err
		}
		if len(steps) == 0 {
			run.Status = RunCompleted
			run.FinishedAt = &now
			return tx.Model(&run).Updates(map[string]any{
				"status":      RunCompleted,
				"finished_at": now,
			}).Error
		}

		store := s.Jobs.WithTx(tx)
		for _, st := range steps {
			rs := RunStep{
				RunID:     run.ID,
				StepID:    st.ID,
				Status:    StepPending,
				RunAt:     run.StartedAt.Add(time.Duration(st.DelaySeconds) * time.Second),
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.Create(&rs).Error; err != nil {
				return err
			}
			if _, err := store.Enqueue(ctx, jobs.SequenceStep{RunStepID: rs.ID}, rs.RunAt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("start sequence %d for %d: %w", seq.ID, subjectID, err)
	}
	if started {
		s.Log.Info().
			Uint64("sequence_id", seq.ID).
			Uint64("run_id", run.ID).
			Int64("subject", subjectID).
			Str("trigger_key", triggerKey).
			Msg("sequence run started")
	}
	return &run, started, nil
}

// Trigger starts every enabled sequence in scope bound to trigger. The
// trigger name doubles as the trigger key, so each subject gets at most one
// run per sequence and trigger. It returns the runs actually started.
func (s *Service) Trigger(ctx context.Context, scopeID int64, trigger string, subjectID int64) ([]Run, error) {
	trigger = strings.TrimSpace(trigger)
	if trigger == "" {
		return nil, ErrTriggerRequired
	}
	var seqs []Sequence
	if err := s.DB.WithContext(ctx).
		Where("scope_id = ? AND trigger_name = ? AND enabled = ?", scopeID, trigger, true).
		Order("id asc").
		Find(&seqs).Error; err != nil {
		return nil, fmt.Errorf("find sequences for %q: %w", trigger, err)
	}
	var runs []Run
	for _, seq := range seqs {
		run, started, err := s.start(ctx, seq, subjectID, trigger)
		if err != nil {
			return runs, err
		}
		if started {
			runs = append(runs, *run)
		}
	}
	return runs, nil
}

// SubjectVerified is the hook for a member passing join verification.
func (s *Service) SubjectVerified(ctx context.Context, scopeID, subjectID int64) ([]Run, error) {
	return s.Trigger(ctx, scopeID, TriggerUserVerified, subjectID)
}

type RunDetail struct {
	Run   Run       `json:"run"`
	Steps []RunStep `json:"steps"`
}

func (s *Service) GetRun(ctx context.Context, id uint64) (*RunDetail, error) {
	var d RunDetail
	db := s.DB.WithContext(ctx)
	if err := db.First(&d.Run, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := db.Where("run_id = ?", id).Order("run_at asc").Order("id asc").Find(&d.Steps).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }

func clampDelay(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > MaxDelay {
		return MaxDelay
	}
	return d
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
