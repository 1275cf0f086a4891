package store

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ifuryst/tideline/internal/models"
)

var (
	ErrNotFound         = errors.New("scheduled action not found")
	ErrNotCancellable   = errors.New("scheduled action is not cancellable")
	ErrAlreadyResolved  = errors.New("scheduled action already resolved")
	ErrClaimLost        = errors.New("claim on scheduled action was lost")
	ErrDuplicatePending = errors.New("content already has a pending action of this kind")
	ErrEmptyInsert      = errors.New("no scheduled actions to insert")
)

// Statuses that still hold the (content, action) slot.
var activeStatuses = []models.Status{models.StatusPending, models.StatusRunning}

const precheckChunk = 500

// Store persists scheduled actions and owns every lifecycle transition.
// Each transition is a conditional update on the expected prior state, so
// concurrent callers (other dispatchers, cancel requests) can never both win.
type Store struct {
	db    *gorm.DB
	lease time.Duration
	now   func() time.Time
}

// New returns a store whose claims hold for lease before they may be reclaimed.
func New(db *gorm.DB, lease time.Duration) *Store {
	return &Store{
		db:    db,
		lease: lease,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Filter narrows ListBy. Zero values match everything.
type Filter struct {
	Status    models.Status
	Action    models.Action
	ContentID string
	BatchID   string
	Limit     int
	Offset    int
}

// Outcome is the result of one execution attempt.
type Outcome struct {
	Success bool
	Message string
	// Terminal failures skip the remaining attempts.
	Terminal bool
}

func Succeeded() Outcome { return Outcome{Success: true} }

func Failed(message string, terminal bool) Outcome {
	if message == "" {
		message = "unknown error"
	}
	return Outcome{Message: message, Terminal: terminal}
}

// BulkInsert creates every action as pending inside one transaction. If any
// content already has a pending action of the same kind nothing is written.
func (s *Store) BulkInsert(ctx context.Context, actions []*models.ScheduledAction) ([]uint, error) {
	if len(actions) == 0 {
		return nil, ErrEmptyInsert
	}

	byAction := make(map[models.Action][]string)
	for _, a := range actions {
		a.ID = 0
		a.Status = models.StatusPending
		a.Attempts = 0
		a.LastError = ""
		a.ClaimToken = ""
		a.LeaseExpiresAt = nil
		a.ExecutedAt = nil
		a.CancelledAt = nil
		a.ScheduledAt = a.ScheduledAt.UTC()
		byAction[a.Action] = append(byAction[a.Action], a.ContentID)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for action, contentIDs := range byAction {
			for start := 0; start < len(contentIDs); start += precheckChunk {
				end := min(start+precheckChunk, len(contentIDs))

				var existing []string
				if err := tx.Model(&models.ScheduledAction{}).
					Where("action = ? AND content_id IN ? AND status IN ?", action, contentIDs[start:end], activeStatuses).
					Pluck("content_id", &existing).Error; err != nil {
					return errors.Wrap(err, "check existing schedules")
				}
				if len(existing) > 0 {
					return errors.Wrapf(ErrDuplicatePending, "%s already scheduled for %s", action, strings.Join(existing, ", "))
				}
			}
		}

		if err := tx.CreateInBatches(actions, precheckChunk).Error; err != nil {
			// A concurrent batch won the race for the partial unique index.
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errors.Wrap(ErrDuplicatePending, "concurrent schedule for the same content")
			}
			return errors.Wrap(err, "insert scheduled actions")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ids := make([]uint, len(actions))
	for i, a := range actions {
		ids[i] = a.ID
	}
	return ids, nil
}

// ListBy returns matching actions ordered by due time, then insertion order.
// Filtering on pending also returns claimed rows, which operators see as pending.
func (s *Store) ListBy(ctx context.Context, f Filter) ([]models.ScheduledAction, error) {
	q := s.db.WithContext(ctx).Model(&models.ScheduledAction{})

	switch f.Status {
	case "":
	case models.StatusPending:
		q = q.Where("status IN ?", activeStatuses)
	default:
		q = q.Where("status = ?", f.Status)
	}
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if f.ContentID != "" {
		q = q.Where("content_id = ?", f.ContentID)
	}
	if f.BatchID != "" {
		q = q.Where("batch_id = ?", f.BatchID)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}

	var actions []models.ScheduledAction
	if err := q.Order("scheduled_at ASC").Order("id ASC").Find(&actions).Error; err != nil {
		return nil, errors.Wrap(err, "list scheduled actions")
	}
	return actions, nil
}

func (s *Store) Get(ctx context.Context, id uint) (*models.ScheduledAction, error) {
	var action models.ScheduledAction
	if err := s.db.WithContext(ctx).First(&action, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(ErrNotFound, "id %d", id)
		}
		return nil, errors.Wrapf(err, "get scheduled action %d", id)
	}
	return &action, nil
}

// ClaimDue atomically moves up to limit due pending actions to running and
// returns them. Rows are stamped with a fresh claim token, and only rows that
// still carried pending at update time are returned, so concurrent callers
// always receive disjoint sets.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int) ([]models.ScheduledAction, error) {
	if limit <= 0 {
		return nil, nil
	}
	now = now.UTC()
	token := uuid.NewString()
	leaseUntil := now.Add(s.lease)

	var claimed []models.ScheduledAction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sel := tx.Model(&models.ScheduledAction{}).
			Where("status = ? AND scheduled_at <= ?", models.StatusPending, now).
			Order("scheduled_at ASC").Order("id ASC").
			Limit(limit)
		if tx.Dialector.Name() == "postgres" {
			sel = sel.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var ids []uint
		if err := sel.Pluck("id", &ids).Error; err != nil {
			return errors.Wrap(err, "select due actions")
		}
		if len(ids) == 0 {
			return nil
		}

		if err := tx.Model(&models.ScheduledAction{}).
			Where("id IN ? AND status = ? AND scheduled_at <= ?", ids, models.StatusPending, now).
			Updates(map[string]any{
				"status":           models.StatusRunning,
				"claim_token":      token,
				"lease_expires_at": leaseUntil,
			}).Error; err != nil {
			return errors.Wrap(err, "claim due actions")
		}

		return tx.Where("claim_token = ? AND status = ?", token, models.StatusRunning).
			Order("scheduled_at ASC").Order("id ASC").
			Find(&claimed).Error
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ExtendLease renews the claim on one action so it holds for a full lease
// from now. It fails with ErrClaimLost once the claim was reclaimed or
// resolved elsewhere.
func (s *Store) ExtendLease(ctx context.Context, id uint, claimToken string, now time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.ScheduledAction{}).
		Where("id = ? AND status = ? AND claim_token = ?", id, models.StatusRunning, claimToken).
		Update("lease_expires_at", now.UTC().Add(s.lease))
	if res.Error != nil {
		return errors.Wrapf(res.Error, "extend lease on scheduled action %d", id)
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(ErrClaimLost, "action %d", id)
	}
	return nil
}

// Release hands a claimed action back to pending without counting an
// attempt. Used when execution was interrupted before an outcome was known.
func (s *Store) Release(ctx context.Context, id uint, claimToken string) error {
	res := s.db.WithContext(ctx).Model(&models.ScheduledAction{}).
		Where("id = ? AND status = ? AND claim_token = ?", id, models.StatusRunning, claimToken).
		Updates(map[string]any{
			"status":           models.StatusPending,
			"claim_token":      "",
			"lease_expires_at": nil,
		})
	if res.Error != nil {
		return errors.Wrapf(res.Error, "release scheduled action %d", id)
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(ErrClaimLost, "action %d", id)
	}
	return nil
}

// Resolve records the outcome of a claimed action. Success completes it; a
// failure returns it to pending while attempts remain and the failure is
// retryable, otherwise it fails for good.
func (s *Store) Resolve(ctx context.Context, id uint, claimToken string, outcome Outcome) (*models.ScheduledAction, error) {
	now := s.now()

	var resolved models.ScheduledAction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.ScheduledAction
		if err := tx.First(&current, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errors.Wrapf(ErrNotFound, "id %d", id)
			}
			return errors.Wrapf(err, "load scheduled action %d", id)
		}
		if current.Status.Terminal() {
			return errors.Wrapf(ErrAlreadyResolved, "action %d is %s", id, current.Status)
		}
		if current.Status != models.StatusRunning || current.ClaimToken != claimToken {
			return errors.Wrapf(ErrClaimLost, "action %d", id)
		}

		attempts := current.Attempts + 1
		updates := map[string]any{
			"attempts":         attempts,
			"claim_token":      "",
			"lease_expires_at": nil,
		}
		switch {
		case outcome.Success:
			updates["status"] = models.StatusCompleted
			updates["last_error"] = ""
			updates["executed_at"] = now
		case outcome.Terminal || attempts >= current.MaxAttempts:
			updates["status"] = models.StatusFailed
			updates["last_error"] = outcome.Message
			updates["executed_at"] = now
		default:
			updates["status"] = models.StatusPending
			updates["last_error"] = ""
		}

		res := tx.Model(&models.ScheduledAction{}).
			Where("id = ? AND status = ? AND claim_token = ?", id, models.StatusRunning, claimToken).
			Updates(updates)
		if res.Error != nil {
			return errors.Wrapf(res.Error, "resolve scheduled action %d", id)
		}
		if res.RowsAffected == 0 {
			return errors.Wrapf(ErrClaimLost, "action %d", id)
		}

		return tx.First(&resolved, id).Error
	})
	if err != nil {
		return nil, err
	}
	return &resolved, nil
}

// Cancel moves a pending action to cancelled. Claimed or finished actions
// are left untouched and reported as not cancellable.
func (s *Store) Cancel(ctx context.Context, id uint) (*models.ScheduledAction, error) {
	res := s.db.WithContext(ctx).Model(&models.ScheduledAction{}).
		Where("id = ? AND status = ?", id, models.StatusPending).
		Updates(map[string]any{
			"status":       models.StatusCancelled,
			"cancelled_at": s.now(),
		})
	if res.Error != nil {
		return nil, errors.Wrapf(res.Error, "cancel scheduled action %d", id)
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		if current.Status == models.StatusRunning {
			return nil, errors.Wrapf(ErrNotCancellable, "action %d is being executed", id)
		}
		return nil, errors.Wrapf(ErrNotCancellable, "action %d is %s", id, current.Status)
	}
	return current, nil
}

// ReclaimExpired releases claims whose lease ran out, typically left behind
// by a crashed dispatcher. Each expiry counts as a failed attempt.
func (s *Store) ReclaimExpired(ctx context.Context, now time.Time) (reclaimed, expired int64, err error) {
	now = now.UTC()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stale := func() *gorm.DB {
			return tx.Model(&models.ScheduledAction{}).
				Where("status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?", models.StatusRunning, now)
		}

		res := stale().Where("attempts + 1 >= max_attempts").Updates(map[string]any{
			"status":           models.StatusFailed,
			"attempts":         gorm.Expr("attempts + 1"),
			"last_error":       "claim lease expired before the execution was resolved",
			"executed_at":      now,
			"claim_token":      "",
			"lease_expires_at": nil,
		})
		if res.Error != nil {
			return errors.Wrap(res.Error, "expire stale claims")
		}
		expired = res.RowsAffected

		res = stale().Where("attempts + 1 < max_attempts").Updates(map[string]any{
			"status":           models.StatusPending,
			"attempts":         gorm.Expr("attempts + 1"),
			"claim_token":      "",
			"lease_expires_at": nil,
		})
		if res.Error != nil {
			return errors.Wrap(res.Error, "reclaim stale claims")
		}
		reclaimed = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return reclaimed, expired, nil
}

// Stats counts actions per public status.
func (s *Store) Stats(ctx context.Context) (*models.StatusCounts, error) {
	var rows []struct {
		Status models.Status
		Count  int64
	}
	if err := s.db.WithContext(ctx).Model(&models.ScheduledAction{}).
		Select("status, count(*) AS count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "count scheduled actions")
	}

	counts := &models.StatusCounts{}
	for _, r := range rows {
		switch r.Status.Public() {
		case models.StatusPending:
			counts.Pending += r.Count
		case models.StatusCompleted:
			counts.Completed += r.Count
		case models.StatusFailed:
			counts.Failed += r.Count
		case models.StatusCancelled:
			counts.Cancelled += r.Count
		}
	}
	return counts, nil
}
