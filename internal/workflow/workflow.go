// Package workflow holds the operator-facing operations: bulk scheduling,
// listing, cancellation, manual runs and validation.
package workflow

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ifuryst/tideline/internal/content"
	"github.com/ifuryst/tideline/internal/dispatcher"
	"github.com/ifuryst/tideline/internal/models"
	"github.com/ifuryst/tideline/internal/monitoring"
	"github.com/ifuryst/tideline/internal/schedule"
	"github.com/ifuryst/tideline/internal/store"
)

const DefaultOperator = "system"

type Store interface {
	BulkInsert(ctx context.Context, actions []*models.ScheduledAction) ([]uint, error)
	ListBy(ctx context.Context, f store.Filter) ([]models.ScheduledAction, error)
	Get(ctx context.Context, id uint) (*models.ScheduledAction, error)
	Cancel(ctx context.Context, id uint) (*models.ScheduledAction, error)
	Stats(ctx context.Context) (*models.StatusCounts, error)
}

type Runner interface {
	RunPending(ctx context.Context) (*dispatcher.Report, error)
}

type Validator interface {
	Validate(ctx context.Context) (*content.ValidationReport, error)
}

type ErrorLog interface {
	RecentErrors(ctx context.Context, f monitoring.ErrorFilter) ([]models.ErrorLog, error)
}

type Service struct {
	store       Store
	runner      Runner
	validator   Validator
	errorLog    ErrorLog
	maxAttempts int
	logger      *zap.Logger
	now         func() time.Time
}

func NewService(st Store, runner Runner, validator Validator, errorLog ErrorLog, maxAttempts int, logger *zap.Logger) *Service {
	return &Service{
		store:       st,
		runner:      runner,
		validator:   validator,
		errorLog:    errorLog,
		maxAttempts: max(maxAttempts, 1),
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

type BulkResult struct {
	Scheduled int    `json:"scheduled"`
	BatchID   string `json:"batch_id"`
	IDs       []uint `json:"ids"`
}

// BulkSchedule computes the due instants for req and stores one pending
// action per content id. Nothing is stored when any part is rejected.
func (s *Service) BulkSchedule(ctx context.Context, req schedule.Request, createdBy string) (*BulkResult, error) {
	slots, err := schedule.Compute(req, s.now())
	if err != nil {
		return nil, err
	}
	if createdBy == "" {
		createdBy = DefaultOperator
	}

	batchID := uuid.NewString()
	actions := make([]*models.ScheduledAction, len(slots))
	for i, slot := range slots {
		actions[i] = &models.ScheduledAction{
			BatchID:     batchID,
			ContentID:   slot.ContentID,
			Action:      req.Action,
			ScheduledAt: slot.DueAt,
			Timezone:    req.Timezone,
			MaxAttempts: s.maxAttempts,
			CreatedBy:   createdBy,
		}
	}

	ids, err := s.store.BulkInsert(ctx, actions)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Bulk schedule created",
		zap.String("batch_id", batchID),
		zap.String("action", string(req.Action)),
		zap.String("method", string(req.ScheduleMethod)),
		zap.Int("count", len(ids)),
		zap.Time("first_due", slots[0].DueAt),
		zap.Time("last_due", slots[len(slots)-1].DueAt),
		zap.String("created_by", createdBy))

	return &BulkResult{Scheduled: len(ids), BatchID: batchID, IDs: ids}, nil
}

func (s *Service) List(ctx context.Context, f store.Filter) ([]models.ScheduledAction, error) {
	return s.store.ListBy(ctx, f)
}

func (s *Service) Get(ctx context.Context, id uint) (*models.ScheduledAction, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) Cancel(ctx context.Context, id uint, operator string) (*models.ScheduledAction, error) {
	action, err := s.store.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}
	if operator == "" {
		operator = DefaultOperator
	}
	s.logger.Info("Scheduled action cancelled",
		zap.Uint("action_id", id),
		zap.String("content_id", action.ContentID),
		zap.String("action", string(action.Action)),
		zap.String("cancelled_by", operator))
	return action, nil
}

// RunPending triggers an out-of-cycle dispatcher pass.
func (s *Service) RunPending(ctx context.Context) (*dispatcher.Report, error) {
	if s.runner == nil {
		return nil, errors.New("dispatcher is not configured")
	}
	return s.runner.RunPending(ctx)
}

func (s *Service) Validate(ctx context.Context) (*content.ValidationReport, error) {
	return s.validator.Validate(ctx)
}

func (s *Service) Stats(ctx context.Context) (*models.StatusCounts, error) {
	return s.store.Stats(ctx)
}

// Errors returns the execution error log, newest first.
func (s *Service) Errors(ctx context.Context, f monitoring.ErrorFilter) ([]models.ErrorLog, error) {
	return s.errorLog.RecentErrors(ctx, f)
}
