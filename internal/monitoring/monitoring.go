// Package monitoring keeps the persisted error log of failed executions.
package monitoring

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ifuryst/tideline/internal/models"
)

const (
	LevelError = "ERROR"
	LevelWarn  = "WARN"
)

type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewService(db *gorm.DB, logger *zap.Logger) *Service {
	return &Service{
		db:     db,
		logger: logger,
	}
}

// RecordError stores one error log entry.
func (m *Service) RecordError(ctx context.Context, level, source, title, message string, options ...ErrorLogOption) error {
	errorLog := &models.ErrorLog{
		Level:   level,
		Source:  source,
		Title:   title,
		Message: message,
	}
	for _, option := range options {
		option(errorLog)
	}

	if err := m.db.WithContext(ctx).Create(errorLog).Error; err != nil {
		return errors.Wrap(err, "record error log")
	}
	return nil
}

type ErrorLogOption func(*models.ErrorLog)

func WithAction(actionID uint) ErrorLogOption {
	return func(e *models.ErrorLog) {
		e.ActionID = &actionID
	}
}

func WithContent(contentID string) ErrorLogOption {
	return func(e *models.ErrorLog) {
		e.ContentID = contentID
	}
}

func WithAttempt(attempt int) ErrorLogOption {
	return func(e *models.ErrorLog) {
		e.Attempt = attempt
	}
}

// WithContext attaches arbitrary key/values, stored as JSON.
func WithContext(fields map[string]any) ErrorLogOption {
	return func(e *models.ErrorLog) {
		if b, err := json.Marshal(fields); err == nil {
			e.Context = string(b)
		}
	}
}

type ErrorFilter struct {
	ActionID uint
	Source   string
	Limit    int
}

// RecentErrors returns the newest entries first.
func (m *Service) RecentErrors(ctx context.Context, f ErrorFilter) ([]models.ErrorLog, error) {
	q := m.db.WithContext(ctx).Model(&models.ErrorLog{})
	if f.ActionID != 0 {
		q = q.Where("action_id = ?", f.ActionID)
	}
	if f.Source != "" {
		q = q.Where("source = ?", f.Source)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var logs []models.ErrorLog
	if err := q.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&logs).Error; err != nil {
		return nil, errors.Wrap(err, "list error logs")
	}
	return logs, nil
}

// CleanupOldData deletes entries created before cutoff.
func (m *Service) CleanupOldData(ctx context.Context, cutoff time.Time) (int64, error) {
	res := m.db.WithContext(ctx).Where("created_at < ?", cutoff.UTC()).Delete(&models.ErrorLog{})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "cleanup error logs")
	}
	return res.RowsAffected, nil
}
