package content

import (
	"context"

	"go.uber.org/zap"
)

// LogRepository only logs what it would do. Useful for local runs and demos.
type LogRepository struct {
	logger *zap.Logger
}

func NewLogRepository(logger *zap.Logger) *LogRepository {
	return &LogRepository{logger: logger}
}

func (r *LogRepository) Name() string { return "log" }

func (r *LogRepository) Publish(_ context.Context, contentID string) error {
	r.logger.Info("Would publish content", zap.String("content_id", contentID))
	return nil
}

func (r *LogRepository) Unpublish(_ context.Context, contentID string) error {
	r.logger.Info("Would unpublish content", zap.String("content_id", contentID))
	return nil
}

func (r *LogRepository) Archive(_ context.Context, contentID string) error {
	r.logger.Info("Would archive content", zap.String("content_id", contentID))
	return nil
}

func (r *LogRepository) Validate(context.Context) (*ValidationReport, error) {
	return &ValidationReport{Valid: true, Issues: []string{}}, nil
}
