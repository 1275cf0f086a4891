// Package content talks to the external content repository that actually
// publishes, unpublishes and archives content items.
package content

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/ifuryst/tideline/internal/config"
	"github.com/ifuryst/tideline/internal/models"
)

var (
	// ErrTerminal marks failures that no retry can fix.
	ErrTerminal = errors.New("terminal content failure")

	ErrContentNotFound   = errors.Mark(errors.New("content not found"), ErrTerminal)
	ErrUnsupportedAction = errors.Mark(errors.New("unsupported action"), ErrTerminal)
)

// IsTerminal reports whether err should skip the remaining attempts.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrTerminal)
}

// ValidationReport is the repository's own consistency check.
type ValidationReport struct {
	Valid  bool     `json:"valid"`
	Issues []string `json:"issues"`
}

// Repository applies actions to content items.
type Repository interface {
	Name() string

	Publish(ctx context.Context, contentID string) error
	Unpublish(ctx context.Context, contentID string) error
	Archive(ctx context.Context, contentID string) error

	Validate(ctx context.Context) (*ValidationReport, error)
}

// NewRepository builds the repository selected by cfg.Type.
func NewRepository(cfg *config.ContentConfig, logger *zap.Logger) (Repository, error) {
	switch cfg.Type {
	case "http":
		return NewHTTPRepository(cfg.BaseURL, cfg.Token, cfg.TimeoutDuration(), logger), nil
	case "log", "":
		return NewLogRepository(logger), nil
	default:
		return nil, errors.Newf("unsupported content repository %q", cfg.Type)
	}
}

type applyFunc func(ctx context.Context, contentID string) error

// Executor dispatches an action to the matching repository method.
type Executor struct {
	repo    Repository
	actions map[models.Action]applyFunc
	logger  *zap.Logger
}

func NewExecutor(repo Repository, logger *zap.Logger) *Executor {
	return &Executor{
		repo: repo,
		actions: map[models.Action]applyFunc{
			models.ActionPublish:   repo.Publish,
			models.ActionUnpublish: repo.Unpublish,
			models.ActionArchive:   repo.Archive,
		},
		logger: logger,
	}
}

func (e *Executor) Apply(ctx context.Context, contentID string, action models.Action) error {
	apply, ok := e.actions[action]
	if !ok {
		return errors.Wrapf(ErrUnsupportedAction, "%q", action)
	}

	if err := apply(ctx, contentID); err != nil {
		return errors.Wrapf(err, "%s %s via %s", action, contentID, e.repo.Name())
	}

	e.logger.Debug("Content action applied",
		zap.String("repository", e.repo.Name()),
		zap.String("content_id", contentID),
		zap.String("action", string(action)))
	return nil
}

func (e *Executor) Validate(ctx context.Context) (*ValidationReport, error) {
	report, err := e.repo.Validate(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "validate %s", e.repo.Name())
	}
	if report == nil {
		report = &ValidationReport{Valid: true}
	}
	if report.Issues == nil {
		report.Issues = []string{}
	}
	return report, nil
}
