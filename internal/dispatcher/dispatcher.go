// Package dispatcher runs due scheduled actions against the content
// repository and records their outcome.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ifuryst/tideline/internal/config"
	"github.com/ifuryst/tideline/internal/content"
	"github.com/ifuryst/tideline/internal/models"
	"github.com/ifuryst/tideline/internal/monitoring"
	"github.com/ifuryst/tideline/internal/store"
)

const source = "dispatcher"

// Bound on store writes that must land even after the pass context ended.
const storeTimeout = 10 * time.Second

// errInterrupted means the pass context ended before the outcome of an
// execution was known.
var errInterrupted = errors.New("execution interrupted")

type Store interface {
	ReclaimExpired(ctx context.Context, now time.Time) (reclaimed, expired int64, err error)
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]models.ScheduledAction, error)
	ExtendLease(ctx context.Context, id uint, claimToken string, now time.Time) error
	Release(ctx context.Context, id uint, claimToken string) error
	Resolve(ctx context.Context, id uint, claimToken string, outcome store.Outcome) (*models.ScheduledAction, error)
}

type Executor interface {
	Apply(ctx context.Context, contentID string, action models.Action) error
}

type Recorder interface {
	RecordError(ctx context.Context, level, source, title, message string, options ...monitoring.ErrorLogOption) error
}

// Report summarizes one dispatcher pass.
type Report struct {
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
	Reclaimed  int       `json:"reclaimed"`
	Expired    int       `json:"expired"`
	Claimed    int       `json:"claimed"`
	Completed  int       `json:"completed"`
	Retried    int       `json:"retried"`
	Failed     int       `json:"failed"`
	// Skipped counts actions whose claim was taken over before they resolved.
	Skipped int `json:"skipped"`
	// Released counts actions handed back unattempted because the pass was interrupted.
	Released int `json:"released"`
}

type Dispatcher struct {
	enabled      bool
	pollInterval time.Duration
	batchLimit   int
	timeout      time.Duration
	concurrency  int

	store    Store
	executor Executor
	recorder Recorder
	limiter  *rate.Limiter
	logger   *zap.Logger
	now      func() time.Time

	// Held for a whole pass so ticks and manual runs never overlap.
	passMu sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(cfg *config.DispatcherConfig, st Store, executor Executor, recorder Recorder, logger *zap.Logger) *Dispatcher {
	poll, _, timeout := cfg.Durations()
	return &Dispatcher{
		enabled:      cfg.IsEnabled(),
		pollInterval: poll,
		batchLimit:   cfg.BatchLimit,
		timeout:      timeout,
		concurrency:  max(cfg.Concurrency, 1),
		store:        st,
		executor:     executor,
		recorder:     recorder,
		limiter:      rate.NewLimiter(rate.Limit(cfg.RatePerSecond), max(cfg.RateBurst, 1)),
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
		stopCh:       make(chan struct{}),
	}
}

// Start runs a pass immediately and then one per poll interval until Stop
// is called or ctx ends.
func (d *Dispatcher) Start(ctx context.Context) error {
	if !d.enabled {
		d.logger.Info("Dispatcher is disabled")
		return nil
	}
	if d.pollInterval <= 0 {
		return errors.Newf("invalid poll interval %s", d.pollInterval)
	}

	d.logger.Info("Starting dispatcher",
		zap.Duration("poll_interval", d.pollInterval),
		zap.Int("batch_limit", d.batchLimit),
		zap.Int("concurrency", d.concurrency))

	ticker := time.NewTicker(d.pollInterval)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer ticker.Stop()

		d.runTick(ctx, "initial")
		for {
			select {
			case <-ticker.C:
				d.runTick(ctx, "scheduled")
			case <-d.stopCh:
				d.logger.Info("Dispatcher stopped")
				return
			case <-ctx.Done():
				d.logger.Info("Dispatcher context cancelled")
				return
			}
		}
	}()

	return nil
}

// Stop ends the polling loop and waits for an in-flight pass to finish.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
	d.logger.Info("Dispatcher shutdown completed")
}

func (d *Dispatcher) runTick(ctx context.Context, trigger string) {
	report, err := d.RunPending(ctx)
	if err != nil {
		// The next tick retries; claimed rows are covered by their lease.
		d.logger.Error("Dispatcher pass failed", zap.String("trigger", trigger), zap.Error(err))
		return
	}
	if report.Claimed > 0 || report.Reclaimed > 0 || report.Expired > 0 {
		d.logger.Info("Dispatcher pass completed",
			zap.String("trigger", trigger),
			zap.Int("claimed", report.Claimed),
			zap.Int("completed", report.Completed),
			zap.Int("retried", report.Retried),
			zap.Int("failed", report.Failed),
			zap.Int("reclaimed", report.Reclaimed),
			zap.Int("expired", report.Expired),
			zap.Int("skipped", report.Skipped),
			zap.Int("released", report.Released),
			zap.Int64("duration_ms", report.DurationMS))
	}
}

// RunPending performs one pass: release expired claims, claim due actions,
// execute them and resolve each outcome. A store failure aborts the pass.
func (d *Dispatcher) RunPending(ctx context.Context) (*Report, error) {
	d.passMu.Lock()
	defer d.passMu.Unlock()

	now := d.now()
	report := &Report{StartedAt: now}
	defer func() { report.DurationMS = d.now().Sub(now).Milliseconds() }()

	reclaimed, expired, err := d.store.ReclaimExpired(ctx, now)
	if err != nil {
		return nil, errors.Wrap(err, "reclaim expired claims")
	}
	report.Reclaimed, report.Expired = int(reclaimed), int(expired)
	if expired > 0 {
		d.record(ctx, monitoring.LevelWarn, "Claim leases expired",
			fmt.Sprintf("%d actions failed after their claim lease expired", expired))
	}

	claimed, err := d.store.ClaimDue(ctx, now, d.batchLimit)
	if err != nil {
		return nil, errors.Wrap(err, "claim due actions")
	}
	report.Claimed = len(claimed)
	if len(claimed) == 0 {
		return report, nil
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	count := func(field *int) {
		mu.Lock()
		*field++
		mu.Unlock()
	}

	g.SetLimit(d.concurrency)
	for i := range claimed {
		action := claimed[i]
		g.Go(func() error {
			outcome, err := d.execute(ctx, &action)
			switch {
			case errors.Is(err, errInterrupted):
				return d.release(ctx, &action, report, count)
			case errors.Is(err, store.ErrClaimLost):
				d.logger.Warn("Claim taken over before execution", zap.Uint("action_id", action.ID))
				count(&report.Skipped)
				return nil
			case err != nil:
				return err
			}

			storeCtx, cancel := detached(ctx)
			defer cancel()

			resolved, err := d.store.Resolve(storeCtx, action.ID, action.ClaimToken, outcome)
			if err != nil {
				if errors.Is(err, store.ErrClaimLost) || errors.Is(err, store.ErrAlreadyResolved) {
					d.logger.Warn("Claim taken over before resolve",
						zap.Uint("action_id", action.ID),
						zap.Error(err))
					count(&report.Skipped)
					return nil
				}
				return errors.Wrapf(err, "resolve action %d", action.ID)
			}

			switch resolved.Status {
			case models.StatusCompleted:
				count(&report.Completed)
			case models.StatusFailed:
				count(&report.Failed)
			default:
				count(&report.Retried)
			}

			if !outcome.Success {
				d.recordFailure(storeCtx, resolved, outcome)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	return report, nil
}

// detached keeps store writes alive after the caller gave up, so a finished
// execution is never left claimed.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
}

func (d *Dispatcher) release(ctx context.Context, action *models.ScheduledAction, report *Report, count func(*int)) error {
	storeCtx, cancel := detached(ctx)
	defer cancel()

	if err := d.store.Release(storeCtx, action.ID, action.ClaimToken); err != nil {
		if errors.Is(err, store.ErrClaimLost) {
			count(&report.Skipped)
			return nil
		}
		return errors.Wrapf(err, "release action %d", action.ID)
	}
	d.logger.Info("Execution interrupted, action released",
		zap.Uint("action_id", action.ID),
		zap.String("content_id", action.ContentID))
	count(&report.Released)
	return nil
}

// execute renews the claim and calls the content repository. It returns
// errInterrupted when ctx ended before an outcome was known, and
// store.ErrClaimLost when the claim expired while the action was queued.
func (d *Dispatcher) execute(ctx context.Context, action *models.ScheduledAction) (outcome store.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Content action panicked",
				zap.Uint("action_id", action.ID),
				zap.Any("panic", r))
			outcome, err = store.Failed(fmt.Sprintf("panic: %v", r), false), nil
		}
	}()

	if err := d.limiter.Wait(ctx); err != nil {
		return store.Outcome{}, errors.Mark(errors.Wrap(err, "rate limiter"), errInterrupted)
	}

	// Time spent queued behind the rest of the batch must not count against the lease.
	storeCtx, cancel := detached(ctx)
	err = d.store.ExtendLease(storeCtx, action.ID, action.ClaimToken, d.now())
	cancel()
	if err != nil {
		if errors.Is(err, store.ErrClaimLost) {
			return store.Outcome{}, err
		}
		return store.Outcome{}, errors.Wrapf(err, "extend lease on action %d", action.ID)
	}

	callCtx, cancelCall := context.WithTimeout(ctx, d.timeout)
	defer cancelCall()

	start := time.Now()
	applyErr := d.executor.Apply(callCtx, action.ContentID, action.Action)
	if applyErr != nil {
		if ctx.Err() != nil {
			return store.Outcome{}, errors.Mark(applyErr, errInterrupted)
		}
		d.logger.Warn("Content action failed",
			zap.Uint("action_id", action.ID),
			zap.String("content_id", action.ContentID),
			zap.String("action", string(action.Action)),
			zap.Int("attempt", action.Attempts+1),
			zap.Duration("duration", time.Since(start)),
			zap.Error(applyErr))
		return store.Failed(applyErr.Error(), content.IsTerminal(applyErr)), nil
	}

	d.logger.Info("Content action executed",
		zap.Uint("action_id", action.ID),
		zap.String("content_id", action.ContentID),
		zap.String("action", string(action.Action)),
		zap.Duration("duration", time.Since(start)))
	return store.Succeeded(), nil
}

func (d *Dispatcher) recordFailure(ctx context.Context, action *models.ScheduledAction, outcome store.Outcome) {
	level, title := monitoring.LevelWarn, fmt.Sprintf("%s attempt failed, will retry", action.Action)
	if action.Status == models.StatusFailed {
		level, title = monitoring.LevelError, fmt.Sprintf("%s failed", action.Action)
	}

	d.record(ctx, level, title, outcome.Message,
		monitoring.WithAction(action.ID),
		monitoring.WithContent(action.ContentID),
		monitoring.WithAttempt(action.Attempts),
		monitoring.WithContext(map[string]any{
			"action":       action.Action,
			"batch_id":     action.BatchID,
			"terminal":     outcome.Terminal,
			"max_attempts": action.MaxAttempts,
		}))
}

func (d *Dispatcher) record(ctx context.Context, level, title, message string, options ...monitoring.ErrorLogOption) {
	if d.recorder == nil {
		return
	}
	if err := d.recorder.RecordError(ctx, level, source, title, message, options...); err != nil {
		d.logger.Error("Failed to record error log", zap.String("title", title), zap.Error(err))
	}
}
