// Package schedule expands bulk-schedule requests into due instants.
package schedule

import (
	"fmt"
	"math"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/ifuryst/tideline/internal/models"
	"github.com/ifuryst/tideline/internal/timezone"
)

type Method string

const (
	MethodSingleTime Method = "single_time"
	MethodStaggered  Method = "staggered"
)

type IntervalUnit string

const (
	UnitMinutes IntervalUnit = "minutes"
	UnitHours   IntervalUnit = "hours"
	UnitDays    IntervalUnit = "days"
)

func (u IntervalUnit) Duration() (time.Duration, bool) {
	switch u {
	case UnitMinutes:
		return time.Minute, true
	case UnitHours:
		return time.Hour, true
	case UnitDays:
		return 24 * time.Hour, true
	}
	return 0, false
}

// Request is a bulk-schedule request as submitted by an operator.
type Request struct {
	ContentIDs     []string      `json:"content_ids"`
	Action         models.Action `json:"action"`
	Timezone       string        `json:"timezone"`
	ScheduleMethod Method        `json:"schedule_method"`
	// single_time
	ScheduledAt string `json:"scheduled_at,omitempty"`
	// staggered
	StartTime     string       `json:"start_time,omitempty"`
	IntervalValue int          `json:"interval_value,omitempty"`
	IntervalUnit  IntervalUnit `json:"interval_unit,omitempty"`
}

// Slot is one computed (content, due instant) pair.
type Slot struct {
	ContentID string
	DueAt     time.Time
}

// Compute validates req and returns one slot per content id, in input order.
// Nothing is returned unless every slot is valid and not before now.
func Compute(req Request, now time.Time) ([]Slot, error) {
	if len(req.ContentIDs) == 0 {
		return nil, newError(CodeEmptyBatch, "content_ids must not be empty")
	}
	if !req.Action.Valid() {
		return nil, newError(CodeInvalidAction, "unknown action %q", req.Action)
	}
	if req.ScheduleMethod == "" {
		req.ScheduleMethod = MethodSingleTime
	}
	if req.ScheduleMethod != MethodSingleTime && req.ScheduleMethod != MethodStaggered {
		return nil, newError(CodeInvalidMethod, "unknown schedule method %q", req.ScheduleMethod)
	}
	if _, err := timezone.LoadZone(req.Timezone); err != nil {
		return nil, wrapError(CodeInvalidTimeZone, err)
	}

	seen := make(map[string]struct{}, len(req.ContentIDs))
	for _, id := range req.ContentIDs {
		if id == "" {
			return nil, newError(CodeEmptyBatch, "content_ids must not contain empty ids")
		}
		if _, dup := seen[id]; dup {
			return nil, newError(CodeDuplicateContent, "content id %q appears more than once", id)
		}
		seen[id] = struct{}{}
	}

	var (
		base time.Time
		step time.Duration
		err  error
	)
	switch req.ScheduleMethod {
	case MethodSingleTime:
		base, err = timezone.Resolve(req.ScheduledAt, req.Timezone)
	case MethodStaggered:
		if req.IntervalValue <= 0 {
			return nil, newError(CodeInvalidInterval, "interval_value must be a positive integer, got %d", req.IntervalValue)
		}
		unit, ok := req.IntervalUnit.Duration()
		if !ok {
			return nil, newError(CodeInvalidIntervalUnit, "interval_unit must be minutes, hours or days, got %q", req.IntervalUnit)
		}
		// The last slot sits (n-1) steps after the start; that span must fit in a Duration.
		if n := int64(len(req.ContentIDs) - 1); n > 0 && int64(req.IntervalValue) > math.MaxInt64/int64(unit)/n {
			return nil, newError(CodeInvalidInterval, "interval of %d %s is too large for %d items", req.IntervalValue, req.IntervalUnit, len(req.ContentIDs))
		}
		step = time.Duration(req.IntervalValue) * unit
		base, err = timezone.Resolve(req.StartTime, req.Timezone)
	}
	if err != nil {
		if errors.Is(err, timezone.ErrInvalidTimeZone) {
			return nil, wrapError(CodeInvalidTimeZone, err)
		}
		return nil, wrapError(CodeInvalidLocalTime, err)
	}

	slots := make([]Slot, len(req.ContentIDs))
	for i, id := range req.ContentIDs {
		due := base.Add(time.Duration(i) * step)
		if due.Before(now) {
			return nil, newError(CodePastSchedule, "scheduled time %s for %q is in the past", due.Format(time.RFC3339), id)
		}
		slots[i] = Slot{ContentID: id, DueAt: due}
	}
	return slots, nil
}

// Code identifies which request constraint failed.
type Code string

const (
	CodeEmptyBatch          Code = "EmptyBatch"
	CodeDuplicateContent    Code = "DuplicateContent"
	CodeInvalidAction       Code = "InvalidAction"
	CodeInvalidMethod       Code = "InvalidMethod"
	CodeInvalidInterval     Code = "InvalidInterval"
	CodeInvalidIntervalUnit Code = "InvalidIntervalUnit"
	CodePastSchedule        Code = "PastSchedule"
	CodeInvalidTimeZone     Code = "InvalidTimeZone"
	CodeInvalidLocalTime    Code = "InvalidLocalTime"
)

// ValidationError rejects a request before anything is persisted.
type ValidationError struct {
	Code    Code
	Message string
	cause   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.cause }

// Is matches any ValidationError with the same code, so the sentinels below
// work with errors.Is.
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	return ok && t.Code == e.Code
}

var (
	ErrEmptyBatch       = &ValidationError{Code: CodeEmptyBatch}
	ErrDuplicateContent = &ValidationError{Code: CodeDuplicateContent}
	ErrInvalidAction    = &ValidationError{Code: CodeInvalidAction}
	ErrInvalidMethod    = &ValidationError{Code: CodeInvalidMethod}
	ErrInvalidInterval  = &ValidationError{Code: CodeInvalidInterval}
	ErrInvalidUnit      = &ValidationError{Code: CodeInvalidIntervalUnit}
	ErrPastSchedule     = &ValidationError{Code: CodePastSchedule}
	ErrInvalidTimeZone  = &ValidationError{Code: CodeInvalidTimeZone}
	ErrInvalidLocalTime = &ValidationError{Code: CodeInvalidLocalTime}
)

func newError(code Code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrapError(code Code, cause error) *ValidationError {
	return &ValidationError{Code: code, Message: cause.Error(), cause: cause}
}
