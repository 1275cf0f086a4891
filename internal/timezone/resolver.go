// Package timezone turns operator wall-clock input into absolute instants.
package timezone

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrInvalidTimeZone  = errors.New("invalid time zone")
	ErrInvalidLocalTime = errors.New("invalid local time")
)

// Wall-clock layouts accepted from forms (datetime-local) and API clients.
var localLayouts = []string{
	"2006-01-02T15:04",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02 15:04:05",
}

// LoadZone returns the location for an IANA zone name.
func LoadZone(zone string) (*time.Location, error) {
	if strings.TrimSpace(zone) == "" {
		return nil, errors.Wrap(ErrInvalidTimeZone, "time zone is required")
	}
	// time.LoadLocation treats "Local" as the host zone, which is never
	// what an operator in a browser meant.
	if zone == "Local" {
		return nil, errors.Wrapf(ErrInvalidTimeZone, "unknown time zone %q", zone)
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidTimeZone, "unknown time zone %q", zone)
	}
	return loc, nil
}

// Resolve interprets localTime as a wall-clock time in zone and returns the
// matching UTC instant. Values that already carry an offset (RFC 3339) are
// absolute and only converted to UTC.
func Resolve(localTime, zone string) (time.Time, error) {
	loc, err := LoadZone(zone)
	if err != nil {
		return time.Time{}, err
	}

	value := strings.TrimSpace(localTime)
	if value == "" {
		return time.Time{}, errors.Wrap(ErrInvalidLocalTime, "time is required")
	}

	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t.UTC(), nil
		}
	}

	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	// datetime-local with a zone suffix, e.g. 2024-01-01T00:00Z
	if t, err := time.Parse("2006-01-02T15:04Z07:00", value); err == nil {
		return t.UTC(), nil
	}

	return time.Time{}, errors.Wrapf(ErrInvalidLocalTime, "cannot parse %q", localTime)
}
