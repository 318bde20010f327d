package query

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	// MaxLimit caps the number of rows a single query returns.
	MaxLimit = 1000
	// DefaultRecordLimit is the page size for record listings.
	DefaultRecordLimit = 50
	// DefaultSnapshotLimit is the page size for snapshot listings.
	DefaultSnapshotLimit = 100
)

// ErrInvalidParams wraps every parameter validation failure.
var ErrInvalidParams = errors.New("invalid query parameters")

var validate = validator.New()

// Params selects and pages records or snapshots.
type Params struct {
	Limit     int `validate:"min=1"`
	Offset    int `validate:"min=0"`
	StartTime *time.Time
	EndTime   *time.Time

	// Record filters; ignored for snapshots.
	Method       string `validate:"omitempty,max=16"`
	PathContains string `validate:"omitempty,max=2048"`
	StatusCode   int    `validate:"omitempty,min=100,max=599"`
}

// Normalize clamps the limit to MaxLimit.
func (p *Params) Normalize() {
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
}

// Validate reports the first invalid field, wrapped in ErrInvalidParams.
func (p *Params) Validate() error {
	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s fails %s=%s (got %v)", ErrInvalidParams, fieldName(fe.Field()), fe.Tag(), fe.Param(), fe.Value())
		}
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if p.StartTime != nil && p.EndTime != nil && p.StartTime.After(*p.EndTime) {
		return fmt.Errorf("%w: start_time is after end_time", ErrInvalidParams)
	}
	return nil
}

func fieldName(f string) string {
	switch f {
	case "Limit":
		return "limit"
	case "Offset":
		return "offset"
	case "Method":
		return "method"
	case "PathContains":
		return "path_contains"
	case "StatusCode":
		return "status_code"
	}
	return f
}

// ParseParams reads API query-string parameters. Absent values take their
// defaults; malformed ones wrap ErrInvalidParams. The result is normalized
// but not validated.
func ParseParams(values url.Values, defaultLimit int) (Params, error) {
	var (
		p   Params
		err error
	)
	if p.Limit, err = intParam(values, "limit", defaultLimit); err != nil {
		return Params{}, err
	}
	if p.Offset, err = intParam(values, "offset", 0); err != nil {
		return Params{}, err
	}
	if p.StatusCode, err = intParam(values, "status_code", 0); err != nil {
		return Params{}, err
	}
	if p.StartTime, err = timeParam(values, "start_time"); err != nil {
		return Params{}, err
	}
	if p.EndTime, err = timeParam(values, "end_time"); err != nil {
		return Params{}, err
	}
	p.Method = strings.TrimSpace(values.Get("method"))
	p.PathContains = values.Get("path_contains")

	p.Normalize()
	return p, nil
}

func intParam(values url.Values, name string, def int) (int, error) {
	raw := strings.TrimSpace(values.Get(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer, got %q", ErrInvalidParams, name, raw)
	}
	return v, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func timeParam(values url.Values, name string) (*time.Time, error) {
	raw := strings.TrimSpace(values.Get(name))
	if raw == "" {
		return nil, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s must be an RFC 3339 timestamp, got %q", ErrInvalidParams, name, raw)
}
