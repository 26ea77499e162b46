package controller

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// Args mirrors vdbtest.py's CLI surface (spec.md §6 Controller CLI):
// positional paths and target latency, plus the tunables governing the
// multiplicative/binary-search convergence loop.
type Args struct {
	ConfigFile    string  `validate:"required"`
	ConfigDir     string  `validate:"required"`
	OutputParent  string  `validate:"required"`
	WorkFolder    string  `validate:"required"`
	LogPath       string  `validate:"required"`
	TargetLatency float64 `validate:"required,gt=0"`

	HistoryDBPath string

	MaxRuns                int           `validate:"gte=1"`
	Timeout                time.Duration `validate:"gte=0"`
	SuccessMultiplier      float64       `validate:"gt=1"`
	FailureMultiplier      float64       `validate:"gt=0,lt=1"`
	ConsecutiveFailures    int           `validate:"gte=1"`
	Fuzziness              float64       `validate:"gte=0,lte=1"`
	IOPSTolerance          float64       `validate:"gte=1"`
	BinarySearch           bool
	BinarySearchIterations int `validate:"gte=1"`
	Verbose                bool
}

// DefaultArgs returns Args with the teacher's option defaults (spec.md §6)
// applied, leaving the positional fields for the caller to fill in.
func DefaultArgs() Args {
	return Args{
		MaxRuns:                5,
		SuccessMultiplier:      5.0,
		FailureMultiplier:      0.3,
		ConsecutiveFailures:    2,
		Fuzziness:              0.0,
		IOPSTolerance:          1.5,
		BinarySearchIterations: 5,
	}
}

// Validate applies struct-tag validation, the Go-native replacement for
// vdbtest.py's ad hoc "warn and fall back to default" argument checks.
func (a Args) Validate() error {
	return validator.New().Struct(a)
}
