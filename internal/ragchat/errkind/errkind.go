// Package errkind defines the tagged error-kind sentinels the orchestrator
// uses to distinguish admission errors (surfaced to the caller with an
// upgrade hint) from dependency degradation and integrity problems (absorbed
// and logged at the fan-out boundary).
package errkind

import "errors"

// Admission errors surface directly to the caller.
var (
	ErrFreeLimitExceeded     = errors.New("free_limit_exceeded")
	ErrDailyLimitExceeded    = errors.New("daily_limit_exceeded")
	ErrLifetimeLimitExceeded = errors.New("lifetime_limit_exceeded")
	ErrSearchSubquotaExceeded = errors.New("search_subquota_exceeded")
)

// Fatal errors surface as a 500-equivalent; everything else is absorbed.
var (
	ErrLLMCallFailed = errors.New("llm_call_failed")
)

// Degraded marks a dependency-degradation failure: the caller should log it
// at warn and continue with partial context, never propagate it out of a
// fan-out stage.
type Degraded struct {
	Stage string
	Err   error
}

func (d *Degraded) Error() string { return d.Stage + ": " + d.Err.Error() }
func (d *Degraded) Unwrap() error { return d.Err }

// NewDegraded wraps err as an absorbed dependency-degradation failure
// attributed to the named stage (e.g. "vector_search", "scrape", "search").
func NewDegraded(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &Degraded{Stage: stage, Err: err}
}

// AdmissionError carries enough structured data for a client to render an
// upgrade path.
type AdmissionError struct {
	Kind    error
	Message string   // human-readable denial reason
	Used    int
	Limit   int
	ResetAt *int64   // unix seconds, nil when not applicable
	Plans   []string // tiers the caller could upgrade to
}

func (a *AdmissionError) Error() string { return a.Kind.Error() }
func (a *AdmissionError) Unwrap() error { return a.Kind }
