package analysis

import (
	"context"
	"errors"

	"github.com/GriffinCanCode/good-listener/backend/capture/internal/pipeline"
	"github.com/GriffinCanCode/good-listener/backend/capture/internal/resilience"
)

// Resilient retries transient failures and fails fast while the service is down.
type Resilient struct {
	inner   pipeline.Analyzer
	breaker *resilience.Breaker
	retry   resilience.RetryConfig
}

// NewResilient wraps inner.
func NewResilient(inner pipeline.Analyzer, breaker *resilience.Breaker, retry resilience.RetryConfig) *Resilient {
	retry.IsRetryable = func(err error) bool {
		return !errors.Is(err, resilience.ErrOpen) && resilience.IsTransient(err)
	}
	return &Resilient{inner: inner, breaker: breaker, retry: retry}
}

// Analyze implements pipeline.Analyzer.
func (r *Resilient) Analyze(ctx context.Context, seg pipeline.Segment) (any, error) {
	var out any
	err := resilience.Retry(ctx, r.retry, func() error {
		v, err := resilience.Call(r.breaker, resilience.IsTransient, func() (any, error) {
			return r.inner.Analyze(ctx, seg)
		})
		out = v
		return err
	})
	return out, err
}
