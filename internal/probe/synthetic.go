package probe

import (
	"context"
	"time"

	"github.com/apptrail-sh/canary/internal/model"
)

type SyntheticOptions struct {
	SampleSize int
	Timeout    time.Duration // Per request
	Interval   time.Duration // Delay between consecutive requests
}

// SyntheticRequest issues SampleSize sequential requests through the service and passes only
// when every one of them succeeds. Failed samples are not retried.
func SyntheticRequest(ctx context.Context, prober HTTPProber, service model.ServiceRef, opts SyntheticOptions) model.HealthVerdict {
	if opts.SampleSize <= 0 {
		return model.Failed(NameSyntheticRequest, "sample size must be positive, got %d", opts.SampleSize)
	}

	for i := 0; i < opts.SampleSize; i++ {
		if i > 0 && opts.Interval > 0 {
			timer := time.NewTimer(opts.Interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return model.Failed(NameSyntheticRequest, "interrupted after %d/%d samples: %v", i, opts.SampleSize, ctx.Err())
			case <-timer.C:
			}
		}

		if err := prober.ProbeHTTP(ctx, service, opts.Timeout); err != nil {
			return model.Failed(NameSyntheticRequest, "sample %d/%d to %s failed: %v", i+1, opts.SampleSize, service.URL, err)
		}
	}
	return model.Passed(NameSyntheticRequest, "%d/%d samples to %s succeeded", opts.SampleSize, opts.SampleSize, service.URL)
}
