package probe

import (
	"context"
	"fmt"
	"time"

	"resty.dev/v3"

	"github.com/apptrail-sh/canary/internal/model"
)

// RestyProber issues single GET requests against a service URL
type RestyProber struct {
	client *resty.Client
}

func NewRestyProber() *RestyProber {
	// A failed sample must fail the probe, so the client never retries
	client := resty.New().
		SetRetryCount(0).
		SetHeader("User-Agent", "canary-probe")
	return &RestyProber{client: client}
}

// ProbeHTTP succeeds on any 2xx or 3xx response received within timeout
func (p *RestyProber) ProbeHTTP(ctx context.Context, service model.ServiceRef, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := p.client.R().
		SetContext(ctx).
		Get(service.URL)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", service.URL, err)
	}

	if code := resp.StatusCode(); code < 200 || code >= 400 {
		return fmt.Errorf("%s returned status %d", service.URL, code)
	}
	return nil
}

func (p *RestyProber) Close() error {
	return p.client.Close()
}
