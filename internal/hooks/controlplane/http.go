package controlplane

import (
	"context"
	"fmt"
	"time"

	"resty.dev/v3"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/apptrail-sh/canary/internal/model"
)

// HTTPPublisher sends run events to the release control plane via HTTP
type HTTPPublisher struct {
	client   *resty.Client
	endpoint string
}

// NewHTTPPublisher creates a new HTTP publisher for the control plane
func NewHTTPPublisher(endpoint string) *HTTPPublisher {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second)

	return &HTTPPublisher{
		client:   client,
		endpoint: endpoint,
	}
}

// Publish posts a run event to the control plane
func (p *HTTPPublisher) Publish(ctx context.Context, event model.RunEvent) error {
	logger := log.FromContext(ctx).WithValues("endpoint", p.endpoint, "eventID", event.EventID)

	logger.V(1).Info("Publishing run event to control plane",
		"runID", event.RunID,
		"state", event.State,
		"candidate", event.Candidate.Key(),
	)

	var errorResponse map[string]any
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(event).
		SetError(&errorResponse).
		Post(p.endpoint)
	if err != nil {
		return fmt.Errorf("failed to send event to control plane: %w", err)
	}

	if !resp.IsSuccess() {
		logger.Error(nil, "Control plane returned error",
			"statusCode", resp.StatusCode(),
			"error", errorResponse,
			"body", resp.String(),
		)
		return fmt.Errorf("control plane returned error status %d: %s", resp.StatusCode(), resp.String())
	}

	logger.Info("Run event published to control plane", "state", event.State, "statusCode", resp.StatusCode())
	return nil
}

func (p *HTTPPublisher) Close() error {
	return p.client.Close()
}
