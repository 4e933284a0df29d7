package hooks

import (
	"context"

	"github.com/apptrail-sh/canary/internal/model"
)

// EventPublisher delivers run events to an external system
type EventPublisher interface {
	Publish(ctx context.Context, event model.RunEvent) error
}
