package hooks

import (
	"context"
	"sync"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/apptrail-sh/canary/internal/model"
)

const publishTimeout = 15 * time.Second

// EventPublisherQueue fans run events out to every publisher from a single goroutine, so
// events reach each publisher in the order they were enqueued.
type EventPublisherQueue struct {
	events     chan model.RunEvent
	publishers []EventPublisher
	done       chan struct{}
	closeOnce  sync.Once
}

func NewEventPublisherQueue(publishers []EventPublisher, capacity int) *EventPublisherQueue {
	return &EventPublisherQueue{
		events:     make(chan model.RunEvent, capacity),
		publishers: publishers,
		done:       make(chan struct{}),
	}
}

// Loop publishes events until the queue is closed and drained. Publishing outlives
// cancellation of ctx so the terminal event of an interrupted run is still delivered.
func (eq *EventPublisherQueue) Loop(ctx context.Context) {
	defer close(eq.done)
	logger := log.FromContext(ctx).WithName("notifications")
	publishCtx := context.WithoutCancel(ctx)

	logger.Info("Event publisher queue started", "publishers", len(eq.publishers))

	for event := range eq.events {
		logger.V(1).Info("Publishing run event",
			"eventID", event.EventID,
			"state", event.State,
			"share", event.Share,
		)

		for _, publisher := range eq.publishers {
			callCtx, cancel := context.WithTimeout(publishCtx, publishTimeout)
			if err := publisher.Publish(callCtx, event); err != nil {
				logger.Error(err, "Failed to publish run event",
					"eventID", event.EventID,
					"state", event.State,
				)
			}
			cancel()
		}
	}
	logger.Info("Event publisher queue stopped")
}

// Enqueue hands an event to the queue without blocking the run. Events are dropped when
// the queue is full.
func (eq *EventPublisherQueue) Enqueue(ctx context.Context, event model.RunEvent) {
	select {
	case eq.events <- event:
	default:
		log.FromContext(ctx).Info("Notification queue full, dropping run event",
			"eventID", event.EventID,
			"state", event.State,
		)
	}
}

// Close stops accepting events and waits until the queued ones are published.
// Loop must be running.
func (eq *EventPublisherQueue) Close() {
	eq.closeOnce.Do(func() { close(eq.events) })
	<-eq.done
}
