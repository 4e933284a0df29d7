package probe

import (
	"context"

	"github.com/apptrail-sh/canary/internal/model"
)

// ReplicaHealth passes when the workload requests exactly expected replicas and all of them
// are ready. A workload expected at zero passes only when it reads zero on both counts.
func ReplicaHealth(ctx context.Context, reader ReplicaReader, name string, workload model.WorkloadRef, expected int32) model.HealthVerdict {
	status, err := reader.GetReplicaStatus(ctx, workload)
	if err != nil {
		return model.Failed(name, "cannot read replicas of %s: %v", workload.Key(), err)
	}

	if status.Desired != expected || status.Ready != expected {
		return model.Failed(name, "%s has %d/%d ready replicas, expected %d",
			workload.Key(), status.Ready, status.Desired, expected)
	}
	return model.Passed(name, "%s has %d/%d ready replicas", workload.Key(), status.Ready, status.Desired)
}

// EndpointCount passes when the service routes to exactly expected backends
func EndpointCount(ctx context.Context, counter EndpointCounter, service model.ServiceRef, expected int) model.HealthVerdict {
	count, err := counter.GetEndpointCount(ctx, service)
	if err != nil {
		return model.Failed(NameEndpointCount, "cannot count endpoints of service %s/%s: %v",
			service.Namespace, service.Name, err)
	}
	if count != expected {
		return model.Failed(NameEndpointCount, "service %s/%s routes to %d endpoints, expected %d",
			service.Namespace, service.Name, count, expected)
	}
	return model.Passed(NameEndpointCount, "service %s/%s routes to %d endpoints",
		service.Namespace, service.Name, count)
}
