package kube

import (
	"context"
	"fmt"

	discoveryv1 "k8s.io/api/discovery/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/apptrail-sh/canary/internal/model"
)

// GetEndpointCount returns the number of distinct ready backends routable through the service.
// Dual-stack services publish one slice per address family, so backends are deduplicated.
func (c *Client) GetEndpointCount(ctx context.Context, service model.ServiceRef) (int, error) {
	var slices discoveryv1.EndpointSliceList
	if err := c.List(ctx, &slices,
		client.InNamespace(service.Namespace),
		client.MatchingLabels{discoveryv1.LabelServiceName: service.Name},
	); err != nil {
		return 0, fmt.Errorf("failed to list endpoint slices of service %s/%s: %w", service.Namespace, service.Name, err)
	}

	seen := make(map[string]struct{})
	for _, slice := range slices.Items {
		for _, endpoint := range slice.Endpoints {
			if !endpointReady(endpoint) {
				continue
			}
			if key := endpointKey(endpoint); key != "" {
				seen[key] = struct{}{}
			}
		}
	}
	return len(seen), nil
}

// endpointReady treats an unknown ready condition as ready, as the API documents
func endpointReady(endpoint discoveryv1.Endpoint) bool {
	return endpoint.Conditions.Ready == nil || *endpoint.Conditions.Ready
}

func endpointKey(endpoint discoveryv1.Endpoint) string {
	if endpoint.TargetRef != nil && endpoint.TargetRef.UID != "" {
		return string(endpoint.TargetRef.UID)
	}
	if len(endpoint.Addresses) > 0 {
		return endpoint.Addresses[0]
	}
	return ""
}
