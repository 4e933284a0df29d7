// Package cluster derives the cluster identifier reported in run events when the
// configuration does not name one.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/compute/metadata"
)

type CloudProvider string

const (
	ProviderUnknown CloudProvider = "unknown"
	ProviderGCP     CloudProvider = "gcp"
)

// ClusterInfo contains resolved cluster identification information
type ClusterInfo struct {
	ClusterID   string
	ClusterName string
	Provider    CloudProvider
	Region      string
	ProjectID   string
}

var ErrNoProviderDetected = errors.New("no cloud provider detected")

// Provider resolves cluster information from one cloud's metadata service
type Provider interface {
	Name() CloudProvider
	Detect(ctx context.Context) bool
	Resolve(ctx context.Context) (*ClusterInfo, error)
}

// Resolver asks each provider in turn and uses the first one that detects its cloud
type Resolver struct {
	timeout   time.Duration
	providers []Provider
}

// NewResolver returns a resolver over the supported providers. Each lookup is bounded by timeout.
func NewResolver(timeout time.Duration) *Resolver {
	return &Resolver{
		timeout:   timeout,
		providers: []Provider{NewGCPProvider(metadata.NewClient(&http.Client{Timeout: timeout}))},
	}
}

func (r *Resolver) Resolve(ctx context.Context) (*ClusterInfo, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	for _, provider := range r.providers {
		if provider.Detect(ctx) {
			return provider.Resolve(ctx)
		}
	}
	return nil, ErrNoProviderDetected
}

// GCPProvider reads the GKE cluster name, project and zone from the GCE metadata server.
// GCE_METADATA_HOST overrides the metadata server address.
type GCPProvider struct {
	client *metadata.Client
}

func NewGCPProvider(client *metadata.Client) *GCPProvider {
	return &GCPProvider{client: client}
}

func (p *GCPProvider) Name() CloudProvider {
	return ProviderGCP
}

func (p *GCPProvider) Detect(ctx context.Context) bool {
	return p.client.OnGCEWithContext(ctx)
}

// Resolve builds the cluster ID as gcp/<project-id>/<region>/<cluster-name>
func (p *GCPProvider) Resolve(ctx context.Context) (*ClusterInfo, error) {
	clusterName, err := p.client.InstanceAttributeValueWithContext(ctx, "cluster-name")
	if err != nil {
		return nil, fmt.Errorf("failed to get cluster-name: %w", err)
	}
	clusterName = strings.TrimSpace(clusterName)

	projectID, err := p.client.ProjectIDWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get project-id: %w", err)
	}

	zone, err := p.client.ZoneWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get zone: %w", err)
	}
	region := regionFromZone(zone)

	return &ClusterInfo{
		ClusterID:   fmt.Sprintf("gcp/%s/%s/%s", projectID, region, clusterName),
		ClusterName: clusterName,
		Provider:    ProviderGCP,
		Region:      region,
		ProjectID:   projectID,
	}, nil
}

// regionFromZone strips the zone suffix, e.g. us-central1-a -> us-central1
func regionFromZone(zone string) string {
	lastDash := strings.LastIndex(zone, "-")
	if lastDash == -1 {
		return zone
	}
	return zone[:lastDash]
}
