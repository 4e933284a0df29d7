package kube

import (
	"context"
	"errors"
	"fmt"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/apptrail-sh/canary/internal/model"
)

// ErrRolloutFailed is returned when Kubernetes reports that a rollout can no longer progress
var ErrRolloutFailed = errors.New("rollout failed")

// Options tunes the Kubernetes-backed collaborators
type Options struct {
	PollInterval time.Duration
	// Container is the container whose image is read and replaced; empty selects the first
	Container string
}

// Client implements the workload controller, endpoint registry and log source on top of
// the Kubernetes API. The controller-runtime client must be uncached so that every read
// reflects the current state of the cluster.
type Client struct {
	client.Client
	clientset kubernetes.Interface
	options   Options
}

func NewClient(c client.Client, clientset kubernetes.Interface, options Options) *Client {
	if options.PollInterval <= 0 {
		options.PollInterval = 2 * time.Second
	}
	return &Client{
		Client:    c,
		clientset: clientset,
		options:   options,
	}
}

// +kubebuilder:rbac:groups=apps,resources=deployments,verbs=get;list;watch;patch
// +kubebuilder:rbac:groups=discovery.k8s.io,resources=endpointslices,verbs=get;list
// +kubebuilder:rbac:groups="",resources=pods;pods/log,verbs=get;list

func (c *Client) getDeployment(ctx context.Context, ref model.WorkloadRef) (*appsv1.Deployment, error) {
	deployment := &appsv1.Deployment{}
	key := types.NamespacedName{Namespace: ref.Namespace, Name: ref.Name}
	if err := c.Get(ctx, key, deployment); err != nil {
		return nil, fmt.Errorf("failed to get deployment %s: %w", ref.Key(), err)
	}
	return deployment, nil
}

// GetReplicaStatus reports desired (spec) and ready (status) replicas of the workload
func (c *Client) GetReplicaStatus(ctx context.Context, ref model.WorkloadRef) (model.ReplicaStatus, error) {
	deployment, err := c.getDeployment(ctx, ref)
	if err != nil {
		return model.ReplicaStatus{}, err
	}
	adapter := &DeploymentAdapter{Deployment: deployment}
	return adapter.ReplicaStatus(), nil
}

// SetReplicaCount patches spec.replicas of the workload
func (c *Client) SetReplicaCount(ctx context.Context, ref model.WorkloadRef, count int32) error {
	deployment, err := c.getDeployment(ctx, ref)
	if err != nil {
		return err
	}

	patch := client.MergeFrom(deployment.DeepCopy())
	deployment.Spec.Replicas = ptr.To(count)
	if err := c.Patch(ctx, deployment, patch); err != nil {
		return fmt.Errorf("failed to scale deployment %s to %d: %w", ref.Key(), count, err)
	}

	log.FromContext(ctx).V(1).Info("Scaled deployment", "deployment", ref.Key(), "replicas", count)
	return nil
}

// GetImage returns the image of the promoted container
func (c *Client) GetImage(ctx context.Context, ref model.WorkloadRef) (string, error) {
	deployment, err := c.getDeployment(ctx, ref)
	if err != nil {
		return "", err
	}
	adapter := &DeploymentAdapter{Deployment: deployment}
	container := adapter.container(c.options.Container)
	if container == nil {
		return "", fmt.Errorf("deployment %s has no container %q", ref.Key(), c.options.Container)
	}
	return container.Image, nil
}

// SetImage replaces the image of the promoted container, triggering a rolling update
func (c *Client) SetImage(ctx context.Context, ref model.WorkloadRef, image string) error {
	deployment, err := c.getDeployment(ctx, ref)
	if err != nil {
		return err
	}

	patch := client.MergeFrom(deployment.DeepCopy())
	adapter := &DeploymentAdapter{Deployment: deployment}
	container := adapter.container(c.options.Container)
	if container == nil {
		return fmt.Errorf("deployment %s has no container %q", ref.Key(), c.options.Container)
	}
	container.Image = image

	if err := c.Patch(ctx, deployment, patch); err != nil {
		return fmt.Errorf("failed to set image of deployment %s: %w", ref.Key(), err)
	}

	log.FromContext(ctx).Info("Updated deployment image", "deployment", ref.Key(), "container", container.Name, "image", image)
	return nil
}

// WaitForRolloutConvergence blocks until the workload reports all requested replicas updated
// and ready, the rollout fails, or timeout elapses.
func (c *Client) WaitForRolloutConvergence(ctx context.Context, ref model.WorkloadRef, timeout time.Duration) error {
	logger := log.FromContext(ctx).WithValues("deployment", ref.Key())
	key := types.NamespacedName{Namespace: ref.Namespace, Name: ref.Name}

	var last *appsv1.Deployment
	err := wait.PollUntilContextTimeout(ctx, c.options.PollInterval, timeout, true, func(ctx context.Context) (bool, error) {
		deployment := &appsv1.Deployment{}
		if err := c.Get(ctx, key, deployment); err != nil {
			if apierrors.IsNotFound(err) {
				return false, fmt.Errorf("deployment %s not found: %w", ref.Key(), err)
			}
			// Transient API errors are retried until the timeout
			logger.V(1).Info("Failed to read deployment while waiting for rollout", "error", err.Error())
			return false, nil
		}

		if last == nil || deploymentStatusChanged(last, deployment) {
			logger.Info("Rollout progress",
				"desired", (&DeploymentAdapter{Deployment: deployment}).GetDesiredReplicas(),
				"updated", deployment.Status.UpdatedReplicas,
				"ready", deployment.Status.ReadyReplicas,
				"total", deployment.Status.Replicas)
		}
		last = deployment

		switch determineRolloutPhase(&DeploymentAdapter{Deployment: deployment}) {
		case phaseFailed:
			return false, fmt.Errorf("%w: deployment %s exceeded its progress deadline", ErrRolloutFailed, ref.Key())
		case phaseSuccess:
			return true, nil
		default:
			return false, nil
		}
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("stopped waiting for deployment %s: %w", ref.Key(), ctx.Err())
	}
	if wait.Interrupted(err) {
		return fmt.Errorf("%w: deployment %s after %s", model.ErrConvergenceTimeout, ref.Key(), timeout)
	}
	return err
}
