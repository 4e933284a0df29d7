package kube

import (
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"

	"github.com/apptrail-sh/canary/internal/model"
)

const (
	// Rollout phases as observed from Deployment status
	phaseRollingOut  = "rolling_out"
	phaseFailed      = "failed"
	phaseSuccess     = "success"
	phaseProgressing = "progressing"
)

// DeploymentAdapter exposes the replica view of a Deployment the orchestrator cares about
type DeploymentAdapter struct {
	Deployment *appsv1.Deployment
}

func (d *DeploymentAdapter) GetName() string {
	return d.Deployment.Name
}

func (d *DeploymentAdapter) GetNamespace() string {
	return d.Deployment.Namespace
}

// GetDesiredReplicas returns spec.replicas, which the API server defaults to 1 when unset
func (d *DeploymentAdapter) GetDesiredReplicas() int32 {
	if d.Deployment.Spec.Replicas == nil {
		return 1
	}
	return *d.Deployment.Spec.Replicas
}

func (d *DeploymentAdapter) GetTotalReplicas() int32 {
	return d.Deployment.Status.Replicas
}

func (d *DeploymentAdapter) GetReadyReplicas() int32 {
	return d.Deployment.Status.ReadyReplicas
}

func (d *DeploymentAdapter) GetUpdatedReplicas() int32 {
	return d.Deployment.Status.UpdatedReplicas
}

func (d *DeploymentAdapter) GetAvailableReplicas() int32 {
	return d.Deployment.Status.AvailableReplicas
}

func (d *DeploymentAdapter) ReplicaStatus() model.ReplicaStatus {
	return model.ReplicaStatus{
		Ready:   d.GetReadyReplicas(),
		Desired: d.GetDesiredReplicas(),
	}
}

// IsObserved reports whether the deployment controller has seen the latest spec
func (d *DeploymentAdapter) IsObserved() bool {
	return d.Deployment.Status.ObservedGeneration >= d.Deployment.Generation
}

func (d *DeploymentAdapter) IsRollingOut() bool {
	desired := d.GetDesiredReplicas()
	return d.GetUpdatedReplicas() < desired ||
		d.GetReadyReplicas() < desired ||
		d.GetAvailableReplicas() < desired ||
		d.GetTotalReplicas() > desired
}

func (d *DeploymentAdapter) HasFailed() bool {
	for _, condition := range d.Deployment.Status.Conditions {
		if condition.Type != appsv1.DeploymentProgressing {
			continue
		}
		if condition.Status == corev1.ConditionFalse {
			return true
		}
		if condition.Reason == "ProgressDeadlineExceeded" {
			return true
		}
	}
	return false
}

// container returns the named container, or the first one when name is empty
func (d *DeploymentAdapter) container(name string) *corev1.Container {
	containers := d.Deployment.Spec.Template.Spec.Containers
	for i := range containers {
		if name == "" || containers[i].Name == name {
			return &containers[i]
		}
	}
	return nil
}

// determineRolloutPhase maps Deployment status onto a rollout phase
func determineRolloutPhase(d *DeploymentAdapter) string {
	// Check for explicit failure conditions from Kubernetes
	if d.HasFailed() {
		return phaseFailed
	}

	// Status still describes an older generation
	if !d.IsObserved() {
		return phaseProgressing
	}

	if d.IsRollingOut() {
		return phaseRollingOut
	}

	desired := d.GetDesiredReplicas()
	if d.GetReadyReplicas() == desired && d.GetUpdatedReplicas() == desired && d.GetTotalReplicas() == desired {
		return phaseSuccess
	}

	return phaseProgressing
}
