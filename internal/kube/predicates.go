package kube

import (
	"fmt"
	"sort"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
)

// rolloutProgress is the part of a Deployment that moves while a rollout converges
type rolloutProgress struct {
	generation         int64
	observedGeneration int64
	replicas           int32
	updated            int32
	ready              int32
	available          int32
	conditions         string
}

func progressOf(d *appsv1.Deployment) rolloutProgress {
	conditions := make([]string, 0, len(d.Status.Conditions))
	for _, c := range d.Status.Conditions {
		conditions = append(conditions, fmt.Sprintf("%s=%s/%s", c.Type, c.Status, c.Reason))
	}
	sort.Strings(conditions)

	return rolloutProgress{
		generation:         d.Generation,
		observedGeneration: d.Status.ObservedGeneration,
		replicas:           d.Status.Replicas,
		updated:            d.Status.UpdatedReplicas,
		ready:              d.Status.ReadyReplicas,
		available:          d.Status.AvailableReplicas,
		conditions:         strings.Join(conditions, ","),
	}
}

// deploymentStatusChanged reports whether anything relevant to the rollout phase moved
// between two reads of the same Deployment. Condition messages and timestamps are ignored.
func deploymentStatusChanged(oldObj, newObj *appsv1.Deployment) bool {
	return progressOf(oldObj) != progressOf(newObj)
}
