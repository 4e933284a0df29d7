package kube

import (
	"context"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/labels"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/apptrail-sh/canary/internal/model"
)

// ListInstances returns the running pods matching selector. Pods that are not running
// have no current logs to sample.
func (c *Client) ListInstances(ctx context.Context, namespace, selector string) ([]model.InstanceRef, error) {
	parsed, err := labels.Parse(selector)
	if err != nil {
		return nil, fmt.Errorf("invalid selector %q: %w", selector, err)
	}

	var pods corev1.PodList
	if err := c.List(ctx, &pods,
		client.InNamespace(namespace),
		client.MatchingLabelsSelector{Selector: parsed},
	); err != nil {
		return nil, fmt.Errorf("failed to list pods matching %q: %w", selector, err)
	}

	instances := make([]model.InstanceRef, 0, len(pods.Items))
	for _, pod := range pods.Items {
		if pod.Status.Phase != corev1.PodRunning || pod.DeletionTimestamp != nil {
			continue
		}
		instances = append(instances, model.InstanceRef{
			Name:      pod.Name,
			Namespace: pod.Namespace,
			Container: c.logContainer(&pod),
		})
	}
	return instances, nil
}

// logContainer picks the container to read logs from. An empty name lets the API
// server choose, which only works for single-container pods.
func (c *Client) logContainer(pod *corev1.Pod) string {
	if len(pod.Spec.Containers) <= 1 {
		return ""
	}
	if c.options.Container != "" {
		return c.options.Container
	}
	return pod.Spec.Containers[0].Name
}

// TailRecentLogs returns the last lineCount log lines of an instance
func (c *Client) TailRecentLogs(ctx context.Context, instance model.InstanceRef, lineCount int64) ([]string, error) {
	opts := &corev1.PodLogOptions{
		Container: instance.Container,
		TailLines: &lineCount,
	}

	raw, err := c.clientset.CoreV1().Pods(instance.Namespace).GetLogs(instance.Name, opts).DoRaw(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read logs of pod %s/%s: %w", instance.Namespace, instance.Name, err)
	}

	text := strings.TrimRight(string(raw), "\n")
	if text == "" {
		return nil, nil
	}
	return strings.Split(text, "\n"), nil
}
