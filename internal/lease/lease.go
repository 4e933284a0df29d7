// Package lease marks a single canary run as the exclusive owner of a stable/candidate
// workload pair using a coordination.k8s.io Lease.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	coordinationv1 "k8s.io/api/coordination/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

var (
	// ErrLeaseHeld is returned when another live run owns the workload pair
	ErrLeaseHeld = errors.New("lease held by another run")
	// ErrLeaseLost is returned when renewing a lease that was taken over
	ErrLeaseLost = errors.New("lease no longer held")
)

const managedByLabel = "app.kubernetes.io/managed-by"

// +kubebuilder:rbac:groups=coordination.k8s.io,resources=leases,verbs=get;create;update;delete

type Lease struct {
	client    client.Client
	name      string
	namespace string
	holder    string
	duration  time.Duration
	now       func() time.Time
}

// Name returns the lease name guarding a workload pair
func Name(stable, candidate string) string {
	return fmt.Sprintf("canary-%s-%s", stable, candidate)
}

func New(c client.Client, namespace, stable, candidate, holder string, duration time.Duration) *Lease {
	return &Lease{
		client:    c,
		name:      Name(stable, candidate),
		namespace: namespace,
		holder:    holder,
		duration:  duration,
		now:       time.Now,
	}
}

func (l *Lease) key() types.NamespacedName {
	return types.NamespacedName{Namespace: l.namespace, Name: l.name}
}

// Acquire creates the lease, or takes over an existing one that has expired
func (l *Lease) Acquire(ctx context.Context) error {
	logger := log.FromContext(ctx).WithValues("lease", l.key().String(), "holder", l.holder)
	now := metav1.NewMicroTime(l.now())

	lease := &coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{
			Name:      l.name,
			Namespace: l.namespace,
			Labels:    map[string]string{managedByLabel: "canary"},
		},
		Spec: coordinationv1.LeaseSpec{
			HolderIdentity:       ptr.To(l.holder),
			LeaseDurationSeconds: ptr.To(int32(l.duration.Seconds())),
			AcquireTime:          &now,
			RenewTime:            &now,
		},
	}

	err := l.client.Create(ctx, lease)
	if err == nil {
		logger.Info("Acquired lease")
		return nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("failed to create lease %s: %w", l.key(), err)
	}

	existing := &coordinationv1.Lease{}
	if err := l.client.Get(ctx, l.key(), existing); err != nil {
		return fmt.Errorf("failed to get lease %s: %w", l.key(), err)
	}

	holder := ptr.Deref(existing.Spec.HolderIdentity, "")
	if holder != l.holder && !l.expired(existing) {
		return fmt.Errorf("%w: %s is held by %q until %s", ErrLeaseHeld, l.key(), holder, l.expiry(existing).Format(time.RFC3339))
	}

	if holder != l.holder {
		logger.Info("Taking over expired lease", "previousHolder", holder)
		existing.Spec.LeaseTransitions = ptr.To(ptr.Deref(existing.Spec.LeaseTransitions, 0) + 1)
		existing.Spec.AcquireTime = &now
	}
	existing.Spec.HolderIdentity = ptr.To(l.holder)
	existing.Spec.LeaseDurationSeconds = lease.Spec.LeaseDurationSeconds
	existing.Spec.RenewTime = &now

	if err := l.client.Update(ctx, existing); err != nil {
		if apierrors.IsConflict(err) {
			return fmt.Errorf("%w: %s changed while acquiring", ErrLeaseHeld, l.key())
		}
		return fmt.Errorf("failed to update lease %s: %w", l.key(), err)
	}
	logger.Info("Acquired lease")
	return nil
}

// Renew extends the lease by another duration
func (l *Lease) Renew(ctx context.Context) error {
	existing := &coordinationv1.Lease{}
	if err := l.client.Get(ctx, l.key(), existing); err != nil {
		if apierrors.IsNotFound(err) {
			return fmt.Errorf("%w: %s was deleted", ErrLeaseLost, l.key())
		}
		return fmt.Errorf("failed to get lease %s: %w", l.key(), err)
	}

	if holder := ptr.Deref(existing.Spec.HolderIdentity, ""); holder != l.holder {
		return fmt.Errorf("%w: %s is now held by %q", ErrLeaseLost, l.key(), holder)
	}

	now := metav1.NewMicroTime(l.now())
	existing.Spec.RenewTime = &now
	if err := l.client.Update(ctx, existing); err != nil {
		return fmt.Errorf("failed to renew lease %s: %w", l.key(), err)
	}

	log.FromContext(ctx).V(1).Info("Renewed lease", "lease", l.key().String())
	return nil
}

// Release deletes the lease if this run still holds it
func (l *Lease) Release(ctx context.Context) error {
	existing := &coordinationv1.Lease{}
	if err := l.client.Get(ctx, l.key(), existing); err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to get lease %s: %w", l.key(), err)
	}

	if ptr.Deref(existing.Spec.HolderIdentity, "") != l.holder {
		return nil
	}

	if err := l.client.Delete(ctx, existing); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete lease %s: %w", l.key(), err)
	}
	log.FromContext(ctx).Info("Released lease", "lease", l.key().String())
	return nil
}

func (l *Lease) expiry(lease *coordinationv1.Lease) time.Time {
	if lease.Spec.RenewTime == nil {
		return time.Time{}
	}
	duration := time.Duration(ptr.Deref(lease.Spec.LeaseDurationSeconds, 0)) * time.Second
	return lease.Spec.RenewTime.Add(duration)
}

func (l *Lease) expired(lease *coordinationv1.Lease) bool {
	return !l.now().Before(l.expiry(lease))
}
