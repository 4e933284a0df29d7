package lease

import (
	"time"

	coordinationv1 "k8s.io/api/coordination/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Lease", func() {
	var (
		fakeClient client.Client
		clock      time.Time
		key        = types.NamespacedName{Namespace: "shop", Name: "canary-checkout-checkout-canary"}
	)

	newLease := func(holder string) *Lease {
		l := New(fakeClient, "shop", "checkout", "checkout-canary", holder, time.Minute)
		l.now = func() time.Time { return clock }
		return l
	}

	getLease := func(ctx SpecContext) *coordinationv1.Lease {
		lease := &coordinationv1.Lease{}
		Expect(fakeClient.Get(ctx, key, lease)).To(Succeed())
		return lease
	}

	BeforeEach(func() {
		fakeClient = fake.NewClientBuilder().Build()
		clock = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	})

	It("names the lease after the workload pair", func() {
		Expect(Name("checkout", "checkout-canary")).To(Equal("canary-checkout-checkout-canary"))
	})

	It("creates the lease on first acquire", func(ctx SpecContext) {
		Expect(newLease("run-a").Acquire(ctx)).To(Succeed())

		lease := getLease(ctx)
		Expect(ptr.Deref(lease.Spec.HolderIdentity, "")).To(Equal("run-a"))
		Expect(ptr.Deref(lease.Spec.LeaseDurationSeconds, 0)).To(BeEquivalentTo(60))
		Expect(lease.Labels).To(HaveKeyWithValue("app.kubernetes.io/managed-by", "canary"))
	})

	It("rejects a second run while the lease is live", func(ctx SpecContext) {
		Expect(newLease("run-a").Acquire(ctx)).To(Succeed())

		clock = clock.Add(30 * time.Second)
		err := newLease("run-b").Acquire(ctx)
		Expect(err).To(MatchError(ErrLeaseHeld))
		Expect(ptr.Deref(getLease(ctx).Spec.HolderIdentity, "")).To(Equal("run-a"))
	})

	It("takes over an expired lease", func(ctx SpecContext) {
		Expect(newLease("run-a").Acquire(ctx)).To(Succeed())

		clock = clock.Add(2 * time.Minute)
		Expect(newLease("run-b").Acquire(ctx)).To(Succeed())

		lease := getLease(ctx)
		Expect(ptr.Deref(lease.Spec.HolderIdentity, "")).To(Equal("run-b"))
		Expect(ptr.Deref(lease.Spec.LeaseTransitions, 0)).To(BeEquivalentTo(1))
	})

	It("lets the holder acquire again", func(ctx SpecContext) {
		l := newLease("run-a")
		Expect(l.Acquire(ctx)).To(Succeed())
		Expect(l.Acquire(ctx)).To(Succeed())
		Expect(ptr.Deref(getLease(ctx).Spec.LeaseTransitions, 0)).To(BeZero())
	})

	It("renewal keeps other runs out past the original expiry", func(ctx SpecContext) {
		l := newLease("run-a")
		Expect(l.Acquire(ctx)).To(Succeed())

		clock = clock.Add(50 * time.Second)
		Expect(l.Renew(ctx)).To(Succeed())

		clock = clock.Add(50 * time.Second)
		Expect(newLease("run-b").Acquire(ctx)).To(MatchError(ErrLeaseHeld))
	})

	It("fails to renew after a takeover", func(ctx SpecContext) {
		l := newLease("run-a")
		Expect(l.Acquire(ctx)).To(Succeed())

		clock = clock.Add(2 * time.Minute)
		Expect(newLease("run-b").Acquire(ctx)).To(Succeed())

		Expect(l.Renew(ctx)).To(MatchError(ErrLeaseLost))
	})

	It("fails to renew a deleted lease", func(ctx SpecContext) {
		l := newLease("run-a")
		Expect(l.Acquire(ctx)).To(Succeed())
		Expect(fakeClient.Delete(ctx, getLease(ctx))).To(Succeed())

		Expect(l.Renew(ctx)).To(MatchError(ErrLeaseLost))
	})

	It("release deletes only a lease we hold", func(ctx SpecContext) {
		a := newLease("run-a")
		Expect(a.Acquire(ctx)).To(Succeed())

		Expect(newLease("run-b").Release(ctx)).To(Succeed())
		getLease(ctx)

		Expect(a.Release(ctx)).To(Succeed())
		err := fakeClient.Get(ctx, key, &coordinationv1.Lease{})
		Expect(apierrors.IsNotFound(err)).To(BeTrue())

		Expect(a.Release(ctx)).To(Succeed())
	})
})
