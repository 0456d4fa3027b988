package routing

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/equality"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/lexfrei/header-routing-controller/internal/metrics"
)

// Kind names used in logs, metrics and reports.
const (
	KindService      = "Service"
	KindDeployment   = "Deployment"
	KindConfigMap    = "ConfigMap"
	KindIngress      = "Ingress"
	KindIngressRoute = "IngressRoute"
)

// kindStrategy holds everything kind-specific the apply engine needs.
type kindStrategy struct {
	kind string

	current func(snap *Snapshot) []client.Object
	desired func(state *DesiredState) []client.Object

	// equal reports whether the spec of current already carries everything desired sets.
	equal func(current, desired client.Object) bool
	// exactMetadata compares labels and annotations as whole maps, so keys
	// dropped from the desired object are removed from the live one.
	exactMetadata bool
	// carryForward copies server-owned fields from current onto desired before a replace.
	carryForward func(current, desired client.Object)
	// recreate reports whether desired cannot be applied in place.
	recreate func(current, desired client.Object) bool
}

// typedStrategy adapts typed callbacks to a kindStrategy.
func typedStrategy[T client.Object](
	kind string,
	current func(snap *Snapshot) []T,
	desired func(state *DesiredState) []T,
	equalSpec func(current, desired T) bool,
	carryForward func(current, desired T),
	recreate func(current, desired T) bool,
) kindStrategy {
	return kindStrategy{
		kind: kind,
		current: func(snap *Snapshot) []client.Object {
			return toObjects(current(snap))
		},
		desired: func(state *DesiredState) []client.Object {
			return toObjects(desired(state))
		},
		equal: func(cur, want client.Object) bool {
			return equalSpec(cur.(T), want.(T)) //nolint:forcetypeassert // kinds never mix
		},
		carryForward: func(cur, want client.Object) {
			want.SetResourceVersion(cur.GetResourceVersion())

			if carryForward != nil {
				carryForward(cur.(T), want.(T)) //nolint:forcetypeassert // kinds never mix
			}
		},
		recreate: func(cur, want client.Object) bool {
			return recreate != nil && recreate(cur.(T), want.(T)) //nolint:forcetypeassert // kinds never mix
		},
	}
}

// defaultStrategies is the strategy table for the five managed kinds.
func defaultStrategies() []kindStrategy {
	return []kindStrategy{
		typedStrategy(KindService,
			func(snap *Snapshot) []*corev1.Service { return generatedOnly(pointers(snap.Services)) },
			func(state *DesiredState) []*corev1.Service { return state.Services },
			func(cur, want *corev1.Service) bool { return equality.Semantic.DeepDerivative(want.Spec, cur.Spec) },
			func(cur, want *corev1.Service) {
				want.Spec.ClusterIP = cur.Spec.ClusterIP
				want.Spec.ClusterIPs = cur.Spec.ClusterIPs
				want.Spec.IPFamilies = cur.Spec.IPFamilies
				want.Spec.IPFamilyPolicy = cur.Spec.IPFamilyPolicy
				want.Spec.LoadBalancerIP = cur.Spec.LoadBalancerIP //nolint:staticcheck // still honoured by many providers
			},
			nil,
		),
		typedStrategy(KindDeployment,
			func(snap *Snapshot) []*appsv1.Deployment { return generatedOnly(pointers(snap.Deployments)) },
			func(state *DesiredState) []*appsv1.Deployment { return state.Deployments },
			func(cur, want *appsv1.Deployment) bool { return equality.Semantic.DeepDerivative(want.Spec, cur.Spec) },
			nil,
			func(cur, want *appsv1.Deployment) bool {
				return !equality.Semantic.DeepEqual(cur.Spec.Selector, want.Spec.Selector)
			},
		),
		typedStrategy(KindConfigMap,
			func(snap *Snapshot) []*corev1.ConfigMap { return generatedOnly(pointers(snap.ConfigMaps)) },
			func(state *DesiredState) []*corev1.ConfigMap { return state.ConfigMaps },
			func(cur, want *corev1.ConfigMap) bool { return equality.Semantic.DeepEqual(want.Data, cur.Data) },
			nil,
			nil,
		),
		withExactMetadata(typedStrategy(KindIngress,
			func(snap *Snapshot) []*networkingv1.Ingress { return generatedOnly(pointers(snap.Ingresses)) },
			func(state *DesiredState) []*networkingv1.Ingress { return state.Ingresses },
			func(cur, want *networkingv1.Ingress) bool { return equality.Semantic.DeepDerivative(want.Spec, cur.Spec) },
			nil,
			nil,
		)),
		withExactMetadata(typedStrategy(KindIngressRoute,
			func(snap *Snapshot) []*unstructured.Unstructured { return generatedOnly(pointers(snap.IngressRoutes)) },
			func(state *DesiredState) []*unstructured.Unstructured { return state.IngressRoutes },
			func(cur, want *unstructured.Unstructured) bool {
				return equality.Semantic.DeepDerivative(want.Object["spec"], cur.Object["spec"])
			},
			nil,
			nil,
		)),
	}
}

// KindReport counts what the apply engine did for one kind.
type KindReport struct {
	Kind      string
	Created   int
	Updated   int
	Deleted   int
	Unchanged int
	Deferred  int
	Errors    []error
}

// Writes is the number of successful mutations.
func (r KindReport) Writes() int {
	return r.Created + r.Updated + r.Deleted
}

// ApplyReport aggregates the per-kind reports of one apply pass.
type ApplyReport struct {
	Kinds []KindReport
}

// Writes is the number of successful mutations over all kinds.
func (r ApplyReport) Writes() int {
	total := 0
	for _, kind := range r.Kinds {
		total += kind.Writes()
	}

	return total
}

// Deferred is the number of mutations postponed to the next pass.
func (r ApplyReport) Deferred() int {
	total := 0
	for _, kind := range r.Kinds {
		total += kind.Deferred
	}

	return total
}

// Err aggregates the non-deferred failures of all kinds.
func (r ApplyReport) Err() error {
	var errs []error
	for _, kind := range r.Kinds {
		errs = append(errs, kind.Errors...)
	}

	return utilerrors.NewAggregate(errs)
}

// Applier converges generated objects, one goroutine per kind.
type Applier struct {
	cluster    ClusterClient
	metrics    metrics.Collector
	strategies []kindStrategy
}

// NewApplier creates an Applier for the five managed kinds.
func NewApplier(cluster ClusterClient, collector metrics.Collector) *Applier {
	return &Applier{
		cluster:    cluster,
		metrics:    collector,
		strategies: defaultStrategies(),
	}
}

// Apply diffs the generated objects of snap against state and writes the difference.
// Failures of single mutations are collected in the report; they never stop other kinds.
func (a *Applier) Apply(ctx context.Context, snap *Snapshot, state *DesiredState) ApplyReport {
	reports := make([]KindReport, len(a.strategies))

	var wg sync.WaitGroup

	for i, strategy := range a.strategies {
		wg.Go(func() {
			reports[i] = a.applyKind(ctx, strategy, snap, state)
		})
	}

	wg.Wait()

	return ApplyReport{Kinds: reports}
}

func (a *Applier) applyKind(ctx context.Context, strategy kindStrategy, snap *Snapshot, state *DesiredState) KindReport {
	logger := slog.Default().With("component", "applier", "kind", strategy.kind)
	report := KindReport{Kind: strategy.kind}

	for _, mutation := range Diff(strategy.current(snap), strategy.desired(state)) {
		if ctx.Err() != nil {
			report.Errors = append(report.Errors, errors.Wrap(ctx.Err(), "apply interrupted"))

			return report
		}

		err := a.execute(ctx, strategy, mutation, &report)

		switch {
		case err == nil:
		case apierrors.IsConflict(err) || apierrors.IsAlreadyExists(err):
			report.Deferred++

			logger.Warn("write conflict, deferring to next pass",
				"name", mutation.Key(), "operation", mutation.Op, "error", err)
		default:
			report.Errors = append(report.Errors, err)

			logger.Error("mutation failed", "name", mutation.Key(), "operation", mutation.Op, "error", err)
		}
	}

	return report
}

func (a *Applier) execute(ctx context.Context, strategy kindStrategy, mutation Mutation, report *KindReport) error {
	switch mutation.Op {
	case OpCreate:
		if err := a.write(ctx, strategy.kind, OpCreate, a.cluster.Create, mutation.Desired); err != nil {
			return err
		}

		report.Created++

	case OpDelete:
		if err := a.write(ctx, strategy.kind, OpDelete, a.cluster.Delete, mutation.Current); err != nil {
			return err
		}

		report.Deleted++

	case OpUpdate:
		if strategy.unchanged(mutation.Current, mutation.Desired) {
			report.Unchanged++

			return nil
		}

		if strategy.recreate(mutation.Current, mutation.Desired) {
			if err := a.write(ctx, strategy.kind, OpDelete, a.cluster.Delete, mutation.Current); err != nil {
				return err
			}

			if err := a.write(ctx, strategy.kind, OpCreate, a.cluster.Create, mutation.Desired); err != nil {
				return err
			}

			report.Updated++

			return nil
		}

		strategy.carryForward(mutation.Current, mutation.Desired)

		if err := a.write(ctx, strategy.kind, OpUpdate, a.cluster.Replace, mutation.Desired); err != nil {
			return err
		}

		report.Updated++
	}

	return nil
}

func (a *Applier) write(
	ctx context.Context,
	kind string,
	op Operation,
	fn func(context.Context, client.Object) error,
	obj client.Object,
) error {
	err := fn(ctx, obj)
	if op == OpDelete && apierrors.IsNotFound(err) {
		err = nil
	}

	if err != nil {
		a.metrics.RecordMutation(ctx, kind, string(op), "error")

		return errors.Wrapf(err, "failed to %s %s %s", op, kind, obj.GetName())
	}

	a.metrics.RecordMutation(ctx, kind, string(op), "success")

	return nil
}

// unchanged reports whether current needs no write to match desired.
func (s kindStrategy) unchanged(cur, want client.Object) bool {
	if s.exactMetadata {
		if !equality.Semantic.DeepEqual(want.GetLabels(), cur.GetLabels()) ||
			!equality.Semantic.DeepEqual(want.GetAnnotations(), cur.GetAnnotations()) {
			return false
		}
	} else if !metadataEqual(cur, want) {
		return false
	}

	return s.equal(cur, want)
}

// withExactMetadata is used for clones, whose annotations mirror an original
// that may lose keys.
func withExactMetadata(strategy kindStrategy) kindStrategy {
	strategy.exactMetadata = true

	return strategy
}

func metadataEqual(cur, want client.Object) bool {
	return equality.Semantic.DeepDerivative(want.GetLabels(), cur.GetLabels()) &&
		equality.Semantic.DeepDerivative(want.GetAnnotations(), cur.GetAnnotations())
}

// pointers returns pointers into items; objects implement client.Object on the pointer.
func pointers[T any](items []T) []*T {
	out := make([]*T, 0, len(items))
	for i := range items {
		out = append(out, &items[i])
	}

	return out
}

func generatedOnly[T client.Object](objects []T) []T {
	out := make([]T, 0, len(objects))

	for _, obj := range objects {
		if IsGenerated(obj.GetLabels()) {
			out = append(out, obj)
		}
	}

	return out
}

func toObjects[T client.Object](objects []T) []client.Object {
	out := make([]client.Object, 0, len(objects))
	for _, obj := range objects {
		out = append(out, obj)
	}

	return out
}
