package routing

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/lexfrei/header-routing-controller/internal/config"
	"github.com/lexfrei/header-routing-controller/internal/metrics"
)

const defaultReadinessInterval = time.Second

// Sync error types for metrics labels.
const (
	syncErrorSnapshot  = "snapshot"
	syncErrorCollect   = "collect"
	syncErrorInvariant = "invariant"
	syncErrorBuild     = "build"
	syncErrorApply     = "apply"
	syncErrorRestart   = "restart"
	syncErrorRestore   = "restore"
)

// Reconciler runs single reconciliation passes: snapshot, collect, build,
// apply, restart, cut-over and dangling repair.
type Reconciler struct {
	cluster   ClusterClient
	collector *TriggerCollector
	builder   *DesiredStateBuilder
	applier   *Applier
	metrics   metrics.Collector

	readinessTimeout  time.Duration
	readinessInterval time.Duration
}

// NewReconciler wires a Reconciler from options.
func NewReconciler(cluster ClusterClient, opts config.Options, collector metrics.Collector) *Reconciler {
	opts = opts.WithDefaults()

	return &Reconciler{
		cluster: cluster,
		collector: NewTriggerCollector(cluster, CollectorOptions{
			PodIPTimeout:            opts.PodIPTimeout,
			IngressControllerImages: opts.IngressControllerImages,
		}),
		builder: NewDesiredStateBuilder(BuilderOptions{
			Namespace:  cluster.Namespace(),
			EnvoyImage: opts.EnvoyImage,
		}),
		applier:           NewApplier(cluster, collector),
		metrics:           collector,
		readinessTimeout:  opts.ReadinessTimeout,
		readinessInterval: defaultReadinessInterval,
	}
}

// Reconcile runs one pass and returns its result. It never panics on bad input
// and reports cancellation as OutcomeCancelled rather than a failure.
func (r *Reconciler) Reconcile(ctx context.Context) *Result {
	result := &Result{
		CycleID: uuid.NewString(),
		Status:  make(Status),
		Started: time.Now(),
	}

	logger := slog.Default().With("component", "reconciler", "cycle", result.CycleID)
	logger.Info("starting reconciliation")

	err := r.reconcile(ctx, logger, result)

	result.Duration = time.Since(result.Started)
	result.Err = err

	switch {
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		result.Outcome = OutcomeCancelled
		result.Err = nil

		logger.Info("reconciliation cancelled")
	case err != nil:
		result.Outcome = OutcomeFailed

		logger.Error("reconciliation failed", "error", err, "duration", result.Duration)
	default:
		result.Outcome = OutcomeSucceeded

		logger.Info("reconciliation finished",
			"targets", result.Targets,
			"writes", result.Applied.Writes(),
			"deferred", result.Deferred,
			"duration", result.Duration,
		)
	}

	r.metrics.RecordReconcileDuration(ctx, string(result.Outcome), result.Duration)

	return result
}

//nolint:funlen // one pass is a linear sequence of phases
func (r *Reconciler) reconcile(ctx context.Context, logger *slog.Logger, result *Result) error {
	snap, err := FetchSnapshot(ctx, r.cluster)
	if err != nil {
		r.metrics.RecordSyncError(ctx, syncErrorSnapshot)

		return errors.Wrap(err, "failed to fetch snapshot")
	}

	input, err := r.collector.Collect(ctx, snap)
	if err != nil {
		r.metrics.RecordSyncError(ctx, syncErrorCollect)

		return errors.Wrap(err, "failed to collect triggers")
	}

	result.Targets = len(input)
	r.recordTriggers(ctx, input)

	state, err := r.builder.Build(input, snap)
	if err != nil {
		if errors.Is(err, ErrInvariant) {
			r.metrics.RecordSyncError(ctx, syncErrorInvariant)
		} else {
			r.metrics.RecordSyncError(ctx, syncErrorBuild)
		}

		return errors.Wrap(err, "failed to build desired state")
	}

	r.recordGenerated(ctx, state)

	report := r.applier.Apply(ctx, snap, state)
	result.Applied = report

	if report.Deferred() > 0 {
		result.Deferred = true
	}

	var errs []error

	if applyErr := report.Err(); applyErr != nil {
		r.metrics.RecordSyncError(ctx, syncErrorApply)

		errs = append(errs, applyErr)
	}

	if ctx.Err() != nil {
		return errors.Wrap(ctx.Err(), "interrupted after apply")
	}

	if restartErr := r.restartEnvoyPods(ctx, staleEnvoyDeployments(snap, state)); restartErr != nil {
		r.metrics.RecordSyncError(ctx, syncErrorRestart)

		errs = append(errs, restartErr)
	}

	latest := make(map[string]*corev1.Service)

	for _, res := range r.cutOver(ctx, input) {
		msg := ""

		if res.err != nil {
			msg = res.err.Error()
			result.Deferred = true
		}

		for _, entity := range input[res.service].EntityNames() {
			result.Status.Set(entity, msg)
		}

		if res.updated != nil {
			latest[res.service] = res.updated
		}
	}

	if ctx.Err() != nil {
		return errors.Wrap(ctx.Err(), "interrupted after cut-over")
	}

	dangling := r.repairDangling(ctx, snap, state, latest)
	if dangling.deferred > 0 {
		result.Deferred = true
	}

	if len(dangling.errs) > 0 {
		r.metrics.RecordSyncError(ctx, syncErrorRestore)

		errs = append(errs, dangling.errs...)
	}

	if len(dangling.restored) > 0 {
		logger.Info("restored dangling services", "services", dangling.restored)
	}

	return utilerrors.NewAggregate(errs)
}

func (r *Reconciler) recordTriggers(ctx context.Context, input ReconciliationInput) {
	var pods, ingresses, routes, balancers int

	for _, st := range input {
		pods += len(st.Pods)
		ingresses += len(st.Ingresses)
		routes += len(st.IngressRoutes)

		if st.LoadBalancer != nil {
			balancers++
		}
	}

	r.metrics.RecordTriggers(ctx, "pod", pods)
	r.metrics.RecordTriggers(ctx, "ingress", ingresses)
	r.metrics.RecordTriggers(ctx, "ingressroute", routes)
	r.metrics.RecordTriggers(ctx, "loadbalancer", balancers)
}

func (r *Reconciler) recordGenerated(ctx context.Context, state *DesiredState) {
	r.metrics.RecordGeneratedResources(ctx, KindService, len(state.Services))
	r.metrics.RecordGeneratedResources(ctx, KindDeployment, len(state.Deployments))
	r.metrics.RecordGeneratedResources(ctx, KindConfigMap, len(state.ConfigMaps))
	r.metrics.RecordGeneratedResources(ctx, KindIngress, len(state.Ingresses))
	r.metrics.RecordGeneratedResources(ctx, KindIngressRoute, len(state.IngressRoutes))
}
