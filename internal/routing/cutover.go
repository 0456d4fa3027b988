package routing

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"sync"

	"github.com/cockroachdb/errors"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/util/wait"
)

// Cut-over result labels.
const (
	cutoverSucceeded = "success"
	cutoverUnchanged = "unchanged"
	cutoverNotReady  = "not_ready"
	cutoverConflict  = "conflict"
	cutoverFailed    = "error"
)

type cutoverResult struct {
	service string
	result  string

	// updated is the Service as it stands after the pass, nil if it was not read or written.
	updated *corev1.Service
	err     error
}

// cutOver redirects every target Service with a ready Envoy deployment. Services
// are handled concurrently; results come back in input order.
func (r *Reconciler) cutOver(ctx context.Context, input ReconciliationInput) []cutoverResult {
	names := input.SortedServices()
	results := make([]cutoverResult, len(names))

	var wg sync.WaitGroup

	for i, name := range names {
		wg.Go(func() {
			results[i] = r.cutOverService(ctx, input[name])
		})
	}

	wg.Wait()

	for _, res := range results {
		r.metrics.RecordCutover(ctx, res.result)
	}

	return results
}

func (r *Reconciler) cutOverService(ctx context.Context, st *ServiceTriggers) cutoverResult {
	name := st.Service.Name
	logger := slog.Default().With("component", "cutover", "service", name)
	deployName := EnvoyDeploymentName(name)

	if err := r.waitForReady(ctx, deployName); err != nil {
		logger.Info("envoy deployment not ready, cut-over deferred", "deployment", deployName, "error", err)

		return cutoverResult{service: name, result: cutoverNotReady, err: err}
	}

	svc := st.Service.DeepCopy()
	target := EnvoyPodLabels(deployName)

	_, annotated := svc.Annotations[AnnotationOriginalServiceSelector]
	if annotated && maps.Equal(svc.Spec.Selector, target) {
		return cutoverResult{service: name, result: cutoverUnchanged, updated: svc}
	}

	if !annotated {
		original, err := json.Marshal(svc.Spec.Selector)
		if err != nil {
			return cutoverResult{service: name, result: cutoverFailed,
				err: errors.Wrapf(err, "failed to encode selector of %s", name)}
		}

		if svc.Annotations == nil {
			svc.Annotations = make(map[string]string)
		}

		svc.Annotations[AnnotationOriginalServiceSelector] = string(original)
	}

	svc.Spec.Selector = target

	err := r.cluster.Replace(ctx, svc)

	switch {
	case err == nil:
		logger.Info("service cut over to envoy", "deployment", deployName)

		return cutoverResult{service: name, result: cutoverSucceeded, updated: svc}
	case apierrors.IsConflict(err):
		logger.Warn("service changed concurrently, cut-over deferred", "error", err)

		return cutoverResult{service: name, result: cutoverConflict,
			err: errors.Wrapf(err, "service %s changed during cut-over", name)}
	default:
		logger.Error("cut-over failed", "error", err)

		return cutoverResult{service: name, result: cutoverFailed,
			err: errors.Wrapf(err, "failed to cut over service %s", name)}
	}
}

// waitForReady polls until every replica of the deployment is ready.
func (r *Reconciler) waitForReady(ctx context.Context, name string) error {
	err := wait.PollUntilContextTimeout(ctx, r.readinessInterval, r.readinessTimeout, true,
		func(ctx context.Context) (bool, error) {
			deploy, err := r.cluster.GetDeployment(ctx, name)
			if err != nil {
				return false, nil //nolint:nilerr // not found yet or transient, keep polling
			}

			return deploymentReady(deploy), nil
		})

	return errors.Wrapf(err, "deployment %s not ready within %s", name, r.readinessTimeout)
}

func deploymentReady(deploy *appsv1.Deployment) bool {
	replicas := int32(1)
	if deploy.Spec.Replicas != nil {
		replicas = *deploy.Spec.Replicas
	}

	return replicas > 0 && deploy.Status.ReadyReplicas == replicas
}
