package routing

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/labels"
)

type danglingReport struct {
	restored []string
	deferred int
	errs     []error
}

// repairDangling restores the original selector of every redirected Service
// whose selector no longer matches the pod template of any desired Envoy
// deployment. latest holds Services written earlier in the pass.
func (r *Reconciler) repairDangling(
	ctx context.Context,
	snap *Snapshot,
	state *DesiredState,
	latest map[string]*corev1.Service,
) danglingReport {
	logger := slog.Default().With("component", "dangling-repair")

	var report danglingReport

	for i := range snap.Services {
		svc := &snap.Services[i]
		if updated, ok := latest[svc.Name]; ok {
			svc = updated
		}

		if IsGenerated(svc.Labels) {
			continue
		}

		if _, redirected := svc.Annotations[AnnotationOriginalServiceSelector]; !redirected {
			continue
		}

		if selectsDesiredEnvoy(svc.Spec.Selector, state) {
			continue
		}

		original, err := OriginalSelector(svc)
		if err != nil {
			logger.Warn("cannot restore service with malformed annotation", "service", svc.Name, "error", err)

			continue
		}

		restored := svc.DeepCopy()
		restored.Spec.Selector = original
		delete(restored.Annotations, AnnotationOriginalServiceSelector)

		err = r.cluster.Replace(ctx, restored)

		switch {
		case err == nil:
			logger.Info("restored original selector of dangling service", "service", svc.Name)

			report.restored = append(report.restored, svc.Name)
		case apierrors.IsConflict(err):
			logger.Warn("service changed concurrently, restore deferred", "service", svc.Name, "error", err)

			report.deferred++
		default:
			report.errs = append(report.errs, errors.Wrapf(err, "failed to restore service %s", svc.Name))
		}
	}

	return report
}

// selectsDesiredEnvoy reports whether selector is contained in the pod template
// labels of a desired Envoy deployment.
func selectsDesiredEnvoy(selector map[string]string, state *DesiredState) bool {
	if len(selector) == 0 {
		return false
	}

	sel := labels.SelectorFromSet(selector)

	for _, deploy := range state.Deployments {
		if sel.Matches(labels.Set(deploy.Spec.Template.Labels)) {
			return true
		}
	}

	return false
}
