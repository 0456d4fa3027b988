package routing

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	appsv1 "k8s.io/api/apps/v1"
	"k8s.io/apimachinery/pkg/api/equality"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
)

// staleEnvoyDeployments returns desired Envoy deployments that already existed
// before this pass and whose mounted ConfigMap reference or content changed.
// Envoy does not hot-reload its bootstrap, so their pods must be replaced.
func staleEnvoyDeployments(snap *Snapshot, state *DesiredState) []*appsv1.Deployment {
	desiredData := make(map[string]map[string]string, len(state.ConfigMaps))
	for _, cm := range state.ConfigMaps {
		desiredData[cm.Name] = cm.Data
	}

	var stale []*appsv1.Deployment

	for _, want := range state.Deployments {
		current, ok := snap.Deployment(want.Name)
		if !ok || !IsGenerated(current.Labels) {
			continue
		}

		// A selector change recreates the deployment with fresh pods.
		if !equality.Semantic.DeepEqual(current.Spec.Selector, want.Spec.Selector) {
			continue
		}

		currentRef, wantRef := configMapRef(current), configMapRef(want)
		if currentRef != wantRef {
			stale = append(stale, want)

			continue
		}

		currentCM, found := snap.ConfigMap(currentRef)
		if !found || !equality.Semantic.DeepEqual(currentCM.Data, desiredData[wantRef]) {
			stale = append(stale, want)
		}
	}

	return stale
}

func configMapRef(deploy *appsv1.Deployment) string {
	for _, volume := range deploy.Spec.Template.Spec.Volumes {
		if volume.Name == envoyConfigVolume && volume.ConfigMap != nil {
			return volume.ConfigMap.Name
		}
	}

	return ""
}

// restartEnvoyPods deletes the pods of stale Envoy deployments; their
// ReplicaSets bring them back with the new configuration.
func (r *Reconciler) restartEnvoyPods(ctx context.Context, stale []*appsv1.Deployment) error {
	logger := slog.Default().With("component", "reconciler")

	var errs []error

	for _, deploy := range stale {
		logger.Info("restarting envoy pods after config change", "deployment", deploy.Name)

		if err := r.cluster.DeletePods(ctx, deploy.Spec.Template.Labels); err != nil {
			errs = append(errs, errors.Wrapf(err, "failed to restart pods of %s", deploy.Name))
		}
	}

	return utilerrors.NewAggregate(errs)
}
