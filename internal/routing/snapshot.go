package routing

import (
	"context"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// ClusterClient is the namespace-scoped view of the API server used by the reconciler.
//
//nolint:interfacebloat // mirrors the set of kinds the controller manages
type ClusterClient interface {
	Namespace() string

	ListPods(ctx context.Context) ([]corev1.Pod, error)
	ListServices(ctx context.Context) ([]corev1.Service, error)
	ListDeployments(ctx context.Context) ([]appsv1.Deployment, error)
	ListConfigMaps(ctx context.Context) ([]corev1.ConfigMap, error)
	ListIngresses(ctx context.Context) ([]networkingv1.Ingress, error)
	ListIngressRoutes(ctx context.Context) ([]unstructured.Unstructured, error)

	GetPod(ctx context.Context, name string) (*corev1.Pod, error)
	GetDeployment(ctx context.Context, name string) (*appsv1.Deployment, error)

	Create(ctx context.Context, obj client.Object) error
	Replace(ctx context.Context, obj client.Object) error
	Delete(ctx context.Context, obj client.Object) error
	DeletePods(ctx context.Context, selector map[string]string) error
}

// Snapshot is one frozen view of the namespace. Collection and desired-state
// generation read only from it.
type Snapshot struct {
	Pods          []corev1.Pod
	Services      []corev1.Service
	Deployments   []appsv1.Deployment
	ConfigMaps    []corev1.ConfigMap
	Ingresses     []networkingv1.Ingress
	IngressRoutes []unstructured.Unstructured
}

// FetchSnapshot lists every managed kind concurrently.
func FetchSnapshot(ctx context.Context, cluster ClusterClient) (*Snapshot, error) {
	snap := &Snapshot{}

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		pods, err := cluster.ListPods(gctx)
		snap.Pods = pods

		return errors.Wrap(err, "failed to list pods")
	})
	group.Go(func() error {
		services, err := cluster.ListServices(gctx)
		snap.Services = services

		return errors.Wrap(err, "failed to list services")
	})
	group.Go(func() error {
		deployments, err := cluster.ListDeployments(gctx)
		snap.Deployments = deployments

		return errors.Wrap(err, "failed to list deployments")
	})
	group.Go(func() error {
		configMaps, err := cluster.ListConfigMaps(gctx)
		snap.ConfigMaps = configMaps

		return errors.Wrap(err, "failed to list configmaps")
	})
	group.Go(func() error {
		ingresses, err := cluster.ListIngresses(gctx)
		snap.Ingresses = ingresses

		return errors.Wrap(err, "failed to list ingresses")
	})
	group.Go(func() error {
		routes, err := cluster.ListIngressRoutes(gctx)
		snap.IngressRoutes = routes

		return errors.Wrap(err, "failed to list ingressroutes")
	})

	if err := group.Wait(); err != nil {
		return nil, err //nolint:wrapcheck // already wrapped per kind
	}

	return snap, nil
}

// Service returns the named Service from the snapshot.
func (s *Snapshot) Service(name string) (*corev1.Service, bool) {
	for i := range s.Services {
		if s.Services[i].Name == name {
			return &s.Services[i], true
		}
	}

	return nil, false
}

// ConfigMap returns the named ConfigMap from the snapshot.
func (s *Snapshot) ConfigMap(name string) (*corev1.ConfigMap, bool) {
	for i := range s.ConfigMaps {
		if s.ConfigMaps[i].Name == name {
			return &s.ConfigMaps[i], true
		}
	}

	return nil, false
}

// Deployment returns the named Deployment from the snapshot.
func (s *Snapshot) Deployment(name string) (*appsv1.Deployment, bool) {
	for i := range s.Deployments {
		if s.Deployments[i].Name == name {
			return &s.Deployments[i], true
		}
	}

	return nil, false
}
