package kube

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/lexfrei/header-routing-controller/internal/metrics"
)

// IngressRouteKind is the kind name of the Traefik IngressRoute CRD.
const IngressRouteKind = "IngressRoute"

// API operation labels for metrics.
const (
	opList       = "list"
	opGet        = "get"
	opCreate     = "create"
	opUpdate     = "update"
	opDelete     = "delete"
	opDeleteColl = "deletecollection"
)

// Client implements routing.ClusterClient on top of a controller-runtime client
// scoped to one namespace. Reads should go straight to the API server so a
// snapshot never mixes cache generations.
type Client struct {
	client       client.Client
	namespace    string
	ingressRoute schema.GroupVersionKind
	metrics      metrics.Collector
}

// NewClient creates a Client for namespace. ingressRouteGV selects the
// IngressRoute CRD version (traefik.io/v1alpha1 or traefik.containo.us/v1alpha1).
func NewClient(c client.Client, namespace string, ingressRouteGV schema.GroupVersion, collector metrics.Collector) *Client {
	return &Client{
		client:       c,
		namespace:    namespace,
		ingressRoute: ingressRouteGV.WithKind(IngressRouteKind),
		metrics:      collector,
	}
}

// Namespace returns the managed namespace.
func (c *Client) Namespace() string {
	return c.namespace
}

// ListPods lists pods in the namespace.
func (c *Client) ListPods(ctx context.Context) ([]corev1.Pod, error) {
	var list corev1.PodList

	if err := c.list(ctx, &list); err != nil {
		return nil, err
	}

	return list.Items, nil
}

// ListServices lists services in the namespace.
func (c *Client) ListServices(ctx context.Context) ([]corev1.Service, error) {
	var list corev1.ServiceList

	if err := c.list(ctx, &list); err != nil {
		return nil, err
	}

	return list.Items, nil
}

// ListDeployments lists deployments in the namespace.
func (c *Client) ListDeployments(ctx context.Context) ([]appsv1.Deployment, error) {
	var list appsv1.DeploymentList

	if err := c.list(ctx, &list); err != nil {
		return nil, err
	}

	return list.Items, nil
}

// ListConfigMaps lists configmaps in the namespace.
func (c *Client) ListConfigMaps(ctx context.Context) ([]corev1.ConfigMap, error) {
	var list corev1.ConfigMapList

	if err := c.list(ctx, &list); err != nil {
		return nil, err
	}

	return list.Items, nil
}

// ListIngresses lists ingresses in the namespace.
func (c *Client) ListIngresses(ctx context.Context) ([]networkingv1.Ingress, error) {
	var list networkingv1.IngressList

	if err := c.list(ctx, &list); err != nil {
		return nil, err
	}

	return list.Items, nil
}

// ListIngressRoutes lists IngressRoutes as unstructured objects. A cluster
// without the CRD has no IngressRoutes, so that case is an empty result.
func (c *Client) ListIngressRoutes(ctx context.Context) ([]unstructured.Unstructured, error) {
	list := &unstructured.UnstructuredList{}
	list.SetGroupVersionKind(c.ingressRoute.GroupVersion().WithKind(IngressRouteKind + "List"))

	err := c.client.List(ctx, list, client.InNamespace(c.namespace))
	if err != nil {
		if meta.IsNoMatchError(err) || apierrors.IsNotFound(err) {
			slog.Default().Debug("ingressroute CRD not installed", "groupVersion", c.ingressRoute.GroupVersion().String())

			return nil, nil
		}

		return nil, c.observe(ctx, opList, err)
	}

	return list.Items, nil
}

// GetPod reads one pod.
func (c *Client) GetPod(ctx context.Context, name string) (*corev1.Pod, error) {
	var pod corev1.Pod

	if err := c.get(ctx, name, &pod); err != nil {
		return nil, err
	}

	return &pod, nil
}

// GetDeployment reads one deployment including its status.
func (c *Client) GetDeployment(ctx context.Context, name string) (*appsv1.Deployment, error) {
	var deploy appsv1.Deployment

	if err := c.get(ctx, name, &deploy); err != nil {
		return nil, err
	}

	return &deploy, nil
}

// Create creates obj in the namespace.
func (c *Client) Create(ctx context.Context, obj client.Object) error {
	c.scope(obj)

	return c.observe(ctx, opCreate, c.client.Create(ctx, obj))
}

// Replace writes obj over the stored object. obj must carry the resourceVersion
// it was derived from; a stale one yields a conflict.
func (c *Client) Replace(ctx context.Context, obj client.Object) error {
	c.scope(obj)

	return c.observe(ctx, opUpdate, c.client.Update(ctx, obj))
}

// Delete deletes obj.
func (c *Client) Delete(ctx context.Context, obj client.Object) error {
	c.scope(obj)

	return c.observe(ctx, opDelete, c.client.Delete(ctx, obj))
}

// DeletePods deletes every pod matching selector in one collection call.
func (c *Client) DeletePods(ctx context.Context, selector map[string]string) error {
	if len(selector) == 0 {
		return errors.New("refusing to delete pods with an empty selector")
	}

	err := c.client.DeleteAllOf(ctx, &corev1.Pod{},
		client.InNamespace(c.namespace),
		client.MatchingLabels(selector),
	)

	return c.observe(ctx, opDeleteColl, err)
}

func (c *Client) list(ctx context.Context, list client.ObjectList) error {
	err := c.client.List(ctx, list, client.InNamespace(c.namespace))

	return c.observe(ctx, opList, err)
}

func (c *Client) get(ctx context.Context, name string, obj client.Object) error {
	err := c.client.Get(ctx, client.ObjectKey{Namespace: c.namespace, Name: name}, obj)

	return c.observe(ctx, opGet, err)
}

func (c *Client) scope(obj client.Object) {
	if obj.GetNamespace() == "" {
		obj.SetNamespace(c.namespace)
	}
}

// observe records API failures and wraps them. NotFound on reads is common
// and still counted; callers decide whether it matters.
func (c *Client) observe(ctx context.Context, operation string, err error) error {
	if err == nil {
		return nil
	}

	c.metrics.RecordAPIError(ctx, operation, metrics.ClassifyAPIError(err))

	return errors.Wrapf(err, "kubernetes %s failed", operation)
}
