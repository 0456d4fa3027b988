package routing_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/intstr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	"github.com/lexfrei/header-routing-controller/internal/config"
	"github.com/lexfrei/header-routing-controller/internal/kube"
	"github.com/lexfrei/header-routing-controller/internal/metrics"
	"github.com/lexfrei/header-routing-controller/internal/routing"
)

const (
	testNamespace = "dev"
	devHeader     = "x-dev"
)

//nolint:gochecknoglobals // test fixture
var traefikGV = schema.GroupVersion{Group: "traefik.io", Version: "v1alpha1"}

func testScheme(t *testing.T) *runtime.Scheme {
	t.Helper()

	scheme := runtime.NewScheme()
	require.NoError(t, corev1.AddToScheme(scheme))
	require.NoError(t, appsv1.AddToScheme(scheme))
	require.NoError(t, networkingv1.AddToScheme(scheme))

	scheme.AddKnownTypeWithName(traefikGV.WithKind(kube.IngressRouteKind), &unstructured.Unstructured{})
	scheme.AddKnownTypeWithName(traefikGV.WithKind(kube.IngressRouteKind+"List"), &unstructured.UnstructuredList{})

	return scheme
}

func testOptions() config.Options {
	opts := config.Defaults(testNamespace)
	opts.ReadinessTimeout = 300 * time.Millisecond
	opts.PodIPTimeout = 300 * time.Millisecond

	return opts
}

func webService() *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: testNamespace},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{"app": "web"},
			Ports: []corev1.ServicePort{
				{Name: "http", Port: 80, TargetPort: intstr.FromString("http"), Protocol: corev1.ProtocolTCP},
			},
		},
	}
}

func webPod() *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "web-1",
			Namespace: testNamespace,
			Labels:    map[string]string{"app": "web"},
		},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{{
				Name:  "web",
				Image: "example/web:1",
				Ports: []corev1.ContainerPort{{Name: "http", ContainerPort: 8080}},
			}},
		},
		Status: corev1.PodStatus{PodIP: "10.0.0.1"},
	}
}

func devPod(name, value, podIP string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   testNamespace,
			Labels:      map[string]string{routing.LabelRouteFrom: "web"},
			Annotations: map[string]string{routing.AnnotationRouteOnHeader: devHeader + "=" + value},
		},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{{
				Name:  "web",
				Image: "example/web:dev",
				Ports: []corev1.ContainerPort{{Name: "http", ContainerPort: 8080}},
			}},
		},
		Status: corev1.PodStatus{PodIP: podIP},
	}
}

func shopIngress() *networkingv1.Ingress {
	prefix := networkingv1.PathTypePrefix

	backend := networkingv1.IngressBackend{
		Service: &networkingv1.IngressServiceBackend{
			Name: "web",
			Port: networkingv1.ServiceBackendPort{Number: 80},
		},
	}

	return &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "shop",
			Namespace: testNamespace,
			Annotations: map[string]string{
				"cert-manager.io/cluster-issuer": "letsencrypt",
			},
		},
		Spec: networkingv1.IngressSpec{
			TLS: []networkingv1.IngressTLS{
				{Hosts: []string{"shop.example.com", "*.example.com"}, SecretName: "shop-tls"},
			},
			Rules: []networkingv1.IngressRule{
				{
					Host: "shop.example.com",
					IngressRuleValue: networkingv1.IngressRuleValue{HTTP: &networkingv1.HTTPIngressRuleValue{
						Paths: []networkingv1.HTTPIngressPath{
							{Path: "/.well-known/acme-challenge/token", PathType: &prefix, Backend: backend},
							{Path: "/", PathType: &prefix, Backend: backend},
						},
					}},
				},
				{
					Host: "*.example.com",
					IngressRuleValue: networkingv1.IngressRuleValue{HTTP: &networkingv1.HTTPIngressRuleValue{
						Paths: []networkingv1.HTTPIngressPath{{Path: "/", PathType: &prefix, Backend: backend}},
					}},
				},
			},
		},
	}
}

func shopIngressRoute() *unstructured.Unstructured {
	route := &unstructured.Unstructured{Object: map[string]any{
		"spec": map[string]any{
			"routes": []any{
				map[string]any{
					"kind":  "Rule",
					"match": "Host(`shop.example.com`) && PathPrefix(`/`)",
					"services": []any{
						map[string]any{"name": "web", "port": int64(80)},
					},
				},
			},
		},
	}}
	route.SetGroupVersionKind(traefikGV.WithKind(kube.IngressRouteKind))
	route.SetName("shop-route")
	route.SetNamespace(testNamespace)

	return route
}

// harness is a fake cluster with write counting, optional Envoy readiness and
// injectable Service update conflicts.
type harness struct {
	client  client.WithWatch
	cluster *kube.Client

	writes       atomic.Int32
	envoyReady   atomic.Bool
	conflictOnce atomic.Pointer[string]

	// sent holds the last object passed to Update, by name.
	sent sync.Map
}

func newHarness(t *testing.T, objs ...client.Object) *harness {
	t.Helper()

	h := &harness{}
	h.envoyReady.Store(true)

	h.client = fake.NewClientBuilder().
		WithScheme(testScheme(t)).
		WithObjects(objs...).
		WithInterceptorFuncs(interceptor.Funcs{
			Get: func(ctx context.Context, c client.WithWatch, key client.ObjectKey, obj client.Object, opts ...client.GetOption) error {
				if err := c.Get(ctx, key, obj, opts...); err != nil {
					return err
				}

				if deploy, ok := obj.(*appsv1.Deployment); ok && h.envoyReady.Load() && deploy.Spec.Replicas != nil {
					deploy.Status.ReadyReplicas = *deploy.Spec.Replicas
				}

				return nil
			},
			Create: func(ctx context.Context, c client.WithWatch, obj client.Object, opts ...client.CreateOption) error {
				h.writes.Add(1)

				return c.Create(ctx, obj, opts...)
			},
			Update: func(ctx context.Context, c client.WithWatch, obj client.Object, opts ...client.UpdateOption) error {
				h.writes.Add(1)
				h.sent.Store(obj.GetName(), obj.DeepCopyObject())

				if name := h.conflictOnce.Load(); name != nil && obj.GetName() == *name {
					if h.conflictOnce.CompareAndSwap(name, nil) {
						return apiConflict(obj.GetName())
					}
				}

				return c.Update(ctx, obj, opts...)
			},
			Delete: func(ctx context.Context, c client.WithWatch, obj client.Object, opts ...client.DeleteOption) error {
				h.writes.Add(1)

				return c.Delete(ctx, obj, opts...)
			},
			DeleteAllOf: func(ctx context.Context, c client.WithWatch, obj client.Object, opts ...client.DeleteAllOfOption) error {
				h.writes.Add(1)

				return c.DeleteAllOf(ctx, obj, opts...)
			},
		}).
		Build()

	h.cluster = kube.NewClient(h.client, testNamespace, traefikGV, metrics.NewNoopCollector())

	return h
}

func (h *harness) reconciler() *routing.Reconciler {
	return routing.NewReconciler(h.cluster, testOptions(), metrics.NewNoopCollector())
}

func (h *harness) service(t *testing.T, name string) *corev1.Service {
	t.Helper()

	svc := &corev1.Service{}
	require.NoError(t, h.client.Get(context.Background(), client.ObjectKey{Namespace: testNamespace, Name: name}, svc))

	return svc
}

func (h *harness) exists(t *testing.T, obj client.Object, name string) bool {
	t.Helper()

	err := h.client.Get(context.Background(), client.ObjectKey{Namespace: testNamespace, Name: name}, obj)

	return err == nil
}

// lastUpdate returns the object most recently sent in an Update for name.
func (h *harness) lastUpdate(t *testing.T, name string) client.Object {
	t.Helper()

	value, ok := h.sent.Load(name)
	require.True(t, ok, "no update sent for %s", name)

	obj, ok := value.(client.Object)
	require.True(t, ok)

	return obj
}

func apiConflict(name string) error {
	return apierrors.NewConflict(schema.GroupResource{Resource: "services"}, name,
		errors.New("the object has been modified"))
}
