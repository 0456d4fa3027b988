package kube

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
	toolscache "k8s.io/client-go/tools/cache"
	ctrlcache "sigs.k8s.io/controller-runtime/pkg/cache"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/lexfrei/header-routing-controller/internal/routing"
)

// InformerSource is the part of a controller-runtime cache the Watcher needs.
type InformerSource interface {
	GetInformer(ctx context.Context, obj client.Object, opts ...ctrlcache.InformerGetOption) (ctrlcache.Informer, error)
}

// Watcher implements routing.Watcher with shared informers. The informers'
// reflectors own relisting, reconnects and backoff.
type Watcher struct {
	informers    InformerSource
	ingressRoute schema.GroupVersionKind
}

// NewWatcher creates a Watcher over informers, which is usually the manager cache
// restricted to the managed namespace.
func NewWatcher(informers InformerSource, ingressRouteGV schema.GroupVersion) *Watcher {
	return &Watcher{
		informers:    informers,
		ingressRoute: ingressRouteGV.WithKind(IngressRouteKind),
	}
}

// WatchPods registers handler for pod events.
func (w *Watcher) WatchPods(ctx context.Context, handler routing.EventHandler) error {
	return w.watch(ctx, "pods", &corev1.Pod{}, handler)
}

// WatchIngresses registers handler for ingress events.
func (w *Watcher) WatchIngresses(ctx context.Context, handler routing.EventHandler) error {
	return w.watch(ctx, "ingresses", &networkingv1.Ingress{}, handler)
}

// WatchIngressRoutes registers handler for IngressRoute events. It fails when
// the CRD is not installed.
func (w *Watcher) WatchIngressRoutes(ctx context.Context, handler routing.EventHandler) error {
	obj := &unstructured.Unstructured{}
	obj.SetGroupVersionKind(w.ingressRoute)

	return w.watch(ctx, "ingressroutes", obj, handler)
}

func (w *Watcher) watch(ctx context.Context, resource string, obj client.Object, handler routing.EventHandler) error {
	logger := slog.Default().With("component", "watcher", "resource", resource)

	informer, err := w.informers.GetInformer(ctx, obj)
	if err != nil {
		return errors.Wrapf(err, "failed to get %s informer", resource)
	}

	registration, err := informer.AddEventHandler(toolscache.ResourceEventHandlerFuncs{
		AddFunc: func(obj any) {
			dispatch(logger, handler, watch.Added, obj)
		},
		UpdateFunc: func(oldObj, newObj any) {
			// Both sides: a pod that just lost its trigger label still matters.
			dispatch(logger, handler, watch.Modified, oldObj)
			dispatch(logger, handler, watch.Modified, newObj)
		},
		DeleteFunc: func(obj any) {
			dispatch(logger, handler, watch.Deleted, obj)
		},
	})
	if err != nil {
		return errors.Wrapf(err, "failed to register %s handler", resource)
	}

	go func() {
		<-ctx.Done()

		if removeErr := informer.RemoveEventHandler(registration); removeErr != nil {
			logger.Debug("failed to remove event handler", "error", removeErr)
		}
	}()

	logger.Info("watch registered")

	return nil
}

// dispatch unwraps tombstones and shields the informer from handler panics.
func dispatch(logger *slog.Logger, handler routing.EventHandler, eventType watch.EventType, obj any) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("watch handler panicked", "event", eventType, "panic", r)
		}
	}()

	if tombstone, ok := obj.(toolscache.DeletedFinalStateUnknown); ok {
		obj = tombstone.Obj
	}

	object, ok := obj.(metav1.Object)
	if !ok {
		logger.Warn("unexpected object in watch event", "event", eventType)

		return
	}

	handler(eventType, object)
}
