package kube

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	toolscache "k8s.io/client-go/tools/cache"
	"sigs.k8s.io/controller-runtime/pkg/cache/informertest"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllertest"
)

type recordedEvent struct {
	eventType watch.EventType
	name      string
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *eventRecorder) handle(eventType watch.EventType, obj metav1.Object) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, recordedEvent{eventType: eventType, name: obj.GetName()})
}

func (r *eventRecorder) recorded() []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]recordedEvent(nil), r.events...)
}

func TestWatcherDispatchesPodEvents(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	informers := &informertest.FakeInformers{Scheme: testScheme(t)}
	watcher := NewWatcher(informers, traefikGV)
	recorder := &eventRecorder{}

	require.NoError(t, watcher.WatchPods(ctx, recorder.handle))

	informer, err := informers.GetInformer(ctx, &corev1.Pod{})
	require.NoError(t, err)

	fakeInformer, ok := informer.(*controllertest.FakeInformer)
	require.True(t, ok)

	oldPod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "dev-old"}}
	newPod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "dev-new"}}

	fakeInformer.Add(newPod)
	fakeInformer.Update(oldPod, newPod)
	fakeInformer.Delete(newPod)

	assert.Equal(t, []recordedEvent{
		{eventType: watch.Added, name: "dev-new"},
		{eventType: watch.Modified, name: "dev-old"},
		{eventType: watch.Modified, name: "dev-new"},
		{eventType: watch.Deleted, name: "dev-new"},
	}, recorder.recorded())
}

func TestWatcherRecoversHandlerPanic(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	informers := &informertest.FakeInformers{Scheme: testScheme(t)}
	watcher := NewWatcher(informers, traefikGV)

	calls := 0
	handler := func(watch.EventType, metav1.Object) {
		calls++

		panic("boom")
	}

	require.NoError(t, watcher.WatchIngresses(ctx, handler))

	informer, err := informers.GetInformer(ctx, &networkingv1.Ingress{})
	require.NoError(t, err)

	fakeInformer, ok := informer.(*controllertest.FakeInformer)
	require.True(t, ok)

	assert.NotPanics(t, func() {
		fakeInformer.Add(&networkingv1.Ingress{ObjectMeta: metav1.ObjectMeta{Name: "shop"}})
		fakeInformer.Add(&networkingv1.Ingress{ObjectMeta: metav1.ObjectMeta{Name: "blog"}})
	})
	assert.Equal(t, 2, calls)
}

func TestDispatchUnwrapsTombstone(t *testing.T) {
	t.Parallel()

	recorder := &eventRecorder{}
	pod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "dev"}}

	dispatch(slog.Default(), recorder.handle, watch.Deleted, toolscache.DeletedFinalStateUnknown{Key: "ns/dev", Obj: pod})
	dispatch(slog.Default(), recorder.handle, watch.Deleted, "not an object")

	assert.Equal(t, []recordedEvent{{eventType: watch.Deleted, name: "dev"}}, recorder.recorded())
}
