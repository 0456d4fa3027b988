package routing_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/lexfrei/header-routing-controller/internal/metrics"
	"github.com/lexfrei/header-routing-controller/internal/routing"
)

type stubWatcher struct {
	mu            sync.Mutex
	pods          routing.EventHandler
	ingresses     routing.EventHandler
	ingressRoutes error
}

func (w *stubWatcher) WatchPods(_ context.Context, handler routing.EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pods = handler

	return nil
}

func (w *stubWatcher) WatchIngresses(_ context.Context, handler routing.EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.ingresses = handler

	return nil
}

func (w *stubWatcher) WatchIngressRoutes(_ context.Context, _ routing.EventHandler) error {
	return w.ingressRoutes
}

func (w *stubWatcher) podHandler() routing.EventHandler {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.pods
}

func newTestManager(h *harness, watcher routing.Watcher) *routing.Manager {
	opts := testOptions()
	opts.Debounce = 20 * time.Millisecond
	opts.MaxRefreshDelay = 200 * time.Millisecond

	return routing.NewManager(h.reconciler(), watcher, opts, metrics.NewNoopCollector())
}

func TestManagerRunsStartupPassAndReacts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, webService(), webPod(), devPod("dev-alice", "alice", "10.0.0.9"))
	watcher := &stubWatcher{ingressRoutes: errors.New("no matches for kind IngressRoute")}
	manager := newTestManager(h, watcher)

	require.Error(t, manager.ReadyCheck(nil))
	assert.Nil(t, manager.LastResult())
	assert.Empty(t, manager.LastStatus())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- manager.Start(ctx)
	}()

	require.Eventually(t, func() bool {
		return manager.ReadyCheck(nil) == nil
	}, 5*time.Second, 10*time.Millisecond)

	first := manager.LastResult()
	require.NotNil(t, first)
	assert.Equal(t, routing.Status{"dev-alice": ""}, manager.LastStatus())

	bob := devPod("dev-bob", "bob", "10.0.0.10")
	require.NoError(t, h.client.Create(context.Background(), bob))

	handler := watcher.podHandler()
	require.NotNil(t, handler)
	handler(watch.Added, bob)

	require.Eventually(t, func() bool {
		return manager.LastStatus()["dev-bob"] == "" && len(manager.LastStatus()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	assert.NotEqual(t, first.CycleID, manager.LastResult().CycleID)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not stop")
	}
}

func TestManagerLastStatusIsACopy(t *testing.T) {
	t.Parallel()

	h := newHarness(t, webService(), webPod(), devPod("dev-alice", "alice", "10.0.0.9"))
	manager := newTestManager(h, &stubWatcher{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = manager.Start(ctx)
	}()

	require.Eventually(t, func() bool {
		return manager.ReadyCheck(nil) == nil
	}, 5*time.Second, 10*time.Millisecond)

	status := manager.LastStatus()
	status["dev-alice"] = "tampered"

	assert.Empty(t, manager.LastStatus()["dev-alice"])
}

func TestManagerEventFilters(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		obj    metav1.Object
		ingest func(*routing.Manager, watch.EventType, metav1.Object)
		signal bool
	}{
		{
			name:   "trigger pod",
			obj:    devPod("dev-alice", "alice", ""),
			ingest: (*routing.Manager).HandlePodEvent,
			signal: true,
		},
		{
			name: "pod without annotation",
			obj: &corev1.Pod{ObjectMeta: metav1.ObjectMeta{
				Name:   "web-1",
				Labels: map[string]string{routing.LabelRouteFrom: "web"},
			}},
			ingest: (*routing.Manager).HandlePodEvent,
			signal: false,
		},
		{
			name:   "plain pod",
			obj:    webPod(),
			ingest: (*routing.Manager).HandlePodEvent,
			signal: false,
		},
		{
			name:   "user ingress",
			obj:    shopIngress(),
			ingest: (*routing.Manager).HandleIngressEvent,
			signal: true,
		},
		{
			name: "generated ingress",
			obj: &networkingv1.Ingress{ObjectMeta: metav1.ObjectMeta{
				Name:   "shop-alice-cloned-routing",
				Labels: routing.GeneratedLabels([]string{"dev-alice"}),
			}},
			ingest: (*routing.Manager).HandleIngressEvent,
			signal: false,
		},
		{
			name:   "user ingressroute",
			obj:    shopIngressRoute(),
			ingest: (*routing.Manager).HandleIngressEvent,
			signal: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			counter := &countingReconciles{}
			manager := routing.NewManagerWithPass(counter.pass, &stubWatcher{}, routing.ManagerOptions{
				Debounce:        10 * time.Millisecond,
				MaxRefreshDelay: 100 * time.Millisecond,
			}, metrics.NewNoopCollector())

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			go func() {
				_ = manager.Start(ctx)
			}()

			require.Eventually(t, func() bool { return counter.count() == 1 }, 5*time.Second, 5*time.Millisecond)

			tt.ingest(manager, watch.Modified, tt.obj)

			if tt.signal {
				assert.Eventually(t, func() bool { return counter.count() == 2 }, 5*time.Second, 5*time.Millisecond)
			} else {
				time.Sleep(100 * time.Millisecond)
				assert.Equal(t, 1, counter.count())
			}
		})
	}
}

func TestManagerCollapsesBurstIntoOnePass(t *testing.T) {
	t.Parallel()

	counter := &countingReconciles{}
	manager := routing.NewManagerWithPass(counter.pass, &stubWatcher{}, routing.ManagerOptions{
		Debounce:        100 * time.Millisecond,
		MaxRefreshDelay: 5 * time.Second,
	}, metrics.NewNoopCollector())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = manager.Start(ctx)
	}()

	require.Eventually(t, func() bool { return counter.count() == 1 }, 5*time.Second, 5*time.Millisecond)

	pod := devPod("dev-alice", "alice", "")
	for range 20 {
		manager.HandlePodEvent(watch.Modified, pod)
	}

	require.Eventually(t, func() bool { return counter.count() == 2 }, 5*time.Second, 5*time.Millisecond)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 2, counter.count())
}

func TestManagerRetriesDeferredPass(t *testing.T) {
	t.Parallel()

	counter := &countingReconciles{deferFirst: true}
	manager := routing.NewManagerWithPass(counter.pass, &stubWatcher{}, routing.ManagerOptions{
		Debounce:        10 * time.Millisecond,
		MaxRefreshDelay: 50 * time.Millisecond,
	}, metrics.NewNoopCollector())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = manager.Start(ctx)
	}()

	require.Eventually(t, func() bool { return counter.count() == 2 }, 5*time.Second, 5*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 2, counter.count(), "a clean pass must not schedule another retry")
}

type countingReconciles struct {
	mu         sync.Mutex
	calls      int
	deferFirst bool
}

func (c *countingReconciles) pass(context.Context) *routing.Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls++

	return &routing.Result{
		CycleID:  time.Now().String(),
		Outcome:  routing.OutcomeSucceeded,
		Status:   routing.Status{},
		Deferred: c.deferFirst && c.calls == 1,
	}
}

func (c *countingReconciles) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.calls
}
