package routing

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/lexfrei/header-routing-controller/internal/config"
	"github.com/lexfrei/header-routing-controller/internal/metrics"
)

// errNotReady is returned by ReadyCheck until the first pass finished.
var errNotReady = errors.New("no reconciliation pass has completed yet")

// EventHandler receives watch events. It must not block.
type EventHandler func(eventType watch.EventType, obj metav1.Object)

// Watcher streams namespace changes to handlers. Reconnects and backoff are
// the implementation's concern; the Watch calls only register the handler.
type Watcher interface {
	WatchPods(ctx context.Context, handler EventHandler) error
	WatchIngresses(ctx context.Context, handler EventHandler) error
	WatchIngressRoutes(ctx context.Context, handler EventHandler) error
}

// PassFunc runs one reconciliation pass.
type PassFunc func(ctx context.Context) *Result

// ManagerOptions holds the control loop timing.
type ManagerOptions struct {
	// Debounce is the quiet period after the last event before a pass starts.
	Debounce time.Duration

	// MaxRefreshDelay forces a pass under continuous churn and is also the
	// retry delay after a failed or deferred pass.
	MaxRefreshDelay time.Duration
}

// Manager is the control loop. It owns the debouncer and runs exactly one
// reconciliation at a time, each started by a debounce signal.
//
// Manager implements manager.Runnable.
type Manager struct {
	pass      PassFunc
	watcher   Watcher
	debouncer *Debouncer
	metrics   metrics.Collector
	retry     time.Duration

	mu   sync.RWMutex
	last *Result

	ready atomic.Bool
}

// NewManager creates a Manager around reconciler.
func NewManager(reconciler *Reconciler, watcher Watcher, opts config.Options, collector metrics.Collector) *Manager {
	opts = opts.WithDefaults()

	return NewManagerWithPass(reconciler.Reconcile, watcher, ManagerOptions{
		Debounce:        opts.Debounce,
		MaxRefreshDelay: opts.MaxRefreshDelay,
	}, collector)
}

// NewManagerWithPass creates a Manager that runs pass on every signal.
func NewManagerWithPass(pass PassFunc, watcher Watcher, opts ManagerOptions, collector metrics.Collector) *Manager {
	if opts.Debounce <= 0 {
		opts.Debounce = config.DefaultDebounce
	}

	if opts.MaxRefreshDelay <= 0 {
		opts.MaxRefreshDelay = config.DefaultMaxRefreshDelay
	}

	return &Manager{
		pass:      pass,
		watcher:   watcher,
		debouncer: NewDebouncer(opts.Debounce, opts.MaxRefreshDelay),
		metrics:   collector,
		retry:     opts.MaxRefreshDelay,
	}
}

// Start runs the loop until ctx is cancelled.
//
//nolint:funlen // control loop with startup registration
func (m *Manager) Start(ctx context.Context) error {
	logger := slog.Default().With("component", "routing-manager")

	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg.Go(func() {
		m.debouncer.Run(ctx)
	})

	err := m.watcher.WatchPods(ctx, m.HandlePodEvent)
	if err != nil {
		return errors.Wrap(err, "failed to watch pods")
	}

	err = m.watcher.WatchIngresses(ctx, m.HandleIngressEvent)
	if err != nil {
		return errors.Wrap(err, "failed to watch ingresses")
	}

	err = m.watcher.WatchIngressRoutes(ctx, m.HandleIngressEvent)
	if err != nil {
		logger.Warn("ingressroute watch unavailable, changes to ingressroutes are picked up on other events",
			"error", err)
	}

	logger.Info("routing manager started")

	retry := time.NewTimer(m.retry)
	retry.Stop()

	defer retry.Stop()

	run := func(reason string) {
		m.metrics.RecordRefreshSignal(ctx, reason)

		result := m.runPass(ctx)
		if result.Outcome == OutcomeCancelled {
			return
		}

		if result.Outcome == OutcomeFailed || result.Deferred {
			logger.Info("scheduling retry", "after", m.retry, "cycle", result.CycleID)
			retry.Reset(m.retry)
		}
	}

	run("startup")

	for {
		select {
		case <-ctx.Done():
			logger.Info("routing manager stopping")

			return nil
		case reason := <-m.debouncer.Signals():
			retry.Stop()
			run(string(reason))
		case <-retry.C:
			run("retry")
		}
	}
}

func (m *Manager) runPass(ctx context.Context) *Result {
	result := m.pass(ctx)
	if result.Outcome == OutcomeCancelled {
		return result
	}

	m.mu.Lock()
	m.last = result.Clone()
	m.mu.Unlock()

	m.ready.Store(true)

	return result
}

// LastResult returns a copy of the last completed pass, or nil.
func (m *Manager) LastResult() *Result {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.last.Clone()
}

// LastStatus returns a copy of the per-entity status of the last completed pass.
func (m *Manager) LastStatus() Status {
	result := m.LastResult()
	if result == nil {
		return Status{}
	}

	return result.Status
}

// ReadyCheck is a healthz.Checker that passes once a pass has completed.
func (m *Manager) ReadyCheck(_ *http.Request) error {
	if !m.ready.Load() {
		return errNotReady
	}

	return nil
}

// HandlePodEvent signals a refresh for trigger pods only.
func (m *Manager) HandlePodEvent(_ watch.EventType, obj metav1.Object) {
	if obj == nil || !IsTriggerPod(obj.GetLabels(), obj.GetAnnotations()) {
		return
	}

	m.debouncer.Notify()
}

// HandleIngressEvent signals a refresh for user ingresses and ingressroutes,
// ignoring the clones this controller writes.
func (m *Manager) HandleIngressEvent(_ watch.EventType, obj metav1.Object) {
	if obj == nil || IsGenerated(obj.GetLabels()) {
		return
	}

	m.debouncer.Notify()
}
