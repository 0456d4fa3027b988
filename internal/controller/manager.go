package controller

import (
	"context"

	"github.com/cockroachdb/errors"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/cache"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
	"sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/lexfrei/header-routing-controller/internal/config"
	"github.com/lexfrei/header-routing-controller/internal/kube"
	"github.com/lexfrei/header-routing-controller/internal/metrics"
	"github.com/lexfrei/header-routing-controller/internal/routing"
)

// Config holds all configuration options for the controller manager.
// Values are typically populated from CLI flags or environment variables.
type Config struct {
	// Options configures the routing reconciler itself.
	Options config.Options

	// MetricsAddr is the address for the Prometheus metrics endpoint.
	MetricsAddr string

	// HealthAddr is the address for health and readiness probe endpoints.
	HealthAddr string

	// LeaderElect enables leader election for high availability.
	// Required when running multiple replicas.
	LeaderElect bool

	// LeaderElectNS is the namespace for the leader election lease.
	// Defaults to the routed namespace.
	LeaderElectNS string

	// LeaderElectName is the name of the leader election lease.
	LeaderElectName string
}

// Run initializes and starts the controller manager with the provided configuration.
// It blocks until the context is cancelled or an error occurs.
//
// The function performs the following steps:
//  1. Initializes controller-runtime manager scoped to the routed namespace
//  2. Creates an uncached client for snapshots and writes
//  3. Wires the informer-backed watcher into the routing manager
//  4. Registers health and readiness checks
//  5. Starts the manager and blocks until shutdown
//
//nolint:funlen,noinlineerr // controller setup requires multiple steps
func Run(ctx context.Context, cfg *Config) error {
	logger := log.FromContext(ctx).WithName("manager")
	logger.Info("initializing controller manager", "namespace", cfg.Options.Namespace)

	opts := cfg.Options.WithDefaults()
	if err := opts.Validate(); err != nil {
		return errors.Wrap(err, "invalid options")
	}

	ingressRouteGV, err := opts.IngressRouteGroupVersion()
	if err != nil {
		return err
	}

	mgrOptions := ctrl.Options{
		Cache: cache.Options{
			DefaultNamespaces: map[string]cache.Config{opts.Namespace: {}},
		},
		Metrics: server.Options{
			BindAddress: cfg.MetricsAddr,
		},
		HealthProbeBindAddress: cfg.HealthAddr,
	}

	if cfg.LeaderElect {
		leaseNS := cfg.LeaderElectNS
		if leaseNS == "" {
			leaseNS = opts.Namespace
		}

		mgrOptions.LeaderElection = true
		mgrOptions.LeaderElectionID = cfg.LeaderElectName
		mgrOptions.LeaderElectionNamespace = leaseNS

		logger.Info("leader election enabled",
			"id", cfg.LeaderElectName,
			"namespace", leaseNS,
		)
	}

	logger.Info("creating ctrl.Manager")

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), mgrOptions)
	if err != nil {
		return errors.Wrap(err, "failed to create manager")
	}

	// Snapshots must observe the writes of the previous pass, so reads bypass the cache.
	direct, err := client.New(mgr.GetConfig(), client.Options{
		Scheme: mgr.GetScheme(),
		Mapper: mgr.GetRESTMapper(),
	})
	if err != nil {
		return errors.Wrap(err, "failed to create kubernetes client")
	}

	collector := metrics.NewCollector(ctrlmetrics.Registry)

	cluster := kube.NewClient(direct, opts.Namespace, ingressRouteGV, collector)
	watcher := kube.NewWatcher(mgr.GetCache(), ingressRouteGV)

	reconciler := routing.NewReconciler(cluster, opts, collector)
	routingManager := routing.NewManager(reconciler, watcher, opts, collector)

	if err := mgr.Add(routingManager); err != nil {
		return errors.Wrap(err, "failed to add routing manager")
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		return errors.Wrap(err, "failed to set up health check")
	}

	if err := mgr.AddReadyzCheck("readyz", routingManager.ReadyCheck); err != nil {
		return errors.Wrap(err, "failed to set up ready check")
	}

	logger.Info("starting manager",
		"envoyImage", opts.EnvoyImage,
		"ingressRouteAPIVersion", opts.IngressRouteAPIVersion,
	)

	if err := mgr.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start manager")
	}

	return nil
}
