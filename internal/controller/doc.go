// Package controller wires the header routing reconciler into a
// controller-runtime manager.
//
// The manager owns the namespace-scoped informer cache, the metrics and
// health endpoints, and leader election. The routing loop itself runs as a
// single manager Runnable:
//
//	Pods, Ingresses, IngressRoutes ──watch──> debouncer ──signal──> reconcile pass
//	                                                                     │
//	                       uncached client <──── snapshot, apply, cut-over
//
// # Configuration
//
// The manager is configured via the Config struct which accepts settings
// from CLI flags or environment variables (ROUTING_* prefix).
//
// # Leader Election
//
// When running multiple replicas, enable leader election via the
// --leader-elect flag so that only one replica mutates the namespace.
package controller
