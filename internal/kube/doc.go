// Package kube adapts controller-runtime clients and caches to the cluster
// interfaces of the routing package.
package kube
