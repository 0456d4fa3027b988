// Package routing implements header-based traffic interception for one namespace.
//
// A developer marks a pod with the route-from label and the route-on-header
// annotation. The controller then puts an Envoy deployment in front of the
// target Service: requests carrying the header value (or addressed to the
// header-value prefixed host of a cloned Ingress or IngressRoute) go to the
// developer pod, everything else goes to a cloned Service that still selects
// the original pods.
//
// # Reconciliation pass
//
// Each pass works on one frozen Snapshot of the namespace:
//
//  1. TriggerCollector discovers pod, ingress, ingressroute and load-balancer
//     triggers concurrently and aggregates them into a ReconciliationInput.
//  2. DesiredStateBuilder derives the generated objects and checks their counts.
//  3. Applier runs a sorted merge-diff per kind against the generated objects
//     that exist.
//  4. Envoy pods whose configuration changed are restarted.
//  5. Target Services with a ready Envoy deployment are cut over.
//  6. Redirected Services no longer backed by a desired Envoy deployment get
//     their original selector back.
//
// # Control loop
//
// Manager feeds filtered watch events into a Debouncer and runs one pass per
// signal. Passes never overlap; write conflicts are deferred to a retry.
package routing
