package routing

import (
	"slices"
	"strings"

	corev1 "k8s.io/api/core/v1"
)

// RouteHeader is the HTTP header name/value pair that selects a developer's traffic.
type RouteHeader struct {
	Name  string
	Value string
}

// IsZero reports whether no header is set.
func (h RouteHeader) IsZero() bool {
	return h.Name == "" && h.Value == ""
}

// TriggerEntity is the part shared by every trigger kind.
type TriggerEntity struct {
	EntityName    string
	Namespace     string
	TargetService string
	RouteOnHeader RouteHeader
	CorrelationID string
}

// PodTrigger is a developer pod asking for header-routed traffic of TargetService.
type PodTrigger struct {
	TriggerEntity

	PodIP string
}

// HTTPProbes are the HTTP probes copied from a workload pod onto the Envoy container.
type HTTPProbes struct {
	Liveness  *corev1.Probe
	Readiness *corev1.Probe
}

// IngressTrigger is one (ingress, host, service) tuple that needs a cloned host.
type IngressTrigger struct {
	TriggerEntity

	IngressName string
	Host        string
	ServicePort int32
	IsAGIC      bool
	Probes      *HTTPProbes
}

// IngressRouteTrigger is the IngressRoute counterpart of IngressTrigger.
type IngressRouteTrigger struct {
	TriggerEntity

	IngressRouteName string
	RouteHost        string
	ServicePort      int32
}

// LoadBalancerTrigger marks a LoadBalancer Service. IsIngressController is informational.
type LoadBalancerTrigger struct {
	TriggerEntity

	IsIngressController bool
}

// PortMapping is a Service port with its target port resolved to a number.
// TargetPortName keeps the container port name a named targetPort refers to,
// so the Envoy pods expose it once the Service selects them.
type PortMapping struct {
	Name           string
	Port           int32
	TargetPort     int32
	TargetPortName string
	Protocol       corev1.Protocol
}

// ServiceTriggers holds every trigger that targets one Service.
type ServiceTriggers struct {
	Service          *corev1.Service
	OriginalSelector map[string]string
	Ports            []PortMapping

	Pods          []PodTrigger
	Ingresses     []IngressTrigger
	IngressRoutes []IngressRouteTrigger
	LoadBalancer  *LoadBalancerTrigger
}

// ReconciliationInput maps a target Service name to its triggers. It is rebuilt every pass.
type ReconciliationInput map[string]*ServiceTriggers

// SortedServices returns the service names in input order-independent form.
func (in ReconciliationInput) SortedServices() []string {
	names := make([]string, 0, len(in))
	for name := range in {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}

// PodOwners returns the entity names of the pod triggers.
func (st *ServiceTriggers) PodOwners() []string {
	owners := make([]string, 0, len(st.Pods))
	for _, pod := range st.Pods {
		owners = append(owners, pod.EntityName)
	}

	return owners
}

// HeaderValues returns the distinct header values across pod triggers, sorted.
func (st *ServiceTriggers) HeaderValues() []string {
	values := make([]string, 0, len(st.Pods))
	for _, pod := range st.Pods {
		values = append(values, pod.RouteOnHeader.Value)
	}

	slices.Sort(values)

	return slices.Compact(values)
}

// OwnersForValue returns the pod trigger names routing on headerValue.
func (st *ServiceTriggers) OwnersForValue(headerValue string) []string {
	var owners []string

	for _, pod := range st.Pods {
		if pod.RouteOnHeader.Value == headerValue {
			owners = append(owners, pod.EntityName)
		}
	}

	return owners
}

// EntityNames returns all pod, ingress and IngressRoute trigger names of the service.
func (st *ServiceTriggers) EntityNames() []string {
	names := st.PodOwners()

	for _, ing := range st.Ingresses {
		names = append(names, ing.IngressName)
	}

	for _, route := range st.IngressRoutes {
		names = append(names, route.IngressRouteName)
	}

	slices.Sort(names)

	return slices.Compact(names)
}

// parseRouteOnHeader splits "<header>=<value>" into a RouteHeader.
func parseRouteOnHeader(raw string) (RouteHeader, bool) {
	name, value, ok := strings.Cut(strings.TrimSpace(raw), "=")
	if !ok {
		return RouteHeader{}, false
	}

	name = strings.TrimSpace(name)
	value = strings.TrimSpace(value)

	if name == "" || value == "" {
		return RouteHeader{}, false
	}

	return RouteHeader{Name: strings.ToLower(name), Value: value}, true
}
