package routing

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/samber/lo"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/intstr"
)

var (
	hostMatcherPattern = regexp.MustCompile("Host\\(([^)]*)\\)")
	hostLiteralPattern = regexp.MustCompile("[`\"]([^`\"]*)[`\"]")
)

func (c *TriggerCollector) collectIngressRoutes(ctx context.Context, snap *Snapshot, emit emitFunc) error {
	logger := slog.Default().With("component", "trigger-collector", "kind", "ingressroute")

	for i := range snap.IngressRoutes {
		route := &snap.IngressRoutes[i]
		if IsGenerated(route.GetLabels()) {
			continue
		}

		for _, trigger := range ingressRouteTriggers(logger, snap, route) {
			err := emit(ctx, discovery{service: trigger.TargetService, ingressRoute: &trigger})
			if err != nil {
				return err
			}
		}
	}

	return nil
}

// ingressRouteTriggers yields one trigger per (route, host, service). Hosts come
// from Host(...) matchers of each route or from spec.virtualhost.fqdn.
func ingressRouteTriggers(logger *slog.Logger, snap *Snapshot, route *unstructured.Unstructured) []IngressRouteTrigger {
	fqdn := nestedString(route.Object, "spec", "virtualhost", "fqdn")
	seen := make(map[hostService]bool)

	var triggers []IngressRouteTrigger

	for _, entry := range nestedMaps(route.Object, "spec", "routes") {
		hosts := parseHostMatchers(nestedString(entry, "match"))
		if isConcreteHost(fqdn) {
			hosts = append(hosts, fqdn)
		}

		hosts = lo.Filter(hosts, func(host string, _ int) bool { return isConcreteHost(host) })
		if len(hosts) == 0 {
			continue
		}

		for _, backend := range nestedMaps(entry, "services") {
			if kind := nestedString(backend, "kind"); kind != "" && kind != "Service" {
				continue
			}

			svc, found := snap.Service(nestedString(backend, "name"))
			if !found || IsGenerated(svc.Labels) {
				continue
			}

			port, ok := lookupServicePort(svc, ingressRoutePortRef(backend))
			if !ok || !isTCP(port.Protocol) {
				logger.Warn("skipping ingressroute service with unusable port",
					"ingressroute", route.GetName(), "service", svc.Name)

				continue
			}

			for _, host := range hosts {
				key := hostService{host: host, service: svc.Name}
				if seen[key] {
					continue
				}

				seen[key] = true

				triggers = append(triggers, IngressRouteTrigger{
					TriggerEntity: TriggerEntity{
						EntityName:    route.GetName(),
						Namespace:     route.GetNamespace(),
						TargetService: svc.Name,
					},
					IngressRouteName: route.GetName(),
					RouteHost:        host,
					ServicePort:      port.Port,
				})
			}
		}
	}

	return triggers
}

func ingressRoutePortRef(backend map[string]any) intstr.IntOrString {
	value, found, err := unstructured.NestedFieldNoCopy(backend, "port")
	if err != nil || !found {
		return intstr.FromInt32(0)
	}

	switch port := value.(type) {
	case int64:
		return intstr.FromInt32(int32(port)) //nolint:gosec // service ports fit in int32
	case float64:
		return intstr.FromInt32(int32(port)) //nolint:gosec // service ports fit in int32
	case string:
		return intstr.Parse(port)
	default:
		return intstr.FromInt32(0)
	}
}

// parseHostMatchers extracts the host literals of every Host(...) matcher in a
// Traefik rule such as "Host(`a.example.com`) || Host(`b.example.com`)".
func parseHostMatchers(match string) []string {
	var hosts []string

	for _, matcher := range hostMatcherPattern.FindAllStringSubmatch(match, -1) {
		for _, literal := range hostLiteralPattern.FindAllStringSubmatch(matcher[1], -1) {
			hosts = append(hosts, strings.TrimSpace(literal[1]))
		}
	}

	return hosts
}

// prefixHostMatchers rewrites every concrete host literal inside Host(...) matchers.
func prefixHostMatchers(match, prefix string) string {
	return hostMatcherPattern.ReplaceAllStringFunc(match, func(matcher string) string {
		return hostLiteralPattern.ReplaceAllStringFunc(matcher, func(literal string) string {
			quote := literal[:1]
			host := literal[1 : len(literal)-1]

			if !isConcreteHost(host) {
				return literal
			}

			return quote + prefix + "." + host + quote
		})
	})
}

func nestedString(obj map[string]any, fields ...string) string {
	if obj == nil {
		return ""
	}

	value, found, err := unstructured.NestedString(obj, fields...)
	if err != nil || !found {
		return ""
	}

	return value
}

// nestedMaps returns the map elements of the slice at fields, skipping anything else.
func nestedMaps(obj map[string]any, fields ...string) []map[string]any {
	if obj == nil {
		return nil
	}

	items, found, err := unstructured.NestedSlice(obj, fields...)
	if err != nil || !found {
		return nil
	}

	return lo.FilterMap(items, func(item any, _ int) (map[string]any, bool) {
		m, ok := item.(map[string]any)

		return m, ok
	})
}

func (c *TriggerCollector) collectLoadBalancers(ctx context.Context, snap *Snapshot, emit emitFunc) error {
	logger := slog.Default().With("component", "trigger-collector", "kind", "loadbalancer")

	for i := range snap.Services {
		svc := &snap.Services[i]
		if svc.Spec.Type != corev1.ServiceTypeLoadBalancer || len(svc.Spec.Selector) == 0 || IsGenerated(svc.Labels) {
			continue
		}

		trigger := &LoadBalancerTrigger{
			TriggerEntity: TriggerEntity{
				EntityName:    svc.Name,
				Namespace:     svc.Namespace,
				TargetService: svc.Name,
			},
			IsIngressController: c.isIngressController(snap, svc),
		}

		logger.Debug("found load balancer trigger",
			"service", svc.Name, "ingressController", trigger.IsIngressController)

		if err := emit(ctx, discovery{service: svc.Name, loadBalancer: trigger}); err != nil {
			return err
		}
	}

	return nil
}

func (c *TriggerCollector) isIngressController(snap *Snapshot, svc *corev1.Service) bool {
	selector, err := OriginalSelector(svc)
	if err != nil {
		return false
	}

	pod := findBackingPod(snap, selector)
	if pod == nil {
		return false
	}

	return lo.SomeBy(pod.Spec.Containers, func(container corev1.Container) bool {
		return lo.SomeBy(c.opts.IngressControllerImages, func(name string) bool {
			return strings.Contains(container.Image, name)
		})
	})
}
