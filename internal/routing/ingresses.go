package routing

import (
	"context"
	"log/slog"
	"strings"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
)

const (
	acmeChallengePathPrefix = "/.well-known/acme-challenge"

	agicIngressClass              = "azure/application-gateway"
	ingressClassAnnotation        = "kubernetes.io/ingress.class"
	agicBackendHostnameAnnotation = "appgw.ingress.kubernetes.io/backend-hostname"

	certManagerIssuerAnnotation        = "cert-manager.io/issuer"
	certManagerClusterIssuerAnnotation = "cert-manager.io/cluster-issuer"
)

type hostService struct {
	host    string
	service string
}

func (c *TriggerCollector) collectIngresses(ctx context.Context, snap *Snapshot, emit emitFunc) error {
	logger := slog.Default().With("component", "trigger-collector", "kind", "ingress")

	probes := newProbeCache(snap)

	for i := range snap.Ingresses {
		ing := &snap.Ingresses[i]
		if IsGenerated(ing.Labels) {
			continue
		}

		isAGIC := IsAGICIngress(ing)
		seen := make(map[hostService]bool)

		for _, rule := range ing.Spec.Rules {
			if !isConcreteHost(rule.Host) || rule.HTTP == nil {
				continue
			}

			for _, path := range rule.HTTP.Paths {
				trigger, ok := ingressPathTrigger(logger, snap, probes, ing, rule.Host, path, isAGIC)
				if !ok {
					continue
				}

				key := hostService{host: rule.Host, service: trigger.TargetService}
				if seen[key] {
					continue
				}

				seen[key] = true

				if err := emit(ctx, discovery{service: trigger.TargetService, ingress: trigger}); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

func ingressPathTrigger(
	logger *slog.Logger,
	snap *Snapshot,
	probes *probeCache,
	ing *networkingv1.Ingress,
	host string,
	path networkingv1.HTTPIngressPath,
	isAGIC bool,
) (*IngressTrigger, bool) {
	if strings.HasPrefix(path.Path, acmeChallengePathPrefix) || path.Backend.Service == nil {
		return nil, false
	}

	backend := path.Backend.Service

	svc, found := snap.Service(backend.Name)
	if !found || IsGenerated(svc.Labels) {
		return nil, false
	}

	ref := backendPortRef(backend.Port)

	port, ok := lookupServicePort(svc, ref)
	if !ok {
		logger.Warn("skipping ingress path with unresolvable service port",
			"ingress", ing.Name, "service", svc.Name, "port", ref.String())

		return nil, false
	}

	if !isTCP(port.Protocol) {
		logger.Warn("skipping ingress path to non-TCP port",
			"ingress", ing.Name, "service", svc.Name, "protocol", port.Protocol)

		return nil, false
	}

	return &IngressTrigger{
		TriggerEntity: TriggerEntity{
			EntityName:    ing.Name,
			Namespace:     ing.Namespace,
			TargetService: svc.Name,
		},
		IngressName: ing.Name,
		Host:        host,
		ServicePort: port.Port,
		IsAGIC:      isAGIC,
		Probes:      probes.forService(logger, svc),
	}, true
}

func backendPortRef(port networkingv1.ServiceBackendPort) intstr.IntOrString {
	if port.Name != "" {
		return intstr.FromString(port.Name)
	}

	return intstr.FromInt32(port.Number)
}

// lookupServicePort finds a Service port by number or by name.
func lookupServicePort(svc *corev1.Service, ref intstr.IntOrString) (corev1.ServicePort, bool) {
	for _, sp := range svc.Spec.Ports {
		if ref.Type == intstr.String && sp.Name == ref.StrVal {
			return sp, true
		}

		if ref.Type == intstr.Int && sp.Port == ref.IntVal {
			return sp, true
		}
	}

	return corev1.ServicePort{}, false
}

// IsAGICIngress reports whether the Azure Application Gateway controller owns ing.
func IsAGICIngress(ing *networkingv1.Ingress) bool {
	if ing.Annotations[ingressClassAnnotation] == agicIngressClass {
		return true
	}

	return ing.Spec.IngressClassName != nil && *ing.Spec.IngressClassName == agicIngressClass
}

func usesCertManager(annotations map[string]string) bool {
	_, issuer := annotations[certManagerIssuerAnnotation]
	_, clusterIssuer := annotations[certManagerClusterIssuerAnnotation]

	return issuer || clusterIssuer
}

// isConcreteHost rejects empty and wildcard hosts; those already match every prefixed variant.
func isConcreteHost(host string) bool {
	return host != "" && !strings.HasPrefix(host, "*")
}

// probeCache extracts HTTP probes once per backend service.
type probeCache struct {
	snap    *Snapshot
	results map[string]*HTTPProbes
}

func newProbeCache(snap *Snapshot) *probeCache {
	return &probeCache{snap: snap, results: make(map[string]*HTTPProbes)}
}

func (p *probeCache) forService(logger *slog.Logger, svc *corev1.Service) *HTTPProbes {
	if probes, ok := p.results[svc.Name]; ok {
		return probes
	}

	var probes *HTTPProbes

	selector, err := OriginalSelector(svc)
	if err == nil {
		if pod := findBackingPod(p.snap, selector); pod != nil {
			probes = extractHTTPProbes(logger, pod)
		}
	}

	p.results[svc.Name] = probes

	return probes
}

// extractHTTPProbes copies the HTTP liveness and readiness probes of the first
// container that has any, with named ports resolved to numbers.
func extractHTTPProbes(logger *slog.Logger, pod *corev1.Pod) *HTTPProbes {
	for _, container := range pod.Spec.Containers {
		liveness := httpProbe(logger, pod, container.LivenessProbe)
		readiness := httpProbe(logger, pod, container.ReadinessProbe)

		if liveness != nil || readiness != nil {
			return &HTTPProbes{Liveness: liveness, Readiness: readiness}
		}
	}

	return nil
}

func httpProbe(logger *slog.Logger, pod *corev1.Pod, probe *corev1.Probe) *corev1.Probe {
	if probe == nil || probe.HTTPGet == nil {
		return nil
	}

	out := probe.DeepCopy()

	if out.HTTPGet.Port.Type == intstr.String {
		port, ok := containerPortByName(pod, out.HTTPGet.Port.StrVal)
		if !ok {
			logger.Warn("dropping probe with unresolvable named port",
				"pod", pod.Name, "port", out.HTTPGet.Port.StrVal)

			return nil
		}

		out.HTTPGet.Port = intstr.FromInt32(port)
	}

	return out
}
