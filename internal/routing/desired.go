package routing

import (
	"cmp"
	"log/slog"
	"maps"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/ptr"

	"github.com/lexfrei/header-routing-controller/internal/envoy"
)

// ErrInvariant marks an internal consistency violation. It aborts the current
// pass only; the control loop keeps running.
var ErrInvariant = errors.New("routing invariant violated")

const (
	envoyReplicas       = 2
	envoyMaxSurge       = 2
	envoyMaxUnavailable = 1
	envoyContainerName  = "envoy"
	envoyConfigVolume   = "config"
)

// DesiredState is the full set of generated objects one pass converges to.
type DesiredState struct {
	Services      []*corev1.Service
	Deployments   []*appsv1.Deployment
	ConfigMaps    []*corev1.ConfigMap
	Ingresses     []*networkingv1.Ingress
	IngressRoutes []*unstructured.Unstructured
}

// BuilderOptions configures desired-state generation.
type BuilderOptions struct {
	Namespace  string
	EnvoyImage string
}

// DesiredStateBuilder expands a ReconciliationInput into generated objects.
type DesiredStateBuilder struct {
	opts BuilderOptions
}

// NewDesiredStateBuilder creates a DesiredStateBuilder.
func NewDesiredStateBuilder(opts BuilderOptions) *DesiredStateBuilder {
	return &DesiredStateBuilder{opts: opts}
}

// Build generates one Service, Deployment and ConfigMap per target service and
// one Ingress or IngressRoute clone per (eligible original, header value).
func (b *DesiredStateBuilder) Build(input ReconciliationInput, snap *Snapshot) (*DesiredState, error) {
	state := &DesiredState{}

	ingressClones := newCloneSet()
	routeClones := newCloneSet()

	for _, name := range input.SortedServices() {
		st := input[name]
		if st.Service == nil {
			return nil, errors.Mark(errors.Newf("service %s has triggers but no Service object", name), ErrInvariant)
		}

		owners := st.PodOwners()

		configMap, err := b.buildConfigMap(st, owners)
		if err != nil {
			return nil, err
		}

		state.Services = append(state.Services, b.buildClonedService(st, owners))
		state.Deployments = append(state.Deployments, b.buildDeployment(st, owners))
		state.ConfigMaps = append(state.ConfigMaps, configMap)

		for _, value := range st.HeaderValues() {
			valueOwners := st.OwnersForValue(value)

			for _, ingressName := range eligibleIngresses(st) {
				ingressClones.add(ingressName, value, valueOwners)
			}

			for _, routeName := range eligibleIngressRoutes(st) {
				routeClones.add(routeName, value, valueOwners)
			}
		}
	}

	for _, entry := range ingressClones.sorted() {
		original := findIngress(snap, entry.original)
		if original == nil {
			return nil, errors.Mark(errors.Newf("ingress %s vanished from snapshot", entry.original), ErrInvariant)
		}

		state.Ingresses = append(state.Ingresses, b.cloneIngress(original, entry.value, entry.ownerList()))
	}

	for _, entry := range routeClones.sorted() {
		original := findIngressRoute(snap, entry.original)
		if original == nil {
			return nil, errors.Mark(errors.Newf("ingressroute %s vanished from snapshot", entry.original), ErrInvariant)
		}

		clone, err := b.cloneIngressRoute(original, entry.value, entry.ownerList())
		if err != nil {
			slog.Default().With("component", "builder").Warn("skipping malformed ingressroute",
				"ingressRoute", entry.original, "headerValue", entry.value, "error", err)

			continue
		}

		state.IngressRoutes = append(state.IngressRoutes, clone)
	}

	if err := validateState(input, state); err != nil {
		return nil, err
	}

	return state, nil
}

func (b *DesiredStateBuilder) buildClonedService(st *ServiceTriggers, owners []string) *corev1.Service {
	ports := lo.Map(st.Service.Spec.Ports, func(sp corev1.ServicePort, _ int) corev1.ServicePort {
		return corev1.ServicePort{
			Name:        sp.Name,
			Protocol:    sp.Protocol,
			AppProtocol: sp.AppProtocol,
			Port:        sp.Port,
			TargetPort:  sp.TargetPort,
		}
	})

	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:        ClonedServiceName(st.Service.Name),
			Namespace:   b.opts.Namespace,
			Labels:      GeneratedLabels(owners),
			Annotations: map[string]string{AnnotationClonedFrom: st.Service.Name},
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: maps.Clone(st.OriginalSelector),
			Ports:    ports,
		},
	}
}

func (b *DesiredStateBuilder) buildDeployment(st *ServiceTriggers, owners []string) *appsv1.Deployment {
	name := EnvoyDeploymentName(st.Service.Name)
	podLabels := EnvoyPodLabels(name)

	deployLabels := GeneratedLabels(owners)
	deployLabels[LabelEntity] = name

	container := corev1.Container{
		Name:    envoyContainerName,
		Image:   b.opts.EnvoyImage,
		Command: []string{"envoy"},
		Args:    []string{"--config-path", envoy.MountPath + "/" + envoy.ConfigKey},
		Ports:   containerPorts(st.Ports),
		VolumeMounts: []corev1.VolumeMount{
			{Name: envoyConfigVolume, MountPath: envoy.MountPath, ReadOnly: true},
		},
	}

	if probes := agicProbes(st); probes != nil {
		container.LivenessProbe = probes.Liveness
		container.ReadinessProbe = probes.Readiness
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: b.opts.Namespace,
			Labels:    deployLabels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr.To[int32](envoyReplicas),
			Selector: &metav1.LabelSelector{MatchLabels: podLabels},
			Strategy: appsv1.DeploymentStrategy{
				Type: appsv1.RollingUpdateDeploymentStrategyType,
				RollingUpdate: &appsv1.RollingUpdateDeployment{
					MaxSurge:       ptr.To(intstr.FromInt32(envoyMaxSurge)),
					MaxUnavailable: ptr.To(intstr.FromInt32(envoyMaxUnavailable)),
				},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: maps.Clone(podLabels)},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{container},
					Volumes: []corev1.Volume{
						{
							Name: envoyConfigVolume,
							VolumeSource: corev1.VolumeSource{
								ConfigMap: &corev1.ConfigMapVolumeSource{
									LocalObjectReference: corev1.LocalObjectReference{
										Name: EnvoyConfigMapName(st.Service.Name),
									},
								},
							},
						},
					},
				},
			},
		},
	}
}

func (b *DesiredStateBuilder) buildConfigMap(st *ServiceTriggers, owners []string) (*corev1.ConfigMap, error) {
	bootstrap, err := envoy.Build(b.envoyConfig(st))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build envoy config for service %s", st.Service.Name)
	}

	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      EnvoyConfigMapName(st.Service.Name),
			Namespace: b.opts.Namespace,
			Labels:    GeneratedLabels(owners),
		},
		Data: map[string]string{envoy.ConfigKey: bootstrap},
	}, nil
}

func (b *DesiredStateBuilder) envoyConfig(st *ServiceTriggers) envoy.Config {
	hosts := lo.Map(st.Ingresses, func(t IngressTrigger, _ int) string { return t.Host })
	hosts = append(hosts, lo.Map(st.IngressRoutes, func(t IngressRouteTrigger, _ int) string { return t.RouteHost })...)

	return envoy.Config{
		Service:      st.Service.Name,
		FallbackHost: ClonedServiceName(st.Service.Name) + "." + b.opts.Namespace + ".svc",
		Ports: lo.Map(st.Ports, func(p PortMapping, _ int) envoy.Port {
			return envoy.Port{ListenPort: p.TargetPort, ServicePort: p.Port}
		}),
		Destinations: lo.Map(st.Pods, func(pod PodTrigger, _ int) envoy.Destination {
			return envoy.Destination{
				Name:    pod.EntityName,
				Header:  pod.RouteOnHeader.Name,
				Value:   pod.RouteOnHeader.Value,
				Address: pod.PodIP,
				Hosts:   hosts,
			}
		}),
	}
}

// containerPorts exposes every resolved target port on the Envoy container.
// Named target ports keep their name so the redirected Service still resolves them.
func containerPorts(mappings []PortMapping) []corev1.ContainerPort {
	named := lo.UniqBy(lo.Filter(mappings, func(p PortMapping, _ int) bool { return p.TargetPortName != "" }),
		func(p PortMapping) string { return p.TargetPortName })
	covered := sets.New(lo.Map(named, func(p PortMapping, _ int) int32 { return p.TargetPort })...)

	unnamed := lo.UniqBy(lo.Filter(mappings, func(p PortMapping, _ int) bool {
		return p.TargetPortName == "" && !covered.Has(p.TargetPort)
	}), func(p PortMapping) int32 { return p.TargetPort })

	ports := make([]corev1.ContainerPort, 0, len(named)+len(unnamed))

	for _, p := range named {
		ports = append(ports, corev1.ContainerPort{Name: p.TargetPortName, ContainerPort: p.TargetPort, Protocol: corev1.ProtocolTCP})
	}

	for _, p := range unnamed {
		ports = append(ports, corev1.ContainerPort{ContainerPort: p.TargetPort, Protocol: corev1.ProtocolTCP})
	}

	slices.SortFunc(ports, func(a, b corev1.ContainerPort) int {
		return cmp.Or(cmp.Compare(a.ContainerPort, b.ContainerPort), cmp.Compare(a.Name, b.Name))
	})

	return ports
}

// agicProbes returns the probes of the first AGIC ingress trigger that has any.
func agicProbes(st *ServiceTriggers) *HTTPProbes {
	trigger, ok := lo.Find(st.Ingresses, func(t IngressTrigger) bool {
		return t.IsAGIC && t.Probes != nil
	})
	if !ok {
		return nil
	}

	return &HTTPProbes{
		Liveness:  trigger.Probes.Liveness.DeepCopy(),
		Readiness: trigger.Probes.Readiness.DeepCopy(),
	}
}

func eligibleIngresses(st *ServiceTriggers) []string {
	return lo.Uniq(lo.Map(st.Ingresses, func(t IngressTrigger, _ int) string { return t.IngressName }))
}

func eligibleIngressRoutes(st *ServiceTriggers) []string {
	return lo.Uniq(lo.Map(st.IngressRoutes, func(t IngressRouteTrigger, _ int) string { return t.IngressRouteName }))
}

// validateState checks generated counts: one Service, Deployment and ConfigMap
// per target service, and one ingress clone per distinct (eligible ingress,
// pod header value) pair.
func validateState(input ReconciliationInput, state *DesiredState) error {
	services, deployments, configMaps := len(state.Services), len(state.Deployments), len(state.ConfigMaps)
	if services != len(input) || deployments != services || configMaps != services {
		return errors.Mark(errors.Newf(
			"generated object counts diverge: services=%d deployments=%d configmaps=%d targets=%d",
			services, deployments, configMaps, len(input)), ErrInvariant)
	}

	expected := make(map[string]bool)

	for _, st := range input {
		for _, ingressName := range eligibleIngresses(st) {
			for _, value := range st.HeaderValues() {
				expected[ingressName+"\x00"+value] = true
			}
		}
	}

	if len(state.Ingresses) != len(expected) {
		return errors.Mark(errors.Newf("generated %d ingress clones, expected %d",
			len(state.Ingresses), len(expected)), ErrInvariant)
	}

	return nil
}

func findIngress(snap *Snapshot, name string) *networkingv1.Ingress {
	for i := range snap.Ingresses {
		if snap.Ingresses[i].Name == name {
			return &snap.Ingresses[i]
		}
	}

	return nil
}

func findIngressRoute(snap *Snapshot, name string) *unstructured.Unstructured {
	for i := range snap.IngressRoutes {
		if snap.IngressRoutes[i].GetName() == name {
			return &snap.IngressRoutes[i]
		}
	}

	return nil
}
