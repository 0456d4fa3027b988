package routing

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/apimachinery/pkg/util/wait"
)

func (c *TriggerCollector) collectPods(ctx context.Context, snap *Snapshot, emit emitFunc) error {
	logger := slog.Default().With("component", "trigger-collector", "kind", "pod")

	for i := range snap.Pods {
		pod := &snap.Pods[i]

		if !IsTriggerPod(pod.Labels, pod.Annotations) || pod.DeletionTimestamp != nil {
			continue
		}

		trigger, ports, selector, ok := c.podTrigger(ctx, logger, snap, pod)
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "pod trigger collection interrupted")
		}

		if !ok {
			continue
		}

		err := emit(ctx, discovery{
			service:          trigger.TargetService,
			pod:              trigger,
			ports:            ports,
			originalSelector: selector,
		})
		if err != nil {
			return err
		}
	}

	return nil
}

func (c *TriggerCollector) podTrigger(
	ctx context.Context,
	logger *slog.Logger,
	snap *Snapshot,
	pod *corev1.Pod,
) (*PodTrigger, []PortMapping, map[string]string, bool) {
	logger = logger.With("pod", pod.Name)

	header, ok := parseRouteOnHeader(pod.Annotations[AnnotationRouteOnHeader])
	if !ok {
		logger.Warn("skipping pod with malformed route-on-header annotation",
			"value", pod.Annotations[AnnotationRouteOnHeader])

		return nil, nil, nil, false
	}

	// The header value becomes a DNS label of cloned hosts.
	if msgs := validation.IsDNS1123Label(header.Value); len(msgs) > 0 {
		logger.Warn("skipping pod whose header value is not a DNS label",
			"value", header.Value, "reason", strings.Join(msgs, "; "))

		return nil, nil, nil, false
	}

	serviceName := pod.Labels[LabelRouteFrom]

	svc, found := snap.Service(serviceName)
	if !found || IsGenerated(svc.Labels) {
		logger.Warn("skipping pod targeting unknown service", "service", serviceName)

		return nil, nil, nil, false
	}

	ports, selector, err := resolveServicePorts(snap, svc)
	if err != nil {
		logger.Warn("skipping pod whose service ports cannot be resolved",
			"service", serviceName, "error", err)

		return nil, nil, nil, false
	}

	podIP := pod.Status.PodIP
	if podIP == "" {
		podIP, err = c.waitForPodIP(ctx, pod.Name)
		if err != nil {
			logger.Warn("skipping pod without an assigned IP", "error", err)

			return nil, nil, nil, false
		}
	}

	trigger := &PodTrigger{
		TriggerEntity: TriggerEntity{
			EntityName:    pod.Name,
			Namespace:     pod.Namespace,
			TargetService: serviceName,
			RouteOnHeader: header,
			CorrelationID: pod.Annotations[AnnotationCorrelationID],
		},
		PodIP: podIP,
	}

	return trigger, ports, selector, true
}

func (c *TriggerCollector) waitForPodIP(ctx context.Context, name string) (string, error) {
	var podIP string

	err := wait.PollUntilContextTimeout(ctx, c.opts.PodIPPollInterval, c.opts.PodIPTimeout, true,
		func(ctx context.Context) (bool, error) {
			pod, err := c.cluster.GetPod(ctx, name)
			if apierrors.IsNotFound(err) {
				return false, errors.Wrapf(err, "pod %s disappeared", name)
			}

			if err != nil {
				return false, nil //nolint:nilerr // transient read errors are retried until timeout
			}

			podIP = pod.Status.PodIP

			return podIP != "", nil
		})
	if err != nil {
		return "", errors.Wrapf(err, "pod %s has no IP", name)
	}

	return podIP, nil
}

// IsTriggerPod reports whether a pod carries both the route-from label and the
// route-on-header annotation.
func IsTriggerPod(podLabels, podAnnotations map[string]string) bool {
	if podLabels[LabelRouteFrom] == "" {
		return false
	}

	_, ok := podAnnotations[AnnotationRouteOnHeader]

	return ok
}

// OriginalSelector returns the selector a Service had before cut-over: the
// preserved annotation when present, the live selector otherwise.
func OriginalSelector(svc *corev1.Service) (map[string]string, error) {
	raw, ok := svc.Annotations[AnnotationOriginalServiceSelector]
	if !ok {
		return svc.Spec.Selector, nil
	}

	var selector map[string]string
	if err := json.Unmarshal([]byte(raw), &selector); err != nil {
		return nil, errors.Wrapf(err, "service %s has a malformed %s annotation",
			svc.Name, AnnotationOriginalServiceSelector)
	}

	return selector, nil
}

// resolveServicePorts maps every TCP port of svc to a numeric target port,
// looking up named ports on a pod selected by the original selector.
func resolveServicePorts(snap *Snapshot, svc *corev1.Service) ([]PortMapping, map[string]string, error) {
	selector, err := OriginalSelector(svc)
	if err != nil {
		return nil, nil, err
	}

	if len(selector) == 0 {
		return nil, nil, errors.Newf("service %s has no selector", svc.Name)
	}

	backing := findBackingPod(snap, selector)

	var ports []PortMapping

	for _, sp := range svc.Spec.Ports {
		if !isTCP(sp.Protocol) {
			continue
		}

		target, err := resolveTargetPort(sp, backing)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "service %s port %d", svc.Name, sp.Port)
		}

		mapping := PortMapping{
			Name:       sp.Name,
			Port:       sp.Port,
			TargetPort: target,
			Protocol:   corev1.ProtocolTCP,
		}

		if sp.TargetPort.Type == intstr.String {
			mapping.TargetPortName = sp.TargetPort.StrVal
		}

		ports = append(ports, mapping)
	}

	if len(ports) == 0 {
		return nil, nil, errors.Newf("service %s exposes no TCP ports", svc.Name)
	}

	return ports, selector, nil
}

func resolveTargetPort(sp corev1.ServicePort, backing *corev1.Pod) (int32, error) {
	switch {
	case sp.TargetPort.Type == intstr.Int && sp.TargetPort.IntVal == 0:
		return sp.Port, nil
	case sp.TargetPort.Type == intstr.Int:
		return sp.TargetPort.IntVal, nil
	case backing == nil:
		return 0, errors.Newf("named target port %q has no backing pod to resolve against", sp.TargetPort.StrVal)
	}

	port, ok := containerPortByName(backing, sp.TargetPort.StrVal)
	if !ok {
		return 0, errors.Newf("pod %s has no container port named %q", backing.Name, sp.TargetPort.StrVal)
	}

	return port, nil
}

func containerPortByName(pod *corev1.Pod, name string) (int32, bool) {
	for _, container := range pod.Spec.Containers {
		for _, port := range container.Ports {
			if port.Name == name {
				return port.ContainerPort, true
			}
		}
	}

	return 0, false
}

// findBackingPod returns a running workload pod matched by selector. Pods that
// are generated or are themselves triggers are only used as a fallback.
func findBackingPod(snap *Snapshot, selector map[string]string) *corev1.Pod {
	if len(selector) == 0 {
		return nil
	}

	sel := labels.SelectorFromSet(selector)

	matching := lo.Filter(snap.Pods, func(pod corev1.Pod, _ int) bool {
		return pod.DeletionTimestamp == nil && sel.Matches(labels.Set(pod.Labels))
	})

	workload, ok := lo.Find(matching, func(pod corev1.Pod) bool {
		return !IsGenerated(pod.Labels) && !IsTriggerPod(pod.Labels, pod.Annotations)
	})
	if ok {
		return &workload
	}

	if len(matching) > 0 {
		return &matching[0]
	}

	return nil
}

func isTCP(protocol corev1.Protocol) bool {
	return protocol == "" || protocol == corev1.ProtocolTCP
}
