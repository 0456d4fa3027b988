package routing

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"

	"k8s.io/apimachinery/pkg/util/validation"
)

// Label and annotation vocabulary shared with the workload connection tooling.
const (
	Prefix = "routing.visualstudio.io/"

	// LabelRouteFrom marks a pod as a routing trigger for the named Service.
	LabelRouteFrom = Prefix + "route-from"
	// AnnotationRouteOnHeader holds "<header>=<value>" for a trigger pod.
	AnnotationRouteOnHeader = Prefix + "route-on-header"
	// AnnotationCorrelationID optionally ties a trigger pod to a client session.
	AnnotationCorrelationID = Prefix + "correlation-id"

	LabelGenerated     = Prefix + "generated"
	LabelEntity        = Prefix + "entity"
	LabelTriggerEntity = Prefix + "trigger-entity"

	AnnotationClonedFrom              = Prefix + "cloned-from"
	AnnotationOriginalServiceSelector = Prefix + "original-service-selector"

	generatedValue = "true"
)

// Name suffixes of generated objects.
const (
	clonedServiceSuffix    = "-cloned-routing-svc"
	envoyDeploymentSuffix  = "-envoy-routing-deploy"
	envoyConfigMapSuffix   = "-envoy-routing-cm"
	clonedIngressSuffix    = "-cloned-routing"
	clonedTLSSecretSuffix  = "-routing"
	ownerSeparator         = "_"
	hashSuffixLength       = 10
	maxGeneratedNameLength = validation.LabelValueMaxLength
)

// ClonedServiceName returns the name of the Service that keeps pointing at the original workload.
func ClonedServiceName(service string) string {
	return TruncateName(service + clonedServiceSuffix)
}

// EnvoyDeploymentName returns the name of the Envoy Deployment fronting service.
func EnvoyDeploymentName(service string) string {
	return TruncateName(service + envoyDeploymentSuffix)
}

// EnvoyConfigMapName returns the name of the ConfigMap holding the Envoy bootstrap for service.
func EnvoyConfigMapName(service string) string {
	return TruncateName(service + envoyConfigMapSuffix)
}

// ClonedIngressName names the per-header-value copy of an Ingress or IngressRoute.
func ClonedIngressName(original, headerValue string) string {
	return TruncateName(original + "-" + headerValue + clonedIngressSuffix)
}

// ClonedTLSSecretName names the certificate secret requested for a cloned host.
func ClonedTLSSecretName(original, headerValue string) string {
	return TruncateName(original + "-" + headerValue + clonedTLSSecretSuffix)
}

// TruncateName shortens name to the 63 character label limit. Long names keep a
// readable prefix and end with a hash of the full name so distinct inputs stay distinct.
func TruncateName(name string) string {
	if len(name) <= maxGeneratedNameLength {
		return name
	}

	sum := sha256.Sum256([]byte(name))
	hash := hex.EncodeToString(sum[:])[:hashSuffixLength]

	prefix := strings.TrimRight(name[:maxGeneratedNameLength-hashSuffixLength-1], "-._")

	return prefix + "-" + hash
}

// EncodeOwners renders the trigger-entity label value for a set of owners.
// Order and duplicates in owners do not affect the result.
func EncodeOwners(owners []string) string {
	sorted := slices.Clone(owners)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	return TruncateName(strings.Join(sorted, ownerSeparator))
}

// GeneratedLabels returns the label set carried by every generated object.
func GeneratedLabels(owners []string) map[string]string {
	return map[string]string{
		LabelGenerated:     generatedValue,
		LabelTriggerEntity: EncodeOwners(owners),
	}
}

// EnvoyPodLabels returns the pod template labels of an Envoy deployment; cut-over
// points the target Service selector at exactly this set.
func EnvoyPodLabels(deploymentName string) map[string]string {
	return map[string]string{
		LabelEntity:    deploymentName,
		LabelGenerated: generatedValue,
	}
}

// IsGenerated reports whether labels mark an object as created by this controller.
func IsGenerated(labels map[string]string) bool {
	return labels[LabelGenerated] == generatedValue
}
