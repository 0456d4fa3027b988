package routing

import (
	"cmp"
	"slices"

	"github.com/cockroachdb/errors"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/sets"
)

const lastAppliedAnnotation = "kubectl.kubernetes.io/last-applied-configuration"

type cloneEntry struct {
	name     string
	original string
	value    string
	owners   sets.Set[string]
}

func (e *cloneEntry) ownerList() []string {
	return sets.List(e.owners)
}

// cloneSet accumulates owners of clones that share a name so pods with the
// same header value reuse one physical clone.
type cloneSet struct {
	entries map[string]*cloneEntry
}

func newCloneSet() *cloneSet {
	return &cloneSet{entries: make(map[string]*cloneEntry)}
}

func (s *cloneSet) add(original, value string, owners []string) {
	name := ClonedIngressName(original, value)

	entry, ok := s.entries[name]
	if !ok {
		entry = &cloneEntry{name: name, original: original, value: value, owners: sets.New[string]()}
		s.entries[name] = entry
	}

	entry.owners.Insert(owners...)
}

func (s *cloneSet) sorted() []*cloneEntry {
	out := make([]*cloneEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		out = append(out, entry)
	}

	slices.SortFunc(out, func(a, b *cloneEntry) int { return cmp.Compare(a.name, b.name) })

	return out
}

func (b *DesiredStateBuilder) cloneIngress(original *networkingv1.Ingress, value string, owners []string) *networkingv1.Ingress {
	spec := original.Spec.DeepCopy()

	rules := make([]networkingv1.IngressRule, 0, len(spec.Rules))

	for _, rule := range spec.Rules {
		if !isConcreteHost(rule.Host) {
			continue
		}

		rule.Host = value + "." + rule.Host
		rules = append(rules, rule)
	}

	spec.Rules = rules

	certManager := usesCertManager(original.Annotations)
	tls := make([]networkingv1.IngressTLS, 0, len(spec.TLS))

	for _, entry := range spec.TLS {
		entry.Hosts = prefixHosts(entry.Hosts, value)
		if len(entry.Hosts) == 0 {
			continue
		}

		if certManager && entry.SecretName != "" {
			entry.SecretName = ClonedTLSSecretName(entry.SecretName, value)
		}

		tls = append(tls, entry)
	}

	spec.TLS = tls

	if len(spec.TLS) == 0 {
		spec.TLS = nil
	}

	return &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{
			Name:        ClonedIngressName(original.Name, value),
			Namespace:   b.opts.Namespace,
			Labels:      GeneratedLabels(owners),
			Annotations: cloneAnnotations(original.Annotations, original.Name, value),
		},
		Spec: *spec,
	}
}

// cloneIngressRoute prefixes the virtual host, every Host() matcher and, under
// cert-manager, the TLS secret of an IngressRoute.
func (b *DesiredStateBuilder) cloneIngressRoute(
	original *unstructured.Unstructured,
	value string,
	owners []string,
) (*unstructured.Unstructured, error) {
	spec := nestedMap(original.Object, "spec")

	fqdn, found, err := unstructured.NestedString(spec, "virtualhost", "fqdn")
	if err != nil {
		return nil, errors.Wrap(err, "virtualhost")
	}

	if found && isConcreteHost(fqdn) {
		if err := unstructured.SetNestedField(spec, value+"."+fqdn, "virtualhost", "fqdn"); err != nil {
			return nil, errors.Wrap(err, "virtualhost")
		}
	}

	if err := prefixRoutes(spec, value); err != nil {
		return nil, err
	}

	if usesCertManager(original.GetAnnotations()) {
		secret, found, err := unstructured.NestedString(spec, "tls", "secretName")
		if err != nil {
			return nil, errors.Wrap(err, "tls")
		}

		if found && secret != "" {
			if err := unstructured.SetNestedField(spec, ClonedTLSSecretName(secret, value), "tls", "secretName"); err != nil {
				return nil, errors.Wrap(err, "tls")
			}
		}
	}

	clone := &unstructured.Unstructured{Object: map[string]any{"spec": spec}}
	clone.SetAPIVersion(original.GetAPIVersion())
	clone.SetKind(original.GetKind())
	clone.SetName(ClonedIngressName(original.GetName(), value))
	clone.SetNamespace(b.opts.Namespace)
	clone.SetLabels(GeneratedLabels(owners))
	clone.SetAnnotations(cloneAnnotations(original.GetAnnotations(), original.GetName(), value))

	return clone, nil
}

//nolint:wrapcheck // errors.Newf creates new errors
func prefixRoutes(spec map[string]any, value string) error {
	routes, found, err := unstructured.NestedSlice(spec, "routes")
	if err != nil {
		return errors.Wrap(err, "routes")
	}

	if !found {
		return nil
	}

	for i, item := range routes {
		route, ok := item.(map[string]any)
		if !ok {
			return errors.Newf("route %d is not an object", i)
		}

		match, _, err := unstructured.NestedString(route, "match")
		if err != nil {
			return errors.Wrapf(err, "route %d", i)
		}

		if match != "" {
			route["match"] = prefixHostMatchers(match, value)
		}
	}

	return errors.Wrap(unstructured.SetNestedSlice(spec, routes, "routes"), "routes")
}

// cloneAnnotations copies the annotations of an original ingress, records its
// name and prefixes the AGIC backend hostname.
func cloneAnnotations(original map[string]string, name, value string) map[string]string {
	out := make(map[string]string, len(original)+1)

	for key, val := range original {
		if key == lastAppliedAnnotation || key == AnnotationClonedFrom {
			continue
		}

		out[key] = val
	}

	if host, ok := out[agicBackendHostnameAnnotation]; ok && isConcreteHost(host) {
		out[agicBackendHostnameAnnotation] = value + "." + host
	}

	out[AnnotationClonedFrom] = name

	return out
}

func prefixHosts(hosts []string, value string) []string {
	var out []string

	for _, host := range hosts {
		if isConcreteHost(host) {
			out = append(out, value+"."+host)
		}
	}

	return out
}

// nestedMap returns a deep copy of the map at fields, or an empty map.
func nestedMap(obj map[string]any, fields ...string) map[string]any {
	value, found, err := unstructured.NestedMap(obj, fields...)
	if err != nil || !found {
		return map[string]any{}
	}

	return value
}
