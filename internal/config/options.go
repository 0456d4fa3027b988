// Package config holds the runtime options of the routing controller.
package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/validation"
)

// Defaults applied when a field is left empty.
const (
	DefaultEnvoyImage             = "envoyproxy/envoy:v1.31-latest"
	DefaultDebounce               = time.Second
	DefaultMaxRefreshDelay        = 10 * time.Second
	DefaultReadinessTimeout       = 15 * time.Second
	DefaultPodIPTimeout           = 5 * time.Second
	DefaultIngressRouteAPIVersion = "traefik.io/v1alpha1"
)

// DefaultIngressControllerImages lists image substrings that mark a LoadBalancer
// service as fronting an ingress controller.
//
//nolint:gochecknoglobals // read-only default list
var DefaultIngressControllerImages = []string{
	"ingress-nginx",
	"nginx-ingress",
	"traefik",
	"contour",
	"envoyproxy/gateway",
	"haproxy-ingress",
	"kong",
	"ambassador",
}

// Options configures one routing controller instance.
// Values are typically populated from CLI flags or environment variables.
type Options struct {
	// Namespace is the single namespace the controller watches and mutates (required).
	Namespace string

	// EnvoyImage is the container image used for generated Envoy deployments.
	EnvoyImage string

	// Debounce is the quiet period after the last watch event before a refresh fires.
	Debounce time.Duration

	// MaxRefreshDelay forces a refresh when events keep arriving for this long.
	MaxRefreshDelay time.Duration

	// ReadinessTimeout bounds the wait for an Envoy deployment to become ready before cut-over.
	ReadinessTimeout time.Duration

	// PodIPTimeout bounds the wait for a trigger pod to get an IP assigned.
	PodIPTimeout time.Duration

	// IngressRouteAPIVersion is the group/version of the Traefik IngressRoute CRD.
	IngressRouteAPIVersion string

	// IngressControllerImages are image substrings used to flag LoadBalancer triggers.
	IngressControllerImages []string
}

// Defaults returns Options with every optional field set.
func Defaults(namespace string) Options {
	return Options{
		Namespace:               namespace,
		EnvoyImage:              DefaultEnvoyImage,
		Debounce:                DefaultDebounce,
		MaxRefreshDelay:         DefaultMaxRefreshDelay,
		ReadinessTimeout:        DefaultReadinessTimeout,
		PodIPTimeout:            DefaultPodIPTimeout,
		IngressRouteAPIVersion:  DefaultIngressRouteAPIVersion,
		IngressControllerImages: append([]string(nil), DefaultIngressControllerImages...),
	}
}

// WithDefaults fills zero-valued fields from Defaults.
func (o Options) WithDefaults() Options {
	def := Defaults(o.Namespace)

	if o.EnvoyImage == "" {
		o.EnvoyImage = def.EnvoyImage
	}

	if o.Debounce <= 0 {
		o.Debounce = def.Debounce
	}

	if o.MaxRefreshDelay <= 0 {
		o.MaxRefreshDelay = def.MaxRefreshDelay
	}

	if o.ReadinessTimeout <= 0 {
		o.ReadinessTimeout = def.ReadinessTimeout
	}

	if o.PodIPTimeout <= 0 {
		o.PodIPTimeout = def.PodIPTimeout
	}

	if o.IngressRouteAPIVersion == "" {
		o.IngressRouteAPIVersion = def.IngressRouteAPIVersion
	}

	if len(o.IngressControllerImages) == 0 {
		o.IngressControllerImages = def.IngressControllerImages
	}

	return o
}

// Validate reports the first invalid field.
//
//nolint:wrapcheck // errors.Newf creates new errors
func (o Options) Validate() error {
	if o.Namespace == "" {
		return errors.New("namespace is required")
	}

	if msgs := validation.IsDNS1123Label(o.Namespace); len(msgs) > 0 {
		return errors.Newf("invalid namespace %q: %s", o.Namespace, strings.Join(msgs, "; "))
	}

	if o.MaxRefreshDelay < o.Debounce {
		return errors.Newf("max refresh delay %s must not be shorter than debounce %s",
			o.MaxRefreshDelay, o.Debounce)
	}

	if _, err := o.IngressRouteGroupVersion(); err != nil {
		return err
	}

	return nil
}

// IngressRouteGroupVersion parses IngressRouteAPIVersion.
func (o Options) IngressRouteGroupVersion() (schema.GroupVersion, error) {
	gv, err := schema.ParseGroupVersion(o.IngressRouteAPIVersion)
	if err != nil {
		return schema.GroupVersion{}, errors.Wrapf(err, "invalid ingressroute api version %q", o.IngressRouteAPIVersion)
	}

	if gv.Group == "" || gv.Version == "" {
		return schema.GroupVersion{}, errors.Newf("ingressroute api version %q must be group/version", o.IngressRouteAPIVersion)
	}

	return gv, nil
}
