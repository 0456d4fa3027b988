package routing

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

const defaultPodIPPollInterval = 250 * time.Millisecond

// CollectorOptions configures trigger discovery.
type CollectorOptions struct {
	PodIPTimeout            time.Duration
	PodIPPollInterval       time.Duration
	IngressControllerImages []string
}

// TriggerCollector turns a Snapshot into a ReconciliationInput.
type TriggerCollector struct {
	cluster ClusterClient
	opts    CollectorOptions
}

// NewTriggerCollector creates a TriggerCollector. The cluster client is only used
// to wait for pod IPs that are not yet assigned in the snapshot.
func NewTriggerCollector(cluster ClusterClient, opts CollectorOptions) *TriggerCollector {
	if opts.PodIPPollInterval <= 0 {
		opts.PodIPPollInterval = defaultPodIPPollInterval
	}

	return &TriggerCollector{cluster: cluster, opts: opts}
}

// discovery is one message from a collection pass to the aggregator.
type discovery struct {
	service string

	pod              *PodTrigger
	ports            []PortMapping
	originalSelector map[string]string

	ingress      *IngressTrigger
	ingressRoute *IngressRouteTrigger
	loadBalancer *LoadBalancerTrigger
}

type emitFunc func(ctx context.Context, d discovery) error

// Collect runs the four collection passes concurrently and merges their output.
// Only services with at least one pod trigger appear in the result; ingress,
// IngressRoute and load-balancer triggers decorate those services.
func (c *TriggerCollector) Collect(ctx context.Context, snap *Snapshot) (ReconciliationInput, error) {
	logger := slog.Default().With("component", "trigger-collector")

	discoveries := make(chan discovery)
	done := make(chan ReconciliationInput)

	go func() {
		done <- aggregate(snap, discoveries)
	}()

	emit := func(ctx context.Context, d discovery) error {
		select {
		case discoveries <- d:
			return nil
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "trigger collection interrupted")
		}
	}

	passes := []func(context.Context, *Snapshot, emitFunc) error{
		c.collectPods,
		c.collectIngresses,
		c.collectIngressRoutes,
		c.collectLoadBalancers,
	}

	group, gctx := errgroup.WithContext(ctx)
	for _, pass := range passes {
		group.Go(func() error {
			return pass(gctx, snap, emit)
		})
	}

	err := group.Wait()

	close(discoveries)

	input := <-done

	if err != nil {
		return nil, err //nolint:wrapcheck // passes wrap their own errors
	}

	logger.Debug("collected triggers", "services", len(input))

	return input, nil
}

// aggregate is the single writer of the input map.
func aggregate(snap *Snapshot, discoveries <-chan discovery) ReconciliationInput {
	all := make(map[string]*ServiceTriggers)

	entry := func(name string) *ServiceTriggers {
		st, ok := all[name]
		if !ok {
			st = &ServiceTriggers{}
			if svc, found := snap.Service(name); found {
				st.Service = svc
			}

			all[name] = st
		}

		return st
	}

	for d := range discoveries {
		st := entry(d.service)

		switch {
		case d.pod != nil:
			st.Pods = append(st.Pods, *d.pod)

			if st.Ports == nil {
				st.Ports = d.ports
				st.OriginalSelector = d.originalSelector
			}
		case d.ingress != nil:
			st.Ingresses = append(st.Ingresses, *d.ingress)
		case d.ingressRoute != nil:
			st.IngressRoutes = append(st.IngressRoutes, *d.ingressRoute)
		case d.loadBalancer != nil:
			st.LoadBalancer = d.loadBalancer
		}
	}

	input := make(ReconciliationInput)

	for name, st := range all {
		if len(st.Pods) == 0 || st.Service == nil {
			continue
		}

		sortTriggers(st)
		input[name] = st
	}

	return input
}

func sortTriggers(st *ServiceTriggers) {
	slices.SortFunc(st.Pods, func(a, b PodTrigger) int {
		return cmp.Compare(a.EntityName, b.EntityName)
	})
	slices.SortFunc(st.Ingresses, func(a, b IngressTrigger) int {
		return cmp.Or(cmp.Compare(a.IngressName, b.IngressName), cmp.Compare(a.Host, b.Host))
	})
	slices.SortFunc(st.IngressRoutes, func(a, b IngressRouteTrigger) int {
		return cmp.Or(cmp.Compare(a.IngressRouteName, b.IngressRouteName), cmp.Compare(a.RouteHost, b.RouteHost))
	})
}
