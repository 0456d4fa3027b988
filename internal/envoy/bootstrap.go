// Package envoy renders the Envoy bootstrap configuration used by generated
// routing deployments.
package envoy

import (
	"cmp"
	"slices"
	"strconv"

	"github.com/cockroachdb/errors"
	"sigs.k8s.io/yaml"
)

// ConfigKey is the ConfigMap key holding the bootstrap and the file name Envoy loads.
const ConfigKey = "envoy.yaml"

// MountPath is the directory the bootstrap ConfigMap is mounted into.
const MountPath = "/etc/envoy"

const (
	adminPort           = 15000
	connectTimeout      = "1s"
	httpConnManagerType = "type.googleapis.com/envoy.extensions.filters.network.http_connection_manager.v3.HttpConnectionManager"
	routerFilterType    = "type.googleapis.com/envoy.extensions.filters.http.router.v3.Router"
	authorityHeader     = ":authority"
)

// Port is one port the proxy listens on.
type Port struct {
	// ListenPort is the resolved target port of the original Service; it becomes
	// the Envoy container port once the Service selector is cut over.
	ListenPort int32

	// ServicePort is the port of the cloned Service that receives default traffic.
	ServicePort int32
}

// Destination is one developer pod receiving header-matched traffic.
type Destination struct {
	Name    string
	Header  string
	Value   string
	Address string

	// Hosts are the original ingress hosts; requests for "<Value>.<host>" are
	// routed here and get the routing header added.
	Hosts []string
}

// Config is everything needed to render the bootstrap of one target Service.
type Config struct {
	Service      string
	FallbackHost string
	Ports        []Port
	Destinations []Destination
}

// Build renders cfg as Envoy v3 bootstrap YAML. Output is deterministic for equal input.
func Build(cfg Config) (string, error) {
	if cfg.FallbackHost == "" {
		return "", errors.Newf("service %s: fallback host is required", cfg.Service)
	}

	if len(cfg.Ports) == 0 {
		return "", errors.Newf("service %s: at least one port is required", cfg.Service)
	}

	data, err := yaml.Marshal(BuildValues(cfg))
	if err != nil {
		return "", errors.Wrapf(err, "failed to render envoy bootstrap for %s", cfg.Service)
	}

	return string(data), nil
}

// BuildValues converts cfg to the bootstrap document tree.
func BuildValues(cfg Config) map[string]any {
	ports := slices.Clone(cfg.Ports)
	slices.SortStableFunc(ports, func(a, b Port) int { return cmp.Compare(a.ListenPort, b.ListenPort) })
	ports = slices.CompactFunc(ports, func(a, b Port) bool { return a.ListenPort == b.ListenPort })

	destinations := slices.Clone(cfg.Destinations)
	slices.SortFunc(destinations, func(a, b Destination) int { return cmp.Compare(a.Name, b.Name) })

	listeners := make([]map[string]any, 0, len(ports))
	clusters := make([]map[string]any, 0, len(ports)*(len(destinations)+1))

	for _, port := range ports {
		fallback := clusterName("fallback", port.ListenPort)

		listeners = append(listeners, buildListener(port, fallback, destinations))
		clusters = append(clusters, buildCluster(fallback, "STRICT_DNS", cfg.FallbackHost, port.ServicePort))

		for _, dest := range destinations {
			clusters = append(clusters,
				buildCluster(clusterName(dest.Name, port.ListenPort), "STATIC", dest.Address, port.ListenPort))
		}
	}

	return map[string]any{
		"admin": map[string]any{
			"address": socketAddress("127.0.0.1", adminPort),
		},
		"static_resources": map[string]any{
			"listeners": listeners,
			"clusters":  clusters,
		},
	}
}

func buildListener(port Port, fallback string, destinations []Destination) map[string]any {
	name := "listener_" + strconv.Itoa(int(port.ListenPort))

	return map[string]any{
		"name":    name,
		"address": socketAddress("0.0.0.0", port.ListenPort),
		"filter_chains": []map[string]any{
			{
				"filters": []map[string]any{
					{
						"name": "envoy.filters.network.http_connection_manager",
						"typed_config": map[string]any{
							"@type":       httpConnManagerType,
							"stat_prefix": name,
							"route_config": map[string]any{
								"name": name,
								"virtual_hosts": []map[string]any{
									{
										"name":    name,
										"domains": []string{"*"},
										"routes":  buildRoutes(port, fallback, destinations),
									},
								},
							},
							"http_filters": []map[string]any{
								{
									"name": "envoy.filters.http.router",
									"typed_config": map[string]any{
										"@type": routerFilterType,
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

// buildRoutes orders routes so that host-prefixed matches win over header
// matches, and the fallback route comes last.
func buildRoutes(port Port, fallback string, destinations []Destination) []map[string]any {
	var routes []map[string]any

	for _, dest := range destinations {
		cluster := clusterName(dest.Name, port.ListenPort)

		hosts := slices.Clone(dest.Hosts)
		slices.Sort(hosts)

		for _, host := range slices.Compact(hosts) {
			routes = append(routes, map[string]any{
				"match": map[string]any{
					"prefix": "/",
					"headers": []map[string]any{
						exactHeader(authorityHeader, dest.Value+"."+host),
					},
				},
				"route": map[string]any{"cluster": cluster},
				"request_headers_to_add": []map[string]any{
					{
						"header":        map[string]any{"key": dest.Header, "value": dest.Value},
						"append_action": "OVERWRITE_IF_EXISTS_OR_ADD",
					},
				},
			})
		}
	}

	for _, dest := range destinations {
		routes = append(routes, map[string]any{
			"match": map[string]any{
				"prefix":  "/",
				"headers": []map[string]any{exactHeader(dest.Header, dest.Value)},
			},
			"route": map[string]any{"cluster": clusterName(dest.Name, port.ListenPort)},
		})
	}

	return append(routes, map[string]any{
		"match": map[string]any{"prefix": "/"},
		"route": map[string]any{"cluster": fallback},
	})
}

func buildCluster(name, discovery, address string, port int32) map[string]any {
	return map[string]any{
		"name":            name,
		"type":            discovery,
		"connect_timeout": connectTimeout,
		"lb_policy":       "ROUND_ROBIN",
		"load_assignment": map[string]any{
			"cluster_name": name,
			"endpoints": []map[string]any{
				{
					"lb_endpoints": []map[string]any{
						{
							"endpoint": map[string]any{
								"address": socketAddress(address, port),
							},
						},
					},
				},
			},
		},
	}
}

func exactHeader(name, value string) map[string]any {
	return map[string]any{
		"name": name,
		"string_match": map[string]any{
			"exact": value,
		},
	}
}

func socketAddress(address string, port int32) map[string]any {
	return map[string]any{
		"socket_address": map[string]any{
			"address":    address,
			"port_value": port,
		},
	}
}

func clusterName(name string, port int32) string {
	return name + "_" + strconv.Itoa(int(port))
}
