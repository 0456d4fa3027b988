package envoy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sigs.k8s.io/yaml"

	"github.com/lexfrei/header-routing-controller/internal/envoy"
)

func sampleConfig() envoy.Config {
	return envoy.Config{
		Service:      "web",
		FallbackHost: "web-cloned-routing-svc.dev.svc",
		Ports: []envoy.Port{
			{ListenPort: 8080, ServicePort: 80},
		},
		Destinations: []envoy.Destination{
			{
				Name:    "alice-pod",
				Header:  "x-dev",
				Value:   "alice",
				Address: "10.0.0.7",
				Hosts:   []string{"shop.example.com"},
			},
		},
	}
}

func TestBuild_RendersListenersAndClusters(t *testing.T) {
	t.Parallel()

	out, err := envoy.Build(sampleConfig())
	require.NoError(t, err)

	var doc struct {
		StaticResources struct {
			Listeners []struct {
				Name string `json:"name"`
			} `json:"listeners"`
			Clusters []struct {
				Name string `json:"name"`
				Type string `json:"type"`
			} `json:"clusters"`
		} `json:"static_resources"`
	}

	require.NoError(t, yaml.Unmarshal([]byte(out), &doc))

	require.Len(t, doc.StaticResources.Listeners, 1)
	assert.Equal(t, "listener_8080", doc.StaticResources.Listeners[0].Name)

	require.Len(t, doc.StaticResources.Clusters, 2)
	assert.Equal(t, "fallback_8080", doc.StaticResources.Clusters[0].Name)
	assert.Equal(t, "STRICT_DNS", doc.StaticResources.Clusters[0].Type)
	assert.Equal(t, "alice-pod_8080", doc.StaticResources.Clusters[1].Name)
	assert.Equal(t, "STATIC", doc.StaticResources.Clusters[1].Type)

	assert.Contains(t, out, "alice.shop.example.com")
	assert.Contains(t, out, "x-dev")
	assert.Contains(t, out, "web-cloned-routing-svc.dev.svc")
}

func TestBuild_RouteOrder(t *testing.T) {
	t.Parallel()

	values := envoy.BuildValues(sampleConfig())

	static := values["static_resources"].(map[string]any)
	listener := static["listeners"].([]map[string]any)[0]
	chain := listener["filter_chains"].([]map[string]any)[0]
	filter := chain["filters"].([]map[string]any)[0]
	typed := filter["typed_config"].(map[string]any)
	routeConfig := typed["route_config"].(map[string]any)
	vhost := routeConfig["virtual_hosts"].([]map[string]any)[0]
	routes := vhost["routes"].([]map[string]any)

	require.Len(t, routes, 3)

	// authority match, header match, fallback
	assert.Contains(t, routes[0], "request_headers_to_add")
	assert.Equal(t, "alice-pod_8080", routes[1]["route"].(map[string]any)["cluster"])
	assert.Equal(t, "fallback_8080", routes[2]["route"].(map[string]any)["cluster"])
}

func TestBuild_Deterministic(t *testing.T) {
	t.Parallel()

	cfg := sampleConfig()
	cfg.Destinations = append(cfg.Destinations, envoy.Destination{
		Name: "bob-pod", Header: "x-dev", Value: "bob", Address: "10.0.0.8",
	})

	reversed := cfg
	reversed.Destinations = []envoy.Destination{cfg.Destinations[1], cfg.Destinations[0]}

	first, err := envoy.Build(cfg)
	require.NoError(t, err)

	second, err := envoy.Build(reversed)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestBuild_DeduplicatesListenPorts(t *testing.T) {
	t.Parallel()

	cfg := sampleConfig()
	cfg.Ports = append(cfg.Ports, envoy.Port{ListenPort: 8080, ServicePort: 8080}, envoy.Port{ListenPort: 9090, ServicePort: 90})

	out, err := envoy.Build(cfg)
	require.NoError(t, err)

	assert.Contains(t, out, "listener_8080")
	assert.Contains(t, out, "listener_9090")
	assert.Contains(t, out, "alice-pod_9090")
}

func TestBuild_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*envoy.Config)
		wantErr string
	}{
		{
			name:    "missing fallback host",
			mutate:  func(c *envoy.Config) { c.FallbackHost = "" },
			wantErr: "fallback host is required",
		},
		{
			name:    "no ports",
			mutate:  func(c *envoy.Config) { c.Ports = nil },
			wantErr: "at least one port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := sampleConfig()
			tt.mutate(&cfg)

			_, err := envoy.Build(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
