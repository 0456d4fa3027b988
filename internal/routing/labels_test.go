package routing_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lexfrei/header-routing-controller/internal/routing"
)

func TestGeneratedNames(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "web-cloned-routing-svc", routing.ClonedServiceName("web"))
	assert.Equal(t, "web-envoy-routing-deploy", routing.EnvoyDeploymentName("web"))
	assert.Equal(t, "web-envoy-routing-cm", routing.EnvoyConfigMapName("web"))
	assert.Equal(t, "shop-alice-cloned-routing", routing.ClonedIngressName("shop", "alice"))
	assert.Equal(t, "shop-tls-alice-routing", routing.ClonedTLSSecretName("shop-tls", "alice"))
}

func TestTruncateName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
	}{
		{name: "short", input: "web"},
		{name: "exact limit", input: strings.Repeat("a", 63)},
		{name: "long", input: strings.Repeat("a", 80)},
		{name: "long with separator at cut", input: strings.Repeat("a", 51) + "-" + strings.Repeat("b", 40)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := routing.TruncateName(tt.input)

			assert.LessOrEqual(t, len(got), 63)
			assert.Equal(t, got, routing.TruncateName(tt.input), "must be deterministic")

			if len(tt.input) <= 63 {
				assert.Equal(t, tt.input, got)
			} else {
				assert.NotContains(t, got, "--")
			}
		})
	}

	long := strings.Repeat("x", 70)
	assert.NotEqual(t, routing.TruncateName(long+"a"), routing.TruncateName(long+"b"))
}

func TestLongServiceNamesStayWithinLabelLimit(t *testing.T) {
	t.Parallel()

	service := strings.Repeat("payments-", 6) + "api"

	for _, name := range []string{
		routing.ClonedServiceName(service),
		routing.EnvoyDeploymentName(service),
		routing.EnvoyConfigMapName(service),
	} {
		assert.LessOrEqual(t, len(name), 63, name)
	}

	assert.NotEqual(t, routing.EnvoyDeploymentName(service), routing.EnvoyConfigMapName(service))
}

func TestEncodeOwners(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "dev-a_dev-b", routing.EncodeOwners([]string{"dev-b", "dev-a", "dev-b"}))
	assert.Equal(t, "dev-a", routing.EncodeOwners([]string{"dev-a"}))
	assert.LessOrEqual(t, len(routing.EncodeOwners([]string{
		strings.Repeat("a", 40), strings.Repeat("b", 40),
	})), 63)
}

func TestGeneratedLabelSets(t *testing.T) {
	t.Parallel()

	labels := routing.GeneratedLabels([]string{"dev-b", "dev-a"})
	assert.True(t, routing.IsGenerated(labels))
	assert.Equal(t, "dev-a_dev-b", labels[routing.LabelTriggerEntity])

	assert.Equal(t, map[string]string{
		routing.LabelEntity:    "web-envoy-routing-deploy",
		routing.LabelGenerated: "true",
	}, routing.EnvoyPodLabels("web-envoy-routing-deploy"))

	assert.False(t, routing.IsGenerated(nil))
	assert.False(t, routing.IsGenerated(map[string]string{routing.LabelGenerated: "false"}))
}
