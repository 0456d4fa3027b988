package routing_test

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/sets"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/lexfrei/header-routing-controller/internal/routing"
)

func configMaps(keys ...string) []client.Object {
	out := make([]client.Object, 0, len(keys))

	for _, key := range keys {
		out = append(out, &corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Namespace: testNamespace, Name: key}})
	}

	return out
}

func TestDiffExamples(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		current []string
		desired []string
		want    []string
	}{
		{name: "empty", want: []string{}},
		{name: "create all", desired: []string{"b", "a"}, want: []string{"create a", "create b"}},
		{name: "delete all", current: []string{"a", "b"}, want: []string{"delete a", "delete b"}},
		{
			name:    "mixed",
			current: []string{"c", "a", "d"},
			desired: []string{"b", "c", "e"},
			want:    []string{"delete a", "create b", "update c", "delete d", "create e"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := []string{}
			for _, m := range routing.Diff(configMaps(tt.current...), configMaps(tt.desired...)) {
				name := m.Key()[len(testNamespace)+1:]
				got = append(got, string(m.Op)+" "+name)
			}

			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDiffOrdersByNamespaceThenName(t *testing.T) {
	t.Parallel()

	current := []client.Object{
		&corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Namespace: "b", Name: "a"}},
	}
	desired := []client.Object{
		&corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Namespace: "a", Name: "z"}},
		&corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Namespace: "b", Name: "a"}},
	}

	mutations := routing.Diff(current, desired)
	require.Len(t, mutations, 2)
	assert.Equal(t, routing.OpCreate, mutations[0].Op)
	assert.Equal(t, "a/z", mutations[0].Key())
	assert.Equal(t, routing.OpUpdate, mutations[1].Op)
	assert.Same(t, current[0], mutations[1].Current)
	assert.Same(t, desired[1], mutations[1].Desired)
}

func TestDiffProperty(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(42, 7)) //nolint:gosec // deterministic test data

	for iteration := range 200 {
		universe := rng.IntN(30) + 1

		cur, want := sets.New[string](), sets.New[string]()

		for i := range universe {
			key := fmt.Sprintf("obj-%02d", i)

			if rng.IntN(2) == 0 {
				cur.Insert(key)
			}

			if rng.IntN(2) == 0 {
				want.Insert(key)
			}
		}

		currentKeys, desiredKeys := cur.UnsortedList(), want.UnsortedList()
		rng.Shuffle(len(currentKeys), func(i, j int) { currentKeys[i], currentKeys[j] = currentKeys[j], currentKeys[i] })

		mutations := routing.Diff(configMaps(currentKeys...), configMaps(desiredKeys...))

		deletes, creates, updates := sets.New[string](), sets.New[string](), sets.New[string]()

		for _, m := range mutations {
			name := m.Key()[len(testNamespace)+1:]

			switch m.Op {
			case routing.OpDelete:
				assert.Nil(t, m.Desired)
				deletes.Insert(name)
			case routing.OpCreate:
				assert.Nil(t, m.Current)
				creates.Insert(name)
			case routing.OpUpdate:
				require.NotNil(t, m.Current)
				require.NotNil(t, m.Desired)
				updates.Insert(name)
			}
		}

		require.Len(t, mutations, cur.Union(want).Len(), "iteration %d: every key handled exactly once", iteration)
		assert.True(t, deletes.Equal(cur.Difference(want)), "iteration %d deletes", iteration)
		assert.True(t, creates.Equal(want.Difference(cur)), "iteration %d creates", iteration)
		assert.True(t, updates.Equal(cur.Intersection(want)), "iteration %d updates", iteration)
	}
}
