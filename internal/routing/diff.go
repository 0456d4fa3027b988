package routing

import (
	"cmp"
	"slices"

	"sigs.k8s.io/controller-runtime/pkg/client"
)

// Operation is the kind of write a Mutation performs.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Mutation is one step that moves the cluster toward the desired state.
// Current is nil for creates, Desired is nil for deletes.
type Mutation struct {
	Op      Operation
	Current client.Object
	Desired client.Object
}

// Key returns the (namespace, name) key of the mutated object.
func (m Mutation) Key() string {
	if m.Desired != nil {
		return objectKey(m.Desired)
	}

	return objectKey(m.Current)
}

// Diff walks current and desired sorted by (namespace, name): keys only in
// current are deleted, keys only in desired are created, shared keys are updated.
func Diff(current, desired []client.Object) []Mutation {
	cur := sortedByKey(current)
	want := sortedByKey(desired)

	mutations := make([]Mutation, 0, max(len(cur), len(want)))

	i, j := 0, 0
	for i < len(cur) || j < len(want) {
		var order int

		switch {
		case i == len(cur):
			order = 1
		case j == len(want):
			order = -1
		default:
			order = compareKeys(cur[i], want[j])
		}

		switch {
		case order < 0:
			mutations = append(mutations, Mutation{Op: OpDelete, Current: cur[i]})
			i++
		case order > 0:
			mutations = append(mutations, Mutation{Op: OpCreate, Desired: want[j]})
			j++
		default:
			mutations = append(mutations, Mutation{Op: OpUpdate, Current: cur[i], Desired: want[j]})
			i++
			j++
		}
	}

	return mutations
}

func sortedByKey(objects []client.Object) []client.Object {
	out := slices.Clone(objects)
	slices.SortFunc(out, compareKeys)

	return out
}

func compareKeys(a, b client.Object) int {
	return cmp.Or(
		cmp.Compare(a.GetNamespace(), b.GetNamespace()),
		cmp.Compare(a.GetName(), b.GetName()),
	)
}

func objectKey(obj client.Object) string {
	return obj.GetNamespace() + "/" + obj.GetName()
}
