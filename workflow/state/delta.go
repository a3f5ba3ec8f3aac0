package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/bhavdeep98/contd.ai/workflow/codec"
)

// DeltaOp is the kind of change a delta entry applies to a variable.
type DeltaOp string

const (
	// OpAdd introduces a variable that was absent in the prior state.
	OpAdd DeltaOp = "add"

	// OpReplace overwrites a variable that existed with a different value.
	OpReplace DeltaOp = "replace"

	// OpRemove deletes a variable present in the prior state.
	OpRemove DeltaOp = "remove"
)

// DeltaEntry is one variable change. Value is nil for OpRemove.
type DeltaEntry struct {
	Op    DeltaOp `json:"op"`
	Key   string  `json:"key"`
	Value any     `json:"value,omitempty"`
}

// Delta is the deterministic representation of the transformation from one
// state's variables to the next: entries sorted by key, one entry per key.
// Applying the full sequence of deltas from the initial state reconstructs
// any later state, which is what recovery replay relies on.
type Delta []DeltaEntry

// ComputeDelta diffs prev against next and returns the canonically ordered
// set of add/replace/remove entries. Equality of values is judged on their
// canonical encoding so that logically equal values never produce a phantom
// replace.
func ComputeDelta(prev, next map[string]any) (Delta, error) {
	var d Delta

	for k, nv := range next {
		pv, existed := prev[k]
		if !existed {
			d = append(d, DeltaEntry{Op: OpAdd, Key: k, Value: nv})
			continue
		}
		same, err := canonicallyEqual(pv, nv)
		if err != nil {
			return nil, fmt.Errorf("delta key %q: %w", k, err)
		}
		if !same {
			d = append(d, DeltaEntry{Op: OpReplace, Key: k, Value: nv})
		}
	}

	for k := range prev {
		if _, still := next[k]; !still {
			d = append(d, DeltaEntry{Op: OpRemove, Key: k})
		}
	}

	sort.Slice(d, func(i, j int) bool { return d[i].Key < d[j].Key })
	return d, nil
}

// Apply merges the delta into vars in place. Unknown ops fail rather than
// being skipped; a delta that cannot be applied exactly means the journal
// and the runtime disagree about the schema.
func (d Delta) Apply(vars map[string]any) error {
	for _, e := range d {
		switch e.Op {
		case OpAdd, OpReplace:
			vars[e.Key] = e.Value
		case OpRemove:
			delete(vars, e.Key)
		default:
			return fmt.Errorf("unknown delta op %q for key %q", e.Op, e.Key)
		}
	}
	return nil
}

func canonicallyEqual(a, b any) (bool, error) {
	ca, err := codec.Canonical(a)
	if err != nil {
		return false, err
	}
	cb, err := codec.Canonical(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ca, cb), nil
}

func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
