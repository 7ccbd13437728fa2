package hlc

import (
	"encoding/json"
	"fmt"
	"maps"
)

// Timestamp is a hybrid logical clock value.
type Timestamp struct {
	TimeMs  uint64            `json:"timestamp_ms"`
	Counter uint32            `json:"counter"`
	Vector  map[string]uint32 `json:"vector"`
}

// Ordering is the causal relationship between two timestamps.
type Ordering int

const (
	Before Ordering = iota
	After
	Equal
	Concurrent
)

// String returns the ordering name.
func (o Ordering) String() string {
	switch o {
	case Before:
		return "before"
	case After:
		return "after"
	case Equal:
		return "equal"
	case Concurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// Clone returns a deep copy.
func (t Timestamp) Clone() Timestamp {
	return Timestamp{TimeMs: t.TimeMs, Counter: t.Counter, Vector: cloneVector(t.Vector)}
}

func cloneVector(v map[string]uint32) map[string]uint32 {
	out := make(map[string]uint32, len(v))
	maps.Copy(out, v)
	return out
}

// Compare reports the causal relationship of a to b over the union of their
// vector entries. Missing entries count as zero.
func Compare(a, b Timestamp) Ordering {
	aGreater, bGreater := false, false

	for client, av := range a.Vector {
		bv := b.Vector[client]
		if av > bv {
			aGreater = true
		} else if bv > av {
			bGreater = true
		}
	}
	for client, bv := range b.Vector {
		if _, seen := a.Vector[client]; seen {
			continue
		}
		if bv > 0 {
			bGreater = true
		}
	}

	switch {
	case aGreater && !bGreater:
		return After
	case bGreater && !aGreater:
		return Before
	case !aGreater && !bGreater:
		return Equal
	default:
		return Concurrent
	}
}

// Merge returns a timestamp that dominates both inputs: the larger
// (TimeMs, Counter) pair and the per-client maximum of the vectors.
func Merge(a, b Timestamp) Timestamp {
	out := Timestamp{Vector: cloneVector(a.Vector)}
	if Less(a, b) {
		out.TimeMs, out.Counter = b.TimeMs, b.Counter
	} else {
		out.TimeMs, out.Counter = a.TimeMs, a.Counter
	}
	for client, n := range b.Vector {
		if n > out.Vector[client] {
			out.Vector[client] = n
		}
	}
	return out
}

// Less orders two timestamps by (TimeMs, Counter) only.
func Less(a, b Timestamp) bool {
	if a.TimeMs != b.TimeMs {
		return a.TimeMs < b.TimeMs
	}
	return a.Counter < b.Counter
}

// Dominates reports whether every vector entry of a is >= the entry in b.
func Dominates(a, b Timestamp) bool {
	o := Compare(a, b)
	return o == After || o == Equal
}

// MarshalVector encodes the vector as JSON with sorted keys.
func MarshalVector(v map[string]uint32) (string, error) {
	if v == nil {
		v = map[string]uint32{}
	}
	// encoding/json sorts map keys, which is sufficient for ASCII client ids.
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal vector: %w", err)
	}
	return string(b), nil
}

// UnmarshalVector decodes a vector produced by MarshalVector.
func UnmarshalVector(s string) (map[string]uint32, error) {
	v := map[string]uint32{}
	if s == "" {
		return v, nil
	}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("unmarshal vector: %w", err)
	}
	return v, nil
}

// String renders the timestamp for logs.
func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%d%v", t.TimeMs, t.Counter, t.Vector)
}
