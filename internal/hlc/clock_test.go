package hlc

import (
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedSource(ms uint64) Source {
	return func() uint64 { return ms }
}

func TestClock_Now_UsesPhysicalTime(t *testing.T) {
	c := NewClock("a", fixedSource(1000))

	ts := c.Now()
	assert.Equal(t, uint64(1000), ts.TimeMs)
	assert.Equal(t, uint32(0), ts.Counter)
	assert.Equal(t, uint32(1), ts.Vector["a"])
}

func TestClock_Now_SameTickIncrementsCounter(t *testing.T) {
	c := NewClock("a", fixedSource(1000))

	first := c.Now()
	second := c.Now()

	assert.Equal(t, first.TimeMs, second.TimeMs)
	assert.Equal(t, first.Counter+1, second.Counter)
	assert.True(t, Less(first, second))
	assert.Equal(t, uint32(2), second.Vector["a"])
}

func TestClock_Now_PhysicalTimeGoesBackwards(t *testing.T) {
	now := uint64(5000)
	c := NewClock("a", func() uint64 { return now })

	first := c.Now()
	now = 1000
	second := c.Now()

	assert.Equal(t, uint64(5000), second.TimeMs, "time must never move backwards")
	assert.True(t, Less(first, second))
}

func TestClock_Observe_NextSortsAfterObserved(t *testing.T) {
	c := NewClock("a", fixedSource(1000))
	remote := Timestamp{TimeMs: 3000, Counter: 4, Vector: map[string]uint32{"b": 7}}

	c.Observe(remote)
	next := c.Now()

	assert.True(t, Less(remote, next))
	assert.Equal(t, uint32(7), next.Vector["b"])
	assert.Equal(t, After, Compare(next, remote))
}

func TestClock_OwnCounterStrictlyIncreasing(t *testing.T) {
	c := NewClock("a", fixedSource(1000))
	var prev uint32
	for i := 0; i < 100; i++ {
		if i%10 == 0 {
			c.Observe(Timestamp{TimeMs: uint64(1000 + i), Vector: map[string]uint32{"b": uint32(i)}})
		}
		ts := c.Now()
		require.Greater(t, ts.Vector["a"], prev)
		prev = ts.Vector["a"]
	}
}

func TestClock_ThreadSafe(t *testing.T) {
	c := NewClock("a", WallClock)
	const goroutines = 20
	const calls = 50

	var wg sync.WaitGroup
	out := make(chan Timestamp, goroutines*calls)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < calls; j++ {
				out <- c.Now()
			}
		}()
	}
	wg.Wait()
	close(out)

	seen := make(map[uint32]bool)
	for ts := range out {
		assert.False(t, seen[ts.Vector["a"]], "own counter %d produced twice", ts.Vector["a"])
		seen[ts.Vector["a"]] = true
	}
	assert.Len(t, seen, goroutines*calls)
}

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b map[string]uint32
		want Ordering
	}{
		{"equal", map[string]uint32{"a": 1}, map[string]uint32{"a": 1}, Equal},
		{"both empty", nil, nil, Equal},
		{"before", map[string]uint32{"a": 1}, map[string]uint32{"a": 2}, Before},
		{"after", map[string]uint32{"a": 2, "b": 1}, map[string]uint32{"a": 2}, After},
		{"missing entry counts as zero", map[string]uint32{}, map[string]uint32{"b": 1}, Before},
		{"concurrent", map[string]uint32{"a": 2, "b": 1}, map[string]uint32{"a": 1, "b": 2}, Concurrent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compare(Timestamp{Vector: tt.a}, Timestamp{Vector: tt.b})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMerge_DoesNotMutateInputs(t *testing.T) {
	a := Timestamp{TimeMs: 1, Vector: map[string]uint32{"a": 1}}
	b := Timestamp{TimeMs: 2, Vector: map[string]uint32{"b": 1}}

	m := Merge(a, b)

	assert.Equal(t, map[string]uint32{"a": 1, "b": 1}, m.Vector)
	assert.Equal(t, map[string]uint32{"a": 1}, a.Vector)
	assert.Equal(t, uint64(2), m.TimeMs)
}

func TestVectorRoundTrip(t *testing.T) {
	s, err := MarshalVector(map[string]uint32{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2}`, s)

	v, err := UnmarshalVector(s)
	require.NoError(t, err)
	assert.Equal(t, map[string]uint32{"a": 1, "b": 2}, v)
}

func genVector() gopter.Gen {
	return gen.MapOf(gen.OneConstOf("a", "b", "c", "d"), gen.UInt32Range(0, 50))
}

// TestProperty_MergeDominates checks that merging two observed timestamps
// yields a value that dominates both in vector order and in (time, counter).
func TestProperty_MergeDominates(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("merge dominates both inputs", prop.ForAll(
		func(va, vb map[string]uint32, ta, tb uint64) bool {
			a := Timestamp{TimeMs: ta, Vector: va}
			b := Timestamp{TimeMs: tb, Vector: vb}
			m := Merge(a, b)
			return Dominates(m, a) && Dominates(m, b) && !Less(m, a) && !Less(m, b)
		},
		genVector(), genVector(),
		gen.UInt64Range(0, 10000), gen.UInt64Range(0, 10000),
	))

	properties.Property("now after observe is causally after the observed value", prop.ForAll(
		func(remote map[string]uint32, remoteTime uint64, localTime uint64) bool {
			c := NewClock("z", fixedSource(localTime))
			observed := Timestamp{TimeMs: remoteTime, Vector: remote}
			c.Observe(observed)
			next := c.Now()
			return Compare(next, observed) == After && Less(observed, next)
		},
		genVector(), gen.UInt64Range(0, 10000), gen.UInt64Range(0, 10000),
	))

	properties.TestingRun(t)
}
