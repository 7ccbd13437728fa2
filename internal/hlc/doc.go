// Package hlc implements the hybrid logical clock used to stamp action
// records.
//
// A Timestamp has three parts:
//
//	TimeMs   physical milliseconds, never moving backwards
//	Counter  logical counter disambiguating events within one TimeMs
//	Vector   per-client monotonic counters for causal comparison
//
// (TimeMs, Counter) give a total order per physical tick that is consistent
// with causality: anything a clock has observed sorts before everything it
// emits afterwards. Vector answers the separate question of whether two
// timestamps are causally related at all (Compare returns Concurrent when
// neither dominates).
//
// Callers must Observe every received timestamp before producing further
// local ones; the engine does this while ingesting remote actions.
package hlc
