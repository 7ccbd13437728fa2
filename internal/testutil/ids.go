package testutil

import (
	"fmt"
	"sync"
)

// ScriptedIDs hands out a fixed list of ids, then numbered fallbacks.
//
// This enables deterministic test execution and golden snapshot comparison:
// the same scenario with the same ScriptedIDs produces byte-identical logs.
// Once the script is exhausted, ids continue as "<fallback>-0001",
// "<fallback>-0002", ...
//
// Implements capture.IDGenerator.
//
// Thread-safety: Generate is safe for concurrent use.
type ScriptedIDs struct {
	mu       sync.Mutex
	script   []string
	fallback string
	next     int
}

// NewScriptedIDs creates a generator. An empty fallback means "id".
func NewScriptedIDs(fallback string, script ...string) *ScriptedIDs {
	if fallback == "" {
		fallback = "id"
	}
	return &ScriptedIDs{script: script, fallback: fallback}
}

// Generate returns the next id.
func (g *ScriptedIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := g.next
	g.next++
	if i < len(g.script) {
		return g.script[i]
	}
	return fmt.Sprintf("%s-%04d", g.fallback, i-len(g.script)+1)
}
