package ir

import (
	"cmp"
	"fmt"
	"strings"
)

// OrderKey is the total order over action records: HLC time, HLC counter,
// then client id and action id as tie-breaks for concurrent records.
//
// Strings compare bytewise, which matches SQLite's BINARY collation used by
// the store's ORDER BY clauses.
type OrderKey struct {
	TimeMs   uint64 `json:"timestamp_ms"`
	Counter  uint32 `json:"counter"`
	ClientID string `json:"client_id"`
	ActionID string `json:"action_id"`
}

// KeyOf derives the order key of a record.
func KeyOf(r ActionRecord) OrderKey {
	return OrderKey{
		TimeMs:   r.Clock.TimeMs,
		Counter:  r.Clock.Counter,
		ClientID: r.ClientID,
		ActionID: r.ID,
	}
}

// CompareOrderKey returns -1, 0 or +1.
func CompareOrderKey(a, b OrderKey) int {
	if c := cmp.Compare(a.TimeMs, b.TimeMs); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Counter, b.Counter); c != 0 {
		return c
	}
	if c := strings.Compare(a.ClientID, b.ClientID); c != 0 {
		return c
	}
	return strings.Compare(a.ActionID, b.ActionID)
}

// Less reports whether k sorts strictly before o.
func (k OrderKey) Less(o OrderKey) bool {
	return CompareOrderKey(k, o) < 0
}

// String renders the key for logs.
func (k OrderKey) String() string {
	return fmt.Sprintf("%d.%d/%s/%s", k.TimeMs, k.Counter, k.ClientID, k.ActionID)
}
