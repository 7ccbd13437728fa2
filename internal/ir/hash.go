package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// The version suffix allows a future algorithm migration.
const (
	DomainAMR      = "lofisync/amr/v1"
	DomainSnapshot = "lofisync/snapshot/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// AMRID computes the id of the sequence-th row effect of an action.
// Re-capturing the same action yields the same ids, so re-uploads stay
// idempotent.
func AMRID(actionID string, sequence uint32) string {
	obj := Object{
		"action_record_id": String(actionID),
		"sequence":         Int(sequence),
	}
	// Strings and ints always encode.
	return hashWithDomain(DomainAMR, MustCanonical(obj))
}

// SnapshotID identifies a bootstrap snapshot by epoch and high water mark.
func SnapshotID(epoch string, highWater uint64) (string, error) {
	canonical, err := MarshalCanonical(Object{
		"epoch":      String(epoch),
		"high_water": Int(int64(highWater)),
	})
	if err != nil {
		return "", fmt.Errorf("SnapshotID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainSnapshot, canonical), nil
}
