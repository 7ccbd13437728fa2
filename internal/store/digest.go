package store

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/spaolacci/murmur3"

	"github.com/roach88/lofisync/internal/ir"
)

// DatasetDigest hashes rows in the order given with murmur3-128. Two
// replicas hold the same visible dataset iff their digests match.
func DatasetDigest(rows []ir.DatasetRow) (string, error) {
	h := murmur3.New128()
	for _, r := range rows {
		data, err := ir.MarshalCanonical(r.Data)
		if err != nil {
			return "", fmt.Errorf("digest %s/%s: %w", r.Table, r.RowID, err)
		}
		for _, part := range [][]byte{[]byte(r.Table), []byte(r.RowID), []byte(r.AudienceKey), data} {
			h.Write(part)
			h.Write([]byte{0})
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Digest is DatasetDigest over every row visible to the transaction.
func (t *Tx) Digest(ctx context.Context) (string, error) {
	rows, err := t.Rows(ctx, "")
	if err != nil {
		return "", err
	}
	return DatasetDigest(rows)
}
