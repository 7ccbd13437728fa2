package ir

import (
	"encoding/json"
	"errors"
	"fmt"
)

// BatchError reports why an uploaded batch is malformed.
// A batch that fails validation must not be retried unmodified.
type BatchError struct {
	ActionID string
	AMRID    string
	Reason   string
	Err      error
}

func (e *BatchError) Error() string {
	msg := "invalid batch"
	if e.ActionID != "" {
		msg += fmt.Sprintf(" (action %s)", e.ActionID)
	}
	if e.AMRID != "" {
		msg += fmt.Sprintf(" (amr %s)", e.AMRID)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// IsBatchError reports whether err is or wraps a *BatchError.
func IsBatchError(err error) bool {
	var be *BatchError
	return errors.As(err, &be)
}

// DecodeBatch decodes wire-encoded action and AMR arrays. Any decoding
// failure, including double-encoded args or patches, is a *BatchError.
func DecodeBatch(actionsJSON, amrsJSON []byte) ([]ActionRecord, []ActionModifiedRow, error) {
	var actions []ActionRecord
	if len(actionsJSON) > 0 {
		if err := json.Unmarshal(actionsJSON, &actions); err != nil {
			return nil, nil, &BatchError{Reason: "decode actions", Err: err}
		}
	}
	var amrs []ActionModifiedRow
	if len(amrsJSON) > 0 {
		if err := json.Unmarshal(amrsJSON, &amrs); err != nil {
			return nil, nil, &BatchError{Reason: "decode modified rows", Err: err}
		}
	}
	return actions, amrs, nil
}

// ValidateBatch checks that a batch is well-formed before anything is
// written:
//   - every AMR references an action in the batch
//   - every action belongs to uploader (skipped when uploader is empty)
//   - ids are present and unique, operations are known
//   - args match the tag and patches match the operation
func ValidateBatch(uploader string, actions []ActionRecord, amrs []ActionModifiedRow) error {
	ids := make(map[string]bool, len(actions))
	for _, a := range actions {
		if a.ID == "" {
			return &BatchError{Reason: "action id is empty"}
		}
		if ids[a.ID] {
			return &BatchError{ActionID: a.ID, Reason: "duplicate action id"}
		}
		ids[a.ID] = true

		if a.Tag == "" {
			return &BatchError{ActionID: a.ID, Reason: "tag is empty"}
		}
		if a.ClientID == "" {
			return &BatchError{ActionID: a.ID, Reason: "client id is empty"}
		}
		if uploader != "" && a.ClientID != uploader {
			return &BatchError{
				ActionID: a.ID,
				Reason:   fmt.Sprintf("client id %q does not match uploader %q", a.ClientID, uploader),
			}
		}
		if a.Args != nil && a.Args.Kind() != KindForTag(a.Tag) {
			return &BatchError{
				ActionID: a.ID,
				Reason:   fmt.Sprintf("%s args on %s action", a.Args.Kind(), a.Tag),
			}
		}
	}

	amrIDs := make(map[string]bool, len(amrs))
	type seqKey struct {
		action string
		seq    uint32
	}
	seqs := make(map[seqKey]bool, len(amrs))
	for _, m := range amrs {
		if m.ID == "" {
			return &BatchError{ActionID: m.ActionRecordID, Reason: "amr id is empty"}
		}
		if amrIDs[m.ID] {
			return &BatchError{AMRID: m.ID, Reason: "duplicate amr id"}
		}
		amrIDs[m.ID] = true

		if !ids[m.ActionRecordID] {
			return &BatchError{
				AMRID:  m.ID,
				Reason: fmt.Sprintf("references action %q not in batch", m.ActionRecordID),
			}
		}
		k := seqKey{m.ActionRecordID, m.Sequence}
		if seqs[k] {
			return &BatchError{AMRID: m.ID, Reason: fmt.Sprintf("duplicate sequence %d", m.Sequence)}
		}
		seqs[k] = true

		if err := ValidatePatch(m); err != nil {
			return &BatchError{AMRID: m.ID, Reason: "malformed patch", Err: err}
		}
	}
	return nil
}

// ValidatePatch checks that an AMR's patches have the shape its operation
// requires.
func ValidatePatch(m ActionModifiedRow) error {
	if m.TableName == "" || m.RowID == "" {
		return fmt.Errorf("table and row id are required")
	}
	if m.AudienceKey == "" {
		return fmt.Errorf("audience key is required")
	}
	switch m.Operation {
	case OpInsert:
		if len(m.ForwardPatch) == 0 {
			return fmt.Errorf("INSERT needs a forward image")
		}
		if len(m.ReversePatch) != 0 {
			return fmt.Errorf("INSERT must have an empty reverse image")
		}
	case OpUpdate:
		if len(m.ForwardPatch) == 0 || len(m.ReversePatch) == 0 {
			return fmt.Errorf("UPDATE needs forward and reverse images")
		}
	case OpDelete:
		if len(m.ForwardPatch) != 0 {
			return fmt.Errorf("DELETE must have an empty forward image")
		}
		if len(m.ReversePatch) == 0 {
			return fmt.Errorf("DELETE needs a reverse image")
		}
	default:
		return fmt.Errorf("unknown operation %q", m.Operation)
	}
	for _, patch := range []Object{m.ForwardPatch, m.ReversePatch} {
		if _, err := MarshalCanonical(patch); err != nil {
			return err
		}
	}
	return nil
}
