package ir

import (
	"bytes"
	"fmt"
	"strings"
)

// ArgsKind discriminates the Args union.
type ArgsKind int

const (
	KindMutation ArgsKind = iota
	KindCorrection
	KindRollback
	KindExtension
)

// String returns the kind name.
func (k ArgsKind) String() string {
	switch k {
	case KindMutation:
		return "mutation"
	case KindCorrection:
		return "correction"
	case KindRollback:
		return "rollback"
	case KindExtension:
		return "extension"
	default:
		return "unknown"
	}
}

// Args is the tagged union of action argument payloads.
// Implemented by Mutation, Correction, Rollback and Extension.
type Args interface {
	Kind() ArgsKind
	object() Object
}

// Mutation carries the parameters of an application action.
type Mutation struct {
	Params Object
}

func (Mutation) Kind() ArgsKind { return KindMutation }

func (a Mutation) object() Object {
	if a.Params == nil {
		return Object{}
	}
	return a.Params
}

// Correction lists the rows a SYNC action resets to their canonical value.
type Correction struct {
	Rows []RowRef
}

func (Correction) Kind() ArgsKind { return KindCorrection }

func (a Correction) object() Object {
	rows := make(Array, len(a.Rows))
	for i, r := range a.Rows {
		rows[i] = Object{"table": String(r.Table), "row_id": String(r.RowID)}
	}
	return Object{"rows": rows}
}

// GenesisTarget is the rollback target meaning "before every action".
const GenesisTarget = "genesis"

// Rollback requests that everything after Target be rolled back and
// replayed. Target is an action id or GenesisTarget.
type Rollback struct {
	Target string
}

func (Rollback) Kind() ArgsKind { return KindRollback }

func (a Rollback) object() Object {
	return Object{"target": String(a.Target)}
}

// IsGenesis reports whether the rollback reaches back to the empty log.
func (a Rollback) IsGenesis() bool {
	return a.Target == GenesisTarget
}

// Extension carries args of an ext: tagged action without interpreting them.
type Extension struct {
	Body Object
}

func (Extension) Kind() ArgsKind { return KindExtension }

func (a Extension) object() Object {
	if a.Body == nil {
		return Object{}
	}
	return a.Body
}

// KindForTag returns the args kind carried by actions with the given tag.
func KindForTag(tag ActionKind) ArgsKind {
	switch {
	case tag == TagCorrection:
		return KindCorrection
	case tag == TagRollback:
		return KindRollback
	case strings.HasPrefix(string(tag), ExtensionPrefix):
		return KindExtension
	default:
		return KindMutation
	}
}

// EncodeArgs returns the canonical JSON of args. Nil args encode as {}.
func EncodeArgs(a Args) ([]byte, error) {
	if a == nil {
		return []byte("{}"), nil
	}
	b, err := MarshalCanonical(a.object())
	if err != nil {
		return nil, fmt.Errorf("encode %s args: %w", a.Kind(), err)
	}
	return b, nil
}

// DecodeArgs parses the args payload of an action with the given tag.
// Empty input decodes to the zero payload for the tag.
func DecodeArgs(tag ActionKind, data []byte) (Args, error) {
	data = bytes.TrimSpace(data)
	obj := Object{}
	if len(data) > 0 {
		var err error
		if obj, err = ParseObject(data); err != nil {
			return nil, err
		}
	}
	return ArgsFromObject(tag, obj)
}

// ArgsFromObject builds the typed payload for tag from a decoded object.
func ArgsFromObject(tag ActionKind, obj Object) (Args, error) {
	switch KindForTag(tag) {
	case KindCorrection:
		return correctionFromObject(obj)
	case KindRollback:
		target, ok := obj["target"].(String)
		if !ok || target == "" {
			return nil, fmt.Errorf("rollback args: target must be a non-empty string")
		}
		return Rollback{Target: string(target)}, nil
	case KindExtension:
		return Extension{Body: obj}, nil
	default:
		return Mutation{Params: obj}, nil
	}
}

func correctionFromObject(obj Object) (Args, error) {
	raw, ok := obj["rows"]
	if !ok {
		return Correction{}, nil
	}
	arr, ok := raw.(Array)
	if !ok {
		return nil, fmt.Errorf("correction args: rows must be an array")
	}
	rows := make([]RowRef, 0, len(arr))
	for i, elem := range arr {
		o, ok := elem.(Object)
		if !ok {
			return nil, fmt.Errorf("correction args: rows[%d] must be an object", i)
		}
		table, _ := o["table"].(String)
		rowID, _ := o["row_id"].(String)
		if table == "" || rowID == "" {
			return nil, fmt.Errorf("correction args: rows[%d] needs table and row_id", i)
		}
		rows = append(rows, RowRef{Table: string(table), RowID: string(rowID)})
	}
	return Correction{Rows: rows}, nil
}
