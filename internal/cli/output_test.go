package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lofisync/internal/ir"
	"github.com/roach88/lofisync/internal/reconcile"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	data := map[string]string{"result": "success"}
	err := formatter.Success(data)
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Data)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Error("E_DENIED", "audience not granted", nil)
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_DENIED", resp.Error.Code)
	assert.Equal(t, "audience not granted", resp.Error.Message)
	assert.Nil(t, resp.Data)
}

type textResult struct{ n int }

func (r textResult) WriteText(w io.Writer, verbose bool) {
	fmt.Fprintf(w, "n=%d", r.n)
	if verbose {
		fmt.Fprint(w, " (verbose)")
	}
	fmt.Fprintln(w)
}

func TestOutputFormatter_TextWriter(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}
	require.NoError(t, formatter.Success(textResult{n: 3}))
	assert.Equal(t, "n=3\n", buf.String())

	buf.Reset()
	formatter.Verbose = true
	require.NoError(t, formatter.Success(textResult{n: 3}))
	assert.Equal(t, "n=3 (verbose)\n", buf.String())
}

func TestOutputFormatter_TextErrorWithDetails(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Error("E_COMMAND", "failed", textResult{n: 1}))
	assert.Equal(t, "Error [E_COMMAND]: failed\nn=1\n", buf.String())
}

func TestOutputFormatter_Fail(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	cause := reconcile.Classify(&ir.BatchError{Reason: "duplicate action id"})
	err := formatter.Fail(protocolExit("sync failed", cause), nil)

	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "E_INVALID_BATCH", resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "duplicate action id")
}

func TestOutputFormatter_VerboseLogGoesToErrWriter(t *testing.T) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: out, ErrWriter: errOut}

	formatter.VerboseLog("hidden %d", 1)
	assert.Empty(t, errOut.String())

	formatter.Verbose = true
	formatter.VerboseLog("shown %d", 2)
	assert.Equal(t, "shown 2\n", errOut.String())
	assert.Empty(t, out.String())
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "x")))
	wrapped := fmt.Errorf("outer: %w", WrapExitError(ExitSuccess, "ok", nil))
	assert.Equal(t, ExitSuccess, GetExitCode(wrapped))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
}

func TestAsExit(t *testing.T) {
	exit := NewExitError(ExitFailure, "mismatch")
	assert.Same(t, exit, asExit(exit))

	plain := errors.New("disk full")
	got := asExit(plain)
	assert.Equal(t, ExitCommandError, got.Code)
	assert.ErrorIs(t, got, plain)
}

func TestProtocolExit(t *testing.T) {
	tests := []struct {
		kind reconcile.Kind
		code int
		name string
	}{
		{reconcile.KindInvalidBatch, ExitFailure, "E_INVALID_BATCH"},
		{reconcile.KindDenied, ExitFailure, "E_DENIED"},
		{reconcile.KindBehindHead, ExitCommandError, "E_BEHIND_HEAD"},
		{reconcile.KindCompacted, ExitCommandError, "E_COMPACTED"},
		{reconcile.KindInternal, ExitCommandError, "E_INTERNAL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &reconcile.Error{Kind: tt.kind, Message: "x"}
			assert.Equal(t, tt.code, protocolExit("sync failed", err).Code)
			assert.Equal(t, tt.name, ErrorCode(err))
		})
	}
	assert.Equal(t, "E_COMMAND", ErrorCode(nil))
	assert.Equal(t, "E_COMMAND", ErrorCode(errors.New("no such file")))
	assert.Equal(t, "E_INVALID_BATCH", ErrorCode(fmt.Errorf("x: %w", &ir.BatchError{Reason: "r"})))
}

func TestSyncOutput_Text(t *testing.T) {
	buf := &bytes.Buffer{}
	out := syncOutput{
		ClientID: "laptop",
		Round:    reconcile.RoundResult{Attempts: 1, Fetched: 2, Uploaded: 1, Corrections: 1, HighWater: 9},
		Repaired: 1,
	}
	out.WriteText(buf, true)
	assert.Equal(t, "Synced laptop at server ingest id 9\n"+
		"  repaired 1 drifted rows\n"+
		"  fetched 2, uploaded 1\n"+
		"  applied 0, rolled back 0, conflicts 0, corrections 1\n", buf.String())

	data, err := json.Marshal(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"repaired":1`)
}
