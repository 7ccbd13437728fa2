package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/lofisync/internal/ir"
	"github.com/roach88/lofisync/internal/schema"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	Batch    string
	Uploader string
}

// batchFile is the on-disk shape of an upload batch.
type batchFile struct {
	Actions      json.RawMessage `json:"actions"`
	ModifiedRows json.RawMessage `json:"modified_rows"`
}

type validateOutput struct {
	Tables  []string `json:"tables"`
	Actions int      `json:"actions,omitempty"`
	Rows    int      `json:"modified_rows,omitempty"`
}

func (o validateOutput) WriteText(w io.Writer, verbose bool) {
	fmt.Fprintf(w, "Schema OK: %d sync-enabled table(s)\n", len(o.Tables))
	if verbose {
		for _, t := range o.Tables {
			fmt.Fprintf(w, "  %s\n", t)
		}
	}
	if o.Actions > 0 || o.Rows > 0 {
		fmt.Fprintf(w, "Batch OK: %d action(s), %d modified row(s)\n", o.Actions, o.Rows)
	}
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <schema-path>",
		Short: "Validate a CUE schema and optionally an upload batch",
		Long: `Compile the CUE schema of the sync-enabled tables. With --batch, also
decode an upload batch ({"actions": [...], "modified_rows": [...]}) and check
it the way the server does, including every forward row image against the
schema.

Exit codes:
  0 - Valid
  1 - Schema or batch invalid
  2 - Command error (file not found, etc.)

Examples:
  lofisync validate ./schema
  lofisync validate ./schema/todos.cue --batch upload.json --uploader laptop`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, cmd, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Batch, "batch", "", "upload batch file to check")
	cmd.Flags().StringVar(&opts.Uploader, "uploader", "", "require every action to belong to this client id")
	return cmd
}

func runValidate(opts *ValidateOptions, cmd *cobra.Command, schemaPath string) error {
	f := opts.formatter(cmd)

	if _, err := os.Stat(schemaPath); err != nil {
		return f.Fail(WrapExitError(ExitCommandError, "schema not found", err), nil)
	}
	reg, err := schema.LoadDir(schemaPath)
	if err != nil {
		return f.Fail(WrapExitError(ExitFailure, "invalid schema", err), nil)
	}
	out := validateOutput{Tables: reg.Tables()}
	f.VerboseLog("compiled %d table(s) from %s", len(out.Tables), schemaPath)

	if opts.Batch == "" {
		return f.Success(out)
	}
	data, err := os.ReadFile(opts.Batch)
	if err != nil {
		return f.Fail(WrapExitError(ExitCommandError, "failed to read batch", err), nil)
	}
	actions, amrs, err := ValidateBatchFile(data, opts.Uploader, reg)
	if err != nil {
		return f.Fail(WrapExitError(ExitFailure, "invalid batch", err), out)
	}
	out.Actions = len(actions)
	out.Rows = len(amrs)
	return f.Success(out)
}

// ValidateBatchFile decodes and checks an upload batch. Forward images of
// inserts and updates must satisfy reg.
func ValidateBatchFile(data []byte, uploader string, reg *schema.Registry) ([]ir.ActionRecord, []ir.ActionModifiedRow, error) {
	var bf batchFile
	if err := json.Unmarshal(data, &bf); err != nil {
		return nil, nil, &ir.BatchError{Reason: "decode batch file", Err: err}
	}
	actions, amrs, err := ir.DecodeBatch(bf.Actions, bf.ModifiedRows)
	if err != nil {
		return nil, nil, err
	}
	if err := ir.ValidateBatch(uploader, actions, amrs); err != nil {
		return nil, nil, err
	}
	for _, m := range amrs {
		if m.Operation == ir.OpDelete {
			continue
		}
		if err := reg.ValidateRow(m.TableName, m.ForwardPatch); err != nil {
			return nil, nil, fmt.Errorf("modified row %s: %w", m.ID, err)
		}
	}
	return actions, amrs, nil
}
