package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/roach88/lofisync/internal/capture"
	"github.com/roach88/lofisync/internal/config"
	"github.com/roach88/lofisync/internal/hlc"
	"github.com/roach88/lofisync/internal/reconcile"
	"github.com/roach88/lofisync/internal/schema"
	"github.com/roach88/lofisync/internal/store"
)

// openStore opens an existing or new database with an optional schema.
func openStore(path, schemaPath string, logger *slog.Logger) (*store.Store, error) {
	opts := []store.Option{store.WithLogger(logger)}
	if schemaPath != "" {
		reg, err := schema.LoadDir(schemaPath)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load schema", err)
		}
		opts = append(opts, store.WithSchema(reg))
	}
	st, err := store.Open(path, opts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

// openExisting is openStore for commands that only inspect a database.
func openExisting(path string, logger *slog.Logger) (*store.Store, error) {
	if err := requireDatabase(path); err != nil {
		return nil, err
	}
	return openStore(path, "", logger)
}

func requireDatabase(path string) error {
	if _, err := os.Stat(path); err != nil {
		return WrapExitError(ExitCommandError, "database not found", err)
	}
	return nil
}

// seededRecorder builds a recorder whose clock is ahead of every timestamp
// already in the replica's log.
func seededRecorder(ctx context.Context, st *store.Store, cl config.ClientConfig, logger *slog.Logger) (*capture.Recorder, error) {
	clock := hlc.NewClock(cl.ClientID, hlc.WallClock)
	err := st.WithTx(ctx, store.BypassScope(), func(tx *store.Tx) error {
		seed, err := tx.SeedClock(ctx)
		if err != nil {
			return err
		}
		clock.Observe(seed)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("seed clock: %w", err)
	}
	return capture.NewRecorder(clock, cl.UserID, capture.WithLogger(logger)), nil
}

// openReplica opens the client database and builds a reconcile.Client over
// remote. A nil remote is fine for commands that never talk to the server.
func openReplica(ctx context.Context, cl config.ClientConfig, remote reconcile.Remote, logger *slog.Logger, opts ...reconcile.ClientOption) (*reconcile.Client, *store.Store, error) {
	st, err := openStore(cl.DBPath, cl.SchemaPath, logger)
	if err != nil {
		return nil, nil, err
	}
	rec, err := seededRecorder(ctx, st, cl, logger)
	if err != nil {
		st.Close()
		return nil, nil, WrapExitError(ExitCommandError, "failed to open replica", err)
	}
	opts = append([]reconcile.ClientOption{
		reconcile.WithClientLogger(logger),
		reconcile.WithMaxAttempts(cl.MaxAttempts),
	}, opts...)
	return reconcile.NewClient(st, remote, rec, store.AudienceScope(cl.Audiences...), opts...), st, nil
}

// applyClientFlags overrides config values with non-empty flags.
func applyClientFlags(cl *config.ClientConfig, f clientFlags) {
	if f.db != "" {
		cl.DBPath = f.db
	}
	if f.clientID != "" {
		cl.ClientID = f.clientID
		if cl.UserID == "" {
			cl.UserID = f.clientID
		}
	}
	if f.userID != "" {
		cl.UserID = f.userID
	}
	if len(f.audiences) > 0 {
		cl.Audiences = f.audiences
	}
	if f.server != "" {
		cl.ServerAddr = f.server
	}
	if f.schema != "" {
		cl.SchemaPath = f.schema
	}
}

// clientFlags are the replica flags shared by sync and quarantine.
type clientFlags struct {
	db        string
	clientID  string
	userID    string
	audiences []string
	server    string
	schema    string
}
