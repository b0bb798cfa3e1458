package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/razvandimescu/treesnap/internal/guestbook"
	"github.com/razvandimescu/treesnap/internal/server"
	"github.com/razvandimescu/treesnap/internal/snapshot"
	"github.com/spf13/cobra"
)

func (app *App) generator(cmd *cobra.Command) *snapshot.Generator {
	return &snapshot.Generator{
		Root:    app.cfg.Root,
		Output:  app.cfg.Output,
		Exclude: app.cfg.Exclude,
		Logger:  app.log.Named("generator"),
		Stdout:  cmd.OutOrStdout(),
		Stderr:  cmd.ErrOrStderr(),
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func newGenerateCmd(app *App) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write the tree snapshot (filetree.json) for the root directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			gen := app.generator(cmd)
			if !watch {
				if _, err := gen.Run(); err != nil {
					return reported(err)
				}
				return nil
			}

			ctx, stop := signalContext(cmd)
			defer stop()
			if err := snapshot.NewWatcher(gen).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return reported(err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep running and regenerate on every change")
	return cmd
}

// reported maps a generator failure to a silent non-zero exit: the
// generator already printed "Failed to write ...". Walk errors were not
// printed and pass through.
func reported(err error) error {
	if errors.Is(err, snapshot.ErrWrite) {
		return &exitError{code: 1}
	}
	return err
}

func newServeCmd(app *App) *cobra.Command {
	var (
		watch bool
		addr  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the root directory, its snapshot, the viewer page and the guestbook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := app.cfg
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("watch") {
				cfg.Server.Watch = watch
			}

			store, err := guestbook.OpenSQLStore(cfg.Server.DB)
			if err != nil {
				return err
			}
			defer store.Close()

			srv, err := server.New(server.Options{
				Root:    cfg.Root,
				Output:  cfg.Output,
				Exclude: append(append([]string(nil), cfg.Exclude...), databaseFiles(cfg.Server.DB)...),
				Store:   store,
				Watch:   cfg.Server.Watch,
				Logger:  app.log.Named("server"),
			})
			if err != nil {
				return err
			}
			srv.Generator().Stdout = cmd.OutOrStdout()
			srv.Generator().Stderr = cmd.ErrOrStderr()

			ctx, stop := signalContext(cmd)
			defer stop()
			fmt.Fprintf(cmd.OutOrStdout(), "Serving %s at http://%s\nPress Ctrl+C to quit\n", cfg.Root, cfg.Server.Addr)
			return srv.ListenAndServe(ctx, cfg.Server.Addr)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "Regenerate the snapshot on change and notify open pages")
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config: 127.0.0.1:8000)")
	return cmd
}

// databaseFiles names the SQLite database and its side files so a database
// kept inside the root stays out of snapshots and watch events.
func databaseFiles(db string) []string {
	base := filepath.Base(db)
	return []string{base, base + "-journal", base + "-wal", base + "-shm"}
}
