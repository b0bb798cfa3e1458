// Command treesnap writes JSON snapshots of a directory tree, serves them
// with a browsable viewer, and reads them back from the terminal.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/razvandimescu/treesnap/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Version information (set via ldflags during build)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// App holds persistent flag values and what PersistentPreRunE builds from
// them.
type App struct {
	ConfigPath string
	Root       string
	BaseURL    string
	StateFile  string
	LogLevel   string

	cfg *config.Config
	log *zap.Logger
}

// exitError ends the process with code after the failure was already
// reported to the user.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	err := newRootCmd().ExecuteContext(context.Background())
	if err == nil {
		return
	}
	var ee *exitError
	if errors.As(err, &ee) {
		os.Exit(ee.code)
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(1)
}

func newRootCmd() *cobra.Command {
	app := &App{}

	cmd := &cobra.Command{
		Use:           "treesnap",
		Short:         "Snapshot a directory tree to JSON and browse it",
		SilenceUsage:  true,
		SilenceErrors: true,
		Example: strings.TrimSpace(`
  # Write filetree.json for the current directory
  treesnap generate

  # Serve the directory, regenerating on change
  treesnap serve --watch

  # Print the tree from a running server
  treesnap view --search readme
`),
	}

	cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return app.init(cmd)
	}
	cmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		if app.log != nil {
			_ = app.log.Sync()
		}
	}

	cmd.PersistentFlags().StringVar(&app.ConfigPath, "config", envOr("TREESNAP_CONFIG", ""), "Path to a YAML config file (default: ./"+config.DefaultFile+" if present)")
	cmd.PersistentFlags().StringVar(&app.Root, "root", "", "Directory to snapshot and serve")
	cmd.PersistentFlags().StringVar(&app.BaseURL, "base-url", "", "Server URL used by the terminal client")
	cmd.PersistentFlags().StringVar(&app.StateFile, "state-file", "", "File holding the client's saved state")
	cmd.PersistentFlags().StringVar(&app.LogLevel, "log-level", "", "Log level (debug|info|warn|error)")

	cmd.AddCommand(newGenerateCmd(app))
	cmd.AddCommand(newServeCmd(app))
	cmd.AddCommand(newViewCmd(app))
	cmd.AddCommand(newLinkCmd(app))
	cmd.AddCommand(newPrefsCmd(app))
	cmd.AddCommand(newAdminCmd(app))
	cmd.AddCommand(newGuestbookCmd(app))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// init resolves configuration (defaults, file, environment, flags) and
// builds the logger.
func (app *App) init(cmd *cobra.Command) error {
	path, optional := app.ConfigPath, false
	if path == "" {
		path, optional = config.DefaultFile, true
	}
	cfg, err := config.LoadFile(path, optional)
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("root") {
		cfg.Root = app.Root
	}
	if flags.Changed("base-url") {
		cfg.Client.BaseURL = app.BaseURL
	}
	if flags.Changed("state-file") {
		cfg.Client.StateFile = app.StateFile
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = app.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	app.cfg, app.log = cfg, log
	return nil
}

// newLogger builds a JSON production logger or a console development logger.
func newLogger(c config.LogConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewDevelopmentConfig()
	if c.Format == "json" {
		zc = zap.NewProductionConfig()
	}
	zc.Level = level
	zc.DisableStacktrace = true
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		// Skip config loading: version must work with a broken config.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "treesnap %s (commit: %s, built: %s)\n", version, commit, date)
			return err
		},
	}
}
