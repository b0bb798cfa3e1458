package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/razvandimescu/treesnap/internal/guestbook"
	"github.com/razvandimescu/treesnap/internal/state"
	"github.com/razvandimescu/treesnap/internal/viewer"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func (app *App) prefs() (*state.Prefs, error) {
	store, err := state.OpenFileStore(app.cfg.Client.StateFile, app.log.Named("state"))
	if err != nil {
		return nil, err
	}
	return state.NewPrefs(store, app.log.Named("prefs")), nil
}

func (app *App) book(prefs *state.Prefs) *guestbook.Book {
	g := app.cfg.Guestbook
	b := guestbook.NewBook(guestbook.NewHTTPRemote(app.cfg.Client.BaseURL), prefs, app.log.Named("guestbook"))
	b.Backoff = guestbook.Backoff{
		Floor:        g.BackoffFloor,
		Ceiling:      g.BackoffCeiling,
		Factor:       g.BackoffFactor,
		SuccessDelay: g.SuccessDelay,
	}
	b.IdlePoll = g.ProbeInterval
	return b
}

func newViewCmd(app *App) *cobra.Command {
	var (
		search  string
		toggles []string
		refresh bool
		preview string
		details bool
	)

	cmd := &cobra.Command{
		Use:   "view",
		Short: "Print the file tree from the server",
		Long: strings.TrimSpace(`
Fetch filetree.json from the server and print it as a tree.

Collapsed directories and the search query are remembered between runs.
--toggle flips a directory's collapsed state; --search "" clears the query.
`),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			prefs, err := app.prefs()
			if err != nil {
				return err
			}
			prefs.IncrementHits()
			client := viewer.NewClient(app.cfg.Client.BaseURL, app.log.Named("viewer"))

			if preview != "" {
				return printPreview(cmd.Context(), out, client, preview)
			}

			v := viewer.New(client, prefs, app.log.Named("viewer"))
			if cmd.Flags().Changed("search") {
				if err := v.Search(search); err != nil {
					app.log.Warn("search not saved", zap.Error(err))
				}
			}
			for _, p := range toggles {
				if _, err := v.Toggle(strings.Trim(p, "/")); err != nil {
					app.log.Warn("collapse state not saved", zap.Error(err))
				}
			}

			// Load failures are shown through Render.
			_ = v.Load(cmd.Context())
			if err := v.Render(out, details); err != nil {
				return err
			}
			if !refresh {
				return nil
			}

			ctx, stop := signalContext(cmd)
			defer stop()
			v.AutoRefresh(ctx, app.cfg.Client.RefreshInterval, func(error) {
				fmt.Fprintf(out, "\n-- %s --\n", time.Now().Format("15:04:05"))
				v.Render(out, details)
			})
			return nil
		},
	}
	cmd.Flags().StringVar(&search, "search", "", "Filter rows by a case-insensitive substring of name or path")
	cmd.Flags().StringArrayVar(&toggles, "toggle", nil, "Collapse or expand a directory (repeatable)")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Keep running and reprint on every refresh interval")
	cmd.Flags().StringVar(&preview, "preview", "", "Print a file's preview instead of the tree")
	cmd.Flags().BoolVar(&details, "details", false, "Show file size and modification time")
	return cmd
}

func printPreview(ctx context.Context, w io.Writer, client *viewer.Client, path string) error {
	p, err := client.Preview(ctx, path)
	if err != nil {
		if viewer.IsNotFound(err) {
			return fmt.Errorf("%s: not found", path)
		}
		return err
	}
	switch p.Kind {
	case viewer.KindText:
		_, err = io.WriteString(w, p.Text)
		if err == nil && !strings.HasSuffix(p.Text, "\n") {
			_, err = io.WriteString(w, "\n")
		}
	case viewer.KindImage:
		_, err = fmt.Fprintf(w, "Image: %s\n", p.URL)
	default:
		_, err = fmt.Fprintln(w, p.Message)
	}
	return err
}

func newLinkCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "link <path>",
		Short: "Copy a permalink to a file to the clipboard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			viewer.CopyPermalink(cmd.OutOrStdout(), app.cfg.Client.BaseURL, strings.Trim(args[0], "/"))
			return nil
		},
	}
}

func newPrefsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prefs",
		Short: "Show saved client preferences",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			prefs, err := app.prefs()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "theme:     %s\n", prefs.Theme())
			fmt.Fprintf(out, "search:    %q\n", prefs.Search())
			fmt.Fprintf(out, "collapsed: %s\n", strings.Join(prefs.Collapsed().Paths(), ", "))
			fmt.Fprintf(out, "hits:      %d\n", prefs.Hits())
			fmt.Fprintf(out, "admin:     %t\n", prefs.Admin())
			if t, ok := prefs.LastSync(); ok {
				fmt.Fprintf(out, "last sync: %s\n", humanize.Time(t))
			}
			return nil
		},
	}
	cmd.AddCommand(newThemeCmd(app))
	return cmd
}

func newThemeCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:       "theme [light|dark]",
		Short:     "Show or set the theme; without an argument prints the current one",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{state.ThemeLight, state.ThemeDark},
		RunE: func(cmd *cobra.Command, args []string) error {
			prefs, err := app.prefs()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				if err := prefs.SetTheme(args[0]); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), prefs.Theme())
			return nil
		},
	}
}

func newAdminCmd(app *App) *cobra.Command {
	var lock bool

	cmd := &cobra.Command{
		Use:   "admin <secret>",
		Short: "Reveal guestbook delete actions in this client",
		Args: func(cmd *cobra.Command, args []string) error {
			if lock {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			prefs, err := app.prefs()
			if err != nil {
				return err
			}
			if lock {
				if err := prefs.LockAdmin(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Admin mode off")
				return nil
			}
			if !prefs.UnlockAdmin(args[0]) {
				return errors.New("wrong secret")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Admin mode on")
			return nil
		},
	}
	cmd.Flags().BoolVar(&lock, "lock", false, "Turn admin mode off")
	return cmd
}

func newGuestbookCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "guestbook",
		Short: "Sign, list and manage the guestbook",
	}
	cmd.AddCommand(newGuestbookSignCmd(app))
	cmd.AddCommand(newGuestbookListCmd(app))
	cmd.AddCommand(newGuestbookDeleteCmd(app))
	cmd.AddCommand(newGuestbookSyncCmd(app))
	return cmd
}

func newGuestbookSignCmd(app *App) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "sign <message>",
		Short: "Leave a guestbook entry",
		Long: strings.TrimSpace(`
Leave a guestbook entry. The entry is saved locally first; when the server
cannot be reached it is queued and "treesnap guestbook sync" delivers it later.
`),
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefs, err := app.prefs()
			if err != nil {
				return err
			}
			msg := ""
			if len(args) == 1 {
				msg = args[0]
			}
			e, delivered, err := app.book(prefs).Submit(cmd.Context(), name, msg)
			if err != nil {
				return err
			}
			if delivered {
				fmt.Fprintf(cmd.OutOrStdout(), "Signed as %s\n", e.Name)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Server unreachable; entry %s queued for delivery\n", e.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Name to sign with (default: "+guestbook.DefaultName+")")
	return cmd
}

func newGuestbookListCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List guestbook entries, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			prefs, err := app.prefs()
			if err != nil {
				return err
			}
			entries := app.book(prefs).Entries(cmd.Context())
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "No guestbook entries yet.")
				return nil
			}
			admin := prefs.Admin()
			for _, e := range entries {
				line := fmt.Sprintf("%s: %s  (%s)", e.Name, e.Msg, humanize.Time(e.Time()))
				if e.Tag != guestbook.TagServer {
					line += " [" + string(e.Tag) + "]"
				}
				if admin {
					line = e.ID + "  " + line
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
}

func newGuestbookDeleteCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a guestbook entry (admin mode)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefs, err := app.prefs()
			if err != nil {
				return err
			}
			if !prefs.Admin() {
				return errors.New(`admin mode is off; run "treesnap admin <secret>" first`)
			}
			if err := app.book(prefs).Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}
}

func newGuestbookSyncCmd(app *App) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Deliver queued guestbook entries",
		Long: strings.TrimSpace(`
Deliver queued guestbook entries. By default sync keeps running, retrying with
exponential backoff and waking up as soon as the server is reachable again.
With --once it makes a single pass and reports what is left.
`),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			prefs, err := app.prefs()
			if err != nil {
				return err
			}
			book := app.book(prefs)
			out := cmd.OutOrStdout()

			if once {
				remaining, err := drainAll(cmd.Context(), book)
				fmt.Fprintf(out, "%d queued %s remaining\n", remaining, plural(remaining, "entry", "entries"))
				if err != nil {
					app.log.Info("delivery stopped", zap.Error(err))
				}
				return nil
			}

			ctx, stop := signalContext(cmd)
			defer stop()
			mon := guestbook.NewMonitor(app.cfg.Client.BaseURL, book, app.log.Named("monitor"))
			mon.Interval = app.cfg.Guestbook.ProbeInterval
			go mon.Run(ctx)

			fmt.Fprintf(out, "Syncing %d queued %s; press Ctrl+C to stop\n", len(book.Queue()), plural(len(book.Queue()), "entry", "entries"))
			if err := book.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Make one delivery pass and exit")
	return cmd
}

// drainAll delivers queued entries in order until the queue is empty or a
// delivery fails.
func drainAll(ctx context.Context, book *guestbook.Book) (int, error) {
	for {
		remaining, err := book.DrainOnce(ctx)
		if err != nil || remaining == 0 {
			return remaining, err
		}
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
