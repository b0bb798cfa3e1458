// Package server is the local development server: it serves the root
// directory, the snapshot, an HTML tree viewer, file previews and the
// guestbook, and can keep the snapshot fresh with an in-process watcher.
//
// It does not implement auth. POST and DELETE routes only refuse requests
// carrying a foreign Origin header.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/razvandimescu/treesnap/internal/guestbook"
	"github.com/razvandimescu/treesnap/internal/preview"
	"github.com/razvandimescu/treesnap/internal/snapshot"
	"go.uber.org/zap"
)

const (
	shutdownTimeout = 5 * time.Second
	replayBuffer    = 50
)

// Options configures a Server.
type Options struct {
	Root    string
	Output  string
	Exclude []string
	// Store holds the guestbook. The caller owns it and closes it.
	Store  *guestbook.SQLStore
	Watch  bool
	Logger *zap.Logger
	Now    func() time.Time
}

// Server holds the handlers' shared state.
type Server struct {
	root     string
	gen      *snapshot.Generator
	filter   *snapshot.Filter
	store    *guestbook.SQLStore
	renderer *preview.Renderer
	events   *broker
	watch    bool
	log      *zap.Logger
	now      func() time.Time
}

// New builds a Server. The root must exist.
func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("server: guestbook store is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	root := opts.Root
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}

	gen := &snapshot.Generator{
		Root:    abs,
		Output:  opts.Output,
		Exclude: opts.Exclude,
		Logger:  log.Named("generator"),
		Now:     now,
	}
	return &Server{
		root:     abs,
		gen:      gen,
		filter:   snapshot.NewFilter(snapshot.Options{Output: gen.OutputPath(), Exclude: opts.Exclude}),
		store:    opts.Store,
		renderer: preview.NewRenderer(),
		events:   newBroker(replayBuffer, log),
		watch:    opts.Watch,
		log:      log,
		now:      now,
	}, nil
}

// Generator returns the generator writing this server's snapshot.
func (s *Server) Generator() *snapshot.Generator { return s.gen }

// SnapshotWritten tells open viewer pages that a new snapshot exists. It is
// the watcher's OnWrite hook.
func (s *Server) SnapshotWritten(snap *snapshot.Snapshot) {
	s.events.publish("snapshot", snapshotEvent{Build: snap.Build, BuildTime: snap.BuildTime})
}

type snapshotEvent struct {
	Build     int   `json:"build"`
	BuildTime int64 `json:"buildTime"`
}

// Handler returns the full route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withRecovery, s.logRequests)

	r.Get("/health", s.handleHealth)
	r.Get("/", s.handleIndex)
	r.Get("/filetree.json", s.handleSnapshot)
	r.Get("/raw/*", s.handleRaw)
	r.Get("/preview/*", s.handlePreview)
	r.Get("/events", s.handleEvents)
	r.Get("/guestbook.json", s.handleGuestbookList)

	r.Group(func(r chi.Router) {
		r.Use(s.withOriginCheck)
		r.Post("/guestbook", s.handleGuestbookSubmit)
		r.Post("/guestbook/upload", s.handleGuestbookUpload)
		r.Delete("/guestbook/{id}", s.handleGuestbookDelete)
		r.Post("/reset-build", s.handleResetBuild)
		r.Post("/upload-filetree", s.handleUploadSnapshot)
	})
	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully. With watching enabled the snapshot is regenerated on change
// and every new build is pushed to open pages.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: SSE streams are long-lived.
		IdleTimeout: 60 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.watch {
		w := snapshot.NewWatcher(s.gen)
		w.OnWrite = s.SnapshotWritten
		go func() {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("watcher stopped", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("serving", zap.String("addr", ln.Addr().String()), zap.String("root", s.root))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down gracefully")
	s.events.close()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
