package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/razvandimescu/treesnap/internal/snapshot"
	"go.uber.org/zap"
)

const (
	maxSnapshotUpload = 32 << 20
	maxPreviewBytes   = 1 << 20
)

var (
	errForbidden = errors.New("access denied")
	errNotFound  = errors.New("not found")
)

// resolve maps a slash-separated request path to a regular file under
// root. Excluded names, directories and anything resolving outside root
// (via ".." or symlinks) are refused.
func (s *Server) resolve(rel string) (string, os.FileInfo, error) {
	clean := strings.TrimPrefix(path.Clean("/"+rel), "/")
	if clean == "" {
		return "", nil, errNotFound
	}
	if s.filter.Excluded(clean) {
		return "", nil, errForbidden
	}

	abs := filepath.Join(s.root, filepath.FromSlash(clean))
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", nil, errNotFound
	}
	if resolved != s.root && !strings.HasPrefix(resolved, s.root+string(filepath.Separator)) {
		return "", nil, errForbidden
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", nil, errNotFound
	}
	if !info.Mode().IsRegular() {
		return "", nil, errNotFound
	}
	return resolved, info, nil
}

func (s *Server) resolveError(w http.ResponseWriter, r *http.Request, rel string, err error) {
	if errors.Is(err, errForbidden) {
		s.log.Warn("refused path", zap.String("path", rel))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	http.NotFound(w, r)
}

func (s *Server) handleRaw(w http.ResponseWriter, r *http.Request) {
	rel := chi.URLParam(r, "*")
	abs, info, err := s.resolve(rel)
	if err != nil {
		s.resolveError(w, r, rel, err)
		return
	}
	f, err := os.Open(abs)
	if err != nil {
		http.Error(w, "Failed to read file", http.StatusInternalServerError)
		return
	}
	defer f.Close()
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	data, err := os.ReadFile(s.gen.OutputPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			jsonErr(w, "no filetree", http.StatusNotFound)
			return
		}
		s.log.Error("read snapshot", zap.Error(err))
		jsonErr(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(data)
}

func (s *Server) handleResetBuild(w http.ResponseWriter, r *http.Request) {
	snap, err := snapshot.ResetBuild(s.gen.OutputPath(), s.now())
	switch {
	case errors.Is(err, snapshot.ErrNotFound):
		jsonErr(w, "no filetree", http.StatusNotFound)
		return
	case err != nil:
		s.log.Error("reset build", zap.Error(err))
		jsonErr(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.log.Info("build counter reset", zap.Int64("build_time", snap.BuildTime))
	s.SnapshotWritten(snap)
	writeJSON(w, snapshotEvent{Build: snap.Build, BuildTime: snap.BuildTime})
}

// handleUploadSnapshot replaces the snapshot file with the request body,
// which only has to be valid JSON.
func (s *Server) handleUploadSnapshot(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSnapshotUpload))
	if err != nil {
		jsonErr(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if !json.Valid(body) {
		jsonErr(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := snapshot.AtomicWriteFile(s.gen.OutputPath(), body); err != nil {
		s.log.Error("write uploaded snapshot", zap.Error(err))
		jsonErr(w, "internal error", http.StatusInternalServerError)
		return
	}

	var ev snapshotEvent
	if err := json.Unmarshal(body, &ev); err == nil {
		s.events.publish("snapshot", ev)
	}
	writeOK(w)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeOK(w)
}
