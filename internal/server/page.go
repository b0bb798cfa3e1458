package server

import (
	"embed"
	"errors"
	"html/template"
	"io"
	"net/http"
	"os"
	"path"

	"github.com/go-chi/chi/v5"
	"github.com/razvandimescu/treesnap/internal/guestbook"
	"github.com/razvandimescu/treesnap/internal/snapshot"
	"github.com/razvandimescu/treesnap/internal/viewer"
	"go.uber.org/zap"
)

//go:embed templates/*.html
var templateFS embed.FS

var (
	indexTmpl   = template.Must(template.ParseFS(templateFS, "templates/base.html", "templates/index.html"))
	previewTmpl = template.Must(template.ParseFS(templateFS, "templates/base.html", "templates/preview.html"))
)

type baseData struct {
	Title        string
	HighlightCSS template.CSS
}

type indexData struct {
	baseData
	Error     string
	Build     int
	BuildTime string
	Query     string
	File      string
	TreeHTML  template.HTML
	Guestbook []guestbook.Tagged
}

type previewData struct {
	baseData
	Path    string
	RawURL  string
	Kind    string
	Content template.HTML
	Message string
}

func (s *Server) base(title string) baseData {
	return baseData{Title: title, HighlightCSS: s.renderer.CSS()}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	data := indexData{
		baseData: s.base("File tree"),
		Query:    r.URL.Query().Get("q"),
		File:     r.URL.Query().Get("file"),
	}

	snap, err := snapshot.Load(s.gen.OutputPath())
	switch {
	case errors.Is(err, snapshot.ErrNotFound):
		data.Error = `No filetree.json found. Run "treesnap generate" to create it.`
	case err != nil:
		data.Error = "Failed to load file tree: " + err.Error()
	default:
		items := viewer.ApplySearch(viewer.Flatten(snap.Root, nil), data.Query)
		data.TreeHTML = viewer.RenderHTML(items, viewer.RenderOptions{Query: data.Query})
		data.Build = snap.Build
		data.BuildTime = viewer.FormatMTime(snap.BuildTime)
	}

	if entries, err := s.store.List(r.Context()); err != nil {
		s.log.Warn("guestbook unavailable for page", zap.Error(err))
	} else {
		data.Guestbook = guestbook.Merge(entries, nil, nil)
	}

	s.render(w, indexTmpl, data)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	rel := chi.URLParam(r, "*")
	abs, _, err := s.resolve(rel)
	if err != nil {
		s.resolveError(w, r, rel, err)
		return
	}

	kind := viewer.Classify(rel)
	data := previewData{
		baseData: s.base(path.Base(rel)),
		Path:     rel,
		RawURL:   "/raw/" + rel,
		Kind:     kind.String(),
	}
	switch kind {
	case viewer.KindText:
		content, err := readLimited(abs, maxPreviewBytes)
		if err != nil {
			http.Error(w, "Failed to read file", http.StatusInternalServerError)
			return
		}
		data.Content, err = s.renderer.Render(rel, content)
		if err != nil {
			s.log.Error("render preview", zap.String("path", rel), zap.Error(err))
			http.Error(w, "Failed to render file", http.StatusInternalServerError)
			return
		}
	case viewer.KindImage:
	default:
		data.Message = viewer.NoPreviewMessage
	}
	s.render(w, previewTmpl, data)
}

func readLimited(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, limit))
}

func (s *Server) render(w http.ResponseWriter, tmpl *template.Template, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.ExecuteTemplate(w, "base", data); err != nil {
		s.log.Error("template execution failed", zap.Error(err))
	}
}
