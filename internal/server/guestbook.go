package server

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/razvandimescu/treesnap/internal/guestbook"
	"go.uber.org/zap"
)

const maxGuestbookBody = 1 << 20

func (s *Server) handleGuestbookList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.List(r.Context())
	if err != nil {
		s.log.Error("list guestbook", zap.Error(err))
		jsonErr(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, entries)
}

// handleGuestbookSubmit stores one entry. A resubmitted id overwrites the
// earlier copy, so client retries never duplicate.
func (s *Server) handleGuestbookSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 32*1024)

	var e guestbook.Entry
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		jsonErr(w, "invalid request body", http.StatusBadRequest)
		return
	}
	e, err := guestbook.Normalize(e, s.now())
	if err != nil {
		jsonErr(w, "missing", http.StatusBadRequest)
		return
	}
	if err := s.store.Add(r.Context(), e); err != nil {
		s.log.Error("add guestbook entry", zap.Error(err))
		jsonErr(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.log.Info("guestbook entry added", zap.String("id", e.ID))
	writeJSON(w, map[string]string{"status": "ok", "id": e.ID})
}

// handleGuestbookUpload replaces the whole guestbook with a JSON array.
func (s *Server) handleGuestbookUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxGuestbookBody)

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		jsonErr(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	var entries []guestbook.Entry
	if len(raw) == 0 || raw[0] != '[' {
		jsonErr(w, "expected array", http.StatusBadRequest)
		return
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		jsonErr(w, "invalid entry: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.store.Replace(r.Context(), entries); err != nil {
		s.log.Error("replace guestbook", zap.Error(err))
		jsonErr(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.log.Info("guestbook replaced", zap.Int("entries", len(entries)))
	writeOK(w)
}

func (s *Server) handleGuestbookDelete(w http.ResponseWriter, r *http.Request) {
	// chi matches on the escaped path, so an id holding "/" arrives as %2F.
	id, err := url.PathUnescape(chi.URLParam(r, "id"))
	if err != nil || id == "" {
		jsonErr(w, "invalid id", http.StatusBadRequest)
		return
	}
	if err := s.store.Delete(r.Context(), id); err != nil {
		s.log.Error("delete guestbook entry", zap.Error(err))
		jsonErr(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.log.Info("guestbook entry deleted", zap.String("id", id))
	writeOK(w)
}
