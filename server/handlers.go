package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

type noteInput struct {
	Title string   `json:"title"`
	Body  string   `json:"body"`
	Tags  []string `json:"tags"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

func writeNote(w http.ResponseWriter, status int, n *Note) {
	w.Header().Set("ETag", n.ETag())
	WriteJSON(w, status, n)
}

func (s *Server) listNotes(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{"notes": s.notes.List(tenantOf(r))})
}

func (s *Server) getNote(w http.ResponseWriter, r *http.Request) {
	n, err := s.notes.Get(tenantOf(r), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeNote(w, http.StatusOK, n)
}

func (s *Server) createNote(w http.ResponseWriter, r *http.Request) {
	log, span := s.span(r, "notes.create")
	defer span.End()

	var in noteInput
	if !decode(w, r, &in) {
		return
	}
	if strings.TrimSpace(in.Title) == "" {
		writeError(w, http.StatusUnprocessableEntity, "invalid_note", "title is required")
		return
	}
	n := s.notes.Create(tenantOf(r), in.Title, in.Body, in.Tags)
	log.Debug("created note %s", n.ID)
	w.Header().Set("Location", "/v1/notes/"+n.ID)
	writeNote(w, http.StatusCreated, n)
}

func (s *Server) replaceNote(w http.ResponseWriter, r *http.Request) {
	log, span := s.span(r, "notes.replace")
	defer span.End()

	var in noteInput
	if !decode(w, r, &in) {
		return
	}
	if strings.TrimSpace(in.Title) == "" {
		writeError(w, http.StatusUnprocessableEntity, "invalid_note", "title is required")
		return
	}
	tags := in.Tags
	if tags == nil {
		tags = []string{}
	}
	n, err := s.notes.Update(tenantOf(r), chi.URLParam(r, "id"), r.Header.Get("If-Match"),
		NoteChange{Title: &in.Title, Body: &in.Body, Tags: &tags})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	log.Debug("replaced note %s, version %d", n.ID, n.Version)
	writeNote(w, http.StatusOK, n)
}

func (s *Server) patchNote(w http.ResponseWriter, r *http.Request) {
	log, span := s.span(r, "notes.patch")
	defer span.End()

	var change NoteChange
	if !decode(w, r, &change) {
		return
	}
	if change.Title != nil && strings.TrimSpace(*change.Title) == "" {
		writeError(w, http.StatusUnprocessableEntity, "invalid_note", "title must not be empty")
		return
	}
	n, err := s.notes.Update(tenantOf(r), chi.URLParam(r, "id"), r.Header.Get("If-Match"), change)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	log.Debug("patched note %s, version %d", n.ID, n.Version)
	writeNote(w, http.StatusOK, n)
}

func (s *Server) deleteNote(w http.ResponseWriter, r *http.Request) {
	log, span := s.span(r, "notes.delete")
	defer span.End()

	id := chi.URLParam(r, "id")
	if err := s.notes.Delete(tenantOf(r), id, r.Header.Get("If-Match")); err != nil {
		writeStoreError(w, err)
		return
	}
	log.Debug("deleted note %s", id)
	w.WriteHeader(http.StatusNoContent)
}
