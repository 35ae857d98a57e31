package devserver

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"betapp/internal/domain"
	"betapp/internal/postgrest"
)

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	q, err := postgrest.Parse(chi.URLParam(r, "table"), r.URL.Query())
	if err != nil {
		s.writeError(w, err)
		return
	}
	rows, err := s.store.Select(r.Context(), Identity(r), q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	values, err := decodeRow(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	changes, err := s.store.Insert(r.Context(), Identity(r), chi.URLParam(r, "table"), values)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.hub.Publish(r.Context(), changes)

	if !wantsRepresentation(r) {
		w.WriteHeader(http.StatusCreated)
		return
	}
	writeJSON(w, http.StatusCreated, []domain.Record{changes[0].Row})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	q, err := postgrest.Parse(table, r.URL.Query())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if q.Filter.IsZero() {
		s.writeError(w, &domain.Error{Kind: domain.ErrValidation, Code: "21000", Message: "UPDATE requires a WHERE clause"})
		return
	}
	patch, err := decodeRow(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	changes, err := s.store.Update(r.Context(), Identity(r), table, q.Filter, patch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.hub.Publish(r.Context(), changes)

	if !wantsRepresentation(r) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	rows := make([]domain.Record, 0, len(changes))
	for _, ch := range changes {
		rows = append(rows, ch.Row)
	}
	writeJSON(w, http.StatusOK, rows)
}

// handleRPC answers every function call as missing; stored procedures only
// exist on the managed backend.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, postgrest.ErrorBody{
		Code:    "PGRST202",
		Message: fmt.Sprintf("Could not find the function public.%s in the schema cache", chi.URLParam(r, "name")),
	})
}

func wantsRepresentation(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Prefer"), "return=representation")
}

// decodeRow reads a JSON object, or an array holding exactly one object.
func decodeRow(r *http.Request) (map[string]any, error) {
	br := bufio.NewReader(r.Body)
	first, err := peekNonSpace(br)
	if err != nil {
		return nil, fmt.Errorf("%w: empty request body", domain.ErrValidation)
	}
	dec := json.NewDecoder(br)
	dec.UseNumber()
	if first == '[' {
		var rows []map[string]any
		if err := dec.Decode(&rows); err != nil {
			return nil, fmt.Errorf("%w: invalid JSON body: %v", domain.ErrValidation, err)
		}
		if len(rows) != 1 {
			return nil, fmt.Errorf("%w: exactly one row per request is supported", domain.ErrValidation)
		}
		return rows[0], nil
	}
	var row map[string]any
	if err := dec.Decode(&row); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON body: %v", domain.ErrValidation, err)
	}
	return row, nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}
