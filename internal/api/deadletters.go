// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"net/http"

	"github.com/ManuGH/streamrec/internal/ledger"
	"github.com/ManuGH/streamrec/internal/log"
	"github.com/go-chi/chi/v5"
)

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	dls, err := s.deps.Ledger.ListDeadLetters(r.Context(), r.URL.Query().Get("stream"))
	if err != nil {
		s.logger.Error().Err(err).Str(log.FieldEvent, "api.deadletters_failed").Msg("list dead letters failed")
		writeInternal(w)
		return
	}
	if dls == nil {
		dls = []ledger.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, dls)
}

// handleDeleteDeadLetter forgets a dead-letter record. The retained payload
// file is left for the operator.
func (s *Server) handleDeleteDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Ledger.DeleteDeadLetter(r.Context(), id); err != nil {
		s.logger.Error().Err(err).Str(log.FieldEvent, "api.deadletter_delete_failed").Str("id", id).Msg("delete dead letter failed")
		writeInternal(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
