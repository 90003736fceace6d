// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"net/http"

	"github.com/ManuGH/streamrec/internal/config"
	"github.com/ManuGH/streamrec/internal/log"
)

type reloadResponse struct {
	Streams         int  `json:"streams"`
	RestartRequired bool `json:"restart_required"`
}

func (s *Server) handleConfigReload(w http.ResponseWriter, r *http.Request) {
	holder := s.deps.Config
	if holder == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "config reload not available"})
		return
	}

	oldCfg := holder.Get()
	if err := holder.Reload(r.Context()); err != nil {
		logger := log.WithComponentFromContext(r.Context(), "config")
		logger.Warn().
			Err(err).
			Str(log.FieldEvent, "config.reload_failed").
			Msg("config reload failed")
		writeError(w, err)
		return
	}

	newCfg := holder.Get()
	writeJSON(w, http.StatusOK, reloadResponse{
		Streams:         len(newCfg.Streams),
		RestartRequired: config.RestartRequired(oldCfg, newCfg),
	})
}
