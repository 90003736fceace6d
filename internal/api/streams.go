// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ManuGH/streamrec/internal/log"
	"github.com/ManuGH/streamrec/internal/recorder"
	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 4 << 10

// streamView is the wire form of a stream status. Toggle names the binary
// recording switch of the stream.
type streamView struct {
	recorder.Status
	Toggle string `json:"toggle"`
}

func viewOf(st recorder.Status) streamView {
	return streamView{Status: st, Toggle: "record_" + st.Name}
}

type recordingRequest struct {
	On *bool `json:"on"`
}

func (s *Server) handleListStreams(w http.ResponseWriter, _ *http.Request) {
	list := s.deps.Recorders.List()
	out := make([]streamView, 0, len(list))
	for _, st := range list {
		out = append(out, viewOf(st))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Recorders.Status(chi.URLParam(r, "name"))
	if err != nil {
		writeRecorderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(st))
}

func (s *Server) handleSetRecording(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := s.deps.Recorders.Status(name); err != nil {
		writeRecorderError(w, err)
		return
	}

	var req recordingRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, errors.New("invalid body: expected {\"on\": true|false}"))
		return
	}
	if req.On == nil {
		writeError(w, errors.New("missing field \"on\""))
		return
	}

	ctx := log.ContextWithStream(r.Context(), name)
	logger := log.WithComponentFromContext(ctx, "api")
	var err error
	if *req.On {
		err = s.deps.Recorders.Start(ctx, name)
	} else {
		err = s.deps.Recorders.Stop(ctx, name)
	}
	if err != nil {
		logger.Warn().Err(err).
			Str(log.FieldEvent, "api.recording_toggle_failed").
			Bool("on", *req.On).
			Msg("recording toggle failed")
		writeRecorderError(w, err)
		return
	}
	logger.Info().
		Str(log.FieldEvent, "api.recording_toggled").
		Bool("on", *req.On).
		Msg("recording toggled")

	st, err := s.deps.Recorders.Status(name)
	if err != nil {
		writeRecorderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(st))
}
