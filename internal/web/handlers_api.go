package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"leaudio-groupd/internal/coordinator"
	"leaudio-groupd/internal/group"
)

func (s *Server) handleAPIListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.coord.Groups(r.Context())
	if err != nil {
		s.writeError(w, "list groups", err)
		return
	}
	if groups == nil {
		groups = []*coordinator.GroupSnapshot{}
	}
	s.writeJSON(w, http.StatusOK, groups)
}

func (s *Server) handleAPIGetGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := s.groupID(w, r)
	if !ok {
		return
	}
	g, err := s.coord.Group(r.Context(), id)
	if err != nil {
		s.writeError(w, "get group", err)
		return
	}
	s.writeJSON(w, http.StatusOK, g)
}

type streamRequest struct {
	Context string `json:"context"`
	CCID    int    `json:"ccid"`
}

func (s *Server) handleAPIStartStream(w http.ResponseWriter, r *http.Request) {
	s.handleStream(w, r, "start stream", s.coord.StartStream)
}

func (s *Server) handleAPIConfigureStream(w http.ResponseWriter, r *http.Request) {
	s.handleStream(w, r, "configure stream", s.coord.ConfigureStream)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, what string,
	op func(context.Context, int, group.ContextType, int) error) {
	id, ok := s.groupID(w, r)
	if !ok {
		return
	}

	req := streamRequest{Context: "media"}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	audio, err := group.ParseContextType(req.Context)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.CCID < 0 || req.CCID > 0xFF {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "ccid must be 0-255"})
		return
	}

	if err := op(r.Context(), id, audio, req.CCID); err != nil {
		s.writeError(w, what, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"status": "ok", "group": id, "context": audio.String()})
}

func (s *Server) handleAPISuspendStream(w http.ResponseWriter, r *http.Request) {
	s.handleGroupOp(w, r, "suspend stream", s.coord.SuspendStream)
}

func (s *Server) handleAPIStopStream(w http.ResponseWriter, r *http.Request) {
	s.handleGroupOp(w, r, "stop stream", s.coord.StopStream)
}

func (s *Server) handleGroupOp(w http.ResponseWriter, r *http.Request, what string, op func(context.Context, int) error) {
	id, ok := s.groupID(w, r)
	if !ok {
		return
	}
	if err := op(r.Context(), id); err != nil {
		s.writeError(w, what, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"status": "ok", "group": id})
}

func (s *Server) handleAPIRemoveDevice(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("addr")
	if err := s.coord.RemoveDevice(r.Context(), addr); err != nil {
		s.writeError(w, "remove device", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) groupID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid group id"})
		return 0, false
	}
	return id, true
}

// writeError maps coordinator errors to HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, what string, err error) {
	switch {
	case errors.Is(err, coordinator.ErrUnknownGroup), errors.Is(err, coordinator.ErrUnknownDevice):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, coordinator.ErrRejected):
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, coordinator.ErrLoopStopped):
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "coordinator stopped"})
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		s.writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": "request timed out"})
	default:
		s.logger.Error(what, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
