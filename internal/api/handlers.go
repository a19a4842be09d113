package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/OnboardPipe/internal/flow"
	"github.com/BTreeMap/OnboardPipe/internal/models"
	"github.com/BTreeMap/OnboardPipe/internal/recovery"
)

// FlowSummary describes one loaded flow in GET /v1/flows.
type FlowSummary struct {
	Slug         string   `json:"slug"`
	Name         string   `json:"name"`
	Version      int      `json:"version"`
	Language     string   `json:"language"`
	InitialStage string   `json:"initialStage"`
	Stages       []string `json:"stages"`
	Default      bool     `json:"default,omitempty"`
}

func (s *Server) turnsHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req models.TurnRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxRequestBytes)).Decode(&req); err != nil {
		slog.Warn("Server.turnsHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		slog.Warn("Server.turnsHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Message must not be blank"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.TurnTimeout)
	defer cancel()
	unlock := s.locks.Lock(req.ConversationID)
	defer unlock()

	slog.Debug("Server.turnsHandler: processing turn", "conversationID", req.ConversationID, "flow", req.Flow)
	if s.wantsStream(r) {
		s.streamTurn(ctx, w, req)
		return
	}

	res, err := s.engine.ProcessTurn(ctx, req)
	if err != nil {
		status, msg := s.turnError(req, err)
		writeJSONResponse(w, status, models.Error(msg))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

func (s *Server) wantsStream(r *http.Request) bool {
	if v := r.URL.Query().Get("stream"); v != "" {
		b, err := strconv.ParseBool(v)
		return err == nil && b
	}
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		return true
	}
	return s.opts.Stream
}

// streamTurn answers with server-sent events: delta events, then one result or error event.
func (s *Server) streamTurn(ctx context.Context, w http.ResponseWriter, req models.TurnRequest) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	res, err := s.engine.ProcessTurnStream(ctx, req, func(delta string) error {
		return writeEvent(w, "delta", delta)
	})
	if err != nil {
		_, msg := s.turnError(req, err)
		if werr := writeEvent(w, "error", models.Error(msg)); werr != nil {
			slog.Warn("Server.streamTurn: failed to write error event", "error", werr)
		}
		return
	}
	if err := writeEvent(w, "result", models.Success(res)); err != nil {
		slog.Warn("Server.streamTurn: failed to write result event", "error", err)
	}
}

// turnError maps an engine error to a status and a user-safe message.
func (s *Server) turnError(req models.TurnRequest, err error) (int, string) {
	if errors.Is(err, flow.ErrFlowNotFound) {
		slog.Warn("Server.turnsHandler: unknown flow", "flow", req.Flow, "error", err)
		return http.StatusNotFound, err.Error()
	}
	slog.Error("Server.turnsHandler: turn failed", "conversationID", req.ConversationID, "error", err)
	lang := "he"
	if def, gerr := s.engine.Registry().Get(req.Flow); gerr == nil {
		lang = def.Language()
	}
	return http.StatusInternalServerError, recovery.TechnicalMessage(lang)
}

func (s *Server) flowsHandler(w http.ResponseWriter, r *http.Request) {
	reg := s.engine.Registry()
	defs := reg.List()
	out := make([]FlowSummary, 0, len(defs))
	for _, d := range defs {
		stages := make([]string, 0, len(d.Definition.Stages))
		for slug := range d.Definition.Stages {
			stages = append(stages, slug)
		}
		sort.Strings(stages)
		out = append(out, FlowSummary{
			Slug:         d.Slug,
			Name:         d.Name,
			Version:      d.Version,
			Language:     d.Language(),
			InitialStage: d.Definition.Config.InitialStage,
			Stages:       stages,
			Default:      d.Slug == reg.Default(),
		})
	}
	writeJSONResponse(w, http.StatusOK, models.Success(out))
}

func (s *Server) getConversationHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	view, err := s.engine.Inspect(r.Context(), id, r.URL.Query().Get("user"), r.URL.Query().Get("flow"))
	switch {
	case errors.Is(err, flow.ErrConversationNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error("Conversation not found"))
		return
	case errors.Is(err, flow.ErrFlowNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error(err.Error()))
		return
	case err != nil:
		slog.Error("Server.getConversationHandler: inspect failed", "conversationID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load conversation"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(view))
}

func (s *Server) deleteConversationHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	unlock := s.locks.Lock(id)
	defer unlock()
	if err := s.engine.Reset(r.Context(), id); err != nil {
		slog.Error("Server.deleteConversationHandler: reset failed", "conversationID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to reset conversation"))
		return
	}
	slog.Info("Server.deleteConversationHandler: conversation reset", "conversationID", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Conversation reset", nil))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"flows":     len(s.engine.Registry().Slugs()),
	})
}
