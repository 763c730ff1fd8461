package server

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/m4xw311/fuzz/agent"
	"github.com/m4xw311/fuzz/aiconfig"
	"github.com/m4xw311/fuzz/errors"
	"github.com/rs/zerolog/log"
)

// statusFor maps an error kind to the HTTP status returned to the caller.
func statusFor(err error) int {
	switch errors.KindOf(err) {
	case errors.KindValidation:
		return http.StatusBadRequest
	case errors.KindConfigurationMissing:
		return http.StatusNotFound
	case errors.KindBackend:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	respondJSON(w, status, map[string]string{"error": errors.UserMessage(err)})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid configuration id")
		return 0, false
	}
	return id, true
}

// ── Chat ─────────────────────────────────────────────────────

type chatRequest struct {
	Input     string `json:"input"`
	Persona   string `json:"persona,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	persona, err := agent.ParsePersona(req.Persona)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	resp := s.dispatcher.ProcessText(r.Context(), agent.Request{
		Input:   req.Input,
		UserID:  UserID(r.Context()),
		Persona: persona,
		Scope:   req.SessionID,
	})
	respondJSON(w, http.StatusOK, resp)
}

type visionRequest struct {
	Prompt      string `json:"prompt"`
	ImageBase64 string `json:"image_base64"`
}

func (s *Server) handleVision(w http.ResponseWriter, r *http.Request) {
	var req visionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	encoded := req.ImageBase64
	if i := strings.Index(encoded, "base64,"); i >= 0 {
		encoded = encoded[i+len("base64,"):]
	}
	image, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		respondError(w, http.StatusBadRequest, "image_base64 is not valid base64")
		return
	}
	respondJSON(w, http.StatusOK, s.dispatcher.ProcessImage(r.Context(), image, req.Prompt, UserID(r.Context())))
}

func (s *Server) handleSound(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	respondJSON(w, http.StatusOK, s.dispatcher.GenerateSound(r.Context(), req.Prompt, UserID(r.Context())))
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.dispatcher.ClearHistory(UserID(r.Context()), r.URL.Query().Get("session_id")); err != nil {
		respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSQL(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r.Context())
	logs, err := s.store.ListSQLLogs(r.Context(), userID, s.sqlLogs)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if logs == nil {
		logs = []aiconfig.SQLLog{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"last_sql": s.dispatcher.LastSQL(userID),
		"logs":     logs,
	})
}

// ── Configurations ───────────────────────────────────────────

type configRequest struct {
	Provider     aiconfig.Provider    `json:"provider"`
	APIKey       string               `json:"api_key"`
	ModelID      string               `json:"model_id"`
	APIBase      string               `json:"api_base"`
	Capabilities string               `json:"capabilities"`
	IsActive     bool                 `json:"is_active"`
	Parameters   *aiconfig.Parameters `json:"parameters,omitempty"`
}

// maskKey redacts the API key before a configuration leaves the service.
func maskKey(c aiconfig.Configuration) aiconfig.Configuration {
	if len(c.APIKey) > 4 {
		c.APIKey = "****" + c.APIKey[len(c.APIKey)-4:]
	} else if c.APIKey != "" {
		c.APIKey = "****"
	}
	return c
}

func (s *Server) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := s.store.ListConfigs(r.Context(), UserID(r.Context()))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	out := make([]aiconfig.Configuration, 0, len(configs))
	for _, c := range configs {
		out = append(out, maskKey(c))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleAddConfig(w http.ResponseWriter, r *http.Request) {
	var req configRequest
	if !decodeBody(w, r, &req) {
		return
	}
	capabilities, err := aiconfig.ParseCapability(req.Capabilities)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	c := aiconfig.Configuration{
		UserID:       UserID(r.Context()),
		Provider:     req.Provider,
		APIKey:       req.APIKey,
		ModelID:      req.ModelID,
		APIBase:      req.APIBase,
		Capabilities: capabilities,
		IsActive:     req.IsActive,
		Parameters:   req.Parameters,
	}
	id, err := s.store.AddConfig(r.Context(), c)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	created, err := s.store.Config(r.Context(), c.UserID, id)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, maskKey(*created))
}

func (s *Server) handleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteConfig(r.Context(), UserID(r.Context()), id); err != nil {
		respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActivateConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if err := s.store.SetActive(r.Context(), UserID(r.Context()), id); err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"id": id, "is_active": true})
}

// owned checks that configuration id belongs to the caller.
func (s *Server) owned(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := idParam(w, r)
	if !ok {
		return 0, false
	}
	if _, err := s.store.Config(r.Context(), UserID(r.Context()), id); err != nil {
		respondErr(w, r, err)
		return 0, false
	}
	return id, true
}

func (s *Server) handleGetParameters(w http.ResponseWriter, r *http.Request) {
	id, ok := s.owned(w, r)
	if !ok {
		return
	}
	p, err := s.store.Parameters(r.Context(), id)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if p == nil {
		def := aiconfig.NewParameters()
		p = &def
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handlePutParameters(w http.ResponseWriter, r *http.Request) {
	id, ok := s.owned(w, r)
	if !ok {
		return
	}
	var p aiconfig.Parameters
	if !decodeBody(w, r, &p) {
		return
	}
	if err := s.store.SaveParameters(r.Context(), id, p); err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// ── Models ───────────────────────────────────────────────────

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	var f aiconfig.ModelFilter
	if v := r.URL.Query().Get("provider"); v != "" {
		p, err := aiconfig.ParseProvider(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Provider = &p
	}
	if v := r.URL.Query().Get("capability"); v != "" {
		c, err := aiconfig.ParseCapability(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Capability = c
	}
	models, err := s.store.ListModels(r.Context(), f)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if models == nil {
		models = []aiconfig.Model{}
	}
	respondJSON(w, http.StatusOK, models)
}

func (s *Server) handleSyncLocal(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.SyncLocalModels(r.Context(), s.lister, r.URL.Query().Get("api_base"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"synced": n})
}

func (s *Server) handleCleanupLocal(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.CleanupMissingLocalModels(r.Context(), UserID(r.Context()), s.lister, r.URL.Query().Get("api_base"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"removed": n})
}
