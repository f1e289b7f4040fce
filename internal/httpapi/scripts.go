package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sua-org/cam-stream/internal/core"
	"github.com/sua-org/cam-stream/internal/scripts"
	"github.com/sua-org/cam-stream/internal/store"
)

const maxScriptBytes = 1 << 20

type validateRequest struct {
	Code string `json:"code"`
}

// startRequest aceita os nomes usados pelos scripts (deviceId/userId) e os
// do cam-stream (sourceId/ownerId).
type startRequest struct {
	Code     string            `json:"code"`
	SourceID string            `json:"sourceId"`
	DeviceID string            `json:"deviceId"`
	OwnerID  string            `json:"ownerId"`
	UserID   string            `json:"userId"`
	Env      map[string]string `json:"env"`
}

func (req startRequest) runConfig(serverURL string) core.RunConfig {
	source := strings.TrimSpace(req.SourceID)
	if source == "" {
		source = strings.TrimSpace(req.DeviceID)
	}
	owner := strings.TrimSpace(req.OwnerID)
	if owner == "" {
		owner = strings.TrimSpace(req.UserID)
	}
	return core.RunConfig{SourceID: source, OwnerID: owner, ServerURL: serverURL, Extra: req.Env}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	body := http.MaxBytesReader(w, r.Body, maxScriptBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

func (s *Server) validateScript(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.scripts.Validate(r.Context(), req.Code))
}

// prepareStart valida o corpo e o código; script inválido nunca é agendado.
func (s *Server) prepareStart(w http.ResponseWriter, r *http.Request) (string, startRequest, core.RunConfig, bool) {
	scriptID := chi.URLParam(r, "scriptID")
	if err := scripts.ValidateID(scriptID); err != nil {
		writeError(w, err)
		return "", startRequest{}, core.RunConfig{}, false
	}

	var req startRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return "", req, core.RunConfig{}, false
	}
	cfg := req.runConfig(s.opts.ServerURL)
	if strings.TrimSpace(req.Code) == "" {
		badRequest(w, "code is required")
		return "", req, cfg, false
	}
	if cfg.SourceID == "" {
		badRequest(w, "sourceId is required")
		return "", req, cfg, false
	}

	if err := s.scripts.Check(r.Context(), req.Code); err != nil {
		writeError(w, err)
		return "", req, cfg, false
	}
	return scriptID, req, cfg, true
}

// registerOwner só roda depois de um start/restart aceito: pedido recusado não
// mexe no dono nem na câmera do script que já está rodando.
func (s *Server) registerOwner(r *http.Request, scriptID string, cfg core.RunConfig) {
	if s.registry == nil || cfg.OwnerID == "" {
		return
	}
	if err := s.registry.RegisterScript(r.Context(), scriptID, cfg.OwnerID, cfg.SourceID); err != nil {
		s.log.Error().
			Err(err).
			Str("script_id", scriptID).
			Str("owner_id", cfg.OwnerID).
			Msg("register script owner failed")
	}
}

func (s *Server) startScript(w http.ResponseWriter, r *http.Request) {
	scriptID, req, cfg, ok := s.prepareStart(w, r)
	if !ok {
		return
	}
	pid, err := s.scripts.Start(r.Context(), scriptID, req.Code, cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	s.registerOwner(r, scriptID, cfg)
	writeJSON(w, http.StatusCreated, map[string]interface{}{"scriptId": scriptID, "pid": pid})
}

func (s *Server) restartScript(w http.ResponseWriter, r *http.Request) {
	scriptID, req, cfg, ok := s.prepareStart(w, r)
	if !ok {
		return
	}
	pid, err := s.scripts.Restart(r.Context(), scriptID, req.Code, cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	s.registerOwner(r, scriptID, cfg)
	writeJSON(w, http.StatusOK, map[string]interface{}{"scriptId": scriptID, "pid": pid})
}

// stopScript responde 202: o término é assíncrono.
func (s *Server) stopScript(w http.ResponseWriter, r *http.Request) {
	scriptID := chi.URLParam(r, "scriptID")
	if err := s.scripts.Stop(scriptID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"scriptId": scriptID, "stopping": true})
}

type scriptInfoResponse struct {
	ScriptID string              `json:"scriptId"`
	Running  bool                `json:"running"`
	Process  *core.ProcessInfo   `json:"process,omitempty"`
	Record   *store.ScriptRecord `json:"record,omitempty"`
}

func (s *Server) scriptInfo(w http.ResponseWriter, r *http.Request) {
	scriptID := chi.URLParam(r, "scriptID")
	resp := scriptInfoResponse{ScriptID: scriptID}

	if info, ok := s.scripts.Info(scriptID); ok {
		resp.Running = true
		resp.Process = &info
	}
	if s.registry != nil {
		rec, err := s.registry.Script(r.Context(), scriptID)
		switch {
		case err == nil:
			resp.Record = &rec
		case !errors.Is(err, store.ErrScriptNotFound):
			writeError(w, err)
			return
		}
	}

	if !resp.Running && resp.Record == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "script not found", Code: "NotFound"})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listScripts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.scripts.Stats())
}
