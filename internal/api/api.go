// Package api exposes the Fleet Manager's operations as a small
// JSON-over-HTTP surface, the one network seam between fleetd and
// fleetctl. Uses the standard library's method-pattern ServeMux
// (Go 1.22) rather than a third-party router.
package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"chromefleet/internal/config"
	"chromefleet/internal/ferrors"
	"chromefleet/internal/fleet"
	"chromefleet/internal/launch"
	"chromefleet/internal/logging"
)

// Server wires the Fleet Manager into an http.Handler.
type Server struct {
	manager *fleet.Manager
	mux     *http.ServeMux
}

// NewServer builds the HTTP surface over manager.
func NewServer(manager *fleet.Manager) *Server {
	s := &Server{manager: manager, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/v1/instances", s.handleCreateInstance)
	s.mux.HandleFunc("GET /api/v1/instances", s.handleListInstances)
	s.mux.HandleFunc("GET /api/v1/instances/{id}", s.handleGetInstance)
	s.mux.HandleFunc("DELETE /api/v1/instances/{id}", s.handleTerminateInstance)
	s.mux.HandleFunc("POST /api/v1/instances/{id}/execute", s.handleExecuteScript)

	s.mux.HandleFunc("POST /api/v1/sessions", s.handleSaveSession)
	s.mux.HandleFunc("POST /api/v1/sessions/restore", s.handleRestoreSession)
	s.mux.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	s.mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleDeleteSession)

	s.mux.HandleFunc("POST /api/v1/profiles", s.handleCreateProfile)
	s.mux.HandleFunc("GET /api/v1/profiles", s.handleListProfiles)
	s.mux.HandleFunc("DELETE /api/v1/profiles/{name}", s.handleDeleteProfile)
}

type createInstanceRequest struct {
	Headless     bool                 `json:"headless"`
	Profile      string               `json:"profile,omitempty"`
	AntiDetect   bool                 `json:"anti_detect"`
	UsePool      bool                 `json:"use_pool"`
	SecurityLevel config.SecurityLevel `json:"security_level,omitempty"`
	DownloadDir  string               `json:"download_dir,omitempty"`
	KillOrphaned bool                 `json:"kill_orphaned"`
}

type instanceResponse struct {
	ID          string `json:"id"`
	ProfileName string `json:"profile"`
	DebugPort   int    `json:"debug_port"`
	Status      string `json:"status"`
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req createInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	opts := launch.Options{
		Headless:      req.Headless,
		Profile:       req.Profile,
		AntiDetect:    req.AntiDetect,
		SecurityLevel: req.SecurityLevel,
		DownloadDir:   req.DownloadDir,
		KillOrphaned:  req.KillOrphaned,
	}
	inst, err := s.manager.GetOrCreate(r.Context(), opts, req.UsePool)
	if err != nil {
		writeFleetError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, instanceResponse{ID: inst.ID, ProfileName: inst.ProfileName, DebugPort: inst.DebugPort, Status: string(inst.State())})
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	inst, ok := s.manager.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, ferrors.New(ferrors.KindInstanceNotFound, "instance "+id+" not found"))
		return
	}
	writeJSON(w, http.StatusOK, instanceResponse{ID: inst.ID, ProfileName: inst.ProfileName, DebugPort: inst.DebugPort, Status: string(inst.State())})
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	list := s.manager.List()
	out := make([]map[string]any, 0, len(list))
	for _, info := range list {
		out = append(out, map[string]any{
			"id":            info.ID,
			"profile":       info.ProfileName,
			"status":        info.Status,
			"created_at":    info.CreatedAt,
			"last_activity": info.LastActivity,
			"debug_port":    info.DebugPort,
			"pooled":        info.Pooled,
			"worker_state":  info.WorkerState,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTerminateInstance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	returnToPool := r.URL.Query().Get("return_to_pool") == "true"
	ok, err := s.manager.Terminate(r.Context(), id, returnToPool)
	if err != nil {
		writeFleetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"terminated": ok})
}

type executeScriptRequest struct {
	Script string `json:"script"`
}

func (s *Server) handleExecuteScript(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req executeScriptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := s.manager.ExecuteScript(r.Context(), id, req.Script)
	if err != nil {
		writeFleetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

type saveSessionRequest struct {
	InstanceID string `json:"instance_id"`
	Name       string `json:"name,omitempty"`
}

func (s *Server) handleSaveSession(w http.ResponseWriter, r *http.Request) {
	var req saveSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.manager.SaveSession(r.Context(), req.InstanceID, req.Name)
	if err != nil {
		writeFleetError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": id})
}

type restoreSessionRequest struct {
	SessionID        string  `json:"session_id"`
	ProfileOverride  *string `json:"profile_override,omitempty"`
	Headless         *bool   `json:"headless,omitempty"`
	KillOrphaned     bool    `json:"kill_orphaned"`
}

func (s *Server) handleRestoreSession(w http.ResponseWriter, r *http.Request) {
	var req restoreSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	inst, err := s.manager.RestoreSession(r.Context(), req.SessionID, req.ProfileOverride, req.Headless, req.KillOrphaned)
	if err != nil && inst == nil {
		writeFleetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instanceResponse{ID: inst.ID, ProfileName: inst.ProfileName, DebugPort: inst.DebugPort, Status: string(inst.State())})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.manager.ListSessions()
	if err != nil {
		writeFleetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := s.manager.DeleteSession(id)
	if err != nil {
		writeFleetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": ok})
}

type createProfileRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (s *Server) handleCreateProfile(w http.ResponseWriter, r *http.Request) {
	var req createProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	dir, err := s.manager.CreateProfile(req.Name, req.Description)
	if err != nil {
		writeFleetError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"dir": dir})
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	list, err := s.manager.ListProfiles()
	if err != nil {
		writeFleetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	ok, err := s.manager.DeleteProfile(name)
	if err != nil {
		writeFleetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": ok})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Named("api").Warn("failed to encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeFleetError maps a ferrors.Error to an HTTP status mirroring its
// Kind, falling back to 500 for anything not in the taxonomy.
func writeFleetError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case ferrors.Is(err, ferrors.KindInstanceNotFound), ferrors.Is(err, ferrors.KindSessionNotFound), ferrors.Is(err, ferrors.KindProfileNotFound):
		status = http.StatusNotFound
	case ferrors.Is(err, ferrors.KindProfileExists):
		status = http.StatusConflict
	case ferrors.Is(err, ferrors.KindProfileLocked):
		status = http.StatusLocked
	case ferrors.Is(err, ferrors.KindPoolExhausted), ferrors.Is(err, ferrors.KindTimeout):
		status = http.StatusServiceUnavailable
	case ferrors.Is(err, ferrors.KindScriptForbidden):
		status = http.StatusForbidden
	default:
		status = http.StatusInternalServerError
	}
	writeError(w, status, err)
}
