package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/gorilla/mux"

	"github.com/volute/volute/pkg/log"
	"github.com/volute/volute/pkg/sleep"
	"github.com/volute/volute/pkg/types"
)

var nameRE = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithComponent("api").Debug().Err(err).Msg("response write failed")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// mindStatus is the wire form of a registry entry plus live state.
type mindStatus struct {
	Name       string    `json:"name"`
	Port       int       `json:"port"`
	Stage      string    `json:"stage"`
	Running    bool      `json:"running"`
	Sleeping   bool      `json:"sleeping"`
	Connectors []string  `json:"connectors,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (s *Server) mindStatus(m *types.Mind) mindStatus {
	return mindStatus{
		Name:       m.Name,
		Port:       m.Port,
		Stage:      string(m.Stage),
		Running:    s.deps.Minds.IsRunning(m.Name),
		Sleeping:   s.deps.Sleep.IsSleeping(m.Name),
		Connectors: s.deps.Connectors.Running(m.Name),
		CreatedAt:  m.CreatedAt,
	}
}

func (s *Server) handleListMinds(w http.ResponseWriter, _ *http.Request) {
	minds := s.deps.Registry.List()
	out := make([]mindStatus, 0, len(minds))
	for _, m := range minds {
		out = append(out, s.mindStatus(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"minds": out})
}

func (s *Server) handleCreateMind(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name  string `json:"name"`
		Stage string `json:"stage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !nameRE.MatchString(body.Name) {
		writeError(w, http.StatusBadRequest, "invalid mind name")
		return
	}
	stage := types.MindStageSeed
	if body.Stage == string(types.MindStageMind) {
		stage = types.MindStageMind
	}

	m, err := s.deps.Registry.Add(body.Name, stage)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.deps.Sleep.Register(m.Name)
	log.WithMind(m.Name).Info().Int("port", m.Port).Str("stage", string(stage)).Msg("mind created")
	writeJSON(w, http.StatusCreated, s.mindStatus(m))
}

func (s *Server) handleGetMind(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	m, ok := s.deps.Registry.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mind %s not found", name))
		return
	}
	writeJSON(w, http.StatusOK, s.mindStatus(m))
}

func (s *Server) handleDeleteMind(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if _, ok := s.deps.Registry.Get(name); !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mind %s not found", name))
		return
	}

	ctx := r.Context()
	for _, v := range s.deps.Registry.ListVariants(name) {
		_ = s.deps.Minds.StopMind(ctx, types.CompositeName(name, v.Name))
	}
	if err := s.deps.Minds.StopMind(ctx, name); err != nil {
		log.WithMind(name).Warn().Err(err).Msg("stop during delete failed")
	}
	s.deps.Connectors.StopMindConnectors(name)
	s.deps.Sleep.Unregister(name)
	s.deps.Delivery.ForgetMind(name)

	if err := s.deps.Registry.Remove(name); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.WithMind(name).Info().Msg("mind deleted")
	writeOK(w)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var msg types.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(msg.Content) == 0 || msg.Channel == "" {
		writeError(w, http.StatusBadRequest, "content and channel are required")
		return
	}

	dec, err := s.deps.Delivery.RouteAndDeliver(r.Context(), name, &msg)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"routed":  dec.Routed,
		"reason":  dec.Reason,
		"session": dec.Session,
	})
}

func (s *Server) handleTyping(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	port, err := s.deps.Minds.Port(name)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if err := s.deps.Client.PostTyping(r.Context(), port, body); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeOK(w)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.deps.Minds.StartMind(r.Context(), name); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.deps.Minds.StopMind(r.Context(), name); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.deps.Minds.RestartMind(r.Context(), name); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w)
}

func (s *Server) handleAddConnector(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name, kind := vars["name"], vars["type"]

	m, ok := s.deps.Registry.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mind %s not found", name))
		return
	}
	if err := s.deps.Connectors.AddConnector(name, m.Dir, kind, m.Port); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w)
}

func (s *Server) handleRemoveConnector(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.deps.Connectors.RemoveConnector(vars["name"], vars["type"]); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w)
}

func (s *Server) handleListVariants(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	variants := s.deps.Registry.ListVariants(name)
	out := make([]map[string]any, 0, len(variants))
	for _, v := range variants {
		full := types.CompositeName(v.Base, v.Name)
		out = append(out, map[string]any{
			"name":    v.Name,
			"port":    v.Port,
			"running": s.deps.Minds.IsRunning(full),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"variants": out})
}

func (s *Server) handleAddVariant(w http.ResponseWriter, r *http.Request) {
	base := mux.Vars(r)["name"]

	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !nameRE.MatchString(body.Name) {
		writeError(w, http.StatusBadRequest, "invalid variant name")
		return
	}
	if _, ok := s.deps.Registry.Get(base); !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mind %s not found", base))
		return
	}

	v, err := s.deps.Registry.AddVariant(base, body.Name)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"name": v.Name, "port": v.Port})
}

// Removing a variant stops its process first so nothing keeps running
// under a name the registry no longer knows.
func (s *Server) handleRemoveVariant(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	base, variant := vars["name"], vars["variant"]
	full := types.CompositeName(base, variant)

	if s.deps.Minds.IsRunning(full) {
		if err := s.deps.Minds.StopMind(r.Context(), full); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	s.deps.Delivery.ForgetMind(full)
	if err := s.deps.Registry.RemoveVariant(base, variant); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeOK(w)
}

func (s *Server) handleSleepState(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if _, ok := s.deps.Registry.Get(name); !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mind %s not found", name))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Sleep.State(name))
}

func (s *Server) handleSleepNow(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if _, ok := s.deps.Registry.Get(name); !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mind %s not found", name))
		return
	}

	var body struct {
		Until string `json:"until,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	var opts sleep.Options
	if body.Until != "" {
		until, err := time.Parse(time.RFC3339, body.Until)
		if err != nil {
			writeError(w, http.StatusBadRequest, "until must be RFC3339")
			return
		}
		opts.Until = until
	}

	go s.deps.Sleep.InitiateSleep(context.Background(), name, opts)
	writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

func (s *Server) handleWakeNow(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if _, ok := s.deps.Registry.Get(name); !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mind %s not found", name))
		return
	}
	go s.deps.Sleep.InitiateWake(context.Background(), name, sleep.Options{Trigger: "api"})
	writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}
