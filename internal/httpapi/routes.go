package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	rterrors "github.com/clmmrun/strategy-runtime/infrastructure/errors"
	"github.com/clmmrun/strategy-runtime/internal/domain"
)

// InstanceManager is the minimal surface routes.go needs from
// internal/manager, kept as a local interface so this package stays
// decoupled from the Manager's full API.
type InstanceManager interface {
	Create(ctx context.Context, instanceType domain.InstanceType, name string, config map[string]interface{}) (string, error)
	Start(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	List() []domain.Instance
	Get(id string) (domain.Instance, error)
	Status(id string) (domain.Instance, error)
}

// WebSocketHandler serves the inbound WebSocket endpoint;
// satisfied by *broadcaster.Broadcaster.
type WebSocketHandler interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

// Template describes one creatable strategy type and its default config,
// served at GET /api/strategy/templates.
type Template struct {
	Type          domain.InstanceType    `json:"type"`
	Description   string                 `json:"description"`
	DefaultConfig map[string]interface{} `json:"defaultConfig"`
}

// RouteConfig wires the collaborators routes.go dispatches to.
type RouteConfig struct {
	Manager   InstanceManager
	Health    func(ctx context.Context) interface{}
	WS        WebSocketHandler
	Templates []Template
	StartedAt time.Time
	Version   string
}

// RegisterRoutes mounts every endpoint this runtime serves on s's router.
func RegisterRoutes(s *Server, cfg RouteConfig) {
	r := s.Router()

	r.HandleFunc("/api/strategy/create", handleCreate(cfg.Manager)).Methods(http.MethodPost)
	r.HandleFunc("/api/strategy/{id}/start", handleLifecycle(cfg.Manager.Start)).Methods(http.MethodPost)
	r.HandleFunc("/api/strategy/{id}/pause", handleLifecycle(cfg.Manager.Pause)).Methods(http.MethodPost)
	r.HandleFunc("/api/strategy/{id}/resume", handleLifecycle(cfg.Manager.Resume)).Methods(http.MethodPost)
	r.HandleFunc("/api/strategy/{id}/stop", handleLifecycle(cfg.Manager.Stop)).Methods(http.MethodPost)
	r.HandleFunc("/api/strategy/{id}", handleDelete(cfg.Manager)).Methods(http.MethodDelete)
	r.HandleFunc("/api/strategy/{id}/status", handleStatus(cfg.Manager)).Methods(http.MethodGet)
	r.HandleFunc("/api/strategy/list", handleList(cfg.Manager)).Methods(http.MethodGet)
	r.HandleFunc("/api/strategy/templates", handleTemplates(cfg.Templates)).Methods(http.MethodGet)
	r.HandleFunc("/api/health", handleHealth(cfg.Health)).Methods(http.MethodGet)
	r.HandleFunc("/api/info", handleInfo(cfg.Version, cfg.StartedAt)).Methods(http.MethodGet)

	if cfg.WS != nil {
		r.HandleFunc("/ws", cfg.WS.ServeHTTP)
	}
}

type createRequest struct {
	Type   string                 `json:"type"`
	Name   string                 `json:"name"`
	Config map[string]interface{} `json:"config"`
}

func handleCreate(m InstanceManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, rterrors.Validation("body", "malformed JSON"))
			return
		}
		if req.Type == "" {
			writeError(w, r, rterrors.Validation("type", "required"))
			return
		}

		id, err := m.Create(r.Context(), domain.InstanceType(req.Type), req.Name, req.Config)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, map[string]string{"id": id})
	}
}

func handleLifecycle(op func(ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := op(r.Context(), id); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, map[string]string{"id": id})
	}
}

func handleDelete(m InstanceManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := m.Delete(r.Context(), id); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, map[string]string{"id": id})
	}
}

func handleStatus(m InstanceManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		instance, err := m.Status(id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, instance)
	}
}

func handleList(m InstanceManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, m.List())
	}
}

func handleTemplates(templates []Template) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, templates)
	}
}

func handleHealth(run func(ctx context.Context) interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if run == nil {
			writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
			return
		}
		writeJSON(w, r, http.StatusOK, run(r.Context()))
	}
}

func handleInfo(version string, startedAt time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, map[string]interface{}{
			"version": version,
			"uptime":  time.Since(startedAt).String(),
		})
	}
}

// DefaultTemplates enumerates the two strategy types this runtime ships,
// with the defaults each executor's Config applies when a field is
// omitted from the create request.
func DefaultTemplates() []Template {
	return []Template{
		{
			Type:        domain.TypeSimpleY,
			Description: "single-sided Y range position with upward/downward timeouts and a consecutive-trip stop-loss",
			DefaultConfig: map[string]interface{}{
				"bin-range":                float64(1),
				"stop-loss-count":          float64(1),
				"stop-loss-bin-offset":     float64(35),
				"upward-timeout-seconds":   float64(300),
				"downward-timeout-seconds": float64(60),
			},
		},
		{
			Type:        domain.TypeChainPosition,
			Description: "chain of K contiguous positions forming a super-range that rolls as the active bin drifts",
			DefaultConfig: map[string]interface{}{
				"link-count":                   float64(3),
				"bin-range":                    float64(1),
				"chain-position-type":          "Y_CHAIN",
				"monitoring-interval-seconds":  float64(30),
				"out-of-range-timeout-seconds": float64(300),
				"enable-smart-stop-loss":       false,
			},
		},
	}
}
