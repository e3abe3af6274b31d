// Package web serves the JSON API and the live event stream.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"zwave-go-home/internal/automation"
	"zwave-go-home/internal/bootstrap"
	"zwave-go-home/internal/controller"
	"zwave-go-home/internal/provisioning"
	"zwave-go-home/internal/store"
)

// Controller is the part of the orchestrator the API drives.
type Controller interface {
	Events() *controller.EventBus
	State() controller.StateKind
	Prompter() *controller.Prompter
	BootstrappingNode() uint16

	Nodes() ([]*store.Node, error)
	Node(id uint16) (*store.Node, error)
	RenameNode(id uint16, name string) error

	BeginInclusion(ctx context.Context, opts controller.InclusionOptions) (bool, error)
	StopInclusion(ctx context.Context) (bool, error)
	BeginExclusion(ctx context.Context, opts controller.ExclusionOptions) (bool, error)
	StopExclusion(ctx context.Context) (bool, error)
	ReplaceFailedNode(ctx context.Context, nodeID uint16, opts controller.InclusionOptions) (bool, error)
	CancelSecureBootstrap(reason bootstrap.FailureReason) bool

	GetProvisioningEntries() []provisioning.Entry
	GetProvisioningEntry(dskOrNodeID string) (provisioning.Entry, bool)
	ProvisionSmartStartNode(entry provisioning.Entry) error
	UnprovisionSmartStartNode(dskOrNodeID string) error
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey requires X-API-Key on every /api/ request.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets the origins allowed for mutating requests and
// WebSocket upgrades.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithAutomation exposes the hook scripts.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP front end.
type Server struct {
	ctl            Controller
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer wires the routes and starts relaying controller events to
// WebSocket clients.
func NewServer(ctl Controller, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		ctl:    ctl,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()
	s.unsubEvents = ctl.Events().OnAll(s.wsHub.Broadcast)

	s.routes()
	return s
}

// Stop detaches from the event bus and closes WebSocket clients.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/state", s.handleAPIState)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	s.mux.HandleFunc("GET /api/nodes", s.handleAPIListNodes)
	s.mux.HandleFunc("GET /api/nodes/{id}", s.handleAPIGetNode)
	s.mux.HandleFunc("PATCH /api/nodes/{id}", s.handleAPIRenameNode)
	s.mux.HandleFunc("POST /api/nodes/{id}/replace", s.handleAPIReplaceNode)

	s.mux.HandleFunc("POST /api/inclusion/start", s.handleAPIBeginInclusion)
	s.mux.HandleFunc("POST /api/inclusion/stop", s.handleAPIStopInclusion)
	s.mux.HandleFunc("POST /api/exclusion/start", s.handleAPIBeginExclusion)
	s.mux.HandleFunc("POST /api/exclusion/stop", s.handleAPIStopExclusion)
	s.mux.HandleFunc("POST /api/bootstrap/cancel", s.handleAPICancelBootstrap)

	s.mux.HandleFunc("GET /api/prompts", s.handleAPIListPrompts)
	s.mux.HandleFunc("POST /api/prompts/{id}/grant", s.handleAPIGrant)
	s.mux.HandleFunc("POST /api/prompts/{id}/pin", s.handleAPIPIN)
	s.mux.HandleFunc("POST /api/prompts/{id}/reject", s.handleAPIReject)

	s.mux.HandleFunc("GET /api/provisioning", s.handleAPIListProvisioning)
	s.mux.HandleFunc("GET /api/provisioning/{ref}", s.handleAPIGetProvisioning)
	s.mux.HandleFunc("PUT /api/provisioning", s.handleAPIPutProvisioning)
	s.mux.HandleFunc("DELETE /api/provisioning/{ref}", s.handleAPIDeleteProvisioning)

	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleAPISaveAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleAPIDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/run", s.handleAPIRunLua)

	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP applies the origin check and API key, then routes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if len(s.allowedOrigins) > 0 {
		if origin := r.Header.Get("Origin"); origin != "" {
			if r.Method == http.MethodOptions {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
				w.Header().Set("Access-Control-Max-Age", "3600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	// Browsers cannot set headers on a WebSocket upgrade, so /ws relies on
	// the origin check alone.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody reads a JSON request body of at most 1 MB. An empty body
// leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
