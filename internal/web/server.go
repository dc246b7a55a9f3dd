// Package web exposes the collaborator surface: a REST snapshot of the
// fleet plus a WebSocket fan-out of bus events.
package web

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"tasmota-fleet/internal/fleet"
)

// Broker is the slice of the connection adapter the HTTP surface needs.
type Broker interface {
	Connect() error
	Disconnect()
	Connected() bool
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication on /api/ routes.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the version string reported by /api/status.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithBSSIDAliases maps access point MACs to friendly names in device
// detail responses.
func WithBSSIDAliases(aliases map[string]string) ServerOption {
	return func(s *Server) {
		s.bssidAliases = aliases
	}
}

// Server is the HTTP server for the collaborator API.
type Server struct {
	engine *fleet.Engine
	broker Broker
	wsHub  *WSHub
	logger *slog.Logger
	mux    *http.ServeMux

	apiKey         string
	allowedOrigins []string
	version        string
	bssidAliases   map[string]string

	wg          sync.WaitGroup
	unsubEvents func()
}

// NewServer creates the API server and subscribes it to the fleet bus.
func NewServer(engine *fleet.Engine, broker Broker, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		engine: engine,
		broker: broker,
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

	s.unsubEvents = engine.Env().Bus().OnAll(func(event fleet.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s
}

// Stop unsubscribes from the bus and shuts down the WebSocket hub.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/devices", s.handleListDevices)
	s.mux.HandleFunc("GET /api/device/{topic}", s.handleGetDevice)
	s.mux.HandleFunc("POST /api/device/{topic}/command", s.handleDeviceCommand)
	s.mux.HandleFunc("DELETE /api/device/{topic}", s.handleRemoveDevice)
	s.mux.HandleFunc("POST /api/publish", s.handlePublish)
	s.mux.HandleFunc("POST /api/connect", s.handleConnect)
	s.mux.HandleFunc("POST /api/disconnect", s.handleDisconnect)
	s.mux.HandleFunc("GET /api/events", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
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

	if s.apiKey != "" {
		// The WebSocket route is exempt because browsers cannot set
		// custom headers on upgrade requests.
		if strings.HasPrefix(r.URL.Path, "/api/") && r.URL.Path != "/api/events" {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
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
