// Package web serves the bridge's JSON API and the WebSocket event stream.
package web

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"halo-bridge/internal/automation"
	"halo-bridge/internal/avion"
	"halo-bridge/internal/bridge"
	"halo-bridge/internal/store"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed CORS and WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithAutomation sets the automation engine and script manager.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithVersion sets the application version string reported by the API.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithRateLimit caps API request throughput. Zero or negative rps leaves
// the limiter off.
func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		if rps > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// Server is the HTTP server for the bridge API.
type Server struct {
	hub            *bridge.Bridge
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	limiter        *rate.Limiter
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// DeviceView is the enriched JSON view of a registry entry: the stored
// record folded together with catalog data and decoded state.
type DeviceView struct {
	Key             string         `json:"key"`
	Kind            string         `json:"kind"`
	PID             int64          `json:"pid"`
	Name            string         `json:"name,omitempty"`
	FriendlyName    string         `json:"friendly_name,omitempty"`
	DisplayName     string         `json:"display_name"`
	LocationPID     int64          `json:"location_pid,omitempty"`
	ProductID       int            `json:"product_id,omitempty"`
	Brand           string         `json:"brand,omitempty"`
	Model           string         `json:"model,omitempty"`
	Dimmable        bool           `json:"dimmable"`
	Tunable         bool           `json:"tunable"`
	MinKelvin       int            `json:"min_kelvin,omitempty"`
	MaxKelvin       int            `json:"max_kelvin,omitempty"`
	State           string         `json:"state,omitempty"` // "on", "off", "" if never refreshed
	Brightness      int            `json:"brightness"`      // 0-255, -1 if not available
	ColorTempKelvin int            `json:"color_temp_kelvin,omitempty"`
	Mired           int            `json:"mired,omitempty"`
	Refreshed       bool           `json:"refreshed"`
	DiscoveredAt    time.Time      `json:"discovered_at"`
	LastSeen        time.Time      `json:"last_seen"`
	Properties      map[string]any `json:"properties,omitempty"`
}

// NewServer creates a new web server around a running bridge.
func NewServer(hub *bridge.Bridge, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		hub:    hub,
		logger: logger,
		mux:    http.NewServeMux(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	// Subscribe to all bridge events and broadcast via WebSocket
	s.unsubEvents = hub.Events().OnAll(func(event bridge.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s
}

// Stop gracefully shuts down the WebSocket hub and waits for goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	// REST API
	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("GET /api/devices/{kind}/{pid}", s.handleAPIGetDevice)
	s.mux.HandleFunc("PATCH /api/devices/{kind}/{pid}", s.handleAPIRenameDevice)
	s.mux.HandleFunc("POST /api/devices/{kind}/{pid}/state", s.handleAPISetState)
	s.mux.HandleFunc("POST /api/devices/{kind}/{pid}/refresh", s.handleAPIRefreshDevice)
	s.mux.HandleFunc("GET /api/locations", s.handleAPIListLocations)
	s.mux.HandleFunc("GET /api/account", s.handleAPIAccount)
	s.mux.HandleFunc("GET /api/products", s.handleAPIListProducts)
	s.mux.HandleFunc("POST /api/sync", s.handleAPISync)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	// Automations
	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
	s.mux.HandleFunc("POST /api/automations", s.handleAPICreateAutomation)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleAPIUpdateAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleAPIDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleAPIToggleAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleAPIRunAutomation)

	// WebSocket
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying CORS, auth, and rate limit
// middleware in that order.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				// Preflight request.
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
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
		// Only require API key for /api/ endpoints. The WebSocket endpoint
		// is not API-key-protected because browsers cannot send custom
		// headers on an upgrade. Clients that cannot set headers either
		// may pass ?api_key= instead.
		if strings.HasPrefix(r.URL.Path, "/api/") {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
	}

	if s.limiter != nil && strings.HasPrefix(r.URL.Path, "/api/") {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
	}

	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// deviceFromPath resolves the {kind}/{pid} path segments to a registry
// entry.
func (s *Server) deviceFromPath(r *http.Request) (*store.Device, error) {
	kind := store.Kind(r.PathValue("kind"))
	switch kind {
	case store.KindLight, store.KindGroup, store.KindScene:
	default:
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
	pid, err := strconv.ParseInt(r.PathValue("pid"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad pid: %w", err)
	}
	return s.hub.Store().GetDevice(store.DeviceKey(kind, pid))
}

// enrichDevice creates a DeviceView from a store.Device.
func (s *Server) enrichDevice(dev *store.Device) DeviceView {
	v := DeviceView{
		Key:          dev.Key(),
		Kind:         string(dev.Kind),
		PID:          dev.PID,
		Name:         dev.Name,
		FriendlyName: dev.FriendlyName,
		DisplayName:  dev.DisplayName(),
		LocationPID:  dev.LocationPID,
		ProductID:    dev.ProductID,
		Brand:        dev.Brand,
		Model:        dev.Model,
		Brightness:   -1,
		Refreshed:    dev.Refreshed,
		DiscoveredAt: dev.DiscoveredAt,
		LastSeen:     dev.LastSeen,
		Properties:   dev.Properties,
	}

	if p := s.hub.Catalog().Lookup(dev.ProductID); p != nil {
		v.Dimmable = p.Dimmable
		v.Tunable = p.Tunable
	} else if dev.Kind == store.KindLight || dev.Kind == store.KindGroup {
		// Groups and uncataloged fixtures are treated as full lights.
		v.Dimmable = true
		v.Tunable = true
	}
	if v.Tunable {
		v.MinKelvin, v.MaxKelvin = s.hub.Catalog().KelvinRange(dev.ProductID)
	}

	if on, ok := avion.PropBool(dev.Properties, avion.PropOnOff); ok {
		if on {
			v.State = "on"
		} else {
			v.State = "off"
		}
		v.Brightness = int(avion.Brightness(dev.Properties))
	}
	if k, ok := avion.PropInt(dev.Properties, avion.PropWhite); ok && k > 0 {
		v.ColorTempKelvin = k
		v.Mired = avion.MiredFromKelvin(k)
	}

	return v
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}
