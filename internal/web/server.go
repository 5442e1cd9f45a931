// Package web serves the dashboard UI, the REST API and the event
// WebSocket.
package web

import (
	"bytes"
	"crypto/subtle"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/halkeye/aioasuswrt/internal/tracker"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
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

// WithVersion sets the application version string shown in the UI.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP server for the web interface.
type Server struct {
	tracker        *tracker.Tracker
	templates      map[string]*template.Template
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string
	unsubEvents    func()
}

// DeviceView is the enriched view of a device for templates.
type DeviceView struct {
	MAC          string
	IP           string
	Hostname     string
	FriendlyName string
	DisplayName  string
	Online       bool
	FirstSeen    time.Time
	LastSeen     time.Time
}

// NewServer creates a new web server.
func NewServer(tr *tracker.Tracker, logger *slog.Logger, opts ...ServerOption) (*Server, error) {
	// Parse each page template separately with layout to avoid
	// {{define "content"}} conflicts.
	base, err := template.ParseFS(templateFS, "templates/layout.html")
	if err != nil {
		return nil, fmt.Errorf("parse layout: %w", err)
	}
	pages := []string{"index.html", "devices.html"}
	tmpl := make(map[string]*template.Template, len(pages))
	for _, page := range pages {
		cloned, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("clone layout for %s: %w", page, err)
		}
		t, err := cloned.ParseFS(templateFS, "templates/"+page)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", page, err)
		}
		tmpl[page] = t
	}

	s := &Server{
		tracker:   tr,
		templates: tmpl,
		logger:    logger,
		mux:       http.NewServeMux(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(logger)

	// Every tracker event goes out over the WebSocket.
	s.unsubEvents = tr.Events().OnAll(func(event tracker.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s, nil
}

// Stop unsubscribes from events and closes WebSocket clients.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
}

func (s *Server) routes() {
	// Static files
	s.mux.Handle("GET /static/", http.FileServer(http.FS(staticFS)))

	// HTML pages
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /devices", s.handleDevicesPage)

	// REST API
	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("GET /api/devices/{mac}", s.handleAPIGetDevice)
	s.mux.HandleFunc("PATCH /api/devices/{mac}", s.handleAPIRenameDevice)
	s.mux.HandleFunc("DELETE /api/devices/{mac}", s.handleAPIDeleteDevice)
	s.mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	s.mux.HandleFunc("POST /api/poll", s.handleAPIPoll)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	// WebSocket
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				// Preflight request.
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
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
		// Only require API key for /api/ endpoints. Static files, HTML
		// pages and the WebSocket upgrade cannot carry custom headers.
		if strings.HasPrefix(r.URL.Path, "/api/") {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
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

// deviceViews builds sorted template views, online devices first.
func (s *Server) deviceViews() ([]DeviceView, error) {
	devices, err := s.tracker.ListDevices()
	if err != nil {
		return nil, err
	}
	views := make([]DeviceView, 0, len(devices))
	for _, dev := range devices {
		views = append(views, DeviceView{
			MAC:          dev.MAC,
			IP:           dev.IP,
			Hostname:     dev.Hostname,
			FriendlyName: dev.FriendlyName,
			DisplayName:  dev.DisplayName(),
			Online:       dev.Online,
			FirstSeen:    dev.FirstSeen,
			LastSeen:     dev.LastSeen,
		})
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].Online != views[j].Online {
			return views[i].Online
		}
		return views[i].DisplayName < views[j].DisplayName
	})
	return views, nil
}

// Page handlers
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	views, err := s.deviceViews()
	if err != nil {
		s.logger.Error("list devices for index", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	online := 0
	for _, v := range views {
		if v.Online {
			online++
		}
	}

	s.renderTemplate(w, "index.html", map[string]interface{}{
		"PageTitle":   "Overview",
		"Devices":     views,
		"OnlineCount": online,
		"DeviceCount": len(views),
		"Status":      s.tracker.Status(),
	})
}

func (s *Server) handleDevicesPage(w http.ResponseWriter, r *http.Request) {
	views, err := s.deviceViews()
	if err != nil {
		s.logger.Error("devices page: list devices failed", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	s.renderTemplate(w, "devices.html", map[string]interface{}{
		"PageTitle": "Devices",
		"Devices":   views,
	})
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// renderTemplate renders to a buffer first, so partial write failures
// don't corrupt the response.
func (s *Server) renderTemplate(w http.ResponseWriter, name string, data interface{}) {
	t, ok := s.templates[name]
	if !ok {
		s.logger.Error("template not found", "name", name)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if m, ok := data.(map[string]interface{}); ok {
		m["Version"] = s.version
		if s.apiKey != "" {
			m["APIKey"] = s.apiKey
		}
	}
	var buf bytes.Buffer
	// Each page set renders through the shared layout, which pulls in the
	// page's "content" block.
	if err := t.ExecuteTemplate(&buf, "layout.html", data); err != nil {
		s.logger.Error("render template", "name", name, "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(buf.Bytes()); err != nil {
		s.logger.Debug("write template response", "name", name, "err", err)
	}
}
