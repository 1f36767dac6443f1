package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"time"

	"presencehub/pkg/types"
)

// Presence is the slice of the hub the HTTP surface needs.
type Presence interface {
	Snapshot() types.PresenceSnapshot
	Stats() map[string]int
	Logout(userID string) (int, error)
}

// Lessons lists live lesson sessions.
type Lessons interface {
	Active() []types.LessonSession
}

// HealthChecker reports store connectivity.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Config holds the optional pieces of the HTTP surface.
type Config struct {
	// AllowedOrigins restricts CORS; empty allows any origin.
	AllowedOrigins []string
	// WebSocket serves /ws when set.
	WebSocket http.Handler
	// Metrics serves MetricsPath when set.
	Metrics     http.Handler
	MetricsPath string
}

// Server exposes health, presence, lessons and logout over HTTP. It holds
// no state of its own.
type Server struct {
	store     HealthChecker
	presence  Presence
	lessons   Lessons
	config    Config
	router    *http.ServeMux
	startedAt time.Time
}

// NewServer wires routes for the given collaborators.
func NewServer(store HealthChecker, presence Presence, lessons Lessons, config Config) *Server {
	s := &Server{
		store:     store,
		presence:  presence,
		lessons:   lessons,
		config:    config,
		router:    http.NewServeMux(),
		startedAt: time.Now(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
	s.router.Handle("/api/presence", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handlePresence))))
	s.router.Handle("/api/lessons", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleLessons))))
	s.router.Handle("/api/auth/logout", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleLogout))))

	// Upgrades manage their own headers; origin checks happen in the upgrader.
	if s.config.WebSocket != nil {
		s.router.Handle("/ws", s.config.WebSocket)
	}
	if s.config.Metrics != nil && s.config.MetricsPath != "" {
		s.router.Handle(s.config.MetricsPath, s.config.Metrics)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type PresenceResponse struct {
	Users types.PresenceSnapshot `json:"users"`
	Count int                    `json:"count"`
}

type LessonsResponse struct {
	Lessons []LessonResponse `json:"lessons"`
}

type LessonResponse struct {
	types.LessonSession
	ExpiresAt time.Time `json:"expiresAt"`
}

type LogoutRequest struct {
	UserID types.ID `json:"userId"`
}

type LogoutResponse struct {
	UserID            string `json:"userId"`
	ClosedConnections int    `json:"closedConnections"`
}

type HealthResponse struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Database    string                 `json:"database"`
	Connections map[string]int         `json:"connections"`
	System      map[string]interface{} `json:"system"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GET /api/presence
func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snapshot := s.presence.Snapshot()
	s.sendJSON(w, http.StatusOK, PresenceResponse{Users: snapshot, Count: len(snapshot)})
}

// GET /api/lessons
func (s *Server) handleLessons(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	active := s.lessons.Active()
	lessons := make([]LessonResponse, len(active))
	for i := range active {
		lessons[i] = LessonResponse{LessonSession: active[i], ExpiresAt: active[i].ExpiresAt()}
	}
	s.sendJSON(w, http.StatusOK, LessonsResponse{Lessons: lessons})
}

// POST /api/auth/logout disconnects every handle of the user and marks
// them offline.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req LogoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	userID := string(req.UserID)
	if !types.IsValidUserID(userID) {
		s.sendError(w, "Valid userId is required", http.StatusBadRequest)
		return
	}

	closed, err := s.presence.Logout(userID)
	if err != nil {
		log.Printf("Logout failed for user=%s: %v", userID, err)
		s.sendError(w, "Presence service unavailable", http.StatusServiceUnavailable)
		return
	}

	s.sendJSON(w, http.StatusOK, LogoutResponse{UserID: userID, ClosedConnections: closed})
}

// GET /health
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"

	if err := s.store.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Database:    dbStatus,
		Connections: s.presence.Stats(),
		System: map[string]interface{}{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     time.Since(s.startedAt).Round(time.Second).String(),
		},
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.sendJSON(w, code, response)
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, body interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		log.Printf("Failed to write response: %v", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.sendJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) allowOrigin(origin string) string {
	if len(s.config.AllowedOrigins) == 0 {
		return "*"
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == origin {
			return origin
		}
	}
	return ""
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := s.allowOrigin(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			if origin != "*" {
				w.Header().Add("Vary", "Origin")
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
