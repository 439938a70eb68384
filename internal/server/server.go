// Package server exposes HAPI's HTTP API, SSE stream, and the `/cli`
// runner socket endpoint over a single chi router (spec §6).
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/hapi-hub/hapi/internal/beads"
	"github.com/hapi-hub/hapi/internal/coordinator"
	"github.com/hapi-hub/hapi/internal/event"
	"github.com/hapi-hub/hapi/internal/rpcregistry"
	"github.com/hapi-hub/hapi/internal/runnersocket"
	"github.com/hapi-hub/hapi/internal/sse"
	"github.com/hapi-hub/hapi/internal/sessioncache"
	"github.com/hapi-hub/hapi/internal/store"
)

// protocolVersion is sent on every response via X-Hapi-Protocol-Version
// (spec §6).
const protocolVersion = "1"

// Config holds server-process configuration.
type Config struct {
	Port         int
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns sane defaults; WriteTimeout is zero since SSE
// connections are long-lived.
func DefaultConfig() Config {
	return Config{
		Port:         4096,
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
	}
}

// Server wires every hub component into a router. All dependencies are
// constructed by the caller and injected explicitly (spec §9 "no
// module-level singletons").
type Server struct {
	cfg     Config
	router  *chi.Mux
	httpSrv *http.Server

	store      *store.Store
	bus        *event.Bus
	cache      *sessioncache.Cache
	registry   *rpcregistry.Registry
	coord      *coordinator.Coordinator
	sseManager *sse.Manager
	beadsSvc   *beads.Service
	runnerHub  *runnersocket.Hub

	baseToken string
}

// New builds a Server with every route registered.
func New(cfg Config, st *store.Store, bus *event.Bus, cache *sessioncache.Cache, registry *rpcregistry.Registry, coord *coordinator.Coordinator, sseManager *sse.Manager, beadsSvc *beads.Service, runnerHub *runnersocket.Hub, baseToken string) *Server {
	s := &Server{
		cfg:        cfg,
		router:     chi.NewRouter(),
		store:      st,
		bus:        bus,
		cache:      cache,
		registry:   registry,
		coord:      coord,
		sseManager: sseManager,
		beadsSvc:   beadsSvc,
		runnerHub:  runnerHub,
		baseToken:  baseToken,
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if s.cfg.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID", "X-Hapi-Protocol-Version"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	s.router.Use(protocolVersionHeader)
}

// protocolVersionHeader stamps every response, matching or not (spec §6).
func protocolVersionHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Hapi-Protocol-Version", protocolVersion)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/healthz", s.healthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.createSession)
			r.Get("/", s.listSessions)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", s.getSession)
				r.Get("/messages", s.getMessages)
				r.Post("/message", s.sendMessage)
				r.Post("/accept-all-messages", s.setAcceptAllMessages)
				r.Post("/permission-mode", s.setPermissionMode)
			})
		})

		r.Route("/machines", func(r chi.Router) {
			r.Post("/", s.createMachine)
			r.Get("/", s.listMachines)
			r.Route("/{machineID}", func(r chi.Router) {
				r.Get("/", s.getMachine)
				r.Post("/spawn", s.spawnSession)
			})
		})

		r.Post("/restart-sessions", s.restartSessions)

		r.Route("/teams", func(r chi.Router) {
			r.Post("/", s.createTeam)
			r.Get("/", s.listTeams)
			r.Route("/{teamID}", func(r chi.Router) {
				r.Get("/", s.getTeam)
				r.Patch("/", s.updateTeam)
				r.Delete("/", s.deleteTeam)
				r.Post("/members", s.addTeamMember)
				r.Delete("/members/{sessionID}", s.removeTeamMember)
			})
		})

		r.Route("/preferences", func(r chi.Router) {
			r.Get("/", s.getPreferences)
			r.Patch("/", s.updatePreferences)
		})

		r.Get("/events", s.streamEvents)
		r.Post("/events/visibility", s.setVisibility)

		r.Get("/cli", s.serveRunnerSocket)
	})
}

// Start runs the HTTP server until it stops (ListenAndServe semantics).
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router exposes the chi router for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
