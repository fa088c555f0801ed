package api

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/calderahq/caldera/pkg/engine"
	"github.com/calderahq/caldera/pkg/policy"
	"github.com/calderahq/caldera/pkg/telemetry"
)

// Server routes REST requests to the stack engine.
type Server struct {
	service  *engine.Service
	policy   *policy.Engine
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	events   *telemetry.EventBus
	validate *validator.Validate
	router   *mux.Router
}

// Options carries the optional server collaborators. A nil Policy skips
// authorization; a nil Metrics drops the /metrics endpoint; a nil Events
// drops the live event stream.
type Options struct {
	Policy  *policy.Engine
	Metrics *telemetry.Metrics
	Events  *telemetry.EventBus
}

// NewServer wires the routes and middleware.
func NewServer(service *engine.Service, logger *telemetry.Logger, opts Options) *Server {
	s := &Server{
		service:  service,
		policy:   opts.Policy,
		logger:   logger.NewComponentLogger("api"),
		metrics:  opts.Metrics,
		events:   opts.Events,
		validate: validator.New(),
		router:   mux.NewRouter(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.Use(s.requestIDMiddleware, s.loggingMiddleware)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/stacks", s.handleCreateStack).Methods("POST")
	v1.HandleFunc("/stacks", s.handleListStacks).Methods("GET")
	v1.HandleFunc("/stacks/{stack}", s.handleShowStack).Methods("GET")
	v1.HandleFunc("/stacks/{stack}", s.handleUpdateStack).Methods("PUT")
	v1.HandleFunc("/stacks/{stack}", s.handleDeleteStack).Methods("DELETE")
	v1.HandleFunc("/stacks/{stack}/actions", s.handleStackAction).Methods("POST")
	v1.HandleFunc("/stacks/{stack}/events", s.handleListEvents).Methods("GET")
	v1.HandleFunc("/stacks/{stack}/resources", s.handleListResources).Methods("GET")
	v1.HandleFunc("/stacks/{stack}/resources/{resource}", s.handleShowResource).Methods("GET")
	v1.HandleFunc("/stacks/{stack}/outputs", s.handleListOutputs).Methods("GET")
	v1.HandleFunc("/validate", s.handleValidate).Methods("POST")
	if s.events != nil {
		v1.HandleFunc("/events/stream", s.handleStreamEvents).Methods("GET")
	}

	s.router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Health(r.Context()); err != nil {
		writeFault(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
