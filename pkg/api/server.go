package api

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/volute/volute/pkg/client"
	"github.com/volute/volute/pkg/log"
	"github.com/volute/volute/pkg/metrics"
	"github.com/volute/volute/pkg/registry"
	"github.com/volute/volute/pkg/routing"
	"github.com/volute/volute/pkg/sleep"
	"github.com/volute/volute/pkg/types"
)

// Minds is the slice of the mind manager the API drives.
type Minds interface {
	StartMind(ctx context.Context, name string) error
	StopMind(ctx context.Context, name string) error
	RestartMind(ctx context.Context, name string) error
	IsRunning(name string) bool
	Port(name string) (int, error)
}

// Delivery accepts inbound messages from connectors.
type Delivery interface {
	RouteAndDeliver(ctx context.Context, mind string, msg *types.Message) (routing.Decision, error)
	ForgetMind(mind string)
}

// Connectors manages platform bridge subprocesses.
type Connectors interface {
	AddConnector(mind, dir, kind string, mindPort int) error
	RemoveConnector(mind, kind string) error
	StopMindConnectors(mind string)
	Configured(mind string) []string
	Running(mind string) []string
}

// Sleep reports and drives sleep state.
type Sleep interface {
	State(mind string) types.SleepState
	IsSleeping(mind string) bool
	InitiateSleep(ctx context.Context, mind string, opts sleep.Options)
	InitiateWake(ctx context.Context, mind string, opts sleep.Options)
	Register(mind string)
	Unregister(mind string)
}

// Deps carries the server's collaborators.
type Deps struct {
	Home       types.Home
	Registry   *registry.Registry
	Minds      Minds
	Delivery   Delivery
	Connectors Connectors
	Sleep      Sleep
	Client     *client.Client
	Token      string
}

// Server is the daemon's public HTTP API.
type Server struct {
	deps   Deps
	router *mux.Router
	http   *http.Server
}

// NewServer builds the router. Everything under /api/ requires the bearer
// token; /healthz and /metrics are open.
func NewServer(deps Deps) *Server {
	s := &Server{deps: deps, router: mux.NewRouter()}

	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.authMiddleware, s.metricsMiddleware)

	api.HandleFunc("/minds", s.handleListMinds).Methods(http.MethodGet)
	api.HandleFunc("/minds", s.handleCreateMind).Methods(http.MethodPost)
	api.HandleFunc("/minds/{name}", s.handleGetMind).Methods(http.MethodGet)
	api.HandleFunc("/minds/{name}", s.handleDeleteMind).Methods(http.MethodDelete)

	api.HandleFunc("/minds/{name}/message", s.handleMessage).Methods(http.MethodPost)
	api.HandleFunc("/minds/{name}/typing", s.handleTyping).Methods(http.MethodPost)
	api.HandleFunc("/minds/{name}/start", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/minds/{name}/stop", s.handleStop).Methods(http.MethodPost)
	api.HandleFunc("/minds/{name}/restart", s.handleRestart).Methods(http.MethodPost)

	api.HandleFunc("/minds/{name}/connectors/{type}", s.handleAddConnector).Methods(http.MethodPost)
	api.HandleFunc("/minds/{name}/connectors/{type}", s.handleRemoveConnector).Methods(http.MethodDelete)

	api.HandleFunc("/minds/{name}/variants", s.handleListVariants).Methods(http.MethodGet)
	api.HandleFunc("/minds/{name}/variants", s.handleAddVariant).Methods(http.MethodPost)
	api.HandleFunc("/minds/{name}/variants/{variant}", s.handleRemoveVariant).Methods(http.MethodDelete)

	api.HandleFunc("/minds/{name}/sleep", s.handleSleepState).Methods(http.MethodGet)
	api.HandleFunc("/minds/{name}/sleep", s.handleSleepNow).Methods(http.MethodPost)
	api.HandleFunc("/minds/{name}/wake", s.handleWakeNow).Methods(http.MethodPost)

	api.HandleFunc("/system/logs", s.handleLogStream).Methods(http.MethodGet)

	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Serve runs the server on an already-bound listener. Binding is the
// caller's job so a port collision can be detected before any state file
// is written. WriteTimeout stays zero for the SSE log stream.
func (s *Server) Serve(l net.Listener) error {
	s.http = &http.Server{
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	log.WithComponent("api").Info().Str("addr", l.Addr().String()).Msg("API server listening")
	err := s.http.Serve(l)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.deps.Token)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush passes SSE flushes through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		metrics.APIRequestDuration.
			WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}
