// Package devserver emulates the deployed API locally. Requests are routed
// to the newest bundle of each handler, loaded on demand and invoked with an
// API Gateway proxy event.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stackkit-dev/stackkit/internal/config"
	"github.com/stackkit-dev/stackkit/kit/colorlog"
	"golang.org/x/net/netutil"
)

const (
	HealthPath  = "/health"
	EventsPath  = "/__dev/events"
	MetricsPath = "/__dev/metrics"

	// maxBody mirrors the platform's synchronous payload limit.
	maxBody = 6 << 20
)

type ServerOptions struct {
	Config  *config.Config
	Router  *Router
	Loader  *Loader
	Metrics *Metrics
	Logger  *slog.Logger
}

type Server struct {
	cfg     *config.Config
	router  *Router
	loader  *Loader
	metrics *Metrics
	log     *slog.Logger
	started time.Time

	envMu  sync.RWMutex
	dotenv map[string]string

	events    *clientManager
	eventsCtx context.Context
	stop      context.CancelFunc
}

func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Config == nil || opts.Router == nil || opts.Loader == nil {
		return nil, errors.New("devserver: config, router and loader are required")
	}
	s := &Server{
		cfg:     opts.Config,
		router:  opts.Router,
		loader:  opts.Loader,
		metrics: opts.Metrics,
		log:     colorlog.Or(opts.Logger, "devserver"),
		started: time.Now(),
		events:  newClientManager(),
	}
	if err := s.loadDotenv(); err != nil {
		return nil, err
	}
	s.eventsCtx, s.stop = context.WithCancel(context.Background())
	go s.events.start(s.eventsCtx)
	return s, nil
}

func (s *Server) loadDotenv() error {
	dotenv, err := s.cfg.LoadDotenv()
	if err != nil {
		return err
	}
	s.envMu.Lock()
	s.dotenv = dotenv
	s.envMu.Unlock()
	return nil
}

// Reload is called with the files behind each rebuild. Routing needs no
// refresh since the newest version is looked up per request.
func (s *Server) Reload(files []string) {
	s.metrics.observeReload()
	s.loader.ClearCache(files)
	for _, f := range files {
		if strings.HasPrefix(filepath.Base(f), ".env") {
			if err := s.loadDotenv(); err != nil {
				s.log.Warn("failed to reload env files", "error", err)
			}
			break
		}
	}
	go s.events.send(s.eventsCtx, reloadPayload{Type: "reload", Files: files})
}

// Close stops the browser event manager.
func (s *Server) Close() {
	s.stop()
	s.events.wait()
}

// Serve runs the HTTP server on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if n := s.cfg.Dev.MaxConnections; n > 0 {
		ln = netutil.LimitListener(ln, n)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.log.Handler(), slog.LevelWarn),
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("dev server listening", "addr", "http://"+ln.Addr().String(), "routes", routeNames(s.router))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Close()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+HealthPath, s.health)
	mux.HandleFunc("GET "+EventsPath, websocketHandler(s.eventsCtx, s.events))
	if s.metrics != nil {
		mux.Handle("GET "+MetricsPath, s.metrics.Handler())
	}
	mux.HandleFunc("/", s.invoke)
	return withCORS(mux)
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "*")
		h.Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"routes": s.router.Len(),
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) invoke(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	m, err := s.router.Match(r.URL.Path, r.Method)
	switch {
	case errors.Is(err, ErrNoRoute):
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error":  "Not Found",
			"path":   r.URL.Path,
			"method": r.Method,
		})
		return
	case errors.Is(err, ErrNoBundle):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	case err != nil:
		s.fail(w, "", err)
		return
	}

	status := s.dispatch(w, r, m)
	s.metrics.observeInvocation(m.Name, status, time.Since(start))
	s.log.Info(r.Method+" "+r.URL.Path, "route", m.Name, "status", status, "took", time.Since(start).Round(time.Millisecond))
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, m *Match) int {
	if m.Route.RequiresAPIKey() && r.Header.Get("x-api-key") == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return http.StatusUnauthorized
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "Request Entity Too Large"})
			return http.StatusRequestEntityTooLarge
		}
		return s.fail(w, m.Name, err)
	}

	timeout := s.cfg.Dev.HandlerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if m.Route.Timeout > 0 {
		timeout = time.Duration(m.Route.Timeout) * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	handler, err := s.loader.Load(ctx, m.HandlerPath)
	if err != nil {
		return s.fail(w, m.Name, err)
	}

	event, err := json.Marshal(NewProxyRequest(r, m, body, s.cfg.Stage))
	if err != nil {
		return s.fail(w, m.Name, err)
	}
	result, err := handler.Invoke(ctx, event, s.envFor(m, timeout))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			writeJSON(w, http.StatusGatewayTimeout, map[string]string{
				"error": fmt.Sprintf("handler timed out after %s", timeout),
			})
			return http.StatusGatewayTimeout
		}
		return s.fail(w, m.Name, err)
	}

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	if err := WriteProxyResponse(rec, result); err != nil {
		if !rec.wrote {
			return s.fail(w, m.Name, fmt.Errorf("invalid handler response: %w", err))
		}
		s.log.Warn("failed to write response", "route", m.Name, "error", err)
	}
	return rec.status
}

func (s *Server) envFor(m *Match, timeout time.Duration) map[string]string {
	s.envMu.RLock()
	env := s.cfg.RouteEnv(s.dotenv, m.Route)
	s.envMu.RUnlock()
	maps.Copy(env, map[string]string{
		"STACKKIT_ROUTE":      m.Name,
		"STACKKIT_STAGE":      s.cfg.Stage,
		"STACKKIT_TIMEOUT_MS": strconv.FormatInt(timeout.Milliseconds(), 10),
	})
	return env
}

func (s *Server) fail(w http.ResponseWriter, route string, err error) int {
	s.log.Error("handler failed", "route", route, "error", err)
	body := map[string]string{"error": "Internal Server Error", "message": err.Error()}
	var herr *HandlerError
	if errors.As(err, &herr) && herr.Stack != "" {
		body["stack"] = herr.Stack
	}
	writeJSON(w, http.StatusInternalServerError, body)
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.wrote = true
	r.ResponseWriter.WriteHeader(status)
}

// routeNames lists route names for logging.
func routeNames(r *Router) []string {
	names := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		names = append(names, e.name)
	}
	slices.Sort(names)
	return slices.Compact(names)
}
