// Package http is the boundary adapter exposing the engine's consumer
// surface over HTTP. It only parses requests and forwards to the core; the
// core never depends on it.
package http

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	vm "github.com/VictoriaMetrics/metrics"
	"github.com/driftkv/driftkv/lib/engine"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("http")

// Server is the HTTP façade over one engine
type Server struct {
	engine   *engine.Engine
	endpoint string
	debug    bool
}

// NewServer creates the façade bound to the given endpoint.
func NewServer(e *engine.Engine, endpoint string, debug bool) *Server {
	return &Server{engine: e, endpoint: endpoint, debug: debug}
}

// ListenAndServe registers the routes and blocks serving requests. A bind
// failure is returned to the caller (fatal at startup).
func (s *Server) ListenAndServe() error {
	Logger.Infof("HTTP API listening on %s", s.endpoint)
	return http.ListenAndServe(s.endpoint, s.Handler())
}

// Handler builds the route table. Exposed separately so tests can serve it
// without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	wrap := func(h http.HandlerFunc) http.HandlerFunc {
		if s.debug {
			return loggerMiddleware(h)
		}
		return h
	}

	mux.HandleFunc("GET /kv/health", wrap(s.handleHealth))
	mux.HandleFunc("GET /kv/stats", wrap(s.handleStats))
	mux.HandleFunc("GET /metrics", wrap(s.handleMetrics))

	mux.HandleFunc("GET /kv/{key}", wrap(s.handleGet))
	mux.HandleFunc("PUT /kv/{key}", wrap(s.handlePut))
	mux.HandleFunc("DELETE /kv/{key}", wrap(s.handleDelete))
	mux.HandleFunc("POST /kv/{key}/inc", wrap(s.handlePatchInt))
	mux.HandleFunc("POST /kv/{key}/set", wrap(s.handlePatchStr))

	return mux
}

// --------------------------------------------------------------------------
// KV handlers
// --------------------------------------------------------------------------

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	val := s.engine.Get(key)
	if len(val) == 0 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	_, _ = w.Write(val)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	body, err := io.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusInternalServerError)
		return
	}

	if err := s.engine.Put(key, body); err != nil {
		http.Error(w, fmt.Sprintf("write failed: %v", err), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	existed, err := s.engine.Del(key)
	if err != nil {
		http.Error(w, fmt.Sprintf("delete failed: %v", err), http.StatusInternalServerError)
		return
	}
	if !existed {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePatchInt(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	field := r.URL.Query().Get("field")
	if field == "" {
		http.Error(w, "missing field parameter", http.StatusBadRequest)
		return
	}

	v, err := strconv.ParseInt(r.URL.Query().Get("value"), 10, 64)
	if err != nil {
		http.Error(w, "invalid value parameter", http.StatusBadRequest)
		return
	}

	if err := s.engine.PatchInt(key, field, v); err != nil {
		http.Error(w, fmt.Sprintf("patch failed: %v", err), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePatchStr(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	field := r.URL.Query().Get("field")
	if field == "" {
		http.Error(w, "missing field parameter", http.StatusBadRequest)
		return
	}

	if err := s.engine.PatchStr(key, field, r.URL.Query().Get("value")); err != nil {
		http.Error(w, fmt.Sprintf("patch failed: %v", err), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --------------------------------------------------------------------------
// Introspection handlers
// --------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats := struct {
		Engine     engine.Stats `json:"engine"`
		WAL        interface{}  `json:"wal"`
		MerkleRoot string       `json:"merkle_root"`
	}{
		Engine:     s.engine.Stats(),
		WAL:        s.engine.WALStats(),
		MerkleRoot: fmt.Sprintf("%016x", s.engine.MerkleRootHash()),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		Logger.Errorf("failed to encode stats: %v", err)
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	vm.WritePrometheus(w, true)
}

// --------------------------------------------------------------------------
// Middleware (logging)
// --------------------------------------------------------------------------

// responseWriter is a custom ResponseWriter that captures the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// loggerMiddleware logs every HTTP request with duration and status
func loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		Logger.Debugf("%s %s -> %d (%s)", r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	}
}
