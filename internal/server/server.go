// Package server is the read-only HTTP edge. The graph endpoints serve
// the cached documents verbatim; only the attack-path endpoint computes
// anything on demand.
package server

import (
	"context"
	"errors"
	"net/http"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/deepfence/ThreatMapper-sub001/internal/attackpath"
	"github.com/deepfence/ThreatMapper-sub001/internal/cache"
	"github.com/deepfence/ThreatMapper-sub001/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// emptyDoc is what callers get when nothing has been published yet: a
// valid, empty JSON object rather than an error.
var emptyDoc = []byte("{}")

// Server hosts the read-only API.
type Server struct {
	cache  *cache.Client
	finder *attackpath.Finder
	cfg    config.ServerConfig
	log    *zap.Logger
	http   *http.Server
}

// New creates the HTTP server with its routes wired.
func New(cacheClient *cache.Client, finder *attackpath.Finder, cfg config.ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cache:  cacheClient,
		finder: finder,
		cfg:    cfg,
		log:    logger.Named("server"),
	}
	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.Routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Routes builds the request mux. Exposed for httptest.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /threat-graph/graph", s.handleGraph(cache.GraphThreat))
	mux.HandleFunc("GET /threat-graph/node", s.handleGraphNode(cache.GraphThreat))
	mux.HandleFunc("GET /attack-graph/graph", s.handleGraph(cache.GraphAttack))
	mux.HandleFunc("GET /attack-graph/node", s.handleGraphNode(cache.GraphAttack))
	mux.HandleFunc("GET /attack-path", s.handleAttackPath)
	return mux
}

// ListenAndServe runs the server until the context is cancelled, then
// drains connections within the configured shutdown window.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening", zap.String("addr", s.cfg.ListenAddr))
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, []byte(`{"status":"ok"}`))
}

// handleGraph serves the whole cached document for one graph.
func (s *Server) handleGraph(graph cache.GraphKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := s.cache.GraphDoc(r.Context(), graph)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if data == nil {
			data = emptyDoc
		}
		s.writeJSON(w, http.StatusOK, data)
	}
}

// handleGraphNode serves one node's detail entry for one graph. The id
// may name a compressed group or a plain resource.
func (s *Server) handleGraphNode(graph cache.GraphKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nodeID := r.URL.Query().Get("graph_node_id")
		if nodeID == "" {
			s.writeStatus(w, http.StatusBadRequest, "graph_node_id is required")
			return
		}
		data, err := s.cache.NodeDetail(r.Context(), graph, nodeID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if data == nil {
			data = emptyDoc
		}
		s.writeJSON(w, http.StatusOK, data)
	}
}

// handleAttackPath computes the on-demand attack surface for one
// resource.
func (s *Server) handleAttackPath(w http.ResponseWriter, r *http.Request) {
	nodeID := r.URL.Query().Get("node_id")
	if nodeID == "" {
		s.writeStatus(w, http.StatusBadRequest, "node_id is required")
		return
	}
	resp, err := s.finder.AttackPath(r.Context(), nodeID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, data)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (s *Server) writeStatus(w http.ResponseWriter, status int, message string) {
	body, _ := json.Marshal(map[string]string{"error": message})
	s.writeJSON(w, status, body)
}

// writeError maps backend failures to 502: the data lives in the cache,
// so a cache failure is an upstream failure from the caller's view.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Error("Request failed",
		zap.String("path", r.URL.Path),
		zap.Error(err))
	s.writeStatus(w, http.StatusBadGateway, "backend unavailable")
}
