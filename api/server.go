// Package api exposes the node over HTTP: membership and content queries
// for tooling, publish endpoints for operators, and Prometheus metrics.
//
// Uses Gorilla Mux for routing, includes CORS support and logging middleware.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/cors"

	"github.com/contentmesh-labs/go-contentmesh/internal/telemetry"
	"github.com/contentmesh-labs/go-contentmesh/network/membership"
	"github.com/contentmesh-labs/go-contentmesh/store"
)

var log = logging.Logger("api")

// Network is the slice of the p2p layer the API needs.
type Network interface {
	ID() peer.ID
	ListenAddrs() []multiaddr.Multiaddr
	ConnectedPeers() []peer.ID
	PublishChat(text string) error
	AnnounceContent(contentID string) error
}

// Config tunes the HTTP server.
type Config struct {
	ListenAddr string
	EnableCORS bool
}

// Server represents the HTTP API server
type Server struct {
	net    Network
	view   *membership.View
	store  store.Store
	router *mux.Router
	server *http.Server
	cfg    Config
}

// NewServer creates a new API server
func NewServer(net Network, view *membership.View, st store.Store, cfg Config) *Server {
	s := &Server{
		net:   net,
		view:  view,
		store: st,
		cfg:   cfg,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Node endpoints
	api.HandleFunc("/status", s.getStatus).Methods("GET")
	api.HandleFunc("/health", s.getHealth).Methods("GET")

	// Membership endpoints
	api.HandleFunc("/peers", s.getPeers).Methods("GET")

	// Content endpoints
	api.HandleFunc("/content", s.getContent).Methods("GET")
	api.HandleFunc("/content/{id}", s.getContentByID).Methods("GET")

	// Publish endpoints
	api.HandleFunc("/chat", s.postChat).Methods("POST")
	api.HandleFunc("/announce", s.postAnnounce).Methods("POST")

	// Prometheus scrape endpoint, outside the versioned prefix
	s.router.Handle("/metrics", telemetry.MetricsHandler()).Methods("GET")

	if s.cfg.EnableCORS {
		c := cors.New(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		})
		s.router.Use(c.Handler)
	}
	s.router.Use(s.loggingMiddleware)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Infow("API server starting", "addr", s.cfg.ListenAddr)
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// Handler returns the configured router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Node endpoints

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	addrs := make([]string, 0)
	for _, a := range s.net.ListenAddrs() {
		addrs = append(addrs, a.String())
	}

	storeLen := 0
	if s.store != nil {
		storeLen = s.store.Len()
	}

	response := map[string]interface{}{
		"peer_id":         s.net.ID().String(),
		"listen_addrs":    addrs,
		"connected_peers": len(s.net.ConnectedPeers()),
		"known_peers":     s.view.Len(),
		"content_entries": storeLen,
	}

	s.writeJSON(w, response)
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"peer_id":   s.net.ID().String(),
	}
	s.writeJSON(w, health)
}

// Membership endpoints

func (s *Server) getPeers(w http.ResponseWriter, r *http.Request) {
	entries := s.view.Entries()

	peers := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		peers = append(peers, map[string]interface{}{
			"peer_id":   e.Peer.String(),
			"source":    string(e.Source),
			"last_seen": e.LastSeen.Unix(),
		})
	}

	response := map[string]interface{}{
		"peers": peers,
		"count": len(peers),
	}

	s.writeJSON(w, response)
}

// Content endpoints

func (s *Server) getContent(w http.ResponseWriter, r *http.Request) {
	keys := make([]string, 0)
	if s.store != nil {
		keys = s.store.Keys()
	}

	response := map[string]interface{}{
		"content_ids": keys,
		"count":       len(keys),
	}

	s.writeJSON(w, response)
}

func (s *Server) getContentByID(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	if s.store == nil {
		s.writeError(w, "Content not found", http.StatusNotFound)
		return
	}
	data, ok := s.store.Get(id)
	if !ok {
		s.writeError(w, "Content not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

// Publish endpoints

func (s *Server) postChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		s.writeError(w, "Missing chat text", http.StatusBadRequest)
		return
	}

	if err := s.net.PublishChat(req.Text); err != nil {
		s.writeError(w, "Failed to publish chat message", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, map[string]interface{}{"published": true})
}

func (s *Server) postAnnounce(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ContentID string `json:"content_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ContentID == "" {
		s.writeError(w, "Missing content id", http.StatusBadRequest)
		return
	}

	if err := s.net.AnnounceContent(req.ContentID); err != nil {
		s.writeError(w, "Failed to announce content", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, map[string]interface{}{"announced": true, "content_id": req.ContentID})
}

// Helper methods

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Errorw("failed to encode JSON response", "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":     message,
		"status":    statusCode,
		"timestamp": time.Now().Unix(),
	})
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)

		log.Debugw("request handled",
			"method", r.Method, "path", r.URL.Path,
			"status", lrw.statusCode, "duration", time.Since(start))
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}
