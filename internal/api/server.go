// Package api exposes the sync layer to presentation collaborators over HTTP:
// snapshot, health and pending-update reads, connection and command
// endpoints, and a WebSocket stream of snapshots and notices.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"tradedesk-sync/internal/connection"
	"tradedesk-sync/internal/health"
	"tradedesk-sync/internal/ledger"
	"tradedesk-sync/internal/realtime"
	"tradedesk-sync/internal/reconcile"
	"tradedesk-sync/internal/state"
	"tradedesk-sync/internal/wire"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Stream message types.
const (
	StreamSnapshot = "snapshot"
	StreamNotice   = "notice"
)

// SyncClient is the part of realtime.Client the API serves.
type SyncClient interface {
	Snapshot() state.Snapshot
	Health() health.Health
	Connection() connection.State
	PendingUpdatesCount() int
	PendingUpdates() []ledger.Entry
	Connect()
	Disconnect()
	Submit(kind, msgType string, payload map[string]any, mutate func(state.Snapshot) state.Snapshot) (string, error)
	RollbackOptimisticUpdate(id string) error
	SubscribeSnapshots(fn state.Listener) func()
	SubscribeNotices(fn func(realtime.Notice)) func()
}

// CommandRequest is the body of POST /api/commands.
type CommandRequest struct {
	Kind    string         `json:"kind"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type healthResponse struct {
	health.Health
	Queued int `json:"queued"`
}

type pendingResponse struct {
	Count   int            `json:"count"`
	Entries []ledger.Entry `json:"entries"`
}

type streamClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *streamClient) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Server serves the collaborator API.
type Server struct {
	client   SyncClient
	server   *http.Server
	router   *mux.Router
	upgrader websocket.Upgrader

	clients   map[*streamClient]bool
	clientsMu sync.RWMutex
	broadcast chan wire.Envelope
	stop      chan struct{}
	unsub     []func()

	mu        sync.Mutex
	isRunning bool
	hubWG     sync.WaitGroup
}

// NewServer builds the router. metricsHandler is mounted on /metrics when
// non-nil.
func NewServer(client SyncClient, metricsHandler http.Handler, port int) *Server {
	s := &Server{
		client:    client,
		upgrader:  websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:   make(map[*streamClient]bool),
		broadcast: make(chan wire.Envelope, 100),
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleLiveness).Methods(http.MethodGet)
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler).Methods(http.MethodGet)
	}
	r.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/pending", s.handlePending).Methods(http.MethodGet)
	api.HandleFunc("/pending/{id}", s.handleRollback).Methods(http.MethodDelete)
	api.HandleFunc("/connect", s.handleConnect).Methods(http.MethodPost)
	api.HandleFunc("/disconnect", s.handleDisconnect).Methods(http.MethodPost)
	api.HandleFunc("/commands", s.handleCommand).Methods(http.MethodPost)
	s.router = r

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Start starts streaming and the HTTP listener.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("api server is already running")
	}
	s.startHubLocked()

	go func() {
		log.Info().Str("address", s.server.Addr).Msg("Starting API server")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("API server failed")
		}
	}()

	s.isRunning = true
	return nil
}

// Stop closes stream clients and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return nil
	}
	s.stopHubLocked()

	if err := s.server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown API server")
		return err
	}
	s.isRunning = false
	log.Info().Msg("API server stopped")
	return nil
}

func (s *Server) startHubLocked() {
	s.stop = make(chan struct{})
	s.unsub = []func(){
		s.client.SubscribeSnapshots(func(snap state.Snapshot) { s.enqueue(StreamSnapshot, snap) }),
		s.client.SubscribeNotices(func(n realtime.Notice) { s.enqueue(StreamNotice, n) }),
	}
	s.hubWG.Add(1)
	go s.clientBroadcaster(s.stop)
}

func (s *Server) stopHubLocked() {
	for _, unsub := range s.unsub {
		unsub()
	}
	s.unsub = nil
	close(s.stop)
	s.hubWG.Wait()

	s.clientsMu.Lock()
	for c := range s.clients {
		c.conn.Close()
	}
	s.clients = make(map[*streamClient]bool)
	s.clientsMu.Unlock()
}

// enqueue never blocks the publisher; updates are dropped when the
// broadcaster falls behind.
func (s *Server) enqueue(msgType string, v any) {
	env, err := wire.New(msgType, v, time.Now())
	if err != nil {
		log.Error().Err(err).Str("type", msgType).Msg("Failed to encode stream message")
		return
	}
	select {
	case s.broadcast <- env:
	default:
		log.Debug().Str("type", msgType).Msg("Stream backlog full, dropping update")
	}
}

func (s *Server) clientBroadcaster(stop <-chan struct{}) {
	defer s.hubWG.Done()
	for {
		select {
		case env := <-s.broadcast:
			s.broadcastToClients(env)
		case <-stop:
			return
		}
	}
}

func (s *Server) broadcastToClients(env wire.Envelope) {
	data, err := wire.Encode(env)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal stream message")
		return
	}

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for c := range s.clients {
		if err := c.write(data); err != nil {
			log.Debug().Err(err).Msg("Dropping stream client")
			c.conn.Close()
			delete(s.clients, c)
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}
	defer conn.Close()

	c := &streamClient{conn: conn}
	env, err := wire.New(StreamSnapshot, s.client.Snapshot(), time.Now())
	if err == nil {
		if data, err := wire.Encode(env); err == nil {
			if err := c.write(data); err != nil {
				return
			}
		}
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.client.Snapshot())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Health: s.client.Health(), Queued: s.client.Connection().Queued})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, pendingResponse{
		Count:   s.client.PendingUpdatesCount(),
		Entries: s.client.PendingUpdates(),
	})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.client.RollbackOptimisticUpdate(id); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	s.client.Connect()
	writeJSON(w, http.StatusAccepted, s.client.Connection())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.client.Disconnect()
	writeJSON(w, http.StatusOK, s.client.Connection())
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, errors.New("type is required"))
		return
	}
	if !slices.Contains(reconcile.Kinds(), req.Kind) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown kind %q", req.Kind))
		return
	}

	id, err := s.client.Submit(req.Kind, req.Type, req.Payload, nil)
	if err != nil {
		if errors.Is(err, connection.ErrClosed) {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
