// Package api serves the dashboard Read/Stream surface: a snapshot endpoint
// and a push channel over a single active job (spec.md §4.G).
//
// The teacher ships no HTTP surface of its own; this package is grounded on
// spec.md §4.G/§6 directly and on gorilla/websocket's documented connection
// lifecycle (out-of-pack dependency, named in DESIGN.md).
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/re-cinq/taskline/internal/store"
)

// Server serves GET /api/db and WS /ws against a shared Store.
type Server struct {
	Store  *store.Store
	Logger *log.Logger

	upgrader websocket.Upgrader
}

// New returns a Server backed by st. logger may be nil, in which case output
// goes to the standard logger's writer (stderr by default).
func New(st *store.Store, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "", 0)
	}
	return &Server{
		Store:  st,
		Logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the mux carrying both endpoints, CORS-wrapped per
// spec.md §6 (Access-Control-Allow-Origin: *, methods GET, OPTIONS).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/db", s.handleSnapshot)
	mux.HandleFunc("/ws", s.handleWS)
	return withCORS(mux)
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleSnapshot implements GET /api/db: the full State-Store snapshot, or
// {jobs: []} when the store has no rows yet (spec.md §4.G).
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Store.ReadDashboardData(r.Context())
	if err != nil {
		s.Logger.Printf("api: snapshot query failed: %v", err)
		snap = store.DashboardSnapshot{Jobs: []store.JobSnapshot{}}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}

// activeJobFrame is the WS push payload, spec.md §4.G: {type, job}.
type activeJobFrame struct {
	Type string             `json:"type"`
	Job  *store.JobSnapshot `json:"job"`
}

// handleWS implements WS /ws: one immediate frame on connect, then a 1 Hz
// change-detected broadcast of the active job until the socket closes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Printf("api: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go discardIncoming(conn, cancel)

	var mu sync.Mutex
	send := func(job *store.JobSnapshot) error {
		mu.Lock()
		defer mu.Unlock()
		return conn.WriteJSON(activeJobFrame{Type: "active_job", Job: job})
	}

	job, err := s.Store.ReadActiveJob(ctx)
	if err != nil {
		s.Logger.Printf("api: initial active job query failed: %v", err)
	}
	if err := send(job); err != nil {
		return
	}

	lastPayload, _ := json.Marshal(activeJobFrame{Type: "active_job", Job: job})

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := s.Store.ReadActiveJob(ctx)
			if err != nil {
				s.Logger.Printf("api: active job poll failed: %v", err)
				continue
			}
			payload, err := json.Marshal(activeJobFrame{Type: "active_job", Job: job})
			if err != nil {
				continue
			}
			if string(payload) == string(lastPayload) {
				continue
			}
			lastPayload = payload
			if err := send(job); err != nil {
				return
			}
		}
	}
}

// discardIncoming drains client frames (so control frames are processed) and
// detects disconnects, cancelling ctx once the peer goes away.
func discardIncoming(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
