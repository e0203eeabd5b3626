package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/des-testbed/etxd/internal/neighbor"
	"github.com/des-testbed/etxd/internal/util"
	"github.com/des-testbed/etxd/internal/version"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait = 10 * time.Second
)

// StatusDocument is the topology snapshot served to the testbed
// management system.
type StatusDocument struct {
	Node      string         `json:"node"`
	RunID     string         `json:"run_id"`
	Time      float64        `json:"time"`
	Neighbors []NeighborView `json:"neighbors"`
}

type NeighborView struct {
	IfName     string  `json:"if_name"`
	MACAddress string  `json:"mac_address"`
	IPAddress  string  `json:"ip_address,omitempty"`
	Quality    float64 `json:"quality"`
}

type Identity struct {
	Node    string `json:"node"`
	RunID   string `json:"run_id"`
	Version string `json:"version"`
}

// Server exposes the HTTP status surface: a JSON snapshot of all live
// neighbors, the node identity and a websocket pushing fresh snapshots
// once per push interval.
type Server struct {
	addr         string
	nodeName     string
	runID        string
	table        *neighbor.Table
	pushInterval time.Duration
	logger       util.Logger
	server       *http.Server
}

func NewServer(addr, nodeName, runID string, table *neighbor.Table, pushInterval time.Duration, logger util.Logger) *Server {
	return &Server{
		addr:         addr,
		nodeName:     nodeName,
		runID:        runID,
		table:        table,
		pushInterval: pushInterval,
		logger:       logger,
	}
}

func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.HandleStatus)
	mux.HandleFunc("/identity", s.HandleIdentity)
	mux.HandleFunc("/ws", s.handleWS(ctx))

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("web server error", "error", err)
		}
	}()
	s.logger.Info("web server started", "addr", s.addr)
	return nil
}

func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.statusDocument(time.Now()))
}

func (s *Server) HandleIdentity(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(Identity{
		Node:    s.nodeName,
		RunID:   s.runID,
		Version: version.Version,
	})
}

func (s *Server) handleWS(ctx context.Context) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Debug("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		// drain control frames so close handshakes are noticed
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(s.pushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(s.statusDocument(time.Now())); err != nil {
				return
			}
		}
	}
}

func (s *Server) statusDocument(now time.Time) StatusDocument {
	doc := StatusDocument{
		Node:      s.nodeName,
		RunID:     s.runID,
		Time:      float64(now.UnixNano()) / float64(time.Second),
		Neighbors: []NeighborView{},
	}
	for _, info := range s.table.All(now) {
		if !info.Defined {
			continue
		}
		view := NeighborView{
			IfName:     info.Iface,
			MACAddress: info.Addr.String(),
			Quality:    info.ETX,
		}
		if info.IP != nil {
			view.IPAddress = info.IP.String()
		}
		doc.Neighbors = append(doc.Neighbors, view)
	}
	return doc
}
