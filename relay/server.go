package relay

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/decred/slog"
	"github.com/gorilla/websocket"

	"github.com/solgammon/gammonrelay/gammon"
	"github.com/solgammon/gammonrelay/relay/relaydb"
)

// ServerConfig carries everything the relay needs to run.
type ServerConfig struct {
	// DataDir holds the metadata database.
	DataDir string

	// ListenAddr is the host:port the HTTP listener binds. The websocket
	// endpoint and the metadata API share it.
	ListenAddr string

	Log slog.Logger
}

// Server is the relay process: one HTTP listener serving the websocket
// coordination endpoint at /ws and the session metadata API.
type Server struct {
	log      slog.Logger
	registry *gammon.Registry
	coord    *Coordinator
	db       relaydb.Store

	httpServer *http.Server
	upgrader   websocket.Upgrader
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Log == nil {
		return nil, fmt.Errorf("log is nil")
	}
	db, err := relaydb.NewBoltStore(filepath.Join(cfg.DataDir, "relay.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	registry := gammon.NewRegistry()
	s := &Server{
		log:      cfg.Log,
		registry: registry,
		coord:    NewCoordinator(cfg.Log, registry),
		db:       db,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Engines are not browsers; origin checks add nothing here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.apiMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Registry exposes the advisory session registry, mainly for tests and for
// embedding the relay in-process.
func (s *Server) Registry() *gammon.Registry { return s.registry }

// Coordinator exposes the message router for in-process embedding.
func (s *Server) Coordinator() *Coordinator { return s.coord }

// Handler returns the relay's HTTP handler (websocket endpoint plus
// metadata API) for embedding under an external listener.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Close releases the metadata store. Run does this itself; Close is for
// embedders that never call Run.
func (s *Server) Close() error { return s.db.Close() }

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugf("websocket upgrade: %v", err)
		return
	}
	c := newConn(ws, s.log)
	s.log.Debugf("conn %s: connected from %s", c.id, r.RemoteAddr)
	go c.writePump()
	go c.readPump(s.coord)
}

// Run serves until ctx is canceled, then shuts down the listener and closes
// the metadata store.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	s.log.Infof("relay listening on %s", ln.Addr())

	errC := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errC <- err
		}
	}()

	select {
	case err := <-errC:
		s.db.Close()
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = s.httpServer.Shutdown(shutCtx)
	if dbErr := s.db.Close(); err == nil {
		err = dbErr
	}
	return err
}
