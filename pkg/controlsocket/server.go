package controlsocket

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/Dicklesworthstone/rchd/pkg/log"
	"github.com/rs/zerolog"
)

// Handler dispatches control requests into the daemon core.
type Handler interface {
	CancelBuild(ctx context.Context, buildID, reason string, force bool) CancelBuildResponse
	CancelAllBuilds(ctx context.Context, force bool) CancelAllBuildsResponse
	Status(ctx context.Context) StatusResponse
	ListWorkers(ctx context.Context) ListWorkersResponse
	Doctor(ctx context.Context) DoctorResponse
	TriageSweep(ctx context.Context, workerIDs []string) TriageSweepResponse
}

// Server accepts control connections on a Unix socket.
type Server struct {
	path     string
	handler  Handler
	logger   zerolog.Logger
	listener net.Listener

	mu     sync.Mutex
	closed bool
}

// NewServer creates a server for the given socket path.
func NewServer(path string, handler Handler) *Server {
	return &Server{path: path, handler: handler, logger: log.WithComponent("controlsocket")}
}

// Start binds the socket and begins accepting connections. A stale socket
// file from a previous daemon run is removed first.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		ln.Close()
		return err
	}
	s.listener = ln
	go s.acceptLoop()
	s.logger.Info().Str("path", s.path).Msg("control socket listening")
	return nil
}

// Stop closes the listener and removes the socket file.
func (s *Server) Stop() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	if s.listener != nil {
		s.listener.Close()
	}
	os.Remove(s.path)
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			s.logger.Warn().Err(err).Msg("accept failed")
			continue
		}
		go s.serveConn(conn)
	}
}

// serveConn handles one connection: repeated request/response frames until
// the client hangs up.
func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	for {
		var req Request
		if err := readFrame(conn, &req); err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug().Err(err).Msg("request frame read failed")
			}
			return
		}

		resp := s.dispatch(context.Background(), req)
		if err := writeFrame(conn, resp); err != nil {
			s.logger.Debug().Err(err).Msg("response frame write failed")
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) any {
	switch req.Type {
	case TypeCancelBuild:
		if req.BuildID == "" {
			return ErrorResponse{Status: "error", Message: "build_id is required"}
		}
		return s.handler.CancelBuild(ctx, req.BuildID, req.Reason, req.Force)
	case TypeCancelAllBuilds:
		return s.handler.CancelAllBuilds(ctx, req.Force)
	case TypeStatus:
		return s.handler.Status(ctx)
	case TypeListWorkers:
		return s.handler.ListWorkers(ctx)
	case TypeDoctor:
		return s.handler.Doctor(ctx)
	case TypeTriageSweep:
		return s.handler.TriageSweep(ctx, req.WorkerIDs)
	default:
		return ErrorResponse{Status: "error", Message: "unknown request type: " + req.Type}
	}
}
