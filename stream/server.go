package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"go.uber.org/zap"

	"github.com/vmtrace/guestmon/monitor"
)

// Server accepts VMM connections on a unix socket and feeds each frame's
// command into the monitor. One connection carries the serialized command
// stream of one VM; frames are handled in arrival order.
type Server struct {
	log        *zap.Logger
	mon        *monitor.Monitor
	socketPath string
	ln         net.Listener
}

func NewServer(log *zap.Logger, mon *monitor.Monitor, socketPath string) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{log: log, mon: mon, socketPath: socketPath}
}

// Listen binds the socket. Separate from Serve so the caller can bind while
// still privileged and drop privileges before serving.
func (s *Server) Listen() error {
	// A previous run may have left the socket file behind.
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket: %v", err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %v", s.socketPath, err)
	}
	s.ln = ln
	return nil
}

// Serve accepts connections until ctx is cancelled. Listen must have been
// called first.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		return errors.New("serve called before listen")
	}

	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	s.log.Info("command stream listening", zap.String("socket", s.socketPath))

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept failed: %v", err)
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	s.log.Info("vmm connected", zap.String("remote", conn.RemoteAddr().String()))

	for ctx.Err() == nil {
		frame, err := ReadFrame(conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.log.Info("vmm disconnected")
			} else {
				s.log.Error("frame read failed, closing connection", zap.Error(err))
			}
			return
		}

		if err := s.handleFrame(conn, frame); err != nil {
			s.log.Warn("dropping frame", zap.Uint64("path", frame.PathID), zap.Error(err))
		}
	}
}

// handleFrame validates the frame against the expected command contract and
// dispatches it. The (size, version) check happens here, before any decode,
// so a mismatched guest agent never reaches the monitor.
func (s *Server) handleFrame(conn net.Conn, frame *Frame) error {
	size, version := s.mon.CommandSpec()
	if frame.Version != version {
		return fmt.Errorf("agent version %d, expected %d", frame.Version, version)
	}
	if len(frame.Command) != size {
		return fmt.Errorf("command size %d, expected %d", len(frame.Command), size)
	}

	path := NewRemotePath(frame, conn, s.log)
	return s.mon.HandleCommand(path, frame.Command)
}
