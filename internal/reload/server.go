package reload

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/stackkit-dev/stackkit/kit/colorlog"
)

type ServerOptions struct {
	// OnReload receives the changed files of each reload frame. Frames from
	// one connection are delivered in order.
	OnReload func(files []string)
	Logger   *slog.Logger
}

type Server struct {
	opts ServerOptions
	log  *slog.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

func NewServer(opts ServerOptions) *Server {
	return &Server{
		opts:  opts,
		log:   colorlog.Or(opts.Logger, "reload"),
		conns: make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections on ln until ctx is done. It closes ln and every
// open connection before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	defer s.closeAll()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		s.track(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handle(conn)
		}()
	}
}

func (s *Server) handle(conn net.Conn) {
	s.log.Debug("reload client connected", "remote", conn.RemoteAddr().String())
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxFrame)

	for scanner.Scan() {
		frame := scanner.Bytes()
		if len(frame) == 0 {
			continue
		}
		msg, err := Decode(frame)
		if err != nil {
			s.log.Warn("skipping malformed reload frame", "error", err)
			continue
		}
		switch msg.Type {
		case TypePing:
			if err := Encode(conn, NewPing()); err != nil {
				s.log.Debug("ping reply failed", "error", err)
				return
			}
		case TypeReload:
			s.log.Info("reload requested", "files", len(msg.Files))
			if s.opts.OnReload != nil {
				s.opts.OnReload(msg.Files)
			}
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Warn("reload connection closed", "error", err)
	}
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) closeAll() {
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}
