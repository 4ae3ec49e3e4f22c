package rpc

import (
	"context"
	"errors"
	"log"
	"net"
	"net/rpc"
	"os"
	"sync"
)

// Transport is the listen/serve/shutdown contract a caller drives a
// Service through. It exists so a caller that doesn't want a control
// socket (e.g. a test harness exercising Service directly) can hold a
// NullServer() instead of threading a *Server nil-check everywhere.
type Transport interface {
	Listen() error
	Serve(ctx context.Context) error
	Shutdown()
}

// Server listens on a Unix-domain socket and serves a Service's exported
// methods over net/rpc, gob-encoded — no generated marshaling code is
// needed. Listen binds quickly and returns; Serve blocks accepting
// connections until its context is canceled or Shutdown closes the listener.
type Server struct {
	filename  string
	svc       *Service
	listener  net.Listener
	rpcSrv    *rpc.Server
	servingWG sync.WaitGroup
}

// NewServer returns a Server that will serve svc's methods on the Unix
// socket at filename.
func NewServer(filename string, svc *Service) *Server {
	return &Server{filename: filename, svc: svc}
}

type nullTransport struct{}

func (nullTransport) Listen() error { return nil }
func (nullTransport) Serve(ctx context.Context) error {
	<-ctx.Done()
	return nil
}
func (nullTransport) Shutdown() {}

// NullServer returns a Transport that does nothing, for callers that want
// to drive a Service directly (tests, in-process embedding) without
// standing up a control socket.
func NullServer() Transport {
	return nullTransport{}
}

// Listen registers svc with a fresh net/rpc server and binds the Unix
// socket, removing any stale socket file left behind by an unclean prior
// shutdown.
func (s *Server) Listen() error {
	rpcSrv := rpc.NewServer()
	if err := rpcSrv.Register(s.svc); err != nil {
		return err
	}
	os.Remove(s.filename)
	l, err := net.Listen("unix", s.filename)
	if err != nil {
		return err
	}
	s.listener = l
	s.rpcSrv = rpcSrv
	return nil
}

// Serve accepts connections until ctx is canceled or the listener is
// closed, handing each one to
// net/rpc's per-connection codec. It blocks; run it in a goroutine.
func (s *Server) Serve(ctx context.Context) error {
	s.servingWG.Add(1)
	defer s.servingWG.Done()

	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("rpc: accept on %q: %v", s.filename, err)
			continue
		}
		s.servingWG.Add(1)
		go func() {
			defer s.servingWG.Done()
			s.rpcSrv.ServeConn(conn)
		}()
	}
}

// Shutdown closes the listener, waits for in-flight connections to drain,
// and removes the socket file.
func (s *Server) Shutdown() {
	if s.listener != nil {
		s.listener.Close()
	}
	s.servingWG.Wait()
	os.Remove(s.filename)
}
