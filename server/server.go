// Package server hosts channels for clients in other processes.
//
// Request processing pipeline:
//
//	Serve → Accept → ServeTransport (one connection.Connection per peer)
//	  → Hello: create or resume the client's session
//	  → CallRequest:   go dispatch → Middleware Chain → channel.Handler.Call → CallSuccess / CallError
//	  → ListenRequest: go forward  → channel.Handler.Listen → EventFire ... → CallSuccess / CallError
//	  → CallCancel / ListenDispose: cancel the handler's ctx, suppress anything still to come
//
// A session outlives its connection by a grace period, so a client that
// reconnects with the same id keeps its subscriptions.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"mini-ipc/channel"
	"mini-ipc/codec"
	"mini-ipc/connection"
	"mini-ipc/message"
	"mini-ipc/middleware"
	"mini-ipc/transport"
)

const (
	DefaultGracePeriod  = 5 * time.Second
	DefaultBacklogLimit = 256
)

// Server routes requests from any number of clients to its registered channels.
type Server struct {
	registry     *channel.Registry
	codec        codec.Codec
	logger       *slog.Logger
	grace        time.Duration
	backlogLimit int
	connOpts     []connection.Option

	mu          sync.Mutex
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(businessHandler)))
	sessions    map[string]*session
	peers       map[*peer]struct{}
	listeners   map[transport.Listener]struct{}

	wg       sync.WaitGroup // in-flight calls and event forwarders
	shutdown atomic.Bool
	ctx      context.Context // parent of every session and handler ctx
	cancel   context.CancelFunc
}

type Option func(*Server)

// WithGracePeriod sets how long a disconnected client's session is kept.
// Zero disposes sessions as soon as their connection drops.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Server) { s.grace = d }
}

// WithCodec sets the payload codec. Clients must use the same one.
func WithCodec(c codec.Codec) Option {
	return func(s *Server) { s.codec = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithBacklogLimit bounds the events queued per session while it is in its
// grace period. The oldest events are dropped first; the message that ends a
// listen is never dropped. n <= 0 means no limit.
func WithBacklogLimit(n int) Option {
	return func(s *Server) { s.backlogLimit = n }
}

func WithMaxFrameSize(n int) Option {
	return func(s *Server) { s.connOpts = append(s.connOpts, connection.WithMaxFrameSize(n)) }
}

func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(s *Server) { s.middlewares = append(s.middlewares, mws...) }
}

// New creates a Server with an empty channel registry.
func New(opts ...Option) *Server {
	s := &Server{
		registry:     channel.NewRegistry(),
		codec:        &codec.JSONCodec{},
		logger:       slog.Default(),
		grace:        DefaultGracePeriod,
		backlogLimit: DefaultBacklogLimit,
		sessions:     make(map[string]*session),
		peers:        make(map[*peer]struct{}),
		listeners:    make(map[transport.Listener]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.connOpts = append(s.connOpts, connection.WithLogger(s.logger))
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.handler = s.build()
	return s
}

// Register exposes h under name.
func (s *Server) Register(name string, h channel.Handler) error {
	return s.registry.Register(name, h)
}

func (s *Server) Registry() *channel.Registry {
	return s.registry
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mw)
	// Build the chain once here, not per request.
	s.handler = s.build()
}

// build wraps businessHandler in the registered middlewares. A panicking
// handler never takes the server down: Recover is always the outermost layer.
func (s *Server) build() middleware.HandlerFunc {
	mws := append([]middleware.Middleware{middleware.Recover(s.logger)}, s.middlewares...)
	return middleware.Chain(mws...)(s.businessHandler)
}

func (s *Server) chain() middleware.HandlerFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler
}

// Serve accepts connections from l until l fails or Shutdown is called.
// It returns nil after Shutdown.
func (s *Server) Serve(l transport.Listener) error {
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		l.Close()
		return nil
	}
	s.listeners[l] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.listeners, l)
		s.mu.Unlock()
	}()

	s.logger.Info("serving", "addr", l.Addr(), "channels", s.registry.Names())
	for {
		t, err := l.Accept(s.ctx)
		if err != nil {
			// During shutdown, listener.Close() causes Accept to return an error.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		s.ServeTransport(t)
	}
}

// ServeTransport runs the protocol on an already established transport, e.g.
// transport.Stdio() in a child process. It does not block.
func (s *Server) ServeTransport(t transport.Transport) {
	p := &peer{srv: s, ready: make(chan struct{})}
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		t.Close()
		return
	}
	s.peers[p] = struct{}{}
	s.mu.Unlock()

	p.conn = connection.New(t, p, s.connOpts...)
	close(p.ready)
	s.logger.Debug("connection accepted", "remote", t.RemoteAddr())
}

// Shutdown performs graceful shutdown:
//  1. Set shutdown flag and close listeners (stop accepting new connections)
//  2. Say Goodbye to every connected client, for at most timeout
//  3. Dispose all sessions, which cancels every running handler
//  4. Close the remaining connections
//  5. Wait for in-flight handlers to return, within what is left of timeout
func (s *Server) Shutdown(timeout time.Duration) error {
	s.shutdown.Store(true)
	deadline := time.Now().Add(timeout)

	s.mu.Lock()
	listeners := make([]transport.Listener, 0, len(s.listeners))
	for l := range s.listeners {
		listeners = append(listeners, l)
	}
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}
	// A peer that stopped reading blocks its Goodbye until the connection
	// is closed below.
	var said sync.WaitGroup
	for _, sess := range sessions {
		if p := sess.activePeer(); p != nil {
			said.Add(1)
			go func() {
				defer said.Done()
				p.send(&message.Message{Kind: message.KindGoodbye})
			}()
		}
	}
	if !waitUntil(&said, deadline) {
		s.logger.Warn("goodbye not delivered to every client")
	}
	for _, sess := range sessions {
		s.dispose(sess, "server shutdown", nil)
	}
	for _, p := range peers {
		p.close()
	}
	s.cancel()

	if !waitUntil(&s.wg, deadline) {
		return fmt.Errorf("timeout waiting for ongoing requests to finish")
	}
	return nil
}

// waitUntil waits for wg and reports whether it finished before deadline.
func waitUntil(wg *sync.WaitGroup, deadline time.Time) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// SessionInfo is a snapshot of one client session.
type SessionInfo struct {
	ClientID   string
	State      State
	RemoteAddr string // empty while disconnected
	Calls      int
	Listens    int
	Backlog    int
}

// Sessions lists the live sessions ordered by client id.
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ClientID < infos[j].ClientID })
	return infos
}

// businessHandler is the innermost handler of the middleware chain.
func (s *Server) businessHandler(ctx context.Context, req *channel.Request) (any, error) {
	h, ok := s.registry.Lookup(req.Channel)
	if !ok {
		return nil, fmt.Errorf("%w: %q", message.ErrChannelNotFound, req.Channel)
	}
	return h.Call(ctx, req.Client, req.Command, req.Args)
}

// result builds the terminal message for a request.
func (s *Server) result(id uint32, v any, err error) *message.Message {
	if err == nil {
		payload, encErr := s.codec.Encode(v)
		if encErr == nil {
			return &message.Message{Kind: message.KindCallSuccess, RequestID: id, Payload: payload}
		}
		err = message.NewError("EncodeError", "%v", encErr)
	}
	re := message.ToRemote(err)
	payload, encErr := s.codec.Encode(re)
	if encErr != nil {
		s.logger.Error("encode error reply", "request_id", id, "err", encErr)
	}
	return &message.Message{Kind: message.KindCallError, RequestID: id, Payload: payload}
}

// attach binds p to the session for clientID, creating it if needed.
func (s *Server) attach(p *peer, clientID string) *session {
	for {
		s.mu.Lock()
		if s.shutdown.Load() {
			s.mu.Unlock()
			return nil
		}
		sess, resumed := s.sessions[clientID], true
		if sess == nil {
			sess, resumed = newSession(s, clientID), false
			s.sessions[clientID] = sess
		}
		s.mu.Unlock()

		if sess.attach(p, resumed) {
			if resumed {
				s.logger.Info("session resumed", "client_id", clientID, "remote", p.conn.RemoteAddr())
			} else {
				s.logger.Info("session created", "client_id", clientID, "remote", p.conn.RemoteAddr())
			}
			return sess
		}
		// Disposed between lookup and attach; dispose has removed it by now.
	}
}

// dispose tears a session down for good. cond, if set, is checked under the
// session lock and can veto the disposal.
func (s *Server) dispose(sess *session, reason string, cond func() bool) bool {
	s.mu.Lock()
	cancels, ok := sess.markDisposed(cond)
	if ok && s.sessions[sess.id] == sess {
		delete(s.sessions, sess.id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	for _, cancel := range cancels {
		cancel()
	}
	sess.cancel()
	s.logger.Info("session disposed", "client_id", sess.id, "reason", reason)
	return true
}
