package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/MobasirSarkar/chatgateway/internal/auth"
	"github.com/MobasirSarkar/chatgateway/internal/bus"
	"github.com/MobasirSarkar/chatgateway/internal/chat"
	"github.com/MobasirSarkar/chatgateway/internal/presence"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	WebSocketEndPoint = "GET /ws/chat/{room}"
	WriteTimeout      = 10 * time.Second
	PingInterval      = 20 * time.Second
	SendBuffer        = 256
	InboundBuffer     = 16
)

type Options struct {
	ServerId       string
	AllowedOrigins []string
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	// SendBuffer is the outbound queue length per session. A session whose
	// queue is full is closed as a slow consumer.
	SendBuffer int
	// EchoOwn delivers a session's own chat, media and voice events back to it.
	EchoOwn bool
	// Welcome is sent to a session right after it joins. Empty disables it.
	Welcome     string
	MaxInflight int64
	RateLimit   rate.Limit
	RateBurst   int
}

func (o *Options) defaults() {
	if o.ServerId == "" {
		o.ServerId = uuid.NewString()
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = WriteTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = PingInterval
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = SendBuffer
	}
	if o.MaxInflight <= 0 {
		o.MaxInflight = 64
	}
	if o.RateLimit <= 0 {
		o.RateLimit = rate.Inf
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 1
	}
}

type Deps struct {
	Verifier auth.Verifier
	Store    chat.Store
	Bus      bus.Bus
	Presence presence.Store
	Logger   *slog.Logger
}

type Server struct {
	ServerId string

	opts     Options
	verifier auth.Verifier
	store    chat.Store
	bus      bus.Bus
	presence presence.Store
	offload  *Offload
	logger   *slog.Logger
	now      func() time.Time

	SessionsMu sync.RWMutex
	Sessions   map[*Session]struct{}
	wg         sync.WaitGroup

	Shutdown     chan struct{}
	shutdownOnce sync.Once
	HttpServer   *http.Server
}

func New(deps Deps, opts Options) *Server {
	opts.defaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		ServerId: opts.ServerId,
		opts:     opts,
		verifier: deps.Verifier,
		store:    deps.Store,
		bus:      deps.Bus,
		presence: deps.Presence,
		offload:  NewOffload(opts.MaxInflight),
		logger:   logger.With("component", "server", "server_id", opts.ServerId),
		now:      time.Now,
		Sessions: make(map[*Session]struct{}),
		Shutdown: make(chan struct{}),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketEndPoint, s.HandleWs)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/presence/{user}", s.handlePresence)
	mux.HandleFunc("GET /api/rooms/{room}/unread", s.handleUnread)
	return mux
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.HttpServer = &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.HttpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http serve failed", "err", err)
		}
	}()
	s.logger.Info("http server listening", "addr", s.HttpServer.Addr)
	return nil
}

func (s *Server) track(sess *Session) bool {
	s.SessionsMu.Lock()
	defer s.SessionsMu.Unlock()
	select {
	case <-s.Shutdown:
		return false
	default:
	}
	s.Sessions[sess] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(sess *Session) {
	s.SessionsMu.Lock()
	_, ok := s.Sessions[sess]
	delete(s.Sessions, sess)
	s.SessionsMu.Unlock()
	if ok {
		s.wg.Done()
	}
}

// SessionCount returns the number of joined sessions on this instance.
func (s *Server) SessionCount() int {
	s.SessionsMu.RLock()
	defer s.SessionsMu.RUnlock()
	return len(s.Sessions)
}

// ShutdownGracefully stops accepting connections, closes every session with
// "going away" and waits for their teardown until ctx ends. Collaborators
// (bus, presence, store) are closed by the caller afterwards.
func (s *Server) ShutdownGracefully(ctx context.Context) error {
	var err error
	if s.HttpServer != nil {
		err = s.HttpServer.Shutdown(ctx)
	}
	s.shutdownOnce.Do(func() { close(s.Shutdown) })

	s.SessionsMu.RLock()
	sessions := make([]*Session, 0, len(s.Sessions))
	for sess := range s.Sessions {
		sessions = append(sessions, sess)
	}
	s.SessionsMu.RUnlock()

	for _, sess := range sessions {
		go sess.Close(websocket.StatusGoingAway, "Server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return err
}
