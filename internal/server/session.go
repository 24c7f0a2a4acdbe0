package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MobasirSarkar/chatgateway/internal/auth"
	"github.com/MobasirSarkar/chatgateway/internal/bus"
	"github.com/MobasirSarkar/chatgateway/internal/chat"
	"github.com/MobasirSarkar/chatgateway/internal/ws"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type State int32

const (
	StateConnecting State = iota
	StateAuthorized
	StateJoined
	StateClosed
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthorized:
		return "authorized"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	case StateRejected:
		return "rejected"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Session is one client connection joined to one room.
type Session struct {
	Id     string
	User   auth.Identity
	RoomId int64
	Room   bus.RoomKey

	server  *Server
	client  *ws.Client
	sub     *bus.Subscription
	limiter *rate.Limiter
	logger  *slog.Logger

	state   atomic.Int32
	send    chan ws.Event
	inbound chan []byte

	// ctx scopes work done for inbound frames; ioCtx scopes the transport.
	// ctx ends first so teardown never waits on a store or bus call.
	ctx    context.Context
	stop   context.CancelFunc
	ioCtx  context.Context
	ioStop context.CancelFunc

	presenceHeld bool
	closeOnce    sync.Once
	closed       chan struct{}
}

func (s *Server) newSession(user auth.Identity, roomId int64) *Session {
	ctx, stop := context.WithCancel(context.Background())
	ioCtx, ioStop := context.WithCancel(context.Background())
	sess := &Session{
		Id:      uuid.NewString(),
		User:    user,
		RoomId:  roomId,
		Room:    bus.Key(roomId),
		server:  s,
		limiter: rate.NewLimiter(s.opts.RateLimit, s.opts.RateBurst),
		send:    make(chan ws.Event, s.opts.SendBuffer),
		inbound: make(chan []byte, InboundBuffer),
		ctx:     ctx,
		stop:    stop,
		ioCtx:   ioCtx,
		ioStop:  ioStop,
		closed:  make(chan struct{}),
	}
	sess.logger = s.logger.With("session", sess.Id, "room", roomId, "user", user.UserId)
	return sess
}

func (sess *Session) State() State {
	return State(sess.state.Load())
}

// transition moves from one of the given states to next. It reports false
// when the session is in none of them.
func (sess *Session) transition(next State, from ...State) bool {
	for _, f := range from {
		if sess.state.CompareAndSwap(int32(f), int32(next)) {
			return true
		}
	}
	return false
}

// Deliver is called by the bus for every event published to the room.
func (sess *Session) Deliver(msg bus.Message) {
	switch ev := msg.Event.(type) {
	case *ws.TypingEvent:
		if ev.UserId == sess.User.UserId {
			return
		}
	case *ws.ChatMessageEvent, *ws.MediaMessageEvent, *ws.VoiceMessageEvent, *ws.MessageEditedEvent:
		if !sess.server.opts.EchoOwn && msg.Origin == sess.Id {
			return
		}
	}
	sess.enqueue(msg.Event)
}

// enqueue never blocks. A full queue closes the session.
func (sess *Session) enqueue(ev ws.Event) {
	st := sess.State()
	if st == StateClosed || st == StateRejected {
		return
	}
	select {
	case sess.send <- ev:
	default:
		if st != StateJoined {
			return
		}
		sess.logger.Warn("outbound queue full, closing slow consumer")
		go sess.Close(websocket.StatusPolicyViolation, "slow consumer")
	}
}

func (sess *Session) publish(ctx context.Context, ev ws.Event) error {
	err := sess.server.bus.Publish(ctx, bus.Message{Room: sess.Room, Origin: sess.Id, Event: ev})
	if err != nil && !errors.Is(err, bus.ErrUnavailable) {
		err = fmt.Errorf("%w: %w", bus.ErrUnavailable, err)
	}
	return err
}

// run drives a joined session until the client goes away or the server
// shuts down. Frames are handled one at a time in arrival order while
// readPump keeps the transport read, so a dropped client or a close frame is
// noticed even during a slow store call.
func (sess *Session) run() {
	go sess.readPump()
	go sess.writePump()
	go sess.pingLoop()

	defer sess.Close(websocket.StatusNormalClosure, "bye")
	for {
		select {
		case <-sess.ctx.Done():
			return
		case data := <-sess.inbound:
			sess.handleFrame(data)
		}
	}
}

// readPump owns client.Read. The first read error cancels ctx, which
// unblocks any frame in flight and ends run.
func (sess *Session) readPump() {
	defer sess.stop()
	for {
		data, err := sess.client.Read(sess.ioCtx)
		if err != nil {
			if ws.IsClosed(err) {
				sess.logger.Debug("client closed", "status", websocket.CloseStatus(err))
			} else if sess.State() != StateClosed {
				sess.logger.Info("read error", "err", err)
			}
			return
		}
		// Blocks once the client is InboundBuffer frames ahead.
		select {
		case sess.inbound <- data:
		case <-sess.ctx.Done():
			return
		}
	}
}

func (sess *Session) writePump() {
	for {
		select {
		case <-sess.ioCtx.Done():
			return
		case ev := <-sess.send:
			if err := sess.client.WriteEvent(sess.ioCtx, ev); err != nil {
				if !ws.IsClosed(err) {
					sess.logger.Info("write failed", "err", err)
				}
				go sess.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (sess *Session) pingLoop() {
	ticker := time.NewTicker(sess.server.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.server.Shutdown:
			return
		case <-sess.ctx.Done():
			return
		case <-ticker.C:
			if err := sess.client.Ping(sess.ioCtx); err != nil {
				if !ws.IsClosed(err) {
					sess.logger.Info("ping failed", "err", err)
				}
				go sess.Close(websocket.StatusPolicyViolation, "ping timeout")
				return
			}
		}
	}
}

// handleFrame processes one inbound frame. Errors stay local to the session.
func (sess *Session) handleFrame(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			sess.logger.Error("panic handling frame", "panic", r, "stack", string(debug.Stack()))
			sess.enqueue(ws.NewErrorEvent(errors.New("internal error")))
		}
	}()

	if !sess.limiter.Allow() {
		sess.enqueue(ws.NewErrorEvent(chat.ErrRateLimited))
		return
	}

	frame, err := ws.DecodeFrame(data)
	if err != nil {
		sess.logger.Debug("malformed frame", "err", err)
		sess.enqueue(ws.NewErrorEvent(err))
		return
	}

	if err := sess.ingest(sess.ctx, frame); err != nil {
		sess.reportError(frame, err)
	}
}

func (sess *Session) reportError(frame ws.Frame, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	code := chat.Code(err)
	switch code {
	case chat.CodePersistenceFailure, chat.CodeBusUnavailable, chat.CodeInternal:
		sess.logger.Error("frame failed", "type", frame.FrameType(), "err", err)
	default:
		sess.logger.Debug("frame rejected", "type", frame.FrameType(), "err", err)
	}
	sess.enqueue(ws.NewErrorEvent(publicError(err)))
}

// publicError hides driver detail from the client while keeping the code.
func publicError(err error) error {
	switch chat.Code(err) {
	case chat.CodePersistenceFailure:
		return chat.ErrPersistence
	case chat.CodeBusUnavailable:
		return chat.ErrBusUnavailable
	case chat.CodeInternal:
		return errors.New("internal error")
	}
	return err
}

// Close tears the session down. It is safe to call from any state and any
// goroutine; only the first call has effect.
func (sess *Session) Close(code websocket.StatusCode, reason string) {
	sess.closeOnce.Do(func() {
		prev := State(sess.state.Swap(int32(StateClosed)))
		sess.stop()

		if err := sess.sub.Unsubscribe(); err != nil {
			sess.logger.Warn("unsubscribe failed", "err", err)
		}
		if sess.presenceHeld {
			ctx, cancel := context.WithTimeout(context.Background(), sess.server.opts.WriteTimeout)
			if err := sess.server.presence.SetOffline(ctx, sess.User.UserId); err != nil {
				sess.logger.Warn("presence offline failed", "err", err)
			}
			cancel()
		}
		if sess.client != nil {
			_ = sess.client.Close(code, reason)
		}
		sess.ioStop()
		sess.server.untrack(sess)
		close(sess.closed)
		sess.logger.Info("session closed", "from", prev.String(), "reason", reason)
	})
}

// Done is closed once teardown has finished.
func (sess *Session) Done() <-chan struct{} {
	return sess.closed
}
