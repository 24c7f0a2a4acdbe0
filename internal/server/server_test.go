package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MobasirSarkar/chatgateway/internal/auth"
	"github.com/MobasirSarkar/chatgateway/internal/bus"
	"github.com/MobasirSarkar/chatgateway/internal/chat"
	"github.com/MobasirSarkar/chatgateway/internal/db"
	"github.com/MobasirSarkar/chatgateway/internal/logging"
	"github.com/MobasirSarkar/chatgateway/internal/presence"
	"github.com/MobasirSarkar/chatgateway/internal/ws"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const welcome = "You are now connected to the chat."

type harness struct {
	t        *testing.T
	srv      *Server
	http     *httptest.Server
	store    *db.Memory
	bus      *bus.Memory
	presence *presence.Memory
}

type harnessOption func(*Deps, *Options)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	store := db.NewMemory()
	require.NoError(t, store.CreateRoom(chat.Room{Id: 42, Name: "general", IsGroup: true, Participants: []int64{1, 2, 3}}))
	require.NoError(t, store.CreateRoom(chat.Room{Id: 7, Participants: []int64{1, 2}}))

	h := &harness{t: t, store: store, bus: bus.NewMemory(), presence: presence.NewMemory()}
	deps := Deps{
		Verifier: auth.Static{},
		Store:    store,
		Bus:      h.bus,
		Presence: h.presence,
		Logger:   logging.Discard(),
	}
	o := Options{EchoOwn: true, Welcome: welcome, PingInterval: time.Hour}
	for _, fn := range opts {
		fn(&deps, &o)
	}
	h.srv = New(deps, o)
	h.http = httptest.NewServer(h.srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.srv.ShutdownGracefully(ctx)
		h.http.Close()
	})
	return h
}

func (h *harness) url(path string) string {
	return "ws" + strings.TrimPrefix(h.http.URL, "http") + path
}

func (h *harness) dial(token string, room string) (*websocket.Conn, *http.Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	path := "/ws/chat/" + room
	if token != "" {
		path += "?token=" + token
	}
	return websocket.Dial(ctx, h.url(path), nil)
}

// join connects and waits for the welcome event, after which the session
// is subscribed and counted in presence.
func (h *harness) join(token string, room string) *websocket.Conn {
	h.t.Helper()
	conn, _, err := h.dial(token, room)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = conn.CloseNow() })

	ev := readEvent(h.t, conn)
	sys, ok := ev.(*ws.SystemEvent)
	require.True(h.t, ok, "want welcome, got %T", ev)
	assert.Equal(h.t, welcome, sys.Message)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) ws.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	ev, err := ws.DecodeEvent(data)
	require.NoError(t, err)
	return ev
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(frame)))
}

func readChat(t *testing.T, conn *websocket.Conn) *ws.ChatMessageEvent {
	t.Helper()
	ev := readEvent(t, conn)
	msg, ok := ev.(*ws.ChatMessageEvent)
	require.True(t, ok, "want chat_message, got %T", ev)
	return msg
}

func readError(t *testing.T, conn *websocket.Conn) *ws.ErrorEvent {
	t.Helper()
	ev := readEvent(t, conn)
	e, ok := ev.(*ws.ErrorEvent)
	require.True(t, ok, "want error, got %T", ev)
	return e
}

func TestChatMessageReachesEveryParticipant(t *testing.T) {
	h := newHarness(t)
	a := h.join("user:1:alice", "42")
	b := h.join("user:2:bob", "42")

	send(t, a, `{"type":"chat_message","message":"  hello  "}`)

	fromA := readChat(t, a)
	fromB := readChat(t, b)
	assert.Equal(t, "hello", fromA.Message)
	assert.Equal(t, int64(1), fromA.SenderId)
	assert.Equal(t, "alice", fromA.SenderUsername)
	assert.NotEmpty(t, fromA.MessageId)
	assert.Equal(t, fromA.MessageId, fromB.MessageId)
	assert.False(t, fromA.Timestamp.IsZero())

	msgs, err := h.store.Messages(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, fromA.MessageId, msgs[0].Id)

	room, err := h.store.Room(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, msgs[0].CreatedAt, room.LastActivity)
}

func TestEmptyMessageStaysLocal(t *testing.T) {
	h := newHarness(t)
	a := h.join("user:1:alice", "42")
	b := h.join("user:2:bob", "42")

	send(t, a, `{"type":"chat_message","message":"   "}`)
	assert.Equal(t, chat.CodeEmptyMessage, readError(t, a).Code)

	send(t, a, `{"type":"chat_message","message":"next"}`)
	assert.Equal(t, "next", readChat(t, b).Message, "nothing was published for the empty frame")

	msgs, err := h.store.Messages(context.Background(), 42)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	h := newHarness(t)
	a := h.join("user:1:alice", "42")

	send(t, a, `{"type":"chat_message"`)
	assert.Equal(t, chat.CodeMalformedFrame, readError(t, a).Code)
	send(t, a, `{"type":"shout","message":"x"}`)
	assert.Equal(t, chat.CodeMalformedFrame, readError(t, a).Code)

	send(t, a, `{"type":"chat_message","message":"still here"}`)
	assert.Equal(t, "still here", readChat(t, a).Message)
}

func TestHandshakeRejections(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name   string
		token  string
		room   string
		status int
	}{
		{"no token", "", "42", http.StatusUnauthorized},
		{"bad token", "nobody", "42", http.StatusUnauthorized},
		{"bad room", "user:1", "abc", http.StatusBadRequest},
		{"not a participant", "user:99", "42", http.StatusForbidden},
		{"missing room", "user:1", "1000", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := h.dial(tt.token, tt.room)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}

	assert.Equal(t, 0, h.bus.Subscribers(bus.Key(42)))
	rec, err := h.presence.Get(context.Background(), 99)
	require.NoError(t, err)
	assert.False(t, rec.Online)
	assert.True(t, rec.LastSeen.IsZero())
	assert.Equal(t, 0, h.srv.SessionCount())
}

func TestDisconnectReleasesSubscriptionAndPresence(t *testing.T) {
	h := newHarness(t)
	a := h.join("user:1:alice", "42")

	assert.Equal(t, 1, h.bus.Subscribers(bus.Key(42)))
	rec, err := h.presence.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, rec.Online)

	require.NoError(t, a.Close(websocket.StatusNormalClosure, "bye"))

	require.Eventually(t, func() bool {
		return h.bus.Subscribers(bus.Key(42)) == 0 && h.srv.SessionCount() == 0
	}, 5*time.Second, 10*time.Millisecond)
	rec, err = h.presence.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, rec.Online)
	assert.False(t, rec.LastSeen.IsZero())
}

func TestPresenceSurvivesSecondSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	phone := h.join("user:1:alice", "42")
	laptop := h.join("user:1:alice", "7")

	rec, err := h.presence.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Sessions)

	require.NoError(t, phone.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool {
		rec, err := h.presence.Get(ctx, 1)
		return err == nil && rec.Sessions == 1
	}, 5*time.Second, 10*time.Millisecond)
	rec, err = h.presence.Get(ctx, 1)
	require.NoError(t, err)
	assert.True(t, rec.Online)

	require.NoError(t, laptop.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool {
		rec, err := h.presence.Get(ctx, 1)
		return err == nil && !rec.Online
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTypingSkipsTheTypingUser(t *testing.T) {
	h := newHarness(t)
	a1 := h.join("user:1:alice", "42")
	a2 := h.join("user:1:alice", "42")
	b := h.join("user:2:bob", "42")

	send(t, a1, `{"type":"typing","is_typing":true}`)
	ev := readEvent(t, b)
	typing, ok := ev.(*ws.TypingEvent)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, int64(1), typing.UserId)
	assert.Equal(t, "alice", typing.Username)
	assert.True(t, typing.IsTyping)

	send(t, a1, `{"type":"chat_message","message":"after typing"}`)
	assert.Equal(t, "after typing", readChat(t, a1).Message)
	assert.Equal(t, "after typing", readChat(t, a2).Message)
	assert.Equal(t, "after typing", readChat(t, b).Message)

	msgs, err := h.store.Messages(context.Background(), 42)
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "typing is never persisted")
}

type failingStore struct {
	*db.Memory
}

func (failingStore) CreateMessage(context.Context, chat.NewMessage) (*chat.Message, error) {
	return nil, errors.New("connection refused")
}

func TestPersistenceFailureIsLocal(t *testing.T) {
	h := newHarness(t, func(d *Deps, _ *Options) {
		d.Store = failingStore{Memory: d.Store.(*db.Memory)}
	})
	a := h.join("user:1:alice", "42")
	b := h.join("user:2:bob", "42")

	send(t, a, `{"type":"chat_message","message":"lost"}`)
	e := readError(t, a)
	assert.Equal(t, chat.CodePersistenceFailure, e.Code)
	assert.NotContains(t, e.Message, "connection refused")

	send(t, a, `{"type":"typing","is_typing":true}`)
	_, ok := readEvent(t, b).(*ws.TypingEvent)
	assert.True(t, ok, "b saw nothing before the typing event")
}

type closedBus struct {
	*bus.Memory
}

func (closedBus) Publish(context.Context, bus.Message) error {
	return errors.New("nats: connection closed")
}

func TestBusFailureIsLocal(t *testing.T) {
	h := newHarness(t, func(d *Deps, _ *Options) {
		d.Bus = closedBus{Memory: d.Bus.(*bus.Memory)}
	})
	a := h.join("user:1:alice", "42")

	send(t, a, `{"type":"chat_message","message":"hi"}`)
	assert.Equal(t, chat.CodeBusUnavailable, readError(t, a).Code)
}

func TestMediaAndVoiceMessages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.PutMedia(chat.Media{Id: "img", Kind: chat.MediaImage, Name: "cat.png", Url: "/media/cat.png", ThumbnailUrl: "/media/cat_thumb.png", SizeBytes: 1536})
	h.store.PutMedia(chat.Media{Id: "vox", Kind: chat.MediaVoice, Name: "note.ogg", Url: "/media/note.ogg", SizeBytes: 3 << 20, Duration: 7 * time.Second})
	h.store.PutMedia(chat.Media{Id: "gone", Kind: chat.MediaImage, Url: "/media/gone.png"})
	h.store.DeleteMedia("gone")

	img, err := h.store.CreateMessage(ctx, chat.NewMessage{RoomId: 42, SenderId: 1, SenderUsername: "alice", MediaId: "img", Content: "stored"})
	require.NoError(t, err)
	vox, err := h.store.CreateMessage(ctx, chat.NewMessage{RoomId: 42, SenderId: 1, SenderUsername: "alice", MediaId: "vox"})
	require.NoError(t, err)
	gone, err := h.store.CreateMessage(ctx, chat.NewMessage{RoomId: 42, SenderId: 1, SenderUsername: "alice", MediaId: "gone"})
	require.NoError(t, err)
	text, err := h.store.CreateMessage(ctx, chat.NewMessage{RoomId: 42, SenderId: 1, SenderUsername: "alice", Content: "plain"})
	require.NoError(t, err)

	a := h.join("user:1:alice", "42")
	b := h.join("user:2:bob", "42")

	send(t, a, `{"type":"media_message","message_id":"`+img.Id+`","caption":"look"}`)
	ev := readEvent(t, b)
	media, ok := ev.(*ws.MediaMessageEvent)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, "look", media.Message)
	assert.Equal(t, img.Id, media.MessageId)
	assert.Equal(t, "img", media.Media.Id)
	assert.Equal(t, "image", media.Media.Type)
	assert.Equal(t, "1.5 KB", media.Media.Size)
	assert.Equal(t, "/media/cat_thumb.png", media.Media.ThumbnailUrl)
	readEvent(t, a)

	send(t, a, `{"type":"voice_message","message_id":"`+vox.Id+`"}`)
	ev = readEvent(t, b)
	voice, ok := ev.(*ws.VoiceMessageEvent)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, 7, voice.Voice.Duration)
	assert.Equal(t, "3.0 MB", voice.Voice.Size)
	readEvent(t, a)

	send(t, a, `{"type":"voice_message","message_id":"`+img.Id+`"}`)
	assert.Equal(t, chat.CodeMediaNotFound, readError(t, a).Code)

	send(t, a, `{"type":"media_message","message_id":"`+gone.Id+`"}`)
	assert.Equal(t, chat.CodeMediaNotFound, readError(t, a).Code)

	send(t, a, `{"type":"media_message","message_id":"`+text.Id+`"}`)
	assert.Equal(t, chat.CodeMediaNotFound, readError(t, a).Code)

	send(t, a, `{"type":"media_message","message_id":"missing"}`)
	assert.Equal(t, chat.CodeMessageNotFound, readError(t, a).Code)

	send(t, b, `{"type":"media_message","message_id":"`+img.Id+`"}`)
	assert.Equal(t, chat.CodeForbidden, readError(t, b).Code)
}

func TestReadReceiptsAndEdits(t *testing.T) {
	h := newHarness(t)
	a := h.join("user:1:alice", "42")
	b := h.join("user:2:bob", "42")

	send(t, a, `{"type":"chat_message","message":"teh"}`)
	id := readChat(t, a).MessageId
	readChat(t, b)

	send(t, b, `{"type":"mark_read","message_id":"`+id+`"}`)
	ev := readEvent(t, a)
	receipt, ok := ev.(*ws.ReadReceiptEvent)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, id, receipt.MessageId)
	assert.Equal(t, int64(2), receipt.UserId)
	readEvent(t, b)

	send(t, b, `{"type":"edit_message","message_id":"`+id+`","message":"hijack"}`)
	assert.Equal(t, chat.CodeForbidden, readError(t, b).Code)

	send(t, a, `{"type":"edit_message","message_id":"`+id+`","message":" the "}`)
	for _, conn := range []*websocket.Conn{a, b} {
		ev := readEvent(t, conn)
		edited, ok := ev.(*ws.MessageEditedEvent)
		require.True(t, ok, "got %T", ev)
		assert.Equal(t, "the", edited.Message)
		assert.False(t, edited.EditedAt.IsZero())
	}

	msg, err := h.store.Message(context.Background(), 42, id)
	require.NoError(t, err)
	assert.True(t, msg.Edited)
	assert.True(t, msg.IsReadBy(2))
}

func TestEchoOwnDisabled(t *testing.T) {
	h := newHarness(t, func(_ *Deps, o *Options) { o.EchoOwn = false })
	a := h.join("user:1:alice", "42")
	b := h.join("user:2:bob", "42")

	send(t, a, `{"type":"chat_message","message":"from a"}`)
	assert.Equal(t, "from a", readChat(t, b).Message)

	send(t, b, `{"type":"chat_message","message":"from b"}`)
	assert.Equal(t, "from b", readChat(t, a).Message, "a never saw its own message")
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, func(_ *Deps, o *Options) {
		o.RateLimit = 0.001
		o.RateBurst = 1
	})
	a := h.join("user:1:alice", "42")

	send(t, a, `{"type":"chat_message","message":"one"}`)
	assert.Equal(t, "one", readChat(t, a).Message)
	send(t, a, `{"type":"chat_message","message":"two"}`)
	assert.Equal(t, chat.CodeRateLimited, readError(t, a).Code)
}

func TestShutdownClosesSessions(t *testing.T) {
	h := newHarness(t)
	a := h.join("user:1:alice", "42")

	readErr := make(chan error, 1)
	go func() {
		readCtx, readCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer readCancel()
		_, _, err := a.Read(readCtx)
		readErr <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.srv.ShutdownGracefully(ctx))
	assert.Equal(t, 0, h.srv.SessionCount())

	err := <-readErr
	require.Error(t, err)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))

	rec, err := h.presence.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, rec.Online)

	_, resp, err := h.dial("user:1", "42")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAbruptDisconnectLeavesRoomMembersJoined(t *testing.T) {
	h := newHarness(t)
	a := h.join("user:1:alice", "42")
	b := h.join("user:2:bob", "42")
	require.Equal(t, 2, h.bus.Subscribers(bus.Key(42)))

	dropped := time.Now().Truncate(time.Millisecond)
	require.NoError(t, a.CloseNow())

	require.Eventually(t, func() bool {
		return h.bus.Subscribers(bus.Key(42)) == 1 && h.srv.SessionCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	rec, err := h.presence.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, rec.Online)
	assert.False(t, rec.LastSeen.Before(dropped), "last seen %v before drop %v", rec.LastSeen, dropped)

	send(t, b, `{"type":"chat_message","message":"still here"}`)
	assert.Equal(t, "still here", readChat(t, b).Message)
}

// blockingStore holds CreateMessage until its ctx ends, falling back after
// ten seconds so a missed cancellation shows up as a failure, not a hang.
type blockingStore struct {
	*db.Memory
	entered  chan struct{}
	returned chan error
}

func newBlockingStore(m *db.Memory) blockingStore {
	return blockingStore{Memory: m, entered: make(chan struct{}, 1), returned: make(chan error, 1)}
}

func (s blockingStore) CreateMessage(ctx context.Context, _ chat.NewMessage) (*chat.Message, error) {
	s.entered <- struct{}{}
	select {
	case <-ctx.Done():
		s.returned <- ctx.Err()
		return nil, ctx.Err()
	case <-time.After(10 * time.Second):
		s.returned <- nil
		return nil, errors.New("store timed out")
	}
}

func (s blockingStore) waitReturned(t *testing.T, within time.Duration) error {
	t.Helper()
	select {
	case err := <-s.returned:
		return err
	case <-time.After(within):
		t.Fatalf("store call still running after %v", within)
		return nil
	}
}

func TestClientDropCancelsInflightWrite(t *testing.T) {
	var store blockingStore
	h := newHarness(t, func(d *Deps, _ *Options) {
		store = newBlockingStore(d.Store.(*db.Memory))
		d.Store = store
	})
	a := h.join("user:1:alice", "42")

	send(t, a, `{"type":"chat_message","message":"slow"}`)
	<-store.entered
	require.NoError(t, a.CloseNow())

	assert.ErrorIs(t, store.waitReturned(t, 2*time.Second), context.Canceled)
	require.Eventually(t, func() bool {
		return h.srv.SessionCount() == 0 && h.bus.Subscribers(bus.Key(42)) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestShutdownCancelsInflightWrite(t *testing.T) {
	var store blockingStore
	h := newHarness(t, func(d *Deps, _ *Options) {
		store = newBlockingStore(d.Store.(*db.Memory))
		d.Store = store
	})
	a := h.join("user:1:alice", "42")

	send(t, a, `{"type":"chat_message","message":"slow"}`)
	<-store.entered

	readErr := make(chan error, 1)
	go func() {
		readCtx, readCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer readCancel()
		_, _, err := a.Read(readCtx)
		readErr <- err
	}()

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.srv.ShutdownGracefully(ctx))

	assert.ErrorIs(t, store.waitReturned(t, time.Second), context.Canceled)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(<-readErr))
}

func TestSlowFrameKeepsPingsAnswered(t *testing.T) {
	var store blockingStore
	h := newHarness(t, func(d *Deps, o *Options) {
		store = newBlockingStore(d.Store.(*db.Memory))
		d.Store = store
		o.PingInterval = 50 * time.Millisecond
		o.WriteTimeout = 200 * time.Millisecond
	})
	a := h.join("user:1:alice", "42")

	// The client only answers pings while something reads its side.
	readErr := make(chan error, 1)
	go func() {
		_, _, err := a.Read(context.Background())
		readErr <- err
	}()

	send(t, a, `{"type":"chat_message","message":"slow"}`)
	<-store.entered

	time.Sleep(time.Second)
	assert.Equal(t, 1, h.srv.SessionCount(), "session survived several ping rounds")
	select {
	case err := <-readErr:
		t.Fatalf("connection closed during slow frame: %v", err)
	default:
	}
}
