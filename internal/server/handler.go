package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/MobasirSarkar/chatgateway/internal/auth"
	"github.com/MobasirSarkar/chatgateway/internal/chat"
	"github.com/MobasirSarkar/chatgateway/internal/ws"
	"github.com/coder/websocket"
)

// HandleWs runs the handshake (identity, membership, subscribe, accept,
// presence) and then serves the session until it closes. Every rejection
// happens before the websocket is accepted and mutates nothing.
func (s *Server) HandleWs(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.Shutdown:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	user, err := auth.Authenticate(r, s.verifier)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	roomId, err := strconv.ParseInt(r.PathValue("room"), 10, 64)
	if err != nil {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}

	sess := s.newSession(user, roomId)
	logger := sess.logger

	ok, err := s.isParticipant(r.Context(), user.UserId, roomId)
	if err != nil {
		sess.transition(StateRejected, StateConnecting)
		logger.Error("membership check failed", "err", err)
		http.Error(w, "membership unavailable", http.StatusServiceUnavailable)
		return
	}
	if !ok {
		sess.transition(StateRejected, StateConnecting)
		logger.Info("rejected", "err", chat.ErrNotAParticipant)
		http.Error(w, chat.ErrNotAParticipant.Error(), http.StatusForbidden)
		return
	}
	sess.transition(StateAuthorized, StateConnecting)

	sub, err := s.bus.Subscribe(r.Context(), sess.Room, sess)
	if err != nil {
		sess.transition(StateRejected, StateAuthorized)
		logger.Error("subscribe failed", "err", err)
		http.Error(w, chat.ErrBusUnavailable.Error(), http.StatusServiceUnavailable)
		return
	}
	sess.sub = sub

	client, err := ws.Accept(w, r, ws.AcceptOptions{
		OriginPatterns: s.opts.AllowedOrigins,
		ReadLimit:      s.opts.MaxMessageSize,
		WriteTimeout:   s.opts.WriteTimeout,
	})
	if err != nil {
		logger.Info("ws accept failed", "err", err)
		sess.Close(websocket.StatusInternalError, "accept failed")
		return
	}
	sess.client = client

	if err := s.presence.SetOnline(r.Context(), user.UserId); err != nil {
		logger.Warn("presence online failed", "err", err)
	} else {
		sess.presenceHeld = true
	}

	if !s.track(sess) {
		sess.Close(websocket.StatusGoingAway, "Server shutting down")
		return
	}
	if s.opts.Welcome != "" {
		sess.enqueue(ws.NewSystemEvent(s.opts.Welcome))
	}
	if !sess.transition(StateJoined, StateAuthorized) {
		// closed by shutdown between tracking and here
		return
	}
	logger.Info("joined")

	sess.run()
}

func (s *Server) isParticipant(ctx context.Context, userId, roomId int64) (bool, error) {
	return Do(ctx, s.offload, func(ctx context.Context) (bool, error) {
		return s.store.IsParticipant(ctx, userId, roomId)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"server_id": s.ServerId,
		"sessions":  s.SessionCount(),
	})
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	if _, err := auth.Authenticate(r, s.verifier); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	userId, err := strconv.ParseInt(r.PathValue("user"), 10, 64)
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}
	rec, err := s.presence.Get(r.Context(), userId)
	if err != nil {
		s.logger.Error("presence lookup failed", "user", userId, "err", err)
		http.Error(w, "presence unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUnread(w http.ResponseWriter, r *http.Request) {
	user, err := auth.Authenticate(r, s.verifier)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	roomId, err := strconv.ParseInt(r.PathValue("room"), 10, 64)
	if err != nil {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}
	ok, err := s.isParticipant(r.Context(), user.UserId, roomId)
	if err != nil {
		http.Error(w, "membership unavailable", http.StatusServiceUnavailable)
		return
	}
	if !ok {
		http.Error(w, chat.ErrNotAParticipant.Error(), http.StatusForbidden)
		return
	}

	n, err := Do(r.Context(), s.offload, func(ctx context.Context) (int, error) {
		return s.store.UnreadCount(ctx, roomId, user.UserId)
	})
	if err != nil {
		if errors.Is(err, chat.ErrRoomNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		s.logger.Error("unread count failed", "room", roomId, "err", err)
		http.Error(w, chat.ErrPersistence.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"room_id": roomId, "unread_count": n})
}
