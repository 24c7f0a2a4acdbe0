package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const flushTimeout = 2 * time.Second

// NATS fans out over one core NATS subject per room. Publishes reach this
// instance's own subscriptions through NATS echo, which keeps self delivery
// on the same path as delivery to peers.
type NATS struct {
	nc     *nats.Conn
	reg    *registry
	subs   map[RoomKey]*nats.Subscription
	logger *slog.Logger
}

// NewNATS does not take ownership of nc.
func NewNATS(nc *nats.Conn, logger *slog.Logger) *NATS {
	n := &NATS{
		nc:     nc,
		subs:   make(map[RoomKey]*nats.Subscription),
		logger: logger.With("component", "bus", "backend", "nats"),
	}
	n.reg = newRegistry(n.attach, n.detach)
	return n
}

// attach and detach run under the registry's subMu.
func (n *NATS) attach(key RoomKey) error {
	if n.nc.Status() != nats.CONNECTED {
		return fmt.Errorf("nats status %s", n.nc.Status())
	}
	subject := string(key)
	sub, err := n.nc.Subscribe(subject, func(m *nats.Msg) {
		msg, err := Decode(m.Data)
		if err != nil {
			n.logger.Warn("dropping undecodable message", "subject", subject, "err", err)
			return
		}
		n.reg.deliver(msg)
	})
	if err != nil {
		return err
	}
	if err := n.nc.FlushTimeout(flushTimeout); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("flush subscription %s: %w", subject, err)
	}
	n.subs[key] = sub
	n.logger.Debug("subscribed", "subject", subject)
	return nil
}

func (n *NATS) detach(key RoomKey) error {
	sub, ok := n.subs[key]
	if !ok {
		return nil
	}
	delete(n.subs, key)
	if err := sub.Unsubscribe(); err != nil && !n.nc.IsClosed() {
		n.logger.Warn("unsubscribe failed", "subject", key, "err", err)
		return err
	}
	n.logger.Debug("unsubscribed", "subject", key)
	return nil
}

func (n *NATS) Subscribe(_ context.Context, key RoomKey, sink Sink) (*Subscription, error) {
	return n.reg.add(key, sink)
}

func (n *NATS) Publish(_ context.Context, msg Message) error {
	if n.reg.isClosed() || n.nc.IsClosed() {
		return fmt.Errorf("publish %s: %w", msg.Room, ErrUnavailable)
	}
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := n.nc.Publish(string(msg.Room), data); err != nil {
		return fmt.Errorf("publish %s: %w: %w", msg.Room, ErrUnavailable, err)
	}
	return nil
}

func (n *NATS) Subscribers(key RoomKey) int {
	return n.reg.subscribers(key)
}

// Close unsubscribes every room subject; the connection stays open.
func (n *NATS) Close() error {
	n.reg.close()
	n.reg.subMu.Lock()
	defer n.reg.subMu.Unlock()
	for key, sub := range n.subs {
		_ = sub.Unsubscribe()
		delete(n.subs, key)
	}
	return nil
}
