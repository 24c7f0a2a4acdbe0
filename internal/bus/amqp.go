package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type AMQPConfig struct {
	Url      string
	Exchange string
	// Dialer overrides amqp.Dial, mostly for tests.
	Dialer func(url string) (*amqp.Connection, error)
}

// AMQP fans out through a RabbitMQ topic exchange. Each gateway instance owns
// one exclusive auto-delete queue and binds the routing key of a room while
// at least one local session is subscribed to it.
type AMQP struct {
	conn     *amqp.Connection
	exchange string
	queue    string

	pubMu sync.Mutex
	pub   *amqp.Channel
	// sub carries the consumer and the bindings; bindings run under reg.subMu.
	sub *amqp.Channel

	reg       *registry
	logger    *slog.Logger
	done      chan struct{}
	closeOnce sync.Once
}

func DialAMQP(ctx context.Context, cfg AMQPConfig, logger *slog.Logger) (*AMQP, error) {
	const op = "bus.DialAMQP"
	if cfg.Url == "" {
		return nil, errors.New("amqp url is required")
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "chat.rooms"
	}
	dial := cfg.Dialer
	if dial == nil {
		dial = amqp.Dial
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := dial(cfg.Url)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}

	b := &AMQP{
		conn:     conn,
		exchange: cfg.Exchange,
		logger:   logger.With("component", "bus", "backend", "amqp"),
		done:     make(chan struct{}),
	}
	b.reg = newRegistry(b.attach, b.detach)

	if err := b.setup(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return b, nil
}

func (b *AMQP) setup() error {
	pub, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open publish channel: %w", err)
	}
	if err := pub.ExchangeDeclare(b.exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", b.exchange, err)
	}
	b.pub = pub

	sub, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	q, err := sub.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	deliveries, err := sub.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.Name, err)
	}
	b.sub = sub
	b.queue = q.Name

	closed := b.conn.NotifyClose(make(chan *amqp.Error, 1))
	go b.consume(deliveries)
	go b.watch(closed)

	b.logger.Info("ready", "exchange", b.exchange, "queue", b.queue)
	return nil
}

func (b *AMQP) consume(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		msg, err := Decode(d.Body)
		if err != nil {
			b.logger.Warn("dropping undecodable message", "routing_key", d.RoutingKey, "err", err)
			continue
		}
		b.reg.deliver(msg)
	}
}

func (b *AMQP) watch(closed <-chan *amqp.Error) {
	select {
	case err, ok := <-closed:
		if ok && err != nil {
			b.logger.Error("connection lost", "err", err)
		}
	case <-b.done:
	}
}

func (b *AMQP) attach(key RoomKey) error {
	return b.sub.QueueBind(b.queue, string(key), b.exchange, false, nil)
}

func (b *AMQP) detach(key RoomKey) error {
	if b.conn.IsClosed() {
		return nil
	}
	return b.sub.QueueUnbind(b.queue, string(key), b.exchange, nil)
}

func (b *AMQP) Subscribe(_ context.Context, key RoomKey, sink Sink) (*Subscription, error) {
	if b.conn.IsClosed() {
		return nil, fmt.Errorf("subscribe %s: %w", key, ErrUnavailable)
	}
	return b.reg.add(key, sink)
}

func (b *AMQP) Publish(ctx context.Context, msg Message) error {
	if b.reg.isClosed() || b.conn.IsClosed() {
		return fmt.Errorf("publish %s: %w", msg.Room, ErrUnavailable)
	}
	data, err := Encode(msg)
	if err != nil {
		return err
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	err = b.pub.PublishWithContext(ctx, b.exchange, string(msg.Room), false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        data,
		Timestamp:   time.Now().UTC(),
		AppId:       "chat-gateway",
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w: %w", msg.Room, ErrUnavailable, err)
	}
	return nil
}

func (b *AMQP) Subscribers(key RoomKey) int {
	return b.reg.subscribers(key)
}

func (b *AMQP) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		b.reg.close()
		if b.sub != nil {
			_ = b.sub.Close()
		}
		if b.pub != nil {
			_ = b.pub.Close()
		}
		if !b.conn.IsClosed() {
			err = b.conn.Close()
		}
	})
	return err
}
