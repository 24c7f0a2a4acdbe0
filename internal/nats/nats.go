// Package nats dials the NATS server shared by every gateway instance.
package nats

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

type Options struct {
	Url  string
	Name string
	// ReconnectWait between attempts; reconnects are unlimited.
	ReconnectWait time.Duration
}

func Connect(opts Options, logger *slog.Logger) (*nats.Conn, error) {
	if opts.Name == "" {
		opts.Name = "chat-gateway"
	}
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = 1 * time.Second
	}
	log := logger.With("component", "nats")

	nc, err := nats.Connect(opts.Url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.Name(opts.Name),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("reconnected", "url", c.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Error("async error", "subject", subject, "err", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", opts.Url, err)
	}
	log.Info("connected", "url", nc.ConnectedUrl())
	return nc, nil
}
