package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/MobasirSarkar/chatgateway/internal/auth"
	"github.com/MobasirSarkar/chatgateway/internal/bus"
	"github.com/MobasirSarkar/chatgateway/internal/chat"
	"github.com/MobasirSarkar/chatgateway/internal/config"
	"github.com/MobasirSarkar/chatgateway/internal/db"
	"github.com/MobasirSarkar/chatgateway/internal/nats"
	"github.com/MobasirSarkar/chatgateway/internal/presence"
	"github.com/MobasirSarkar/chatgateway/internal/server"
)

// wire builds the collaborators selected by cfg. The returned func closes
// them in reverse order of creation.
func wire(ctx context.Context, cfg config.Config, serverId string, logger *slog.Logger) (server.Deps, func() error, error) {
	deps := server.Deps{Logger: logger}
	var closers []func() error
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}
	fail := func(err error) (server.Deps, func() error, error) {
		_ = closeAll()
		return deps, nil, err
	}

	switch cfg.Auth.Mode {
	case "jwt":
		deps.Verifier = auth.NewJWT(auth.JWTConfig{SecretKey: cfg.Auth.JWTSecret, Issuer: cfg.Auth.JWTIssuer})
	default:
		logger.Warn("static token auth enabled; use only for development")
		deps.Verifier = auth.Static{}
	}

	switch cfg.Store.Driver {
	case "scylla":
		session, err := db.Connect(scyllaConfig(cfg.Store), logger)
		if err != nil {
			return fail(err)
		}
		deps.Store = db.NewScylla(session)
	default:
		deps.Store = db.NewMemory()
	}
	closers = append(closers, deps.Store.Close)

	switch cfg.Presence.Driver {
	case "redis":
		p, err := presence.DialRedis(ctx, cfg.Presence.RedisUrl, serverId)
		if err != nil {
			return fail(err)
		}
		deps.Presence = p
	default:
		deps.Presence = presence.NewMemory()
	}
	closers = append(closers, deps.Presence.Close)

	switch cfg.Bus.Driver {
	case "nats":
		nc, err := nats.Connect(nats.Options{Url: cfg.Bus.NatsUrl, Name: "chat-gateway-" + serverId}, logger)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() error {
			if err := nc.Drain(); err != nil {
				nc.Close()
			}
			return nil
		})
		deps.Bus = bus.NewNATS(nc, logger)
	case "amqp":
		b, err := bus.DialAMQP(ctx, bus.AMQPConfig{Url: cfg.Bus.AmqpUrl, Exchange: cfg.Bus.Exchange}, logger)
		if err != nil {
			return fail(err)
		}
		deps.Bus = b
	default:
		deps.Bus = bus.NewMemory()
	}
	closers = append(closers, deps.Bus.Close)

	return deps, closeAll, nil
}

func scyllaConfig(c config.StoreConfig) db.ScyllaConfig {
	return db.ScyllaConfig{
		Hosts:             c.Hosts,
		Keyspace:          c.Keyspace,
		ReplicationFactor: c.ReplicationFactor,
		Consistency:       c.Consistency,
		Timeout:           c.Timeout,
	}
}

type seedFile struct {
	Rooms []struct {
		Id           int64   `json:"id"`
		Name         string  `json:"name"`
		IsGroup      bool    `json:"is_group"`
		Participants []int64 `json:"participants"`
	} `json:"rooms"`
	Media []struct {
		Id           string `json:"id"`
		Kind         string `json:"kind"`
		Name         string `json:"name"`
		Url          string `json:"url"`
		ThumbnailUrl string `json:"thumbnail_url"`
		SizeBytes    int64  `json:"size_bytes"`
		DurationSecs int    `json:"duration"`
	} `json:"media"`
}

// seed creates the rooms and media artifacts listed in path. It stands in
// for the account and upload services in development setups.
func seed(ctx context.Context, path string, store chat.Store) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var f seedFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	for _, r := range f.Rooms {
		room := chat.Room{Id: r.Id, Name: r.Name, IsGroup: r.IsGroup, Participants: r.Participants}
		switch s := store.(type) {
		case *db.Memory:
			err = s.CreateRoom(room)
		case *db.Scylla:
			err = s.CreateRoom(ctx, room)
		default:
			return fmt.Errorf("store %T cannot be seeded", store)
		}
		if err != nil {
			return err
		}
	}
	for _, m := range f.Media {
		media := chat.Media{
			Id:           m.Id,
			Kind:         chat.MediaKind(m.Kind),
			Name:         m.Name,
			Url:          m.Url,
			ThumbnailUrl: m.ThumbnailUrl,
			SizeBytes:    m.SizeBytes,
			Duration:     time.Duration(m.DurationSecs) * time.Second,
		}
		switch s := store.(type) {
		case *db.Memory:
			s.PutMedia(media)
		case *db.Scylla:
			if err := s.PutMedia(ctx, media); err != nil {
				return err
			}
		}
	}
	return nil
}
