package db

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gocql/gocql"
)

type ScyllaConfig struct {
	Hosts             []string
	Keyspace          string
	ReplicationFactor int
	Consistency       string
	Timeout           time.Duration
}

func (c *ScyllaConfig) defaults() {
	if len(c.Hosts) == 0 {
		c.Hosts = []string{"127.0.0.1:9042"}
	}
	if c.Keyspace == "" {
		c.Keyspace = "chat"
	}
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
}

func (c ScyllaConfig) cluster(keyspace string) (*gocql.ClusterConfig, error) {
	cluster := gocql.NewCluster(c.Hosts...)
	cluster.Keyspace = keyspace
	cluster.Timeout = c.Timeout
	cluster.ConnectTimeout = c.Timeout
	cluster.Consistency = gocql.Quorum
	if c.Consistency != "" {
		var cons gocql.Consistency
		if err := cons.UnmarshalText([]byte(strings.ToUpper(c.Consistency))); err != nil {
			return nil, fmt.Errorf("invalid consistency %q: %w", c.Consistency, err)
		}
		cluster.Consistency = cons
	}
	return cluster, nil
}

// Connect bootstraps the keyspace and tables through the system keyspace,
// then returns a session bound to the chat keyspace.
func Connect(cfg ScyllaConfig, logger *slog.Logger) (*gocql.Session, error) {
	cfg.defaults()
	logger = logger.With("component", "scylla")

	bootCluster, err := cfg.cluster("system")
	if err != nil {
		return nil, err
	}
	boot, err := bootCluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to cluster: %w", err)
	}
	err = EnsureKeyspace(boot, cfg.Keyspace, cfg.ReplicationFactor)
	boot.Close()
	if err != nil {
		return nil, err
	}

	cluster, err := cfg.cluster(cfg.Keyspace)
	if err != nil {
		return nil, err
	}
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to keyspace %s: %w", cfg.Keyspace, err)
	}
	if err := EnsureSchema(session); err != nil {
		session.Close()
		return nil, err
	}
	logger.Info("connected", "hosts", cfg.Hosts, "keyspace", cfg.Keyspace)
	return session, nil
}

func EnsureKeyspace(session *gocql.Session, keyspace string, replicationFactor int) error {
	stmt := fmt.Sprintf(`
        CREATE KEYSPACE IF NOT EXISTS %s
        WITH replication = {'class': 'SimpleStrategy', 'replication_factor' : %d}
    `, keyspace, replicationFactor)
	if err := session.Query(stmt).Exec(); err != nil {
		return fmt.Errorf("failed to create keyspace: %w", err)
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS rooms (
		room_id bigint PRIMARY KEY,
		name text,
		is_group boolean,
		created_at timestamp,
		last_activity timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS room_participants (
		room_id bigint,
		user_id bigint,
		PRIMARY KEY (room_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		room_id bigint,
		message_id timeuuid,
		sender_id bigint,
		sender_username text,
		content text,
		media_id text,
		created_at timestamp,
		edited boolean,
		edited_at timestamp,
		read_by set<bigint>,
		PRIMARY KEY (room_id, message_id)
	) WITH CLUSTERING ORDER BY (message_id ASC)`,
	`CREATE TABLE IF NOT EXISTS media_artifacts (
		media_id text PRIMARY KEY,
		kind text,
		name text,
		url text,
		thumbnail_url text,
		size_bytes bigint,
		duration_ms bigint,
		deleted boolean
	)`,
}

func EnsureSchema(session *gocql.Session) error {
	for _, stmt := range schema {
		if err := session.Query(stmt).Exec(); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}
