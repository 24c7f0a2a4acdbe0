package config

import "time"

type Config struct {
	Http     HttpConfig     `mapstructure:"http"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Bus      BusConfig      `mapstructure:"bus"`
	Store    StoreConfig    `mapstructure:"store"`
	Presence PresenceConfig `mapstructure:"presence"`
	Session  SessionConfig  `mapstructure:"session"`
	Log      LogConfig      `mapstructure:"log"`
	Shutdown time.Duration  `mapstructure:"shutdown_timeout"`
}

type HttpConfig struct {
	Addr           string        `mapstructure:"addr"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
}

type AuthConfig struct {
	// Mode is "static" (user:<id>[:<name>] tokens) or "jwt".
	Mode      string `mapstructure:"mode"`
	JWTSecret string `mapstructure:"jwt_secret"`
	JWTIssuer string `mapstructure:"jwt_issuer"`
}

type BusConfig struct {
	Driver   string `mapstructure:"driver"`
	NatsUrl  string `mapstructure:"nats_url"`
	AmqpUrl  string `mapstructure:"amqp_url"`
	Exchange string `mapstructure:"exchange"`
}

type StoreConfig struct {
	Driver            string        `mapstructure:"driver"`
	Hosts             []string      `mapstructure:"hosts"`
	Keyspace          string        `mapstructure:"keyspace"`
	ReplicationFactor int           `mapstructure:"replication_factor"`
	Consistency       string        `mapstructure:"consistency"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

type PresenceConfig struct {
	Driver   string `mapstructure:"driver"`
	RedisUrl string `mapstructure:"redis_url"`
}

type SessionConfig struct {
	SendBuffer  int     `mapstructure:"send_buffer"`
	EchoOwn     bool    `mapstructure:"echo_own"`
	Welcome     string  `mapstructure:"welcome"`
	MaxInflight int64   `mapstructure:"max_inflight"`
	RateLimit   float64 `mapstructure:"rate_limit"`
	RateBurst   int     `mapstructure:"rate_burst"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}
