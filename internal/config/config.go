package config

import (
	"encoding/base64"
	"fmt"
	"time"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

const (
	DefaultStoreTimeout       = 5 * time.Second
	DefaultIdleTimeout        = 30 * time.Second
	DefaultMaxMessageLength   = 4000
	DefaultClientRateLimit    = 20
	DefaultClientBurst        = 40
	DefaultBrokerPrefix       = "swapchat"
	DefaultLogLevel           = "info"
	DefaultShutdownTimeout    = 10 * time.Second
	defaultMaxMessageLenLimit = 64 * 1024
)

type Config struct {
	ServerAddr     string
	StoreDriver    string
	DatabaseDSN    string
	SigningKey     []byte
	AllowedOrigins []string
	// BrokerURL points at the redis instance shared by all server
	// processes. Empty means events stay inside this process.
	BrokerURL        string
	BrokerPrefix     string
	StoreTimeout     time.Duration
	IdleTimeout      time.Duration
	MaxMessageLength int
	ClientRateLimit  float64
	ClientBurst      int
	LogLevel         string
	Migrate          bool
}

// Options holds the raw values collected from flags and the environment.
type Options struct {
	ServerAddr       string
	StoreDriver      string
	DatabaseDSN      string
	SigningKey       string
	AllowedOrigins   []string
	BrokerURL        string
	BrokerPrefix     string
	StoreTimeout     time.Duration
	IdleTimeout      time.Duration
	MaxMessageLength int
	ClientRateLimit  float64
	ClientBurst      int
	LogLevel         string
	Migrate          bool
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("signing secret decodes to an empty key")
	}
	return key, nil
}

func NewConfig(opts Options) (*Config, error) {
	if opts.ServerAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}

	driver := opts.StoreDriver
	if driver == "" {
		driver = StoreDriverPostgres
	}
	switch driver {
	case StoreDriverPostgres:
		if opts.DatabaseDSN == "" {
			return nil, fmt.Errorf("database DSN cannot be empty")
		}
	case StoreDriverMemory:
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}

	if opts.SigningKey == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	// Decode the base64 encoded signing secret
	signingKey, err := decodeSigningSecret(opts.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	if opts.MaxMessageLength < 0 || opts.MaxMessageLength > defaultMaxMessageLenLimit {
		return nil, fmt.Errorf("max message length must be between 0 and %d", defaultMaxMessageLenLimit)
	}
	if opts.ClientRateLimit < 0 || opts.ClientBurst < 0 {
		return nil, fmt.Errorf("client rate limit and burst cannot be negative")
	}

	cfg := &Config{
		ServerAddr:       opts.ServerAddr,
		StoreDriver:      driver,
		DatabaseDSN:      opts.DatabaseDSN,
		SigningKey:       signingKey,
		AllowedOrigins:   opts.AllowedOrigins,
		BrokerURL:        opts.BrokerURL,
		BrokerPrefix:     opts.BrokerPrefix,
		StoreTimeout:     opts.StoreTimeout,
		IdleTimeout:      opts.IdleTimeout,
		MaxMessageLength: opts.MaxMessageLength,
		ClientRateLimit:  opts.ClientRateLimit,
		ClientBurst:      opts.ClientBurst,
		LogLevel:         opts.LogLevel,
		Migrate:          opts.Migrate,
	}
	cfg.applyDefaults()

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BrokerPrefix == "" {
		c.BrokerPrefix = DefaultBrokerPrefix
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = DefaultStoreTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.MaxMessageLength == 0 {
		c.MaxMessageLength = DefaultMaxMessageLength
	}
	if c.ClientRateLimit == 0 {
		c.ClientRateLimit = DefaultClientRateLimit
	}
	if c.ClientBurst == 0 {
		c.ClientBurst = DefaultClientBurst
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
}
