// Package clickhouse is the persistence layer: it serves minute bars to the
// backtest engine and stores run ledgers, Monte Carlo populations, metrics
// records and run progress.
package clickhouse

import (
	"context"
	"fmt"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

type Config struct {
	DSN         string        `mapstructure:"dsn" validate:"required"`
	Database    string        `mapstructure:"database" validate:"required"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	BarTable    string        `mapstructure:"bar_table" validate:"required"`
	Interval    string        `mapstructure:"interval" validate:"required"`
	BatchSize   int           `mapstructure:"batch_size" validate:"gt=0"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

func DefaultConfig() Config {
	return Config{
		DSN:         "clickhouse://default:@localhost:9000?secure=false&compress=lz4",
		Database:    "backtest",
		BarTable:    "data",
		Interval:    "1m",
		BatchSize:   10_000,
		DialTimeout: 10 * time.Second,
	}
}

type Client struct {
	conn   driver.Conn
	cfg    Config
	logger *zap.Logger
}

// options turns the DSN into driver options; explicit credentials win over
// the ones embedded in the DSN. The database is never set on the session so
// EnsureSchema can create it; every statement uses qualified table names.
func options(cfg Config) (*ch.Options, error) {
	opts, err := ch.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	opts.Auth.Database = ""
	if cfg.Username != "" {
		opts.Auth.Username = cfg.Username
	}
	if cfg.Password != "" {
		opts.Auth.Password = cfg.Password
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if opts.Settings == nil {
		opts.Settings = ch.Settings{}
	}
	opts.Settings["max_execution_time"] = uint64(0)
	return opts, nil
}

// Open connects and pings the server
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	opts, err := options(cfg)
	if err != nil {
		return nil, err
	}
	conn, err := ch.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	logger.Info("clickhouse connected",
		zap.Strings("addr", opts.Addr),
		zap.String("database", cfg.Database))
	return &Client{conn: conn, cfg: cfg, logger: logger}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *Client) table(name string) string {
	return c.cfg.Database + "." + name
}
