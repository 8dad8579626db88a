package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// OpenWithRetry opens a client and ensures the schema, retrying with
// exponential backoff until maxElapsed passes or ctx is done
func OpenWithRetry(ctx context.Context, cfg Config, maxElapsed time.Duration, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = maxElapsed

	var client *Client
	op := func() error {
		c, err := Open(ctx, cfg, logger)
		if err != nil {
			return err
		}
		if err := c.EnsureSchema(ctx); err != nil {
			c.Close()
			return err
		}
		client = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("clickhouse not ready, retrying", zap.Duration("wait", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, fmt.Errorf("connect clickhouse: %w", err)
	}
	return client, nil
}
