package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// batchWriter buffers rows for one INSERT and sends them in blocks of size
type batchWriter struct {
	conn  driver.Conn
	query string
	size  int
	rows  [][]any
	sent  int
}

func (c *Client) newBatchWriter(table string, columns []string) *batchWriter {
	return &batchWriter{
		conn:  c.conn,
		query: insertQuery(c.table(table), columns),
		size:  c.cfg.BatchSize,
		rows:  make([][]any, 0, c.cfg.BatchSize),
	}
}

func (w *batchWriter) Add(ctx context.Context, row []any) error {
	w.rows = append(w.rows, row)
	if len(w.rows) >= w.size {
		return w.Flush(ctx)
	}
	return nil
}

func (w *batchWriter) Flush(ctx context.Context) error {
	if len(w.rows) == 0 {
		return nil
	}
	batch, err := w.conn.PrepareBatch(ctx, w.query)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, row := range w.rows {
		if err := batch.Append(row...); err != nil {
			batch.Abort()
			return fmt.Errorf("batch append: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("batch send: %w", err)
	}
	w.sent += len(w.rows)
	w.rows = w.rows[:0]
	return nil
}

// Sent is the number of rows already delivered
func (w *batchWriter) Sent() int { return w.sent }

// insertRow sends a single row through the native batch protocol
func (c *Client) insertRow(ctx context.Context, table string, columns []string, row []any) error {
	w := c.newBatchWriter(table, columns)
	if err := w.Add(ctx, row); err != nil {
		return err
	}
	return w.Flush(ctx)
}
