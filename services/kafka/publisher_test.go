package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (m *memWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if m.err != nil {
		return m.err
	}
	m.msgs = append(m.msgs, msgs...)
	return nil
}

func (m *memWriter) Close() error {
	m.closed = true
	return nil
}

func TestPublishKeysByRun(t *testing.T) {
	w := &memWriter{}
	p := &Publisher{writer: w, topic: "runs", logger: zap.NewNop()}
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, p.Publish(context.Background(), Event{RunID: "r-1", Status: "running", Percent: 50, Day: day, Trades: 3}))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "r-1", string(msg.Key))
	assert.Equal(t, "status", msg.Headers[0].Key)
	assert.Equal(t, "running", string(msg.Headers[0].Value))

	var ev Event
	require.NoError(t, json.Unmarshal(msg.Value, &ev))
	assert.Equal(t, 50.0, ev.Percent)
	assert.Equal(t, day, ev.Day)
	assert.False(t, ev.Ts.IsZero())

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestPublishWrapsWriterError(t *testing.T) {
	boom := errors.New("broker down")
	p := &Publisher{writer: &memWriter{err: boom}, logger: zap.NewNop()}
	err := p.Publish(context.Background(), Event{RunID: "r-2"})
	assert.ErrorIs(t, err, boom)
}
