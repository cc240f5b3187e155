package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Mock logs and records every message. It backs the default config and
// tests.
type Mock struct {
	log  *slog.Logger
	mu   sync.Mutex
	sent []Message
}

func NewMock(log *slog.Logger) *Mock {
	return &Mock{log: log.With(slog.String("component", "delivery-mock"))}
}

func (m *Mock) Deliver(ctx context.Context, msg Message) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()
	m.log.Info("delivered",
		slog.String("correlation_id", msg.CorrelationID),
		slog.String("channel", msg.Channel),
		slog.String("kind", string(msg.Kind)),
		slog.Int("audio_bytes", len(msg.Audio)))
	return Receipt{MessageID: uuid.NewString(), Status: "delivered", DeliveredAt: time.Now()}, nil
}

// Sent returns a copy of everything delivered so far.
func (m *Mock) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}
