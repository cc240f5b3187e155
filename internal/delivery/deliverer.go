// Package delivery sends replies and failure notices back to the channel a
// segment came from.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-pipeline/internal/bus"
	"github.com/loqalabs/loqa-pipeline/internal/config"
	"github.com/loqalabs/loqa-pipeline/internal/stage"
)

// ErrDeliveryFailure marks a reply or notice that did not reach its channel.
var ErrDeliveryFailure = errors.New("delivery failed")

type Kind string

const (
	KindReply         Kind = "reply"
	KindFailureNotice Kind = "failure_notice"
)

// Message is one outbound payload. Text, Audio or both may be set.
type Message struct {
	CorrelationID string
	Channel       string
	Kind          Kind
	Text          string
	Audio         []byte
	ContentType   string
}

// Receipt acknowledges a delivered message.
type Receipt struct {
	MessageID   string
	Status      string
	DeliveredAt time.Time
}

// Deliverer is a channel adapter.
type Deliverer interface {
	Deliver(ctx context.Context, msg Message) (Receipt, error)
}

// Backend adapts d to the stage client.
func Backend(d Deliverer) stage.Backend[Message, Receipt] {
	return stage.BackendFunc[Message, Receipt](func(ctx context.Context, req stage.Request[Message]) (Receipt, error) {
		msg := req.Payload
		msg.CorrelationID = req.CorrelationID
		return d.Deliver(ctx, msg)
	})
}

// New builds the deliverer selected by cfg.Mode. busClient is required for
// nats mode only.
func New(cfg config.DeliveryConfig, endpoint string, busClient *bus.Client, log *slog.Logger) (Deliverer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMock(log), nil
	case "nats":
		if busClient == nil {
			return nil, fmt.Errorf("delivery mode nats requires a bus connection")
		}
		return NewNATS(busClient, cfg.SubjectPrefix), nil
	case "webhook":
		return NewWebhook(endpoint, cfg.Policy.MaxConns), nil
	case "discord":
		return NewDiscord(cfg.DiscordToken)
	default:
		return nil, fmt.Errorf("unknown delivery mode %q", cfg.Mode)
	}
}

func ackError(status, reason string) error {
	err := fmt.Errorf("%w: status=%s %s", ErrDeliveryFailure, status, reason)
	if status == "rejected" {
		return stage.Reject(err)
	}
	return err
}
