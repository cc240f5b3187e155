package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-pipeline/internal/bus"
	"github.com/loqalabs/loqa-pipeline/internal/protocol"
	"github.com/loqalabs/loqa-pipeline/internal/stage"
)

// natsDeliverer hands messages to channel adapters listening on
// <prefix>.<channel> and waits for their ack.
type natsDeliverer struct {
	bus    *bus.Client
	prefix string
}

func NewNATS(client *bus.Client, prefix string) Deliverer {
	if prefix == "" {
		prefix = protocol.SubjectDeliveryPrefix
	}
	return &natsDeliverer{bus: client, prefix: prefix}
}

func (d *natsDeliverer) Deliver(ctx context.Context, msg Message) (Receipt, error) {
	out := protocol.DeliveryMessage{
		CorrelationID: msg.CorrelationID,
		Channel:       msg.Channel,
		Kind:          string(msg.Kind),
		Text:          msg.Text,
		Audio:         msg.Audio,
		ContentType:   msg.ContentType,
		Timestamp:     time.Now().UTC(),
	}
	reply, err := d.bus.Request(ctx, d.prefix+"."+msg.Channel, msg.CorrelationID, out)
	if err != nil {
		var encErr *bus.EncodeError
		if errors.As(err, &encErr) {
			return Receipt{}, stage.Reject(err)
		}
		return Receipt{}, fmt.Errorf("delivery request: %w", err)
	}
	var ack protocol.DeliveryAck
	if err := json.Unmarshal(reply.Data, &ack); err != nil {
		return Receipt{}, stage.Reject(fmt.Errorf("decode delivery ack: %w", err))
	}
	if ack.Status != "ok" && ack.Status != "delivered" {
		return Receipt{}, ackError(ack.Status, ack.Error)
	}
	return Receipt{MessageID: ack.MessageID, Status: ack.Status, DeliveredAt: time.Now()}, nil
}
