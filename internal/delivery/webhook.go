package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-pipeline/internal/httpc"
	"github.com/loqalabs/loqa-pipeline/internal/protocol"
	"github.com/loqalabs/loqa-pipeline/internal/stage"
)

type webhookDeliverer struct {
	endpoint string
	client   *http.Client
}

// NewWebhook posts messages as JSON. A 2xx with an empty body counts as
// delivered; otherwise the body must be a DeliveryAck.
func NewWebhook(endpoint string, maxConns int) Deliverer {
	return &webhookDeliverer{endpoint: endpoint, client: httpc.New(maxConns)}
}

func (d *webhookDeliverer) Deliver(ctx context.Context, msg Message) (Receipt, error) {
	payload, err := json.Marshal(protocol.DeliveryMessage{
		CorrelationID: msg.CorrelationID,
		Channel:       msg.Channel,
		Kind:          string(msg.Kind),
		Text:          msg.Text,
		Audio:         msg.Audio,
		ContentType:   msg.ContentType,
		Timestamp:     time.Now().UTC(),
	})
	if err != nil {
		return Receipt{}, stage.Reject(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Receipt{}, stage.Reject(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(httpc.CorrelationHeader, msg.CorrelationID)

	resp, err := d.client.Do(req)
	if err != nil {
		return Receipt{}, err
	}
	defer resp.Body.Close()
	if err := httpc.CheckStatus(resp); err != nil {
		return Receipt{}, err
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Receipt{}, fmt.Errorf("read webhook response: %w", err)
	}
	receipt := Receipt{Status: "delivered", DeliveredAt: time.Now()}
	if len(bytes.TrimSpace(body)) == 0 {
		return receipt, nil
	}
	var ack protocol.DeliveryAck
	if err := json.Unmarshal(body, &ack); err != nil {
		return Receipt{}, stage.Reject(fmt.Errorf("decode webhook ack: %w", err))
	}
	switch ack.Status {
	case "", "ok", "delivered":
	default:
		return Receipt{}, ackError(ack.Status, ack.Error)
	}
	receipt.MessageID = ack.MessageID
	if ack.Status != "" {
		receipt.Status = ack.Status
	}
	return receipt, nil
}
