// Package bus wraps the NATS connection shared by ingest, delivery, the
// service registry and the event sink.
package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-pipeline/internal/config"
	"github.com/nats-io/nats.go"
)

// CorrelationHeader carries the correlation id on bus requests.
const CorrelationHeader = "Loqa-Correlation-Id"

const reconnectWait = 500 * time.Millisecond

type Client struct {
	conn *nats.Conn
	log  *slog.Logger
}

// Connect dials the configured servers. The connection reconnects forever;
// Healthy reports whether it is currently up.
func Connect(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log = log.With(slog.String("component", "bus"))

	options := []nats.Option{
		nats.Name("loqa-pipeline"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("NATS reconnected", slog.String("url", c.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Warn("NATS async error", slog.String("subject", subject), slog.String("error", err.Error()))
		}),
	}

	switch {
	case cfg.Token != "":
		options = append(options, nats.Token(cfg.Token))
	case cfg.Username != "" || cfg.Password != "":
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	log.Info("connected to NATS", slog.String("url", conn.ConnectedUrl()))

	return &Client{conn: conn, log: log}, nil
}

// Close drains subscriptions and closes the connection. Safe on nil.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	if err := c.conn.Drain(); err != nil {
		c.log.Warn("NATS drain failed", slog.String("error", err.Error()))
	}
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

// PublishJSON marshals v and publishes it on subject.
func (c *Client) PublishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", subject, err)
	}
	return c.conn.Publish(subject, data)
}

// Request marshals v, tags it with correlationID and waits for one reply
// until ctx ends. A marshal failure is returned as *EncodeError.
func (c *Client) Request(ctx context.Context, subject, correlationID string, v any) (*nats.Msg, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &EncodeError{Subject: subject, Err: err}
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	if correlationID != "" {
		msg.Header.Set(CorrelationHeader, correlationID)
	}
	reply, err := c.conn.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", subject, err)
	}
	return reply, nil
}

// EncodeError reports a payload that could not be marshalled.
type EncodeError struct {
	Subject string
	Err     error
}

func (e *EncodeError) Error() string { return fmt.Sprintf("marshal %s: %v", e.Subject, e.Err) }
func (e *EncodeError) Unwrap() error { return e.Err }

func (c *Client) Conn() *nats.Conn {
	return c.conn
}
