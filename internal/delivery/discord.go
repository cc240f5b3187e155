package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/loqalabs/loqa-pipeline/internal/stage"
)

// messageSender is the part of *discordgo.Session used for delivery.
type messageSender interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// discordDeliverer posts the reply text to a Discord channel with the
// synthesized audio attached. Message.Channel is the Discord channel ID.
type discordDeliverer struct {
	sender messageSender
}

// NewDiscord builds a REST-only session; no gateway connection is opened.
func NewDiscord(token string) (Deliverer, error) {
	if token == "" {
		return nil, errors.New("discord delivery requires a bot token")
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	return &discordDeliverer{sender: session}, nil
}

func (d *discordDeliverer) Deliver(ctx context.Context, msg Message) (Receipt, error) {
	send := &discordgo.MessageSend{Content: msg.Text}
	if len(msg.Audio) > 0 {
		send.Files = []*discordgo.File{{
			Name:        "reply" + extensionFor(msg.ContentType),
			ContentType: msg.ContentType,
			Reader:      bytes.NewReader(msg.Audio),
		}}
	}
	if send.Content == "" && len(send.Files) == 0 {
		return Receipt{}, stage.Reject(fmt.Errorf("%w: empty message", ErrDeliveryFailure))
	}

	sent, err := d.sender.ChannelMessageSendComplex(msg.Channel, send, discordgo.WithContext(ctx))
	if err != nil {
		var rest *discordgo.RESTError
		if errors.As(err, &rest) && rest.Response != nil {
			return Receipt{}, &stage.StatusError{Code: rest.Response.StatusCode, Body: string(rest.ResponseBody)}
		}
		return Receipt{}, fmt.Errorf("discord send: %w", err)
	}
	return Receipt{MessageID: sent.ID, Status: "delivered", DeliveredAt: time.Now()}, nil
}

func extensionFor(contentType string) string {
	switch contentType {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/ogg", "audio/opus":
		return ".ogg"
	case "audio/mpeg":
		return ".mp3"
	default:
		return ".bin"
	}
}
