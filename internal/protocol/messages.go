// Package protocol defines the JSON messages exchanged on the bus.
package protocol

import "time"

// AudioFrame is one chunk of 16-bit PCM streamed from a capture device.
type AudioFrame struct {
	Source     string    `json:"source"`
	Channel    string    `json:"channel,omitempty"`
	Sequence   uint64    `json:"sequence"`
	SampleRate int       `json:"sample_rate"`
	Channels   int       `json:"channels"`
	PCM        []byte    `json:"pcm"`
	CapturedAt time.Time `json:"captured_at,omitempty"`
	// Final asks for any open utterance to be closed after this frame.
	Final bool `json:"final,omitempty"`
}

// FlushSignal closes the open utterance of a source without sending audio.
type FlushSignal struct {
	Source string `json:"source"`
}

// DeliveryMessage is published to delivery.<channel> for bus-backed
// channel adapters.
type DeliveryMessage struct {
	CorrelationID string    `json:"correlation_id"`
	Channel       string    `json:"channel"`
	Kind          string    `json:"kind"`
	Text          string    `json:"text,omitempty"`
	Audio         []byte    `json:"audio,omitempty"`
	ContentType   string    `json:"content_type,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// DeliveryAck is the channel adapter's reply to a DeliveryMessage.
type DeliveryAck struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectAudioFlushPrefix = "audio.flush"
	SubjectDeliveryPrefix   = "delivery"

	SubjectNodeAnnounce  = "ctrl.node.announce"
	SubjectNodeHeartbeat = "ctrl.node.heartbeat"
)
