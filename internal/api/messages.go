package api

import (
	"github.com/skobkin/relocker-web/internal/monitor"
)

// HelloMessage is the initial payload sent on WebSocket connection.
type HelloMessage struct {
	Type     string          `json:"type"`
	Channels []string        `json:"channels"`
	Default  string          `json:"default_channel,omitempty"`
	Features map[string]bool `json:"features"`
}

// NewHelloMessage constructs a hello payload.
func NewHelloMessage(channels []string, defaultChannel string, features map[string]bool) HelloMessage {
	return HelloMessage{
		Type:     "hello",
		Channels: channels,
		Default:  defaultChannel,
		Features: features,
	}
}

// StateMessage wraps a channel state snapshot for transport.
type StateMessage struct {
	Type string `json:"type"`
	monitor.State
}

// NewStateMessage constructs a state payload.
func NewStateMessage(state monitor.State) StateMessage {
	return StateMessage{
		Type:  "state",
		State: state,
	}
}

// ErrorMessage communicates an error condition to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClientMessage is a generic envelope used for decoding inbound client messages.
type ClientMessage struct {
	Type string `json:"type"`
}

// SubscribeMessage requests state updates for a channel.
type SubscribeMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// PongMessage is the response to a ping.
type PongMessage struct {
	Type string `json:"type"`
}
