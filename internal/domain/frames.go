package domain

import (
	"encoding/json"
)

// Inbound destinations, addressed by the client.
const (
	DestSendMessage  = "send-message"
	DestAddUser      = "add-user"
	DestWebRTCSignal = "webrtc-signal"
	DestPing         = "ping"
)

// Outbound destinations, pushed by the server.
const (
	DestQueueMessages = "queue/messages"
	DestQueueWebRTC   = "queue/webrtc"
	DestQueueReceipts = "queue/receipts"
	DestTopicPublic   = "topic/public"
	DestError         = "error"
	DestPong          = "pong"
)

// InboundFrame is a client -> server frame.
type InboundFrame struct {
	Destination string          `json:"destination"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// OutboundFrame is a server -> client frame.
type OutboundFrame struct {
	Destination string      `json:"destination"`
	Payload     interface{} `json:"payload,omitempty"`
}

// ErrorPayload is the payload of an error frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EncodeFrame marshals an outbound frame once so the same bytes can be
// handed to every recipient connection.
func EncodeFrame(destination string, payload interface{}) ([]byte, error) {
	return json.Marshal(&OutboundFrame{
		Destination: destination,
		Payload:     payload,
	})
}

// NewErrorFrame builds an error frame.
func NewErrorFrame(code, message string) *OutboundFrame {
	return &OutboundFrame{
		Destination: DestError,
		Payload: &ErrorPayload{
			Code:    code,
			Message: message,
		},
	}
}
