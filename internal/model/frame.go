package model

type (
	FrameType string

	// Frame is one JSON object on the relay websocket, in either direction.
	// Only the fields relevant to Type are set.
	Frame struct {
		Type      FrameType        `json:"type"`
		Did       string           `json:"did,omitempty"`
		Envelope  *MessageEnvelope `json:"envelope,omitempty"`
		MessageID string           `json:"messageId,omitempty"`
		Receipt   *DeliveryReceipt `json:"receipt,omitempty"`
		Code      string           `json:"code,omitempty"`
		Message   string           `json:"message,omitempty"`
	}
)

// client -> relay
const (
	FrameRegister FrameType = "register"
	FrameSend     FrameType = "send"
	FrameAck      FrameType = "ack"
	FramePing     FrameType = "ping"
)

// relay -> client
const (
	FrameRegistered FrameType = "registered"
	FrameMessage    FrameType = "message"
	FrameReceipt    FrameType = "receipt"
	FrameError      FrameType = "error"
	FramePong       FrameType = "pong"
)

const (
	ErrCodeInvalidMessage   = "INVALID_MESSAGE"
	ErrCodeNotRegistered    = "NOT_REGISTERED"
	ErrCodeMissingRecipient = "MISSING_RECIPIENT"
)
