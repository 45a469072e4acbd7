package model

import "encoding/json"

// Inbound frame types.
const (
	TypeAuth        = "auth"
	TypeChatMessage = "chat_message"
	TypePing        = "ping"
	TypeTyping      = "typing"
	TypeBatch       = "batch"
	TypeConfirm     = "confirm"
)

// Outbound frame types.
const (
	TypeAuthSuccess    = "auth_success"
	TypeError          = "error"
	TypePong           = "pong"
	TypeUserStatus     = "user_status"
	TypeNotification   = "notification"
	TypeServerShutdown = "server_shutdown"
	TypeBatchResponse  = "batch_response"
)

// Error codes carried by the "code" field of error frames.
const (
	CodeCapacityExceeded = "CAPACITY_EXCEEDED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeAuthTimeout      = "AUTH_TIMEOUT"
	CodeAuthFailed       = "AUTH_FAILED"
	CodeInvalidJSON      = "INVALID_JSON"
	CodeFrameTooLarge    = "FRAME_TOO_LARGE"
)

// Envelope is the single wire shape shared by inbound and outbound frames.
// Unused fields are omitted on the wire; handlers pick the fields relevant
// to the frame type.
type Envelope struct {
	Type      string         `json:"type"`
	ID        string         `json:"id,omitempty"`
	Text      string         `json:"text,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Role      string         `json:"role,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
	Code      string         `json:"code,omitempty"`
	Method    string         `json:"method,omitempty"`
	Token     string         `json:"token,omitempty"`
	ReplyTo   string         `json:"reply_to,omitempty"`
	Priority  string         `json:"priority,omitempty"`
	Messages  []Envelope     `json:"messages,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewErrorFrame builds a structured error frame with the given code.
func NewErrorFrame(code, text string) *Envelope {
	return &Envelope{
		Type: TypeError,
		Code: code,
		Text: text,
	}
}

// Encode serializes the envelope to its wire representation.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a wire frame into an Envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	env := new(Envelope)
	if err := json.Unmarshal(data, env); err != nil {
		return nil, err
	}
	return env, nil
}
