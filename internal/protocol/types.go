package protocol

// Kind classifies one protocol message.
type Kind string

const (
	KindAuthChallenge Kind = "auth_challenge"
	KindAuthResponse  Kind = "auth_response"
	KindPing          Kind = "ping"
	KindPong          Kind = "pong"
	KindUnknown       Kind = "unknown"
)

// Wire action tags.
const (
	ActionAuth = "AUTH"
	ActionPing = "PING"
	ActionPong = "PONG"
)

// Defaults carried on outbound messages.
const (
	DefaultPingVersion   = "1.0.0"
	DefaultClientType    = "extension"
	DefaultClientVersion = "3.3.2"
)

// MaxMessageSize bounds one inbound text frame.
const MaxMessageSize = 128 * 1024

// Message is one decoded or to-be-encoded protocol message.
//
// Action holds the raw `action` or `origin_action` tag seen on the wire; Payload is the
// `data` or `result` object.
type Message struct {
	ID      string
	Kind    Kind
	Action  string
	Version string
	Payload map[string]any
}

// IsReply reports whether the message answers another message.
func (m Message) IsReply() bool {
	return m.Kind == KindAuthResponse || m.Kind == KindPong
}
