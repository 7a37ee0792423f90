package protocol

import (
	"encoding/json"
	"strings"
)

type inboundWire struct {
	ID           *string         `json:"id"`
	Action       string          `json:"action"`
	OriginAction string          `json:"origin_action"`
	Version      string          `json:"version"`
	Data         json.RawMessage `json:"data"`
	Result       json.RawMessage `json:"result"`
}

// Decode parses one inbound JSON frame. Malformed frames yield a *DecodeError.
func Decode(data []byte) (Message, error) {
	if len(data) > MaxMessageSize {
		return Message{}, &DecodeError{Size: len(data), Err: ErrMessageTooLarge}
	}
	var w inboundWire
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, &DecodeError{Size: len(data), Err: err}
	}
	if w.ID == nil || strings.TrimSpace(*w.ID) == "" {
		return Message{}, &DecodeError{Size: len(data), Err: ErrMissingID}
	}

	msg := Message{
		ID:      *w.ID,
		Version: w.Version,
		Payload: objectPayload(w.Data),
	}
	if msg.Payload == nil {
		msg.Payload = objectPayload(w.Result)
	}
	msg.Kind, msg.Action = classify(w.Action, w.OriginAction)
	return msg, nil
}

// objectPayload keeps data/result only when it is a JSON object. Other shapes
// are dropped so the frame still carries its id.
func objectPayload(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func classify(action, originAction string) (Kind, string) {
	action = strings.ToUpper(strings.TrimSpace(action))
	originAction = strings.ToUpper(strings.TrimSpace(originAction))
	switch {
	case action == ActionAuth:
		return KindAuthChallenge, action
	case action == ActionPing:
		return KindPing, action
	case action == ActionPong:
		// server-initiated heartbeat prompt
		return KindPong, action
	case originAction == ActionAuth:
		return KindAuthResponse, originAction
	case originAction == ActionPong:
		return KindPong, originAction
	case action != "":
		return KindUnknown, action
	default:
		return KindUnknown, originAction
	}
}
