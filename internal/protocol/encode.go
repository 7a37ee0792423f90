package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

type challengeWire struct {
	ID     string         `json:"id"`
	Action string         `json:"action"`
	Data   map[string]any `json:"data,omitempty"`
}

type authResponseWire struct {
	ID           string         `json:"id"`
	OriginAction string         `json:"origin_action"`
	Result       authResultWire `json:"result"`
}

// authResultWire fixes the key order of the identity block.
type authResultWire struct {
	BrowserID  string `json:"browser_id"`
	UserID     string `json:"user_id"`
	UserAgent  string `json:"user_agent"`
	Timestamp  int64  `json:"timestamp"`
	DeviceType string `json:"device_type"`
	Version    string `json:"version"`
}

type pingWire struct {
	ID      string         `json:"id"`
	Version string         `json:"version"`
	Action  string         `json:"action"`
	Data    map[string]any `json:"data"`
}

type pongWire struct {
	ID           string `json:"id"`
	OriginAction string `json:"origin_action"`
}

// Encode renders msg as one JSON text frame.
func Encode(msg Message) ([]byte, error) {
	if strings.TrimSpace(msg.ID) == "" {
		return nil, fmt.Errorf("%w: kind=%s", ErrMissingID, msg.Kind)
	}
	switch msg.Kind {
	case KindAuthChallenge:
		return json.Marshal(challengeWire{
			ID:     msg.ID,
			Action: ActionAuth,
			Data:   msg.Payload,
		})
	case KindAuthResponse:
		return json.Marshal(authResponseWire{
			ID:           msg.ID,
			OriginAction: ActionAuth,
			Result:       authResultFromPayload(msg.Payload),
		})
	case KindPing:
		version := msg.Version
		if version == "" {
			version = DefaultPingVersion
		}
		data := msg.Payload
		if data == nil {
			data = map[string]any{}
		}
		return json.Marshal(pingWire{
			ID:      msg.ID,
			Version: version,
			Action:  ActionPing,
			Data:    data,
		})
	case KindPong:
		return json.Marshal(pongWire{
			ID:           msg.ID,
			OriginAction: ActionPong,
		})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, msg.Kind)
	}
}

func authResultFromPayload(p map[string]any) authResultWire {
	str := func(key string) string {
		v, _ := p[key].(string)
		return v
	}
	out := authResultWire{
		BrowserID:  str("browser_id"),
		UserID:     str("user_id"),
		UserAgent:  str("user_agent"),
		DeviceType: str("device_type"),
		Version:    str("version"),
	}
	switch ts := p["timestamp"].(type) {
	case int64:
		out.Timestamp = ts
	case int:
		out.Timestamp = int64(ts)
	case float64:
		out.Timestamp = int64(ts)
	case json.Number:
		out.Timestamp, _ = ts.Int64()
	}
	if out.DeviceType == "" {
		out.DeviceType = DefaultClientType
	}
	if out.Version == "" {
		out.Version = DefaultClientVersion
	}
	return out
}
