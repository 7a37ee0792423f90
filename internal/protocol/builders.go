package protocol

import "github.com/google/uuid"

// AuthResult is the identity block sent in reply to an auth challenge.
type AuthResult struct {
	BrowserID  string
	UserID     string
	UserAgent  string
	Timestamp  int64
	DeviceType string
	Version    string
}

// NewAuthResponse answers challengeID with the given identity block.
func NewAuthResponse(challengeID string, r AuthResult) Message {
	deviceType := r.DeviceType
	if deviceType == "" {
		deviceType = DefaultClientType
	}
	version := r.Version
	if version == "" {
		version = DefaultClientVersion
	}
	return Message{
		ID:     challengeID,
		Kind:   KindAuthResponse,
		Action: ActionAuth,
		Payload: map[string]any{
			"browser_id":  r.BrowserID,
			"user_id":     r.UserID,
			"user_agent":  r.UserAgent,
			"timestamp":   r.Timestamp,
			"device_type": deviceType,
			"version":     version,
		},
	}
}

// NewPing returns a heartbeat ping with a fresh correlation id and empty data.
func NewPing(version string) Message {
	return Message{
		ID:      uuid.NewString(),
		Kind:    KindPing,
		Action:  ActionPing,
		Version: version,
		Payload: map[string]any{},
	}
}

// NewPong answers the message carrying id.
func NewPong(id string) Message {
	return Message{
		ID:     id,
		Kind:   KindPong,
		Action: ActionPong,
	}
}

// NewAuthChallenge is the server-side opener of a session.
func NewAuthChallenge(id string) Message {
	return Message{
		ID:     id,
		Kind:   KindAuthChallenge,
		Action: ActionAuth,
	}
}
