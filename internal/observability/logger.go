package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ComponentLogger tags the global logger with an app component name.
func ComponentLogger(component string) zerolog.Logger {
	return log.Logger.With().Str("component", component).Logger()
}

// SessionLogger scopes the global logger to one presence session.
func SessionLogger(sessionID, deviceID, via string) zerolog.Logger {
	if via == "" {
		via = "direct"
	}
	return log.Logger.With().
		Str("session", sessionID).
		Str("device_id", deviceID).
		Str("via", via).
		Logger()
}
