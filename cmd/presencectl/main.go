package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/presencectl/internal/config"
	"github.com/danmuck/presencectl/internal/logging"
	"github.com/danmuck/presencectl/internal/presence"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "presencectl: %v\n", err)
		os.Exit(1)
	}
	logging.ConfigureRuntime()

	svc, err := newService(os.LookupEnv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "presencectl: %v\n", err)
		os.Exit(1)
	}
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "presencectl: %v\n", err)
		os.Exit(1)
	}
}

func newService(lookup config.LookupFunc) (*presence.Service, error) {
	path, _ := lookup(config.EnvConfigPath)
	cfg, err := config.Load(config.Options{Path: strings.TrimSpace(path), Lookup: lookup})
	if err != nil {
		return nil, err
	}
	proxied := 0
	for _, spec := range cfg.Sessions {
		if spec.Proxy != nil {
			proxied++
		}
	}
	log.Info().
		Str("config", path).
		Int("sessions", len(cfg.Sessions)).
		Int("proxied", proxied).
		Str("restart", string(cfg.Restart)).
		Str("admin", cfg.AdminListenAddr).
		Bool("default_user", cfg.UserID == presence.DefaultUserID).
		Msg("presencectl starting")
	return presence.NewServiceWithConfig(cfg), nil
}
