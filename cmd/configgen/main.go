package main

import (
	"flag"

	"github.com/danmuck/presencectl/internal/config"
	"github.com/danmuck/presencectl/internal/logging"
	"github.com/rs/zerolog/log"
)

const defaultPath = "presence.toml"

func main() {
	output := flag.String("output", defaultPath, "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", defaultPath, "config path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()
	logging.ConfigureRuntime()

	if *validate {
		if err := config.ValidateFile(*input); err != nil {
			log.Fatal().Err(err).Str("input", *input).Msg("config invalid")
		}
		log.Info().Str("input", *input).Msg("validated presencectl config")
		return
	}

	if err := config.WriteTemplate(*output, *force); err != nil {
		log.Fatal().Err(err).Str("output", *output).Msg("write template failed")
	}
	log.Info().Str("output", *output).Msg("wrote presencectl config template")
}
