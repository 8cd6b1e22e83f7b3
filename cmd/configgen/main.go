package main

import (
	"fmt"
	"os"

	"github.com/danmuck/daqctl/internal/config"
	"github.com/danmuck/daqctl/internal/logging"
	"github.com/danmuck/daqctl/internal/protocol/session"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

var defaultPaths = map[string]string{
	config.KindConsole: "cmd/consolectl/config.toml",
	config.KindHV:      "cmd/hvctl/config.toml",
	config.KindRC:      "cmd/rcctl/config.toml",
}

func main() {
	kind := pflag.String("kind", config.KindConsole, "config kind: console|hv|rc")
	output := pflag.String("output", "", "output path for config template")
	validate := pflag.Bool("validate", false, "validate an existing config file")
	input := pflag.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := pflag.Bool("force", false, "overwrite existing config file")
	pflag.Parse()

	logging.ConfigureRuntime("configgen")
	path, ok := defaultPaths[*kind]
	if !ok {
		fatalf("unknown kind: %s", *kind)
	}

	if *validate {
		if *input != "" {
			path = *input
		}
		if err := validateFile(*kind, path); err != nil {
			fatalf("%v", err)
		}
		log.Info().Str("kind", *kind).Str("path", path).Msg("configgen validated")
		return
	}

	if *output != "" {
		path = *output
	}
	if err := config.WriteTemplate(path, *kind, *force); err != nil {
		fatalf("%v", err)
	}
	log.Info().Str("kind", *kind).Str("path", path).Msg("configgen wrote template")
}

func validateFile(kind string, path string) error {
	switch kind {
	case config.KindConsole:
		_, err := config.LoadConsoleConfig(path)
		return err
	case config.KindHV:
		_, err := config.LoadAgentConfig(path, session.IdentityHV)
		return err
	default:
		_, err := config.LoadAgentConfig(path, session.IdentityRC)
		return err
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "configgen: "+format+"\n", args...)
	os.Exit(1)
}
