// Command goentitle runs the entitlement service and its maintenance tasks.
package main

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/mihaimyh/goentitle/internal/cli"
)

var version = "dev"

func main() {
	if err := cli.NewRootCmd(version).Execute(); err != nil {
		log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		log.Error().Err(err).Msg("goentitle failed")
		os.Exit(1)
	}
}
