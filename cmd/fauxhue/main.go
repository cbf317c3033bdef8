// Command fauxhue emulates a Philips Hue bridge on the local network and
// forwards light commands to the configured backends.
package main

import (
	"flag"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/fauxhue/internal/app"
	"github.com/dokzlo13/fauxhue/internal/config"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", config.DefaultPath, "Path to configuration file")
	flag.StringVar(&configPath, "c", config.DefaultPath, "Alias for -config")
	debug := flag.Bool("d", false, "Force debug logging")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", configPath).Msg("Cannot load configuration")
	}

	level := cfg.Log.GetLevel()
	if *debug {
		level = "debug"
	}
	initLogger(level, cfg.Log.UseJSON, cfg.Log.Colors)
	log.Info().Str("config", configPath).Str("bridge", cfg.Bridge.Name).Msg("Starting fauxhue")

	emulator, err := app.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot build services")
	}

	if err := emulator.Start(app.SignalContext()); err != nil {
		emulator.Stop()
		log.Fatal().Err(err).Msg("Cannot start services")
	}
	emulator.Wait()

	if err := emulator.Stop(); err != nil {
		log.Error().Err(err).Msg("Shutdown incomplete")
	}
}

// initLogger points the global zerolog logger at stderr. Unknown levels fall
// back to info.
func initLogger(level string, useJSON, colors bool) {
	zerolog.TimeFieldFormat = time.RFC3339

	if useJSON {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05.000",
			NoColor:    !colors,
		})
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
