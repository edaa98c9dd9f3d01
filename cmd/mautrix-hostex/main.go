// Copyright 2024-2026 Aiku AI

// Command mautrix-hostex is a Matrix-Hostex bridge. It maps each Hostex
// booking conversation to a private Matrix room and synchronizes messages in
// both directions: guest messages are polled from the Hostex API and posted
// into the room, operator replies are pushed over the appservice websocket
// and forwarded to Hostex.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/exzerolog"
	flag "maunium.net/go/mauflag"
	"maunium.net/go/mautrix/appservice"

	"github.com/aiku/mautrix-hostex/pkg/bridge"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath       = flag.MakeFull("c", "config", "Path to the config file", "config.yaml").String()
	registrationPath = flag.MakeFull("r", "registration", "Path to the appservice registration file", "registration.yaml").String()
	generateExample  = flag.MakeFull("e", "generate-example-config", "Write the example config to stdout and exit", "false").Bool()
	debug            = flag.MakeFull("d", "debug", "Enable debug logging", "false").Bool()
	wantHelp, _      = flag.MakeHelpFlag()
)

func main() {
	flag.SetHelpTitles(
		"mautrix-hostex - A Matrix-Hostex bridge",
		"mautrix-hostex [-h] [-c <path>] [-r <path>] [-e] [-d]",
	)
	if err := flag.Parse(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		return
	}
	if *generateExample {
		fmt.Print(bridge.ExampleConfig)
		return
	}

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	exzerolog.SetupDefaults(&log)

	cfg, err := bridge.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	reg, err := appservice.LoadRegistration(*registrationPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load registration")
	}

	db, err := dbutil.NewFromConfig("mautrix-hostex", dbutil.Config{
		PoolConfig: dbutil.PoolConfig{
			Type:         cfg.Database.Type,
			URI:          cfg.Database.URI,
			MaxOpenConns: 5,
			MaxIdleConns: 1,
		},
	}, dbutil.ZeroLogger(log.With().Str("component", "database").Logger()))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	br, err := bridge.New(cfg, reg, db, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize bridge")
	}
	br.SetDebugToggle(func(enabled bool) {
		if enabled {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		} else {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
		}
	})

	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Str("built_at", BuildTime).
		Msg("Starting mautrix-hostex")
	if err = br.Start(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Failed to start bridge")
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	log.Info().Msg("Shutting down")
	br.Stop()
}
