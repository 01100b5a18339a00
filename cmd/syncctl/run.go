package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/confessr/syncengine/pkg/config"
	"github.com/confessr/syncengine/pkg/engine"
	"github.com/confessr/syncengine/pkg/remote"
	"github.com/confessr/syncengine/pkg/session"
	"github.com/confessr/syncengine/pkg/store"
)

var runCommand = &cli.Command{
	Name:   "run",
	Usage:  "Start the sync engine against the configured backend",
	Before: prepareApp,
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:     "group",
			Aliases:  []string{"g"},
			Usage:    "Group ID to sync (repeatable)",
			Required: true,
		},
	},
	Action: runEngine,
}

// arrivalLogger is the headless stand-in for the platform notification
// bridge: arrivals outside a viewed group are just logged.
type arrivalLogger struct {
	log zerolog.Logger
}

func (a arrivalLogger) OnBackgroundArrival(groupID, dedupeKey string) {
	a.log.Info().
		Str("group_id", groupID).
		Str("dedupe_key", dedupeKey).
		Msg("Message arrived in background group")
}

func runEngine(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	log := getLogger(ctx)
	groups := ctx.StringSlice("group")

	st, err := store.Open(ctx.Context, cfg.Database.Path, log)
	if err != nil {
		return fmt.Errorf("failed to open local cache: %w", err)
	}
	defer st.Close()

	rest := remote.NewRESTClient(cfg.Server.BaseURL, log)
	tokens, err := session.NewManager(ctx.Context, st, rest, cfg.SessionConfig(), log)
	if err != nil {
		return err
	}
	defer tokens.Stop()
	if _, ok := tokens.Current(); !ok {
		return fmt.Errorf("no session, run 'syncctl login' first")
	}

	eng := engine.New(engine.Options{
		Store:           st,
		Remote:          rest,
		Tokens:          tokens,
		Dialer:          remote.NewWSDialer(cfg.Server.FeedURL, log),
		Notifier:        arrivalLogger{log: log},
		Config:          cfg.EngineConfig(),
		ChannelConfig:   cfg.ChannelConfig(),
		OutboxConfig:    cfg.OutboxConfig(),
		ReconcileConfig: cfg.ReconcileConfig(),
	}, log)
	if err := eng.Start(ctx.Context, groups); err != nil {
		return err
	}
	defer eng.Stop()

	if err := config.Watch(ctx.Context, ctx.String("config"), func(newCfg *config.Config) {
		eng.UpdateTunables(newCfg.EngineConfig())
	}, log); err != nil {
		log.Warn().Err(err).Msg("Config hot reload unavailable")
	}

	log.Info().
		Str("server", cfg.Server.BaseURL).
		Str("groups", strings.Join(groups, ",")).
		Msg("Sync engine running, press Ctrl+C to stop")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	return nil
}
