package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/confessr/syncengine/pkg/config"
)

type contextKey int

const (
	contextKeyConfig contextKey = iota
	contextKeyLogger
)

func getConfig(ctx *cli.Context) *config.Config {
	return ctx.Context.Value(contextKeyConfig).(*config.Config)
}

func getLogger(ctx *cli.Context) zerolog.Logger {
	return ctx.Context.Value(contextKeyLogger).(zerolog.Logger)
}

func getConfigPath() string {
	baseDir, _ := os.UserConfigDir()
	return filepath.Join(baseDir, "syncctl", "config.yaml")
}

func prepareApp(ctx *cli.Context) error {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return err
	}
	log, err := cfg.CompileLogger()
	if err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}
	newCtx := context.WithValue(ctx.Context, contextKeyConfig, cfg)
	newCtx = context.WithValue(newCtx, contextKeyLogger, *log)
	ctx.Context = newCtx
	return nil
}

func main() {
	app := &cli.App{
		Name:    "syncctl",
		Usage:   "Run and inspect the chat sync engine",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to config file",
				Value: getConfigPath(),
			},
		},
		Commands: []*cli.Command{
			runCommand,
			statusCommand,
			outboxCommand,
			resyncCommand,
			loginCommand,
			logoutCommand,
			exampleConfigCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var exampleConfigCommand = &cli.Command{
	Name:  "example-config",
	Usage: "Print the example config file",
	Action: func(ctx *cli.Context) error {
		fmt.Print(config.ExampleConfig)
		return nil
	},
}
