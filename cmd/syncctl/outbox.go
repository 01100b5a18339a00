package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/confessr/syncengine/pkg/outbox"
	"github.com/confessr/syncengine/pkg/remote"
	"github.com/confessr/syncengine/pkg/session"
	"github.com/confessr/syncengine/pkg/store"
)

var outboxCommand = &cli.Command{
	Name:   "outbox",
	Usage:  "Inspect and manage the durable send queue",
	Before: prepareApp,
	Subcommands: []*cli.Command{
		{
			Name:   "list",
			Usage:  "List queued entries and permanently failed messages",
			Action: listOutbox,
		},
		{
			Name:      "retry",
			Usage:     "Re-queue a failed message and deliver it now",
			ArgsUsage: "<dedupe-key>",
			Action:    retryOutbox,
		},
		{
			Name:   "clear",
			Usage:  "Drop every queued entry (messages stay cached)",
			Action: clearOutbox,
		},
	},
}

func listOutbox(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	st, err := store.Open(ctx.Context, cfg.Database.Path, getLogger(ctx))
	if err != nil {
		return fmt.Errorf("failed to open local cache: %w", err)
	}
	defer st.Close()

	entries, err := st.AllOutboxEntries(ctx.Context)
	if err != nil {
		return err
	}
	fmt.Printf("Queued (%d):\n", len(entries))
	for _, entry := range entries {
		line := fmt.Sprintf("  %s  %-9s group=%s retries=%d",
			entry.DedupeKey, entry.OpType, entry.GroupID, entry.RetryCount)
		if entry.RetryCount > 0 {
			line += fmt.Sprintf(" next=%s last_error=%q",
				entry.NextRetryAt.Format(time.RFC3339), entry.LastError)
		}
		fmt.Println(line)
	}

	failed, err := st.FailedMessages(ctx.Context)
	if err != nil {
		return err
	}
	fmt.Printf("Failed (%d):\n", len(failed))
	for _, msg := range failed {
		fmt.Printf("  %s  group=%s reason=%q\n", msg.DedupeKey, msg.GroupID, msg.FailReason)
	}
	return nil
}

func retryOutbox(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("usage: syncctl outbox retry <dedupe-key>")
	}
	dedupeKey := ctx.Args().First()

	cfg := getConfig(ctx)
	log := getLogger(ctx)
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

	proc := outbox.NewProcessor(st, rest, tokens, cfg.OutboxConfig(), outbox.Callbacks{}, log)
	if err := proc.Retry(ctx.Context, dedupeKey); err != nil {
		return err
	}
	if err := proc.Drain(ctx.Context); err != nil {
		return fmt.Errorf("re-queued, but delivery failed (will retry on next run): %w", err)
	}
	msg, err := st.GetMessage(ctx.Context, dedupeKey)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", dedupeKey, msg.DeliveryState)
	return nil
}

func clearOutbox(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	st, err := store.Open(ctx.Context, cfg.Database.Path, getLogger(ctx))
	if err != nil {
		return fmt.Errorf("failed to open local cache: %w", err)
	}
	defer st.Close()

	removed, err := st.ClearOutbox(ctx.Context)
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d entries\n", removed)
	return nil
}
