package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/confessr/syncengine/pkg/store"
)

var statusCommand = &cli.Command{
	Name:   "status",
	Usage:  "Show local sync state: session, outbox depth, watermarks",
	Before: prepareApp,
	Action: showStatus,
}

func showStatus(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	st, err := store.Open(ctx.Context, cfg.Database.Path, getLogger(ctx))
	if err != nil {
		return fmt.Errorf("failed to open local cache: %w", err)
	}
	defer st.Close()

	sess, err := st.GetSession(ctx.Context)
	if err != nil {
		return err
	}
	if sess == nil {
		fmt.Println("Session:   not logged in")
	} else {
		fmt.Printf("Session:   %s (token expires %s)\n", sess.UserID, sess.ExpiresAt.Format(time.RFC3339))
	}

	depth, err := st.OutboxDepth(ctx.Context)
	if err != nil {
		return err
	}
	fmt.Printf("Outbox:    %d queued\n", depth)

	failed, err := st.FailedMessages(ctx.Context)
	if err != nil {
		return err
	}
	fmt.Printf("Failed:    %d messages\n", len(failed))

	quarantined, err := st.QuarantineCount(ctx.Context)
	if err != nil {
		return err
	}
	fmt.Printf("Quarantined: %d rows\n", quarantined)

	watermarks, err := st.AllWatermarks(ctx.Context)
	if err != nil {
		return err
	}
	fmt.Printf("Watermarks (%d groups):\n", len(watermarks))
	groups := make([]string, 0, len(watermarks))
	for groupID := range watermarks {
		groups = append(groups, groupID)
	}
	sort.Strings(groups)
	for _, groupID := range groups {
		fmt.Printf("  %-30s %s\n", groupID, watermarks[groupID].Format(time.RFC3339))
	}
	return nil
}
