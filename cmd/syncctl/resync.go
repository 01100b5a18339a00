package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/confessr/syncengine/pkg/reconcile"
	"github.com/confessr/syncengine/pkg/remote"
	"github.com/confessr/syncengine/pkg/session"
	"github.com/confessr/syncengine/pkg/store"
)

var resyncCommand = &cli.Command{
	Name:   "resync",
	Usage:  "Force a catch-up pass against the remote store",
	Before: prepareApp,
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:    "group",
			Aliases: []string{"g"},
			Usage:   "Group to resync (repeatable, default: all known groups)",
		},
	},
	Action: forceResync,
}

func forceResync(ctx *cli.Context) error {
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
	if _, ok := tokens.Current(); !ok {
		return fmt.Errorf("no session, run 'syncctl login' first")
	}

	groups := ctx.StringSlice("group")
	if len(groups) == 0 {
		watermarks, err := st.AllWatermarks(ctx.Context)
		if err != nil {
			return err
		}
		for groupID := range watermarks {
			groups = append(groups, groupID)
		}
		sort.Strings(groups)
	}
	if len(groups) == 0 {
		return fmt.Errorf("no known groups, pass --group at least once")
	}

	r := reconcile.NewReconciler(st, rest, tokens, cfg.ReconcileConfig(), nil, log)
	if err := r.EnsureVersion(ctx.Context); err != nil {
		return err
	}
	counters, err := r.Run(ctx.Context, groups, time.Time{})
	if err != nil {
		return err
	}
	fmt.Printf("Reconciled %d groups: fetched %d, applied %d, failed %d\n",
		counters.Groups, counters.Fetched, counters.Applied, counters.GroupsFailed)
	return nil
}
