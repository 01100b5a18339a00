package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/confessr/syncengine/pkg/store"
)

var loginCommand = &cli.Command{
	Name:   "login",
	Usage:  "Store credentials obtained from the backend's login flow",
	Before: prepareApp,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "user-id",
			Usage:    "Account user ID",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "access-token",
			Usage:    "Initial access token",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "refresh-token",
			Usage:    "Long-lived refresh token",
			Required: true,
		},
		&cli.DurationFlag{
			Name:  "expires-in",
			Usage: "Access token validity from now",
			Value: time.Hour,
		},
	},
	Action: login,
}

var logoutCommand = &cli.Command{
	Name:   "logout",
	Usage:  "Forget the stored session",
	Before: prepareApp,
	Action: logout,
}

func login(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	st, err := store.Open(ctx.Context, cfg.Database.Path, getLogger(ctx))
	if err != nil {
		return fmt.Errorf("failed to open local cache: %w", err)
	}
	defer st.Close()

	sess := &store.Session{
		UserID:       ctx.String("user-id"),
		AccessToken:  ctx.String("access-token"),
		RefreshToken: ctx.String("refresh-token"),
		ExpiresAt:    time.Now().Add(ctx.Duration("expires-in")),
	}
	if err := st.PutSession(ctx.Context, sess); err != nil {
		return err
	}
	fmt.Printf("Logged in as %s\n", sess.UserID)
	return nil
}

func logout(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	st, err := store.Open(ctx.Context, cfg.Database.Path, getLogger(ctx))
	if err != nil {
		return fmt.Errorf("failed to open local cache: %w", err)
	}
	defer st.Close()

	if err := st.DeleteSession(ctx.Context); err != nil {
		return err
	}
	fmt.Println("Logged out")
	return nil
}
