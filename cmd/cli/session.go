package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func contextWithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Sign in with the identity provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd)
			if err != nil {
				return err
			}

			if app.Sessions.IsAuthenticated() {
				fmt.Println(styleSuccess.Render("already signed in"))
				return nil
			}

			fmt.Println("Opening browser for sign-in...")

			ctx, cancel := contextWithTimeout(5 * time.Minute)
			defer cancel()

			if err := app.Sessions.Login(ctx); err != nil {
				return err
			}

			if profile, err := app.Sessions.Profile(); err == nil && profile != nil {
				fmt.Println(styleSuccess.Render("signed in as ") + styleUser.Render(profile.DisplayName))
			} else {
				fmt.Println(styleSuccess.Render("signed in"))
			}
			return nil
		},
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and clear the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd)
			if err != nil {
				return err
			}

			app.Sessions.Logout()
			fmt.Println(styleSuccess.Render("signed out"))
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session and relay status",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd)
			if err != nil {
				return err
			}

			fmt.Println("session")
			if app.Sessions.IsAuthenticated() {
				profile, _ := app.Sessions.Profile()
				userID, _ := app.Sessions.UserID()
				if profile != nil {
					fmt.Println(styleLabel.Render("  user:    ") + styleUser.Render(profile.DisplayName))
				}
				fmt.Println(styleLabel.Render("  user id: ") + userID)
				fmt.Println(styleLabel.Render("  state:   ") + styleSuccess.Render("authenticated"))
			} else {
				fmt.Println(styleLabel.Render("  state:   ") + styleWarning.Render("not signed in"))
			}

			fmt.Println("relay")
			conn, err := app.dialRelay()
			if err != nil {
				fmt.Println(styleLabel.Render("  state:   ") + styleError.Render("not running"))
				return nil
			}
			defer conn.Close()

			fmt.Println(styleLabel.Render("  address: ") + app.RelayAddr)
			fmt.Println(styleLabel.Render("  state:   ") + styleSuccess.Render("running"))
			return nil
		},
	}
}
