package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agenticmem/membridge/internal/popup"
	"github.com/agenticmem/membridge/internal/retrieval"
)

func newRetrieveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retrieve",
		Short: "Retrieve memories for the active page and inject them",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd)
			if err != nil {
				return err
			}

			conn, err := app.dialRelay()
			if err != nil {
				return err
			}
			defer conn.Close()

			flow := &popup.Flow{
				Session: app.Sessions,
				Channel: conn,
				Search:  retrieval.NewClient(app.Config.API.BaseURL, app.Sessions),
				Limit:   app.Config.API.RetrieveLimit,
				Logger:  app.Logger,
			}

			ctx, cancel := contextWithTimeout(30 * time.Second)
			defer cancel()

			report, err := flow.Run(ctx)
			if err != nil {
				return err
			}

			fmt.Println(styleLabel.Render("tab: ") + styleTabID.Render(string(report.Tab.ID)) + styleDim.Render(" "+report.Tab.URL))

			switch {
			case report.Empty:
				fmt.Println(styleWarning.Render(report.Status))
			case report.Skipped:
				fmt.Println(styleDim.Render("memories already present, nothing injected"))
			default:
				fmt.Println(styleSuccess.Render(fmt.Sprintf("injected %d memories", report.Appended)))
			}
			return nil
		},
	}

	return cmd
}
