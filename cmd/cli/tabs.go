package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agenticmem/membridge/internal/fabric"
)

func newTabsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tabs",
		Short: "List pages with an attached content agent",
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

			ctx, cancel := contextWithTimeout(3 * time.Second)
			defer cancel()

			raw, err := conn.Request(ctx, fabric.Request{Type: fabric.TypeListTabs})
			if err != nil {
				return err
			}

			var result fabric.ListTabsResult
			if err := json.Unmarshal(raw, &result); err != nil {
				return fmt.Errorf("decode tab list: %w", err)
			}

			if len(result.Tabs) == 0 {
				fmt.Println(styleDim.Render("no tabs registered"))
				return nil
			}

			// Last entry is the active tab.
			for i, tab := range result.Tabs {
				line := styleTabID.Render(string(tab.ID)) + "  " + tab.URL
				if tab.Title != "" {
					line += styleDim.Render("  (" + tab.Title + ")")
				}
				line += styleDim.Render("  " + tab.RegisteredAt.Format(time.RFC3339))
				if i == len(result.Tabs)-1 {
					line += " " + styleSuccess.Render("active")
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}
