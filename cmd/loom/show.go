package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/timeparsing"
	"github.com/loomworks/loom/internal/types"
)

var (
	showAt     string
	showEvents bool
)

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show an element, optionally reconstructed at a past time",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]

		var el *types.Element
		var err error
		if showAt != "" {
			at, perr := timeparsing.ParseRelativeTime(showAt, time.Now())
			if perr != nil {
				return perr
			}
			el, err = st.ReconstructAt(rootCtx, id, at)
		} else {
			el, err = st.Get(rootCtx, id)
		}
		if err != nil {
			return err
		}

		if showEvents {
			events, err := st.Events(rootCtx, id, types.EventQuery{})
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]any{"element": el, "events": events})
			}
			printElement(el)
			fmt.Println("\nEvents:")
			for _, ev := range events {
				fmt.Printf("  %s  %-20s %s\n",
					ev.CreatedAt.Format(time.RFC3339), ev.EventType, ev.Actor)
			}
			return nil
		}

		if jsonOutput {
			return printJSON(el)
		}
		printElement(el)
		return nil
	},
}

func printElement(el *types.Element) {
	fmt.Printf("%s  [%s]\n", el.ID, el.Type)
	switch d := el.Data.(type) {
	case *types.TaskData:
		fmt.Printf("  %s\n", d.Title)
		fmt.Printf("  status: %s  priority: %d", d.Status, d.Priority)
		if d.Assignee != "" {
			fmt.Printf("  assignee: %s", d.Assignee)
		}
		fmt.Println()
		if d.Description != "" {
			fmt.Printf("  %s\n", d.Description)
		}
	case *types.PlanData:
		fmt.Printf("  %s\n  status: %s\n", d.Title, d.Status)
	case *types.WorkflowData:
		fmt.Printf("  %s\n  status: %s  ephemeral: %v\n", d.Title, d.Status, d.Ephemeral)
	case *types.DocumentData:
		fmt.Printf("  %s (v%d)\n", d.Title, d.Version)
	case *types.EntityData:
		fmt.Printf("  %s  role: %s\n", d.Name, d.Role)
	case *types.ChannelData:
		fmt.Printf("  %s (%s)  members: %s\n", d.Name, d.ChannelType, strings.Join(d.Members, ", "))
	}
	if len(el.Tags) > 0 {
		fmt.Printf("  tags: %s\n", strings.Join(el.Tags, ", "))
	}
	if el.DeletedAt != nil {
		fmt.Printf("  deleted: %s\n", el.DeletedAt.Format(time.RFC3339))
	}
}

func init() {
	showCmd.Flags().StringVar(&showAt, "at", "", "Reconstruct state at this time (-1d, yesterday, RFC3339, 2025-06-01)")
	showCmd.Flags().BoolVar(&showEvents, "events", false, "Include the element's event trail")
	rootCmd.AddCommand(showCmd)
}
