package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/types"
)

var (
	listType     string
	listStatus   string
	listAssignee string
	listTags     []string
	listLimit    int
	listOffset   int
	listDeleted  bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List elements",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := types.ListFilter{
			Type:           types.ElementType(listType),
			TaskStatus:     types.TaskStatus(listStatus),
			Assignee:       listAssignee,
			Tags:           listTags,
			Limit:          listLimit,
			Offset:         listOffset,
			IncludeDeleted: listDeleted,
		}
		if filter.Type == "" && filter.TaskStatus != "" {
			filter.Type = types.TypeTask
		}
		page, err := st.ListPage(rootCtx, filter)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(page)
		}
		for _, el := range page.Elements {
			line := summaryLine(el)
			fmt.Println(line)
		}
		if page.HasMore {
			fmt.Printf("(%d of %d, use --offset %d for more)\n",
				len(page.Elements), page.Total, page.Offset+len(page.Elements))
		}
		return nil
	},
}

func summaryLine(el *types.Element) string {
	switch d := el.Data.(type) {
	case *types.TaskData:
		return fmt.Sprintf("%-14s [%s] p%d %s", el.ID, d.Status, d.Priority, d.Title)
	case *types.PlanData:
		return fmt.Sprintf("%-14s [%s] %s", el.ID, d.Status, d.Title)
	case *types.WorkflowData:
		return fmt.Sprintf("%-14s [%s] %s", el.ID, d.Status, d.Title)
	case *types.DocumentData:
		return fmt.Sprintf("%-14s v%d %s", el.ID, d.Version, d.Title)
	case *types.EntityData:
		return fmt.Sprintf("%-14s %s (%s)", el.ID, d.Name, d.Role)
	case *types.ChannelData:
		return fmt.Sprintf("%-14s %s (%s)", el.ID, d.Name, d.ChannelType)
	default:
		return fmt.Sprintf("%-14s [%s]", el.ID, el.Type)
	}
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate store statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := st.Stats(rootCtx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(stats)
		}
		fmt.Printf("Elements: %d\n", stats.TotalElements)
		for typ, n := range stats.ByType {
			fmt.Printf("  %-10s %d\n", typ, n)
		}
		fmt.Printf("Tasks: %d open, %d in progress, %d blocked, %d closed, %d ready\n",
			stats.OpenTasks, stats.InProgress, stats.BlockedTasks, stats.ClosedTasks, stats.ReadyTasks)
		return nil
	},
}

func init() {
	listCmd.Flags().StringVarP(&listType, "type", "t", "", "Element type (task, plan, workflow, ...)")
	listCmd.Flags().StringVarP(&listStatus, "status", "s", "", "Task status filter")
	listCmd.Flags().StringVarP(&listAssignee, "assignee", "a", "", "Assignee filter")
	listCmd.Flags().StringSliceVar(&listTags, "tag", nil, "Require tags (AND, repeatable)")
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 50, "Page size")
	listCmd.Flags().IntVar(&listOffset, "offset", 0, "Page offset")
	listCmd.Flags().BoolVar(&listDeleted, "deleted", false, "Include tombstones")
	rootCmd.AddCommand(listCmd, statsCmd)
}
