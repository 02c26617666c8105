package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/plan"
	"github.com/loomworks/loom/internal/types"
)

func engine() *plan.Engine {
	return plan.New(st)
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Manage plans and their tasks",
}

var planDescription string

var planCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a plan (starts in draft)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		el := &types.Element{
			Type: types.TypePlan,
			Data: &types.PlanData{
				Title:       args[0],
				Description: planDescription,
				Status:      types.PlanDraft,
			},
		}
		if err := st.Create(rootCtx, el, actor()); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(el)
		}
		fmt.Printf("Created plan %s\n", el.ID)
		return nil
	},
}

var planStatusCmd = &cobra.Command{
	Use:   "status <id> <status>",
	Short: "Set a plan's status (draft, active, completed, cancelled)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := setContainerStatus(args[0], args[1])
		if err != nil {
			return err
		}
		if !jsonOutput {
			fmt.Printf("%s -> %s\n", args[0], args[1])
		}
		return nil
	},
}

var planAddCmd = &cobra.Command{
	Use:   "add <container-id> <task-id>...",
	Short: "Add existing tasks to a plan or workflow",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng := engine()
		for _, taskID := range args[1:] {
			if err := eng.AddTask(rootCtx, args[0], taskID, actor()); err != nil {
				return err
			}
		}
		if !jsonOutput {
			fmt.Printf("Added %d task(s) to %s\n", len(args)-1, args[0])
		}
		return nil
	},
}

var planRemoveCmd = &cobra.Command{
	Use:   "remove <container-id> <task-id>",
	Short: "Remove a task from a plan or workflow",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := engine().RemoveTask(rootCtx, args[0], args[1], actor()); err != nil {
			return err
		}
		if !jsonOutput {
			fmt.Printf("Removed %s from %s\n", args[1], args[0])
		}
		return nil
	},
}

var planTasksCmd = &cobra.Command{
	Use:   "tasks <container-id>",
	Short: "List a container's tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tasks, err := engine().Tasks(rootCtx, args[0], types.ListFilter{})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(tasks)
		}
		for _, el := range tasks {
			fmt.Println(summaryLine(el))
		}
		return nil
	},
}

var planProgressCmd = &cobra.Command{
	Use:   "progress <container-id>",
	Short: "Show task completion progress for a plan or workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := engine().Progress(rootCtx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(p)
		}
		fmt.Printf("%d/%d done (%.0f%%) - %d in progress, %d blocked, %d open\n",
			p.Completed, p.Total, p.Percentage, p.InProgress, p.Blocked, p.Open)
		return nil
	},
}

var planReadyCmd = &cobra.Command{
	Use:   "ready <container-id>",
	Short: "List a container's unblocked, workable tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tasks, err := engine().ReadyTasks(rootCtx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(tasks)
		}
		for _, el := range tasks {
			fmt.Println(summaryLine(el))
		}
		return nil
	},
}

var bulkReason string

var planCloseAllCmd = &cobra.Command{
	Use:   "close-all <container-id>",
	Short: "Close every open task in a container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := engine().BulkClose(rootCtx, args[0], bulkReason, actor())
		return printBulk(res, err)
	},
}

var planDeferAllCmd = &cobra.Command{
	Use:   "defer-all <container-id>",
	Short: "Defer every open task in a container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := engine().BulkDefer(rootCtx, args[0], actor())
		return printBulk(res, err)
	},
}

var planReassignCmd = &cobra.Command{
	Use:   "reassign <container-id> <assignee>",
	Short: "Reassign every open task in a container",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := engine().BulkReassign(rootCtx, args[0], args[1], actor())
		return printBulk(res, err)
	},
}

var planTagCmd = &cobra.Command{
	Use:   "tag <container-id> <tag>...",
	Short: "Tag every task in a container",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := engine().BulkTag(rootCtx, args[0], args[1:], actor())
		return printBulk(res, err)
	},
}

func printBulk(res *types.BulkResult, err error) error {
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(res)
	}
	fmt.Printf("%d updated, %d skipped\n", res.Updated, res.Skipped)
	for _, e := range res.Errors {
		fmt.Printf("  error: %s\n", e)
	}
	return nil
}

func setContainerStatus(id, status string) (*types.Element, error) {
	return st.Update(rootCtx, id, func(el *types.Element) error {
		switch d := el.Data.(type) {
		case *types.PlanData:
			d.Status = types.PlanStatus(status)
		case *types.WorkflowData:
			d.Status = types.WorkflowStatus(status)
		default:
			return fmt.Errorf("%s is not a plan or workflow", id)
		}
		return nil
	}, storeUpdateOptions())
}

func init() {
	planCreateCmd.Flags().StringVarP(&planDescription, "description", "d", "", "Plan description")
	planCloseAllCmd.Flags().StringVarP(&bulkReason, "reason", "r", "", "Close reason")
	planCmd.AddCommand(planCreateCmd, planStatusCmd, planAddCmd, planRemoveCmd,
		planTasksCmd, planProgressCmd, planReadyCmd,
		planCloseAllCmd, planDeferAllCmd, planReassignCmd, planTagCmd)
	rootCmd.AddCommand(planCmd)
}
