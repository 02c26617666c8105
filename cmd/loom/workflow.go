package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/plan"
	"github.com/loomworks/loom/internal/types"
)

var workflowCmd = &cobra.Command{
	Use:     "workflow",
	Aliases: []string{"wf"},
	Short:   "Manage workflows",
}

var (
	workflowEphemeral bool
	workflowPlaybook  string
)

var workflowCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		el := &types.Element{
			Type: types.TypeWorkflow,
			Data: &types.WorkflowData{
				Title:      args[0],
				Status:     types.WorkflowPending,
				Ephemeral:  workflowEphemeral,
				PlaybookID: workflowPlaybook,
			},
		}
		if err := st.Create(rootCtx, el, actor()); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(el)
		}
		fmt.Printf("Created workflow %s\n", el.ID)
		return nil
	},
}

var workflowStatusCmd = &cobra.Command{
	Use:   "status <id> <status>",
	Short: "Set a workflow's status (pending, running, completed, failed, cancelled)",
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

var workflowApplyCmd = &cobra.Command{
	Use:   "apply <playbook.yaml>",
	Short: "Instantiate a workflow from a YAML playbook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		wf, tasks, err := engine().InstantiatePlaybook(rootCtx, f, actor())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(map[string]any{"workflow": wf, "tasks": tasks})
		}
		fmt.Printf("Created workflow %s with %d task(s)\n", wf.ID, len(tasks))
		return nil
	},
}

var workflowOrderCmd = &cobra.Command{
	Use:   "order <id>",
	Short: "Show a workflow's tasks in dependency execution order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tasks, err := engine().OrderedTasks(rootCtx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(tasks)
		}
		for i, el := range tasks {
			fmt.Printf("%3d. %s\n", i+1, summaryLine(el))
		}
		return nil
	},
}

var workflowDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Hard-delete a workflow and all its child tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := engine().DeleteWorkflow(rootCtx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(res)
		}
		fmt.Printf("Deleted %d element(s), %d event(s)\n", res.Deleted, res.Events)
		return nil
	},
}

var (
	gcMaxAge time.Duration
	gcLimit  int
	gcDryRun bool
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Collect finished ephemeral workflows",
	RunE: func(cmd *cobra.Command, args []string) error {
		maxAge := gcMaxAge
		if maxAge == 0 {
			maxAge = config.GetDuration(config.KeyGCMaxAge)
		}
		limit := gcLimit
		if limit == 0 {
			limit = config.GetInt(config.KeyGCLimit)
		}
		res, err := engine().GarbageCollect(rootCtx, plan.GCOptions{
			MaxAge: maxAge,
			Limit:  limit,
			DryRun: gcDryRun,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(res)
		}
		verb := "Collected"
		if res.DryRun {
			verb = "Would collect"
		}
		fmt.Printf("%s %d workflow(s), %d task(s)\n", verb, res.WorkflowsDeleted, res.TasksDeleted)
		return nil
	},
}

func init() {
	workflowCreateCmd.Flags().BoolVar(&workflowEphemeral, "ephemeral", false, "Mark the workflow ephemeral (GC-eligible once finished)")
	workflowCreateCmd.Flags().StringVar(&workflowPlaybook, "playbook", "", "Source playbook id")
	gcCmd.Flags().DurationVar(&gcMaxAge, "max-age", 0, "Min age since finish before collection (default: config gc.max-age)")
	gcCmd.Flags().IntVar(&gcLimit, "limit", 0, "Max workflows per pass (default: config gc.limit)")
	gcCmd.Flags().BoolVar(&gcDryRun, "dry-run", false, "Report without deleting")
	workflowCmd.AddCommand(workflowCreateCmd, workflowStatusCmd, workflowApplyCmd, workflowOrderCmd, workflowDeleteCmd)
	rootCmd.AddCommand(workflowCmd, gcCmd)
}
