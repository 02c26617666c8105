package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/types"
)

var (
	readyAssignee  string
	readyLimit     int
	readyTaskType  string
	readyEphemeral bool
)

var readyCmd = &cobra.Command{
	Use:   "ready",
	Short: "List tasks that are ready to work on",
	Long: `A task is ready when it is open or in progress, not blocked by any
incomplete dependency, and its parent plan or workflow admits work.
Results come back priority-first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit := readyLimit
		if limit == 0 {
			limit = config.GetInt(config.KeyReadyLimit)
		}
		tasks, err := st.Ready(rootCtx, types.ReadyFilter{
			Assignee:         readyAssignee,
			TaskType:         readyTaskType,
			Limit:            limit,
			IncludeEphemeral: readyEphemeral,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(tasks)
		}
		if len(tasks) == 0 {
			fmt.Println("No ready tasks.")
			return nil
		}
		for _, el := range tasks {
			fmt.Println(summaryLine(el))
		}
		return nil
	},
}

func init() {
	readyCmd.Flags().StringVarP(&readyAssignee, "assignee", "a", "", "Only tasks assigned to this agent (or its teams)")
	readyCmd.Flags().StringVarP(&readyTaskType, "type", "t", "", "Task type filter")
	readyCmd.Flags().IntVarP(&readyLimit, "limit", "n", 0, "Max results (default: config ready.limit)")
	readyCmd.Flags().BoolVar(&readyEphemeral, "ephemeral", false, "Include tasks inside ephemeral workflows")
	rootCmd.AddCommand(readyCmd)
}
