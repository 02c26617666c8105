package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/timeparsing"
	"github.com/loomworks/loom/internal/types"
)

var (
	createDescription string
	createPriority    int
	createComplexity  int
	createTaskType    string
	createAssignee    string
	createOwner       string
	createTags        []string
	createParent      string
	createChildID     bool
	createDeadline    string
	createScheduled   string
)

var createCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data := &types.TaskData{
			Title:       args[0],
			Description: createDescription,
			Priority:    createPriority,
			Complexity:  createComplexity,
			TaskType:    createTaskType,
			Assignee:    createAssignee,
			Owner:       createOwner,
		}
		if createDeadline != "" {
			t, err := timeparsing.ParseRelativeTime(createDeadline, time.Now())
			if err != nil {
				return err
			}
			data.Deadline = &t
		}
		if createScheduled != "" {
			t, err := timeparsing.ParseRelativeTime(createScheduled, time.Now())
			if err != nil {
				return err
			}
			data.ScheduledFor = &t
		}
		el := &types.Element{
			Type: types.TypeTask,
			Tags: createTags,
			Data: data,
		}
		var err error
		if createParent != "" {
			err = st.CreateWithParent(rootCtx, el, createParent, actor(), createChildID)
		} else {
			err = st.Create(rootCtx, el, actor())
		}
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(el)
		}
		fmt.Printf("Created task %s\n", el.ID)
		return nil
	},
}

var closeReason string

var closeCmd = &cobra.Command{
	Use:   "close <id>...",
	Short: "Close one or more tasks",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, id := range args {
			_, err := st.Update(rootCtx, id, func(el *types.Element) error {
				task, ok := el.Task()
				if !ok {
					return fmt.Errorf("%s is not a task", id)
				}
				task.Status = types.TaskClosed
				task.CloseReason = closeReason
				return nil
			}, store.UpdateOptions{Actor: actor()})
			if err != nil {
				return err
			}
			if !jsonOutput {
				fmt.Printf("Closed %s\n", id)
			}
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <id> <status>",
	Short: "Set a task's status",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, status := args[0], types.TaskStatus(args[1])
		el, err := st.Update(rootCtx, id, func(el *types.Element) error {
			task, ok := el.Task()
			if !ok {
				return fmt.Errorf("%s is not a task", id)
			}
			task.Status = status
			return nil
		}, store.UpdateOptions{Actor: actor()})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(el)
		}
		fmt.Printf("%s -> %s\n", id, status)
		return nil
	},
}

var assignCmd = &cobra.Command{
	Use:   "assign <id> <assignee>",
	Short: "Assign a task to an agent or team",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, assignee := args[0], args[1]
		_, err := st.Update(rootCtx, id, func(el *types.Element) error {
			task, ok := el.Task()
			if !ok {
				return fmt.Errorf("%s is not a task", id)
			}
			task.Assignee = assignee
			return nil
		}, store.UpdateOptions{Actor: actor()})
		if err != nil {
			return err
		}
		if !jsonOutput {
			fmt.Printf("Assigned %s to %s\n", id, assignee)
		}
		return nil
	},
}

var deleteReason string

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an element (soft tombstone)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := st.Delete(rootCtx, args[0], store.DeleteOptions{
			Actor:  actor(),
			Reason: deleteReason,
		}); err != nil {
			return err
		}
		if !jsonOutput {
			fmt.Printf("Deleted %s\n", args[0])
		}
		return nil
	},
}

func init() {
	createCmd.Flags().StringVarP(&createDescription, "description", "d", "", "Task description")
	createCmd.Flags().IntVarP(&createPriority, "priority", "p", 3, "Priority 1-5 (1 = most urgent)")
	createCmd.Flags().IntVar(&createComplexity, "complexity", 0, "Complexity estimate")
	createCmd.Flags().StringVarP(&createTaskType, "type", "t", "", "Task type (bug, feature, chore, ...)")
	createCmd.Flags().StringVarP(&createAssignee, "assignee", "a", "", "Assignee")
	createCmd.Flags().StringVar(&createOwner, "owner", "", "Owner")
	createCmd.Flags().StringSliceVar(&createTags, "tag", nil, "Tags (repeatable)")
	createCmd.Flags().StringVar(&createParent, "parent", "", "Parent plan or workflow id")
	createCmd.Flags().BoolVar(&createChildID, "child-id", false, "Allocate a hierarchical child id under --parent")
	createCmd.Flags().StringVar(&createDeadline, "deadline", "", "Deadline (+2w, tomorrow, 2025-07-01, ...)")
	createCmd.Flags().StringVar(&createScheduled, "scheduled", "", "Do not surface as ready before this time")

	closeCmd.Flags().StringVarP(&closeReason, "reason", "r", "", "Close reason")
	deleteCmd.Flags().StringVarP(&deleteReason, "reason", "r", "", "Delete reason")

	rootCmd.AddCommand(createCmd, closeCmd, statusCmd, assignCmd, deleteCmd)
}
