package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/types"
)

var depCmd = &cobra.Command{
	Use:   "dep",
	Short: "Manage dependencies between elements",
}

var depType string

var depAddCmd = &cobra.Command{
	Use:   "add <blocked-id> <blocker-id>",
	Short: "Add a dependency edge",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dep := &types.Dependency{
			BlockedID: args[0],
			BlockerID: args[1],
			Type:      types.DependencyType(depType),
		}
		if err := st.AddDependency(rootCtx, dep, actor()); err != nil {
			return err
		}
		if !jsonOutput {
			fmt.Printf("%s now %s on %s\n", args[0], dep.Type, args[1])
		}
		return nil
	},
}

var depRemoveCmd = &cobra.Command{
	Use:   "remove <blocked-id> <blocker-id>",
	Short: "Remove a dependency edge",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := st.RemoveDependency(rootCtx, args[0], args[1],
			types.DependencyType(depType), actor()); err != nil {
			return err
		}
		if !jsonOutput {
			fmt.Printf("Removed %s edge %s -> %s\n", depType, args[0], args[1])
		}
		return nil
	},
}

var depTreeDepth int

var depTreeCmd = &cobra.Command{
	Use:   "tree <id>",
	Short: "Show the dependency tree rooted at an element",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		nodes, err := st.GetDependencyTree(rootCtx, args[0], depTreeDepth)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(nodes)
		}
		for _, n := range nodes {
			indent := strings.Repeat("  ", n.Depth)
			suffix := ""
			if n.Truncated {
				suffix = " ..."
			}
			fmt.Printf("%s%s%s\n", indent, summaryLine(n.Element), suffix)
		}
		return nil
	},
}

var blockedCmd = &cobra.Command{
	Use:   "blocked [id]",
	Short: "Show blocked tasks, or why one element is blocked",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			entry, err := st.BlockedInfo(rootCtx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(entry)
			}
			if entry == nil {
				fmt.Printf("%s is not blocked\n", args[0])
				return nil
			}
			fmt.Printf("%s blocked by: %s\n", args[0], strings.Join(entry.BlockedBy, ", "))
			if entry.Reason != "" {
				fmt.Printf("  %s\n", entry.Reason)
			}
			return nil
		}

		tasks, err := st.List(rootCtx, types.ListFilter{
			Type:       types.TypeTask,
			TaskStatus: types.TaskBlocked,
		})
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

var approveCmd = &cobra.Command{
	Use:   "approve <blocked-id> <blocker-id>",
	Short: "Record an approval on a gate edge",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := st.RecordApproval(rootCtx, args[0], args[1], actor()); err != nil {
			return err
		}
		if !jsonOutput {
			fmt.Printf("Approval recorded by %s\n", actor())
		}
		return nil
	},
}

var satisfyCmd = &cobra.Command{
	Use:   "satisfy <blocked-id> <blocker-id>",
	Short: "Satisfy an awaits gate",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := st.SatisfyGate(rootCtx, args[0], args[1], actor()); err != nil {
			return err
		}
		if !jsonOutput {
			fmt.Printf("Gate %s -> %s satisfied\n", args[0], args[1])
		}
		return nil
	},
}

func init() {
	depAddCmd.Flags().StringVarP(&depType, "type", "t", string(types.DepBlocks), "Edge type (blocks, parent-child, awaits, gate, ...)")
	depRemoveCmd.Flags().StringVarP(&depType, "type", "t", string(types.DepBlocks), "Edge type")
	depTreeCmd.Flags().IntVar(&depTreeDepth, "depth", 5, "Max tree depth")
	depCmd.AddCommand(depAddCmd, depRemoveCmd, depTreeCmd)
	rootCmd.AddCommand(depCmd, blockedCmd, approveCmd, satisfyCmd)
}
