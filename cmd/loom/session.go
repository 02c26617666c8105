package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/session"
	"github.com/loomworks/loom/internal/types"
)

func manager() (*session.Manager, error) {
	command := config.GetStringSlice(config.KeySpawnCommand)
	if len(command) == 0 {
		return nil, fmt.Errorf("no spawn command configured (set spawn.command or LOOM_SPAWN_COMMAND)")
	}
	return session.NewManager(st, session.NewLocalSpawner(command)), nil
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage agent sessions",
}

var (
	sessionProvider string
	sessionModel    string
	sessionWorkdir  string
	sessionPrompt   string
)

var sessionStartCmd = &cobra.Command{
	Use:   "start <agent-id>",
	Short: "Start a session for an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := manager()
		if err != nil {
			return err
		}
		sess, err := m.Start(rootCtx, args[0], session.StartOptions{
			Provider:         sessionProvider,
			Model:            sessionModel,
			WorkingDirectory: sessionWorkdir,
			Prompt:           sessionPrompt,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(sess)
		}
		fmt.Printf("Started session %s (%s, pid %d)\n", sess.ID, sess.Mode, sess.PID)
		return nil
	},
}

var sessionResumeCmd = &cobra.Command{
	Use:   "resume <agent-id> <provider-session-id>",
	Short: "Resume an agent's previous provider session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := manager()
		if err != nil {
			return err
		}
		res, err := m.Resume(rootCtx, session.ResumeOptions{
			AgentID:           args[0],
			ProviderSessionID: args[1],
			WorkingDirectory:  sessionWorkdir,
			Provider:          sessionProvider,
			Model:             sessionModel,
			Prompt:            sessionPrompt,
			ReadyProbe: func(ctx context.Context, agentID string) (*types.Element, error) {
				tasks, err := st.Ready(ctx, types.ReadyFilter{Assignee: agentID, Limit: 1})
				if err != nil || len(tasks) == 0 {
					return nil, err
				}
				return tasks[0], nil
			},
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(res)
		}
		fmt.Printf("Resumed session %s\n", res.Session.ID)
		if res.ReadyTask != nil {
			fmt.Printf("Ready work queued first: %s\n", res.ReadyTask.ID)
		}
		return nil
	},
}

var sessionSuspendCmd = &cobra.Command{
	Use:   "suspend <session-id>",
	Short: "Suspend a session, releasing its process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := manager()
		if err != nil {
			return err
		}
		if err := m.Suspend(rootCtx, args[0]); err != nil {
			return err
		}
		if !jsonOutput {
			fmt.Printf("Suspended %s\n", args[0])
		}
		return nil
	},
}

var stopReason string

var sessionStopCmd = &cobra.Command{
	Use:   "stop <session-id>",
	Short: "Stop a session and terminate its process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := manager()
		if err != nil {
			return err
		}
		if err := m.Stop(rootCtx, args[0], stopReason); err != nil {
			return err
		}
		if !jsonOutput {
			fmt.Printf("Stopped %s\n", args[0])
		}
		return nil
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := manager()
		if err != nil {
			return err
		}
		sessions := m.List()
		if jsonOutput {
			return printJSON(sessions)
		}
		for _, s := range sessions {
			fmt.Printf("%-12s %-10s %-12s %s  started %s\n",
				s.ID, s.Status, s.Mode, s.AgentID, s.CreatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var sendSender string

var sessionSendCmd = &cobra.Command{
	Use:   "send <session-id> <text>",
	Short: "Deliver a message into a running session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := manager()
		if err != nil {
			return err
		}
		sender := sendSender
		if sender == "" {
			sender = actor()
		}
		return m.SendMessage(rootCtx, args[0], session.MessageOptions{
			Sender:  sender,
			Content: args[1],
		})
	},
}

var sessionReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reset agents stuck in a stale running state",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := manager()
		if err != nil {
			return err
		}
		res, err := m.Reconcile(rootCtx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(res)
		}
		fmt.Printf("Reconciled %d agent(s)\n", res.Reconciled)
		return nil
	},
}

var (
	handoffTo      string
	handoffSummary string
	handoffNext    string
	handoffReason  string
	handoffTasks   []string
)

var sessionHandoffCmd = &cobra.Command{
	Use:   "handoff <session-id> <from-agent-id>",
	Short: "Hand off context to a successor or another agent, then suspend",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := manager()
		if err != nil {
			return err
		}
		h := session.NewHandoff(st, m)
		opts := session.HandoffOptions{
			SessionID:      args[0],
			FromAgentID:    args[1],
			ToAgentID:      handoffTo,
			ContextSummary: handoffSummary,
			NextSteps:      handoffNext,
			Reason:         handoffReason,
			TaskIDs:        handoffTasks,
		}
		var res *session.HandoffResult
		if handoffTo == "" {
			res, err = h.SelfHandoff(rootCtx, opts)
		} else {
			res, err = h.AgentHandoff(rootCtx, opts)
		}
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(res)
		}
		fmt.Printf("Handoff written: document %s, message %s\n", res.DocumentID, res.MessageID)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{sessionStartCmd, sessionResumeCmd} {
		c.Flags().StringVar(&sessionProvider, "provider", "", "Provider override")
		c.Flags().StringVar(&sessionModel, "model", "", "Model override")
		c.Flags().StringVar(&sessionWorkdir, "workdir", "", "Working directory")
		c.Flags().StringVar(&sessionPrompt, "prompt", "", "Initial prompt")
	}
	sessionStopCmd.Flags().StringVarP(&stopReason, "reason", "r", "", "Stop reason")
	sessionSendCmd.Flags().StringVar(&sendSender, "sender", "", "Sender name (default: actor)")
	sessionHandoffCmd.Flags().StringVar(&handoffTo, "to", "", "Target agent id (omit for a self-handoff)")
	sessionHandoffCmd.Flags().StringVar(&handoffSummary, "summary", "", "Context summary for the successor")
	sessionHandoffCmd.Flags().StringVar(&handoffNext, "next", "", "Suggested next steps")
	sessionHandoffCmd.Flags().StringVar(&handoffReason, "reason", "", "Why the handoff is happening")
	sessionHandoffCmd.Flags().StringSliceVar(&handoffTasks, "task", nil, "Task ids being handed over (repeatable)")
	sessionCmd.AddCommand(sessionStartCmd, sessionResumeCmd, sessionSuspendCmd,
		sessionStopCmd, sessionListCmd, sessionSendCmd, sessionReconcileCmd, sessionHandoffCmd)
	rootCmd.AddCommand(sessionCmd)
}
