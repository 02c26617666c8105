package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/types"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage agent entities",
}

var agentRole string

var agentCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Register an agent entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		el := &types.Element{
			Type: types.TypeEntity,
			Data: &types.EntityData{Name: args[0], Role: agentRole},
		}
		if err := st.Create(rootCtx, el, actor()); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(el)
		}
		fmt.Printf("Created agent %s (%s)\n", el.ID, args[0])
		return nil
	},
}

var channelCmd = &cobra.Command{
	Use:   "channel",
	Short: "Manage channels",
}

var channelMembers []string

var channelCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a group channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		el := &types.Element{
			Type: types.TypeChannel,
			Data: &types.ChannelData{
				Name:        args[0],
				ChannelType: types.ChannelGroup,
				Members:     channelMembers,
			},
		}
		if err := st.Create(rootCtx, el, actor()); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(el)
		}
		fmt.Printf("Created channel %s (%s)\n", el.ID, args[0])
		return nil
	},
}

var postSender string

// postCmd writes the message body as a document, then the message
// pointing at it. Message content always lives in a document.
var postCmd = &cobra.Command{
	Use:   "post <channel-id> <text>",
	Short: "Post a message to a channel",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sender := postSender
		if sender == "" {
			sender = actor()
		}
		doc := &types.Element{
			Type: types.TypeDocument,
			Data: &types.DocumentData{
				Content:     args[1],
				ContentType: "text/plain",
				Category:    "message",
			},
		}
		if err := st.Create(rootCtx, doc, sender); err != nil {
			return err
		}
		msg := &types.Element{
			Type: types.TypeMessage,
			Data: &types.MessageData{
				ChannelID:  args[0],
				Sender:     sender,
				ContentRef: doc.ID,
			},
		}
		if err := st.Create(rootCtx, msg, sender); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(msg)
		}
		fmt.Printf("Posted %s\n", msg.ID)
		return nil
	},
}

var inboxAll bool

var inboxCmd = &cobra.Command{
	Use:   "inbox <agent-id>",
	Short: "Show an agent's inbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		items, err := st.Inbox(rootCtx, args[0], !inboxAll, 100)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(items)
		}
		if len(items) == 0 {
			fmt.Println("Inbox empty.")
			return nil
		}
		for _, it := range items {
			state := "unread"
			if it.ReadAt != nil {
				state = "read"
			}
			fmt.Printf("%6d  %-12s %s  %s  (%s)\n",
				it.ID, it.SourceType, it.MessageID,
				it.CreatedAt.Format(time.RFC3339), state)
		}
		return nil
	},
}

var inboxReadAllFor string

var inboxReadCmd = &cobra.Command{
	Use:   "read <item-id>...",
	Short: "Mark inbox items read",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if inboxReadAllFor != "" {
			n, err := st.MarkAllRead(rootCtx, inboxReadAllFor)
			if err != nil {
				return err
			}
			if !jsonOutput {
				fmt.Printf("Marked %d item(s) read\n", n)
			}
			return nil
		}
		if len(args) == 0 {
			return fmt.Errorf("provide item ids or --all <agent-id>")
		}
		ids := make([]int64, 0, len(args))
		for _, a := range args {
			id, err := strconv.ParseInt(a, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid item id %q", a)
			}
			ids = append(ids, id)
		}
		if err := st.MarkRead(rootCtx, ids...); err != nil {
			return err
		}
		if !jsonOutput {
			fmt.Printf("Marked %d item(s) read\n", len(ids))
		}
		return nil
	},
}

func init() {
	agentCreateCmd.Flags().StringVarP(&agentRole, "role", "r", "", "Agent role (director, worker, ...)")
	agentCmd.AddCommand(agentCreateCmd)
	channelCreateCmd.Flags().StringSliceVarP(&channelMembers, "member", "m", nil, "Channel members (repeatable)")
	channelCmd.AddCommand(channelCreateCmd)
	postCmd.Flags().StringVar(&postSender, "sender", "", "Sender entity id (default: actor)")
	inboxCmd.Flags().BoolVar(&inboxAll, "all", false, "Include read items")
	inboxReadCmd.Flags().StringVar(&inboxReadAllFor, "all", "", "Mark everything read for this agent id")
	inboxCmd.AddCommand(inboxReadCmd)
	rootCmd.AddCommand(agentCmd, channelCmd, postCmd, inboxCmd)
}
