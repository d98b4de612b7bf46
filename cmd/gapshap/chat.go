package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"
	gapshap "github.com/gapshap/gapshap-go"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	outputFormat string

	// conversations
	conversationsUnread bool

	// messages
	messagesPage int
	messagesSize int

	// create group
	groupMembers []int64
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "format", "o", "text", "Output format: text, json or yaml")

	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Only list conversations with unread messages")

	messagesCmd.Flags().IntVar(&messagesPage, "page", 0, "Page number, 0 is the newest")
	messagesCmd.Flags().IntVar(&messagesSize, "size", gapshap.DefaultPageSize, "Messages per page")

	createGroupCmd.Flags().Int64SliceVar(&groupMembers, "members", nil, "Comma-separated user IDs to add")

	createCmd.AddCommand(createDirectCmd)
	createCmd.AddCommand(createGroupCmd)

	rootCmd.AddCommand(meCmd, usersCmd, conversationsCmd, messagesCmd, createCmd, readCmd, sendCmd)
}

// ============================================================================
// me
// ============================================================================

var meCmd = &cobra.Command{
	Use:   "me",
	Short: "Show the signed-in user",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, client := mustClient()

		ctx, cancel := requestContext()
		defer cancel()

		me, err := client.Account.Me(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if done, err := writeStructured(os.Stdout, outputFormat, me); done || err != nil {
			return err
		}

		fmt.Printf("User ID: %d\n", me.UserID)
		fmt.Printf("Name:    %s\n", me.Name)
		fmt.Printf("Email:   %s\n", valueOrDefault(me.Email, "-"))
		return nil
	},
}

// ============================================================================
// users
// ============================================================================

var usersCmd = &cobra.Command{
	Use:   "users [query]",
	Short: "Search the user directory",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, client := mustClient()

		ctx, cancel := requestContext()
		defer cancel()

		query := ""
		if len(args) == 1 {
			query = args[0]
		}
		users, err := client.Users.Search(ctx, query)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if done, err := writeStructured(os.Stdout, outputFormat, users); done || err != nil {
			return err
		}

		if len(users) == 0 {
			fmt.Println("No users found.")
			return nil
		}
		for _, u := range users {
			fmt.Printf("%6d  %-24s %s\n", u.ID, u.Name, u.Email)
		}
		return nil
	},
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, client := mustClient()

		ctx, cancel := requestContext()
		defer cancel()

		convs, err := client.Conversations.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if conversationsUnread {
			filtered := convs[:0]
			for _, c := range convs {
				if c.UnreadCount > 0 {
					filtered = append(filtered, c)
				}
			}
			convs = filtered
		}
		if done, err := writeStructured(os.Stdout, outputFormat, convs); done || err != nil {
			return err
		}

		printConversations(convs)
		return nil
	},
}

func printConversations(convs []gapshap.Conversation) {
	if len(convs) == 0 {
		fmt.Println("No conversations.")
		return
	}
	yellow := color.New(color.FgYellow, color.Bold)
	for _, c := range convs {
		fmt.Printf("%6d  %-30s", c.ID, conversationLabel(c))
		if c.UnreadCount > 0 {
			yellow.Printf(" %d unread", c.UnreadCount)
		}
		if c.LastMessage != nil {
			fmt.Printf("  %s", truncate(c.LastMessage.Content, 40))
		}
		fmt.Println()
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show one page of a conversation's history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "conversation id")
		if err != nil {
			return err
		}
		_, client := mustClient()

		ctx, cancel := requestContext()
		defer cancel()

		msgs, err := client.Messages.Page(ctx, id, messagesPage, messagesSize)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if done, err := writeStructured(os.Stdout, outputFormat, msgs); done || err != nil {
			return err
		}

		if len(msgs) == 0 {
			fmt.Println("No messages on this page.")
			return nil
		}
		me, err := client.Account.Me(ctx)
		selfID := int64(0)
		if err == nil {
			selfID = me.UserID
		}
		for _, m := range msgs {
			fmt.Println(formatMessage(m, selfID))
		}
		if len(msgs) == messagesSize {
			fmt.Printf("\nOlder messages: gapshap messages %d --page %d\n", id, messagesPage+1)
		}
		return nil
	},
}

// ============================================================================
// create
// ============================================================================

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Start a conversation",
}

var createDirectCmd = &cobra.Command{
	Use:   "direct <user-id>",
	Short: "Open (or reopen) a direct conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := parseID(args[0], "user id")
		if err != nil {
			return err
		}
		_, client := mustClient()

		ctx, cancel := requestContext()
		defer cancel()

		conv, err := client.Conversations.CreateDirect(ctx, userID)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		return printCreated(conv)
	},
}

var createGroupCmd = &cobra.Command{
	Use:   "group <name>",
	Short: "Create a group conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, client := mustClient()

		ctx, cancel := requestContext()
		defer cancel()

		conv, err := client.Conversations.CreateGroup(ctx, args[0], groupMembers)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		return printCreated(conv)
	},
}

func printCreated(conv *gapshap.Conversation) error {
	if done, err := writeStructured(os.Stdout, outputFormat, conv); done || err != nil {
		return err
	}
	color.Green("Conversation %d: %s", conv.ID, conversationLabel(*conv))
	return nil
}

// ============================================================================
// read
// ============================================================================

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "conversation id")
		if err != nil {
			return err
		}
		_, client := mustClient()

		ctx, cancel := requestContext()
		defer cancel()

		if err := client.Conversations.MarkRead(ctx, id); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Conversation %d marked as read\n", id)
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message over the push channel",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "conversation id")
		if err != nil {
			return err
		}
		content := strings.Join(args[1:], " ")
		cfg, client := mustClient()

		rt := client.Realtime(realtimeConfig(cfg))
		defer rt.Close()

		ctx, cancel := requestContext()
		defer cancel()

		rt.Start(context.Background())
		if err := rt.WaitConnected(ctx); err != nil {
			return fmt.Errorf("%w: %w", gapshap.ErrNotConnected, err)
		}
		clientID := uuid.NewString()
		if err := rt.SendMessage(ctx, id, content, clientID); err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		fmt.Printf("Message sent to conversation %d\n", id)
		return nil
	},
}
