package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	chatsync "github.com/LuminPulse-AI/chatsync"
)

var (
	msgGroup bool
	msgAll   bool
)

func init() {
	for _, c := range []*cobra.Command{messagesCmd, sendCmd, likeCmd, deleteCmd} {
		c.Flags().BoolVarP(&msgGroup, "group", "g", false, "Index points into the group list instead of the chat list")
	}
	messagesCmd.Flags().BoolVar(&msgAll, "all", false, "Print the whole history instead of the latest page")
	rootCmd.AddCommand(messagesCmd, sendCmd, likeCmd, deleteCmd)
}

// openConversation opens the app and selects the conversation named by args[0].
func openConversation(args []string) (*app, error) {
	index, err := parseIndex(args[0])
	if err != nil {
		return nil, err
	}
	a, err := openApp()
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout()
	defer cancel()
	if err := a.selectConversation(ctx, index, msgGroup); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func printMessages(w io.Writer, me string, msgs []chatsync.Message) {
	if len(msgs) == 0 {
		fmt.Fprintln(w, "No messages.")
		return
	}
	for _, m := range msgs {
		body := m.Body
		if m.IsDeleted {
			body = "(deleted)"
		}
		var marks []string
		if n := len(m.LikedBy); n > 0 {
			marks = append(marks, fmt.Sprintf("♥%d", n))
		}
		if m.IsEdited {
			marks = append(marks, "edited")
		}
		sender := m.SenderEmail
		if strings.EqualFold(sender, me) {
			sender = "me"
		}
		line := fmt.Sprintf("[%s] %-20s %s", formatTime(m.CreatedAt), sender, body)
		if len(marks) > 0 {
			line += "  (" + strings.Join(marks, ", ") + ")"
		}
		fmt.Fprintf(w, "%s  #%s\n", line, m.ID)
	}
}

var messagesCmd = &cobra.Command{
	Use:   "messages <index>",
	Short: "Print the history of a chat or group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openConversation(args)
		if err != nil {
			return err
		}
		defer a.close()

		stream := a.engine.Stream
		msgs := stream.Visible()
		if msgAll {
			msgs = stream.Messages()
		}
		return a.print(msgs, func(w io.Writer) {
			if !msgAll && stream.HasOlder() {
				fmt.Fprintf(w, "... %d older messages (use --all)\n", len(stream.Messages())-len(msgs))
			}
			printMessages(w, a.engine.Session.Email(), msgs)
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <index> <text>...",
	Short: "Send a message to a chat or group",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openConversation(args)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := withTimeout()
		defer cancel()
		a.engine.Stream.SetDraft(strings.Join(args[1:], " "))
		if err := outcomeError(a.engine.Stream.Send(ctx)); err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		fmt.Println("Message sent")
		return nil
	},
}

var likeCmd = &cobra.Command{
	Use:   "like <index> <message-id>",
	Short: "Like a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openConversation(args)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := withTimeout()
		defer cancel()
		if err := outcomeError(a.engine.Stream.Like(ctx, args[1])); err != nil {
			return fmt.Errorf("like failed: %w", err)
		}
		fmt.Printf("Liked %s\n", args[1])
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <index> <message-id>",
	Short: "Delete one of your messages",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openConversation(args)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := withTimeout()
		defer cancel()
		if err := outcomeError(a.engine.Stream.Delete(ctx, args[1])); err != nil {
			return fmt.Errorf("delete failed: %w", err)
		}
		fmt.Printf("Deleted %s\n", args[1])
		return nil
	},
}
