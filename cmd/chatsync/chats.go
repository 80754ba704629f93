package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	chatsync "github.com/LuminPulse-AI/chatsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	chatsFilter       string
	groupsFilter      string
	groupsCreateIcon  string
	groupsCreateUsers string
)

func init() {
	chatsCmd.Flags().StringVar(&chatsFilter, "filter", "", "Only show chats whose participant name matches")
	groupsCmd.Flags().StringVar(&groupsFilter, "filter", "", "Only show groups whose name matches")
	groupsCreateCmd.Flags().StringVar(&groupsCreateIcon, "icon", "", "Group icon URL")
	groupsCreateCmd.Flags().StringVar(&groupsCreateUsers, "members", "", "Comma-separated member emails (required)")

	chatsCmd.AddCommand(chatsDeleteCmd)
	groupsCmd.AddCommand(groupsCreateCmd, groupsDeleteCmd)
	rootCmd.AddCommand(chatsCmd, groupsCmd, invitesCmd, inviteCmd, acceptCmd, rejectCmd)
}

func parseIndex(s string) (int, error) {
	i, err := strconv.Atoi(s)
	if err != nil || i < 0 {
		return 0, fmt.Errorf("index must be a non-negative number, got %q", s)
	}
	return i, nil
}

// ============================================================================
// chats
// ============================================================================

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List direct chats",
	Long:  "List direct chats. The index in the first column is what messages, send, like and delete take.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := withTimeout()
		defer cancel()
		if err := a.loadDirectory(ctx); err != nil {
			return err
		}

		chats := a.engine.Directory.Chats()
		shown := a.engine.Directory.FilterChats(chatsFilter)
		return a.print(shown, func(w io.Writer) {
			if len(shown) == 0 {
				fmt.Fprintln(w, "No chats.")
				return
			}
			for _, c := range shown {
				fmt.Fprintf(w, "%3d  %-24s %-32s %s\n", chatIndex(chats, c.ID), c.Participant.Username, c.Participant.Email, c.ID)
			}
		})
	},
}

func chatIndex(chats []chatsync.DirectChat, id string) int {
	for i, c := range chats {
		if c.ID == id {
			return i
		}
	}
	return chatsync.NoSelection
}

var chatsDeleteCmd = &cobra.Command{
	Use:   "delete <index>",
	Short: "Delete the direct chat at index for both participants",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		index, err := parseIndex(args[0])
		if err != nil {
			return err
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := withTimeout()
		defer cancel()
		if err := a.loadDirectory(ctx); err != nil {
			return err
		}
		chat, ok := a.engine.Directory.ChatAt(index)
		if !ok {
			return fmt.Errorf("no chat at %d", index)
		}
		if err := outcomeError(a.engine.Directory.DeleteDirectChat(ctx, chat.ID)); err != nil {
			return fmt.Errorf("delete failed: %w", err)
		}
		fmt.Printf("Deleted chat with %s\n", chat.Participant.Email)
		return nil
	},
}

// ============================================================================
// groups
// ============================================================================

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "List groups",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := withTimeout()
		defer cancel()
		if err := a.loadDirectory(ctx); err != nil {
			return err
		}

		groups := a.engine.Directory.Groups()
		shown := a.engine.Directory.FilterGroups(groupsFilter)
		return a.print(shown, func(w io.Writer) {
			if len(shown) == 0 {
				fmt.Fprintln(w, "No groups.")
				return
			}
			for _, g := range shown {
				idx := chatsync.NoSelection
				for i := range groups {
					if groups[i].ID == g.ID {
						idx = i
					}
				}
				fmt.Fprintf(w, "%3d  %-24s %2d members  %s\n", idx, g.Name, len(g.Members), g.ID)
			}
		})
	},
}

var groupsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a group with the given members",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var members []string
		for _, m := range strings.Split(groupsCreateUsers, ",") {
			if m = strings.TrimSpace(m); m != "" {
				members = append(members, m)
			}
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()
		if err := a.signedIn(); err != nil {
			return err
		}

		ctx, cancel := withTimeout()
		defer cancel()
		if err := outcomeError(a.engine.Directory.CreateGroup(ctx, args[0], groupsCreateIcon, members)); err != nil {
			return fmt.Errorf("create group failed: %w", err)
		}
		fmt.Printf("Created group %q with %d members\n", args[0], len(members))
		return nil
	},
}

var groupsDeleteCmd = &cobra.Command{
	Use:   "delete <index>",
	Short: "Delete the group at index for every member",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		index, err := parseIndex(args[0])
		if err != nil {
			return err
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := withTimeout()
		defer cancel()
		if err := a.loadDirectory(ctx); err != nil {
			return err
		}
		g, ok := a.engine.Directory.GroupAt(index)
		if !ok {
			return fmt.Errorf("no group at %d", index)
		}
		if err := outcomeError(a.engine.Directory.DeleteGroup(ctx, g.ID)); err != nil {
			return fmt.Errorf("delete failed: %w", err)
		}
		fmt.Printf("Deleted group %q\n", g.Name)
		return nil
	},
}

// ============================================================================
// invites
// ============================================================================

var invitesCmd = &cobra.Command{
	Use:   "invites",
	Short: "List pending invitations",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := withTimeout()
		defer cancel()
		if err := a.loadDirectory(ctx); err != nil {
			return err
		}

		invites := a.engine.Directory.Invites()
		return a.print(invites, func(w io.Writer) {
			if len(invites) == 0 {
				fmt.Fprintln(w, "No pending invitations.")
				return
			}
			for _, inv := range invites {
				fmt.Fprintf(w, "%-24s %s\n", inv.Username, inv.Email)
			}
		})
	},
}

var inviteCmd = &cobra.Command{
	Use:   "invite <email>",
	Short: "Invite a user to a direct chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return inviteAction(args[0], "Invitation sent to %s\n", func(a *app) actionFunc { return a.engine.Directory.InviteUser })
	},
}

var acceptCmd = &cobra.Command{
	Use:   "accept <email>",
	Short: "Accept the invitation from email",
	Long:  "Accept the invitation from email. The chat appears once the server confirms it.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return inviteAction(args[0], "Accepted invitation from %s\n", func(a *app) actionFunc { return a.engine.Directory.AcceptInvite })
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <email>",
	Short: "Reject the invitation from email",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return inviteAction(args[0], "Rejected invitation from %s\n", func(a *app) actionFunc { return a.engine.Directory.RejectInvite })
	},
}

// ============================================================================
// Helpers
// ============================================================================

type actionFunc func(ctx context.Context, email string) (chatsync.Outcome, error)

// inviteAction runs one invitation action against email and prints done on success.
func inviteAction(email, done string, pick func(*app) actionFunc) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.signedIn(); err != nil {
		return err
	}

	ctx, cancel := withTimeout()
	defer cancel()
	if err := outcomeError(pick(a)(ctx, email)); err != nil {
		return err
	}
	fmt.Printf(done, email)
	return nil
}
