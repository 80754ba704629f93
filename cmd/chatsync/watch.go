package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	chatsync "github.com/LuminPulse-AI/chatsync"
)

var (
	watchEmail string
	watchChat  int
	watchGroup bool
)

// watchedEvents are printed by watch. Call signaling is included so a second
// client can be observed ringing.
var watchedEvents = []chatsync.EventName{
	chatsync.EventNewMessage,
	chatsync.EventChatCreated,
	chatsync.EventGroupCreated,
	chatsync.EventInviteReceived,
	chatsync.EventChatRemoved,
	chatsync.EventPresence,
	chatsync.EventLike,
	chatsync.EventDelete,
	chatsync.EventIncomingCall,
	chatsync.EventCallAccepted,
	chatsync.EventCallEnded,
}

func init() {
	watchCmd.Flags().StringVar(&watchEmail, "email", "", "Sign in as email before watching (password from --password or $"+passwordEnv+")")
	watchCmd.Flags().StringVarP(&authPassword, "password", "p", "", "Account password for --email")
	watchCmd.Flags().IntVar(&watchChat, "chat", chatsync.NoSelection, "Open the conversation at this index and follow it")
	watchCmd.Flags().BoolVarP(&watchGroup, "group", "g", false, "--chat points into the group list")
	rootCmd.AddCommand(watchCmd)
}

// eventLine is the json/yaml shape of one watched event.
type eventLine struct {
	Event chatsync.EventName `json:"event"`
	Data  chatsync.Event     `json:"data"`
}

// eventPrinter serializes output from the bus and the notifier.
type eventPrinter struct {
	mu     sync.Mutex
	w      io.Writer
	format outputFormat
	me     string
}

func (p *eventPrinter) event(ev chatsync.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.format {
	case formatJSON:
		data, err := json.Marshal(eventLine{Event: ev.EventName(), Data: ev})
		if err != nil {
			return
		}
		fmt.Fprintln(p.w, string(data))
	case formatYAML:
		out, err := toYAML(eventLine{Event: ev.EventName(), Data: ev})
		if err != nil {
			return
		}
		fmt.Fprintf(p.w, "---\n%s", out)
	default:
		fmt.Fprintln(p.w, describeEvent(ev, p.me))
	}
}

func (p *eventPrinter) notice(n chatsync.Notice) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(os.Stderr, "[%s] %s: %s\n", n.Level, n.Source, n.Message)
}

func describeEvent(ev chatsync.Event, me string) string {
	switch e := ev.(type) {
	case chatsync.NewMessageEvent:
		return fmt.Sprintf("message  %s  %s: %s", e.ChatID, e.Message.SenderEmail, e.Message.Body)
	case chatsync.ChatCreatedEvent:
		var emails []string
		for _, u := range e.Chat.Participants {
			if !strings.EqualFold(u.Email, me) {
				emails = append(emails, u.Email)
			}
		}
		return fmt.Sprintf("chat     %s  with %s", e.Chat.ID, strings.Join(emails, ", "))
	case chatsync.GroupCreatedEvent:
		return fmt.Sprintf("group    %s  %q (%d members)", e.Group.ID, e.Group.Name, len(e.Group.Members))
	case chatsync.InviteReceivedEvent:
		return fmt.Sprintf("invite   from %s (%s)", e.Invite.Username, e.Invite.Email)
	case chatsync.ChatRemovedEvent:
		return fmt.Sprintf("removed  %s", e.ChatID)
	case chatsync.PresenceEvent:
		return fmt.Sprintf("online   %s", strings.Join(e.Online, ", "))
	case chatsync.LikeEvent:
		return fmt.Sprintf("like     %s by %s", e.MessageID, e.Email)
	case chatsync.DeleteEvent:
		return fmt.Sprintf("deleted  %s", e.MessageID)
	case chatsync.IncomingCallEvent:
		return fmt.Sprintf("call     from %s (%s)", e.Name, e.From)
	case chatsync.CallAcceptedEvent:
		return "call     accepted"
	case chatsync.CallEndedEvent:
		return "call     ended"
	}
	return fmt.Sprintf("%-8s (unhandled)", ev.EventName())
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Connect and print live events until interrupted",
	Long: "Open the push channel as the signed-in user and print every chat, invite, message and presence event.\n" +
		"Notices and connection state go to stderr.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if watchEmail != "" {
			pw, err := password()
			if err != nil {
				return err
			}
			lctx, cancel := withTimeout()
			err = outcomeError(a.engine.Session.Login(lctx, watchEmail, pw))
			cancel()
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}
		}
		if err := a.signedIn(); err != nil {
			return err
		}

		e := a.engine
		printer := &eventPrinter{w: os.Stdout, format: a.format, me: e.Session.Email()}
		for _, name := range watchedEvents {
			e.Bus.Subscribe("cli", name, printer.event)
		}
		defer e.Bus.Unsubscribe("cli")
		e.Notifier.OnNotice(printer.notice)
		e.Conn.OnStateChange(func(s chatsync.RealtimeState) {
			fmt.Fprintf(os.Stderr, "connection: %s\n", s)
		})

		if err := e.Start(ctx); err != nil {
			if !e.Running() {
				return err
			}
			a.logger.Warn("started with errors", zap.Error(err))
		}

		if watchChat != chatsync.NoSelection {
			kind := chatsync.SelectChat
			if watchGroup {
				kind = chatsync.SelectGroup
			}
			if err := e.Select(ctx, watchChat, kind); err != nil {
				return err
			}
			printer.mu.Lock()
			if a.format == formatText {
				printMessages(os.Stdout, e.Session.Email(), e.Stream.Visible())
			}
			printer.mu.Unlock()
		}

		fmt.Fprintf(os.Stderr, "Watching as %s. Press Ctrl+C to stop.\n", e.Session.Email())
		<-ctx.Done()
		return nil
	},
}
