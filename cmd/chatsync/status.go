package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	chatsync "github.com/LuminPulse-AI/chatsync"
)

var statusOffline bool

func init() {
	statusCmd.Flags().BoolVar(&statusOffline, "offline", false, "Skip the live check against the server")
	rootCmd.AddCommand(statusCmd)
}

type statusReport struct {
	BaseURL  string `json:"baseUrl"`
	Scope    string `json:"scope"`
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
	Token    string `json:"token"`
	Live     string `json:"live,omitempty"`
	Chats    int    `json:"chats"`
	Groups   int    `json:"groups"`
	Invites  int    `json:"invites"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration and stored identity, then check the credential against the server.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		report := statusReport{
			BaseURL: a.engine.Client.BaseURL(),
			Scope:   string(chatsync.ScopeFor(a.cfg.Default.Simulator)),
			Token:   maskKey(a.engine.Client.Token()),
		}
		if id := a.engine.Session.Identity(); id != nil {
			report.Email, report.Username = id.Email, id.Username
		}

		if report.Email != "" && !statusOffline {
			ctx, cancel := withTimeout()
			defer cancel()
			if err := a.engine.Directory.LoadInitial(ctx); err != nil {
				report.Live = "error: " + err.Error()
			} else {
				report.Live = "ok"
				report.Chats = len(a.engine.Directory.Chats())
				report.Groups = len(a.engine.Directory.Groups())
				report.Invites = len(a.engine.Directory.Invites())
			}
		}

		return a.print(report, func(w io.Writer) {
			fmt.Fprintln(w, "Configuration:")
			fmt.Fprintf(w, "  Server:   %s\n", report.BaseURL)
			fmt.Fprintf(w, "  Storage:  %s\n", report.Scope)
			fmt.Fprintln(w)
			fmt.Fprintln(w, "Auth:")
			if report.Email == "" {
				fmt.Fprintln(w, "  Identity: (not signed in)")
				return
			}
			fmt.Fprintf(w, "  Identity: %s (%s)\n", report.Username, report.Email)
			fmt.Fprintf(w, "  Token:    %s\n", report.Token)
			if report.Live == "" {
				return
			}
			fmt.Fprintln(w)
			fmt.Fprintln(w, "Live status:")
			fmt.Fprintf(w, "  Server:   %s\n", report.Live)
			if report.Live == "ok" {
				fmt.Fprintf(w, "  Chats:    %d\n", report.Chats)
				fmt.Fprintf(w, "  Groups:   %d\n", report.Groups)
				fmt.Fprintf(w, "  Invites:  %d\n", report.Invites)
			}
		})
	},
}
