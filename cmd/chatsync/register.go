package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// passwordEnv is read when --password is not given.
const passwordEnv = "CHATSYNC_PASSWORD"

var (
	authPassword      string
	profileUsername   string
	profileBackground int
)

func init() {
	for _, c := range []*cobra.Command{registerCmd, loginCmd} {
		c.Flags().StringVarP(&authPassword, "password", "p", "", "Account password (default $"+passwordEnv+")")
	}
	profileCmd.Flags().StringVar(&profileUsername, "username", "", "New display name")
	profileCmd.Flags().IntVar(&profileBackground, "background", -1, "Chat background index")
	rootCmd.AddCommand(registerCmd, loginCmd, logoutCmd, profileCmd)
}

func password() (string, error) {
	if p := valueOrDefault(authPassword, os.Getenv(passwordEnv)); p != "" {
		return p, nil
	}
	return "", fmt.Errorf("password required: pass --password or set $%s", passwordEnv)
}

func printIdentity(a *app, verb string) error {
	id := a.engine.Session.Identity()
	return a.print(id.Summary(), func(w io.Writer) {
		fmt.Fprintf(w, "%s as %s (%s)\n", verb, id.Username, id.Email)
	})
}

var registerCmd = &cobra.Command{
	Use:   "register <username> <email>",
	Short: "Create an account and sign in",
	Long:  "Register a new account with the chat server and store the returned identity locally.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		pw, err := password()
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
		if err := outcomeError(a.engine.Session.Register(ctx, args[0], args[1], pw)); err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}
		return printIdentity(a, "Registered")
	},
}

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Sign in and store the identity locally",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pw, err := password()
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
		if err := outcomeError(a.engine.Session.Login(ctx, args[0], pw)); err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		if a.cfg.Default.Simulator {
			fmt.Fprintln(os.Stderr, "Simulator mode: the identity lasts for this process only. Use 'chatsync watch --email' to stay signed in.")
		}
		return printIdentity(a, "Signed in")
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		if !a.engine.Session.Authenticated() {
			fmt.Println("Not signed in.")
			return nil
		}
		email := a.engine.Session.Email()
		if err := a.engine.Logout(); err != nil {
			return fmt.Errorf("logout failed: %w", err)
		}
		fmt.Printf("Signed out %s\n", email)
		return nil
	},
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Show or update the signed-in profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()
		if err := a.signedIn(); err != nil {
			return err
		}

		if cmd.Flags().Changed("username") || cmd.Flags().Changed("background") {
			id := a.engine.Session.Identity()
			username := valueOrDefault(profileUsername, id.Username)
			background := id.Background
			if cmd.Flags().Changed("background") {
				background = profileBackground
			}
			ctx, cancel := withTimeout()
			defer cancel()
			if err := outcomeError(a.engine.Session.UpdateProfile(ctx, username, background)); err != nil {
				return fmt.Errorf("profile update failed: %w", err)
			}
		}

		id := a.engine.Session.Identity()
		return a.print(id.Summary(), func(w io.Writer) {
			fmt.Fprintf(w, "Username:   %s\n", id.Username)
			fmt.Fprintf(w, "Email:      %s\n", id.Email)
			fmt.Fprintf(w, "Background: %d\n", id.Background)
		})
	},
}
