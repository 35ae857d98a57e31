package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"betapp/internal/chat"
	"betapp/internal/gateway"
)

func passwordFrom(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if p := os.Getenv("BETAPP_PASSWORD"); p != "" {
		return p, nil
	}
	return "", errors.New("password is required (--password or BETAPP_PASSWORD)")
}

func newLoginCmd(a *app) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password",
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := passwordFrom(password)
			if err != nil {
				return err
			}
			if err := a.session.SignIn(cmd.Context(), email, pw); err != nil {
				return fmt.Errorf("sign in: %w", err)
			}
			printf(cmd, "Signed in as %s\n", a.session.CurrentIdentity())
			return nil
		},
	}
	cmd.Flags().StringVarP(&email, "email", "e", "", "account email")
	cmd.Flags().StringVarP(&password, "password", "p", "", "account password")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newSignupCmd(a *app) *cobra.Command {
	var email, password, username, name string
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := passwordFrom(password)
			if err != nil {
				return err
			}
			err = a.session.SignUp(cmd.Context(), email, pw, username, name)
			if errors.Is(err, gateway.ErrConfirmationRequired) {
				printf(cmd, "Check %s to confirm your account, then run chatctl login.\n", email)
				return nil
			}
			if err != nil {
				return fmt.Errorf("sign up: %w", err)
			}
			printf(cmd, "Signed up as %s\n", a.session.CurrentIdentity())
			return nil
		},
	}
	cmd.Flags().StringVarP(&email, "email", "e", "", "account email")
	cmd.Flags().StringVarP(&password, "password", "p", "", "account password")
	cmd.Flags().StringVarP(&username, "username", "u", "", "public username")
	cmd.Flags().StringVarP(&name, "name", "n", "", "display name")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.session.SignOut(cmd.Context()); err != nil {
				return fmt.Errorf("sign out: %w", err)
			}
			printf(cmd, "Signed out.\n")
			return nil
		},
	}
}

func newWhoamiCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireLogin(); err != nil {
				return err
			}
			me := a.session.CurrentIdentity()
			p, err := a.profiles.Get(cmd.Context(), me)
			if err != nil {
				printf(cmd, "%s\n", me)
				return nil
			}
			printf(cmd, "%s (%s)\n", chat.DisplayName(&p, me), me)
			return nil
		},
	}
}
