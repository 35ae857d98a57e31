// Package cli provides the chatctl command-line client.
package cli

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"betapp/internal/chat"
	"betapp/internal/config"
	"betapp/internal/gateway"
	"betapp/internal/profiles"
	"betapp/internal/session"
	"betapp/internal/wallet"
)

// Version is set at build time.
var Version = "0.1.0"

var errNotSignedIn = errors.New("not signed in; run `chatctl login` first")

// app holds the clients shared by every command of one invocation.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	closeLog func() error

	gw       *gateway.Client
	session  *session.Provider
	chat     *chat.Client
	profiles *profiles.Directory
	wallet   *wallet.Service
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "chatctl",
		Short: "Direct messages for the betting app",
		Long: `chatctl is a terminal client for the betting app's direct messages.

Sign in once with "chatctl login"; the session is kept in
$BETAPP_SESSION_FILE and refreshed when it expires.`,
		Version:       Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" || cmd.Name() == "help" {
				return nil
			}
			return a.init(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}

	root.AddCommand(
		newLoginCmd(a),
		newSignupCmd(a),
		newLogoutCmd(a),
		newWhoamiCmd(a),
		newChatsCmd(a),
		newSearchCmd(a),
		newStartCmd(a),
		newSendCmd(a),
		newOpenCmd(a),
		newWalletCmd(a),
		newBetsCmd(a),
	)
	return root
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log, a.closeLog = config.SetupLogger(cfg.LogFile, cfg.LogLevel)

	a.gw, err = gateway.New(gateway.Options{
		URL:            cfg.URL,
		AnonKey:        cfg.AnonKey,
		HTTPTimeout:    cfg.HTTPTimeout,
		Heartbeat:      cfg.Heartbeat,
		ReconnectDelay: cfg.ReconnectDelay,
		Logger:         a.log,
	})
	if err != nil {
		return err
	}
	a.session = session.New(a.gw, session.NewFileStore(cfg.SessionFile), a.log)
	a.gw.SetTokenSource(a.session)

	if err := a.session.Restore(cmd.Context()); err != nil && !errors.Is(err, session.ErrNoSession) {
		a.log.Warn("could not restore session", "error", err)
	}

	a.chat = chat.NewClient(a.gw, a.session, a.log)
	a.profiles = profiles.NewDirectory(a.gw, a.session)
	a.wallet = wallet.New(a.gw, a.session)
	return nil
}

func (a *app) close() {
	if a.gw != nil {
		a.gw.Close()
	}
	if a.closeLog != nil {
		_ = a.closeLog()
	}
}

func (a *app) requireLogin() error {
	if a.session.CurrentIdentity() == "" {
		return errNotSignedIn
	}
	return nil
}

func (a *app) shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
