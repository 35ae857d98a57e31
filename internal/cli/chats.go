package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"betapp/internal/chat"
	"betapp/internal/domain"
)

const timeLayout = "Jan 02 15:04"

func newChatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "chats",
		Short: "List conversations, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireLogin(); err != nil {
				return err
			}
			a.chat.RefreshConversations(cmd.Context())
			if err := a.chat.Conversations.Status().Err; err != nil {
				return fmt.Errorf("list conversations: %w", err)
			}

			list := a.chat.Conversations.List()
			if len(list) == 0 {
				printf(cmd, "No conversations yet. Start one with: chatctl start <username> [message]\n")
				return nil
			}
			for _, c := range list {
				printf(cmd, "%s  %-20s  %s\n", c.ID, a.chat.PeerName(c), c.UpdatedAt.Local().Format(timeLayout))
			}
			return nil
		},
	}
}

func newSearchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "search <term>",
		Short: "Find people by username, name or email",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			found, err := a.profiles.Search(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			if len(found) == 0 {
				printf(cmd, "No matches.\n")
				return nil
			}
			for _, p := range found {
				username := ""
				if p.Username != nil {
					username = "@" + *p.Username
				}
				printf(cmd, "%s  %-20s  %s\n", p.ID, chat.DisplayName(&p, p.ID), username)
			}
			return nil
		},
	}
}

// resolvePeer accepts a user id or an exact username.
func (a *app) resolvePeer(ctx context.Context, ref string) (domain.Identity, error) {
	ref = strings.TrimPrefix(strings.TrimSpace(ref), "@")
	if _, err := uuid.Parse(ref); err == nil {
		return domain.Identity(ref), nil
	}
	found, err := a.profiles.Search(ctx, ref)
	if err != nil {
		return "", err
	}
	for _, p := range found {
		if p.Username != nil && strings.EqualFold(*p.Username, ref) {
			return p.ID, nil
		}
	}
	return "", fmt.Errorf("%w: no user named %q", domain.ErrNotFound, ref)
}

func newStartCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "start <username|user-id> [message...]",
		Short: "Start (or find) a conversation, optionally sending a first message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireLogin(); err != nil {
				return err
			}
			peer, err := a.resolvePeer(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(args) == 1 {
				conv, err := a.chat.StartConversation(cmd.Context(), peer)
				if err != nil {
					return err
				}
				printf(cmd, "%s\n", conv.ID)
				return nil
			}
			conv, _, err := a.chat.MessagePeer(cmd.Context(), peer, strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			printf(cmd, "%s\n", conv.ID)
			return nil
		},
	}
}

func newSendCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "send <conversation-id> <message...>",
		Short: "Send a message to a conversation",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireLogin(); err != nil {
				return err
			}
			msg, err := a.chat.Messages.Send(cmd.Context(), args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			printf(cmd, "sent %s at %s\n", a.shortID(msg.ID), msg.CreatedAt.Local().Format(timeLayout))
			return nil
		},
	}
}

func newOpenCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "open <conversation-id>",
		Short: "Show a conversation and follow it live; lines typed on stdin are sent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireLogin(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			a.gw.Start(ctx)
			defer a.gw.Close()
			a.chat.Start(ctx)
			defer a.chat.Stop()

			id := args[0]
			a.chat.RefreshConversations(ctx)
			conv, _ := a.chat.Conversations.Get(id)
			t := &tail{cmd: cmd, me: a.chat.Me(), peer: a.chat.Peer(conv), printed: make(map[string]bool)}
			defer a.chat.OnChange(func(ch chat.Change) {
				if ch == chat.MessagesChanged {
					t.flush(a.chat.Messages.Messages())
				}
			})()

			if err := a.chat.OpenConversation(ctx, id); err != nil {
				return err
			}
			t.flush(a.chat.Messages.Messages())

			lines := make(chan string)
			go func() {
				defer close(lines)
				sc := bufio.NewScanner(cmd.InOrStdin())
				for sc.Scan() {
					select {
					case lines <- sc.Text():
					case <-ctx.Done():
						return
					}
				}
			}()

			for {
				select {
				case <-ctx.Done():
					return nil
				case line, ok := <-lines:
					if !ok {
						return nil
					}
					if strings.TrimSpace(line) == "" {
						continue
					}
					if _, err := a.chat.Send(ctx, line); err != nil {
						fmt.Fprintln(cmd.ErrOrStderr(), "send failed:", err)
					}
				}
			}
		},
	}
}

// tail prints each message of the open conversation once.
type tail struct {
	cmd  *cobra.Command
	me   domain.Identity
	peer *domain.Profile

	mu      sync.Mutex
	printed map[string]bool
}

func (t *tail) flush(msgs []domain.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range msgs {
		if t.printed[m.ID] {
			continue
		}
		t.printed[m.ID] = true
		who := "you"
		if m.SenderID != t.me {
			who = chat.DisplayName(t.peer, m.SenderID)
		}
		printf(t.cmd, "[%s] %s: %s\n", m.CreatedAt.Local().Format(timeLayout), who, m.Text)
	}
}
