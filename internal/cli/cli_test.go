package cli

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"betapp/internal/devserver"
	"betapp/internal/security"
	"betapp/internal/store"
	"betapp/internal/store/sqlite"
)

type harness struct {
	t   *testing.T
	url string
	dir string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlite.Migrate(context.Background(), db))

	srv := devserver.New(devserver.Options{
		Store:   store.New(db, sqlite.Dialect{}),
		Tokens:  security.NewTokenService("cli-secret", time.Hour),
		Hasher:  security.NewPasswordHasher(bcrypt.MinCost),
		AnonKey: "anon",
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	dir := t.TempDir()
	t.Setenv("BETAPP_URL", ts.URL)
	t.Setenv("BETAPP_ANON_KEY", "anon")
	t.Setenv("BETAPP_LOG_FILE", filepath.Join(dir, "chatctl.log"))
	t.Setenv("BETAPP_PASSWORD", "secret123")
	return &harness{t: t, url: ts.URL, dir: dir}
}

// run executes chatctl as the user whose session lives in <dir>/<as>.yaml.
func (h *harness) run(as string, args ...string) (string, error) {
	h.t.Setenv("BETAPP_SESSION_FILE", filepath.Join(h.dir, as+".yaml"))
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func (h *harness) mustRun(as string, args ...string) string {
	h.t.Helper()
	out, err := h.run(as, args...)
	require.NoError(h.t, err, out)
	return out
}

func TestChatFlow(t *testing.T) {
	h := newHarness(t)

	out := h.mustRun("alice", "signup", "-e", "alice@example.com", "-u", "alice", "-n", "Alice")
	assert.Contains(t, out, "Signed up as")
	h.mustRun("bob", "signup", "-e", "bob@example.com", "-u", "bob", "-n", "Bob")

	out = h.mustRun("alice", "search", "bo")
	assert.Contains(t, out, "@bob")
	assert.NotContains(t, out, "@alice")

	convID := strings.TrimSpace(h.mustRun("alice", "start", "@bob", "hello", "bob"))
	require.NotEmpty(t, convID)

	out = h.mustRun("bob", "chats")
	assert.Contains(t, out, convID)
	assert.Contains(t, out, "Alice")

	out = h.mustRun("bob", "send", convID, "hi", "alice")
	assert.Contains(t, out, "sent")

	again := strings.TrimSpace(h.mustRun("bob", "start", "alice"))
	assert.Equal(t, convID, again)
}

func TestOpenPrintsHistory(t *testing.T) {
	h := newHarness(t)
	h.mustRun("alice", "signup", "-e", "alice@example.com", "-u", "alice", "-n", "Alice")
	h.mustRun("bob", "signup", "-e", "bob@example.com", "-u", "bob", "-n", "Bob")
	convID := strings.TrimSpace(h.mustRun("alice", "start", "bob", "first"))

	h.t.Setenv("BETAPP_SESSION_FILE", filepath.Join(h.dir, "bob.yaml"))
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetIn(strings.NewReader("reply from bob\n"))
	root.SetArgs([]string{"open", convID})
	require.NoError(t, root.Execute())

	assert.Contains(t, out.String(), "Alice: first")
	assert.Contains(t, out.String(), "you: reply from bob")
}

func TestCommandsRequireLogin(t *testing.T) {
	h := newHarness(t)
	for _, args := range [][]string{{"chats"}, {"start", "bob"}, {"send", "c1", "hi"}, {"whoami"}} {
		_, err := h.run("nobody", args...)
		assert.ErrorIs(t, err, errNotSignedIn, args)
	}
}

func TestLogoutForgetsSession(t *testing.T) {
	h := newHarness(t)
	h.mustRun("alice", "signup", "-e", "alice@example.com", "-u", "alice")
	assert.Contains(t, h.mustRun("alice", "whoami"), "alice")

	h.mustRun("alice", "logout")
	_, err := h.run("alice", "whoami")
	assert.ErrorIs(t, err, errNotSignedIn)

	h.mustRun("alice", "login", "-e", "alice@example.com")
	assert.Contains(t, h.mustRun("alice", "whoami"), "alice")
}

func TestParseOptions(t *testing.T) {
	opts, err := parseOptions([]string{"Home=1.8", " Away =2.5"})
	require.NoError(t, err)
	require.Len(t, opts, 2)
	assert.Equal(t, "Away", opts[1].Label)
	assert.InDelta(t, 2.5, opts[1].Odds, 1e-9)

	_, err = parseOptions([]string{"no-odds"})
	assert.Error(t, err)
	_, err = parseOptions([]string{"x=-1"})
	assert.Error(t, err)
}
