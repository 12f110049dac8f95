package messaging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindswarm/subspace/internal/workspace"
	"github.com/mindswarm/subspace/pkg/types"
)

func writeOutboxMessage(t *testing.T, ws *workspace.CyberWorkspace, name, to string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(ws.Outbox(), 0o755))
	msg := types.Message{Type: types.MessagePlain, From: ws.Name, To: to, Subject: "hi", Timestamp: time.Now(), Body: "body-" + name}
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	path := filepath.Join(ws.Outbox(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestRouteOnceDeliversToInbox(t *testing.T) {
	root := workspace.NewRoot(t.TempDir())
	alice := root.CyberRoot("alice")
	bob := root.CyberRoot("bob")
	require.NoError(t, os.MkdirAll(bob.Inbox(), 0o755))

	writeOutboxMessage(t, alice, "m1.json", "bob", time.Now())

	r := NewRouter(root, func(name string) bool { return name == "bob" })
	require.NoError(t, r.RouteOnce("alice"))

	entries, err := os.ReadDir(bob.Inbox())
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err := os.ReadFile(filepath.Join(bob.Inbox(), entries[0].Name()))
	require.NoError(t, err)
	var msg types.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "body-m1.json", msg.Body)

	remaining, err := os.ReadDir(alice.Outbox())
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestRouteOncePreservesPerPairOrdering(t *testing.T) {
	root := workspace.NewRoot(t.TempDir())
	alice := root.CyberRoot("alice")
	bob := root.CyberRoot("bob")
	require.NoError(t, os.MkdirAll(bob.Inbox(), 0o755))

	base := time.Now().Add(-time.Minute)
	writeOutboxMessage(t, alice, "m1.json", "bob", base)
	writeOutboxMessage(t, alice, "m2.json", "bob", base.Add(time.Second))
	writeOutboxMessage(t, alice, "m3.json", "bob", base.Add(2*time.Second))

	r := NewRouter(root, func(name string) bool { return name == "bob" })
	require.NoError(t, r.RouteOnce("alice"))

	entries, err := os.ReadDir(bob.Inbox())
	require.NoError(t, err)
	require.Len(t, entries, 3)

	var bodies []string
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(bob.Inbox(), e.Name()))
		require.NoError(t, err)
		var msg types.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		bodies = append(bodies, msg.Body)
	}
	assert.Equal(t, []string{"body-m1.json", "body-m2.json", "body-m3.json"}, bodies)
}

func TestRouteOnceUnknownRecipientSendsDeliveryFailed(t *testing.T) {
	root := workspace.NewRoot(t.TempDir())
	alice := root.CyberRoot("alice")

	writeOutboxMessage(t, alice, "m1.json", "ghost", time.Now())

	r := NewRouter(root, func(name string) bool { return false })
	require.NoError(t, r.RouteOnce("alice"))

	failedEntries, err := os.ReadDir(alice.OutboxSentFailed())
	require.NoError(t, err)
	require.Len(t, failedEntries, 1)

	inboxEntries, err := os.ReadDir(alice.Inbox())
	require.NoError(t, err)
	require.Len(t, inboxEntries, 1)

	data, err := os.ReadFile(filepath.Join(alice.Inbox(), inboxEntries[0].Name()))
	require.NoError(t, err)
	var notice types.Message
	require.NoError(t, json.Unmarshal(data, &notice))
	assert.Equal(t, "delivery_failed", notice.Subject)
	assert.Equal(t, "message-router", notice.From)
}

func TestAtomicWriteNewNeverLeavesPartialFile(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "msg.json")
	require.NoError(t, atomicWriteNew(dest, []byte(`{"ok":true}`)))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "msg.json", entries[0].Name())
}

func TestRouteOnceExpandsBroadcastToAllKnownCybers(t *testing.T) {
	root := workspace.NewRoot(t.TempDir())
	alice := root.CyberRoot("alice")
	bob := root.CyberRoot("bob")
	carol := root.CyberRoot("carol")
	require.NoError(t, os.MkdirAll(alice.Path, 0o755))
	require.NoError(t, os.MkdirAll(bob.Inbox(), 0o755))
	require.NoError(t, os.MkdirAll(carol.Inbox(), 0o755))

	writeOutboxMessage(t, alice, "m1.json", "broadcast", time.Now())

	r := NewRouter(root, func(name string) bool { return true })
	require.NoError(t, r.RouteOnce("alice"))

	bobEntries, err := os.ReadDir(bob.Inbox())
	require.NoError(t, err)
	assert.Len(t, bobEntries, 1)

	carolEntries, err := os.ReadDir(carol.Inbox())
	require.NoError(t, err)
	assert.Len(t, carolEntries, 1)
}

func TestListCyberNamesReturnsWorkspaceSubdirectories(t *testing.T) {
	root := workspace.NewRoot(t.TempDir())
	require.NoError(t, os.MkdirAll(root.CyberRoot("alice").Path, 0o755))
	require.NoError(t, os.MkdirAll(root.CyberRoot("bob").Path, 0o755))

	names, err := root.ListCyberNames()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, names)
}

func TestListCyberNamesEmptyWhenNoCybersDir(t *testing.T) {
	root := workspace.NewRoot(t.TempDir())
	names, err := root.ListCyberNames()
	require.NoError(t, err)
	assert.Empty(t, names)
}
