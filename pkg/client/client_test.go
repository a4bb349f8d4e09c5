package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pairpad/backend/internal/auth"
	"github.com/pairpad/backend/internal/config"
	"github.com/pairpad/backend/internal/question"
	"github.com/pairpad/backend/internal/session"
	"github.com/pairpad/backend/internal/store"
	"github.com/pairpad/backend/internal/ws"
)

type nopStore struct{}

func (nopStore) Save(context.Context, store.Record) error        { return nil }
func (nopStore) LoadAll(context.Context) ([]store.Record, error) { return nil, nil }
func (nopStore) Delete(context.Context, string) error            { return nil }

func startService(t *testing.T) (*httptest.Server, *session.Registry) {
	t.Helper()
	registry := session.NewRegistry(nopStore{}, clock.New(), zap.NewNop(), 30*time.Second)
	hub := ws.NewHub()
	srv := ws.NewServer(registry, hub,
		auth.StaticVerifier{"tok-a": "alice", "tok-b": "bob"},
		question.StaticLookup{ID: "q1"},
		config.CollabConfig{SendBuffer: 64, MaxMessageBytes: 1 << 20},
		zap.NewNop())
	mux := http.NewServeMux()
	srv.Routes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	meta := session.Metadata{
		Participants: []session.Participant{{ID: "alice"}, {ID: "bob"}},
		QuestionID:   "q1",
	}
	require.NoError(t, registry.Create(context.Background(), "s1", meta))
	return ts, registry
}

func eventuallyText(t *testing.T, c *Conn, want string) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Text() == want },
		2*time.Second, 5*time.Millisecond)
}

func TestTwoClientsConverge(t *testing.T) {
	ts, _ := startService(t)
	ctx := context.Background()

	alice, err := Dial(ctx, ts.URL, "s1", "tok-a")
	require.NoError(t, err)
	defer alice.Close()
	bob, err := Dial(ctx, ts.URL, "s1", "tok-b")
	require.NoError(t, err)
	defer bob.Close()

	require.NoError(t, alice.Insert(0, "hello"))
	eventuallyText(t, bob, "hello")

	require.NoError(t, bob.Insert(5, " world"))
	eventuallyText(t, alice, "hello world")

	require.NoError(t, alice.Delete(0, 6))
	eventuallyText(t, alice, "world")
	eventuallyText(t, bob, "world")
}

func TestLateJoinerCatchesUp(t *testing.T) {
	ts, _ := startService(t)
	ctx := context.Background()

	alice, err := Dial(ctx, ts.URL, "s1", "tok-a")
	require.NoError(t, err)
	defer alice.Close()
	require.NoError(t, alice.Insert(0, "already here"))
	eventuallyText(t, alice, "already here")

	// Dial sends the initial sync; the diff carries everything missed.
	bob, err := Dial(ctx, ts.URL, "s1", "tok-b")
	require.NoError(t, err)
	defer bob.Close()
	eventuallyText(t, bob, "already here")
}

func TestPushLocalState(t *testing.T) {
	ts, registry := startService(t)
	ctx := context.Background()

	alice, err := Dial(ctx, ts.URL, "s1", "tok-a")
	require.NoError(t, err)
	defer alice.Close()

	// Edits made on the replica while the frame was never shipped still reach
	// the session through a full-state push.
	require.NoError(t, alice.Insert(0, "offline work"))
	require.NoError(t, alice.PushLocalState())

	sess, ok := registry.Get("s1")
	require.True(t, ok)
	require.Eventually(t, func() bool { return sess.Text() == "offline work" },
		2*time.Second, 5*time.Millisecond)
}

func TestAdvisoryEvents(t *testing.T) {
	ts, _ := startService(t)
	ctx := context.Background()

	alice, err := Dial(ctx, ts.URL, "s1", "tok-a")
	require.NoError(t, err)
	defer alice.Close()
	bob, err := Dial(ctx, ts.URL, "s1", "tok-b")
	require.NoError(t, err)

	select {
	case ev := <-alice.Events():
		require.Equal(t, ws.MsgPartnerJoin, ev.Type)
		require.Equal(t, "bob", ev.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("no partner_join event")
	}

	bob.Close()
	select {
	case ev := <-alice.Events():
		require.Equal(t, ws.MsgDisconnect, ev.Type)
		require.Equal(t, "bob", ev.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnect event")
	}
}

func TestDialRejectsBadToken(t *testing.T) {
	ts, _ := startService(t)
	_, err := Dial(context.Background(), ts.URL, "s1", "wrong")
	require.Error(t, err)
}

func TestManagerReplacesActiveConnection(t *testing.T) {
	ts, registry := startService(t)
	meta := session.Metadata{
		Participants: []session.Participant{{ID: "alice"}, {ID: "bob"}},
		QuestionID:   "q1",
	}
	require.NoError(t, registry.Create(context.Background(), "s2", meta))

	var m Manager
	first, err := m.Connect(context.Background(), ts.URL, "s1", "tok-a")
	require.NoError(t, err)
	require.Same(t, first, m.Active())

	second, err := m.Connect(context.Background(), ts.URL, "s2", "tok-a")
	require.NoError(t, err)
	require.Same(t, second, m.Active())
	require.Equal(t, "s2", second.SessionID())

	// The replaced connection is closed.
	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("previous connection not closed")
	}

	m.Close()
	require.Nil(t, m.Active())
	select {
	case <-second.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("active connection not closed on manager close")
	}
}
