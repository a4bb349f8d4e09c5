package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/pairpad/backend/internal/crdt"
	"github.com/pairpad/backend/internal/store"
)

// fakeStore is an in-memory Store with injectable failures.
type fakeStore struct {
	mu      sync.Mutex
	records map[string]store.Record
	saves   int
	deletes int
	failing bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]store.Record)}
}

func (f *fakeStore) Save(_ context.Context, rec store.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	if f.failing {
		return errors.New("store down")
	}
	f.records[rec.SessionID] = rec
	return nil
}

func (f *fakeStore) LoadAll(_ context.Context) ([]store.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Record, 0, len(f.records))
	for _, rec := range f.records {
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeStore) Delete(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	if f.failing {
		return errors.New("store down")
	}
	delete(f.records, sessionID)
	return nil
}

func (f *fakeStore) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

func (f *fakeStore) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.records[id]
	return ok
}

const testThrottle = 30 * time.Second

func newTestRegistry(t *testing.T) (*Registry, *fakeStore, *clock.Mock) {
	t.Helper()
	fs := newFakeStore()
	mc := clock.NewMock()
	return NewRegistry(fs, mc, zap.NewNop(), testThrottle), fs, mc
}

func pairMeta() Metadata {
	return Metadata{
		Participants: []Participant{{ID: "u1", Name: "Alice"}, {ID: "u2", Name: "Bob"}},
		QuestionID:   "q7",
	}
}

func TestCreatePersistsImmediately(t *testing.T) {
	r, fs, _ := newTestRegistry(t)

	if err := r.Create(context.Background(), "s1", pairMeta()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !fs.has("s1") {
		t.Error("Create did not persist the initial snapshot")
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestCreateDuplicate(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := r.Create(ctx, "s1", pairMeta()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.Create(ctx, "s1", pairMeta()); !errors.Is(err, ErrSessionExists) {
		t.Errorf("duplicate Create err = %v, want ErrSessionExists", err)
	}
}

func TestAttachUnknownSession(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	if _, err := r.Attach("ghost", "u1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Attach err = %v, want ErrSessionNotFound", err)
	}
}

func TestParticipantAccounting(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	r.Create(ctx, "s1", pairMeta())

	s, err := r.Attach("s1", "u1")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	r.Attach("s1", "u2")

	got := s.Participants()
	if len(got) != 2 || got[0] != "u1" || got[1] != "u2" {
		t.Errorf("Participants() = %v, want [u1 u2]", got)
	}

	r.Detach("s1", "u1")
	got = s.Participants()
	if len(got) != 1 || got[0] != "u2" {
		t.Errorf("after detach, Participants() = %v, want [u2]", got)
	}
	if _, empty := s.EmptySince(); empty {
		t.Error("emptySince set while u2 still attached")
	}
}

// A user with two open connections stays attached until both close.
func TestAttachRefCounting(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	r.Create(ctx, "s1", pairMeta())

	s, _ := r.Attach("s1", "u1")
	r.Attach("s1", "u1") // reconnect before the old socket died

	r.Detach("s1", "u1")
	if got := s.Participants(); len(got) != 1 {
		t.Fatalf("user dropped while a connection remains: %v", got)
	}
	r.Detach("s1", "u1")
	if got := s.Participants(); len(got) != 0 {
		t.Fatalf("Participants() = %v, want empty", got)
	}
}

func TestEmptySinceLifecycle(t *testing.T) {
	r, _, mc := newTestRegistry(t)
	ctx := context.Background()
	r.Create(ctx, "s1", pairMeta())

	s, _ := r.Attach("s1", "u1")
	if _, set := s.EmptySince(); set {
		t.Error("emptySince set while occupied")
	}

	mc.Add(5 * time.Second)
	r.Detach("s1", "u1")
	since, set := s.EmptySince()
	if !set {
		t.Fatal("emptySince not set when room emptied")
	}
	if !since.Equal(mc.Now()) {
		t.Errorf("emptySince = %v, want %v", since, mc.Now())
	}

	// Reattach clears it.
	r.Attach("s1", "u1")
	if _, set := s.EmptySince(); set {
		t.Error("emptySince not cleared on attach")
	}
}

func TestTouchPersistenceThrottles(t *testing.T) {
	r, fs, mc := newTestRegistry(t)
	ctx := context.Background()
	r.Create(ctx, "s1", pairMeta())
	base := fs.saveCount() // the initial snapshot

	// A burst of updates within the window produces no additional save.
	for i := 0; i < 10; i++ {
		mc.Add(time.Second)
		r.TouchPersistence(ctx, "s1")
	}
	if got := fs.saveCount(); got != base {
		t.Fatalf("saves during throttle window = %d, want %d", got, base)
	}

	mc.Add(testThrottle)
	r.TouchPersistence(ctx, "s1")
	if got := fs.saveCount(); got != base+1 {
		t.Fatalf("saves after window elapsed = %d, want %d", got, base+1)
	}
}

func TestTouchPersistenceRetriesNextWindow(t *testing.T) {
	r, fs, mc := newTestRegistry(t)
	ctx := context.Background()
	r.Create(ctx, "s1", pairMeta())

	mc.Add(testThrottle + time.Second)
	fs.failing = true
	r.TouchPersistence(ctx, "s1") // fails, window reserved
	fs.failing = false

	before := fs.saveCount()
	r.TouchPersistence(ctx, "s1") // still inside the reserved window
	if fs.saveCount() != before {
		t.Fatal("failed save was retried before the next window")
	}

	mc.Add(testThrottle)
	r.TouchPersistence(ctx, "s1")
	if fs.saveCount() != before+1 {
		t.Fatal("save not retried after the next window elapsed")
	}
}

func TestTouchPersistenceSnapshotsDocument(t *testing.T) {
	r, fs, mc := newTestRegistry(t)
	ctx := context.Background()
	r.Create(ctx, "s1", pairMeta())

	s, _ := r.Attach("s1", "u1")
	s.WithDoc(func(doc *crdt.Doc) error {
		_, err := doc.InsertAt(0, "hello")
		return err
	})

	mc.Add(testThrottle + time.Second)
	r.TouchPersistence(ctx, "s1")

	fs.mu.Lock()
	rec := fs.records["s1"]
	fs.mu.Unlock()
	restored, err := crdt.NewDocFromState(rec.Doc)
	if err != nil {
		t.Fatalf("restoring persisted doc: %v", err)
	}
	if restored.Text() != "hello" {
		t.Errorf("persisted text = %q, want %q", restored.Text(), "hello")
	}
	if len(rec.Users) != 1 || rec.Users[0] != "u1" {
		t.Errorf("persisted users = %v, want [u1]", rec.Users)
	}
}

func TestEvictionTiming(t *testing.T) {
	r, fs, mc := newTestRegistry(t)
	ctx := context.Background()
	grace := 120 * time.Second

	r.Create(ctx, "s1", pairMeta())
	r.Attach("s1", "u1")
	r.Attach("s1", "u2")
	r.Detach("s1", "u1")
	r.Detach("s1", "u2") // t0: room empty

	mc.Add(119 * time.Second)
	if r.EvictIfIdle(ctx, "s1", grace) {
		t.Fatal("evicted before the grace window elapsed")
	}

	mc.Add(2 * time.Second) // t0 + 121s
	if !r.EvictIfIdle(ctx, "s1", grace) {
		t.Fatal("not evicted after the grace window elapsed")
	}
	if _, ok := r.Get("s1"); ok {
		t.Error("evicted session still in registry")
	}
	if fs.has("s1") {
		t.Error("evicted session still persisted")
	}
	if _, ok := r.SessionForUser("u1"); ok {
		t.Error("evicted session still indexed by user")
	}

	// Idempotent.
	if r.EvictIfIdle(ctx, "s1", grace) {
		t.Error("second eviction reported success")
	}
}

func TestEvictionSparedByAttach(t *testing.T) {
	r, _, mc := newTestRegistry(t)
	ctx := context.Background()
	grace := 120 * time.Second

	r.Create(ctx, "s1", pairMeta())
	r.Attach("s1", "u1")
	r.Detach("s1", "u1")
	mc.Add(grace + time.Minute)

	// The user comes back right before the sweep reaches the session.
	if _, err := r.Attach("s1", "u1"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if r.EvictIfIdle(ctx, "s1", grace) {
		t.Fatal("occupied session evicted")
	}
	if _, ok := r.Get("s1"); !ok {
		t.Fatal("session missing after spared eviction")
	}
}

func TestSweepIdle(t *testing.T) {
	r, _, mc := newTestRegistry(t)
	ctx := context.Background()
	grace := 120 * time.Second

	r.Create(ctx, "old", pairMeta())
	r.Create(ctx, "busy", Metadata{Participants: []Participant{{ID: "u3"}, {ID: "u4"}}})
	r.Attach("busy", "u3")

	mc.Add(grace + time.Second)
	if got := r.SweepIdle(ctx, grace); got != 1 {
		t.Fatalf("SweepIdle evicted %d, want 1", got)
	}
	if _, ok := r.Get("busy"); !ok {
		t.Error("occupied session swept")
	}
}

func TestDelete(t *testing.T) {
	r, fs, _ := newTestRegistry(t)
	ctx := context.Background()

	r.Create(ctx, "s1", pairMeta())
	if err := r.Delete(ctx, "s1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if fs.has("s1") {
		t.Error("deleted session still persisted")
	}
	if err := r.Delete(ctx, "s1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second Delete err = %v, want ErrSessionNotFound", err)
	}
}

func TestUserIndex(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	r.Create(ctx, "s1", pairMeta())

	id, ok := r.SessionForUser("u1")
	if !ok || id != "s1" {
		t.Errorf("SessionForUser(u1) = %q,%v, want s1,true", id, ok)
	}

	r.RemoveUserSession("u1")
	if _, ok := r.SessionForUser("u1"); ok {
		t.Error("mapping survived RemoveUserSession")
	}
	// The session itself is untouched.
	if _, ok := r.Get("s1"); !ok {
		t.Error("RemoveUserSession destroyed the session")
	}
}

func TestLoadFrom(t *testing.T) {
	fs := newFakeStore()
	mc := clock.NewMock()

	// Seed the store through a first registry lifetime.
	first := NewRegistry(fs, mc, zap.NewNop(), testThrottle)
	ctx := context.Background()
	first.Create(ctx, "s1", pairMeta())
	s, _ := first.Attach("s1", "u1")
	s.WithDoc(func(doc *crdt.Doc) error {
		_, err := doc.InsertAt(0, "restored")
		return err
	})
	first.SaveAll(ctx)

	// A record with a corrupt document must not poison the load.
	fs.records["bad"] = store.Record{SessionID: "bad", Doc: []byte{0xff, 0xff}}

	second := NewRegistry(fs, mc, zap.NewNop(), testThrottle)
	loaded, err := second.LoadFrom(ctx)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if loaded != 1 {
		t.Fatalf("loaded %d sessions, want 1", loaded)
	}

	got, ok := second.Get("s1")
	if !ok {
		t.Fatal("s1 not restored")
	}
	if got.Text() != "restored" {
		t.Errorf("restored text = %q, want %q", got.Text(), "restored")
	}
	if got.Metadata().QuestionID != "q7" {
		t.Errorf("restored questionId = %q, want q7", got.Metadata().QuestionID)
	}
	if id, ok := second.SessionForUser("u2"); !ok || id != "s1" {
		t.Error("user index not rebuilt from metadata")
	}
	// Restored with nobody attached: the eviction clock must be running.
	if _, set := got.EmptySince(); !set {
		t.Error("restored empty session has no eviction clock")
	}
}
