package session

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pairpad/backend/internal/crdt"
)

// Participant is one of the two users assigned to a session at creation.
type Participant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Metadata is fixed at creation and read-only afterwards.
type Metadata struct {
	Participants []Participant `json:"participants"`
	QuestionID   string        `json:"questionId"`
}

// Session is one collaboration room: a document, the set of currently
// attached users, and the timing state driving persistence and eviction.
//
// All fields are guarded by mu. The document is only ever reached through
// WithDoc, which serializes mutation per session without blocking unrelated
// sessions.
type Session struct {
	id string

	mu              sync.Mutex
	doc             *crdt.Doc
	participants    map[string]int // userID -> open connection count
	emptySince      time.Time
	lastPersistedAt time.Time
	meta            Metadata
}

func newSession(id string, doc *crdt.Doc, meta Metadata) *Session {
	return &Session{
		id:           id,
		doc:          doc,
		participants: make(map[string]int),
		meta:         meta,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// WithDoc runs fn with exclusive access to the session's document. Everything
// done inside fn — apply, diff, broadcast enqueue — is serialized against
// other writers of the same session.
func (s *Session) WithDoc(fn func(doc *crdt.Doc) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.doc)
}

// Text returns the current document content.
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Text()
}

// Participants returns the attached user IDs, sorted for stable output.
func (s *Session) Participants() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participantsLocked()
}

func (s *Session) participantsLocked() []string {
	users := make([]string, 0, len(s.participants))
	for u := range s.participants {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Metadata returns the creation-time metadata.
func (s *Session) Metadata() Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

// EmptySince reports when the room last became empty; ok is false while the
// room is occupied.
func (s *Session) EmptySince() (t time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emptySince, !s.emptySince.IsZero()
}

func (m Metadata) marshal() []byte {
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return b
}

func unmarshalMetadata(b []byte) (Metadata, error) {
	var m Metadata
	if len(b) == 0 {
		return m, nil
	}
	err := json.Unmarshal(b, &m)
	return m, err
}
