// Package store persists session snapshots to Redis so restarts and
// evictions are survivable. One hash per session, keyed session:{id}:
//
//	doc             base64 of the document's full CRDT state
//	users           JSON array of attached participant IDs
//	meta            JSON blob fixed at creation (assigned pair, question)
//	emptySince      RFC 3339 timestamp, or "" while the room is occupied
//	lastPersistedAt RFC 3339 timestamp of the snapshot write
package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "session:"

// scanBatch is the COUNT hint passed to SCAN during bulk load.
const scanBatch = 100

// Record is one session snapshot. Zero timestamps serialize as "".
type Record struct {
	SessionID       string
	Doc             []byte // raw full CRDT state, encoded on the way in/out
	Users           []string
	Meta            []byte // opaque JSON owned by the session package
	EmptySince      time.Time
	LastPersistedAt time.Time
}

// Dial connects to Redis and verifies the connection with a short ping,
// so a misconfigured address fails at startup instead of on the first save.
func Dial(addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: ping %s: %w", addr, err)
	}
	return client, nil
}

// Store is the persistence adapter. Failures are returned to the caller and
// never terminate it; in-memory state stays authoritative.
type Store struct {
	client *redis.Client
	log    *zap.Logger
}

func New(client *redis.Client, log *zap.Logger) *Store {
	return &Store{client: client, log: log.Named("store")}
}

func key(sessionID string) string { return keyPrefix + sessionID }

// Save overwrites the snapshot for rec.SessionID.
func (s *Store) Save(ctx context.Context, rec Record) error {
	if rec.SessionID == "" {
		return fmt.Errorf("store: missing session id")
	}
	users, err := json.Marshal(rec.Users)
	if err != nil {
		return fmt.Errorf("store: marshal users: %w", err)
	}
	fields := map[string]any{
		"doc":             base64.StdEncoding.EncodeToString(rec.Doc),
		"users":           string(users),
		"meta":            string(rec.Meta),
		"emptySince":      encodeTime(rec.EmptySince),
		"lastPersistedAt": encodeTime(rec.LastPersistedAt),
	}
	if err := s.client.HSet(ctx, key(rec.SessionID), fields).Err(); err != nil {
		return fmt.Errorf("store: save %s: %w", rec.SessionID, err)
	}
	return nil
}

// Load fetches one snapshot. Returns (nil, nil) when the key is absent.
func (s *Store) Load(ctx context.Context, sessionID string) (*Record, error) {
	fields, err := s.client.HGetAll(ctx, key(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: load %s: %w", sessionID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	rec, err := decodeRecord(sessionID, fields)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// LoadAll enumerates every stored session for bulk registration at startup.
// A record that fails to decode is logged and skipped; it must not abort the
// rest of the load.
func (s *Store) LoadAll(ctx context.Context) ([]Record, error) {
	var records []Record
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, keyPrefix+"*", scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		for _, k := range keys {
			sessionID := k[len(keyPrefix):]
			fields, err := s.client.HGetAll(ctx, k).Result()
			if err != nil {
				s.log.Warn("skipping unreadable session record",
					zap.String("session_id", sessionID), zap.Error(err))
				continue
			}
			if len(fields) == 0 {
				continue
			}
			rec, err := decodeRecord(sessionID, fields)
			if err != nil {
				s.log.Warn("skipping undecodable session record",
					zap.String("session_id", sessionID), zap.Error(err))
				continue
			}
			records = append(records, rec)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return records, nil
}

// Delete removes the stored snapshot. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, key(sessionID)).Err(); err != nil {
		return fmt.Errorf("store: delete %s: %w", sessionID, err)
	}
	return nil
}

func decodeRecord(sessionID string, fields map[string]string) (Record, error) {
	doc, err := base64.StdEncoding.DecodeString(fields["doc"])
	if err != nil {
		return Record{}, fmt.Errorf("store: decode doc for %s: %w", sessionID, err)
	}
	var users []string
	if raw := fields["users"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &users); err != nil {
			return Record{}, fmt.Errorf("store: decode users for %s: %w", sessionID, err)
		}
	}
	emptySince, err := decodeTime(fields["emptySince"])
	if err != nil {
		return Record{}, fmt.Errorf("store: decode emptySince for %s: %w", sessionID, err)
	}
	lastPersistedAt, err := decodeTime(fields["lastPersistedAt"])
	if err != nil {
		return Record{}, fmt.Errorf("store: decode lastPersistedAt for %s: %w", sessionID, err)
	}
	return Record{
		SessionID:       sessionID,
		Doc:             doc,
		Users:           users,
		Meta:            []byte(fields["meta"]),
		EmptySince:      emptySince,
		LastPersistedAt: lastPersistedAt,
	}, nil
}

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
