package ws

import "encoding/json"

// Frames on the wire are either binary (raw CRDT update bytes, applied and
// re-broadcast verbatim) or text (a JSON control envelope). The two are told
// apart by the websocket frame type, not by a length prefix.

type MessageType string

const (
	// MsgCursor carries ephemeral presence/selection data. Forwarded to
	// peers verbatim, never applied to the document, never persisted.
	MsgCursor MessageType = "cursor"

	// MsgSync (client→server) carries the client's state vector; the server
	// replies with a MsgSync carrying the catch-up diff.
	MsgSync MessageType = "sync"

	// MsgSyncClient (client→server) carries the client's full local state so
	// the server can pull edits made while the client was offline.
	MsgSyncClient MessageType = "sync_client"

	// MsgDisconnect (server→peers) announces which user left.
	MsgDisconnect MessageType = "disconnect"

	// MsgEnd requests graceful session termination; advisory only.
	MsgEnd MessageType = "end"

	// MsgPartnerJoin (server→peers) announces a user joining; advisory only.
	MsgPartnerJoin MessageType = "partner_join"

	// MsgPing is an application-level liveness mark from the client.
	MsgPing MessageType = "ping"
)

// ControlMessage is the JSON control envelope. Binary payloads ride in []byte
// fields, which encoding/json base64s on the wire.
type ControlMessage struct {
	Type   MessageType `json:"type"`
	UserID string      `json:"userId,omitempty"`

	// StateVector is set on client→server sync requests.
	StateVector []byte `json:"stateVector,omitempty"`

	// Update is set on server→client sync replies: the diff to apply.
	Update []byte `json:"update,omitempty"`

	// State is set on sync_client frames: the client's full document state.
	State []byte `json:"state,omitempty"`

	// Cursor is passed through untouched; the server never inspects it.
	Cursor json.RawMessage `json:"cursor,omitempty"`
}
