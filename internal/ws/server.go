// Package ws is the connection and message router: it owns the websocket
// upgrade path, the per-connection protocol state machine, frame
// classification, and fan-out to session peers. Document mutation itself
// always goes through the session registry.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pairpad/backend/internal/auth"
	"github.com/pairpad/backend/internal/config"
	"github.com/pairpad/backend/internal/crdt"
	"github.com/pairpad/backend/internal/metrics"
	"github.com/pairpad/backend/internal/question"
	"github.com/pairpad/backend/internal/session"
)

// closeSessionNotFound is the close code sent when a client connects to a
// session the registry does not know.
const closeSessionNotFound = 4404

type Server struct {
	registry  *session.Registry
	hub       *Hub
	verifier  auth.Verifier
	questions question.Lookup
	log       *zap.Logger

	sendBuffer      int
	maxMessageBytes int64
	upgrader        websocket.Upgrader
}

func NewServer(registry *session.Registry, hub *Hub, verifier auth.Verifier, questions question.Lookup, collab config.CollabConfig, log *zap.Logger) *Server {
	s := &Server{
		registry:        registry,
		hub:             hub,
		verifier:        verifier,
		questions:       questions,
		log:             log.Named("ws"),
		sendBuffer:      collab.SendBuffer,
		maxMessageBytes: collab.MaxMessageBytes,
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: checkOrigin}
	return s
}

func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /api/users/{id}/session", s.handleGetUserSession)
	mux.HandleFunc("DELETE /api/users/{id}/session", s.handleDeleteUserSession)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

// handleWS walks a connection through the state machine. The auth boundary
// sits before the upgrade: a bad token is rejected with 401 and no session
// side effects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID, err := s.verifier.Verify(r.Context(), bearerToken(r))
	if err != nil {
		if !errors.Is(err, auth.ErrUnauthorized) {
			s.log.Warn("verifier unavailable", zap.Error(err))
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "missing sessionId", http.StatusBadRequest)
		return
	}

	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", zap.Error(err))
		return
	}

	c := newConn(sock, sessionID, userID, s.sendBuffer, s.log)
	c.setState(stateAuthenticated)

	sess, err := s.registry.Attach(sessionID, userID)
	if err != nil {
		msg := websocket.FormatCloseMessage(closeSessionNotFound, "session not found")
		sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		c.Close()
		return
	}

	// Syncing: the server sends nothing until the client's first sync frame.
	c.setState(stateSyncing)
	s.hub.Add(c)
	s.controlToPeers(c, ControlMessage{Type: MsgPartnerJoin, UserID: userID})
	c.log.Info("connected")

	s.serveConn(c, sess)
}

// serveConn is the per-connection read loop; it returns when the socket
// dies, and its cleanup is what keeps participant accounting exact: every
// exit path detaches before a reconnect can observe the session.
func (s *Server) serveConn(c *Conn, sess *session.Session) {
	defer func() {
		c.Close()
		s.hub.Remove(c)
		s.registry.Detach(c.sessionID, c.userID)
		s.registry.TouchPersistence(context.Background(), c.sessionID)
		s.controlToPeers(c, ControlMessage{Type: MsgDisconnect, UserID: c.userID})
		c.log.Info("disconnected")
	}()

	c.sock.SetReadLimit(s.maxMessageBytes)
	c.sock.SetPongHandler(func(string) error {
		c.MarkAlive()
		return nil
	})

	for {
		messageType, data, err := c.sock.ReadMessage()
		if err != nil {
			return
		}
		c.MarkAlive()
		switch messageType {
		case websocket.BinaryMessage:
			s.handleUpdate(c, sess, data)
		case websocket.TextMessage:
			s.handleControl(c, sess, data)
		}
	}
}

// handleUpdate applies a binary CRDT delta and fans the identical bytes out
// to the session's other connections. Apply and broadcast-enqueue happen
// under the session's document lock, so every peer sees one sender's updates
// in server apply order. A corrupt update is rejected and the connection
// stays live.
func (s *Server) handleUpdate(c *Conn, sess *session.Session, data []byte) {
	err := sess.WithDoc(func(doc *crdt.Doc) error {
		if _, err := doc.ApplyUpdate(data, crdt.OriginRemote); err != nil {
			return err
		}
		s.hub.Broadcast(c.sessionID, c, websocket.BinaryMessage, data)
		return nil
	})
	if err != nil {
		metrics.CorruptUpdates.Inc()
		c.log.Warn("rejected corrupt update", zap.Error(err))
		return
	}
	metrics.UpdatesApplied.Inc()
	s.registry.TouchPersistence(context.Background(), c.sessionID)
}

// handleControl dispatches one JSON control frame. A frame that does not
// parse is logged and dropped; the connection stays live.
func (s *Server) handleControl(c *Conn, sess *session.Session, data []byte) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		metrics.MalformedFrames.Inc()
		c.log.Warn("dropping malformed frame", zap.Error(err))
		return
	}

	switch msg.Type {
	case MsgSync:
		s.handleSync(c, sess, msg)
	case MsgSyncClient:
		s.handleSyncClient(c, sess, msg)
	case MsgCursor:
		// Ephemeral presence: forwarded verbatim, never applied, never
		// persisted.
		s.hub.Broadcast(c.sessionID, c, websocket.TextMessage, data)
	case MsgEnd:
		s.hub.Broadcast(c.sessionID, c, websocket.TextMessage, data)
	case MsgPing:
		c.MarkAlive()
	default:
		metrics.MalformedFrames.Inc()
		c.log.Warn("dropping frame with unknown type", zap.String("type", string(msg.Type)))
	}
}

// handleSync answers a state-vector-bearing sync request with the diff that
// catches the client up, and moves the connection to live.
func (s *Server) handleSync(c *Conn, sess *session.Session, msg ControlMessage) {
	var reply []byte
	err := sess.WithDoc(func(doc *crdt.Doc) error {
		diff, err := doc.EncodeDiffSince(msg.StateVector)
		if err != nil {
			return err
		}
		reply, err = json.Marshal(ControlMessage{Type: MsgSync, Update: diff})
		return err
	})
	if err != nil {
		metrics.MalformedFrames.Inc()
		c.log.Warn("dropping sync with bad state vector", zap.Error(err))
		return
	}
	c.enqueue(websocket.TextMessage, reply)
	c.setState(stateLive)
}

// handleSyncClient pulls edits the client made while offline: its full local
// state is merged, and whatever was genuinely new is broadcast to peers.
func (s *Server) handleSyncClient(c *Conn, sess *session.Session, msg ControlMessage) {
	var applied []byte
	err := sess.WithDoc(func(doc *crdt.Doc) error {
		a, err := doc.ApplyUpdate(msg.State, crdt.OriginRemote)
		if err != nil {
			return err
		}
		applied = a
		if len(applied) > 0 {
			s.hub.Broadcast(c.sessionID, c, websocket.BinaryMessage, applied)
		}
		return nil
	})
	if err != nil {
		metrics.CorruptUpdates.Inc()
		c.log.Warn("rejected corrupt client state", zap.Error(err))
		return
	}
	if len(applied) > 0 {
		metrics.UpdatesApplied.Inc()
		s.registry.TouchPersistence(context.Background(), c.sessionID)
	}
}

func (s *Server) controlToPeers(c *Conn, msg ControlMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.hub.Broadcast(c.sessionID, c, websocket.TextMessage, data)
}

type createSessionRequest struct {
	SessionID    string              `json:"sessionId"`
	ParticipantA session.Participant `json:"participantA"`
	ParticipantB session.Participant `json:"participantB"`
	Criteria     question.Criteria   `json:"criteria"`
}

// handleCreateSession is the external session-creation boundary: the
// matching service supplies the session ID, both participants, and the
// question criteria. A failed question lookup fails the whole creation;
// no half-initialized session is left behind.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" || req.ParticipantA.ID == "" || req.ParticipantB.ID == "" {
		httpError(w, http.StatusBadRequest, "sessionId and both participants are required")
		return
	}

	q, err := s.questions.Find(r.Context(), req.Criteria)
	if err != nil {
		s.log.Warn("question lookup failed",
			zap.String("session_id", req.SessionID), zap.Error(err))
		if errors.Is(err, question.ErrNotFound) {
			httpError(w, http.StatusNotFound, "no question matches the criteria")
		} else {
			httpError(w, http.StatusBadGateway, "question lookup failed")
		}
		return
	}

	meta := session.Metadata{
		Participants: []session.Participant{req.ParticipantA, req.ParticipantB},
		QuestionID:   q.ID,
	}
	if err := s.registry.Create(r.Context(), req.SessionID, meta); err != nil {
		if errors.Is(err, session.ErrSessionExists) {
			httpError(w, http.StatusConflict, "session already exists")
		} else {
			httpError(w, http.StatusInternalServerError, "session creation failed")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{
		"sessionId":  req.SessionID,
		"questionId": q.ID,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.registry.Get(r.PathValue("id"))
	if !ok {
		httpError(w, http.StatusNotFound, "session not found")
		return
	}
	meta := sess.Metadata()
	resp := map[string]any{
		"sessionId":    sess.ID(),
		"participants": sess.Participants(),
		"questionId":   meta.QuestionID,
		"textLength":   len(sess.Text()),
	}
	if since, set := sess.EmptySince(); set {
		resp["emptySince"] = since.UTC().Format(time.RFC3339)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleDeleteSession is the explicit external deletion request: peers get
// an advisory end frame, then their sockets are closed and the session and
// its snapshot destroyed.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if data, err := json.Marshal(ControlMessage{Type: MsgEnd}); err == nil {
		s.hub.Broadcast(id, nil, websocket.TextMessage, data)
	}
	s.hub.CloseRoom(id)
	if err := s.registry.Delete(r.Context(), id); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			httpError(w, http.StatusNotFound, "session not found")
		} else {
			httpError(w, http.StatusInternalServerError, "session deletion failed")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetUserSession answers "does user X have an active session"; the
// reconnection flow uses it to offer a rejoin.
func (s *Server) handleGetUserSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := s.registry.SessionForUser(r.PathValue("id"))
	if !ok {
		httpError(w, http.StatusNotFound, "no active session")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"sessionId": sessionID})
}

func (s *Server) handleDeleteUserSession(w http.ResponseWriter, r *http.Request) {
	s.registry.RemoveUserSession(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func httpError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// bearerToken pulls the credential from the Authorization header or, for
// browser websocket clients that cannot set headers, the token query param.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// checkOrigin admits same-host and localhost origins; non-browser clients
// send no Origin header and pass.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	host := parsed.Host
	if host == r.Host {
		return true
	}
	for _, local := range []string{"localhost", "127.0.0.1", "[::1]"} {
		if host == local || strings.HasPrefix(host, local+":") {
			return true
		}
	}
	return false
}
