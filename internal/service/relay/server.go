package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"trustsync/internal/mailbox"
	"trustsync/internal/model"
	"trustsync/internal/repository/directory"
	"trustsync/internal/utils/log"
)

type (
	// session is one live websocket connection. did stays empty until the
	// client registers.
	session struct {
		did     string
		conn    *websocket.Conn
		writeMu sync.Mutex
	}

	// Server routes envelopes between live connections and the durable
	// mailbox. A DID is online iff it has at least one live session;
	// multiple simultaneous sessions per DID are supported (multi-device).
	Server struct {
		mu       sync.Mutex
		sessions map[string]map[*session]struct{}

		queue     mailbox.Queue
		directory *directory.Repo
	}
)

// NewServer wires the relay over a mailbox. dir may be nil to disable the
// key-directory endpoints.
func NewServer(queue mailbox.Queue, dir *directory.Repo) *Server {
	return &Server{
		sessions:  make(map[string]map[*session]struct{}),
		queue:     queue,
		directory: dir,
	}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/relay", s.HandleRelayWS()).Methods(http.MethodGet)
	if s.directory != nil {
		r.HandleFunc("/keys/{did}", s.GetKeys()).Methods(http.MethodGet)
		r.HandleFunc("/keys/{did}", s.PutKeys()).Methods(http.MethodPut)
	}
	return r
}

func (s *Server) Run(addr string) error {
	log.Info("relay listening", zap.String("addr", addr))
	return http.ListenAndServe(addr, s.Router())
}

func (s *Server) HandleRelayWS() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // payloads are opaque and signed above the relay
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, "Failed to upgrade", http.StatusInternalServerError)
			return
		}

		sess := &session{conn: conn}
		s.readLoop(r.Context(), sess)
	}
}

func (s *Server) readLoop(ctx context.Context, sess *session) {
	defer func() {
		s.dropSession(sess)
		sess.conn.Close()
	}()

	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			log.Debug("relay socket closed", zap.String("did", sess.did), zap.Error(err))
			return
		}

		var frame model.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			sess.writeError(model.ErrCodeInvalidMessage, "malformed frame")
			continue
		}

		switch frame.Type {
		case model.FrameRegister:
			s.handleRegister(ctx, sess, frame.Did)
		case model.FrameSend:
			s.handleSend(ctx, sess, frame.Envelope)
		case model.FrameAck:
			s.handleAck(ctx, sess, frame.MessageID)
		case model.FramePing:
			sess.writeFrame(&model.Frame{Type: model.FramePong})
		default:
			sess.writeError(model.ErrCodeInvalidMessage, "unknown frame type")
		}
	}
}

// handleRegister records the session under its DID and redelivers every
// unacknowledged envelope. Registering a DID that already has live sessions
// never evicts them.
func (s *Server) handleRegister(ctx context.Context, sess *session, did string) {
	if did == "" {
		sess.writeError(model.ErrCodeInvalidMessage, "register requires did")
		return
	}
	if sess.did != "" {
		sess.writeError(model.ErrCodeInvalidMessage, "connection already registered")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess.did = did
	set, ok := s.sessions[did]
	if !ok {
		set = make(map[*session]struct{})
		s.sessions[did] = set
	}
	set[sess] = struct{}{}

	sess.writeFrame(&model.Frame{Type: model.FrameRegistered, Did: did})

	// Rows stay in the mailbox until acked, so this also redelivers
	// envelopes handed to a session that died before acknowledging.
	pending, err := s.queue.Pending(ctx, did)
	if err != nil {
		log.Error("mailbox drain failed", zap.String("did", did), zap.Error(err))
		return
	}
	for _, env := range pending {
		sess.writeFrame(&model.Frame{Type: model.FrameMessage, Envelope: env})
	}
}

// handleSend enqueues the envelope durably, fans it out to every live
// session of the recipient, and answers the sender with a receipt. The row
// written here is only removed by an ack.
func (s *Server) handleSend(ctx context.Context, sess *session, env *model.MessageEnvelope) {
	// Send errors carry the envelope id (when there is one) so the sender
	// can fail the matching receipt wait instead of blocking on it.
	var messageID string
	if env != nil {
		messageID = env.ID
	}

	if sess.did == "" {
		sess.writeErrorFor(model.ErrCodeNotRegistered, "register before sending", messageID)
		return
	}
	if env == nil || env.ID == "" {
		sess.writeErrorFor(model.ErrCodeInvalidMessage, "send requires an envelope with an id", messageID)
		return
	}
	if env.ToDid == "" {
		sess.writeErrorFor(model.ErrCodeMissingRecipient, "envelope has no recipient", messageID)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.queue.Enqueue(ctx, env.ToDid, env); err != nil {
		log.Error("mailbox enqueue failed", zap.String("to", env.ToDid), zap.Error(err))
		receipt := model.NewReceipt(env.ID, model.ReceiptFailed)
		receipt.Reason = "storage failure"
		sess.writeFrame(&model.Frame{Type: model.FrameReceipt, Receipt: receipt})
		return
	}

	status := model.ReceiptAccepted
	if targets := s.sessions[env.ToDid]; len(targets) > 0 {
		for target := range targets {
			if err := target.writeFrame(&model.Frame{Type: model.FrameMessage, Envelope: env}); err != nil {
				log.Debug("fan-out write failed", zap.String("to", env.ToDid), zap.Error(err))
			}
		}
		status = model.ReceiptDelivered
	}

	sess.writeFrame(&model.Frame{Type: model.FrameReceipt, Receipt: model.NewReceipt(env.ID, status)})
}

// handleAck removes the acknowledged envelope from the session DID's
// mailbox. Any device of the DID may ack; unknown ids are a no-op.
func (s *Server) handleAck(ctx context.Context, sess *session, messageID string) {
	if sess.did == "" {
		sess.writeError(model.ErrCodeNotRegistered, "register before acking")
		return
	}
	if messageID == "" {
		sess.writeError(model.ErrCodeInvalidMessage, "ack requires messageId")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.queue.Ack(ctx, sess.did, messageID); err != nil {
		log.Error("mailbox ack failed", zap.String("did", sess.did), zap.String("messageId", messageID), zap.Error(err))
	}
}

func (s *Server) dropSession(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.did == "" {
		return
	}
	set := s.sessions[sess.did]
	delete(set, sess)
	if len(set) == 0 {
		delete(s.sessions, sess.did)
	}
}

// Online reports whether the DID has at least one live session.
func (s *Server) Online(did string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions[did]) > 0
}

func (c *session) writeFrame(f *model.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(f)
}

func (c *session) writeError(code, message string) {
	c.writeErrorFor(code, message, "")
}

func (c *session) writeErrorFor(code, message, messageID string) {
	if err := c.writeFrame(&model.Frame{Type: model.FrameError, Code: code, Message: message, MessageID: messageID}); err != nil {
		log.Debug("error frame write failed", zap.Error(err))
	}
}
