package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"trustsync/internal/model"
	"trustsync/internal/utils/log"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

var (
	ErrNotConnected = errors.New("transport: not connected")
	ErrConnClosed   = errors.New("transport: connection closed")
)

type (
	// MessageHandler processes one inbound envelope. Returning nil counts
	// as successful processing for acknowledgment purposes.
	MessageHandler func(env *model.MessageEnvelope) error

	Config struct {
		// URL is the relay websocket endpoint, e.g. ws://host:9090/relay.
		URL string
		// HeartbeatInterval is how often a ping is sent once connected.
		HeartbeatInterval time.Duration
		// PongTimeout is how long to wait for the pong before declaring
		// the connection dead.
		PongTimeout time.Duration
	}

	// Client drives the relay wire protocol for one DID over one socket.
	// Inbound messages are fanned out to the registered handlers and acked
	// automatically once at least one handler processes them.
	Client struct {
		cfg Config

		mu       sync.Mutex
		state    State
		did      string
		conn     *websocket.Conn
		pending  map[string]chan *model.DeliveryReceipt
		handlers []MessageHandler

		writeMu sync.Mutex

		registered chan error
		stopBeat   chan struct{}
	}
)

func NewClient(cfg Config) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 10 * time.Second
	}
	return &Client{
		cfg:     cfg,
		state:   StateDisconnected,
		pending: make(map[string]chan *model.DeliveryReceipt),
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// OnMessage registers a handler for inbound envelopes. Handlers added after
// Connect apply to subsequent messages.
func (c *Client) OnMessage(h MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// Connect dials the relay, registers the DID and returns once the relay
// confirms registration. Any error frame or socket failure while connecting
// fails the call and leaves the client in the error state.
func (c *Client) Connect(ctx context.Context, did string) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return fmt.Errorf("transport: connect while %s", c.state)
	}
	c.state = StateConnecting
	c.did = did
	c.registered = make(chan error, 1)
	registered := c.registered
	c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		c.setState(StateError)
		return fmt.Errorf("transport: dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	// The pong channel is scoped to this connection so a stray pong from a
	// previous socket can never answer for this one's heartbeat.
	pongCh := make(chan struct{}, 1)
	go c.readLoop(conn, pongCh)

	if err := c.writeFrame(&model.Frame{Type: model.FrameRegister, Did: did}); err != nil {
		c.failConnect(conn)
		return fmt.Errorf("transport: register: %w", err)
	}

	select {
	case err := <-registered:
		if err != nil {
			c.failConnect(conn)
			return err
		}
	case <-ctx.Done():
		c.failConnect(conn)
		return ctx.Err()
	}

	c.mu.Lock()
	c.state = StateConnected
	c.stopBeat = make(chan struct{})
	stop := c.stopBeat
	c.mu.Unlock()

	go c.heartbeat(conn, stop, pongCh)
	return nil
}

// Send forwards the envelope and waits for the relay's receipt; the receipt
// is the only place a caller observes accepted vs delivered. A failed
// receipt is returned as an error.
func (c *Client) Send(ctx context.Context, env *model.MessageEnvelope) (*model.DeliveryReceipt, error) {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	ch := make(chan *model.DeliveryReceipt, 1)
	c.pending[env.ID] = ch
	c.mu.Unlock()

	if err := c.writeFrame(&model.Frame{Type: model.FrameSend, Envelope: env}); err != nil {
		c.dropPending(env.ID)
		return nil, fmt.Errorf("transport: send: %w", err)
	}

	select {
	case receipt := <-ch:
		if receipt.Status == model.ReceiptFailed {
			return receipt, fmt.Errorf("transport: send %s failed: %s", env.ID, receipt.Reason)
		}
		return receipt, nil
	case <-ctx.Done():
		c.dropPending(env.ID)
		return nil, ctx.Err()
	}
}

// failConnect abandons a half-open connection. The conn is detached before
// closing so the read loop's shutdown path cannot overwrite the error state.
func (c *Client) failConnect(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.state = StateError
	c.mu.Unlock()
	conn.Close()
}

// Disconnect stops the heartbeat and closes the socket. Safe to call in any
// state, any number of times.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	if c.stopBeat != nil {
		close(c.stopBeat)
		c.stopBeat = nil
	}
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.failAllPending("disconnected")
}

func (c *Client) readLoop(conn *websocket.Conn, pongCh chan struct{}) {
	for {
		var frame model.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			c.onSocketClosed(conn, err)
			return
		}

		switch frame.Type {
		case model.FrameRegistered:
			c.signalRegistered(nil)
		case model.FrameMessage:
			c.handleInbound(frame.Envelope)
		case model.FrameReceipt:
			c.resolveReceipt(frame.Receipt)
		case model.FrameError:
			c.handleErrorFrame(&frame)
		case model.FramePong:
			select {
			case pongCh <- struct{}{}:
			default:
			}
		default:
			log.Debug("unknown frame from relay", zap.String("type", string(frame.Type)))
		}
	}
}

// handleInbound fans the envelope out to every handler and acks once at
// least one of them processed it without error.
func (c *Client) handleInbound(env *model.MessageEnvelope) {
	if env == nil {
		return
	}

	c.mu.Lock()
	handlers := make([]MessageHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	processed := false
	for _, h := range handlers {
		if err := h(env); err != nil {
			log.Warn("message handler failed", zap.String("id", env.ID), zap.Error(err))
			continue
		}
		processed = true
	}

	if !processed {
		// Leave the row queued; it will be redelivered on reconnect.
		return
	}
	if err := c.writeFrame(&model.Frame{Type: model.FrameAck, MessageID: env.ID}); err != nil {
		log.Warn("ack write failed", zap.String("id", env.ID), zap.Error(err))
	}
}

func (c *Client) resolveReceipt(receipt *model.DeliveryReceipt) {
	if receipt == nil {
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[receipt.MessageID]
	if ok {
		delete(c.pending, receipt.MessageID)
	}
	c.mu.Unlock()
	if ok {
		ch <- receipt
	}
}

func (c *Client) handleErrorFrame(frame *model.Frame) {
	err := fmt.Errorf("transport: relay error %s: %s", frame.Code, frame.Message)
	c.mu.Lock()
	connecting := c.state == StateConnecting
	c.mu.Unlock()

	if connecting {
		c.signalRegistered(err)
		return
	}

	reason := fmt.Sprintf("%s: %s", frame.Code, frame.Message)
	if frame.MessageID != "" {
		receipt := model.NewReceipt(frame.MessageID, model.ReceiptFailed)
		receipt.Reason = reason
		c.resolveReceipt(receipt)
		return
	}

	// An uncorrelated protocol error gives no way to tell which send it
	// belongs to; fail all of them rather than leave callers blocked on
	// receipts that will never arrive.
	c.failAllPending(reason)
	log.Warn("relay error frame", zap.String("code", frame.Code), zap.String("message", frame.Message))
}

func (c *Client) heartbeat(conn *websocket.Conn, stop <-chan struct{}, pongCh <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if err := c.writeFrame(&model.Frame{Type: model.FramePing}); err != nil {
			c.killConnection(conn, err)
			return
		}

		select {
		case <-pongCh:
		case <-stop:
			return
		case <-time.After(c.cfg.PongTimeout):
			c.killConnection(conn, errors.New("pong timeout"))
			return
		}
	}
}

// killConnection forcibly closes a dead socket. Callers must Connect again
// to resume delivery.
func (c *Client) killConnection(conn *websocket.Conn, cause error) {
	log.Warn("heartbeat declared connection dead", zap.String("did", c.did), zap.Error(cause))
	conn.Close()

	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
		c.state = StateDisconnected
		c.stopBeat = nil
	}
	c.mu.Unlock()

	if current {
		c.failAllPending("connection closed")
	}
}

func (c *Client) onSocketClosed(conn *websocket.Conn, err error) {
	c.signalRegistered(fmt.Errorf("transport: %w: %v", ErrConnClosed, err))

	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
		if c.stopBeat != nil {
			close(c.stopBeat)
			c.stopBeat = nil
		}
		if c.state == StateConnecting {
			c.state = StateError
		} else {
			c.state = StateDisconnected
		}
	}
	c.mu.Unlock()

	if current {
		c.failAllPending("connection closed")
		log.Debug("relay socket closed", zap.String("did", c.did), zap.Error(err))
	}
}

// signalRegistered resolves the in-flight Connect, if any. Later calls are
// dropped by the buffered channel select.
func (c *Client) signalRegistered(err error) {
	c.mu.Lock()
	ch := c.registered
	c.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

func (c *Client) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// failAllPending resolves every in-flight send with a failed receipt.
func (c *Client) failAllPending(reason string) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan *model.DeliveryReceipt)
	c.mu.Unlock()

	for id, ch := range pending {
		receipt := model.NewReceipt(id, model.ReceiptFailed)
		receipt.Reason = reason
		ch <- receipt
	}
}

func (c *Client) writeFrame(f *model.Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(f)
}
