package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"trustsync/internal/mailbox"
	"trustsync/internal/model"
	"trustsync/internal/service/relay"
)

func newTestRelay(t *testing.T) (*httptest.Server, *mailbox.MemoryQueue) {
	t.Helper()
	queue := mailbox.NewMemoryQueue()
	srv := httptest.NewServer(relay.NewServer(queue, nil).Router())
	t.Cleanup(srv.Close)
	return srv, queue
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/relay"
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c := NewClient(Config{URL: wsURL(srv)})
	t.Cleanup(c.Disconnect)
	return c
}

func TestConnectSendReceiveAck(t *testing.T) {
	srv, queue := newTestRelay(t)
	ctx := context.Background()

	bob := newTestClient(t, srv)
	var mu sync.Mutex
	var got []*model.MessageEnvelope
	bob.OnMessage(func(env *model.MessageEnvelope) error {
		mu.Lock()
		got = append(got, env)
		mu.Unlock()
		return nil
	})
	require.NoError(t, bob.Connect(ctx, "did:bob"))
	require.Equal(t, StateConnected, bob.State())

	alice := newTestClient(t, srv)
	require.NoError(t, alice.Connect(ctx, "did:alice"))

	env := model.NewEnvelope(model.EnvelopeContent, "did:alice", "did:bob", model.EncodingJSON, []byte(`{}`))
	receipt, err := alice.Send(ctx, env)
	require.NoError(t, err)
	require.Equal(t, model.ReceiptDelivered, receipt.Status)
	require.Equal(t, env.ID, receipt.MessageID)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0].ID == env.ID
	}, 2*time.Second, 10*time.Millisecond)

	// The adapter acked automatically, so the durable row is gone.
	require.Eventually(t, func() bool {
		n, err := queue.Count(ctx, "did:bob")
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSendToOfflineRecipientAccepted(t *testing.T) {
	srv, queue := newTestRelay(t)
	ctx := context.Background()

	alice := newTestClient(t, srv)
	require.NoError(t, alice.Connect(ctx, "did:alice"))

	env := model.NewEnvelope(model.EnvelopeContent, "did:alice", "did:bob", model.EncodingJSON, []byte(`{}`))
	receipt, err := alice.Send(ctx, env)
	require.NoError(t, err)
	require.Equal(t, model.ReceiptAccepted, receipt.Status)

	n, err := queue.Count(ctx, "did:bob")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestHandlerErrorLeavesMessageQueued(t *testing.T) {
	srv, queue := newTestRelay(t)
	ctx := context.Background()

	bob := newTestClient(t, srv)
	delivered := make(chan string, 1)
	bob.OnMessage(func(env *model.MessageEnvelope) error {
		select {
		case delivered <- env.ID:
		default:
		}
		return errors.New("application not ready")
	})
	require.NoError(t, bob.Connect(ctx, "did:bob"))

	alice := newTestClient(t, srv)
	require.NoError(t, alice.Connect(ctx, "did:alice"))

	env := model.NewEnvelope(model.EnvelopeContent, "did:alice", "did:bob", model.EncodingJSON, []byte(`{}`))
	_, err := alice.Send(ctx, env)
	require.NoError(t, err)

	select {
	case id := <-delivered:
		require.Equal(t, env.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("message never reached the handler")
	}

	// No handler succeeded, so no ack: the row stays for redelivery.
	time.Sleep(100 * time.Millisecond)
	n, err := queue.Count(ctx, "did:bob")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestSendRequiresConnected(t *testing.T) {
	srv, _ := newTestRelay(t)
	c := newTestClient(t, srv)

	env := model.NewEnvelope(model.EnvelopeContent, "did:a", "did:b", model.EncodingJSON, nil)
	_, err := c.Send(context.Background(), env)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestConnectRejectedByErrorFrame(t *testing.T) {
	srv, _ := newTestRelay(t)
	c := newTestClient(t, srv)

	// The relay refuses a register without a DID; the pending connect must
	// fail with that error and land in the error state.
	err := c.Connect(context.Background(), "")
	require.Error(t, err)
	require.Contains(t, err.Error(), model.ErrCodeInvalidMessage)
	require.Equal(t, StateError, c.State())
}

func TestDisconnectIdempotent(t *testing.T) {
	srv, _ := newTestRelay(t)
	ctx := context.Background()

	c := newTestClient(t, srv)
	require.NoError(t, c.Connect(ctx, "did:a"))
	c.Disconnect()
	c.Disconnect()
	require.Equal(t, StateDisconnected, c.State())
}

func TestHeartbeatClosesDeadConnection(t *testing.T) {
	// A relay that registers but never answers pings.
	upgrader := websocket.Upgrader{}
	mute := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var f model.Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			if f.Type == model.FrameRegister {
				_ = conn.WriteJSON(&model.Frame{Type: model.FrameRegistered, Did: f.Did})
			}
			// pings go unanswered
		}
	}))
	defer mute.Close()

	c := NewClient(Config{
		URL:               "ws" + strings.TrimPrefix(mute.URL, "http"),
		HeartbeatInterval: 30 * time.Millisecond,
		PongTimeout:       30 * time.Millisecond,
	})
	defer c.Disconnect()

	require.NoError(t, c.Connect(context.Background(), "did:a"))
	require.Eventually(t, func() bool {
		return c.State() == StateDisconnected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSendRejectedByRelayFailsReceipt(t *testing.T) {
	srv, _ := newTestRelay(t)
	ctx := context.Background()

	c := newTestClient(t, srv)
	require.NoError(t, c.Connect(ctx, "did:a"))

	// No recipient: the relay rejects the send with an error frame carrying
	// the envelope id, so the receipt wait must fail instead of blocking on
	// a background context forever.
	env := model.NewEnvelope(model.EnvelopeContent, "did:a", "", model.EncodingJSON, []byte(`{}`))
	receipt, err := c.Send(ctx, env)
	require.Error(t, err)
	require.Contains(t, err.Error(), model.ErrCodeMissingRecipient)
	require.NotNil(t, receipt)
	require.Equal(t, model.ReceiptFailed, receipt.Status)
	require.Equal(t, env.ID, receipt.MessageID)

	// The connection itself stays usable.
	ok := model.NewEnvelope(model.EnvelopeContent, "did:a", "did:b", model.EncodingJSON, []byte(`{}`))
	okReceipt, err := c.Send(ctx, ok)
	require.NoError(t, err)
	require.Equal(t, model.ReceiptAccepted, okReceipt.Status)
}

func TestStalePongDoesNotCountForNextConnection(t *testing.T) {
	// A relay that registers, pushes one unsolicited pong on the first
	// connection only, and never answers pings.
	var sentStrayPong atomic.Bool
	upgrader := websocket.Upgrader{}
	mute := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var f model.Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			if f.Type == model.FrameRegister {
				_ = conn.WriteJSON(&model.Frame{Type: model.FrameRegistered, Did: f.Did})
				if sentStrayPong.CompareAndSwap(false, true) {
					_ = conn.WriteJSON(&model.Frame{Type: model.FramePong})
				}
			}
		}
	}))
	defer mute.Close()

	c := NewClient(Config{
		URL:               "ws" + strings.TrimPrefix(mute.URL, "http"),
		HeartbeatInterval: 100 * time.Millisecond,
		PongTimeout:       40 * time.Millisecond,
	})
	defer c.Disconnect()
	ctx := context.Background()

	// The stray pong lands before the first heartbeat tick, then the
	// connection goes away with the pong unconsumed.
	require.NoError(t, c.Connect(ctx, "did:a"))
	time.Sleep(30 * time.Millisecond)
	c.Disconnect()

	// The next connection gets no pongs at all and must die after a single
	// heartbeat round; the leftover pong must not buy it a second one.
	require.NoError(t, c.Connect(ctx, "did:a"))
	start := time.Now()
	require.Eventually(t, func() bool {
		return c.State() == StateDisconnected
	}, 2*time.Second, 5*time.Millisecond)
	require.Less(t, time.Since(start), 220*time.Millisecond)
}

func TestHeartbeatKeepsHealthyConnection(t *testing.T) {
	srv, _ := newTestRelay(t)

	c := NewClient(Config{
		URL:               wsURL(srv),
		HeartbeatInterval: 20 * time.Millisecond,
		PongTimeout:       200 * time.Millisecond,
	})
	defer c.Disconnect()

	require.NoError(t, c.Connect(context.Background(), "did:a"))
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, StateConnected, c.State())
}
