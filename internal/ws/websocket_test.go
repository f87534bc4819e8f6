package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lxzan/gws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoServer struct {
	gws.BuiltinEventHandler
}

func (e *echoServer) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()
	_ = socket.WriteMessage(message.Opcode, message.Bytes())
}

type recordingHandler struct {
	opened   chan struct{}
	messages chan []byte
	closed   chan error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		opened:   make(chan struct{}, 1),
		messages: make(chan []byte, 10),
		closed:   make(chan error, 1),
	}
}

func (r *recordingHandler) OnOpen()               { r.opened <- struct{}{} }
func (r *recordingHandler) OnMessage(data []byte) { r.messages <- data }
func (r *recordingHandler) OnClose(err error)     { r.closed <- err }

func newEchoServer(t *testing.T) string {
	upgrader := gws.NewUpgrader(&echoServer{}, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		socket, err := upgrader.Upgrade(w, r)
		if err != nil {
			return
		}
		go socket.ReadLoop()
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestNewGWSDialer_Defaults(t *testing.T) {
	d := NewGWSDialer(DialerConfig{})
	assert.Equal(t, 10*time.Second, d.config.PingInterval)
	assert.Equal(t, 20*time.Second, d.config.PongWait)
}

func TestGWSDialer_RoundTrip(t *testing.T) {
	url := newEchoServer(t)
	h := newRecordingHandler()

	socket, err := NewGWSDialer(DialerConfig{}).Dial(context.Background(), url, h)
	require.NoError(t, err)
	go socket.ReadLoop()

	select {
	case <-h.opened:
	case <-time.After(2 * time.Second):
		t.Fatal("socket did not open")
	}

	require.NoError(t, socket.Send([]byte(`{"event":"ping"}`)))

	select {
	case msg := <-h.messages:
		assert.JSONEq(t, `{"event":"ping"}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("no echo received")
	}

	_ = socket.Close()
	select {
	case <-h.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("socket did not close")
	}
}

func TestGWSDialer_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewGWSDialer(DialerConfig{}).Dial(ctx, "ws://127.0.0.1:1", newRecordingHandler())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGWSDialer_Unreachable(t *testing.T) {
	_, err := NewGWSDialer(DialerConfig{}).Dial(context.Background(), "ws://127.0.0.1:1", newRecordingHandler())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect websocket")
}
