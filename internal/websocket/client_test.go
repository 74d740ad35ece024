package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/koinet/internal/admission"
	"github.com/wfunc/koinet/internal/config"
)

// newPair 启动测试服务端，返回服务端 Client 与客户端连接
func newPair(t *testing.T, opts Options) (*Client, *websocket.Conn) {
	t.Helper()

	clients := make(chan *Client, 1)
	upgrader := NewUpgrader(nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		clients <- NewClient(conn, opts)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	peer, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { peer.Close() })

	select {
	case c := <-clients:
		return c, peer
	case <-time.After(2 * time.Second):
		t.Fatal("server side not ready")
		return nil, nil
	}
}

func TestOptionsFromConfig(t *testing.T) {
	o := OptionsFromConfig(nil)
	assert.Equal(t, defaultWriteWait, o.WriteWait)
	assert.Equal(t, defaultPongWait*9/10, o.PingPeriod)

	o = OptionsFromConfig(&config.WebSocketConfig{
		PongTimeout:      10 * time.Second,
		PingInterval:     20 * time.Second,
		HandshakeTimeout: time.Second,
		MaxMessageSize:   128,
	})
	assert.Equal(t, 9*time.Second, o.PingPeriod)
	assert.Equal(t, time.Second, o.HandshakeWait)
	assert.Equal(t, int64(128), o.MaxMessageSize)
}

func TestClient_HandshakeAndSend(t *testing.T) {
	c, peer := newPair(t, OptionsFromConfig(nil))

	require.NoError(t, peer.WriteMessage(websocket.TextMessage, []byte("AA:BB:CC:DD:EE:FF,10.5.50.2")))
	hs, err := c.ReadHandshake()
	require.NoError(t, err)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF,10.5.50.2", hs)

	c.Start()
	require.NoError(t, c.Send(admission.WaitingMessage(2)))

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := peer.ReadMessage()
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "waiting", got["status"])
	assert.Equal(t, float64(2), got["data"].(map[string]interface{})["queue_pos"])
}

func TestClient_ExtraFramesIgnored(t *testing.T) {
	c, peer := newPair(t, OptionsFromConfig(nil))

	require.NoError(t, peer.WriteMessage(websocket.TextMessage, []byte("AA:BB:CC:DD:EE:FF,10.5.50.2")))
	_, err := c.ReadHandshake()
	require.NoError(t, err)
	c.Start()

	require.NoError(t, peer.WriteMessage(websocket.TextMessage, []byte("hello")))
	require.NoError(t, peer.WriteMessage(websocket.TextMessage, []byte("again")))

	select {
	case <-c.Done():
		t.Fatal("extra frames must not end the connection")
	case <-time.After(100 * time.Millisecond):
	}
	assert.NoError(t, c.Send(admission.BypassMessage()))
}

func TestClient_PeerDisconnect(t *testing.T) {
	c, peer := newPair(t, OptionsFromConfig(nil))

	require.NoError(t, peer.WriteMessage(websocket.TextMessage, []byte("AA:BB:CC:DD:EE:FF,10.5.50.3")))
	_, err := c.ReadHandshake()
	require.NoError(t, err)
	c.Start()

	peer.Close()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after peer disconnect")
	}
	assert.Error(t, c.Send(admission.WaitingMessage(1)))
}

func TestClient_CloseWithCode(t *testing.T) {
	c, peer := newPair(t, OptionsFromConfig(nil))

	c.Close(admission.CloseUnsupported, "invalid handshake")
	// 重复关闭无副作用
	c.Close(admission.CloseUnsupported, "invalid handshake")

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := peer.ReadMessage()
	require.Error(t, err)

	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, admission.CloseUnsupported, closeErr.Code)
	assert.Equal(t, "invalid handshake", closeErr.Text)

	select {
	case <-c.Done():
	default:
		t.Fatal("Done must be closed after Close")
	}
}

func TestClient_HandshakeTimeout(t *testing.T) {
	opts := OptionsFromConfig(nil)
	opts.HandshakeWait = 50 * time.Millisecond
	c, _ := newPair(t, opts)

	_, err := c.ReadHandshake()
	assert.Error(t, err)
}
