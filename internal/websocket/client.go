package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/wfunc/koinet/internal/admission"
	"github.com/wfunc/koinet/internal/config"
	"github.com/wfunc/koinet/internal/errors"
	"github.com/wfunc/koinet/internal/logger"
	"go.uber.org/zap"
)

// WebSocket默认参数
const (
	// 写超时
	defaultWriteWait = 10 * time.Second

	// 读取pong超时
	defaultPongWait = 60 * time.Second

	// 最大消息大小
	defaultMaxMessageSize = 4 * 1024

	// 等待握手帧的时间
	defaultHandshakeWait = 10 * time.Second
)

// Options 连接参数
type Options struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
	HandshakeWait  time.Duration
}

// OptionsFromConfig 从配置生成连接参数，未设置的项取默认值
func OptionsFromConfig(cfg *config.WebSocketConfig) Options {
	o := Options{
		WriteWait:      defaultWriteWait,
		PongWait:       defaultPongWait,
		MaxMessageSize: defaultMaxMessageSize,
		HandshakeWait:  defaultHandshakeWait,
	}
	if cfg != nil {
		if cfg.WriteTimeout > 0 {
			o.WriteWait = cfg.WriteTimeout
		}
		if cfg.PongTimeout > 0 {
			o.PongWait = cfg.PongTimeout
		}
		if cfg.PingInterval > 0 {
			o.PingPeriod = cfg.PingInterval
		}
		if cfg.MaxMessageSize > 0 {
			o.MaxMessageSize = cfg.MaxMessageSize
		}
		if cfg.HandshakeTimeout > 0 {
			o.HandshakeWait = cfg.HandshakeTimeout
		}
	}
	// ping发送周期必须小于pongWait
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = (o.PongWait * 9) / 10
	}
	return o
}

// NewUpgrader 创建升级器，门户页面来自路由器，不校验Origin
func NewUpgrader(cfg *config.WebSocketConfig) websocket.Upgrader {
	u := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	if cfg != nil {
		if cfg.ReadBufferSize > 0 {
			u.ReadBufferSize = cfg.ReadBufferSize
		}
		if cfg.WriteBufferSize > 0 {
			u.WriteBufferSize = cfg.WriteBufferSize
		}
	}
	return u
}

// Client 一个门户页面连接，实现 admission.ClientChannel
type Client struct {
	ID   string
	conn *websocket.Conn
	opts Options

	writeMu   sync.Mutex
	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
	logger    *zap.Logger
}

// NewClient 包装已升级的连接
func NewClient(conn *websocket.Conn, opts Options) *Client {
	id := uuid.New().String()
	return &Client{
		ID:     id,
		conn:   conn,
		opts:   opts,
		done:   make(chan struct{}),
		logger: logger.GetModuleLogger("websocket").With(zap.String("client_id", id)),
	}
}

// RemoteAddr 对端地址
func (c *Client) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// ReadHandshake 读取第一帧文本，超时或读取失败返回错误
func (c *Client) ReadHandshake() (string, error) {
	c.conn.SetReadLimit(c.opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.opts.HandshakeWait))

	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		c.markDone()
		return "", errors.Wrap(err, errors.ErrWebSocketReceive)
	}
	if msgType != websocket.TextMessage {
		return "", errors.New(errors.ErrInvalidHandshake)
	}
	logger.LogWebSocketMessage("receive", "handshake", string(data))
	return string(data), nil
}

// Start 启动读循环与心跳，握手之后调用
func (c *Client) Start() {
	c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		return nil
	})

	go c.readPump()
	go c.pingPump()
}

// readPump 握手后的客户端帧一律丢弃，只用于发现断开
func (c *Client) readPump() {
	defer c.markDone()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Debug("WebSocket读取错误", zap.Error(err))
			}
			return
		}
	}
}

func (c *Client) pingPump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteWait)); err != nil {
				c.markDone()
				return
			}
		}
	}
}

// Send 以JSON文本帧发送消息
func (c *Client) Send(msg admission.Message) error {
	select {
	case <-c.done:
		return errors.New(errors.ErrWebSocketClosed)
	default:
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrMessageFormat)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.markDone()
		return errors.Wrap(err, errors.ErrWebSocketSend)
	}
	logger.LogWebSocketMessage("send", string(msg.Status), msg)
	return nil
}

// Done 连接断开时关闭
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close 发送关闭帧后断开底层连接，可重复调用
func (c *Client) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		werr := c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(c.opts.WriteWait))
		c.writeMu.Unlock()

		c.markDone()
		cerr := c.conn.Close()

		if werr != nil && werr != websocket.ErrCloseSent {
			err = errors.Wrap(werr, errors.ErrWebSocketClosed)
		} else if cerr != nil {
			err = errors.Wrap(cerr, errors.ErrWebSocketClosed)
		}
		c.logger.Debug("连接已关闭", zap.Int("code", code), zap.String("reason", reason))
	})
	return err
}

func (c *Client) markDone() {
	c.doneOnce.Do(func() {
		close(c.done)
	})
}

var _ admission.ClientChannel = (*Client)(nil)
