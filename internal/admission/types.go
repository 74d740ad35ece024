package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/wfunc/koinet/internal/hardware"
)

// RequestState 准入请求状态
type RequestState int32

const (
	StateQueued RequestState = iota // 排队中
	StateActive                     // 计时中（全局唯一）
	StateDone                       // 已结束
)

// String 返回状态名称
func (s RequestState) String() string {
	switch s {
	case StateQueued:
		return "QUEUED"
	case StateActive:
		return "ACTIVE"
	case StateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Decision 请求的最终结果
type Decision string

const (
	DecisionApproved     Decision = "approved"
	DecisionDenied       Decision = "denied"
	DecisionBypass       Decision = "bypass"
	DecisionAborted      Decision = "aborted"      // 计时中客户端断开
	DecisionDisconnected Decision = "disconnected" // 排队中客户端断开
)

// 拒绝原因
const (
	ReasonNoCoin       = "no coin"
	ReasonGrantFailed  = "grant failed"
	ReasonShuttingDown = "server shutting down"
	ReasonQueueFull    = "queue full"
	ReasonInternal     = "internal error"
)

// Outcome 请求结束时的结果
type Outcome struct {
	Decision    Decision
	Reason      string
	CoinDelta   int
	TimeMinutes int
}

// AdmissionRequest 一个客户端的上网准入请求
type AdmissionRequest struct {
	ID         string
	MACAddress string
	IPAddress  string
	Channel    ClientChannel
	EnqueuedAt time.Time

	state    atomic.Int32
	done     chan struct{}
	doneOnce sync.Once
	outcome  Outcome
}

// NewAdmissionRequest 创建排队状态的请求
func NewAdmissionRequest(mac, ip string, ch ClientChannel) *AdmissionRequest {
	return &AdmissionRequest{
		ID:         uuid.New().String(),
		MACAddress: mac,
		IPAddress:  ip,
		Channel:    ch,
		EnqueuedAt: time.Now(),
		done:       make(chan struct{}),
	}
}

// State 当前状态
func (r *AdmissionRequest) State() RequestState {
	return RequestState(r.state.Load())
}

// Done 请求结束时关闭
func (r *AdmissionRequest) Done() <-chan struct{} {
	return r.done
}

// Outcome 返回最终结果，仅在 Done 关闭后有效
func (r *AdmissionRequest) Outcome() Outcome {
	<-r.done
	return r.outcome
}

// activate QUEUED -> ACTIVE
func (r *AdmissionRequest) activate() bool {
	return r.state.CompareAndSwap(int32(StateQueued), int32(StateActive))
}

// resolve 标记结束，只生效一次
func (r *AdmissionRequest) resolve(o Outcome) bool {
	resolved := false
	r.doneOnce.Do(func() {
		r.outcome = o
		r.state.Store(int32(StateDone))
		close(r.done)
		resolved = true
	})
	return resolved
}

// Status 消息状态
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusReceiving Status = "receiving"
	StatusApproved  Status = "approved"
	StatusDenied    Status = "denied"
	StatusBypass    Status = "bypass"
)

// Message 下发给客户端的状态消息
type Message struct {
	Status      Status      `json:"status"`
	Data        interface{} `json:"data,omitempty"`
	TimeMinutes int         `json:"time_minutes,omitempty"`
	Reason      string      `json:"reason,omitempty"`
}

// WaitingData 排队位置
type WaitingData struct {
	QueuePos int `json:"queue_pos"`
}

// ReceivingData 投币计时
type ReceivingData struct {
	RemainingSeconds int `json:"timer"`
	SessionCoinDelta int `json:"coin_count"`
}

// WaitingMessage 排队位置消息，位置从1开始
func WaitingMessage(position int) Message {
	return Message{Status: StatusWaiting, Data: WaitingData{QueuePos: position}}
}

// ReceivingMessage 投币计时消息
func ReceivingMessage(remainingSeconds, coinDelta int) Message {
	return Message{Status: StatusReceiving, Data: ReceivingData{
		RemainingSeconds: remainingSeconds,
		SessionCoinDelta: coinDelta,
	}}
}

// ApprovedMessage 批准消息
func ApprovedMessage(minutes int) Message {
	return Message{Status: StatusApproved, TimeMinutes: minutes}
}

// DeniedMessage 拒绝消息
func DeniedMessage(reason string) Message {
	return Message{Status: StatusDenied, Reason: reason}
}

// BypassMessage 已有有效授权
func BypassMessage() Message {
	return Message{Status: StatusBypass}
}

// WebSocket关闭码
const (
	CloseNormal      = 1000
	CloseUnsupported = 1003
)

// ClientChannel 与客户端设备之间的消息通道
type ClientChannel interface {
	// Send 发送状态消息，失败视为客户端已断开
	Send(msg Message) error
	// Done 客户端断开时关闭
	Done() <-chan struct{}
	// Close 以指定关闭码结束连接
	Close(code int, reason string) error
}

// CoinSource 投币读数来源
type CoinSource interface {
	CurrentReading() (hardware.CoinReading, bool)
	RequestDeviceReset()
}

// HostConnectivityChecker 检查设备是否已连接热点
type HostConnectivityChecker interface {
	IsHostConnected(ctx context.Context, mac, ip string) (bool, error)
}

// ExistingGrantChecker 检查设备是否已有有效授权
type ExistingGrantChecker interface {
	HasActiveGrant(ctx context.Context, mac, ip string) (bool, error)
}

// NetworkAccessGrantor 为设备开通限时上网账号
type NetworkAccessGrantor interface {
	Grant(ctx context.Context, mac, ip string, minutes int) error
}

// OutcomeEvent 请求结束事件（用于审计记录）
type OutcomeEvent struct {
	RequestID  string
	MACAddress string
	IPAddress  string
	Outcome    Outcome
	EnqueuedAt time.Time
	ResolvedAt time.Time
}

// OutcomeRecorder 记录请求结果
type OutcomeRecorder interface {
	RecordOutcome(event OutcomeEvent)
}

func newOutcomeEvent(r *AdmissionRequest, o Outcome) OutcomeEvent {
	return OutcomeEvent{
		RequestID:  r.ID,
		MACAddress: r.MACAddress,
		IPAddress:  r.IPAddress,
		Outcome:    o,
		EnqueuedAt: r.EnqueuedAt,
		ResolvedAt: time.Now(),
	}
}
