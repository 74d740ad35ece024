package admission

import (
	"context"
	"math"
	"time"

	"github.com/wfunc/koinet/internal/logger"
	"go.uber.org/zap"
)

// Clock 时间来源，测试时可替换
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock 系统时钟
var RealClock Clock = realClock{}

// TimerState 会话计时器状态
type TimerState int

const (
	TimerRunning  TimerState = iota
	TimerExpired             // 窗口到期
	TimerAborted             // 客户端断开
	TimerCanceled            // 服务关闭
)

// String 返回状态名称
func (s TimerState) String() string {
	switch s {
	case TimerRunning:
		return "RUNNING"
	case TimerExpired:
		return "EXPIRED"
	case TimerAborted:
		return "ABORTED"
	case TimerCanceled:
		return "CANCELED"
	default:
		return "UNKNOWN"
	}
}

// TimerResult 计时结束时的结果
type TimerResult struct {
	State     TimerState
	CoinDelta int
	Elapsed   time.Duration
}

// SessionTimer 为当前激活的请求计时：每次新投币把截止时间重置为 now+window
type SessionTimer struct {
	coins  CoinSource
	window time.Duration
	tick   time.Duration
	clock  Clock
	logger *zap.Logger
}

// NewSessionTimer 创建计时器
func NewSessionTimer(coins CoinSource, window, tick time.Duration, clock Clock) *SessionTimer {
	if clock == nil {
		clock = RealClock
	}
	if tick <= 0 {
		tick = time.Second
	}
	return &SessionTimer{
		coins:  coins,
		window: window,
		tick:   tick,
		clock:  clock,
		logger: logger.GetModuleLogger("admission"),
	}
}

// coinTracker 统计本会话内的投币数
//
// 以会话开始时的计数为基线；设备计数回退（复位生效）时，
// 之后的计数视为复位后新增，已统计的投币不会丢失。
type coinTracker struct {
	coins   CoinSource
	lastRaw int64
	seeded  bool
	delta   int
}

func (c *coinTracker) observe() int {
	reading, ok := c.coins.CurrentReading()
	if !ok {
		return c.delta
	}
	raw := reading.CoinCount
	switch {
	case !c.seeded:
		c.seeded = true
	case raw >= c.lastRaw:
		c.delta += int(raw - c.lastRaw)
	default:
		c.delta += int(raw)
	}
	c.lastRaw = raw
	return c.delta
}

// Run 执行一次会话计时，直到到期、客户端断开或 ctx 取消
func (t *SessionTimer) Run(ctx context.Context, r *AdmissionRequest) TimerResult {
	tracker := &coinTracker{coins: t.coins}
	start := t.clock.Now()
	tracker.observe()
	deadline := start.Add(t.window)
	lastDelta := 0

	for {
		now := t.clock.Now()
		delta := tracker.observe()

		if delta > lastDelta {
			deadline = now.Add(t.window)
			logger.LogAdmissionEvent("coin_inserted", r.ID,
				zap.Int("coin_delta", delta),
				zap.Time("deadline", deadline))
			lastDelta = delta
		}

		remaining := deadline.Sub(now)
		if remaining <= 0 {
			return TimerResult{State: TimerExpired, CoinDelta: delta, Elapsed: now.Sub(start)}
		}

		seconds := int(math.Ceil(remaining.Seconds()))
		if err := r.Channel.Send(ReceivingMessage(seconds, delta)); err != nil {
			t.logger.Info("计时中客户端断开",
				zap.String("request_id", r.ID),
				zap.Error(err))
			return TimerResult{State: TimerAborted, CoinDelta: delta, Elapsed: now.Sub(start)}
		}

		// 对齐到下一个tick边界
		wait := t.tick - now.Sub(start)%t.tick
		select {
		case <-ctx.Done():
			return TimerResult{State: TimerCanceled, CoinDelta: delta, Elapsed: t.clock.Now().Sub(start)}
		case <-t.clock.After(wait):
		}
	}
}
