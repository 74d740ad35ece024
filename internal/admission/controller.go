package admission

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wfunc/koinet/internal/errors"
	"github.com/wfunc/koinet/internal/logger"
	"go.uber.org/zap"
)

// grantRetryDelay 可重试的开通失败后等待再试一次
const grantRetryDelay = 500 * time.Millisecond

// ControllerConfig 控制器参数
type ControllerConfig struct {
	Window         time.Duration
	MinutesPerCoin int
	TickInterval   time.Duration
	IdleInterval   time.Duration
	Clock          Clock
}

// Controller 单飞准入控制器：一次只处理一个请求
type Controller struct {
	queue       *Queue
	broadcaster *Broadcaster
	coins       CoinSource
	grantor     NetworkAccessGrantor
	recorder    OutcomeRecorder
	clock       Clock
	logger      *zap.Logger

	paramsMu       sync.RWMutex
	window         time.Duration
	minutesPerCoin int
	tick           time.Duration
	idle           time.Duration

	active atomic.Pointer[AdmissionRequest]

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	approved atomic.Uint64
	denied   atomic.Uint64
	aborted  atomic.Uint64
}

// NewController 创建准入控制器
func NewController(cfg ControllerConfig, queue *Queue, broadcaster *Broadcaster,
	coins CoinSource, grantor NetworkAccessGrantor, recorder OutcomeRecorder) *Controller {
	if cfg.Clock == nil {
		cfg.Clock = RealClock
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = time.Second
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	return &Controller{
		queue:          queue,
		broadcaster:    broadcaster,
		coins:          coins,
		grantor:        grantor,
		recorder:       recorder,
		clock:          cfg.Clock,
		logger:         logger.GetModuleLogger("admission"),
		window:         cfg.Window,
		minutesPerCoin: cfg.MinutesPerCoin,
		tick:           cfg.TickInterval,
		idle:           cfg.IdleInterval,
	}
}

// UpdateParams 热更新窗口时长与每币分钟数，下一个会话生效
func (c *Controller) UpdateParams(window time.Duration, minutesPerCoin int) {
	c.paramsMu.Lock()
	defer c.paramsMu.Unlock()
	c.window = window
	c.minutesPerCoin = minutesPerCoin
	c.logger.Info("准入参数已更新",
		zap.Duration("window", window),
		zap.Int("minutes_per_coin", minutesPerCoin))
}

func (c *Controller) params() (time.Duration, int, time.Duration) {
	c.paramsMu.RLock()
	defer c.paramsMu.RUnlock()
	return c.window, c.minutesPerCoin, c.tick
}

// Start 启动后台处理循环
func (c *Controller) Start(ctx context.Context) {
	if !c.running.CompareAndSwap(false, true) {
		return
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Run(c.ctx)
	}()
	c.logger.Info("准入控制器已启动")
}

// Stop 停止处理循环，当前会话与排队请求均以拒绝结束
func (c *Controller) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	c.cancel()
	c.wg.Wait()
	c.logger.Info("准入控制器已停止")
}

// Running 处理循环是否在运行
func (c *Controller) Running() bool {
	return c.running.Load()
}

// Active 返回当前激活的请求
func (c *Controller) Active() *AdmissionRequest {
	return c.active.Load()
}

// ControllerStats 控制器统计
type ControllerStats struct {
	Waiting  int    `json:"waiting"`
	ActiveID string `json:"active_id,omitempty"`
	Approved uint64 `json:"approved"`
	Denied   uint64 `json:"denied"`
	Aborted  uint64 `json:"aborted"`
}

// Stats 返回统计快照
func (c *Controller) Stats() ControllerStats {
	s := ControllerStats{
		Waiting:  c.queue.Len(),
		Approved: c.approved.Load(),
		Denied:   c.denied.Load(),
		Aborted:  c.aborted.Load(),
	}
	if r := c.active.Load(); r != nil {
		s.ActiveID = r.ID
	}
	return s
}

// Run 处理循环，直到 ctx 取消
func (c *Controller) Run(ctx context.Context) {
	defer c.drain()

	for {
		if ctx.Err() != nil {
			return
		}

		if c.runCycle(ctx) {
			continue
		}

		// 队列为空
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(c.idle):
		}
	}
}

// runCycle 处理一个请求，队列为空时返回 false
func (c *Controller) runCycle(ctx context.Context) (processed bool) {
	req, ok := c.queue.DequeueNext()
	if !ok {
		return false
	}
	c.active.Store(req)

	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("准入处理异常",
				zap.String("request_id", req.ID),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()))
			c.forceDeny(req)
		}
		processed = true
	}()

	logger.LogAdmissionEvent("activated", req.ID,
		zap.String("mac", req.MACAddress),
		zap.String("ip", req.IPAddress))

	outcome := c.decide(ctx, req)
	c.finish(req, outcome, outcome.Decision != DecisionAborted)
	return true
}

// decide 运行计时器并得出结果
func (c *Controller) decide(ctx context.Context, req *AdmissionRequest) Outcome {
	window, minutesPerCoin, tick := c.params()
	timer := NewSessionTimer(c.coins, window, tick, c.clock)
	result := timer.Run(ctx, req)

	switch result.State {
	case TimerAborted:
		c.logger.Info("客户端中途断开",
			zap.Error(errors.New(errors.ErrSessionAborted, req.ID)),
			zap.Int("coin_delta", result.CoinDelta))
		return Outcome{Decision: DecisionAborted, CoinDelta: result.CoinDelta}
	case TimerCanceled:
		c.logger.Info("会话被关闭打断",
			zap.Error(errors.New(errors.ErrShuttingDown, req.ID)),
			zap.Int("coin_delta", result.CoinDelta))
		return Outcome{Decision: DecisionDenied, Reason: ReasonShuttingDown, CoinDelta: result.CoinDelta}
	case TimerExpired:
	default:
		panic(fmt.Sprintf("unexpected timer state %s", result.State))
	}

	if result.CoinDelta == 0 {
		if _, ok := c.coins.CurrentReading(); !ok {
			c.logger.Warn("窗口内没有投币读数",
				zap.Error(errors.New(errors.ErrNoReading, req.ID)))
		}
		return Outcome{Decision: DecisionDenied, Reason: ReasonNoCoin}
	}

	minutes := result.CoinDelta * minutesPerCoin
	if err := c.grant(ctx, req, minutes); err != nil {
		c.logger.Error("开通上网账号失败",
			zap.String("request_id", req.ID),
			zap.Int("minutes", minutes),
			zap.Error(errors.Wrap(err, errors.ErrGrantFailed, req.MACAddress)))
		return Outcome{Decision: DecisionDenied, Reason: ReasonGrantFailed, CoinDelta: result.CoinDelta}
	}

	return Outcome{Decision: DecisionApproved, CoinDelta: result.CoinDelta, TimeMinutes: minutes}
}

// grant 开通上网账号，可重试的错误（连接失败、超时）再试一次
func (c *Controller) grant(ctx context.Context, req *AdmissionRequest, minutes int) error {
	err := c.grantor.Grant(ctx, req.MACAddress, req.IPAddress, minutes)
	if err == nil || !errors.IsRetryable(err) {
		return err
	}

	c.logger.Warn("开通上网账号失败，稍后重试",
		zap.String("request_id", req.ID),
		zap.Error(err))
	select {
	case <-ctx.Done():
		return err
	case <-c.clock.After(grantRetryDelay):
	}
	return c.grantor.Grant(ctx, req.MACAddress, req.IPAddress, minutes)
}

// finish 通知客户端、复位设备、结束请求并重新广播
func (c *Controller) finish(req *AdmissionRequest, o Outcome, notify bool) {
	if req.State() == StateDone {
		c.active.CompareAndSwap(req, nil)
		return
	}

	if notify {
		var msg Message
		if o.Decision == DecisionApproved {
			msg = ApprovedMessage(o.TimeMinutes)
		} else {
			msg = DeniedMessage(o.Reason)
		}
		if err := req.Channel.Send(msg); err != nil {
			c.logger.Warn("发送结果失败", zap.String("request_id", req.ID), zap.Error(err))
		}
	}

	c.coins.RequestDeviceReset()

	if req.resolve(o) {
		switch o.Decision {
		case DecisionApproved:
			c.approved.Add(1)
		case DecisionAborted:
			c.aborted.Add(1)
		default:
			c.denied.Add(1)
		}
		logger.LogAdmissionEvent(string(o.Decision), req.ID,
			zap.String("reason", o.Reason),
			zap.Int("coin_delta", o.CoinDelta),
			zap.Int("time_minutes", o.TimeMinutes))
		if c.recorder != nil {
			c.recorder.RecordOutcome(newOutcomeEvent(req, o))
		}
	}

	c.active.CompareAndSwap(req, nil)
	c.broadcaster.Broadcast()
}

// forceDeny 处理异常后的收尾：先结束请求，通知与广播各自兜底
func (c *Controller) forceDeny(req *AdmissionRequest) {
	o := Outcome{Decision: DecisionDenied, Reason: ReasonInternal}
	resolved := req.resolve(o)
	c.active.CompareAndSwap(req, nil)

	if resolved {
		c.denied.Add(1)
		logger.LogAdmissionEvent(string(o.Decision), req.ID, zap.String("reason", o.Reason))
		c.safely(req, "record", func() {
			if c.recorder != nil {
				c.recorder.RecordOutcome(newOutcomeEvent(req, o))
			}
		})
		c.safely(req, "notify", func() {
			if err := req.Channel.Send(DeniedMessage(o.Reason)); err != nil {
				c.logger.Warn("发送结果失败", zap.String("request_id", req.ID), zap.Error(err))
			}
		})
	}
	c.safely(req, "reset", c.coins.RequestDeviceReset)
	c.safely(req, "broadcast", c.broadcaster.Broadcast)
}

func (c *Controller) safely(req *AdmissionRequest, step string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("异常收尾失败",
				zap.String("request_id", req.ID),
				zap.String("step", step),
				zap.Any("panic", rec))
		}
	}()
	fn()
}

// drain 关闭时拒绝所有排队中的请求
func (c *Controller) drain() {
	o := Outcome{Decision: DecisionDenied, Reason: ReasonShuttingDown}
	for _, req := range c.queue.Close() {
		if req.State() == StateDone {
			continue
		}
		if err := req.Channel.Send(DeniedMessage(o.Reason)); err != nil {
			c.logger.Debug("关闭通知发送失败", zap.String("request_id", req.ID), zap.Error(err))
		}
		if req.resolve(o) {
			c.denied.Add(1)
			if c.recorder != nil {
				c.recorder.RecordOutcome(newOutcomeEvent(req, o))
			}
		}
	}
}
