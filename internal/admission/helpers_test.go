package admission

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/wfunc/koinet/internal/hardware"
)

var errChannelClosed = stderrors.New("channel closed")

// fakeChannel 记录发送的消息，可配置发送失败
type fakeChannel struct {
	mu          sync.Mutex
	msgs        []Message
	failSend    bool
	failAfter   int // >0 时第N次之后的发送失败
	panicSend   bool
	sendCount   int
	done        chan struct{}
	doneOnce    sync.Once
	closed      bool
	closeCode   int
	closeReason string
	onSend      func(Message)
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{done: make(chan struct{})}
}

func (c *fakeChannel) Send(msg Message) error {
	c.mu.Lock()
	c.sendCount++
	fail := c.failSend || c.closed || (c.failAfter > 0 && c.sendCount > c.failAfter)
	if !fail {
		c.msgs = append(c.msgs, msg)
	}
	hook := c.onSend
	boom := c.panicSend
	c.mu.Unlock()

	if boom {
		panic("send: broken pipe")
	}

	if fail {
		return errChannelClosed
	}
	if hook != nil {
		hook(msg)
	}
	return nil
}

func (c *fakeChannel) Done() <-chan struct{} { return c.done }

func (c *fakeChannel) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errChannelClosed
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	return nil
}

// Disconnect 模拟远端断开
func (c *fakeChannel) Disconnect() {
	c.mu.Lock()
	c.failSend = true
	c.mu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *fakeChannel) SetFailSend(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failSend = v
}

func (c *fakeChannel) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func (c *fakeChannel) Last() (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.msgs) == 0 {
		return Message{}, false
	}
	return c.msgs[len(c.msgs)-1], true
}

func (c *fakeChannel) Closed() (bool, int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode, c.closeReason
}

// fakeClock 自动推进的虚拟时钟：After 立即把时间推进 d
type fakeClock struct {
	mu    sync.Mutex
	start time.Time
	now   time.Time
}

func newFakeClock() *fakeClock {
	t0 := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)
	return &fakeClock{start: t0, now: t0}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	t := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- t
	return ch
}

// Elapsed 距起点的虚拟时长
func (c *fakeClock) Elapsed() time.Duration {
	return c.Now().Sub(c.start)
}

// fakeCoins 投币读数来源，计数可按虚拟时间变化
type fakeCoins struct {
	mu      sync.Mutex
	count   int64
	byTime  func(elapsed time.Duration) int64
	clock   *fakeClock
	noData  bool
	resets  atomic.Int32
}

func (f *fakeCoins) CurrentReading() (hardware.CoinReading, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.noData {
		return hardware.CoinReading{}, false
	}
	count := f.count
	if f.byTime != nil && f.clock != nil {
		count = f.byTime(f.clock.Elapsed())
	}
	return hardware.CoinReading{Voltage: 12, Current: 1, CoinCount: count}, true
}

func (f *fakeCoins) RequestDeviceReset() {
	f.resets.Add(1)
}

func (f *fakeCoins) Set(count int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count = count
}

func (f *fakeCoins) Add(n int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count += n
}

// mockGrantor 授权接口mock
type mockGrantor struct {
	mock.Mock
}

func (m *mockGrantor) Grant(ctx context.Context, mac, ip string, minutes int) error {
	args := m.Called(mac, ip, minutes)
	return args.Error(0)
}

// stubHosts 主机校验与已授权检查
type stubHosts struct {
	connected bool
	active    bool
	err       error
}

func (s *stubHosts) IsHostConnected(ctx context.Context, mac, ip string) (bool, error) {
	return s.connected, s.err
}

func (s *stubHosts) HasActiveGrant(ctx context.Context, mac, ip string) (bool, error) {
	return s.active, nil
}

// memRecorder 收集结果事件
type memRecorder struct {
	mu     sync.Mutex
	events []OutcomeEvent
}

func (r *memRecorder) RecordOutcome(e OutcomeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *memRecorder) Events() []OutcomeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]OutcomeEvent, len(r.events))
	copy(out, r.events)
	return out
}
