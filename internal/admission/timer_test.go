package admission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receivingData(t *testing.T, msg Message) ReceivingData {
	t.Helper()
	require.Equal(t, StatusReceiving, msg.Status)
	return msg.Data.(ReceivingData)
}

func TestSessionTimer_ExpiresWithoutCoins(t *testing.T) {
	clock := newFakeClock()
	coins := &fakeCoins{count: 5}
	ch := newFakeChannel()
	req := NewAdmissionRequest("AA:BB:CC:DD:EE:FF", "10.5.50.2", ch)

	timer := NewSessionTimer(coins, 10*time.Second, time.Second, clock)
	res := timer.Run(context.Background(), req)

	assert.Equal(t, TimerExpired, res.State)
	assert.Equal(t, 0, res.CoinDelta)
	assert.Equal(t, 10*time.Second, res.Elapsed)

	msgs := ch.Messages()
	require.Len(t, msgs, 10)
	assert.Equal(t, 10, receivingData(t, msgs[0]).RemainingSeconds)
	assert.Equal(t, 1, receivingData(t, msgs[9]).RemainingSeconds)
	for _, m := range msgs {
		// 会话前已有的5枚不计入
		assert.Equal(t, 0, receivingData(t, m).SessionCoinDelta)
	}
}

func TestSessionTimer_CoinResetsDeadline(t *testing.T) {
	clock := newFakeClock()
	coins := &fakeCoins{clock: clock, byTime: func(elapsed time.Duration) int64 {
		if elapsed >= 8*time.Second {
			return 4
		}
		return 3
	}}
	ch := newFakeChannel()
	req := NewAdmissionRequest("AA:BB:CC:DD:EE:FF", "10.5.50.2", ch)

	timer := NewSessionTimer(coins, 10*time.Second, time.Second, clock)
	res := timer.Run(context.Background(), req)

	assert.Equal(t, TimerExpired, res.State)
	assert.Equal(t, 1, res.CoinDelta)
	// t=8s 投币后截止时间为 t=18s，而不是在原剩余时间上累加
	assert.Equal(t, 18*time.Second, res.Elapsed)

	msgs := ch.Messages()
	require.Len(t, msgs, 18)
	at8 := receivingData(t, msgs[8])
	assert.Equal(t, 10, at8.RemainingSeconds)
	assert.Equal(t, 1, at8.SessionCoinDelta)
	assert.Equal(t, 3, receivingData(t, msgs[7]).RemainingSeconds)
	assert.Equal(t, 1, receivingData(t, msgs[17]).RemainingSeconds)
}

func TestSessionTimer_DeltaMonotonic(t *testing.T) {
	clock := newFakeClock()
	coins := &fakeCoins{clock: clock, byTime: func(elapsed time.Duration) int64 {
		switch {
		case elapsed >= 5*time.Second:
			return 1 // 复位生效后又投1枚
		case elapsed >= 3*time.Second:
			return 0 // 设备复位
		case elapsed >= 2*time.Second:
			return 9
		default:
			return 7
		}
	}}
	ch := newFakeChannel()
	req := NewAdmissionRequest("AA:BB:CC:DD:EE:FF", "10.5.50.2", ch)

	res := NewSessionTimer(coins, 10*time.Second, time.Second, clock).Run(context.Background(), req)

	assert.Equal(t, TimerExpired, res.State)
	assert.Equal(t, 3, res.CoinDelta)

	last := 0
	for _, m := range ch.Messages() {
		d := receivingData(t, m).SessionCoinDelta
		assert.GreaterOrEqual(t, d, last)
		last = d
	}
}

func TestSessionTimer_AbortsOnSendFailure(t *testing.T) {
	clock := newFakeClock()
	ch := newFakeChannel()
	ch.failAfter = 3
	req := NewAdmissionRequest("AA:BB:CC:DD:EE:FF", "10.5.50.2", ch)

	res := NewSessionTimer(&fakeCoins{}, 10*time.Second, time.Second, clock).Run(context.Background(), req)

	assert.Equal(t, TimerAborted, res.State)
	// 第4次发送失败时立即结束，不再等待下一个tick
	assert.Equal(t, 3*time.Second, res.Elapsed)
	assert.Len(t, ch.Messages(), 3)
}

func TestSessionTimer_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ch := newFakeChannel()
	req := NewAdmissionRequest("AA:BB:CC:DD:EE:FF", "10.5.50.2", ch)

	// 真实时钟：取消后必须立即返回
	start := time.Now()
	res := NewSessionTimer(&fakeCoins{}, 10*time.Second, time.Second, nil).Run(ctx, req)

	assert.Equal(t, TimerCanceled, res.State)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSessionTimer_NoReadingYet(t *testing.T) {
	clock := newFakeClock()
	coins := &fakeCoins{noData: true}
	ch := newFakeChannel()
	req := NewAdmissionRequest("AA:BB:CC:DD:EE:FF", "10.5.50.2", ch)

	res := NewSessionTimer(coins, 3*time.Second, time.Second, clock).Run(context.Background(), req)
	assert.Equal(t, TimerExpired, res.State)
	assert.Equal(t, 0, res.CoinDelta)
}

func TestCoinTracker_FirstReadingIsBaseline(t *testing.T) {
	coins := &fakeCoins{noData: true}
	tracker := &coinTracker{coins: coins}
	assert.Equal(t, 0, tracker.observe())

	// 会话开始后才出现的首个读数作为基线
	coins.mu.Lock()
	coins.noData = false
	coins.count = 12
	coins.mu.Unlock()
	assert.Equal(t, 0, tracker.observe())

	coins.Add(2)
	assert.Equal(t, 2, tracker.observe())
}
