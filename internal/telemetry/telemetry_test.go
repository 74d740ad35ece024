package telemetry

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/koinet/internal/hardware"
	"github.com/wfunc/koinet/internal/routeros"
)

type published struct {
	topic    string
	retained bool
	payload  interface{}
}

type memPublisher struct {
	mu     sync.Mutex
	msgs   []published
	closed bool
}

func (p *memPublisher) Publish(topic string, retained bool, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{topic, retained, payload})
	return nil
}

func (p *memPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *memPublisher) Messages() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

type staticReading struct {
	reading hardware.CoinReading
	ok      bool
}

func (s staticReading) CurrentReading() (hardware.CoinReading, bool) {
	return s.reading, s.ok
}

type stubUsers struct {
	active []routeros.ActiveSession
	users  []routeros.HotspotUser
	err    error
}

func (s *stubUsers) HotspotActive(ctx context.Context) ([]routeros.ActiveSession, error) {
	return s.active, s.err
}

func (s *stubUsers) HotspotUsers(ctx context.Context) ([]routeros.HotspotUser, error) {
	return s.users, nil
}

func TestParseRouterOSDuration(t *testing.T) {
	testCases := map[string]int64{
		"":           0,
		"never":      0,
		"30m":        1800,
		"1h":         3600,
		"1w2d3h4m5s": 7*86400 + 2*86400 + 3*3600 + 4*60 + 5,
		"59s":        59,
		"garbage":    0,
	}
	for input, expected := range testCases {
		assert.Equal(t, expected, ParseRouterOSDuration(input), input)
	}
}

func TestEnergyAggregator(t *testing.T) {
	agg := NewEnergyAggregator(5 * time.Minute)
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.Local)

	// 首个样本
	assert.Nil(t, agg.Add(base, 12, 2))
	// 间隔不足，不计入
	assert.Nil(t, agg.Add(base.Add(time.Minute), 100, 100))
	// 满5分钟计入
	assert.Nil(t, agg.Add(base.Add(5*time.Minute), 12, 3))
	// 负值截断
	assert.Nil(t, agg.Add(base.Add(10*time.Minute), -12, 3))

	hourly := agg.Add(base.Add(time.Hour), 10, 1)
	require.NotNil(t, hourly)
	assert.Equal(t, 10, hourly.Hour)
	assert.Equal(t, 3, hourly.Samples)
	// (24 + 36 + 0) * 5/60
	assert.InDelta(t, 5.0, hourly.EnergyWh, 1e-9)

	// 新小时从新样本重新累计
	next := agg.Add(base.Add(2*time.Hour), 0, 0)
	require.NotNil(t, next)
	assert.Equal(t, 11, next.Hour)
	assert.InDelta(t, 10*1*5.0/60, next.EnergyWh, 1e-9)
}

func TestBuildConnectedUsers(t *testing.T) {
	active := []routeros.ActiveSession{
		{User: "AA:BB:CC:DD:EE:01", Address: "10.5.50.2", MACAddress: "AA:BB:CC:DD:EE:01", SessionTimeLeft: "25m10s"},
		{User: "default-trial", Address: "10.5.50.3", MACAddress: "AA:BB:CC:DD:EE:02", SessionTimeLeft: "5m"},
	}
	users := []routeros.HotspotUser{
		{Name: "AA:BB:CC:DD:EE:01", MACAddress: "AA:BB:CC:DD:EE:01", Address: "10.5.50.2", LimitUptime: "1h"},
		{Name: "default-trial", MACAddress: "AA:BB:CC:DD:EE:02", Address: "10.5.50.3", LimitUptime: "1d"},
		{Name: "AA:BB:CC:DD:EE:09", MACAddress: "AA:BB:CC:DD:EE:09", Address: "10.5.50.9", LimitUptime: "2h"},
		{Name: "broken"},
	}

	got := BuildConnectedUsers(active, users)
	require.Len(t, got, 2)
	assert.Equal(t, ConnectedUser{
		Name: "AA:BB:CC:DD:EE:01", UserIP: "10.5.50.2", UserMAC: "AA:BB:CC:DD:EE:01",
		Uptime: 25*60 + 10, UptimeLimit: 3600,
	}, got[0])
	// 试用账号不补充总时长
	assert.Equal(t, int64(0), got[1].UptimeLimit)
}

func TestSink_PublishStatus(t *testing.T) {
	pub := &memPublisher{}
	sink := NewSink(SinkConfig{TopicPrefix: "site1", PowerSampleInterval: 5 * time.Minute}, pub,
		staticReading{reading: hardware.CoinReading{Voltage: 13.2, Current: -0.4, CoinCount: 3}, ok: true}, nil)

	clock := time.Date(2025, 3, 1, 10, 59, 0, 0, time.Local)
	sink.now = func() time.Time { return clock }

	sink.publishStatus(context.Background())
	clock = clock.Add(2 * time.Minute)
	sink.publishStatus(context.Background())

	msgs := pub.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "site1/plts/status", msgs[0].topic)
	status := msgs[0].payload.(PLTSStatus)
	assert.Equal(t, 13.2, status.CurrentVoltage)
	assert.Equal(t, 0.0, status.CurrentAmpere)

	assert.Equal(t, "site1/plts/hourly/10", msgs[2].topic)
	assert.True(t, msgs[2].retained)
}

func TestSink_NoReadingNoPublish(t *testing.T) {
	pub := &memPublisher{}
	sink := NewSink(SinkConfig{}, pub, staticReading{}, nil)
	sink.publishStatus(context.Background())
	assert.Empty(t, pub.Messages())
}

func TestSink_SyncUsers(t *testing.T) {
	pub := &memPublisher{}
	users := &stubUsers{
		active: []routeros.ActiveSession{{User: "AA", Address: "10.0.0.2", MACAddress: "AA", SessionTimeLeft: "1m"}},
	}
	sink := NewSink(SinkConfig{}, pub, staticReading{}, users)

	sink.syncUsers(context.Background())
	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "koinet/users/connected", msgs[0].topic)
	assert.Len(t, msgs[0].payload.([]ConnectedUser), 1)

	users.err = stderrors.New("router down")
	sink.syncUsers(context.Background())
	assert.Len(t, pub.Messages(), 1)
}

func TestSink_StartStop(t *testing.T) {
	pub := &memPublisher{}
	sink := NewSink(SinkConfig{SampleInterval: 5 * time.Millisecond, UserSyncInterval: 5 * time.Millisecond}, pub,
		staticReading{reading: hardware.CoinReading{Voltage: 12, Current: 1}, ok: true}, &stubUsers{})

	sink.Start(context.Background())
	require.Eventually(t, func() bool { return len(pub.Messages()) >= 2 }, time.Second, 5*time.Millisecond)
	sink.Stop()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.True(t, pub.closed)
}
