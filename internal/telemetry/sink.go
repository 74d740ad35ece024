package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wfunc/koinet/internal/hardware"
	"github.com/wfunc/koinet/internal/logger"
	"github.com/wfunc/koinet/internal/routeros"
	"go.uber.org/zap"
)

// ReadingSource 投币器读数来源
type ReadingSource interface {
	CurrentReading() (hardware.CoinReading, bool)
}

// UserSource 热点用户来源
type UserSource interface {
	HotspotActive(ctx context.Context) ([]routeros.ActiveSession, error)
	HotspotUsers(ctx context.Context) ([]routeros.HotspotUser, error)
}

// PLTSStatus 光伏实时状态
type PLTSStatus struct {
	CurrentVoltage float64   `json:"currentVoltage"`
	CurrentAmpere  float64   `json:"currentAmpere"`
	Timestamp      time.Time `json:"timestamp"`
}

// SinkConfig 遥测参数
type SinkConfig struct {
	TopicPrefix         string
	SampleInterval      time.Duration
	PowerSampleInterval time.Duration
	UserSyncInterval    time.Duration
}

// Sink 把读数与热点用户转发到MQTT，不做本地持久化
type Sink struct {
	cfg       SinkConfig
	publisher Publisher
	readings  ReadingSource
	users     UserSource
	energy    *EnergyAggregator
	now       func() time.Time
	logger    *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSink 创建遥测转发器，users 为 nil 时不同步用户
func NewSink(cfg SinkConfig, publisher Publisher, readings ReadingSource, users UserSource) *Sink {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 5 * time.Second
	}
	if cfg.UserSyncInterval <= 0 {
		cfg.UserSyncInterval = 30 * time.Second
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "koinet"
	}
	return &Sink{
		cfg:       cfg,
		publisher: publisher,
		readings:  readings,
		users:     users,
		energy:    NewEnergyAggregator(cfg.PowerSampleInterval),
		now:       time.Now,
		logger:    logger.GetModuleLogger("mqtt"),
	}
}

// StatusTopic 实时状态主题
func (s *Sink) StatusTopic() string {
	return s.cfg.TopicPrefix + "/plts/status"
}

// HourlyTopic 小时发电量主题
func (s *Sink) HourlyTopic(hour int) string {
	return fmt.Sprintf("%s/plts/hourly/%d", s.cfg.TopicPrefix, hour)
}

// UsersTopic 在线用户主题
func (s *Sink) UsersTopic() string {
	return s.cfg.TopicPrefix + "/users/connected"
}

// Start 启动采样与同步循环
func (s *Sink) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.loop(ctx, s.cfg.SampleInterval, s.publishStatus)

	if s.users != nil {
		s.wg.Add(1)
		go s.loop(ctx, s.cfg.UserSyncInterval, s.syncUsers)
	}

	s.logger.Info("遥测转发已启动",
		zap.String("prefix", s.cfg.TopicPrefix),
		zap.Duration("sample_interval", s.cfg.SampleInterval))
}

// Stop 停止并断开发布者
func (s *Sink) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.publisher.Close()
	s.logger.Info("遥测转发已停止")
}

func (s *Sink) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// publishStatus 发布实时电压电流，并累计小时发电量
func (s *Sink) publishStatus(ctx context.Context) {
	reading, ok := s.readings.CurrentReading()
	if !ok {
		return
	}

	now := s.now()
	status := PLTSStatus{
		CurrentVoltage: clamp(reading.Voltage),
		CurrentAmpere:  clamp(reading.Current),
		Timestamp:      now,
	}
	if err := s.publisher.Publish(s.StatusTopic(), true, status); err != nil {
		s.logger.Warn("发布实时状态失败", zap.Error(err))
	}

	if hourly := s.energy.Add(now, reading.Voltage, reading.Current); hourly != nil {
		if err := s.publisher.Publish(s.HourlyTopic(hourly.Hour), true, hourly); err != nil {
			s.logger.Warn("发布小时发电量失败", zap.Int("hour", hourly.Hour), zap.Error(err))
		}
	}
}

// syncUsers 发布当前在线用户的完整列表
func (s *Sink) syncUsers(ctx context.Context) {
	active, err := s.users.HotspotActive(ctx)
	if err != nil {
		s.logger.Warn("获取在线会话失败", zap.Error(err))
		return
	}
	users, err := s.users.HotspotUsers(ctx)
	if err != nil {
		s.logger.Warn("获取热点用户失败", zap.Error(err))
		return
	}

	connected := BuildConnectedUsers(active, users)
	if err := s.publisher.Publish(s.UsersTopic(), true, connected); err != nil {
		s.logger.Warn("发布在线用户失败", zap.Error(err))
	}
}
