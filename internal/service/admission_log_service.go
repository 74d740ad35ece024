package service

import (
	"sync"
	"time"

	"github.com/wfunc/koinet/internal/admission"
	"github.com/wfunc/koinet/internal/logger"
	"github.com/wfunc/koinet/internal/models"
	"github.com/wfunc/koinet/internal/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultFlushInterval = 5 * time.Second
	defaultFlushSize     = 100
	recordBufferSize     = 1000

	defaultRetentionInterval = time.Hour
)

// AdmissionLogService 异步写入接入结果，实现 admission.OutcomeRecorder
type AdmissionLogService struct {
	repo     *repository.AdmissionRecordRepository
	logger   *zap.Logger
	mu       sync.Mutex
	buffer   []*models.AdmissionRecord
	bufferCh chan *models.AdmissionRecord
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	flushInterval time.Duration
	flushSize     int
}

// NewAdmissionLogService 创建接入日志服务并启动后台写入
func NewAdmissionLogService(db *gorm.DB) *AdmissionLogService {
	return newAdmissionLogService(db, defaultFlushInterval, defaultFlushSize)
}

func newAdmissionLogService(db *gorm.DB, interval time.Duration, size int) *AdmissionLogService {
	s := &AdmissionLogService{
		repo:          repository.NewAdmissionRecordRepository(db),
		logger:        logger.GetModuleLogger("database"),
		buffer:        make([]*models.AdmissionRecord, 0, size),
		bufferCh:      make(chan *models.AdmissionRecord, recordBufferSize),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		flushInterval: interval,
		flushSize:     size,
	}

	go s.backgroundWriter()

	return s
}

// RecordOutcome 投递一条结果，缓冲区满时丢弃
func (s *AdmissionLogService) RecordOutcome(ev admission.OutcomeEvent) {
	record := &models.AdmissionRecord{
		RequestID:   ev.RequestID,
		MACAddress:  ev.MACAddress,
		IPAddress:   ev.IPAddress,
		Decision:    string(ev.Outcome.Decision),
		Reason:      ev.Outcome.Reason,
		CoinDelta:   ev.Outcome.CoinDelta,
		TimeMinutes: ev.Outcome.TimeMinutes,
		EnqueuedAt:  ev.EnqueuedAt,
		ResolvedAt:  ev.ResolvedAt,
	}

	select {
	case <-s.stopCh:
		s.logger.Warn("接入日志服务已停止，丢弃记录", zap.String("request_id", ev.RequestID))
		return
	default:
	}

	select {
	case s.bufferCh <- record:
	default:
		s.logger.Warn("接入日志缓冲区满，丢弃记录", zap.String("request_id", ev.RequestID))
	}
}

// backgroundWriter 定时或满批写入
func (s *AdmissionLogService) backgroundWriter() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case record := <-s.bufferCh:
			s.mu.Lock()
			s.buffer = append(s.buffer, record)
			if len(s.buffer) >= s.flushSize {
				s.flushBuffer()
			}
			s.mu.Unlock()

		case <-ticker.C:
			s.mu.Lock()
			s.flushBuffer()
			s.mu.Unlock()

		case <-s.stopCh:
			// 退出前写入剩余记录
			s.mu.Lock()
			s.drainPending()
			s.flushBuffer()
			s.mu.Unlock()
			return
		}
	}
}

// drainPending 取出通道中尚未处理的记录，调用方持有锁
func (s *AdmissionLogService) drainPending() {
	for {
		select {
		case record := <-s.bufferCh:
			s.buffer = append(s.buffer, record)
		default:
			return
		}
	}
}

// flushBuffer 调用方持有锁
func (s *AdmissionLogService) flushBuffer() {
	if len(s.buffer) == 0 {
		return
	}

	start := time.Now()
	err := s.repo.CreateBatch(s.buffer)
	logger.LogDatabaseOperation("create_batch", "admission_records", time.Since(start), err)
	if err == nil {
		s.logger.Debug("批量写入接入记录成功", zap.Int("count", len(s.buffer)))
	}

	s.buffer = s.buffer[:0]
}

// Flush 立即写入缓冲区
func (s *AdmissionLogService) Flush() {
	s.mu.Lock()
	s.drainPending()
	s.flushBuffer()
	s.mu.Unlock()
}

// Stop 停止后台写入，写入剩余记录
func (s *AdmissionLogService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	<-s.doneCh
	s.wg.Wait()
}

// StartRetention 启动后立即清理一次，之后按间隔清理超过保留天数的记录；
// retentionDays<=0 表示永久保留
func (s *AdmissionLogService) StartRetention(retentionDays int, interval time.Duration) {
	if retentionDays <= 0 {
		return
	}
	if interval <= 0 {
		interval = defaultRetentionInterval
	}

	select {
	case <-s.stopCh:
		return
	default:
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.runCleanup(retentionDays)
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.runCleanup(retentionDays)
			}
		}
	}()

	s.logger.Info("接入记录定期清理已启动",
		zap.Int("retention_days", retentionDays),
		zap.Duration("interval", interval))
}

func (s *AdmissionLogService) runCleanup(retentionDays int) {
	start := time.Now()
	n, err := s.Cleanup(retentionDays)
	logger.LogDatabaseOperation("cleanup", "admission_records", time.Since(start), err)
	if err == nil && n > 0 {
		s.logger.Info("已清理过期接入记录", zap.Int64("count", n))
	}
}

// Query 查询接入记录
func (s *AdmissionLogService) Query(query *models.AdmissionRecordQuery) ([]*models.AdmissionRecord, int64, error) {
	return s.repo.Query(query)
}

// Get 按请求ID查询一条接入记录
func (s *AdmissionLogService) Get(requestID string) (*models.AdmissionRecord, error) {
	return s.repo.GetByRequestID(requestID)
}

// Stats 统计接入结果
func (s *AdmissionLogService) Stats(startTime, endTime *time.Time) (*models.AdmissionStats, error) {
	return s.repo.GetStats(startTime, endTime)
}

// Cleanup 清理旧记录
func (s *AdmissionLogService) Cleanup(retentionDays int) (int64, error) {
	return s.repo.CleanupRecords(retentionDays)
}

var _ admission.OutcomeRecorder = (*AdmissionLogService)(nil)
