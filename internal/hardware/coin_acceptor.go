package hardware

import (
	"context"
	stderrors "errors"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tarm/serial"
	"github.com/wfunc/koinet/internal/config"
	"github.com/wfunc/koinet/internal/errors"
	"github.com/wfunc/koinet/internal/logger"
	"go.uber.org/zap"
)

// CoinIngestionService 投币器串口采集服务
//
// 独占串口连接：后台goroutine持续读取并解析设备行，最新读数以原子快照发布；
// 复位命令由单独的写goroutine发送，调用方不会被设备I/O阻塞。
type CoinIngestionService struct {
	cfg    *config.SerialConfig
	opener PortOpener
	exists func(string) bool
	logger *zap.Logger

	reading    atomic.Pointer[CoinReading]
	lastUpdate atomic.Int64
	state      atomic.Int32

	linesParsed    atomic.Uint64
	linesDiscarded atomic.Uint64
	resetsSent     atomic.Uint64
	resetsFailed   atomic.Uint64

	mu      sync.Mutex
	port    SerialPort
	device  string
	lastErr error
	cancel  context.CancelFunc
	resetCh chan struct{}
	wg      sync.WaitGroup
}

// Option 采集服务选项
type Option func(*CoinIngestionService)

// WithPortOpener 替换串口打开函数
func WithPortOpener(opener PortOpener) Option {
	return func(s *CoinIngestionService) {
		s.opener = opener
	}
}

// WithDeviceExists 替换设备存在性检查（自动探测时使用）
func WithDeviceExists(exists func(string) bool) Option {
	return func(s *CoinIngestionService) {
		s.exists = exists
	}
}

// WithLogger 设置日志器
func WithLogger(l *zap.Logger) Option {
	return func(s *CoinIngestionService) {
		s.logger = l
	}
}

// NewCoinIngestionService 创建采集服务
func NewCoinIngestionService(cfg *config.SerialConfig, opts ...Option) *CoinIngestionService {
	s := &CoinIngestionService{
		cfg:     cfg,
		opener:  OpenTarmPort,
		exists:  SerialPortExists,
		logger:  logger.GetModuleLogger("serial"),
		resetCh: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.PollInterval <= 0 {
		s.cfg.PollInterval = 10 * time.Millisecond
	}
	return s
}

// Start 打开串口并启动后台采集
func (s *CoinIngestionService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if IngestionState(s.state.Load()) == StateRunning {
		return nil
	}

	device := s.cfg.Port
	if device == "" || device == AutoPort {
		found, err := FindDevice(s.cfg.DevicePatterns, s.exists)
		if err != nil {
			s.lastErr = err
			return err
		}
		device = found
	}

	port, err := s.opener(s.serialConfig(device))
	if err != nil {
		appErr := errors.Wrapf(err, errors.ErrSerialPortOpen, "设备: %s", device)
		s.lastErr = appErr
		s.logger.Error("打开串口失败", zap.String("device", device), zap.Error(err))
		return appErr
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.port = port
	s.device = device
	s.cancel = cancel
	s.lastErr = nil
	s.state.Store(int32(StateRunning))

	// 丢弃上一次运行遗留的复位请求
	select {
	case <-s.resetCh:
	default:
	}

	s.wg.Add(2)
	go s.readLoop(runCtx, port)
	go s.resetLoop(runCtx, port)

	s.logger.Info("投币器串口已连接",
		zap.String("device", device),
		zap.Int("baud_rate", s.cfg.BaudRate))
	return nil
}

// Stop 停止采集并释放串口，读取中也会关闭连接
func (s *CoinIngestionService) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.closePort()
	s.wg.Wait()

	s.state.CompareAndSwap(int32(StateRunning), int32(StateStopped))
	s.logger.Info("投币器采集已停止")
}

// CurrentReading 返回最新完整解析的读数，尚无读数时 ok 为 false
func (s *CoinIngestionService) CurrentReading() (CoinReading, bool) {
	r := s.reading.Load()
	if r == nil {
		return CoinReading{}, false
	}
	return *r, true
}

// RequestDeviceReset 异步请求设备清零，不修改本地读数
func (s *CoinIngestionService) RequestDeviceReset() {
	select {
	case s.resetCh <- struct{}{}:
	default:
		// 已有待发送的复位请求，合并
	}
}

// State 当前采集状态
func (s *CoinIngestionService) State() IngestionState {
	return IngestionState(s.state.Load())
}

// Err 返回导致采集停止的设备错误
func (s *CoinIngestionService) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Status 返回状态快照
func (s *CoinIngestionService) Status() IngestionStatus {
	s.mu.Lock()
	device := s.device
	lastErr := s.lastErr
	s.mu.Unlock()

	status := IngestionStatus{
		State:          s.State().String(),
		Device:         device,
		LinesParsed:    s.linesParsed.Load(),
		LinesDiscarded: s.linesDiscarded.Load(),
		ResetsSent:     s.resetsSent.Load(),
		ResetsFailed:   s.resetsFailed.Load(),
	}
	if r, ok := s.CurrentReading(); ok {
		status.Reading = &r
		status.LastUpdate = time.Unix(0, s.lastUpdate.Load())
	}
	if lastErr != nil {
		status.LastError = lastErr.Error()
	}
	return status
}

func (s *CoinIngestionService) serialConfig(device string) *serial.Config {
	parity := serial.ParityNone
	switch strings.ToLower(s.cfg.Parity) {
	case "o", "odd":
		parity = serial.ParityOdd
	case "e", "even":
		parity = serial.ParityEven
	}

	cfg := &serial.Config{
		Name:        device,
		Baud:        s.cfg.BaudRate,
		Parity:      parity,
		ReadTimeout: s.cfg.ReadTimeout,
	}
	if s.cfg.DataBits > 0 {
		cfg.Size = byte(s.cfg.DataBits)
	}
	if s.cfg.StopBits == 2 {
		cfg.StopBits = serial.Stop2
	}
	return cfg
}

// readLoop 持续读取串口数据
func (s *CoinIngestionService) readLoop(ctx context.Context, port SerialPort) {
	defer s.wg.Done()

	buf := make([]byte, 256)
	var splitter lineSplitter

	for {
		if ctx.Err() != nil {
			return
		}

		n, err := port.Read(buf)

		// 取消后不再解析
		if ctx.Err() != nil {
			return
		}

		if n > 0 {
			lines, overflow := splitter.Feed(buf[:n])
			if overflow {
				s.linesDiscarded.Add(1)
				s.logger.Warn("串口数据行过长，已丢弃")
			}
			for _, line := range lines {
				s.handleLine(line)
			}
		}

		if err != nil && !isIdleReadError(err) {
			s.fail(err)
			return
		}

		if n == 0 {
			if !sleepCtx(ctx, s.cfg.PollInterval) {
				return
			}
		}
	}
}

// handleLine 解析一行，成功则整体替换读数
func (s *CoinIngestionService) handleLine(line string) {
	reading, err := ParseLine(line)
	if err != nil {
		s.linesDiscarded.Add(1)
		logger.LogSerialLine(line, false)
		s.logger.Warn("丢弃无效数据行", zap.String("line", line), zap.Error(err))
		return
	}

	s.reading.Store(&reading)
	s.lastUpdate.Store(time.Now().UnixNano())
	s.linesParsed.Add(1)
	logger.LogSerialLine(line, true)
}

// resetLoop 发送复位命令
func (s *CoinIngestionService) resetLoop(ctx context.Context, port SerialPort) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.resetCh:
			if _, err := port.Write([]byte(ResetCommand)); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.resetsFailed.Add(1)
				s.logger.Warn("发送复位命令失败", zap.Error(errors.Wrap(err, errors.ErrSerialPortWrite)))
				continue
			}
			s.resetsSent.Add(1)
			s.logger.Debug("已发送复位命令")
		}
	}
}

// fail 设备错误后停止采集，不自动重启
func (s *CoinIngestionService) fail(err error) {
	code := errors.ErrSerialPortRead
	if isDisconnectError(err) {
		code = errors.ErrDeviceOffline
	}
	appErr := errors.Wrap(err, code)

	s.mu.Lock()
	s.lastErr = appErr
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	s.state.Store(int32(StateFailed))
	s.logger.Error("投币器串口故障，采集已停止", zap.Error(err))

	if cancel != nil {
		cancel()
	}
	s.closePort()
}

func (s *CoinIngestionService) closePort() {
	s.mu.Lock()
	port := s.port
	s.port = nil
	s.mu.Unlock()

	if port == nil {
		return
	}
	if err := port.Close(); err != nil {
		s.logger.Warn("关闭串口失败", zap.Error(err))
	}
}

// isIdleReadError 读超时或EOF表示暂时无数据
func isIdleReadError(err error) bool {
	if stderrors.Is(err, io.EOF) || stderrors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

// sleepCtx 可取消的休眠，被取消时返回 false
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
