package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/koinet/internal/admission"
	"github.com/wfunc/koinet/internal/api"
	"github.com/wfunc/koinet/internal/config"
	"github.com/wfunc/koinet/internal/database"
	"github.com/wfunc/koinet/internal/errors"
	"github.com/wfunc/koinet/internal/hardware"
	"github.com/wfunc/koinet/internal/logger"
	"github.com/wfunc/koinet/internal/routeros"
	"github.com/wfunc/koinet/internal/service"
	"github.com/wfunc/koinet/internal/telemetry"
	"go.uber.org/zap"
)

// routerBackend 网关与控制器需要的路由器能力
type routerBackend interface {
	admission.HostConnectivityChecker
	admission.ExistingGrantChecker
	admission.NetworkAccessGrantor
}

// Server 服务器实例
type Server struct {
	cfgMu  sync.RWMutex
	cfg    *config.Config
	logger *zap.Logger

	ingestion    *hardware.CoinIngestionService
	routerClient *routeros.Client
	backend      routerBackend
	queue        *admission.Queue
	broadcaster  *admission.Broadcaster
	controller   *admission.Controller
	gateway      *admission.Gateway
	admissionLog *service.AdmissionLogService
	sink         *telemetry.Sink
	httpServer   *http.Server
	httpErr      chan error

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer 创建服务器实例
func NewServer(cfg *config.Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		cfg:     cfg,
		logger:  logger.GetLogger(),
		httpErr: make(chan error, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// config 当前配置，热更新在配置监听协程中替换
func (s *Server) config() *config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// Start 启动服务器
func (s *Server) Start() error {
	s.logger.Info("正在启动投币上网网关...",
		zap.String("version", Version),
		zap.String("mode", s.cfg.Server.Mode),
	)

	if err := s.initComponents(); err != nil {
		return errors.Wrap(err, errors.ErrUnknown, "初始化组件失败")
	}

	if err := s.startServices(); err != nil {
		return errors.Wrap(err, errors.ErrUnknown, "启动服务失败")
	}

	// 监听配置变化
	config.Watch(func(newCfg *config.Config) {
		s.logger.Info("配置已更新，正在重新加载...")
		s.reloadConfig(newCfg)
	})

	s.logger.Info("服务器启动成功",
		zap.String("http", s.httpServer.Addr),
		zap.String("websocket", s.config().WebSocket.Path),
	)
	return nil
}

// initComponents 初始化组件
func (s *Server) initComponents() error {
	s.logger.Info("初始化组件...")

	if s.cfg.Database.Enabled {
		if err := s.initDatabase(); err != nil {
			return err
		}
		s.admissionLog = service.NewAdmissionLogService(database.GetDB())
	}

	s.ingestion = hardware.NewCoinIngestionService(&s.cfg.Serial)

	if s.cfg.Router.Enabled {
		s.routerClient = routeros.NewClient(&s.cfg.Router, routeros.DialAPI)
		s.backend = s.routerClient
	} else {
		s.logger.Warn("未启用路由器，使用本地模式")
		s.backend = routeros.NewStandalone()
	}

	s.initAdmission()

	if s.cfg.Telemetry.Enabled {
		s.initTelemetry()
	}

	s.initHTTP()

	s.logger.Info("所有组件初始化完成")
	return nil
}

// initDatabase 初始化数据库
func (s *Server) initDatabase() error {
	s.logger.Info("初始化数据库...")

	if err := database.Init(&s.cfg.Database); err != nil {
		return errors.Wrap(err, errors.ErrDatabaseConnect, "初始化数据库连接失败")
	}

	if s.cfg.Database.AutoMigrate {
		s.logger.Info("执行数据库自动迁移...")
		if err := database.AutoMigrate(); err != nil {
			return errors.Wrap(err, errors.ErrDatabaseConnect, "数据库迁移失败")
		}
	}

	if !database.IsConnected() {
		return errors.New(errors.ErrDatabaseConnect, "数据库连接检查失败")
	}

	s.logger.Info("数据库初始化完成")
	return nil
}

// initAdmission 组装队列、广播、控制器与网关
func (s *Server) initAdmission() {
	var recorder admission.OutcomeRecorder
	if s.admissionLog != nil {
		recorder = s.admissionLog
	}

	var grants admission.ExistingGrantChecker
	if s.cfg.Admission.BypassCheck {
		grants = s.backend
	}

	s.queue = admission.NewQueue(s.cfg.Admission.MaxQueue)
	s.broadcaster = admission.NewBroadcaster(s.queue, recorder)
	s.controller = admission.NewController(admission.ControllerConfig{
		Window:         s.cfg.Admission.Window(),
		MinutesPerCoin: s.cfg.Admission.MinutesPerCoin,
		TickInterval:   s.cfg.Admission.TickInterval,
		IdleInterval:   s.cfg.Admission.IdleInterval,
	}, s.queue, s.broadcaster, s.ingestion, s.backend, recorder)
	s.gateway = admission.NewGateway(s.queue, s.broadcaster, s.backend, grants, recorder)
}

// initTelemetry 连接MQTT，失败时不影响准入
func (s *Server) initTelemetry() {
	publisher, err := telemetry.NewMQTTPublisher(&s.cfg.Telemetry)
	if err != nil {
		s.logger.Warn("MQTT连接失败，遥测已禁用", zap.Error(err))
		return
	}

	var users telemetry.UserSource
	if s.routerClient != nil {
		users = s.routerClient
	}

	s.sink = telemetry.NewSink(telemetry.SinkConfig{
		TopicPrefix:         s.cfg.Telemetry.TopicPrefix,
		SampleInterval:      s.cfg.Telemetry.SampleInterval,
		PowerSampleInterval: s.cfg.Telemetry.PowerSampleInterval,
		UserSyncInterval:    s.cfg.Telemetry.UserSyncInterval,
	}, publisher, s.ingestion, users)
}

// initHTTP 创建HTTP服务
func (s *Server) initHTTP() {
	switch s.cfg.Server.Mode {
	case "production", "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	deps := api.Dependencies{
		Gateway:    s.gateway,
		Controller: s.controller,
		Ingestion:  s.ingestion,
		Config:     s.cfg,
	}
	if s.admissionLog != nil {
		deps.Log = s.admissionLog
	}
	if s.routerClient != nil {
		deps.Router = s.routerClient
	}

	router := api.NewRouter(s.ctx, deps, logger.GetModuleLogger("http"))

	// WebSocket连接会长时间占用，不设置读写超时
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:           router.Handler(),
		ReadHeaderTimeout: s.cfg.Server.ReadTimeout,
	}
}

// startServices 启动服务
func (s *Server) startServices() error {
	s.logger.Info("启动服务...")

	if s.cfg.Serial.Enabled {
		if err := s.ingestion.Start(s.ctx); err != nil {
			// 投币器缺失时仍提供服务，所有请求将因无投币被拒绝
			if errors.IsCritical(err) {
				s.logger.Error("投币器启动失败，需检查设备", zap.Error(err))
			} else {
				s.logger.Warn("投币器启动失败", zap.Error(err))
			}
		}
	}

	s.controller.Start(s.ctx)

	if s.admissionLog != nil {
		s.admissionLog.StartRetention(s.cfg.Database.RetentionDays, s.cfg.Database.CleanupInterval)
	}

	if s.sink != nil {
		s.sink.Start(s.ctx)
	}

	go func() {
		s.logger.Info("HTTP服务监听中", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.httpErr <- err
		}
	}()

	s.logger.Info("所有服务启动完成")
	return nil
}

// Shutdown 优雅关闭：先结束所有请求，再停止设备与存储
func (s *Server) Shutdown() error {
	s.logger.Info("正在优雅关闭服务器...")
	cfg := s.config()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// 当前会话与排队请求以 "server shutting down" 结束
	s.controller.Stop()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP服务关闭超时", zap.Error(err))
	}

	s.cancel()

	if s.sink != nil {
		s.sink.Stop()
	}
	s.ingestion.Stop()

	if s.admissionLog != nil {
		s.admissionLog.Stop()
	}

	if cfg.Database.Enabled {
		if err := database.Close(); err != nil {
			s.logger.Error("关闭数据库失败", zap.Error(err))
		}
	}

	if err := logger.Sync(); err != nil {
		fmt.Printf("同步日志失败: %v\n", err)
	}

	if shutdownCtx.Err() != nil {
		return errors.New(errors.ErrTimeout, "关闭超时")
	}
	return nil
}

// reloadConfig 应用可热更新的配置项：准入参数与日志级别
func (s *Server) reloadConfig(newCfg *config.Config) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	window := newCfg.Admission.Window()
	if window != s.cfg.Admission.Window() || newCfg.Admission.MinutesPerCoin != s.cfg.Admission.MinutesPerCoin {
		s.controller.UpdateParams(window, newCfg.Admission.MinutesPerCoin)
	}

	if newCfg.Log.Level != s.cfg.Log.Level {
		logger.SetLevel(newCfg.Log.Level)
	}

	s.cfg = newCfg
	s.logger.Info("配置重新加载完成", zap.Time("at", time.Now()))
}
