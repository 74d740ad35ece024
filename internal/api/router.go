package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/patrickmn/go-cache"
	"github.com/wfunc/koinet/internal/admission"
	"github.com/wfunc/koinet/internal/config"
	"github.com/wfunc/koinet/internal/hardware"
	"github.com/wfunc/koinet/internal/middleware"
	"github.com/wfunc/koinet/internal/models"
	"github.com/wfunc/koinet/internal/routeros"
	ws "github.com/wfunc/koinet/internal/websocket"
	"go.uber.org/zap"
)

// IngestionStatusSource 投币器状态
type IngestionStatusSource interface {
	Status() hardware.IngestionStatus
}

// ControllerStatsSource 准入控制器状态
type ControllerStatsSource interface {
	Stats() admission.ControllerStats
	Running() bool
}

// AdmissionLog 接入记录查询
type AdmissionLog interface {
	Query(query *models.AdmissionRecordQuery) ([]*models.AdmissionRecord, int64, error)
	Get(requestID string) (*models.AdmissionRecord, error)
	Stats(startTime, endTime *time.Time) (*models.AdmissionStats, error)
}

// RouterInfoSource 路由器信息
type RouterInfoSource interface {
	RouterInfo(ctx context.Context) (*routeros.RouterInfo, error)
}

// Dependencies 路由依赖，除 Gateway 外均可为 nil
type Dependencies struct {
	Gateway    *admission.Gateway
	Controller ControllerStatsSource
	Ingestion  IngestionStatusSource
	Log        AdmissionLog
	Router     RouterInfoSource
	Config     *config.Config
}

// Router API路由器
type Router struct {
	engine   *gin.Engine
	deps     Dependencies
	upgrader gorillaws.Upgrader
	wsOpts   ws.Options
	wsPath   string
	ctx      context.Context
	started  time.Time
	log      *zap.Logger
}

// NewRouter 创建路由器，ctx 为接入连接的基础上下文
func NewRouter(ctx context.Context, deps Dependencies, log *zap.Logger) *Router {
	cfg := deps.Config
	if cfg == nil {
		cfg = &config.Config{}
	}

	engine := gin.New()

	// 全局中间件
	engine.Use(middleware.RequestID())
	engine.Use(middleware.Recovery())
	engine.Use(middleware.Logger())

	r := &Router{
		engine:   engine,
		deps:     deps,
		upgrader: ws.NewUpgrader(&cfg.WebSocket),
		wsOpts:   ws.OptionsFromConfig(&cfg.WebSocket),
		wsPath:   cfg.WebSocket.Path,
		ctx:      ctx,
		started:  time.Now(),
		log:      log,
	}
	if r.wsPath == "" {
		r.wsPath = "/request_login"
	}

	r.setupRoutes(cfg)

	return r
}

// setupRoutes 设置路由
func (r *Router) setupRoutes(cfg *config.Config) {
	r.engine.GET("/", r.index)
	r.engine.GET("/health", r.healthCheck)
	registerOpenAPIRoutes(r.engine)
	registerSwaggerRoutes(r.engine)

	// 门户页面的接入连接
	login := r.engine.Group("")
	if cfg.Security.RateLimit.Enabled {
		login.Use(middleware.RateLimiter(cfg.Security.RateLimit.RequestsPerMinute, cfg.Security.RateLimit.Burst))
	}
	login.GET(r.wsPath, r.requestLogin)

	v1 := r.engine.Group("/api/v1")
	if cfg.System.Cache.Enabled && cfg.System.Cache.TTL > 0 {
		store := cache.New(cfg.System.Cache.TTL, 2*cfg.System.Cache.TTL)
		v1.Use(middleware.Cache(store, cfg.System.Cache.TTL))
	}
	{
		v1.GET("/status", r.status)
		v1.GET("/queue", r.queue)
		v1.GET("/router", r.routerInfo)
		v1.GET("/admissions", r.listAdmissions)
		v1.GET("/admissions/stats", r.admissionStats)
		v1.GET("/admissions/:request_id", r.getAdmission)
	}

	// 404处理
	r.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "NOT_FOUND",
			"message": "接口不存在",
		})
	})
}

// Handler 返回HTTP处理器
func (r *Router) Handler() http.Handler {
	return r.engine
}

// GetEngine 获取Gin引擎（用于测试）
func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}
