package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/koinet/internal/admission"
	"github.com/wfunc/koinet/internal/errors"
	"github.com/wfunc/koinet/internal/middleware"
	"github.com/wfunc/koinet/internal/models"
	ws "github.com/wfunc/koinet/internal/websocket"
	"go.uber.org/zap"
)

// index 根路径提示
func (r *Router) index(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "koinet gateway: connect via websocket at " + r.wsPath,
	})
}

// healthCheck 健康检查
func (r *Router) healthCheck(c *gin.Context) {
	if r.deps.Controller != nil && !r.deps.Controller.Running() {
		r.fail(c, errors.New(errors.ErrShuttingDown, "准入控制器未运行"))
		return
	}
	resp := gin.H{
		"status": "healthy",
		"uptime": time.Since(r.started).Round(time.Second).String(),
	}
	if r.deps.Ingestion != nil {
		st := r.deps.Ingestion.Status()
		resp["ingestion"] = st.State
	}
	c.JSON(http.StatusOK, resp)
}

// requestLogin 升级为WebSocket，读取握手后交给网关，直到请求结束
func (r *Router) requestLogin(c *gin.Context) {
	conn, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 升级失败时 upgrader 已写回错误响应
		r.log.Debug("WebSocket升级失败",
			zap.String("client_ip", c.ClientIP()),
			zap.Error(errors.Wrap(err, errors.ErrWebSocketConnect)))
		return
	}

	client := ws.NewClient(conn, r.wsOpts)
	handshake, err := client.ReadHandshake()
	if err != nil {
		r.log.Debug("读取握手失败", zap.String("client_id", client.ID), zap.Error(err))
		client.Close(admission.CloseUnsupported, admission.CloseReasonInvalidHandshake)
		return
	}
	client.Start()

	outcome := r.deps.Gateway.Serve(r.ctx, handshake, client)
	r.log.Debug("连接处理完成",
		zap.String("client_id", client.ID),
		zap.String("decision", string(outcome.Decision)),
		zap.String("reason", outcome.Reason))
}

// status 当前读数、投币器状态与队列
func (r *Router) status(c *gin.Context) {
	resp := gin.H{
		"queue_length": r.deps.Gateway.Queue().Len(),
	}
	if r.deps.Ingestion != nil {
		resp["ingestion"] = r.deps.Ingestion.Status()
	}
	if r.deps.Controller != nil {
		resp["controller"] = r.deps.Controller.Stats()
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": resp})
}

type queueEntry struct {
	Position   int       `json:"position"`
	RequestID  string    `json:"request_id"`
	MACAddress string    `json:"mac_address"`
	IPAddress  string    `json:"ip_address"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// queue 等待中的请求
func (r *Router) queue(c *gin.Context) {
	waiting := r.deps.Gateway.Queue().SnapshotWaiting()
	entries := make([]queueEntry, 0, len(waiting))
	for i, req := range waiting {
		entries = append(entries, queueEntry{
			Position:   i + 1,
			RequestID:  req.ID,
			MACAddress: req.MACAddress,
			IPAddress:  req.IPAddress,
			EnqueuedAt: req.EnqueuedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": entries})
}

// routerInfo 路由器型号与版本
func (r *Router) routerInfo(c *gin.Context) {
	if r.deps.Router == nil {
		r.fail(c, errors.New(errors.ErrNotImplemented, "未配置路由器"))
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	info, err := r.deps.Router.RouterInfo(ctx)
	if err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": info})
}

// listAdmissions 查询接入记录
func (r *Router) listAdmissions(c *gin.Context) {
	if r.deps.Log == nil {
		r.fail(c, errors.New(errors.ErrNotImplemented, "未启用接入记录"))
		return
	}

	var query models.AdmissionRecordQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		r.fail(c, errors.Wrap(err, errors.ErrInvalidParam))
		return
	}
	if query.Limit <= 0 {
		query.Limit = 50
	}

	records, total, err := r.deps.Log.Query(&query)
	if err != nil {
		r.fail(c, errors.Wrap(err, errors.ErrDatabaseQuery))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    records,
		"total":   total,
		"limit":   query.Limit,
		"offset":  query.Offset,
	})
}

// getAdmission 按请求ID查询接入记录
func (r *Router) getAdmission(c *gin.Context) {
	if r.deps.Log == nil {
		r.fail(c, errors.New(errors.ErrNotImplemented, "未启用接入记录"))
		return
	}

	record, err := r.deps.Log.Get(c.Param("request_id"))
	if err != nil {
		r.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": record})
}

// admissionStats 接入结果统计，可选 hours 参数限定最近N小时
func (r *Router) admissionStats(c *gin.Context) {
	if r.deps.Log == nil {
		r.fail(c, errors.New(errors.ErrNotImplemented, "未启用接入记录"))
		return
	}

	var start *time.Time
	if h := c.Query("hours"); h != "" {
		hours, err := strconv.Atoi(h)
		if err != nil || hours <= 0 {
			r.fail(c, errors.Newf(errors.ErrInvalidParam, "hours: %q", h))
			return
		}
		t := time.Now().Add(-time.Duration(hours) * time.Hour)
		start = &t
	}

	stats, err := r.deps.Log.Stats(start, nil)
	if err != nil {
		r.fail(c, errors.Wrap(err, errors.ErrDatabaseQuery))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": stats})
}

// fail 以统一结构返回错误
func (r *Router) fail(c *gin.Context, err error) {
	appErr, ok := err.(*errors.AppError)
	if !ok {
		appErr = errors.Wrap(err, errors.GetCode(err))
	}
	appErr.Stack = nil
	c.JSON(appErr.HTTPStatus(), errors.NewErrorResponse(appErr, c.GetString(middleware.RequestIDKey)))
}
