package routeros

import (
	"context"

	"github.com/wfunc/koinet/internal/logger"
	"go.uber.org/zap"
)

// Standalone 未配置路由器时使用：所有主机视为已连接，授权只写日志
type Standalone struct {
	logger *zap.Logger
}

// NewStandalone 创建本地模式
func NewStandalone() *Standalone {
	return &Standalone{logger: logger.GetModuleLogger("routeros")}
}

// IsHostConnected 总是返回 true
func (s *Standalone) IsHostConnected(ctx context.Context, mac, ip string) (bool, error) {
	return true, nil
}

// HasActiveGrant 总是返回 false
func (s *Standalone) HasActiveGrant(ctx context.Context, mac, ip string) (bool, error) {
	return false, nil
}

// Grant 记录授权但不下发
func (s *Standalone) Grant(ctx context.Context, mac, ip string, minutes int) error {
	s.logger.Warn("未配置路由器，授权仅记录",
		zap.String("mac", mac),
		zap.String("ip", ip),
		zap.Int("minutes", minutes))
	return nil
}
