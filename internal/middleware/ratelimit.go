package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"github.com/wfunc/koinet/internal/errors"
	"golang.org/x/time/rate"
)

// 闲置超过该时间的IP限流器会被回收
const limiterIdleTTL = 10 * time.Minute

// IPRateLimiter 按客户端IP限流
type IPRateLimiter struct {
	ips *cache.Cache
	mu  sync.Mutex
	r   rate.Limit
	b   int
}

// NewIPRateLimiter 创建IP限流器
func NewIPRateLimiter(r rate.Limit, b int) *IPRateLimiter {
	return &IPRateLimiter{
		ips: cache.New(limiterIdleTTL, limiterIdleTTL),
		r:   r,
		b:   b,
	}
}

// GetLimiter 返回IP对应的限流器，不存在时创建
func (i *IPRateLimiter) GetLimiter(ip string) *rate.Limiter {
	i.mu.Lock()
	defer i.mu.Unlock()

	if v, ok := i.ips.Get(ip); ok {
		limiter := v.(*rate.Limiter)
		// 刷新过期时间
		i.ips.SetDefault(ip, limiter)
		return limiter
	}

	limiter := rate.NewLimiter(i.r, i.b)
	i.ips.SetDefault(ip, limiter)
	return limiter
}

// Len 当前跟踪的IP数
func (i *IPRateLimiter) Len() int {
	return i.ips.ItemCount()
}

// RateLimiter 每分钟 perMinute 次，突发 burst 次
func RateLimiter(perMinute, burst int) gin.HandlerFunc {
	if burst <= 0 {
		burst = 1
	}
	limiter := NewIPRateLimiter(rate.Limit(float64(perMinute)/60.0), burst)
	return func(c *gin.Context) {
		if !limiter.GetLimiter(c.ClientIP()).Allow() {
			appErr := errors.New(errors.ErrRateLimitExceeded)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errors.NewErrorResponse(appErr, c.GetString(RequestIDKey)))
			return
		}
		c.Next()
	}
}
