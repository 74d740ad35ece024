package routeros

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

const (
	hostsKey  = "hotspot_hosts"
	activeKey = "hotspot_active"
)

// HostCache 短时缓存热点主机与会话列表，避免每次接入都访问路由器
type HostCache struct {
	store *cache.Cache
	ttl   time.Duration
}

// NewHostCache 创建缓存，ttl<=0 表示不缓存
func NewHostCache(ttl time.Duration) *HostCache {
	cleanup := 2 * ttl
	if cleanup <= 0 {
		cleanup = time.Minute
	}
	return &HostCache{
		store: cache.New(ttl, cleanup),
		ttl:   ttl,
	}
}

// Hosts 返回缓存的主机列表，未命中时调用 load
func (h *HostCache) Hosts(ctx context.Context, load func(context.Context) ([]HotspotHost, error)) ([]HotspotHost, error) {
	if h.ttl > 0 {
		if v, found := h.store.Get(hostsKey); found {
			return v.([]HotspotHost), nil
		}
	}
	hosts, err := load(ctx)
	if err != nil {
		return nil, err
	}
	if h.ttl > 0 {
		h.store.Set(hostsKey, hosts, h.ttl)
	}
	return hosts, nil
}

// Active 返回缓存的会话列表，未命中时调用 load
func (h *HostCache) Active(ctx context.Context, load func(context.Context) ([]ActiveSession, error)) ([]ActiveSession, error) {
	if h.ttl > 0 {
		if v, found := h.store.Get(activeKey); found {
			return v.([]ActiveSession), nil
		}
	}
	sessions, err := load(ctx)
	if err != nil {
		return nil, err
	}
	if h.ttl > 0 {
		h.store.Set(activeKey, sessions, h.ttl)
	}
	return sessions, nil
}

// Invalidate 清空缓存（开通账号后调用）
func (h *HostCache) Invalidate() {
	h.store.Flush()
}
