package routeros

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	ros "github.com/go-routeros/routeros/v3"
	"github.com/wfunc/koinet/internal/config"
	"github.com/wfunc/koinet/internal/errors"
	"github.com/wfunc/koinet/internal/logger"
	"go.uber.org/zap"
)

// Runner 一条RouterOS API连接
type Runner interface {
	RunArgs(sentence []string) (*ros.Reply, error)
	Close() error
}

// Dialer 建立API连接
type Dialer func(ctx context.Context, cfg *config.RouterConfig) (Runner, error)

// DialAPI 使用明文API登录路由器
func DialAPI(ctx context.Context, cfg *config.RouterConfig) (Runner, error) {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	client, err := ros.DialContext(ctx, cfg.Address(), cfg.Username, cfg.Password)
	if err != nil {
		return nil, dialError(err, cfg)
	}
	return &apiConn{client: client}, nil
}

// dialError 区分连接失败与登录被拒：登录失败时设备会回 !trap
func dialError(err error, cfg *config.RouterConfig) error {
	var devErr *ros.DeviceError
	if stderrors.As(err, &devErr) {
		return errors.Wrapf(err, errors.ErrRouterLogin, "用户: %s", cfg.Username)
	}
	return errors.Wrapf(err, errors.ErrRouterConnect, "地址: %s", cfg.Address())
}

// apiConn 包装 routeros.Client
type apiConn struct {
	client *ros.Client
}

func (a *apiConn) RunArgs(sentence []string) (*ros.Reply, error) {
	return a.client.RunArgs(sentence)
}

func (a *apiConn) Close() error {
	a.client.Close()
	return nil
}

// Client MikroTik热点管理客户端
//
// 每次操作单独建立连接，与路由器之间不保持长连接。
type Client struct {
	cfg    *config.RouterConfig
	dial   Dialer
	cache  *HostCache
	logger *zap.Logger
	mu     sync.Mutex
}

// NewClient 创建客户端，dial 为 nil 时使用 DialAPI
func NewClient(cfg *config.RouterConfig, dial Dialer) *Client {
	if dial == nil {
		dial = DialAPI
	}
	return &Client{
		cfg:    cfg,
		dial:   dial,
		cache:  NewHostCache(cfg.HostCacheTTL),
		logger: logger.GetModuleLogger("routeros"),
	}
}

// run 建立连接、执行一组命令后断开
func (c *Client) run(ctx context.Context, op string, fn func(conn Runner) error) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	defer func() {
		logger.LogRouterCall(op, time.Since(start), err)
	}()

	conn, err := c.dial(ctx, c.cfg)
	if err != nil {
		return errors.Wrapf(err, errors.ErrRouterConnect, "地址: %s", c.cfg.Address())
	}
	defer conn.Close()

	return fn(conn)
}

func (c *Client) print(ctx context.Context, path string) ([]map[string]string, error) {
	var rows []map[string]string
	err := c.run(ctx, path+"/print", func(conn Runner) error {
		reply, err := conn.RunArgs([]string{path + "/print"})
		if err != nil {
			return errors.Wrapf(err, errors.ErrRouterCommand, "%s/print", path)
		}
		for _, re := range reply.Re {
			rows = append(rows, re.Map)
		}
		return nil
	})
	return rows, err
}

// HotspotHosts 列出已连接热点的设备
func (c *Client) HotspotHosts(ctx context.Context) ([]HotspotHost, error) {
	rows, err := c.print(ctx, "/ip/hotspot/host")
	if err != nil {
		return nil, err
	}
	hosts := make([]HotspotHost, 0, len(rows))
	for _, m := range rows {
		hosts = append(hosts, hostFromMap(m))
	}
	return hosts, nil
}

// HotspotActive 列出已登录的会话
func (c *Client) HotspotActive(ctx context.Context) ([]ActiveSession, error) {
	rows, err := c.print(ctx, "/ip/hotspot/active")
	if err != nil {
		return nil, err
	}
	sessions := make([]ActiveSession, 0, len(rows))
	for _, m := range rows {
		sessions = append(sessions, activeFromMap(m))
	}
	return sessions, nil
}

// HotspotUsers 列出热点用户
func (c *Client) HotspotUsers(ctx context.Context) ([]HotspotUser, error) {
	rows, err := c.print(ctx, "/ip/hotspot/user")
	if err != nil {
		return nil, err
	}
	users := make([]HotspotUser, 0, len(rows))
	for _, m := range rows {
		users = append(users, userFromMap(m))
	}
	return users, nil
}

// RouterInfo 读取路由器型号与版本
func (c *Client) RouterInfo(ctx context.Context) (*RouterInfo, error) {
	rows, err := c.print(ctx, "/system/resource")
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.New(errors.ErrRouterReply, "/system/resource 无数据")
	}
	info := infoFromMap(rows[0])
	return &info, nil
}

// AddHotspotUser 以MAC为用户名创建限时热点账号，同名旧账号先删除
func (c *Client) AddHotspotUser(ctx context.Context, mac, ip string, minutes int) error {
	err := c.run(ctx, "/ip/hotspot/user/add", func(conn Runner) error {
		reply, err := conn.RunArgs([]string{"/ip/hotspot/user/print", "?name=" + mac})
		if err != nil {
			return errors.Wrapf(err, errors.ErrRouterCommand, "查询旧账号 %s", mac)
		}
		for _, re := range reply.Re {
			id := re.Map[".id"]
			if id == "" {
				continue
			}
			if _, err := conn.RunArgs([]string{"/ip/hotspot/user/remove", "=.id=" + id}); err != nil {
				return errors.Wrapf(err, errors.ErrRouterCommand, "删除旧账号 %s", mac)
			}
			c.logger.Info("已删除旧热点账号", zap.String("mac", mac), zap.String("id", id))
		}

		_, err = conn.RunArgs([]string{
			"/ip/hotspot/user/add",
			"=name=" + mac,
			"=password=" + mac,
			"=mac-address=" + mac,
			"=address=" + ip,
			fmt.Sprintf("=limit-uptime=%dm", minutes),
			"=profile=" + c.cfg.Profile,
		})
		if err != nil {
			return errors.Wrapf(err, errors.ErrRouterCommand, "添加账号 %s", mac)
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.cache.Invalidate()
	c.logger.Info("热点账号已开通",
		zap.String("mac", mac),
		zap.String("ip", ip),
		zap.Int("minutes", minutes))
	return nil
}

// Grant 开通上网权限
func (c *Client) Grant(ctx context.Context, mac, ip string, minutes int) error {
	return c.AddHotspotUser(ctx, mac, ip, minutes)
}

// IsHostConnected 设备（MAC+IP）是否出现在热点主机列表中
func (c *Client) IsHostConnected(ctx context.Context, mac, ip string) (bool, error) {
	hosts, err := c.cache.Hosts(ctx, c.HotspotHosts)
	if err != nil {
		return false, err
	}
	for _, h := range hosts {
		if sameDevice(mac, ip, h.MACAddress, h.Address) {
			return true, nil
		}
	}
	return false, nil
}

// HasActiveGrant 设备是否已有登录中的热点会话
func (c *Client) HasActiveGrant(ctx context.Context, mac, ip string) (bool, error) {
	sessions, err := c.cache.Active(ctx, c.HotspotActive)
	if err != nil {
		return false, err
	}
	for _, s := range sessions {
		if sameDevice(mac, ip, s.MACAddress, s.Address) {
			return true, nil
		}
	}
	return false, nil
}
