package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wfunc/koinet/internal/config"
	"github.com/wfunc/koinet/internal/logger"
	"github.com/wfunc/koinet/internal/routeros"
	"go.uber.org/zap"
)

// 路由器热点管理工具，用于现场排查：
//
//	routerctl -config config/config.yaml hosts
//	routerctl -host 192.168.88.1 -user admin add AA:BB:CC:DD:EE:FF 10.5.50.2 30
//
// 未指定的连接参数取配置文件中的 router 段
func main() {
	var (
		configPath = flag.String("config", "", "配置文件路径，为空时使用默认值")
		host       = flag.String("host", "", "路由器地址")
		port       = flag.Int("port", 0, "API端口")
		user       = flag.String("user", "", "用户名")
		password   = flag.String("password", "", "密码")
		profile    = flag.String("profile", "", "新建账号使用的用户配置")
		timeout    = flag.Duration("timeout", 0, "连接超时")
		asJSON     = flag.Bool("json", false, "以JSON输出")
		level      = flag.String("log-level", "warn", "日志级别")
	)
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usageText)
		fmt.Fprintln(os.Stderr, "\n选项:")
		flag.PrintDefaults()
	}
	flag.Parse()

	if err := logger.Init(&config.LogConfig{Level: *level, Format: "console", Output: "stderr"}); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.GetModuleLogger("routerctl")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("加载配置失败", zap.Error(err))
	}
	rc := cfg.Router
	overrideRouter(&rc, *host, *port, *user, *password, *profile, *timeout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := &commander{
		api:    routeros.NewClient(&rc, routeros.DialAPI),
		out:    os.Stdout,
		asJSON: *asJSON,
	}
	if err := cmd.run(ctx, flag.Args()); err != nil {
		log.Error("命令执行失败", zap.String("router", rc.Address()), zap.Error(err))
		os.Exit(1)
	}
}

// overrideRouter 命令行参数覆盖配置文件
func overrideRouter(rc *config.RouterConfig, host string, port int, user, password, profile string, timeout time.Duration) {
	if host != "" {
		rc.Host = host
	}
	if port > 0 {
		rc.Port = port
	}
	if user != "" {
		rc.Username = user
	}
	if password != "" {
		rc.Password = password
	}
	if profile != "" {
		rc.Profile = profile
	}
	if timeout > 0 {
		rc.Timeout = timeout
	}
	// 一次性工具不缓存主机列表
	rc.HostCacheTTL = 0
}
