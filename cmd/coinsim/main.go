package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tarm/serial"
	"github.com/wfunc/koinet/internal/config"
	"github.com/wfunc/koinet/internal/logger"
	"go.uber.org/zap"
)

// 投币器模拟工具，用于台架测试：
//
//	coinsim -port /dev/pts/3        写入串口，串口收到 reset 时清零
//	coinsim                         输出到标准输出
//
// 标准输入接受命令: coin [n]、reset
func main() {
	var (
		portName = flag.String("port", "", "串口设备，为空时输出到标准输出")
		baud     = flag.Int("baud", 9600, "波特率")
		interval = flag.Duration("interval", 500*time.Millisecond, "输出间隔")
		voltage  = flag.Float64("voltage", 12.6, "模拟电压")
		current  = flag.Float64("current", 1.8, "模拟电流")
		jitter   = flag.Float64("jitter", 0.2, "电压抖动幅度")
		level    = flag.String("log-level", "info", "日志级别")
	)
	flag.Parse()

	// 日志写到标准错误，避免与数据行混在一起
	if err := logger.Init(&config.LogConfig{Level: *level, Format: "console", Output: "stderr"}); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.GetModuleLogger("coinsim")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var out io.Writer = os.Stdout
	if *portName != "" {
		port, err := serial.OpenPort(&serial.Config{
			Name:        *portName,
			Baud:        *baud,
			ReadTimeout: time.Second,
		})
		if err != nil {
			log.Fatal("无法打开串口", zap.String("port", *portName), zap.Error(err))
		}
		defer port.Close()
		out = port
		log.Info("串口已打开", zap.String("port", *portName), zap.Int("baud", *baud))
	}

	sim := NewSimulator(out, *interval, *voltage, *current, log)
	sim.jitter = *jitter
	if port, ok := out.(io.Reader); ok && *portName != "" {
		go listenPort(ctx, sim, port, log)
	}
	run(ctx, sim, log)
}

func run(ctx context.Context, sim *Simulator, log *zap.Logger) {
	go func() {
		if err := sim.Listen(os.Stdin); err != nil {
			log.Warn("读取标准输入失败", zap.Error(err))
		}
	}()

	log.Info("模拟器已启动，输入 'coin [n]' 投币，'reset' 清零")
	if err := sim.Run(ctx); err != nil {
		log.Error("写入失败", zap.Error(err))
	}
	log.Info("模拟器已退出", zap.Int64("count", sim.Count()), zap.Int("resets", sim.Resets()))
}

// listenPort 读取网关下发的命令；读超时返回空数据，继续读取
func listenPort(ctx context.Context, sim *Simulator, port io.Reader, log *zap.Logger) {
	buf := make([]byte, 64)
	var pending []byte
	for ctx.Err() == nil {
		n, err := port.Read(buf)
		if err != nil && err != io.EOF {
			log.Warn("串口读取失败", zap.Error(err))
			return
		}
		pending = append(pending, buf[:n]...)
		for {
			idx := bytes.IndexByte(pending, '\n')
			if idx < 0 {
				break
			}
			line := string(pending[:idx])
			pending = pending[idx+1:]
			if err := sim.HandleCommand(line); err != nil {
				log.Debug("忽略串口数据", zap.String("line", line))
			}
		}
		if len(pending) > 256 {
			pending = pending[:0]
		}
	}
}
