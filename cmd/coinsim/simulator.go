package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/wfunc/koinet/internal/hardware"
	"go.uber.org/zap"
)

// Simulator 模拟投币器：周期输出 "v,c,count" 行，收到 reset 后计数清零
type Simulator struct {
	out      io.Writer
	interval time.Duration
	voltage  float64
	current  float64
	jitter   float64
	logger   *zap.Logger

	mu     sync.Mutex
	count  int64
	resets int
}

// NewSimulator 创建模拟器
func NewSimulator(out io.Writer, interval time.Duration, voltage, current float64, log *zap.Logger) *Simulator {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Simulator{
		out:      out,
		interval: interval,
		voltage:  voltage,
		current:  current,
		logger:   log,
	}
}

// Insert 模拟投入 n 枚硬币
func (s *Simulator) Insert(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.count += int64(n)
	total := s.count
	s.mu.Unlock()
	s.logger.Info("投币", zap.Int("coins", n), zap.Int64("count", total))
}

// Reset 计数清零
func (s *Simulator) Reset() {
	s.mu.Lock()
	s.count = 0
	s.resets++
	s.mu.Unlock()
	s.logger.Info("收到复位命令，计数清零")
}

// Count 当前累计计数
func (s *Simulator) Count() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Resets 已处理的复位次数
func (s *Simulator) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// Line 生成一行设备数据
func (s *Simulator) Line() string {
	v, c := s.voltage, s.current
	if s.jitter > 0 {
		v += (rand.Float64()*2 - 1) * s.jitter
		c += (rand.Float64()*2 - 1) * s.jitter / 10
	}
	return fmt.Sprintf("%.2f,%.2f,%d%c", v, c, s.Count(), hardware.LineDelimiter)
}

// Run 按间隔输出数据，直到 ctx 取消或写入失败
func (s *Simulator) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := io.WriteString(s.out, s.Line()); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// HandleCommand 处理一条命令：reset、coin [n]
func (s *Simulator) HandleCommand(line string) error {
	fields := strings.Fields(strings.ToLower(line))
	if len(fields) == 0 {
		return nil
	}

	switch fields[0] {
	case "reset":
		s.Reset()
	case "coin", "c":
		n := 1
		if len(fields) > 1 {
			if _, err := fmt.Sscanf(fields[1], "%d", &n); err != nil {
				return fmt.Errorf("无效的投币数: %q", fields[1])
			}
		}
		s.Insert(n)
	default:
		return fmt.Errorf("未知命令: %q", fields[0])
	}
	return nil
}

// Listen 逐行读取命令，直到读取结束
func (s *Simulator) Listen(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if err := s.HandleCommand(scanner.Text()); err != nil {
			s.logger.Warn("忽略命令", zap.Error(err))
		}
	}
	return scanner.Err()
}
