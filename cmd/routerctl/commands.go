package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/wfunc/koinet/internal/errors"
	"github.com/wfunc/koinet/internal/routeros"
)

// hotspotAPI routerctl 用到的路由器操作
type hotspotAPI interface {
	AddHotspotUser(ctx context.Context, mac, ip string, minutes int) error
	HotspotHosts(ctx context.Context) ([]routeros.HotspotHost, error)
	HotspotActive(ctx context.Context) ([]routeros.ActiveSession, error)
	HotspotUsers(ctx context.Context) ([]routeros.HotspotUser, error)
	RouterInfo(ctx context.Context) (*routeros.RouterInfo, error)
}

// commander 执行一条子命令并把结果写到 out
type commander struct {
	api    hotspotAPI
	out    io.Writer
	asJSON bool
}

const usageText = `用法: routerctl [选项] <命令> [参数]

命令:
  add <mac> <ip> <minutes>   创建限时热点账号（同名旧账号先删除）
  hosts                      列出已连接热点的设备
  active                     列出已登录的会话
  users                      列出热点账号
  info                       路由器型号与版本
`

// run 解析并执行子命令
func (c *commander) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New(errors.ErrInvalidParam, "缺少命令")
	}

	switch cmd, rest := strings.ToLower(args[0]), args[1:]; cmd {
	case "add":
		return c.add(ctx, rest)
	case "hosts":
		hosts, err := c.api.HotspotHosts(ctx)
		if err != nil {
			return err
		}
		return c.print(hosts, []string{"MAC", "IP", "AUTHORIZED", "UPTIME"}, func(emit func(...string)) {
			for _, h := range hosts {
				emit(h.MACAddress, h.Address, strconv.FormatBool(h.Authorized), h.Uptime)
			}
		})
	case "active":
		sessions, err := c.api.HotspotActive(ctx)
		if err != nil {
			return err
		}
		return c.print(sessions, []string{"USER", "MAC", "IP", "UPTIME", "LEFT"}, func(emit func(...string)) {
			for _, s := range sessions {
				emit(s.User, s.MACAddress, s.Address, s.Uptime, s.SessionTimeLeft)
			}
		})
	case "users":
		users, err := c.api.HotspotUsers(ctx)
		if err != nil {
			return err
		}
		return c.print(users, []string{"NAME", "IP", "PROFILE", "LIMIT", "UPTIME", "DISABLED"}, func(emit func(...string)) {
			for _, u := range users {
				emit(u.Name, u.Address, u.Profile, u.LimitUptime, u.Uptime, strconv.FormatBool(u.Disabled))
			}
		})
	case "info":
		info, err := c.api.RouterInfo(ctx)
		if err != nil {
			return err
		}
		return c.print(info, []string{"BOARD", "VERSION", "UPTIME", "CPU", "FREE", "TOTAL"}, func(emit func(...string)) {
			emit(info.BoardName, info.Version, info.Uptime, info.CPULoad+"%", info.FreeMemory, info.TotalMemory)
		})
	default:
		return errors.Newf(errors.ErrInvalidParam, "未知命令: %q", cmd)
	}
}

func (c *commander) add(ctx context.Context, args []string) error {
	if len(args) != 3 {
		return errors.New(errors.ErrInvalidParam, "add 需要 <mac> <ip> <minutes>")
	}

	mac := strings.ToUpper(args[0])
	if _, err := net.ParseMAC(mac); err != nil {
		return errors.Wrapf(err, errors.ErrInvalidParam, "MAC: %q", args[0])
	}
	ip := args[1]
	if net.ParseIP(ip) == nil {
		return errors.Newf(errors.ErrInvalidParam, "IP: %q", ip)
	}
	minutes, err := strconv.Atoi(args[2])
	if err != nil || minutes <= 0 {
		return errors.Newf(errors.ErrInvalidParam, "分钟数: %q", args[2])
	}

	if err := c.api.AddHotspotUser(ctx, mac, ip, minutes); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "已开通 %s (%s) %d 分钟\n", mac, ip, minutes)
	return nil
}

// print 以表格或JSON输出
func (c *commander) print(v interface{}, header []string, rows func(emit func(...string))) error {
	if c.asJSON {
		enc := json.NewEncoder(c.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	rows(func(cols ...string) {
		fmt.Fprintln(tw, strings.Join(cols, "\t"))
	})
	return tw.Flush()
}
