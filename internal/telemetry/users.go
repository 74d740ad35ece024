package telemetry

import (
	"github.com/wfunc/koinet/internal/routeros"
)

// 路由器自带的试用账号，不上报
const defaultTrialUser = "default-trial"

// ConnectedUser 已登录热点的用户
type ConnectedUser struct {
	Name        string `json:"name"`
	UserIP      string `json:"userIP"`
	UserMAC     string `json:"userMAC"`
	Uptime      int64  `json:"uptime"`      // 剩余会话秒数
	UptimeLimit int64  `json:"uptimeLimit"` // 账号总时长秒数
}

// BuildConnectedUsers 以活动会话为准，补充账号的总时长
func BuildConnectedUsers(active []routeros.ActiveSession, users []routeros.HotspotUser) []ConnectedUser {
	out := make([]ConnectedUser, 0, len(active))
	index := make(map[string]int, len(active))

	for _, s := range active {
		index[s.User] = len(out)
		out = append(out, ConnectedUser{
			Name:    s.User,
			UserIP:  s.Address,
			UserMAC: s.MACAddress,
			Uptime:  ParseRouterOSDuration(s.SessionTimeLeft),
		})
	}

	for _, u := range users {
		if u.MACAddress == "" || u.Address == "" || u.Name == defaultTrialUser {
			continue
		}
		i, ok := index[u.Name]
		if !ok {
			continue
		}
		out[i].UptimeLimit = ParseRouterOSDuration(u.LimitUptime)
	}
	return out
}
