package routeros

import (
	"strings"
)

// HotspotHost /ip/hotspot/host 中的一项（已连接热点的设备）
type HotspotHost struct {
	ID         string `json:"id"`
	MACAddress string `json:"mac_address"`
	Address    string `json:"address"`
	ToAddress  string `json:"to_address,omitempty"`
	Server     string `json:"server,omitempty"`
	Authorized bool   `json:"authorized"`
	Bypassed   bool   `json:"bypassed"`
	Uptime     string `json:"uptime,omitempty"`
	IdleTime   string `json:"idle_time,omitempty"`
}

// ActiveSession /ip/hotspot/active 中的一项（已登录会话）
type ActiveSession struct {
	ID              string `json:"id"`
	User            string `json:"user"`
	MACAddress      string `json:"mac_address"`
	Address         string `json:"address"`
	Uptime          string `json:"uptime"`
	SessionTimeLeft string `json:"session_time_left"`
	LoginBy         string `json:"login_by,omitempty"`
}

// HotspotUser /ip/hotspot/user 中的一项
type HotspotUser struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	MACAddress  string `json:"mac_address"`
	Address     string `json:"address"`
	Profile     string `json:"profile"`
	LimitUptime string `json:"limit_uptime"`
	Uptime      string `json:"uptime"`
	Disabled    bool   `json:"disabled"`
}

// RouterInfo /system/resource 摘要
type RouterInfo struct {
	BoardName   string `json:"board_name"`
	Version     string `json:"version"`
	Uptime      string `json:"uptime"`
	CPULoad     string `json:"cpu_load"`
	FreeMemory  string `json:"free_memory"`
	TotalMemory string `json:"total_memory"`
}

func parseBool(v string) bool {
	return v == "true" || v == "yes"
}

func hostFromMap(m map[string]string) HotspotHost {
	return HotspotHost{
		ID:         m[".id"],
		MACAddress: m["mac-address"],
		Address:    m["address"],
		ToAddress:  m["to-address"],
		Server:     m["server"],
		Authorized: parseBool(m["authorized"]),
		Bypassed:   parseBool(m["bypassed"]),
		Uptime:     m["uptime"],
		IdleTime:   m["idle-time"],
	}
}

func activeFromMap(m map[string]string) ActiveSession {
	return ActiveSession{
		ID:              m[".id"],
		User:            m["user"],
		MACAddress:      m["mac-address"],
		Address:         m["address"],
		Uptime:          m["uptime"],
		SessionTimeLeft: m["session-time-left"],
		LoginBy:         m["login-by"],
	}
}

func userFromMap(m map[string]string) HotspotUser {
	return HotspotUser{
		ID:          m[".id"],
		Name:        m["name"],
		MACAddress:  m["mac-address"],
		Address:     m["address"],
		Profile:     m["profile"],
		LimitUptime: m["limit-uptime"],
		Uptime:      m["uptime"],
		Disabled:    parseBool(m["disabled"]),
	}
}

func infoFromMap(m map[string]string) RouterInfo {
	return RouterInfo{
		BoardName:   m["board-name"],
		Version:     m["version"],
		Uptime:      m["uptime"],
		CPULoad:     m["cpu-load"],
		FreeMemory:  m["free-memory"],
		TotalMemory: m["total-memory"],
	}
}

// sameDevice MAC不区分大小写，IP精确匹配
func sameDevice(mac, ip, otherMAC, otherIP string) bool {
	return strings.EqualFold(mac, otherMAC) && ip == otherIP
}
