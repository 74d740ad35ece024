package hardware

import (
	"time"
)

// CoinReading 投币器实时读数（电压、电流、累计投币数）
type CoinReading struct {
	Voltage   float64 `json:"voltage"`
	Current   float64 `json:"current"`
	CoinCount int64   `json:"coin_count"`
}

// IngestionState 串口采集状态
type IngestionState int32

const (
	StateIdle    IngestionState = iota // 未启动
	StateRunning                       // 采集中
	StateStopped                       // 已停止
	StateFailed                        // 设备故障，需外部重启
)

// String 返回状态名称
func (s IngestionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IngestionStatus 采集服务状态快照
type IngestionStatus struct {
	State          string       `json:"state"`
	Device         string       `json:"device"`
	Reading        *CoinReading `json:"reading,omitempty"`
	LastUpdate     time.Time    `json:"last_update,omitempty"`
	LinesParsed    uint64       `json:"lines_parsed"`
	LinesDiscarded uint64       `json:"lines_discarded"`
	ResetsSent     uint64       `json:"resets_sent"`
	ResetsFailed   uint64       `json:"resets_failed"`
	LastError      string       `json:"last_error,omitempty"`
}
