package models

import (
	"time"

	"gorm.io/gorm"
)

// AdmissionRecord 一次接入请求的最终结果
type AdmissionRecord struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	CreatedAt time.Time `gorm:"index;not null" json:"created_at"`

	RequestID  string `gorm:"type:varchar(64);uniqueIndex;not null" json:"request_id"`
	MACAddress string `gorm:"type:varchar(32);index;not null" json:"mac_address"`
	IPAddress  string `gorm:"type:varchar(64)" json:"ip_address"`

	Decision    string `gorm:"type:varchar(20);index;not null" json:"decision"` // approved/denied/bypass/aborted/disconnected
	Reason      string `gorm:"type:varchar(255)" json:"reason,omitempty"`
	CoinDelta   int    `gorm:"default:0" json:"coin_delta"`
	TimeMinutes int    `gorm:"default:0" json:"time_minutes"`

	EnqueuedAt time.Time `json:"enqueued_at"`
	ResolvedAt time.Time `gorm:"index" json:"resolved_at"`
	WaitMillis int64     `gorm:"default:0" json:"wait_ms"` // 入队到结束的耗时
}

// 接入结果取值
const (
	DecisionApproved     = "approved"
	DecisionDenied       = "denied"
	DecisionBypass       = "bypass"
	DecisionAborted      = "aborted"
	DecisionDisconnected = "disconnected"
)

// IsValidDecision 检查结果取值
func IsValidDecision(d string) bool {
	switch d {
	case DecisionApproved, DecisionDenied, DecisionBypass, DecisionAborted, DecisionDisconnected:
		return true
	}
	return false
}

// TableName 指定表名
func (AdmissionRecord) TableName() string {
	return "admission_records"
}

// BeforeCreate 创建前的钩子
func (r *AdmissionRecord) BeforeCreate(tx *gorm.DB) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.ResolvedAt.IsZero() {
		r.ResolvedAt = r.CreatedAt
	}
	if r.WaitMillis == 0 && !r.EnqueuedAt.IsZero() && r.ResolvedAt.After(r.EnqueuedAt) {
		r.WaitMillis = r.ResolvedAt.Sub(r.EnqueuedAt).Milliseconds()
	}
	return nil
}

// AdmissionRecordQuery 查询参数
type AdmissionRecordQuery struct {
	MACAddress string     `form:"mac" json:"mac,omitempty"`
	Decision   string     `form:"decision" json:"decision,omitempty"`
	StartTime  *time.Time `form:"start" time_format:"2006-01-02T15:04:05Z07:00" json:"start_time,omitempty"`
	EndTime    *time.Time `form:"end" time_format:"2006-01-02T15:04:05Z07:00" json:"end_time,omitempty"`
	Limit      int        `form:"limit" json:"limit,omitempty"`
	Offset     int        `form:"offset" json:"offset,omitempty"`
}

// AdmissionStats 结果统计
type AdmissionStats struct {
	Total        int64 `json:"total"`
	Approved     int64 `json:"approved"`
	Denied       int64 `json:"denied"`
	Bypass       int64 `json:"bypass"`
	Aborted      int64 `json:"aborted"`
	Disconnected int64 `json:"disconnected"`
	TotalCoins   int64 `json:"total_coins"`
	TotalMinutes int64 `json:"total_minutes"`
}
