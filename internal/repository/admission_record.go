package repository

import (
	stderrors "errors"
	"time"

	"github.com/wfunc/koinet/internal/errors"
	"github.com/wfunc/koinet/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// 单次查询的最大条数
const maxQueryLimit = 500

// AdmissionRecordRepository 接入记录仓库
type AdmissionRecordRepository struct {
	db *gorm.DB
}

// NewAdmissionRecordRepository 创建接入记录仓库
func NewAdmissionRecordRepository(db *gorm.DB) *AdmissionRecordRepository {
	return &AdmissionRecordRepository{
		db: db,
	}
}

// Create 创建记录
func (r *AdmissionRecordRepository) Create(record *models.AdmissionRecord) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	if err := r.db.Create(record).Error; err != nil {
		return errors.Wrap(err, errors.ErrDatabaseInsert, record.RequestID)
	}
	return nil
}

// CreateBatch 批量创建，请求ID重复的记录忽略；任一记录不完整时整批拒绝
func (r *AdmissionRecordRepository) CreateBatch(records []*models.AdmissionRecord) error {
	if len(records) == 0 {
		return nil
	}
	for _, record := range records {
		if err := validateRecord(record); err != nil {
			return err
		}
	}
	err := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "request_id"}},
		DoNothing: true,
	}).CreateInBatches(records, 100).Error
	if err != nil {
		return errors.Wrapf(err, errors.ErrDatabaseInsert, "%d 条记录", len(records))
	}
	return nil
}

// validateRecord 请求ID与结果为必填
func validateRecord(record *models.AdmissionRecord) error {
	if record == nil {
		return errors.New(errors.ErrDataIntegrity, "空记录")
	}
	if record.RequestID == "" {
		return errors.New(errors.ErrDataIntegrity, "缺少请求ID")
	}
	if !models.IsValidDecision(record.Decision) {
		return errors.Newf(errors.ErrDataIntegrity, "未知结果 %q (request_id=%s)", record.Decision, record.RequestID)
	}
	return nil
}

// GetByRequestID 根据请求ID获取记录，不存在时返回 ErrRequestNotFound
func (r *AdmissionRecordRepository) GetByRequestID(requestID string) (*models.AdmissionRecord, error) {
	var record models.AdmissionRecord
	err := r.db.Where("request_id = ?", requestID).First(&record).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrap(err, errors.ErrRequestNotFound, requestID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabaseQuery)
	}
	return &record, nil
}

func (r *AdmissionRecordRepository) filtered(query *models.AdmissionRecordQuery) *gorm.DB {
	db := r.db.Model(&models.AdmissionRecord{})
	if query == nil {
		return db
	}
	if query.MACAddress != "" {
		db = db.Where("mac_address = ?", query.MACAddress)
	}
	if query.Decision != "" {
		db = db.Where("decision = ?", query.Decision)
	}
	if query.StartTime != nil {
		db = db.Where("resolved_at >= ?", *query.StartTime)
	}
	if query.EndTime != nil {
		db = db.Where("resolved_at <= ?", *query.EndTime)
	}
	return db
}

// Query 查询记录，按结束时间倒序
func (r *AdmissionRecordRepository) Query(query *models.AdmissionRecordQuery) ([]*models.AdmissionRecord, int64, error) {
	db := r.filtered(query)

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := maxQueryLimit
	offset := 0
	if query != nil {
		if query.Limit > 0 && query.Limit < maxQueryLimit {
			limit = query.Limit
		}
		offset = query.Offset
	}

	var records []*models.AdmissionRecord
	err := db.Order("resolved_at DESC").Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&records).Error
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// GetStats 按结果分组统计
func (r *AdmissionRecordRepository) GetStats(startTime, endTime *time.Time) (*models.AdmissionStats, error) {
	query := &models.AdmissionRecordQuery{StartTime: startTime, EndTime: endTime}

	type decisionCount struct {
		Decision string
		Count    int64
		Coins    int64
		Minutes  int64
	}
	var rows []decisionCount
	err := r.filtered(query).
		Select("decision, COUNT(*) AS count, COALESCE(SUM(coin_delta), 0) AS coins, COALESCE(SUM(time_minutes), 0) AS minutes").
		Group("decision").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	stats := &models.AdmissionStats{}
	for _, row := range rows {
		stats.Total += row.Count
		stats.TotalCoins += row.Coins
		stats.TotalMinutes += row.Minutes
		switch row.Decision {
		case "approved":
			stats.Approved = row.Count
		case "denied":
			stats.Denied = row.Count
		case "bypass":
			stats.Bypass = row.Count
		case "aborted":
			stats.Aborted = row.Count
		case "disconnected":
			stats.Disconnected = row.Count
		}
	}
	return stats, nil
}

// DeleteOldRecords 删除指定时间之前的记录
func (r *AdmissionRecordRepository) DeleteOldRecords(beforeTime time.Time) (int64, error) {
	result := r.db.Where("resolved_at < ?", beforeTime).Delete(&models.AdmissionRecord{})
	return result.RowsAffected, result.Error
}

// CleanupRecords 保留最近N天的数据
func (r *AdmissionRecordRepository) CleanupRecords(retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, errors.Newf(errors.ErrInvalidParam, "保留天数必须大于0: %d", retentionDays)
	}
	return r.DeleteOldRecords(time.Now().AddDate(0, 0, -retentionDays))
}
