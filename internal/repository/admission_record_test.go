package repository

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/wfunc/koinet/internal/errors"
	"github.com/wfunc/koinet/internal/models"
	"gorm.io/gorm"
)

// AdmissionRecordRepositoryTestSuite 接入记录仓库测试套件
type AdmissionRecordRepositoryTestSuite struct {
	suite.Suite
	db   *gorm.DB
	repo *AdmissionRecordRepository
	base time.Time
}

func (suite *AdmissionRecordRepositoryTestSuite) SetupSuite() {
	suite.db = SetupTestDB()
	suite.repo = NewAdmissionRecordRepository(suite.db)
}

func (suite *AdmissionRecordRepositoryTestSuite) TearDownSuite() {
	CleanupTestDB(suite.db)
}

func (suite *AdmissionRecordRepositoryTestSuite) SetupTest() {
	suite.db.Exec("DELETE FROM admission_records")
	suite.base = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
}

func (suite *AdmissionRecordRepositoryTestSuite) record(id, mac, decision string, coins, minutes int, offset time.Duration) *models.AdmissionRecord {
	return &models.AdmissionRecord{
		RequestID:   id,
		MACAddress:  mac,
		IPAddress:   "10.5.50.2",
		Decision:    decision,
		CoinDelta:   coins,
		TimeMinutes: minutes,
		EnqueuedAt:  suite.base.Add(offset),
		ResolvedAt:  suite.base.Add(offset + 12*time.Second),
	}
}

func (suite *AdmissionRecordRepositoryTestSuite) seed() {
	records := []*models.AdmissionRecord{
		suite.record("r1", "AA:AA:AA:AA:AA:01", "approved", 2, 60, 0),
		suite.record("r2", "AA:AA:AA:AA:AA:02", "denied", 0, 0, time.Minute),
		suite.record("r3", "AA:AA:AA:AA:AA:01", "approved", 1, 30, 2*time.Minute),
		suite.record("r4", "AA:AA:AA:AA:AA:03", "bypass", 0, 0, 3*time.Minute),
		suite.record("r5", "AA:AA:AA:AA:AA:04", "aborted", 0, 0, 4*time.Minute),
	}
	require.NoError(suite.T(), suite.repo.CreateBatch(records))
}

func (suite *AdmissionRecordRepositoryTestSuite) TestCreateAndGet() {
	rec := suite.record("req-1", "AA:AA:AA:AA:AA:01", "approved", 2, 60, 0)
	require.NoError(suite.T(), suite.repo.Create(rec))
	assert.NotZero(suite.T(), rec.ID)
	assert.Equal(suite.T(), int64(12000), rec.WaitMillis)

	got, err := suite.repo.GetByRequestID("req-1")
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), "approved", got.Decision)
	assert.Equal(suite.T(), 60, got.TimeMinutes)

	_, err = suite.repo.GetByRequestID("missing")
	assert.True(suite.T(), errors.Is(err, errors.ErrRequestNotFound))
	assert.ErrorIs(suite.T(), err, gorm.ErrRecordNotFound)
}

func (suite *AdmissionRecordRepositoryTestSuite) TestCreate_RejectsIncompleteRecords() {
	noID := suite.record("", "AA:AA:AA:AA:AA:01", "approved", 1, 30, 0)
	err := suite.repo.Create(noID)
	assert.True(suite.T(), errors.Is(err, errors.ErrDataIntegrity))

	badDecision := suite.record("bad", "AA:AA:AA:AA:AA:01", "maybe", 0, 0, 0)
	good := suite.record("good", "AA:AA:AA:AA:AA:02", "denied", 0, 0, 0)
	err = suite.repo.CreateBatch([]*models.AdmissionRecord{good, badDecision})
	assert.True(suite.T(), errors.Is(err, errors.ErrDataIntegrity))

	// 整批拒绝，合法记录也未写入
	_, total, err := suite.repo.Query(nil)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(0), total)
}

func (suite *AdmissionRecordRepositoryTestSuite) TestCreateBatch_IgnoresDuplicates() {
	suite.seed()
	dup := suite.record("r1", "AA:AA:AA:AA:AA:09", "denied", 0, 0, 0)
	require.NoError(suite.T(), suite.repo.CreateBatch([]*models.AdmissionRecord{dup}))

	got, err := suite.repo.GetByRequestID("r1")
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), "approved", got.Decision)

	assert.NoError(suite.T(), suite.repo.CreateBatch(nil))
}

func (suite *AdmissionRecordRepositoryTestSuite) TestQuery() {
	suite.seed()

	all, total, err := suite.repo.Query(&models.AdmissionRecordQuery{})
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(5), total)
	require.Len(suite.T(), all, 5)
	assert.Equal(suite.T(), "r5", all[0].RequestID)

	byMAC, total, err := suite.repo.Query(&models.AdmissionRecordQuery{MACAddress: "AA:AA:AA:AA:AA:01"})
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(2), total)
	assert.Len(suite.T(), byMAC, 2)

	page, total, err := suite.repo.Query(&models.AdmissionRecordQuery{Decision: "approved", Limit: 1, Offset: 1})
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(2), total)
	require.Len(suite.T(), page, 1)
	assert.Equal(suite.T(), "r1", page[0].RequestID)

	start := suite.base.Add(90 * time.Second)
	recent, _, err := suite.repo.Query(&models.AdmissionRecordQuery{StartTime: &start})
	require.NoError(suite.T(), err)
	assert.Len(suite.T(), recent, 3)
}

func (suite *AdmissionRecordRepositoryTestSuite) TestGetStats() {
	suite.seed()

	stats, err := suite.repo.GetStats(nil, nil)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(5), stats.Total)
	assert.Equal(suite.T(), int64(2), stats.Approved)
	assert.Equal(suite.T(), int64(1), stats.Denied)
	assert.Equal(suite.T(), int64(1), stats.Bypass)
	assert.Equal(suite.T(), int64(1), stats.Aborted)
	assert.Equal(suite.T(), int64(3), stats.TotalCoins)
	assert.Equal(suite.T(), int64(90), stats.TotalMinutes)
}

func (suite *AdmissionRecordRepositoryTestSuite) TestCleanup() {
	suite.seed()
	old := suite.record("old", "AA:AA:AA:AA:AA:05", "denied", 0, 0, -60*24*time.Hour)
	require.NoError(suite.T(), suite.repo.Create(old))

	n, err := suite.repo.DeleteOldRecords(suite.base.Add(-time.Hour))
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(1), n)

	_, err = suite.repo.CleanupRecords(0)
	assert.True(suite.T(), errors.Is(err, errors.ErrInvalidParam))

	// 种子数据的时间早于30天前
	n, err = suite.repo.CleanupRecords(30)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(5), n)
}

func TestAdmissionRecordRepositoryTestSuite(t *testing.T) {
	suite.Run(t, new(AdmissionRecordRepositoryTestSuite))
}
