package database

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/koinet/internal/config"
	"github.com/wfunc/koinet/internal/errors"
	"github.com/wfunc/koinet/internal/models"
)

func TestInitAndMigrate_SQLite(t *testing.T) {
	dir := t.TempDir()
	dsn := filepath.Join(dir, "data", "koinet.db")

	err := Init(&config.DatabaseConfig{
		Driver:          "sqlite",
		DSN:             dsn,
		MaxIdleConns:    1,
		MaxOpenConns:    1,
		ConnMaxLifetime: time.Hour,
		LogLevel:        "silent",
	})
	require.NoError(t, err)
	defer Close()

	assert.True(t, IsConnected())
	require.NoError(t, AutoMigrate())
	assert.True(t, GetDB().Migrator().HasTable(&models.AdmissionRecord{}))

	// 迁移锁已释放
	_, statErr := os.Stat(dsn + ".migration.lock")
	assert.True(t, os.IsNotExist(statErr))
}

func TestInit_UnsupportedDriver(t *testing.T) {
	err := Init(&config.DatabaseConfig{Driver: "oracle", DSN: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfigValidate))
}

func TestGormLogger_LogMode(t *testing.T) {
	l := NewGormLogger(nil, 0)
	assert.Same(t, l, l.LogMode(2))
}
