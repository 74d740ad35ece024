package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"github.com/wfunc/koinet/internal/errors"
)

// Config 全局配置结构体
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Serial    SerialConfig    `mapstructure:"serial"`
	Admission AdmissionConfig `mapstructure:"admission"`
	Router    RouterConfig    `mapstructure:"router"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Log       LogConfig       `mapstructure:"log"`
	Security  SecurityConfig  `mapstructure:"security"`
	System    SystemConfig    `mapstructure:"system"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	RetentionDays   int           `mapstructure:"retention_days"`   // 接入记录保留天数，0 表示永久保留
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"` // 清理间隔
}

// WebSocketConfig WebSocket配置
type WebSocketConfig struct {
	Path             string        `mapstructure:"path"`
	ReadBufferSize   int           `mapstructure:"read_buffer_size"`
	WriteBufferSize  int           `mapstructure:"write_buffer_size"`
	MaxMessageSize   int64         `mapstructure:"max_message_size"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	PongTimeout      time.Duration `mapstructure:"pong_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

// SerialConfig 投币器串口配置
type SerialConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Port           string        `mapstructure:"port"`            // 串口路径，"auto" 表示自动探测
	DevicePatterns []string      `mapstructure:"device_patterns"` // 自动探测时的设备名前缀
	BaudRate       int           `mapstructure:"baud_rate"`
	DataBits       int           `mapstructure:"data_bits"`
	StopBits       int           `mapstructure:"stop_bits"`
	Parity         string        `mapstructure:"parity"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"` // 无数据时的让出间隔
}

// AdmissionConfig 排队准入配置
type AdmissionConfig struct {
	WindowSeconds  int           `mapstructure:"window_seconds"`
	MinutesPerCoin int           `mapstructure:"minutes_per_coin"`
	TickInterval   time.Duration `mapstructure:"tick_interval"`
	IdleInterval   time.Duration `mapstructure:"idle_interval"`
	MaxQueue       int           `mapstructure:"max_queue"` // 0 表示不限
	BypassCheck    bool          `mapstructure:"bypass_check"`
}

// RouterConfig MikroTik路由器配置
type RouterConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Profile      string        `mapstructure:"profile"`
	HostCacheTTL time.Duration `mapstructure:"host_cache_ttl"`
}

// TelemetryConfig 遥测（MQTT）配置
type TelemetryConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	Broker              string        `mapstructure:"broker"`
	ClientID            string        `mapstructure:"client_id"`
	Username            string        `mapstructure:"username"`
	Password            string        `mapstructure:"password"`
	QoS                 byte          `mapstructure:"qos"`
	TopicPrefix         string        `mapstructure:"topic_prefix"`
	SampleInterval      time.Duration `mapstructure:"sample_interval"`
	PowerSampleInterval time.Duration `mapstructure:"power_sample_interval"`
	UserSyncInterval    time.Duration `mapstructure:"user_sync_interval"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level   string            `mapstructure:"level"`
	Format  string            `mapstructure:"format"`
	Output  string            `mapstructure:"output"`
	File    LogFileConfig     `mapstructure:"file"`
	Modules map[string]string `mapstructure:"modules"`
}

// LogFileConfig 日志文件配置
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// SecurityConfig 安全配置
type SecurityConfig struct {
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// SystemConfig 系统配置
type SystemConfig struct {
	Timezone string      `mapstructure:"timezone"`
	MaxProcs int         `mapstructure:"max_procs"`
	Cache    CacheConfig `mapstructure:"cache"`
}

// CacheConfig 缓存配置
type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
}

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
	v    *viper.Viper
)

// Init 初始化配置
func Init(configPath string) error {
	var err error
	once.Do(func() {
		v = viper.New()

		if configPath != "" {
			v.SetConfigFile(configPath)
		} else {
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			v.AddConfigPath("./config")
			v.AddConfigPath(".")
		}

		v.SetEnvPrefix("KOINET")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()

		SetDefaults(v)

		if rerr := v.ReadInConfig(); rerr != nil {
			// 配置文件不存在时使用默认配置
			if _, ok := rerr.(viper.ConfigFileNotFoundError); !ok {
				err = errors.Wrap(rerr, errors.ErrConfigLoad, configPath)
				return
			}
		}

		loaded := &Config{}
		if uerr := v.Unmarshal(loaded); uerr != nil {
			err = errors.Wrap(uerr, errors.ErrConfigParse)
			return
		}
		if err = loaded.Validate(); err != nil {
			return
		}
		cfg = loaded
	})

	return err
}

// Load 从指定文件加载一份独立的配置（不影响全局实例，供工具和测试使用）
func Load(configPath string) (*Config, error) {
	lv := viper.New()
	SetDefaults(lv)
	if configPath != "" {
		lv.SetConfigFile(configPath)
		if err := lv.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, errors.ErrConfigLoad, configPath)
		}
	}

	loaded := &Config{}
	if err := lv.Unmarshal(loaded); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigParse)
	}
	if err := loaded.Validate(); err != nil {
		return nil, err
	}
	return loaded, nil
}

// SetDefaults 设置默认配置值
func SetDefaults(v *viper.Viper) {
	// 服务器
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "development")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// 数据库
	v.SetDefault("database.enabled", true)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/koinet.db")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.retention_days", 90)
	v.SetDefault("database.cleanup_interval", "1h")

	// WebSocket
	v.SetDefault("websocket.path", "/request_login")
	v.SetDefault("websocket.read_buffer_size", 1024)
	v.SetDefault("websocket.write_buffer_size", 1024)
	v.SetDefault("websocket.max_message_size", 4096)
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_timeout", "60s")
	v.SetDefault("websocket.write_timeout", "5s")
	v.SetDefault("websocket.handshake_timeout", "10s")

	// 串口
	v.SetDefault("serial.enabled", true)
	v.SetDefault("serial.port", "auto")
	v.SetDefault("serial.device_patterns", []string{"ttyACM", "ttyUSB"})
	v.SetDefault("serial.baud_rate", 9600)
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("serial.parity", "N")
	v.SetDefault("serial.read_timeout", "100ms")
	v.SetDefault("serial.poll_interval", "10ms")

	// 排队准入
	v.SetDefault("admission.window_seconds", 10)
	v.SetDefault("admission.minutes_per_coin", 30)
	v.SetDefault("admission.tick_interval", "1s")
	v.SetDefault("admission.idle_interval", "1s")
	v.SetDefault("admission.max_queue", 0)
	v.SetDefault("admission.bypass_check", true)

	// 路由器
	v.SetDefault("router.enabled", true)
	v.SetDefault("router.host", "192.168.88.1")
	v.SetDefault("router.port", 8728)
	v.SetDefault("router.timeout", "5s")
	v.SetDefault("router.profile", "default")
	v.SetDefault("router.host_cache_ttl", "2s")

	// 遥测
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.broker", "tcp://127.0.0.1:1883")
	v.SetDefault("telemetry.client_id", "koinet-gateway")
	v.SetDefault("telemetry.qos", 0)
	v.SetDefault("telemetry.topic_prefix", "koinet")
	v.SetDefault("telemetry.sample_interval", "5s")
	v.SetDefault("telemetry.power_sample_interval", "5m")
	v.SetDefault("telemetry.user_sync_interval", "30s")

	// 日志
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file.path", "./logs")
	v.SetDefault("log.file.filename", "koinet.log")
	v.SetDefault("log.file.max_size", 50)
	v.SetDefault("log.file.max_age", 30)
	v.SetDefault("log.file.max_backups", 7)
	v.SetDefault("log.file.compress", true)

	// 安全
	v.SetDefault("security.rate_limit.enabled", true)
	v.SetDefault("security.rate_limit.requests_per_minute", 30)
	v.SetDefault("security.rate_limit.burst", 5)

	// 系统
	v.SetDefault("system.cache.enabled", true)
	v.SetDefault("system.cache.ttl", "2s")
}

// Validate 校验配置：必填项缺失返回 ErrConfigMissing，取值非法返回 ErrConfigValidate
func (c *Config) Validate() error {
	if c.Admission.WindowSeconds <= 0 {
		return errors.Newf(errors.ErrConfigValidate, "admission.window_seconds 必须大于0: %d", c.Admission.WindowSeconds)
	}
	if c.Admission.MinutesPerCoin <= 0 {
		return errors.Newf(errors.ErrConfigValidate, "admission.minutes_per_coin 必须大于0: %d", c.Admission.MinutesPerCoin)
	}
	if c.Admission.TickInterval <= 0 {
		return errors.New(errors.ErrConfigValidate, "admission.tick_interval 必须大于0")
	}
	if c.Admission.MaxQueue < 0 {
		return errors.Newf(errors.ErrConfigValidate, "admission.max_queue 不能为负数: %d", c.Admission.MaxQueue)
	}
	if c.Database.RetentionDays < 0 {
		return errors.Newf(errors.ErrConfigValidate, "database.retention_days 不能为负数: %d", c.Database.RetentionDays)
	}
	if c.Router.Enabled && c.Router.Host == "" {
		return errors.New(errors.ErrConfigMissing, "router.host 不能为空")
	}
	if c.Serial.Enabled && c.Serial.Port == "" {
		return errors.New(errors.ErrConfigMissing, "serial.port 不能为空")
	}
	return nil
}

// Window 返回投币窗口时长
func (c *AdmissionConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// Address 返回路由器API地址
func (c *RouterConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Get 获取配置实例
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// Watch 监听配置文件变化
func Watch(callback func(*Config)) {
	if v == nil {
		return
	}
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		newCfg := &Config{}
		if err := v.Unmarshal(newCfg); err != nil {
			fmt.Printf("配置重载失败: %v\n", err)
			return
		}
		if err := newCfg.Validate(); err != nil {
			fmt.Printf("配置重载校验失败: %v\n", err)
			return
		}

		mu.Lock()
		cfg = newCfg
		mu.Unlock()

		if callback != nil {
			callback(newCfg)
		}

		fmt.Printf("配置已重新加载: %s\n", e.Name)
	})
}

// ConfigFile 返回正在使用的配置文件路径
func ConfigFile() string {
	if v == nil {
		return ""
	}
	return v.ConfigFileUsed()
}
