package config

import (
	"fmt"
	"time"

	"nft-pulse/pkg/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config 定义整个配置的结构
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Stream  StreamConfig  `mapstructure:"stream"`
	API     APIConfig     `mapstructure:"api"`
	Feed    FeedConfig    `mapstructure:"feed"`
	Notify  NotifyConfig  `mapstructure:"notify"`
	Monitor MonitorConfig `mapstructure:"monitor"`
}

// StreamConfig 流式连接配置
type StreamConfig struct {
	URL                string `mapstructure:"url"`
	ReconnectBaseMs    int    `mapstructure:"reconnect_base_ms"`
	ReconnectMaxMs     int    `mapstructure:"reconnect_max_ms"`
	HandshakeTimeoutMs int    `mapstructure:"handshake_timeout_ms"`
	WriteTimeoutMs     int    `mapstructure:"write_timeout_ms"`
	PingTimeoutMs      int    `mapstructure:"ping_timeout_ms"`
	BufferSize         int    `mapstructure:"buffer_size"`
}

// APIConfig REST 快照后端配置
type APIConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	APIKey     string `mapstructure:"api_key"`
	Collection string `mapstructure:"collection"`
	Timeout    int    `mapstructure:"timeout"`
	RateLimit  int    `mapstructure:"rate_limit"`
}

type FeedConfig struct {
	Cap      int `mapstructure:"cap"`
	PageSize int `mapstructure:"page_size"`
}

type NotifyConfig struct {
	CooldownMs        int    `mapstructure:"cooldown_ms"`
	TTLMs             int    `mapstructure:"ttl_ms"`
	WhaleThresholdETH string `mapstructure:"whale_threshold_eth"`
}

// LogConfig Log 日志配置
type LogConfig struct {
	Level string `mapstructure:"level"`
}

type MonitorConfig struct {
	Enable         bool   `mapstructure:"enable"`
	PrometheusAddr string `mapstructure:"prometheus_addr"`
}

func (c NotifyConfig) Cooldown() time.Duration {
	if c.CooldownMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.CooldownMs) * time.Millisecond
}

func (c NotifyConfig) TTL() time.Duration {
	if c.TTLMs <= 0 {
		return 8 * time.Second
	}
	return time.Duration(c.TTLMs) * time.Millisecond
}

func (c StreamConfig) ReconnectBase() time.Duration {
	if c.ReconnectBaseMs <= 0 {
		return time.Second
	}
	return time.Duration(c.ReconnectBaseMs) * time.Millisecond
}

func (c StreamConfig) ReconnectMax() time.Duration {
	if c.ReconnectMaxMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.ReconnectMaxMs) * time.Millisecond
}

func (c StreamConfig) HandshakeTimeout() time.Duration {
	if c.HandshakeTimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.HandshakeTimeoutMs) * time.Millisecond
}

func (c StreamConfig) WriteTimeout() time.Duration {
	if c.WriteTimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.WriteTimeoutMs) * time.Millisecond
}

func (c StreamConfig) PingTimeout() time.Duration {
	if c.PingTimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.PingTimeoutMs) * time.Millisecond
}

var v = viper.New()

func InitConfig() Config {
	return InitConfigFrom("./config/")
}

// InitConfigFrom 从指定目录加载配置
func InitConfigFrom(dir string) Config {
	var config Config

	v = viper.New()
	v.SetConfigName("config.dashboard")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)

	err := v.ReadInConfig()
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %s", err))
	}

	if err := mapstructure.Decode(v.AllSettings(), &config); err != nil {
		panic(fmt.Errorf("fatal error config file: %s", err))
	}

	return config
}

func WatchConfig(config *Config) {
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		newConfig := InitConfig()
		*config = newConfig
		logger.SetLogLevel(config.Log.Level)
	})
}
