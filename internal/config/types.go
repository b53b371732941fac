package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为，所有下载任务共享同一份参数。
type GlobalConfig struct {
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	CacheDirectory  string   `mapstructure:"CacheDirectory"`
	Retries         int      `mapstructure:"Retries"`
	InitialBackoff  Duration `mapstructure:"InitialBackoff"`
	MaxBackoff      Duration `mapstructure:"MaxBackoff"`
	RequestTimeout  Duration `mapstructure:"RequestTimeout"`
	FollowRedirects bool     `mapstructure:"FollowRedirects"`
	FailOnError     bool     `mapstructure:"FailOnError"`
	MaxConcurrency  int      `mapstructure:"MaxConcurrency"`
	UserAgent       string   `mapstructure:"UserAgent"`
}

// DownloadConfig 描述单个下载任务；指针字段为空时回退到 GlobalConfig。
type DownloadConfig struct {
	URI                  string            `mapstructure:"URI"`
	OutputDirectory      string            `mapstructure:"OutputDirectory"`
	OutputFileName       string            `mapstructure:"OutputFileName"`
	SkipCache            bool              `mapstructure:"SkipCache"`
	Overwrite            bool              `mapstructure:"Overwrite"`
	AlwaysVerifyChecksum bool              `mapstructure:"AlwaysVerifyChecksum"`
	Retries              int               `mapstructure:"Retries"`
	FollowRedirects      *bool             `mapstructure:"FollowRedirects"`
	FailOnError          *bool             `mapstructure:"FailOnError"`
	MD5                  string            `mapstructure:"MD5"`
	SHA1                 string            `mapstructure:"SHA1"`
	SHA256               string            `mapstructure:"SHA256"`
	SHA512               string            `mapstructure:"SHA512"`
	Headers              map[string]string `mapstructure:"Headers"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global    GlobalConfig     `mapstructure:",squash"`
	Downloads []DownloadConfig `mapstructure:"Download"`
}

// EffectiveRetries 返回任务生效的尝试次数，未覆盖时回退至全局值。
func (c *Config) EffectiveRetries(d DownloadConfig) int {
	if d.Retries > 0 {
		return d.Retries
	}
	return c.Global.Retries
}

// EffectiveFollowRedirects 返回任务是否跟随 3xx。
func (c *Config) EffectiveFollowRedirects(d DownloadConfig) bool {
	if d.FollowRedirects != nil {
		return *d.FollowRedirects
	}
	return c.Global.FollowRedirects
}

// EffectiveFailOnError 返回下载失败时是否中止。
func (c *Config) EffectiveFailOnError(d DownloadConfig) bool {
	if d.FailOnError != nil {
		return *d.FailOnError
	}
	return c.Global.FailOnError
}

// Checksums 以 algorithm -> expected hex 的形式输出已配置的摘要，空值会被忽略。
func (d DownloadConfig) Checksums() map[string]string {
	result := make(map[string]string, 4)
	for name, value := range map[string]string{
		"md5":    d.MD5,
		"sha1":   d.SHA1,
		"sha256": d.SHA256,
		"sha512": d.SHA512,
	} {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			result[name] = trimmed
		}
	}
	return result
}
