package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// DefaultConfigFile 是未指定 --config 与 ANY_GET_CONFIG 时读取的文件名。
const DefaultConfigFile = "any-get.toml"

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFile
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	return decode(v)
}

// Defaults 返回不依赖配置文件的默认配置，供单次 fetch 命令使用。
func Defaults() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Downloads {
		applyDownloadDefaults(&cfg.Downloads[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absCache, err := filepath.Abs(cfg.Global.CacheDirectory)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.CacheDirectory = absCache

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("CacheDirectory", defaultCacheDirectory())
	v.SetDefault("Retries", 2)
	v.SetDefault("InitialBackoff", "1s")
	v.SetDefault("MaxBackoff", "30s")
	v.SetDefault("RequestTimeout", "3m")
	v.SetDefault("FollowRedirects", true)
	v.SetDefault("FailOnError", true)
	v.SetDefault("MaxConcurrency", 4)
	v.SetDefault("UserAgent", "")
}

// defaultCacheDirectory 优先使用用户缓存目录，无法解析时退回当前目录下的隐藏目录。
func defaultCacheDirectory() string {
	if dir, err := os.UserCacheDir(); err == nil && dir != "" {
		return filepath.Join(dir, "any-get")
	}
	return ".any-get-cache"
}

// applyGlobalDefaults 只补齐空字符串与零时长；Retries、MaxConcurrency 的缺省值
// 由 viper 提供，显式写 0 交给 Validate 拒绝。
func applyGlobalDefaults(g *GlobalConfig) {
	if strings.TrimSpace(g.LogLevel) == "" {
		g.LogLevel = "info"
	}
	if strings.TrimSpace(g.CacheDirectory) == "" {
		g.CacheDirectory = defaultCacheDirectory()
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(time.Second)
	}
	if g.MaxBackoff.DurationValue() == 0 {
		g.MaxBackoff = Duration(30 * time.Second)
	}
	if g.RequestTimeout.DurationValue() == 0 {
		g.RequestTimeout = Duration(3 * time.Minute)
	}
}

func applyDownloadDefaults(d *DownloadConfig) {
	d.URI = strings.TrimSpace(d.URI)
	if strings.TrimSpace(d.OutputDirectory) == "" {
		d.OutputDirectory = "."
	}
	d.OutputFileName = strings.TrimSpace(d.OutputFileName)
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
