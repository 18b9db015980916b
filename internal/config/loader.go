package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	defaultListenPort        = 5000
	defaultExecutableName    = "app"
	defaultMaxAge            = 7 * 24 * time.Hour
	defaultDownloadChunkSize = 81920
	defaultProgressInterval  = 100 * time.Millisecond
	defaultMaxConcurrent     = 2
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	hooks := mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToTimeHookFunc(time.RFC3339),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hooks)); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Builds {
		applyBuildDefaults(&cfg.Builds[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", defaultListenPort)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("ExecutableName", defaultExecutableName)
	v.SetDefault("ExecutableExtension", "")
	v.SetDefault("MaxAge", "168h")
	v.SetDefault("CleanOnStartup", false)
	v.SetDefault("DownloadChunkSize", defaultDownloadChunkSize)
	v.SetDefault("ProgressInterval", "100ms")
	v.SetDefault("DownloadTimeout", "0s")
	v.SetDefault("DownloadProxy", "")
	v.SetDefault("MaxConcurrentDownloads", defaultMaxConcurrent)
	v.SetDefault("MaxExtractFiles", 0)
	v.SetDefault("MaxExtractBytes", 0)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = defaultListenPort
	}
	if strings.TrimSpace(g.ExecutableName) == "" {
		g.ExecutableName = defaultExecutableName
	}
	if ext := strings.TrimSpace(g.ExecutableExtension); ext != "" && !strings.HasPrefix(ext, ".") {
		g.ExecutableExtension = "." + ext
	}
	if g.MaxAge.DurationValue() == 0 {
		g.MaxAge = Duration(defaultMaxAge)
	}
	if g.DownloadChunkSize == 0 {
		g.DownloadChunkSize = defaultDownloadChunkSize
	}
	if g.ProgressInterval.DurationValue() == 0 {
		g.ProgressInterval = Duration(defaultProgressInterval)
	}
	if g.MaxConcurrentDownloads == 0 {
		g.MaxConcurrentDownloads = defaultMaxConcurrent
	}
}

func applyBuildDefaults(b *BuildConfig) {
	b.ID = strings.TrimSpace(b.ID)
	b.URL = strings.TrimSpace(b.URL)
	b.DisplayName = strings.TrimSpace(b.DisplayName)
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
