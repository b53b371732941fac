package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Validate 针对语义级别做进一步校验，防止非法配置触发下载。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("Global.LogLevel", "无法识别的日志级别 "+g.LogLevel)
	}
	if g.CacheDirectory == "" {
		return newFieldError("Global.CacheDirectory", "不能为空")
	}
	if g.Retries < 1 {
		return newFieldError("Global.Retries", "至少为 1")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.MaxBackoff.DurationValue() < g.InitialBackoff.DurationValue() {
		return newFieldError("Global.MaxBackoff", "不能小于 InitialBackoff")
	}
	if g.RequestTimeout.DurationValue() <= 0 {
		return newFieldError("Global.RequestTimeout", "必须大于 0")
	}
	if g.MaxConcurrency < 1 {
		return newFieldError("Global.MaxConcurrency", "至少为 1")
	}

	seenOutputs := map[string]int{}
	for i := range c.Downloads {
		d := &c.Downloads[i]
		if err := ValidateDownload(i, d); err != nil {
			return err
		}
		out := filepath.Join(d.OutputDirectory, d.OutputFileName)
		if d.OutputFileName == "" {
			out = ""
		}
		if out != "" {
			if prev, exists := seenOutputs[out]; exists {
				return newFieldError(downloadField(i, "OutputFileName"), fmt.Sprintf("与 Download[#%d] 输出路径重复", prev))
			}
			seenOutputs[out] = i
		}
	}

	return nil
}

// ValidateDownload 校验单个任务，idx 仅用于错误字段路径（单次 fetch 传 -1）。
func ValidateDownload(idx int, d *DownloadConfig) error {
	if d == nil {
		return errors.New("下载任务为空")
	}
	if err := validateURI(d.URI); err != nil {
		return fmt.Errorf("%s: %w", downloadField(idx, "URI"), err)
	}
	if d.Retries < 0 {
		return newFieldError(downloadField(idx, "Retries"), "不能为负数")
	}
	if strings.ContainsAny(d.OutputFileName, `/\`) {
		return newFieldError(downloadField(idx, "OutputFileName"), "不允许包含路径分隔符")
	}
	for key := range d.Headers {
		if strings.TrimSpace(key) == "" {
			return newFieldError(downloadField(idx, "Headers"), "Header 名称不能为空")
		}
	}
	return nil
}

func validateURI(raw string) error {
	if raw == "" {
		return errors.New("缺少下载地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("地址缺少 Host: %s", raw)
	}
	return nil
}
