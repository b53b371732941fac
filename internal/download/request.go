package download

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/any-hub/any-get/internal/checksum"
	"github.com/any-hub/any-get/internal/config"
)

// Request 描述一次下载任务。Retries 为 0 时使用 Engine 的默认尝试次数。
type Request struct {
	URI                  string
	OutputDirectory      string
	OutputFileName       string
	CacheDirectory       string
	SkipCache            bool
	Overwrite            bool
	AlwaysVerifyChecksum bool
	Retries              int
	FollowRedirects      bool
	FailOnError          bool
	Headers              map[string]string
	Checksums            []checksum.Spec
}

// RequestFromConfig 合并全局配置与单个 [[Download]] 表，生成可执行的 Request。
func RequestFromConfig(cfg *config.Config, d config.DownloadConfig) (Request, error) {
	specs, err := checksum.ParseSpecs(d.Checksums())
	if err != nil {
		return Request{}, &ConfigurationError{Field: "checksum", Err: err}
	}

	req := Request{
		URI:                  d.URI,
		OutputDirectory:      d.OutputDirectory,
		OutputFileName:       d.OutputFileName,
		SkipCache:            d.SkipCache,
		Overwrite:            d.Overwrite,
		AlwaysVerifyChecksum: d.AlwaysVerifyChecksum,
		Headers:              d.Headers,
		Checksums:            specs,
		FollowRedirects:      true,
		FailOnError:          true,
	}
	if cfg != nil {
		req.CacheDirectory = cfg.Global.CacheDirectory
		req.Retries = cfg.EffectiveRetries(d)
		req.FollowRedirects = cfg.EffectiveFollowRedirects(d)
		req.FailOnError = cfg.EffectiveFailOnError(d)
	} else if d.Retries > 0 {
		req.Retries = d.Retries
	}
	return req, nil
}

// OutputPath 返回最终写入的文件路径。未指定文件名时取 URI 路径的最后一段。
func (r Request) OutputPath() (string, error) {
	dir := r.OutputDirectory
	if strings.TrimSpace(dir) == "" {
		dir = "."
	}

	name := strings.TrimSpace(r.OutputFileName)
	if name == "" {
		parsed, err := url.Parse(r.URI)
		if err != nil {
			return "", &ConfigurationError{Field: "uri", Err: err}
		}
		name = path.Base(parsed.Path)
	}
	if name == "" || name == "." || name == "/" || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", &ConfigurationError{
			Field: "outputFileName",
			Err:   fmt.Errorf("cannot derive a file name from %q", r.URI),
		}
	}
	return filepath.Join(dir, name), nil
}
