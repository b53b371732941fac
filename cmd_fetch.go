package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/any-hub/any-get/internal/config"
	"github.com/any-hub/any-get/internal/download"
	"github.com/any-hub/any-get/internal/logging"
)

// fetchFlags 对应 fetch 子命令的标志；未显式设置的行为类标志沿用配置文件。
type fetchFlags struct {
	outputDir            string
	outputName           string
	cacheDir             string
	md5                  string
	sha1                 string
	sha256               string
	sha512               string
	headers              []string
	skipCache            bool
	overwrite            bool
	alwaysVerifyChecksum bool
	retries              int
	followRedirects      bool
	failOnError          bool
}

func newFetchCmd(opts *cliOptions) *cobra.Command {
	flags := &fetchFlags{}

	cmd := &cobra.Command{
		Use:   "fetch URI",
		Short: "Download a single URI into the output directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, configPath, err := loadConfig(opts, false)
			if err != nil {
				return err
			}
			if flags.cacheDir != "" {
				cfg.Global.CacheDirectory = flags.cacheDir
			}

			d, err := flags.toDownloadConfig(cmd, args[0])
			if err != nil {
				return usageError{err}
			}
			if err := config.ValidateDownload(-1, &d); err != nil {
				return usageError{err}
			}
			req, err := download.RequestFromConfig(cfg, d)
			if err != nil {
				return err
			}

			deps, err := buildRuntime(cfg, true)
			if err != nil {
				return err
			}
			deps.logger.WithFields(logging.BaseFields("fetch", configPath)).Debug("starting download")

			result, err := deps.downloader.Run(cmd.Context(), req)
			if err != nil {
				return err
			}
			printResult(cmd, req.URI, result)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&flags.outputDir, "output-dir", "o", ".", "输出目录")
	f.StringVarP(&flags.outputName, "output-name", "n", "", "输出文件名（默认取 URI 最后一段）")
	f.StringVar(&flags.cacheDir, "cache-dir", "", "覆盖配置中的 CacheDirectory")
	f.StringVar(&flags.md5, "md5", "", "期望的 MD5")
	f.StringVar(&flags.sha1, "sha1", "", "期望的 SHA-1")
	f.StringVar(&flags.sha256, "sha256", "", "期望的 SHA-256")
	f.StringVar(&flags.sha512, "sha512", "", "期望的 SHA-512")
	f.StringArrayVarP(&flags.headers, "header", "H", nil, "附加请求头，格式 'Name: value'，可重复")
	f.BoolVar(&flags.skipCache, "skip-cache", false, "不读写缓存")
	f.BoolVar(&flags.overwrite, "overwrite", false, "覆盖已存在的输出文件")
	f.BoolVar(&flags.alwaysVerifyChecksum, "always-verify-checksum", false, "已有文件总是先校验摘要")
	f.IntVar(&flags.retries, "retries", 0, "总尝试次数（默认取配置）")
	f.BoolVar(&flags.followRedirects, "follow-redirects", true, "跟随 3xx 重定向")
	f.BoolVar(&flags.failOnError, "fail-on-error", true, "下载失败时返回非零退出码")
	return cmd
}

func (f *fetchFlags) toDownloadConfig(cmd *cobra.Command, uri string) (config.DownloadConfig, error) {
	d := config.DownloadConfig{
		URI:                  strings.TrimSpace(uri),
		OutputDirectory:      f.outputDir,
		OutputFileName:       f.outputName,
		SkipCache:            f.skipCache,
		Overwrite:            f.overwrite,
		AlwaysVerifyChecksum: f.alwaysVerifyChecksum,
		Retries:              f.retries,
		MD5:                  f.md5,
		SHA1:                 f.sha1,
		SHA256:               f.sha256,
		SHA512:               f.sha512,
	}
	if cmd.Flags().Changed("follow-redirects") {
		d.FollowRedirects = &f.followRedirects
	}
	if cmd.Flags().Changed("fail-on-error") {
		d.FailOnError = &f.failOnError
	}

	headers, err := parseHeaders(f.headers)
	if err != nil {
		return config.DownloadConfig{}, err
	}
	d.Headers = headers
	return d, nil
}

// parseHeaders 解析 curl 风格的 "Name: value" 列表。
func parseHeaders(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	headers := make(map[string]string, len(raw))
	for _, item := range raw {
		name, value, ok := strings.Cut(item, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("无效的请求头 %q，应为 'Name: value'", item)
		}
		headers[name] = strings.TrimSpace(value)
	}
	return headers, nil
}

func printResult(cmd *cobra.Command, uri string, result *download.Result) {
	out := cmd.OutOrStdout()
	switch {
	case result.Skipped:
		fmt.Fprintf(out, "up-to-date\t%s\n", result.OutputPath)
	case result.Produced:
		source := "network"
		if result.CacheHit {
			source = "cache"
		}
		fmt.Fprintf(out, "downloaded\t%s\t%s\t%s\n", result.OutputPath, humanize.IBytes(uint64(result.SizeBytes)), source)
	default:
		fmt.Fprintf(out, "failed\t%s\n", uri)
	}
}
