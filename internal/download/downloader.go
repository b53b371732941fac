// Package download orchestrates a single artifact download: it consults the
// on-disk cache, falls back to the fetch engine on a miss, verifies checksums
// and atomically publishes the result to the output path.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-get/internal/cache"
	"github.com/any-hub/any-get/internal/checksum"
	"github.com/any-hub/any-get/internal/fetch"
	"github.com/any-hub/any-get/internal/logging"
)

// Options 描述 Downloader 的协作者。Engine 必填。
type Options struct {
	Engine   *fetch.Engine
	Logger   *logrus.Logger
	Progress io.Writer
	Now      func() time.Time
}

// Downloader 执行下载任务，自身不持有可变状态，可被多个 goroutine 并发使用。
type Downloader struct {
	engine   *fetch.Engine
	logger   *logrus.Logger
	progress io.Writer
	now      func() time.Time
}

// New 构造 Downloader。
func New(opts Options) *Downloader {
	d := &Downloader{
		engine:   opts.Engine,
		logger:   opts.Logger,
		progress: opts.Progress,
		now:      opts.Now,
	}
	if d.logger == nil {
		d.logger = logging.Discard()
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

// Result 汇总一次 Run 的结果。
type Result struct {
	RunID      string
	OutputPath string
	Produced   bool
	CacheHit   bool
	Skipped    bool
	Attempts   int
	SizeBytes  int64
	Warnings   []string
}

// run 保存单次执行的上下文，避免在各步骤之间传递大量参数。
type run struct {
	req        Request
	fetchReq   *fetch.Request
	outputPath string
	result     *Result
	logger     *logrus.Entry
}

func (r *run) warn(msg string, err error) {
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	r.result.Warnings = append(r.result.Warnings, msg)
	r.logger.Warn(msg)
}

// Run 执行单个下载任务，顺序为：构造请求 → 解析输出路径 → 打开缓存 →
// 检查已有文件 → 缓存命中 → 网络下载 → 原子发布。
func (d *Downloader) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	fetchReq, err := d.engine.NewRequest(req.URI, req.Headers)
	if err != nil {
		return nil, &ConfigurationError{Field: "uri", Err: err}
	}
	if req.Retries > 0 {
		fetchReq.Retries = req.Retries
	}
	fetchReq.FollowRedirects = req.FollowRedirects

	outputPath, err := req.OutputPath()
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	r := &run{
		req:        req,
		fetchReq:   fetchReq,
		outputPath: outputPath,
		result:     &Result{RunID: runID, OutputPath: outputPath},
		logger:     d.logger.WithFields(logging.DownloadFields(runID, req.URI, outputPath, false)),
	}

	store, err := d.openCache(r)
	if err != nil {
		return r.result, err
	}

	err = d.execute(ctx, r, store)
	r.logger = r.logger.WithFields(logrus.Fields{
		"action":     "download",
		"cache_hit":  r.result.CacheHit,
		"attempts":   r.result.Attempts,
		"elapsed_ms": time.Since(start).Milliseconds(),
	})
	if err != nil {
		var failure *fetch.DownloadFailure
		if errors.As(err, &failure) && !req.FailOnError {
			r.warn(failure.Error(), nil)
			return r.result, nil
		}
		r.logger.WithError(err).Error("download failed")
		return r.result, err
	}

	switch {
	case r.result.Skipped:
		r.logger.Info("output up to date, skipping")
	default:
		r.logger.WithFields(logrus.Fields{
			"size_bytes": r.result.SizeBytes,
			"size":       humanize.IBytes(uint64(r.result.SizeBytes)),
		}).Info("download complete")
	}
	return r.result, nil
}

func (d *Downloader) execute(ctx context.Context, r *run, store cache.Optional) error {
	skip, err := d.checkExisting(r)
	if err != nil {
		return err
	}
	if skip {
		r.result.Skipped = true
		return nil
	}

	if store.Enabled() {
		hit, err := d.fromCache(ctx, r, store)
		if err != nil || hit {
			return err
		}
	}

	return d.fromNetwork(ctx, r, store)
}

// openCache 在 SkipCache 时完全不触碰缓存目录。
func (d *Downloader) openCache(r *run) (cache.Optional, error) {
	if r.req.SkipCache || r.req.CacheDirectory == "" {
		return cache.NewOptional(nil), nil
	}
	store, err := cache.Open(r.req.CacheDirectory, cache.WithLogger(r.logger))
	if err != nil {
		if errors.Is(err, cache.ErrNotADirectory) {
			return cache.Optional{}, &ConfigurationError{Field: "cacheDirectory", Err: err}
		}
		r.warn("cache disabled for this run", err)
		return cache.NewOptional(nil), nil
	}
	return cache.NewOptional(store), nil
}

// checkExisting 判断输出路径上已有文件能否直接复用。
func (d *Downloader) checkExisting(r *run) (bool, error) {
	info, err := os.Stat(r.outputPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if info.IsDir() {
		return false, &ConfigurationError{
			Field: "outputFileName",
			Err:   fmt.Errorf("%s is a directory", r.outputPath),
		}
	}

	if len(r.req.Checksums) == 0 {
		return !r.req.Overwrite, nil
	}
	if !r.req.AlwaysVerifyChecksum && r.req.Overwrite {
		return false, nil
	}

	err = checksum.VerifyFile(r.outputPath, r.req.Checksums...)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, checksum.ErrChecksumMismatch) {
		r.warn(fmt.Sprintf("The local version of file %s doesn't match the expected checksum. "+
			"You should consider checking the specified checksum is correctly set.", filepath.Base(r.outputPath)), nil)
		return false, nil
	}
	return false, err
}

// fromCache 尝试用缓存正文生成输出文件。缓存正文校验失败时返回 false 以便重新下载。
func (d *Downloader) fromCache(ctx context.Context, r *run, store cache.Optional) (bool, error) {
	hit, err := store.Lookup(ctx, r.req.URI)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			r.warn("cache lookup failed", err)
		}
		return false, nil
	}
	defer hit.Reader.Close()

	staged, err := stage(r.outputPath)
	if err != nil {
		return false, err
	}
	verifier, err := checksum.NewVerifier(r.req.Checksums...)
	if err != nil {
		staged.discard()
		return false, err
	}

	written, readErr, writeErr := copyCached(io.MultiWriter(staged.file, verifier), hit.Reader)
	if writeErr != nil {
		staged.discard()
		return false, fmt.Errorf("write output from cache: %w", writeErr)
	}
	if readErr != nil {
		staged.discard()
		r.warn("reading cached artifact failed, fetching again", readErr)
		return false, nil
	}
	if err := verifier.Check(); err != nil {
		staged.discard()
		r.warn(fmt.Sprintf("cached artifact for %s doesn't match the expected checksum, fetching again", r.req.URI), err)
		return false, nil
	}

	if err := staged.publish(r.outputPath, d.now()); err != nil {
		return false, err
	}
	r.result.CacheHit = true
	r.result.Produced = true
	r.result.SizeBytes = written
	return true, nil
}

// fromNetwork 下载到临时文件并在同一遍写入中计算摘要；校验失败时不写缓存。
func (d *Downloader) fromNetwork(ctx context.Context, r *run, store cache.Optional) error {
	staged, err := stage(r.outputPath)
	if err != nil {
		return err
	}

	var (
		verifier *checksum.Verifier
		written  int64
	)
	sink := func(ctx context.Context, resp *fetch.Success) error {
		if err := staged.reset(); err != nil {
			return err
		}
		v, err := checksum.NewVerifier(r.req.Checksums...)
		if err != nil {
			return err
		}
		verifier = v

		writers := []io.Writer{staged.file, verifier}
		bar := newProgressBar(d.progress, filepath.Base(r.outputPath), resp.ContentLength)
		if bar != nil {
			writers = append(writers, bar)
		}
		written, err = io.Copy(io.MultiWriter(writers...), resp.Body)
		if err != nil {
			return err
		}
		if bar != nil {
			_ = bar.Finish()
		}
		return nil
	}

	report, err := d.engine.Fetch(ctx, r.fetchReq, sink)
	r.result.Attempts = report.Attempts
	if err != nil {
		staged.discard()
		return err
	}

	if err := verifier.Check(); err != nil {
		staged.discard()
		return err
	}

	if store.Enabled() {
		body, err := staged.rewind()
		if err == nil {
			_, err = store.Put(ctx, r.req.URI, body)
		}
		if err != nil {
			r.warn("storing artifact in cache failed", err)
		}
	}

	if err := staged.publish(r.outputPath, d.now()); err != nil {
		return err
	}
	r.result.Produced = true
	r.result.SizeBytes = written
	return nil
}
