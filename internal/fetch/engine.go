package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-get/internal/config"
	"github.com/any-hub/any-get/internal/logging"
	"github.com/any-hub/any-get/internal/version"
)

// DefaultMaxRedirects 是单次尝试内允许跟随的最大跳数。
const DefaultMaxRedirects = 10

// Sink 接收成功响应并把正文写到目标位置。正文读取中途失败时 Fetch 会重试，
// 因此同一次 Fetch 内 Sink 可能被调用多次，每次都必须从空目标开始写。
type Sink func(ctx context.Context, resp *Success) error

// Options 描述 Engine 的默认行为，Request 可按任务覆盖其中一部分。
type Options struct {
	Client          Doer
	Logger          *logrus.Logger
	UserAgent       string
	Retries         int
	FollowRedirects bool
	MaxRedirects    int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	// IdleTimeout 是正文两次读取之间允许的最长间隔，0 表示不检测。
	IdleTimeout time.Duration
}

// Engine 执行带重试与重定向处理的 GET 请求。
type Engine struct {
	client          Doer
	logger          *logrus.Logger
	userAgent       string
	retries         int
	followRedirects bool
	maxRedirects    int
	initialBackoff  time.Duration
	maxBackoff      time.Duration
	idleTimeout     time.Duration
}

// NewEngine 使用给定选项构造 Engine，零值字段回退到默认值。
func NewEngine(opts Options) *Engine {
	e := &Engine{
		client:          opts.Client,
		logger:          opts.Logger,
		userAgent:       strings.TrimSpace(opts.UserAgent),
		retries:         opts.Retries,
		followRedirects: opts.FollowRedirects,
		maxRedirects:    opts.MaxRedirects,
		initialBackoff:  opts.InitialBackoff,
		maxBackoff:      opts.MaxBackoff,
		idleTimeout:     opts.IdleTimeout,
	}
	if e.client == nil {
		e.client = NewClient(nil)
	}
	if e.logger == nil {
		e.logger = logging.Discard()
	}
	if e.userAgent == "" {
		e.userAgent = version.UserAgent()
	}
	if e.retries < 1 {
		e.retries = 1
	}
	if e.maxRedirects <= 0 {
		e.maxRedirects = DefaultMaxRedirects
	}
	if e.initialBackoff <= 0 {
		e.initialBackoff = time.Second
	}
	if e.maxBackoff < e.initialBackoff {
		e.maxBackoff = e.initialBackoff
	}
	return e
}

// NewEngineFromConfig 按全局配置构造 Engine，并为其创建独立的 http.Client。
func NewEngineFromConfig(cfg *config.Config, logger *logrus.Logger) *Engine {
	opts := Options{
		Client:       NewClient(cfg),
		Logger:       logger,
		MaxRedirects: DefaultMaxRedirects,
		IdleTimeout:  RequestTimeout(cfg),
	}
	if cfg != nil {
		g := cfg.Global
		opts.UserAgent = g.UserAgent
		opts.Retries = g.Retries
		opts.FollowRedirects = g.FollowRedirects
		opts.InitialBackoff = g.InitialBackoff.DurationValue()
		opts.MaxBackoff = g.MaxBackoff.DurationValue()
	}
	return NewEngine(opts)
}

// Request 描述一次下载请求。Retries 是总尝试次数（至少 1）。
type Request struct {
	URI             string
	Header          http.Header
	Retries         int
	FollowRedirects bool
	MaxRedirects    int
}

// NewRequest 校验地址并套用 Engine 默认值；headers 中的 hop-by-hop 字段会被丢弃。
func (e *Engine) NewRequest(uri string, headers map[string]string) (*Request, error) {
	header := http.Header{}
	header.Set("User-Agent", e.userAgent)

	if err := validateURI(uri); err != nil {
		return nil, err
	}

	custom := http.Header{}
	for key, value := range headers {
		custom.Set(key, value)
	}
	if custom.Get("User-Agent") != "" {
		header.Del("User-Agent")
	}
	CopyHeaders(header, custom)

	return &Request{
		URI:             uri,
		Header:          header,
		Retries:         e.retries,
		FollowRedirects: e.followRedirects,
		MaxRedirects:    e.maxRedirects,
	}, nil
}

// Report 汇总一次 Fetch 的执行情况。
type Report struct {
	Attempts   int
	FinalURI   string
	StatusCode int
}

// Fetch 执行请求并把成功响应交给 sink。5xx、传输错误与正文读取失败会按退避策略
// 重试，总尝试次数为 req.Retries；4xx 与未跟随的 3xx 立即失败。
// 重定向不消耗尝试次数，重试从最近一次重定向的目标继续。
func (e *Engine) Fetch(ctx context.Context, req *Request, sink Sink) (Report, error) {
	if req == nil {
		return Report{}, errors.New("fetch request required")
	}
	if sink == nil {
		return Report{}, errors.New("fetch sink required")
	}

	tries := req.Retries
	if tries < 1 {
		tries = 1
	}
	maxRedirects := req.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = DefaultMaxRedirects
	}

	report := Report{FinalURI: req.URI}
	operation := func() (Report, error) {
		report.Attempts++
		err := e.attempt(ctx, req, maxRedirects, &report, sink)
		return report, err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.initialBackoff
	policy.MaxInterval = e.maxBackoff

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(tries)),
		// 总尝试次数只由 tries 决定，不受累计耗时限制。
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, delay time.Duration) {
			e.logger.WithFields(logrus.Fields{
				"action":   "fetch_retry",
				"uri":      report.FinalURI,
				"attempt":  report.Attempts,
				"delay_ms": delay.Milliseconds(),
			}).WithError(err).Warn("fetch attempt failed, retrying")
		}),
	)
	if err == nil {
		return report, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return report, ctxErr
	}

	var sinkErr *sinkError
	if errors.As(err, &sinkErr) {
		return report, sinkErr.err
	}
	var failure *DownloadFailure
	if errors.As(err, &failure) {
		failure.Attempts = report.Attempts
		return report, failure
	}
	return report, &DownloadFailure{URI: report.FinalURI, Attempts: report.Attempts, Err: err}
}

func (e *Engine) attempt(ctx context.Context, req *Request, maxRedirects int, report *Report, sink Sink) error {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for hops := 0; ; hops++ {
		target := report.FinalURI
		resp, err := e.do(attemptCtx, req, target)

		switch outcome := Classify(resp, err).(type) {
		case *Success:
			report.StatusCode = outcome.StatusCode
			return deliver(ctx, outcome, sink, e.idleTimeout, cancel)

		case *Redirect:
			drain(resp)
			report.StatusCode = outcome.StatusCode
			if !req.FollowRedirects || !outcome.followable() {
				return backoff.Permanent(&DownloadFailure{URI: target, StatusCode: outcome.StatusCode})
			}
			if hops >= maxRedirects {
				return backoff.Permanent(&DownloadFailure{URI: target, StatusCode: outcome.StatusCode, Err: ErrTooManyRedirects})
			}
			next, err := resolveLocation(target, outcome.Location)
			if err != nil {
				return backoff.Permanent(&DownloadFailure{URI: target, StatusCode: outcome.StatusCode, Err: err})
			}
			e.logger.WithFields(logrus.Fields{
				"action": "fetch_redirect",
				"uri":    target,
				"status": outcome.StatusCode,
				"target": next,
			}).Debug("following redirect")
			report.FinalURI = next

		case *ClientError:
			drain(resp)
			report.StatusCode = outcome.StatusCode
			return backoff.Permanent(&DownloadFailure{URI: target, StatusCode: outcome.StatusCode})

		case *ServerError:
			drain(resp)
			report.StatusCode = outcome.StatusCode
			return &DownloadFailure{URI: target, StatusCode: outcome.StatusCode}

		case *TransportFailure:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return backoff.Permanent(ctxErr)
			}
			return outcome.Err
		}
	}
}

func (e *Engine) do(ctx context.Context, req *Request, target string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	header := req.Header
	if !sameHost(req.URI, target) {
		header = stripCredentials(header)
	}
	for key, values := range header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	return e.client.Do(httpReq)
}

// deliver 把正文交给 sink。读取正文失败可重试；sink 自身的写入失败不可重试。
// idle > 0 时，正文超过 idle 没有新数据就取消本次尝试（abort），按读取失败重试。
func deliver(ctx context.Context, outcome *Success, sink Sink, idle time.Duration, abort context.CancelFunc) error {
	tracked := &readTracker{rc: outcome.Body, idle: idle}
	if idle > 0 {
		tracked.timer = time.AfterFunc(idle, func() {
			tracked.stalled.Store(true)
			abort()
		})
		defer tracked.timer.Stop()
	}
	outcome.Body = tracked
	defer tracked.Close()

	if err := sink(ctx, outcome); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return backoff.Permanent(ctxErr)
		}
		if tracked.stalled.Load() {
			return fmt.Errorf("%w after %s", ErrBodyStalled, idle)
		}
		if tracked.err != nil {
			return fmt.Errorf("read response body: %w", tracked.err)
		}
		return backoff.Permanent(&sinkError{err: err})
	}
	return nil
}

// readTracker 记录正文读取错误，用于区分网络中断与 sink 写入失败；
// 每次读到数据都会重置空闲计时器。
type readTracker struct {
	rc      io.ReadCloser
	err     error
	idle    time.Duration
	timer   *time.Timer
	stalled atomic.Bool
}

func (r *readTracker) Read(p []byte) (int, error) {
	if r.rc == nil {
		return 0, io.EOF
	}
	n, err := r.rc.Read(p)
	if n > 0 && r.timer != nil {
		r.timer.Reset(r.idle)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		r.err = err
	}
	return n, err
}

func (r *readTracker) Close() error {
	if r.rc == nil {
		return nil
	}
	return r.rc.Close()
}

type sinkError struct {
	err error
}

func (s *sinkError) Error() string { return s.err.Error() }
func (s *sinkError) Unwrap() error { return s.err }

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

func validateURI(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme in %q", ErrInvalidURI, raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%w: missing host in %q", ErrInvalidURI, raw)
	}
	return nil
}

func resolveLocation(base, location string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("invalid redirect location %q: %w", location, err)
	}
	next := baseURL.ResolveReference(ref)
	if err := validateURI(next.String()); err != nil {
		return "", err
	}
	return next.String(), nil
}

func sameHost(a, b string) bool {
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	if errA != nil || errB != nil {
		return false
	}
	return strings.EqualFold(ua.Host, ub.Host)
}
