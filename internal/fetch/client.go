package fetch

import (
	"net"
	"net/http"
	"net/textproto"
	"time"

	"github.com/any-hub/any-get/internal/config"
)

// Doer 抽象出 HTTP 传输，*http.Client 即满足该接口，测试中可替换为桩实现。
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   16,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// DefaultRequestTimeout 是未配置 RequestTimeout 时的响应头与正文空闲超时。
const DefaultRequestTimeout = 3 * time.Minute

// RequestTimeout 返回配置中的 RequestTimeout，未设置时回退到默认值。
func RequestTimeout(cfg *config.Config) time.Duration {
	if cfg != nil && cfg.Global.RequestTimeout.DurationValue() > 0 {
		return cfg.Global.RequestTimeout.DurationValue()
	}
	return DefaultRequestTimeout
}

// NewClient 返回下载使用的 http.Client。重定向由 Engine 自行处理，
// 因此 CheckRedirect 始终把 3xx 原样交回。
// 超时只约束建连与等待响应头，正文传输时长不设上限，停滞由 Engine 的空闲检测处理。
func NewClient(cfg *config.Config) *http.Client {
	transport := defaultTransport.Clone()
	transport.ResponseHeaderTimeout = RequestTimeout(cfg)

	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// hopByHopHeaders 定义 RFC 7230 中仅对单跳连接有效的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// credentialHeaders 在重定向跨主机时不再转发。
var credentialHeaders = map[string]struct{}{
	"Authorization":    {},
	"Cookie":           {},
	"Www-Authenticate": {},
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader reports whether the header must not be forwarded.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

func stripCredentials(h http.Header) http.Header {
	out := h.Clone()
	for key := range credentialHeaders {
		out.Del(key)
	}
	return out
}
