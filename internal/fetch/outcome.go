package fetch

import (
	"io"
	"net/http"
)

// Outcome 是单次 HTTP 交换的分类结果，只能是本包定义的五种类型之一。
type Outcome interface {
	outcome()
}

// Success 表示 2xx 响应，Body 由 Engine 在 Sink 返回后关闭。
type Success struct {
	StatusCode    int
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
}

// Redirect 表示 3xx 响应。Location 可能为空（例如 304 或缺失头部）。
type Redirect struct {
	StatusCode int
	Location   string
}

// ClientError 表示 4xx 及其它不可重试的状态码。
type ClientError struct {
	StatusCode int
}

// ServerError 表示 5xx，可重试。
type ServerError struct {
	StatusCode int
}

// TransportFailure 表示连接、TLS、超时或读取正文中途失败，可重试。
type TransportFailure struct {
	Err error
}

func (*Success) outcome()          {}
func (*Redirect) outcome()         {}
func (*ClientError) outcome()      {}
func (*ServerError) outcome()      {}
func (*TransportFailure) outcome() {}

// Classify 把 Doer 的返回值映射为 Outcome。err 非空时忽略 resp。
func Classify(resp *http.Response, err error) Outcome {
	if err != nil {
		return &TransportFailure{Err: err}
	}
	if resp == nil {
		return &TransportFailure{Err: io.ErrUnexpectedEOF}
	}

	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return &Success{
			StatusCode:    code,
			Header:        resp.Header,
			Body:          resp.Body,
			ContentLength: resp.ContentLength,
		}
	case code >= 300 && code < 400:
		return &Redirect{StatusCode: code, Location: resp.Header.Get("Location")}
	case code >= 500:
		return &ServerError{StatusCode: code}
	default:
		return &ClientError{StatusCode: code}
	}
}

// followable 返回该 3xx 是否携带可跟随的目标。
func (r *Redirect) followable() bool {
	if r.Location == "" {
		return false
	}
	switch r.StatusCode {
	case http.StatusMovedPermanently,
		http.StatusFound,
		http.StatusSeeOther,
		http.StatusTemporaryRedirect,
		http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}
