package fetch

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidURI 表示请求地址不是带 Host 的 http/https URL。
	ErrInvalidURI = errors.New("invalid download uri")

	// ErrTooManyRedirects 表示重定向跳数超过 Request.MaxRedirects。
	ErrTooManyRedirects = errors.New("too many redirects")

	// ErrBodyStalled 表示正文在空闲超时内没有收到新数据。
	ErrBodyStalled = errors.New("response body stalled")
)

// DownloadFailure 是 Fetch 的终态失败：4xx、关闭跟随时的 3xx、
// 重定向超限或重试耗尽。StatusCode 为 0 表示没有拿到 HTTP 状态。
type DownloadFailure struct {
	URI        string
	StatusCode int
	Attempts   int
	Err        error
}

func (f *DownloadFailure) Error() string {
	switch {
	case f.StatusCode > 0 && f.Err != nil:
		return fmt.Sprintf("Download failed with code %d: %v (%s)", f.StatusCode, f.Err, f.URI)
	case f.StatusCode > 0:
		return fmt.Sprintf("Download failed with code %d (%s)", f.StatusCode, f.URI)
	default:
		return fmt.Sprintf("Download failed: %v (%s)", f.Err, f.URI)
	}
}

func (f *DownloadFailure) Unwrap() error {
	return f.Err
}
