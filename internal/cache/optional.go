package cache

import (
	"context"
	"errors"
	"io"
)

// ErrStoreUnavailable 表示本次运行未启用缓存（SkipCache 或目录无法创建）。
var ErrStoreUnavailable = errors.New("cache store unavailable")

// Optional 包装一个可能为空的 Store，使调用方无需在每个分支判断缓存是否启用。
type Optional struct {
	store Store
}

// NewOptional 构造包装器，store 为 nil 时所有操作返回 ErrStoreUnavailable。
func NewOptional(store Store) Optional {
	return Optional{store: store}
}

// Enabled 返回当前是否具备缓存读写能力。
func (o Optional) Enabled() bool {
	return o.store != nil
}

// Dir 返回缓存目录；未启用时为空字符串。
func (o Optional) Dir() string {
	if o.store == nil {
		return ""
	}
	return o.store.Dir()
}

// Lookup 与 Store.Lookup 语义相同。
func (o Optional) Lookup(ctx context.Context, uri string) (*ReadResult, error) {
	if o.store == nil {
		return nil, ErrStoreUnavailable
	}
	return o.store.Lookup(ctx, uri)
}

// Put 与 Store.Put 语义相同。
func (o Optional) Put(ctx context.Context, uri string, body io.Reader) (*Entry, error) {
	if o.store == nil {
		return nil, ErrStoreUnavailable
	}
	return o.store.Put(ctx, uri, body)
}
