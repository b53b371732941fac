package cache

import (
	"context"
	"errors"
	"io"
	"time"
)

// Store 负责管理磁盘缓存的读写。磁盘布局遵循：
//
//	<CacheDirectory>/index.json    # URI -> Entry 映射
//	<CacheDirectory>/index.lock    # 跨进程 advisory lock
//	<CacheDirectory>/<artifactID>  # 实际正文，文件名与用户侧文件名无关
type Store interface {
	// Lookup 返回一个可流式读取的缓存条目。若不存在则返回 ErrNotFound。
	Lookup(ctx context.Context, uri string) (*ReadResult, error)

	// Put 将正文写入新的 artifact 文件并更新索引。正文写入与索引合并在同一把
	// 排他锁内完成；任一步失败都会清理新文件，索引保持调用前的内容。
	Put(ctx context.Context, uri string, body io.Reader) (*Entry, error)

	// List 返回索引中的全部条目，按 URI 排序。
	List(ctx context.Context) ([]Entry, error)

	// Remove 先从索引中移除条目再删除 artifact 文件。
	Remove(ctx context.Context, uri string) error

	// Dir 返回缓存目录的绝对路径。
	Dir() string
}

// Entry 表示索引中的一条记录。
type Entry struct {
	URI        string    `json:"uri"`
	ArtifactID string    `json:"artifact_id"`
	SizeBytes  int64     `json:"size_bytes"`
	StoredAt   time.Time `json:"stored_at"`
	FilePath   string    `json:"-"`
}

// ReadResult 组合 Entry 与正文 Reader，便于调用方直接流式复制。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")

	// ErrNotADirectory 表示缓存路径已存在但不是目录。
	ErrNotADirectory = errors.New("cacheDirectory is not a directory")

	// ErrCorruptIndex 表示索引文件无法解析。
	ErrCorruptIndex = errors.New("cache index is corrupt")
)
