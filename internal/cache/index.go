package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const (
	indexFileName = "index.json"
	lockFileName  = "index.lock"
	indexVersion  = 1

	// lockRetryDelay 是 TryLockContext 轮询锁的间隔。
	lockRetryDelay = 50 * time.Millisecond
)

// index 是 index.json 的磁盘结构。
type index struct {
	Version int              `json:"version"`
	Entries map[string]Entry `json:"entries"`
}

func newIndex() *index {
	return &index{Version: indexVersion, Entries: map[string]Entry{}}
}

// readIndex 读取磁盘上的最新索引；文件不存在时返回空索引。
func readIndex(dir string) (*index, error) {
	data, err := os.ReadFile(filepath.Join(dir, indexFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return newIndex(), nil
		}
		return nil, fmt.Errorf("read cache index: %w", err)
	}

	idx := newIndex()
	if err := json.Unmarshal(data, idx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptIndex, err)
	}
	if idx.Entries == nil {
		idx.Entries = map[string]Entry{}
	}
	for uri, entry := range idx.Entries {
		if !validArtifactID(entry.ArtifactID) || entry.URI != uri {
			return nil, fmt.Errorf("%w: invalid entry for %s", ErrCorruptIndex, uri)
		}
	}
	return idx, nil
}

// writeIndex 通过临时文件 + rename 原子替换索引，读者永远看不到半写的文件。
func writeIndex(dir string, idx *index) error {
	tempFile, err := os.CreateTemp(dir, ".index-*")
	if err != nil {
		return fmt.Errorf("create index temp file: %w", err)
	}
	tempName := tempFile.Name()

	enc := json.NewEncoder(tempFile)
	enc.SetIndent("", "  ")
	err = enc.Encode(idx)
	if err == nil {
		err = tempFile.Sync()
	}
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return fmt.Errorf("write cache index: %w", err)
	}

	if err := os.Rename(tempName, filepath.Join(dir, indexFileName)); err != nil {
		os.Remove(tempName)
		return fmt.Errorf("replace cache index: %w", err)
	}
	return nil
}

// lockIndex 获取 index.lock 上的 advisory 锁，exclusive 为 false 时获取共享锁。
// flock(2) 锁绑定在打开的文件描述上，同一进程内的多个 goroutine 同样互斥；
// 持有者崩溃时由内核释放。
func lockIndex(ctx context.Context, dir string, exclusive bool) (func(), error) {
	fileLock := flock.New(filepath.Join(dir, lockFileName))

	var (
		locked bool
		err    error
	)
	if exclusive {
		locked, err = fileLock.TryLockContext(ctx, lockRetryDelay)
	} else {
		locked, err = fileLock.TryRLockContext(ctx, lockRetryDelay)
	}
	if err != nil {
		return nil, fmt.Errorf("lock cache index: %w", err)
	}
	if !locked {
		return nil, errors.New("lock cache index: lock not acquired")
	}
	return func() {
		_ = fileLock.Unlock()
	}, nil
}

// validArtifactID 拒绝包含路径成分的 ID，防止被篡改的索引指向缓存目录之外。
func validArtifactID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return filepath.Base(id) == id && id != indexFileName && id != lockFileName
}
