package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

func TestStorePutAndLookup(t *testing.T) {
	store := newTestStore(t)
	uri := "http://example.test/files/sample.txt"

	payload := []byte("payload")
	entry, err := store.Put(context.Background(), uri, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("put error: %v", err)
	}
	if entry.ArtifactID == "" || entry.ArtifactID == "sample.txt" {
		t.Fatalf("artifact id should be generated, got %q", entry.ArtifactID)
	}

	result, err := store.Lookup(context.Background(), uri)
	if err != nil {
		t.Fatalf("lookup error: %v", err)
	}
	defer result.Reader.Close()

	body, err := io.ReadAll(result.Reader)
	if err != nil {
		t.Fatalf("read cached body error: %v", err)
	}
	if string(body) != string(payload) {
		t.Fatalf("cached payload mismatch: %s", string(body))
	}
	if result.Entry.SizeBytes != int64(len(payload)) {
		t.Fatalf("size mismatch: %d", result.Entry.SizeBytes)
	}
	if result.Entry.ArtifactID != entry.ArtifactID {
		t.Fatalf("artifact id mismatch: %s vs %s", result.Entry.ArtifactID, entry.ArtifactID)
	}
}

func TestStoreLookupMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Lookup(context.Background(), "http://example.test/missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	first, err := Open(dir)
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	uri := "http://example.test/durable"
	if _, err := first.Put(context.Background(), uri, bytes.NewReader([]byte("durable"))); err != nil {
		t.Fatalf("put error: %v", err)
	}

	second, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	result, err := second.Lookup(context.Background(), uri)
	if err != nil {
		t.Fatalf("lookup after reopen error: %v", err)
	}
	result.Reader.Close()
}

func TestStoreRemove(t *testing.T) {
	store := newTestStore(t)
	uri := "http://example.test/cache/remove"
	entry, err := store.Put(context.Background(), uri, bytes.NewReader([]byte("data")))
	if err != nil {
		t.Fatalf("put error: %v", err)
	}
	if err := store.Remove(context.Background(), uri); err != nil {
		t.Fatalf("remove error: %v", err)
	}
	if _, err := store.Lookup(context.Background(), uri); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after remove, got %v", err)
	}
	if _, err := os.Stat(entry.FilePath); !os.IsNotExist(err) {
		t.Fatalf("artifact file should be deleted, stat err=%v", err)
	}
	if err := store.Remove(context.Background(), uri); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second remove should report ErrNotFound, got %v", err)
	}
}

func TestStorePutReplacesArtifact(t *testing.T) {
	store := newTestStore(t)
	uri := "http://example.test/replace"

	first, err := store.Put(context.Background(), uri, bytes.NewReader([]byte("v1")))
	if err != nil {
		t.Fatalf("first put error: %v", err)
	}
	second, err := store.Put(context.Background(), uri, bytes.NewReader([]byte("v2")))
	if err != nil {
		t.Fatalf("second put error: %v", err)
	}
	if first.ArtifactID == second.ArtifactID {
		t.Fatalf("replacement should use a fresh artifact id")
	}
	if _, err := os.Stat(first.FilePath); !os.IsNotExist(err) {
		t.Fatalf("replaced artifact should be deleted, stat err=%v", err)
	}

	entries, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if len(entries) != 1 || entries[0].ArtifactID != second.ArtifactID {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestStorePutKeepsEntryWhenOldArtifactRemovalFails(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	store, err := Open(t.TempDir(), WithLogger(logger))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	uri := "http://example.test/orphan"

	first, err := store.Put(context.Background(), uri, bytes.NewReader([]byte("v1")))
	if err != nil {
		t.Fatalf("first put error: %v", err)
	}
	store.(*fileStore).remove = func(string) error { return errors.New("device busy") }

	second, err := store.Put(context.Background(), uri, bytes.NewReader([]byte("v2")))
	if err != nil {
		t.Fatalf("put should succeed once the index is committed: %v", err)
	}
	if second == nil || second.ArtifactID == first.ArtifactID {
		t.Fatalf("unexpected entry: %+v", second)
	}

	hit, err := store.Lookup(context.Background(), uri)
	if err != nil {
		t.Fatalf("lookup error: %v", err)
	}
	data, _ := io.ReadAll(hit.Reader)
	hit.Reader.Close()
	if string(data) != "v2" {
		t.Fatalf("expected replacement content, got %q", data)
	}

	entry := hook.LastEntry()
	if entry == nil || entry.Level != logrus.WarnLevel || entry.Data["artifact_id"] != first.ArtifactID {
		t.Fatalf("orphan removal failure should be logged, got %+v", entry)
	}
}

func TestStoreListSorted(t *testing.T) {
	store := newTestStore(t)
	for _, uri := range []string{"http://b.test/x", "http://a.test/x", "http://c.test/x"} {
		if _, err := store.Put(context.Background(), uri, bytes.NewReader([]byte(uri))); err != nil {
			t.Fatalf("put %s error: %v", uri, err)
		}
	}
	entries, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].URI != "http://a.test/x" || entries[2].URI != "http://c.test/x" {
		t.Fatalf("entries not sorted: %+v", entries)
	}
}

func TestStoreIgnoresMissingArtifact(t *testing.T) {
	store := newTestStore(t)
	uri := "http://example.test/vanished"
	entry, err := store.Put(context.Background(), uri, bytes.NewReader([]byte("data")))
	if err != nil {
		t.Fatalf("put error: %v", err)
	}
	if err := os.Remove(entry.FilePath); err != nil {
		t.Fatalf("remove artifact: %v", err)
	}
	if _, err := store.Lookup(context.Background(), uri); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing artifact, got %v", err)
	}
}

func TestStoreFailedPutLeavesIndexUntouched(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Put(context.Background(), "http://example.test/kept", bytes.NewReader([]byte("kept"))); err != nil {
		t.Fatalf("put error: %v", err)
	}
	indexPath := filepath.Join(store.Dir(), indexFileName)
	before, err := os.ReadFile(indexPath)
	if err != nil {
		t.Fatalf("read index: %v", err)
	}

	failing := io.MultiReader(bytes.NewReader([]byte("partial")), errReader{err: errors.New("boom")})
	if _, err := store.Put(context.Background(), "http://example.test/broken", failing); err == nil {
		t.Fatalf("expected put to fail")
	}

	after, err := os.ReadFile(indexPath)
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Fatalf("index changed after failed put:\nbefore=%s\nafter=%s", before, after)
	}

	files, err := os.ReadDir(store.Dir())
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	// index.json + index.lock + 1 artifact
	if len(files) != 3 {
		names := make([]string, 0, len(files))
		for _, f := range files {
			names = append(names, f.Name())
		}
		t.Fatalf("unexpected leftovers in cache dir: %v", names)
	}
}

func TestStoreCorruptIndex(t *testing.T) {
	store := newTestStore(t)
	if err := os.WriteFile(filepath.Join(store.Dir(), indexFileName), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write index: %v", err)
	}
	if _, err := store.Lookup(context.Background(), "http://example.test/x"); !errors.Is(err, ErrCorruptIndex) {
		t.Fatalf("expected ErrCorruptIndex, got %v", err)
	}
	if _, err := store.Put(context.Background(), "http://example.test/x", bytes.NewReader(nil)); !errors.Is(err, ErrCorruptIndex) {
		t.Fatalf("expected ErrCorruptIndex from put, got %v", err)
	}
}

func TestStoreRejectsEscapingArtifactID(t *testing.T) {
	store := newTestStore(t)
	doc := `{"version":1,"entries":{"http://x.test/a":{"uri":"http://x.test/a","artifact_id":"../etc/passwd","size_bytes":1}}}`
	if err := os.WriteFile(filepath.Join(store.Dir(), indexFileName), []byte(doc), 0o644); err != nil {
		t.Fatalf("write index: %v", err)
	}
	if _, err := store.Lookup(context.Background(), "http://x.test/a"); !errors.Is(err, ErrCorruptIndex) {
		t.Fatalf("expected ErrCorruptIndex, got %v", err)
	}
}

func TestOpenRejectsRegularFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	_, err := Open(path)
	if !errors.Is(err, ErrNotADirectory) {
		t.Fatalf("expected ErrNotADirectory, got %v", err)
	}
}

func TestOpenCreatesNestedDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b", "c")
	store, err := Open(dir)
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	if info, err := os.Stat(store.Dir()); err != nil || !info.IsDir() {
		t.Fatalf("cache dir not created: %v", err)
	}
}

func TestStoreLargeStream(t *testing.T) {
	store := newTestStore(t)
	const size = 4<<20 + 17
	body := io.LimitReader(zeroReader{}, size)
	entry, err := store.Put(context.Background(), "http://example.test/large", body)
	if err != nil {
		t.Fatalf("put error: %v", err)
	}
	if entry.SizeBytes != size {
		t.Fatalf("expected %d bytes, got %d", size, entry.SizeBytes)
	}
}

func TestStorePutHonorsContext(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.Put(ctx, "http://example.test/cancelled", bytes.NewReader([]byte("x"))); err == nil {
		t.Fatalf("expected cancelled put to fail")
	}
	entries, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("cancelled put should not be indexed: %+v", entries)
	}
}

func TestStoreConcurrentGoroutines(t *testing.T) {
	dir := t.TempDir()
	const workers = 16

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// 每个 goroutine 独立 Open，模拟互不感知的调用方。
			store, err := Open(dir)
			if err != nil {
				errs <- err
				return
			}
			uri := fmt.Sprintf("http://example.test/file-%d", i)
			if _, err := store.Put(context.Background(), uri, bytes.NewReader([]byte(uri))); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent put error: %v", err)
	}

	assertEntryCount(t, dir, workers)
}

func TestStoreConcurrentProcesses(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns subprocesses")
	}
	dir := t.TempDir()
	const procs = 4
	const perProc = 5

	cmds := make([]*exec.Cmd, 0, procs)
	for p := 0; p < procs; p++ {
		cmd := exec.Command(os.Args[0], "-test.run=^TestHelperProcessPut$")
		cmd.Env = append(os.Environ(),
			"ANY_GET_CACHE_HELPER=1",
			"ANY_GET_CACHE_DIR="+dir,
			"ANY_GET_CACHE_PREFIX=proc-"+strconv.Itoa(p),
			"ANY_GET_CACHE_COUNT="+strconv.Itoa(perProc),
		)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Start(); err != nil {
			t.Fatalf("start helper: %v", err)
		}
		t.Cleanup(func() {
			if t.Failed() && stderr.Len() > 0 {
				t.Logf("helper stderr: %s", stderr.String())
			}
		})
		cmds = append(cmds, cmd)
	}
	for _, cmd := range cmds {
		if err := cmd.Wait(); err != nil {
			t.Fatalf("helper process failed: %v", err)
		}
	}

	assertEntryCount(t, dir, procs*perProc)
}

// TestHelperProcessPut 仅在子进程中运行，向共享缓存目录写入若干条目。
func TestHelperProcessPut(t *testing.T) {
	if os.Getenv("ANY_GET_CACHE_HELPER") != "1" {
		return
	}
	count, err := strconv.Atoi(os.Getenv("ANY_GET_CACHE_COUNT"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad count: %v\n", err)
		os.Exit(2)
	}
	store, err := Open(os.Getenv("ANY_GET_CACHE_DIR"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open: %v\n", err)
		os.Exit(2)
	}
	prefix := os.Getenv("ANY_GET_CACHE_PREFIX")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for i := 0; i < count; i++ {
		uri := fmt.Sprintf("http://example.test/%s/%d", prefix, i)
		if _, err := store.Put(ctx, uri, bytes.NewReader([]byte(uri))); err != nil {
			fmt.Fprintf(os.Stderr, "put %s: %v\n", uri, err)
			os.Exit(1)
		}
	}
	os.Exit(0)
}

func TestOptionalDisabled(t *testing.T) {
	opt := NewOptional(nil)
	if opt.Enabled() {
		t.Fatalf("nil store should be disabled")
	}
	if _, err := opt.Lookup(context.Background(), "http://x.test"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if _, err := opt.Put(context.Background(), "http://x.test", bytes.NewReader(nil)); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if opt.Dir() != "" {
		t.Fatalf("disabled dir should be empty")
	}
}

func TestOptionalDelegates(t *testing.T) {
	store := newTestStore(t)
	opt := NewOptional(store)
	if !opt.Enabled() {
		t.Fatalf("expected enabled")
	}
	if _, err := opt.Put(context.Background(), "http://x.test/a", bytes.NewReader([]byte("a"))); err != nil {
		t.Fatalf("put error: %v", err)
	}
	result, err := opt.Lookup(context.Background(), "http://x.test/a")
	if err != nil {
		t.Fatalf("lookup error: %v", err)
	}
	result.Reader.Close()
}

func assertEntryCount(t *testing.T, dir string, want int) {
	t.Helper()
	store, err := Open(dir)
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	entries, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if len(entries) != want {
		t.Fatalf("expected %d entries, got %d", want, len(entries))
	}
	for _, entry := range entries {
		if _, err := os.Stat(entry.FilePath); err != nil {
			t.Fatalf("artifact for %s missing: %v", entry.URI, err)
		}
	}
}

// newTestStore returns a Store backed by a temporary directory.
func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}
