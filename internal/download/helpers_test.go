package download

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-get/internal/checksum"
	"github.com/any-hub/any-get/internal/fetch"
)

const (
	helloBody   = "Hello, world!\n"
	helloSHA256 = "d9014c4624844aa5bac314773d6b689ad467fa4e1d1a50a1b8a99d5a95f72ff5"
	helloMD5    = "746308829575e17c3331bbcb00c0898b"
)

type harness struct {
	downloader *Downloader
	logs       *bytes.Buffer
	cacheDir   string
	outputDir  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logs := &bytes.Buffer{}
	logger := logrus.New()
	logger.SetOutput(logs)
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.DebugLevel)

	engine := fetch.NewEngine(fetch.Options{
		Logger:          logger,
		Retries:         1,
		FollowRedirects: true,
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      5 * time.Millisecond,
	})

	root := t.TempDir()
	return &harness{
		downloader: New(Options{Engine: engine, Logger: logger}),
		logs:       logs,
		cacheDir:   filepath.Join(root, "cache"),
		outputDir:  filepath.Join(root, "out"),
	}
}

// request 返回一个默认跟随重定向、失败即报错的任务。
func (h *harness) request(uri, name string) Request {
	return Request{
		URI:             uri,
		OutputDirectory: h.outputDir,
		OutputFileName:  name,
		CacheDirectory:  h.cacheDir,
		Retries:         1,
		FollowRedirects: true,
		FailOnError:     true,
	}
}

func sha256Spec(expected string) []checksum.Spec {
	return []checksum.Spec{{Algorithm: checksum.SHA256, Expected: expected}}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatalf("read dir %s: %v", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func parseLogBuffer(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var result []map[string]any
	reader := bytes.NewReader(buf.Bytes())
	dec := json.NewDecoder(reader)
	for {
		var entry map[string]any
		if err := dec.Decode(&entry); err != nil {
			if err == io.EOF {
				break
			}
			t.Fatalf("parse log entry: %v", err)
		}
		result = append(result, entry)
	}
	return result
}

func findLogEntry(t *testing.T, buf *bytes.Buffer, level, msgPrefix string) map[string]any {
	t.Helper()
	entries := parseLogBuffer(t, buf)
	for _, entry := range entries {
		msg, _ := entry["msg"].(string)
		if entry["level"] == level && len(msg) >= len(msgPrefix) && msg[:len(msgPrefix)] == msgPrefix {
			return entry
		}
	}
	t.Fatalf("log entry level=%s msg=%s not found; entries=%v", level, msgPrefix, entries)
	return nil
}
