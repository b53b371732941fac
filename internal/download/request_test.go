package download

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/any-hub/any-get/internal/checksum"
	"github.com/any-hub/any-get/internal/config"
)

func TestRequestFromConfigMergesGlobals(t *testing.T) {
	follow := false
	cfg := &config.Config{
		Global: config.GlobalConfig{
			CacheDirectory:  "/var/cache/any-get",
			Retries:         4,
			FollowRedirects: true,
			FailOnError:     true,
		},
	}
	d := config.DownloadConfig{
		URI:             "https://example.test/a.bin",
		OutputDirectory: "out",
		FollowRedirects: &follow,
		SHA256:          helloSHA256,
		MD5:             " " + helloMD5 + " ",
		Headers:         map[string]string{"X-Token": "1"},
	}

	req, err := RequestFromConfig(cfg, d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.CacheDirectory != "/var/cache/any-get" || req.Retries != 4 {
		t.Fatalf("globals not applied: %+v", req)
	}
	if req.FollowRedirects || !req.FailOnError {
		t.Fatalf("per-download override not applied: %+v", req)
	}
	if len(req.Checksums) != 2 || req.Checksums[0].Algorithm != checksum.MD5 || req.Checksums[1].Algorithm != checksum.SHA256 {
		t.Fatalf("unexpected checksums: %+v", req.Checksums)
	}
	if req.Headers["X-Token"] != "1" {
		t.Fatalf("headers not copied")
	}
}

func TestOutputPath(t *testing.T) {
	cases := []struct {
		req  Request
		want string
	}{
		{Request{URI: "http://x.test/a/b/file.zip", OutputDirectory: "dl"}, filepath.Join("dl", "file.zip")},
		{Request{URI: "http://x.test/file.zip?x=1", OutputDirectory: "dl", OutputFileName: "renamed"}, filepath.Join("dl", "renamed")},
		{Request{URI: "http://x.test/file.zip"}, "file.zip"},
	}
	for _, tc := range cases {
		got, err := tc.req.OutputPath()
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.req.URI, err)
		}
		if got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.req.URI, tc.want, got)
		}
	}

	_, err := Request{URI: "http://x.test/"}.OutputPath()
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) || cfgErr.Field != "outputFileName" {
		t.Fatalf("expected outputFileName configuration error, got %v", err)
	}
}
