package transfer

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func testClient() *HTTPClient {
	return NewHTTPClient(Config{Timeout: 5 * time.Second, MaxRetries: 2, InitialInterval: time.Millisecond})
}

func TestHTTPClient_Download(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer x" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		io.WriteString(w, "firmware-bytes") //nolint:errcheck // Test server
	}))
	defer srv.Close()

	dst := filepath.Join(t.TempDir(), "nested", "fw.bin")
	res, err := testClient().Download(context.Background(), DownloadRequest{
		URL:    srv.URL + "/fw.bin",
		Path:   dst,
		Header: http.Header{"Authorization": []string{"Bearer x"}},
	})
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}

	data, err := os.ReadFile(dst)
	if err != nil || string(data) != "firmware-bytes" {
		t.Errorf("downloaded content = %q, %v", data, err)
	}
	want, _ := FileSHA256(dst)
	if res.SHA256 != want || res.Size != int64(len("firmware-bytes")) {
		t.Errorf("result = %+v", res)
	}

	entries, _ := os.ReadDir(filepath.Dir(dst))
	if len(entries) != 1 {
		t.Errorf("temporary files left behind: %d entries", len(entries))
	}
}

func TestHTTPClient_DownloadRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, "ok") //nolint:errcheck // Test server
	}))
	defer srv.Close()

	_, err := testClient().Download(context.Background(), DownloadRequest{
		URL:  srv.URL,
		Path: filepath.Join(t.TempDir(), "f"),
	})
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestHTTPClient_DownloadClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.NotFound(w, nil)
	}))
	defer srv.Close()

	_, err := testClient().Download(context.Background(), DownloadRequest{
		URL:  srv.URL,
		Path: filepath.Join(t.TempDir(), "f"),
	})
	var status *StatusError
	if !errors.As(err, &status) || status.Code != http.StatusNotFound {
		t.Fatalf("Download() error = %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestHTTPClient_InvalidURL(t *testing.T) {
	for _, u := range []string{"ftp://host/x", "not a url", "http://"} {
		_, err := testClient().Download(context.Background(), DownloadRequest{URL: u, Path: filepath.Join(t.TempDir(), "f")})
		if !errors.Is(err, ErrInvalidURL) {
			t.Errorf("Download(%q) error = %v", u, err)
		}
	}
}

func TestHTTPClient_Upload(t *testing.T) {
	var (
		gotBody     string
		gotType     string
		gotEncoding string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotType = r.Header.Get("Content-Type")
		gotEncoding = r.Header.Get("Content-Encoding")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	src := filepath.Join(t.TempDir(), "log.zst")
	if err := os.WriteFile(src, []byte("compressed"), 0600); err != nil {
		t.Fatal(err)
	}
	err := testClient().Upload(context.Background(), UploadRequest{
		URL:             srv.URL + "/upload",
		Path:            src,
		ContentType:     "text/plain",
		ContentEncoding: "zstd",
	})
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if gotBody != "compressed" || gotType != "text/plain" || gotEncoding != "zstd" {
		t.Errorf("server saw body=%q type=%q encoding=%q", gotBody, gotType, gotEncoding)
	}
}

func TestHTTPClient_UploadMissingFile(t *testing.T) {
	err := testClient().Upload(context.Background(), UploadRequest{
		URL:  "http://127.0.0.1:1/x",
		Path: filepath.Join(t.TempDir(), "missing"),
	})
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Upload() error = %v", err)
	}
}

func TestHTTPClient_Authorize(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer signed" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		io.WriteString(w, "ok") //nolint:errcheck // Test server
	}))
	defer srv.Close()

	client := NewHTTPClient(Config{
		Timeout:         5 * time.Second,
		InitialInterval: time.Millisecond,
		Authorize: func(req *http.Request) error {
			req.Header.Set("Authorization", "Bearer signed")
			return nil
		},
	})
	if _, err := client.Download(context.Background(), DownloadRequest{
		URL:  srv.URL + "/f",
		Path: filepath.Join(t.TempDir(), "f"),
	}); err != nil {
		t.Fatalf("Download() error = %v", err)
	}

	failing := NewHTTPClient(Config{
		Timeout:         5 * time.Second,
		MaxRetries:      3,
		InitialInterval: time.Millisecond,
		Authorize:       func(*http.Request) error { return errors.New("no key") },
	})
	before := calls.Load()
	if _, err := failing.Download(context.Background(), DownloadRequest{
		URL:  srv.URL + "/f",
		Path: filepath.Join(t.TempDir(), "g"),
	}); err == nil {
		t.Fatal("Download() should fail when authorization fails")
	}
	if calls.Load() != before {
		t.Error("no request should reach the server when authorization fails")
	}
}

func TestCacheKey(t *testing.T) {
	a := CacheKey("http://example.com/fw-1.0.bin")
	b := CacheKey("http://example.com/fw-1.0.bin")
	c := CacheKey("http://example.com/fw-1.1.bin")
	if a != b {
		t.Error("CacheKey() is not deterministic")
	}
	if a == c {
		t.Error("different URLs share a key")
	}
	if len(a) != 64 {
		t.Errorf("key length = %d, want 64 hex chars", len(a))
	}
}

func TestCache_AdoptLookupPublish(t *testing.T) {
	base := t.TempDir()
	cache := NewCache(filepath.Join(base, "cache"))
	key := CacheKey("http://example.com/fw.bin")

	if _, err := cache.Lookup(key); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("Lookup() on empty cache error = %v", err)
	}

	src := filepath.Join(base, "download")
	if err := os.WriteFile(src, []byte("fw"), 0600); err != nil {
		t.Fatal(err)
	}
	p, err := cache.Adopt(src, key)
	if err != nil {
		t.Fatalf("Adopt() error = %v", err)
	}
	if got, err := cache.Lookup(key); err != nil || got != p {
		t.Errorf("Lookup() = %q, %v", got, err)
	}

	root := filepath.Join(base, "file-transfer")
	link, err := cache.Publish(key, root, "child1", "firmware_update", key)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if target, err := os.Readlink(link); err != nil || target != p {
		t.Errorf("symlink target = %q, %v", target, err)
	}
	// A second publish keeps the existing link.
	if _, err := cache.Publish(key, root, "child1", "firmware_update", key); err != nil {
		t.Errorf("second Publish() error = %v", err)
	}

	if err := cache.Remove(key); err != nil {
		t.Fatal(err)
	}
	if err := cache.Remove(key); err != nil {
		t.Errorf("Remove(missing) error = %v", err)
	}
}

func TestFileTransferURL(t *testing.T) {
	got := FileTransferURL("127.0.0.1:8000", "child1", "config_snapshot", "tedge:conf-1")
	want := "http://127.0.0.1:8000/te/v1/files/child1/config_snapshot/tedge:conf-1"
	if got != want {
		t.Errorf("FileTransferURL() = %q, want %q", got, want)
	}
}
