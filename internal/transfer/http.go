package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Default transfer settings.
const (
	defaultTimeout         = 5 * time.Minute
	defaultMaxRetries      = 3
	defaultInitialInterval = time.Second
	defaultMaxInterval     = 30 * time.Second

	dirPermissions  = 0750
	filePermissions = 0640
)

// DownloadRequest describes one download.
type DownloadRequest struct {
	// URL is the source, http or https.
	URL string
	// Path is the destination file. Its directory is created if needed.
	Path string
	// Header holds extra request headers, e.g. Authorization.
	Header http.Header
}

// DownloadResult describes a completed download.
type DownloadResult struct {
	URL    string
	Path   string
	Size   int64
	SHA256 string
}

// UploadRequest describes one upload (HTTP PUT of a local file).
type UploadRequest struct {
	URL             string
	Path            string
	ContentType     string
	ContentEncoding string
	Header          http.Header
}

// Downloader fetches a remote file into a local path. Implementations
// block until the transfer completes; actors run them in goroutines.
type Downloader interface {
	Download(ctx context.Context, req DownloadRequest) (DownloadResult, error)
}

// Uploader sends a local file to a remote URL.
type Uploader interface {
	Upload(ctx context.Context, req UploadRequest) error
}

// Config configures HTTPClient.
type Config struct {
	// Timeout bounds one attempt.
	Timeout time.Duration
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration
	// Authorize, when set, is called on every outgoing request, after the
	// request headers are copied. The agent uses it to sign requests to
	// its own file transfer service.
	Authorize func(req *http.Request) error
}

// HTTPClient implements Downloader and Uploader over HTTP.
type HTTPClient struct {
	client *http.Client
	cfg    Config
}

// NewHTTPClient creates a client. Zero config fields take defaults.
func NewHTTPClient(cfg Config) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = defaultInitialInterval
	}
	return &HTTPClient{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
	}
}

func (c *HTTPClient) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialInterval
	b.MaxInterval = defaultMaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxRetries)), ctx)
}

// Download fetches req.URL into req.Path, atomically.
func (c *HTTPClient) Download(ctx context.Context, req DownloadRequest) (DownloadResult, error) {
	if err := checkURL(req.URL); err != nil {
		return DownloadResult{}, err
	}
	if err := os.MkdirAll(filepath.Dir(req.Path), dirPermissions); err != nil {
		return DownloadResult{}, fmt.Errorf("creating download directory: %w", err)
	}

	var result DownloadResult
	op := func() error {
		r, err := c.downloadOnce(ctx, req)
		if err != nil {
			return classify(err)
		}
		result = r
		return nil
	}
	if err := backoff.Retry(op, c.retryPolicy(ctx)); err != nil {
		return DownloadResult{}, err
	}
	return result, nil
}

func (c *HTTPClient) downloadOnce(ctx context.Context, req DownloadRequest) (DownloadResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return DownloadResult{}, err
	}
	copyHeader(httpReq.Header, req.Header)
	if err := c.authorize(httpReq); err != nil {
		return DownloadResult{}, err
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return DownloadResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return DownloadResult{}, &StatusError{Method: http.MethodGet, URL: req.URL, Code: resp.StatusCode, Status: resp.Status}
	}

	tmp, err := os.CreateTemp(filepath.Dir(req.Path), "."+filepath.Base(req.Path)+".part-*")
	if err != nil {
		return DownloadResult{}, fmt.Errorf("creating temporary file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // No-op once renamed

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), resp.Body)
	if err != nil {
		tmp.Close() //nolint:errcheck // Already failing
		return DownloadResult{}, fmt.Errorf("reading response body: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck // Already failing
		return DownloadResult{}, fmt.Errorf("syncing download: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return DownloadResult{}, fmt.Errorf("closing download: %w", err)
	}
	if err := os.Chmod(tmpName, filePermissions); err != nil {
		return DownloadResult{}, fmt.Errorf("setting download permissions: %w", err)
	}
	if err := os.Rename(tmpName, req.Path); err != nil {
		return DownloadResult{}, fmt.Errorf("moving download into place: %w", err)
	}

	return DownloadResult{
		URL:    req.URL,
		Path:   req.Path,
		Size:   n,
		SHA256: hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// Upload sends the file at req.Path with an HTTP PUT.
func (c *HTTPClient) Upload(ctx context.Context, req UploadRequest) error {
	if err := checkURL(req.URL); err != nil {
		return err
	}
	op := func() error {
		return classify(c.uploadOnce(ctx, req))
	}
	return backoff.Retry(op, c.retryPolicy(ctx))
}

func (c *HTTPClient) uploadOnce(ctx context.Context, req UploadRequest) error {
	f, err := os.Open(req.Path)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("opening upload: %w", err))
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return backoff.Permanent(fmt.Errorf("reading upload size: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, req.URL, f)
	if err != nil {
		return err
	}
	httpReq.ContentLength = info.Size()
	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	httpReq.Header.Set("Content-Type", contentType)
	if req.ContentEncoding != "" {
		httpReq.Header.Set("Content-Encoding", req.ContentEncoding)
	}
	copyHeader(httpReq.Header, req.Header)
	if err := c.authorize(httpReq); err != nil {
		return err
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck // Drain for connection reuse

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Method: http.MethodPut, URL: req.URL, Code: resp.StatusCode, Status: resp.Status}
	}
	return nil
}

func (c *HTTPClient) authorize(req *http.Request) error {
	if c.cfg.Authorize == nil {
		return nil
	}
	if err := c.cfg.Authorize(req); err != nil {
		return backoff.Permanent(fmt.Errorf("authorizing request: %w", err))
	}
	return nil
}

// classify marks errors that retrying cannot fix as permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return err
	}
	var status *StatusError
	if errors.As(err, &status) && !status.Temporary() {
		return backoff.Permanent(err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return backoff.Permanent(err)
	}
	return err
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return nil
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// FileSHA256 returns the hex SHA-256 digest of a file.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
