// Package fetch downloads artifacts over HTTP with resume and retry.
//
// A [Fetcher] downloads one URL into one destination file. When the
// destination already holds a partial download, the transfer continues from
// its current size with an HTTP Range request:
//
//   - 206 Partial Content appends to the file
//   - 200 OK means the server ignored the range; the file is rewritten
//   - 416 Range Not Satisfiable means the file is already complete
//
// Each attempt runs under its own timeout. Transport errors, timeouts and 5xx
// responses are retried, and each retry resumes from whatever the previous
// attempt managed to write.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/schollz/progressbar/v3"

	"github.com/matzehuels/pkgstage/pkg/buildinfo"
	"github.com/matzehuels/pkgstage/pkg/config"
	"github.com/matzehuels/pkgstage/pkg/errors"
	"github.com/matzehuels/pkgstage/pkg/httputil"
	"github.com/matzehuels/pkgstage/pkg/observability"
)

// Artifact is a downloaded file that passed the post-fetch checks.
type Artifact struct {
	Path string
	Size uint64
}

// Fetcher downloads artifacts. It holds no per-download state and is safe
// for concurrent use with distinct destinations.
type Fetcher struct {
	http     *http.Client
	headers  map[string]string
	policy   config.NetworkPolicy
	attempts int
	timeout  time.Duration
	delay    time.Duration
	logger   *log.Logger
	progress io.Writer
}

// New creates a Fetcher from cfg. A nil logger uses log.Default().
func New(cfg config.Config, logger *log.Logger) *Fetcher {
	cfg = cfg.WithDefaults()
	if logger == nil {
		logger = log.Default()
	}
	return &Fetcher{
		http:     &http.Client{},
		headers:  cfg.Headers,
		policy:   cfg.Policy(),
		attempts: cfg.Attempts,
		timeout:  time.Duration(cfg.AttemptTimeout),
		delay:    time.Duration(cfg.RetryDelay),
		logger:   logger,
	}
}

// WithProgress returns a copy of f that renders a progress bar to w.
func (f *Fetcher) WithProgress(w io.Writer) *Fetcher {
	c := *f
	c.progress = w
	return &c
}

// Fetch downloads u into dest, creating parent directories as needed.
// With resume set, an existing file at dest is treated as a partial download
// and continued; otherwise it is discarded first.
//
// The returned artifact is guaranteed to exist and be non-empty. An empty
// download is deleted and reported as ErrCodeEmptyArtifact.
func (f *Fetcher) Fetch(ctx context.Context, u *url.URL, dest string, resume bool) (*Artifact, error) {
	start := time.Now()
	offset := fileSize(dest)
	if !resume {
		offset = 0
	}
	art, err := f.fetch(ctx, u, dest, resume)

	var written int64
	if art != nil {
		written = int64(art.Size) - offset
	}
	observability.Engine().OnFetch(ctx, u.String(), offset, written, time.Since(start), err)
	return art, err
}

func (f *Fetcher) fetch(ctx context.Context, u *url.URL, dest string, resume bool) (*Artifact, error) {
	if err := f.policy.Check(u); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err, "create download directory")
	}
	if !resume {
		if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrap(errors.ErrCodeInternal, err, "discard %s", dest)
		}
	}

	err := httputil.Retry(ctx, f.attempts, f.delay, func() error {
		err := f.attempt(ctx, u, dest)
		if err != nil && httputil.IsRetryable(err) {
			f.logger.Warn("download attempt failed", "url", u.Redacted(), "err", err)
		}
		return err
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeFetchFailed, err, "download %s", u.Redacted())
	}

	info, err := os.Stat(dest)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeFileMissing, err, "the fetched file does not exist")
	}
	if info.Size() == 0 {
		_ = os.Remove(dest)
		return nil, errors.New(errors.ErrCodeEmptyArtifact, "the fetched file is empty")
	}
	return &Artifact{Path: dest, Size: uint64(info.Size())}, nil
}

// attempt performs one ranged request and writes the response into dest.
func (f *Fetcher) attempt(ctx context.Context, u *url.URL, dest string) error {
	actx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	offset := fileSize(dest)
	req, err := http.NewRequestWithContext(actx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent())
	for k, v := range f.headers {
		req.Header.Set(k, v)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	hooks := observability.HTTP()
	hooks.OnRequest(ctx, req.Method, req.URL.Host, req.URL.Path)
	start := time.Now()

	resp, err := f.http.Do(req)
	if err != nil {
		hooks.OnError(ctx, req.Method, req.URL.Host, req.URL.Path, err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return httputil.Retryable(fmt.Errorf("%w: %v", httputil.ErrNetwork, err))
	}
	defer resp.Body.Close()
	hooks.OnResponse(ctx, req.Method, req.URL.Host, req.URL.Path, resp.StatusCode, time.Since(start))

	flags := os.O_CREATE | os.O_WRONLY
	switch resp.StatusCode {
	case http.StatusRequestedRangeNotSatisfiable:
		if offset > 0 {
			f.logger.Debug("download already complete", "path", dest, "size", offset)
			return nil
		}
		return fmt.Errorf("%w: status %d", httputil.ErrNetwork, resp.StatusCode)
	case http.StatusPartialContent:
		if first, ok := rangeStart(resp.Header.Get("Content-Range")); !ok || first != offset {
			_ = os.Truncate(dest, 0)
			return httputil.Retryable(fmt.Errorf("%w: unexpected content range %q", httputil.ErrNetwork, resp.Header.Get("Content-Range")))
		}
		flags |= os.O_APPEND
	case http.StatusOK:
		flags |= os.O_TRUNC
		offset = 0
	default:
		return httputil.CheckStatus(resp.StatusCode)
	}

	out, err := os.OpenFile(dest, flags, 0o644)
	if err != nil {
		return err
	}

	var w io.Writer = out
	if f.progress != nil {
		bar := f.newBar(filepath.Base(dest), offset, resp.ContentLength)
		defer bar.Finish()
		w = io.MultiWriter(out, bar)
	}

	_, copyErr := io.Copy(w, resp.Body)
	closeErr := out.Close()
	if copyErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return httputil.Retryable(fmt.Errorf("%w: %v", httputil.ErrNetwork, copyErr))
	}
	return closeErr
}

func (f *Fetcher) newBar(name string, offset, length int64) *progressbar.ProgressBar {
	total := int64(-1)
	if length >= 0 {
		total = offset + length
	}
	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(f.progress),
		progressbar.OptionSetDescription(name),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(true),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
	if offset > 0 {
		_ = bar.Add64(offset)
	}
	return bar
}

// rangeStart parses the first byte position of a Content-Range header
// ("bytes 100-199/200").
func rangeStart(header string) (int64, bool) {
	rng, ok := strings.CutPrefix(header, "bytes ")
	if !ok {
		return 0, false
	}
	first, _, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(first, 10, 64)
	return n, err == nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
