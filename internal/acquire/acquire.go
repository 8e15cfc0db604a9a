// Package acquire downloads the archives of a partition into the incoming
// directory. Archives are written under a temporary ".part" name and renamed
// once complete, so a file with the final name is always whole.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/JonMunkholm/cnpjsync/internal/catalog"
	"github.com/JonMunkholm/cnpjsync/internal/config"
	"github.com/JonMunkholm/cnpjsync/internal/core"
	"github.com/JonMunkholm/cnpjsync/internal/metrics"
	"github.com/JonMunkholm/cnpjsync/internal/retry"
)

// PartSuffix marks an archive that is still being written.
const PartSuffix = ".part"

// Status is the outcome of a single archive acquisition.
type Status int

const (
	StatusDownloaded Status = iota
	StatusSkipped
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusDownloaded:
		return "downloaded"
	case StatusSkipped:
		return "skipped"
	default:
		return "failed"
	}
}

// LocalArchive is an archive on local disk, or the record of a failed attempt.
type LocalArchive struct {
	Path   string
	Name   string
	Size   int64
	Status Status
	Err    error // set when Status is StatusFailed
}

// Summary counts outcomes of a FetchAll call.
type Summary struct {
	Downloaded int
	Skipped    int
	Failed     int
}

// Manager fetches remote archives with bounded concurrency and retries.
type Manager struct {
	cfg        config.RemoteConfig
	httpClient *http.Client
	headClient *http.Client
	limiter    *core.TransferLimiter
	rps        *rate.Limiter
	clock      clockwork.Clock
	log        *slog.Logger
}

// NewManager creates a Manager from the remote settings. A nil clock uses
// the real clock.
func NewManager(cfg config.RemoteConfig, clock clockwork.Clock, log *slog.Logger) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: time.Minute,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   max(cfg.MaxConcurrentTransfers, 2),
	}

	var rps *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		rps = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &Manager{
		cfg: cfg,
		// Body transfers are bounded per attempt by a context deadline.
		httpClient: &http.Client{Transport: transport},
		headClient: &http.Client{Transport: transport, Timeout: cfg.ListTimeout},
		limiter:    core.NewTransferLimiter(cfg.MaxConcurrentTransfers, cfg.SlotWait),
		rps:        rps,
		clock:      clock,
		log:        log,
	}
}

// Limiter exposes the transfer limiter for status reporting.
func (m *Manager) Limiter() *core.TransferLimiter { return m.limiter }

// SizeOf returns the Content-Length the server reports for url, or -1 when
// the request fails or the length is not advertised.
func (m *Manager) SizeOf(ctx context.Context, url string) int64 {
	if err := m.wait(ctx); err != nil {
		return -1
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return -1
	}
	m.setHeaders(req)

	resp, err := m.headClient.Do(req)
	if err != nil {
		m.log.Debug("size lookup failed", "url", url, "error", err)
		return -1
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 || resp.ContentLength < 0 {
		return -1
	}
	return resp.ContentLength
}

// Fetch makes file available in destDir. The transfer is skipped when a
// local file of the same name already has the known remote size.
func (m *Manager) Fetch(ctx context.Context, file catalog.RemoteFile, destDir string) LocalArchive {
	log := m.log.With("archive", file.Name)
	dest := filepath.Join(destDir, file.Name)
	out := LocalArchive{Path: dest, Name: file.Name}

	size := file.Size
	if size < 0 {
		size = m.SizeOf(ctx, file.URL)
	}

	if size >= 0 {
		if info, err := os.Stat(dest); err == nil && info.Mode().IsRegular() && info.Size() == size {
			log.Info("archive up to date, skipping", "size", size)
			out.Size = size
			out.Status = StatusSkipped
			metrics.TransfersTotal.WithLabelValues(out.Status.String()).Inc()
			return out
		}
	}

	start := m.clock.Now()
	var written int64
	err := retry.Do(ctx, retry.Config{
		MaxAttempts: m.cfg.RetryAttempts,
		Delay:       m.cfg.RetryDelay,
		Clock:       m.clock,
		OnRetry: func(attempt int, err error) {
			log.Warn("transfer attempt failed, retrying",
				"attempt", attempt, "max_attempts", m.cfg.RetryAttempts, "delay", m.cfg.RetryDelay, "error", err)
		},
	}, func(ctx context.Context, attempt int) error {
		n, err := m.download(ctx, file.URL, dest, size)
		written = n
		return err
	})
	if err != nil {
		log.Error("transfer failed", "error", err)
		out.Status = StatusFailed
		out.Err = fmt.Errorf("%w: %s: %w", core.ErrTransferFailed, file.Name, err)
		metrics.TransfersTotal.WithLabelValues(out.Status.String()).Inc()
		return out
	}

	elapsed := m.clock.Since(start)
	log.Info("archive downloaded", "bytes", written, "duration", elapsed.Round(time.Millisecond))
	out.Size = written
	out.Status = StatusDownloaded
	metrics.TransfersTotal.WithLabelValues(out.Status.String()).Inc()
	metrics.TransferBytes.Add(float64(written))
	metrics.TransferDuration.Observe(elapsed.Seconds())
	return out
}

// FetchAll fetches every file, at most Remote.MaxConcurrentTransfers at a
// time. The returned slice keeps the order of files. Failures are reported
// per archive and never stop the others.
func (m *Manager) FetchAll(ctx context.Context, files []catalog.RemoteFile, destDir string) ([]LocalArchive, Summary) {
	results := make([]LocalArchive, len(files))

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		for i, f := range files {
			results[i] = LocalArchive{
				Path:   filepath.Join(destDir, f.Name),
				Name:   f.Name,
				Status: StatusFailed,
				Err:    fmt.Errorf("%w: create %s: %w", core.ErrTransferFailed, destDir, err),
			}
		}
		return results, summarize(results)
	}

	var wg sync.WaitGroup
	for i, f := range files {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.limiter.Do(ctx, func(ctx context.Context) error {
				results[i] = m.Fetch(ctx, f, destDir)
				return nil
			})
			if err != nil {
				results[i] = LocalArchive{
					Path:   filepath.Join(destDir, f.Name),
					Name:   f.Name,
					Status: StatusFailed,
					Err:    fmt.Errorf("%w: %s: %w", core.ErrTransferFailed, f.Name, err),
				}
			}
		}()
	}
	wg.Wait()

	sum := summarize(results)
	m.log.Info("acquisition complete",
		"downloaded", sum.Downloaded, "skipped", sum.Skipped, "failed", sum.Failed,
		"peak_concurrency", m.limiter.Status().Peak)
	return results, sum
}

// download performs one attempt: GET into dest+".part", fsync, rename.
// The partial file is removed on any error.
func (m *Manager) download(ctx context.Context, url, dest string, size int64) (n int64, err error) {
	if m.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()
	}
	if err := m.wait(ctx); err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	m.setHeaders(req)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return 0, &core.StatusError{URL: url, Code: resp.StatusCode}
	}

	part := dest + PartSuffix
	f, err := os.Create(part)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", part, err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(part)
		}
	}()

	body := core.NewCountingReader(resp.Body)
	if _, err = io.Copy(f, body); err != nil {
		return body.BytesRead(), fmt.Errorf("read body: %w", err)
	}
	n = body.BytesRead()

	if size >= 0 && n != size {
		return n, fmt.Errorf("short body: got %d of %d bytes", n, size)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return n, fmt.Errorf("short body: got %d of %d bytes", n, resp.ContentLength)
	}

	if err = f.Sync(); err != nil {
		return n, fmt.Errorf("sync %s: %w", part, err)
	}
	if err = f.Close(); err != nil {
		return n, fmt.Errorf("close %s: %w", part, err)
	}
	if err = os.Rename(part, dest); err != nil {
		return n, fmt.Errorf("rename %s: %w", part, err)
	}
	return n, nil
}

func (m *Manager) wait(ctx context.Context) error {
	if m.rps == nil {
		return nil
	}
	return m.rps.Wait(ctx)
}

func (m *Manager) setHeaders(req *http.Request) {
	if m.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", m.cfg.UserAgent)
	}
}

func summarize(results []LocalArchive) Summary {
	var s Summary
	for _, r := range results {
		switch r.Status {
		case StatusDownloaded:
			s.Downloaded++
		case StatusSkipped:
			s.Skipped++
		default:
			s.Failed++
		}
	}
	return s
}

// Available returns the archives present on disk after acquisition, in input
// order. Failed transfers are left out.
func Available(results []LocalArchive) []LocalArchive {
	out := make([]LocalArchive, 0, len(results))
	for _, r := range results {
		if r.Status != StatusFailed {
			out = append(out, r)
		}
	}
	return out
}

// ScanDir lists the complete archives already in dir, for runs that skip the
// download stage. Partial files are ignored.
func ScanDir(dir string) ([]LocalArchive, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}

	var out []LocalArchive
	for _, e := range entries {
		if !e.Type().IsRegular() || filepath.Ext(e.Name()) == PartSuffix {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, LocalArchive{
			Path:   filepath.Join(dir, e.Name()),
			Name:   e.Name(),
			Size:   info.Size(),
			Status: StatusSkipped,
		})
	}
	return out, nil
}
