package datafile

import (
	"context"
	"crypto/md5" //nolint:gosec // publishers sign files with MD5
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const defaultWatchDebounce = 100 * time.Millisecond

// ServiceConfig configures an UpdateService.
type ServiceConfig struct {
	// HTTPClient fetches updates. The default client traces requests.
	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *Metrics
	// Now is the clock used for scheduling.
	Now func() time.Time
	// WatchDebounce coalesces bursts of file system events.
	WatchDebounce time.Duration
}

// UpdateService keeps registered data files current by polling their URLs and
// watching their live paths.
type UpdateService struct {
	client   *http.Client
	logger   *slog.Logger
	metrics  *Metrics
	now      func() time.Time
	debounce time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	timers   map[*DataFile]*time.Timer
	watchers []*fsnotify.Watcher
	applied  map[*DataFile]time.Time
}

// NewUpdateService creates a service. Call Close to stop its timers and watchers.
func NewUpdateService(cfg ServiceConfig) *UpdateService {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	debounce := cfg.WatchDebounce
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &UpdateService{
		client:   client,
		logger:   logger,
		metrics:  cfg.Metrics,
		now:      now,
		debounce: debounce,
		ctx:      ctx,
		cancel:   cancel,
		timers:   make(map[*DataFile]*time.Timer),
		applied:  make(map[*DataFile]time.Time),
	}
}

// Register validates df and starts managing it. With UpdateOnStart the first
// update runs before Register returns; its outcome is logged, not returned.
func (s *UpdateService) Register(ctx context.Context, df *DataFile) error {
	if df == nil {
		return errors.New("datafile is nil")
	}
	if err := df.Validate(); err != nil {
		return err
	}

	if df.UpdateOnStart {
		s.UpdateDataFile(ctx, df)
	}
	if df.AutoUpdate {
		s.CheckNextUpdate(df)
	}
	if df.FileSystemWatcher {
		if err := s.watch(df); err != nil {
			return fmt.Errorf("watch datafile %s: %w", df.Identifier, err)
		}
	}

	s.logger.Debug("datafile registered", "identifier", df.Identifier, "path", df.Path)
	return nil
}

// CheckNextUpdate arms the update timer of df and returns its delay. The
// timer re-arms itself after every attempt, whatever the outcome.
func (s *UpdateService) CheckNextUpdate(df *DataFile) time.Duration {
	delay := df.PollingInterval
	if df.MaxRandomisation > 0 {
		delay += rand.N(df.MaxRandomisation)
	}
	if df.NextUpdate != nil {
		if next := df.NextUpdate(); !next.IsZero() {
			if until := next.Sub(s.now()); until > 0 {
				delay += until
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	if existing := s.timers[df]; existing != nil {
		existing.Stop()
	}
	s.timers[df] = time.AfterFunc(delay, func() {
		defer s.CheckNextUpdate(df)
		s.UpdateDataFile(s.ctx, df)
	})

	s.logger.Debug("datafile update scheduled", "identifier", df.Identifier, "delay", delay)
	return delay
}

// UpdateDataFile downloads, verifies and installs a new copy of df, then
// refreshes its element. Failures are logged and reported through the status.
func (s *UpdateService) UpdateDataFile(ctx context.Context, df *DataFile) UpdateStatus {
	if !df.updating.CompareAndSwap(false, true) {
		s.logger.Debug("datafile update already running", "identifier", df.Identifier)
		return StatusInProgress
	}
	defer df.updating.Store(false)

	status, err := s.update(ctx, df)
	s.metrics.record(df.Identifier, status)

	switch status {
	case StatusSuccess:
		s.logger.Info("datafile updated", "identifier", df.Identifier, "path", df.Path)
	case StatusNotModified:
		s.logger.Debug("datafile not modified", "identifier", df.Identifier)
	default:
		s.logger.Warn("datafile update failed", "identifier", df.Identifier, "status", string(status), "error", err)
	}
	return status
}

func (s *UpdateService) update(ctx context.Context, df *DataFile) (UpdateStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, df.URL, nil)
	if err != nil {
		return StatusError, fmt.Errorf("build request: %w", err)
	}
	if df.VerifyIfModifiedSince {
		if info, err := os.Stat(df.Path); err == nil {
			req.Header.Set("If-Modified-Since", info.ModTime().UTC().Format(http.TimeFormat))
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return StatusError, fmt.Errorf("fetch %s: %w", df.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return StatusRateLimited, fmt.Errorf("server responded %s", resp.Status)
	case http.StatusNotModified:
		return StatusNotModified, nil
	case http.StatusForbidden:
		return StatusForbidden, fmt.Errorf("server responded %s", resp.Status)
	default:
		return StatusHTTPError, fmt.Errorf("server responded %s", resp.Status)
	}

	tempDir := df.TempDirectory
	if tempDir == "" {
		tempDir = filepath.Dir(df.Path)
	}
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return StatusError, fmt.Errorf("create temp directory: %w", err)
	}

	downloaded := tempPath(tempDir, df.Identifier)
	defer removeQuietly(downloaded)

	sum, err := download(resp.Body, downloaded)
	if err != nil {
		return StatusError, err
	}

	if df.VerifyMD5 {
		expected := resp.Header.Get(df.md5Header())
		if !md5Matches(expected, sum) {
			return StatusMD5Mismatch, fmt.Errorf("md5 %q does not match downloaded %x", expected, sum)
		}
	}

	source := downloaded
	if df.Decompress {
		inflated := tempPath(tempDir, df.Identifier)
		defer removeQuietly(inflated)
		if err := decompress(downloaded, inflated); err != nil {
			return StatusError, err
		}
		source = inflated
	}

	if err := os.Rename(source, df.Path); err != nil {
		return StatusError, fmt.Errorf("replace %s: %w", df.Path, err)
	}
	if info, err := os.Stat(df.Path); err == nil {
		s.mu.Lock()
		s.applied[df] = info.ModTime()
		s.mu.Unlock()
	}

	if err := df.refresh(ctx); err != nil {
		return StatusError, fmt.Errorf("refresh: %w", err)
	}
	return StatusSuccess, nil
}

// Close stops every timer and watcher. It is safe to call more than once.
func (s *UpdateService) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancel()
	for df, t := range s.timers {
		t.Stop()
		delete(s.timers, df)
	}
	watchers := s.watchers
	s.watchers = nil
	s.mu.Unlock()

	var errs []error
	for _, w := range watchers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.wg.Wait()
	return errors.Join(errs...)
}

func tempPath(dir, identifier string) string {
	return filepath.Join(dir, identifier+"-"+uuid.NewString()+".tmp")
}

func removeQuietly(path string) {
	_ = os.Remove(path)
}

func download(body io.Reader, path string) ([]byte, error) {
	// #nosec G304 -- path is generated inside the configured temp directory
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	h := md5.New() //nolint:gosec // publishers sign files with MD5
	if _, err := io.Copy(io.MultiWriter(f, h), body); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("download: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close temp file: %w", err)
	}
	return h.Sum(nil), nil
}

func decompress(src, dst string) error {
	// #nosec G304 -- src is a temp file created by download
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open download: %w", err)
	}
	defer func() { _ = in.Close() }()

	zr, err := gzip.NewReader(in)
	if err != nil {
		return fmt.Errorf("decompress: %w", err)
	}
	defer func() { _ = zr.Close() }()

	// #nosec G304 -- dst is generated inside the configured temp directory
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(out, zr); err != nil {
		_ = out.Close()
		return fmt.Errorf("decompress: %w", err)
	}
	return out.Close()
}

// md5Matches accepts the checksum in hex or base64.
func md5Matches(expected string, sum []byte) bool {
	expected = strings.TrimSpace(expected)
	if expected == "" {
		return false
	}
	if strings.EqualFold(expected, hex.EncodeToString(sum)) {
		return true
	}
	decoded, err := base64.StdEncoding.DecodeString(expected)
	return err == nil && string(decoded) == string(sum)
}
