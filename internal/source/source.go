// Package source turns video locators into inputs ffmpeg can open.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/bdougie/viddedup/internal/models"
)

// Normalize trims surrounding whitespace from a locator
func Normalize(locator string) string {
	return strings.TrimSpace(locator)
}

// IsRemote reports whether the locator is an http(s) URL
func IsRemote(locator string) bool {
	u, err := url.Parse(locator)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Resolved is a locator ready to be decoded. Close removes any temporary
// download.
type Resolved struct {
	Input string
	// Timeout bounds decoding of an input that is still fetched while it
	// is decoded, such as a URL handed directly to ffmpeg. Zero means none.
	Timeout time.Duration
	cleanup func()
}

// Close releases temporary files created for the input
func (r Resolved) Close() {
	if r.cleanup != nil {
		r.cleanup()
	}
}

// Config controls how remote locators are fetched
type Config struct {
	// Downloader is the yt-dlp executable. Empty hands URLs directly to ffmpeg.
	Downloader   string
	TempDir      string
	FetchTimeout time.Duration
	// RequestsPerSecond limits remote fetches; zero disables the limit.
	RequestsPerSecond float64
	Burst             int
}

// Resolver maps locators to local paths or URLs
type Resolver struct {
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger
	// run executes the downloader; replaced in tests.
	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewResolver creates a resolver
func NewResolver(cfg Config, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Resolver{
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
		run:     runCommand,
	}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Resolve checks that the locator can supply video bytes. Every failure wraps
// models.ErrSourceUnavailable.
func (r *Resolver) Resolve(ctx context.Context, locator string) (Resolved, error) {
	locator = Normalize(locator)
	if locator == "" {
		return Resolved{}, fmt.Errorf("%w: empty locator", models.ErrSourceUnavailable)
	}
	if IsRemote(locator) {
		return r.resolveRemote(ctx, locator)
	}

	path := strings.TrimPrefix(locator, "file://")
	info, err := os.Stat(path)
	if err != nil {
		return Resolved{}, fmt.Errorf("%w: %w", models.ErrSourceUnavailable, err)
	}
	if info.IsDir() {
		return Resolved{}, fmt.Errorf("%w: %s is a directory", models.ErrSourceUnavailable, path)
	}
	return Resolved{Input: path}, nil
}

func (r *Resolver) resolveRemote(ctx context.Context, locator string) (Resolved, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Resolved{}, fmt.Errorf("%w: %w", models.ErrSourceUnavailable, err)
	}
	if r.cfg.Downloader == "" {
		return Resolved{Input: locator, Timeout: r.cfg.FetchTimeout}, nil
	}

	dir, err := os.MkdirTemp(r.cfg.TempDir, "viddedup-")
	if err != nil {
		return Resolved{}, fmt.Errorf("%w: %w", models.ErrSourceUnavailable, err)
	}
	cleanup := func() {
		if err := os.RemoveAll(dir); err != nil {
			r.logger.Warn("failed to remove download directory", "dir", dir, "error", err)
		}
	}

	fetchCtx := ctx
	if r.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, r.cfg.FetchTimeout)
		defer cancel()
	}

	start := time.Now()
	out, err := r.run(fetchCtx, r.cfg.Downloader,
		"--no-playlist",
		"--quiet",
		"--no-progress",
		"-f", "best",
		"-o", filepath.Join(dir, "video.%(ext)s"),
		locator,
	)
	if err != nil {
		cleanup()
		if errors.Is(fetchCtx.Err(), context.DeadlineExceeded) {
			return Resolved{}, fmt.Errorf("%w: fetch timed out after %s", models.ErrSourceUnavailable, r.cfg.FetchTimeout)
		}
		return Resolved{}, fmt.Errorf("%w: %s failed: %w\nOutput: %s", models.ErrSourceUnavailable,
			r.cfg.Downloader, err, strings.TrimSpace(string(out)))
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "video.*"))
	if len(matches) == 0 {
		cleanup()
		return Resolved{}, fmt.Errorf("%w: %s produced no file", models.ErrSourceUnavailable, r.cfg.Downloader)
	}
	r.logger.Debug("downloaded remote video", "locator", locator, "path", matches[0], "took", time.Since(start))
	return Resolved{Input: matches[0], cleanup: cleanup}, nil
}
