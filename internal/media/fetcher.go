package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// DefaultFetchDelay is the pause between two sequential downloads.
const DefaultFetchDelay = 800 * time.Millisecond

// FetcherConfig tunes the Fetcher. Zero values fall back to defaults; a zero
// Timeout leaves the transport default in place.
type FetcherConfig struct {
	MaxBytes int64
	Delay    time.Duration
	Timeout  time.Duration
	Client   *http.Client
}

// Fetcher downloads candidate images one at a time, enforcing a size ceiling
// and pacing consecutive requests.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
	delay    time.Duration
	logger   *slog.Logger
	wait     func(ctx context.Context, d time.Duration) error
}

// NewFetcher creates a fetcher.
func NewFetcher(log *slog.Logger, cfg FetcherConfig) *Fetcher {
	if log == nil {
		log = slog.Default()
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxAssetBytes
	}
	delay := cfg.Delay
	if delay < 0 {
		delay = 0
	}
	return &Fetcher{
		client:   client,
		maxBytes: maxBytes,
		delay:    delay,
		logger:   log.With(slog.String("component", "fetcher")),
		wait:     sleepContext,
	}
}

// MaxBytes returns the configured size ceiling.
func (f *Fetcher) MaxBytes() int64 {
	return f.maxBytes
}

// FetchAll downloads candidates in order. Candidates that fail or exceed the
// size ceiling are skipped; the result keeps the order of the survivors.
// Between two attempts the fetcher waits for the configured delay.
func (f *Fetcher) FetchAll(ctx context.Context, candidates []Candidate) []Asset {
	assets := make([]Asset, 0, len(candidates))
	for i, candidate := range candidates {
		if i > 0 && f.delay > 0 {
			if err := f.wait(ctx, f.delay); err != nil {
				f.logger.Warn("fetch batch interrupted", slog.Int("remaining", len(candidates)-i), slog.Any("error", err))
				break
			}
		}
		asset, err := f.Fetch(ctx, candidate)
		if err != nil {
			f.logger.Warn("skip candidate", slog.String("url", candidate.URL), slog.Any("error", err))
			continue
		}
		assets = append(assets, asset)
	}
	return assets
}

// Fetch downloads one candidate.
func (f *Fetcher) Fetch(ctx context.Context, candidate Candidate) (Asset, error) {
	rawURL := strings.TrimSpace(candidate.URL)
	if rawURL == "" {
		return Asset{}, fmt.Errorf("candidate url is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Asset{}, fmt.Errorf("build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Asset{}, fmt.Errorf("download: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Asset{}, fmt.Errorf("%w: %d", ErrFetchStatus, resp.StatusCode)
	}
	if resp.ContentLength > f.maxBytes {
		f.logger.Warn("asset exceeds upload limit",
			slog.String("url", rawURL),
			slog.Int64("size", resp.ContentLength),
			slog.Int64("max_bytes", f.maxBytes),
		)
		return Asset{}, fmt.Errorf("%w: %d bytes, max %d bytes", ErrAssetTooLarge, resp.ContentLength, f.maxBytes)
	}
	data, err := ReadAllWithLimit(resp.Body, f.maxBytes)
	if err != nil {
		if errors.Is(err, ErrAssetTooLarge) {
			f.logger.Warn("asset exceeds upload limit",
				slog.String("url", rawURL),
				slog.String("size", fmt.Sprintf(">%d", f.maxBytes)),
				slog.Int64("max_bytes", f.maxBytes),
			)
		}
		return Asset{}, fmt.Errorf("read body: %w", err)
	}
	mime := sniffMime(normalizeMime(resp.Header.Get("Content-Type")), data)
	name := strings.TrimSpace(candidate.Name)
	if name == "" {
		name = DeriveFilename(rawURL, mime)
	}
	return Asset{
		Name:      SanitizeFilename(name),
		Mime:      mime,
		Data:      data,
		SourceURL: rawURL,
	}, nil
}

// sniffMime replaces a missing or generic declared type with one detected
// from the payload.
func sniffMime(declared string, data []byte) string {
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	if len(data) == 0 {
		return declared
	}
	return normalizeMime(mimetype.Detect(data).String())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
