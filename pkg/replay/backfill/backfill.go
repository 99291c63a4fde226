// Package backfill drives cursor-based page ingestion from an external
// event fetcher into a replay store. Ingestion is at-least-once; combined
// with the store's dedup it is exactly-once effective. The cursor is
// persisted only after a successful save, so a crashed run resumes at the
// last durable position.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/agenc-labs/agenc-core/pkg/alerts"
	"github.com/agenc-labs/agenc-core/pkg/metrics"
	"github.com/agenc-labs/agenc-core/pkg/replay"
)

// ErrStalled marks a fetcher that returned a non-empty page without
// advancing its cursor.
var ErrStalled = errors.New("backfill: fetcher stalled, cursor did not advance")

// Page is one fetched batch of raw events.
type Page struct {
	Events     []map[string]any
	NextCursor *replay.Cursor
	Done       bool
}

// Fetcher retrieves pages of raw events from the external event source.
type Fetcher interface {
	FetchPage(ctx context.Context, cursor *replay.Cursor, toSlot uint64, pageSize int) (Page, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, cursor *replay.Cursor, toSlot uint64, pageSize int) (Page, error)

func (f FetcherFunc) FetchPage(ctx context.Context, cursor *replay.Cursor, toSlot uint64, pageSize int) (Page, error) {
	return f(ctx, cursor, toSlot, pageSize)
}

// RetryConfig bounds the store-write retry loop.
type RetryConfig struct {
	BaseDelay   time.Duration `json:"baseDelay" yaml:"baseDelay"`
	Factor      float64       `json:"factor" yaml:"factor"`
	MaxDelay    time.Duration `json:"maxDelay" yaml:"maxDelay"`
	MaxAttempts int           `json:"maxAttempts" yaml:"maxAttempts"`
}

// DefaultRetry returns the production store-write retry settings.
func DefaultRetry() RetryConfig {
	return RetryConfig{BaseDelay: time.Second, Factor: 2, MaxDelay: 30 * time.Second, MaxAttempts: 3}
}

// Config controls one backfill service.
type Config struct {
	PageSize int  `json:"pageSize" yaml:"pageSize"`
	Strict   bool `json:"strict" yaml:"strict"`
	// MaxDuplicateKeys caps the duplicate report; 0 means the default of 16.
	MaxDuplicateKeys int `json:"maxDuplicateKeys,omitempty" yaml:"maxDuplicateKeys,omitempty"`
	// PagesPerSecond throttles fetching; 0 disables pacing.
	PagesPerSecond float64     `json:"pagesPerSecond,omitempty" yaml:"pagesPerSecond,omitempty"`
	Retry          RetryConfig `json:"retry" yaml:"retry"`
}

const (
	defaultPageSize         = 100
	defaultMaxDuplicateKeys = 16
)

// Result summarizes one backfill run.
type Result struct {
	Processed  int      `json:"processed"`
	Duplicates int      `json:"duplicates"`
	// DuplicateKeys holds the first MaxDuplicateKeys duplicate composite
	// keys in encounter order.
	DuplicateKeys []string       `json:"duplicateKeys,omitempty"`
	Pages         int            `json:"pages"`
	UnknownEvents []string       `json:"unknownEvents,omitempty"`
	FinalCursor   *replay.Cursor `json:"finalCursor,omitempty"`
}

// Service ingests pages from a fetcher into a store.
type Service struct {
	cfg        Config
	store      replay.Store
	fetcher    Fetcher
	dispatcher *alerts.Dispatcher
	logger     *slog.Logger
	sink       metrics.Provider
	clock      func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	limiter    *rate.Limiter

	mu         sync.Mutex
	prevFailed bool
}

// Option configures a Service.
type Option func(*Service)

// WithLogger installs a structured logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithMetrics installs a metrics sink.
func WithMetrics(m metrics.Provider) Option { return func(s *Service) { s.sink = m } }

// WithClock injects a time source for tests.
func WithClock(clock func() time.Time) Option { return func(s *Service) { s.clock = clock } }

// WithSleep injects the retry sleep for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Service) { s.sleep = sleep }
}

// New creates a backfill service over a store and a fetcher.
func New(cfg Config, store replay.Store, fetcher Fetcher, dispatcher *alerts.Dispatcher, opts ...Option) *Service {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.MaxDuplicateKeys <= 0 {
		cfg.MaxDuplicateKeys = defaultMaxDuplicateKeys
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetry()
	}
	s := &Service{
		cfg:        cfg,
		store:      store,
		fetcher:    fetcher,
		dispatcher: dispatcher,
		logger:     slog.Default(),
		sink:       metrics.Nop{},
		clock:      time.Now,
		sleep:      sleepContext,
	}
	if cfg.PagesPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.PagesPerSecond), 1)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ingests every page up to toSlot (0 = no bound) and returns the
// aggregate result. The returned result is valid even when err != nil.
func (s *Service) Run(ctx context.Context, toSlot uint64) (Result, error) {
	var result Result

	cursor, err := s.store.Cursor(ctx)
	if err != nil {
		return result, fmt.Errorf("backfill: load cursor: %w", err)
	}

	s.mu.Lock()
	resuming := s.prevFailed
	s.mu.Unlock()

	firstSave := true
	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return result, s.fail(fmt.Errorf("backfill: pacing interrupted: %w", err))
			}
		}

		page, err := s.fetcher.FetchPage(ctx, cursor, toSlot, s.cfg.PageSize)
		if err != nil {
			return result, s.fail(fmt.Errorf("backfill: fetch page: %w", err))
		}
		result.Pages++

		records, unknown, err := s.project(page.Events)
		result.UnknownEvents = append(result.UnknownEvents, unknown...)
		if err != nil {
			return result, s.fail(err)
		}

		saved, err := s.saveWithRetry(ctx, records)
		if err != nil {
			s.alert(ctx, alerts.Alert{
				Code:     "replay.backfill.store_write_failed",
				Severity: alerts.SeverityError,
				Kind:     alerts.KindReplayIngestionLag,
				Metadata: map[string]any{"error": err.Error()},
			})
			return result, s.fail(fmt.Errorf("backfill: store write failed: %w", err))
		}
		if firstSave {
			s.sink.Histogram("agenc.replay.backfill.page_size", float64(len(page.Events)), nil)
			firstSave = false
		}

		result.Processed += saved.Inserted
		result.Duplicates += saved.Duplicates
		for _, key := range saved.DuplicateKeys {
			if len(result.DuplicateKeys) < s.cfg.MaxDuplicateKeys {
				result.DuplicateKeys = append(result.DuplicateKeys, key)
			}
		}

		if page.NextCursor != nil && cursor != nil &&
			page.NextCursor.SamePosition(*cursor) && len(page.Events) > 0 {
			s.alert(ctx, alerts.Alert{
				Code:     "replay.backfill.stalled",
				Severity: alerts.SeverityError,
				Kind:     alerts.KindReplayIngestionLag,
				Metadata: map[string]any{"cursor": cursor.String(), "pageEvents": len(page.Events)},
			})
			return result, s.fail(fmt.Errorf("%w at %s", ErrStalled, cursor.String()))
		}

		if page.NextCursor != nil {
			if err := s.store.SaveCursor(ctx, *page.NextCursor); err != nil {
				return result, s.fail(fmt.Errorf("backfill: persist cursor: %w", err))
			}
			cursor = page.NextCursor
			result.FinalCursor = page.NextCursor
		}

		if resuming {
			s.alert(ctx, alerts.Alert{
				Code:     "replay.backfill.resume_after_crash",
				Severity: alerts.SeverityInfo,
				Kind:     alerts.KindReplayIngestionLag,
				Metadata: map[string]any{"cursor": cursorString(cursor)},
			})
			resuming = false
		}

		if page.Done {
			break
		}
	}

	s.mu.Lock()
	s.prevFailed = false
	s.mu.Unlock()

	s.sink.Counter("agenc.replay.backfill.processed", float64(result.Processed), nil)
	s.sink.Counter("agenc.replay.backfill.duplicates", float64(result.Duplicates), nil)
	s.logger.Info("backfill run complete",
		"pages", result.Pages, "processed", result.Processed, "duplicates", result.Duplicates)
	return result, nil
}

// project maps raw events to records. Unknown event names accumulate; in
// strict mode the first one aborts the run.
func (s *Service) project(events []map[string]any) ([]replay.Record, []string, error) {
	var (
		records []replay.Record
		unknown []string
	)
	for _, raw := range events {
		r, err := Project(raw)
		if err != nil {
			var unknownErr *ErrUnknownEvent
			if errors.As(err, &unknownErr) {
				unknown = append(unknown, unknownErr.Name)
				if s.cfg.Strict {
					return records, unknown, fmt.Errorf("backfill: strict mode: %w", err)
				}
				s.logger.Warn("skipping unknown event", "eventName", unknownErr.Name)
				continue
			}
			return records, unknown, err
		}
		records = append(records, r)
	}
	return records, unknown, nil
}

func (s *Service) saveWithRetry(ctx context.Context, records []replay.Record) (replay.SaveResult, error) {
	if len(records) == 0 {
		return replay.SaveResult{}, nil
	}
	delay := s.cfg.Retry.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= s.cfg.Retry.MaxAttempts; attempt++ {
		res, err := s.store.Save(ctx, records)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if attempt == s.cfg.Retry.MaxAttempts {
			break
		}
		s.logger.Warn("store write failed, retrying",
			"attempt", attempt, "delay", delay, "error", err)
		if err := s.sleep(ctx, delay); err != nil {
			return replay.SaveResult{}, err
		}
		delay = time.Duration(float64(delay) * s.cfg.Retry.Factor)
		if s.cfg.Retry.MaxDelay > 0 && delay > s.cfg.Retry.MaxDelay {
			delay = s.cfg.Retry.MaxDelay
		}
	}
	return replay.SaveResult{}, lastErr
}

func (s *Service) fail(err error) error {
	s.mu.Lock()
	s.prevFailed = true
	s.mu.Unlock()
	return err
}

func (s *Service) alert(ctx context.Context, a alerts.Alert) {
	if s.dispatcher == nil {
		return
	}
	if err := s.dispatcher.Dispatch(ctx, a); err != nil {
		s.logger.Error("alert dispatch failed", "code", a.Code, "error", err)
	}
}

func cursorString(c *replay.Cursor) string {
	if c == nil {
		return ""
	}
	return c.String()
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
