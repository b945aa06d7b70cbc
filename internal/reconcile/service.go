// Package reconcile periodically re-queues video assets that have no Stream
// media id, so uploads lost to a restart are retried from zero.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/memohai/streamsync/internal/assets"
	"github.com/memohai/streamsync/internal/mirror"
)

const maxPages = 1000

// Updater is the mirror entry point a sweep feeds.
type Updater interface {
	Enabled() bool
	HandleUpdate(ctx context.Context, acc assets.Accountability, keys []string) []mirror.UploadResult
	// Unrecorded reports keys already uploaded without a stored media id;
	// sweeping them again would only create more remote copies.
	Unrecorded(key string) bool
}

// Lister pages through the CMS video assets.
type Lister interface {
	ListVideos(ctx context.Context, acc assets.Accountability, opts assets.ListOptions) ([]assets.Asset, error)
}

// Summary reports one sweep.
type Summary struct {
	Scanned    int
	Missing    int
	Queued     int
	Unrecorded int
}

// Service owns the cron schedule for sweeps.
type Service struct {
	updater  Updater
	lister   Lister
	pattern  string
	pageSize int
	cron     *cron.Cron
	parser   cron.Parser
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewService builds a reconciler. An empty pattern disables scheduling;
// Sweep can still be called directly.
func NewService(log *slog.Logger, updater Updater, lister Lister, pattern string, pageSize int) *Service {
	if log == nil {
		log = slog.Default()
	}
	if pageSize <= 0 {
		pageSize = 100
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Service{
		updater:  updater,
		lister:   lister,
		pattern:  strings.TrimSpace(pattern),
		pageSize: pageSize,
		cron:     cron.New(cron.WithParser(parser)),
		parser:   parser,
		logger:   log.With(slog.String("service", "reconcile")),
	}
}

// Start registers the sweep and starts the scheduler. It is a no-op when the
// pattern is empty or the integration is disabled.
func (s *Service) Start() error {
	if s.pattern == "" {
		s.logger.Info("reconcile schedule not set, periodic sweep disabled")
		return nil
	}
	if !s.updater.Enabled() {
		s.logger.Info("integration disabled, periodic sweep not scheduled")
		return nil
	}
	if _, err := s.parser.Parse(s.pattern); err != nil {
		return fmt.Errorf("invalid reconcile schedule: %w", err)
	}
	if _, err := s.cron.AddFunc(s.pattern, s.runScheduled); err != nil {
		return fmt.Errorf("schedule reconcile: %w", err)
	}
	s.cron.Start()
	s.logger.Info("reconcile sweep scheduled", slog.String("schedule", s.pattern))
	return nil
}

// Stop halts the scheduler and waits for a running sweep to return or ctx to end.
func (s *Service) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) runScheduled() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Info("previous sweep still running, skipping")
		return
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	summary, err := s.Sweep(context.Background())
	if err != nil {
		s.logger.Error("reconcile sweep failed", slog.Any("error", err))
		return
	}
	s.logger.Info("reconcile sweep finished",
		slog.Int("scanned", summary.Scanned),
		slog.Int("missing", summary.Missing),
		slog.Int("queued", summary.Queued),
		slog.Int("unrecorded", summary.Unrecorded),
	)
}

// Sweep lists every video asset and feeds the ones without a media id to the
// updater. It stops at the first listing error.
func (s *Service) Sweep(ctx context.Context) (Summary, error) {
	var summary Summary
	if !s.updater.Enabled() {
		return summary, nil
	}
	acc := assets.Accountability{}
	for page := 1; page <= maxPages; page++ {
		items, err := s.lister.ListVideos(ctx, acc, assets.ListOptions{Page: page, Limit: s.pageSize})
		if err != nil {
			return summary, fmt.Errorf("list videos page %d: %w", page, err)
		}
		summary.Scanned += len(items)

		keys := make([]string, 0, len(items))
		for _, item := range items {
			if !item.IsVideo() || item.MediaID() != "" {
				continue
			}
			if s.updater.Unrecorded(item.Key) {
				summary.Unrecorded++
				continue
			}
			keys = append(keys, item.Key)
		}
		summary.Missing += len(keys)
		if len(keys) > 0 {
			for _, result := range s.updater.HandleUpdate(ctx, acc, keys) {
				if result.Decision == mirror.DecisionQueued {
					summary.Queued++
				}
			}
		}
		if len(items) < s.pageSize {
			break
		}
	}
	return summary, nil
}
