// Package mirror keeps CMS video assets mirrored on Cloudflare Stream.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/memohai/streamsync/internal/assets"
	"github.com/memohai/streamsync/internal/boot"
	"github.com/memohai/streamsync/internal/cloudflare"
	"github.com/memohai/streamsync/internal/queue"
	"github.com/memohai/streamsync/internal/tus"
)

const defaultCancelTimeout = 30 * time.Second

// Service decides which assets to mirror and dispatches uploads and deletes.
type Service struct {
	integration   boot.Integration
	store         assets.Store
	stream        StreamClient
	scheduler     Scheduler
	chunkSize     int64
	cancelTimeout time.Duration
	locker        queue.Locker
	logger        *slog.Logger

	// unrecorded maps keys whose transfer completed without a media id being
	// stored to the remote upload URL.
	mu         sync.Mutex
	unrecorded map[string]string
}

// NewService builds the mirror service. With a disabled integration every
// handler returns immediately without touching the store or Stream.
func NewService(log *slog.Logger, integration boot.Integration, store assets.Store, stream StreamClient, scheduler Scheduler, chunkSize int64) *Service {
	if log == nil {
		log = slog.Default()
	}
	if chunkSize <= 0 {
		chunkSize = tus.DefaultChunkSize
	}
	return &Service{
		integration:   integration,
		store:         store,
		stream:        stream,
		scheduler:     scheduler,
		chunkSize:     chunkSize,
		cancelTimeout: defaultCancelTimeout,
		logger:        log.With(slog.String("service", "mirror")),
		unrecorded:    map[string]string{},
	}
}

// WithLocker makes UploadNow take the per-key lock that queued jobs take.
func (s *Service) WithLocker(l queue.Locker) *Service {
	s.locker = l
	return s
}

// Unrecorded reports whether an upload of key completed remotely in this
// process without a media id ending up in the asset metadata.
func (s *Service) Unrecorded(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.unrecorded[key]
	return ok
}

func (s *Service) markUnrecorded(key, uploadURL string) {
	s.mu.Lock()
	s.unrecorded[key] = uploadURL
	s.mu.Unlock()
}

func (s *Service) clearUnrecorded(key string) {
	s.mu.Lock()
	delete(s.unrecorded, key)
	s.mu.Unlock()
}

// Enabled reports whether the Stream integration is configured.
func (s *Service) Enabled() bool {
	return s.integration.Enabled()
}

// HandleUpload reacts to files.upload: the asset is checked and, when
// eligible, queued for a background upload. It never waits for the transfer.
func (s *Service) HandleUpload(ctx context.Context, acc assets.Accountability, key string) UploadResult {
	if !s.Enabled() {
		return UploadResult{Key: key, Decision: DecisionDisabled}
	}
	asset, decision, err := s.check(ctx, acc, key)
	if err != nil {
		s.logger.Error("fetch asset failed", slog.String("key", key), slog.Any("error", err))
		return UploadResult{Key: key, Decision: DecisionError, Error: err.Error()}
	}
	if decision != "" {
		s.logger.Info("no upload needed for file", slog.String("key", key), slog.String("reason", string(decision)))
		return UploadResult{Key: key, Decision: decision}
	}
	return s.enqueue(acc, asset)
}

// HandleUpdate reacts to files.update for every key in the batch.
func (s *Service) HandleUpdate(ctx context.Context, acc assets.Accountability, keys []string) []UploadResult {
	results := make([]UploadResult, 0, len(keys))
	for _, key := range keys {
		results = append(results, s.HandleUpload(ctx, acc, key))
	}
	return results
}

// UploadNow runs the upload for key in the calling goroutine.
func (s *Service) UploadNow(ctx context.Context, acc assets.Accountability, key string) (UploadResult, error) {
	if !s.Enabled() {
		return UploadResult{Key: key, Decision: DecisionDisabled}, fmt.Errorf("integration disabled: %s", s.integration.Reason)
	}
	if s.locker != nil {
		unlock, ok, err := s.locker.TryLock(ctx, key)
		if err != nil {
			return UploadResult{Key: key, Decision: DecisionError, Error: err.Error()}, fmt.Errorf("acquire upload lock: %w", err)
		}
		if !ok {
			return UploadResult{Key: key, Decision: DecisionLocked}, nil
		}
		defer unlock()
	}
	asset, decision, err := s.check(ctx, acc, key)
	if err != nil {
		return UploadResult{Key: key, Decision: DecisionError, Error: err.Error()}, err
	}
	if decision != "" {
		return UploadResult{Key: key, Decision: decision}, nil
	}
	mediaID, err := s.transfer(ctx, acc, asset, nil)
	if err != nil {
		return UploadResult{Key: key, Decision: DecisionError, Error: err.Error()}, err
	}
	return UploadResult{Key: key, Decision: DecisionUploaded, MediaID: mediaID}, nil
}

// HandleDelete removes the remote copy of every key that has one. Failures
// are logged per key and never stop the rest of the batch.
func (s *Service) HandleDelete(ctx context.Context, acc assets.Accountability, keys []string) DeleteReport {
	report := DeleteReport{Results: make([]DeleteResult, 0, len(keys))}
	if !s.Enabled() {
		for _, key := range keys {
			report.Results = append(report.Results, DeleteResult{Key: key, Outcome: DeleteDisabled})
		}
		return report
	}
	for _, key := range keys {
		report.Results = append(report.Results, s.deleteOne(ctx, acc, key))
	}
	return report
}

func (s *Service) deleteOne(ctx context.Context, acc assets.Accountability, key string) DeleteResult {
	log := s.logger.With(slog.String("key", key))
	result := DeleteResult{Key: key}

	// An upload still running for this key would otherwise record a media id
	// after the remote copy is gone.
	if s.scheduler != nil {
		cancelCtx, cancel := context.WithTimeout(ctx, s.cancelTimeout)
		canceled, err := s.scheduler.Cancel(cancelCtx, key)
		cancel()
		if err != nil {
			log.Warn("waiting for in-flight upload to stop failed", slog.Any("error", err))
		}
		result.Canceled = canceled
	}

	asset, err := s.store.GetAsset(ctx, acc, key)
	if err != nil {
		log.Error("fetch asset failed", slog.Any("error", err))
		result.Outcome = DeleteFailed
		result.Errors = []string{err.Error()}
		return result
	}
	mediaID := asset.MediaID()
	if mediaID == "" {
		log.Info("no cloudflare streams media id found for asset, skipping deletion")
		result.Outcome = DeleteSkipped
		return result
	}
	result.MediaID = mediaID

	err = s.stream.Delete(ctx, mediaID)
	if err == nil {
		log.Info("deleted file from cloudflare streams", slog.String("media_id", mediaID))
		result.Outcome = DeleteRemoved
		return result
	}

	result.Outcome = DeleteFailed
	var apiErr *cloudflare.APIError
	switch {
	case errors.As(err, &apiErr):
		result.Errors = apiErr.Messages()
		for _, message := range result.Errors {
			log.Error("could not delete file from cloudflare streams",
				slog.String("media_id", mediaID),
				slog.Int("status", apiErr.StatusCode),
				slog.String("message", message),
			)
		}
		if len(result.Errors) == 0 {
			log.Error("could not delete file from cloudflare streams", slog.String("media_id", mediaID), slog.Int("status", apiErr.StatusCode))
		}
	case errors.Is(err, cloudflare.ErrMalformedErrorResponse):
		result.Errors = []string{err.Error()}
		log.Error("could not delete file from cloudflare streams: malformed error response", slog.String("media_id", mediaID), slog.Any("error", err))
	default:
		result.Errors = []string{err.Error()}
		log.Error("could not delete file from cloudflare streams", slog.String("media_id", mediaID), slog.Any("error", err))
	}
	return result
}

// check fetches the asset and returns a non-empty decision when it must be skipped.
func (s *Service) check(ctx context.Context, acc assets.Accountability, key string) (assets.Asset, Decision, error) {
	asset, err := s.store.GetAsset(ctx, acc, key)
	if err != nil {
		return assets.Asset{}, "", err
	}
	if asset.Key == "" {
		asset.Key = key
	}
	if !asset.IsVideo() {
		return asset, DecisionNotVideo, nil
	}
	if asset.MediaID() != "" {
		return asset, DecisionAlreadyMirrored, nil
	}
	return asset, "", nil
}

func (s *Service) enqueue(acc assets.Accountability, asset assets.Asset) UploadResult {
	jobID, err := s.scheduler.Enqueue(asset.Key, func(ctx context.Context, progress queue.ProgressFunc) error {
		// The job may start long after it was queued, so eligibility is
		// checked again under the key lock.
		current, decision, err := s.check(ctx, acc, asset.Key)
		if err != nil {
			return fmt.Errorf("refetch asset: %w", err)
		}
		if decision != "" {
			s.logger.Info("no upload needed for file", slog.String("key", asset.Key), slog.String("reason", string(decision)))
			return nil
		}
		_, err = s.transfer(ctx, acc, current, progress)
		return err
	})
	switch {
	case errors.Is(err, queue.ErrAlreadyQueued):
		s.logger.Info("upload already in progress for file", slog.String("key", asset.Key), slog.String("job_id", jobID))
		return UploadResult{Key: asset.Key, Decision: DecisionAlreadyQueued, JobID: jobID}
	case err != nil:
		s.logger.Error("queue upload failed", slog.String("key", asset.Key), slog.Any("error", err))
		return UploadResult{Key: asset.Key, Decision: DecisionError, Error: err.Error()}
	}
	s.logger.Info("starting upload for file", slog.String("key", asset.Key), slog.String("job_id", jobID))
	return UploadResult{Key: asset.Key, Decision: DecisionQueued, JobID: jobID}
}

// transfer streams the asset to Stream and records the media id. It returns
// the recorded id, or "" when the final response carried none.
func (s *Service) transfer(ctx context.Context, acc assets.Accountability, asset assets.Asset, progress queue.ProgressFunc) (string, error) {
	log := s.logger.With(slog.String("key", asset.Key), slog.String("filename", asset.Filename))

	body, err := s.store.OpenStream(ctx, acc, asset.Key)
	if err != nil {
		return "", fmt.Errorf("open asset stream: %w", err)
	}
	defer func() {
		if err := body.Close(); err != nil {
			log.Warn("close asset stream failed", slog.Any("error", err))
		}
	}()

	var mediaID string
	upload, err := tus.New(s.stream.UploadHTTPClient(), body, tus.Options{
		Endpoint:  s.stream.UploadEndpoint(),
		Headers:   s.stream.AuthHeaders(),
		Size:      asset.Size,
		ChunkSize: s.chunkSize,
		Metadata: map[string]string{
			"name":     asset.Filename,
			"filetype": asset.Type,
		},
		OnProgress: func(uploaded, total int64) {
			if progress != nil {
				progress(uploaded, total)
			}
			log.Info("upload progress",
				slog.String("percent", tus.Percentage(uploaded, total)),
				slog.String("uploaded", humanize.IBytes(uint64(uploaded))),
				slog.String("total", humanize.IBytes(uint64(total))),
			)
		},
		OnSuccess: func(ctx context.Context, result tus.Result) error {
			// The remote object exists now; a cancellation must not stop the id
			// from being recorded, or a following delete could not find it.
			id, err := s.commit(context.WithoutCancel(ctx), acc, asset, result)
			mediaID = id
			return err
		},
		OnError: func(err error) {
			log.Error("upload to cloudflare streams failed", slog.Any("error", err))
		},
	})
	if err != nil {
		return "", err
	}

	log.Info("uploading video to cloudflare streams",
		slog.String("size", humanize.IBytes(uint64(asset.Size))),
		slog.Int64("chunks", tus.ChunkCount(asset.Size, s.chunkSize)),
	)
	if err := upload.Start(ctx); err != nil {
		return "", err
	}
	return mediaID, nil
}

// commit is the single write point for the media id.
func (s *Service) commit(ctx context.Context, acc assets.Accountability, asset assets.Asset, result tus.Result) (string, error) {
	mediaID := strings.TrimSpace(result.Header.Get(cloudflare.MediaIDHeader))
	if mediaID == "" {
		s.logger.Warn("upload finished without a stream-media-id header, nothing recorded",
			slog.String("key", asset.Key),
			slog.String("upload_url", result.URL),
		)
		s.markUnrecorded(asset.Key, result.URL)
		return "", nil
	}
	if err := s.store.SetMetadataValue(ctx, acc, asset.Key, assets.MediaIDKey, mediaID); err != nil {
		s.markUnrecorded(asset.Key, result.URL)
		return "", fmt.Errorf("record media id %s: %w", mediaID, err)
	}
	s.clearUnrecorded(asset.Key)
	s.logger.Info("uploaded video to cloudflare streams",
		slog.String("key", asset.Key),
		slog.String("filename", asset.Filename),
		slog.String("media_id", mediaID),
	)
	return mediaID, nil
}
