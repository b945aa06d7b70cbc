package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/streamsync/internal/assets"
	"github.com/memohai/streamsync/internal/logger"
	"github.com/memohai/streamsync/internal/mirror"
)

type fakeUpdater struct {
	enabled    bool
	keys       []string
	unrecorded map[string]bool
}

func (f *fakeUpdater) Enabled() bool { return f.enabled }

func (f *fakeUpdater) Unrecorded(key string) bool { return f.unrecorded[key] }

func (f *fakeUpdater) HandleUpdate(_ context.Context, _ assets.Accountability, keys []string) []mirror.UploadResult {
	out := make([]mirror.UploadResult, 0, len(keys))
	for _, key := range keys {
		f.keys = append(f.keys, key)
		out = append(out, mirror.UploadResult{Key: key, Decision: mirror.DecisionQueued})
	}
	return out
}

type fakeLister struct {
	pages [][]assets.Asset
	err   error
	calls []assets.ListOptions
}

func (f *fakeLister) ListVideos(_ context.Context, _ assets.Accountability, opts assets.ListOptions) ([]assets.Asset, error) {
	f.calls = append(f.calls, opts)
	if f.err != nil {
		return nil, f.err
	}
	if opts.Page > len(f.pages) {
		return nil, nil
	}
	return f.pages[opts.Page-1], nil
}

func video(key, mediaID string) assets.Asset {
	a := assets.Asset{Key: key, Type: "video/mp4"}
	if mediaID != "" {
		a.Metadata = map[string]any{assets.MediaIDKey: mediaID}
	}
	return a
}

func TestSweepQueuesAssetsWithoutMediaID(t *testing.T) {
	updater := &fakeUpdater{enabled: true}
	lister := &fakeLister{pages: [][]assets.Asset{
		{video("a", ""), video("b", "m-b")},
		{video("c", ""), {Key: "d", Type: "image/png"}},
		{video("e", "")},
	}}
	svc := NewService(logger.Discard(), updater, lister, "", 2)

	summary, err := svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "e"}, updater.keys)
	assert.Equal(t, Summary{Scanned: 5, Missing: 3, Queued: 3}, summary)
	assert.Len(t, lister.calls, 3)
	assert.Equal(t, assets.ListOptions{Page: 3, Limit: 2}, lister.calls[2])
}

func TestSweepSkipsUnrecordedUploads(t *testing.T) {
	updater := &fakeUpdater{enabled: true, unrecorded: map[string]bool{"a": true}}
	lister := &fakeLister{pages: [][]assets.Asset{{video("a", ""), video("b", "")}}}
	svc := NewService(logger.Discard(), updater, lister, "", 10)

	summary, err := svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, updater.keys)
	assert.Equal(t, Summary{Scanned: 2, Missing: 1, Queued: 1, Unrecorded: 1}, summary)
}

func TestSweepListError(t *testing.T) {
	updater := &fakeUpdater{enabled: true}
	lister := &fakeLister{err: errors.New("cms down")}
	svc := NewService(logger.Discard(), updater, lister, "", 10)

	_, err := svc.Sweep(context.Background())
	assert.ErrorContains(t, err, "cms down")
	assert.Empty(t, updater.keys)
}

func TestSweepDisabledIntegration(t *testing.T) {
	updater := &fakeUpdater{}
	lister := &fakeLister{pages: [][]assets.Asset{{video("a", "")}}}
	svc := NewService(logger.Discard(), updater, lister, "@every 1m", 10)

	summary, err := svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary)
	assert.Empty(t, lister.calls)
	require.NoError(t, svc.Start())
	assert.Empty(t, svc.cron.Entries())
}

func TestStartRejectsInvalidSchedule(t *testing.T) {
	svc := NewService(logger.Discard(), &fakeUpdater{enabled: true}, &fakeLister{}, "not a schedule", 10)
	assert.ErrorContains(t, svc.Start(), "invalid reconcile schedule")
}

func TestStartSchedulesSweep(t *testing.T) {
	svc := NewService(logger.Discard(), &fakeUpdater{enabled: true}, &fakeLister{}, "@every 1h", 10)
	require.NoError(t, svc.Start())
	assert.Len(t, svc.cron.Entries(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, svc.Stop(ctx))
}

func TestStartWithoutScheduleIsNoop(t *testing.T) {
	svc := NewService(logger.Discard(), &fakeUpdater{enabled: true}, &fakeLister{}, "", 10)
	require.NoError(t, svc.Start())
	assert.Empty(t, svc.cron.Entries())
}
