package directus

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/streamsync/internal/assets"
	"github.com/memohai/streamsync/internal/logger"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(logger.Discard(), srv.URL+"/", "service-token", 0)
}

func TestGetAsset(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/files/f-1", r.URL.Path)
		assert.Equal(t, fileFields, r.URL.Query().Get("fields"))
		assert.Equal(t, "Bearer service-token", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"data":{"id":"f-1","type":"video/mp4","filename_disk":"f-1.mp4","filename_download":"clip.mp4","filesize":"1048576","metadata":{"duration":12}}}`)
	})

	asset, err := c.GetAsset(context.Background(), assets.Accountability{}, "f-1")
	require.NoError(t, err)
	assert.Equal(t, "f-1", asset.Key)
	assert.Equal(t, "f-1.mp4", asset.Filename)
	assert.Equal(t, "video/mp4", asset.Type)
	assert.EqualValues(t, 1048576, asset.Size)
	assert.EqualValues(t, 12, asset.Metadata["duration"])
}

func TestGetAssetNumericSizeAndNullMetadata(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data":{"id":"f-2","type":"image/png","filename_download":"a.png","filesize":42,"metadata":null}}`)
	})

	asset, err := c.GetAsset(context.Background(), assets.Accountability{}, "f-2")
	require.NoError(t, err)
	assert.EqualValues(t, 42, asset.Size)
	assert.Equal(t, "a.png", asset.Filename)
	assert.Nil(t, asset.Metadata)
}

func TestGetAssetNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.GetAsset(context.Background(), assets.Accountability{}, "missing")
	assert.ErrorIs(t, err, assets.ErrAssetNotFound)
}

func TestAccountabilityTokenOverridesServiceToken(t *testing.T) {
	var gotAuth string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = io.WriteString(w, `{"data":{"id":"f-1"}}`)
	})

	_, err := c.GetAsset(context.Background(), assets.Accountability{Token: "user-token"}, "f-1")
	require.NoError(t, err)
	assert.Equal(t, "Bearer user-token", gotAuth)
}

func TestOpenStream(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/assets/f-1", r.URL.Path)
		_, _ = io.WriteString(w, "video-bytes")
	})

	rc, err := c.OpenStream(context.Background(), assets.Accountability{}, "f-1")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "video-bytes", string(data))
}

func TestOpenStreamError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"errors":[{"message":"forbidden"}]}`)
	})

	_, err := c.OpenStream(context.Background(), assets.Accountability{}, "f-1")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusForbidden, statusErr.StatusCode)
}

func TestSetMetadataValuePreservesOtherKeys(t *testing.T) {
	var patched map[string]map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_, _ = io.WriteString(w, `{"data":{"id":"f-1","metadata":{"width":1920,"title":"intro"}}}`)
		case http.MethodPatch:
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&patched))
			_, _ = io.WriteString(w, `{"data":{"id":"f-1"}}`)
		}
	})

	err := c.SetMetadataValue(context.Background(), assets.Accountability{}, "f-1", assets.MediaIDKey, "abc123")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"width":           float64(1920),
		"title":           "intro",
		assets.MediaIDKey: "abc123",
	}, patched["metadata"])
}

func TestListVideos(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/files", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, `{"type":{"_starts_with":"video/"}}`, q.Get("filter"))
		assert.Equal(t, "2", q.Get("page"))
		assert.Equal(t, "10", q.Get("limit"))
		_, _ = io.WriteString(w, `{"data":[{"id":"a","type":"video/mp4"},{"id":"b","type":"video/webm","metadata":{"cloudflare_streams_media_id":"m"}}]}`)
	})

	items, err := c.ListVideos(context.Background(), assets.Accountability{}, assets.ListOptions{Page: 2, Limit: 10})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "", items[0].MediaID())
	assert.Equal(t, "m", items[1].MediaID())
}

func TestFlexInt64(t *testing.T) {
	var v flexInt64
	require.NoError(t, json.Unmarshal([]byte(`"12"`), &v))
	assert.EqualValues(t, 12, v)
	require.NoError(t, json.Unmarshal([]byte(`null`), &v))
	assert.EqualValues(t, 0, v)
	assert.Error(t, json.Unmarshal([]byte(`"twelve"`), &v))
}
