// Package assets defines the CMS asset model and the store that owns it.
package assets

import (
	"context"
	"errors"
	"io"
	"strings"
)

// MediaIDKey is the metadata key holding the Cloudflare Stream uid.
const MediaIDKey = "cloudflare_streams_media_id"

var ErrAssetNotFound = errors.New("asset not found")

// Asset is a CMS file. Metadata is owned by the store; callers should treat
// it as read-only and write through Store.SetMetadataValue.
type Asset struct {
	Key      string         `json:"key"`
	Filename string         `json:"filename"`
	Type     string         `json:"type"`
	Size     int64          `json:"size"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// IsVideo reports whether the MIME type is video/*.
func (a Asset) IsVideo() bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(a.Type)), "video/")
}

// MediaID returns the recorded Stream uid, or "" when none is recorded.
func (a Asset) MediaID() string {
	if a.Metadata == nil {
		return ""
	}
	value, ok := a.Metadata[MediaIDKey].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}

// Accountability is the caller context the CMS attached to an event. Token,
// when set, is used instead of the service token for store requests.
type Accountability struct {
	User  string `json:"user,omitempty"`
	Role  string `json:"role,omitempty"`
	Token string `json:"token,omitempty"`
}

// ListOptions pages through ListVideos.
type ListOptions struct {
	Page  int
	Limit int
}

// Store is the CMS side of the integration.
type Store interface {
	// GetAsset returns the file record for key.
	GetAsset(ctx context.Context, acc Accountability, key string) (Asset, error)
	// OpenStream returns the file bytes; the caller closes the reader.
	OpenStream(ctx context.Context, acc Accountability, key string) (io.ReadCloser, error)
	// SetMetadataValue sets one metadata key, leaving the other keys untouched.
	SetMetadataValue(ctx context.Context, acc Accountability, key, field string, value any) error
	// ListVideos returns one page of video assets.
	ListVideos(ctx context.Context, acc Accountability, opts ListOptions) ([]Asset, error)
}
