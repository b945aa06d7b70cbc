// Package directus implements assets.Store over the Directus REST API.
package directus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/memohai/streamsync/internal/assets"
	"github.com/memohai/streamsync/internal/version"
)

const (
	fileFields   = "id,type,filename_disk,filename_download,filesize,metadata"
	maxErrorBody = 4 << 10
)

// StatusError is a non-2xx answer from Directus.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("directus: %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Client is a Directus files/assets client authenticated with a static token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	stream  *http.Client
	logger  *slog.Logger
}

// NewClient builds a Directus client. The timeout applies to JSON requests
// only; asset downloads are bounded by the caller's context.
func NewClient(log *slog.Logger, baseURL, token string, timeout time.Duration) *Client {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
		http:    &http.Client{Timeout: timeout},
		stream:  &http.Client{},
		logger:  log.With(slog.String("client", "directus")),
	}
}

var _ assets.Store = (*Client)(nil)

// flexInt64 accepts Directus bigint columns, which are serialised as strings.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	if raw == "" || raw == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %s: %w", string(data), err)
	}
	*f = flexInt64(n)
	return nil
}

type fileRecord struct {
	ID               string         `json:"id"`
	Type             string         `json:"type"`
	FilenameDisk     string         `json:"filename_disk"`
	FilenameDownload string         `json:"filename_download"`
	Filesize         flexInt64      `json:"filesize"`
	Metadata         map[string]any `json:"metadata"`
}

func (r fileRecord) asset() assets.Asset {
	name := r.FilenameDisk
	if name == "" {
		name = r.FilenameDownload
	}
	return assets.Asset{
		Key:      r.ID,
		Filename: name,
		Type:     r.Type,
		Size:     int64(r.Filesize),
		Metadata: r.Metadata,
	}
}

// GetAsset fetches the file record for key.
func (c *Client) GetAsset(ctx context.Context, acc assets.Accountability, key string) (assets.Asset, error) {
	record, err := c.getFile(ctx, acc, key)
	if err != nil {
		return assets.Asset{}, err
	}
	return record.asset(), nil
}

// OpenStream opens GET /assets/{key}.
func (c *Client) OpenStream(ctx context.Context, acc assets.Accountability, key string) (io.ReadCloser, error) {
	if strings.TrimSpace(key) == "" {
		return nil, errors.New("directus: asset key is required")
	}
	req, err := c.newRequest(ctx, acc, http.MethodGet, "/assets/"+url.PathEscape(key), nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directus: open asset %s: %w", key, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, c.statusError("open asset", key, resp)
	}
	return resp.Body, nil
}

// SetMetadataValue merges field=value into the file's metadata. Directus
// replaces the metadata object on PATCH, so the current value is read first.
func (c *Client) SetMetadataValue(ctx context.Context, acc assets.Accountability, key, field string, value any) error {
	record, err := c.getFile(ctx, acc, key)
	if err != nil {
		return err
	}
	merged := make(map[string]any, len(record.Metadata)+1)
	for k, v := range record.Metadata {
		merged[k] = v
	}
	merged[field] = value

	payload, err := json.Marshal(map[string]any{"metadata": merged})
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, acc, http.MethodPatch, "/files/"+url.PathEscape(key), nil, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doJSON(req, "update file", key, nil)
}

// ListVideos pages through files whose type starts with video/.
func (c *Client) ListVideos(ctx context.Context, acc assets.Accountability, opts assets.ListOptions) ([]assets.Asset, error) {
	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	if opts.Page <= 0 {
		opts.Page = 1
	}
	query := url.Values{}
	query.Set("fields", fileFields)
	query.Set("filter", `{"type":{"_starts_with":"video/"}}`)
	query.Set("sort", "id")
	query.Set("limit", strconv.Itoa(opts.Limit))
	query.Set("page", strconv.Itoa(opts.Page))

	req, err := c.newRequest(ctx, acc, http.MethodGet, "/files", query, nil)
	if err != nil {
		return nil, err
	}
	var body struct {
		Data []fileRecord `json:"data"`
	}
	if err := c.doJSON(req, "list files", "", &body); err != nil {
		return nil, err
	}
	out := make([]assets.Asset, 0, len(body.Data))
	for _, record := range body.Data {
		out = append(out, record.asset())
	}
	return out, nil
}

func (c *Client) getFile(ctx context.Context, acc assets.Accountability, key string) (fileRecord, error) {
	if strings.TrimSpace(key) == "" {
		return fileRecord{}, errors.New("directus: file key is required")
	}
	query := url.Values{}
	query.Set("fields", fileFields)
	req, err := c.newRequest(ctx, acc, http.MethodGet, "/files/"+url.PathEscape(key), query, nil)
	if err != nil {
		return fileRecord{}, err
	}
	var body struct {
		Data *fileRecord `json:"data"`
	}
	if err := c.doJSON(req, "get file", key, &body); err != nil {
		return fileRecord{}, err
	}
	if body.Data == nil {
		return fileRecord{}, fmt.Errorf("%w: %s", assets.ErrAssetNotFound, key)
	}
	if body.Data.ID == "" {
		body.Data.ID = key
	}
	return *body.Data, nil
}

func (c *Client) newRequest(ctx context.Context, acc assets.Accountability, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	token := c.token
	if strings.TrimSpace(acc.Token) != "" {
		token = strings.TrimSpace(acc.Token)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) doJSON(req *http.Request, op, key string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("directus: %s: %w", op, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Warn("close response body failed", slog.Any("error", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.statusError(op, key, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("directus: %s: decode response: %w", op, err)
	}
	return nil
}

func (c *Client) statusError(op, key string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode == http.StatusNotFound && key != "" {
		return fmt.Errorf("%w: %s", assets.ErrAssetNotFound, key)
	}
	return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
