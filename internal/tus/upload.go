// Package tus implements the client side of the tus resumable upload protocol
// (core + creation extension) as a one-shot, sequential chunk uploader.
package tus

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const (
	// ProtocolVersion is sent as Tus-Resumable on every request.
	ProtocolVersion = "1.0.0"
	// DefaultChunkSize is the number of bytes sent per PATCH request.
	DefaultChunkSize int64 = 50 * 1024 * 1024

	offsetContentType = "application/offset+octet-stream"
	maxErrorBody      = 4 << 10
)

var (
	ErrAlreadyStarted  = errors.New("tus: upload already started")
	ErrMissingLocation = errors.New("tus: creation response has no Location header")
	ErrOffsetMismatch  = errors.New("tus: server offset mismatch")
)

// StatusError is returned when the server answers with an unexpected status.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("tus: %s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("tus: %s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

// State is the lifecycle position of an Upload.
type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateTransmitting
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateTransmitting:
		return "transmitting"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Result describes a completed upload. Header holds the headers of the last
// response received, which is the final PATCH or, for empty uploads, the POST.
type Result struct {
	URL    string
	Offset int64
	Header http.Header
}

// Options configures an Upload.
type Options struct {
	Endpoint  string
	Headers   http.Header
	Size      int64
	ChunkSize int64
	Metadata  map[string]string

	OnProgress func(bytesUploaded, bytesTotal int64)
	OnSuccess  func(ctx context.Context, result Result) error
	OnError    func(err error)
}

// Upload is a single resumable upload attempt. It is not restartable; once
// it reaches a terminal state a new Upload must be constructed.
type Upload struct {
	client   *http.Client
	body     io.Reader
	opts     Options
	endpoint *url.URL

	mu        sync.Mutex
	state     State
	offset    int64
	uploadURL string
	err       error
}

// New validates opts and returns an idle upload. No request is sent until Start.
func New(client *http.Client, body io.Reader, opts Options) (*Upload, error) {
	if body == nil {
		return nil, errors.New("tus: body is required")
	}
	if opts.Size < 0 {
		return nil, fmt.Errorf("tus: invalid size %d", opts.Size)
	}
	if strings.TrimSpace(opts.Endpoint) == "" {
		return nil, errors.New("tus: endpoint is required")
	}
	endpoint, err := url.Parse(opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("tus: parse endpoint: %w", err)
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Upload{
		client:   client,
		body:     body,
		opts:     opts,
		endpoint: endpoint,
	}, nil
}

// State returns the current lifecycle state.
func (u *Upload) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Offset returns the number of bytes acknowledged by the server.
func (u *Upload) Offset() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.offset
}

// URL returns the upload URL assigned during negotiation, if any.
func (u *Upload) URL() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.uploadURL
}

// Err returns the error that moved the upload to StateFailed.
func (u *Upload) Err() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.err
}

// Start negotiates the upload and sends every chunk in order, blocking until
// the upload succeeds or fails. OnError is invoked on transfer failure and
// OnSuccess on completion; an error from OnSuccess is returned but leaves the
// upload in StateSucceeded since the remote object exists.
func (u *Upload) Start(ctx context.Context) error {
	u.mu.Lock()
	if u.state != StateIdle {
		u.mu.Unlock()
		return ErrAlreadyStarted
	}
	u.state = StateNegotiating
	u.mu.Unlock()

	result, err := u.run(ctx)
	if err != nil {
		u.mu.Lock()
		u.state = StateFailed
		u.err = err
		u.mu.Unlock()
		if u.opts.OnError != nil {
			u.opts.OnError(err)
		}
		return err
	}

	u.setState(StateSucceeded)
	if u.opts.OnSuccess != nil {
		if err := u.opts.OnSuccess(ctx, result); err != nil {
			return fmt.Errorf("tus: success callback: %w", err)
		}
	}
	return nil
}

func (u *Upload) run(ctx context.Context) (Result, error) {
	location, header, err := u.create(ctx)
	if err != nil {
		return Result{}, err
	}

	u.mu.Lock()
	u.uploadURL = location
	u.state = StateTransmitting
	u.mu.Unlock()

	var offset int64
	for offset < u.opts.Size {
		n := min(u.opts.ChunkSize, u.opts.Size-offset)
		header, err = u.patch(ctx, location, offset, n)
		if err != nil {
			return Result{}, err
		}
		offset += n

		u.mu.Lock()
		u.offset = offset
		u.mu.Unlock()
		if u.opts.OnProgress != nil {
			u.opts.OnProgress(offset, u.opts.Size)
		}
	}
	return Result{URL: location, Offset: offset, Header: header}, nil
}

func (u *Upload) create(ctx context.Context) (string, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint.String(), http.NoBody)
	if err != nil {
		return "", nil, fmt.Errorf("tus: create: %w", err)
	}
	u.applyHeaders(req)
	req.Header.Set("Upload-Length", strconv.FormatInt(u.opts.Size, 10))
	if encoded := EncodeMetadata(u.opts.Metadata); encoded != "" {
		req.Header.Set("Upload-Metadata", encoded)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("tus: create: %w", err)
	}
	defer drain(resp)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", nil, newStatusError("create", resp)
	}

	location := strings.TrimSpace(resp.Header.Get("Location"))
	if location == "" {
		return "", nil, ErrMissingLocation
	}
	resolved, err := u.endpoint.Parse(location)
	if err != nil {
		return "", nil, fmt.Errorf("tus: parse location %q: %w", location, err)
	}
	return resolved.String(), resp.Header.Clone(), nil
}

func (u *Upload) patch(ctx context.Context, location string, offset, n int64) (http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, location, io.LimitReader(u.body, n))
	if err != nil {
		return nil, fmt.Errorf("tus: patch: %w", err)
	}
	req.ContentLength = n
	u.applyHeaders(req)
	req.Header.Set("Content-Type", offsetContentType)
	req.Header.Set("Upload-Offset", strconv.FormatInt(offset, 10))

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tus: patch at offset %d: %w", offset, err)
	}
	defer drain(resp)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newStatusError("patch", resp)
	}

	raw := resp.Header.Get("Upload-Offset")
	got, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("tus: patch: invalid Upload-Offset %q: %w", raw, err)
	}
	if got != offset+n {
		return nil, fmt.Errorf("%w: expected %d, server reported %d", ErrOffsetMismatch, offset+n, got)
	}
	return resp.Header.Clone(), nil
}

func (u *Upload) applyHeaders(req *http.Request) {
	for key, values := range u.opts.Headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	req.Header.Set("Tus-Resumable", ProtocolVersion)
}

func (u *Upload) setState(state State) {
	u.mu.Lock()
	u.state = state
	u.mu.Unlock()
}

// EncodeMetadata renders the Upload-Metadata header value: comma separated
// "key base64(value)" pairs, ordered by key. Empty keys are skipped.
func EncodeMetadata(metadata map[string]string) string {
	keys := make([]string, 0, len(metadata))
	for key := range metadata {
		if strings.TrimSpace(key) == "" {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+" "+base64.StdEncoding.EncodeToString([]byte(metadata[key])))
	}
	return strings.Join(pairs, ",")
}

// ChunkCount returns the number of PATCH requests needed for size bytes.
func ChunkCount(size, chunkSize int64) int64 {
	if size <= 0 {
		return 0
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return (size + chunkSize - 1) / chunkSize
}

// Percentage formats progress with two decimals. An empty upload is complete.
func Percentage(bytesUploaded, bytesTotal int64) string {
	if bytesTotal <= 0 {
		return "100.00"
	}
	return strconv.FormatFloat(float64(bytesUploaded)/float64(bytesTotal)*100, 'f', 2, 64)
}

func newStatusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
}
