package mirror

import (
	"context"
	"net/http"

	"github.com/memohai/streamsync/internal/queue"
)

// StreamClient is the Cloudflare Stream surface the service needs.
type StreamClient interface {
	UploadEndpoint() string
	AuthHeaders() http.Header
	UploadHTTPClient() *http.Client
	Delete(ctx context.Context, mediaID string) error
}

// Scheduler runs upload jobs in the background.
type Scheduler interface {
	Enqueue(key string, job queue.Job) (string, error)
	Cancel(ctx context.Context, key string) (bool, error)
}

// Decision is the outcome of an eligibility check for one key.
type Decision string

const (
	DecisionQueued          Decision = "queued"
	DecisionUploaded        Decision = "uploaded"
	DecisionNotVideo        Decision = "not_video"
	DecisionAlreadyMirrored Decision = "already_mirrored"
	DecisionAlreadyQueued   Decision = "already_queued"
	DecisionLocked          Decision = "locked"
	DecisionDisabled        Decision = "disabled"
	DecisionError           Decision = "error"
)

// UploadResult reports what happened to one key on upload or update.
type UploadResult struct {
	Key      string   `json:"key"`
	Decision Decision `json:"decision"`
	JobID    string   `json:"job_id,omitempty"`
	MediaID  string   `json:"media_id,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// DeleteOutcome is the result of deleting one key's remote copy.
type DeleteOutcome string

const (
	DeleteRemoved  DeleteOutcome = "deleted"
	DeleteSkipped  DeleteOutcome = "skipped"
	DeleteFailed   DeleteOutcome = "failed"
	DeleteDisabled DeleteOutcome = "disabled"
)

// DeleteResult reports one key of a delete batch.
type DeleteResult struct {
	Key      string        `json:"key"`
	Outcome  DeleteOutcome `json:"outcome"`
	MediaID  string        `json:"media_id,omitempty"`
	Errors   []string      `json:"errors,omitempty"`
	Canceled bool          `json:"canceled_upload,omitempty"`
}

// DeleteReport collects the per-key results of a delete batch in input order.
type DeleteReport struct {
	Results []DeleteResult `json:"results"`
}

// Failed returns the keys whose remote deletion did not succeed.
func (r DeleteReport) Failed() []string {
	var keys []string
	for _, item := range r.Results {
		if item.Outcome == DeleteFailed {
			keys = append(keys, item.Key)
		}
	}
	return keys
}
