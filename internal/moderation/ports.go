package moderation

import (
	"context"
	"io"

	"github.com/dharsanguruparan/MediaGate/internal/analysis"
	"github.com/dharsanguruparan/MediaGate/internal/model"
)

// Store is the data-store surface the orchestrator needs. Claim, Transition,
// and RecordRejection return repository.ErrConflict when the compare-and-swap
// loses.
type Store interface {
	Get(ctx context.Context, id string) (*model.MediaItem, error)
	Claim(ctx context.Context, c model.Claim) (*model.MediaItem, error)
	Transition(ctx context.Context, t model.Transition) (*model.MediaItem, error)
	AppendDecision(ctx context.Context, d *model.ModerationDecision) error
	RecordRejection(ctx context.Context, rej model.Rejection) (*model.MediaItem, error)
}

// ObjectStore holds the durable copy of each media item.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Exists(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	URI(key string) string
}

// Publisher delivers approved media through the CDN.
type Publisher interface {
	FindAsset(ctx context.Context, title string) (string, bool, error)
	CreateAsset(ctx context.Context, title string) (string, error)
	UploadContent(ctx context.Context, assetID string, r io.Reader, size int64, contentType string) error
	DeleteAsset(ctx context.Context, assetID string) error
}

// VisualAnalyzer never returns an error; failures are encoded in the result.
type VisualAnalyzer interface {
	Analyze(ctx context.Context, mediaURI string) analysis.Visual
}

// Transcriber never returns an error; failures are encoded in the result.
type Transcriber interface {
	Transcribe(ctx context.Context, mediaURI string) analysis.Transcript
}
