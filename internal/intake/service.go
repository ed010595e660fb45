// Package intake is the pipeline's front door: Submit records a received item
// and hands it to the dispatcher, Status renders the user-facing view.
package intake

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/MediaGate/internal/metrics"
	"github.com/dharsanguruparan/MediaGate/internal/model"
	"github.com/dharsanguruparan/MediaGate/internal/signing"
)

// ErrInvalid marks a submission rejected before it enters the pipeline.
var ErrInvalid = errors.New("invalid submission")

// contentNamespace scopes content-addressed media ids.
var contentNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("mediagate/media"))

// View states exposed to users.
const (
	StateProcessing   = "processing"
	StatePublished    = "published"
	StateNotAvailable = "not_available"
)

// Store creates and reads media items.
type Store interface {
	Create(ctx context.Context, item *model.MediaItem) (bool, error)
	Get(ctx context.Context, id string) (*model.MediaItem, error)
}

// Dispatcher schedules an item for the orchestrator.
type Dispatcher interface {
	Dispatch(ctx context.Context, id string) error
}

// Submission is an uploaded file waiting to be moderated. The service takes
// ownership of TempPath.
type Submission struct {
	OwnerID     string
	Kind        model.Kind
	Metadata    map[string]string
	TempPath    string
	ContentType string
	Duration    time.Duration
}

// Receipt acknowledges a submission.
type Receipt struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	Duplicate bool   `json:"duplicate"`
}

// View is what the owner and viewers are told about an item.
type View struct {
	ID          string     `json:"id"`
	State       string     `json:"state"`
	PlaybackURL string     `json:"playbackUrl,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

// Options configures playback links.
type Options struct {
	PlaybackBase string
	SignedURLTTL time.Duration
}

// Service implements Submit and Status.
type Service struct {
	store      Store
	dispatcher Dispatcher
	signer     *signing.Signer
	opts       Options
	metrics    *metrics.Pipeline
	logger     logrus.FieldLogger
}

// NewService wires the intake facade. signer may be nil when playback links
// are not configured.
func NewService(store Store, dispatcher Dispatcher, signer *signing.Signer, opts Options, m *metrics.Pipeline, logger logrus.FieldLogger) *Service {
	if opts.SignedURLTTL <= 0 {
		opts.SignedURLTTL = 15 * time.Minute
	}
	return &Service{
		store:      store,
		dispatcher: dispatcher,
		signer:     signer,
		opts:       opts,
		metrics:    m,
		logger:     logger.WithField("component", "intake"),
	}
}

// ContentID derives the media id from the owner and the file's SHA-256, so
// resubmitting the same bytes yields the same item.
func ContentID(ownerID string, digest []byte) string {
	return uuid.NewSHA1(contentNamespace, []byte(ownerID+":"+hex.EncodeToString(digest))).String()
}

// Submit records the item as received and dispatches it. It never waits for
// moderation. A dispatch failure is logged only: the recovery sweep
// re-dispatches received items that sit past the staleness window.
func (s *Service) Submit(ctx context.Context, sub Submission) (Receipt, error) {
	if sub.OwnerID == "" {
		return Receipt{}, fmt.Errorf("%w: owner id required", ErrInvalid)
	}
	if !sub.Kind.Valid() {
		return Receipt{}, fmt.Errorf("%w: unknown kind %q", ErrInvalid, sub.Kind)
	}
	digest, size, err := hashFile(sub.TempPath)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if size == 0 {
		return Receipt{}, fmt.Errorf("%w: empty file", ErrInvalid)
	}

	item := &model.MediaItem{
		ID:          ContentID(sub.OwnerID, digest),
		OwnerID:     sub.OwnerID,
		Kind:        sub.Kind,
		Metadata:    sub.Metadata,
		TempPath:    sub.TempPath,
		ContentType: sub.ContentType,
		SizeBytes:   size,
		Duration:    sub.Duration,
	}
	log := s.logger.WithFields(logrus.Fields{"media_id": item.ID, "owner_id": item.OwnerID, "kind": item.Kind})

	created, err := s.store.Create(ctx, item)
	if err != nil {
		return Receipt{}, fmt.Errorf("create media item: %w", err)
	}
	if !created {
		// item now holds the stored record.
		if item.TempPath != sub.TempPath {
			_ = os.Remove(sub.TempPath)
		}
		log.WithField("status", item.Status).Info("duplicate submission")
		return Receipt{ID: item.ID, State: viewState(item), Duplicate: true}, nil
	}
	s.metrics.Submitted(string(item.Kind))

	if err := s.dispatcher.Dispatch(ctx, item.ID); err != nil {
		log.WithError(err).Warn("dispatch failed, leaving item for recovery sweep")
	} else {
		log.Info("media item submitted")
	}
	return Receipt{ID: item.ID, State: StateProcessing}, nil
}

// Status returns the user-facing view of id.
func (s *Service) Status(ctx context.Context, id string) (View, error) {
	item, err := s.store.Get(ctx, id)
	if err != nil {
		return View{}, err
	}
	view := View{ID: item.ID, State: viewState(item)}
	if view.State == StatePublished && s.signer != nil && s.opts.PlaybackBase != "" {
		link, expires := s.signer.PlaybackURL(s.opts.PlaybackBase, *item.CDNAssetID, s.opts.SignedURLTTL)
		view.PlaybackURL = link
		view.ExpiresAt = &expires
	}
	return view, nil
}

func viewState(item *model.MediaItem) string {
	switch {
	case item.Status == model.StatusApproved && item.CDNAssetID != nil && item.Active:
		return StatePublished
	case item.Status.Terminal():
		return StateNotAvailable
	default:
		return StateProcessing
	}
}

func hashFile(path string) ([]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return nil, 0, fmt.Errorf("hash upload: %w", err)
	}
	return h.Sum(nil), n, nil
}
