package moderation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/MediaGate/internal/analysis"
	"github.com/dharsanguruparan/MediaGate/internal/failure"
	"github.com/dharsanguruparan/MediaGate/internal/logging"
	"github.com/dharsanguruparan/MediaGate/internal/model"
	"github.com/dharsanguruparan/MediaGate/internal/resilience"
	"github.com/dharsanguruparan/MediaGate/internal/storage"
)

type fakeObjects struct {
	mu       sync.Mutex
	objects  map[string][]byte
	puts     int
	putErrs  []error
	deletes  []string
	putDelay time.Duration
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: make(map[string][]byte)}
}

func (f *fakeObjects) Put(ctx context.Context, key string, r io.Reader, _ int64, _ string) error {
	f.mu.Lock()
	f.puts++
	var err error
	if len(f.putErrs) > 0 {
		err, f.putErrs = f.putErrs[0], f.putErrs[1:]
	}
	delay := f.putDelay
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *fakeObjects) Exists(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok, nil
}

func (f *fakeObjects) Get(_ context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, failure.Newf(failure.PermanentServiceError, "get object", "%s missing", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeObjects) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	f.deletes = append(f.deletes, key)
	return nil
}

func (f *fakeObjects) URI(key string) string { return "s3://media/" + key }

func (f *fakeObjects) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

func (f *fakeObjects) deleteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deletes)
}

func (f *fakeObjects) putCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts
}

type fakePublisher struct {
	mu          sync.Mutex
	assets      map[string]string
	content     map[string][]byte
	next        int
	uploadErr   error
	uploadDelay time.Duration
	deleted     []string
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{assets: make(map[string]string), content: make(map[string][]byte)}
}

func (p *fakePublisher) FindAsset(_ context.Context, title string) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.assets[title]
	return id, ok, nil
}

func (p *fakePublisher) CreateAsset(_ context.Context, title string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	id := "asset-" + strconv.Itoa(p.next)
	p.assets[title] = id
	return id, nil
}

func (p *fakePublisher) UploadContent(ctx context.Context, assetID string, r io.Reader, _ int64, _ string) error {
	p.mu.Lock()
	err, delay := p.uploadErr, p.uploadDelay
	p.mu.Unlock()
	if err != nil {
		return err
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.content[assetID] = data
	return nil
}

func (p *fakePublisher) DeleteAsset(_ context.Context, assetID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for title, id := range p.assets {
		if id == assetID {
			delete(p.assets, title)
		}
	}
	delete(p.content, assetID)
	p.deleted = append(p.deleted, assetID)
	return nil
}

func (p *fakePublisher) assetCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.assets)
}

type visualFunc func(ctx context.Context, uri string) analysis.Visual

func (f visualFunc) Analyze(ctx context.Context, uri string) analysis.Visual { return f(ctx, uri) }

type transcribeFunc func(ctx context.Context, uri string) analysis.Transcript

func (f transcribeFunc) Transcribe(ctx context.Context, uri string) analysis.Transcript {
	return f(ctx, uri)
}

func cleanVisual(detections ...analysis.Detection) visualFunc {
	return func(context.Context, string) analysis.Visual {
		return analysis.VisualSucceeded(detections, nil)
	}
}

func saying(text string) transcribeFunc {
	return func(context.Context, string) analysis.Transcript {
		return analysis.TranscriptSucceeded(text, "en", 0.95)
	}
}

type harness struct {
	t              *testing.T
	store          *storage.MemoryStore
	objects        *fakeObjects
	publisher      *fakePublisher
	visual         visualFunc
	speech         transcribeFunc
	dir            string
	durableTimeout time.Duration
	publishTimeout time.Duration
}

func newHarness(t *testing.T) *harness {
	return &harness{
		t:         t,
		store:     storage.NewMemoryStore(),
		objects:   newFakeObjects(),
		publisher: newFakePublisher(),
		visual:    cleanVisual(analysis.Detection{Category: "person", Score: 0.98}),
		speech:    saying(""),
		dir:       t.TempDir(),
	}
}

func (h *harness) orchestrator() *Orchestrator {
	return New(Config{
		StalenessWindow: 15 * time.Minute,
		MaxAttempts:     3,
		Retry:           resilience.RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		DurableTimeout:  h.durableTimeout,
		PublishTimeout:  h.publishTimeout,
	}, Deps{
		Store:       h.store,
		Objects:     h.objects,
		Publisher:   h.publisher,
		Visual:      h.visual,
		Transcriber: h.speech,
		Logger:      logging.NewNop(),
	})
}

// submit writes a temp file and creates a received item pointing at it.
func (h *harness) submit(id string) *model.MediaItem {
	h.t.Helper()
	path := filepath.Join(h.dir, id+".mp4")
	require.NoError(h.t, os.WriteFile(path, []byte("video-bytes-"+id), 0o600))
	item := &model.MediaItem{
		ID:          id,
		OwnerID:     "owner-1",
		Kind:        model.KindPost,
		TempPath:    path,
		ContentType: "video/mp4",
		SizeBytes:   int64(len("video-bytes-" + id)),
	}
	created, err := h.store.Create(context.Background(), item)
	require.NoError(h.t, err)
	require.True(h.t, created)
	return item
}

func (h *harness) item(id string) *model.MediaItem {
	h.t.Helper()
	item, err := h.store.Get(context.Background(), id)
	require.NoError(h.t, err)
	return item
}

func transientErr(n int) error {
	return failure.Wrap(failure.TransientServiceError, "put object", fmt.Errorf("503 #%d", n))
}

var errPermanent = failure.Wrap(failure.PermanentServiceError, "put object", errors.New("access denied"))
