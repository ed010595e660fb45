package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/MediaGate/internal/config"
	"github.com/dharsanguruparan/MediaGate/internal/intake"
	"github.com/dharsanguruparan/MediaGate/internal/logging"
	"github.com/dharsanguruparan/MediaGate/internal/model"
	"github.com/dharsanguruparan/MediaGate/internal/signing"
	"github.com/dharsanguruparan/MediaGate/internal/storage"
	"github.com/dharsanguruparan/MediaGate/internal/textscreen"
)

// mp4Header is enough of an ftyp box for content sniffing.
var mp4Header = []byte("\x00\x00\x00\x18ftypmp42\x00\x00\x00\x00mp42isom")

type nopDispatcher struct {
	mu  sync.Mutex
	ids []string
}

func (d *nopDispatcher) Dispatch(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, id)
	return nil
}

func (d *nopDispatcher) dispatched() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.ids...)
}

type fixture struct {
	store  *storage.MemoryStore
	disp   *nopDispatcher
	signer *signing.Signer
	srv    *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := &config.Config{
		MaxFileSize:   1 << 20,
		AllowedTypes:  []string{"video/mp4", "video/webm"},
		UploadDir:     t.TempDir(),
		CDNBaseURL:    "https://cdn.example.com",
		PlaybackBase:  "https://api.example.com/play",
		SignedURLTTL:  time.Minute,
		TextThreshold: textscreen.DefaultThreshold,
	}
	f := &fixture{
		store:  storage.NewMemoryStore(),
		disp:   &nopDispatcher{},
		signer: signing.NewSigner([]byte("secret")),
	}
	logger := logging.NewNop()
	svc := intake.NewService(f.store, f.disp, f.signer, intake.Options{
		PlaybackBase: cfg.PlaybackBase,
		SignedURLTTL: cfg.SignedURLTTL,
	}, nil, logger)
	s := New(cfg, Deps{Intake: svc, Audit: f.store, Signer: f.signer, Logger: logger})
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func multipartBody(t *testing.T, fields map[string]string, file []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if file != nil {
		fw, err := mw.CreateFormFile("file", "clip.mp4")
		require.NoError(t, err)
		_, err = fw.Write(file)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func decode(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

func TestUploadAcceptsVideo(t *testing.T) {
	f := newFixture(t)
	body, ct := multipartBody(t, map[string]string{
		"owner_id":          "owner-1",
		"kind":              "post",
		"duration_ms":       "1500",
		"metadata.location": "Lisbon",
	}, append(append([]byte{}, mp4Header...), []byte("frames")...))

	resp, err := http.Post(f.srv.URL+"/media", ct, body)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var receipt intake.Receipt
	decode(t, resp, &receipt)
	require.Equal(t, intake.StateProcessing, receipt.State)
	require.Equal(t, []string{receipt.ID}, f.disp.dispatched())

	item, err := f.store.Get(context.Background(), receipt.ID)
	require.NoError(t, err)
	require.Equal(t, "video/mp4", item.ContentType)
	require.Equal(t, 1500*time.Millisecond, item.Duration)
	require.Equal(t, "Lisbon", item.Metadata["location"])
	require.Equal(t, model.KindPost, item.Kind)

	status, err := http.Get(f.srv.URL + "/media/" + receipt.ID)
	require.NoError(t, err)
	var view intake.View
	decode(t, status, &view)
	require.Equal(t, intake.StateProcessing, view.State)
}

func TestUploadRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	cases := map[string]struct {
		fields map[string]string
		file   []byte
	}{
		"no file":      {fields: map[string]string{"owner_id": "o", "kind": "post"}},
		"text file":    {fields: map[string]string{"owner_id": "o", "kind": "post"}, file: []byte("hello, not a video")},
		"unknown kind": {fields: map[string]string{"owner_id": "o", "kind": "story"}, file: mp4Header},
		"no owner":     {fields: map[string]string{"kind": "post"}, file: mp4Header},
		"bad duration": {fields: map[string]string{"owner_id": "o", "kind": "post", "duration_ms": "-3"}, file: mp4Header},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			body, ct := multipartBody(t, tc.fields, tc.file)
			resp, err := http.Post(f.srv.URL+"/media", ct, body)
			require.NoError(t, err)
			resp.Body.Close()
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
	require.Empty(t, f.disp.dispatched())
}

func TestStatusUnknownMediaIs404(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/media/nope")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuditRoutes(t *testing.T) {
	f := newFixture(t)
	uri := "s3://media/media/m-1"
	f.store.Put(&model.MediaItem{ID: "m-1", OwnerID: "owner-1", Kind: model.KindPost, Status: model.StatusAnalyzing, Attempts: 1, DurableURI: &uri})
	reason := "gore"
	_, err := f.store.RecordRejection(context.Background(), model.Rejection{
		Transition: model.Transition{ItemID: "m-1", From: model.StatusAnalyzing, To: model.StatusRejected, Attempt: 1, RejectionReason: &reason},
		Decision:   model.ModerationDecision{ID: "d-1", MediaItemID: "m-1", Outcome: model.OutcomeRejected, Categories: []string{"gore"}},
		Strike:     model.Strike{ID: "s-1", OwnerID: "owner-1", SubjectKind: model.KindPost, SubjectID: "m-1", Reason: reason, DecisionID: "d-1"},
	})
	require.NoError(t, err)

	resp, err := http.Get(f.srv.URL + "/media/m-1/decisions")
	require.NoError(t, err)
	var decisions struct {
		Decisions []model.ModerationDecision `json:"decisions"`
	}
	decode(t, resp, &decisions)
	require.Len(t, decisions.Decisions, 1)
	require.Equal(t, model.OutcomeRejected, decisions.Decisions[0].Outcome)

	resp, err = http.Get(f.srv.URL + "/accounts/owner-1/strikes")
	require.NoError(t, err)
	var strikes struct {
		Strikes []model.Strike `json:"strikes"`
	}
	decode(t, resp, &strikes)
	require.Len(t, strikes.Strikes, 1)
	require.Equal(t, "d-1", strikes.Strikes[0].DecisionID)

	resp, err = http.Get(f.srv.URL + "/media/m-1")
	require.NoError(t, err)
	var view intake.View
	decode(t, resp, &view)
	require.Equal(t, intake.StateNotAvailable, view.State)
}

func TestScreenEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Post(f.srv.URL+"/screen", "application/json", strings.NewReader(`{"text":"Hey there, how are you doing?"}`))
	require.NoError(t, err)
	var verdict textscreen.Verdict
	decode(t, resp, &verdict)
	require.False(t, verdict.Flagged)

	resp, err = http.Post(f.srv.URL+"/screen", "application/json", strings.NewReader(`{"text":"you subhuman"}`))
	require.NoError(t, err)
	decode(t, resp, &verdict)
	require.True(t, verdict.Flagged)
	require.Equal(t, textscreen.CategoryHateSpeech, verdict.Reason)
}

func TestPlayRedirectsOnlyWithValidSignature(t *testing.T) {
	f := newFixture(t)
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}

	expires := time.Now().Add(time.Minute).Unix()
	sig := f.signer.Sign("asset-1", expires)
	resp, err := client.Get(f.srv.URL + "/play/asset-1?expires=" + strconv.FormatInt(expires, 10) + "&sig=" + sig)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.Equal(t, "https://cdn.example.com/assets/asset-1/content", resp.Header.Get("Location"))

	resp, err = client.Get(f.srv.URL + "/play/asset-1?expires=" + strconv.FormatInt(expires, 10) + "&sig=forged")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get(f.srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}
