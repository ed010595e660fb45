package moderation

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/MediaGate/internal/analysis"
	"github.com/dharsanguruparan/MediaGate/internal/failure"
	"github.com/dharsanguruparan/MediaGate/internal/model"
)

func TestProcessApprovesCleanMedia(t *testing.T) {
	h := newHarness(t)
	item := h.submit("m-1")

	out, err := h.orchestrator().Process(context.Background(), "m-1")
	require.NoError(t, err)
	require.Equal(t, model.StatusApproved, out.Status)
	require.Equal(t, 1, out.Attempt)
	require.NotEmpty(t, out.AssetID)

	got := h.item("m-1")
	require.Equal(t, model.StatusApproved, got.Status)
	require.True(t, got.Active)
	require.NotNil(t, got.ActivatedAt)
	require.Equal(t, out.AssetID, *got.CDNAssetID)
	require.Equal(t, "s3://media/media/m-1", *got.DurableURI)
	require.Empty(t, got.TempPath)

	_, statErr := os.Stat(item.TempPath)
	require.True(t, os.IsNotExist(statErr), "temp file should be removed")

	decisions, err := h.store.ListDecisions(context.Background(), "m-1")
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	require.Equal(t, model.OutcomeApproved, decisions[0].Outcome)

	strikes, err := h.store.ListStrikes(context.Background(), "owner-1")
	require.NoError(t, err)
	require.Empty(t, strikes)
}

func TestProcessGreetingTranscriptApproves(t *testing.T) {
	h := newHarness(t)
	h.speech = saying("Hey guys, what's up? Good morning!")
	h.submit("m-1")

	out, err := h.orchestrator().Process(context.Background(), "m-1")
	require.NoError(t, err)
	require.Equal(t, model.StatusApproved, out.Status)
}

func TestProcessGreetingWithFlaggedVisualRejects(t *testing.T) {
	h := newHarness(t)
	h.speech = saying("Hey guys, what's up?")
	h.visual = cleanVisual(analysis.Detection{Category: "violence", Score: 0.93})
	h.submit("m-1")

	out, err := h.orchestrator().Process(context.Background(), "m-1")
	require.NoError(t, err)
	require.Equal(t, model.StatusRejected, out.Status)
	require.Equal(t, "violence", out.Reason)

	got := h.item("m-1")
	require.Equal(t, "violence", *got.RejectionReason)
	require.Nil(t, got.CDNAssetID)
	require.False(t, got.Active)
	require.False(t, h.objects.has("media/m-1"), "durable copy should be purged")

	strikes, err := h.store.ListStrikes(context.Background(), "owner-1")
	require.NoError(t, err)
	require.Len(t, strikes, 1)
	require.Equal(t, out.DecisionID, strikes[0].DecisionID)
	require.Equal(t, "m-1", strikes[0].SubjectID)
	require.Equal(t, model.KindPost, strikes[0].SubjectKind)
}

func TestProcessFlaggedTranscriptRejects(t *testing.T) {
	h := newHarness(t)
	h.speech = saying("hello there, kill yourself")
	h.submit("m-1")

	out, err := h.orchestrator().Process(context.Background(), "m-1")
	require.NoError(t, err)
	require.Equal(t, model.StatusRejected, out.Status)
	require.Equal(t, "threat", out.Reason)
}

func TestProcessTranscriptionTimeoutRejectsAsIncomplete(t *testing.T) {
	h := newHarness(t)
	h.speech = func(context.Context, string) analysis.Transcript {
		return analysis.TranscriptFailed(failure.Timeout)
	}
	h.submit("m-1")

	out, err := h.orchestrator().Process(context.Background(), "m-1")
	require.NoError(t, err)
	require.Equal(t, model.StatusRejected, out.Status)
	require.Equal(t, string(failure.AnalysisIncomplete), out.Reason)
	require.Zero(t, h.publisher.assetCount())

	strikes, err := h.store.ListStrikes(context.Background(), "owner-1")
	require.NoError(t, err)
	require.Len(t, strikes, 1)
	require.Equal(t, string(failure.AnalysisIncomplete), strikes[0].Reason)
}

func TestProcessRetriesTransientDurableUpload(t *testing.T) {
	h := newHarness(t)
	h.objects.putErrs = []error{transientErr(1), transientErr(2), transientErr(3)}
	h.submit("m-1")

	out, err := h.orchestrator().Process(context.Background(), "m-1")
	require.NoError(t, err)
	require.Equal(t, model.StatusApproved, out.Status)
	require.Equal(t, 4, h.objects.putCount())
}

func TestProcessPermanentDurableUploadFails(t *testing.T) {
	h := newHarness(t)
	h.objects.putErrs = []error{errPermanent}
	var analyzed int32
	h.visual = func(context.Context, string) analysis.Visual {
		atomic.AddInt32(&analyzed, 1)
		return analysis.VisualSucceeded(nil, nil)
	}
	item := h.submit("m-1")

	out, err := h.orchestrator().Process(context.Background(), "m-1")
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, out.Status)
	require.Equal(t, string(failure.PermanentServiceError), out.Reason)
	require.Equal(t, 1, h.objects.putCount())
	require.Zero(t, atomic.LoadInt32(&analyzed))

	got := h.item("m-1")
	require.Equal(t, string(failure.PermanentServiceError), *got.FailureReason)
	require.Nil(t, got.RejectionReason)
	_, statErr := os.Stat(item.TempPath)
	require.True(t, os.IsNotExist(statErr))

	strikes, err := h.store.ListStrikes(context.Background(), "owner-1")
	require.NoError(t, err)
	require.Empty(t, strikes, "failures never strike the owner")
}

func TestProcessMissingTempFileFailsWithoutClaim(t *testing.T) {
	h := newHarness(t)
	item := h.submit("m-1")
	require.NoError(t, os.Remove(item.TempPath))

	out, err := h.orchestrator().Process(context.Background(), "m-1")
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, out.Status)
	require.Equal(t, string(failure.SourceMissing), out.Reason)

	got := h.item("m-1")
	require.Zero(t, got.Attempts)
	require.Nil(t, got.DurableURI)
}

func TestProcessMissingTempFileWithDurableCopyContinues(t *testing.T) {
	h := newHarness(t)
	// Crashed after the durable put but before recording it.
	h.objects.objects["media/m-1"] = []byte("already uploaded")
	h.store.Put(&model.MediaItem{
		ID:          "m-1",
		OwnerID:     "owner-1",
		Kind:        model.KindPost,
		TempPath:    h.dir + "/gone.mp4",
		ContentType: "video/mp4",
		Status:      model.StatusUploadingDurable,
		Attempts:    1,
		UpdatedAt:   time.Now().UTC().Add(-time.Hour),
	})

	out, err := h.orchestrator().Process(context.Background(), "m-1")
	require.NoError(t, err)
	require.Equal(t, model.StatusApproved, out.Status)
	require.Equal(t, 2, out.Attempt)
	require.Zero(t, h.objects.putCount())
}

func TestProcessTerminalItemIsNoOp(t *testing.T) {
	h := newHarness(t)
	h.submit("m-1")
	o := h.orchestrator()

	first, err := o.Process(context.Background(), "m-1")
	require.NoError(t, err)
	require.False(t, first.NoOp)

	second, err := o.Process(context.Background(), "m-1")
	require.NoError(t, err)
	require.True(t, second.NoOp)
	require.Equal(t, model.StatusApproved, second.Status)
	require.Equal(t, 1, h.publisher.assetCount())
	require.Equal(t, 1, h.item("m-1").Attempts)
}

func TestProcessFreshTransientItemIsNotClaimable(t *testing.T) {
	h := newHarness(t)
	h.store.Put(&model.MediaItem{
		ID:        "m-1",
		OwnerID:   "owner-1",
		Kind:      model.KindPost,
		Status:    model.StatusUploadingDurable,
		Attempts:  1,
		UpdatedAt: time.Now().UTC(),
	})

	_, err := h.orchestrator().Process(context.Background(), "m-1")
	require.ErrorIs(t, err, ErrNotClaimable)
}

func TestProcessResumesStaleAnalyzingItem(t *testing.T) {
	h := newHarness(t)
	uri := "s3://media/media/m-1"
	h.objects.objects["media/m-1"] = []byte("durable")
	h.store.Put(&model.MediaItem{
		ID:          "m-1",
		OwnerID:     "owner-1",
		Kind:        model.KindComment,
		ContentType: "video/mp4",
		DurableURI:  &uri,
		Status:      model.StatusAnalyzing,
		Attempts:    1,
		UpdatedAt:   time.Now().UTC().Add(-20 * time.Minute),
	})

	out, err := h.orchestrator().Process(context.Background(), "m-1")
	require.NoError(t, err)
	require.Equal(t, model.StatusApproved, out.Status)
	require.Equal(t, 2, out.Attempt)
	require.Zero(t, h.objects.putCount(), "existing durable copy is reused")
}

func TestProcessAbandonsStaleItemAtAttemptCeiling(t *testing.T) {
	h := newHarness(t)
	var analyzed int32
	h.visual = func(context.Context, string) analysis.Visual {
		atomic.AddInt32(&analyzed, 1)
		return analysis.VisualSucceeded(nil, nil)
	}
	h.store.Put(&model.MediaItem{
		ID:        "m-1",
		OwnerID:   "owner-1",
		Kind:      model.KindPost,
		Status:    model.StatusUploadingDurable,
		Attempts:  3,
		UpdatedAt: time.Now().UTC().Add(-time.Hour),
	})

	out, err := h.orchestrator().Process(context.Background(), "m-1")
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, out.Status)
	require.Equal(t, string(failure.AbandonedAfterMaxRetries), out.Reason)
	require.Zero(t, atomic.LoadInt32(&analyzed))
	require.Equal(t, 3, h.item("m-1").Attempts)
}

func TestProcessPublishFailureFailsItem(t *testing.T) {
	h := newHarness(t)
	h.publisher.uploadErr = failure.Wrap(failure.PermanentServiceError, "cdn upload", errors.New("unsupported codec"))
	h.submit("m-1")

	out, err := h.orchestrator().Process(context.Background(), "m-1")
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, out.Status)
	require.Equal(t, PublishFailed+": "+string(failure.PermanentServiceError), out.Reason)

	got := h.item("m-1")
	require.Nil(t, got.CDNAssetID)
	require.False(t, got.Active)
	require.Zero(t, h.publisher.assetCount(), "orphan asset should be deleted")

	strikes, err := h.store.ListStrikes(context.Background(), "owner-1")
	require.NoError(t, err)
	require.Empty(t, strikes)
}

func TestProcessConcurrentInvocationsPublishOnce(t *testing.T) {
	h := newHarness(t)
	h.submit("m-1")
	o := h.orchestrator()

	const workers = 8
	var (
		wg        sync.WaitGroup
		published int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := o.Process(context.Background(), "m-1")
			if err == nil && !out.NoOp {
				atomic.AddInt32(&published, 1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&published))
	require.Equal(t, 1, h.publisher.assetCount())
	require.Equal(t, 1, h.objects.putCount())
	require.Equal(t, 1, h.item("m-1").Attempts)

	decisions, err := h.store.ListDecisions(context.Background(), "m-1")
	require.NoError(t, err)
	require.Len(t, decisions, 1)
}

func TestProcessConcurrentInvocationsStrikeOnce(t *testing.T) {
	h := newHarness(t)
	h.visual = cleanVisual(analysis.Detection{Category: "gore", Score: 0.97})
	h.submit("m-1")
	o := h.orchestrator()

	const workers = 8
	var (
		wg       sync.WaitGroup
		rejected int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := o.Process(context.Background(), "m-1")
			if err == nil && !out.NoOp && out.Status == model.StatusRejected {
				atomic.AddInt32(&rejected, 1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&rejected))
	require.Equal(t, model.StatusRejected, h.item("m-1").Status)
	require.Equal(t, 1, h.objects.deleteCount(), "durable copy purged once")

	decisions, err := h.store.ListDecisions(context.Background(), "m-1")
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	strikes, err := h.store.ListStrikes(context.Background(), "owner-1")
	require.NoError(t, err)
	require.Len(t, strikes, 1)
	require.Equal(t, decisions[0].ID, strikes[0].DecisionID)
}

func TestProcessDurableUploadTimeoutIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.durableTimeout = 20 * time.Millisecond
	h.objects.putDelay = 5 * time.Second
	h.submit("m-1")

	start := time.Now()
	out, err := h.orchestrator().Process(context.Background(), "m-1")
	require.NoError(t, err)
	require.Less(t, time.Since(start), 2*time.Second)
	require.Equal(t, model.StatusFailed, out.Status)
	require.Equal(t, string(failure.Timeout), out.Reason)
	require.Equal(t, 1, h.objects.putCount())
}

func TestProcessPublishTimeoutFailsItem(t *testing.T) {
	h := newHarness(t)
	h.publishTimeout = 20 * time.Millisecond
	h.publisher.uploadDelay = 5 * time.Second
	h.submit("m-1")

	out, err := h.orchestrator().Process(context.Background(), "m-1")
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, out.Status)
	require.Equal(t, PublishFailed+": "+string(failure.Timeout), out.Reason)
	require.Zero(t, h.publisher.assetCount(), "timed out asset should be deleted")
	require.Nil(t, h.item("m-1").CDNAssetID)
}

func TestProcessLostClaimLeavesNoSideEffects(t *testing.T) {
	h := newHarness(t)
	h.submit("m-1")
	var takeoverErr error
	h.visual = func(ctx context.Context, _ string) analysis.Visual {
		// The sweep takes the item over while this invocation is analyzing.
		h.store.Age("m-1", time.Hour)
		_, takeoverErr = h.store.Claim(ctx, model.Claim{
			ItemID:      "m-1",
			From:        model.StatusAnalyzing,
			Attempt:     1,
			StaleBefore: time.Now().UTC().Add(-15 * time.Minute),
		})
		return analysis.VisualSucceeded([]analysis.Detection{{Category: "gore", Score: 0.99}}, nil)
	}

	_, err := h.orchestrator().Process(context.Background(), "m-1")
	require.NoError(t, takeoverErr)
	require.ErrorIs(t, err, ErrNotClaimable)

	got := h.item("m-1")
	require.Equal(t, model.StatusUploadingDurable, got.Status)
	require.Equal(t, 2, got.Attempts)
	require.True(t, h.objects.has("media/m-1"), "new owner still needs the durable copy")

	strikes, err := h.store.ListStrikes(context.Background(), "owner-1")
	require.NoError(t, err)
	require.Empty(t, strikes)
}

func TestApprovedItemsAlwaysCarryAsset(t *testing.T) {
	h := newHarness(t)
	h.visual = func(_ context.Context, uri string) analysis.Visual {
		if uri == "s3://media/media/bad" {
			return analysis.VisualSucceeded([]analysis.Detection{{Category: "nudity", Score: 0.9}}, nil)
		}
		return analysis.VisualSucceeded(nil, nil)
	}
	o := h.orchestrator()
	for _, id := range []string{"ok-1", "bad", "ok-2"} {
		h.submit(id)
		_, err := o.Process(context.Background(), id)
		require.NoError(t, err)
	}

	for _, id := range []string{"ok-1", "bad", "ok-2"} {
		got := h.item(id)
		if got.Status == model.StatusApproved {
			require.NotNil(t, got.CDNAssetID, id)
			require.True(t, got.Active, id)
		} else {
			require.Nil(t, got.CDNAssetID, id)
			require.False(t, got.Active, id)
		}
	}
	require.Equal(t, model.StatusRejected, h.item("bad").Status)
}

func TestProcessRemovesTempFileWhenClaimTakenOver(t *testing.T) {
	h := newHarness(t)
	item := h.submit("m-1")
	var (
		calls       int32
		takeoverErr error
	)
	h.visual = func(ctx context.Context, _ string) analysis.Visual {
		if atomic.AddInt32(&calls, 1) == 1 {
			h.store.Age("m-1", time.Hour)
			_, takeoverErr = h.store.Claim(ctx, model.Claim{
				ItemID:      "m-1",
				From:        model.StatusAnalyzing,
				Attempt:     1,
				StaleBefore: time.Now().UTC().Add(-15 * time.Minute),
			})
		}
		return analysis.VisualSucceeded(nil, nil)
	}
	o := h.orchestrator()

	_, err := o.Process(context.Background(), "m-1")
	require.NoError(t, takeoverErr)
	require.ErrorIs(t, err, ErrNotClaimable)

	// The new owner crashes too; a later invocation resumes it.
	h.store.Age("m-1", time.Hour)
	out, err := o.Process(context.Background(), "m-1")
	require.NoError(t, err)
	require.Equal(t, model.StatusApproved, out.Status)

	_, statErr := os.Stat(item.TempPath)
	require.True(t, os.IsNotExist(statErr), "temp file should not outlive the invocation that stored it durably")
}

func TestProcessReceivedItemWithoutTempSkipsDurableLookup(t *testing.T) {
	h := newHarness(t)
	item := h.submit("m-1")
	require.NoError(t, os.Remove(item.TempPath))
	h.objects.objects["media/m-1"] = []byte("stray object")

	out, err := h.orchestrator().Process(context.Background(), "m-1")
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, out.Status)
	require.Equal(t, string(failure.SourceMissing), out.Reason)
	require.Zero(t, h.objects.putCount())
}
