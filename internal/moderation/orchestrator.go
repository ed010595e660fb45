// Package moderation drives one media item from its temp file to a terminal
// status. Every status write is fenced on (status, attempts), so a worker
// whose claim was taken over by the recovery sweep stops without side effects.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dharsanguruparan/MediaGate/internal/analysis"
	"github.com/dharsanguruparan/MediaGate/internal/failure"
	"github.com/dharsanguruparan/MediaGate/internal/metrics"
	"github.com/dharsanguruparan/MediaGate/internal/model"
	"github.com/dharsanguruparan/MediaGate/internal/policy"
	"github.com/dharsanguruparan/MediaGate/internal/repository"
	"github.com/dharsanguruparan/MediaGate/internal/resilience"
	"github.com/dharsanguruparan/MediaGate/internal/textscreen"
)

// ErrNotClaimable means another invocation owns the item, either because it
// won the claim or because it took the claim over from this one.
var ErrNotClaimable = errors.New("media item not claimable")

// PublishFailed prefixes the failure reason of items whose CDN publish failed.
const PublishFailed = "PublishFailed"

// Outcome summarizes one Process call.
type Outcome struct {
	ItemID     string
	Status     model.ProcessingStatus
	Reason     string
	DecisionID string
	AssetID    string
	Attempt    int
	// NoOp is set when the item was already terminal.
	NoOp bool
}

// Config bounds one invocation. DurableTimeout and PublishTimeout cap each
// attempt against the object store and the CDN; zero leaves only ctx.
type Config struct {
	StalenessWindow time.Duration
	MaxAttempts     int
	Retry           resilience.RetryConfig
	DurableTimeout  time.Duration
	PublishTimeout  time.Duration
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Store       Store
	Objects     ObjectStore
	Publisher   Publisher
	Visual      VisualAnalyzer
	Transcriber Transcriber
	Screener    *textscreen.Screener
	Policy      *policy.Engine
	Metrics     *metrics.Pipeline
	Logger      logrus.FieldLogger
}

// Orchestrator runs the moderation pipeline.
type Orchestrator struct {
	cfg  Config
	deps Deps
	now  func() time.Time
}

// New builds an Orchestrator. Nil Screener and Policy fall back to defaults.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.StalenessWindow <= 0 {
		cfg.StalenessWindow = 15 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if deps.Screener == nil {
		deps.Screener = textscreen.New(textscreen.Options{})
	}
	if deps.Policy == nil {
		deps.Policy = policy.New(nil, nil)
	}
	return &Orchestrator{
		cfg:  cfg,
		deps: deps,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// AbandonTransition is the fenced write that gives up on a stale item whose
// attempt counter reached the ceiling.
func AbandonTransition(item *model.MediaItem, staleBefore time.Time) model.Transition {
	return model.Transition{
		ItemID:        item.ID,
		From:          item.Status,
		To:            model.StatusFailed,
		Attempt:       item.Attempts,
		StaleBefore:   staleBefore,
		ClearCDNAsset: true,
		FailureReason: model.StringPtr(string(failure.AbandonedAfterMaxRetries)),
	}
}

// Process moves the item identified by id as far as it can go. It returns
// ErrNotClaimable when another invocation owns the item; any other error is
// an infrastructure failure and leaves the item for the recovery sweep.
func (o *Orchestrator) Process(ctx context.Context, id string) (Outcome, error) {
	start := time.Now()
	defer o.deps.Metrics.ObserveProcess(start)
	log := o.deps.Logger.WithField("media_id", id)

	item, err := o.deps.Store.Get(ctx, id)
	if err != nil {
		return Outcome{}, fmt.Errorf("load media item: %w", err)
	}
	if item.Status.Terminal() {
		log.WithField("status", item.Status).Debug("media item already terminal")
		return Outcome{ItemID: id, Status: item.Status, Attempt: item.Attempts, NoOp: true}, nil
	}

	claim := model.Claim{ItemID: id, From: item.Status, Attempt: item.Attempts}
	if item.Status.Transient() {
		staleBefore := o.now().Add(-o.cfg.StalenessWindow)
		if !item.UpdatedAt.Before(staleBefore) {
			return Outcome{}, fmt.Errorf("%s is %s and fresh: %w", id, item.Status, ErrNotClaimable)
		}
		claim.StaleBefore = staleBefore
		if item.Attempts >= o.cfg.MaxAttempts {
			return o.abandon(ctx, item, staleBefore, log)
		}
	}

	if item.DurableURI == nil && !fileExists(item.TempPath) {
		// Only a claimed item can have been uploaded, so a received item
		// fails without touching the durable store.
		if item.Status == model.StatusReceived || !o.durableCopyExists(ctx, item, log) {
			return o.sourceMissing(ctx, item, claim.StaleBefore, log)
		}
	}

	claimed, err := o.deps.Store.Claim(ctx, claim)
	if err != nil {
		return Outcome{}, o.lost(err, "claim")
	}
	log = log.WithField("attempt", claimed.Attempts)
	log.Info("claimed media item")

	run := &invocation{o: o, item: claimed, tempPath: item.TempPath, log: log}
	defer run.cleanup()
	return run.execute(ctx)
}

func (o *Orchestrator) abandon(ctx context.Context, item *model.MediaItem, staleBefore time.Time, log logrus.FieldLogger) (Outcome, error) {
	if _, err := o.deps.Store.Transition(ctx, AbandonTransition(item, staleBefore)); err != nil {
		return Outcome{}, o.lost(err, "abandon")
	}
	reason := string(failure.AbandonedAfterMaxRetries)
	o.deps.Metrics.Outcome(string(model.StatusFailed), reason)
	log.WithField("attempts", item.Attempts).Warn("media item abandoned after max retries")
	removeTemp(item.TempPath, log)
	return Outcome{ItemID: item.ID, Status: model.StatusFailed, Reason: reason, Attempt: item.Attempts}, nil
}

// durableCopyExists covers a crash between the durable put and the status
// write that records it. Lookup errors count as present so the claimed run
// surfaces them through its own retries.
func (o *Orchestrator) durableCopyExists(ctx context.Context, item *model.MediaItem, log logrus.FieldLogger) bool {
	ctx, cancel := withTimeout(ctx, o.cfg.DurableTimeout)
	defer cancel()
	ok, err := o.deps.Objects.Exists(ctx, item.ObjectKey())
	if err != nil {
		log.WithError(err).Warn("durable copy lookup failed")
		return true
	}
	return ok
}

func (o *Orchestrator) sourceMissing(ctx context.Context, item *model.MediaItem, staleBefore time.Time, log logrus.FieldLogger) (Outcome, error) {
	reason := string(failure.SourceMissing)
	_, err := o.deps.Store.Transition(ctx, model.Transition{
		ItemID:        item.ID,
		From:          item.Status,
		To:            model.StatusFailed,
		Attempt:       item.Attempts,
		StaleBefore:   staleBefore,
		ClearTempPath: true,
		FailureReason: &reason,
	})
	if err != nil {
		return Outcome{}, o.lost(err, "mark source missing")
	}
	o.deps.Metrics.Outcome(string(model.StatusFailed), reason)
	log.WithField("temp_path", item.TempPath).Error("temp file missing and no durable copy")
	return Outcome{ItemID: item.ID, Status: model.StatusFailed, Reason: reason, Attempt: item.Attempts}, nil
}

// lost maps a CAS conflict to ErrNotClaimable and passes other errors through.
func (o *Orchestrator) lost(err error, step string) error {
	if errors.Is(err, repository.ErrConflict) {
		return fmt.Errorf("%s: %w", step, ErrNotClaimable)
	}
	return fmt.Errorf("%s: %w", step, err)
}

// invocation carries the state of one claimed run.
type invocation struct {
	o        *Orchestrator
	item     *model.MediaItem
	tempPath string
	log      logrus.FieldLogger
	terminal bool
}

func (r *invocation) cleanup() {
	if r.terminal {
		removeTemp(r.tempPath, r.log)
	}
}

func (r *invocation) execute(ctx context.Context) (Outcome, error) {
	o := r.o
	uri, err := r.storeDurable(ctx)
	if err != nil {
		return r.fail(ctx, string(failure.KindOf(err)), err)
	}
	if err := r.advance(ctx, model.Transition{
		ItemID:        r.item.ID,
		From:          model.StatusUploadingDurable,
		To:            model.StatusAnalyzing,
		Attempt:       r.item.Attempts,
		DurableURI:    &uri,
		ClearTempPath: true,
	}); err != nil {
		return Outcome{}, err
	}
	// The durable copy is now the source of truth and no later owner knows
	// the local path.
	removeTemp(r.tempPath, r.log)
	r.tempPath = ""

	visual, transcript := r.analyze(ctx, uri)
	var text textscreen.Verdict
	if transcript.Succeeded() && transcript.Text != "" {
		text = o.deps.Screener.Screen(transcript.Text)
		o.deps.Metrics.TextScreened(text.Flagged)
	}
	verdict := o.deps.Policy.Decide(visual, transcript, text)
	decision := model.ModerationDecision{
		ID:          uuid.NewString(),
		MediaItemID: r.item.ID,
		Outcome:     verdict.Outcome,
		Confidence:  verdict.Confidence,
		Reasoning:   verdict.Reasoning,
		Categories:  verdict.Categories,
		CreatedAt:   o.now(),
	}
	r.log.WithFields(logrus.Fields{
		"outcome":    verdict.Outcome,
		"reason":     verdict.Reason,
		"confidence": verdict.Confidence,
	}).Info("moderation verdict")

	if verdict.Rejected() {
		return r.reject(ctx, verdict, decision)
	}
	return r.approve(ctx, decision)
}

// storeDurable uploads the temp file unless the object already exists, with
// backoff on transient errors. Each attempt has its own deadline.
func (r *invocation) storeDurable(ctx context.Context) (string, error) {
	o := r.o
	key := r.item.ObjectKey()
	err := resilience.Run(ctx, func(ctx context.Context) error {
		return bounded(ctx, o.cfg.DurableTimeout, "durable upload", func(ctx context.Context) error {
			return r.putDurable(ctx, key)
		})
	}, r.retryPolicy("durable upload", o.deps.Metrics.DurableRetry))
	if err != nil {
		return "", err
	}
	return o.deps.Objects.URI(key), nil
}

func (r *invocation) putDurable(ctx context.Context, key string) error {
	o := r.o
	exists, err := o.deps.Objects.Exists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if r.tempPath == "" {
		return failure.Newf(failure.SourceMissing, "durable upload", "no temp file and no object at %s", key)
	}
	f, err := os.Open(r.tempPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return failure.Wrap(failure.SourceMissing, "durable upload", err)
		}
		return failure.Wrap(failure.PermanentServiceError, "durable upload: open temp file", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return failure.Wrap(failure.PermanentServiceError, "durable upload: stat temp file", err)
	}
	return o.deps.Objects.Put(ctx, key, f, info.Size(), r.item.ContentType)
}

func (r *invocation) analyze(ctx context.Context, uri string) (analysis.Visual, analysis.Transcript) {
	var (
		visual     analysis.Visual
		transcript analysis.Transcript
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		visual = r.o.deps.Visual.Analyze(gctx, uri)
		return nil
	})
	g.Go(func() error {
		transcript = r.o.deps.Transcriber.Transcribe(gctx, uri)
		return nil
	})
	_ = g.Wait()

	if !visual.Succeeded() {
		r.o.deps.Metrics.ChannelFailed("visual", string(visual.ErrorKind))
	}
	if !transcript.Succeeded() {
		r.o.deps.Metrics.ChannelFailed("transcription", string(transcript.ErrorKind))
	}
	return visual, transcript
}

func (r *invocation) approve(ctx context.Context, decision model.ModerationDecision) (Outcome, error) {
	o := r.o
	if err := o.deps.Store.AppendDecision(ctx, &decision); err != nil {
		return Outcome{}, fmt.Errorf("append decision: %w", err)
	}
	assetID, err := r.publish(ctx)
	if err != nil {
		out, failErr := r.fail(ctx, PublishFailed+": "+string(failure.KindOf(err)), err)
		out.DecisionID = decision.ID
		return out, failErr
	}
	if err := r.advance(ctx, model.Transition{
		ItemID:     r.item.ID,
		From:       model.StatusAnalyzing,
		To:         model.StatusApproved,
		Attempt:    r.item.Attempts,
		CDNAssetID: &assetID,
		Activate:   true,
	}); err != nil {
		return Outcome{}, err
	}
	r.terminal = true
	o.deps.Metrics.Outcome(string(model.StatusApproved), "")
	r.log.WithField("cdn_asset_id", assetID).Info("media item published")
	return Outcome{
		ItemID:     r.item.ID,
		Status:     model.StatusApproved,
		DecisionID: decision.ID,
		AssetID:    assetID,
		Attempt:    r.item.Attempts,
	}, nil
}

// publish finds or creates the CDN asset titled with the item id and uploads
// the durable copy into it. Each attempt has its own deadline.
func (r *invocation) publish(ctx context.Context) (string, error) {
	o := r.o
	var assetID string
	err := resilience.Run(ctx, func(ctx context.Context) error {
		return bounded(ctx, o.cfg.PublishTimeout, "cdn publish", func(ctx context.Context) error {
			id, found, err := o.deps.Publisher.FindAsset(ctx, r.item.ID)
			if err != nil {
				return err
			}
			if !found {
				if id, err = o.deps.Publisher.CreateAsset(ctx, r.item.ID); err != nil {
					return err
				}
			}
			assetID = id
			body, err := o.deps.Objects.Get(ctx, r.item.ObjectKey())
			if err != nil {
				return err
			}
			defer body.Close()
			return o.deps.Publisher.UploadContent(ctx, id, body, r.item.SizeBytes, r.item.ContentType)
		})
	}, r.retryPolicy("cdn publish", nil))
	if err != nil && assetID != "" {
		r.deleteAsset(ctx, assetID)
	}
	return assetID, err
}

func (r *invocation) reject(ctx context.Context, verdict policy.Verdict, decision model.ModerationDecision) (Outcome, error) {
	o := r.o
	reason := verdict.Reason
	rej := model.Rejection{
		Transition: model.Transition{
			ItemID:          r.item.ID,
			From:            model.StatusAnalyzing,
			To:              model.StatusRejected,
			Attempt:         r.item.Attempts,
			ClearCDNAsset:   true,
			RejectionReason: &reason,
		},
		Decision: decision,
		Strike: model.Strike{
			ID:          uuid.NewString(),
			OwnerID:     r.item.OwnerID,
			SubjectKind: r.item.Kind,
			SubjectID:   r.item.ID,
			Reason:      reason,
			DecisionID:  decision.ID,
			CreatedAt:   o.now(),
		},
	}
	if _, err := o.deps.Store.RecordRejection(ctx, rej); err != nil {
		return Outcome{}, o.lost(err, "record rejection")
	}
	r.terminal = true
	o.deps.Metrics.Outcome(string(model.StatusRejected), reason)
	r.log.WithFields(logrus.Fields{"reason": reason, "strike_id": rej.Strike.ID}).Info("media item rejected")

	r.purge(ctx)
	return Outcome{
		ItemID:     r.item.ID,
		Status:     model.StatusRejected,
		Reason:     reason,
		DecisionID: decision.ID,
		Attempt:    r.item.Attempts,
	}, nil
}

// purge removes the durable copy and any CDN asset of a rejected item. It runs
// after the rejection commits so a lost claim never destroys the source the
// new owner resumes from. Failures are logged only.
func (r *invocation) purge(ctx context.Context) {
	o := r.o
	delCtx, cancel := withTimeout(ctx, o.cfg.DurableTimeout)
	err := o.deps.Objects.Delete(delCtx, r.item.ObjectKey())
	cancel()
	if err != nil {
		r.log.WithError(err).Warn("purge durable object failed")
	}
	findCtx, cancel := withTimeout(ctx, o.cfg.PublishTimeout)
	defer cancel()
	id, found, err := o.deps.Publisher.FindAsset(findCtx, r.item.ID)
	if err != nil {
		r.log.WithError(err).Warn("lookup cdn asset for purge failed")
		return
	}
	if found {
		r.deleteAsset(ctx, id)
	}
}

func (r *invocation) deleteAsset(ctx context.Context, assetID string) {
	ctx, cancel := withTimeout(ctx, r.o.cfg.PublishTimeout)
	defer cancel()
	if err := r.o.deps.Publisher.DeleteAsset(ctx, assetID); err != nil {
		r.log.WithError(err).WithField("cdn_asset_id", assetID).Warn("delete cdn asset failed")
	}
}

// fail records a terminal failure. The reason is stored for operators only.
func (r *invocation) fail(ctx context.Context, reason string, cause error) (Outcome, error) {
	o := r.o
	current := r.item.Status
	if err := r.advance(ctx, model.Transition{
		ItemID:        r.item.ID,
		From:          current,
		To:            model.StatusFailed,
		Attempt:       r.item.Attempts,
		ClearCDNAsset: true,
		FailureReason: &reason,
	}); err != nil {
		return Outcome{}, err
	}
	r.terminal = true
	o.deps.Metrics.Outcome(string(model.StatusFailed), reason)
	r.log.WithError(cause).WithFields(logrus.Fields{"reason": reason, "from": current}).Error("media item failed")
	return Outcome{ItemID: r.item.ID, Status: model.StatusFailed, Reason: reason, Attempt: r.item.Attempts}, nil
}

// advance applies a fenced transition and tracks the new status.
func (r *invocation) advance(ctx context.Context, t model.Transition) error {
	next, err := r.o.deps.Store.Transition(ctx, t)
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			r.log.WithFields(logrus.Fields{"from": t.From, "to": t.To}).Warn("claim lost, abandoning invocation")
		}
		return r.o.lost(err, fmt.Sprintf("transition %s->%s", t.From, t.To))
	}
	r.item = next
	return nil
}

func (r *invocation) retryPolicy(step string, onRetry func()) failsafe.Policy[any] {
	log := r.log
	return resilience.NewRetryPolicy(r.o.cfg.Retry, func(attempt int, err error) {
		if onRetry != nil {
			onRetry()
		}
		log.WithError(err).WithFields(logrus.Fields{"step": step, "retry": attempt}).Warn("retrying after transient error")
	})
}

func withTimeout(ctx context.Context, limit time.Duration) (context.Context, context.CancelFunc) {
	if limit <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, limit)
}

// bounded runs fn under limit. Hitting that deadline, rather than the
// caller's, is reported as a Timeout so the retry policy does not repeat it.
func bounded(ctx context.Context, limit time.Duration, op string, fn func(ctx context.Context) error) error {
	callCtx, cancel := withTimeout(ctx, limit)
	defer cancel()
	err := fn(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return failure.Wrap(failure.Timeout, op, err)
	}
	return err
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func removeTemp(path string, log logrus.FieldLogger) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).WithField("temp_path", path).Warn("remove temp file failed")
	}
}
