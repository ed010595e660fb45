// Package storage contains the in-memory persistence layer used by standalone
// mode and tests. It honors the same compare-and-swap contract as the Postgres
// repository.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dharsanguruparan/MediaGate/internal/model"
	"github.com/dharsanguruparan/MediaGate/internal/repository"
)

// MemoryStore keeps media items, decisions, and strikes in maps guarded by a
// single RWMutex, so every CAS is atomic with respect to every other write.
type MemoryStore struct {
	mu        sync.RWMutex
	items     map[string]*model.MediaItem
	decisions []model.ModerationDecision
	strikes   []model.Strike
	// Now is the store clock. Tests replace it to age items past the
	// staleness window.
	Now func() time.Time
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*model.MediaItem),
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

// Create inserts a received item; an existing id leaves the store unchanged.
func (m *MemoryStore) Create(_ context.Context, item *model.MediaItem) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.items[item.ID]; ok {
		*item = *existing.Clone()
		return false, nil
	}
	now := m.Now()
	item.Status = model.StatusReceived
	item.Attempts = 0
	item.CreatedAt = now
	item.UpdatedAt = now
	m.items[item.ID] = item.Clone()
	return true, nil
}

// Put stores item verbatim. It exists for seeding fixtures.
func (m *MemoryStore) Put(item *model.MediaItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.ID] = item.Clone()
}

// Get returns a copy of the item.
func (m *MemoryStore) Get(_ context.Context, id string) (*model.MediaItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("media item %s: %w", id, repository.ErrNotFound)
	}
	return item.Clone(), nil
}

// Claim moves the item into uploading_durable and bumps its attempt counter.
func (m *MemoryStore) Claim(_ context.Context, c model.Claim) (*model.MediaItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, err := m.matchLocked(c.ItemID, c.From, c.Attempt, c.StaleBefore)
	if err != nil {
		return nil, err
	}
	item.Status = model.StatusUploadingDurable
	item.Attempts++
	item.UpdatedAt = m.Now()
	return item.Clone(), nil
}

// Transition applies a fenced status change.
func (m *MemoryStore) Transition(_ context.Context, t model.Transition) (*model.MediaItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, err := m.matchLocked(t.ItemID, t.From, t.Attempt, t.StaleBefore)
	if err != nil {
		return nil, err
	}
	next := item.Clone()
	applyTransition(next, t, m.Now())
	if err := checkInvariants(next); err != nil {
		return nil, err
	}
	m.items[t.ItemID] = next
	return next.Clone(), nil
}

// AppendDecision stores an immutable decision.
func (m *MemoryStore) AppendDecision(_ context.Context, d *model.ModerationDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, cloneDecision(*d))
	return nil
}

// RecordRejection applies the rejection CAS, decision, and strike together.
func (m *MemoryStore) RecordRejection(_ context.Context, rej model.Rejection) (*model.MediaItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := rej.Transition
	item, err := m.matchLocked(t.ItemID, t.From, t.Attempt, t.StaleBefore)
	if err != nil {
		return nil, err
	}
	for _, s := range m.strikes {
		if s.DecisionID == rej.Strike.DecisionID {
			return nil, fmt.Errorf("issue strike: decision %s already has a strike", s.DecisionID)
		}
	}
	next := item.Clone()
	applyTransition(next, t, m.Now())
	if err := checkInvariants(next); err != nil {
		return nil, err
	}
	m.items[t.ItemID] = next
	m.decisions = append(m.decisions, cloneDecision(rej.Decision))
	m.strikes = append(m.strikes, rej.Strike)
	return next.Clone(), nil
}

// ListStale returns items in statuses last updated before the cutoff, oldest
// first.
func (m *MemoryStore) ListStale(_ context.Context, statuses []model.ProcessingStatus, before time.Time, limit int) ([]*model.MediaItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[model.ProcessingStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []*model.MediaItem
	for _, item := range m.items {
		if want[item.Status] && item.UpdatedAt.Before(before) {
			out = append(out, item.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListDecisions returns the decisions recorded for itemID in insertion order.
func (m *MemoryStore) ListDecisions(_ context.Context, itemID string) ([]model.ModerationDecision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []model.ModerationDecision{}
	for _, d := range m.decisions {
		if d.MediaItemID == itemID {
			out = append(out, cloneDecision(d))
		}
	}
	return out, nil
}

// ListStrikes returns the strikes issued to ownerID in insertion order.
func (m *MemoryStore) ListStrikes(_ context.Context, ownerID string) ([]model.Strike, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []model.Strike{}
	for _, s := range m.strikes {
		if s.OwnerID == ownerID {
			out = append(out, s)
		}
	}
	return out, nil
}

// Age shifts an item's updatedAt into the past, letting tests simulate a
// crashed worker.
func (m *MemoryStore) Age(id string, by time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item, ok := m.items[id]; ok {
		item.UpdatedAt = item.UpdatedAt.Add(-by)
	}
}

func (m *MemoryStore) matchLocked(id string, from model.ProcessingStatus, attempt int, staleBefore time.Time) (*model.MediaItem, error) {
	item, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("media item %s: %w", id, repository.ErrNotFound)
	}
	if from.Terminal() {
		return nil, fmt.Errorf("media item %s is %s: %w", id, from, repository.ErrConflict)
	}
	if item.Status != from || item.Attempts != attempt {
		return nil, fmt.Errorf("media item %s is %s/%d, want %s/%d: %w", id, item.Status, item.Attempts, from, attempt, repository.ErrConflict)
	}
	if !staleBefore.IsZero() && !item.UpdatedAt.Before(staleBefore) {
		return nil, fmt.Errorf("media item %s still fresh: %w", id, repository.ErrConflict)
	}
	return item, nil
}

func applyTransition(item *model.MediaItem, t model.Transition, now time.Time) {
	item.Status = t.To
	item.UpdatedAt = now
	if t.DurableURI != nil {
		item.DurableURI = model.StringPtr(*t.DurableURI)
	}
	switch {
	case t.CDNAssetID != nil:
		item.CDNAssetID = model.StringPtr(*t.CDNAssetID)
	case t.ClearCDNAsset:
		item.CDNAssetID = nil
	}
	if t.ClearTempPath {
		item.TempPath = ""
	}
	if t.RejectionReason != nil {
		item.RejectionReason = model.StringPtr(*t.RejectionReason)
	}
	if t.FailureReason != nil {
		item.FailureReason = model.StringPtr(*t.FailureReason)
	}
	if t.Activate {
		item.Active = true
		at := now
		item.ActivatedAt = &at
	} else if t.To != model.StatusApproved {
		item.Active = false
	}
}

// checkInvariants mirrors the Postgres CHECK constraints.
func checkInvariants(item *model.MediaItem) error {
	if item.CDNAssetID != nil && item.Status != model.StatusApproved {
		return fmt.Errorf("media item %s: cdn asset set while %s", item.ID, item.Status)
	}
	if item.Active && item.Status != model.StatusApproved {
		return fmt.Errorf("media item %s: active while %s", item.ID, item.Status)
	}
	if item.DurableURI == nil {
		switch item.Status {
		case model.StatusAnalyzing, model.StatusApproved, model.StatusRejected:
			return fmt.Errorf("media item %s: %s without durable uri", item.ID, item.Status)
		}
	}
	return nil
}

func cloneDecision(d model.ModerationDecision) model.ModerationDecision {
	if d.Categories != nil {
		d.Categories = append([]string(nil), d.Categories...)
	}
	return d
}
