// Package model contains simple struct definitions shared across packages.
package model

import (
	"time"
)

// ProcessingStatus describes the moderation lifecycle. received is the only
// initial state; approved, rejected and failed are terminal.
type ProcessingStatus string

const (
	StatusReceived         ProcessingStatus = "received"
	StatusUploadingDurable ProcessingStatus = "uploading_durable"
	StatusAnalyzing        ProcessingStatus = "analyzing"
	StatusApproved         ProcessingStatus = "approved"
	StatusRejected         ProcessingStatus = "rejected"
	StatusFailed           ProcessingStatus = "failed"
)

// TransientStatuses lists the states that must not outlive the staleness window.
var TransientStatuses = []ProcessingStatus{StatusUploadingDurable, StatusAnalyzing}

// Transient reports whether the status is an in-flight pipeline state.
func (s ProcessingStatus) Transient() bool {
	return s == StatusUploadingDurable || s == StatusAnalyzing
}

// Terminal reports whether no further transition is allowed.
func (s ProcessingStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusFailed
}

// Kind names where the media was posted.
type Kind string

const (
	KindPost          Kind = "post"
	KindThreadMessage Kind = "thread-message"
	KindComment       Kind = "comment"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindPost, KindThreadMessage, KindComment:
		return true
	}
	return false
}

// MediaItem is one user submission. Pointer fields map to nullable columns.
type MediaItem struct {
	ID              string            `json:"id"`
	OwnerID         string            `json:"ownerId"`
	Kind            Kind              `json:"kind"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	TempPath        string            `json:"-"`
	DurableURI      *string           `json:"durableUri,omitempty"`
	CDNAssetID      *string           `json:"cdnAssetId,omitempty"`
	ContentType     string            `json:"contentType"`
	SizeBytes       int64             `json:"sizeBytes"`
	Duration        time.Duration     `json:"duration"`
	Status          ProcessingStatus  `json:"processingStatus"`
	RejectionReason *string           `json:"rejectionReason,omitempty"`
	FailureReason   *string           `json:"-"`
	Attempts        int               `json:"attempts"`
	Active          bool              `json:"active"`
	ActivatedAt     *time.Time        `json:"activatedAt,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// ObjectKey is the durable-store key derived from the item id.
func (m *MediaItem) ObjectKey() string {
	return ObjectKeyFor(m.ID)
}

// ObjectKeyFor returns the durable-store key for a media id.
func ObjectKeyFor(id string) string {
	return "media/" + id
}

// Clone returns a deep copy so stores can hand out records without sharing
// pointer fields with callers.
func (m *MediaItem) Clone() *MediaItem {
	cp := *m
	if m.Metadata != nil {
		cp.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			cp.Metadata[k] = v
		}
	}
	cp.DurableURI = cloneString(m.DurableURI)
	cp.CDNAssetID = cloneString(m.CDNAssetID)
	cp.RejectionReason = cloneString(m.RejectionReason)
	cp.FailureReason = cloneString(m.FailureReason)
	if m.ActivatedAt != nil {
		t := *m.ActivatedAt
		cp.ActivatedAt = &t
	}
	return &cp
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// StringPtr is a small helper for optional columns.
func StringPtr(s string) *string {
	return &s
}
