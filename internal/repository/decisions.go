package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/dharsanguruparan/MediaGate/internal/model"
)

// AppendDecision inserts an immutable decision record.
func (r *MediaRepository) AppendDecision(ctx context.Context, d *model.ModerationDecision) error {
	return insertDecision(ctx, r.pool, d)
}

// RecordRejection commits the rejected status, its decision, and the owner's
// strike in one transaction. A lost CAS rolls everything back and returns
// ErrConflict.
func (r *MediaRepository) RecordRejection(ctx context.Context, rej model.Rejection) (*model.MediaItem, error) {
	var item *model.MediaItem
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		item, err = r.transition(ctx, tx, rej.Transition)
		if err != nil {
			return err
		}
		if err := insertDecision(ctx, tx, &rej.Decision); err != nil {
			return err
		}
		return issueStrike(ctx, tx, &rej.Strike)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

func insertDecision(ctx context.Context, q querier, d *model.ModerationDecision) error {
	categories := d.Categories
	if categories == nil {
		categories = []string{}
	}
	_, err := q.Exec(ctx, `
		INSERT INTO moderation_decisions (id, media_item_id, outcome, confidence, reasoning, categories, moderator_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, d.ID, d.MediaItemID, d.Outcome, d.Confidence, d.Reasoning, categories, d.ModeratorID, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// issueStrike relies on the UNIQUE decision_id constraint: a second strike
// for the same decision fails the enclosing transaction.
func issueStrike(ctx context.Context, q querier, s *model.Strike) error {
	_, err := q.Exec(ctx, `
		INSERT INTO strikes (id, owner_id, subject_kind, subject_id, reason, decision_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, s.ID, s.OwnerID, s.SubjectKind, s.SubjectID, s.Reason, s.DecisionID, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("issue strike: %w", err)
	}
	return nil
}

// ListDecisions returns the audit history of one item, oldest first.
func (r *MediaRepository) ListDecisions(ctx context.Context, itemID string) ([]model.ModerationDecision, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, media_item_id, outcome, confidence, reasoning, categories, moderator_id, created_at
		FROM moderation_decisions WHERE media_item_id=$1 ORDER BY created_at, id
	`, itemID)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()
	out := []model.ModerationDecision{}
	for rows.Next() {
		var d model.ModerationDecision
		if err := rows.Scan(&d.ID, &d.MediaItemID, &d.Outcome, &d.Confidence, &d.Reasoning, &d.Categories, &d.ModeratorID, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return out, nil
}

// ListStrikes returns every strike issued to owner, oldest first.
func (r *MediaRepository) ListStrikes(ctx context.Context, ownerID string) ([]model.Strike, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, owner_id, subject_kind, subject_id, reason, decision_id, created_at
		FROM strikes WHERE owner_id=$1 ORDER BY created_at, id
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list strikes: %w", err)
	}
	defer rows.Close()
	out := []model.Strike{}
	for rows.Next() {
		var s model.Strike
		if err := rows.Scan(&s.ID, &s.OwnerID, &s.SubjectKind, &s.SubjectID, &s.Reason, &s.DecisionID, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan strike: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate strikes: %w", err)
	}
	return out, nil
}
