// Package repository persists media items, moderation decisions, and strikes
// in Postgres. Every status change is a compare-and-swap on (status, attempts)
// so concurrent workers and the recovery sweep cannot both win.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dharsanguruparan/MediaGate/internal/model"
)

const mediaColumns = `id, owner_id, kind, metadata, temp_path, durable_uri, cdn_asset_id,
	content_type, size_bytes, duration_ms, status, rejection_reason, failure_reason,
	attempts, active, activated_at, created_at, updated_at`

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// MediaRepository wraps all SQL used by the api, worker, and sweep.
type MediaRepository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewMediaRepository constructs a repository.
func NewMediaRepository(pool *pgxpool.Pool) *MediaRepository {
	return &MediaRepository{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Create inserts a received item. Submitting the same content twice is a
// no-op: created is false and item is overwritten with the stored row.
func (r *MediaRepository) Create(ctx context.Context, item *model.MediaItem) (bool, error) {
	now := r.now()
	item.Status = model.StatusReceived
	item.Attempts = 0
	item.CreatedAt = now
	item.UpdatedAt = now
	metadata := item.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO media_items (id, owner_id, kind, metadata, temp_path, content_type, size_bytes,
			duration_ms, status, attempts, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,0,FALSE,$10,$10)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.OwnerID, item.Kind, metadata, item.TempPath, item.ContentType, item.SizeBytes,
		item.Duration.Milliseconds(), item.Status, now)
	if err != nil {
		return false, fmt.Errorf("insert media item: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	existing, err := r.Get(ctx, item.ID)
	if err != nil {
		return false, err
	}
	*item = *existing
	return false, nil
}

// Get returns a media item by id.
func (r *MediaRepository) Get(ctx context.Context, id string) (*model.MediaItem, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+mediaColumns+` FROM media_items WHERE id=$1`, id)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("media item %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("select media item: %w", err)
	}
	return item, nil
}

// Claim moves the item into uploading_durable and increments its attempt
// counter, provided nobody else changed it since the caller looked.
func (r *MediaRepository) Claim(ctx context.Context, c model.Claim) (*model.MediaItem, error) {
	if err := refuseTerminal(c.ItemID, c.From); err != nil {
		return nil, err
	}
	now := r.now()
	args := []any{model.StatusUploadingDurable, now, c.ItemID, c.From, c.Attempt}
	where := "id=$3 AND status=$4 AND attempts=$5"
	if !c.StaleBefore.IsZero() {
		args = append(args, c.StaleBefore)
		where += " AND updated_at < $6"
	}
	row := r.pool.QueryRow(ctx, `
		UPDATE media_items SET status=$1, attempts=attempts+1, updated_at=$2
		WHERE `+where+`
		RETURNING `+mediaColumns, args...)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.missOrConflict(ctx, r.pool, c.ItemID)
		}
		return nil, fmt.Errorf("claim media item: %w", err)
	}
	return item, nil
}

// Transition applies a fenced status change.
func (r *MediaRepository) Transition(ctx context.Context, t model.Transition) (*model.MediaItem, error) {
	return r.transition(ctx, r.pool, t)
}

func (r *MediaRepository) transition(ctx context.Context, q querier, t model.Transition) (*model.MediaItem, error) {
	if err := refuseTerminal(t.ItemID, t.From); err != nil {
		return nil, err
	}
	sql, args := buildTransition(t, r.now())
	item, err := scanItem(q.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.missOrConflict(ctx, q, t.ItemID)
		}
		return nil, fmt.Errorf("transition %s %s->%s: %w", t.ItemID, t.From, t.To, err)
	}
	return item, nil
}

// refuseTerminal rejects any write whose expected status is terminal.
func refuseTerminal(id string, from model.ProcessingStatus) error {
	if from.Terminal() {
		return fmt.Errorf("media item %s is %s: %w", id, from, ErrConflict)
	}
	return nil
}

// buildTransition renders the UPDATE for t. Split out so the SQL shape can be
// unit tested without a database.
func buildTransition(t model.Transition, now time.Time) (string, []any) {
	args := []any{t.To, now}
	sets := []string{"status=$1", "updated_at=$2"}
	add := func(expr string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}
	if t.DurableURI != nil {
		add("durable_uri=$%d", *t.DurableURI)
	}
	switch {
	case t.CDNAssetID != nil:
		add("cdn_asset_id=$%d", *t.CDNAssetID)
	case t.ClearCDNAsset:
		sets = append(sets, "cdn_asset_id=NULL")
	}
	if t.ClearTempPath {
		sets = append(sets, "temp_path=''")
	}
	if t.RejectionReason != nil {
		add("rejection_reason=$%d", *t.RejectionReason)
	}
	if t.FailureReason != nil {
		add("failure_reason=$%d", *t.FailureReason)
	}
	if t.Activate {
		sets = append(sets, "active=TRUE")
		add("activated_at=$%d", now)
	} else if t.To != model.StatusApproved {
		sets = append(sets, "active=FALSE")
	}

	args = append(args, t.ItemID, t.From, t.Attempt)
	n := len(args)
	where := fmt.Sprintf("id=$%d AND status=$%d AND attempts=$%d", n-2, n-1, n)
	if !t.StaleBefore.IsZero() {
		args = append(args, t.StaleBefore)
		where += fmt.Sprintf(" AND updated_at < $%d", len(args))
	}
	sql := "UPDATE media_items SET " + strings.Join(sets, ", ") +
		" WHERE " + where + " RETURNING " + mediaColumns
	return sql, args
}

// missOrConflict distinguishes a lost CAS from a missing row.
func (r *MediaRepository) missOrConflict(ctx context.Context, q querier, id string) error {
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM media_items WHERE id=$1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check media item: %w", err)
	}
	if !exists {
		return fmt.Errorf("media item %s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("media item %s: %w", id, ErrConflict)
}

// ListStale returns items in one of statuses whose updated_at is before the
// cutoff, oldest first.
func (r *MediaRepository) ListStale(ctx context.Context, statuses []model.ProcessingStatus, before time.Time, limit int) ([]*model.MediaItem, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+mediaColumns+` FROM media_items
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3
	`, names, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale media items: %w", err)
	}
	defer rows.Close()
	var out []*model.MediaItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale media item: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale media items: %w", err)
	}
	return out, nil
}

func scanItem(row pgx.Row) (*model.MediaItem, error) {
	var (
		item       model.MediaItem
		durationMS int64
	)
	err := row.Scan(
		&item.ID, &item.OwnerID, &item.Kind, &item.Metadata, &item.TempPath,
		&item.DurableURI, &item.CDNAssetID, &item.ContentType, &item.SizeBytes,
		&durationMS, &item.Status, &item.RejectionReason, &item.FailureReason,
		&item.Attempts, &item.Active, &item.ActivatedAt, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	item.Duration = time.Duration(durationMS) * time.Millisecond
	return &item, nil
}
