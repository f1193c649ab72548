package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lodgeworks/dispatchq/internal/domain"
)

type pgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore returns a Store backed by PostgreSQL.
func NewPgStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

const itemColumns = `id, kind, target, payload, metadata, priority, status,
		retry_count, max_retries, next_retry_at, owner_id, sent_at,
		error_message, quarantined, created_at, updated_at`

func (s *pgStore) Insert(ctx context.Context, item *domain.QueueItem) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO queue_items
			(id, kind, target, payload, metadata, priority, status,
			 retry_count, max_retries, next_retry_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		item.ID, item.Kind, item.Target, item.Payload, item.Metadata,
		item.Priority, item.Status, item.RetryCount, item.MaxRetries,
		item.NextRetryAt, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert queue item: %w", err)
	}
	return nil
}

func (s *pgStore) GetByID(ctx context.Context, id string) (*domain.QueueItem, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+itemColumns+`
		FROM queue_items WHERE id = $1`, id)

	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return item, err
}

func (s *pgStore) FindDedupCandidates(ctx context.Context, kind domain.Kind, target string, since time.Time) ([]*domain.QueueItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+itemColumns+`
		FROM queue_items
		WHERE kind = $1
		  AND target = $2
		  AND created_at >= $3
		  AND status IN ('pending', 'processing')
		ORDER BY created_at ASC`, kind, target, since)
	if err != nil {
		return nil, fmt.Errorf("find dedup candidates: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// ClaimBatch implements the atomic select-then-claim in a single statement:
// the inner SELECT picks candidates with FOR UPDATE SKIP LOCKED and the
// outer UPDATE re-checks status = 'pending', so a row flipped to processing
// by a concurrent claimer between planning and execution matches zero rows.
// RETURNING yields exactly the rows this worker won.
func (s *pgStore) ClaimBatch(ctx context.Context, ownerID string, limit int) ([]*domain.QueueItem, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE queue_items
		SET status = 'processing', owner_id = $1, updated_at = now()
		WHERE id IN (
			SELECT id FROM queue_items
			WHERE status = 'pending'
			  AND (next_retry_at IS NULL OR next_retry_at <= now())
			  AND retry_count < max_retries
			ORDER BY (priority = 'critical') DESC, created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		  AND status = 'pending'
		RETURNING `+itemColumns, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}

	// RETURNING order is not the claim order; restore critical-first FIFO
	// so the dispatcher processes the batch in the guaranteed order.
	sortClaimOrder(items)
	return items, nil
}

func (s *pgStore) MarkSent(ctx context.Context, id string, sentAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE queue_items
		SET status = 'sent', sent_at = $1, error_message = NULL,
		    owner_id = NULL, updated_at = now()
		WHERE id = $2 AND status = 'processing'`, sentAt, id)
	return err
}

func (s *pgStore) ScheduleRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE queue_items
		SET status = 'pending', retry_count = $1, next_retry_at = $2,
		    error_message = $3, owner_id = NULL, updated_at = now()
		WHERE id = $4 AND status = 'processing' AND retry_count = $5`,
		retryCount, nextRetryAt, errMsg, id, retryCount-1)
	return err
}

func (s *pgStore) MarkFailed(ctx context.Context, id string, retryCount int, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE queue_items
		SET status = 'failed', retry_count = $1, error_message = $2,
		    next_retry_at = NULL, owner_id = NULL, updated_at = now()
		WHERE id = $3 AND status NOT IN ('sent', 'cancelled')`, retryCount, errMsg, id)
	return err
}

func (s *pgStore) Release(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE queue_items
		SET status = 'pending', owner_id = NULL, updated_at = now()
		WHERE id = $1 AND status = 'processing'`, id)
	return err
}

func (s *pgStore) Cancel(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_items
		SET status = 'cancelled', owner_id = NULL, updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'failed', 'processing')`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Zero rows: either missing, already terminal, or already cancelled.
	item, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	switch item.Status {
	case domain.StatusCancelled:
		return nil // already satisfied
	case domain.StatusSent:
		return domain.ErrAlreadySent
	default:
		return domain.ErrNotCancellable
	}
}

func (s *pgStore) Reap(ctx context.Context, olderThan time.Time) (int, int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("begin reap: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Exhausted items go to failed rather than back to pending, otherwise
	// they would be reclaimed forever without ever becoming claimable.
	failedTag, err := tx.Exec(ctx, `
		UPDATE queue_items
		SET status = 'failed', owner_id = NULL,
		    error_message = COALESCE(error_message, 'abandoned by crashed worker'),
		    updated_at = now()
		WHERE status = 'processing' AND updated_at < $1
		  AND retry_count >= max_retries`, olderThan)
	if err != nil {
		return 0, 0, fmt.Errorf("reap exhausted: %w", err)
	}

	// Retry count stays untouched: a crash is not a delivery failure.
	reclaimedTag, err := tx.Exec(ctx, `
		UPDATE queue_items
		SET status = 'pending', owner_id = NULL, updated_at = now()
		WHERE status = 'processing' AND updated_at < $1
		  AND retry_count < max_retries`, olderThan)
	if err != nil {
		return 0, 0, fmt.Errorf("reap stuck: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("commit reap: %w", err)
	}
	return int(reclaimedTag.RowsAffected()), int(failedTag.RowsAffected()), nil
}

func (s *pgStore) MarkQuarantined(ctx context.Context, id string, note string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE queue_items
		SET quarantined = TRUE, error_message = $1, updated_at = now()
		WHERE id = $2 AND status NOT IN ('sent', 'cancelled')`, note, id)
	return err
}

func (s *pgStore) Stats(ctx context.Context) (domain.Stats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM queue_items GROUP BY status`)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	var stats domain.Stats
	for rows.Next() {
		var status domain.Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return domain.Stats{}, err
		}
		switch status {
		case domain.StatusPending:
			stats.Pending = count
		case domain.StatusProcessing:
			stats.Processing = count
		case domain.StatusSent:
			stats.Sent = count
		case domain.StatusFailed:
			stats.Failed = count
		case domain.StatusCancelled:
			stats.Cancelled = count
		}
		stats.Total += count
	}
	return stats, rows.Err()
}

// Search degrades gracefully to ILIKE substring matching: no full-text index
// is required, and metadata is matched through its jsonb text form.
func (s *pgStore) Search(ctx context.Context, f domain.SearchFilter) ([]*domain.QueueItem, error) {
	var conditions []string
	var args []any

	add := func(condition string, val any) {
		args = append(args, val)
		conditions = append(conditions, fmt.Sprintf(condition, len(args)))
	}

	if f.Term != "" {
		args = append(args, "%"+f.Term+"%")
		n := len(args)
		conditions = append(conditions, fmt.Sprintf(
			`(target ILIKE $%d OR metadata::text ILIKE $%d OR error_message ILIKE $%d
			  OR encode(payload, 'escape') ILIKE $%d)`, n, n, n, n))
	}
	if f.Status != nil {
		add("status = $%d", *f.Status)
	}
	if f.Kind != nil {
		add("kind = $%d", *f.Kind)
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT %s
		FROM queue_items%s
		ORDER BY created_at DESC
		LIMIT $%d`, itemColumns, where, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search queue items: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

func (s *pgStore) CountSentInWindow(ctx context.Context, windowStart time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM queue_items
		WHERE status = 'sent' AND sent_at >= $1`, windowStart).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count sent in window: %w", err)
	}
	return count, nil
}

// ---- helpers ----

// scanItem reads a single queue item row from any pgx row type.
// Metadata is scanned as a raw blob and decoded leniently: a corrupt blob
// marks the item instead of failing the whole read.
func scanItem(row pgx.Row) (*domain.QueueItem, error) {
	var item domain.QueueItem
	var metaRaw []byte
	err := row.Scan(
		&item.ID, &item.Kind, &item.Target, &item.Payload, &metaRaw,
		&item.Priority, &item.Status, &item.RetryCount, &item.MaxRetries,
		&item.NextRetryAt, &item.OwnerID, &item.SentAt,
		&item.ErrorMessage, &item.Quarantined,
		&item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	meta, decErr := domain.DecodeMetadata(metaRaw)
	if decErr != nil {
		item.MetadataCorrupt = true
	}
	item.Metadata = meta
	return &item, nil
}

func scanItems(rows pgx.Rows) ([]*domain.QueueItem, error) {
	var result []*domain.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	return result, rows.Err()
}
