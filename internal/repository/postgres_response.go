package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/mentionbridge/backend/internal/domain"
)

type postgresResponseRepository struct {
	conn Connection
}

func NewPostgresResponse(conn Connection) domain.ResponseRepository {
	return &postgresResponseRepository{conn: conn}
}

const responseColumns = `response_key, type, source_key, activity_json, response_json, status, leased_until, unsent, sent, error, failed, skipped`

func (p *postgresResponseRepository) fetch(ctx context.Context, query string, args ...interface{}) ([]domain.Response, error) {
	rows, err := p.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var resps []domain.Response
	for rows.Next() {
		var resp domain.Response
		var leasedUntil *time.Time
		if err := rows.Scan(
			&resp.Key,
			&resp.Type,
			&resp.SourceKey,
			&resp.ActivityJSON,
			&resp.ResponseJSON,
			&resp.Status,
			&leasedUntil,
			&resp.Unsent,
			&resp.Sent,
			&resp.Error,
			&resp.Failed,
			&resp.Skipped,
		); err != nil {
			return nil, err
		}
		if leasedUntil != nil {
			resp.LeasedUntil = *leasedUntil
		}
		resps = append(resps, resp)
	}
	return resps, nil
}

func (p *postgresResponseRepository) GetByKey(ctx context.Context, key string) (domain.Response, error) {
	query := fmt.Sprintf(`SELECT %s FROM responses WHERE response_key = $1`, responseColumns)

	resps, err := p.fetch(ctx, query, key)

	if err != nil {
		return domain.Response{}, err
	}
	if len(resps) == 0 {
		return domain.Response{}, domain.ErrNotFound
	}
	return resps[0], nil
}

func (p *postgresResponseRepository) CreateIfAbsent(ctx context.Context, resp *domain.Response) (bool, error) {
	if err := resp.Validate(); err != nil {
		return false, err
	}

	query := `
		INSERT INTO responses (response_key, type, source_key, activity_json, response_json, status, unsent, sent, error, failed, skipped)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (response_key) DO NOTHING`

	res, err := p.conn.Exec(
		ctx,
		query,
		resp.Key,
		resp.Type,
		resp.SourceKey,
		resp.ActivityJSON,
		resp.ResponseJSON,
		resp.Status,
		stringArray(resp.Unsent),
		stringArray(resp.Sent),
		stringArray(resp.Error),
		stringArray(resp.Failed),
		stringArray(resp.Skipped),
	)
	if err != nil {
		return false, err
	}

	return res.RowsAffected() == 1, nil
}

func (p *postgresResponseRepository) Update(ctx context.Context, resp *domain.Response) error {
	query := `
		UPDATE responses
		SET status = $2,
			leased_until = $3,
			unsent = $4,
			sent = $5,
			error = $6,
			failed = $7,
			skipped = $8
		WHERE response_key = $1`

	res, err := p.conn.Exec(
		ctx,
		query,
		resp.Key,
		resp.Status,
		nullableTime(resp.LeasedUntil),
		stringArray(resp.Unsent),
		stringArray(resp.Sent),
		stringArray(resp.Error),
		stringArray(resp.Failed),
		stringArray(resp.Skipped),
	)

	if err != nil {
		return err
	}
	if res.RowsAffected() != 1 {
		return fmt.Errorf("weird behaviour, total rows affected: %d", res.RowsAffected())
	}
	return nil
}

// Lease is the single compare-and-claim write guarding concurrent
// propagate runs: it only succeeds when the response is claimable right
// now, so two runs can never both hold it.
func (p *postgresResponseRepository) Lease(ctx context.Context, key string, until time.Time, now time.Time) error {
	query := `
		UPDATE responses
		SET status = 'processing',
			leased_until = $2
		WHERE response_key = $1
			AND (status IN ('new', 'error')
				OR (status = 'processing' AND (leased_until IS NULL OR leased_until <= $3)))`

	res, err := p.conn.Exec(ctx, query, key, until, now)
	if err != nil {
		return err
	}

	if res.RowsAffected() == 1 {
		return nil
	}

	if _, err := p.GetByKey(ctx, key); err != nil {
		return err
	}
	return domain.ErrLeaseHeld
}

func (p *postgresResponseRepository) ListRetryable(ctx context.Context, now time.Time, limit int) ([]domain.Response, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM responses
		WHERE status IN ('new', 'error')
			OR (status = 'processing' AND leased_until <= $1)
		ORDER BY leased_until NULLS FIRST
		LIMIT $2`, responseColumns)

	return p.fetch(ctx, query, now, limit)
}

// stringArray keeps empty buckets as empty arrays rather than NULLs.
func stringArray(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
