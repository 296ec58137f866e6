package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/mentionbridge/backend/internal/domain"
)

type postgresSourceRepository struct {
	conn Connection
}

func NewPostgresSource(conn Connection) domain.SourceRepository {
	return &postgresSourceRepository{conn: conn}
}

func (p *postgresSourceRepository) fetch(ctx context.Context, query string, args ...interface{}) ([]domain.Source, error) {
	rows, err := p.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var srcs []domain.Source
	for rows.Next() {
		var src domain.Source
		var lastPolled *time.Time
		if err := rows.Scan(
			&src.Key,
			&src.Silo,
			&src.Name,
			&src.URL,
			&src.Status,
			&src.AccessToken,
			&lastPolled,
			&src.LastActivityID,
			&src.LastActivitiesETag,
		); err != nil {
			return nil, err
		}
		if lastPolled != nil {
			src.LastPolled = *lastPolled
		}
		srcs = append(srcs, src)
	}
	return srcs, nil
}

func (p *postgresSourceRepository) GetByKey(ctx context.Context, key string) (domain.Source, error) {
	query := `
		SELECT source_key, silo, name, url, status, access_token, last_polled, last_activity_id, last_activities_etag
		FROM sources
		WHERE source_key = $1`

	srcs, err := p.fetch(ctx, query, key)

	if err != nil {
		return domain.Source{}, err
	}
	if len(srcs) == 0 {
		return domain.Source{}, domain.ErrNotFound
	}
	return srcs[0], nil
}

func (p *postgresSourceRepository) CreateOrUpdate(ctx context.Context, src *domain.Source) error {
	if err := src.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO sources (source_key, silo, name, url, status, access_token, last_polled, last_activity_id, last_activities_etag)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (source_key) DO UPDATE
		SET silo = $2,
			name = $3,
			url = $4,
			status = $5,
			access_token = $6`

	_, err := p.conn.Exec(
		ctx,
		query,
		src.Key,
		src.Silo,
		src.Name,
		src.URL,
		src.Status,
		src.AccessToken,
		nullableTime(src.LastPolled),
		src.LastActivityID,
		src.LastActivitiesETag,
	)
	return err
}

func (p *postgresSourceRepository) Update(ctx context.Context, src *domain.Source) error {
	query := `
		UPDATE sources
		SET status = $2,
			last_polled = $3,
			last_activity_id = $4,
			last_activities_etag = $5
		WHERE source_key = $1`

	res, err := p.conn.Exec(
		ctx,
		query,
		src.Key,
		src.Status,
		nullableTime(src.LastPolled),
		src.LastActivityID,
		src.LastActivitiesETag,
	)

	if err != nil {
		return err
	}
	if res.RowsAffected() != 1 {
		return fmt.Errorf("weird behaviour, total rows affected: %d", res.RowsAffected())
	}
	return nil
}

func (p *postgresSourceRepository) UpdateStatus(ctx context.Context, key string, status domain.SourceStatus) error {
	query := `UPDATE sources SET status = $2 WHERE source_key = $1`

	res, err := p.conn.Exec(ctx, query, key, status)

	if err != nil {
		return err
	}
	if res.RowsAffected() != 1 {
		return fmt.Errorf("weird behaviour, total rows affected: %d", res.RowsAffected())
	}
	return nil
}

// ListStale returns sources due for polling. Errored sources stay
// eligible so the scheduler restarts a chain broken by a failed poll;
// only disabled sources are excluded.
func (p *postgresSourceRepository) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]domain.Source, error) {
	query := `
		SELECT source_key, silo, name, url, status, access_token, last_polled, last_activity_id, last_activities_etag
		FROM sources
		WHERE status IN ('enabled', 'error')
			AND (last_polled IS NULL OR last_polled < $1)
		ORDER BY last_polled NULLS FIRST
		LIMIT $2`

	return p.fetch(ctx, query, olderThan, limit)
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
