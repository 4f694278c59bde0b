package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes plainto_tsquery over the audit log with ts_rank ordering
// and ts_headline snippets from the entry detail.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := "a.fts @@ plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	if q.FilterSubjectID != "" {
		where += fmt.Sprintf(" AND a.subject_id = $%d", argN)
		args = append(args, q.FilterSubjectID)
		argN++
	}
	if q.FilterEntityType != "" {
		where += fmt.Sprintf(" AND a.entity_type = $%d", argN)
		args = append(args, q.FilterEntityType)
		argN++
	}

	ctx := context.Background()

	var total int
	countSQL := "SELECT count(*) FROM audit_log a WHERE " + where
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT a.id::text, a.subject_id, a.actor_type, a.action, a.entity_type, a.entity_id,
			ts_headline('english', a.detail::text, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			a.created_at
		FROM audit_log a
		WHERE %s
		ORDER BY ts_rank(a.fts, plainto_tsquery('english', $1)) DESC, a.id DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var createdAt time.Time
		if err := rows.Scan(&r.ID, &r.SubjectID, &r.ActorType, &r.Action, &r.EntityType, &r.EntityID, &r.Snippet, &createdAt); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.CreatedAt = createdAt.UTC().Format(time.RFC3339)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all audit entries for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]AuditRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id::text, subject_id, actor_type, actor_id, action, entity_type, entity_id,
			prior_state, new_state, detail::text, created_at
		FROM audit_log
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("load audit entries: %w", err)
	}
	defer rows.Close()

	records := make([]AuditRecord, 0)
	for rows.Next() {
		var rec AuditRecord
		var createdAt time.Time
		if err := rows.Scan(&rec.ID, &rec.SubjectID, &rec.ActorType, &rec.ActorID, &rec.Action,
			&rec.EntityType, &rec.EntityID, &rec.PriorState, &rec.NewState, &rec.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		rec.CreatedAt = createdAt.UTC().Format(time.RFC3339)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}

	return records, nil
}
