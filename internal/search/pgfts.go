package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search matches approved guides with plainto_tsquery over the generated
// fts column, ranked with ts_rank and snipped with ts_headline.
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

	where := `g.state = 'approved' AND g.fts @@ plainto_tsquery('english', $1)`
	args := []any{q.Text}
	if q.CharacterID != "" {
		where += ` AND g.character_id = $2`
		args = append(args, q.CharacterID)
	}

	countSQL := fmt.Sprintf(`SELECT count(*) FROM guides g WHERE %s`, where)

	dataSQL := fmt.Sprintf(`
		SELECT g.id, g.title,
			ts_headline('english', coalesce(g.description, ''), plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			g.character_id, g.character_name
		FROM guides g
		WHERE %s
		ORDER BY ts_rank(g.fts, plainto_tsquery('english', $1)) DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Title, &r.Snippet, &r.CharacterID, &r.CharacterName); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadApprovedRecords returns all approved guides for full reindexing.
func (p *PgFTS) LoadApprovedRecords(ctx context.Context) ([]GuideRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, title, description, character_id, character_name, submitter_name
		FROM guides
		WHERE state = 'approved'
	`)
	if err != nil {
		return nil, fmt.Errorf("load approved guides: %w", err)
	}
	defer rows.Close()

	records := make([]GuideRecord, 0)
	for rows.Next() {
		var g GuideRecord
		if err := rows.Scan(&g.ID, &g.Title, &g.Description, &g.CharacterID, &g.CharacterName, &g.SubmitterName); err != nil {
			return nil, fmt.Errorf("scan approved guide: %w", err)
		}
		records = append(records, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approved guides: %w", err)
	}
	return records, nil
}
