package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a
// fallback. It reuses the generated search_tsvector column the narrow
// engine searches with, so the two paths agree on tokenization.
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

// Search runs a ranked full-text query over messages in public channels,
// with ts_headline snippets. Spectator queries are further restricted to
// web-public channels.
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

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	where := "m.search_tsvector @@ " + tsQuery + " AND NOT st.invite_only"
	if q.Spectator {
		where += " AND st.is_web_public"
	}
	if q.Stream != "" {
		where += fmt.Sprintf(" AND st.name = $%d", argN)
		args = append(args, q.Stream)
		argN++
	}

	fromWhere := fmt.Sprintf(`
		FROM messages m
		JOIN streams st ON st.id = m.stream_id
		JOIN users u ON u.id = m.sender_id
		WHERE %s`, where)

	var total int
	countSQL := "SELECT count(*)" + fromWhere
	ctx := context.Background()
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT m.id, st.name, m.topic,
			ts_headline('english', coalesce(m.content, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
			u.full_name, extract(epoch FROM m.date_sent)::bigint
		%s
		ORDER BY ts_rank(m.search_tsvector, %s) DESC, m.id DESC
		LIMIT %d OFFSET %d`, tsQuery, fromWhere, tsQuery, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Stream, &r.Topic, &r.Snippet, &r.SenderFullName, &r.Timestamp); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns indexable message records for full reindexing.
// Private channels are excluded at the source.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]MessageRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT m.id, st.name, m.topic, m.content, u.full_name,
			extract(epoch FROM m.date_sent)::bigint, st.is_web_public
		FROM messages m
		JOIN streams st ON st.id = m.stream_id
		JOIN users u ON u.id = m.sender_id
		WHERE NOT st.invite_only
	`)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	records := make([]MessageRecord, 0)
	for rows.Next() {
		var r MessageRecord
		if err := rows.Scan(&r.ID, &r.Stream, &r.Topic, &r.Content, &r.SenderFullName, &r.Timestamp, &r.IsWebPublic); err != nil {
			return nil, fmt.Errorf("scan message record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message records: %w", err)
	}
	return records, nil
}
