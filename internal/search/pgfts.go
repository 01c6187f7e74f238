package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL as a fallback. Names are matched
// by prefix-friendly ILIKE and ranked with ts_rank.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs a UNION ALL over users and user_groups.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, nil
	}

	tsQuery := "plainto_tsquery('simple', $1)"
	args := []any{text, likePattern(text)}

	var subQueries []string
	if q.FilterType == "" || q.FilterType == ResultUser {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'user'::text AS type, u.id, u.email, u.display_name AS name,
				ts_rank(to_tsvector('simple', u.display_name || ' ' || u.email), %s) AS rank
			FROM users u
			WHERE u.display_name ILIKE $2 OR u.email ILIKE $2`, tsQuery))
	}
	if q.FilterType == "" || q.FilterType == ResultGroup {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'group'::text AS type, g.id, ''::text AS email, g.name,
				ts_rank(to_tsvector('simple', g.name), %s) AS rank
			FROM user_groups g
			WHERE g.name ILIKE $2`, tsQuery))
	}
	if len(subQueries) == 0 {
		return nil, nil
	}

	dataSQL := fmt.Sprintf(`SELECT type, id, email, name
		FROM (%s) sub
		ORDER BY rank DESC, lower(name)
		LIMIT %d`,
		strings.Join(subQueries, " UNION ALL "), q.PageSize())

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Email, &r.Name); err != nil {
			return nil, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, rows.Err()
}

// likePattern builds a substring ILIKE pattern with wildcards escaped.
func likePattern(text string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(text)
	return "%" + escaped + "%"
}
