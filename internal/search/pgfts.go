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

// Search executes a UNION ALL query across unified_documents and
// workflow_history using plainto_tsquery and ts_rank, with ts_headline for
// snippets.
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

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultDocument {
		docWhere := "d.fts @@ " + tsQuery
		if q.OrganizationID != "" {
			docWhere += fmt.Sprintf(" AND d.organization_id = $%d", argN)
			args = append(args, q.OrganizationID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'document'::text AS type, d.id, d.title,
				ts_headline('english', coalesce(d.document_type, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				d.id AS document_id, d.organization_id,
				d.status,
				ts_rank(d.fts, %s) AS rank
			FROM unified_documents d
			WHERE %s`, tsQuery, tsQuery, docWhere))
	}

	if q.FilterType == "" || q.FilterType == ResultHistory {
		historyWhere := "h.fts @@ " + tsQuery
		if q.OrganizationID != "" {
			historyWhere += fmt.Sprintf(" AND d.organization_id = $%d", argN)
			args = append(args, q.OrganizationID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'history'::text AS type, h.id::text, h.action AS title,
				ts_headline('english', coalesce(h.note, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				h.document_id, d.organization_id,
				''::text AS status,
				ts_rank(h.fts, %s) AS rank
			FROM workflow_history h
			JOIN unified_documents d ON d.id = h.document_id
			WHERE %s`, tsQuery, tsQuery, historyWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, document_id, organization_id, status
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

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
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.DocumentID, &r.OrganizationID, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]DocumentRecord, []HistoryRecord, error) {
	docRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, document_type, organization_id, status
		FROM unified_documents
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load documents: %w", err)
	}
	defer docRows.Close()

	documents := make([]DocumentRecord, 0)
	for docRows.Next() {
		var d DocumentRecord
		if err := docRows.Scan(&d.ID, &d.Title, &d.DocumentType, &d.OrganizationID, &d.Status); err != nil {
			return nil, nil, fmt.Errorf("scan document: %w", err)
		}
		documents = append(documents, d)
	}
	if err := docRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate documents: %w", err)
	}

	historyRows, err := p.db.QueryContext(ctx, `
		SELECT h.id::text, h.action, h.note, h.actor_name, h.document_id, d.organization_id
		FROM workflow_history h
		JOIN unified_documents d ON d.id = h.document_id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load history: %w", err)
	}
	defer historyRows.Close()

	histories := make([]HistoryRecord, 0)
	for historyRows.Next() {
		var h HistoryRecord
		if err := historyRows.Scan(&h.ID, &h.Action, &h.Note, &h.Actor, &h.DocumentID, &h.OrganizationID); err != nil {
			return nil, nil, fmt.Errorf("scan history: %w", err)
		}
		histories = append(histories, h)
	}
	if err := historyRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate history: %w", err)
	}

	return documents, histories, nil
}
