// Package pgstore implements the vector backend on PostgreSQL with the
// pgvector extension. Every filter operator pushes down to SQL, so queries
// never post-filter client-side.
package pgstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/annalhq/annal/internal/vector"
)

// Store is a PostgreSQL/pgvector backed vector.Backend. Tags live in a
// text[] column, the rest of the metadata in a JSONB column.
type Store struct {
	pool  *pgxpool.Pool
	table string
}

// Open connects to PostgreSQL, retrying while the server comes up, and
// ensures the collection table and its indexes exist.
func Open(ctx context.Context, url, collection string, dimensions int) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	const maxRetries = 5

	var pool *pgxpool.Pool
	for attempt := 1; attempt <= maxRetries; attempt++ {
		pool, err = pgxpool.NewWithConfig(ctx, poolCfg)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				break
			}
			pool.Close()
		}
		if attempt == maxRetries {
			return nil, fmt.Errorf("connect to database after %d attempts: %w", maxRetries, err)
		}
		slog.Warn("database connection failed, retrying...", "attempt", attempt, "max", maxRetries, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}

	s := &Store{pool: pool, table: tableName(collection)}
	if err := s.ensureTable(ctx, dimensions); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureTable(ctx context.Context, dimensions int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			tags TEXT[] NOT NULL DEFAULT '{}',
			metadata JSONB NOT NULL DEFAULT '{}'
		)`, s.table, dimensions),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s USING hnsw (embedding vector_cosine_ops)`, s.table, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_metadata_idx ON %s USING gin (metadata)`, s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure table %s: %w", s.table, err)
		}
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, id, text string, embedding []float32, meta vector.Metadata) error {
	tags, jsonMeta := splitMeta(meta)
	query := fmt.Sprintf(
		`INSERT INTO %s (id, content, embedding, tags, metadata) VALUES ($1, $2, $3, $4, $5)`, s.table)
	_, err := s.pool.Exec(ctx, query, id, text, pgvector.NewVector(embedding), tags, jsonMeta)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, id string, text *string, embedding []float32, meta vector.Metadata) error {
	sets := []string{}
	args := []any{}
	argIdx := 1

	if text != nil {
		sets = append(sets, fmt.Sprintf("content = $%d", argIdx))
		args = append(args, *text)
		argIdx++
	}
	if embedding != nil {
		sets = append(sets, fmt.Sprintf("embedding = $%d", argIdx))
		args = append(args, pgvector.NewVector(embedding))
		argIdx++
	}
	if meta != nil {
		tags, jsonMeta := splitMeta(meta)
		sets = append(sets, fmt.Sprintf("tags = $%d", argIdx))
		args = append(args, tags)
		argIdx++
		sets = append(sets, fmt.Sprintf("metadata = $%d", argIdx))
		args = append(args, jsonMeta)
		argIdx++
	}

	if len(sets) == 0 {
		// Still verify the record exists.
		var exists bool
		err := s.pool.QueryRow(ctx, fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE id = $1)", s.table), id).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check record: %w", err)
		}
		if !exists {
			return vector.ErrNotFound
		}
		return nil
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d", s.table, strings.Join(sets, ", "), argIdx)
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return vector.ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ANY($1)", s.table), ids)
	if err != nil {
		return fmt.Errorf("delete records: %w", err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, embedding []float32, limit int, where *vector.Filter, queryText string) ([]vector.Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	args := []any{pgvector.NewVector(embedding)}
	clause, args := whereClause(where, args)

	query := fmt.Sprintf(
		`SELECT id, content, tags, metadata, embedding <=> $1 AS distance FROM %s%s ORDER BY embedding <=> $1 LIMIT %d`,
		s.table, clause, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []vector.Record
	for rows.Next() {
		var rec vector.Record
		var tags []string
		var jsonMeta map[string]any
		var distance float64
		if err := rows.Scan(&rec.ID, &rec.Text, &tags, &jsonMeta, &distance); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		rec.Metadata = mergeMeta(tags, jsonMeta)
		rec.Distance = &distance
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) Get(ctx context.Context, ids []string) ([]vector.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT id, content, tags, metadata FROM %s WHERE id = ANY($1)`, s.table)
	rows, err := s.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("get records: %w", err)
	}
	defer rows.Close()
	return collectRows(rows)
}

func (s *Store) Scan(ctx context.Context, offset, limit int, where *vector.Filter) ([]vector.Record, int, error) {
	clause, args := whereClause(where, nil)

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM %s%s`, s.table, clause)
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count records: %w", err)
	}
	if total == 0 || offset >= total {
		return nil, total, nil
	}

	query := fmt.Sprintf(`SELECT id, content, tags, metadata FROM %s%s ORDER BY id LIMIT %d OFFSET %d`,
		s.table, clause, limit, offset)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("scan records: %w", err)
	}
	defer rows.Close()

	page, err := collectRows(rows)
	if err != nil {
		return nil, 0, err
	}
	return page, total, nil
}

func (s *Store) Count(ctx context.Context, where *vector.Filter) (int, error) {
	clause, args := whereClause(where, nil)
	var total int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s%s`, s.table, clause)
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return total, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func collectRows(rows pgx.Rows) ([]vector.Record, error) {
	var out []vector.Record
	for rows.Next() {
		var rec vector.Record
		var tags []string
		var jsonMeta map[string]any
		if err := rows.Scan(&rec.ID, &rec.Text, &tags, &jsonMeta); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		rec.Metadata = mergeMeta(tags, jsonMeta)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// whereClause translates a filter into a SQL WHERE clause, appending bind
// arguments to args. Every operator is native here.
func whereClause(where *vector.Filter, args []any) (string, []any) {
	if where.Empty() {
		return "", args
	}
	var conds []string
	for _, c := range where.Conditions {
		switch c.Op {
		case vector.OpEq:
			args = append(args, c.Field, c.Value)
			conds = append(conds, fmt.Sprintf("metadata->>$%d = $%d", len(args)-1, len(args)))
		case vector.OpContainsAny:
			if c.Field == "tags" {
				args = append(args, c.Values)
				conds = append(conds, fmt.Sprintf("tags && $%d", len(args)))
			} else {
				args = append(args, c.Field, c.Values)
				conds = append(conds, fmt.Sprintf("metadata->$%d ?| $%d", len(args)-1, len(args)))
			}
		case vector.OpPrefix:
			args = append(args, c.Field, escapeLike(c.Value)+"%")
			conds = append(conds, fmt.Sprintf("metadata->>$%d LIKE $%d", len(args)-1, len(args)))
		case vector.OpGT:
			args = append(args, c.Field, c.Value)
			conds = append(conds, fmt.Sprintf("metadata->>$%d > $%d", len(args)-1, len(args)))
		case vector.OpLT:
			args = append(args, c.Field, c.Value)
			conds = append(conds, fmt.Sprintf("metadata->>$%d < $%d", len(args)-1, len(args)))
		case vector.OpNotExists:
			args = append(args, c.Field)
			conds = append(conds, fmt.Sprintf("(NOT metadata ? $%d OR metadata->>$%d = '')", len(args), len(args)))
		}
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// splitMeta separates tags (stored as text[]) from the JSONB remainder.
func splitMeta(meta vector.Metadata) ([]string, map[string]any) {
	tags := meta.Tags()
	if tags == nil {
		tags = []string{}
	}
	jsonMeta := make(map[string]any, len(meta))
	for k, v := range meta {
		if k == "tags" {
			continue
		}
		jsonMeta[k] = v
	}
	return tags, jsonMeta
}

func mergeMeta(tags []string, jsonMeta map[string]any) vector.Metadata {
	meta := make(vector.Metadata, len(jsonMeta)+1)
	for k, v := range jsonMeta {
		// JSON numbers decode as float64; hit_count is logically an int.
		if k == "hit_count" {
			if f, ok := v.(float64); ok {
				meta[k] = int(f)
				continue
			}
		}
		meta[k] = v
	}
	if len(tags) > 0 {
		meta["tags"] = tags
	}
	return meta
}

// tableName derives a safe SQL identifier from a collection name.
func tableName(collection string) string {
	var b strings.Builder
	b.WriteString("annal_")
	for _, r := range strings.ToLower(collection) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}
