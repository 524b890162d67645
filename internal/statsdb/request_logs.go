// Package statsdb persists per-request logs in a local SQLite database so the
// desktop UI can show request history and per-provider token totals.
package statsdb

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// RequestLog is one proxied request.
type RequestLog struct {
	ID            int64  `json:"id"`
	RequestID     string `json:"requestId"`
	ProviderID    string `json:"providerId"`
	ProviderName  string `json:"providerName"`
	Model         string `json:"model"`
	UpstreamModel string `json:"upstreamModel"`
	Transformer   string `json:"transformer"`
	Date          string `json:"date"`
	StartedAt     string `json:"startedAt"`
	DurationMs    int64  `json:"durationMs"`
	StatusCode    int    `json:"statusCode"`
	Streamed      bool   `json:"streamed"`
	Error         string `json:"error"`

	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
	CacheCreate  int64 `json:"cacheCreate"`
	CacheRead    int64 `json:"cacheRead"`
}

// ProviderSummary aggregates request logs for one provider.
type ProviderSummary struct {
	ProviderID   string `json:"providerId"`
	ProviderName string `json:"providerName"`
	RequestCount int64  `json:"requestCount"`
	ErrorCount   int64  `json:"errorCount"`
	InputTokens  int64  `json:"inputTokens"`
	OutputTokens int64  `json:"outputTokens"`
	CacheCreate  int64  `json:"cacheCreate"`
	CacheRead    int64  `json:"cacheRead"`
}

// Store is a single-connection SQLite request-log store. The pure-Go sqlite
// driver serializes everything over one connection.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("empty sqlite path")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Insert(ctx context.Context, rec RequestLog) error {
	if s == nil || s.db == nil {
		return nil
	}
	normalized := normalize(rec)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO request_logs(
  request_id, provider_id, provider_name, model, upstream_model, transformer,
  date, started_at, duration_ms, status_code, streamed, error,
  input_tokens, output_tokens, cache_create, cache_read
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		normalized.RequestID,
		normalized.ProviderID,
		normalized.ProviderName,
		normalized.Model,
		normalized.UpstreamModel,
		normalized.Transformer,
		normalized.Date,
		normalized.StartedAt,
		normalized.DurationMs,
		normalized.StatusCode,
		boolToInt(normalized.Streamed),
		normalized.Error,
		normalized.InputTokens,
		normalized.OutputTokens,
		normalized.CacheCreate,
		normalized.CacheRead,
	)
	if err != nil {
		return fmt.Errorf("insert request_logs: %w", err)
	}
	return nil
}

// Recent returns the newest request logs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]RequestLog, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("nil statsdb store")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, request_id, provider_id, provider_name, model, upstream_model, transformer,
       date, started_at, duration_ms, status_code, streamed, error,
       input_tokens, output_tokens, cache_create, cache_read
FROM request_logs
ORDER BY id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query request_logs: %w", err)
	}
	defer rows.Close()

	var out []RequestLog
	for rows.Next() {
		var rec RequestLog
		var streamed int
		if err := rows.Scan(
			&rec.ID, &rec.RequestID, &rec.ProviderID, &rec.ProviderName,
			&rec.Model, &rec.UpstreamModel, &rec.Transformer,
			&rec.Date, &rec.StartedAt, &rec.DurationMs, &rec.StatusCode,
			&streamed, &rec.Error,
			&rec.InputTokens, &rec.OutputTokens, &rec.CacheCreate, &rec.CacheRead,
		); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		rec.Streamed = streamed != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SummaryByProvider aggregates logs per provider since the given date
// (inclusive, "2006-01-02"). An empty date covers everything.
func (s *Store) SummaryByProvider(ctx context.Context, sinceDate string) ([]ProviderSummary, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("nil statsdb store")
	}

	query := `
SELECT provider_id, provider_name,
       COUNT(*) as request_count,
       SUM(CASE WHEN status_code >= 400 OR error != '' THEN 1 ELSE 0 END) as error_count,
       COALESCE(SUM(input_tokens), 0),
       COALESCE(SUM(output_tokens), 0),
       COALESCE(SUM(cache_create), 0),
       COALESCE(SUM(cache_read), 0)
FROM request_logs`
	var args []any
	if strings.TrimSpace(sinceDate) != "" {
		query += " WHERE date >= ?"
		args = append(args, sinceDate)
	}
	query += " GROUP BY provider_id, provider_name ORDER BY provider_name"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query summary: %w", err)
	}
	defer rows.Close()

	var out []ProviderSummary
	for rows.Next() {
		var sum ProviderSummary
		if err := rows.Scan(
			&sum.ProviderID, &sum.ProviderName,
			&sum.RequestCount, &sum.ErrorCount,
			&sum.InputTokens, &sum.OutputTokens, &sum.CacheCreate, &sum.CacheRead,
		); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Clear removes all request logs.
func (s *Store) Clear(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM request_logs"); err != nil {
		return fmt.Errorf("clear request_logs: %w", err)
	}
	return nil
}

func normalize(rec RequestLog) RequestLog {
	out := rec
	out.RequestID = strings.TrimSpace(out.RequestID)
	out.ProviderID = strings.TrimSpace(out.ProviderID)
	out.ProviderName = strings.TrimSpace(out.ProviderName)
	out.Model = strings.TrimSpace(out.Model)
	out.UpstreamModel = strings.TrimSpace(out.UpstreamModel)
	out.Transformer = strings.TrimSpace(out.Transformer)

	if out.ProviderID == "" {
		out.ProviderID = "0"
	}
	if out.ProviderName == "" {
		out.ProviderName = "unknown"
	}
	if out.Model == "" {
		out.Model = "unknown"
	}
	if out.UpstreamModel == "" {
		out.UpstreamModel = out.Model
	}
	if out.Transformer == "" {
		out.Transformer = "unknown"
	}
	if out.Date == "" {
		out.Date = time.Now().Format("2006-01-02")
	}
	if out.StartedAt == "" {
		out.StartedAt = time.Now().Format(time.RFC3339)
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
