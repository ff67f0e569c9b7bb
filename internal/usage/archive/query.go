package archive

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/powerwatch/internal/usage/types"
)

// Query runs SQL over the archive's Parquet files with an in-memory DuckDB.
//
// Query is safe for concurrent use.
type Query struct {
	mu  sync.Mutex
	dir string
	loc *time.Location
	db  *sql.DB

	stats QueryStats
}

// QueryStats holds query statistics.
type QueryStats struct {
	QueriesExecuted int64 `json:"queries_executed"`
	RowsReturned    int64 `json:"rows_returned"`
	Errors          int64 `json:"errors"`
}

// BucketQuery selects archived buckets of one resolution whose start lies
// in [From, To). Zero bounds are open.
type BucketQuery struct {
	Resolution types.Resolution
	From       time.Time
	To         time.Time
	Limit      int
}

// Totals summarizes the archive of one resolution.
type Totals struct {
	Buckets int64     `json:"buckets"`
	Usage   float64   `json:"usage"`
	First   time.Time `json:"first,omitempty"`
	Last    time.Time `json:"last,omitempty"`
}

// NewQuery opens an in-memory DuckDB over the archive rooted at dir.
// memoryLimit uses DuckDB syntax ("256MB"); empty keeps DuckDB's default.
func NewQuery(dir, memoryLimit string, loc *time.Location) (*Query, error) {
	if loc == nil {
		loc = time.Local
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	if memoryLimit != "" {
		if _, err := db.Exec(fmt.Sprintf("SET memory_limit='%s'", memoryLimit)); err != nil {
			db.Close()
			return nil, fmt.Errorf("set memory limit: %w", err)
		}
	}

	return &Query{dir: dir, loc: loc, db: db}, nil
}

// Close closes the DuckDB connection.
func (q *Query) Close() error {
	if q.db != nil {
		return q.db.Close()
	}
	return nil
}

// pattern returns the file glob of res, or "" when it has no files yet.
// read_parquet fails on a glob matching nothing.
func (q *Query) pattern(res types.Resolution) (string, error) {
	pattern := filepath.Join(q.dir, res.String(), "*"+fileExt)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", nil
	}
	return pattern, nil
}

// Buckets returns the archived buckets matching bq, oldest first.
func (q *Query) Buckets(ctx context.Context, bq BucketQuery) ([]Record, error) {
	pattern, err := q.pattern(bq.Resolution)
	if err != nil || pattern == "" {
		return nil, err
	}

	from, to := bounds(bq.From, bq.To)
	query := `
		SELECT
			resolution, key, bucket_start,
			usage, sample_count, last_power, peak_power,
			evicted_at
		FROM read_parquet($1)
		WHERE bucket_start >= $2
		  AND bucket_start < $3
		ORDER BY bucket_start, evicted_at
	`
	if bq.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(bq.Limit)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	rows, err := q.db.QueryContext(ctx, query, pattern, from, to)
	if err != nil {
		q.stats.Errors++
		return nil, fmt.Errorf("query archive: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			row  BucketRow
			peak sql.NullString
		)
		if err := rows.Scan(
			&row.Resolution, &row.Key, &row.BucketStart,
			&row.Usage, &row.SampleCount, &row.LastPower, &peak,
			&row.EvictedAt,
		); err != nil {
			q.stats.Errors++
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if peak.Valid {
			row.PeakPower = &peak.String
		}

		rec, err := rowToRecord(row, q.loc)
		if err != nil {
			q.stats.Errors++
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		q.stats.Errors++
		return nil, err
	}

	q.stats.QueriesExecuted++
	q.stats.RowsReturned += int64(len(out))
	return out, nil
}

// Totals returns the bucket count, usage sum and time span archived for res.
func (q *Query) Totals(ctx context.Context, res types.Resolution) (Totals, error) {
	pattern, err := q.pattern(res)
	if err != nil || pattern == "" {
		return Totals{}, err
	}

	query := `
		SELECT
			count(*),
			coalesce(sum(usage_kwh), 0),
			min(bucket_start),
			max(bucket_start)
		FROM read_parquet($1)
	`

	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		t           Totals
		first, last sql.NullInt64
	)
	if err := q.db.QueryRowContext(ctx, query, pattern).Scan(&t.Buckets, &t.Usage, &first, &last); err != nil {
		q.stats.Errors++
		return Totals{}, fmt.Errorf("query archive totals: %w", err)
	}
	if first.Valid {
		t.First = time.UnixMilli(first.Int64).In(q.loc)
	}
	if last.Valid {
		t.Last = time.UnixMilli(last.Int64).In(q.loc)
	}

	q.stats.QueriesExecuted++
	q.stats.RowsReturned++
	return t, nil
}

// Stats returns query statistics.
func (q *Query) Stats() QueryStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

func bounds(from, to time.Time) (int64, int64) {
	lo, hi := int64(math.MinInt64), int64(math.MaxInt64)
	if !from.IsZero() {
		lo = from.UnixMilli()
	}
	if !to.IsZero() {
		hi = to.UnixMilli()
	}
	return lo, hi
}
