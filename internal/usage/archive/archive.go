// Package archive keeps buckets evicted from the in-memory rollups.
//
// Every eviction batch becomes one Parquet file per resolution under
// <dir>/<resolution>/. Files older than the archive retention are pruned,
// and the whole archive can be queried with DuckDB (see Query).
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xtxerr/powerwatch/config"
	"github.com/xtxerr/powerwatch/internal/errors"
	"github.com/xtxerr/powerwatch/internal/logging"
	"github.com/xtxerr/powerwatch/internal/metrics"
	"github.com/xtxerr/powerwatch/internal/scheduler"
	"github.com/xtxerr/powerwatch/internal/usage/rollup"
	"github.com/xtxerr/powerwatch/internal/usage/types"
)

var log = logging.Component("archive")

const (
	fileExt = ".parquet"

	// fileTimeLayout names files by eviction time (UTC), followed by
	// "_<seq>" to keep names unique within a second.
	fileTimeLayout = "2006-01-02T15-04-05"

	// DefaultPruneInterval is the minimum time between prune sweeps.
	DefaultPruneInterval = time.Hour
)

// Options configures an Archive.
type Options struct {
	Dir         string
	Compression CompressionType

	// Retention is how long archive files are kept. Zero keeps them forever.
	Retention time.Duration

	// PruneInterval is the minimum time between prune sweeps run by Write.
	PruneInterval time.Duration

	// Location archived bucket starts are reported in.
	Location *time.Location
}

// DefaultOptions returns default archive options.
func DefaultOptions() Options {
	return Options{
		Dir:           config.DefaultArchiveDir,
		Compression:   CompressionZstd,
		Retention:     config.DefaultArchiveRetention,
		PruneInterval: DefaultPruneInterval,
		Location:      time.Local,
	}
}

// Stats holds archive statistics.
type Stats struct {
	FilesWritten int64     `json:"files_written"`
	RowsWritten  int64     `json:"rows_written"`
	LastWrite    time.Time `json:"last_write,omitempty"`
	FilesDeleted int64     `json:"files_deleted"`
	BytesFreed   int64     `json:"bytes_freed"`
	LastPrune    time.Time `json:"last_prune,omitempty"`
	Errors       int64     `json:"errors"`
}

// Archive writes evicted buckets to Parquet files.
//
// Archive is safe for concurrent use.
type Archive struct {
	opts    Options
	metrics *metrics.Metrics

	mu        sync.Mutex
	seq       uint64
	lastPrune time.Time
	stats     Stats

	// now is overridden in tests.
	now func() time.Time
}

// New creates an archive rooted at opts.Dir.
func New(opts Options, m *metrics.Metrics) (*Archive, error) {
	def := DefaultOptions()
	if opts.Dir == "" {
		opts.Dir = def.Dir
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = def.PruneInterval
	}
	if opts.Location == nil {
		opts.Location = def.Location
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}

	return &Archive{
		opts:    opts,
		metrics: m,
		now:     time.Now,
	}, nil
}

// Dir returns the archive root.
func (a *Archive) Dir() string { return a.opts.Dir }

// ResolutionDir returns the directory holding files of res.
func (a *Archive) ResolutionDir(res types.Resolution) string {
	return filepath.Join(a.opts.Dir, res.String())
}

// Write archives evicted, one file per resolution, stamped with at. It
// returns the number of rows written. Errors of one resolution do not stop
// the others; they are joined in the result.
func (a *Archive) Write(evicted []rollup.EvictedBucket, at time.Time) (int, error) {
	if len(evicted) == 0 {
		return 0, nil
	}

	byRes := make(map[types.Resolution][]Record)
	for _, ev := range evicted {
		start, err := ev.Resolution.ParseKey(ev.Key, a.opts.Location)
		if err != nil {
			log.Warn("skipping evicted bucket with unparsable key",
				"resolution", ev.Resolution.String(), "key", ev.Key, "error", err)
			continue
		}
		byRes[ev.Resolution] = append(byRes[ev.Resolution], Record{
			Resolution: ev.Resolution,
			Key:        ev.Key,
			Start:      start,
			Bucket:     ev.Bucket.Clone(),
			EvictedAt:  at,
		})
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var (
		written int
		errs    []error
	)
	for _, res := range types.AllResolutions() {
		records := byRes[res]
		if len(records) == 0 {
			continue
		}
		sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })

		rows := make([]BucketRow, len(records))
		for i, rec := range records {
			rows[i] = recordToRow(rec)
		}

		path := a.nextPathLocked(res, at)
		if err := writeFile(path, rows, a.opts.Compression); err != nil {
			a.stats.Errors++
			errs = append(errs, fmt.Errorf("archive %s: %w", res, err))
			continue
		}

		written += len(rows)
		a.stats.FilesWritten++
		a.stats.RowsWritten += int64(len(rows))
		a.stats.LastWrite = a.now()
		a.metrics.ArchiveWritten(res.String(), len(rows))
		log.Debug("archived evicted buckets", "resolution", res.String(), "rows", len(rows), "path", path)
	}

	if len(errs) > 0 {
		return written, errors.Join(errs...)
	}
	return written, nil
}

func (a *Archive) nextPathLocked(res types.Resolution, at time.Time) string {
	stamp := at.UTC().Format(fileTimeLayout)
	for {
		a.seq++
		path := filepath.Join(a.ResolutionDir(res), fmt.Sprintf("%s_%d%s", stamp, a.seq, fileExt))
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
	}
}

// parseFileTime extracts the eviction time from a file name.
func parseFileTime(name string) (time.Time, error) {
	base := strings.TrimSuffix(name, fileExt)
	stamp, _, _ := strings.Cut(base, "_")
	return time.Parse(fileTimeLayout, stamp)
}

// Hook returns a scheduler hook archiving the buckets evicted by each cycle
// and pruning expired files at most once per prune interval. Failures are
// logged; they never fail the cycle.
func (a *Archive) Hook() scheduler.Hook {
	return func(ctx context.Context, c *scheduler.Cycle) {
		if c.Result == nil {
			return
		}
		clog := logging.WithContext(ctx)

		if len(c.Result.Evicted) > 0 {
			n, err := a.Write(c.Result.Evicted, c.Result.Reading.Timestamp)
			if err != nil {
				clog.Error("archive write failed", "rows", n, "error", err)
			}
		}

		if a.pruneDue() {
			for _, r := range a.Prune() {
				for _, err := range r.Errors {
					clog.Warn("archive prune error", "resolution", r.Resolution.String(), "error", err)
				}
			}
		}
	}
}

// Stats returns current statistics.
func (a *Archive) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Records reads every archived record of res, oldest bucket first.
func (a *Archive) Records(res types.Resolution) ([]Record, error) {
	files, err := listFiles(a.ResolutionDir(res))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []Record
	for _, f := range files {
		recs, err := ReadFile(f.path, a.opts.Location)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
