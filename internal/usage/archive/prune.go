package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/xtxerr/powerwatch/internal/usage/types"
)

// PruneResult holds the result of pruning one resolution.
type PruneResult struct {
	Resolution   types.Resolution
	FilesDeleted int
	BytesFreed   int64
	FilesSkipped int
	Errors       []error
}

type fileInfo struct {
	name string
	path string
	size int64
}

// Prune deletes archive files whose eviction time is older than the
// archive retention. With zero retention nothing is deleted.
func (a *Archive) Prune() []PruneResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.lastPrune = now
	a.stats.LastPrune = now

	if a.opts.Retention <= 0 {
		return nil
	}
	cutoff := now.Add(-a.opts.Retention)

	results := make([]PruneResult, 0, len(types.AllResolutions()))
	for _, res := range types.AllResolutions() {
		r := a.pruneResolution(res, cutoff)
		a.stats.FilesDeleted += int64(r.FilesDeleted)
		a.stats.BytesFreed += r.BytesFreed
		a.stats.Errors += int64(len(r.Errors))
		if r.FilesDeleted > 0 {
			log.Info("pruned archive files", "resolution", res.String(),
				"files", r.FilesDeleted, "bytes", r.BytesFreed)
		}
		results = append(results, r)
	}
	return results
}

func (a *Archive) pruneDue() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastPrune.IsZero() || a.now().Sub(a.lastPrune) >= a.opts.PruneInterval
}

func (a *Archive) pruneResolution(res types.Resolution, cutoff time.Time) PruneResult {
	result := PruneResult{Resolution: res}

	files, err := listFiles(a.ResolutionDir(res))
	if err != nil {
		if !os.IsNotExist(err) {
			result.Errors = append(result.Errors, fmt.Errorf("list files: %w", err))
		}
		return result
	}

	for _, f := range files {
		ts, err := parseFileTime(f.name)
		if err != nil {
			result.FilesSkipped++
			continue
		}
		if !ts.Before(cutoff) {
			result.FilesSkipped++
			continue
		}
		if err := os.Remove(f.path); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("delete %s: %w", f.path, err))
			continue
		}
		result.FilesDeleted++
		result.BytesFreed += f.size
	}
	return result
}

// listFiles lists the Parquet files of dir, oldest first.
func listFiles(dir string) ([]fileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []fileInfo
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != fileExt {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{
			name: entry.Name(),
			path: filepath.Join(dir, entry.Name()),
			size: info.Size(),
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })
	return files, nil
}
