package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/xtxerr/powerwatch/internal/errors"
	"github.com/xtxerr/powerwatch/internal/usage/types"
)

// FileBackendName identifies the file backend in logs, metrics and status.
const FileBackendName = "file"

// legacyTimestampLayout matches naive ISO timestamps written by older
// versions of the history file. They are interpreted in the backend's
// location.
const legacyTimestampLayout = "2006-01-02T15:04:05.999999999"

// File persists the whole state as one JSON document, rewritten atomically
// (temp file + rename) on every flush.
type File struct {
	mu        sync.Mutex
	path      string
	loc       *time.Location
	available bool
	writeErr  error

	flushes   int64
	lastBytes int
}

// fileDocument is the on-disk layout.
type fileDocument struct {
	HistoricalData   []fileRecord    `json:"historical_data"`
	TenMinuteUsage   types.BucketMap `json:"ten_minute_usage"`
	HourlyUsageData  types.BucketMap `json:"hourly_usage_data"`
	DailyUsageData   types.BucketMap `json:"daily_usage_data"`
	WeeklyUsageData  types.BucketMap `json:"weekly_usage_data"`
	MonthlyUsageData types.BucketMap `json:"monthly_usage_data"`
	LastUpdated      string          `json:"last_updated,omitempty"`
}

type fileRecord struct {
	Timestamp       string          `json:"timestamp"`
	RemainingPower  types.Quantity  `json:"remaining_power"`
	RemainingAmount *types.Quantity `json:"remaining_amount,omitempty"`
	UnitPrice       *types.Quantity `json:"unit_price,omitempty"`
	Name            string          `json:"name,omitempty"`
	Number          string          `json:"number,omitempty"`
}

// NewFile creates a file backend at path. The directory is created and
// checked for writability once; an unwritable directory leaves the backend
// unavailable for the process lifetime.
func NewFile(path string, loc *time.Location) *File {
	if loc == nil {
		loc = time.Local
	}
	f := &File{path: path, loc: loc}
	f.writeErr = f.checkWritable()
	f.available = f.writeErr == nil
	if !f.available {
		log.Error("file backend unavailable", "path", path, "error", f.writeErr)
	}
	return f
}

func (f *File) checkWritable() error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".writable-*")
	if err != nil {
		return fmt.Errorf("write test file: %w", err)
	}
	name := tmp.Name()
	tmp.Close()
	return os.Remove(name)
}

// Name returns "file".
func (f *File) Name() string { return FileBackendName }

// Path returns the document path.
func (f *File) Path() string { return f.path }

// Available reports whether the directory was writable at construction.
func (f *File) Available() bool { return f.available }

// Flush rewrites the document with snap.
func (f *File) Flush(ctx context.Context, snap *types.Snapshot) error {
	if !f.available {
		return errors.NewPersistenceFailure(FileBackendName, "flush", fmt.Errorf("%w: %v", errors.ErrBackendUnavailable, f.writeErr))
	}
	if err := ctx.Err(); err != nil {
		return errors.NewPersistenceFailure(FileBackendName, "flush", err)
	}

	doc := f.encode(snap)
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.NewPersistenceFailure(FileBackendName, "encode", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := writeAtomic(f.path, data); err != nil {
		return errors.NewPersistenceFailure(FileBackendName, "flush", err)
	}

	f.flushes++
	f.lastBytes = len(data)
	return nil
}

// writeAtomic writes data next to path and renames it into place, so a
// crash never leaves a truncated document.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// Load reads the document. A missing file yields an empty snapshot.
func (f *File) Load(ctx context.Context) (*types.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewPersistenceFailure(FileBackendName, "load", err)
	}

	f.mu.Lock()
	data, err := os.ReadFile(f.path)
	f.mu.Unlock()

	if err != nil {
		if os.IsNotExist(err) {
			return types.NewSnapshot(), nil
		}
		return nil, errors.NewPersistenceFailure(FileBackendName, "load", err)
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.NewPersistenceFailure(FileBackendName, "decode", err)
	}

	snap, err := f.decode(&doc)
	if err != nil {
		return nil, errors.NewPersistenceFailure(FileBackendName, "decode", err)
	}

	log.Info("loaded history file",
		"path", f.path,
		"history", len(snap.History),
		"ten_minute", len(snap.Buckets[types.ResolutionTenMinute]),
		"daily", len(snap.Buckets[types.ResolutionDaily]))

	return snap, nil
}

// Close is a no-op; every flush is already durable.
func (f *File) Close(ctx context.Context) error {
	return nil
}

// Stats returns document statistics.
func (f *File) Stats(ctx context.Context) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	stats := map[string]any{
		"path":            f.path,
		"flushes":         f.flushes,
		"last_size_bytes": f.lastBytes,
	}
	if info, err := os.Stat(f.path); err == nil {
		stats["size_bytes"] = info.Size()
		stats["modified"] = info.ModTime()
	}
	return stats, nil
}

// =============================================================================
// Document conversion
// =============================================================================

func (f *File) encode(snap *types.Snapshot) *fileDocument {
	doc := &fileDocument{
		HistoricalData:   make([]fileRecord, len(snap.History)),
		TenMinuteUsage:   nonNil(snap.Buckets[types.ResolutionTenMinute]),
		HourlyUsageData:  nonNil(snap.Buckets[types.ResolutionHourly]),
		DailyUsageData:   nonNil(snap.Buckets[types.ResolutionDaily]),
		WeeklyUsageData:  nonNil(snap.Buckets[types.ResolutionWeekly]),
		MonthlyUsageData: nonNil(snap.Buckets[types.ResolutionMonthly]),
	}

	for i, r := range snap.History {
		doc.HistoricalData[i] = fileRecord{
			Timestamp:       r.Timestamp.Format(time.RFC3339Nano),
			RemainingPower:  r.RemainingPower,
			RemainingAmount: r.RemainingAmount,
			UnitPrice:       r.UnitPrice,
			Name:            r.MeterName,
			Number:          r.MeterNumber,
		}
	}
	if latest, ok := snap.Latest(); ok {
		doc.LastUpdated = latest.Timestamp.Format(time.RFC3339Nano)
	}
	return doc
}

func (f *File) decode(doc *fileDocument) (*types.Snapshot, error) {
	snap := types.NewSnapshot()
	snap.History = make([]types.Reading, 0, len(doc.HistoricalData))

	for i, rec := range doc.HistoricalData {
		ts, err := f.parseTimestamp(rec.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("historical_data[%d]: %w", i, err)
		}
		snap.History = append(snap.History, types.Reading{
			Timestamp:       ts,
			RemainingPower:  rec.RemainingPower,
			RemainingAmount: rec.RemainingAmount,
			UnitPrice:       rec.UnitPrice,
			MeterName:       rec.Name,
			MeterNumber:     rec.Number,
		})
	}

	for res, m := range map[types.Resolution]types.BucketMap{
		types.ResolutionTenMinute: doc.TenMinuteUsage,
		types.ResolutionHourly:    doc.HourlyUsageData,
		types.ResolutionDaily:     doc.DailyUsageData,
		types.ResolutionWeekly:    doc.WeeklyUsageData,
		types.ResolutionMonthly:   doc.MonthlyUsageData,
	} {
		if m != nil {
			snap.Buckets[res] = m
		}
	}

	return snap, nil
}

func (f *File) parseTimestamp(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts, nil
	}
	ts, err := time.ParseInLocation(legacyTimestampLayout, s, f.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
	}
	return ts, nil
}

func nonNil(m types.BucketMap) types.BucketMap {
	if m == nil {
		return types.BucketMap{}
	}
	return m
}
