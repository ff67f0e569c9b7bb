package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/powerwatch/internal/errors"
	"github.com/xtxerr/powerwatch/internal/usage/types"
)

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// ParseCompressionType parses a compression type string. Unknown names
// fall back to zstd.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

func (ct CompressionType) String() string {
	switch ct {
	case CompressionSnappy:
		return "snappy"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	case CompressionGzip:
		return "gzip"
	default:
		return "none"
	}
}

func (ct CompressionType) codec() compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// BucketRow is one evicted bucket in Parquet form.
//
// Usage and power columns keep the exact decimal text; usage_kwh is the
// same value as a double so DuckDB can aggregate it.
type BucketRow struct {
	Resolution  string  `parquet:"resolution,dict"`
	Key         string  `parquet:"key"`
	BucketStart int64   `parquet:"bucket_start"`
	Usage       string  `parquet:"usage"`
	UsageKWh    float64 `parquet:"usage_kwh"`
	SampleCount int64   `parquet:"sample_count"`
	LastPower   string  `parquet:"last_power"`
	PeakPower   *string `parquet:"peak_power,optional"`
	EvictedAt   int64   `parquet:"evicted_at"`
}

// Record is an archived bucket.
type Record struct {
	Resolution types.Resolution `json:"-"`
	Key        string           `json:"key"`
	Start      time.Time        `json:"start"`
	Bucket     types.Bucket     `json:"bucket"`
	EvictedAt  time.Time        `json:"evicted_at"`
}

func recordToRow(r Record) BucketRow {
	row := BucketRow{
		Resolution:  r.Resolution.String(),
		Key:         r.Key,
		BucketStart: r.Start.UnixMilli(),
		Usage:       r.Bucket.Usage.String(),
		UsageKWh:    r.Bucket.Usage.Float64(),
		SampleCount: r.Bucket.SampleCount,
		LastPower:   r.Bucket.LastPower.String(),
		EvictedAt:   r.EvictedAt.UnixMilli(),
	}
	if r.Bucket.PeakPower != nil {
		peak := r.Bucket.PeakPower.String()
		row.PeakPower = &peak
	}
	return row
}

func rowToRecord(row BucketRow, loc *time.Location) (Record, error) {
	res, err := types.ParseResolution(row.Resolution)
	if err != nil {
		return Record{}, err
	}
	usage, err := types.NewQuantity(row.Usage)
	if err != nil {
		return Record{}, fmt.Errorf("usage: %w", err)
	}
	last, err := types.NewQuantity(row.LastPower)
	if err != nil {
		return Record{}, fmt.Errorf("last_power: %w", err)
	}

	rec := Record{
		Resolution: res,
		Key:        row.Key,
		Start:      time.UnixMilli(row.BucketStart).In(loc),
		Bucket:     types.Bucket{Usage: usage, SampleCount: row.SampleCount, LastPower: last},
		EvictedAt:  time.UnixMilli(row.EvictedAt).In(loc),
	}
	if row.PeakPower != nil {
		peak, err := types.NewQuantity(*row.PeakPower)
		if err != nil {
			return Record{}, fmt.Errorf("peak_power: %w", err)
		}
		rec.Bucket.PeakPower = &peak
	}
	return rec, nil
}

// writeFile writes rows to path. The file appears under its final name only
// once complete, so concurrent globbing readers never see a partial file.
func writeFile(path string, rows []BucketRow, ct CompressionType) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer func() {
		if err != nil {
			os.Remove(tmp)
		}
	}()

	w := parquet.NewGenericWriter[BucketRow](f, parquet.Compression(ct.codec()))
	if _, err := w.Write(rows); err != nil {
		f.Close()
		return fmt.Errorf("write rows: %w", err)
	}
	if err := w.Close(); err != nil {
		f.Close()
		return fmt.Errorf("close writer: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// ReadFile reads every row of one archive file.
func ReadFile(path string, loc *time.Location) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[BucketRow](f)
	defer reader.Close()

	rows := make([]BucketRow, reader.NumRows())
	n, err := reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read rows: %w", err)
	}

	out := make([]Record, 0, n)
	for _, row := range rows[:n] {
		rec, err := rowToRecord(row, loc)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		out = append(out, rec)
	}
	return out, nil
}
