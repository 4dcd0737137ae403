// Package export writes range-query results to Parquet files for offline
// analysis. The store itself stays the source of truth; an export is a
// one-way snapshot.
package export

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/haysel/hayselnut/internal/tsdb"
)

// Options configures an export.
type Options struct {
	// Compression algorithm for all columns.
	Compression CompressionType

	// BatchSize is the number of records buffered per write call.
	BatchSize int
}

// CompressionType names a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionGzip
)

// DefaultOptions returns the default export options.
func DefaultOptions() Options {
	return Options{
		Compression: CompressionZstd,
		BatchSize:   8192,
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "gzip":
		return CompressionGzip
	case "none":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionGzip:
		return &parquet.Gzip
	case CompressionNone:
		return &parquet.Uncompressed
	default:
		return &parquet.Zstd
	}
}

// RecordRow is one stored record in Parquet form. Identity columns are
// repeated per row so a file is self-describing when files from several
// channels end up in the same directory.
type RecordRow struct {
	Station   string  `parquet:"station,zstd"`
	Channel   string  `parquet:"channel,zstd"`
	Timestamp int64   `parquet:"timestamp"`
	Value     float64 `parquet:"value"`
}

// Cursor exports results batch by batch, so an export of a large range
// never materializes the full result set in memory.
func Cursor(cur *tsdb.Cursor, station, channel uuid.UUID, path string, opts Options) (int64, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions().BatchSize
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create export directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create export file: %w", err)
	}

	w := parquet.NewGenericWriter[RecordRow](f,
		parquet.Compression(getCompression(opts.Compression)))

	stationStr := station.String()
	channelStr := channel.String()

	var total int64
	batch := make([]RecordRow, 0, opts.BatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := w.Write(batch); err != nil {
			return fmt.Errorf("write rows: %w", err)
		}
		total += int64(len(batch))
		batch = batch[:0]
		return nil
	}

	fail := func(err error) (int64, error) {
		w.Close()
		f.Close()
		os.Remove(path)
		return 0, err
	}

	for rec, ok := cur.Next(); ok; rec, ok = cur.Next() {
		batch = append(batch, RecordRow{
			Station:   stationStr,
			Channel:   channelStr,
			Timestamp: int64(rec.Timestamp),
			Value:     rec.Value,
		})
		if len(batch) == cap(batch) {
			if err := flush(); err != nil {
				return fail(err)
			}
		}
	}
	if err := cur.Err(); err != nil {
		return fail(err)
	}
	if err := flush(); err != nil {
		return fail(err)
	}

	if err := w.Close(); err != nil {
		f.Close()
		os.Remove(path)
		return 0, fmt.Errorf("finalize parquet file: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close export file: %w", err)
	}
	return total, nil
}

// Read loads an exported file back into memory. Intended for tests and
// small files.
func Read(path string) ([]RecordRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open export file: %w", err)
	}
	defer f.Close()

	r := parquet.NewGenericReader[RecordRow](f)
	defer r.Close()

	rows := make([]RecordRow, r.NumRows())
	if len(rows) == 0 {
		return nil, nil
	}
	n, err := r.Read(rows)
	if err != nil && n == 0 {
		return nil, fmt.Errorf("read export file: %w", err)
	}
	return rows[:n], nil
}
